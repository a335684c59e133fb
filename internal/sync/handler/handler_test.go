package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"betlink-server/internal/dedup"
	"betlink-server/internal/observability"
	"betlink-server/internal/store"
	"betlink-server/internal/sync/scheduler"
	syncService "betlink-server/internal/sync/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSyncStore struct {
	houses     map[uuid.UUID]store.BettingHouse
	affiliates map[uuid.UUID]store.Affiliate

	conversions []store.Conversion
	gotDateFrom string
}

func (f *fakeSyncStore) GetActiveAPIHouses(_ context.Context) ([]store.BettingHouse, error) {
	return nil, nil
}

func (f *fakeSyncStore) GetHouseByID(_ context.Context, houseID uuid.UUID) (store.BettingHouse, error) {
	house, ok := f.houses[houseID]
	if !ok {
		return store.BettingHouse{}, store.ErrNotFound
	}
	return house, nil
}

func (f *fakeSyncStore) UpdateHouseSyncStatus(_ context.Context, houseID uuid.UUID, status store.SyncStatus, errorMessage *string, lastSyncAt *time.Time) error {
	house, ok := f.houses[houseID]
	if !ok {
		return store.ErrNotFound
	}
	house.SyncStatus = status
	f.houses[houseID] = house
	return nil
}

func (f *fakeSyncStore) GetAffiliateForHouse(_ context.Context, houseID uuid.UUID) (store.Affiliate, error) {
	affiliate, ok := f.affiliates[houseID]
	if !ok {
		return store.Affiliate{}, store.ErrNotFound
	}
	return affiliate, nil
}

func (f *fakeSyncStore) CreateConversion(_ context.Context, params store.CreateConversionParams) (store.Conversion, error) {
	conversion := store.Conversion{ID: uuid.New(), HouseID: params.HouseID, CustomerID: params.CustomerID, EventType: params.EventType}
	f.conversions = append(f.conversions, conversion)
	return conversion, nil
}

func (f *fakeSyncStore) GetConversion(_ context.Context, houseID uuid.UUID, customerID string, eventType store.EventType) (store.Conversion, error) {
	for _, c := range f.conversions {
		if c.HouseID == houseID && c.CustomerID != nil && *c.CustomerID == customerID && c.EventType == eventType {
			return c, nil
		}
	}
	return store.Conversion{}, store.ErrNotFound
}

func (f *fakeSyncStore) HasCPABeenPaid(_ context.Context, _ uuid.UUID, _ string) (bool, error) {
	return false, nil
}

func setupHandlerTest(t *testing.T) (*gin.Engine, *fakeSyncStore, uuid.UUID) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fake := &fakeSyncStore{
		houses:     map[uuid.UUID]store.BettingHouse{},
		affiliates: map[uuid.UUID]store.Affiliate{},
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fake.gotDateFrom = r.URL.Query().Get("date_from")
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"customer_id": "cust-1", "amount": 40.0, "event_type": "deposit"},
		})
	}))
	t.Cleanup(upstream.Close)

	token := "token-123"
	method := string(store.AuthMethodBearer)
	baseURL := upstream.URL
	house := store.BettingHouse{
		ID:              uuid.New(),
		Identifier:      "bet365",
		Name:            "Bet365",
		CommissionType:  store.CommissionTypeCPA,
		IntegrationType: store.IntegrationTypeAPI,
		APIBaseURL:      &baseURL,
		APIAuthMethod:   &method,
		APIAuthToken:    &token,
		IsActive:        true,
	}
	fake.houses[house.ID] = house
	fake.affiliates[house.ID] = store.Affiliate{ID: uuid.New(), Username: "joao"}

	logger := observability.NewLogger()
	guard := dedup.New(fake, logger)
	svc := syncService.New(fake, guard, logger, 2*time.Second, 7)
	sched := scheduler.New(fake, svc, logger, time.Hour)
	t.Cleanup(sched.Stop)

	h := New(sched, logger)
	router := gin.New()
	admin := router.Group("/api/admin")
	admin.POST("/houses/:id/test-connection", h.HandleTestConnection)
	admin.POST("/houses/:id/sync", h.HandleManualSync)
	admin.POST("/houses/:id/schedule", h.HandleUpdateSchedule)
	return router, fake, house.ID
}

func post(t *testing.T, router *gin.Engine, path string, payload interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reqBody *bytes.Buffer
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(raw)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, reqBody)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	router.ServeHTTP(rec, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestHandleManualSync(t *testing.T) {
	router, fake, houseID := setupHandlerTest(t)

	rec, body := post(t, router, "/api/admin/houses/"+houseID.String()+"/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "sync completed", body["message"])

	data := body["data"].(map[string]interface{})
	assert.Equal(t, 1.0, data["synced"])
	assert.Len(t, fake.conversions, 1)
}

func TestHandleManualSync_ExplicitDateFrom(t *testing.T) {
	router, fake, houseID := setupHandlerTest(t)

	rec, _ := post(t, router, "/api/admin/houses/"+houseID.String()+"/sync", ManualSyncRequest{DateFrom: "2026-07-01"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2026-07-01", fake.gotDateFrom)
}

func TestHandleManualSync_BadDateFrom(t *testing.T) {
	router, _, houseID := setupHandlerTest(t)

	rec, _ := post(t, router, "/api/admin/houses/"+houseID.String()+"/sync", map[string]string{"date_from": "July 1st"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleManualSync_UnknownHouse(t *testing.T) {
	router, _, _ := setupHandlerTest(t)

	rec, body := post(t, router, "/api/admin/houses/"+uuid.NewString()+"/sync", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, body["success"])

	rec, _ = post(t, router, "/api/admin/houses/not-a-uuid/sync", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleManualSync_PostbackOnlyHouse(t *testing.T) {
	router, fake, houseID := setupHandlerTest(t)

	house := fake.houses[houseID]
	house.IntegrationType = store.IntegrationTypePostback
	fake.houses[houseID] = house

	rec, body := post(t, router, "/api/admin/houses/"+houseID.String()+"/sync", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "house is not API-integrated", body["message"])
}

func TestHandleTestConnection(t *testing.T) {
	router, _, houseID := setupHandlerTest(t)

	rec, body := post(t, router, "/api/admin/houses/"+houseID.String()+"/test-connection", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "connection successful", body["message"])
}

func TestHandleUpdateSchedule(t *testing.T) {
	router, fake, houseID := setupHandlerTest(t)

	rec, body := post(t, router, "/api/admin/houses/"+houseID.String()+"/schedule", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["scheduled"])

	house := fake.houses[houseID]
	house.IsActive = false
	fake.houses[houseID] = house

	rec, body = post(t, router, "/api/admin/houses/"+houseID.String()+"/schedule", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["scheduled"])
}
