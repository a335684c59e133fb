package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"betlink-server/internal/dedup"
	"betlink-server/internal/observability"
	"betlink-server/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSyncStore struct {
	houses     map[uuid.UUID]store.BettingHouse
	affiliates map[uuid.UUID]store.Affiliate // keyed by house id

	conversions  []store.Conversion
	syncStatuses []store.SyncStatus
	lastError    *string
	lastSyncAt   *time.Time
}

func newMockSyncStore() *mockSyncStore {
	return &mockSyncStore{
		houses:     map[uuid.UUID]store.BettingHouse{},
		affiliates: map[uuid.UUID]store.Affiliate{},
	}
}

func (m *mockSyncStore) GetHouseByID(_ context.Context, houseID uuid.UUID) (store.BettingHouse, error) {
	house, ok := m.houses[houseID]
	if !ok {
		return store.BettingHouse{}, store.ErrNotFound
	}
	return house, nil
}

func (m *mockSyncStore) UpdateHouseSyncStatus(_ context.Context, houseID uuid.UUID, status store.SyncStatus, errorMessage *string, lastSyncAt *time.Time) error {
	if _, ok := m.houses[houseID]; !ok {
		return store.ErrNotFound
	}
	m.syncStatuses = append(m.syncStatuses, status)
	m.lastError = errorMessage
	if lastSyncAt != nil {
		m.lastSyncAt = lastSyncAt
	}
	return nil
}

func (m *mockSyncStore) GetAffiliateForHouse(_ context.Context, houseID uuid.UUID) (store.Affiliate, error) {
	affiliate, ok := m.affiliates[houseID]
	if !ok {
		return store.Affiliate{}, store.ErrNotFound
	}
	return affiliate, nil
}

func (m *mockSyncStore) CreateConversion(_ context.Context, params store.CreateConversionParams) (store.Conversion, error) {
	if params.CustomerID != nil {
		for _, c := range m.conversions {
			if c.HouseID == params.HouseID && c.CustomerID != nil &&
				*c.CustomerID == *params.CustomerID && c.EventType == params.EventType {
				return store.Conversion{}, store.ErrDuplicateConversion
			}
		}
	}
	conversion := store.Conversion{
		ID:                  uuid.New(),
		AffiliateID:         params.AffiliateID,
		HouseID:             params.HouseID,
		EventType:           params.EventType,
		CustomerID:          params.CustomerID,
		Amount:              params.Amount.Round(2),
		AffiliateCommission: params.AffiliateCommission.Round(2),
		MasterCommission:    params.MasterCommission.Round(2),
		CPAPaid:             params.CPAPaid,
		Metadata:            params.Metadata,
		ConvertedAt:         params.ConvertedAt,
	}
	m.conversions = append(m.conversions, conversion)
	return conversion, nil
}

func (m *mockSyncStore) GetConversion(_ context.Context, houseID uuid.UUID, customerID string, eventType store.EventType) (store.Conversion, error) {
	for _, c := range m.conversions {
		if c.HouseID == houseID && c.CustomerID != nil && *c.CustomerID == customerID && c.EventType == eventType {
			return c, nil
		}
	}
	return store.Conversion{}, store.ErrNotFound
}

func (m *mockSyncStore) HasCPABeenPaid(_ context.Context, houseID uuid.UUID, customerID string) (bool, error) {
	for _, c := range m.conversions {
		if c.HouseID == houseID && c.CustomerID != nil && *c.CustomerID == customerID && c.CPAPaid {
			return true, nil
		}
	}
	return false, nil
}

func strptr(s string) *string { return &s }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seedAPIHouse(mock *mockSyncStore, baseURL string) store.BettingHouse {
	house := store.BettingHouse{
		ID:                  uuid.New(),
		Identifier:          "bet365",
		Name:                "Bet365",
		CommissionType:      store.CommissionTypeCPA,
		CPAValue:            dec("150"),
		CPAAffiliatePercent: dec("70"),
		MinDeposit:          dec("50"),
		IntegrationType:     store.IntegrationTypeAPI,
		APIBaseURL:          &baseURL,
		APIAuthMethod:       strptr(string(store.AuthMethodBearer)),
		APIAuthToken:        strptr("token-123"),
		IsActive:            true,
	}
	mock.houses[house.ID] = house
	mock.affiliates[house.ID] = store.Affiliate{ID: uuid.New(), Username: "joao", IsActive: true}
	return house
}

func newTestService(mock *mockSyncStore) *SyncService {
	logger := observability.NewLogger()
	guard := dedup.New(mock, logger)
	return New(mock, guard, logger, 2*time.Second, 7)
}

func TestSyncConversions_PullsAndPricesRecords(t *testing.T) {
	var gotAuth, gotDateFrom string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/conversions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotDateFrom = r.URL.Query().Get("date_from")
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"customer_id": "cust-1", "amount": 100.0, "event_type": "deposit", "date": "2026-08-20"},
			{"customer_id": "cust-2", "amount": 30.0, "event_type": "deposit"},
		})
	}))
	defer upstream.Close()

	mock := newMockSyncStore()
	house := seedAPIHouse(mock, upstream.URL)
	svc := newTestService(mock)

	result, err := svc.SyncConversions(context.Background(), house.ID, nil)
	require.NoError(t, err)

	assert.Equal(t, "Bearer token-123", gotAuth)
	assert.NotEmpty(t, gotDateFrom)
	assert.Equal(t, 2, result.Synced)
	assert.Empty(t, result.Errors)

	require.Len(t, mock.conversions, 2)
	// First deposit clears the house minimum and pays CPA.
	assert.True(t, mock.conversions[0].AffiliateCommission.Equal(dec("105")))
	assert.True(t, mock.conversions[0].CPAPaid)
	assert.Equal(t, "api_sync", mock.conversions[0].Metadata["source"])
	// Second is below the minimum: recorded at zero commission.
	assert.True(t, mock.conversions[1].AffiliateCommission.IsZero())

	// Status lifecycle: syncing then success, with last_sync_at stamped.
	require.Equal(t, []store.SyncStatus{store.SyncStatusSyncing, store.SyncStatusSuccess}, mock.syncStatuses)
	assert.NotNil(t, mock.lastSyncAt)
}

func TestSyncConversions_WrappedResponseAndFieldMap(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"player": "cust-7", "value": "120.50", "type": "deposit"},
			},
		})
	}))
	defer upstream.Close()

	mock := newMockSyncStore()
	house := seedAPIHouse(mock, upstream.URL)
	house.APIFieldMap = store.JSONB{"customer_id": "player", "amount": "value", "event_type": "type"}
	mock.houses[house.ID] = house
	svc := newTestService(mock)

	result, err := svc.SyncConversions(context.Background(), house.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	require.Len(t, mock.conversions, 1)
	assert.Equal(t, "cust-7", *mock.conversions[0].CustomerID)
	assert.True(t, mock.conversions[0].Amount.Equal(dec("120.50")))
}

func TestSyncConversions_SkipsAlreadyRecorded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"customer_id": "cust-1", "amount": 100.0, "event_type": "deposit"},
		})
	}))
	defer upstream.Close()

	mock := newMockSyncStore()
	house := seedAPIHouse(mock, upstream.URL)
	svc := newTestService(mock)

	first, err := svc.SyncConversions(context.Background(), house.ID, nil)
	require.NoError(t, err)
	require.Equal(t, 1, first.Synced)

	second, err := svc.SyncConversions(context.Background(), house.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Synced)
	assert.Empty(t, second.Errors)
	assert.Len(t, mock.conversions, 1)
}

func TestSyncConversions_UpstreamFailureEndsInErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	mock := newMockSyncStore()
	house := seedAPIHouse(mock, upstream.URL)
	svc := newTestService(mock)

	_, err := svc.SyncConversions(context.Background(), house.ID, nil)
	assert.ErrorIs(t, err, ErrUpstreamAPI)

	// Never stuck at syncing: the run ends in a terminal error with a message.
	require.Equal(t, []store.SyncStatus{store.SyncStatusSyncing, store.SyncStatusError}, mock.syncStatuses)
	require.NotNil(t, mock.lastError)
	assert.Contains(t, *mock.lastError, "status 500")
	assert.Nil(t, mock.lastSyncAt)
}

func TestSyncConversions_MissingAffiliateLink(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"customer_id": "cust-1", "amount": 100.0, "event_type": "deposit"},
		})
	}))
	defer upstream.Close()

	mock := newMockSyncStore()
	house := seedAPIHouse(mock, upstream.URL)
	delete(mock.affiliates, house.ID)
	svc := newTestService(mock)

	_, err := svc.SyncConversions(context.Background(), house.ID, nil)
	assert.ErrorIs(t, err, ErrNoAffiliateLink)
	assert.Equal(t, store.SyncStatusError, mock.syncStatuses[len(mock.syncStatuses)-1])
}

func TestSyncConversions_MalformedRecordsAreCollected(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"amount": 100.0, "event_type": "deposit"},
			{"customer_id": "cust-2", "amount": 80.0, "event_type": "mystery"},
			{"customer_id": "cust-3", "amount": 80.0, "event_type": "deposit"},
		})
	}))
	defer upstream.Close()

	mock := newMockSyncStore()
	house := seedAPIHouse(mock, upstream.URL)
	svc := newTestService(mock)

	result, err := svc.SyncConversions(context.Background(), house.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Len(t, result.Errors, 2)
}

func TestSyncConversions_RejectsPostbackOnlyHouse(t *testing.T) {
	mock := newMockSyncStore()
	house := seedAPIHouse(mock, "http://unused.invalid")
	house.IntegrationType = store.IntegrationTypePostback
	mock.houses[house.ID] = house
	svc := newTestService(mock)

	_, err := svc.SyncConversions(context.Background(), house.ID, nil)
	assert.ErrorIs(t, err, ErrNotAPIIntegrated)
	assert.Empty(t, mock.syncStatuses)
}

func TestSyncConversions_InvalidAPIConfig(t *testing.T) {
	mock := newMockSyncStore()
	house := seedAPIHouse(mock, "http://unused.invalid")
	house.APIAuthToken = nil
	mock.houses[house.ID] = house
	svc := newTestService(mock)

	_, err := svc.SyncConversions(context.Background(), house.ID, nil)
	assert.ErrorIs(t, err, store.ErrAPIConfigInvalid)
	require.NotEmpty(t, mock.syncStatuses)
	assert.Equal(t, store.SyncStatusError, mock.syncStatuses[len(mock.syncStatuses)-1])
}

func TestSyncConversions_UnknownHouse(t *testing.T) {
	svc := newTestService(newMockSyncStore())
	_, err := svc.SyncConversions(context.Background(), uuid.New(), nil)
	assert.ErrorIs(t, err, ErrHouseNotFound)
}

func TestSyncConversions_RejectsOverlappingRuns(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			close(started)
			<-release
		})
		json.NewEncoder(w).Encode([]map[string]interface{}{})
	}))
	defer upstream.Close()

	mock := newMockSyncStore()
	house := seedAPIHouse(mock, upstream.URL)
	svc := newTestService(mock)

	done := make(chan error, 1)
	go func() {
		_, err := svc.SyncConversions(context.Background(), house.ID, nil)
		done <- err
	}()

	<-started
	_, err := svc.SyncConversions(context.Background(), house.ID, nil)
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(release)
	require.NoError(t, <-done)

	// The flag clears once the first run finishes.
	_, err = svc.SyncConversions(context.Background(), house.ID, nil)
	require.NoError(t, err)
}

func TestSyncConversions_ExplicitDateFromWins(t *testing.T) {
	var gotDateFrom string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDateFrom = r.URL.Query().Get("date_from")
		json.NewEncoder(w).Encode([]map[string]interface{}{})
	}))
	defer upstream.Close()

	mock := newMockSyncStore()
	house := seedAPIHouse(mock, upstream.URL)
	last := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	house.LastSyncAt = &last
	mock.houses[house.ID] = house
	svc := newTestService(mock)

	from := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)
	_, err := svc.SyncConversions(context.Background(), house.ID, &from)
	require.NoError(t, err)
	assert.Equal(t, "2026-07-15", gotDateFrom)

	// Without an explicit start the last successful sync wins.
	_, err = svc.SyncConversions(context.Background(), house.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-01", gotDateFrom)
}

func TestTestConnection(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Header.Get("X-API-Key") != "key-9" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	mock := newMockSyncStore()
	house := seedAPIHouse(mock, upstream.URL)
	house.APIAuthMethod = strptr(string(store.AuthMethodAPIKey))
	house.APIAuthToken = strptr("key-9")
	mock.houses[house.ID] = house
	svc := newTestService(mock)

	ok, message := svc.TestConnection(context.Background(), house.ID)
	assert.True(t, ok, message)
	assert.Equal(t, "/stats", gotPath)
	// Probing must not touch the sync status.
	assert.Empty(t, mock.syncStatuses)

	house.APIAuthToken = strptr("wrong")
	mock.houses[house.ID] = house
	ok, message = svc.TestConnection(context.Background(), house.ID)
	assert.False(t, ok)
	assert.Contains(t, message, "status 401")
}

func TestTestConnection_BasicAuth(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	mock := newMockSyncStore()
	house := seedAPIHouse(mock, upstream.URL)
	house.APIAuthMethod = strptr(string(store.AuthMethodBasic))
	house.APIAuthToken = nil
	house.APIUsername = strptr("admin")
	house.APIPassword = strptr("pw")
	mock.houses[house.ID] = house
	svc := newTestService(mock)

	ok, message := svc.TestConnection(context.Background(), house.ID)
	assert.True(t, ok, message)
}
