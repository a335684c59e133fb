package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"betlink-server/internal/commission"
	"betlink-server/internal/dedup"
	"betlink-server/internal/observability"
	"betlink-server/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrHouseNotFound    = errors.New("house not found")
	ErrSyncInProgress   = errors.New("sync already in progress for this house")
	ErrNoAffiliateLink  = errors.New("no affiliate link configured for house")
	ErrUpstreamAPI      = errors.New("house API request failed")
	ErrNotAPIIntegrated = errors.New("house is not API-integrated")
)

// SyncStore defines the database operations required by SyncService
type SyncStore interface {
	GetHouseByID(ctx context.Context, houseID uuid.UUID) (store.BettingHouse, error)
	UpdateHouseSyncStatus(ctx context.Context, houseID uuid.UUID, status store.SyncStatus, errorMessage *string, lastSyncAt *time.Time) error
	GetAffiliateForHouse(ctx context.Context, houseID uuid.UUID) (store.Affiliate, error)
	CreateConversion(ctx context.Context, params store.CreateConversionParams) (store.Conversion, error)
}

// SyncService pulls conversion records from a house's own API and feeds
// them through the same dedup and commission path as live postbacks.
type SyncService struct {
	store        SyncStore
	guard        dedup.Guard
	logger       *observability.Logger
	httpClient   *http.Client
	lookbackDays int

	mu       sync.Mutex
	inFlight map[uuid.UUID]bool
}

func New(store SyncStore, guard dedup.Guard, logger *observability.Logger, httpTimeout time.Duration, lookbackDays int) *SyncService {
	return &SyncService{
		store:  store,
		guard:  guard,
		logger: logger,
		httpClient: &http.Client{
			Timeout: httpTimeout,
		},
		lookbackDays: lookbackDays,
		inFlight:     make(map[uuid.UUID]bool),
	}
}

// SyncResult summarizes one sync run.
type SyncResult struct {
	Synced int      `json:"synced"`
	Errors []string `json:"errors"`
}

// tryLock marks the house as syncing, rejecting overlapping runs.
func (s *SyncService) tryLock(houseID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[houseID] {
		return false
	}
	s.inFlight[houseID] = true
	return true
}

func (s *SyncService) unlock(houseID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, houseID)
}

// SyncConversions fetches a date-bounded page of conversions from the
// house's API, normalizes each record, and persists the non-duplicates with
// their commission split. The house's sync status always ends in a terminal
// state, never stuck at "syncing".
func (s *SyncService) SyncConversions(ctx context.Context, houseID uuid.UUID, dateFrom *time.Time) (SyncResult, error) {
	ctx = observability.WithFields(ctx, observability.Field{Key: "house_id", Value: houseID.String()})

	if !s.tryLock(houseID) {
		return SyncResult{}, ErrSyncInProgress
	}
	defer s.unlock(houseID)

	house, err := s.store.GetHouseByID(ctx, houseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return SyncResult{}, ErrHouseNotFound
		}
		return SyncResult{}, err
	}
	if house.IntegrationType == store.IntegrationTypePostback {
		return SyncResult{}, ErrNotAPIIntegrated
	}

	cfg, err := house.APIConfig()
	if err != nil {
		s.markError(ctx, houseID, err)
		return SyncResult{}, err
	}

	if err := s.store.UpdateHouseSyncStatus(ctx, houseID, store.SyncStatusSyncing, nil, nil); err != nil {
		return SyncResult{}, err
	}

	result, err := s.runSync(ctx, house, cfg, dateFrom)
	if err != nil {
		s.markError(ctx, houseID, err)
		return result, err
	}

	now := time.Now().UTC()
	if err := s.store.UpdateHouseSyncStatus(ctx, houseID, store.SyncStatusSuccess, nil, &now); err != nil {
		return result, err
	}
	s.logger.Info(observability.WithFields(ctx,
		observability.Field{Key: "synced", Value: result.Synced},
		observability.Field{Key: "record_errors", Value: len(result.Errors)},
	), "house sync completed")
	return result, nil
}

// markError records a terminal error status; failures doing so are logged
// but do not mask the original error.
func (s *SyncService) markError(ctx context.Context, houseID uuid.UUID, cause error) {
	message := cause.Error()
	if err := s.store.UpdateHouseSyncStatus(ctx, houseID, store.SyncStatusError, &message, nil); err != nil {
		s.logger.Error(ctx, "failed to record sync error status", err)
	}
}

func (s *SyncService) runSync(ctx context.Context, house store.BettingHouse, cfg store.APIConfig, dateFrom *time.Time) (SyncResult, error) {
	result := SyncResult{Errors: []string{}}

	from := s.resolveDateFrom(house, dateFrom)
	records, err := s.fetchConversions(ctx, cfg, from)
	if err != nil {
		return result, err
	}
	if len(records) == 0 {
		return result, nil
	}

	// Pulled records carry no subid; the owning affiliate comes from the
	// house's affiliate link. A missing link is a configuration error, not
	// something to paper over with a default account.
	affiliate, err := s.store.GetAffiliateForHouse(ctx, house.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return result, ErrNoAffiliateLink
		}
		return result, err
	}

	for i, record := range records {
		event, err := normalizeRecord(record, cfg.Fields)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", i, err))
			continue
		}

		customerID := &event.CustomerID
		duplicate, err := s.guard.IsDuplicate(ctx, house.ID, customerID, event.EventType)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: dedup check failed: %v", i, err))
			continue
		}
		if duplicate {
			// Already recorded; counts as neither synced nor error.
			continue
		}

		cpaPaid, err := s.guard.HasCPABeenPaid(ctx, house.ID, customerID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: cpa check failed: %v", i, err))
			continue
		}

		evaluation := commission.Evaluate(commission.Input{
			House:          house,
			EventType:      event.EventType,
			Amount:         event.Amount,
			CPAAlreadyPaid: cpaPaid,
		})

		metadata := store.JSONB{
			"source":     "api_sync",
			"raw_record": record,
			"breakdown":  evaluation.Breakdown,
		}
		if evaluation.Reason != "" {
			metadata["reason"] = evaluation.Reason
		}

		_, err = s.store.CreateConversion(ctx, store.CreateConversionParams{
			AffiliateID:         affiliate.ID,
			HouseID:             house.ID,
			EventType:           event.EventType,
			CustomerID:          customerID,
			Amount:              event.Amount,
			AffiliateCommission: evaluation.AffiliateCommission,
			MasterCommission:    evaluation.MasterCommission,
			CPAPaid:             evaluation.CPAPaid,
			Metadata:            metadata,
			ConvertedAt:         event.OccurredAt,
		})
		if err != nil {
			if errors.Is(err, store.ErrDuplicateConversion) {
				continue
			}
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: persist failed: %v", i, err))
			continue
		}
		result.Synced++
	}

	return result, nil
}

// resolveDateFrom picks the sync window start: explicit request, then the
// house's last successful sync, then the configured lookback.
func (s *SyncService) resolveDateFrom(house store.BettingHouse, dateFrom *time.Time) time.Time {
	if dateFrom != nil {
		return *dateFrom
	}
	if house.LastSyncAt != nil {
		return *house.LastSyncAt
	}
	return time.Now().UTC().AddDate(0, 0, -s.lookbackDays)
}

// fetchConversions requests the house's conversion feed. Upstream responses
// are either a bare JSON array or an object wrapping one under "data" or
// "conversions".
func (s *SyncService) fetchConversions(ctx context.Context, cfg store.APIConfig, from time.Time) ([]map[string]interface{}, error) {
	endpoint, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base URL: %v", ErrUpstreamAPI, err)
	}
	endpoint = endpoint.JoinPath("conversions")
	query := endpoint.Query()
	query.Set("date_from", from.UTC().Format("2006-01-02"))
	endpoint.RawQuery = query.Encode()

	body, err := s.authenticatedGet(ctx, cfg, endpoint.String())
	if err != nil {
		return nil, err
	}

	var records []map[string]interface{}
	if err := json.Unmarshal(body, &records); err == nil {
		return records, nil
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: malformed response body", ErrUpstreamAPI)
	}
	for _, key := range []string{"data", "conversions"} {
		raw, ok := wrapped[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, fmt.Errorf("%w: malformed %q array", ErrUpstreamAPI, key)
		}
		return records, nil
	}
	return nil, fmt.Errorf("%w: response contains no conversion array", ErrUpstreamAPI)
}

// authenticatedGet issues a GET with the house's configured auth scheme.
func (s *SyncService) authenticatedGet(ctx context.Context, cfg store.APIConfig, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamAPI, err)
	}
	req.Header.Set("Accept", "application/json")

	switch cfg.AuthMethod {
	case store.AuthMethodBearer:
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	case store.AuthMethodAPIKey:
		req.Header.Set(cfg.KeyHeader, cfg.AuthToken)
	case store.AuthMethodBasic:
		req.SetBasicAuth(cfg.Username, cfg.Password)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamAPI, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUpstreamAPI, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamAPI, resp.StatusCode)
	}
	return body, nil
}

// TestConnection performs a lightweight authenticated GET against the
// house's stats endpoint. It mutates no state; administrators use it to
// validate credentials before enabling scheduled sync.
func (s *SyncService) TestConnection(ctx context.Context, houseID uuid.UUID) (bool, string) {
	house, err := s.store.GetHouseByID(ctx, houseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, "house not found"
		}
		return false, fmt.Sprintf("failed to load house: %v", err)
	}

	cfg, err := house.APIConfig()
	if err != nil {
		return false, fmt.Sprintf("API configuration invalid: %v", err)
	}

	endpoint, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return false, fmt.Sprintf("invalid base URL: %v", err)
	}
	endpoint = endpoint.JoinPath("stats")

	if _, err := s.authenticatedGet(ctx, cfg, endpoint.String()); err != nil {
		return false, fmt.Sprintf("connection failed: %v", err)
	}
	return true, "connection successful"
}

// upstreamEvent is a pulled conversion record normalized to the internal
// event shape.
type upstreamEvent struct {
	CustomerID string
	Amount     decimal.Decimal
	EventType  store.EventType
	OccurredAt time.Time
}

// normalizeRecord maps an upstream record onto the internal event shape
// using the house's field mapping.
func normalizeRecord(record map[string]interface{}, fields store.FieldMap) (upstreamEvent, error) {
	event := upstreamEvent{OccurredAt: time.Now().UTC()}

	customerID, err := stringField(record, fields.CustomerID)
	if err != nil {
		return event, err
	}
	if customerID == "" {
		return event, fmt.Errorf("missing customer id field %q", fields.CustomerID)
	}
	event.CustomerID = customerID

	eventType, err := stringField(record, fields.EventType)
	if err != nil {
		return event, err
	}
	if !store.IsValidEventType(eventType) {
		return event, fmt.Errorf("unknown event type %q", eventType)
	}
	event.EventType = store.EventType(eventType)

	if raw, ok := record[fields.Amount]; ok && raw != nil {
		amount, err := decimalField(raw)
		if err != nil {
			return event, fmt.Errorf("invalid amount field %q: %v", fields.Amount, err)
		}
		event.Amount = amount
	}

	if raw, ok := record[fields.Date]; ok {
		if str, ok := raw.(string); ok {
			if parsed, err := parseUpstreamDate(str); err == nil {
				event.OccurredAt = parsed
			}
		}
	}

	return event, nil
}

func stringField(record map[string]interface{}, field string) (string, error) {
	raw, ok := record[field]
	if !ok || raw == nil {
		return "", nil
	}
	switch v := raw.(type) {
	case string:
		return v, nil
	case float64:
		return decimal.NewFromFloat(v).String(), nil
	case json.Number:
		return v.String(), nil
	default:
		return "", fmt.Errorf("field %q has unsupported type %T", field, raw)
	}
}

func decimalField(raw interface{}) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case string:
		return decimal.NewFromString(v)
	case json.Number:
		return decimal.NewFromString(v.String())
	default:
		return decimal.Zero, fmt.Errorf("unsupported type %T", raw)
	}
}

func parseUpstreamDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
