package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JSONB is a custom type for JSONB fields
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface for JSONB
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for JSONB
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("incompatible type for JSONB")
	}

	// Handle empty or null JSON
	if len(bytes) == 0 || string(bytes) == "null" {
		*j = make(JSONB)
		return nil
	}

	result := make(JSONB)
	err := json.Unmarshal(bytes, &result)
	if err != nil {
		return err
	}
	*j = result
	return nil
}

// ============================================================================
// Enumerations
// ============================================================================

// CommissionType represents the commission model configured for a house
type CommissionType string

const (
	CommissionTypeCPA      CommissionType = "CPA"
	CommissionTypeRevShare CommissionType = "RevShare"
	CommissionTypeHybrid   CommissionType = "Hybrid"
)

// IntegrationType represents how conversion events reach the platform
type IntegrationType string

const (
	IntegrationTypePostback IntegrationType = "postback"
	IntegrationTypeAPI      IntegrationType = "api"
	IntegrationTypeHybrid   IntegrationType = "hybrid"
)

// EventType represents a conversion event type reported by a house
type EventType string

const (
	EventTypeClick        EventType = "click"
	EventTypeRegistration EventType = "registration"
	EventTypeDeposit      EventType = "deposit"
	EventTypeFirstDeposit EventType = "first_deposit"
	EventTypeRevenue      EventType = "revenue"
	EventTypeProfit       EventType = "profit"
	EventTypePayout       EventType = "payout"
	EventTypeChargeback   EventType = "chargeback"
)

// IsValidEventType reports whether s is a recognized conversion event type
func IsValidEventType(s string) bool {
	switch EventType(s) {
	case EventTypeClick, EventTypeRegistration, EventTypeDeposit, EventTypeFirstDeposit,
		EventTypeRevenue, EventTypeProfit, EventTypePayout, EventTypeChargeback:
		return true
	}
	return false
}

// PostbackLogStatus represents the terminal (or in-flight) status of an ingestion attempt
type PostbackLogStatus string

const (
	PostbackLogStatusProcessing        PostbackLogStatus = "PROCESSING"
	PostbackLogStatusSuccess           PostbackLogStatus = "SUCCESS"
	PostbackLogStatusHouseNotFound     PostbackLogStatus = "ERROR_HOUSE_NOT_FOUND"
	PostbackLogStatusAffiliateNotFound PostbackLogStatus = "ERROR_AFFILIATE_NOT_FOUND"
	PostbackLogStatusValidation        PostbackLogStatus = "ERROR_VALIDATION"
	PostbackLogStatusProcessingError   PostbackLogStatus = "ERROR_PROCESSING"
)

// SyncStatus represents the state of a house's API polling sync
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusError   SyncStatus = "error"
)

// AuthMethod represents the authentication scheme for a house's API
type AuthMethod string

const (
	AuthMethodBearer AuthMethod = "bearer"
	AuthMethodAPIKey AuthMethod = "api_key"
	AuthMethodBasic  AuthMethod = "basic"
)

// ============================================================================
// Models
// ============================================================================

// BettingHouse represents a partner betting operator
type BettingHouse struct {
	ID         uuid.UUID `db:"id" json:"id"`
	Identifier string    `db:"identifier" json:"identifier"` // slug used in postback URLs
	Name       string    `db:"name" json:"name"`

	CommissionType CommissionType `db:"commission_type" json:"commission_type"`

	// CPA configuration. CPAValue is the flat total commission per acquired
	// customer; CPAAffiliatePercent is the share of that total passed to the
	// affiliate, in (0, 100].
	CPAValue            decimal.Decimal `db:"cpa_value" json:"cpa_value"`
	CPAAffiliatePercent decimal.Decimal `db:"cpa_affiliate_percent" json:"cpa_affiliate_percent"`
	MinDeposit          decimal.Decimal `db:"min_deposit" json:"min_deposit"`

	// RevShare configuration. RevSharePercent is the total percentage the
	// house pays out; RevShareAffiliatePercent is the affiliate's share of
	// that pool in absolute percentage points, in (0, RevSharePercent].
	RevSharePercent          decimal.Decimal `db:"revshare_percent" json:"revshare_percent"`
	RevShareAffiliatePercent decimal.Decimal `db:"revshare_affiliate_percent" json:"revshare_affiliate_percent"`

	IntegrationType IntegrationType `db:"integration_type" json:"integration_type"`

	// SecurityToken, when set, must be echoed back on every postback
	SecurityToken *string `db:"security_token" json:"-"`

	// API integration configuration, present for api/hybrid houses
	APIBaseURL    *string `db:"api_base_url" json:"api_base_url,omitempty"`
	APIAuthMethod *string `db:"api_auth_method" json:"api_auth_method,omitempty"`
	APIAuthToken  *string `db:"api_auth_token" json:"-"`
	APIKeyHeader  *string `db:"api_key_header" json:"api_key_header,omitempty"`
	APIUsername   *string `db:"api_username" json:"-"`
	APIPassword   *string `db:"api_password" json:"-"`
	APIFieldMap   JSONB   `db:"api_field_map" json:"api_field_map,omitempty"`

	SyncIntervalMinutes int        `db:"sync_interval_minutes" json:"sync_interval_minutes"`
	SyncStatus          SyncStatus `db:"sync_status" json:"sync_status"`
	SyncErrorMessage    *string    `db:"sync_error_message" json:"sync_error_message,omitempty"`
	LastSyncAt          *time.Time `db:"last_sync_at" json:"last_sync_at,omitempty"`

	IsActive  bool      `db:"is_active" json:"is_active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Affiliate represents an affiliate account. The username doubles as the
// subid tracking parameter external systems echo back.
type Affiliate struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Username  string    `db:"username" json:"username"`
	Email     string    `db:"email" json:"email"`
	IsActive  bool      `db:"is_active" json:"is_active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// AffiliateLink associates an affiliate with a house, used by the API
// polling sync to resolve the owning affiliate for pulled conversions.
type AffiliateLink struct {
	ID          uuid.UUID `db:"id" json:"id"`
	AffiliateID uuid.UUID `db:"affiliate_id" json:"affiliate_id"`
	HouseID     uuid.UUID `db:"house_id" json:"house_id"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Conversion represents one accepted, non-duplicate conversion event with
// its computed commission split. Immutable once created.
type Conversion struct {
	ID                  uuid.UUID       `db:"id" json:"id"`
	AffiliateID         uuid.UUID       `db:"affiliate_id" json:"affiliate_id"`
	HouseID             uuid.UUID       `db:"house_id" json:"house_id"`
	EventType           EventType       `db:"event_type" json:"event_type"`
	CustomerID          *string         `db:"customer_id" json:"customer_id,omitempty"`
	Amount              decimal.Decimal `db:"amount" json:"amount"`
	AffiliateCommission decimal.Decimal `db:"affiliate_commission" json:"affiliate_commission"`
	MasterCommission    decimal.Decimal `db:"master_commission" json:"master_commission"`
	CPAPaid             bool            `db:"cpa_paid" json:"cpa_paid"`
	Metadata            JSONB           `db:"metadata" json:"metadata"`
	ConvertedAt         time.Time       `db:"converted_at" json:"converted_at"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
}

// PostbackLog represents one ingestion attempt, success or failure.
// Rows are append-only; only the status is updated, exactly once, to a
// terminal value.
type PostbackLog struct {
	ID              int64             `db:"id" json:"id"`
	HouseIdentifier string            `db:"house_identifier" json:"house_identifier"`
	EventType       string            `db:"event_type" json:"event_type"`
	Subid           string            `db:"subid" json:"subid"`
	RawValue        *string           `db:"raw_value" json:"raw_value,omitempty"`
	CustomerID      *string           `db:"customer_id" json:"customer_id,omitempty"`
	IPAddress       string            `db:"ip_address" json:"ip_address"`
	RawRequest      string            `db:"raw_request" json:"raw_request"`
	Status          PostbackLogStatus `db:"status" json:"status"`
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time         `db:"updated_at" json:"updated_at"`
}

// ============================================================================
// API integration config (tagged variant over the house's loose columns)
// ============================================================================

var (
	ErrAPIConfigMissing = errors.New("house has no API configuration")
	ErrAPIConfigInvalid = errors.New("house API configuration is invalid")
)

// FieldMap names the upstream fields a house's API uses for each value the
// sync needs. Zero values fall back to the conventional names.
type FieldMap struct {
	CustomerID string
	Amount     string
	EventType  string
	Date       string
}

// APIConfig is the validated API integration configuration for a house.
type APIConfig struct {
	BaseURL    string
	AuthMethod AuthMethod
	AuthToken  string // bearer token or API key value
	KeyHeader  string // header name for api_key auth
	Username   string // basic auth
	Password   string // basic auth
	Fields     FieldMap
}

// APIConfig validates and assembles the house's API integration settings.
// Every use site gets a fully-checked config instead of inspecting the raw
// nullable columns ad hoc.
func (h *BettingHouse) APIConfig() (APIConfig, error) {
	if h.IntegrationType == IntegrationTypePostback {
		return APIConfig{}, ErrAPIConfigMissing
	}
	if h.APIBaseURL == nil || *h.APIBaseURL == "" {
		return APIConfig{}, errors.Join(ErrAPIConfigInvalid, errors.New("api_base_url is not set"))
	}
	if h.APIAuthMethod == nil || *h.APIAuthMethod == "" {
		return APIConfig{}, errors.Join(ErrAPIConfigInvalid, errors.New("api_auth_method is not set"))
	}

	cfg := APIConfig{
		BaseURL:    *h.APIBaseURL,
		AuthMethod: AuthMethod(*h.APIAuthMethod),
		Fields:     h.fieldMap(),
	}

	switch cfg.AuthMethod {
	case AuthMethodBearer:
		if h.APIAuthToken == nil || *h.APIAuthToken == "" {
			return APIConfig{}, errors.Join(ErrAPIConfigInvalid, errors.New("bearer auth requires api_auth_token"))
		}
		cfg.AuthToken = *h.APIAuthToken
	case AuthMethodAPIKey:
		if h.APIAuthToken == nil || *h.APIAuthToken == "" {
			return APIConfig{}, errors.Join(ErrAPIConfigInvalid, errors.New("api_key auth requires api_auth_token"))
		}
		cfg.AuthToken = *h.APIAuthToken
		cfg.KeyHeader = "X-API-Key"
		if h.APIKeyHeader != nil && *h.APIKeyHeader != "" {
			cfg.KeyHeader = *h.APIKeyHeader
		}
	case AuthMethodBasic:
		if h.APIUsername == nil || *h.APIUsername == "" || h.APIPassword == nil {
			return APIConfig{}, errors.Join(ErrAPIConfigInvalid, errors.New("basic auth requires api_username and api_password"))
		}
		cfg.Username = *h.APIUsername
		cfg.Password = *h.APIPassword
	default:
		return APIConfig{}, errors.Join(ErrAPIConfigInvalid, errors.New("unknown api_auth_method"))
	}

	return cfg, nil
}

func (h *BettingHouse) fieldMap() FieldMap {
	fm := FieldMap{
		CustomerID: "customer_id",
		Amount:     "amount",
		EventType:  "event_type",
		Date:       "date",
	}
	get := func(key string) string {
		if h.APIFieldMap == nil {
			return ""
		}
		if v, ok := h.APIFieldMap[key].(string); ok {
			return v
		}
		return ""
	}
	if v := get("customer_id"); v != "" {
		fm.CustomerID = v
	}
	if v := get("amount"); v != "" {
		fm.Amount = v
	}
	if v := get("event_type"); v != "" {
		fm.EventType = v
	}
	if v := get("date"); v != "" {
		fm.Date = v
	}
	return fm
}
