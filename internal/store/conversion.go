package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const conversionColumns = `id, affiliate_id, house_id, event_type, customer_id, amount,
affiliate_commission, master_commission, cpa_paid, metadata, converted_at, created_at`

const sqlGetConversion = `
SELECT ` + conversionColumns + `
FROM conversions
WHERE house_id = $1 AND customer_id = $2 AND event_type = $3
`

// GetConversion retrieves the conversion matching the dedup key, if any.
func (s *Store) GetConversion(ctx context.Context, houseID uuid.UUID, customerID string, eventType EventType) (Conversion, error) {
	var conversion Conversion
	err := s.db.GetContext(ctx, &conversion, sqlGetConversion, houseID, customerID, eventType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversion{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get conversion", err)
		return Conversion{}, fmt.Errorf("failed to get conversion: %w", err)
	}
	return conversion, nil
}

const sqlHasCPABeenPaid = `
SELECT EXISTS (
    SELECT 1 FROM conversions
    WHERE house_id = $1 AND customer_id = $2 AND cpa_paid
)
`

// HasCPABeenPaid reports whether a CPA commission has already been paid for
// this (house, customer) pair. CPA is strictly one payment per acquired
// customer, regardless of how many qualifying deposits arrive afterward.
func (s *Store) HasCPABeenPaid(ctx context.Context, houseID uuid.UUID, customerID string) (bool, error) {
	var paid bool
	err := s.db.GetContext(ctx, &paid, sqlHasCPABeenPaid, houseID, customerID)
	if err != nil {
		s.logger.Error(ctx, "failed to check cpa payment", err)
		return false, fmt.Errorf("failed to check cpa payment: %w", err)
	}
	return paid, nil
}

// CreateConversionParams represents parameters for creating a conversion
type CreateConversionParams struct {
	AffiliateID         uuid.UUID
	HouseID             uuid.UUID
	EventType           EventType
	CustomerID          *string
	Amount              decimal.Decimal
	AffiliateCommission decimal.Decimal
	MasterCommission    decimal.Decimal
	CPAPaid             bool
	Metadata            JSONB
	ConvertedAt         time.Time
}

const sqlCreateConversion = `
INSERT INTO conversions (affiliate_id, house_id, event_type, customer_id, amount,
    affiliate_commission, master_commission, cpa_paid, metadata, converted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (house_id, customer_id, event_type) WHERE customer_id IS NOT NULL DO NOTHING
RETURNING ` + conversionColumns + `
`

// CreateConversion inserts a new conversion. When a concurrent request has
// already inserted the same (house, customer, event type) key, the insert
// is a no-op and ErrDuplicateConversion is returned so the caller can take
// the idempotent success path.
func (s *Store) CreateConversion(ctx context.Context, params CreateConversionParams) (Conversion, error) {
	var conversion Conversion
	err := s.db.GetContext(ctx, &conversion, sqlCreateConversion,
		params.AffiliateID,
		params.HouseID,
		params.EventType,
		params.CustomerID,
		params.Amount.Round(2),
		params.AffiliateCommission.Round(2),
		params.MasterCommission.Round(2),
		params.CPAPaid,
		params.Metadata,
		params.ConvertedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversion{}, ErrDuplicateConversion
		}
		s.logger.Error(ctx, "failed to create conversion", err)
		return Conversion{}, fmt.Errorf("failed to create conversion: %w", err)
	}
	return conversion, nil
}

const sqlGetConversionsByHouse = `
SELECT ` + conversionColumns + `
FROM conversions
WHERE house_id = $1
ORDER BY created_at DESC
LIMIT $2
`

// GetConversionsByHouse retrieves the most recent conversions for a house.
func (s *Store) GetConversionsByHouse(ctx context.Context, houseID uuid.UUID, limit int) ([]Conversion, error) {
	var conversions []Conversion
	err := s.db.SelectContext(ctx, &conversions, sqlGetConversionsByHouse, houseID, limit)
	if err != nil {
		s.logger.Error(ctx, "failed to get conversions by house", err)
		return nil, fmt.Errorf("failed to get conversions by house: %w", err)
	}
	return conversions, nil
}
