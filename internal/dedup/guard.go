package dedup

import (
	"context"
	"errors"

	"betlink-server/internal/observability"
	"betlink-server/internal/store"

	"github.com/google/uuid"
)

// ConversionStore defines the database operations required by the Guard
type ConversionStore interface {
	GetConversion(ctx context.Context, houseID uuid.UUID, customerID string, eventType store.EventType) (store.Conversion, error)
	HasCPABeenPaid(ctx context.Context, houseID uuid.UUID, customerID string) (bool, error)
}

// Guard makes ingestion idempotent under retries by checking whether an
// incoming (house, customer, event type) tuple has already been recorded.
// It is advisory: the authoritative safeguard against concurrent duplicates
// is the conversions uniqueness constraint.
type Guard struct {
	store  ConversionStore
	logger *observability.Logger
}

func New(store ConversionStore, logger *observability.Logger) Guard {
	return Guard{store: store, logger: logger}
}

// IsDuplicate reports whether a conversion already exists for the tuple.
// Events without a customer id (clicks, typically) are never duplicates.
func (g *Guard) IsDuplicate(ctx context.Context, houseID uuid.UUID, customerID *string, eventType store.EventType) (bool, error) {
	if customerID == nil || *customerID == "" {
		return false, nil
	}

	_, err := g.store.GetConversion(ctx, houseID, *customerID, eventType)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		g.logger.Error(ctx, "failed to check for duplicate conversion", err)
		return false, err
	}
	return true, nil
}

// HasCPABeenPaid reports whether a CPA commission was already paid for this
// customer at this house, across all event type granularity. Consulted
// before pricing any CPA component so that CPA remains a strictly one-time
// payment per acquired customer.
func (g *Guard) HasCPABeenPaid(ctx context.Context, houseID uuid.UUID, customerID *string) (bool, error) {
	if customerID == nil || *customerID == "" {
		return false, nil
	}

	paid, err := g.store.HasCPABeenPaid(ctx, houseID, *customerID)
	if err != nil {
		g.logger.Error(ctx, "failed to check cpa payment", err)
		return false, err
	}
	return paid, nil
}
