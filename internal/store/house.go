package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const houseColumns = `id, identifier, name, commission_type, cpa_value, cpa_affiliate_percent, min_deposit,
revshare_percent, revshare_affiliate_percent, integration_type, security_token,
api_base_url, api_auth_method, api_auth_token, api_key_header, api_username, api_password, api_field_map,
sync_interval_minutes, sync_status, sync_error_message, last_sync_at, is_active, created_at, updated_at`

const sqlGetHouseByIdentifier = `
SELECT ` + houseColumns + `
FROM betting_houses
WHERE LOWER(identifier) = LOWER($1)
`

// GetHouseByIdentifier retrieves a house by its postback URL identifier.
// Matching is case-insensitive exact match on the identifier slug; this is
// the single canonical resolution rule for every ingestion path.
func (s *Store) GetHouseByIdentifier(ctx context.Context, identifier string) (BettingHouse, error) {
	var house BettingHouse
	err := s.db.GetContext(ctx, &house, sqlGetHouseByIdentifier, identifier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BettingHouse{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get house by identifier", err)
		return BettingHouse{}, fmt.Errorf("failed to get house by identifier: %w", err)
	}
	return house, nil
}

const sqlGetHouseByID = `
SELECT ` + houseColumns + `
FROM betting_houses
WHERE id = $1
`

// GetHouseByID retrieves a house by ID
func (s *Store) GetHouseByID(ctx context.Context, houseID uuid.UUID) (BettingHouse, error) {
	var house BettingHouse
	err := s.db.GetContext(ctx, &house, sqlGetHouseByID, houseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BettingHouse{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get house by id", err)
		return BettingHouse{}, fmt.Errorf("failed to get house by id: %w", err)
	}
	return house, nil
}

const sqlGetActiveAPIHouses = `
SELECT ` + houseColumns + `
FROM betting_houses
WHERE is_active = TRUE AND integration_type IN ('api', 'hybrid')
ORDER BY created_at
`

// GetActiveAPIHouses retrieves all active houses whose conversions are
// pulled from their own API, for scheduling.
func (s *Store) GetActiveAPIHouses(ctx context.Context) ([]BettingHouse, error) {
	var houses []BettingHouse
	err := s.db.SelectContext(ctx, &houses, sqlGetActiveAPIHouses)
	if err != nil {
		s.logger.Error(ctx, "failed to get active api houses", err)
		return nil, fmt.Errorf("failed to get active api houses: %w", err)
	}
	return houses, nil
}

const sqlUpdateHouseSyncStatus = `
UPDATE betting_houses
SET sync_status = $2,
    sync_error_message = $3,
    last_sync_at = COALESCE($4, last_sync_at),
    updated_at = CURRENT_TIMESTAMP
WHERE id = $1
`

// UpdateHouseSyncStatus updates a house's sync bookkeeping fields. The
// polling sync service is the single writer of these columns.
func (s *Store) UpdateHouseSyncStatus(ctx context.Context, houseID uuid.UUID, status SyncStatus, errorMessage *string, lastSyncAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, sqlUpdateHouseSyncStatus, houseID, status, errorMessage, lastSyncAt)
	if err != nil {
		s.logger.Error(ctx, "failed to update house sync status", err)
		return fmt.Errorf("failed to update house sync status: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		s.logger.Error(ctx, "failed to get rows affected", err)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}
