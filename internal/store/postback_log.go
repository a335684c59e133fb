package store

import (
	"context"
	"fmt"
)

// CreatePostbackLogParams represents parameters for creating a postback log
type CreatePostbackLogParams struct {
	HouseIdentifier string
	EventType       string
	Subid           string
	RawValue        *string
	CustomerID      *string
	IPAddress       string
	RawRequest      string
}

const sqlCreatePostbackLog = `
INSERT INTO postback_logs (house_identifier, event_type, subid, raw_value, customer_id, ip_address, raw_request)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, house_identifier, event_type, subid, raw_value, customer_id, ip_address, raw_request, status, created_at, updated_at
`

// CreatePostbackLog records an ingestion attempt with status PROCESSING.
// This runs before any validation so even malformed requests leave a
// forensic trace.
func (s *Store) CreatePostbackLog(ctx context.Context, params CreatePostbackLogParams) (PostbackLog, error) {
	var logRow PostbackLog
	err := s.db.GetContext(ctx, &logRow, sqlCreatePostbackLog,
		params.HouseIdentifier,
		params.EventType,
		params.Subid,
		params.RawValue,
		params.CustomerID,
		params.IPAddress,
		params.RawRequest)
	if err != nil {
		s.logger.Error(ctx, "failed to create postback log", err)
		return PostbackLog{}, fmt.Errorf("failed to create postback log: %w", err)
	}
	return logRow, nil
}

const sqlUpdatePostbackLogStatus = `
UPDATE postback_logs
SET status = $2,
    updated_at = CURRENT_TIMESTAMP
WHERE id = $1
`

// UpdatePostbackLogStatus moves a log row to its terminal status.
func (s *Store) UpdatePostbackLogStatus(ctx context.Context, logID int64, status PostbackLogStatus) error {
	res, err := s.db.ExecContext(ctx, sqlUpdatePostbackLogStatus, logID, status)
	if err != nil {
		s.logger.Error(ctx, "failed to update postback log status", err)
		return fmt.Errorf("failed to update postback log status: %w", err)
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

const sqlGetPostbackLogsByHouseIdentifier = `
SELECT id, house_identifier, event_type, subid, raw_value, customer_id, ip_address, raw_request, status, created_at, updated_at
FROM postback_logs
WHERE LOWER(house_identifier) = LOWER($1)
ORDER BY created_at DESC
LIMIT $2
`

// GetPostbackLogsByHouseIdentifier retrieves the most recent ingestion
// attempts recorded for a house identifier, including failed ones.
func (s *Store) GetPostbackLogsByHouseIdentifier(ctx context.Context, identifier string, limit int) ([]PostbackLog, error) {
	var logs []PostbackLog
	err := s.db.SelectContext(ctx, &logs, sqlGetPostbackLogsByHouseIdentifier, identifier, limit)
	if err != nil {
		s.logger.Error(ctx, "failed to get postback logs", err)
		return nil, fmt.Errorf("failed to get postback logs: %w", err)
	}
	return logs, nil
}
