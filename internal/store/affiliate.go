package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const sqlGetAffiliateByUsername = `
SELECT id, username, email, is_active, created_at
FROM affiliates
WHERE username = $1
`

// GetAffiliateByUsername retrieves an affiliate by username. The username is
// the subid tracking parameter houses echo back on postbacks.
func (s *Store) GetAffiliateByUsername(ctx context.Context, username string) (Affiliate, error) {
	var affiliate Affiliate
	err := s.db.GetContext(ctx, &affiliate, sqlGetAffiliateByUsername, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Affiliate{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get affiliate by username", err)
		return Affiliate{}, fmt.Errorf("failed to get affiliate by username: %w", err)
	}
	return affiliate, nil
}

const sqlGetAffiliateForHouse = `
SELECT a.id, a.username, a.email, a.is_active, a.created_at
FROM affiliates a
JOIN affiliate_links l ON l.affiliate_id = a.id
WHERE l.house_id = $1
ORDER BY l.created_at
LIMIT 1
`

// GetAffiliateForHouse resolves the affiliate associated with a house via
// its affiliate link, used by the API polling sync for pulled records that
// carry no subid of their own.
func (s *Store) GetAffiliateForHouse(ctx context.Context, houseID uuid.UUID) (Affiliate, error) {
	var affiliate Affiliate
	err := s.db.GetContext(ctx, &affiliate, sqlGetAffiliateForHouse, houseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Affiliate{}, ErrNotFound
		}
		s.logger.Error(ctx, "failed to get affiliate for house", err)
		return Affiliate{}, fmt.Errorf("failed to get affiliate for house: %w", err)
	}
	return affiliate, nil
}
