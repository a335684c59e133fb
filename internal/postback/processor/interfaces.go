package processor

import (
	"context"

	"betlink-server/internal/store"
)

// PostbackStore defines the database operations required by PostbackProcessor
type PostbackStore interface {
	CreatePostbackLog(ctx context.Context, params store.CreatePostbackLogParams) (store.PostbackLog, error)
	UpdatePostbackLogStatus(ctx context.Context, logID int64, status store.PostbackLogStatus) error
	GetHouseByIdentifier(ctx context.Context, identifier string) (store.BettingHouse, error)
	GetAffiliateByUsername(ctx context.Context, username string) (store.Affiliate, error)
	CreateConversion(ctx context.Context, params store.CreateConversionParams) (store.Conversion, error)
}
