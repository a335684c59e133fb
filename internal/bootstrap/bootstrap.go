package bootstrap

import (
	"context"
	"fmt"
	"time"

	"betlink-server/internal/config"
	"betlink-server/internal/dedup"
	housesHandler "betlink-server/internal/houses/handler"
	"betlink-server/internal/observability"
	postbackHandler "betlink-server/internal/postback/handler"
	postbackProcessor "betlink-server/internal/postback/processor"
	"betlink-server/internal/store"
	syncHandler "betlink-server/internal/sync/handler"
	syncScheduler "betlink-server/internal/sync/scheduler"
	syncService "betlink-server/internal/sync/service"
)

// Dependencies holds all initialized application dependencies
type Dependencies struct {
	// Core
	Store  store.Store
	Logger *observability.Logger

	// Handlers
	PostbackHandler postbackHandler.Handler
	SyncHandler     syncHandler.Handler
	HousesHandler   housesHandler.Handler

	// Background
	Scheduler *syncScheduler.Scheduler
}

// Initialize sets up all application dependencies
func Initialize(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Logger: logger,
	}

	// Initialize database store
	connectionString := cfg.Database.ConnectionString()
	st, err := store.New(connectionString, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	deps.Store = st

	if err := st.MigrateUp(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	guard := dedup.New(&st, logger)

	// Postback ingestion
	pbProcessor := postbackProcessor.New(&st, guard, logger)
	deps.PostbackHandler = postbackHandler.New(pbProcessor, logger)

	// API polling sync
	svc := syncService.New(&st, guard, logger,
		time.Duration(cfg.Sync.HTTPTimeoutSeconds)*time.Second,
		cfg.Sync.LookbackDays)
	deps.Scheduler = syncScheduler.New(&st, svc, logger,
		time.Duration(cfg.Sync.DefaultIntervalMinutes)*time.Minute)
	deps.SyncHandler = syncHandler.New(deps.Scheduler, logger)

	// House admin reads
	deps.HousesHandler = housesHandler.New(&st, logger, cfg.Server.BaseURL)

	logger.Info(ctx, "dependencies initialized")
	return deps, nil
}
