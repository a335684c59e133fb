package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"betlink-server/internal/observability"
	"betlink-server/internal/store"
	syncService "betlink-server/internal/sync/service"

	"github.com/google/uuid"
)

// SchedulerStore defines the database operations required by the Scheduler
type SchedulerStore interface {
	GetActiveAPIHouses(ctx context.Context) ([]store.BettingHouse, error)
	GetHouseByID(ctx context.Context, houseID uuid.UUID) (store.BettingHouse, error)
}

// Scheduler maintains one recurring sync timer per API-integrated active
// house. The registry is owned by the instance; rescheduling atomically
// replaces a house's timer so at most one is ever active per house.
type Scheduler struct {
	store           SchedulerStore
	sync            *syncService.SyncService
	logger          *observability.Logger
	defaultInterval time.Duration

	mu     sync.Mutex
	timers map[uuid.UUID]chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func New(store SchedulerStore, sync *syncService.SyncService, logger *observability.Logger, defaultInterval time.Duration) *Scheduler {
	return &Scheduler{
		store:           store,
		sync:            sync,
		logger:          logger,
		defaultInterval: defaultInterval,
		timers:          make(map[uuid.UUID]chan struct{}),
	}
}

// Start schedules every active api/hybrid house and keeps timers running
// until Stop or context cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	houses, err := s.store.GetActiveAPIHouses(ctx)
	if err != nil {
		return fmt.Errorf("failed to load houses for scheduling: %w", err)
	}

	for _, house := range houses {
		s.ScheduleHouse(house)
	}
	s.logger.Info(ctx, fmt.Sprintf("Sync scheduler started with %d houses", len(houses)))
	return nil
}

// Stop cancels all house timers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	for houseID, stop := range s.timers {
		close(stop)
		delete(s.timers, houseID)
	}
}

// ScheduleHouse starts (or atomically replaces) the recurring sync timer
// for a house.
func (s *Scheduler) ScheduleHouse(house store.BettingHouse) {
	interval := s.defaultInterval
	if house.SyncIntervalMinutes > 0 {
		interval = time.Duration(house.SyncIntervalMinutes) * time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}

	if existing, ok := s.timers[house.ID]; ok {
		close(existing)
	}
	stop := make(chan struct{})
	s.timers[house.ID] = stop

	go s.runHouseTimer(s.ctx, house, interval, stop)

	s.logger.Info(context.Background(), fmt.Sprintf("Scheduled sync for house %s every %s", house.Identifier, interval))
}

// RemoveHouseSchedule stops and removes a house's timer, if any.
func (s *Scheduler) RemoveHouseSchedule(houseID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.timers[houseID]; ok {
		close(stop)
		delete(s.timers, houseID)
	}
}

// UpdateHouseSchedule re-reads the house's configuration and reschedules or
// removes its timer accordingly.
func (s *Scheduler) UpdateHouseSchedule(ctx context.Context, houseID uuid.UUID) error {
	house, err := s.store.GetHouseByID(ctx, houseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.RemoveHouseSchedule(houseID)
			return nil
		}
		return err
	}

	eligible := house.IsActive &&
		(house.IntegrationType == store.IntegrationTypeAPI || house.IntegrationType == store.IntegrationTypeHybrid)
	if !eligible {
		s.RemoveHouseSchedule(houseID)
		return nil
	}

	s.ScheduleHouse(house)
	return nil
}

// ManualSync triggers an immediate sync for a house, bypassing its timer.
// An overlapping scheduled run is rejected by the sync service's in-flight
// flag.
func (s *Scheduler) ManualSync(ctx context.Context, houseID uuid.UUID, dateFrom *time.Time) (syncService.SyncResult, error) {
	return s.sync.SyncConversions(ctx, houseID, dateFrom)
}

// TestHouseConnection validates a house's API credentials without mutating
// any state.
func (s *Scheduler) TestHouseConnection(ctx context.Context, houseID uuid.UUID) (bool, string) {
	return s.sync.TestConnection(ctx, houseID)
}

// IsScheduled reports whether a house currently has an active timer.
func (s *Scheduler) IsScheduled(houseID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[houseID]
	return ok
}

func (s *Scheduler) runHouseTimer(ctx context.Context, house store.BettingHouse, interval time.Duration, stop chan struct{}) {
	timerCtx := observability.WithFields(ctx,
		observability.Field{Key: "house_id", Value: house.ID.String()},
		observability.Field{Key: "house_identifier", Value: house.Identifier},
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.runSync(timerCtx, house.ID)
		}
	}
}

func (s *Scheduler) runSync(ctx context.Context, houseID uuid.UUID) {
	start := time.Now()
	result, err := s.sync.SyncConversions(ctx, houseID, nil)
	if err != nil {
		if errors.Is(err, syncService.ErrSyncInProgress) {
			s.logger.Info(ctx, "skipping scheduled sync, previous run still in flight")
			return
		}
		s.logger.Error(ctx, "scheduled sync failed", err)
		return
	}
	s.logger.Info(observability.WithFields(ctx,
		observability.Field{Key: "synced", Value: result.Synced},
		observability.Field{Key: "record_errors", Value: len(result.Errors)},
		observability.Field{Key: "duration_ms", Value: time.Since(start).Milliseconds()},
	), "scheduled sync completed")
}
