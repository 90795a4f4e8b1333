// Package scheduler runs the background loops that keep tenant syncs
// flowing: the dispatcher that queues due tenants, the stale-run sweep,
// the proactive token refresh sweep, and history retention.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"github.com/lexmetrics/go-sync-backend/internal/config"
	"github.com/lexmetrics/go-sync-backend/internal/domain"
	"github.com/lexmetrics/go-sync-backend/internal/repo"
	"github.com/lexmetrics/go-sync-backend/internal/services"
)

// Runner executes tenant-level work. services.Manager satisfies it.
type Runner interface {
	RunTenant(ctx context.Context, tenantID, triggeredBy string, types []domain.EntityType, forceFull bool) (*services.RunReport, error)
	RefreshTenantToken(ctx context.Context, tenantID string) error
}

// Scheduler owns the background loops. Concurrency across tenants is
// bounded by a weighted semaphore so a burst of due tenants cannot
// saturate the process.
type Scheduler struct {
	DB     *gorm.DB
	Cfg    config.SyncConfig
	Runner Runner
	Log    zerolog.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// New constructs a Scheduler.
func New(db *gorm.DB, cfg config.SyncConfig, runner Runner, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		DB:     db,
		Cfg:    cfg,
		Runner: runner,
		Log:    log,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrentSyncs),
	}
}

// Start launches the loops. They stop when ctx is cancelled; Wait
// blocks until in-flight work has drained.
func (s *Scheduler) Start(ctx context.Context) {
	s.loop(ctx, s.Cfg.DispatchInterval, "dispatch", s.DispatchDue)
	s.loop(ctx, s.Cfg.StaleSweepInterval, "stale-sweep", s.SweepStale)
	s.loop(ctx, s.Cfg.TokenSweepInterval, "token-sweep", s.RefreshExpiringTokens)
	s.loop(ctx, s.Cfg.PurgeInterval, "history-purge", s.PurgeOldHistory)
}

// Wait blocks until all loops and dispatched runs have finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		s.Log.Info().Str("loop", name).Dur("interval", interval).Msg("scheduler loop started")
		for {
			select {
			case <-ctx.Done():
				s.Log.Info().Str("loop", name).Msg("scheduler loop stopped")
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					s.Log.Error().Str("loop", name).Err(err).Msg("scheduler pass failed")
				}
			}
		}
	}()
}

// DispatchDue queues up to the batch cap of due tenants, staggered so a
// cold start does not hammer the upstream with simultaneous full syncs.
// Each run holds a semaphore slot for its duration.
func (s *Scheduler) DispatchDue(ctx context.Context) error {
	due, err := repo.DueTenants(ctx, s.DB, time.Now().UTC(), s.Cfg.DispatchBatch)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}
	s.Log.Info().Int("tenants", len(due)).Msg("dispatching due syncs")

	for i, tenant := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i > 0 && s.Cfg.DispatchStagger > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.Cfg.DispatchStagger):
			}
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		s.wg.Add(1)
		go func(id string) {
			defer s.wg.Done()
			defer s.sem.Release(1)
			if _, err := s.Runner.RunTenant(ctx, id, domain.TriggerScheduler, nil, false); err != nil {
				// ErrSyncRunning here just means a manual trigger beat
				// us to it; anything else is worth a log line.
				if !errors.Is(err, services.ErrSyncRunning) {
					s.Log.Error().Str("tenant_id", id).Err(err).Msg("scheduled sync failed to run")
				}
			}
		}(tenant.ID)
	}
	return nil
}

// SweepStale recovers runs abandoned by a crashed or killed worker.
func (s *Scheduler) SweepStale(ctx context.Context) error {
	recovered, err := repo.MarkStaleRuns(ctx, s.DB, s.Cfg.StaleAfter, s.Cfg.StaleRetryDelay, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, id := range recovered {
		s.Log.Warn().Str("tenant_id", id).Msg("recovered stale sync run")
	}
	return nil
}

// RefreshExpiringTokens proactively refreshes credentials that expire
// within the horizon, so scheduled syncs do not burn their 401 retry on
// a predictably dead token.
func (s *Scheduler) RefreshExpiringTokens(ctx context.Context) error {
	tenants, err := repo.TenantsWithExpiringTokens(ctx, s.DB, s.Cfg.TokenRefreshHorizon)
	if err != nil {
		return err
	}
	for _, t := range tenants {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.Runner.RefreshTenantToken(ctx, t.ID); err != nil {
			s.Log.Warn().Str("tenant_id", t.ID).Err(err).Msg("proactive token refresh failed")
		}
	}
	return nil
}

// PurgeOldHistory enforces the history retention window.
func (s *Scheduler) PurgeOldHistory(ctx context.Context) error {
	n, err := repo.PurgeHistory(ctx, s.DB, s.Cfg.HistoryRetention, time.Now().UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		s.Log.Info().Int64("rows", n).Msg("purged old sync history")
	}
	return nil
}
