package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/lexmetrics/go-sync-backend/internal/domain"
	"github.com/lexmetrics/go-sync-backend/internal/repo"
	"github.com/lexmetrics/go-sync-backend/internal/upstream"
)

// Fetcher retrieves the complete upstream dataset for one entity type.
// upstream.Client satisfies it; tests substitute a fake.
type Fetcher interface {
	FetchEntities(ctx context.Context, et domain.EntityType) ([]domain.Record, error)
}

// SyncResult is the outcome of one entity-level sync.
type SyncResult struct {
	EntityType      domain.EntityType `json:"entity_type"`
	Full            bool              `json:"full"`
	TotalInAPI      int               `json:"total_in_api"`
	TotalInCache    int               `json:"total_in_cache"`
	Inserted        int               `json:"inserted"`
	Updated         int               `json:"updated"`
	Unchanged       int               `json:"unchanged"`
	DurationSeconds float64           `json:"duration_seconds"`
	Error           string            `json:"error,omitempty"`
}

// Changed reports how many records were written to the cache.
func (r SyncResult) Changed() int { return r.Inserted + r.Updated }

// Syncer performs entity-level diff syncs against the tenant cache.
type Syncer struct {
	DB          *gorm.DB
	MaxCacheAge time.Duration
	Log         zerolog.Logger
}

// NewSyncer constructs a Syncer.
func NewSyncer(db *gorm.DB, maxCacheAge time.Duration, log zerolog.Logger) *Syncer {
	return &Syncer{DB: db, MaxCacheAge: maxCacheAge, Log: log}
}

// SyncEntity fetches the complete upstream dataset for one entity type
// and reconciles it against the cache.
//
// The diff compares the upstream updated_at string against the cached
// timestamp index: a missing id is an insert, a differing timestamp an
// update, an equal one unchanged. Only inserted and updated records are
// written, so an incremental pass over a mostly-static dataset does
// little database work. A full pass differs only in bookkeeping: it
// advances last_full_sync_at.
func (s *Syncer) SyncEntity(ctx context.Context, f Fetcher, tenantID string, et domain.EntityType, forceFull bool) (SyncResult, error) {
	start := time.Now()
	res := SyncResult{EntityType: et}

	full := forceFull
	if !full {
		var err error
		full, err = repo.NeedsFullSync(ctx, s.DB, tenantID, et, s.MaxCacheAge)
		if err != nil {
			return s.fail(ctx, tenantID, res, start, err)
		}
	}
	res.Full = full

	index, err := repo.CachedUpdatedAt(ctx, s.DB, tenantID, et)
	if err != nil {
		return s.fail(ctx, tenantID, res, start, err)
	}

	records, err := f.FetchEntities(ctx, et)
	if err != nil {
		return s.fail(ctx, tenantID, res, start, err)
	}
	res.TotalInAPI = len(records)

	now := time.Now().UTC()
	changed := make([]domain.CachedEntity, 0, len(records))
	for _, rec := range records {
		id, err := rec.ID()
		if err != nil {
			// A record without an id cannot be cached; skip it rather
			// than failing the whole entity.
			s.Log.Warn().Str("tenant_id", tenantID).Str("entity", string(et)).Err(err).
				Msg("skipping record without usable id")
			continue
		}
		cachedTS, seen := index[id]
		switch {
		case !seen:
			res.Inserted++
		case cachedTS != rec.UpdatedAt():
			res.Updated++
		default:
			res.Unchanged++
			continue
		}
		row, err := domain.Normalize(tenantID, et, rec, now)
		if err != nil {
			return s.fail(ctx, tenantID, res, start, err)
		}
		changed = append(changed, row)
	}

	if err := repo.UpsertEntities(ctx, s.DB, changed); err != nil {
		return s.fail(ctx, tenantID, res, start, err)
	}

	total, err := repo.CachedCount(ctx, s.DB, tenantID, et)
	if err != nil {
		return s.fail(ctx, tenantID, res, start, err)
	}
	res.TotalInCache = int(total)
	res.DurationSeconds = time.Since(start).Seconds()

	if err := repo.RecordSyncResult(ctx, s.DB, tenantID, et, full, res.TotalInCache, time.Since(start), nil); err != nil {
		return res, err
	}

	syncRecordsTotal.WithLabelValues(string(et), "inserted").Add(float64(res.Inserted))
	syncRecordsTotal.WithLabelValues(string(et), "updated").Add(float64(res.Updated))
	syncRecordsTotal.WithLabelValues(string(et), "unchanged").Add(float64(res.Unchanged))
	syncDurationSeconds.WithLabelValues(string(et)).Observe(res.DurationSeconds)

	s.Log.Info().
		Str("tenant_id", tenantID).
		Str("entity", string(et)).
		Bool("full", full).
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Int("unchanged", res.Unchanged).
		Float64("duration_s", res.DurationSeconds).
		Msg("entity sync complete")
	return res, nil
}

func (s *Syncer) fail(ctx context.Context, tenantID string, res SyncResult, start time.Time, err error) (SyncResult, error) {
	res.Error = err.Error()
	res.DurationSeconds = time.Since(start).Seconds()
	syncEntityFailures.WithLabelValues(string(res.EntityType)).Inc()
	// Best effort: the original failure is the one worth surfacing.
	_ = repo.RecordSyncResult(ctx, s.DB, tenantID, res.EntityType, false, res.TotalInCache, time.Since(start), err)
	return res, err
}

// SyncAll runs SyncEntity over the given entity types in order.
//
// Entity failures are isolated: one broken endpoint does not stop the
// rest of the pass. The two exceptions abort the loop because retrying
// more entities cannot succeed: a dead credential set (AuthError) and a
// cancelled or expired context.
func (s *Syncer) SyncAll(ctx context.Context, f Fetcher, tenantID string, types []domain.EntityType, forceFull bool) []SyncResult {
	if len(types) == 0 {
		types = domain.AllEntityTypes
	}
	results := make([]SyncResult, 0, len(types))
	for _, et := range types {
		if ctx.Err() != nil {
			results = append(results, SyncResult{EntityType: et, Error: ctx.Err().Error()})
			continue
		}
		res, err := s.SyncEntity(ctx, f, tenantID, et, forceFull)
		results = append(results, res)
		if err != nil {
			s.Log.Error().Str("tenant_id", tenantID).Str("entity", string(et)).Err(err).
				Msg("entity sync failed")
			var authErr *upstream.AuthError
			if errors.As(err, &authErr) {
				// Remaining entities would fail the same way.
				break
			}
		}
	}
	return results
}
