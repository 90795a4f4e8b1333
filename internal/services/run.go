package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/lexmetrics/go-sync-backend/internal/config"
	"github.com/lexmetrics/go-sync-backend/internal/domain"
	"github.com/lexmetrics/go-sync-backend/internal/repo"
	"github.com/lexmetrics/go-sync-backend/internal/secrets"
	"github.com/lexmetrics/go-sync-backend/internal/upstream"
)

// AllowedFrequencies is the set of accepted per-tenant sync intervals,
// in minutes.
var AllowedFrequencies = []int{60, 240, 480, 1440}

// tenantSource adapts the credential repo to the upstream client's
// CredentialSource, binding it to one tenant.
type tenantSource struct {
	db       *gorm.DB
	sealer   *secrets.Sealer
	tenantID string
}

func (s *tenantSource) Credentials(ctx context.Context) (*domain.Credentials, error) {
	creds, err := repo.GetCredentials(ctx, s.db, s.sealer, s.tenantID)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, upstream.ErrNoCredentials
		}
		return nil, err
	}
	return creds, nil
}

func (s *tenantSource) UpdateTokens(ctx context.Context, access, refresh string, expiresAt time.Time) error {
	return repo.UpdateTokens(ctx, s.db, s.sealer, s.tenantID, access, refresh, expiresAt)
}

// Manager owns the tenant-level run lifecycle: validation, the CAS into
// the running state, orchestration across entity types, and terminal
// bookkeeping. It is the single entry point used by both the scheduler
// and the manual trigger endpoint.
type Manager struct {
	DB       *gorm.DB
	Sealer   *secrets.Sealer
	Upstream config.UpstreamConfig
	Sync     config.SyncConfig
	Syncer   *Syncer
	Log      zerolog.Logger

	// newFetcher is swapped in tests to avoid real HTTP.
	newFetcher func(tenantID string) Fetcher
}

// NewManager constructs a Manager wired to real upstream clients.
func NewManager(db *gorm.DB, sealer *secrets.Sealer, upstreamCfg config.UpstreamConfig, syncCfg config.SyncConfig, log zerolog.Logger) *Manager {
	m := &Manager{
		DB:       db,
		Sealer:   sealer,
		Upstream: upstreamCfg,
		Sync:     syncCfg,
		Syncer:   NewSyncer(db, syncCfg.MaxCacheAge, log),
		Log:      log,
	}
	m.newFetcher = func(tenantID string) Fetcher {
		src := &tenantSource{db: db, sealer: sealer, tenantID: tenantID}
		return upstream.New(upstreamCfg, src, log.With().Str("tenant_id", tenantID).Logger())
	}
	return m
}

// RunReport summarizes a finished tenant-level run.
type RunReport struct {
	TenantID      string       `json:"tenant_id"`
	Status        string       `json:"status"`
	TriggeredBy   string       `json:"triggered_by"`
	RecordsSynced int          `json:"records_synced"`
	Results       []SyncResult `json:"results"`
	Error         string       `json:"error,omitempty"`
}

// RunTenant executes one complete sync run for a tenant.
//
// It validates eligibility, wins (or loses) the CAS into "running",
// syncs each entity type with failures isolated, then lands in exactly
// one terminal state and schedules next_sync_at from the tenant's
// frequency. The run fails as a whole only when authentication is dead
// or every entity type failed; partial failures complete with the
// per-entity errors recorded.
func (m *Manager) RunTenant(ctx context.Context, tenantID, triggeredBy string, types []domain.EntityType, forceFull bool) (*RunReport, error) {
	ctx, span := otel.Tracer("sync").Start(ctx, "sync.run", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("triggered_by", triggeredBy),
	))
	defer span.End()

	tenant, err := repo.GetTenant(ctx, m.DB, tenantID)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	if !tenant.Connected {
		return nil, ErrTenantNotConnected
	}
	switch tenant.SubscriptionStatus {
	case domain.SubscriptionTrial, domain.SubscriptionActive:
	default:
		return nil, ErrSubscriptionInactive
	}

	now := time.Now().UTC()
	if err := repo.BeginRun(ctx, m.DB, tenantID, now); err != nil {
		if errors.Is(err, repo.ErrSyncRunning) {
			return nil, ErrSyncRunning
		}
		return nil, err
	}

	historyID, err := repo.StartHistory(ctx, m.DB, tenantID, triggeredBy, now)
	if err != nil {
		// The status row is already "running"; close it out rather than
		// leaving it for the stale sweep.
		_ = repo.FailRun(ctx, m.DB, tenantID, 0, 0, "", err.Error(), time.Now().UTC())
		return nil, err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if m.Sync.SoftTimeLimit > 0 {
		runCtx, cancel = context.WithTimeout(ctx, m.Sync.SoftTimeLimit)
		defer cancel()
	}

	m.Log.Info().
		Str("tenant_id", tenantID).
		Str("triggered_by", triggeredBy).
		Bool("force_full", forceFull).
		Msg("sync run started")

	results := m.Syncer.SyncAll(runCtx, m.newFetcher(tenantID), tenantID, types, forceFull)

	report := &RunReport{
		TenantID:    tenantID,
		TriggeredBy: triggeredBy,
		Results:     results,
	}
	failures := 0
	var firstErr string
	for _, r := range results {
		report.RecordsSynced += r.Changed()
		if r.Error != "" {
			failures++
			if firstErr == "" {
				firstErr = string(r.EntityType) + ": " + r.Error
			}
		}
	}
	entityResults := marshalEntityResults(results)

	end := time.Now().UTC()
	failed := failures == len(results) && len(results) > 0
	if failed {
		report.Status = domain.RunStatusFailed
		report.Error = firstErr
		if err := repo.FailRun(ctx, m.DB, tenantID, historyID, report.RecordsSynced, entityResults, firstErr, end); err != nil {
			return report, err
		}
		syncsTotal.WithLabelValues(domain.RunStatusFailed).Inc()
	} else {
		report.Status = domain.RunStatusCompleted
		if err := repo.CompleteRun(ctx, m.DB, tenantID, historyID, report.RecordsSynced, entityResults, end); err != nil {
			return report, err
		}
		syncsTotal.WithLabelValues(domain.RunStatusCompleted).Inc()
	}

	next := end.Add(time.Duration(tenant.SyncFrequencyMinutes) * time.Minute)
	if err := repo.ScheduleNextSync(ctx, m.DB, tenantID, next); err != nil {
		return report, err
	}

	m.Log.Info().
		Str("tenant_id", tenantID).
		Str("status", report.Status).
		Int("records_synced", report.RecordsSynced).
		Int("entity_failures", failures).
		Time("next_sync_at", next).
		Msg("sync run finished")
	return report, nil
}

func marshalEntityResults(results []SyncResult) string {
	out := make(map[string]SyncResult, len(results))
	for _, r := range results {
		out[string(r.EntityType)] = r
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// CheckTrigger validates a manual trigger: the tenant must exist, no
// run may be in flight (409 at the API layer), and the previous run
// must not have completed within the cooldown (429 at the API layer).
// The in-flight check is advisory; BeginRun's CAS remains the
// authoritative guard.
func (m *Manager) CheckTrigger(ctx context.Context, tenantID string) error {
	if _, err := repo.GetTenant(ctx, m.DB, tenantID); err != nil {
		if repo.IsNotFound(err) {
			return ErrTenantNotFound
		}
		return err
	}
	status, err := repo.GetSyncStatus(ctx, m.DB, tenantID)
	if err != nil {
		return err
	}
	if status.Status == domain.RunStatusRunning {
		return ErrSyncRunning
	}
	if status.CompletedAt != nil && time.Since(*status.CompletedAt) < m.Sync.TriggerCooldown {
		return ErrTriggerCooldown
	}
	return nil
}

// SetFrequency updates a tenant's sync interval after validating it
// against the allowed set.
func (m *Manager) SetFrequency(ctx context.Context, tenantID string, minutes int) error {
	ok := false
	for _, f := range AllowedFrequencies {
		if minutes == f {
			ok = true
			break
		}
	}
	if !ok {
		return ErrInvalidFrequency
	}
	if err := repo.UpdateSyncFrequency(ctx, m.DB, tenantID, minutes); err != nil {
		if repo.IsNotFound(err) {
			return ErrTenantNotFound
		}
		return err
	}
	return nil
}

// ParseEntitySubset converts trigger input names into entity types,
// mapping unknown names onto ErrUnknownEntityType.
func ParseEntitySubset(names []string) ([]domain.EntityType, error) {
	types, err := domain.ParseEntityTypes(names)
	if err != nil {
		return nil, errors.Join(ErrUnknownEntityType, err)
	}
	return types, nil
}

// RefreshTenantToken proactively refreshes one tenant's access token.
// Used by the scheduler's expiring-token sweep; failures are reported,
// not retried, since the next sweep will try again.
func (m *Manager) RefreshTenantToken(ctx context.Context, tenantID string) error {
	src := &tenantSource{db: m.DB, sealer: m.Sealer, tenantID: tenantID}
	client := upstream.New(m.Upstream, src, m.Log.With().Str("tenant_id", tenantID).Logger())
	return client.Refresh(ctx)
}
