package services

import (
	"context"
	"time"

	"github.com/lexmetrics/go-sync-backend/internal/domain"
	"github.com/lexmetrics/go-sync-backend/internal/repo"
)

// Health classes for a tenant's sync state. A tenant is overdue when
// its scheduled next sync is more than an hour in the past, meaning the
// dispatcher has been unable to reach it for at least that long.
const (
	HealthHealthy     = "healthy"
	HealthFailed      = "failed"
	HealthRunning     = "running"
	HealthNeverSynced = "never_synced"
	HealthOverdue     = "overdue"
)

const overdueGrace = time.Hour

// TenantHealth is one tenant's row in the fleet health rollup.
type TenantHealth struct {
	TenantID      string     `json:"tenant_id"`
	Name          string     `json:"name"`
	Class         string     `json:"class"`
	Status        string     `json:"status"`
	LastCompleted *time.Time `json:"last_completed,omitempty"`
	NextSyncAt    *time.Time `json:"next_sync_at,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// HealthReport aggregates the fleet by health class.
type HealthReport struct {
	Counts  map[string]int `json:"counts"`
	Tenants []TenantHealth `json:"tenants"`
}

// StatusView is the full per-tenant status payload: the run state, the
// per-entity bookkeeping, and a slice of recent history.
type StatusView struct {
	TenantID      string                `json:"tenant_id"`
	Status        *domain.SyncStatus    `json:"status"`
	Metadata      []domain.SyncMetadata `json:"metadata"`
	RecentHistory []domain.SyncHistory  `json:"recent_history"`
}

// Status assembles the status view for one tenant.
func (m *Manager) Status(ctx context.Context, tenantID string) (*StatusView, error) {
	if _, err := repo.GetTenant(ctx, m.DB, tenantID); err != nil {
		if repo.IsNotFound(err) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	status, err := repo.GetSyncStatus(ctx, m.DB, tenantID)
	if err != nil {
		return nil, err
	}
	meta, err := repo.ListSyncMetadata(ctx, m.DB, tenantID)
	if err != nil {
		return nil, err
	}
	history, _, err := repo.RecentHistory(ctx, m.DB, tenantID, 0, 5)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		TenantID:      tenantID,
		Status:        status,
		Metadata:      meta,
		RecentHistory: history,
	}, nil
}

// History returns one page of a tenant's run history plus the total.
func (m *Manager) History(ctx context.Context, tenantID string, offset, limit int) ([]domain.SyncHistory, int64, error) {
	if _, err := repo.GetTenant(ctx, m.DB, tenantID); err != nil {
		if repo.IsNotFound(err) {
			return nil, 0, ErrTenantNotFound
		}
		return nil, 0, err
	}
	return repo.RecentHistory(ctx, m.DB, tenantID, offset, limit)
}

// Health classifies every connected tenant.
func (m *Manager) Health(ctx context.Context) (*HealthReport, error) {
	tenants, err := repo.ListConnectedTenants(ctx, m.DB)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	report := &HealthReport{
		Counts: map[string]int{
			HealthHealthy:     0,
			HealthFailed:      0,
			HealthRunning:     0,
			HealthNeverSynced: 0,
			HealthOverdue:     0,
		},
		Tenants: make([]TenantHealth, 0, len(tenants)),
	}
	for _, t := range tenants {
		status, err := repo.GetSyncStatus(ctx, m.DB, t.ID)
		if err != nil {
			return nil, err
		}
		th := TenantHealth{
			TenantID:      t.ID,
			Name:          t.Name,
			Status:        status.Status,
			LastCompleted: status.CompletedAt,
			NextSyncAt:    t.NextSyncAt,
			ErrorMessage:  status.ErrorMessage,
		}
		th.Class = classify(status, t.NextSyncAt, now)
		report.Counts[th.Class]++
		report.Tenants = append(report.Tenants, th)
	}
	return report, nil
}

func classify(status *domain.SyncStatus, nextSyncAt *time.Time, now time.Time) string {
	switch status.Status {
	case domain.RunStatusRunning:
		return HealthRunning
	case domain.RunStatusFailed:
		return HealthFailed
	case domain.RunStatusNever:
		return HealthNeverSynced
	}
	if nextSyncAt != nil && now.Sub(*nextSyncAt) > overdueGrace {
		return HealthOverdue
	}
	return HealthHealthy
}
