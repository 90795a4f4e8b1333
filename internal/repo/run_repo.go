package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/lexmetrics/go-sync-backend/internal/domain"
)

// ErrSyncRunning is returned by BeginRun when the tenant already has a
// run in progress.
var ErrSyncRunning = errors.New("sync already running for tenant")

// GetSyncStatus fetches the tenant's run-state row. A tenant that has
// never synced gets a synthetic "never" row rather than ErrNotFound so
// callers do not have to special-case first contact.
func GetSyncStatus(ctx context.Context, db *gorm.DB, tenantID string) (*domain.SyncStatus, error) {
	var s domain.SyncStatus
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		First(&s).Error
	if err != nil {
		if IsNotFound(err) {
			return &domain.SyncStatus{TenantID: tenantID, Status: domain.RunStatusNever}, nil
		}
		return nil, err
	}
	return &s, nil
}

// BeginRun transitions the tenant into the "running" state. The
// transition is a single conditional UPDATE guarded by
// status <> 'running', so concurrent callers race on the database row
// and exactly one wins; the rest get ErrSyncRunning.
//
// When no status row exists yet the insert takes the same role: the
// primary key on tenant_id ensures only one concurrent first run can
// create it.
func BeginRun(ctx context.Context, db *gorm.DB, tenantID string, now time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.SyncStatus{}).
		Where("tenant_id = ? AND status <> ?", tenantID, domain.RunStatusRunning).
		Updates(map[string]any{
			"status":         domain.RunStatusRunning,
			"started_at":     now,
			"completed_at":   nil,
			"records_synced": 0,
			"error_message":  "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// Either no row yet, or a run is in flight. Distinguish by insert.
	s := domain.SyncStatus{
		TenantID:  tenantID,
		Status:    domain.RunStatusRunning,
		StartedAt: &now,
	}
	if err := db.WithContext(ctx).Create(&s).Error; err != nil {
		// Insert lost to an existing row, meaning a run is in flight.
		return ErrSyncRunning
	}
	return nil
}

// CompleteRun moves a running tenant to "completed" and records the
// outcome on both the status row and the history row.
func CompleteRun(ctx context.Context, db *gorm.DB, tenantID string, historyID uint, recordsSynced int, entityResults string, now time.Time) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.SyncStatus{}).
			Where("tenant_id = ? AND status = ?", tenantID, domain.RunStatusRunning).
			Updates(map[string]any{
				"status":         domain.RunStatusCompleted,
				"completed_at":   now,
				"records_synced": recordsSynced,
				"error_message":  "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return finishHistory(tx, historyID, domain.RunStatusCompleted, recordsSynced, entityResults, "", now)
	})
}

// FailRun moves a running tenant to "failed" with the given message.
func FailRun(ctx context.Context, db *gorm.DB, tenantID string, historyID uint, recordsSynced int, entityResults, errMsg string, now time.Time) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.SyncStatus{}).
			Where("tenant_id = ? AND status = ?", tenantID, domain.RunStatusRunning).
			Updates(map[string]any{
				"status":         domain.RunStatusFailed,
				"completed_at":   now,
				"records_synced": recordsSynced,
				"error_message":  errMsg,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return finishHistory(tx, historyID, domain.RunStatusFailed, recordsSynced, entityResults, errMsg, now)
	})
}

func finishHistory(tx *gorm.DB, historyID uint, status string, recordsSynced int, entityResults, errMsg string, now time.Time) error {
	if historyID == 0 {
		return nil
	}
	var h domain.SyncHistory
	if err := tx.First(&h, historyID).Error; err != nil {
		return err
	}
	return tx.Model(&domain.SyncHistory{}).
		Where("id = ?", historyID).
		Updates(map[string]any{
			"status":           status,
			"completed_at":     now,
			"duration_seconds": now.Sub(h.StartedAt).Seconds(),
			"records_synced":   recordsSynced,
			"entity_results":   entityResults,
			"error_message":    errMsg,
		}).Error
}

// StartHistory appends the audit row for a run that just began and
// returns its id for later completion.
func StartHistory(ctx context.Context, db *gorm.DB, tenantID, triggeredBy string, now time.Time) (uint, error) {
	h := domain.SyncHistory{
		TenantID:    tenantID,
		Status:      domain.RunStatusRunning,
		TriggeredBy: triggeredBy,
		StartedAt:   now,
	}
	if err := db.WithContext(ctx).Create(&h).Error; err != nil {
		return 0, err
	}
	return h.ID, nil
}

// RecentHistory returns a page of a tenant's history, newest first,
// plus the total row count for pagination metadata.
func RecentHistory(ctx context.Context, db *gorm.DB, tenantID string, offset, limit int) ([]domain.SyncHistory, int64, error) {
	var total int64
	if err := db.WithContext(ctx).
		Model(&domain.SyncHistory{}).
		Where("tenant_id = ?", tenantID).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []domain.SyncHistory
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("started_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, total, err
}

// MarkStaleRuns flips every run that has been "running" longer than
// staleAfter to "failed" and reschedules the tenant retryDelay from now.
// It returns the ids of the recovered tenants. Open history rows for
// those tenants are closed the same way.
func MarkStaleRuns(ctx context.Context, db *gorm.DB, staleAfter, retryDelay time.Duration, now time.Time) ([]string, error) {
	cutoff := now.Add(-staleAfter)

	var stale []domain.SyncStatus
	err := db.WithContext(ctx).
		Where("status = ? AND started_at < ?", domain.RunStatusRunning, cutoff).
		Find(&stale).Error
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}

	recovered := make([]string, 0, len(stale))
	retryAt := now.Add(retryDelay)
	const msg = "sync timed out and was marked stale"

	for _, s := range stale {
		txErr := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&domain.SyncStatus{}).
				Where("tenant_id = ? AND status = ? AND started_at < ?",
					s.TenantID, domain.RunStatusRunning, cutoff).
				Updates(map[string]any{
					"status":        domain.RunStatusFailed,
					"completed_at":  now,
					"error_message": msg,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// The run finished between the scan and this update.
				return nil
			}
			if err := tx.Model(&domain.SyncHistory{}).
				Where("tenant_id = ? AND status = ?", s.TenantID, domain.RunStatusRunning).
				Updates(map[string]any{
					"status":        domain.RunStatusFailed,
					"completed_at":  now,
					"error_message": msg,
				}).Error; err != nil {
				return err
			}
			if err := tx.Model(&domain.Tenant{}).
				Where("id = ?", s.TenantID).
				Update("next_sync_at", retryAt).Error; err != nil {
				return err
			}
			recovered = append(recovered, s.TenantID)
			return nil
		})
		if txErr != nil {
			return recovered, txErr
		}
	}
	return recovered, nil
}

// PurgeHistory deletes history rows older than the retention window and
// returns how many were removed.
func PurgeHistory(ctx context.Context, db *gorm.DB, retention time.Duration, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("started_at < ?", now.Add(-retention)).
		Delete(&domain.SyncHistory{})
	return res.RowsAffected, res.Error
}
