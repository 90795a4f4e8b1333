package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lexmetrics/go-sync-backend/internal/domain"
)

// GetSyncMetadata fetches the per-entity sync bookkeeping row, or
// ErrNotFound if that entity type has never been synced for the tenant.
func GetSyncMetadata(ctx context.Context, db *gorm.DB, tenantID string, et domain.EntityType) (*domain.SyncMetadata, error) {
	var m domain.SyncMetadata
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ?", tenantID, et).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListSyncMetadata returns every per-entity bookkeeping row for a tenant.
func ListSyncMetadata(ctx context.Context, db *gorm.DB, tenantID string) ([]domain.SyncMetadata, error) {
	var out []domain.SyncMetadata
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("entity_type asc").
		Find(&out).Error
	return out, err
}

// RecordSyncResult upserts the bookkeeping row after an entity-level
// sync attempt. On success exactly one of the full/incremental
// timestamps is advanced and last_error is cleared; on failure only
// last_error changes.
func RecordSyncResult(ctx context.Context, db *gorm.DB, tenantID string, et domain.EntityType, full bool, totalRecords int, duration time.Duration, syncErr error) error {
	now := time.Now().UTC()
	m := domain.SyncMetadata{
		TenantID:        tenantID,
		EntityType:      et,
		TotalRecords:    totalRecords,
		DurationSeconds: duration.Seconds(),
	}
	cols := []string{"total_records", "duration_seconds", "last_error"}
	if syncErr != nil {
		m.LastError = syncErr.Error()
	} else if full {
		m.LastFullSyncAt = &now
		m.LastIncrementalSyncAt = &now
		cols = append(cols, "last_full_sync_at", "last_incremental_sync_at")
	} else {
		m.LastIncrementalSyncAt = &now
		cols = append(cols, "last_incremental_sync_at")
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "entity_type"}},
			DoUpdates: clause.AssignmentColumns(cols),
		}).
		Create(&m).Error
}

// NeedsFullSync reports whether the entity type should take the full
// path: no metadata row yet, no completed full sync, or the last full
// sync is older than maxAge.
func NeedsFullSync(ctx context.Context, db *gorm.DB, tenantID string, et domain.EntityType, maxAge time.Duration) (bool, error) {
	m, err := GetSyncMetadata(ctx, db, tenantID, et)
	if err != nil {
		if IsNotFound(err) {
			return true, nil
		}
		return false, err
	}
	if m.LastFullSyncAt == nil {
		return true, nil
	}
	return time.Since(*m.LastFullSyncAt) > maxAge, nil
}
