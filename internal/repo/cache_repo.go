package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lexmetrics/go-sync-backend/internal/domain"
)

// UpsertEntity writes one cached row, inserting or replacing on the
// (tenant_id, entity_type, id) key. Re-upserting an identical record is
// a no-op apart from cached_at, which always moves forward.
func UpsertEntity(ctx context.Context, db *gorm.DB, row domain.CachedEntity) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tenant_id"}, {Name: "entity_type"}, {Name: "id"},
			},
			UpdateAll: true,
		}).
		Create(&row).Error
}

// UpsertEntities writes a batch of cached rows with the same conflict
// semantics as UpsertEntity.
func UpsertEntities(ctx context.Context, db *gorm.DB, rows []domain.CachedEntity) error {
	if len(rows) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tenant_id"}, {Name: "entity_type"}, {Name: "id"},
			},
			UpdateAll: true,
		}).
		CreateInBatches(rows, 200).Error
}

// CachedUpdatedAt returns the id -> updated_at index for one tenant and
// entity type. The timestamps are the upstream's verbatim strings; the
// sync diff compares them byte for byte.
func CachedUpdatedAt(ctx context.Context, db *gorm.DB, tenantID string, et domain.EntityType) (map[int64]string, error) {
	type pair struct {
		ID        int64
		UpdatedAt string
	}
	var rows []pair
	err := db.WithContext(ctx).
		Model(&domain.CachedEntity{}).
		Select("id", "updated_at").
		Where("tenant_id = ? AND entity_type = ?", tenantID, et).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[int64]string, len(rows))
	for _, r := range rows {
		out[r.ID] = r.UpdatedAt
	}
	return out, nil
}

// CachedCount returns the number of cached rows for one tenant and
// entity type.
func CachedCount(ctx context.Context, db *gorm.DB, tenantID string, et domain.EntityType) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.CachedEntity{}).
		Where("tenant_id = ? AND entity_type = ?", tenantID, et).
		Count(&total).Error
	return total, err
}

// GetCachedEntity fetches one cached row, or ErrNotFound.
func GetCachedEntity(ctx context.Context, db *gorm.DB, tenantID string, et domain.EntityType, id int64) (*domain.CachedEntity, error) {
	var row domain.CachedEntity
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ? AND id = ?", tenantID, et, id).
		First(&row).Error
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListCachedEntities returns a page of cached rows for one tenant and
// entity type, most recently updated upstream first.
func ListCachedEntities(ctx context.Context, db *gorm.DB, tenantID string, et domain.EntityType, offset, limit int) ([]domain.CachedEntity, error) {
	var out []domain.CachedEntity
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ?", tenantID, et).
		Order("updated_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// OldestCachedAt returns the oldest cached_at for one tenant and entity
// type, or the zero time when the cache is empty.
func OldestCachedAt(ctx context.Context, db *gorm.DB, tenantID string, et domain.EntityType) (time.Time, error) {
	var row struct{ CachedAt *time.Time }
	err := db.WithContext(ctx).
		Model(&domain.CachedEntity{}).
		Select("MIN(cached_at) AS cached_at").
		Where("tenant_id = ? AND entity_type = ?", tenantID, et).
		Scan(&row).Error
	if err != nil || row.CachedAt == nil {
		return time.Time{}, err
	}
	return *row.CachedAt, nil
}
