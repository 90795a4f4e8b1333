// Package repo: repository functions for the Tenant model.
//
// All functions are context-aware and accept a *gorm.DB handle, making
// them safe for use within transactions. They follow the "thin
// repository" approach: no business logic, only CRUD persistence and
// query composition. Missing rows surface as ErrNotFound.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lexmetrics/go-sync-backend/internal/domain"
)

// CreateTenant inserts a new tenant row with a UUID primary key. The
// tenant starts disconnected with the default sync frequency; credentials
// are stored separately (see StoreCredentials).
func CreateTenant(ctx context.Context, db *gorm.DB, name, subscriptionStatus string) (*domain.Tenant, error) {
	t := &domain.Tenant{
		ID:                 uuid.NewString(),
		Name:               name,
		SubscriptionStatus: subscriptionStatus,
		CreatedAt:          time.Now().UTC(),
	}
	if t.SubscriptionStatus == "" {
		t.SubscriptionStatus = domain.SubscriptionTrial
	}
	if t.SyncFrequencyMinutes == 0 {
		t.SyncFrequencyMinutes = 240
	}
	if err := db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

// GetTenant fetches a tenant by ID, or ErrNotFound.
func GetTenant(ctx context.Context, db *gorm.DB, id string) (*domain.Tenant, error) {
	var t domain.Tenant
	if err := db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ListConnectedTenants returns every tenant that is connected and has an
// active or trial subscription, ordered by name.
func ListConnectedTenants(ctx context.Context, db *gorm.DB) ([]domain.Tenant, error) {
	var out []domain.Tenant
	err := db.WithContext(ctx).
		Where("connected = ? AND subscription_status IN ?", true,
			[]string{domain.SubscriptionTrial, domain.SubscriptionActive}).
		Order("name asc").
		Find(&out).Error
	return out, err
}

// DueTenants returns up to limit connected tenants whose next_sync_at is
// at or before now, or has never been set. Never-synced tenants come
// first, then the longest overdue.
//
// Tenants whose current run status is "running" are excluded so the
// dispatcher never double-queues a tenant mid-run.
func DueTenants(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Tenant, error) {
	var out []domain.Tenant
	err := db.WithContext(ctx).
		Where("connected = ? AND subscription_status IN ?", true,
			[]string{domain.SubscriptionTrial, domain.SubscriptionActive}).
		Where("next_sync_at IS NULL OR next_sync_at <= ?", now).
		Where("id NOT IN (?)", db.Model(&domain.SyncStatus{}).
			Select("tenant_id").
			Where("status = ?", domain.RunStatusRunning)).
		Order("next_sync_at IS NOT NULL, next_sync_at asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// TenantsWithExpiringTokens returns connected tenants whose access token
// expires within the horizon (or has an unknown expiry), candidates for
// the proactive refresh sweep.
func TenantsWithExpiringTokens(ctx context.Context, db *gorm.DB, horizon time.Duration) ([]domain.Tenant, error) {
	var out []domain.Tenant
	cutoff := time.Now().UTC().Add(horizon)
	err := db.WithContext(ctx).
		Where("connected = ?", true).
		Where("token_expires_at IS NULL OR token_expires_at <= ?", cutoff).
		Find(&out).Error
	return out, err
}

// ScheduleNextSync sets next_sync_at for a tenant.
func ScheduleNextSync(ctx context.Context, db *gorm.DB, tenantID string, at time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Tenant{}).
		Where("id = ?", tenantID).
		Update("next_sync_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSyncFrequency changes a tenant's sync interval in minutes. Value
// validation (the allowed set) lives in the service layer.
func UpdateSyncFrequency(ctx context.Context, db *gorm.DB, tenantID string, minutes int) error {
	res := db.WithContext(ctx).
		Model(&domain.Tenant{}).
		Where("id = ?", tenantID).
		Update("sync_frequency_minutes", minutes)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTenant removes the tenant and, through its foreign key
// constraints, all of its cache rows, metadata, status, and history.
// The delete is unscoped: deprovisioning removes data, it does not
// soft-hide it.
func DeleteTenant(ctx context.Context, db *gorm.DB, tenantID string) error {
	res := db.WithContext(ctx).Unscoped().
		Where("id = ?", tenantID).
		Delete(&domain.Tenant{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
