// Package domain defines the persistence models for tenants, credentials,
// cached upstream entities, and sync bookkeeping. These types are mapped
// with GORM and form the core data layer of the sync engine.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Subscription states a tenant can be in. Only trial and active tenants
// are eligible for scheduled syncs.
const (
	SubscriptionTrial     = "trial"
	SubscriptionActive    = "active"
	SubscriptionCancelled = "cancelled"
	SubscriptionSuspended = "suspended"
)

// Run states for a tenant-level sync. "never" is the zero state before the
// first run; "running" may only be entered through the conditional update
// in repo.BeginRun so that at most one run per tenant is in flight.
const (
	RunStatusNever     = "never"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Trigger origins recorded on SyncHistory rows.
const (
	TriggerScheduler = "scheduler"
	TriggerManual    = "manual"
	TriggerInitial   = "initial"
)

// Tenant is an isolated customer. It owns credentials, cache rows, sync
// metadata, and sync history; deleting a tenant cascades to all of them.
//
// The OAuth token columns hold sealed ciphertext (see internal/secrets);
// they are never exposed through the API and are masked in logs.
type Tenant struct {
	ID                 string `json:"id"   gorm:"type:char(36);primaryKey"`
	Name               string `json:"name" gorm:"type:varchar(255);not null"`
	SubscriptionStatus string `json:"subscription_status" gorm:"type:varchar(20);not null;default:'trial'"`

	Connected         bool       `json:"connected" gorm:"not null;default:false"`
	OAuthAccessToken  string     `json:"-" gorm:"column:oauth_access_token;type:text"`
	OAuthRefreshToken string     `json:"-" gorm:"column:oauth_refresh_token;type:text"`
	TokenExpiresAt    *time.Time `json:"-" gorm:"index"`

	SyncFrequencyMinutes int        `json:"sync_frequency_minutes" gorm:"not null;default:240"`
	NextSyncAt           *time.Time `json:"next_sync_at" gorm:"index"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for Tenant.
func (Tenant) TableName() string { return "tenants" }

// Credentials is the decrypted view of a tenant's OAuth token set. It is
// produced by the repo layer and lives only in memory.
type Credentials struct {
	TenantID     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// ExpiresWithin reports whether the access token expires inside the given
// margin (or already has). A zero ExpiresAt is treated as expired so that
// incomplete credential rows force a refresh attempt rather than a request
// with a token of unknown validity.
func (c Credentials) ExpiresWithin(margin time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return true
	}
	return !time.Now().UTC().Before(c.ExpiresAt.Add(-margin))
}

// CachedEntity is one mirrored upstream record. The primary key is
// (tenant_id, entity_type, id); RawPayload always holds the most recent
// upstream JSON observed for that key, and the normalized columns are a
// queryable projection of it (see Normalize).
//
// UpdatedAt is kept as the upstream's literal timestamp string and
// compared byte-for-byte during diffs; parsing it would only introduce
// false "changes" from formatting drift.
type CachedEntity struct {
	TenantID   string     `json:"tenant_id"   gorm:"type:char(36);primaryKey"`
	EntityType EntityType `json:"entity_type" gorm:"type:varchar(20);primaryKey"`
	ID         int64      `json:"id"          gorm:"primaryKey;autoIncrement:false"`

	Name      string  `json:"name"       gorm:"type:varchar(255);index:idx_cache_name"`
	Status    string  `json:"status"     gorm:"type:varchar(64);index:idx_cache_status"`
	CaseID    *int64  `json:"case_id"    gorm:"index:idx_cache_case"`
	ContactID *int64  `json:"contact_id" gorm:"index:idx_cache_contact"`
	StaffID   *int64  `json:"staff_id"`
	Amount    *float64 `json:"amount"`
	OccursAt  string  `json:"occurs_at" gorm:"type:varchar(64);index:idx_cache_occurs"`
	DueAt     string  `json:"due_at"    gorm:"type:varchar(64)"`

	UpdatedAt  string    `json:"updated_at" gorm:"type:varchar(64);index:idx_cache_updated"`
	RawPayload string    `json:"-"          gorm:"type:text;not null"`
	CachedAt   time.Time `json:"cached_at"`

	Tenant Tenant `json:"-" gorm:"foreignKey:TenantID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for CachedEntity.
func (CachedEntity) TableName() string { return "cached_entities" }

// SyncMetadata tracks per-(tenant, entity type) sync freshness. It is
// written after every entity-level sync attempt, success or failure, and
// drives the full-versus-incremental decision.
type SyncMetadata struct {
	TenantID   string     `json:"tenant_id"   gorm:"type:char(36);primaryKey"`
	EntityType EntityType `json:"entity_type" gorm:"type:varchar(20);primaryKey"`

	LastFullSyncAt        *time.Time `json:"last_full_sync_at"`
	LastIncrementalSyncAt *time.Time `json:"last_incremental_sync_at"`
	TotalRecords          int        `json:"total_records" gorm:"not null;default:0"`
	DurationSeconds       float64    `json:"duration_seconds"`
	LastError             string     `json:"last_error" gorm:"type:text"`

	Tenant Tenant `json:"-" gorm:"foreignKey:TenantID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for SyncMetadata.
func (SyncMetadata) TableName() string { return "sync_metadata" }

// SyncStatus is the tenant-level denormalized pointer the scheduler polls.
// It always reflects the most recent SyncHistory row for the tenant.
type SyncStatus struct {
	TenantID      string     `json:"tenant_id" gorm:"type:char(36);primaryKey"`
	Status        string     `json:"status"     gorm:"type:varchar(20);not null;default:'never'"`
	StartedAt     *time.Time `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	RecordsSynced int        `json:"records_synced" gorm:"not null;default:0"`
	ErrorMessage  string     `json:"error_message" gorm:"type:text"`

	Tenant Tenant `json:"-" gorm:"foreignKey:TenantID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for SyncStatus.
func (SyncStatus) TableName() string { return "sync_status" }

// SyncHistory is the append-only audit row for one tenant-level sync run.
// Completed rows are immutable; the one exception is the stale-sync sweep,
// which flips an abandoned "running" row to "failed".
type SyncHistory struct {
	ID       uint   `json:"id"        gorm:"primaryKey"`
	TenantID string `json:"tenant_id" gorm:"type:char(36);not null;index:idx_history_tenant;index:idx_history_tenant_date,priority:1"`

	Status      string `json:"status"       gorm:"type:varchar(20);not null;index"`
	TriggeredBy string `json:"triggered_by" gorm:"type:varchar(20);not null;default:'scheduler'"`

	StartedAt       time.Time  `json:"started_at" gorm:"not null;index:idx_history_tenant_date,priority:2,sort:desc"`
	CompletedAt     *time.Time `json:"completed_at"`
	DurationSeconds float64    `json:"duration_seconds"`
	RecordsSynced   int        `json:"records_synced" gorm:"not null;default:0"`

	// EntityResults holds the per-entity breakdown as a JSON document:
	// {"cases": {"inserted": 3, "updated": 1, "unchanged": 240}, ...}
	EntityResults string `json:"entity_results" gorm:"type:text"`
	ErrorMessage  string `json:"error_message"  gorm:"type:text"`

	CreatedAt time.Time `json:"created_at"`

	Tenant Tenant `json:"-" gorm:"foreignKey:TenantID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for SyncHistory.
func (SyncHistory) TableName() string { return "sync_history" }
