// Package services implements the sync orchestration business logic:
// per-entity diff syncs, tenant run lifecycle, manual triggers, and the
// fleet health rollup. This file centralizes service-level error values
// so handlers can translate them into HTTP status codes consistently.
package services

import "errors"

var (
	// ErrTenantNotFound indicates the tenant does not exist.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrTenantNotConnected is returned when a sync is requested for a
	// tenant without stored upstream credentials.
	ErrTenantNotConnected = errors.New("tenant has no upstream connection")

	// ErrSubscriptionInactive is returned when the tenant's subscription
	// does not permit syncing.
	ErrSubscriptionInactive = errors.New("tenant subscription is not active")

	// ErrSyncRunning indicates a run is already in flight for the tenant.
	ErrSyncRunning = errors.New("sync already in progress")

	// ErrTriggerCooldown is returned when a manual trigger arrives too
	// soon after the previous run completed.
	ErrTriggerCooldown = errors.New("sync completed recently, try again later")

	// ErrInvalidFrequency is returned when a requested sync frequency is
	// outside the allowed set.
	ErrInvalidFrequency = errors.New("sync frequency must be one of 60, 240, 480, 1440 minutes")

	// ErrUnknownEntityType is returned when a trigger names an entity
	// type that is not mirrored.
	ErrUnknownEntityType = errors.New("unknown entity type")
)
