package services

import (
	"context"
	"time"

	"github.com/lexmetrics/go-sync-backend/internal/domain"
	"github.com/lexmetrics/go-sync-backend/internal/repo"
)

// OnboardInput carries everything needed to provision a tenant and
// connect it to the upstream: the OAuth tokens obtained out of band
// plus their expiry.
type OnboardInput struct {
	Name               string
	SubscriptionStatus string
	AccessToken        string
	RefreshToken       string
	TokenExpiresAt     time.Time
}

// Onboard creates a tenant and stores its sealed credentials. The
// caller is expected to kick off the initial full sync afterwards.
func (m *Manager) Onboard(ctx context.Context, in OnboardInput) (*domain.Tenant, error) {
	sub := in.SubscriptionStatus
	if sub == "" {
		sub = domain.SubscriptionTrial
	}
	tenant, err := repo.CreateTenant(ctx, m.DB, in.Name, sub)
	if err != nil {
		return nil, err
	}
	if err := repo.StoreCredentials(ctx, m.DB, m.Sealer, tenant.ID, in.AccessToken, in.RefreshToken, in.TokenExpiresAt); err != nil {
		return nil, err
	}
	tenant.Connected = true
	m.Log.Info().Str("tenant_id", tenant.ID).Str("name", tenant.Name).Msg("tenant onboarded")
	return tenant, nil
}

// Deprovision removes a tenant. Cached entities, sync metadata, status
// and history go with it through the cascade constraints.
func (m *Manager) Deprovision(ctx context.Context, tenantID string) error {
	if err := repo.DeleteTenant(ctx, m.DB, tenantID); err != nil {
		if repo.IsNotFound(err) {
			return ErrTenantNotFound
		}
		return err
	}
	m.Log.Info().Str("tenant_id", tenantID).Msg("tenant deprovisioned")
	return nil
}

// Disconnect clears a tenant's upstream connection without deleting
// its mirrored data.
func (m *Manager) Disconnect(ctx context.Context, tenantID string) error {
	if err := repo.Disconnect(ctx, m.DB, tenantID); err != nil {
		if repo.IsNotFound(err) {
			return ErrTenantNotFound
		}
		return err
	}
	m.Log.Info().Str("tenant_id", tenantID).Msg("tenant disconnected")
	return nil
}
