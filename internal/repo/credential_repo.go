package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/lexmetrics/go-sync-backend/internal/domain"
	"github.com/lexmetrics/go-sync-backend/internal/secrets"
)

// StoreCredentials seals and saves a tenant's token set, marking the
// tenant connected. A tenant holds exactly one active credential set;
// storing replaces whatever was there.
func StoreCredentials(ctx context.Context, db *gorm.DB, sealer *secrets.Sealer, tenantID, accessToken, refreshToken string, expiresAt time.Time) error {
	sealedAccess, err := sealer.Seal(accessToken)
	if err != nil {
		return err
	}
	sealedRefresh, err := sealer.Seal(refreshToken)
	if err != nil {
		return err
	}
	res := db.WithContext(ctx).
		Model(&domain.Tenant{}).
		Where("id = ?", tenantID).
		Updates(map[string]any{
			"oauth_access_token":  sealedAccess,
			"oauth_refresh_token": sealedRefresh,
			"token_expires_at":    expiresAt.UTC(),
			"connected":           true,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCredentials opens a tenant's stored token set.
func GetCredentials(ctx context.Context, db *gorm.DB, sealer *secrets.Sealer, tenantID string) (*domain.Credentials, error) {
	t, err := GetTenant(ctx, db, tenantID)
	if err != nil {
		return nil, err
	}
	access, err := sealer.Open(t.OAuthAccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := sealer.Open(t.OAuthRefreshToken)
	if err != nil {
		return nil, err
	}
	creds := &domain.Credentials{
		TenantID:     t.ID,
		AccessToken:  access,
		RefreshToken: refresh,
	}
	if t.TokenExpiresAt != nil {
		creds.ExpiresAt = *t.TokenExpiresAt
	}
	return creds, nil
}

// UpdateTokens replaces a tenant's tokens after a refresh. The previous
// set is overwritten, not versioned.
func UpdateTokens(ctx context.Context, db *gorm.DB, sealer *secrets.Sealer, tenantID, accessToken, refreshToken string, expiresAt time.Time) error {
	return StoreCredentials(ctx, db, sealer, tenantID, accessToken, refreshToken, expiresAt)
}

// Disconnect clears a tenant's credentials and marks it disconnected,
// removing it from every scheduler sweep.
func Disconnect(ctx context.Context, db *gorm.DB, tenantID string) error {
	res := db.WithContext(ctx).
		Model(&domain.Tenant{}).
		Where("id = ?", tenantID).
		Updates(map[string]any{
			"oauth_access_token":  "",
			"oauth_refresh_token": "",
			"token_expires_at":    nil,
			"connected":           false,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
