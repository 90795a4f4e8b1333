// Tenant HTTP handlers.
//
// This file exposes REST endpoints for tenant provisioning:
//   - POST   /tenants                       (onboard + initial sync)
//   - DELETE /tenants/{tenantID}            (deprovision, cascades)
//   - POST   /tenants/{tenantID}/disconnect (clear credentials)
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lexmetrics/go-sync-backend/internal/domain"
	"github.com/lexmetrics/go-sync-backend/internal/services"
)

// OnboardTenantRequest is the JSON payload for provisioning a tenant.
// The OAuth tokens come from the upstream authorization flow, which is
// completed out of band.
type OnboardTenantRequest struct {
	// Name is the tenant's display name (1-255 chars).
	Name string `json:"name" binding:"required,min=1,max=255" example:"Acme Legal LLP"`
	// SubscriptionStatus defaults to "trial" when empty.
	SubscriptionStatus string `json:"subscription_status" example:"active"`
	// AccessToken is the upstream OAuth access token.
	AccessToken string `json:"access_token" binding:"required"`
	// RefreshToken is the upstream OAuth refresh token.
	RefreshToken string `json:"refresh_token" binding:"required"`
	// TokenExpiresAt is the access token expiry, RFC 3339.
	TokenExpiresAt time.Time `json:"token_expires_at" binding:"required" example:"2026-01-02T15:04:05Z"`
}

// OnboardTenant godoc
// @ID          onboardTenant
// @Summary     Onboard a tenant
// @Description Creates the tenant, stores sealed credentials, and launches the initial full sync.
// @Tags        Tenants
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.OnboardTenantRequest  true  "Onboarding payload"
//
// @Success     201  {object}  domain.Tenant
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /tenants [post]
func (h *Handlers) OnboardTenant(c *gin.Context) {
	var req OnboardTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "name, access_token, refresh_token and token_expires_at are required")
		return
	}
	switch req.SubscriptionStatus {
	case "", domain.SubscriptionTrial, domain.SubscriptionActive,
		domain.SubscriptionCancelled, domain.SubscriptionSuspended:
	default:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown subscription_status")
		return
	}

	tenant, err := h.tenants.Onboard(c.Request.Context(), services.OnboardInput{
		Name:               strings.TrimSpace(req.Name),
		SubscriptionStatus: req.SubscriptionStatus,
		AccessToken:        req.AccessToken,
		RefreshToken:       req.RefreshToken,
		TokenExpiresAt:     req.TokenExpiresAt.UTC(),
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	// Kick off the initial full mirror in the background. Failures are
	// recorded in sync_history; the scheduler picks the tenant up again
	// either way.
	go func() {
		if _, err := h.sync.RunTenant(context.Background(), tenant.ID, domain.TriggerInitial, nil, true); err != nil {
			if !errors.Is(err, services.ErrSyncRunning) {
				h.log.Error().Str("tenant_id", tenant.ID).Err(err).Msg("initial sync failed to run")
			}
		}
	}()

	ok(c, http.StatusCreated, tenant)
}

// DeprovisionTenant godoc
// @ID          deprovisionTenant
// @Summary     Delete a tenant
// @Description Removes the tenant and all of its mirrored data, metadata, and history.
// @Tags        Tenants
// @Produce     json
//
// @Param       tenantID  path  string  true  "Tenant ID (UUID)"  format(uuid)
//
// @Success     204  {string}  string  "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Tenant not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /tenants/{tenantID} [delete]
func (h *Handlers) DeprovisionTenant(c *gin.Context) {
	id, okID := tenantID(c)
	if !okID {
		return
	}
	if err := h.tenants.Deprovision(c.Request.Context(), id); err != nil {
		if errors.Is(err, services.ErrTenantNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "tenant not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	noContent(c)
}

// DisconnectTenant godoc
// @ID          disconnectTenant
// @Summary     Disconnect a tenant from the upstream
// @Description Clears stored credentials and removes the tenant from scheduling; mirrored data is kept.
// @Tags        Tenants
// @Produce     json
//
// @Param       tenantID  path  string  true  "Tenant ID (UUID)"  format(uuid)
//
// @Success     204  {string}  string  "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Tenant not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /tenants/{tenantID}/disconnect [post]
func (h *Handlers) DisconnectTenant(c *gin.Context) {
	id, okID := tenantID(c)
	if !okID {
		return
	}
	if err := h.tenants.Disconnect(c.Request.Context(), id); err != nil {
		if errors.Is(err, services.ErrTenantNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "tenant not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	noContent(c)
}
