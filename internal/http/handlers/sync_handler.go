// Sync HTTP handlers.
//
// This file exposes REST endpoints for sync management:
//   - GET  /sync/{tenantID}/status     (run state + per-entity bookkeeping)
//   - POST /sync/{tenantID}/trigger    (manual trigger, async)
//   - GET  /sync/{tenantID}/history    (paginated run history)
//   - PUT  /sync/{tenantID}/frequency  (change sync interval)
//   - GET  /sync/health                (fleet health rollup)
//
// Handlers are transport-thin: they validate input, call the sync
// manager, and translate results into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexmetrics/go-sync-backend/internal/domain"
	"github.com/lexmetrics/go-sync-backend/internal/services"
	"github.com/lexmetrics/go-sync-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// SyncManager defines the sync lifecycle operations consumed by HTTP
// handlers. services.Manager is the production implementation.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type SyncManager interface {
	// RunTenant executes one complete sync run for a tenant.
	RunTenant(ctx context.Context, tenantID, triggeredBy string, types []domain.EntityType, forceFull bool) (*services.RunReport, error)
	// CheckTrigger validates a manual trigger before a run is launched.
	CheckTrigger(ctx context.Context, tenantID string) error
	// SetFrequency updates a tenant's sync interval in minutes.
	SetFrequency(ctx context.Context, tenantID string, minutes int) error
	// Status assembles the per-tenant status view.
	Status(ctx context.Context, tenantID string) (*services.StatusView, error)
	// History returns one page of a tenant's run history plus the total.
	History(ctx context.Context, tenantID string, offset, limit int) ([]domain.SyncHistory, int64, error)
	// Health classifies every connected tenant.
	Health(ctx context.Context) (*services.HealthReport, error)
}

// TenantManager defines tenant provisioning operations consumed by the
// tenant handlers (see tenant_handler.go).
type TenantManager interface {
	// Onboard creates a tenant and stores its sealed credentials.
	Onboard(ctx context.Context, in services.OnboardInput) (*domain.Tenant, error)
	// Deprovision deletes a tenant and all of its mirrored data.
	Deprovision(ctx context.Context, tenantID string) error
	// Disconnect clears credentials without deleting mirrored data.
	Disconnect(ctx context.Context, tenantID string) error
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for sync management and tenant
// provisioning. It depends on abstract manager interfaces to keep
// transport concerns separate from business logic.
type Handlers struct {
	sync    SyncManager
	tenants TenantManager
	log     zerolog.Logger
}

// New constructs a Handlers instance bound to the given managers.
func New(sync SyncManager, tenants TenantManager, log zerolog.Logger) *Handlers {
	return &Handlers{sync: sync, tenants: tenants, log: log}
}

//
// DTOs
//

// TriggerSyncRequest is the JSON payload for a manual sync trigger.
type TriggerSyncRequest struct {
	// EntityTypes optionally restricts the run to a subset of entity
	// types; empty means all.
	EntityTypes []string `json:"entity_types" example:"cases,contacts"`
	// ForceFull skips the incremental decision and refetches everything.
	ForceFull bool `json:"force_full" example:"false"`
}

// TriggerSyncResponse acknowledges an accepted trigger.
type TriggerSyncResponse struct {
	TenantID string `json:"tenant_id" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
	Status   string `json:"status" example:"running"`
}

// UpdateFrequencyRequest is the JSON payload for changing the interval.
type UpdateFrequencyRequest struct {
	// FrequencyMinutes must be one of 60, 240, 480, 1440.
	FrequencyMinutes int `json:"frequency_minutes" binding:"required" example:"240"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// HistoryResponse wraps a page of run history and pagination information.
type HistoryResponse struct {
	History    []domain.SyncHistory `json:"history"`
	Pagination Pagination           `json:"pagination"`
}

//
// Helpers
//

// tenantID extracts and validates the tenant route parameter. It writes
// the error response itself and reports ok=false when invalid.
func tenantID(c *gin.Context) (string, bool) {
	id := c.Param("tenantID")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "tenant id must be a UUID")
		return "", false
	}
	return id, true
}

// clampPagination parses and bounds page and page_size query params to
// sane defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

//
// Handlers
//

// GetSyncStatus godoc
// @ID          getSyncStatus
// @Summary     Get a tenant's sync status
// @Description Returns the current run state, per-entity sync metadata, and recent history.
// @Tags        Sync
// @Produce     json
//
// @Param       tenantID  path  string  true  "Tenant ID (UUID)"  format(uuid)
//
// @Success     200  {object}  services.StatusView
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Tenant not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /sync/{tenantID}/status [get]
func (h *Handlers) GetSyncStatus(c *gin.Context) {
	id, okID := tenantID(c)
	if !okID {
		return
	}
	view, err := h.sync.Status(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, services.ErrTenantNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "tenant not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, view)
}

// TriggerSync godoc
// @ID          triggerSync
// @Summary     Trigger a sync run
// @Description Validates the trigger (no run in flight, cooldown elapsed) and launches an asynchronous run.
// @Tags        Sync
// @Accept      json
// @Produce     json
//
// @Param       tenantID  path  string  true  "Tenant ID (UUID)"  format(uuid)
// @Param       body      body  handlers.TriggerSyncRequest  false  "Trigger options"
//
// @Success     202  {object}  handlers.TriggerSyncResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Tenant not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Sync already running"
// @Failure     429  {object}  handlers.ErrorResponse  "Triggered too soon after the last run"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /sync/{tenantID}/trigger [post]
func (h *Handlers) TriggerSync(c *gin.Context) {
	id, okID := tenantID(c)
	if !okID {
		return
	}

	var req TriggerSyncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}
	types, err := services.ParseEntitySubset(req.EntityTypes)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}

	if err := h.sync.CheckTrigger(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, services.ErrTenantNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "tenant not found")
		case errors.Is(err, services.ErrSyncRunning):
			fail(c, http.StatusConflict, ErrCodeSyncRunning, "a sync is already running for this tenant")
		case errors.Is(err, services.ErrTriggerCooldown):
			fail(c, http.StatusTooManyRequests, ErrCodeTriggerCooldown, "sync completed recently, try again later")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}

	// The run outlives the request; detach it from the request context
	// so a client disconnect does not abort a half-finished sync.
	go func() {
		if _, err := h.sync.RunTenant(context.Background(), id, domain.TriggerManual, types, req.ForceFull); err != nil {
			// ErrSyncRunning means the scheduler won the CAS between our
			// advisory check and the run; everything else is logged.
			if !errors.Is(err, services.ErrSyncRunning) {
				h.log.Error().Str("tenant_id", id).Err(err).Msg("manual sync failed to run")
			}
		}
	}()

	ok(c, http.StatusAccepted, TriggerSyncResponse{TenantID: id, Status: domain.RunStatusRunning})
}

// GetSyncHistory godoc
// @ID          getSyncHistory
// @Summary     List a tenant's sync history (paginated)
// @Description Returns a page of past runs, newest first.
// @Tags        Sync
// @Produce     json
//
// @Param       tenantID   path   string  true  "Tenant ID (UUID)"  format(uuid)
// @Param       page       query  int     false "Page number"       minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page"    minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.HistoryResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Tenant not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /sync/{tenantID}/history [get]
func (h *Handlers) GetSyncHistory(c *gin.Context) {
	id, okID := tenantID(c)
	if !okID {
		return
	}
	page, pageSize := clampPagination(c)

	items, total, err := h.sync.History(c.Request.Context(), id, (page-1)*pageSize, pageSize)
	if err != nil {
		if errors.Is(err, services.ErrTenantNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "tenant not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, HistoryResponse{
		History: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// UpdateSyncFrequency godoc
// @ID          updateSyncFrequency
// @Summary     Change a tenant's sync interval
// @Description Sets sync_frequency_minutes; must be one of 60, 240, 480, 1440.
// @Tags        Sync
// @Accept      json
// @Produce     json
//
// @Param       tenantID  path  string  true  "Tenant ID (UUID)"  format(uuid)
// @Param       body      body  handlers.UpdateFrequencyRequest  true  "New frequency"
//
// @Success     204  {string}  string  "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request or disallowed frequency"
// @Failure     404  {object}  handlers.ErrorResponse  "Tenant not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /sync/{tenantID}/frequency [put]
func (h *Handlers) UpdateSyncFrequency(c *gin.Context) {
	id, okID := tenantID(c)
	if !okID {
		return
	}
	var req UpdateFrequencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "frequency_minutes required")
		return
	}
	if err := h.sync.SetFrequency(c.Request.Context(), id, req.FrequencyMinutes); err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidFrequency):
			fail(c, http.StatusBadRequest, ErrCodeInvalidFrequency, err.Error())
		case errors.Is(err, services.ErrTenantNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "tenant not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	noContent(c)
}

// GetSyncHealth godoc
// @ID          getSyncHealth
// @Summary     Fleet sync health rollup
// @Description Classifies every connected tenant as healthy, failed, running, never_synced, or overdue.
// @Tags        Sync
// @Produce     json
//
// @Success     200  {object}  services.HealthReport
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /sync/health [get]
func (h *Handlers) GetSyncHealth(c *gin.Context) {
	report, err := h.sync.Health(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, report)
}
