package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lexmetrics/go-sync-backend/internal/domain"
	"github.com/lexmetrics/go-sync-backend/internal/services"
)

func TestOnboardTenantCreatesAndLaunchesInitialSync(t *testing.T) {
	id := uuid.NewString()
	ran := make(chan struct{})
	var gotInput services.OnboardInput
	m := &stubManager{
		onboard: func(ctx context.Context, in services.OnboardInput) (*domain.Tenant, error) {
			gotInput = in
			return &domain.Tenant{ID: id, Name: in.Name, Connected: true}, nil
		},
		runTenant: func(ctx context.Context, gotID, by string, types []domain.EntityType, full bool) (*services.RunReport, error) {
			if gotID != id || by != domain.TriggerInitial || !full || types != nil {
				t.Errorf("initial run args = (%s, %s, full=%v, types=%v)", gotID, by, full, types)
			}
			close(ran)
			return &services.RunReport{TenantID: gotID}, nil
		},
	}

	expiry := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	w := doJSON(t, newTestRouter(m), http.MethodPost, "/tenants", OnboardTenantRequest{
		Name:               "  Acme Legal LLP ",
		SubscriptionStatus: domain.SubscriptionActive,
		AccessToken:        "at",
		RefreshToken:       "rt",
		TokenExpiresAt:     expiry,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("initial sync was never launched")
	}

	if gotInput.Name != "Acme Legal LLP" {
		t.Fatalf("name = %q, want trimmed", gotInput.Name)
	}
	if gotInput.AccessToken != "at" || gotInput.RefreshToken != "rt" || !gotInput.TokenExpiresAt.Equal(expiry) {
		t.Fatalf("credentials not forwarded: %+v", gotInput)
	}

	var tenant domain.Tenant
	if err := json.Unmarshal(w.Body.Bytes(), &tenant); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if tenant.ID != id || !tenant.Connected {
		t.Fatalf("tenant = %+v", tenant)
	}
	if jsonHasField(t, w.Body.Bytes(), "oauth_access_token") {
		t.Fatal("token columns must not appear in API responses")
	}
}

func jsonHasField(t *testing.T, b []byte, field string) bool {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	_, ok := m[field]
	return ok
}

func TestOnboardTenantRequiresTokens(t *testing.T) {
	m := &stubManager{
		onboard: func(ctx context.Context, in services.OnboardInput) (*domain.Tenant, error) {
			t.Fatal("onboard must not run for an invalid payload")
			return nil, nil
		},
	}
	w := doJSON(t, newTestRouter(m), http.MethodPost, "/tenants", map[string]string{
		"name": "no tokens",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestOnboardTenantRejectsUnknownSubscription(t *testing.T) {
	w := doJSON(t, newTestRouter(&stubManager{}), http.MethodPost, "/tenants", OnboardTenantRequest{
		Name:               "x",
		SubscriptionStatus: "gold",
		AccessToken:        "at",
		RefreshToken:       "rt",
		TokenExpiresAt:     time.Now().UTC(),
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestDeprovisionTenant(t *testing.T) {
	id := uuid.NewString()
	var deleted string
	m := &stubManager{
		deprovision: func(ctx context.Context, gotID string) error {
			deleted = gotID
			return nil
		},
	}
	w := doJSON(t, newTestRouter(m), http.MethodDelete, "/tenants/"+id, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if deleted != id {
		t.Fatalf("deleted = %q, want %q", deleted, id)
	}
}

func TestDeprovisionTenantNotFound(t *testing.T) {
	m := &stubManager{
		deprovision: func(ctx context.Context, id string) error { return services.ErrTenantNotFound },
	}
	w := doJSON(t, newTestRouter(m), http.MethodDelete, "/tenants/"+uuid.NewString(), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
