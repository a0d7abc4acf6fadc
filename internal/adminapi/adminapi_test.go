package adminapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"housekeeperd/internal/adminapi"
	"housekeeperd/internal/corestate"
	"housekeeperd/internal/reload"
	"housekeeperd/internal/storekv"
)

type allowAll struct{ deny map[string]bool }

func (a allowAll) HasPermission(ctx context.Context, r *http.Request, permission string) bool {
	return !a.deny[permission]
}

func newTestHandler(t *testing.T, perms adminapi.PermissionChecker) *adminapi.Handler {
	t.Helper()
	store := storekv.NewMemory()
	core := corestate.NewCore(&corestate.Snapshot{})
	engine := reload.New(reload.Config{
		Core:     core,
		Versions: &corestate.Versions{},
		Store:    store,
	})
	return adminapi.New(context.Background(), adminapi.Config{
		Engine: engine,
		Perms:  perms,
	})
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response body: %v (%s)", err, rec.Body.String())
	}
	return body
}

func TestReloadEndpointSuccess(t *testing.T) {
	h := newTestHandler(t, allowAll{})
	req := httptest.NewRequest(http.MethodGet, "/reload", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	body := decodeEnvelope(t, rec)
	if _, ok := body["data"]; !ok {
		t.Fatalf("expected data envelope, got %v", body)
	}
}

func TestReloadDryRunQueryParam(t *testing.T) {
	h := newTestHandler(t, allowAll{})
	req := httptest.NewRequest(http.MethodGet, "/reload?dry-run", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	h := newTestHandler(t, allowAll{})
	req := httptest.NewRequest(http.MethodGet, "/not/a/route", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestUnknownMethodIs404(t *testing.T) {
	h := newTestHandler(t, allowAll{})
	req := httptest.NewRequest(http.MethodPost, "/reload", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestMissingPermissionIsForbidden(t *testing.T) {
	h := newTestHandler(t, allowAll{deny: map[string]bool{adminapi.PermSettingsReload: true}})
	req := httptest.NewRequest(http.MethodGet, "/reload/lookup", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	store := storekv.NewMemory()
	core := corestate.NewCore(&corestate.Snapshot{})
	engine := reload.New(reload.Config{Core: core, Versions: &corestate.Versions{}, Store: store})
	h := adminapi.New(context.Background(), adminapi.Config{
		Engine: engine,
		Perms:  allowAll{},
		RateLimit: adminapi.RateLimitConfig{
			Rate:  0.0001,
			Burst: 1,
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/reload/lookup", nil)
	req.RemoteAddr = "203.0.113.7:5555"

	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, req)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec1.Code)
	}

	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec2.Code)
	}
}
