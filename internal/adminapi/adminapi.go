// Package adminapi implements the HTTP management surface described in
// the housekeeping core's external interfaces: reload/update endpoints
// backed by the reload Engine, behind a permission check and a per-IP
// rate limiter.
package adminapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"housekeeperd/internal/logging"
	"housekeeperd/internal/reload"
)

// Permission names checked before dispatching a request.
const (
	PermSettingsReload   = "SettingsReload"
	PermUpdateSpamFilter = "UpdateSpamFilter"
	PermUpdateWebadmin   = "UpdateWebadmin"
)

// PermissionChecker authorizes the caller of an admin HTTP request for
// the named permission. An external collaborator — this package never
// decides who may call it, only enforces the decision.
type PermissionChecker interface {
	HasPermission(ctx context.Context, r *http.Request, permission string) bool
}

// Updater applies the packaged spam-filter config and web-admin bundle
// updates. An external collaborator; this package only wires its result
// into the standard response envelope.
type Updater interface {
	UpdateSpamFilter(ctx context.Context) (any, error)
	UpdateWebadmin(ctx context.Context) (any, error)
}

// Config configures a Handler.
type Config struct {
	Engine    *reload.Engine
	Perms     PermissionChecker
	Updater   Updater
	Logger    *slog.Logger
	RateLimit RateLimitConfig
}

// Handler serves the admin HTTP management surface.
type Handler struct {
	engine  *reload.Engine
	perms   PermissionChecker
	updater Updater
	logger  *slog.Logger
	limiter *rateLimiter
}

// New creates a Handler and starts its rate limiter's background
// cleanup goroutine, tied to ctx's lifetime.
func New(ctx context.Context, cfg Config) *Handler {
	h := &Handler{
		engine:  cfg.Engine,
		perms:   cfg.Perms,
		updater: cfg.Updater,
		logger:  logging.Default(cfg.Logger).With("component", "adminapi"),
		limiter: newRateLimiter(cfg.RateLimit),
	}
	h.limiter.startCleanup(ctx)
	return h
}

// errorBody is the failure-shape JSON envelope.
type errorBody struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

type envelope struct {
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, errType, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: &errorBody{Type: errType, Description: description}})
}

// requestLoggerKey is the context key ServeHTTP attaches a per-request
// logger under, tagged with a generated request id so a run of log
// lines for one admin call can be correlated without threading a
// parameter through every handler.
type requestLoggerKey struct{}

// requestLogger returns the per-request logger attached by ServeHTTP,
// falling back to the handler's base logger if none is present (e.g. a
// handler called directly in a test, bypassing ServeHTTP).
func (h *Handler) requestLogger(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(requestLoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return h.logger
}

// ServeHTTP routes the six admin endpoints. Unknown path or method is a
// 404 resource error.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()
	w.Header().Set("X-Request-Id", reqID)
	logger := h.logger.With("request_id", reqID, "path", r.URL.Path)
	r = r.WithContext(context.WithValue(r.Context(), requestLoggerKey{}, logger))
	logger.Debug("admin request received", "method", r.Method, "remote_addr", r.RemoteAddr)

	if !h.limiter.allow(r) {
		writeError(w, http.StatusTooManyRequests, "rateLimited", "too many requests, try again later")
		return
	}

	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "notFound", "unknown method")
		return
	}

	switch r.URL.Path {
	case "/reload/lookup":
		h.withPermission(w, r, PermSettingsReload, h.handleReloadLookup)
	case "/reload/certificate":
		h.withPermission(w, r, PermSettingsReload, h.handleReloadCertificate)
	case "/reload/server.blocked-ip":
		h.withPermission(w, r, PermSettingsReload, h.handleReloadBlockedIP)
	case "/reload":
		h.withPermission(w, r, PermSettingsReload, h.handleReload)
	case "/update/spam-filter":
		h.withPermission(w, r, PermUpdateSpamFilter, h.handleUpdateSpamFilter)
	case "/update/webadmin":
		h.withPermission(w, r, PermUpdateWebadmin, h.handleUpdateWebadmin)
	default:
		writeError(w, http.StatusNotFound, "notFound", "unknown route")
	}
}

func (h *Handler) withPermission(w http.ResponseWriter, r *http.Request, permission string, next func(http.ResponseWriter, *http.Request)) {
	if h.perms != nil && !h.perms.HasPermission(r.Context(), r, permission) {
		writeError(w, http.StatusForbidden, "forbidden", "missing permission: "+permission)
		return
	}
	next(w, r)
}

func diagnosticsPayload(diag reload.Diagnostics) any {
	return struct {
		Warnings []string `json:"warnings,omitempty"`
		Errors   []string `json:"errors,omitempty"`
	}{Warnings: diag.Warnings, Errors: diag.Errors}
}

func (h *Handler) handleReloadLookup(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.ReloadLookups(r.Context())
	if err != nil {
		h.requestLogger(r.Context()).Error("reload lookups failed", "error", err)
		writeError(w, http.StatusInternalServerError, "serverFail", err.Error())
		return
	}
	writeData(w, http.StatusOK, diagnosticsPayload(report.Config))
}

func (h *Handler) handleReloadCertificate(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.ReloadCertificates(r.Context())
	if err != nil {
		h.requestLogger(r.Context()).Error("reload certificates failed", "error", err)
		writeError(w, http.StatusInternalServerError, "serverFail", err.Error())
		return
	}
	writeData(w, http.StatusOK, diagnosticsPayload(report.Config))
}

func (h *Handler) handleReloadBlockedIP(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.ReloadBlockedIPs(r.Context())
	if err != nil {
		h.requestLogger(r.Context()).Error("reload blocked ips failed", "error", err)
		writeError(w, http.StatusInternalServerError, "serverFail", err.Error())
		return
	}
	writeData(w, http.StatusOK, diagnosticsPayload(report.Config))
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	_, dryRun := r.URL.Query()["dry-run"]
	report, err := h.engine.Reload(r.Context(), dryRun)
	if err != nil {
		h.requestLogger(r.Context()).Error("reload failed", "error", err, "dry_run", dryRun)
		writeError(w, http.StatusInternalServerError, "serverFail", err.Error())
		return
	}
	writeData(w, http.StatusOK, diagnosticsPayload(report.Config))
}

func (h *Handler) handleUpdateSpamFilter(w http.ResponseWriter, r *http.Request) {
	if h.updater == nil {
		writeError(w, http.StatusNotFound, "notFound", "spam filter updater not configured")
		return
	}
	result, err := h.updater.UpdateSpamFilter(r.Context())
	if err != nil {
		h.requestLogger(r.Context()).Error("update spam filter failed", "error", err)
		writeError(w, http.StatusInternalServerError, "serverFail", err.Error())
		return
	}
	writeData(w, http.StatusOK, result)
}

func (h *Handler) handleUpdateWebadmin(w http.ResponseWriter, r *http.Request) {
	if h.updater == nil {
		writeError(w, http.StatusNotFound, "notFound", "webadmin updater not configured")
		return
	}
	result, err := h.updater.UpdateWebadmin(r.Context())
	if err != nil {
		h.requestLogger(r.Context()).Error("update webadmin failed", "error", err)
		writeError(w, http.StatusInternalServerError, "serverFail", err.Error())
		return
	}
	writeData(w, http.StatusOK, result)
}
