// Package gatelimit provides the HTTP transport.
package gatelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"
)

// HTTPTransport serves the check, admin, health and metrics APIs.
type HTTPTransport struct {
	addr           string
	srv            *http.Server
	decisioner     *Decisioner
	admin          *AdminHandler
	appReady       func() bool
	metricsHandler http.Handler
	adminToken     string
	maxBodyBytes   int64
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration
	logger         Logger
}

// NewHTTPTransport constructs a transport bound to an address.
func NewHTTPTransport(cfg *Config, decisioner *Decisioner, admin *AdminHandler, ready func() bool, metricsHandler http.Handler, logger Logger) *HTTPTransport {
	addr := ":8080"
	if cfg != nil && cfg.HTTPListenAddr != "" {
		addr = cfg.HTTPListenAddr
	}
	if ready == nil {
		ready = func() bool { return false }
	}
	if logger == nil {
		logger = NopLogger{}
	}
	t := &HTTPTransport{
		addr:           addr,
		decisioner:     decisioner,
		admin:          admin,
		appReady:       ready,
		metricsHandler: metricsHandler,
		logger:         logger,
	}
	if cfg != nil {
		t.adminToken = cfg.AdminToken
		t.maxBodyBytes = cfg.MaxBodyBytes
		t.readTimeout = cfg.HTTPReadTimeout
		t.writeTimeout = cfg.HTTPWriteTimeout
		t.idleTimeout = cfg.HTTPIdleTimeout
	}
	return t
}

// Start begins serving HTTP requests and blocks until shutdown.
func (t *HTTPTransport) Start() error {
	if t == nil {
		return errors.New("transport is nil")
	}
	listener, err := net.Listen("tcp", t.addr)
	if err != nil {
		return err
	}
	t.srv = &http.Server{
		Handler:      t.routes(),
		ReadTimeout:  t.readTimeout,
		WriteTimeout: t.writeTimeout,
		IdleTimeout:  t.idleTimeout,
	}
	err = t.srv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains the server.
func (t *HTTPTransport) Shutdown(ctx context.Context) error {
	if t == nil || t.srv == nil {
		return nil
	}
	return t.srv.Shutdown(ctx)
}

func (t *HTTPTransport) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if t.appReady() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	if t.metricsHandler != nil {
		mux.Handle("GET /metrics", t.metricsHandler)
	}

	mux.HandleFunc("POST /v1/check", t.handleCheck)

	mux.HandleFunc("PUT /v1/policies/{tenant}", t.withAdminAuth(t.handleUpsertPolicy))
	mux.HandleFunc("GET /v1/policies/{tenant}", t.withAdminAuth(t.handleGetPolicy))
	mux.HandleFunc("DELETE /v1/policies/{tenant}", t.withAdminAuth(t.handleDeletePolicy))
	mux.HandleFunc("GET /v1/policies", t.withAdminAuth(t.handleListPolicies))
	mux.HandleFunc("PUT /v1/policy/global", t.withAdminAuth(t.handleUpsertGlobal))
	mux.HandleFunc("GET /v1/policy/global", t.withAdminAuth(t.handleGetGlobal))

	mux.HandleFunc("POST /v1/overrides", t.withAdminAuth(t.handleCreateOverride))
	mux.HandleFunc("GET /v1/overrides/{tenant}", t.withAdminAuth(t.handleListOverrides))
	mux.HandleFunc("DELETE /v1/overrides/{tenant}/{id}", t.withAdminAuth(t.handleDeleteOverride))

	return mux
}

func (t *HTTPTransport) withAdminAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if t.adminToken != "" {
			token := r.Header.Get("X-Admin-Token")
			if token == "" {
				token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if token != t.adminToken {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

type checkRequest struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Endpoint string `json:"endpoint"`
}

type checkResponse struct {
	Allowed    bool   `json:"allowed"`
	State      string `json:"state"`
	Scope      string `json:"scope"`
	Limit      int64  `json:"limit"`
	Remaining  int64  `json:"remaining"`
	Reset      int64  `json:"reset"`
	RetryAfter int64  `json:"retry_after,omitempty"`
}

func (t *HTTPTransport) handleCheck(w http.ResponseWriter, r *http.Request) {
	if t.decisioner == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "decisioner unavailable")
		return
	}
	req := checkRequest{}
	if !t.decodeBody(w, r, &req) {
		return
	}
	identity := RequestIdentity{
		TenantID: req.TenantID,
		UserID:   req.UserID,
		Endpoint: NormalizeEndpoint(req.Endpoint),
	}
	if identity.UserID == "" {
		identity.UserID = "default"
	}
	decision, err := t.decisioner.Decide(r.Context(), identity)
	if err != nil {
		t.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{
		Allowed:    decision.Allowed,
		State:      decision.State.String(),
		Scope:      string(decision.Scope),
		Limit:      decision.Limit,
		Remaining:  decision.Remaining,
		Reset:      decision.ResetEpochS,
		RetryAfter: decision.RetryAfterS,
	})
}

func (t *HTTPTransport) handleUpsertPolicy(w http.ResponseWriter, r *http.Request) {
	policy := &TenantPolicy{}
	if !t.decodeBody(w, r, policy) {
		return
	}
	policy.TenantID = r.PathValue("tenant")
	if err := t.admin.UpsertTenantPolicy(r.Context(), policy); err != nil {
		t.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (t *HTTPTransport) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := t.admin.GetTenantPolicy(r.Context(), r.PathValue("tenant"))
	if err != nil {
		t.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (t *HTTPTransport) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := t.admin.DeleteTenantPolicy(r.Context(), r.PathValue("tenant")); err != nil {
		t.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (t *HTTPTransport) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := t.admin.ListTenantPolicies(r.Context())
	if err != nil {
		t.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

func (t *HTTPTransport) handleUpsertGlobal(w http.ResponseWriter, r *http.Request) {
	policy := &GlobalPolicy{}
	if !t.decodeBody(w, r, policy) {
		return
	}
	if err := t.admin.UpsertGlobalPolicy(r.Context(), policy); err != nil {
		t.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (t *HTTPTransport) handleGetGlobal(w http.ResponseWriter, r *http.Request) {
	policy, err := t.admin.GetGlobalPolicy(r.Context())
	if err != nil {
		t.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (t *HTTPTransport) handleCreateOverride(w http.ResponseWriter, r *http.Request) {
	override := &Override{}
	if !t.decodeBody(w, r, override) {
		return
	}
	created, err := t.admin.CreateOverride(r.Context(), override)
	if err != nil {
		t.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (t *HTTPTransport) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	overrides, err := t.admin.ListOverrides(r.Context(), r.PathValue("tenant"))
	if err != nil {
		t.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, overrides)
}

func (t *HTTPTransport) handleDeleteOverride(w http.ResponseWriter, r *http.Request) {
	if err := t.admin.DeleteOverride(r.Context(), r.PathValue("tenant"), r.PathValue("id")); err != nil {
		t.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (t *HTTPTransport) decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	body := r.Body
	if t.maxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, t.maxBodyBytes)
	}
	if err := json.NewDecoder(body).Decode(target); err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func (t *HTTPTransport) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		writeJSONError(w, http.StatusBadRequest, "invalid input")
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPolicyNotFound):
		writeJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ErrConflict):
		writeJSONError(w, http.StatusConflict, "conflict")
	default:
		t.logger.Error("request failed", map[string]any{"error": err.Error()})
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
