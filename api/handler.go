// Package api exposes the admission layer over HTTP: check and login
// attempt endpoints for the request pipeline plus a health probe reporting
// degraded mode.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/joanseamrexgage-ui/telegram-training-bot/pkg/admission"
)

// Handler serves the admission endpoints.
type Handler struct {
	ctrl  *admission.Controller
	guard *admission.BruteForceGuard
}

// NewHandler creates an API handler over ctrl.
func NewHandler(ctrl *admission.Controller) *Handler {
	return &Handler{
		ctrl:  ctrl,
		guard: admission.NewBruteForceGuard(ctrl),
	}
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/check", h.Check)
	mux.HandleFunc("/v1/attempt", h.Attempt)
	mux.HandleFunc("/v1/reset", h.Reset)
	mux.HandleFunc("/healthz", h.Health)
}

// CheckRequest is the incoming admission check.
type CheckRequest struct {
	Subject string   `json:"subject"`        // Required: user id, IP, or auth subject
	Kind    string   `json:"kind"`           // "message", "callback", "login"
	Cost    *float64 `json:"cost,omitempty"` // Defaults to 1; explicit 0 is a dry run
}

// CheckResponse mirrors an admission.Decision.
type CheckResponse struct {
	Allowed          bool    `json:"allowed"`
	RetryAfterMillis int64   `json:"retry_after_ms,omitempty"`
	Remaining        float64 `json:"remaining"`
	Violations       int     `json:"violations,omitempty"`
	Degraded         bool    `json:"degraded"`
}

// AttemptRequest records one authentication attempt.
type AttemptRequest struct {
	Subject string `json:"subject"`
	Success bool   `json:"success"`
}

// AttemptResponse mirrors an admission.AttemptResult.
type AttemptResponse struct {
	Allowed               bool  `json:"allowed"`
	RemainingAttempts     int   `json:"remaining_attempts"`
	LockedUntilEpochMilli int64 `json:"locked_until_epoch_ms,omitempty"`
}

// ResetRequest clears a bucket (admin reset).
type ResetRequest struct {
	Subject string `json:"subject"`
	Kind    string `json:"kind"`
}

// ErrorResponse is the error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Check handles POST /v1/check.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST requests are allowed")
		return
	}

	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.Subject == "" {
		h.sendError(w, http.StatusBadRequest, "missing_subject", "subject is required")
		return
	}
	if req.Kind == "" {
		req.Kind = string(admission.KindMessage)
	}
	cost := 1.0
	if req.Cost != nil {
		cost = *req.Cost
	}

	d := h.ctrl.Check(r.Context(), req.Subject, admission.Kind(req.Kind), cost)

	resp := CheckResponse{
		Allowed:          d.Allowed,
		RetryAfterMillis: d.RetryAfter.Milliseconds(),
		Remaining:        d.Remaining,
		Violations:       d.Violations,
		Degraded:         d.Degraded,
	}

	status := http.StatusOK
	if !d.Allowed {
		status = http.StatusTooManyRequests
		w.Header().Set("Retry-After", fmt.Sprintf("%.0f", d.RetryAfter.Seconds()))
	}
	h.sendJSON(w, status, resp)
}

// Attempt handles POST /v1/attempt.
func (h *Handler) Attempt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST requests are allowed")
		return
	}

	var req AttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.Subject == "" {
		h.sendError(w, http.StatusBadRequest, "missing_subject", "subject is required")
		return
	}

	res := h.guard.RecordAttempt(r.Context(), req.Subject, req.Success)

	resp := AttemptResponse{
		Allowed:           res.Allowed,
		RemainingAttempts: res.RemainingAttempts,
	}
	if !res.LockedUntil.IsZero() {
		resp.LockedUntilEpochMilli = res.LockedUntil.UnixMilli()
	}

	status := http.StatusOK
	if !res.Allowed {
		status = http.StatusTooManyRequests
	}
	h.sendJSON(w, status, resp)
}

// Reset handles POST /v1/reset.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST requests are allowed")
		return
	}

	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.Subject == "" || req.Kind == "" {
		h.sendError(w, http.StatusBadRequest, "missing_fields", "subject and kind are required")
		return
	}

	err := h.ctrl.Reset(r.Context(), req.Subject, admission.Kind(req.Kind))
	if err != nil {
		// Local state is cleared even when the remote reset fails.
		h.sendJSON(w, http.StatusAccepted, map[string]string{
			"status": "local_only",
			"detail": err.Error(),
		})
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthResponse reports breaker state for the health probe.
type HealthResponse struct {
	Status        string `json:"status"`
	BreakerState  string `json:"breaker_state"`
	TimeInStateMs int64  `json:"time_in_state_ms"`
	DegradedMode  bool   `json:"degraded_mode"`
}

// Health handles GET /healthz. Degraded mode is reported, not failed: the
// service keeps serving decisions from the local fallback.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	state := h.ctrl.BreakerState()
	resp := HealthResponse{
		Status:        "ok",
		BreakerState:  state.String(),
		TimeInStateMs: h.ctrl.BreakerTimeInState().Milliseconds(),
		DegradedMode:  state != admission.StateClosed,
	}
	if resp.DegradedMode {
		resp.Status = "degraded"
	}
	h.sendJSON(w, http.StatusOK, resp)
}

func (h *Handler) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) sendError(w http.ResponseWriter, status int, code, message string) {
	h.sendJSON(w, status, ErrorResponse{Error: code, Message: message})
}
