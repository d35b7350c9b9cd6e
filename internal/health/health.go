// Package health provides the HTTP probe and status surface for the Cadence
// server:
//
//   - /healthz — liveness; always 200 while the process serves HTTP.
//   - /readyz  — readiness; 200 only when every registered [Checker] passes
//     (generation providers reachable, brief store reachable).
//   - /statusz — operational snapshot: whether a call is live and how far
//     MEDDIC qualification has progressed.
//
// Responses are JSON with a top-level "status" field.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency
// is healthy; it must respect context cancellation.
type Checker struct {
	// Name appears as a key in the /readyz JSON response.
	Name string

	// Check probes the dependency.
	Check func(ctx context.Context) error
}

// CallStatus describes the live call for /statusz.
type CallStatus struct {
	// Active reports whether a coached call is currently running.
	Active bool `json:"active"`

	// Account is the active call's account, when known.
	Account string `json:"account,omitempty"`

	// MeddicCompletion is the qualification progress percentage.
	MeddicCompletion float64 `json:"meddic_completion"`
}

// StatusSource supplies the live call snapshot. Returns a zero CallStatus
// when no call is active.
type StatusSource func() CallStatus

// result is the JSON body for the probe endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe and status endpoints. Safe for concurrent use;
// the checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	status   StatusSource
}

// New creates a [Handler]. Checkers are evaluated sequentially per /readyz
// request; status may be nil, in which case /statusz reports no call.
func New(status StatusSource, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c, status: status}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every registered [Checker] passes.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Statusz reports the live call snapshot.
func (h *Handler) Statusz(w http.ResponseWriter, _ *http.Request) {
	var cs CallStatus
	if h.status != nil {
		cs = h.status()
	}
	writeJSON(w, http.StatusOK, cs)
}

// Register adds the probe and status routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /statusz", h.Statusz)
}

// writeJSON encodes v with the given status code, falling back to a
// plain-text 500 on encoding failure.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
