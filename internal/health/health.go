// Package health serves Hibiki's liveness and readiness endpoints.
//
// GET /healthz answers 200 for any process able to serve HTTP. GET /readyz
// runs the registered dependency checks — the long-term memory store and the
// completion provider in a full deployment — and answers 503 when any of
// them fails. The readiness body carries a per-check breakdown with the
// failure detail and the check latency, so an operator can tell a dead store
// from a misconfigured provider at a glance.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is one named dependency check. Check returns nil when the
// dependency can serve turns and an error describing what is wrong
// otherwise; it must honor ctx cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// checkResult is the readiness body entry for one dependency.
type checkResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

// report is the JSON body for both endpoints.
type report struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler answers the health endpoints. The checker set is fixed at
// construction and the handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a Handler evaluating the given checkers, in order, on every
// readiness request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz is the liveness endpoint. It never consults the checkers; a
// process that can answer it is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every checker under a [checkTimeout] deadline derived from the
// request context and reports 503 when any dependency fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := report{
		Status: "ok",
		Checks: make(map[string]checkResult, len(h.checkers)),
	}
	status := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		start := time.Now()
		err := c.Check(ctx)
		elapsed := time.Since(start)
		cancel()

		cr := checkResult{Status: "ok", ElapsedMS: elapsed.Milliseconds()}
		if err != nil {
			cr.Status = "fail"
			cr.Error = err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		}
		res.Checks[c.Name] = cr
	}

	writeJSON(w, status, res)
}

// Register mounts both endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
