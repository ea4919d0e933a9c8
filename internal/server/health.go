package server

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tendant/dealer-sso/internal/respond"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	ready atomic.Bool

	mu     sync.RWMutex
	checks map[string]Check
}

// NewHealthHandler creates a HealthHandler that starts ready.
func NewHealthHandler() *HealthHandler {
	h := &HealthHandler{checks: make(map[string]Check)}
	h.ready.Store(true)
	return h
}

// SetReady sets the readiness status. Shutdown flips it off so load
// balancers drain the instance.
func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// AddCheck registers a readiness check.
func (h *HealthHandler) AddCheck(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Healthz handles the /healthz endpoint.
// Returns 200 OK if the server is alive.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles the /readyz endpoint. It runs every check with a short
// deadline and returns 503 naming the failing ones.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		respond.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	h.mu.RLock()
	defer h.mu.RUnlock()

	var failed []string
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		respond.JSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not ready",
			"failed": failed,
		})
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
