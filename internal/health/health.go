// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/vnmchuo/llm-broker/internal/httpapi"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	store        Pinger
	hasUpstreams bool
}

func NewHandler(store Pinger, hasUpstreams bool) *Handler {
	return &Handler{store: store, hasUpstreams: hasUpstreams}
}

func (h *Handler) HandleLive(w http.ResponseWriter, r *http.Request) {
	httpapi.JSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// HandleReady reports ready only when persistence answers a ping and at
// least one upstream credential is configured.
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{
		"database":  "ok",
		"upstreams": "ok",
	}
	ready := true

	if err := h.store.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		ready = false
	}
	if !h.hasUpstreams {
		checks["upstreams"] = "no provider credentials configured"
		ready = false
	}

	if !ready {
		httpapi.JSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"checks": checks,
		})
		return
	}
	httpapi.JSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
