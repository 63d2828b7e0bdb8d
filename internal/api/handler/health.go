package handler

import (
	"net/http"

	"github.com/kiranshivaraju/conductor/internal/api/response"
	"github.com/kiranshivaraju/conductor/internal/cache"
	"github.com/kiranshivaraju/conductor/internal/store"
)

// Health serves liveness and readiness probes.
type Health struct {
	store store.Store
	cache cache.Cache
}

func NewHealth(s store.Store, c cache.Cache) *Health {
	return &Health{store: s, cache: c}
}

func (h *Health) Live(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, map[string]string{"status": "ok"})
}

// Ready reports whether the database and redis are reachable.
func (h *Health) Ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"database": "ok", "redis": "ok"}
	healthy := true

	if err := h.store.Ping(r.Context()); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}
	if err := h.cache.Ping(r.Context()); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	}

	if !healthy {
		response.Error(w, http.StatusServiceUnavailable, "NOT_READY", "A dependency is unavailable", "")
		return
	}
	response.JSON(w, checks)
}
