package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const healthCheckTimeout = 2 * time.Second

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

type HealthHandler struct {
	checks map[string]HealthCheck
	active func() int
}

// NewHealthHandler reports dependency status and the number of live
// tunnels on this instance.
func NewHealthHandler(checks map[string]HealthCheck, active func() int) *HealthHandler {
	return &HealthHandler{checks: checks, active: active}
}

// GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			log.Warn().Err(err).Str("dependency", name).Msg("health check failed")
			deps[name] = "down"
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	resp := map[string]any{
		"status":       status,
		"timestamp":    time.Now().UnixMilli(),
		"dependencies": deps,
	}
	if h.active != nil {
		resp["active_sessions"] = h.active()
	}

	writeJSON(w, code, resp)
}
