package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/signalix/identity/internal/httputil"
	"go.uber.org/zap"
)

// HealthCheck checks one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthHandler reports process liveness plus the state of its dependencies.
type HealthHandler struct {
	checks []HealthCheck
	logger *zap.Logger
}

func NewHealthHandler(logger *zap.Logger, checks ...HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks, logger: logger}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok"}
	status := http.StatusOK
	if len(h.checks) > 0 {
		resp.Checks = make(map[string]string, len(h.checks))
	}
	for _, c := range h.checks {
		if err := c.Check(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("check", c.Name), zap.Error(err))
			resp.Checks[c.Name] = "down"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.Name] = "up"
	}
	httputil.WriteJSON(w, status, resp)
}
