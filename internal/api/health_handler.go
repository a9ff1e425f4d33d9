package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/storyloom/storyloom-api/internal/api/shared"
	"github.com/storyloom/storyloom-api/internal/ratelimit"
)

// HealthResponse reports the readiness of the service's dependencies.
type HealthResponse struct {
	Status      string `json:"status"`
	Database    string `json:"database"`
	RateLimiter string `json:"rate_limiter"`
}

// HealthHandler serves the readiness probe.
type HealthHandler struct {
	db      *sql.DB
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewHealthHandler creates a new HealthHandler. limiter may be nil when
// admission control is disabled.
func NewHealthHandler(db *sql.DB, limiter *ratelimit.Limiter, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		db:      db,
		limiter: limiter,
		logger:  logger.With(slog.String("component", "health_handler")),
	}
}

// Check handles GET /healthz requests. A degraded rate limiter does not
// fail the probe; it only shows up in the payload, since the limiter
// fails open and the service keeps working.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:      "ok",
		Database:    "ok",
		RateLimiter: "ok",
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		h.logger.Error("database ping failed", "error", err)
		response.Status = "unavailable"
		response.Database = "unreachable"
		status = http.StatusServiceUnavailable
	}

	if h.limiter != nil && h.limiter.Degraded() {
		response.RateLimiter = "degraded"
	}

	shared.RespondWithJSON(w, r, status, response)
}
