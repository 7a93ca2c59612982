package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"turnstile-solver-go/internal/config"
	"turnstile-solver-go/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and solver status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	pipeline *service.Pipeline
	version  Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, p *service.Pipeline, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, pipeline: p, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// statusResponse is the solver status payload.
type statusResponse struct {
	Status             string `json:"status"`
	StartTime          string `json:"start_time,omitempty"`
	ElapsedMS          int64  `json:"elapsed_ms"`
	LastError          string `json:"last_error,omitempty"`
	Version            string `json:"version"`
	MaxConcurrentTasks int    `json:"max_concurrent_tasks"`
}

// Status returns the most recent or in-progress solve run state.
func (h *HealthHandler) Status(c echo.Context) error {
	report := h.pipeline.Status()

	resp := statusResponse{
		Status:             string(report.Status),
		ElapsedMS:          report.Elapsed.Milliseconds(),
		LastError:          report.LastError,
		Version:            string(h.version),
		MaxConcurrentTasks: h.cfg.Solver.MaxConcurrentTasks,
	}
	if !report.StartTime.IsZero() {
		resp.StartTime = report.StartTime.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	return c.JSON(http.StatusOK, resp)
}
