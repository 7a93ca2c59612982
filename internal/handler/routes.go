package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, solve *SolveHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/solver/status", health.Status)

	e.POST("/api/v1/solve", solve.Handle)
}
