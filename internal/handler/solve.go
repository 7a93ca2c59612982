package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"

	"turnstile-solver-go/internal/model"
	"turnstile-solver-go/internal/service"
	"turnstile-solver-go/internal/solver"
)

// SolveRequest is the inbound payload for a solve call.
type SolveRequest struct {
	URL       string `json:"url"`
	UserAgent string `json:"user_agent"`
}

// SolveResponse carries the produced header set.
type SolveResponse struct {
	Headers   model.HeaderSet `json:"headers"`
	ElapsedMS int64           `json:"elapsed_ms"`
}

// SolveHandler exposes the acquisition pipeline over HTTP.
type SolveHandler struct {
	pipeline *service.Pipeline
	logger   *slog.Logger
}

// NewSolveHandler creates a SolveHandler.
func NewSolveHandler(p *service.Pipeline, logger *slog.Logger) *SolveHandler {
	return &SolveHandler{
		pipeline: p,
		logger:   logger.With("component", "solve_handler"),
	}
}

// Handle runs a solve for the requested target and returns the header set.
func (h *SolveHandler) Handle(c echo.Context) error {
	var req SolveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
	}
	if msg := validateSolveRequest(&req); msg != "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
	}

	start := time.Now()
	headers, err := h.pipeline.Solve(c.Request().Context(), req.URL, req.UserAgent)
	if err != nil {
		return h.mapError(c, err)
	}

	return c.JSON(http.StatusOK, SolveResponse{
		Headers:   headers,
		ElapsedMS: time.Since(start).Milliseconds(),
	})
}

// validateSolveRequest returns an error message for the client, or "" when
// the request is acceptable.
func validateSolveRequest(req *SolveRequest) string {
	if req.URL == "" {
		return "url is required"
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Hostname() == "" {
		return "url is not a valid absolute URL"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "url scheme must be http or https"
	}
	if req.UserAgent == "" {
		return "user_agent is required"
	}
	return ""
}

func (h *SolveHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("solve error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	var timeoutErr *solver.TimeoutError
	if errors.As(err, &timeoutErr) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "challenge solve timed out",
		})
	}

	var exhaustedErr *solver.ExhaustedAttemptsError
	if errors.As(err, &exhaustedErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "challenge was not resolved within the attempt limit",
		})
	}

	var verificationErr *solver.VerificationError
	if errors.As(err, &verificationErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "verification control missing or not clickable",
		})
	}

	var formatErr *solver.FormatError
	if errors.As(err, &formatErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "browser returned malformed session data",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "solve failed",
	})
}
