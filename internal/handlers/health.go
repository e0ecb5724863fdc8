package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/relaymux/relaymux/internal/healthcheck"
)

// HealthHandler serves the aggregated runtime check report.
type HealthHandler struct {
	runner *healthcheck.Runner
}

func NewHealthHandler(runner *healthcheck.Runner) *HealthHandler {
	return &HealthHandler{runner: runner}
}

func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)
}

// Health runs every checker. Degraded components report warn or error but
// the endpoint itself stays 200 as long as the process is serving.
func (h *HealthHandler) Health(c echo.Context) error {
	report := h.runner.Run(c.Request().Context())
	return c.JSON(http.StatusOK, report)
}
