package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/relaymux/relaymux/internal/channel"
	"github.com/relaymux/relaymux/internal/supervisor"
)

// StatusSource reads supervised connection snapshots.
type StatusSource interface {
	Statuses() []supervisor.ConnectionStatus
}

// ChannelsHandler serves channel metadata and connection status.
type ChannelsHandler struct {
	registry *channel.Registry
	statuses StatusSource
}

func NewChannelsHandler(registry *channel.Registry, statuses StatusSource) *ChannelsHandler {
	return &ChannelsHandler{registry: registry, statuses: statuses}
}

func (h *ChannelsHandler) Register(e *echo.Echo) {
	group := e.Group("/channels")
	group.GET("", h.ListChannels)
	group.GET("/status", h.ListStatus)
}

// ListChannels returns the descriptors of every registered channel type.
func (h *ChannelsHandler) ListChannels(c echo.Context) error {
	return c.JSON(http.StatusOK, h.registry.ListDescriptors())
}

// ListStatus returns the supervisor's view of every connection.
func (h *ChannelsHandler) ListStatus(c echo.Context) error {
	if h.statuses == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "supervisor not running")
	}
	return c.JSON(http.StatusOK, h.statuses.Statuses())
}
