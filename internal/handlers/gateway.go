package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/relaymux/relaymux/internal/auth"
	"github.com/relaymux/relaymux/internal/channel"
	"github.com/relaymux/relaymux/internal/gateway"
)

// GatewayHandler upgrades subscriber connections and hands them to the hub.
type GatewayHandler struct {
	logger   *slog.Logger
	hub      *gateway.Hub
	secret   string
	upgrader websocket.Upgrader
}

func NewGatewayHandler(log *slog.Logger, hub *gateway.Hub, secret string) *GatewayHandler {
	return &GatewayHandler{
		logger: log.With(slog.String("handler", "gateway")),
		hub:    hub,
		secret: secret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Subscribers are local processes, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *GatewayHandler) Register(e *echo.Echo) {
	e.GET("/gateway/ws", h.Subscribe)
}

// Subscribe authenticates a subscriber and serves its session until it
// disconnects. The optional channels query parameter restricts the stream
// to a comma-separated set of channel types.
func (h *GatewayHandler) Subscribe(c echo.Context) error {
	subject, err := h.authenticate(c)
	if err != nil {
		return err
	}

	var channels []channel.ChannelType
	if raw := strings.TrimSpace(c.QueryParam("channels")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part != "" {
				channels = append(channels, channel.ChannelType(part))
			}
		}
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	h.logger.Info("subscriber connected",
		slog.String("subject", subject),
		slog.Int("filters", len(channels)),
	)
	h.hub.Serve(c.Request().Context(), conn, channels)
	h.logger.Info("subscriber disconnected", slog.String("subject", subject))
	return nil
}

// authenticate checks the subscriber token from the Authorization header or
// the token query parameter. An empty configured secret disables auth for
// local-only deployments.
func (h *GatewayHandler) authenticate(c echo.Context) (string, error) {
	if strings.TrimSpace(h.secret) == "" {
		return "anonymous", nil
	}
	raw := strings.TrimSpace(c.QueryParam("token"))
	if raw == "" {
		header := c.Request().Header.Get("Authorization")
		raw = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	subject, err := auth.VerifyToken(raw, h.secret)
	if err != nil {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid subscriber token")
	}
	return subject, nil
}
