// Package channelchecker reports channel connection health from supervisor
// state snapshots.
package channelchecker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relaymux/relaymux/internal/healthcheck"
	"github.com/relaymux/relaymux/internal/supervisor"
)

const checkTypeConnection = "channel.connection"

// StatusSource reads runtime channel connection statuses. The supervisor
// implements this.
type StatusSource interface {
	Statuses() []supervisor.ConnectionStatus
}

// Checker evaluates channel connection health checks.
type Checker struct {
	logger *slog.Logger
	source StatusSource
}

// NewChecker creates a channel connection health checker.
func NewChecker(log *slog.Logger, source StatusSource) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger: log.With(slog.String("checker", "healthcheck_channel")),
		source: source,
	}
}

// ListChecks maps every supervised connection to one check result.
func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if err := ctx.Err(); err != nil {
		return []healthcheck.CheckResult{}
	}
	if c.source == nil {
		c.logger.Warn("channel healthcheck dependency is unavailable")
		return []healthcheck.CheckResult{{
			ID:      checkTypeConnection + ".source",
			Type:    checkTypeConnection,
			Status:  healthcheck.StatusWarn,
			Summary: "Connection status source is not available.",
		}}
	}

	statuses := c.source.Statuses()
	results := make([]healthcheck.CheckResult, 0, len(statuses))
	for _, status := range statuses {
		results = append(results, healthcheck.CheckResult{
			ID:      fmt.Sprintf("%s.%s", checkTypeConnection, status.Channel),
			Type:    checkTypeConnection,
			Status:  statusFor(status.State),
			Summary: fmt.Sprintf("Channel %s is %s.", status.Channel, status.State),
			Detail:  status.LastError,
			Metadata: map[string]any{
				"channel":    status.Channel.String(),
				"state":      string(status.State),
				"attempts":   status.Attempts,
				"updated_at": status.UpdatedAt,
			},
		})
	}
	return results
}

func statusFor(state supervisor.State) string {
	switch state {
	case supervisor.StateConnected:
		return healthcheck.StatusOK
	case supervisor.StateConnecting, supervisor.StateDegraded:
		return healthcheck.StatusWarn
	case supervisor.StateDisconnected, supervisor.StateClosing:
		return healthcheck.StatusError
	default:
		return healthcheck.StatusUnknown
	}
}
