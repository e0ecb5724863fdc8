// Package gatewaychecker reports the gateway hub's stream and backlog health.
package gatewaychecker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relaymux/relaymux/internal/gateway"
	"github.com/relaymux/relaymux/internal/healthcheck"
)

const checkTypeStream = "gateway.stream"

// HubSource reads hub runtime counters.
type HubSource interface {
	SubscriberCount() int
	NewestSeq() uint64
	// DroppedFrames is the cumulative slow-policy loss across subscribers.
	DroppedFrames() uint64
}

// Checker evaluates gateway stream and backlog checks.
type Checker struct {
	logger  *slog.Logger
	hub     HubSource
	backlog gateway.Backlog
}

// NewChecker creates a gateway health checker.
func NewChecker(log *slog.Logger, hub HubSource, backlog gateway.Backlog) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:  log.With(slog.String("checker", "healthcheck_gateway")),
		hub:     hub,
		backlog: backlog,
	}
}

// ListChecks reports subscriber and backlog window status.
func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if err := ctx.Err(); err != nil {
		return []healthcheck.CheckResult{}
	}
	if c.hub == nil {
		return []healthcheck.CheckResult{{
			ID:      checkTypeStream + ".hub",
			Type:    checkTypeStream,
			Status:  healthcheck.StatusWarn,
			Summary: "Gateway hub is not available.",
		}}
	}

	result := healthcheck.CheckResult{
		ID:      checkTypeStream + ".hub",
		Type:    checkTypeStream,
		Status:  healthcheck.StatusOK,
		Summary: fmt.Sprintf("%d subscriber(s) attached.", c.hub.SubscriberCount()),
		Metadata: map[string]any{
			"subscribers":    c.hub.SubscriberCount(),
			"newest_seq":     c.hub.NewestSeq(),
			"dropped_frames": c.hub.DroppedFrames(),
		},
	}
	if dropped := c.hub.DroppedFrames(); dropped > 0 {
		result.Status = healthcheck.StatusWarn
		result.Detail = fmt.Sprintf("%d frame(s) dropped by the slow-subscriber policy", dropped)
	}
	if c.backlog != nil {
		oldest, newest, err := c.backlog.Bounds(ctx)
		if err != nil {
			result.Status = healthcheck.StatusWarn
			result.Detail = fmt.Sprintf("backlog bounds: %v", err)
			c.logger.Warn("backlog bounds failed", slog.Any("error", err))
		} else {
			result.Metadata["backlog_oldest"] = oldest
			result.Metadata["backlog_newest"] = newest
		}
	}
	return []healthcheck.CheckResult{result}
}
