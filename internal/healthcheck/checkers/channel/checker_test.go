package channelchecker

import (
	"context"
	"testing"

	"github.com/relaymux/relaymux/internal/channel"
	"github.com/relaymux/relaymux/internal/healthcheck"
	"github.com/relaymux/relaymux/internal/supervisor"
)

type staticSource struct {
	statuses []supervisor.ConnectionStatus
}

func (s staticSource) Statuses() []supervisor.ConnectionStatus {
	return s.statuses
}

func TestListChecksMapsStates(t *testing.T) {
	t.Parallel()

	source := staticSource{statuses: []supervisor.ConnectionStatus{
		{Channel: channel.TypeTelegram, State: supervisor.StateConnected},
		{Channel: channel.TypeDiscord, State: supervisor.StateDegraded, LastError: "health check failed"},
		{Channel: channel.TypeSlack, State: supervisor.StateDisconnected, Attempts: 10},
	}}
	results := NewChecker(nil, source).ListChecks(context.Background())
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	byStatus := map[string]int{}
	for _, r := range results {
		byStatus[r.Status]++
	}
	if byStatus[healthcheck.StatusOK] != 1 || byStatus[healthcheck.StatusWarn] != 1 || byStatus[healthcheck.StatusError] != 1 {
		t.Fatalf("unexpected status mix: %+v", byStatus)
	}
	if results[1].Detail != "health check failed" {
		t.Fatalf("detail lost: %+v", results[1])
	}
}

func TestListChecksWithoutSource(t *testing.T) {
	t.Parallel()

	results := NewChecker(nil, nil).ListChecks(context.Background())
	if len(results) != 1 || results[0].Status != healthcheck.StatusWarn {
		t.Fatalf("expected single warn result, got %+v", results)
	}
}

func TestListChecksCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := NewChecker(nil, staticSource{}).ListChecks(ctx)
	if len(results) != 0 {
		t.Fatalf("expected no results, got %+v", results)
	}
}
