package healthcheck

import (
	"context"
	"testing"
)

type staticChecker struct {
	items []CheckResult
}

func (c staticChecker) ListChecks(context.Context) []CheckResult {
	return c.items
}

func TestRunnerRollsUpWorstStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		statuses []string
		want     string
	}{
		{name: "all ok", statuses: []string{StatusOK, StatusOK}, want: StatusOK},
		{name: "warn beats ok", statuses: []string{StatusOK, StatusWarn}, want: StatusWarn},
		{name: "error beats warn", statuses: []string{StatusWarn, StatusError, StatusOK}, want: StatusError},
		{name: "unknown beats ok", statuses: []string{StatusUnknown, StatusOK}, want: StatusUnknown},
		{name: "empty", statuses: nil, want: StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			items := make([]CheckResult, 0, len(tc.statuses))
			for i, s := range tc.statuses {
				items = append(items, CheckResult{ID: string(rune('a' + i)), Status: s})
			}
			report := NewRunner(staticChecker{items: items}).Run(context.Background())
			if report.Status != tc.want {
				t.Fatalf("status = %q, want %q", report.Status, tc.want)
			}
			if len(report.Checks) != len(items) {
				t.Fatalf("checks = %d, want %d", len(report.Checks), len(items))
			}
		})
	}
}

func TestRunnerSkipsNilCheckers(t *testing.T) {
	t.Parallel()

	report := NewRunner(nil, staticChecker{items: []CheckResult{{ID: "x", Status: StatusOK}}}).Run(context.Background())
	if len(report.Checks) != 1 {
		t.Fatalf("checks = %d, want 1", len(report.Checks))
	}
}
