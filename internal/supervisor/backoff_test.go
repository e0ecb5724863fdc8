package supervisor

import (
	"testing"
	"time"
)

func TestBackoffCeilDoubles(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: time.Second, Cap: time.Minute}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, expected := range want {
		if got := b.Ceil(i + 1); got != expected {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, expected)
		}
	}
}

func TestBackoffCeilCapped(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: time.Second, Cap: 5 * time.Second}
	if got := b.Ceil(10); got != 5*time.Second {
		t.Fatalf("expected cap, got %v", got)
	}
	// Large attempt counts must not overflow past the cap.
	if got := b.Ceil(64); got != 5*time.Second {
		t.Fatalf("expected cap, got %v", got)
	}
}

func TestBackoffNextWithinCeil(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: 100 * time.Millisecond, Cap: time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		ceil := b.Ceil(attempt)
		for i := 0; i < 50; i++ {
			d := b.Next(attempt)
			if d <= 0 || d > ceil {
				t.Fatalf("attempt %d: delay %v outside (0, %v]", attempt, d, ceil)
			}
		}
	}
}

func TestBackoffZeroBaseDefaults(t *testing.T) {
	t.Parallel()

	b := Backoff{}
	if got := b.Ceil(1); got != time.Second {
		t.Fatalf("expected 1s default, got %v", got)
	}
}
