package worker

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndStaysBounded(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := Backoff(attempt)
		if d < backoffBase {
			t.Fatalf("attempt %d: %v below base", attempt, d)
		}
		if d > backoffCap {
			t.Fatalf("attempt %d: %v above cap", attempt, d)
		}
		if d < prev && d != backoffCap {
			t.Fatalf("attempt %d: %v regressed below %v before the cap", attempt, d, prev)
		}
		prev = d
	}
}

func TestBackoffFirstAttemptRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := Backoff(1)
		if d < backoffBase || d >= backoffBase+backoffBase/2 {
			t.Fatalf("first delay out of range: %v", d)
		}
	}
}

func TestBackoffClampsBadInput(t *testing.T) {
	if d := Backoff(0); d < backoffBase {
		t.Fatalf("attempt 0: %v", d)
	}
	if d := Backoff(-3); d < backoffBase {
		t.Fatalf("negative attempt: %v", d)
	}
	if d := Backoff(50); d != backoffCap {
		t.Fatalf("huge attempt should hit the cap, got %v", d)
	}
}
