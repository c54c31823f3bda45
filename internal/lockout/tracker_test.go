package lockout

import (
	"testing"
	"time"
)

func testPolicy() Policy {
	return Policy{MaxInvalidAttempts: 5, AttemptWindow: 10 * time.Minute}
}

func TestFailuresWithinWindowLockAtThreshold(t *testing.T) {
	p := testPolicy()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	c := Counter{}
	for i := 1; i <= 4; i++ {
		tr := Fail(p, c, now.Add(time.Duration(i)*time.Minute))
		if tr.Locked {
			t.Fatalf("failure %d should not lock", i)
		}
		if tr.Counter.Count != i {
			t.Fatalf("failure %d: count = %d, want %d", i, tr.Counter.Count, i)
		}
		c = tr.Counter
	}

	tr := Fail(p, c, now.Add(5*time.Minute))
	if !tr.Locked {
		t.Fatalf("fifth failure within the window should lock")
	}
	if tr.Counter.Count != 5 {
		t.Fatalf("count = %d, want 5", tr.Counter.Count)
	}
	if !tr.LockoutAt.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("lockout time = %v, want failure time", tr.LockoutAt)
	}
}

func TestWindowResetsWhenExpired(t *testing.T) {
	p := testPolicy()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	c := Counter{}
	// Failures spaced past the window never accumulate beyond 1.
	for i := 0; i < 10; i++ {
		at := now.Add(time.Duration(i) * 11 * time.Minute)
		tr := Fail(p, c, at)
		if tr.Locked {
			t.Fatalf("spaced failure %d should not lock", i)
		}
		if tr.Counter.Count != 1 {
			t.Fatalf("spaced failure %d: count = %d, want 1", i, tr.Counter.Count)
		}
		if !tr.Counter.WindowStart.Equal(at) {
			t.Fatalf("spaced failure %d should start a new window", i)
		}
		c = tr.Counter
	}
}

func TestFailureAtExactWindowBoundaryCounts(t *testing.T) {
	p := testPolicy()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	// now == windowStart + window is still inside the window.
	tr := Fail(p, Counter{Count: 2, WindowStart: start}, start.Add(p.AttemptWindow))
	if tr.Counter.Count != 3 {
		t.Fatalf("count = %d, want 3", tr.Counter.Count)
	}
	if !tr.Counter.WindowStart.Equal(start) {
		t.Fatalf("window start should be preserved inside the window")
	}
}

func TestZeroCounterAlwaysStartsFresh(t *testing.T) {
	p := testPolicy()
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tr := Fail(p, Counter{Count: 0, WindowStart: old}, now)
	if tr.Counter.Count != 1 || !tr.Counter.WindowStart.Equal(now) {
		t.Fatalf("zero counter should reset to 1 at now, got %+v", tr.Counter)
	}
}
