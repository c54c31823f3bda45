// Package lockout implements the failure-window accounting that flips an
// account between unlocked and locked. The tracker is pure: it computes the
// next counter state from a snapshot and the store persists it in the same
// transaction as the failed check.
package lockout

import "time"

// Reason identifies which counter a failed attempt belongs to. Password and
// password-answer failures accumulate independently.
type Reason int

const (
	ReasonPassword Reason = iota
	ReasonAnswer
)

func (r Reason) String() string {
	if r == ReasonAnswer {
		return "answer"
	}
	return "password"
}

// Policy holds the lockout thresholds.
type Policy struct {
	MaxInvalidAttempts int
	AttemptWindow      time.Duration
}

// Counter is a failure counter snapshot for one reason.
type Counter struct {
	Count       int
	WindowStart time.Time
}

// Transition is the persisted outcome of one failed attempt.
type Transition struct {
	Counter Counter
	// Locked is true when this failure crossed the threshold and the account
	// must be locked with LockoutAt as its lockout timestamp.
	Locked    bool
	LockoutAt time.Time
}

// Fail computes the counter transition for one failed attempt at time now.
// A zero counter or an expired window starts a new window at count 1;
// otherwise the count increments, and reaching the threshold locks the
// account. The window is a single comparison against its start, not a
// sliding log, so the check stays O(1) with no history to trim.
func Fail(p Policy, c Counter, now time.Time) Transition {
	if c.Count == 0 || now.After(c.WindowStart.Add(p.AttemptWindow)) {
		return Transition{Counter: Counter{Count: 1, WindowStart: now}}
	}
	next := Counter{Count: c.Count + 1, WindowStart: c.WindowStart}
	if next.Count >= p.MaxInvalidAttempts {
		return Transition{Counter: next, Locked: true, LockoutAt: now}
	}
	return Transition{Counter: next}
}
