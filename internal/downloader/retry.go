package downloader

import (
	"slices"
	"time"
)

// SegmentState is a state of the per-segment retry machine
type SegmentState int

const (
	StateFetching SegmentState = iota
	StateRetrying
	StateRefreshingSession
	StateFailed
	StateSucceeded
)

func (s SegmentState) String() string {
	switch s {
	case StateFetching:
		return "fetching"
	case StateRetrying:
		return "retrying"
	case StateRefreshingSession:
		return "refreshing_session"
	case StateFailed:
		return "failed"
	case StateSucceeded:
		return "succeeded"
	default:
		return "unknown"
	}
}

// Outcome is the result of one fetch attempt
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeNotFound
	OutcomeError
)

// RetryPolicy configures the segment retry machine
type RetryPolicy struct {
	MaxRetries     int
	RetryDelay     time.Duration
	AttemptTimeout time.Duration
	// RefreshAfter lists failure counts that trigger a session refresh
	RefreshAfter []int
}

// DefaultRetryPolicy returns 9 retries 5s apart, a 20s attempt timeout and session
// refreshes after the 3rd and 6th failure.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     9,
		RetryDelay:     5 * time.Second,
		AttemptTimeout: 20 * time.Second,
		RefreshAfter:   []int{3, 6},
	}
}

// Transition is the next state and how long to wait before entering it
type Transition struct {
	State SegmentState
	Delay time.Duration
}

// NextState decides what follows an attempt. failures counts failed attempts for
// the segment so far, including this one.
func NextState(failures int, outcome Outcome, policy RetryPolicy) Transition {
	switch {
	case outcome == OutcomeSuccess:
		return Transition{State: StateSucceeded}
	case failures > policy.MaxRetries:
		return Transition{State: StateFailed}
	case outcome == OutcomeNotFound:
		// The session was revoked; waiting would not help
		return Transition{State: StateRefreshingSession}
	case slices.Contains(policy.RefreshAfter, failures):
		return Transition{State: StateRefreshingSession, Delay: policy.RetryDelay}
	default:
		return Transition{State: StateRetrying, Delay: policy.RetryDelay}
	}
}
