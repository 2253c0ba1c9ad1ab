package vfscore

import "fmt"

// taskState is the per-task dispatch state. Every task walks
// Pending -> InFlight -> (Succeeded | RetryPending -> InFlight ... | Failed),
// with the attempt counter and backoff durations carried alongside as plain
// values so the retry policy is testable without running a dispatcher.
type taskState int

const (
	statePending taskState = iota
	stateInFlight
	stateRetryPending
	stateSucceeded
	stateFailed
)

func (s taskState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateInFlight:
		return "in-flight"
	case stateRetryPending:
		return "retry-pending"
	case stateSucceeded:
		return "succeeded"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s taskState) terminal() bool {
	return s == stateSucceeded || s == stateFailed
}

// transition validates and performs a single state change.
func transition(from, to taskState) (taskState, error) {
	if !allowedTransition(from, to) {
		return from, fmt.Errorf("vfscore: disallowed task transition %s -> %s", from, to)
	}
	return to, nil
}

func allowedTransition(from, to taskState) bool {
	switch from {
	case statePending, stateRetryPending:
		return to == stateInFlight
	case stateInFlight:
		return to == stateSucceeded || to == stateFailed || to == stateRetryPending
	default:
		return false
	}
}
