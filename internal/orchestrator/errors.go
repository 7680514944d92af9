package orchestrator

import (
	"context"
	"errors"
)

// Sentinel errors used across the orchestrator components. Wrap with
// fmt.Errorf("...: %w", err) and classify with errors.Is.
var (
	// ErrTransient marks a failed or timed-out external provider call. The
	// affected worker logs it, restores its Idle status and the session
	// continues; there is no automatic retry at this layer.
	ErrTransient = errors.New("orchestrator: transient provider failure")

	// ErrQueueClosed is returned by queue operations after Close. Workers
	// treat it like context cancellation and exit their loops.
	ErrQueueClosed = errors.New("orchestrator: queue closed")

	// ErrNotRegistered is returned by registry operations referencing a tool
	// execution id that is unknown or already released.
	ErrNotRegistered = errors.New("orchestrator: tool execution not registered")

	// ErrStateViolation marks a broken session invariant, e.g. a second
	// concurrent agent runner. It is logged at Error level and the session
	// continues; its presence in logs indicates a bug.
	ErrStateViolation = errors.New("orchestrator: state violation")
)

// isCancellation reports whether err is a cooperative-cancellation outcome
// that should unwind quietly rather than be logged as a failure.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrQueueClosed)
}

// callStatus maps a provider call result onto the metrics status attribute.
func callStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isCancellation(err):
		return "cancelled"
	default:
		return "error"
	}
}
