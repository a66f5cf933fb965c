package agent

import (
	"errors"
	"fmt"
)

// ErrEmptyResponse is returned when the reasoning backend replies with
// neither text nor tool calls.
var ErrEmptyResponse = errors.New("reasoning backend returned an empty response")

// ErrBusy is returned when a session or the whole store cannot be
// changed because a run is in progress.
var ErrBusy = errors.New("a run is in progress")

// ReasoningError wraps a failed reasoning call. The loop does not
// recover from it: the run ends and the error goes to the caller.
type ReasoningError struct {
	SessionID string
	Iteration int
	Err       error
}

// Error implements the error interface.
func (e *ReasoningError) Error() string {
	return fmt.Sprintf("reasoning call %d for session %s: %v", e.Iteration, e.SessionID, e.Err)
}

// Unwrap returns the underlying provider error.
func (e *ReasoningError) Unwrap() error { return e.Err }
