package model

import (
	"errors"
	"fmt"
)

var (
	// ErrMetadataMismatch is returned when parallel name/value slices differ in length.
	ErrMetadataMismatch = errors.New("metadata names and values differ in length")

	// ErrBatchMismatch is returned when a batch submission response cannot be
	// correlated with the descriptors that were sent.
	ErrBatchMismatch = errors.New("batch response does not match submitted jobs")

	// ErrNoSession is returned when an event arrives before any session started.
	ErrNoSession = errors.New("no scheduling session has started")
)

// Phase names a step of the adapter's tick.
type Phase string

const (
	PhaseGraphQuery Phase = "graph_query"
	PhaseSubmit     Phase = "submit"
	PhasePush       Phase = "push"
	PhasePull       Phase = "pull"
	PhaseAbort      Phase = "abort"
)

// PhaseError wraps an error with the tick phase it came from.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

// Unwrap returns the underlying error.
func (e *PhaseError) Unwrap() error {
	return e.Err
}

// IsStructural reports whether the error came from a phase whose failure
// invalidates the whole session (graph query or job creation).
func (e *PhaseError) IsStructural() bool {
	return e.Phase == PhaseGraphQuery || e.Phase == PhaseSubmit
}

// PhaseOf returns the phase of the first PhaseError in err's chain.
func PhaseOf(err error) (Phase, bool) {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Phase, true
	}
	return "", false
}

// GroupError records a farm failure for a single task group.
type GroupError struct {
	Owner OwnerKey
	JobID int
	Err   error
}

func (e *GroupError) Error() string {
	return fmt.Sprintf("group %s (job %d): %v", e.Owner, e.JobID, e.Err)
}

// Unwrap returns the underlying error.
func (e *GroupError) Unwrap() error {
	return e.Err
}
