package model

// TickResult is what the engine reports upward after each host tick.
type TickResult string

const (
	TickBusy          TickResult = "BUSY"
	TickReady         TickResult = "READY"
	TickCancelSession TickResult = "CANCEL_SESSION"
)

// String returns the string representation of the tick result.
func (r TickResult) String() string {
	return string(r)
}

// AdapterState is the state of the scheduler adapter's tick state machine.
type AdapterState string

const (
	AdapterStateStopped       AdapterState = "STOPPED"
	AdapterStateUninitialized AdapterState = "UNINITIALIZED"
	AdapterStateJobsPending   AdapterState = "JOBS_PENDING"
	AdapterStateJobsActive    AdapterState = "JOBS_ACTIVE"
)

// String returns the string representation of the adapter state.
func (s AdapterState) String() string {
	return string(s)
}

// ValidAdapterTransitions defines the allowed adapter state transitions.
// Session start may move any state back to UNINITIALIZED and session stop
// may move any state to STOPPED.
var ValidAdapterTransitions = map[AdapterState][]AdapterState{
	AdapterStateStopped:       {AdapterStateUninitialized},
	AdapterStateUninitialized: {AdapterStateJobsPending, AdapterStateUninitialized, AdapterStateStopped},
	AdapterStateJobsPending:   {AdapterStateJobsActive, AdapterStateUninitialized, AdapterStateStopped},
	AdapterStateJobsActive:    {AdapterStateUninitialized, AdapterStateStopped},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s AdapterState) CanTransitionTo(next AdapterState) bool {
	for _, allowed := range ValidAdapterTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// JobState is the farm-side state of a remote job.
type JobState string

const (
	JobStateActive  JobState = "active"
	JobStateAborted JobState = "aborted"
)

// IsTerminal returns true if the job no longer accepts frame activations.
func (s JobState) IsTerminal() bool {
	return s == JobStateAborted
}

// FrameState is the farm-side state of one frame of a remote job.
type FrameState string

const (
	FrameStatePending FrameState = "pending"
	FrameStateQueued  FrameState = "queued"
	FrameStateRunning FrameState = "running"
	FrameStateDone    FrameState = "done"
)

// Status converts the frame state into the wire representation.
func (s FrameState) Status(index int) FrameStatus {
	return FrameStatus{
		Index:     index,
		IsValid:   s != "",
		IsRunning: s == FrameStateRunning,
		IsDone:    s == FrameStateDone,
	}
}
