// Package adapter exposes the aggregation engine to a host scheduler as a
// tick-driven state machine.
package adapter

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/me/farmsync/internal/aggregate"
	"github.com/me/farmsync/pkg/model"
)

// Host is the part of the host scheduler the adapter calls back into.
type Host interface {
	// DependencyGraph returns every work item the host knows about.
	DependencyGraph(ctx context.Context) (model.Graph, error)

	aggregate.StatusCallbacks
}

// Config holds adapter configuration.
type Config struct {
	PushWindow time.Duration
	PullWindow time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PushWindow: 10 * time.Second,
		PullWindow: 10 * time.Second,
	}
}

// Adapter drives an aggregate.Index from host events. Like the index it is
// not safe for concurrent use.
type Adapter struct {
	host   Host
	index  *aggregate.Index
	config Config
	logger *slog.Logger

	state   model.AdapterState
	lastErr error
	last    TickStats
}

// TickStats summarises the farm traffic of the most recent active tick.
type TickStats struct {
	Submit aggregate.SubmitResult
	Push   aggregate.PushResult
	Pull   aggregate.Stats
}

// New creates an adapter in the STOPPED state. A nil logger discards.
func New(host Host, index *aggregate.Index, cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Adapter{
		host:   host,
		index:  index,
		config: cfg,
		logger: logger.With("component", "adapter"),
		state:  model.AdapterStateStopped,
	}
}

// State returns the current state.
func (a *Adapter) State() model.AdapterState { return a.state }

// LastError returns the error that caused the most recent CANCEL_SESSION,
// or nil.
func (a *Adapter) LastError() error { return a.lastErr }

// LastTick returns the farm traffic summary of the most recent active tick.
func (a *Adapter) LastTick() TickStats { return a.last }

// Index returns the underlying aggregation index.
func (a *Adapter) Index() *aggregate.Index { return a.index }

// OnSessionStart resets the index for session and returns to UNINITIALIZED.
func (a *Adapter) OnSessionStart(session *model.Session) {
	a.index.Reset(session)
	a.lastErr = nil
	a.last = TickStats{}
	a.transition(model.AdapterStateUninitialized)
	s := a.index.Session()
	a.logger.Info("session started", "session", s.ID, "name", s.Name)
}

// OnItemReady queues item for activation on the farm.
func (a *Adapter) OnItemReady(item model.WorkItem) error {
	if a.state == model.AdapterStateStopped {
		return model.ErrNoSession
	}
	a.index.Activate(item)
	return nil
}

// OnTick advances the state machine by one step.
func (a *Adapter) OnTick(ctx context.Context) model.TickResult {
	switch a.state {
	case model.AdapterStateUninitialized:
		return a.initialize(ctx)
	case model.AdapterStateJobsActive:
		return a.sync(ctx)
	default:
		// STOPPED has nothing to do; JOBS_PENDING only exists inside initialize.
		return model.TickBusy
	}
}

// initialize snapshots the host graph and creates the first batch of jobs.
func (a *Adapter) initialize(ctx context.Context) model.TickResult {
	graph, err := a.host.DependencyGraph(ctx)
	if err != nil {
		return a.fail(model.PhaseGraphQuery, err)
	}
	if graph.IsEmpty() {
		a.logger.Debug("dependency graph empty, waiting")
		return model.TickBusy
	}

	for _, item := range graph.Items {
		a.index.RecordSeen(item)
	}

	a.transition(model.AdapterStateJobsPending)
	res, err := a.index.Submit(ctx)
	if err != nil {
		a.transition(model.AdapterStateUninitialized)
		return a.fail(model.PhaseSubmit, err)
	}
	a.last = TickStats{Submit: res}
	a.transition(model.AdapterStateJobsActive)

	a.logger.Info("jobs created", "items", len(graph.Items), "groups", len(a.index.Groups()), "submitted", res.Submitted)
	return model.TickBusy
}

// sync creates jobs for groups discovered since the last tick, then pushes
// activations and pulls status.
func (a *Adapter) sync(ctx context.Context) model.TickResult {
	submitRes, err := a.index.Submit(ctx)
	if err != nil {
		return a.fail(model.PhaseSubmit, err)
	}

	pushRes, err := a.index.PushActivations(ctx, a.config.PushWindow)
	if err != nil {
		return a.fail(model.PhasePush, err)
	}

	stats, err := a.index.PullStatus(ctx, a.config.PullWindow, a.host)
	if err != nil {
		return a.fail(model.PhasePull, err)
	}

	a.last = TickStats{Submit: submitRes, Push: pushRes, Pull: stats}
	return model.TickReady
}

// OnSessionStop aborts every remote job when the host cancelled the session.
func (a *Adapter) OnSessionStop(ctx context.Context, cancelRequested bool) error {
	defer a.transition(model.AdapterStateStopped)
	if !cancelRequested {
		a.logger.Info("session stopped")
		return nil
	}
	a.logger.Info("session cancelled, aborting jobs", "groups", len(a.index.Groups()))
	if err := a.index.AbortAll(ctx); err != nil {
		return &model.PhaseError{Phase: model.PhaseAbort, Err: err}
	}
	return nil
}

func (a *Adapter) fail(phase model.Phase, err error) model.TickResult {
	pe := &model.PhaseError{Phase: phase, Err: err}
	a.lastErr = pe
	level := slog.LevelWarn
	if pe.IsStructural() {
		level = slog.LevelError
	}
	a.logger.Log(context.Background(), level, "tick failed, cancelling session",
		"phase", phase, "structural", pe.IsStructural(), "state", a.state, "error", err)
	return model.TickCancelSession
}

func (a *Adapter) transition(next model.AdapterState) {
	if a.state == next {
		return
	}
	if !a.state.CanTransitionTo(next) {
		a.logger.Warn("unexpected state transition", "from", a.state, "to", next)
	}
	a.logger.Debug("state transition", "from", a.state, "to", next)
	a.state = next
}
