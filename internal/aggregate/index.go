package aggregate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/me/farmsync/internal/farm"
	"github.com/me/farmsync/pkg/model"
)

// DefaultCallTimeout bounds every farm call made by the index.
const DefaultCallTimeout = 30 * time.Second

// Environment variables attached to every job, derived from the seeding item.
const (
	EnvItemName  = "FS_ITEM_NAME"
	EnvItemIndex = "FS_ITEM_INDEX"
	EnvItemID    = "FS_ITEM_ID"
	EnvNode      = "FS_NODE"
	EnvSession   = "FS_SESSION"
)

// StatusCallbacks receives per-item status changes pulled from the farm.
type StatusCallbacks interface {
	OnItemStartedRunning(itemID int)
	OnItemSucceeded(itemID int)
}

// SubmitResult describes one Submit call.
type SubmitResult struct {
	Skipped   bool // gate was closed; nothing was examined
	Submitted int  // jobs created by this call
}

// PushResult describes one PushActivations call.
type PushResult struct {
	Skipped    bool // inside the debounce window
	Groups     int
	Frames     int
	Failed     int
	OutOfRange int // frames dropped for lying outside their job's range
	Errors     []error
}

// Stats aggregates frame counts from one PullStatus call.
type Stats struct {
	Skipped   bool // inside the debounce window
	Total     int
	Activated int
	Running   int
	Done      int
	Failed    int
}

// Option configures an Index.
type Option func(*Index)

// WithClock replaces time.Now for debounce bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(x *Index) { x.now = now }
}

// WithCallTimeout bounds each individual farm call.
func WithCallTimeout(d time.Duration) Option {
	return func(x *Index) { x.callTimeout = d }
}

// WithIDSource replaces the credential and correlation ID generators.
func WithIDSource(credential, correlation func() string) Option {
	return func(x *Index) {
		x.newCredential = credential
		x.newCorrelationID = correlation
	}
}

// Index is the aggregation index: it owns the session's task groups and
// runs the submit, push and pull protocols against the farm.
type Index struct {
	client farm.Client
	logger *slog.Logger

	now              func() time.Time
	callTimeout      time.Duration
	newCredential    func() string
	newCorrelationID func() string

	session             *model.Session
	groups              []*TaskGroup
	newGroupSinceSubmit bool
	lastPush            time.Time
	lastPull            time.Time
	credential          string
}

// NewIndex creates an empty index bound to client.
func NewIndex(client farm.Client, logger *slog.Logger, opts ...Option) *Index {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	x := &Index{
		client:           client,
		logger:           logger.With("component", "aggregate"),
		now:              time.Now,
		callTimeout:      DefaultCallTimeout,
		newCredential:    farm.NewCredential,
		newCorrelationID: farm.NewCorrelationID,
		session:          &model.Session{},
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Reset drops every group, both debounce timers and the credential, and
// binds the index to session.
func (x *Index) Reset(session *model.Session) {
	if session == nil {
		session = &model.Session{}
	}
	x.session = session
	x.groups = nil
	x.newGroupSinceSubmit = false
	x.lastPush = time.Time{}
	x.lastPull = time.Time{}
	x.credential = ""
}

// Session returns the session the index is bound to.
func (x *Index) Session() *model.Session { return x.session }

// Groups returns the groups in creation order.
func (x *Index) Groups() []*TaskGroup {
	out := make([]*TaskGroup, len(x.groups))
	copy(out, x.groups)
	return out
}

// Credential returns the session credential, or "" before the first submit.
func (x *Index) Credential() string { return x.credential }

// EnsureGroup returns the group item belongs to, creating it on first sight.
func (x *Index) EnsureGroup(item model.WorkItem) *TaskGroup {
	item.Owner = item.Owner.Normalize()
	kind := item.ResolvedKind()
	for _, g := range x.groups {
		if g.matches(item, kind) {
			return g
		}
	}

	env := item.Env.Merge(model.NewMetadata(
		model.Pair{Name: EnvItemName, Value: item.Name},
		model.Pair{Name: EnvItemIndex, Value: strconv.Itoa(item.Index)},
		model.Pair{Name: EnvItemID, Value: strconv.Itoa(item.ID)},
		model.Pair{Name: EnvNode, Value: item.Owner.Node},
		model.Pair{Name: EnvSession, Value: x.session.ID},
	))
	custom := model.NewMetadata(
		model.Pair{Name: "farmsync.owner", Value: item.Owner.String()},
		model.Pair{Name: "farmsync.kind", Value: kind.String()},
		model.Pair{Name: "farmsync.session", Value: x.session.Name},
	)

	g := newTaskGroup(item.Owner, kind, x.newCorrelationID(), env, custom)
	if kind == model.KindSingleInvocation {
		// The first ID is part of the key for single invocations.
		g.RecordSeen(item)
	}
	x.groups = append(x.groups, g)
	x.newGroupSinceSubmit = true

	x.logger.Debug("group created", "owner", item.Owner.String(), "kind", kind, "item_id", item.ID)
	return g
}

// RecordSeen widens the bounds of item's group. It always returns true.
func (x *Index) RecordSeen(item model.WorkItem) bool {
	x.EnsureGroup(item).RecordSeen(item)
	return true
}

// Activate queues item for the next push. It always returns true.
func (x *Index) Activate(item model.WorkItem) bool {
	x.EnsureGroup(item).Activate(item)
	return true
}

// Submit creates remote jobs for every changed group that has none yet, in
// one batch. It does nothing unless a group was created since the previous
// call. On failure every changed flag stays set so the next call retries.
func (x *Index) Submit(ctx context.Context) (SubmitResult, error) {
	if !x.newGroupSinceSubmit {
		return SubmitResult{Skipped: true}, nil
	}
	// Groups created while this call runs are handled by the next one.
	x.newGroupSinceSubmit = false

	if x.credential == "" {
		x.credential = x.newCredential()
	}

	var (
		batch    []model.JobDescriptor
		included []*TaskGroup
	)
	for _, g := range x.groups {
		if !g.change || g.remoteJobID != 0 {
			continue
		}
		batch = append(batch, x.describe(g))
		included = append(included, g)
	}
	if len(batch) == 0 {
		return SubmitResult{}, nil
	}

	x.logger.Info("submitting job batch", "jobs", len(batch), "session", x.session.ID)

	callCtx, cancel := context.WithTimeout(ctx, x.callTimeout)
	defer cancel()
	submitted, err := x.client.SubmitJobBatch(callCtx, batch)
	if err != nil {
		x.newGroupSinceSubmit = true
		return SubmitResult{}, fmt.Errorf("submit batch of %d jobs: %w", len(batch), err)
	}

	jobIDs, err := correlate(included, submitted)
	if err != nil {
		x.newGroupSinceSubmit = true
		return SubmitResult{}, err
	}
	for i, g := range included {
		g.remoteJobID = jobIDs[i]
		g.jobFirst, g.jobLast = g.minID, g.maxID
		g.change = false
		x.logger.Info("job created", "owner", g.owner.String(), "job_id", g.remoteJobID,
			"first_frame", g.minID, "last_frame", g.maxID)
	}
	return SubmitResult{Submitted: len(included)}, nil
}

// correlate maps the farm's response onto groups by correlation ID. Nothing
// is applied unless every group gets exactly one valid job ID.
func correlate(groups []*TaskGroup, submitted []model.SubmittedJob) ([]int, error) {
	if len(submitted) != len(groups) {
		return nil, fmt.Errorf("%w: sent %d descriptors, got %d job IDs", model.ErrBatchMismatch, len(groups), len(submitted))
	}
	byCorrelation := make(map[string]int, len(submitted))
	for _, s := range submitted {
		if s.JobID <= 0 {
			return nil, fmt.Errorf("%w: invalid job ID %d for %s", model.ErrBatchMismatch, s.JobID, s.CorrelationID)
		}
		if _, dup := byCorrelation[s.CorrelationID]; dup {
			return nil, fmt.Errorf("%w: duplicate correlation ID %s", model.ErrBatchMismatch, s.CorrelationID)
		}
		byCorrelation[s.CorrelationID] = s.JobID
	}
	ids := make([]int, len(groups))
	for i, g := range groups {
		id, ok := byCorrelation[g.correlationID]
		if !ok {
			return nil, fmt.Errorf("%w: no job ID for %s", model.ErrBatchMismatch, g.correlationID)
		}
		ids[i] = id
	}
	return ids, nil
}

// describe builds the job descriptor for g.
func (x *Index) describe(g *TaskGroup) model.JobDescriptor {
	d := x.session.Defaults
	desc := model.JobDescriptor{
		CorrelationID: g.correlationID,
		Name:          fmt.Sprintf("%s %d-%d", g.owner, g.minID, g.maxID),
		Label:         g.kind.String(),
		BatchName:     x.session.BatchName(),
		Pool:          d.Pool,
		Priority:      d.Priority,
		FirstFrame:    g.minID,
		LastFrame:     g.maxID,
		ChunkSize:     max(d.ChunkSize, 1),
		Kind:          g.kind,
		Env:           x.session.Env.Merge(g.env),
		Extra:         x.session.Custom.Merge(g.custom),
		Credential:    x.credential,
	}
	switch g.kind {
	case model.KindServerJob:
		desc.Priority = d.ServerPriority
	case model.KindSingleInvocation:
		desc.Name = g.owner.String()
		desc.ChunkSize = desc.FrameCount()
	}
	return desc
}

// due reports whether window has elapsed since *last and, if so, restarts
// the window. A zero *last counts as elapsed.
func (x *Index) due(last *time.Time, window time.Duration) bool {
	now := x.now()
	if !last.IsZero() && now.Sub(*last) < window {
		return false
	}
	*last = now
	return true
}

// PushActivations sends every group's queued frames to the farm, at most
// once per window. The queue is cleared whether or not the send succeeds;
// failures are logged and reported in the result, not retried. Groups
// without a remote job keep their queue until the job exists. Frames outside
// the job's range are never sent; they are logged and counted as OutOfRange.
func (x *Index) PushActivations(ctx context.Context, window time.Duration) (PushResult, error) {
	if !x.due(&x.lastPush, window) {
		return PushResult{Skipped: true}, nil
	}

	var res PushResult
	for _, g := range x.groups {
		if len(g.active) == 0 || g.remoteJobID == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		frames, outside := g.inJobRange(g.takeActive())
		if len(outside) > 0 {
			x.logger.Warn("activations outside job range dropped", "owner", g.owner.String(), "job_id", g.remoteJobID,
				"first_frame", g.jobFirst, "last_frame", g.jobLast, "frames", outside)
			res.OutOfRange += len(outside)
		}
		if len(frames) == 0 {
			continue
		}
		set := model.NewFrameSet(g.jobFirst, frames)
		res.Groups++
		res.Frames += set.Len()

		callCtx, cancel := context.WithTimeout(ctx, x.callTimeout)
		ok, err := x.client.PushActiveFrameSet(callCtx, g.remoteJobID, set, x.credential)
		cancel()
		switch {
		case err != nil:
			err = &model.GroupError{Owner: g.owner, JobID: g.remoteJobID, Err: err}
			x.logger.Warn("push activations failed", "error", err, "frames", set.Len())
			res.Failed++
			res.Errors = append(res.Errors, err)
		case !ok:
			x.logger.Warn("farm rejected activations", "owner", g.owner.String(), "job_id", g.remoteJobID, "frames", set.Len())
			res.Failed++
		default:
			x.logger.Debug("activations pushed", "job_id", g.remoteJobID, "frames", set.Len())
		}
	}
	return res, nil
}

// PullStatus queries the farm for every group that was ever activated and
// reports running and finished frames through cb, at most once per window.
// Each frame is reported once per state. One group's failure does not stop
// the others.
func (x *Index) PullStatus(ctx context.Context, window time.Duration, cb StatusCallbacks) (Stats, error) {
	if !x.due(&x.lastPull, window) {
		return Stats{Skipped: true}, nil
	}

	var stats Stats
	for _, g := range x.groups {
		if !g.EverActivated() || g.remoteJobID == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		callCtx, cancel := context.WithTimeout(ctx, x.callTimeout)
		frames, err := x.client.QueryFrameStatus(callCtx, g.remoteJobID)
		cancel()
		if err != nil {
			x.logger.Warn("pull status failed", "error", &model.GroupError{Owner: g.owner, JobID: g.remoteJobID, Err: err})
			stats.Failed++
			continue
		}

		stats.Activated += g.ActivatedCount()
		for _, f := range frames {
			if !f.IsValid {
				continue
			}
			stats.Total++
			switch {
			case f.IsRunning:
				stats.Running++
				if g.markReported(f.Index, model.FrameStateRunning) {
					cb.OnItemStartedRunning(f.Index)
				}
			case f.IsDone:
				stats.Done++
				if g.markReported(f.Index, model.FrameStateDone) {
					cb.OnItemSucceeded(f.Index)
				}
			}
		}
	}

	x.logger.Debug("status pulled", "total", stats.Total, "activated", stats.Activated,
		"running", stats.Running, "done", stats.Done, "failed", stats.Failed)
	return stats, nil
}

// AbortAll disables and aborts the remote job of every group that has one.
// It keeps going after a failure and returns the failures joined. A job the
// farm no longer knows counts as aborted.
func (x *Index) AbortAll(ctx context.Context) error {
	var errs []error
	for _, g := range x.groups {
		if g.remoteJobID == 0 {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, x.callTimeout)
		err := x.client.DisableAndAbortJob(callCtx, g.remoteJobID, x.credential)
		cancel()
		if farm.IsNotFound(err) {
			x.logger.Info("job already gone", "owner", g.owner.String(), "job_id", g.remoteJobID)
			continue
		}
		if err != nil {
			err = &model.GroupError{Owner: g.owner, JobID: g.remoteJobID, Err: err}
			x.logger.Error("abort job failed", "error", err)
			errs = append(errs, err)
			continue
		}
		x.logger.Info("job aborted", "owner", g.owner.String(), "job_id", g.remoteJobID)
	}
	return errors.Join(errs...)
}
