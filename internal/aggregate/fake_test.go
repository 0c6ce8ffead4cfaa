package aggregate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/me/farmsync/pkg/model"
)

// fakeFarm records every call and returns pre-configured responses.
type fakeFarm struct {
	nextJobID int

	submitCalls [][]model.JobDescriptor
	submitErr   error
	// submitResponse, if set, replaces the generated response.
	submitResponse func(jobs []model.JobDescriptor) []model.SubmittedJob

	pushCalls []pushCall
	pushErr   map[int]error
	pushOK    bool

	queryCalls []int
	queryErr   map[int]error
	status     map[int][]model.FrameStatus

	aborted  []int
	abortErr map[int]error
}

type pushCall struct {
	JobID      int
	Frames     model.FrameSet
	Credential string
}

func newFakeFarm() *fakeFarm {
	return &fakeFarm{
		nextJobID: 100,
		pushErr:   map[int]error{},
		pushOK:    true,
		queryErr:  map[int]error{},
		status:    map[int][]model.FrameStatus{},
		abortErr:  map[int]error{},
	}
}

func (f *fakeFarm) SubmitJobBatch(_ context.Context, jobs []model.JobDescriptor) ([]model.SubmittedJob, error) {
	f.submitCalls = append(f.submitCalls, jobs)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if f.submitResponse != nil {
		return f.submitResponse(jobs), nil
	}
	out := make([]model.SubmittedJob, len(jobs))
	for i, j := range jobs {
		f.nextJobID++
		out[i] = model.SubmittedJob{CorrelationID: j.CorrelationID, JobID: f.nextJobID}
	}
	return out, nil
}

func (f *fakeFarm) PushActiveFrameSet(_ context.Context, jobID int, frames model.FrameSet, credential string) (bool, error) {
	f.pushCalls = append(f.pushCalls, pushCall{JobID: jobID, Frames: frames, Credential: credential})
	if err := f.pushErr[jobID]; err != nil {
		return false, err
	}
	return f.pushOK, nil
}

func (f *fakeFarm) QueryFrameStatus(_ context.Context, jobID int) ([]model.FrameStatus, error) {
	f.queryCalls = append(f.queryCalls, jobID)
	if err := f.queryErr[jobID]; err != nil {
		return nil, err
	}
	return f.status[jobID], nil
}

func (f *fakeFarm) DisableAndAbortJob(_ context.Context, jobID int, _ string) error {
	f.aborted = append(f.aborted, jobID)
	return f.abortErr[jobID]
}

// recorder collects status callbacks.
type recorder struct {
	started   []int
	succeeded []int
}

func (r *recorder) OnItemStartedRunning(id int) { r.started = append(r.started, id) }
func (r *recorder) OnItemSucceeded(id int)      { r.succeeded = append(r.succeeded, id) }

// fakeClock is a manually advanced clock.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time           { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestIndex returns an index over a fresh fake farm with a fake clock
// and deterministic IDs.
func newTestIndex() (*Index, *fakeFarm, *fakeClock) {
	ff := newFakeFarm()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	seq := 0
	x := NewIndex(ff, testLogger(),
		WithClock(clock.Now),
		WithIDSource(
			func() string { return "cred-test" },
			func() string { seq++; return fmt.Sprintf("corr-%d", seq) },
		),
	)
	x.Reset(&model.Session{ID: "ses_test", Name: "shot010", Defaults: model.JobDefaults{
		Pool: "render", Priority: 50, ServerPriority: 90, ChunkSize: 1,
	}})
	return x, ff, clock
}

func item(node string, id int) model.WorkItem {
	return model.WorkItem{
		ID:    id,
		Owner: model.OwnerKey{Node: node, Category: model.CategoryNone},
		Kind:  model.KindRegular,
		Index: id,
		Name:  fmt.Sprintf("%s_%d", node, id),
	}
}
