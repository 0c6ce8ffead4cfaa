// Package farmsim is an emulated render farm. It stores jobs and frames in
// SQLite and serves the farm's JSON-RPC protocol over HTTP so the engine can
// be exercised end to end without a real farm.
package farmsim

import (
	"context"
	"errors"

	"github.com/me/farmsync/pkg/model"
)

var (
	// ErrJobNotFound is returned for an unknown job ID.
	ErrJobNotFound = errors.New("job not found")

	// ErrBadCredential is returned when a job-control call presents the
	// wrong credential.
	ErrBadCredential = errors.New("credential does not match job")

	// ErrJobNotAccepting is returned when frames are activated on an
	// aborted job.
	ErrJobNotAccepting = errors.New("job no longer accepts frames")
)

// Store defines the persistence layer of the emulated farm.
type Store interface {
	// CreateJob stores a job and one pending frame per frame number. A
	// descriptor whose correlation ID is already known returns the
	// existing job's ID with created=false.
	CreateJob(ctx context.Context, desc model.JobDescriptor) (id int, created bool, err error)
	GetJob(ctx context.Context, id int) (*model.Job, error)
	ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error)

	// SetActiveFrames queues the pending frames among frames. Frames
	// outside the job's range are ignored. It returns how many were queued.
	SetActiveFrames(ctx context.Context, id int, frames []int, credential string) (int, error)
	FrameStatuses(ctx context.Context, id int) ([]model.FrameStatus, error)

	// AdvanceFrames finishes up to n running frames, then starts up to n
	// queued frames. Aborted jobs do not progress.
	AdvanceFrames(ctx context.Context, id int, n int) error
	AbortJob(ctx context.Context, id int, credential string) error

	Close() error
	Migrate(ctx context.Context) error
}
