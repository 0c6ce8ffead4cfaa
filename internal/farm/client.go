// Package farm is the boundary to the remote job system. The engine only
// sees the Client interface; RPCClient speaks JSON-RPC 1.1 to a farm
// service such as the one in internal/farmsim.
package farm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/me/farmsync/pkg/model"
)

// RPC method names exposed by a farm service.
const (
	MethodSubmitJobs      = "Farm.submit_jobs"
	MethodSetActiveFrames = "Farm.set_active_frames"
	MethodQueryFrames     = "Farm.query_frames"
	MethodAbortJob        = "Farm.abort_job"
	MethodListJobs        = "Farm.list_jobs"
)

// Client is everything the aggregation engine needs from the farm.
type Client interface {
	// SubmitJobBatch creates one remote job per descriptor in a single call.
	// Every returned entry echoes the correlation ID of its descriptor.
	SubmitJobBatch(ctx context.Context, jobs []model.JobDescriptor) ([]model.SubmittedJob, error)

	// PushActiveFrameSet tells the farm which frames of jobID may run now.
	PushActiveFrameSet(ctx context.Context, jobID int, frames model.FrameSet, credential string) (bool, error)

	// QueryFrameStatus returns the per-frame status list of jobID.
	QueryFrameStatus(ctx context.Context, jobID int) ([]model.FrameStatus, error)

	// DisableAndAbortJob stops jobID and aborts its running frames.
	DisableAndAbortJob(ctx context.Context, jobID int, credential string) error
}

// NewCredential returns a random credential string attached to every job a
// session creates. Job-control calls must present it.
func NewCredential() string {
	return "cred_" + uuid.New().String()
}

// NewCorrelationID returns a client-generated ID echoed back by the farm.
func NewCorrelationID() string {
	return "corr_" + uuid.New().String()[:13]
}

// ListJobsParams is the parameter object of Farm.list_jobs.
type ListJobsParams struct {
	BatchName string         `json:"batch_name,omitempty"`
	State     model.JobState `json:"state,omitempty"`
	Limit     int            `json:"limit,omitempty"`
	Offset    int            `json:"offset,omitempty"`
}

// RPCClient implements Client on top of an RPCCaller.
type RPCClient struct {
	caller RPCCaller
}

// NewRPCClient wraps caller.
func NewRPCClient(caller RPCCaller) *RPCClient {
	return &RPCClient{caller: caller}
}

// SubmitJobBatch calls Farm.submit_jobs.
func (c *RPCClient) SubmitJobBatch(ctx context.Context, jobs []model.JobDescriptor) ([]model.SubmittedJob, error) {
	result, err := c.caller.Call(ctx, MethodSubmitJobs, []any{jobs})
	if err != nil {
		return nil, fmt.Errorf("submit_jobs: %w", err)
	}
	var submitted []model.SubmittedJob
	if err := json.Unmarshal(result, &submitted); err != nil {
		return nil, fmt.Errorf("parse submit_jobs response: %w", err)
	}
	return submitted, nil
}

// PushActiveFrameSet calls Farm.set_active_frames.
func (c *RPCClient) PushActiveFrameSet(ctx context.Context, jobID int, frames model.FrameSet, credential string) (bool, error) {
	result, err := c.caller.Call(ctx, MethodSetActiveFrames, []any{jobID, frames, credential})
	if err != nil {
		return false, fmt.Errorf("job %d: set_active_frames: %w", jobID, err)
	}
	var ok bool
	if err := json.Unmarshal(result, &ok); err != nil {
		return false, fmt.Errorf("job %d: parse set_active_frames response: %w", jobID, err)
	}
	return ok, nil
}

// QueryFrameStatus calls Farm.query_frames.
func (c *RPCClient) QueryFrameStatus(ctx context.Context, jobID int) ([]model.FrameStatus, error) {
	result, err := c.caller.Call(ctx, MethodQueryFrames, []any{jobID})
	if err != nil {
		return nil, fmt.Errorf("job %d: query_frames: %w", jobID, err)
	}
	var frames []model.FrameStatus
	if err := json.Unmarshal(result, &frames); err != nil {
		return nil, fmt.Errorf("job %d: parse query_frames response: %w", jobID, err)
	}
	return frames, nil
}

// DisableAndAbortJob calls Farm.abort_job.
func (c *RPCClient) DisableAndAbortJob(ctx context.Context, jobID int, credential string) error {
	if _, err := c.caller.Call(ctx, MethodAbortJob, []any{jobID, credential}); err != nil {
		return fmt.Errorf("job %d: abort_job: %w", jobID, err)
	}
	return nil
}

// ListJobs calls Farm.list_jobs. It is not part of Client; only tooling uses it.
func (c *RPCClient) ListJobs(ctx context.Context, params ListJobsParams) ([]model.Job, error) {
	result, err := c.caller.Call(ctx, MethodListJobs, []any{params})
	if err != nil {
		return nil, fmt.Errorf("list_jobs: %w", err)
	}
	var jobs []model.Job
	if err := json.Unmarshal(result, &jobs); err != nil {
		return nil, fmt.Errorf("parse list_jobs response: %w", err)
	}
	return jobs, nil
}
