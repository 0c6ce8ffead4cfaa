package farmsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/me/farmsync/internal/farm"
	"github.com/me/farmsync/pkg/model"
)

// DefaultMaxFrames caps the frame count of a single job. Every frame is a
// row written in one transaction.
const DefaultMaxFrames = 100_000

// Service implements the farm's RPC methods on top of a Store.
type Service struct {
	store     Store
	progress  int
	maxFrames int
	logger    *slog.Logger
}

// ServiceOption configures optional Service settings.
type ServiceOption func(*Service)

// WithMaxFrames rejects job descriptors covering more than n frames.
// n <= 0 keeps DefaultMaxFrames.
func WithMaxFrames(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxFrames = n
		}
	}
}

// NewService creates a service. Each Farm.query_frames call advances the
// queried job by progress frames; 0 freezes the farm.
func NewService(st Store, progress int, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:     st,
		progress:  progress,
		maxFrames: DefaultMaxFrames,
		logger:    logger.With("component", "farm"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Call dispatches one RPC method. Errors are always *farm.RPCError.
func (s *Service) Call(ctx context.Context, method string, params json.RawMessage) (any, *farm.RPCError) {
	var args []json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, invalidParams("params must be an array: %v", err)
		}
	}

	var (
		result any
		err    error
	)
	switch method {
	case farm.MethodSubmitJobs:
		result, err = s.submitJobs(ctx, args)
	case farm.MethodSetActiveFrames:
		result, err = s.setActiveFrames(ctx, args)
	case farm.MethodQueryFrames:
		result, err = s.queryFrames(ctx, args)
	case farm.MethodAbortJob:
		result, err = s.abortJob(ctx, args)
	case farm.MethodListJobs:
		result, err = s.listJobs(ctx, args)
	default:
		return nil, &farm.RPCError{Name: "JSONRPCError", Code: farm.ErrCodeMethodNotFound, Message: "unknown method " + method}
	}
	if err != nil {
		return nil, toRPCError(err)
	}
	return result, nil
}

func (s *Service) submitJobs(ctx context.Context, args []json.RawMessage) ([]model.SubmittedJob, error) {
	var jobs []model.JobDescriptor
	if err := decodeArgs(args, &jobs); err != nil {
		return nil, err
	}
	for i, d := range jobs {
		if err := s.validateDescriptor(d); err != nil {
			return nil, invalidParams("job %d: %v", i, err)
		}
	}

	out := make([]model.SubmittedJob, 0, len(jobs))
	for _, d := range jobs {
		id, created, err := s.store.CreateJob(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("create job %q: %w", d.Name, err)
		}
		if created {
			s.logger.Info("job created", "job_id", id, "name", d.Name, "frames", d.FrameCount(), "batch", d.BatchName)
		} else {
			s.logger.Info("duplicate submission", "job_id", id, "correlation_id", d.CorrelationID)
		}
		out = append(out, model.SubmittedJob{CorrelationID: d.CorrelationID, JobID: id})
	}
	return out, nil
}

func (s *Service) validateDescriptor(d model.JobDescriptor) error {
	switch {
	case d.CorrelationID == "":
		return errors.New("correlation_id is required")
	case d.Credential == "":
		return errors.New("credential is required")
	case d.LastFrame < d.FirstFrame:
		return fmt.Errorf("last_frame %d before first_frame %d", d.LastFrame, d.FirstFrame)
	case !d.Kind.IsValid():
		return fmt.Errorf("unknown kind %q", d.Kind)
	case d.FrameCount() > s.maxFrames:
		return fmt.Errorf("%d frames exceeds the limit of %d", d.FrameCount(), s.maxFrames)
	}
	return nil
}

// setActiveFrames queues the requested frames. It answers false when the
// job is closed or when any frame lies outside the job's range; frames
// inside the range are queued either way.
func (s *Service) setActiveFrames(ctx context.Context, args []json.RawMessage) (bool, error) {
	var (
		jobID      int
		frames     model.FrameSet
		credential string
	)
	if err := decodeArgs(args, &jobID, &frames, &credential); err != nil {
		return false, err
	}
	queued, err := s.store.SetActiveFrames(ctx, jobID, frames.IDs(), credential)
	if errors.Is(err, ErrJobNotAccepting) {
		s.logger.Warn("activation on closed job", "job_id", jobID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, ErrJobNotFound
	}
	outside := 0
	for _, f := range frames.IDs() {
		if f < job.FirstFrame || f > job.LastFrame {
			outside++
		}
	}
	if outside > 0 {
		s.logger.Warn("activation outside job range", "job_id", jobID, "first_frame", job.FirstFrame,
			"last_frame", job.LastFrame, "requested", frames.Len(), "outside", outside, "queued", queued)
		return false, nil
	}
	s.logger.Debug("frames activated", "job_id", jobID, "requested", frames.Len(), "queued", queued)
	return true, nil
}

func (s *Service) queryFrames(ctx context.Context, args []json.RawMessage) ([]model.FrameStatus, error) {
	var jobID int
	if err := decodeArgs(args, &jobID); err != nil {
		return nil, err
	}
	if err := s.store.AdvanceFrames(ctx, jobID, s.progress); err != nil {
		return nil, err
	}
	frames, err := s.store.FrameStatuses(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if frames == nil {
		frames = []model.FrameStatus{}
	}
	return frames, nil
}

func (s *Service) abortJob(ctx context.Context, args []json.RawMessage) (bool, error) {
	var (
		jobID      int
		credential string
	)
	if err := decodeArgs(args, &jobID, &credential); err != nil {
		return false, err
	}
	if err := s.store.AbortJob(ctx, jobID, credential); err != nil {
		return false, err
	}
	s.logger.Info("job aborted", "job_id", jobID)
	return true, nil
}

func (s *Service) listJobs(ctx context.Context, args []json.RawMessage) ([]*model.Job, error) {
	var params farm.ListJobsParams
	if len(args) > 0 {
		if err := decodeArgs(args, &params); err != nil {
			return nil, err
		}
	}
	jobs, _, err := s.store.ListJobs(ctx, model.ListOptions{
		Limit:     params.Limit,
		Offset:    params.Offset,
		State:     params.State,
		BatchName: params.BatchName,
	})
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	return jobs, nil
}

// decodeArgs unmarshals positional params into dest, which must match in count.
func decodeArgs(args []json.RawMessage, dest ...any) error {
	if len(args) != len(dest) {
		return invalidParams("want %d params, got %d", len(dest), len(args))
	}
	for i, raw := range args {
		if err := json.Unmarshal(raw, dest[i]); err != nil {
			return invalidParams("param %d: %v", i, err)
		}
	}
	return nil
}

func invalidParams(format string, args ...any) *farm.RPCError {
	return &farm.RPCError{Name: "JSONRPCError", Code: farm.ErrCodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func toRPCError(err error) *farm.RPCError {
	var rpcErr *farm.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	code := farm.ErrCodeServerError
	switch {
	case errors.Is(err, ErrJobNotFound):
		code = farm.ErrCodeJobNotFound
	case errors.Is(err, ErrBadCredential):
		code = farm.ErrCodeBadCredential
	case errors.Is(err, ErrJobNotAccepting):
		code = farm.ErrCodeJobNotAccepting
	}
	return &farm.RPCError{Name: "FarmError", Code: code, Message: err.Error()}
}
