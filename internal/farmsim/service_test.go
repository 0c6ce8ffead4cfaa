package farmsim

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/me/farmsync/internal/farm"
	"github.com/me/farmsync/pkg/model"
)

func testService(t *testing.T, opts ...ServiceOption) (*SQLiteStore, *farm.RPCClient) {
	t.Helper()
	st := testStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return st, farm.NewRPCClient(NewLocalCaller(NewService(st, 0, logger, opts...)))
}

func TestService_ActivationOutsideJobRange(t *testing.T) {
	st, client := testService(t)
	ctx := context.Background()
	submitted, err := client.SubmitJobBatch(ctx, []model.JobDescriptor{descriptor("corr-a", 17, 18)})
	if err != nil {
		t.Fatalf("SubmitJobBatch: %v", err)
	}
	jobID := submitted[0].JobID

	ok, err := client.PushActiveFrameSet(ctx, jobID, model.NewFrameSet(17, []int{18, 19, 24}), "cred-1")
	if err != nil {
		t.Fatalf("PushActiveFrameSet: %v", err)
	}
	if ok {
		t.Error("PushActiveFrameSet = true, want false for frames past last_frame")
	}

	// The frame inside the range is queued; nothing exists for the others.
	states := statesOf(t, st, jobID)
	if len(states) != 2 {
		t.Errorf("job has %d frames, want 2", len(states))
	}
	job, _ := st.GetJob(ctx, jobID)
	if job.Summary.Queued != 1 || job.Summary.Pending != 1 {
		t.Errorf("summary = %+v, want 1 queued and 1 pending", job.Summary)
	}

	ok, err = client.PushActiveFrameSet(ctx, jobID, model.NewFrameSet(16, []int{16}), "cred-1")
	if err != nil || ok {
		t.Errorf("push below first_frame = %v, %v; want false, nil", ok, err)
	}
}

func TestService_MaxFrames(t *testing.T) {
	_, client := testService(t, WithMaxFrames(10))
	ctx := context.Background()

	if _, err := client.SubmitJobBatch(ctx, []model.JobDescriptor{descriptor("corr-a", 1, 10)}); err != nil {
		t.Fatalf("job at the limit: %v", err)
	}
	_, err := client.SubmitJobBatch(ctx, []model.JobDescriptor{descriptor("corr-b", 0, 10)})
	var rpcErr *farm.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != farm.ErrCodeInvalidParams {
		t.Errorf("error = %v, want invalid params", err)
	}
}

func TestService_DefaultMaxFrames(t *testing.T) {
	_, client := testService(t)
	_, err := client.SubmitJobBatch(context.Background(), []model.JobDescriptor{descriptor("corr-a", 0, 2_000_000_000)})
	var rpcErr *farm.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != farm.ErrCodeInvalidParams {
		t.Errorf("error = %v, want invalid params", err)
	}
}
