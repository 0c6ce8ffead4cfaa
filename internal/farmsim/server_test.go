package farmsim

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/me/farmsync/internal/farm"
	"github.com/me/farmsync/pkg/model"
)

func testFarm(t *testing.T, opts ...Option) (*httptest.Server, *farm.RPCClient) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(NewServer(testStore(t), 1, logger, opts...))
	t.Cleanup(srv.Close)

	cfg := farm.DefaultClientConfig()
	cfg.URL = srv.URL + "/rpc"
	cfg.MaxRetries = 0
	return srv, farm.NewRPCClient(farm.NewHTTPRPCCaller(cfg, logger))
}

func TestRPC_JobLifecycle(t *testing.T) {
	_, client := testFarm(t)
	ctx := context.Background()

	submitted, err := client.SubmitJobBatch(ctx, []model.JobDescriptor{
		descriptor("corr-a", 5, 9),
		descriptor("corr-b", 1, 1),
	})
	if err != nil {
		t.Fatalf("SubmitJobBatch: %v", err)
	}
	if len(submitted) != 2 || submitted[0].CorrelationID != "corr-a" || submitted[1].CorrelationID != "corr-b" {
		t.Fatalf("submitted = %+v", submitted)
	}
	jobID := submitted[0].JobID

	ok, err := client.PushActiveFrameSet(ctx, jobID, model.NewFrameSet(5, []int{6, 7}), "cred-1")
	if err != nil || !ok {
		t.Fatalf("PushActiveFrameSet = %v, %v", ok, err)
	}

	// progress=1: one frame starts per query, then finishes on the next.
	frames, err := client.QueryFrameStatus(ctx, jobID)
	if err != nil {
		t.Fatalf("QueryFrameStatus: %v", err)
	}
	if len(frames) != 5 || !frames[1].IsRunning || frames[2].IsRunning {
		t.Errorf("first query = %+v", frames)
	}
	frames, _ = client.QueryFrameStatus(ctx, jobID)
	if !frames[1].IsDone || !frames[2].IsRunning {
		t.Errorf("second query = %+v", frames)
	}

	jobs, err := client.ListJobs(ctx, farm.ListJobsParams{BatchName: "shot010"})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 || jobs[0].Summary.Done != 1 {
		t.Errorf("jobs = %+v", jobs)
	}

	if err := client.DisableAndAbortJob(ctx, jobID, "cred-1"); err != nil {
		t.Fatalf("DisableAndAbortJob: %v", err)
	}
	ok, err = client.PushActiveFrameSet(ctx, jobID, model.NewFrameSet(5, []int{8}), "cred-1")
	if err != nil || ok {
		t.Errorf("push to aborted job = %v, %v; want false, nil", ok, err)
	}
}

func TestRPC_SubmitRetryIsIdempotent(t *testing.T) {
	_, client := testFarm(t)
	ctx := context.Background()
	batch := []model.JobDescriptor{descriptor("corr-a", 1, 3)}

	first, err := client.SubmitJobBatch(ctx, batch)
	if err != nil {
		t.Fatalf("SubmitJobBatch: %v", err)
	}
	second, err := client.SubmitJobBatch(ctx, batch)
	if err != nil {
		t.Fatalf("SubmitJobBatch: %v", err)
	}
	if first[0].JobID != second[0].JobID {
		t.Errorf("resubmission created job %d, want %d", second[0].JobID, first[0].JobID)
	}
}

func TestRPC_Errors(t *testing.T) {
	_, client := testFarm(t)
	ctx := context.Background()
	submitted, _ := client.SubmitJobBatch(ctx, []model.JobDescriptor{descriptor("corr-a", 1, 1)})
	jobID := submitted[0].JobID

	tests := []struct {
		name string
		call func() error
		code int
	}{
		{"unknown job", func() error { _, err := client.QueryFrameStatus(ctx, 9999); return err }, farm.ErrCodeJobNotFound},
		{"bad credential", func() error { return client.DisableAndAbortJob(ctx, jobID, "nope") }, farm.ErrCodeBadCredential},
		{"invalid descriptor", func() error {
			d := descriptor("corr-x", 5, 1)
			_, err := client.SubmitJobBatch(ctx, []model.JobDescriptor{d})
			return err
		}, farm.ErrCodeInvalidParams},
		{"missing credential", func() error {
			d := descriptor("corr-y", 1, 1)
			d.Credential = ""
			_, err := client.SubmitJobBatch(ctx, []model.JobDescriptor{d})
			return err
		}, farm.ErrCodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var rpcErr *farm.RPCError
			if !errors.As(err, &rpcErr) || rpcErr.Code != tt.code {
				t.Errorf("error = %v, want rpc code %d", err, tt.code)
			}
		})
	}
	if !farm.IsNotFound(tests[0].call()) {
		t.Error("IsNotFound(unknown job) = false")
	}
}

func TestRPC_UnknownMethod(t *testing.T) {
	srv, _ := testFarm(t)
	body := `{"id":"1","method":"Farm.nope","version":"1.1","params":[]}`
	resp, err := http.Post(srv.URL+"/rpc", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	var out farm.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID != "1" || out.Error == nil || out.Error.Code != farm.ErrCodeMethodNotFound {
		t.Errorf("response = %+v", out)
	}
}

func TestRPC_Token(t *testing.T) {
	srv, client := testFarm(t, WithToken("s3cret"))
	ctx := context.Background()

	_, err := client.SubmitJobBatch(ctx, []model.JobDescriptor{descriptor("corr-a", 1, 1)})
	var rpcErr *farm.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != farm.ErrCodeInvalidRequest {
		t.Fatalf("unauthenticated submit error = %v", err)
	}

	cfg := farm.DefaultClientConfig()
	cfg.URL = srv.URL + "/rpc"
	cfg.Token = "s3cret"
	authed := farm.NewRPCClient(farm.NewHTTPRPCCaller(cfg, nil))
	if _, err := authed.SubmitJobBatch(ctx, []model.JobDescriptor{descriptor("corr-a", 1, 1)}); err != nil {
		t.Errorf("authenticated submit: %v", err)
	}
}

// envelope decodes the REST response envelope.
type envelope struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

func getEnvelope(t *testing.T, url string, wantStatus int) envelope {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s: status=%d, want %d", url, resp.StatusCode, wantStatus)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Errorf("GET %s: missing X-Request-ID", url)
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("GET %s: invalid JSON: %v", url, err)
	}
	return env
}

func TestREST_Jobs(t *testing.T) {
	srv, client := testFarm(t)
	submitted, err := client.SubmitJobBatch(context.Background(), []model.JobDescriptor{
		descriptor("corr-a", 1, 2), descriptor("corr-b", 1, 2),
	})
	if err != nil {
		t.Fatalf("SubmitJobBatch: %v", err)
	}

	env := getEnvelope(t, srv.URL+"/api/v1/health", http.StatusOK)
	var health healthResponse
	json.Unmarshal(env.Data, &health)
	if env.Status != "ok" || health.Jobs != 2 {
		t.Errorf("health = %+v (%s)", health, env.Status)
	}

	env = getEnvelope(t, srv.URL+"/api/v1/jobs?limit=1", http.StatusOK)
	if env.Pagination == nil || env.Pagination.Total != 2 || !env.Pagination.HasMore {
		t.Errorf("pagination = %+v", env.Pagination)
	}

	env = getEnvelope(t, srv.URL+"/api/v1/jobs/"+strconv.Itoa(submitted[1].JobID), http.StatusOK)
	var job model.Job
	json.Unmarshal(env.Data, &job)
	if job.CorrelationID != "corr-b" || job.Summary.Pending != 2 {
		t.Errorf("job = %+v", job)
	}

	env = getEnvelope(t, srv.URL+"/api/v1/jobs/777", http.StatusNotFound)
	if env.Error == nil || env.Error.Code != model.ErrCodeNotFound {
		t.Errorf("error = %+v", env.Error)
	}
	getEnvelope(t, srv.URL+"/api/v1/jobs/abc", http.StatusBadRequest)
}
