package farm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(url string) ClientConfig {
	return ClientConfig{URL: url, Token: "t", Timeout: 5 * time.Second, MaxRetries: 0}
}

func TestHTTPRPCCaller_Success(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		gotMethod = req.Method
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      req.ID,
			"result":  []any{"ok"},
			"version": "1.1",
		})
	}))
	defer srv.Close()

	caller := NewHTTPRPCCaller(testConfig(srv.URL), testLogger())

	result, err := caller.Call(context.Background(), "Farm.test", []any{"arg1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotMethod != "Farm.test" {
		t.Errorf("method = %q, want Farm.test", gotMethod)
	}
	var got []string
	if err := json.Unmarshal(result, &got); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(got) != 1 || got[0] != "ok" {
		t.Errorf("result = %v, want [ok]", got)
	}
}

func TestHTTPRPCCaller_RPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id": "farmsync-1",
			"error": map[string]any{
				"name":    "JobNotFound",
				"code":    ErrCodeJobNotFound,
				"message": "job 9 not found",
			},
			"version": "1.1",
		})
	}))
	defer srv.Close()

	caller := NewHTTPRPCCaller(testConfig(srv.URL), testLogger())

	_, err := caller.Call(context.Background(), "Farm.query_frames", []any{9})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %T: %v", err, err)
	}
	if !IsNotFound(err) {
		t.Errorf("IsNotFound(%v) = false", err)
	}
}

func TestHTTPRPCCaller_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "x", "result": true})
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 2
	cfg.RetryDelay = time.Millisecond
	caller := NewHTTPRPCCaller(cfg, testLogger())

	if _, err := caller.Call(context.Background(), "Farm.test", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestHTTPRPCCaller_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 3
	cfg.RetryDelay = time.Millisecond
	caller := NewHTTPRPCCaller(cfg, testLogger())

	_, err := caller.Call(context.Background(), "Farm.test", nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("err = %v, want HTTP 400", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestHTTPRPCCaller_AuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{"id": "x", "result": nil})
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Token = "farm-secret"
	caller := NewHTTPRPCCaller(cfg, testLogger())

	_, _ = caller.Call(context.Background(), "Farm.test", nil)
	if gotAuth != "farm-secret" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "farm-secret")
	}
}

func TestHTTPRPCCaller_ContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	caller := NewHTTPRPCCaller(testConfig(srv.URL), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := caller.Call(ctx, "Farm.test", nil); err == nil {
		t.Fatal("expected error from cancelled context, got nil")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"http 503", &HTTPError{StatusCode: 503}, true},
		{"http 429", &HTTPError{StatusCode: 429}, true},
		{"http 404", &HTTPError{StatusCode: 404}, false},
		{"rpc internal", &RPCError{Code: ErrCodeInternalError}, true},
		{"rpc credential", &RPCError{Code: ErrCodeBadCredential}, false},
		{"plain", errors.New("x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
