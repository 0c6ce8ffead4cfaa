package farm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync/atomic"
	"time"
)

// Default client settings.
const (
	DefaultURL        = "http://localhost:8090/rpc"
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 2
	DefaultRetryDelay = 500 * time.Millisecond
)

// RPCCaller abstracts JSON-RPC 1.1 calls for testability.
type RPCCaller interface {
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

// Standard JSON-RPC error codes plus the farm's own.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603

	ErrCodeServerError     = -32000
	ErrCodeJobNotFound     = -32404
	ErrCodeBadCredential   = -32403
	ErrCodeJobNotAccepting = -32409
)

// RPCError represents a JSON-RPC 1.1 error response.
type RPCError struct {
	Name    string `json:"name"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d (%s): %s", e.Code, e.Name, e.Message)
}

// HTTPError represents an HTTP-level error (non-200 response).
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// IsRetryable returns true if the error is likely transient and the request
// may be sent again.
func IsRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == ErrCodeInternalError || rpcErr.Code == ErrCodeServerError
	}
	return false
}

// IsNotFound reports whether err says the remote job does not exist.
func IsNotFound(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == ErrCodeJobNotFound
}

// ClientConfig holds farm connection settings.
type ClientConfig struct {
	URL        string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultClientConfig returns configuration pointing at a local farm.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		URL:        DefaultURL,
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
	}
}

// Request is the JSON-RPC 1.1 request envelope.
type Request struct {
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Version string          `json:"version"`
	Params  json.RawMessage `json:"params"`
}

// Response is the JSON-RPC 1.1 response envelope.
type Response struct {
	ID      string          `json:"id"`
	Version string          `json:"version"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// HTTPRPCCaller implements RPCCaller using net/http.
type HTTPRPCCaller struct {
	cfg    ClientConfig
	client *http.Client
	logger *slog.Logger
	seq    atomic.Int64
}

// NewHTTPRPCCaller creates a caller targeting cfg.URL.
func NewHTTPRPCCaller(cfg ClientConfig, logger *slog.Logger) *HTTPRPCCaller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HTTPRPCCaller{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "farm-rpc"),
	}
}

// Call sends a JSON-RPC 1.1 request and returns the result field. Transient
// failures are retried with exponential backoff up to cfg.MaxRetries times.
func (c *HTTPRPCCaller) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	id := fmt.Sprintf("farmsync-%d", c.seq.Add(1))

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal rpc params: %w", err)
	}
	body, err := json.Marshal(Request{ID: id, Method: method, Version: "1.1", Params: rawParams})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	logger := c.logger.With("method", method, "id", id)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			logger.Debug("retrying after delay", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("rpc call %s: %w", method, ctx.Err())
			case <-time.After(delay):
			}
		}

		result, err := c.do(ctx, method, body)
		if err == nil {
			logger.Debug("rpc call ok")
			return result, nil
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
		logger.Debug("rpc call failed, will retry", "error", err, "attempt", attempt)
	}

	return nil, fmt.Errorf("rpc call %s: all retries exhausted: %w", method, lastErr)
}

func (c *HTTPRPCCaller) do(ctx context.Context, method string, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc call %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp Response
	if resp.StatusCode != http.StatusOK {
		if json.Unmarshal(respBody, &rpcResp) == nil && rpcResp.Error != nil {
			return nil, rpcResp.Error
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}
