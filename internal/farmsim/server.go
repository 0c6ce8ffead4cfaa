package farmsim

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/me/farmsync/internal/farm"
	"github.com/me/farmsync/pkg/model"
)

// maxRPCBody bounds the size of one RPC request.
const maxRPCBody = 8 << 20

// Server serves the emulated farm over HTTP.
type Server struct {
	router    chi.Router
	service   *Service
	store     Store
	token     string
	logger    *slog.Logger
	startTime time.Time

	serviceOpts []ServiceOption
}

// Option configures optional Server settings.
type Option func(*Server)

// WithToken requires every RPC request to carry token in its Authorization
// header.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithServiceOptions passes opts to the RPC service.
func WithServiceOptions(opts ...ServiceOption) Option {
	return func(s *Server) { s.serviceOpts = append(s.serviceOpts, opts...) }
}

// NewServer creates a server with all routes registered.
func NewServer(st Store, progress int, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		store:     st,
		logger:    logger.With("component", "farm-server"),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.service = NewService(st, progress, logger, s.serviceOpts...)
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.With(s.requireToken).Post("/rpc", s.handleRPC)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
		})
	})
}

// requireToken rejects RPC requests without the configured token.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != s.token {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(farm.Response{
				Version: "1.1",
				Error:   &farm.RPCError{Name: "AuthError", Code: farm.ErrCodeInvalidRequest, Message: "missing or invalid token"},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleRPC serves one JSON-RPC 1.1 request. Method errors are reported in
// the envelope with status 200; only malformed requests get a 4xx.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBody))
	if err != nil {
		writeRPC(w, http.StatusBadRequest, farm.Response{Version: "1.1",
			Error: &farm.RPCError{Name: "JSONRPCError", Code: farm.ErrCodeParseError, Message: err.Error()}})
		return
	}
	var req farm.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPC(w, http.StatusBadRequest, farm.Response{Version: "1.1",
			Error: &farm.RPCError{Name: "JSONRPCError", Code: farm.ErrCodeParseError, Message: err.Error()}})
		return
	}

	resp := farm.Response{ID: req.ID, Version: "1.1"}
	result, rpcErr := s.service.Call(r.Context(), req.Method, req.Params)
	if rpcErr != nil {
		s.logger.Warn("rpc failed", "method", req.Method, "code", rpcErr.Code, "error", rpcErr.Message,
			"request_id", RequestIDFromContext(r.Context()))
		resp.Error = rpcErr
		writeRPC(w, http.StatusOK, resp)
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = &farm.RPCError{Name: "JSONRPCError", Code: farm.ErrCodeInternalError, Message: err.Error()}
		writeRPC(w, http.StatusInternalServerError, resp)
		return
	}
	resp.Result = raw
	writeRPC(w, http.StatusOK, resp)
}

func writeRPC(w http.ResponseWriter, status int, resp farm.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

type healthResponse struct {
	Status    string `json:"status"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Jobs      int    `json:"jobs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	_, total, err := s.store.ListJobs(r.Context(), model.ListOptions{Limit: 1})
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, &model.APIError{Code: model.ErrCodeInternal, Message: err.Error()})
		return
	}
	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Jobs:      total,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	q := r.URL.Query()

	opts := model.DefaultListOptions()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest, &model.APIError{Code: model.ErrCodeValidation, Message: "limit must be an integer"})
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest, &model.APIError{Code: model.ErrCodeValidation, Message: "offset must be an integer"})
			return
		}
		opts.Offset = n
	}
	opts.State = model.JobState(q.Get("state"))
	opts.BatchName = q.Get("batch")
	opts.Clamp()

	jobs, total, err := s.store.ListJobs(r.Context(), opts)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, &model.APIError{Code: model.ErrCodeInternal, Message: err.Error()})
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	respondList(w, reqID, jobs, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(jobs) < total,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	idParam := chi.URLParam(r, "id")
	id, err := strconv.Atoi(idParam)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{Code: model.ErrCodeValidation, Message: "job id must be an integer"})
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, &model.APIError{Code: model.ErrCodeInternal, Message: err.Error()})
		return
	}
	if job == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("job", id))
		return
	}
	respondOK(w, reqID, job)
}

// --- middleware and envelope ---

type ctxKey string

const ctxKeyRequestID ctxKey = "request_id"

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return id
	}
	return ""
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := "req_" + uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs HTTP requests at DEBUG level; the engine polls often.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration", time.Since(start).String(),
				"request_id", RequestIDFromContext(r.Context()),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, reqID, data, nil, nil)
}

func respondList(w http.ResponseWriter, reqID string, data any, pg *model.Pagination) {
	respondJSON(w, http.StatusOK, reqID, data, pg, nil)
}

func respondError(w http.ResponseWriter, reqID string, status int, apiErr *model.APIError) {
	respondJSON(w, status, reqID, nil, nil, apiErr)
}

func respondJSON(w http.ResponseWriter, status int, reqID string, data any, pg *model.Pagination, apiErr *model.APIError) {
	resp := model.Response{
		Status:     "ok",
		RequestID:  reqID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
		Pagination: pg,
		Error:      apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
