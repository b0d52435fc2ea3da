// Package api exposes the HTTP interface for the analysis service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/audit"
	"github.com/sitelens/sitelens/internal/config"
	"github.com/sitelens/sitelens/internal/metrics"
)

// Submitter accepts an analysis submission and returns its join handle.
type Submitter interface {
	Submit(ctx context.Context, sub audit.Submission) (*audit.JobHandle, error)
}

// Server wires HTTP handlers to the orchestrator and stores.
type Server struct {
	router    chi.Router
	submitter Submitter
	jobs      audit.JobStore
	issues    audit.IssueStore
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	submitter Submitter,
	jobs audit.JobStore,
	issues audit.IssueStore,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		submitter: submitter,
		jobs:      jobs,
		issues:    issues,
		cfg:       cfg,
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/analyses", func(r chi.Router) {
			r.Post("/", s.submitAnalysis)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getAnalysis)
				r.Get("/report", s.getReport)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	// Stores are constructed before the listener starts; report ready.
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type analysisRequest struct {
	TargetURL        string   `json:"target_url"`
	Tenant           string   `json:"tenant"`
	Modules          []string `json:"modules"`
	FreshnessSeconds int      `json:"freshness_seconds"`
}

type analysisAccepted struct {
	JobID  string          `json:"job_id"`
	Status audit.JobStatus `json:"status"`
}

// AnalysisReport is the full read model for one finished (or running) job.
type AnalysisReport struct {
	Job    audit.AnalysisJob `json:"job"`
	Issues []audit.Issue     `json:"issues"`
}

func (s *Server) submitAnalysis(w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.TargetURL == "" {
		s.writeError(w, http.StatusBadRequest, "target_url required")
		return
	}
	if req.FreshnessSeconds < 0 {
		s.writeError(w, http.StatusBadRequest, "freshness_seconds must be >= 0")
		return
	}

	sub := audit.Submission{
		Tenant:           req.Tenant,
		TargetURL:        req.TargetURL,
		FreshnessSeconds: req.FreshnessSeconds,
	}
	for _, m := range req.Modules {
		sub.Modules = append(sub.Modules, audit.ModuleKind(m))
	}

	handle, err := s.submitter.Submit(r.Context(), sub)
	if err != nil {
		s.writeError(w, submitStatus(err), err.Error())
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		s.waitForOutcome(w, r, handle)
		return
	}
	// A cache hit hands back an already-settled handle; report its real
	// terminal status instead of pretending the job is pending.
	status := audit.JobStatusPending
	if handle.Settled() {
		if outcome, waitErr := handle.Wait(r.Context()); waitErr == nil {
			status = outcome.Status
		}
	}
	s.writeJSON(w, http.StatusAccepted, analysisAccepted{
		JobID:  handle.JobID(),
		Status: status,
	})
}

func (s *Server) waitForOutcome(w http.ResponseWriter, r *http.Request, handle *audit.JobHandle) {
	outcome, err := handle.Wait(r.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.writeError(w, http.StatusRequestTimeout, "timed out waiting for job "+handle.JobID())
			return
		}
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) getAnalysis(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, audit.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, audit.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	issues, err := s.issues.ListIssues(r.Context(), jobID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load issues")
		return
	}
	s.writeJSON(w, http.StatusOK, AnalysisReport{Job: job, Issues: issues})
}

// submitStatus maps orchestrator rejections onto HTTP codes. Persistence
// failures are the service's fault; everything else is the caller's.
func submitStatus(err error) int {
	var pe *audit.PersistenceError
	switch {
	case errors.As(err, &pe):
		return http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusBadRequest
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
