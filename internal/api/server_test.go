package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sitelens/sitelens/internal/audit"
	"github.com/sitelens/sitelens/internal/config"
	"github.com/sitelens/sitelens/internal/storage/memory"
)

type fakeSubmitter struct {
	mu      sync.Mutex
	last    audit.Submission
	handle  *audit.JobHandle
	err     error
	resolve bool
}

func (f *fakeSubmitter) Submit(_ context.Context, sub audit.Submission) (*audit.JobHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = sub
	if f.err != nil {
		return nil, f.err
	}
	if f.handle == nil {
		f.handle = audit.NewJobHandle("job-1")
	}
	if f.resolve {
		f.handle.Resolve(audit.JobOutcome{
			JobID:  f.handle.JobID(),
			Status: audit.JobStatusCompleted,
			Scores: audit.ScoreCard{Overall: 97},
		}, nil)
	}
	return f.handle, nil
}

func newTestServer(t *testing.T, submitter Submitter, cfg config.Config) (*Server, *memory.JobStore) {
	t.Helper()
	store := memory.NewJobStore()
	return NewServer(submitter, store, store, cfg, zap.NewNop()), store
}

func TestSubmitAnalysisAccepted(t *testing.T) {
	t.Parallel()

	submitter := &fakeSubmitter{}
	server, _ := newTestServer(t, submitter, config.Config{})

	body := []byte(`{"target_url":"https://example.com","tenant":"acme","modules":["seo","images"],"freshness_seconds":600}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/analyses", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "job-1")
	require.Equal(t, "https://example.com", submitter.last.TargetURL)
	require.Equal(t, []audit.ModuleKind{audit.ModuleSEO, audit.ModuleImages}, submitter.last.Modules)
	require.Equal(t, 600, submitter.last.FreshnessSeconds)
}

func TestSubmitAnalysisValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", "{invalid"},
		{"missing target", `{"tenant":"acme"}`},
		{"negative freshness", `{"target_url":"https://example.com","freshness_seconds":-1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			server, _ := newTestServer(t, &fakeSubmitter{}, config.Config{})
			req := httptest.NewRequest(http.MethodPost, "/v1/analyses", bytes.NewBufferString(tc.body))
			rec := httptest.NewRecorder()

			server.Handler().ServeHTTP(rec, req)

			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSubmitAnalysisRejectedByOrchestrator(t *testing.T) {
	t.Parallel()

	submitter := &fakeSubmitter{err: audit.ErrUnknownModule}
	server, _ := newTestServer(t, submitter, config.Config{})

	body := []byte(`{"target_url":"https://example.com","modules":["bogus"]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/analyses", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "unknown analyzer module")
}

func TestSubmitAnalysisPersistenceFailureIs500(t *testing.T) {
	t.Parallel()

	submitter := &fakeSubmitter{err: &audit.PersistenceError{Op: "create job", Err: context.DeadlineExceeded}}
	server, _ := newTestServer(t, submitter, config.Config{})

	body := []byte(`{"target_url":"https://example.com"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/analyses", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSubmitAnalysisWaitReturnsOutcome(t *testing.T) {
	t.Parallel()

	submitter := &fakeSubmitter{resolve: true}
	server, _ := newTestServer(t, submitter, config.Config{})

	body := []byte(`{"target_url":"https://example.com"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/analyses?wait=true", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"overall":97`)
}

func TestSubmitAnalysisReportsSettledStatus(t *testing.T) {
	t.Parallel()

	submitter := &fakeSubmitter{resolve: true}
	server, _ := newTestServer(t, submitter, config.Config{})

	body := []byte(`{"target_url":"https://example.com"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/analyses", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	// A deduplicated submission resolves immediately with the cached
	// terminal status rather than "pending".
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"completed"`)
}

func TestGetAnalysis(t *testing.T) {
	t.Parallel()

	server, store := newTestServer(t, &fakeSubmitter{}, config.Config{})
	require.NoError(t, store.CreateJob(context.Background(), audit.AnalysisJob{
		ID:        "job-42",
		Status:    audit.JobStatusAnalyzing,
		Submitted: time.Unix(100, 0),
		Request:   audit.AnalysisRequest{TargetURL: "https://example.com"},
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/analyses/job-42", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"analyzing"`)
}

func TestGetAnalysisNotFound(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, &fakeSubmitter{}, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/v1/analyses/missing", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetReportIncludesIssues(t *testing.T) {
	t.Parallel()

	server, store := newTestServer(t, &fakeSubmitter{}, config.Config{})
	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, audit.AnalysisJob{
		ID:        "job-7",
		Status:    audit.JobStatusCompleted,
		Submitted: time.Unix(100, 0),
	}))
	require.NoError(t, store.InsertIssues(ctx, "job-7", []audit.Issue{
		{RuleKey: "images.missing-alt", Module: audit.ModuleImages, Severity: audit.SeveritySerious, Message: "img has no alt text"},
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/analyses/job-7/report", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "images.missing-alt")
}

func TestAPIKeyGuardsV1Routes(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "sekrit"}}
	server, _ := newTestServer(t, &fakeSubmitter{}, cfg)

	req := httptest.NewRequest(http.MethodPost, "/v1/analyses", bytes.NewBufferString(`{"target_url":"https://example.com"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/analyses", bytes.NewBufferString(`{"target_url":"https://example.com"}`))
	req.Header.Set("X-API-Key", "sekrit")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Health stays open even with auth on.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDHeaderSet(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, &fakeSubmitter{}, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
