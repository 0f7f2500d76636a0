package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/rpaflow/orchestrator-core/internal/config"
	"github.com/rpaflow/orchestrator-core/internal/domain"
)

type fakeQueue struct {
	enqueueErr error
	lastSub    domain.JobSubmission
	enqueuedID string

	getJob domain.Job
	getErr error

	cancelErr error

	stats    domain.QueueStats
	statsErr error

	peekJobs []domain.Job
	peekErr  error

	dlqEntries   []domain.DLQEntry
	dlqErr       error
	reprocessID  string
	reprocessErr error
}

func (f *fakeQueue) Enqueue(_ domain.Context, sub domain.JobSubmission) (string, error) {
	f.lastSub = sub
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	if f.enqueuedID == "" {
		f.enqueuedID = "job-1"
	}
	return f.enqueuedID, nil
}
func (f *fakeQueue) Claim(domain.Context, string, int) ([]domain.ClaimedJob, error) { return nil, nil }
func (f *fakeQueue) ExtendLease(domain.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}
func (f *fakeQueue) Complete(domain.Context, string, string, []byte) error { return nil }
func (f *fakeQueue) Fail(domain.Context, string, string, string) (bool, bool, error) {
	return false, false, nil
}
func (f *fakeQueue) Release(domain.Context, string) error { return nil }
func (f *fakeQueue) Cancel(domain.Context, string) error  { return f.cancelErr }
func (f *fakeQueue) RequeueStale(domain.Context) (int, error) { return 0, nil }
func (f *fakeQueue) Stats(domain.Context) (domain.QueueStats, error) {
	return f.stats, f.statsErr
}
func (f *fakeQueue) Peek(domain.Context, domain.PeekFilter) ([]domain.Job, error) {
	return f.peekJobs, f.peekErr
}
func (f *fakeQueue) Get(_ domain.Context, jobID string) (domain.Job, error) {
	if f.getErr != nil {
		return domain.Job{}, f.getErr
	}
	return f.getJob, nil
}
func (f *fakeQueue) SaveCheckpoint(domain.Context, domain.Checkpoint) error { return nil }
func (f *fakeQueue) ListDLQ(domain.Context, int) ([]domain.DLQEntry, error) {
	return f.dlqEntries, f.dlqErr
}
func (f *fakeQueue) ReprocessDLQ(domain.Context, string, string) (string, error) {
	return f.reprocessID, f.reprocessErr
}

func newTestServer(q domain.JobQueue) *Server {
	return NewServer(config.Config{}, q, nil, nil, nil)
}

func TestSubmitJobHandler_RejectsMissingFields(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeQueue{})
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()

	s.SubmitJobHandler(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitJobHandler_RejectsTooManyNodes(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeQueue{})
	body := []byte(`{"workflow_id":"wf-1","workflow":{"nodes":[` + bigNodesJSON(3000) + `]}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()

	s.SubmitJobHandler(w, req)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func bigNodesJSON(n int) string {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`{"id":"n"}`)
	}
	return buf.String()
}

func TestSubmitJobHandler_EnqueuesValidWorkflow(t *testing.T) {
	t.Parallel()
	fq := &fakeQueue{enqueuedID: "job-42"}
	s := newTestServer(fq)
	body := `{"workflow_id":"wf-1","workflow_name":"demo","workflow":{"nodes":[{"id":"n1"}],"connections":[]},"priority":5}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	s.SubmitJobHandler(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp jobSubmitResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, "job-42", resp.JobID)
	require.Equal(t, "wf-1", fq.lastSub.WorkflowID)
	require.Equal(t, domain.ExecutionDurable, fq.lastSub.ExecutionMode)
}

func TestGetJobHandler_NotFound(t *testing.T) {
	t.Parallel()
	fq := &fakeQueue{getErr: domain.ErrNotFound}
	s := newTestServer(fq)

	r := chi.NewRouter()
	r.Get("/v1/jobs/{id}", s.GetJobHandler)
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelJobHandler_Success(t *testing.T) {
	t.Parallel()
	fq := &fakeQueue{}
	s := newTestServer(fq)

	r := chi.NewRouter()
	r.Delete("/v1/jobs/{id}", s.CancelJobHandler)
	req := httptest.NewRequest(http.MethodDelete, "/v1/jobs/job-1", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestCancelJobHandler_AlreadyTerminal(t *testing.T) {
	t.Parallel()
	fq := &fakeQueue{cancelErr: domain.ErrAlreadyTerminal}
	s := newTestServer(fq)

	r := chi.NewRouter()
	r.Delete("/v1/jobs/{id}", s.CancelJobHandler)
	req := httptest.NewRequest(http.MethodDelete, "/v1/jobs/job-1", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
}

func TestQueueStatsHandler(t *testing.T) {
	t.Parallel()
	fq := &fakeQueue{stats: domain.QueueStats{ByStatus: map[domain.JobStatus]int64{domain.JobPending: 3}}}
	s := newTestServer(fq)
	req := httptest.NewRequest(http.MethodGet, "/v1/queue/stats", nil)
	w := httptest.NewRecorder()

	s.QueueStatsHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestListDLQHandler(t *testing.T) {
	t.Parallel()
	fq := &fakeQueue{dlqEntries: []domain.DLQEntry{{JobID: "job-1"}}}
	s := newTestServer(fq)
	req := httptest.NewRequest(http.MethodGet, "/v1/dlq", nil)
	w := httptest.NewRecorder()

	s.ListDLQHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var entries []domain.DLQEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	require.Equal(t, "job-1", entries[0].JobID)
}

func TestReprocessDLQHandler_Success(t *testing.T) {
	t.Parallel()
	fq := &fakeQueue{reprocessID: "job-2"}
	s := newTestServer(fq)

	r := chi.NewRouter()
	r.Post("/v1/dlq/{id}/reprocess", s.ReprocessDLQHandler)
	req := httptest.NewRequest(http.MethodPost, "/v1/dlq/job-1/reprocess", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "job-2", body.JobID)
}

func TestReprocessDLQHandler_NotFound(t *testing.T) {
	t.Parallel()
	fq := &fakeQueue{reprocessErr: domain.ErrNotFound}
	s := newTestServer(fq)

	r := chi.NewRouter()
	r.Post("/v1/dlq/{id}/reprocess", s.ReprocessDLQHandler)
	req := httptest.NewRequest(http.MethodPost, "/v1/dlq/missing/reprocess", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthHandler(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeQueue{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.HealthHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestReadyHandler_ReflectsQueueFailure(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeQueue{statsErr: domain.ErrInternal})
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.ReadyHandler(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestListRobotsHandler_NilCoordinatorReturnsEmpty(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeQueue{})
	req := httptest.NewRequest(http.MethodGet, "/v1/robots", nil)
	w := httptest.NewRecorder()

	s.ListRobotsHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `[]`, w.Body.String())
}

func TestIngestEventHandler_NilSchedulerIsInternalError(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeQueue{})
	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewBufferString(`{"event_type":"upstream_ready"}`))
	w := httptest.NewRecorder()

	s.IngestEventHandler(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAdminTokenHandler_DisabledWhenNotConfigured(t *testing.T) {
	t.Parallel()
	s := newTestServer(&fakeQueue{})
	req := httptest.NewRequest(http.MethodPost, "/admin/token", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()

	s.AdminTokenHandler(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminTokenHandler_IssuesTokenForValidCredentials(t *testing.T) {
	t.Parallel()
	cfg := config.Config{AdminUsername: "admin", AdminPassword: "pw", AdminSessionSecret: "secret"}
	s := NewServer(cfg, &fakeQueue{}, nil, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/admin/token", bytes.NewBufferString(`{"username":"admin","password":"pw"}`))
	w := httptest.NewRecorder()

	s.AdminTokenHandler(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp adminTokenResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotEmpty(t, resp.Token)
}

func TestAdminTokenHandler_RejectsBadCredentials(t *testing.T) {
	t.Parallel()
	cfg := config.Config{AdminUsername: "admin", AdminPassword: "pw", AdminSessionSecret: "secret"}
	s := NewServer(cfg, &fakeQueue{}, nil, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/admin/token", bytes.NewBufferString(`{"username":"admin","password":"wrong"}`))
	w := httptest.NewRecorder()

	s.AdminTokenHandler(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}
