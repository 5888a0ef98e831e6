package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/pdfjobs/internal/jobmodel"
	"github.com/ternarybob/pdfjobs/internal/logging"
	"github.com/ternarybob/pdfjobs/internal/queue"
	"github.com/ternarybob/pdfjobs/internal/store"
)

// memStore is a minimal in-memory store.Store for exercising the API Facade
// without a real database.
type memStore struct {
	jobs  map[string]*jobmodel.Job
	dedup map[string]string
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*jobmodel.Job), dedup: make(map[string]string)}
}

func dedupKey(url, date string) string { return url + "|" + date }

func (m *memStore) FindDedup(_ context.Context, normalizedURL, creationDate string) (string, bool, error) {
	id, ok := m.dedup[dedupKey(normalizedURL, creationDate)]
	return id, ok, nil
}

func (m *memStore) InsertJob(_ context.Context, f store.NewJobFields) (*jobmodel.Job, error) {
	key := dedupKey(f.NormalizedURL, f.CreationDate)
	if _, exists := m.dedup[key]; exists {
		return nil, store.ErrDuplicate
	}
	job := &jobmodel.Job{
		ID: f.ID, URL: f.URL, NormalizedURL: f.NormalizedURL, DomainKey: f.DomainKey,
		RenderMode: f.RenderMode, Status: jobmodel.StatusQueued, MaxRetries: f.MaxRetries,
		NavigationTimeoutS: f.NavigationTimeoutS, JobTimeoutS: f.JobTimeoutS,
		MaxDomainWaitS: f.MaxDomainWaitS, Metadata: f.Metadata, CreatedAt: f.CreatedAt,
	}
	m.jobs[job.ID] = job
	m.dedup[key] = job.ID
	return job, nil
}

func (m *memStore) ClaimNext(context.Context, time.Time) (*jobmodel.Job, bool, error) { return nil, false, nil }
func (m *memStore) MarkWaiting(context.Context, string) error                         { return nil }

func (m *memStore) FinishJob(_ context.Context, jobID string, outcome store.Outcome, artifactPath string, errCode jobmodel.ErrorCode, errMessage string, now time.Time) error {
	j := m.jobs[jobID]
	if outcome == store.OutcomeSucceeded {
		j.Status = jobmodel.StatusSucceeded
	} else {
		j.Status = jobmodel.StatusFailed
	}
	j.ArtifactPath = artifactPath
	j.ErrorCode = errCode
	j.ErrorMessage = errMessage
	finished := now
	j.FinishedAt = &finished
	return nil
}

func (m *memStore) ReleaseForRetry(context.Context, string) error { return nil }

func (m *memStore) GetJob(_ context.Context, jobID string) (*jobmodel.Job, error) {
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) SweepExpiredWaits(context.Context, time.Time) ([]store.SweptWait, error) {
	return nil, nil
}

func (m *memStore) CountActive(_ context.Context) (int, error) {
	count := 0
	for _, j := range m.jobs {
		if !j.Status.Terminal() {
			count++
		}
	}
	return count, nil
}

func (m *memStore) ListStaleArtifacts(context.Context, time.Time) ([]store.StaleArtifact, error) {
	return nil, nil
}
func (m *memStore) ForgetArtifact(context.Context, string) error       { return nil }
func (m *memStore) ReclaimOrphanedRunning(context.Context) (int, error) { return 0, nil }
func (m *memStore) Close() error                                       { return nil }

func newTestServer() (*Server, *memStore) {
	st := newMemStore()
	q := queue.New(st, logging.GetLogger())
	return New("127.0.0.1:0", q, logging.GetLogger(), ""), st
}

func TestCreateJob_HappyPath(t *testing.T) {
	s, _ := newTestServer()

	body := strings.NewReader(`{"url":"https://example.com/report"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/pdf-jobs", body)
	rec := httptest.NewRecorder()

	s.routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, "queued", resp.Status)
	assert.False(t, resp.Deduplicated)
}

func TestCreateJob_RejectsUnsafeURL(t *testing.T) {
	s, _ := newTestServer()

	body := strings.NewReader(`{"url":"http://169.254.169.254/latest/meta-data"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/pdf-jobs", body)
	rec := httptest.NewRecorder()

	s.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJob_DuplicateReturnsAcceptedWithDeduplicatedFlag(t *testing.T) {
	s, _ := newTestServer()

	first := httptest.NewRequest(http.MethodPost, "/v1/pdf-jobs", strings.NewReader(`{"url":"https://example.com/dup"}`))
	rec1 := httptest.NewRecorder()
	s.routes().ServeHTTP(rec1, first)
	require.Equal(t, http.StatusAccepted, rec1.Code)
	var firstResp jobResponse
	require.NoError(t, json.Unmarshal(rec1.Body.Bytes(), &firstResp))

	second := httptest.NewRequest(http.MethodPost, "/v1/pdf-jobs", strings.NewReader(`{"url":"https://example.com/dup"}`))
	rec2 := httptest.NewRecorder()
	s.routes().ServeHTTP(rec2, second)

	require.Equal(t, http.StatusAccepted, rec2.Code)
	var secondResp jobResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &secondResp))
	assert.True(t, secondResp.Deduplicated)
	assert.Equal(t, firstResp.JobID, secondResp.JobID)
}

func TestGetJob_NotFound(t *testing.T) {
	s, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/v1/pdf-jobs/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJob_ReturnsCurrentState(t *testing.T) {
	s, st := newTestServer()

	createReq := httptest.NewRequest(http.MethodPost, "/v1/pdf-jobs", strings.NewReader(`{"url":"https://example.com/state"}`))
	createRec := httptest.NewRecorder()
	s.routes().ServeHTTP(createRec, createReq)
	var created jobResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	st.jobs[created.JobID].Status = jobmodel.StatusRunning

	getReq := httptest.NewRequest(http.MethodGet, "/v1/pdf-jobs/"+created.JobID, nil)
	getRec := httptest.NewRecorder()
	s.routes().ServeHTTP(getRec, getReq)

	require.Equal(t, http.StatusOK, getRec.Code)
	var resp jobResponse
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &resp))
	assert.Equal(t, "running", resp.Status)
}

func TestDownloadArtifact_NotYetReady(t *testing.T) {
	s, _ := newTestServer()

	createReq := httptest.NewRequest(http.MethodPost, "/v1/pdf-jobs", strings.NewReader(`{"url":"https://example.com/pending"}`))
	createRec := httptest.NewRecorder()
	s.routes().ServeHTTP(createRec, createReq)
	var created jobResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	fileReq := httptest.NewRequest(http.MethodGet, "/v1/pdf-jobs/"+created.JobID+"/file", nil)
	fileRec := httptest.NewRecorder()
	s.routes().ServeHTTP(fileRec, fileReq)

	assert.Equal(t, http.StatusBadRequest, fileRec.Code)
}

func TestDownloadArtifact_SucceededServesFile(t *testing.T) {
	s, st := newTestServer()

	createReq := httptest.NewRequest(http.MethodPost, "/v1/pdf-jobs", strings.NewReader(`{"url":"https://example.com/done"}`))
	createRec := httptest.NewRecorder()
	s.routes().ServeHTTP(createRec, createReq)
	var created jobResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	dir := t.TempDir()
	artifactPath := filepath.Join(dir, created.JobID+".pdf")
	require.NoError(t, os.WriteFile(artifactPath, []byte("%PDF-1.4 stub"), 0644))

	job := st.jobs[created.JobID]
	job.Status = jobmodel.StatusSucceeded
	job.ArtifactPath = artifactPath

	fileReq := httptest.NewRequest(http.MethodGet, "/v1/pdf-jobs/"+created.JobID+"/file", nil)
	fileRec := httptest.NewRecorder()
	s.routes().ServeHTTP(fileRec, fileReq)

	require.Equal(t, http.StatusOK, fileRec.Code)
	assert.Equal(t, "application/pdf", fileRec.Header().Get("Content-Type"))
}

func TestDownloadArtifact_CleanedUpReportsNotFoundDistinctly(t *testing.T) {
	s, st := newTestServer()

	createReq := httptest.NewRequest(http.MethodPost, "/v1/pdf-jobs", strings.NewReader(`{"url":"https://example.com/gone"}`))
	createRec := httptest.NewRecorder()
	s.routes().ServeHTTP(createRec, createReq)
	var created jobResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	job := st.jobs[created.JobID]
	job.Status = jobmodel.StatusSucceeded
	job.ArtifactPath = ""

	fileReq := httptest.NewRequest(http.MethodGet, "/v1/pdf-jobs/"+created.JobID+"/file", nil)
	fileRec := httptest.NewRecorder()
	s.routes().ServeHTTP(fileRec, fileReq)

	require.Equal(t, http.StatusNotFound, fileRec.Code)
	assert.Contains(t, fileRec.Body.String(), "cleaned up")
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}
