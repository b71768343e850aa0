package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
	"github.com/ternarybob/corpus/internal/services/events"
)

type fakeScheduler struct {
	mu       sync.Mutex
	requests []models.IndexingJobRequest
	result   *models.ScheduleResult
	jobs     map[string]*models.Job
}

func (f *fakeScheduler) ScheduleIndexingJob(ctx context.Context, req models.IndexingJobRequest) (*models.ScheduleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.result, nil
}

func (f *fakeScheduler) JobStatus(ctx context.Context, jobID string) (*models.Job, error) {
	if job, ok := f.jobs[jobID]; ok {
		return job, nil
	}
	return nil, interfaces.ErrNotFound
}

func (f *fakeScheduler) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	return nil, nil
}

func (f *fakeScheduler) CancelJob(ctx context.Context, jobID string) error {
	_, err := f.JobStatus(ctx, jobID)
	return err
}

func (f *fakeScheduler) InitProgress(ctx context.Context, jobID string) (*models.InitProgress, error) {
	return &models.InitProgress{Status: models.ProgressFinished}, nil
}

type fakeLocks struct{}

func (fakeLocks) QueryLock(ctx context.Context, sourceID string) (*models.LockView, error) {
	return &models.LockView{SourceID: sourceID, Current: "job-1"}, nil
}

func TestJobHandler_IndexSourceStatuses(t *testing.T) {
	scheduler := &fakeScheduler{}
	handler := NewJobHandler(scheduler, fakeLocks{}, arbor.NewLogger())

	cases := []struct {
		result *models.ScheduleResult
		want   int
	}{
		{&models.ScheduleResult{JobID: "j1", Status: models.ScheduleStarted, ChildJobID: "c1"}, http.StatusAccepted},
		{&models.ScheduleResult{JobID: "j1", Status: models.ScheduleSkipped}, http.StatusOK},
		{&models.ScheduleResult{JobID: "j1", Status: models.ScheduleBusy, ErrorCode: models.ErrCodeSourceBusy}, http.StatusConflict},
	}
	for _, tc := range cases {
		scheduler.result = tc.result
		req := httptest.NewRequest(http.MethodPost, "/api/sources/src-1/index", strings.NewReader(`{"type":"init","force":true}`))
		rec := httptest.NewRecorder()
		handler.IndexSourceHandler(rec, req)

		assert.Equal(t, tc.want, rec.Code, tc.result.Status)
		var body models.ScheduleResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, tc.result.Status, body.Status)
	}

	require.Len(t, scheduler.requests, 3)
	assert.Equal(t, models.IndexingJobRequest{SourceID: "src-1", Type: models.IndexingInit, Force: true}, scheduler.requests[0])

	rec := httptest.NewRecorder()
	handler.IndexSourceHandler(rec, httptest.NewRequest(http.MethodPost, "/api/sources/src-1/index", strings.NewReader(`{"type":"rebuild"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobHandler_MissingJobIs404(t *testing.T) {
	scheduler := &fakeScheduler{jobs: map[string]*models.Job{"job-1": {ID: "job-1", Status: models.JobStatusRunning}}}
	handler := NewJobHandler(scheduler, fakeLocks{}, arbor.NewLogger())

	rec := httptest.NewRecorder()
	handler.GetJobHandler(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/job-1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.CancelJobHandler(rec, httptest.NewRequest(http.MethodPost, "/api/jobs/nope/cancel", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.SourceLockHandler(rec, httptest.NewRequest(http.MethodGet, "/api/sources/src-1/lock", nil))
	assert.JSONEq(t, `{"source_id":"src-1","current":"job-1"}`, rec.Body.String())
}

func signedWebhook(t *testing.T, secret, event, body string) *http.Request {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/github?source_id=src-gh", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func TestWebhookHandler_PublishesObserverNotice(t *testing.T) {
	bus := events.NewService(arbor.NewLogger())
	defer bus.Close()

	notices := make(chan string, 4)
	require.NoError(t, bus.Subscribe(interfaces.EventObserverNotice, func(ctx context.Context, event interfaces.Event) error {
		notices <- event.Payload.(string)
		return nil
	}))
	handler := NewWebhookHandler(bus, "s3cret", arbor.NewLogger())

	rec := httptest.NewRecorder()
	handler.GitHubHandler(rec, signedWebhook(t, "wrong", "issues", `{"action":"opened"}`))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	handler.GitHubHandler(rec, signedWebhook(t, "s3cret", "ping", `{"zen":"hi"}`))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.GitHubHandler(rec, signedWebhook(t, "s3cret", "issue_comment", `{"action":"created"}`))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case sourceID := <-notices:
		assert.Equal(t, "src-gh", sourceID)
	case <-time.After(2 * time.Second):
		t.Fatal("observer notice was not published")
	}
	assert.Empty(t, notices, "ping and rejected deliveries publish nothing")
}

func TestExtractIDFromPath(t *testing.T) {
	assert.Equal(t, "abc", extractIDFromPath("/api/sources/abc", "/api/sources/"))
	assert.Equal(t, "abc", extractIDFromPath("/api/sources/abc/connect", "/api/sources/"))
	assert.Equal(t, "connect", pathAction("/api/sources/abc/connect", "/api/sources/"))
	assert.Equal(t, "", extractIDFromPath("/api/jobs/x", "/api/sources/"))
}
