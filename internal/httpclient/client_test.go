package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/corpus/internal/models"
)

func TestClient_ScheduleIndexing(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/sources/src-1/index", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(models.ScheduleResult{JobID: "job-1", Status: models.ScheduleBusy, ErrorCode: models.ErrCodeSourceBusy})
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", 5*time.Second)
	result, err := client.ScheduleIndexing(context.Background(), "src-1", models.IndexingUpdate, true)
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleBusy, result.Status)
	assert.Equal(t, "update", got["type"])
	assert.Equal(t, true, got["force"])
}

func TestClient_ErrorCarriesCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"status":"error","error":"source missing","code":"source_not_found"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Job(context.Background(), "nope")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, models.ErrCodeSourceNotFound, apiErr.Code)
	assert.Equal(t, "source missing", apiErr.Message)
}

func TestClient_ListJobsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/jobs", r.URL.Path)
		assert.Equal(t, "src-1", r.URL.Query().Get("source_id"))
		assert.Equal(t, "true", r.URL.Query().Get("open"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		w.Write([]byte(`[{"id":"job-1","kind":"source","status":"running"}]`))
	}))
	defer srv.Close()

	jobs, err := NewClient(srv.URL, time.Second).ListJobs(context.Background(), "src-1", true, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusRunning, jobs[0].Status)
}
