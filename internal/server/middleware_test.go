package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/app"
)

func newTestServer() *Server {
	return &Server{app: &app.App{Logger: arbor.NewLogger()}}
}

func TestResourceField(t *testing.T) {
	tests := []struct {
		path  string
		field string
		id    string
		ok    bool
	}{
		{"/api/sources/src-1", "source_id", "src-1", true},
		{"/api/sources/src-1/index", "source_id", "src-1", true},
		{"/api/jobs/job-9/cancel", "job_id", "job-9", true},
		{"/api/kv/gemini_api_key", "kv_key", "gemini_api_key", true},
		{"/api/sources/", "", "", false},
		{"/api/jobs", "", "", false},
		{"/api/health", "", "", false},
	}

	for _, tt := range tests {
		field, id, ok := resourceField(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.field, field, tt.path)
		assert.Equal(t, tt.id, id, tt.path)
	}
}

func TestMiddleware_RequestID(t *testing.T) {
	s := newTestServer()
	h := s.withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/job-1", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job-1", nil)
	req.Header.Set(requestIDHeader, "req-42")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(requestIDHeader))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMiddleware_PanicBecomesJSONError(t *testing.T) {
	s := newTestServer()
	h := s.withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sources/src-1/index", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body["status"])
}

func TestMiddleware_PreflightAndWebSocketBypass(t *testing.T) {
	s := newTestServer()
	called := 0
	h := s.withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called++
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/sources", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, called)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, 1, called)
	assert.Empty(t, rec.Header().Get(requestIDHeader))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMethods_NotAllowedListsAllowed(t *testing.T) {
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	m := methods{http.MethodPut: ok, http.MethodDelete: ok}

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/kv/x", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "DELETE, PUT", rec.Header().Get("Allow"))

	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/kv/x", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
