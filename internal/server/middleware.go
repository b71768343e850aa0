package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/handlers"
)

const requestIDHeader = "X-Request-ID"

// resourcePrefixes maps API path prefixes to the log field naming the addressed entity
var resourcePrefixes = []struct {
	prefix string
	field  string
}{
	{"/api/sources/", "source_id"},
	{"/api/jobs/", "job_id"},
	{"/api/kv/", "kv_key"},
}

// withMiddleware wraps the router with CORS, request logging and panic
// recovery. WebSocket upgrades only get CORS headers since the hijacked
// connection outlives the request.
func (s *Server) withMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		if r.URL.Path == "/ws" {
			handler.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, requestID)

		logger := s.app.Logger.WithCorrelationId(requestID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		defer func() {
			if p := recover(); p != nil {
				logger.Error().
					Err(common.PanicError(p)).
					Str("path", r.URL.Path).
					Msg("Panic recovered in HTTP handler")
				if !rec.wroteHeader {
					handlers.WriteError(rec, http.StatusInternalServerError, "internal server error")
				}
			}
			logRequest(logger, r, rec, time.Since(start))
		}()

		handler.ServeHTTP(rec, r)
	})
}

func setCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+requestIDHeader)
	h.Set("Access-Control-Expose-Headers", requestIDHeader)
}

// resourceField returns the log field and id for paths addressing a single
// source, job or key. ok is false for collection routes.
func resourceField(path string) (field, id string, ok bool) {
	for _, rp := range resourcePrefixes {
		if !strings.HasPrefix(path, rp.prefix) {
			continue
		}
		id, _ = splitResource(path, rp.prefix)
		if id == "" {
			return "", "", false
		}
		return rp.field, id, true
	}
	return "", "", false
}

func logRequest(logger arbor.ILogger, r *http.Request, rec *statusRecorder, elapsed time.Duration) {
	event := logger.Debug()
	if rec.status >= http.StatusInternalServerError {
		event = logger.Warn()
	}
	event = event.
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", rec.status).
		Int("bytes", rec.bytes).
		Dur("duration", elapsed)
	if r.URL.RawQuery != "" {
		event = event.Str("query", r.URL.RawQuery)
	}
	if field, id, ok := resourceField(r.URL.Path); ok {
		event = event.Str(field, id)
	}
	event.Msg("HTTP request")
}

// statusRecorder captures the status code and body size for request logs
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (rec *statusRecorder) WriteHeader(code int) {
	if rec.wroteHeader {
		return
	}
	rec.status = code
	rec.wroteHeader = true
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	rec.wroteHeader = true
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += n
	return n, err
}
