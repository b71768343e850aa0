package server

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/ternarybob/corpus/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// Published files
	mux.HandleFunc(s.app.FilesHandler.Prefix(), s.app.FilesHandler.ServeFile)

	// API routes - Sources
	mux.HandleFunc("/api/sources", s.handleSourcesRoute)  // GET (list), POST (create)
	mux.HandleFunc("/api/sources/", s.handleSourceRoutes) // /{id} and /{id}/{action}

	// API routes - Jobs
	mux.HandleFunc("/api/jobs", s.app.JobHandler.ListJobsHandler) // GET
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes)               // /{id}, /{id}/cancel, /{id}/progress

	// API routes - Key/value store
	mux.HandleFunc("/api/kv", s.app.KVHandler.ListKVHandler)
	mux.HandleFunc("/api/kv/", s.handleKVRoutes) // PUT/DELETE /{key}

	// API routes - Scheduler
	mux.HandleFunc("/api/scheduler", s.app.SchedulerHandler.StatusHandler)
	mux.HandleFunc("/api/scheduler/trigger", s.app.SchedulerHandler.TriggerHandler)

	// API routes - Observer webhooks
	mux.HandleFunc("/api/webhooks/github", s.app.WebhookHandler.GitHubHandler)

	// API routes - System
	mux.HandleFunc("/api/plugins", s.app.APIHandler.PluginsHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)
	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// splitResource splits /prefix/{id}/{action} into id and action
func splitResource(path, prefix string) (id, action string) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	id, action, _ = strings.Cut(rest, "/")
	return id, action
}

// methods dispatches on the request method and answers 405 with an Allow
// header listing what the route accepts
type methods map[string]http.HandlerFunc

func (m methods) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h, ok := m[r.Method]; ok {
		h(w, r)
		return
	}
	allowed := make([]string, 0, len(m))
	for method := range m {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	handlers.WriteError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
}

func (s *Server) handleSourcesRoute(w http.ResponseWriter, r *http.Request) {
	methods{
		http.MethodGet:  s.app.SourcesHandler.ListSourcesHandler,
		http.MethodPost: s.app.SourcesHandler.CreateSourceHandler,
	}.ServeHTTP(w, r)
}

func (s *Server) handleSourceRoutes(w http.ResponseWriter, r *http.Request) {
	id, action := splitResource(r.URL.Path, "/api/sources/")
	if id == "" {
		s.handleSourcesRoute(w, r)
		return
	}

	switch action {
	case "":
		methods{
			http.MethodGet:    s.app.SourcesHandler.GetSourceHandler,
			http.MethodPut:    s.app.SourcesHandler.UpdateSourceHandler,
			http.MethodDelete: s.app.SourcesHandler.DeleteSourceHandler,
		}.ServeHTTP(w, r)
	case "connect":
		s.app.SourcesHandler.ConnectHandler(w, r)
	case "verify":
		s.app.SourcesHandler.VerifyHandler(w, r)
	case "entrypoints":
		s.app.SourcesHandler.EntrypointOptionsHandler(w, r)
	case "entrypoint":
		s.app.SourcesHandler.SetEntrypointHandler(w, r)
	case "index":
		s.app.JobHandler.IndexSourceHandler(w, r)
	case "lock":
		s.app.JobHandler.SourceLockHandler(w, r)
	default:
		s.app.APIHandler.NotFoundHandler(w, r)
	}
}

func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	id, action := splitResource(r.URL.Path, "/api/jobs/")
	switch {
	case id == "":
		s.app.JobHandler.ListJobsHandler(w, r)
	case action == "":
		s.app.JobHandler.GetJobHandler(w, r)
	case action == "cancel":
		s.app.JobHandler.CancelJobHandler(w, r)
	case action == "progress":
		s.app.JobHandler.ProgressHandler(w, r)
	default:
		s.app.APIHandler.NotFoundHandler(w, r)
	}
}

func (s *Server) handleKVRoutes(w http.ResponseWriter, r *http.Request) {
	methods{
		http.MethodPut:    s.app.KVHandler.SetKVHandler,
		http.MethodDelete: s.app.KVHandler.DeleteKVHandler,
	}.ServeHTTP(w, r)
}
