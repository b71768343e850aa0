package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
)

// JobScheduler is the dispatcher surface the job API drives
type JobScheduler interface {
	ScheduleIndexingJob(ctx context.Context, req models.IndexingJobRequest) (*models.ScheduleResult, error)
	JobStatus(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
	CancelJob(ctx context.Context, jobID string) error
	InitProgress(ctx context.Context, jobID string) (*models.InitProgress, error)
}

// LockQuerier reads a source's scheduler lock
type LockQuerier interface {
	QueryLock(ctx context.Context, sourceID string) (*models.LockView, error)
}

// JobHandler handles job-related API requests
type JobHandler struct {
	scheduler JobScheduler
	locks     LockQuerier
	logger    arbor.ILogger
}

// NewJobHandler creates a new job handler
func NewJobHandler(scheduler JobScheduler, locks LockQuerier, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		scheduler: scheduler,
		locks:     locks,
		logger:    logger,
	}
}

type indexRequest struct {
	Type      models.IndexingJobType `json:"type"`
	Force     bool                   `json:"force,omitempty"`
	DependsOn []string               `json:"depends_on,omitempty"`
}

// IndexSourceHandler handles POST /api/sources/{id}/index. A busy source is
// reported as 409 with the SOURCE_BUSY code, a duplicate update as 200 skipped.
func (h *JobHandler) IndexSourceHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	sourceID := extractIDFromPath(r.URL.Path, "/api/sources/")
	req := indexRequest{Type: models.IndexingUpdate}
	if r.ContentLength != 0 {
		if err := DecodeJSON(w, r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Type != models.IndexingInit && req.Type != models.IndexingUpdate {
		WriteError(w, http.StatusBadRequest, "type must be init or update")
		return
	}

	result, err := h.scheduler.ScheduleIndexingJob(r.Context(), models.IndexingJobRequest{
		SourceID:  sourceID,
		Type:      req.Type,
		Force:     req.Force,
		DependsOn: req.DependsOn,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("source_id", sourceID).Msg("Failed to schedule indexing job")
		WriteJobError(w, err)
		return
	}

	status := http.StatusOK
	switch result.Status {
	case models.ScheduleStarted:
		status = http.StatusAccepted
	case models.ScheduleBusy:
		status = http.StatusConflict
	}
	WriteJSON(w, status, result)
}

// SourceLockHandler handles GET /api/sources/{id}/lock
func (h *JobHandler) SourceLockHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	view, err := h.locks.QueryLock(r.Context(), extractIDFromPath(r.URL.Path, "/api/sources/"))
	if err != nil {
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

// ListJobsHandler returns jobs, newest first
// GET /api/jobs?source_id=&parent_id=&kind=&open=true&limit=50
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	query := r.URL.Query()
	filter := models.JobFilter{
		SourceID: query.Get("source_id"),
		ParentID: query.Get("parent_id"),
		OpenOnly: query.Get("open") == "true",
		Limit:    queryInt(r, "limit", 50),
	}
	if kinds := query.Get("kind"); kinds != "" {
		for _, kind := range strings.Split(kinds, ",") {
			filter.Kinds = append(filter.Kinds, models.JobKind(strings.TrimSpace(kind)))
		}
	}

	jobs, err := h.scheduler.ListJobs(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	WriteJSON(w, http.StatusOK, jobs)
}

// GetJobHandler handles GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	job, err := h.scheduler.JobStatus(r.Context(), extractIDFromPath(r.URL.Path, "/api/jobs/"))
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// CancelJobHandler handles POST /api/jobs/{id}/cancel
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	jobID := extractIDFromPath(r.URL.Path, "/api/jobs/")
	if err := h.scheduler.CancelJob(r.Context(), jobID); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		WriteJobError(w, err)
		return
	}

	h.logger.Info().Str("job_id", jobID).Msg("Job cancellation requested")
	WriteSuccess(w, "Cancellation requested")
}

// ProgressHandler handles GET /api/jobs/{id}/progress for init-source jobs
func (h *JobHandler) ProgressHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	progress, err := h.scheduler.InitProgress(r.Context(), extractIDFromPath(r.URL.Path, "/api/jobs/"))
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "No progress for job")
			return
		}
		WriteJobError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, progress)
}
