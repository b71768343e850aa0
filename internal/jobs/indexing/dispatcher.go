package indexing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/jobs/engine"
	"github.com/ternarybob/corpus/internal/models"
)

var validate = validator.New()

// ScheduleIndexingJob runs a top-level source job for req and waits for it.
// When a source job is already open for the source, its outcome is returned
// instead of starting another. SOURCE_BUSY is a result, not an error.
func (s *Service) ScheduleIndexingJob(ctx context.Context, req models.IndexingJobRequest) (*models.ScheduleResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid indexing request: %w", err)
	}

	open, err := s.engine.ListJobs(ctx, models.JobFilter{
		SourceID: req.SourceID,
		Kinds:    []models.JobKind{models.JobKindSource},
		OpenOnly: true,
	})
	if err != nil {
		return nil, err
	}

	jobID := ""
	for _, job := range open {
		if job.ParentID == "" {
			jobID = job.ID
			s.logger.Info().
				Str("source_id", req.SourceID).
				Str("job_id", job.ID).
				Msg("Source job already running, awaiting it")
			break
		}
	}

	if jobID == "" {
		if req.JobID == "" {
			req.JobID = common.NewJobID()
		}
		job, err := s.engine.Start(ctx, engine.StartOptions{
			ID:       req.JobID,
			Kind:     models.JobKindSource,
			SourceID: req.SourceID,
			Input:    req,
		})
		if err != nil {
			return nil, err
		}
		jobID = job.ID
	}

	var result SourceJobResult
	if err := s.engine.Result(ctx, jobID, &result); err != nil {
		if models.IsSourceBusy(err) {
			return &models.ScheduleResult{
				JobID:     jobID,
				Status:    models.ScheduleBusy,
				ErrorCode: models.ErrCodeSourceBusy,
				Error:     err.Error(),
			}, nil
		}
		return nil, err
	}

	return &models.ScheduleResult{
		JobID:      jobID,
		Status:     result.Status,
		ChildJobID: result.ChildJobID,
	}, nil
}

// ScheduleDeleteSourceJob runs a delete-source job and waits for it
func (s *Service) ScheduleDeleteSourceJob(ctx context.Context, sourceID string) (*models.Job, error) {
	if sourceID == "" {
		return nil, fmt.Errorf("source id is required")
	}

	job, err := s.engine.Start(ctx, engine.StartOptions{
		Kind:     models.JobKindDeleteSource,
		SourceID: sourceID,
		Input:    sourceTaskInput{SourceID: sourceID},
	})
	if err != nil {
		return nil, err
	}
	if err := s.engine.Result(ctx, job.ID, nil); err != nil {
		return nil, err
	}
	return s.engine.GetJob(ctx, job.ID)
}

// JobStatus returns the stored job
func (s *Service) JobStatus(ctx context.Context, jobID string) (*models.Job, error) {
	return s.engine.GetJob(ctx, jobID)
}

// ListJobs lists jobs for the status API
func (s *Service) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	return s.engine.ListJobs(ctx, filter)
}

// CancelJob requests cooperative cancellation of a job
func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	return s.engine.Cancel(ctx, jobID)
}

// InitProgress reads the progress query of an init-source job. It works
// while the job runs and after it closed.
func (s *Service) InitProgress(ctx context.Context, jobID string) (*models.InitProgress, error) {
	data, err := s.engine.Query(ctx, jobID, QueryProgress)
	if err != nil {
		return nil, err
	}
	var progress models.InitProgress
	if err := json.Unmarshal(data, &progress); err != nil {
		return nil, fmt.Errorf("failed to decode progress of job %s: %w", jobID, err)
	}
	return &progress, nil
}
