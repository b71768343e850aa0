package indexing

import (
	"context"
	"encoding/json"

	"github.com/ternarybob/corpus/internal/jobs/engine"
	"github.com/ternarybob/corpus/internal/models"
)

type openJobs struct {
	Inits   []string `json:"inits,omitempty"`
	Updates []string `json:"updates,omitempty"`
}

func (o openJobs) all() []string {
	return append(append([]string{}, o.Inits...), o.Updates...)
}

// runSourceJob decides, under the source's scheduler lock, whether an
// init or update request starts a child job, is rejected or is dropped
func (s *Service) runSourceJob(jc *engine.Context, input json.RawMessage) (interface{}, error) {
	var req models.IndexingJobRequest
	if err := decodeInput(input, &req); err != nil {
		return nil, err
	}
	logger := jc.Logger()

	if _, err := s.loadSource(jc, req.SourceID); err != nil {
		return nil, err
	}

	// Released even when Acquire fails, so a cancelled waiter leaves the queue
	defer s.locks.Release(jc, req.SourceID, jc.JobID())
	if err := s.locks.Acquire(jc, req.SourceID, jc.JobID()); err != nil {
		return nil, err
	}

	open, err := engine.Activity(jc, "open_jobs", func(ctx context.Context) (openJobs, error) {
		return s.openSourceJobs(ctx, req.SourceID, jc.JobID())
	})
	if err != nil {
		return nil, err
	}

	switch req.Type {
	case models.IndexingInit:
		if len(open.Inits) > 0 && !req.Force {
			logger.Warn().
				Str("source_id", req.SourceID).
				Strs("open_inits", open.Inits).
				Msg("Init rejected, source already initializing")
			return nil, models.ErrSourceBusy(req.SourceID)
		}

		cancel := open.Updates
		if req.Force {
			cancel = open.all()
		}
		if _, err := engine.Activity(jc, "cancel_open", func(ctx context.Context) (int, error) {
			for _, id := range cancel {
				if err := s.engine.Cancel(ctx, id); err != nil {
					return 0, err
				}
			}
			return len(cancel), nil
		}); err != nil {
			return nil, err
		}
		if len(cancel) > 0 {
			logger.Info().
				Str("source_id", req.SourceID).
				Strs("cancelled", cancel).
				Bool("force", req.Force).
				Msg("Cancelled open jobs superseded by init")
		}

		child, err := jc.StartChild(engine.ChildOptions{
			Key:               string(models.IndexingInit),
			Kind:              models.JobKindInitSource,
			ParentClosePolicy: models.ParentCloseAbandon,
			Input:             sourceTaskInput{SourceID: req.SourceID},
		})
		if err != nil {
			return nil, err
		}
		return SourceJobResult{Status: models.ScheduleStarted, ChildJobID: child.ID}, nil

	case models.IndexingUpdate:
		all := open.all()
		if len(all) >= 2 {
			logger.Info().
				Str("source_id", req.SourceID).
				Strs("open", all).
				Msg("Update dropped, source already has queued work")
			return SourceJobResult{Status: models.ScheduleSkipped}, nil
		}

		child, err := jc.StartChild(engine.ChildOptions{
			Key:               string(models.IndexingUpdate),
			Kind:              models.JobKindUpdateSource,
			ParentClosePolicy: models.ParentCloseAbandon,
			Input:             sourceTaskInput{SourceID: req.SourceID, DependsOn: append(all, req.DependsOn...)},
		})
		if err != nil {
			return nil, err
		}
		return SourceJobResult{Status: models.ScheduleStarted, ChildJobID: child.ID}, nil
	}

	return nil, models.NewNonRetryable("invalid_input", "unknown indexing job type %q", req.Type)
}

// openSourceJobs lists open init and update jobs of the source, minus the caller's own children
func (s *Service) openSourceJobs(ctx context.Context, sourceID, callerID string) (openJobs, error) {
	jobs, err := s.engine.ListJobs(ctx, models.JobFilter{
		SourceID: sourceID,
		Kinds:    []models.JobKind{models.JobKindInitSource, models.JobKindUpdateSource},
		OpenOnly: true,
	})
	if err != nil {
		return openJobs{}, err
	}

	var open openJobs
	for _, job := range jobs {
		if job.ParentID == callerID {
			continue
		}
		if job.Kind == models.JobKindInitSource {
			open.Inits = append(open.Inits, job.ID)
		} else {
			open.Updates = append(open.Updates, job.ID)
		}
	}
	return open, nil
}
