package indexing

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ternarybob/corpus/internal/jobs/engine"
	"github.com/ternarybob/corpus/internal/models"
)

// progressTracker backs the progress query of an init-source job
type progressTracker struct {
	mu       sync.Mutex
	finished bool
	results  []models.EventOutcome
}

func (p *progressTracker) record(outcome models.EventOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, outcome)
}

func (p *progressTracker) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = true
}

func (p *progressTracker) snapshot() (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := models.ProgressRunning
	if p.finished {
		status = models.ProgressFinished
	}
	results := make([]models.EventOutcome, len(p.results))
	copy(results, p.results)
	return models.InitProgress{Status: status, Results: results}, nil
}

// runInitSource resets the source, enumerates it through its provider and
// indexes every reported event, then registers the change observer
func (s *Service) runInitSource(jc *engine.Context, input json.RawMessage) (interface{}, error) {
	var in sourceTaskInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	logger := jc.Logger()

	progress := &progressTracker{}
	jc.SetQueryHandler(QueryProgress, progress.snapshot)

	source, err := s.loadSource(jc, in.SourceID)
	if err != nil {
		return nil, err
	}
	provider, err := s.registry.Provider(source.ProviderType)
	if err != nil {
		return nil, err
	}

	if _, err := engine.Activity(jc, "reset", func(ctx context.Context) (bool, error) {
		if err := s.DeleteSourceResources(ctx, in.SourceID, DeleteOptions{DataOnly: true}); err != nil {
			return false, err
		}
		return true, s.updateSource(ctx, in.SourceID, func(source *models.Source) {
			source.Lifecycle = models.SourceInitializing
			source.Initialized = false
		})
	}); err != nil {
		return nil, err
	}

	logger.Info().
		Str("source_id", source.ID).
		Str("provider", source.ProviderType).
		Msg("Initializing source")

	task, err := awaitTask(s, jc, "init_source", func(ctx context.Context, taskID string) (*models.SourceTaskResult, error) {
		return provider.InitSource(ctx, models.SourceTaskParams{Source: source, TaskID: taskID})
	}, sourceTaskStatus)
	if err != nil {
		return nil, err
	}

	if _, err := engine.Activity(jc, "audit", func(ctx context.Context) (int, error) {
		return len(task.Events), s.audit.AppendEvents(ctx, in.SourceID, jc.JobID(), models.IndexingInit, task.Events)
	}); err != nil {
		return nil, err
	}

	summary, err := s.dispatchEvents(jc, in.SourceID, task.Events, progress.record)
	if err != nil {
		return nil, err
	}

	if _, err := engine.Activity(jc, "finish", func(ctx context.Context) (bool, error) {
		return true, s.updateSource(ctx, in.SourceID, func(source *models.Source) {
			source.Initialized = true
			source.Lifecycle = models.SourceIdle
			if len(task.SourceState) > 0 {
				source.State = task.SourceState
			}
		})
	}); err != nil {
		return nil, err
	}
	progress.finish()

	if _, err := engine.Activity(jc, "register_observer", func(ctx context.Context) (bool, error) {
		current, err := s.getSource(ctx, in.SourceID)
		if err != nil {
			return false, err
		}
		observer, err := provider.RegisterObserver(ctx, current)
		if err != nil {
			return false, models.WrapNonRetryable(models.ErrCodeObserverRegistrationFailed, err)
		}
		if observer == nil || len(observer.SourceState) == 0 {
			return false, nil
		}
		return true, s.updateSource(ctx, in.SourceID, func(source *models.Source) {
			source.State = observer.SourceState
		})
	}); err != nil {
		return nil, err
	}

	logger.Info().
		Str("source_id", source.ID).
		Int("events", summary.Events).
		Int("failed", summary.Failed).
		Msg("Source initialized")

	return summary, nil
}

func sourceTaskStatus(result *models.SourceTaskResult) (models.TaskStatus, string) {
	if result == nil {
		return models.TaskReady, ""
	}
	return result.Status, result.TaskID
}
