package indexing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/corpus/internal/jobs/engine"
	"github.com/ternarybob/corpus/internal/models"
)

// runUpdateSource waits for the jobs it depends on, then indexes the
// incremental changes the provider reports
func (s *Service) runUpdateSource(jc *engine.Context, input json.RawMessage) (interface{}, error) {
	var in sourceTaskInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	logger := jc.Logger()

	if err := s.awaitDependencies(jc, in.DependsOn); err != nil {
		return nil, err
	}

	source, err := s.loadSource(jc, in.SourceID)
	if err != nil {
		return nil, err
	}
	provider, err := s.registry.Provider(source.ProviderType)
	if err != nil {
		return nil, err
	}

	if _, err := engine.Activity(jc, "mark_updating", func(ctx context.Context) (bool, error) {
		return true, s.updateSource(ctx, in.SourceID, func(source *models.Source) {
			source.Lifecycle = models.SourceUpdating
		})
	}); err != nil {
		return nil, err
	}

	task, err := awaitTask(s, jc, "update_source", func(ctx context.Context, taskID string) (*models.SourceTaskResult, error) {
		return provider.HandleSourceUpdate(ctx, models.SourceTaskParams{Source: source, TaskID: taskID})
	}, sourceTaskStatus)
	if err != nil {
		return nil, err
	}

	if _, err := engine.Activity(jc, "audit", func(ctx context.Context) (int, error) {
		return len(task.Events), s.audit.AppendEvents(ctx, in.SourceID, jc.JobID(), models.IndexingUpdate, task.Events)
	}); err != nil {
		return nil, err
	}

	summary, err := s.dispatchEvents(jc, in.SourceID, task.Events, nil)
	if err != nil {
		return nil, err
	}

	if _, err := engine.Activity(jc, "finish", func(ctx context.Context) (bool, error) {
		return true, s.updateSource(ctx, in.SourceID, func(source *models.Source) {
			source.Lifecycle = models.SourceIdle
			if len(task.SourceState) > 0 {
				source.State = task.SourceState
			}
		})
	}); err != nil {
		return nil, err
	}

	logger.Info().
		Str("source_id", source.ID).
		Int("events", summary.Events).
		Int("failed", summary.Failed).
		Msg("Source updated")

	return summary, nil
}

// awaitDependencies blocks until every job in dependsOn is closed
func (s *Service) awaitDependencies(jc *engine.Context, dependsOn []string) error {
	if len(dependsOn) == 0 {
		return nil
	}

	for poll := 0; ; poll++ {
		open, err := engine.Activity(jc, fmt.Sprintf("dependencies:%d", poll), func(ctx context.Context) ([]string, error) {
			var open []string
			for _, id := range dependsOn {
				isOpen, err := JobOpen(ctx, s.engine, id)
				if err != nil {
					return nil, err
				}
				if isOpen {
					open = append(open, id)
				}
			}
			return open, nil
		})
		if err != nil {
			return err
		}
		if len(open) == 0 {
			return nil
		}

		jc.Logger().Debug().
			Strs("waiting_on", open).
			Msg("Update waiting for open jobs to close")

		if err := jc.Timer(fmt.Sprintf("dependencies:%d", poll), s.config.DependencyPollInterval); err != nil {
			return err
		}
	}
}
