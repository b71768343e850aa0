package indexing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/jobs/engine"
	"github.com/ternarybob/corpus/internal/models"
)

// DeleteOptions narrows DeleteSourceResources
type DeleteOptions struct {
	// ExcludeJobIDs are never cancelled, typically the deleting job itself
	ExcludeJobIDs []string
	// DataOnly keeps jobs, the observer, the lock and the source record
	DataOnly bool
}

// runDeleteSource removes everything the source owns, the source included
func (s *Service) runDeleteSource(jc *engine.Context, input json.RawMessage) (interface{}, error) {
	var in sourceTaskInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}

	if _, err := engine.Activity(jc, "delete", func(ctx context.Context) (bool, error) {
		return true, s.DeleteSourceResources(ctx, in.SourceID, DeleteOptions{ExcludeJobIDs: []string{jc.JobID()}})
	}); err != nil {
		return nil, err
	}

	jc.Logger().Info().Str("source_id", in.SourceID).Msg("Source deleted")
	return nil, nil
}

// DeleteSourceResources cancels the source's open jobs and erases its
// files, records, event audit, pipeline states, lock and source record.
// It is safe to call for a source that has none of these.
func (s *Service) DeleteSourceResources(ctx context.Context, sourceID string, opts DeleteOptions) error {
	logger := s.logger.WithCorrelationId(sourceID)

	if !opts.DataOnly {
		cancelled, err := s.cancelSourceJobs(ctx, sourceID, opts.ExcludeJobIDs)
		if err != nil {
			return err
		}
		if cancelled > 0 {
			logger.Info().
				Str("source_id", sourceID).
				Int("cancelled", cancelled).
				Msg("Cancelled open jobs of deleted source")
		}
		s.unregisterObserver(ctx, sourceID)
	}

	files, err := s.registry.FileStorage().DeleteSourceFiles(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("failed to delete files of source %s: %w", sourceID, err)
	}
	records, err := s.registry.Database().DeleteSourceRecords(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("failed to delete records of source %s: %w", sourceID, err)
	}
	if err := s.audit.DeleteSourceEvents(ctx, sourceID); err != nil {
		return err
	}
	if err := s.states.DeleteSourceStates(ctx, sourceID); err != nil {
		return err
	}

	if !opts.DataOnly {
		if err := s.locks.Delete(ctx, sourceID); err != nil {
			return err
		}
		if err := s.sources.DeleteSource(ctx, sourceID); err != nil {
			return err
		}
	}

	logger.Info().
		Str("source_id", sourceID).
		Int("files", files).
		Int("records", records).
		Bool("data_only", opts.DataOnly).
		Msg("Source resources deleted")
	return nil
}

func (s *Service) cancelSourceJobs(ctx context.Context, sourceID string, exclude []string) (int, error) {
	jobs, err := s.engine.ListJobs(ctx, models.JobFilter{SourceID: sourceID, OpenOnly: true})
	if err != nil {
		return 0, err
	}

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	cancelled := 0
	for _, job := range jobs {
		if excluded[job.ID] {
			continue
		}
		if err := s.engine.Cancel(ctx, job.ID); err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

// unregisterObserver is best effort: an unreachable remote must not block deletion
func (s *Service) unregisterObserver(ctx context.Context, sourceID string) {
	source, err := s.sources.GetSource(ctx, sourceID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			s.logger.Warn().Err(err).Str("source_id", sourceID).Msg("Failed to load source for observer removal")
		}
		return
	}
	provider, err := s.registry.Provider(source.ProviderType)
	if err != nil {
		return
	}
	if err := provider.UnregisterObserver(ctx, source); err != nil {
		s.logger.Warn().
			Err(err).
			Str("source_id", sourceID).
			Str("provider", source.ProviderType).
			Msg("Failed to unregister observer")
	}
}
