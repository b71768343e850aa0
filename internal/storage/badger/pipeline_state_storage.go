package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// PipelineStateStorage persists in-flight pipeline runs as their JSON form
type PipelineStateStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewPipelineStateStorage creates a new PipelineStateStorage instance
func NewPipelineStateStorage(db *BadgerDB, logger arbor.ILogger) interfaces.PipelineStateStorage {
	return &PipelineStateStorage{
		db:     db,
		logger: logger,
	}
}

func (s *PipelineStateStorage) SaveState(ctx context.Context, state *models.PipelineState) error {
	if state.ID == "" {
		return fmt.Errorf("pipeline state ID is required")
	}
	data, err := state.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to encode pipeline state: %w", err)
	}

	record := &models.PipelineStateRecord{
		ID:        state.ID,
		SourceID:  state.SourceID,
		JobID:     state.JobID,
		Data:      data,
		UpdatedAt: time.Now(),
	}
	if err := s.db.Store().Upsert(record.ID, record); err != nil {
		return fmt.Errorf("failed to save pipeline state: %w", err)
	}
	return nil
}

func (s *PipelineStateStorage) GetState(ctx context.Context, id string) (*models.PipelineState, error) {
	var record models.PipelineStateRecord
	if err := s.db.Store().Get(id, &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get pipeline state: %w", err)
	}
	return models.PipelineStateFromJSON(record.Data)
}

func (s *PipelineStateStorage) DeleteState(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.PipelineStateRecord{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete pipeline state: %w", err)
	}
	return nil
}

func (s *PipelineStateStorage) DeleteJobStates(ctx context.Context, jobID string) error {
	if err := s.db.Store().DeleteMatching(&models.PipelineStateRecord{}, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return fmt.Errorf("failed to delete pipeline states of job %s: %w", jobID, err)
	}
	return nil
}

func (s *PipelineStateStorage) DeleteSourceStates(ctx context.Context, sourceID string) error {
	if err := s.db.Store().DeleteMatching(&models.PipelineStateRecord{}, badgerhold.Where("SourceID").Eq(sourceID)); err != nil {
		return fmt.Errorf("failed to delete pipeline states: %w", err)
	}
	return nil
}
