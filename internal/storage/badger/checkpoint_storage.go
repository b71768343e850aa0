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

// CheckpointStorage implements the CheckpointStorage interface for Badger
type CheckpointStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCheckpointStorage creates a new CheckpointStorage instance
func NewCheckpointStorage(db *BadgerDB, logger arbor.ILogger) interfaces.CheckpointStorage {
	return &CheckpointStorage{
		db:     db,
		logger: logger,
	}
}

func checkpointKey(jobID, key string) string {
	return jobID + "/" + key
}

func (s *CheckpointStorage) GetCheckpoint(ctx context.Context, jobID, key string) (*models.Checkpoint, error) {
	var checkpoint models.Checkpoint
	if err := s.db.Store().Get(checkpointKey(jobID, key), &checkpoint); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return &checkpoint, nil
}

func (s *CheckpointStorage) SaveCheckpoint(ctx context.Context, checkpoint *models.Checkpoint) error {
	if checkpoint.JobID == "" || checkpoint.Key == "" {
		return fmt.Errorf("checkpoint job ID and key are required")
	}
	checkpoint.ID = checkpointKey(checkpoint.JobID, checkpoint.Key)
	if checkpoint.CreatedAt.IsZero() {
		checkpoint.CreatedAt = time.Now()
	}

	if err := s.db.Store().Upsert(checkpoint.ID, checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *CheckpointStorage) DeleteCheckpoints(ctx context.Context, jobID string) error {
	if err := s.db.Store().DeleteMatching(&models.Checkpoint{}, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}
