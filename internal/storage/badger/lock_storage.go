package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// LockStorage implements the LockStorage interface for Badger.
// Each source has at most one lock record; idle locks are removed.
type LockStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewLockStorage creates a new LockStorage instance
func NewLockStorage(db *BadgerDB, logger arbor.ILogger) interfaces.LockStorage {
	return &LockStorage{
		db:     db,
		logger: logger,
	}
}

// MutateLock loads or creates the lock, applies fn and commits atomically
func (s *LockStorage) MutateLock(ctx context.Context, sourceID string, fn func(lock *models.SchedulerLock) error) (*models.SchedulerLock, error) {
	var result models.SchedulerLock

	err := s.db.updateWithRetry(ctx, func(txn *badger.Txn) error {
		var lock models.SchedulerLock
		err := s.db.Store().TxGet(txn, sourceID, &lock)
		if err == badgerhold.ErrNotFound {
			lock = models.SchedulerLock{SourceID: sourceID, StartedAt: time.Now()}
		} else if err != nil {
			return err
		}

		if err := fn(&lock); err != nil {
			return err
		}
		lock.UpdatedAt = time.Now()
		result = lock

		if lock.Idle() {
			if err := s.db.Store().TxDelete(txn, sourceID, &models.SchedulerLock{}); err != nil && err != badgerhold.ErrNotFound {
				return err
			}
			return nil
		}
		return s.db.Store().TxUpsert(txn, sourceID, &lock)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mutate scheduler lock for %s: %w", sourceID, err)
	}
	return &result, nil
}

func (s *LockStorage) GetLock(ctx context.Context, sourceID string) (*models.SchedulerLock, error) {
	var lock models.SchedulerLock
	if err := s.db.Store().Get(sourceID, &lock); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get scheduler lock: %w", err)
	}
	return &lock, nil
}

func (s *LockStorage) DeleteLock(ctx context.Context, sourceID string) error {
	if err := s.db.Store().Delete(sourceID, &models.SchedulerLock{}); err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete scheduler lock: %w", err)
	}
	return nil
}
