// Package lock serializes top-level indexing jobs per source. Each source
// has a durable lock record mutated by compare-and-swap, so every replica
// and every replayed job observes the same holder.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
)

// HolderCheck reports whether the job holding a lock is still open.
// Holders of closed jobs are released so a crashed job cannot wedge its source.
type HolderCheck func(ctx context.Context, requestID string) (bool, error)

// Service implements request/release/query over persisted scheduler locks
type Service struct {
	storage      interfaces.LockStorage
	pollInterval time.Duration
	compactAfter time.Duration
	holderOpen   HolderCheck
	logger       arbor.ILogger
}

// NewService creates the scheduler lock service
func NewService(storage interfaces.LockStorage, pollInterval, compactAfter time.Duration, holderOpen HolderCheck, logger arbor.ILogger) *Service {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if compactAfter <= 0 {
		compactAfter = 24 * time.Hour
	}
	return &Service{
		storage:      storage,
		pollInterval: pollInterval,
		compactAfter: compactAfter,
		holderOpen:   holderOpen,
		logger:       logger,
	}
}

// RequestLock grants the lock when free, otherwise puts requestID at the
// front of the queue. Requesting again while holding or queued is a no-op.
func (s *Service) RequestLock(ctx context.Context, sourceID, requestID string) error {
	_, err := s.storage.MutateLock(ctx, sourceID, func(lock *models.SchedulerLock) error {
		s.countSignal(lock)

		if lock.Current == requestID || contains(lock.Queue, requestID) {
			return nil
		}
		if lock.Current == "" {
			lock.Current = requestID
			return nil
		}
		lock.Queue = append([]string{requestID}, lock.Queue...)
		return nil
	})
	return err
}

// ReleaseLock removes requestID from the queue, or promotes the queue front
// when requestID is the holder. The lock record disappears once idle.
func (s *Service) ReleaseLock(ctx context.Context, sourceID, requestID string) error {
	_, err := s.storage.MutateLock(ctx, sourceID, func(lock *models.SchedulerLock) error {
		s.countSignal(lock)
		release(lock, requestID)
		return nil
	})
	return err
}

// QueryLock is the side-effect-free read of the current holder and queue
func (s *Service) QueryLock(ctx context.Context, sourceID string) (*models.LockView, error) {
	lock, err := s.storage.GetLock(ctx, sourceID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return &models.LockView{SourceID: sourceID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.LockView{SourceID: sourceID, Current: lock.Current, Queue: lock.Queue}, nil
}

// Acquire requests the lock and polls until requestID holds it
func (s *Service) Acquire(ctx context.Context, sourceID, requestID string) error {
	if err := s.RequestLock(ctx, sourceID, requestID); err != nil {
		return err
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		view, err := s.QueryLock(ctx, sourceID)
		if err != nil {
			return err
		}
		if view.Current == requestID {
			s.logger.Debug().
				Str("source_id", sourceID).
				Str("request_id", requestID).
				Msg("Scheduler lock acquired")
			return nil
		}

		if view.Current == "" {
			// Our entry vanished (released by someone else); ask again
			if err := s.RequestLock(ctx, sourceID, requestID); err != nil {
				return err
			}
		} else {
			s.reapClosedHolder(ctx, sourceID, view.Current)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release gives the lock up even when the caller's context is already cancelled
func (s *Service) Release(ctx context.Context, sourceID, requestID string) {
	if err := s.ReleaseLock(context.WithoutCancel(ctx), sourceID, requestID); err != nil {
		s.logger.Error().
			Err(err).
			Str("source_id", sourceID).
			Str("request_id", requestID).
			Msg("Failed to release scheduler lock")
		return
	}
	s.logger.Debug().
		Str("source_id", sourceID).
		Str("request_id", requestID).
		Msg("Scheduler lock released")
}

// Delete drops the lock record of a deleted source
func (s *Service) Delete(ctx context.Context, sourceID string) error {
	return s.storage.DeleteLock(ctx, sourceID)
}

func (s *Service) reapClosedHolder(ctx context.Context, sourceID, holder string) {
	if s.holderOpen == nil {
		return
	}
	open, err := s.holderOpen(ctx, holder)
	if err != nil || open {
		return
	}

	s.logger.Warn().
		Str("source_id", sourceID).
		Str("holder", holder).
		Msg("Releasing scheduler lock held by a closed job")

	_, err = s.storage.MutateLock(ctx, sourceID, func(lock *models.SchedulerLock) error {
		if lock.Current == holder {
			release(lock, holder)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("source_id", sourceID).Msg("Failed to reap scheduler lock")
	}
}

// countSignal tracks lock history and restarts it once it is old enough
func (s *Service) countSignal(lock *models.SchedulerLock) {
	lock.Signals++
	if time.Since(lock.StartedAt) < s.compactAfter {
		return
	}
	s.logger.Debug().
		Str("source_id", lock.SourceID).
		Int("signals", lock.Signals).
		Int("generation", lock.Generation).
		Msg("Compacting scheduler lock history")
	lock.Generation++
	lock.Signals = 0
	lock.StartedAt = time.Now()
}

func release(lock *models.SchedulerLock, requestID string) {
	lock.Queue = remove(lock.Queue, requestID)
	if lock.Current != requestID {
		return
	}
	lock.Current = ""
	if len(lock.Queue) > 0 {
		lock.Current = lock.Queue[0]
		lock.Queue = lock.Queue[1:]
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
