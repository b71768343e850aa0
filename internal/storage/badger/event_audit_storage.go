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

// EventAuditStorage keeps every event a provider reported, per source
type EventAuditStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewEventAuditStorage creates a new EventAuditStorage instance
func NewEventAuditStorage(db *BadgerDB, logger arbor.ILogger) interfaces.EventAuditStorage {
	return &EventAuditStorage{
		db:     db,
		logger: logger,
	}
}

func (s *EventAuditStorage) AppendEvents(ctx context.Context, sourceID, jobID string, jobType models.IndexingJobType, events []models.IndexingEvent) error {
	now := time.Now()
	for i, event := range events {
		audit := &models.EventAudit{
			ID:        fmt.Sprintf("%s/%06d", jobID, i),
			SourceID:  sourceID,
			JobID:     jobID,
			Sequence:  i,
			Event:     event,
			Type:      jobType,
			CreatedAt: now,
		}
		// Upsert keeps replays of the same job idempotent
		if err := s.db.Store().Upsert(audit.ID, audit); err != nil {
			return fmt.Errorf("failed to append event audit: %w", err)
		}
	}

	s.logger.Debug().
		Str("source_id", sourceID).
		Str("job_id", jobID).
		Int("events", len(events)).
		Msg("Event audit appended")
	return nil
}

func (s *EventAuditStorage) ListEvents(ctx context.Context, sourceID string, limit int) ([]*models.EventAudit, error) {
	query := badgerhold.Where("SourceID").Eq(sourceID).SortBy("CreatedAt", "Sequence").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var audits []models.EventAudit
	if err := s.db.Store().Find(&audits, query); err != nil {
		return nil, fmt.Errorf("failed to list event audit: %w", err)
	}

	result := make([]*models.EventAudit, len(audits))
	for i := range audits {
		result[i] = &audits[i]
	}
	return result, nil
}

func (s *EventAuditStorage) DeleteSourceEvents(ctx context.Context, sourceID string) error {
	if err := s.db.Store().DeleteMatching(&models.EventAudit{}, badgerhold.Where("SourceID").Eq(sourceID)); err != nil {
		return fmt.Errorf("failed to delete event audit: %w", err)
	}
	return nil
}
