package indexing

import (
	"fmt"

	"github.com/ternarybob/corpus/internal/jobs/engine"
	"github.com/ternarybob/corpus/internal/models"
	"golang.org/x/sync/errgroup"
)

// dispatchEvents runs one record-event child per event, batch by batch.
// Every event in a batch settles before the next batch starts and a failed
// event never aborts its siblings. onOutcome sees each outcome in event order.
func (s *Service) dispatchEvents(jc *engine.Context, sourceID string, events []models.IndexingEvent, onOutcome func(models.EventOutcome)) (SourceTaskSummary, error) {
	summary := SourceTaskSummary{Events: len(events)}
	size := s.config.EventBatchSize

	for start := 0; start < len(events); start += size {
		end := start + size
		if end > len(events) {
			end = len(events)
		}

		outcomes := make([]models.EventOutcome, end-start)
		var g errgroup.Group
		for i := start; i < end; i++ {
			i, event := i, events[i]
			g.Go(func() error {
				outcomes[i-start] = s.dispatchEvent(jc, sourceID, i, event)
				return nil
			})
		}
		_ = g.Wait()

		if err := jc.Err(); err != nil {
			return summary, err
		}

		for _, outcome := range outcomes {
			if outcome.Status == models.OutcomeSuccess {
				summary.Succeeded++
			} else {
				summary.Failed++
				jc.Logger().Warn().
					Str("record_id", outcome.RecordID).
					Str("event", string(outcome.Event)).
					Str("error", outcome.Error).
					Msg("Record event failed")
			}
			if onOutcome != nil {
				onOutcome(outcome)
			}
		}

		jc.Logger().Debug().
			Int("batch_start", start).
			Int("batch_end", end).
			Int("events", len(events)).
			Msg("Event batch settled")
	}

	return summary, nil
}

func (s *Service) dispatchEvent(jc *engine.Context, sourceID string, index int, event models.IndexingEvent) models.EventOutcome {
	outcome := models.EventOutcome{Event: event.EventName, RecordID: event.RecordID, Status: models.OutcomeSuccess}

	err := jc.ExecuteChild(engine.ChildOptions{
		Key:               fmt.Sprintf("event-%d", index),
		Kind:              models.JobKindRecordEvent,
		ParentClosePolicy: models.ParentCloseTerminate,
		Input:             recordEventInput{SourceID: sourceID, Event: event},
	}, nil)
	if err != nil {
		outcome.Status = models.OutcomeError
		outcome.Error = err.Error()
	}
	return outcome
}
