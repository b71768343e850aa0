package indexing

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/jobs/engine"
	"github.com/ternarybob/corpus/internal/models"
)

type existingRecord struct {
	Found      bool   `json:"found"`
	ObjectID   string `json:"object_id,omitempty"`
	Collection string `json:"collection,omitempty"`
}

// runRecordEvent applies one indexing event to the database. Deletes of
// missing records are no-ops and updates or patches of missing records
// become inserts, so replaying an event converges on the same state.
func (s *Service) runRecordEvent(jc *engine.Context, input json.RawMessage) (interface{}, error) {
	var in recordEventInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	event := in.Event
	database := s.registry.Database()
	result := RecordEventResult{Event: event.EventName, RecordID: event.RecordID}

	existing, err := engine.Activity(jc, "lookup", func(ctx context.Context) (existingRecord, error) {
		record, err := database.GetRecord(ctx, in.SourceID, event.RecordID)
		if errors.Is(err, interfaces.ErrNotFound) {
			return existingRecord{}, nil
		}
		if err != nil {
			return existingRecord{}, err
		}
		return existingRecord{Found: true, ObjectID: record.ObjectID, Collection: record.Collection}, nil
	})
	if err != nil {
		return nil, err
	}

	switch event.EventName {
	case models.EventDeleted:
		if !existing.Found {
			result.Action = ActionNoop
			return result, nil
		}
		if _, err := engine.Activity(jc, "delete", func(ctx context.Context) (bool, error) {
			return true, database.DeleteRecord(ctx, existing.ObjectID, existing.Collection)
		}); err != nil {
			return nil, err
		}
		result.Action = ActionDeleted
		result.ObjectID = existing.ObjectID
		return result, nil

	case models.EventCreated:
		return s.upsertRecord(jc, in, false, result)

	case models.EventUpdated:
		return s.upsertRecord(jc, in, existing.Found, result)

	case models.EventPatched:
		if !existing.Found {
			return s.upsertRecord(jc, in, false, result)
		}
		persisted, err := engine.Activity(jc, "patch", func(ctx context.Context) (*models.PersistResult, error) {
			return database.PatchRecord(ctx, in.SourceID, event.RecordID, event.Metadata)
		})
		if err != nil {
			return nil, err
		}
		result.Action = ActionPatched
		result.ObjectID = persisted.ObjectID
		return result, nil
	}

	return nil, models.NewNonRetryable("invalid_input", "unknown event %q for record %s", event.EventName, event.RecordID)
}

// upsertRecord materialises the record content, persists it and enhances every object it contains
func (s *Service) upsertRecord(jc *engine.Context, in recordEventInput, update bool, result RecordEventResult) (interface{}, error) {
	event := in.Event
	database := s.registry.Database()

	var content models.RecordContent
	if err := jc.ExecuteChild(engine.ChildOptions{
		Key:   "content",
		Kind:  models.JobKindRecordContent,
		Input: recordContentInput{SourceID: in.SourceID, Event: event},
	}, &content); err != nil {
		return nil, err
	}
	if content.Empty {
		jc.Logger().Debug().Str("record_id", event.RecordID).Msg("Provider returned no content, nothing to persist")
		result.Action = ActionEmpty
		return result, nil
	}

	action := ActionInserted
	if update {
		action = ActionUpdated
	}
	persisted, err := engine.Activity(jc, action, func(ctx context.Context) (*models.PersistResult, error) {
		if update {
			return database.UpdateRecord(ctx, in.SourceID, event.RecordID, content.Collection, content.Content)
		}
		return database.InsertRecord(ctx, in.SourceID, event.RecordID, content.Collection, content.Content)
	})
	if err != nil {
		return nil, err
	}

	if err := jc.ExecuteChild(engine.ChildOptions{
		Key:               "enhance",
		Kind:              models.JobKindFanout,
		ParentClosePolicy: models.ParentCloseTerminate,
		Input: fanoutInput{
			SourceID: in.SourceID,
			RecordID: event.RecordID,
			ObjectID: persisted.ObjectID,
			Objects:  persisted.Objects,
		},
	}, nil); err != nil {
		return nil, err
	}

	result.Action = action
	result.ObjectID = persisted.ObjectID
	return result, nil
}
