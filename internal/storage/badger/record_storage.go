package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// RecordStorage is the Database plugin backed by Badger. Records are stored
// whole; every object inside them is indexed by an ObjectEntry.
type RecordStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewRecordStorage creates a new RecordStorage instance
func NewRecordStorage(db *BadgerDB, logger arbor.ILogger) interfaces.Database {
	return &RecordStorage{
		db:     db,
		logger: logger,
	}
}

func (s *RecordStorage) InsertRecord(ctx context.Context, sourceID, remoteID, collection string, content map[string]interface{}) (*models.PersistResult, error) {
	return s.write(ctx, sourceID, remoteID, collection, content, false)
}

func (s *RecordStorage) UpdateRecord(ctx context.Context, sourceID, remoteID, collection string, content map[string]interface{}) (*models.PersistResult, error) {
	return s.write(ctx, sourceID, remoteID, collection, content, true)
}

// write replaces the record content. Inserting an existing record overwrites
// it so replayed inserts converge on the same state.
func (s *RecordStorage) write(ctx context.Context, sourceID, remoteID, collection string, content map[string]interface{}, update bool) (*models.PersistResult, error) {
	if collection == "" {
		return nil, fmt.Errorf("collection is required for record %s", remoteID)
	}
	normalized, err := normalizeContent(content)
	if err != nil {
		return nil, err
	}

	objectID := common.ObjectID(sourceID, remoteID)
	objects := indexObjects(objectID, collection, normalized)

	data, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record content: %w", err)
	}

	now := time.Now()
	record := &models.Record{
		ObjectID:   objectID,
		SourceID:   sourceID,
		RemoteID:   remoteID,
		Collection: collection,
		Content:    data,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = s.db.updateWithRetry(ctx, func(txn *badger.Txn) error {
		var existing models.Record
		if err := s.db.Store().TxGet(txn, objectID, &existing); err == nil {
			record.CreatedAt = existing.CreatedAt
		} else if err != badgerhold.ErrNotFound {
			return err
		}
		if err := s.db.Store().TxUpsert(txn, objectID, record); err != nil {
			return err
		}
		return s.replaceObjectEntries(txn, record, objects)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist record %s: %w", remoteID, err)
	}

	s.logger.Debug().
		Str("source_id", sourceID).
		Str("remote_id", remoteID).
		Str("object_id", objectID).
		Str("collection", collection).
		Int("objects", len(objects)).
		Bool("update", update).
		Msg("Record persisted")

	return &models.PersistResult{ObjectID: objectID, Objects: objects}, nil
}

// PatchRecord shallow-merges patch into the record root
func (s *RecordStorage) PatchRecord(ctx context.Context, sourceID, remoteID string, patch map[string]interface{}) (*models.PersistResult, error) {
	objectID := common.ObjectID(sourceID, remoteID)
	normalizedPatch, err := normalizeContent(patch)
	if err != nil {
		return nil, err
	}

	var objects []models.ObjectRef
	err = s.db.updateWithRetry(ctx, func(txn *badger.Txn) error {
		var record models.Record
		if err := s.db.Store().TxGet(txn, objectID, &record); err != nil {
			if err == badgerhold.ErrNotFound {
				return models.NewNonRetryable(models.ErrCodeRecordNotFound, "record %s/%s", sourceID, remoteID)
			}
			return err
		}

		content, err := record.DecodeContent()
		if err != nil {
			return err
		}
		for key, value := range normalizedPatch {
			content[key] = value
		}
		objects = indexObjects(objectID, record.Collection, content)

		if record.Content, err = json.Marshal(content); err != nil {
			return err
		}
		record.UpdatedAt = time.Now()
		if err := s.db.Store().TxUpsert(txn, objectID, &record); err != nil {
			return err
		}
		return s.replaceObjectEntries(txn, &record, objects)
	})
	if err != nil {
		return nil, err
	}
	return &models.PersistResult{ObjectID: objectID, Objects: objects}, nil
}

// PatchObject merges patch into the object with the given id, wherever it is nested
func (s *RecordStorage) PatchObject(ctx context.Context, objectID string, patch map[string]interface{}) error {
	normalizedPatch, err := normalizeContent(patch)
	if err != nil {
		return err
	}

	return s.db.updateWithRetry(ctx, func(txn *badger.Txn) error {
		var entry models.ObjectEntry
		if err := s.db.Store().TxGet(txn, objectID, &entry); err != nil {
			if err == badgerhold.ErrNotFound {
				return models.NewNonRetryable(models.ErrCodeRecordNotFound, "object %s", objectID)
			}
			return err
		}

		var record models.Record
		if err := s.db.Store().TxGet(txn, entry.RecordObjectID, &record); err != nil {
			if err == badgerhold.ErrNotFound {
				return models.NewNonRetryable(models.ErrCodeRecordNotFound, "record %s", entry.RecordObjectID)
			}
			return err
		}

		content, err := record.DecodeContent()
		if err != nil {
			return err
		}
		target, err := objectAt(content, entry.Path)
		if err != nil {
			return err
		}
		for key, value := range normalizedPatch {
			target[key] = value
		}

		if record.Content, err = json.Marshal(content); err != nil {
			return err
		}
		record.UpdatedAt = time.Now()
		return s.db.Store().TxUpsert(txn, record.ObjectID, &record)
	})
}

func (s *RecordStorage) GetRecord(ctx context.Context, sourceID, remoteID string) (*models.Record, error) {
	var record models.Record
	if err := s.db.Store().Get(common.ObjectID(sourceID, remoteID), &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("record %s/%s: %w", sourceID, remoteID, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return &record, nil
}

func (s *RecordStorage) GetObject(ctx context.Context, objectID string) (map[string]interface{}, error) {
	var entry models.ObjectEntry
	if err := s.db.Store().Get(objectID, &entry); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("object %s: %w", objectID, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get object entry: %w", err)
	}

	var record models.Record
	if err := s.db.Store().Get(entry.RecordObjectID, &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("record %s: %w", entry.RecordObjectID, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	content, err := record.DecodeContent()
	if err != nil {
		return nil, err
	}
	return objectAt(content, entry.Path)
}

// DeleteRecord removes a record and its object index. Missing records are a no-op.
func (s *RecordStorage) DeleteRecord(ctx context.Context, objectID, collection string) error {
	err := s.db.updateWithRetry(ctx, func(txn *badger.Txn) error {
		if err := s.db.Store().TxDelete(txn, objectID, &models.Record{}); err != nil && err != badgerhold.ErrNotFound {
			return err
		}
		return s.deleteObjectEntries(txn, objectID)
	})
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", objectID, err)
	}

	s.logger.Debug().
		Str("object_id", objectID).
		Str("collection", collection).
		Msg("Record deleted")
	return nil
}

func (s *RecordStorage) DeleteSourceRecords(ctx context.Context, sourceID string) (int, error) {
	count, err := s.db.Store().Count(&models.Record{}, badgerhold.Where("SourceID").Eq(sourceID))
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	if err := s.db.Store().DeleteMatching(&models.Record{}, badgerhold.Where("SourceID").Eq(sourceID)); err != nil {
		return 0, fmt.Errorf("failed to delete records: %w", err)
	}
	if err := s.db.Store().DeleteMatching(&models.ObjectEntry{}, badgerhold.Where("SourceID").Eq(sourceID)); err != nil {
		return 0, fmt.Errorf("failed to delete object entries: %w", err)
	}
	return int(count), nil
}

func (s *RecordStorage) replaceObjectEntries(txn *badger.Txn, record *models.Record, objects []models.ObjectRef) error {
	if err := s.deleteObjectEntries(txn, record.ObjectID); err != nil {
		return err
	}
	for _, object := range objects {
		entry := &models.ObjectEntry{
			ObjectID:       object.ObjectID,
			RecordObjectID: record.ObjectID,
			SourceID:       record.SourceID,
			Path:           object.Path,
			Collection:     object.Collection,
		}
		if err := s.db.Store().TxUpsert(txn, entry.ObjectID, entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *RecordStorage) deleteObjectEntries(txn *badger.Txn, recordObjectID string) error {
	var entries []models.ObjectEntry
	if err := s.db.Store().TxFind(txn, &entries, badgerhold.Where("RecordObjectID").Eq(recordObjectID)); err != nil {
		return err
	}
	for _, entry := range entries {
		if err := s.db.Store().TxDelete(txn, entry.ObjectID, &models.ObjectEntry{}); err != nil && err != badgerhold.ErrNotFound {
			return err
		}
	}
	return nil
}

// normalizeContent converts typed values into plain JSON maps and slices
func normalizeContent(content map[string]interface{}) (map[string]interface{}, error) {
	if content == nil {
		return map[string]interface{}{}, nil
	}
	data, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode content: %w", err)
	}
	normalized := map[string]interface{}{}
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, fmt.Errorf("failed to decode content: %w", err)
	}
	return normalized, nil
}
