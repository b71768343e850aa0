package indexing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/jobs/engine"
	"github.com/ternarybob/corpus/internal/models"
)

// fetchedRecord is a remote record with its file payloads already in
// private storage, so checkpoints never carry file bytes
type fetchedRecord struct {
	Status      models.TaskStatus      `json:"status"`
	TaskID      string                 `json:"task_id,omitempty"`
	Empty       bool                   `json:"empty,omitempty"`
	Type        string                 `json:"type,omitempty"`
	Collection  string                 `json:"collection,omitempty"`
	Content     map[string]interface{} `json:"content,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	File        *models.StoredFile     `json:"file,omitempty"`
	Attachments []models.StoredFile    `json:"attachments,omitempty"`
}

// runRecordContent fetches a remote record and turns it into the shape the
// database persists, parsing and publishing any files along the way
func (s *Service) runRecordContent(jc *engine.Context, input json.RawMessage) (interface{}, error) {
	var in recordContentInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	event := in.Event

	if mimeType := event.MimeType(); mimeType != "" && len(s.registry.ParsersFor(mimeType)) == 0 {
		return nil, models.NewNonRetryable(models.ErrCodeUnsupportedMimeType, "no parser for %s (record %s)", mimeType, event.RecordID)
	}

	source, err := s.loadSource(jc, in.SourceID)
	if err != nil {
		return nil, err
	}
	provider, err := s.registry.Provider(source.ProviderType)
	if err != nil {
		return nil, err
	}
	files := s.registry.FileStorage()

	fetched, err := awaitTask(s, jc, "fetch", func(ctx context.Context, taskID string) (*fetchedRecord, error) {
		remote, err := provider.GetRecord(ctx, models.RecordParams{
			Source:     source,
			RecordID:   event.RecordID,
			RecordType: event.RecordType,
			Metadata:   event.Metadata,
			TaskID:     taskID,
		})
		if err != nil {
			return nil, err
		}
		if remote == nil {
			return &fetchedRecord{Status: models.TaskReady, Empty: true}, nil
		}
		if remote.Status == models.TaskPending {
			return &fetchedRecord{Status: models.TaskPending, TaskID: remote.TaskID}, nil
		}
		return storeRemoteRecord(ctx, files, in.SourceID, remote.Result)
	}, func(r *fetchedRecord) (models.TaskStatus, string) { return r.Status, r.TaskID })
	if err != nil {
		return nil, err
	}

	if fetched.Empty {
		return models.RecordContent{Empty: true}, nil
	}

	params := models.ProcessRecordParams{
		Source:   source,
		Content:  fetched.Content,
		Metadata: mergeMaps(event.Metadata, fetched.Metadata),
	}

	switch {
	case fetched.Type == models.RemoteRecordFile && fetched.File != nil:
		var parsed FileParseResult
		if err := jc.ExecuteChild(engine.ChildOptions{
			Key:   "parse",
			Kind:  models.JobKindFileParse,
			Input: fileParseInput{SourceID: in.SourceID, FileID: fetched.File.ID, Metadata: params.Metadata},
		}, &parsed); err != nil {
			return nil, err
		}

		published, err := s.publish(jc, "publish", fetched.File.ID)
		if err != nil {
			return nil, err
		}

		content := mergeMaps(fetched.Content, parsed.Record)
		content["url"] = published.PublicURL
		content["filename"] = published.Filename
		content["mimeType"] = published.MimeType
		content["size"] = published.Size
		params.Content = content

	case len(fetched.Attachments) > 0:
		manifest := &models.AttachmentManifest{}
		for i, file := range fetched.Attachments {
			record, err := s.parseAttachment(jc, fmt.Sprintf("attachment-%d", i), in.SourceID, file, 0, params.Metadata)
			if err != nil {
				return nil, err
			}
			published, err := s.publish(jc, fmt.Sprintf("publish-%d", i), file.ID)
			if err != nil {
				return nil, err
			}
			manifest.Raw = append(manifest.Raw, *published)
			manifest.Processed = append(manifest.Processed, models.ProcessedAttachment{File: *published, Record: record})
		}
		params.Attachments = manifest
	}

	processed, err := engine.Activity(jc, "process", func(ctx context.Context) (*models.ProcessedRecord, error) {
		return provider.ProcessRecord(ctx, params)
	})
	if err != nil {
		return nil, err
	}

	collection := processed.Collection
	if collection == "" {
		collection = fetched.Collection
	}
	if collection == "" {
		collection = event.RecordType
	}
	return models.RecordContent{Collection: collection, Content: processed.Record}, nil
}

// storeRemoteRecord writes the record's file and attachments to private storage
func storeRemoteRecord(ctx context.Context, files interfaces.FileStorage, sourceID string, remote *models.RemoteRecord) (*fetchedRecord, error) {
	if remote == nil || (remote.Content == nil && remote.File == nil && len(remote.Attachments) == 0) {
		return &fetchedRecord{Status: models.TaskReady, Empty: true}, nil
	}

	fetched := &fetchedRecord{
		Status:     models.TaskReady,
		Type:       remote.Type,
		Collection: remote.Collection,
		Content:    remote.Content,
		Metadata:   remote.Metadata,
	}

	if remote.File != nil {
		stored, err := files.StoreFile(ctx, sourceID, *remote.File)
		if err != nil {
			return nil, fmt.Errorf("failed to store %s: %w", remote.File.Filename, err)
		}
		fetched.File = stored
		if fetched.Type == "" {
			fetched.Type = models.RemoteRecordFile
		}
	}

	for _, attachment := range remote.Attachments {
		stored, err := files.StoreFile(ctx, sourceID, attachment)
		if err != nil {
			return nil, fmt.Errorf("failed to store attachment %s: %w", attachment.Filename, err)
		}
		fetched.Attachments = append(fetched.Attachments, *stored)
	}
	return fetched, nil
}

// parseAttachment runs a file-parse child for one attachment. Files no
// parser supports are kept with no parsed record.
func (s *Service) parseAttachment(jc *engine.Context, key, sourceID string, file models.StoredFile, depth int, metadata map[string]interface{}) (map[string]interface{}, error) {
	var parsed FileParseResult
	err := jc.ExecuteChild(engine.ChildOptions{
		Key:   key,
		Kind:  models.JobKindFileParse,
		Input: fileParseInput{SourceID: sourceID, FileID: file.ID, Depth: depth, Metadata: metadata},
	}, &parsed)
	if models.CodeOf(err) == models.ErrCodeUnsupportedMimeType {
		jc.Logger().Debug().
			Str("file_id", file.ID).
			Str("mime_type", file.MimeType).
			Msg("No parser for attachment, keeping the raw file")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parsed.Record, nil
}

// publish flips a stored file to public visibility
func (s *Service) publish(jc *engine.Context, key, fileID string) (*models.StoredFile, error) {
	return engine.Activity(jc, key, func(ctx context.Context) (*models.StoredFile, error) {
		return s.registry.FileStorage().ChangeFileVisibility(ctx, fileID, models.VisibilityPublic)
	})
}

// mergeMaps returns a new map with b's keys laid over a's
func mergeMaps(a, b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
