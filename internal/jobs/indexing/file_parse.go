package indexing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/corpus/internal/jobs/engine"
	"github.com/ternarybob/corpus/internal/models"
)

type parseOutcome struct {
	Parser      string                 `json:"parser"`
	Record      map[string]interface{} `json:"record"`
	Attachments []models.StoredFile    `json:"attachments,omitempty"`
}

// runFileParse parses one stored file with the first parser that accepts it.
// Nested attachments are parsed by child jobs up to MaxParseDepth and folded
// back into the record by the same parser.
func (s *Service) runFileParse(jc *engine.Context, input json.RawMessage) (interface{}, error) {
	var in fileParseInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	logger := jc.Logger()
	files := s.registry.FileStorage()

	outcome, err := engine.Activity(jc, "parse", func(ctx context.Context) (*parseOutcome, error) {
		data, file, err := files.ReadFile(ctx, in.FileID)
		if err != nil {
			return nil, err
		}

		parsers := s.registry.ParsersFor(file.MimeType)
		var lastErr error
		for _, parser := range parsers {
			result, err := parser.ParseFile(ctx, models.ParseFileParams{
				File:     data,
				Filename: file.Filename,
				MimeType: file.MimeType,
				Metadata: in.Metadata,
			})
			if err != nil {
				logger.Warn().
					Err(err).
					Str("parser", parser.Name()).
					Str("file_id", file.ID).
					Msg("Parser failed, trying the next one")
				lastErr = err
				continue
			}
			if result == nil {
				continue
			}

			out := &parseOutcome{Parser: parser.Name(), Record: result.Record}
			for i, attachment := range result.Attachments {
				if i >= s.config.MaxAttachments {
					logger.Warn().
						Str("file_id", file.ID).
						Int("attachments", len(result.Attachments)).
						Int("max_attachments", s.config.MaxAttachments).
						Msg("Attachment limit reached, dropping the rest")
					break
				}
				stored, err := files.StoreFile(ctx, in.SourceID, attachment)
				if err != nil {
					return nil, fmt.Errorf("failed to store attachment %s: %w", attachment.Filename, err)
				}
				out.Attachments = append(out.Attachments, *stored)
			}
			return out, nil
		}

		if lastErr != nil {
			return nil, lastErr
		}
		return nil, models.NewNonRetryable(models.ErrCodeUnsupportedMimeType, "no parser accepted %s (%s)", file.Filename, file.MimeType)
	})
	if err != nil {
		return nil, err
	}

	if len(outcome.Attachments) == 0 {
		return FileParseResult{Parser: outcome.Parser, Record: outcome.Record}, nil
	}

	processed := make([]models.ProcessedAttachment, 0, len(outcome.Attachments))
	for i, attachment := range outcome.Attachments {
		var record map[string]interface{}
		if in.Depth+1 < s.config.MaxParseDepth {
			record, err = s.parseAttachment(jc, fmt.Sprintf("attachment-%d", i), in.SourceID, attachment, in.Depth+1, in.Metadata)
			if err != nil {
				return nil, err
			}
		}
		published, err := s.publish(jc, fmt.Sprintf("publish-%d", i), attachment.ID)
		if err != nil {
			return nil, err
		}
		processed = append(processed, models.ProcessedAttachment{File: *published, Record: record})
	}

	record, err := engine.Activity(jc, "process", func(ctx context.Context) (map[string]interface{}, error) {
		parser, err := s.registry.Parser(outcome.Parser)
		if err != nil {
			return nil, err
		}
		return parser.ProcessFileRecord(ctx, models.ProcessFileParams{Record: outcome.Record, Attachments: processed})
	})
	if err != nil {
		return nil, err
	}
	return FileParseResult{Parser: outcome.Parser, Record: record}, nil
}
