// Package parsers holds the built-in file parser plugins
package parsers

import (
	"github.com/ternarybob/corpus/internal/models"
)

// foldAttachments copies record and lists each published attachment under
// "attachments". Parsed attachments carry their record as "content".
func foldAttachments(record map[string]interface{}, attachments []models.ProcessedAttachment) map[string]interface{} {
	out := make(map[string]interface{}, len(record)+1)
	for k, v := range record {
		out[k] = v
	}
	if len(attachments) == 0 {
		return out
	}

	list := make([]interface{}, 0, len(attachments))
	for _, attachment := range attachments {
		entry := map[string]interface{}{
			"filename": attachment.File.Filename,
			"mimeType": attachment.File.MimeType,
			"size":     attachment.File.Size,
			"url":      attachment.File.PublicURL,
		}
		if attachment.Record != nil {
			entry["content"] = attachment.Record
		}
		list = append(list, entry)
	}
	out["attachments"] = list
	return out
}
