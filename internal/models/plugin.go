package models

import "encoding/json"

// TaskStatus is the outcome of a call that may hand back an asynchronous task
type TaskStatus string

const (
	TaskReady   TaskStatus = "ready"
	TaskPending TaskStatus = "pending"
)

// EntrypointOption is one selectable root offered by a provider
type EntrypointOption struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	HasChildren bool            `json:"has_children"`
	Entrypoint  json.RawMessage `json:"entrypoint"`
}

// EntrypointUpdate is the normalised entrypoint a provider accepted
type EntrypointUpdate struct {
	Entrypoint json.RawMessage `json:"entrypoint"`
	State      json.RawMessage `json:"state,omitempty"`
}

// ConnectResult is the normalised connection a provider accepted
type ConnectResult struct {
	Connection json.RawMessage `json:"connection"`
}

// SourceTaskParams is passed to InitSource/HandleSourceUpdate
type SourceTaskParams struct {
	Source *Source `json:"source"`
	TaskID string  `json:"task_id,omitempty"`
}

// SourceTaskResult is what InitSource/HandleSourceUpdate return.
// Pending results must carry a TaskID to be resumed with.
type SourceTaskResult struct {
	Status      TaskStatus      `json:"status"`
	TaskID      string          `json:"task_id,omitempty"`
	Events      []IndexingEvent `json:"events,omitempty"`
	SourceState json.RawMessage `json:"source_state,omitempty"`
}

// RecordParams addresses one remote record
type RecordParams struct {
	Source     *Source                `json:"source"`
	RecordID   string                 `json:"record_id"`
	RecordType string                 `json:"record_type"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	TaskID     string                 `json:"task_id,omitempty"`
}

// Remote record shapes
const (
	RemoteRecordFile    = "file"
	RemoteRecordContent = "content"
)

// RemoteFile is raw file content fetched from a provider or extracted by a parser
type RemoteFile struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

// RemoteRecord is a fetched record before parsing and processing
type RemoteRecord struct {
	Type        string                 `json:"type"`
	Collection  string                 `json:"collection,omitempty"`
	Content     map[string]interface{} `json:"content,omitempty"`
	File        *RemoteFile            `json:"file,omitempty"`
	Attachments []RemoteFile           `json:"attachments,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// GetRecordResult is the possibly-pending result of Provider.GetRecord
type GetRecordResult struct {
	Status TaskStatus    `json:"status"`
	TaskID string        `json:"task_id,omitempty"`
	Result *RemoteRecord `json:"result,omitempty"`
}

// ProcessedAttachment pairs a published file with its parsed record (nil when unparsed)
type ProcessedAttachment struct {
	File   StoredFile             `json:"file"`
	Record map[string]interface{} `json:"record,omitempty"`
}

// AttachmentManifest carries every attachment of a content record
type AttachmentManifest struct {
	Raw       []StoredFile          `json:"raw"`
	Processed []ProcessedAttachment `json:"processed"`
}

// ProcessRecordParams is passed to Provider.ProcessRecord
type ProcessRecordParams struct {
	Source      *Source                `json:"source"`
	Content     map[string]interface{} `json:"content"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Attachments *AttachmentManifest    `json:"attachments,omitempty"`
}

// ProcessedRecord is the final persistable shape produced by a provider
type ProcessedRecord struct {
	Collection string                 `json:"collection"`
	Record     map[string]interface{} `json:"record"`
}

// ObserverResult optionally hands back provider state after observer registration
type ObserverResult struct {
	SourceState json.RawMessage `json:"source_state,omitempty"`
}

// ParseFileParams is passed to FileParser.ParseFile
type ParseFileParams struct {
	File     []byte                 `json:"-"`
	Filename string                 `json:"filename"`
	MimeType string                 `json:"mime_type"`
	Options  map[string]interface{} `json:"options,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ParseResult is a parsed file. Attachments are nested files to parse in turn.
type ParseResult struct {
	Record      map[string]interface{} `json:"record"`
	Attachments []RemoteFile           `json:"attachments,omitempty"`
}

// ProcessFileParams folds parsed attachments back into a parsed record
type ProcessFileParams struct {
	Record      map[string]interface{} `json:"record"`
	Attachments []ProcessedAttachment  `json:"attachments"`
}

// EnhanceParams is passed to Enhancer.Enhance
type EnhanceParams struct {
	Args   map[string]interface{} `json:"args"`
	TaskID string                 `json:"task_id,omitempty"`
}

// EnhanceResult is the possibly-pending result of Enhancer.Enhance
type EnhanceResult struct {
	Status TaskStatus  `json:"status"`
	TaskID string      `json:"task_id,omitempty"`
	Result interface{} `json:"result,omitempty"`
}
