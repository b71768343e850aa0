package indexing

import "github.com/ternarybob/corpus/internal/models"

// Query names exposed by indexing jobs
const (
	QueryProgress = "progress"
)

// SourceJobResult is the result of a top-level source job
type SourceJobResult struct {
	Status     string `json:"status"` // started | skipped
	ChildJobID string `json:"child_job_id,omitempty"`
}

type sourceTaskInput struct {
	SourceID  string   `json:"source_id"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// SourceTaskSummary is the result of an init-source or update-source job
type SourceTaskSummary struct {
	Events    int `json:"events"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

type recordEventInput struct {
	SourceID string               `json:"source_id"`
	Event    models.IndexingEvent `json:"event"`
}

// Record event actions
const (
	ActionInserted = "inserted"
	ActionUpdated  = "updated"
	ActionPatched  = "patched"
	ActionDeleted  = "deleted"
	ActionNoop     = "noop"
	ActionEmpty    = "empty"
)

// RecordEventResult is the result of a record-event job
type RecordEventResult struct {
	Event    models.IndexingEventName `json:"event"`
	RecordID string                   `json:"record_id"`
	Action   string                   `json:"action"`
	ObjectID string                   `json:"object_id,omitempty"`
}

type recordContentInput struct {
	SourceID string               `json:"source_id"`
	Event    models.IndexingEvent `json:"event"`
}

type fileParseInput struct {
	SourceID string                 `json:"source_id"`
	FileID   string                 `json:"file_id"`
	Depth    int                    `json:"depth"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// FileParseResult is the parsed record of one file
type FileParseResult struct {
	Parser string                 `json:"parser"`
	Record map[string]interface{} `json:"record"`
}

type fanoutInput struct {
	SourceID string             `json:"source_id"`
	RecordID string             `json:"record_id"`
	ObjectID string             `json:"object_id"`
	Objects  []models.ObjectRef `json:"objects"`
}

// FanoutResult summarises one enhancement fan-out
type FanoutResult struct {
	Objects   int `json:"objects"`
	Pipelines int `json:"pipelines"` // (object x pipeline) runs
	Patched   int `json:"patched"`
}
