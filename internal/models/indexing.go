package models

import "time"

// IndexingJobType distinguishes full (re)initialisation from incremental update
type IndexingJobType string

const (
	IndexingInit   IndexingJobType = "init"
	IndexingUpdate IndexingJobType = "update"
)

// IndexingJobRequest is the input of the Job Dispatcher
type IndexingJobRequest struct {
	JobID     string          `json:"job_id,omitempty"`
	SourceID  string          `json:"source_id" validate:"required"`
	Type      IndexingJobType `json:"type" validate:"required,oneof=init update"`
	Force     bool            `json:"force,omitempty"`
	DependsOn []string        `json:"depends_on,omitempty"`
}

// IndexingEventName is the kind of change a provider reports
type IndexingEventName string

const (
	EventCreated IndexingEventName = "created"
	EventUpdated IndexingEventName = "updated"
	EventDeleted IndexingEventName = "deleted"
	EventPatched IndexingEventName = "patched"
)

// IndexingEvent is one provider-reported change for one record.
// DependsOn is recorded for audit but does not gate dispatch order.
type IndexingEvent struct {
	EventName  IndexingEventName      `json:"event_name"`
	RecordID   string                 `json:"record_id"`
	RecordType string                 `json:"record_type"`
	DependsOn  []string               `json:"depends_on,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// MimeType returns the metadata mimeType hint, if any
func (e IndexingEvent) MimeType() string {
	if e.Metadata == nil {
		return ""
	}
	if v, ok := e.Metadata["mimeType"].(string); ok {
		return v
	}
	return ""
}

// Outcome status values
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// EventOutcome is the settled result of one record-event job
type EventOutcome struct {
	Event    IndexingEventName `json:"event"`
	RecordID string            `json:"record_id"`
	Status   string            `json:"status"`
	Error    string            `json:"error,omitempty"`
}

// Progress status values
const (
	ProgressRunning  = "running"
	ProgressFinished = "finished"
)

// InitProgress is returned by the init-source job's progress query
type InitProgress struct {
	Status  string         `json:"status"`
	Results []EventOutcome `json:"results"`
}

// EventAudit is the persisted trail of events a provider reported
type EventAudit struct {
	ID        string          `json:"id"`
	SourceID  string          `json:"source_id" badgerhold:"index"`
	JobID     string          `json:"job_id"`
	Sequence  int             `json:"sequence"`
	Event     IndexingEvent   `json:"event"`
	Type      IndexingJobType `json:"type"`
	CreatedAt time.Time       `json:"created_at"`
}

// ScheduleResult is what ScheduleIndexingJob hands back. Contention is a
// result, not an error, so callers can retry later without alerting.
type ScheduleResult struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"` // started | skipped | busy
	ChildJobID string `json:"child_job_id,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Schedule status values
const (
	ScheduleStarted = "started"
	ScheduleSkipped = "skipped"
	ScheduleBusy    = "busy"
)

// Busy reports whether scheduling was rejected with SOURCE_BUSY
func (r *ScheduleResult) Busy() bool {
	return r != nil && r.ErrorCode == ErrCodeSourceBusy
}
