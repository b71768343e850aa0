package models

import (
	"encoding/json"
	"time"
)

// JobKind names a registered job function
type JobKind string

const (
	JobKindSource        JobKind = "source_job"
	JobKindInitSource    JobKind = "init_source"
	JobKindUpdateSource  JobKind = "update_source"
	JobKindDeleteSource  JobKind = "delete_source"
	JobKindRecordEvent   JobKind = "record_event"
	JobKindRecordContent JobKind = "record_content"
	JobKindFileParse     JobKind = "file_parse"
	JobKindFanout        JobKind = "enhancement_fanout"
)

// JobStatus is the lifecycle of a durable job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ParentClosePolicy decides what happens to an open child when its parent closes
type ParentClosePolicy string

const (
	// ParentCloseAbandon lets the child outlive its parent
	ParentCloseAbandon ParentClosePolicy = "abandon"
	// ParentCloseTerminate cancels the child when the parent closes
	ParentCloseTerminate ParentClosePolicy = "terminate"
)

// Job is one durable execution. Input and Result are JSON so the runtime
// stays agnostic of job payloads.
type Job struct {
	ID                string                     `json:"id"`
	Kind              JobKind                    `json:"kind" badgerhold:"index"`
	SourceID          string                     `json:"source_id" badgerhold:"index"`
	ParentID          string                     `json:"parent_id,omitempty" badgerhold:"index"`
	ParentClosePolicy ParentClosePolicy          `json:"parent_close_policy,omitempty"`
	Status            JobStatus                  `json:"status" badgerhold:"index"`
	Input             json.RawMessage            `json:"input,omitempty"`
	Result            json.RawMessage            `json:"result,omitempty"`
	ErrorCode         string                     `json:"error_code,omitempty"`
	ErrorMessage      string                     `json:"error_message,omitempty"`
	NonRetryable      bool                       `json:"non_retryable,omitempty"`
	CancelRequested   bool                       `json:"cancel_requested,omitempty"`
	Queries           map[string]json.RawMessage `json:"queries,omitempty"` // Last query snapshots, kept after close
	Attempt           int                        `json:"attempt"`
	CreatedAt         time.Time                  `json:"created_at"`
	StartedAt         *time.Time                 `json:"started_at,omitempty"`
	FinishedAt        *time.Time                 `json:"finished_at,omitempty"`
	UpdatedAt         time.Time                  `json:"updated_at"`
}

// IsOpen reports whether the job has not reached a terminal status
func (j *Job) IsOpen() bool {
	return !j.Status.IsTerminal()
}

// Failure rebuilds the coded error a failed or cancelled job closed with
func (j *Job) Failure() error {
	switch j.Status {
	case JobStatusFailed:
		return &JobError{Code: j.ErrorCode, Message: j.ErrorMessage, NonRetryable: j.NonRetryable}
	case JobStatusCancelled:
		return &JobError{Code: ErrCodeJobCancelled, Message: j.ID, NonRetryable: true}
	}
	return nil
}

// JobFilter narrows ListJobs queries
type JobFilter struct {
	SourceID string
	ParentID string
	Kinds    []JobKind
	OpenOnly bool
	Limit    int
}

// Checkpoint memoizes one completed activity for replay
type Checkpoint struct {
	ID        string          `json:"id"` // jobID + "/" + activity key
	JobID     string          `json:"job_id" badgerhold:"index"`
	Key       string          `json:"key"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// JobEvent is published on the event bus whenever a job changes status
type JobEvent struct {
	JobID     string    `json:"job_id"`
	Kind      JobKind   `json:"kind"`
	SourceID  string    `json:"source_id,omitempty"`
	ParentID  string    `json:"parent_id,omitempty"`
	Status    JobStatus `json:"status"`
	ErrorCode string    `json:"error_code,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
