package models

import (
	"encoding/json"
	"errors"
)

// ErrNoMessage is returned when the queue is empty
var ErrNoMessage = errors.New("no messages in queue")

// QueueMessage is the structure stored in the queue.
// Keep it simple - just enough to route the job to the runtime.
type QueueMessage struct {
	JobID   string          `json:"job_id"`            // References jobs.id
	Kind    JobKind         `json:"kind"`              // Job kind for handler routing
	Payload json.RawMessage `json:"payload,omitempty"` // Optional pass-through data
}
