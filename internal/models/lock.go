package models

import "time"

// SchedulerLock is the per-source mutual exclusion record.
// Queue is served from the front and fed from the front (unshift/shift).
type SchedulerLock struct {
	SourceID   string    `json:"source_id"`
	Current    string    `json:"current,omitempty"`
	Queue      []string  `json:"queue,omitempty"`
	Signals    int       `json:"signals"`    // Signals handled since the last compaction
	Generation int       `json:"generation"` // Compactions so far
	StartedAt  time.Time `json:"started_at"` // Start of the current generation
	UpdatedAt  time.Time `json:"updated_at"`
}

// Idle reports whether nobody holds or waits for the lock
func (l *SchedulerLock) Idle() bool {
	return l.Current == "" && len(l.Queue) == 0
}

// LockView is the side-effect-free read of a scheduler lock
type LockView struct {
	SourceID string   `json:"source_id"`
	Current  string   `json:"current,omitempty"`
	Queue    []string `json:"queue,omitempty"`
}
