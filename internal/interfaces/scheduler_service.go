package interfaces

import (
	"context"
	"time"
)

// ScheduleStatus is the auto-reindex state of one source
type ScheduleStatus struct {
	SourceID  string     `json:"source_id"`
	Schedule  string     `json:"schedule"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastJobID string     `json:"last_job_id,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// SchedulerService re-indexes sources on their cron schedules
type SchedulerService interface {
	Start(ctx context.Context) error
	Stop() error
	IsRunning() bool

	// Sync reconciles cron entries with the stored sources
	Sync(ctx context.Context) error

	// Trigger schedules a re-index of one source immediately
	Trigger(ctx context.Context, sourceID string) error

	Statuses() []ScheduleStatus
}
