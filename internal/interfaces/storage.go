package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/corpus/internal/models"
)

// ErrNotFound is returned by storages when an entity does not exist
var ErrNotFound = errors.New("not found")

// SourceStorage persists configured sources
type SourceStorage interface {
	SaveSource(ctx context.Context, source *models.Source) error
	GetSource(ctx context.Context, id string) (*models.Source, error)
	ListSources(ctx context.Context) ([]*models.Source, error)
	DeleteSource(ctx context.Context, id string) error
}

// JobStorage persists durable jobs
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// UpdateJob applies fn to the stored job inside one transaction
	UpdateJob(ctx context.Context, id string, fn func(job *models.Job) error) (*models.Job, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
	DeleteJobs(ctx context.Context, filter models.JobFilter) (int, error)
}

// CheckpointStorage memoizes activity results per job
type CheckpointStorage interface {
	GetCheckpoint(ctx context.Context, jobID, key string) (*models.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, checkpoint *models.Checkpoint) error
	DeleteCheckpoints(ctx context.Context, jobID string) error
}

// LockStorage holds scheduler locks with compare-and-swap mutation
type LockStorage interface {
	// MutateLock loads (or creates) the lock, applies fn and persists the
	// result atomically, retrying on write conflicts. Idle locks are deleted.
	MutateLock(ctx context.Context, sourceID string, fn func(lock *models.SchedulerLock) error) (*models.SchedulerLock, error)
	GetLock(ctx context.Context, sourceID string) (*models.SchedulerLock, error)
	DeleteLock(ctx context.Context, sourceID string) error
}

// PipelineStateStorage persists in-flight enhancement pipeline runs
type PipelineStateStorage interface {
	SaveState(ctx context.Context, state *models.PipelineState) error
	GetState(ctx context.Context, id string) (*models.PipelineState, error)
	DeleteState(ctx context.Context, id string) error
	DeleteJobStates(ctx context.Context, jobID string) error
	DeleteSourceStates(ctx context.Context, sourceID string) error
}

// EventAuditStorage keeps the trail of provider-reported events
type EventAuditStorage interface {
	AppendEvents(ctx context.Context, sourceID, jobID string, jobType models.IndexingJobType, events []models.IndexingEvent) error
	ListEvents(ctx context.Context, sourceID string, limit int) ([]*models.EventAudit, error)
	DeleteSourceEvents(ctx context.Context, sourceID string) error
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	SourceStorage() SourceStorage
	JobStorage() JobStorage
	CheckpointStorage() CheckpointStorage
	LockStorage() LockStorage
	PipelineStateStorage() PipelineStateStorage
	EventAuditStorage() EventAuditStorage
	KeyValueStorage() KeyValueStorage
	Database() Database
	DB() interface{}
	Close() error
}
