package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job %s: %w", jobID, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// UpdateJob applies fn to the stored job inside one transaction
func (s *JobStorage) UpdateJob(ctx context.Context, jobID string, fn func(job *models.Job) error) (*models.Job, error) {
	var updated models.Job

	err := s.db.updateWithRetry(ctx, func(txn *badger.Txn) error {
		var job models.Job
		if err := s.db.Store().TxGet(txn, jobID, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return fmt.Errorf("job %s: %w", jobID, interfaces.ErrNotFound)
			}
			return err
		}

		if err := fn(&job); err != nil {
			return err
		}
		job.UpdatedAt = time.Now()

		if err := s.db.Store().TxUpsert(txn, jobID, &job); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *JobStorage) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, jobQuery(filter)); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) DeleteJobs(ctx context.Context, filter models.JobFilter) (int, error) {
	query := jobQuery(filter)
	count, err := s.db.Store().Count(&models.Job{}, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	if count == 0 {
		return 0, nil
	}
	if err := s.db.Store().DeleteMatching(&models.Job{}, jobQuery(filter)); err != nil {
		return 0, fmt.Errorf("failed to delete jobs: %w", err)
	}
	return int(count), nil
}

func jobQuery(filter models.JobFilter) *badgerhold.Query {
	query := badgerhold.Where("ID").Ne("")

	if filter.SourceID != "" {
		query = query.And("SourceID").Eq(filter.SourceID)
	}
	if filter.ParentID != "" {
		query = query.And("ParentID").Eq(filter.ParentID)
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]interface{}, len(filter.Kinds))
		for i, kind := range filter.Kinds {
			kinds[i] = kind
		}
		query = query.And("Kind").In(kinds...)
	}
	if filter.OpenOnly {
		query = query.And("Status").In(models.JobStatusPending, models.JobStatusRunning)
	}

	query = query.SortBy("CreatedAt")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	return query
}
