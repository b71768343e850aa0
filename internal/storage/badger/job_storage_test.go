package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()
	db, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestJobStorage_OpenJobFilter(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	jobs := []*models.Job{
		{ID: "job-1", Kind: models.JobKindInitSource, SourceID: "src-1", Status: models.JobStatusRunning},
		{ID: "job-2", Kind: models.JobKindUpdateSource, SourceID: "src-1", Status: models.JobStatusPending},
		{ID: "job-3", Kind: models.JobKindUpdateSource, SourceID: "src-1", Status: models.JobStatusCompleted},
		{ID: "job-4", Kind: models.JobKindInitSource, SourceID: "src-2", Status: models.JobStatusRunning},
		{ID: "job-5", Kind: models.JobKindRecordEvent, SourceID: "src-1", Status: models.JobStatusRunning},
	}
	for i, job := range jobs {
		job.CreatedAt = time.Now().Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, storage.SaveJob(ctx, job))
	}

	open, err := storage.ListJobs(ctx, models.JobFilter{
		SourceID: "src-1",
		Kinds:    []models.JobKind{models.JobKindInitSource, models.JobKindUpdateSource},
		OpenOnly: true,
	})
	require.NoError(t, err)

	ids := make([]string, 0, len(open))
	for _, job := range open {
		ids = append(ids, job.ID)
	}
	assert.Equal(t, []string{"job-1", "job-2"}, ids)
}

func TestJobStorage_UpdateJob(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, storage.SaveJob(ctx, &models.Job{ID: "job-1", Kind: models.JobKindSource, Status: models.JobStatusPending}))

	updated, err := storage.UpdateJob(ctx, "job-1", func(job *models.Job) error {
		job.Status = models.JobStatusRunning
		job.Attempt++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, updated.Status)
	assert.Equal(t, 1, updated.Attempt)

	stored, err := storage.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, stored.Status)

	_, err = storage.UpdateJob(ctx, "missing", func(job *models.Job) error { return nil })
	assert.True(t, errors.Is(err, interfaces.ErrNotFound))
}

func TestJobStorage_DeleteJobs(t *testing.T) {
	db := newTestDB(t)
	storage := NewJobStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, storage.SaveJob(ctx, &models.Job{ID: "a", SourceID: "src-1", Status: models.JobStatusCompleted}))
	require.NoError(t, storage.SaveJob(ctx, &models.Job{ID: "b", SourceID: "src-1", Status: models.JobStatusFailed}))
	require.NoError(t, storage.SaveJob(ctx, &models.Job{ID: "c", SourceID: "src-2", Status: models.JobStatusCompleted}))

	deleted, err := storage.DeleteJobs(ctx, models.JobFilter{SourceID: "src-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	remaining, err := storage.ListJobs(ctx, models.JobFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "c", remaining[0].ID)
}

func TestLockStorage_MutateDeletesIdleLock(t *testing.T) {
	db := newTestDB(t)
	storage := NewLockStorage(db, arbor.NewLogger())
	ctx := context.Background()

	lock, err := storage.MutateLock(ctx, "src-1", func(lock *models.SchedulerLock) error {
		lock.Current = "job-1"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", lock.Current)

	stored, err := storage.GetLock(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", stored.Current)

	_, err = storage.MutateLock(ctx, "src-1", func(lock *models.SchedulerLock) error {
		lock.Current = ""
		return nil
	})
	require.NoError(t, err)

	_, err = storage.GetLock(ctx, "src-1")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestCheckpointStorage_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	storage := NewCheckpointStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, storage.SaveCheckpoint(ctx, &models.Checkpoint{JobID: "job-1", Key: "getRecord", Result: []byte(`{"a":1}`)}))

	checkpoint, err := storage.GetCheckpoint(ctx, "job-1", "getRecord")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(checkpoint.Result))

	require.NoError(t, storage.DeleteCheckpoints(ctx, "job-1"))
	_, err = storage.GetCheckpoint(ctx, "job-1", "getRecord")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}
