package indexing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/jobs/engine"
	"github.com/ternarybob/corpus/internal/models"
)

func TestInitSource_IndexesFlatFiles(t *testing.T) {
	h := newHarness(t)
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("file-%d", i)
		h.provider.initEvents = append(h.provider.initEvents, models.IndexingEvent{
			EventName:  models.EventCreated,
			RecordID:   id,
			RecordType: "file",
			Metadata:   map[string]interface{}{"mimeType": "text/plain"},
		})
		h.provider.records[id] = fileRecord("files", id+".txt", "text/plain", "body of "+id)
	}
	h.start(t)
	ctx := awaitCtx(t)

	scheduled, err := h.service.ScheduleIndexingJob(ctx, models.IndexingJobRequest{SourceID: testSourceID, Type: models.IndexingInit})
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleStarted, scheduled.Status)
	require.NotEmpty(t, scheduled.ChildJobID)

	var summary SourceTaskSummary
	require.NoError(t, h.engine.Result(ctx, scheduled.ChildJobID, &summary))
	assert.Equal(t, SourceTaskSummary{Events: 3, Succeeded: 3}, summary)

	source, err := h.storage.SourceStorage().GetSource(ctx, testSourceID)
	require.NoError(t, err)
	assert.True(t, source.Initialized)
	assert.Equal(t, models.SourceIdle, source.Lifecycle)
	assert.JSONEq(t, `{"cursor":"init"}`, string(source.State))

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("file-%d", i)
		record, err := h.storage.Database().GetRecord(ctx, testSourceID, id)
		require.NoError(t, err, id)
		assert.Equal(t, "files", record.Collection)

		content, err := record.DecodeContent()
		require.NoError(t, err)
		assert.Equal(t, "body of "+id, content["text"])
		assert.True(t, strings.HasPrefix(content["url"].(string), "/files/"), "file is published")
	}

	progress, err := h.service.InitProgress(ctx, scheduled.ChildJobID)
	require.NoError(t, err)
	assert.Equal(t, models.ProgressFinished, progress.Status)
	require.Len(t, progress.Results, 3)
	for _, outcome := range progress.Results {
		assert.Equal(t, models.OutcomeSuccess, outcome.Status)
	}

	assert.EqualValues(t, 1, h.provider.observers.Load())

	view, err := h.locks.QueryLock(ctx, testSourceID)
	require.NoError(t, err)
	assert.Empty(t, view.Current, "lock released after the source job")
	assert.Empty(t, view.Queue)

	audit, err := h.storage.EventAuditStorage().ListEvents(ctx, testSourceID, 0)
	require.NoError(t, err)
	assert.Len(t, audit, 3)
}

func TestInitSource_ObserverFailureKeepsSourceInitialized(t *testing.T) {
	h := newHarness(t)
	h.provider.observerErr = errors.New("webhook quota exceeded")
	h.provider.initEvents = []models.IndexingEvent{{EventName: models.EventCreated, RecordID: "page-1"}}
	h.provider.records["page-1"] = contentRecord("pages", map[string]interface{}{"title": "First"})
	h.start(t)
	ctx := awaitCtx(t)

	scheduled, err := h.service.ScheduleIndexingJob(ctx, models.IndexingJobRequest{SourceID: testSourceID, Type: models.IndexingInit})
	require.NoError(t, err)
	require.NotEmpty(t, scheduled.ChildJobID)

	err = h.engine.Result(ctx, scheduled.ChildJobID, nil)
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeObserverRegistrationFailed, models.CodeOf(err))
	assert.True(t, models.IsNonRetryable(err))
	assert.Contains(t, err.Error(), "webhook quota exceeded")
	assert.EqualValues(t, 1, h.provider.observers.Load(), "registration is not retried")

	source, err := h.storage.SourceStorage().GetSource(ctx, testSourceID)
	require.NoError(t, err)
	assert.True(t, source.Initialized, "indexed data stays usable")
	assert.Equal(t, models.SourceIdle, source.Lifecycle)

	_, err = h.storage.Database().GetRecord(ctx, testSourceID, "page-1")
	assert.NoError(t, err)
}

func TestSourceJob_CancelledWaiterLeavesLockQueue(t *testing.T) {
	h := newHarness(t)
	const kindHold models.JobKind = "test_hold"
	h.engine.Register(kindHold, func(jc *engine.Context, input json.RawMessage) (interface{}, error) {
		<-jc.Done()
		return nil, jc.Err()
	})
	h.start(t)
	ctx := awaitCtx(t)

	holder, err := h.engine.Start(ctx, engine.StartOptions{Kind: kindHold, SourceID: testSourceID})
	require.NoError(t, err)
	require.NoError(t, h.locks.RequestLock(ctx, testSourceID, holder.ID))

	waiter, err := h.engine.Start(ctx, engine.StartOptions{
		Kind:     models.JobKindSource,
		SourceID: testSourceID,
		Input:    models.IndexingJobRequest{SourceID: testSourceID, Type: models.IndexingUpdate},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, err := h.locks.QueryLock(ctx, testSourceID)
		return err == nil && len(view.Queue) == 1 && view.Queue[0] == waiter.ID
	}, 5*time.Second, 5*time.Millisecond, "source job queues behind the holder")

	require.NoError(t, h.engine.Cancel(ctx, waiter.ID))
	closed, err := h.engine.Await(ctx, waiter.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, closed.Status)

	view, err := h.locks.QueryLock(ctx, testSourceID)
	require.NoError(t, err)
	assert.Equal(t, holder.ID, view.Current)
	assert.Empty(t, view.Queue, "the cancelled job gave up its place")

	require.NoError(t, h.engine.Cancel(ctx, holder.ID))
}

func TestInitSource_BusyRejectionAndForceReindex(t *testing.T) {
	h := newHarness(t)
	h.provider.block.Store(true)
	h.start(t)
	ctx := awaitCtx(t)

	first, err := h.service.ScheduleIndexingJob(ctx, models.IndexingJobRequest{SourceID: testSourceID, Type: models.IndexingInit})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.provider.initCalls.Load() > 0 }, 5*time.Second, 5*time.Millisecond)

	busy, err := h.service.ScheduleIndexingJob(ctx, models.IndexingJobRequest{SourceID: testSourceID, Type: models.IndexingInit})
	require.NoError(t, err, "contention is a result, not an error")
	assert.True(t, busy.Busy())
	assert.Equal(t, models.ScheduleBusy, busy.Status)
	assert.Empty(t, busy.ChildJobID)

	inits, err := h.engine.ListJobs(ctx, models.JobFilter{SourceID: testSourceID, Kinds: []models.JobKind{models.JobKindInitSource}})
	require.NoError(t, err)
	assert.Len(t, inits, 1, "busy request starts nothing")

	update, err := h.service.ScheduleIndexingJob(ctx, models.IndexingJobRequest{SourceID: testSourceID, Type: models.IndexingUpdate})
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleStarted, update.Status)

	dropped, err := h.service.ScheduleIndexingJob(ctx, models.IndexingJobRequest{SourceID: testSourceID, Type: models.IndexingUpdate})
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleSkipped, dropped.Status, "two open jobs already")

	forced, err := h.service.ScheduleIndexingJob(ctx, models.IndexingJobRequest{SourceID: testSourceID, Type: models.IndexingInit, Force: true})
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleStarted, forced.Status)

	oldInit, err := h.engine.Await(ctx, first.ChildJobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, oldInit.Status)

	oldUpdate, err := h.engine.Await(ctx, update.ChildJobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, oldUpdate.Status)

	h.provider.block.Store(false)
	require.NoError(t, h.engine.Result(ctx, forced.ChildJobID, nil))

	source, err := h.storage.SourceStorage().GetSource(ctx, testSourceID)
	require.NoError(t, err)
	assert.True(t, source.Initialized)
}

func TestInitSource_FailedEventDoesNotAbortBatch(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("doc-%d", i)
		event := models.IndexingEvent{EventName: models.EventCreated, RecordID: id, RecordType: "page"}
		if i == 2 {
			event.Metadata = map[string]interface{}{"mimeType": "image/png"}
		}
		h.provider.initEvents = append(h.provider.initEvents, event)
		h.provider.records[id] = contentRecord("pages", map[string]interface{}{"title": id})
	}
	h.start(t)
	ctx := awaitCtx(t)

	scheduled, err := h.service.ScheduleIndexingJob(ctx, models.IndexingJobRequest{SourceID: testSourceID, Type: models.IndexingInit})
	require.NoError(t, err)

	var summary SourceTaskSummary
	require.NoError(t, h.engine.Result(ctx, scheduled.ChildJobID, &summary))
	assert.Equal(t, SourceTaskSummary{Events: 5, Succeeded: 4, Failed: 1}, summary)

	progress, err := h.service.InitProgress(ctx, scheduled.ChildJobID)
	require.NoError(t, err)
	require.Len(t, progress.Results, 5)
	for i, outcome := range progress.Results {
		assert.Equal(t, fmt.Sprintf("doc-%d", i), outcome.RecordID, "outcomes keep event order")
		if i == 2 {
			assert.Equal(t, models.OutcomeError, outcome.Status)
			assert.Contains(t, outcome.Error, models.ErrCodeUnsupportedMimeType)
			continue
		}
		assert.Equal(t, models.OutcomeSuccess, outcome.Status)
	}

	_, err = h.storage.Database().GetRecord(ctx, testSourceID, "doc-4")
	assert.NoError(t, err, "events after the failure still ran")
}

func TestUpdateSource_WaitsForDependencies(t *testing.T) {
	h := newHarness(t)
	h.provider.block.Store(true)
	h.provider.updateEvents = []models.IndexingEvent{{EventName: models.EventCreated, RecordID: "late", RecordType: "page"}}
	h.provider.records["late"] = contentRecord("pages", map[string]interface{}{"title": "late"})
	h.start(t)
	ctx := awaitCtx(t)

	initJob, err := h.service.ScheduleIndexingJob(ctx, models.IndexingJobRequest{SourceID: testSourceID, Type: models.IndexingInit})
	require.NoError(t, err)
	update, err := h.service.ScheduleIndexingJob(ctx, models.IndexingJobRequest{SourceID: testSourceID, Type: models.IndexingUpdate})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	_, err = h.storage.Database().GetRecord(ctx, testSourceID, "late")
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "update must not run before the init closes")

	h.provider.block.Store(false)
	require.NoError(t, h.engine.Result(ctx, initJob.ChildJobID, nil))

	var summary SourceTaskSummary
	require.NoError(t, h.engine.Result(ctx, update.ChildJobID, &summary))
	assert.Equal(t, 1, summary.Succeeded)

	source, err := h.storage.SourceStorage().GetSource(ctx, testSourceID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cursor":"update"}`, string(source.State))
	assert.Equal(t, models.SourceIdle, source.Lifecycle)
}

func TestScheduleDeleteSourceJob_ErasesEverything(t *testing.T) {
	h := newHarness(t)
	h.provider.initEvents = []models.IndexingEvent{{EventName: models.EventCreated, RecordID: "a", RecordType: "file"}}
	h.provider.records["a"] = fileRecord("files", "a.txt", "text/plain", "alpha")
	h.start(t)
	ctx := awaitCtx(t)

	scheduled, err := h.service.ScheduleIndexingJob(ctx, models.IndexingJobRequest{SourceID: testSourceID, Type: models.IndexingInit})
	require.NoError(t, err)
	require.NoError(t, h.engine.Result(ctx, scheduled.ChildJobID, nil))

	job, err := h.service.ScheduleDeleteSourceJob(ctx, testSourceID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	_, err = h.storage.Database().GetRecord(ctx, testSourceID, "a")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	_, err = h.storage.SourceStorage().GetSource(ctx, testSourceID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	audit, err := h.storage.EventAuditStorage().ListEvents(ctx, testSourceID, 0)
	require.NoError(t, err)
	assert.Empty(t, audit)
	assert.EqualValues(t, 1, h.provider.unregistered.Load())

	again, err := h.service.ScheduleDeleteSourceJob(ctx, testSourceID)
	require.NoError(t, err, "deleting a source with no state is a no-op")
	assert.Equal(t, models.JobStatusCompleted, again.Status)
}
