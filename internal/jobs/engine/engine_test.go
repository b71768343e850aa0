package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/models"
	"github.com/ternarybob/corpus/internal/queue"
	badgerstore "github.com/ternarybob/corpus/internal/storage/badger"
)

const (
	kindEcho   models.JobKind = "echo"
	kindParent models.JobKind = "parent"
	kindBlock  models.JobKind = "block"
)

type harness struct {
	engine  *Engine
	queue   *queue.Manager
	storage *badgerstore.Manager
	pool    *queue.WorkerPool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := arbor.NewLogger()

	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	queueMgr, err := queue.NewManager(storage.BadgerDB().Badger(), "test_jobs", time.Minute, 10)
	require.NoError(t, err)

	eng := NewEngine(storage.JobStorage(), storage.CheckpointStorage(), queueMgr, nil, Config{
		Concurrency:           4,
		ActivityMaxAttempts:   3,
		ActivityRetryInterval: time.Millisecond,
		AwaitPollInterval:     10 * time.Millisecond,
	}, logger)

	return &harness{engine: eng, queue: queueMgr, storage: storage}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	config := queue.NewDefaultConfig()
	config.PollInterval = 5 * time.Millisecond
	h.pool = queue.NewWorkerPool(h.queue, config, h.engine.HandleDelivery, arbor.NewLogger())
	require.NoError(t, h.pool.Start())
	t.Cleanup(func() { h.pool.Stop() })
}

func awaitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEngine_RunsJobAndReturnsResult(t *testing.T) {
	h := newHarness(t)
	h.engine.Register(kindEcho, func(jc *Context, input json.RawMessage) (interface{}, error) {
		var in struct{ Value string }
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}
		out, err := Activity(jc, "upper", func(ctx context.Context) (string, error) {
			return in.Value + "!", nil
		})
		return map[string]string{"out": out}, err
	})
	h.start(t)

	ctx := awaitCtx(t)
	job, err := h.engine.Start(ctx, StartOptions{ID: "echo-1", Kind: kindEcho, Input: map[string]string{"Value": "hi"}})
	require.NoError(t, err)

	var result map[string]string
	require.NoError(t, h.engine.Result(ctx, job.ID, &result))
	assert.Equal(t, "hi!", result["out"])

	again, err := h.engine.Start(ctx, StartOptions{ID: "echo-1", Kind: kindEcho})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, again.Status, "starting an existing id returns the stored job")
}

func TestEngine_ReplayUsesCheckpoints(t *testing.T) {
	h := newHarness(t)

	var activityRuns, jobRuns int32
	h.engine.Register(kindEcho, func(jc *Context, input json.RawMessage) (interface{}, error) {
		run := atomic.AddInt32(&jobRuns, 1)
		value, err := Activity(jc, "side-effect", func(ctx context.Context) (int, error) {
			return int(atomic.AddInt32(&activityRuns, 1)), nil
		})
		if err != nil {
			return nil, err
		}
		if run == 1 {
			// Simulate the process dying after the activity completed
			<-jc.Done()
			return nil, jc.Err()
		}
		return value, nil
	})

	ctx := awaitCtx(t)
	_, err := h.engine.Start(ctx, StartOptions{ID: "replay-1", Kind: kindEcho})
	require.NoError(t, err)

	delivery, err := h.queue.Receive(ctx)
	require.NoError(t, err)

	shutdownCtx, shutdown := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.engine.HandleDelivery(shutdownCtx, delivery)
		close(done)
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&activityRuns) == 1 }, 5*time.Second, 5*time.Millisecond)
	shutdown()
	<-done

	job, err := h.engine.GetJob(ctx, "replay-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status, "shutdown leaves the job open for redelivery")

	redelivery, err := h.queue.Receive(ctx)
	require.NoError(t, err, "an interrupted job is visible again without waiting out the timeout")
	assert.Equal(t, delivery.ID, redelivery.ID)

	h.engine.HandleDelivery(ctx, redelivery)

	var result int
	require.NoError(t, h.engine.Result(ctx, "replay-1", &result))
	assert.Equal(t, 1, result)
	assert.Equal(t, int32(1), atomic.LoadInt32(&activityRuns))
	assert.Equal(t, int32(2), atomic.LoadInt32(&jobRuns))
}

func TestEngine_RecordedSeesOnlyCompletedActivities(t *testing.T) {
	h := newHarness(t)

	type snapshot struct {
		Before bool
		After  bool
		Value  int
	}
	h.engine.Register(kindEcho, func(jc *Context, input json.RawMessage) (interface{}, error) {
		var out snapshot
		_, before, err := Recorded[int](jc, "answer")
		if err != nil {
			return nil, err
		}
		if _, err := Activity(jc, "answer", func(ctx context.Context) (int, error) { return 42, nil }); err != nil {
			return nil, err
		}
		value, after, err := Recorded[int](jc, "answer")
		out.Before, out.After, out.Value = before, after, value
		return out, err
	})
	h.start(t)

	ctx := awaitCtx(t)
	job, err := h.engine.Start(ctx, StartOptions{ID: "recorded-1", Kind: kindEcho})
	require.NoError(t, err)

	var result snapshot
	require.NoError(t, h.engine.Result(ctx, job.ID, &result))
	assert.False(t, result.Before)
	assert.True(t, result.After)
	assert.Equal(t, 42, result.Value)
}

func TestEngine_ActivityRetryPolicy(t *testing.T) {
	h := newHarness(t)

	var transient, fatal int32
	h.engine.Register(kindEcho, func(jc *Context, input json.RawMessage) (interface{}, error) {
		if _, err := Activity(jc, "flaky", func(ctx context.Context) (bool, error) {
			if atomic.AddInt32(&transient, 1) < 3 {
				return false, errors.New("temporary")
			}
			return true, nil
		}); err != nil {
			return nil, err
		}
		return Activity(jc, "fatal", func(ctx context.Context) (bool, error) {
			atomic.AddInt32(&fatal, 1)
			return false, models.NewNonRetryable(models.ErrCodeRecordNotFound, "gone")
		})
	})
	h.start(t)

	ctx := awaitCtx(t)
	job, err := h.engine.Start(ctx, StartOptions{Kind: kindEcho})
	require.NoError(t, err)

	err = h.engine.Result(ctx, job.ID, nil)
	require.Error(t, err)
	assert.Equal(t, models.ErrCodeRecordNotFound, models.CodeOf(err))
	assert.Equal(t, "record_not_found: gone", err.Error(), "the code appears once")
	assert.True(t, models.IsNonRetryable(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&transient))
	assert.Equal(t, int32(1), atomic.LoadInt32(&fatal))
}

func TestEngine_ParentClosePolicies(t *testing.T) {
	h := newHarness(t)

	h.engine.Register(kindBlock, func(jc *Context, input json.RawMessage) (interface{}, error) {
		<-jc.Done()
		return nil, jc.Err()
	})
	h.engine.Register(kindParent, func(jc *Context, input json.RawMessage) (interface{}, error) {
		if _, err := jc.StartChild(ChildOptions{Key: "terminate", Kind: kindBlock, ParentClosePolicy: models.ParentCloseTerminate}); err != nil {
			return nil, err
		}
		if _, err := jc.StartChild(ChildOptions{Key: "abandon", Kind: kindBlock, ParentClosePolicy: models.ParentCloseAbandon}); err != nil {
			return nil, err
		}
		return "done", nil
	})
	h.start(t)

	ctx := awaitCtx(t)
	parent, err := h.engine.Start(ctx, StartOptions{ID: "p", Kind: kindParent})
	require.NoError(t, err)
	require.NoError(t, h.engine.Result(ctx, parent.ID, nil))

	terminated, err := h.engine.Await(ctx, "p/terminate")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, terminated.Status)

	abandoned, err := h.engine.GetJob(ctx, "p/abandon")
	require.NoError(t, err)
	assert.True(t, abandoned.IsOpen())

	require.NoError(t, h.engine.Cancel(ctx, "p/abandon"))
	abandoned, err = h.engine.Await(ctx, "p/abandon")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, abandoned.Status)
	assert.Equal(t, models.ErrCodeJobCancelled, models.CodeOf(abandoned.Failure()))
}

func TestEngine_CancelPendingJob(t *testing.T) {
	h := newHarness(t)
	ctx := awaitCtx(t)

	job, err := h.engine.Start(ctx, StartOptions{Kind: kindEcho})
	require.NoError(t, err)
	require.NoError(t, h.engine.Cancel(ctx, job.ID))

	closed, err := h.engine.Await(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, closed.Status)
}

func TestEngine_QueryHandlers(t *testing.T) {
	h := newHarness(t)

	release := make(chan struct{})
	h.engine.Register(kindEcho, func(jc *Context, input json.RawMessage) (interface{}, error) {
		var progress int32
		jc.SetQueryHandler("progress", func() (interface{}, error) {
			return map[string]int32{"done": atomic.LoadInt32(&progress)}, nil
		})
		atomic.StoreInt32(&progress, 1)
		<-release
		atomic.StoreInt32(&progress, 2)
		return nil, nil
	})
	h.start(t)

	ctx := awaitCtx(t)
	job, err := h.engine.Start(ctx, StartOptions{Kind: kindEcho})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		data, err := h.engine.Query(ctx, job.ID, "progress")
		return err == nil && string(data) == `{"done":1}`
	}, 5*time.Second, 5*time.Millisecond)

	close(release)
	_, err = h.engine.Await(ctx, job.ID)
	require.NoError(t, err)

	data, err := h.engine.Query(ctx, job.ID, "progress")
	require.NoError(t, err)
	assert.JSONEq(t, `{"done":2}`, string(data))
}
