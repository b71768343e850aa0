package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
)

// QueryHandler answers a named query with a JSON-encodable snapshot
type QueryHandler func() (interface{}, error)

// Context is handed to a running job function. It carries the job's
// cancellation and the helpers that make the job replay-safe.
type Context struct {
	context.Context

	engine *Engine
	job    *models.Job
	logger arbor.ILogger
	cancel context.CancelFunc

	mu      sync.Mutex
	queries map[string]QueryHandler
}

// JobID returns the id of the running job
func (c *Context) JobID() string {
	return c.job.ID
}

// Job returns the running job record as it was when the run started
func (c *Context) Job() *models.Job {
	return c.job
}

// Logger returns a logger correlated with the running job
func (c *Context) Logger() arbor.ILogger {
	return c.logger
}

// SetQueryHandler registers a named query. The last answer is persisted when the job closes.
func (c *Context) SetQueryHandler(name string, handler QueryHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries[name] = handler
}

// Sleep waits for d or until the job is cancelled
func (c *Context) Sleep(d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.Done():
		return c.Err()
	case <-timer.C:
		return nil
	}
}

// Timer is a durable Sleep. The wake-up time is checkpointed under key, so a
// replayed job only waits for whatever is left of it.
func (c *Context) Timer(key string, d time.Duration) error {
	wake, err := Activity(c, "timer:"+key, func(ctx context.Context) (time.Time, error) {
		return time.Now().Add(d), nil
	})
	if err != nil {
		return err
	}
	if remaining := time.Until(wake); remaining > 0 {
		return c.Sleep(remaining)
	}
	return nil
}

// ChildOptions describes a child job. The child id is derived from the parent id and Key.
type ChildOptions struct {
	Key               string
	Kind              models.JobKind
	SourceID          string
	ParentClosePolicy models.ParentClosePolicy
	Input             interface{}
}

// ChildID is the deterministic id of a child started under key
func (c *Context) ChildID(key string) string {
	return c.job.ID + "/" + key
}

// StartChild starts a child job without waiting for it
func (c *Context) StartChild(opts ChildOptions) (*models.Job, error) {
	if opts.Key == "" {
		return nil, fmt.Errorf("child key is required")
	}
	sourceID := opts.SourceID
	if sourceID == "" {
		sourceID = c.job.SourceID
	}
	return c.engine.Start(c, StartOptions{
		ID:                c.ChildID(opts.Key),
		Kind:              opts.Kind,
		SourceID:          sourceID,
		ParentID:          c.job.ID,
		ParentClosePolicy: opts.ParentClosePolicy,
		Input:             opts.Input,
	})
}

// ExecuteChild starts a child job and waits for its result
func (c *Context) ExecuteChild(opts ChildOptions, out interface{}) error {
	child, err := c.StartChild(opts)
	if err != nil {
		return err
	}
	return c.engine.Result(c, child.ID, out)
}

// Start starts an unrelated job (no parent link)
func (c *Context) Start(opts StartOptions) (*models.Job, error) {
	return c.engine.Start(c, opts)
}

// Await waits for any job to close
func (c *Context) Await(jobID string) (*models.Job, error) {
	return c.engine.Await(c, jobID)
}

// Cancel requests cancellation of another job
func (c *Context) Cancel(jobID string) error {
	return c.engine.Cancel(c, jobID)
}

// ListJobs lists stored jobs
func (c *Context) ListJobs(filter models.JobFilter) ([]*models.Job, error) {
	return c.engine.ListJobs(c, filter)
}

func (c *Context) runQuery(name string) (json.RawMessage, bool, error) {
	c.mu.Lock()
	handler, ok := c.queries[name]
	c.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	value, err := handler()
	if err != nil {
		return nil, true, err
	}
	data, err := json.Marshal(value)
	return data, true, err
}

func (c *Context) snapshotQueries() map[string]json.RawMessage {
	c.mu.Lock()
	names := make([]string, 0, len(c.queries))
	for name := range c.queries {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)

	snapshot := make(map[string]json.RawMessage, len(names))
	for _, name := range names {
		if data, _, err := c.runQuery(name); err == nil {
			snapshot[name] = data
		}
	}
	return snapshot
}

// Activity runs fn at most once per (job, key) to completion. A stored
// checkpoint short-circuits replays; otherwise fn runs in an activity slot
// and transient failures are retried with exponential backoff.
func Activity[T any](c *Context, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	e := c.engine

	if result, ok, err := Recorded[T](c, key); err != nil || ok {
		return result, err
	}

	backoff := e.config.ActivityRetryInterval
	var lastErr error

	for attempt := 1; attempt <= e.config.ActivityMaxAttempts; attempt++ {
		result, err := runActivity(c, key, fn)
		if err == nil {
			data, err := json.Marshal(result)
			if err != nil {
				return zero, fmt.Errorf("failed to encode activity %s result: %w", key, err)
			}
			if err := e.checkpoints.SaveCheckpoint(c, &models.Checkpoint{JobID: c.job.ID, Key: key, Result: data}); err != nil {
				return zero, err
			}
			return result, nil
		}

		lastErr = err
		if models.IsNonRetryable(err) || c.Err() != nil || attempt == e.config.ActivityMaxAttempts {
			break
		}

		c.logger.Warn().
			Err(err).
			Str("activity", key).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Activity failed, retrying")

		if err := c.Sleep(backoff); err != nil {
			return zero, err
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}

	if c.Err() != nil {
		return zero, c.Err()
	}
	return zero, lastErr
}

// Recorded returns the checkpointed result of the activity key without
// running anything. ok is false until the activity has completed once.
func Recorded[T any](c *Context, key string) (result T, ok bool, err error) {
	checkpoint, err := c.engine.checkpoints.GetCheckpoint(c, c.job.ID, key)
	if errors.Is(err, interfaces.ErrNotFound) {
		return result, false, nil
	}
	if err != nil {
		return result, false, err
	}
	if len(checkpoint.Result) > 0 {
		if err := json.Unmarshal(checkpoint.Result, &result); err != nil {
			return result, false, fmt.Errorf("failed to decode checkpoint %s: %w", key, err)
		}
	}
	return result, true, nil
}

func runActivity[T any](c *Context, key string, fn func(ctx context.Context) (T, error)) (result T, err error) {
	if err := c.engine.slots.Acquire(c, 1); err != nil {
		return result, err
	}
	defer c.engine.slots.Release(1)

	defer func() {
		if r := recover(); r != nil {
			err = common.PanicError(r)
			c.logger.Error().Str("activity", key).Str("panic", fmt.Sprintf("%v", r)).Msg("Activity panicked")
		}
	}()

	return fn(c)
}
