// Package engine runs durable jobs. A job is a registered function whose
// side effects go through memoized activities, so a job that is redelivered
// after a crash replays its completed steps from checkpoints and resumes.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
	"github.com/ternarybob/corpus/internal/queue"
	"golang.org/x/sync/semaphore"
)

// JobFunc is the body of a registered job kind. The returned value becomes the job result.
type JobFunc func(jc *Context, input json.RawMessage) (interface{}, error)

// Config tunes retries, waits and activity concurrency
type Config struct {
	Concurrency           int
	ActivityMaxAttempts   int
	ActivityRetryInterval time.Duration
	AwaitPollInterval     time.Duration
	HeartbeatInterval     time.Duration
}

// NewDefaultConfig returns the engine defaults
func NewDefaultConfig() Config {
	return Config{
		Concurrency:           32,
		ActivityMaxAttempts:   5,
		ActivityRetryInterval: time.Second,
		AwaitPollInterval:     500 * time.Millisecond,
		HeartbeatInterval:     30 * time.Second,
	}
}

// StartOptions describes a job to start
type StartOptions struct {
	ID                string // Deterministic id; a job with the same id is never started twice
	Kind              models.JobKind
	SourceID          string
	ParentID          string
	ParentClosePolicy models.ParentClosePolicy
	Input             interface{}
}

// Engine owns the registered job kinds and runs their deliveries
type Engine struct {
	jobs        interfaces.JobStorage
	checkpoints interfaces.CheckpointStorage
	queue       *queue.Manager
	events      interfaces.EventService
	logger      arbor.ILogger
	config      Config
	slots       *semaphore.Weighted

	mu       sync.Mutex
	handlers map[models.JobKind]JobFunc
	running  map[string]*Context
	waiters  map[string][]chan struct{}
}

// NewEngine creates a job engine on top of job storage and the queue
func NewEngine(jobs interfaces.JobStorage, checkpoints interfaces.CheckpointStorage, queueMgr *queue.Manager, events interfaces.EventService, config Config, logger arbor.ILogger) *Engine {
	defaults := NewDefaultConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.ActivityMaxAttempts <= 0 {
		config.ActivityMaxAttempts = defaults.ActivityMaxAttempts
	}
	if config.ActivityRetryInterval <= 0 {
		config.ActivityRetryInterval = defaults.ActivityRetryInterval
	}
	if config.AwaitPollInterval <= 0 {
		config.AwaitPollInterval = defaults.AwaitPollInterval
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = queueMgr.VisibilityTimeout() / 3
	}

	return &Engine{
		jobs:        jobs,
		checkpoints: checkpoints,
		queue:       queueMgr,
		events:      events,
		logger:      logger,
		config:      config,
		slots:       semaphore.NewWeighted(int64(config.Concurrency)),
		handlers:    make(map[models.JobKind]JobFunc),
		running:     make(map[string]*Context),
		waiters:     make(map[string][]chan struct{}),
	}
}

// Register binds a job kind to its function
func (e *Engine) Register(kind models.JobKind, fn JobFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = fn
	e.logger.Debug().Str("kind", string(kind)).Msg("Job kind registered")
}

// Start persists a pending job and enqueues it. Starting an id that already
// exists returns the stored job unchanged.
func (e *Engine) Start(ctx context.Context, opts StartOptions) (*models.Job, error) {
	if opts.Kind == "" {
		return nil, fmt.Errorf("job kind is required")
	}
	if opts.ID == "" {
		opts.ID = common.NewJobID()
	}

	existing, err := e.jobs.GetJob(ctx, opts.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return nil, err
	}

	input, err := json.Marshal(opts.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job input: %w", err)
	}

	policy := opts.ParentClosePolicy
	if policy == "" {
		policy = models.ParentCloseAbandon
	}

	job := &models.Job{
		ID:                opts.ID,
		Kind:              opts.Kind,
		SourceID:          opts.SourceID,
		ParentID:          opts.ParentID,
		ParentClosePolicy: policy,
		Status:            models.JobStatusPending,
		Input:             input,
		CreatedAt:         time.Now(),
	}
	if err := e.jobs.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	if err := e.queue.Enqueue(ctx, queue.Message{JobID: job.ID, Kind: job.Kind}); err != nil {
		return nil, err
	}

	e.logger.Debug().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Str("parent_id", job.ParentID).
		Msg("Job started")
	e.publish(ctx, job)

	return job, nil
}

// Await blocks until the job is terminal and returns its final record
func (e *Engine) Await(ctx context.Context, jobID string) (*models.Job, error) {
	for {
		wake := e.subscribe(jobID)

		job, err := e.jobs.GetJob(ctx, jobID)
		if err != nil {
			e.unsubscribe(jobID, wake)
			return nil, err
		}
		if job.Status.IsTerminal() {
			e.unsubscribe(jobID, wake)
			return job, nil
		}

		timer := time.NewTimer(e.config.AwaitPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.unsubscribe(jobID, wake)
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
			e.unsubscribe(jobID, wake)
		}
	}
}

// Result awaits the job and decodes its result into out. Failed and
// cancelled jobs return their coded error.
func (e *Engine) Result(ctx context.Context, jobID string, out interface{}) error {
	job, err := e.Await(ctx, jobID)
	if err != nil {
		return err
	}
	if failure := job.Failure(); failure != nil {
		return failure
	}
	if out == nil || len(job.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(job.Result, out); err != nil {
		return fmt.Errorf("failed to decode result of job %s: %w", jobID, err)
	}
	return nil
}

// Cancel requests cancellation. Pending jobs close immediately; running
// jobs observe it through their context. Closed jobs are left alone.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	job, err := e.jobs.UpdateJob(ctx, jobID, func(job *models.Job) error {
		if job.Status.IsTerminal() {
			return nil
		}
		job.CancelRequested = true
		if job.Status == models.JobStatusPending {
			now := time.Now()
			job.Status = models.JobStatusCancelled
			job.FinishedAt = &now
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}

	if job.Status == models.JobStatusCancelled {
		e.logger.Info().Str("job_id", jobID).Msg("Pending job cancelled")
		e.notify(jobID)
		e.publish(ctx, job)
		return nil
	}

	e.mu.Lock()
	jc := e.running[jobID]
	e.mu.Unlock()
	if jc != nil {
		jc.cancel()
	}
	return nil
}

// Query runs a named query against a running job, falling back to the
// snapshot persisted when the job closed
func (e *Engine) Query(ctx context.Context, jobID, name string) (json.RawMessage, error) {
	e.mu.Lock()
	jc := e.running[jobID]
	e.mu.Unlock()

	if jc != nil {
		if data, ok, err := jc.runQuery(name); ok {
			return data, err
		}
	}

	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if data, ok := job.Queries[name]; ok {
		return data, nil
	}
	return nil, fmt.Errorf("job %s has no query %q: %w", jobID, name, interfaces.ErrNotFound)
}

// GetJob returns the stored job
func (e *Engine) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return e.jobs.GetJob(ctx, jobID)
}

// ListJobs lists stored jobs matching filter
func (e *Engine) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	return e.jobs.ListJobs(ctx, filter)
}

// HandleDelivery runs one queue delivery. It is the queue.DeliveryHandler of the engine.
func (e *Engine) HandleDelivery(ctx context.Context, delivery *queue.Delivery) {
	jobID := delivery.Message.JobID
	logger := e.logger.WithCorrelationId(jobID)

	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			logger.Warn().Str("job_id", jobID).Msg("Dropping message for unknown job")
			e.ack(delivery)
		} else {
			logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to load job, leaving message for redelivery")
		}
		return
	}
	if job.Status.IsTerminal() {
		e.ack(delivery)
		e.notify(jobID)
		return
	}

	e.mu.Lock()
	fn, ok := e.handlers[job.Kind]
	_, alreadyRunning := e.running[jobID]
	e.mu.Unlock()

	if alreadyRunning {
		// Visibility lapsed while this process still runs the job
		return
	}
	if !ok {
		logger.Error().Str("kind", string(job.Kind)).Msg("No function registered for job kind")
		e.close(ctx, job, nil, models.NewNonRetryable("unknown_job_kind", "no function registered for %s", job.Kind), nil)
		e.ack(delivery)
		return
	}
	if job.CancelRequested {
		e.close(ctx, job, nil, context.Canceled, nil)
		e.ack(delivery)
		return
	}

	job, err = e.jobs.UpdateJob(ctx, jobID, func(job *models.Job) error {
		job.Status = models.JobStatusRunning
		job.Attempt++
		if job.StartedAt == nil {
			now := time.Now()
			job.StartedAt = &now
		}
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to mark job running")
		return
	}
	e.publish(ctx, job)

	jobCtx, cancel := context.WithCancel(ctx)
	jc := &Context{
		Context: jobCtx,
		engine:  e,
		job:     job,
		logger:  logger,
		cancel:  cancel,
		queries: make(map[string]QueryHandler),
	}

	e.mu.Lock()
	e.running[jobID] = jc
	e.mu.Unlock()

	stopHeartbeat := e.heartbeat(jc, delivery)

	if job.Attempt > 1 {
		logger.Info().Str("kind", string(job.Kind)).Int("attempt", job.Attempt).Msg("Replaying job")
	}

	result, runErr := e.invoke(jc, fn, job.Input)

	stopHeartbeat()
	cancel()

	e.mu.Lock()
	delete(e.running, jobID)
	e.mu.Unlock()

	// Shutdown interrupts the job without closing it; the message is redelivered on restart
	if ctx.Err() != nil && runErr != nil {
		if current, err := e.jobs.GetJob(context.WithoutCancel(ctx), jobID); err == nil && !current.CancelRequested {
			logger.Info().Msg("Job interrupted by shutdown")
			// Visible again at once so the next worker pool replays it without waiting out the timeout
			if err := e.queue.Extend(context.Background(), delivery.ID, 0); err != nil {
				logger.Warn().Err(err).Msg("Failed to release interrupted job message")
			}
			return
		}
	}

	e.close(context.WithoutCancel(ctx), job, result, runErr, jc.snapshotQueries())
	e.ack(delivery)
}

func (e *Engine) invoke(jc *Context, fn JobFunc, input json.RawMessage) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = common.PanicError(r)
			jc.logger.Error().Str("panic", fmt.Sprintf("%v", r)).Msg("Job function panicked")
		}
	}()
	return fn(jc, input)
}

// close records the terminal status, wakes waiters and applies the parent
// close policy to open children
func (e *Engine) close(ctx context.Context, job *models.Job, result interface{}, runErr error, queries map[string]json.RawMessage) {
	var encoded json.RawMessage
	if runErr == nil && result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			runErr = fmt.Errorf("failed to encode job result: %w", err)
		} else {
			encoded = data
		}
	}

	closed, err := e.jobs.UpdateJob(ctx, job.ID, func(stored *models.Job) error {
		now := time.Now()
		stored.FinishedAt = &now
		if len(queries) > 0 {
			stored.Queries = queries
		}

		switch {
		case runErr == nil:
			stored.Status = models.JobStatusCompleted
			stored.Result = encoded
		case stored.CancelRequested && errors.Is(runErr, context.Canceled):
			stored.Status = models.JobStatusCancelled
			stored.ErrorCode = models.ErrCodeJobCancelled
		case stored.CancelRequested && models.CodeOf(runErr) == models.ErrCodeJobCancelled:
			stored.Status = models.JobStatusCancelled
			stored.ErrorCode = models.ErrCodeJobCancelled
		default:
			stored.Status = models.JobStatusFailed
			stored.ErrorCode = models.CodeOf(runErr)
			stored.ErrorMessage = models.MessageOf(runErr)
			stored.NonRetryable = models.IsNonRetryable(runErr)
		}
		return nil
	})
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to close job")
		return
	}

	event := e.logger.Info()
	if closed.Status == models.JobStatusFailed {
		event = e.logger.Warn().Str("error_code", closed.ErrorCode).Str("error", closed.ErrorMessage)
	}
	event.
		Str("job_id", closed.ID).
		Str("kind", string(closed.Kind)).
		Str("status", string(closed.Status)).
		Msg("Job closed")

	if err := e.checkpoints.DeleteCheckpoints(ctx, closed.ID); err != nil {
		e.logger.Warn().Err(err).Str("job_id", closed.ID).Msg("Failed to delete checkpoints")
	}

	e.terminateChildren(ctx, closed.ID)
	e.notify(closed.ID)
	e.publish(ctx, closed)
}

func (e *Engine) terminateChildren(ctx context.Context, parentID string) {
	children, err := e.jobs.ListJobs(ctx, models.JobFilter{ParentID: parentID, OpenOnly: true})
	if err != nil {
		e.logger.Warn().Err(err).Str("job_id", parentID).Msg("Failed to list children for close policy")
		return
	}
	for _, child := range children {
		if child.ParentClosePolicy != models.ParentCloseTerminate {
			continue
		}
		if err := e.Cancel(ctx, child.ID); err != nil {
			e.logger.Warn().Err(err).Str("job_id", child.ID).Msg("Failed to terminate child job")
		}
	}
}

// heartbeat keeps the delivery invisible while the job runs and picks up
// cancellation flags written by other callers
func (e *Engine) heartbeat(jc *Context, delivery *queue.Delivery) func() {
	done := make(chan struct{})
	var once sync.Once

	common.SafeGo(e.logger, "heartbeat:"+jc.job.ID, func() {
		ticker := time.NewTicker(e.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := e.queue.Extend(context.Background(), delivery.ID, e.queue.VisibilityTimeout()); err != nil {
					jc.logger.Warn().Err(err).Msg("Failed to extend job visibility")
				}
				if job, err := e.jobs.GetJob(context.Background(), jc.job.ID); err == nil && job.CancelRequested {
					jc.cancel()
				}
			}
		}
	})

	return func() { once.Do(func() { close(done) }) }
}

func (e *Engine) ack(delivery *queue.Delivery) {
	if err := e.queue.Delete(context.Background(), delivery.ID); err != nil {
		e.logger.Warn().Err(err).Str("message_id", delivery.ID).Msg("Failed to delete message")
	}
}

func (e *Engine) subscribe(jobID string) chan struct{} {
	ch := make(chan struct{})
	e.mu.Lock()
	e.waiters[jobID] = append(e.waiters[jobID], ch)
	e.mu.Unlock()
	return ch
}

func (e *Engine) unsubscribe(jobID string, ch chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	waiters := e.waiters[jobID]
	for i, w := range waiters {
		if w == ch {
			e.waiters[jobID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(e.waiters[jobID]) == 0 {
		delete(e.waiters, jobID)
	}
}

func (e *Engine) notify(jobID string) {
	e.mu.Lock()
	waiters := e.waiters[jobID]
	delete(e.waiters, jobID)
	e.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

func (e *Engine) publish(ctx context.Context, job *models.Job) {
	if e.events == nil {
		return
	}
	event := models.JobEvent{
		JobID:     job.ID,
		Kind:      job.Kind,
		SourceID:  job.SourceID,
		ParentID:  job.ParentID,
		Status:    job.Status,
		ErrorCode: job.ErrorCode,
		Error:     job.ErrorMessage,
		Timestamp: time.Now(),
	}
	if err := e.events.Publish(ctx, interfaces.Event{Type: interfaces.EventJobStatus, Payload: event}); err != nil {
		e.logger.Debug().Err(err).Str("job_id", job.ID).Msg("Failed to publish job event")
	}
}
