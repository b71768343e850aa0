// Package indexing holds the job dispatcher and every indexing job: the
// per-source init/update orchestration, record events, content fetching,
// file parsing and enhancement fan-out.
package indexing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/jobs/engine"
	"github.com/ternarybob/corpus/internal/jobs/lock"
	"github.com/ternarybob/corpus/internal/jobs/pipeline"
	"github.com/ternarybob/corpus/internal/models"
)

// Config holds the orchestration knobs of the indexing jobs
type Config struct {
	EventBatchSize         int
	TaskPollInterval       time.Duration
	DependencyPollInterval time.Duration
	MaxParseDepth          int
	MaxAttachments         int
}

// NewDefaultConfig returns the indexing defaults
func NewDefaultConfig() Config {
	return Config{
		EventBatchSize:         20,
		TaskPollInterval:       10 * time.Second,
		DependencyPollInterval: 30 * time.Second,
		MaxParseDepth:          3,
		MaxAttachments:         50,
	}
}

// ConfigFrom converts the TOML indexing section
func ConfigFrom(cfg common.IndexingConfig) Config {
	defaults := NewDefaultConfig()
	config := Config{
		EventBatchSize:         cfg.EventBatchSize,
		TaskPollInterval:       common.Duration(cfg.TaskPollInterval, defaults.TaskPollInterval),
		DependencyPollInterval: common.Duration(cfg.DependencyPollInterval, defaults.DependencyPollInterval),
		MaxParseDepth:          cfg.MaxParseDepth,
		MaxAttachments:         cfg.MaxAttachments,
	}
	if config.EventBatchSize <= 0 {
		config.EventBatchSize = defaults.EventBatchSize
	}
	if config.MaxParseDepth <= 0 {
		config.MaxParseDepth = defaults.MaxParseDepth
	}
	if config.MaxAttachments <= 0 {
		config.MaxAttachments = defaults.MaxAttachments
	}
	return config
}

// Service dispatches indexing jobs and implements their bodies
type Service struct {
	engine    *engine.Engine
	locks     *lock.Service
	sources   interfaces.SourceStorage
	audit     interfaces.EventAuditStorage
	states    interfaces.PipelineStateStorage
	registry  interfaces.PluginRegistry
	pipelines interfaces.PipelineProvider
	runner    *pipeline.Runner
	config    Config
	logger    arbor.ILogger
}

// NewService creates the indexing service. Call Register before the worker pool starts.
func NewService(
	eng *engine.Engine,
	locks *lock.Service,
	storage interfaces.StorageManager,
	registry interfaces.PluginRegistry,
	pipelines interfaces.PipelineProvider,
	runner *pipeline.Runner,
	config Config,
	logger arbor.ILogger,
) *Service {
	return &Service{
		engine:    eng,
		locks:     locks,
		sources:   storage.SourceStorage(),
		audit:     storage.EventAuditStorage(),
		states:    storage.PipelineStateStorage(),
		registry:  registry,
		pipelines: pipelines,
		runner:    runner,
		config:    config,
		logger:    logger,
	}
}

// Register binds every indexing job kind on the engine
func (s *Service) Register() {
	s.engine.Register(models.JobKindSource, s.runSourceJob)
	s.engine.Register(models.JobKindInitSource, s.runInitSource)
	s.engine.Register(models.JobKindUpdateSource, s.runUpdateSource)
	s.engine.Register(models.JobKindDeleteSource, s.runDeleteSource)
	s.engine.Register(models.JobKindRecordEvent, s.runRecordEvent)
	s.engine.Register(models.JobKindRecordContent, s.runRecordContent)
	s.engine.Register(models.JobKindFileParse, s.runFileParse)
	s.engine.Register(models.JobKindFanout, s.runFanout)
}

// HolderOpen reports whether the job holding a scheduler lock is still open.
// The lock service uses it to reap holders of crashed or closed jobs.
func (s *Service) HolderOpen(ctx context.Context, requestID string) (bool, error) {
	return JobOpen(ctx, s.engine, requestID)
}

// JobOpen reports whether jobID exists and has not closed
func JobOpen(ctx context.Context, eng *engine.Engine, jobID string) (bool, error) {
	job, err := eng.GetJob(ctx, jobID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return job.IsOpen(), nil
}

// loadSource reads the source inside an activity so replays see the same snapshot
func (s *Service) loadSource(jc *engine.Context, sourceID string) (*models.Source, error) {
	return engine.Activity(jc, "load_source", func(ctx context.Context) (*models.Source, error) {
		return s.getSource(ctx, sourceID)
	})
}

func (s *Service) getSource(ctx context.Context, sourceID string) (*models.Source, error) {
	source, err := s.sources.GetSource(ctx, sourceID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, models.NewNonRetryable(models.ErrCodeSourceNotFound, "source %s does not exist", sourceID)
	}
	return source, err
}

// updateSource applies fn to the stored source and saves it
func (s *Service) updateSource(ctx context.Context, sourceID string, fn func(source *models.Source)) error {
	source, err := s.getSource(ctx, sourceID)
	if err != nil {
		return err
	}
	fn(source)
	return s.sources.SaveSource(ctx, source)
}

// awaitTask calls a provider operation that may hand back a pending task and
// polls it every TaskPollInterval until it is ready. Each poll is its own
// activity so a replay skips the polls already made.
func awaitTask[T any](s *Service, jc *engine.Context, key string, call func(ctx context.Context, taskID string) (T, error), status func(T) (models.TaskStatus, string)) (T, error) {
	var zero T
	taskID := ""

	for poll := 0; ; poll++ {
		result, err := engine.Activity(jc, fmt.Sprintf("%s:%d", key, poll), func(ctx context.Context) (T, error) {
			return call(ctx, taskID)
		})
		if err != nil {
			return zero, err
		}

		state, nextTaskID := status(result)
		if state != models.TaskPending {
			return result, nil
		}
		if nextTaskID == "" {
			return zero, models.NewNonRetryable(models.ErrCodeTaskIDNotFound, "%s reported pending without a task id", key)
		}
		taskID = nextTaskID

		jc.Logger().Debug().
			Str("task", key).
			Str("task_id", taskID).
			Int("poll", poll).
			Msg("Task pending, polling again")

		if err := jc.Timer(fmt.Sprintf("%s:%d", key, poll), s.config.TaskPollInterval); err != nil {
			return zero, err
		}
	}
}

func decodeInput(input json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(input, v); err != nil {
		return models.WrapNonRetryable("invalid_input", fmt.Errorf("failed to decode job input: %w", err))
	}
	return nil
}
