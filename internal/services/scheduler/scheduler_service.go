package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
)

// Dispatcher is the part of the indexing service the scheduler drives
type Dispatcher interface {
	ScheduleIndexingJob(ctx context.Context, req models.IndexingJobRequest) (*models.ScheduleResult, error)
}

type entry struct {
	sourceID  string
	schedule  string
	cronID    cron.EntryID
	lastRun   *time.Time
	lastJobID string
	lastError string
}

// Service keeps one cron entry per scheduled source. A tick schedules an
// init for sources never initialized and an update otherwise. SOURCE_BUSY
// is an expected answer while an init is still running.
type Service struct {
	sources         interfaces.SourceStorage
	dispatcher      Dispatcher
	eventService    interfaces.EventService
	defaultSchedule string
	parser          cron.Parser
	cron            *cron.Cron
	logger          arbor.ILogger

	mu      sync.Mutex
	entries map[string]*entry
	running bool
	ctx     context.Context
}

// NewService creates a scheduler. defaultSchedule applies to sources that
// carry no schedule of their own; empty leaves them manual.
func NewService(sources interfaces.SourceStorage, dispatcher Dispatcher, eventService interfaces.EventService, defaultSchedule string, logger arbor.ILogger) *Service {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Service{
		sources:         sources,
		dispatcher:      dispatcher,
		eventService:    eventService,
		defaultSchedule: defaultSchedule,
		parser:          parser,
		cron:            cron.New(cron.WithParser(parser)),
		logger:          logger,
		entries:         make(map[string]*entry),
		ctx:             context.Background(),
	}
}

// Start loads every source schedule and starts the cron loop
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.ctx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	if err := s.Sync(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load source schedules")
	}

	if s.eventService != nil {
		resync := func(ctx context.Context, event interfaces.Event) error {
			return s.Sync(ctx)
		}
		if err := s.eventService.Subscribe(interfaces.EventSourceUpdated, resync); err != nil {
			return err
		}
		if err := s.eventService.Subscribe(interfaces.EventSourceDeleted, resync); err != nil {
			return err
		}
		if err := s.eventService.Subscribe(interfaces.EventObserverNotice, s.handleObserverNotice); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.Info().Int("scheduled_sources", len(s.Statuses())).Msg("Scheduler started")
	return nil
}

// Stop halts the cron loop and waits for running ticks
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// IsRunning reports whether the cron loop is active
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Sync adds, reschedules and removes cron entries to match stored sources
func (s *Service) Sync(ctx context.Context) error {
	sources, err := s.sources.ListSources(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sources: %w", err)
	}

	wanted := make(map[string]string)
	for _, source := range sources {
		schedule := source.Schedule
		if schedule == "" {
			schedule = s.defaultSchedule
		}
		if schedule != "" && source.Connected {
			wanted[source.ID] = schedule
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entries {
		if schedule, ok := wanted[id]; !ok || schedule != e.schedule {
			s.cron.Remove(e.cronID)
			delete(s.entries, id)
		}
	}

	for id, schedule := range wanted {
		if _, ok := s.entries[id]; ok {
			continue
		}
		sched, err := s.parser.Parse(schedule)
		if err != nil {
			s.logger.Warn().Err(err).Str("source_id", id).Str("schedule", schedule).Msg("Invalid source schedule, skipping")
			continue
		}
		sourceID := id
		cronID := s.cron.Schedule(sched, cron.FuncJob(func() { s.tick(sourceID) }))
		s.entries[id] = &entry{sourceID: id, schedule: schedule, cronID: cronID}
	}
	return nil
}

// Trigger schedules a re-index of one source now
func (s *Service) Trigger(ctx context.Context, sourceID string) error {
	source, err := s.sources.GetSource(ctx, sourceID)
	if err != nil {
		return err
	}
	_, err = s.reindex(ctx, source)
	return err
}

// Statuses returns every scheduled source ordered by id
func (s *Service) Statuses() []interfaces.ScheduleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]interfaces.ScheduleStatus, 0, len(s.entries))
	for _, e := range s.entries {
		status := interfaces.ScheduleStatus{
			SourceID:  e.sourceID,
			Schedule:  e.schedule,
			LastRun:   e.lastRun,
			LastJobID: e.lastJobID,
			LastError: e.lastError,
		}
		if next := s.cron.Entry(e.cronID).Next; !next.IsZero() {
			status.NextRun = &next
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

func (s *Service) tick(sourceID string) {
	defer common.Recover(s.logger, "scheduler:"+sourceID)

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	source, err := s.sources.GetSource(ctx, sourceID)
	if err != nil {
		s.logger.Warn().Err(err).Str("source_id", sourceID).Msg("Scheduled source not found")
		return
	}
	result, err := s.reindex(ctx, source)

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sourceID]
	if !ok {
		return
	}
	e.lastRun = &now
	e.lastError = ""
	if err != nil {
		e.lastError = err.Error()
		return
	}
	e.lastJobID = result.JobID
}

// reindex picks init or update from the source's initialized flag
func (s *Service) reindex(ctx context.Context, source *models.Source) (*models.ScheduleResult, error) {
	jobType := models.IndexingUpdate
	if !source.Initialized {
		jobType = models.IndexingInit
	}

	result, err := s.dispatcher.ScheduleIndexingJob(ctx, models.IndexingJobRequest{SourceID: source.ID, Type: jobType})
	if err != nil {
		s.logger.Error().Err(err).Str("source_id", source.ID).Msg("Scheduled re-index failed")
		return nil, err
	}

	if result.Busy() {
		s.logger.Debug().Str("source_id", source.ID).Msg("Source busy with an init, scheduled run skipped")
		return result, nil
	}
	s.logger.Info().
		Str("source_id", source.ID).
		Str("type", string(jobType)).
		Str("status", result.Status).
		Str("job_id", result.JobID).
		Msg("Scheduled re-index dispatched")
	return result, nil
}

// handleObserverNotice re-indexes a source whose provider pushed a change
func (s *Service) handleObserverNotice(ctx context.Context, event interfaces.Event) error {
	sourceID, ok := event.Payload.(string)
	if !ok || sourceID == "" {
		return fmt.Errorf("observer notice without source id")
	}
	source, err := s.sources.GetSource(ctx, sourceID)
	if err != nil {
		return err
	}
	if !source.Initialized {
		return nil
	}
	_, err = s.reindex(ctx, source)
	return err
}
