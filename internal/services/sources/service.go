package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
)

// ErrInvalidSource wraps every validation failure of an admin request
var ErrInvalidSource = errors.New("invalid source")

// Deleter schedules the erasure of a source and everything indexed from it
type Deleter interface {
	ScheduleDeleteSourceJob(ctx context.Context, sourceID string) (*models.Job, error)
}

// CreateRequest is the admin payload for a new source
type CreateRequest struct {
	Name         string          `json:"name" validate:"required,max=200"`
	ProviderType string          `json:"provider_type" validate:"required"`
	Connection   json.RawMessage `json:"connection,omitempty"`
	Entrypoint   json.RawMessage `json:"entrypoint,omitempty"`
	Schedule     string          `json:"schedule,omitempty"`
}

// UpdateRequest changes admin-owned fields. Nil fields are left unchanged.
type UpdateRequest struct {
	Name     *string `json:"name,omitempty" validate:"omitempty,max=200"`
	Schedule *string `json:"schedule,omitempty"`
}

// Service manages source configurations. Job-owned fields (lifecycle,
// initialized, state) are never written here.
type Service struct {
	storage      interfaces.SourceStorage
	registry     interfaces.PluginRegistry
	deleter      Deleter
	eventService interfaces.EventService
	validate     *validator.Validate
	cronParser   cron.Parser
	logger       arbor.ILogger
}

// NewService creates a new source service
func NewService(storage interfaces.SourceStorage, registry interfaces.PluginRegistry, deleter Deleter, eventService interfaces.EventService, logger arbor.ILogger) *Service {
	return &Service{
		storage:      storage,
		registry:     registry,
		deleter:      deleter,
		eventService: eventService,
		validate:     validator.New(),
		cronParser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:       logger,
	}
}

// CronParser returns the parser schedules are validated with
func (s *Service) CronParser() cron.Parser {
	return s.cronParser
}

// CreateSource validates the request, lets the provider normalise the
// connection and entrypoint, and persists the source
func (s *Service) CreateSource(ctx context.Context, req CreateRequest) (*models.Source, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if err := s.validateSchedule(req.Schedule); err != nil {
		return nil, err
	}
	provider, err := s.registry.Provider(req.ProviderType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}

	now := time.Now()
	source := &models.Source{
		ID:           common.NewSourceID(),
		Name:         req.Name,
		ProviderType: req.ProviderType,
		Lifecycle:    models.SourceIdle,
		Schedule:     req.Schedule,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if len(req.Connection) > 0 {
		if err := s.connect(ctx, provider, source, req.Connection); err != nil {
			return nil, err
		}
	}
	if len(req.Entrypoint) > 0 {
		if err := s.applyEntrypoint(ctx, provider, source, req.Entrypoint); err != nil {
			return nil, err
		}
	}

	if err := s.validate.Struct(source); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if err := s.storage.SaveSource(ctx, source); err != nil {
		return nil, fmt.Errorf("failed to save source: %w", err)
	}

	s.logger.Info().
		Str("source_id", source.ID).
		Str("name", source.Name).
		Str("provider_type", source.ProviderType).
		Bool("connected", source.Connected).
		Msg("Source created")

	s.publishUpdated(ctx, source)
	return source, nil
}

// UpdateSource applies admin changes to an existing source
func (s *Service) UpdateSource(ctx context.Context, id string, req UpdateRequest) (*models.Source, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if req.Schedule != nil {
		if err := s.validateSchedule(*req.Schedule); err != nil {
			return nil, err
		}
	}

	source, err := s.storage.GetSource(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		source.Name = *req.Name
	}
	if req.Schedule != nil {
		source.Schedule = *req.Schedule
	}
	return s.save(ctx, source)
}

// Connect hands credentials to the provider and stores what it accepted
func (s *Service) Connect(ctx context.Context, id string, connection json.RawMessage) (*models.Source, error) {
	source, provider, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.connect(ctx, provider, source, connection); err != nil {
		return nil, err
	}
	return s.save(ctx, source)
}

// VerifyConnection checks the stored credentials still work. A failed
// check marks the source disconnected.
func (s *Service) VerifyConnection(ctx context.Context, id string) error {
	source, provider, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	verifyErr := provider.VerifyConnection(ctx, source)
	connected := verifyErr == nil
	if source.Connected != connected {
		source.Connected = connected
		if _, err := s.save(ctx, source); err != nil {
			return err
		}
	}
	if verifyErr != nil {
		s.logger.Warn().Err(verifyErr).Str("source_id", id).Msg("Source connection failed verification")
		return models.WrapNonRetryable(models.ErrCodeProviderInvalidConnection, verifyErr)
	}
	return nil
}

// ListEntrypointOptions browses the roots a provider offers under parentID
func (s *Service) ListEntrypointOptions(ctx context.Context, id, parentID string) ([]models.EntrypointOption, error) {
	source, provider, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !source.Connected {
		return nil, models.NewNonRetryable(models.ErrCodeProviderNotConnected, "source %s is not connected", id)
	}
	return provider.ListEntrypointOptions(ctx, source, parentID)
}

// SetEntrypoint validates and stores a new root pointer. Indexing is not
// triggered; callers schedule a forced init when they want a re-index.
func (s *Service) SetEntrypoint(ctx context.Context, id string, entrypoint json.RawMessage) (*models.Source, error) {
	source, provider, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.applyEntrypoint(ctx, provider, source, entrypoint); err != nil {
		return nil, err
	}
	return s.save(ctx, source)
}

// GetSource returns one source
func (s *Service) GetSource(ctx context.Context, id string) (*models.Source, error) {
	return s.storage.GetSource(ctx, id)
}

// ListSources returns every source
func (s *Service) ListSources(ctx context.Context) ([]*models.Source, error) {
	return s.storage.ListSources(ctx)
}

// DeleteSource runs the delete-source job to completion
func (s *Service) DeleteSource(ctx context.Context, id string) error {
	job, err := s.deleter.ScheduleDeleteSourceJob(ctx, id)
	if err != nil {
		return err
	}
	if failure := job.Failure(); failure != nil {
		return failure
	}

	s.logger.Info().Str("source_id", id).Str("job_id", job.ID).Msg("Source deleted")
	if s.eventService != nil {
		if err := s.eventService.Publish(ctx, interfaces.Event{Type: interfaces.EventSourceDeleted, Payload: id}); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to publish source deleted event")
		}
	}
	return nil
}

func (s *Service) load(ctx context.Context, id string) (*models.Source, interfaces.Provider, error) {
	source, err := s.storage.GetSource(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	provider, err := s.registry.Provider(source.ProviderType)
	if err != nil {
		return nil, nil, err
	}
	return source, provider, nil
}

func (s *Service) connect(ctx context.Context, provider interfaces.Provider, source *models.Source, connection json.RawMessage) error {
	result, err := provider.Connect(ctx, source, connection)
	if err != nil {
		return models.WrapNonRetryable(models.ErrCodeProviderInvalidConnection, err)
	}
	source.Connection = result.Connection
	source.Connected = true
	return nil
}

func (s *Service) applyEntrypoint(ctx context.Context, provider interfaces.Provider, source *models.Source, entrypoint json.RawMessage) error {
	update, err := provider.HandleEntrypointUpdate(ctx, source, entrypoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if err := provider.ValidateEntrypoint(ctx, source, update.Entrypoint); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	source.Entrypoint = update.Entrypoint
	if len(update.State) > 0 {
		source.State = update.State
	}
	return nil
}

func (s *Service) validateSchedule(schedule string) error {
	if schedule == "" {
		return nil
	}
	if _, err := s.cronParser.Parse(schedule); err != nil {
		return fmt.Errorf("%w: schedule %q: %v", ErrInvalidSource, schedule, err)
	}
	return nil
}

func (s *Service) save(ctx context.Context, source *models.Source) (*models.Source, error) {
	source.UpdatedAt = time.Now()
	if err := s.validate.Struct(source); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if err := s.storage.SaveSource(ctx, source); err != nil {
		return nil, fmt.Errorf("failed to save source: %w", err)
	}
	s.publishUpdated(ctx, source)
	return source, nil
}

func (s *Service) publishUpdated(ctx context.Context, source *models.Source) {
	if s.eventService == nil {
		return
	}
	if err := s.eventService.Publish(ctx, interfaces.Event{Type: interfaces.EventSourceUpdated, Payload: source}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to publish source updated event")
	}
}
