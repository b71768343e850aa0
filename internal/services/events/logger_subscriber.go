package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
)

// AllEventTypes lists every event type the bus carries
var AllEventTypes = []interfaces.EventType{
	interfaces.EventJobStatus,
	interfaces.EventSourceUpdated,
	interfaces.EventSourceDeleted,
	interfaces.EventObserverNotice,
}

// NewLoggerSubscriber creates an event handler that logs events at debug level
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		logEvent := logger.Debug().Str("event_type", string(event.Type))

		switch payload := event.Payload.(type) {
		case models.JobEvent:
			logEvent = logEvent.
				Str("job_id", payload.JobID).
				Str("kind", string(payload.Kind)).
				Str("status", string(payload.Status))
			if payload.SourceID != "" {
				logEvent = logEvent.Str("source_id", payload.SourceID)
			}
			if payload.ErrorCode != "" {
				logEvent = logEvent.Str("error_code", payload.ErrorCode)
			}
		case *models.Source:
			if payload != nil {
				logEvent = logEvent.
					Str("source_id", payload.ID).
					Str("lifecycle", string(payload.Lifecycle))
			}
		case string:
			logEvent = logEvent.Str("source_id", payload)
		}

		logEvent.Msg("Event published")
		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to every known event type
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	for _, eventType := range AllEventTypes {
		if err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	logger.Debug().
		Int("event_type_count", len(AllEventTypes)).
		Msg("Logger subscribed to all event types")

	return nil
}
