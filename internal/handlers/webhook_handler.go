package handlers

import (
	"net/http"

	"github.com/google/go-github/v57/github"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/interfaces"
)

// WebhookHandler turns provider change notifications into observer notices.
// The scheduler reacts to a notice with an update job for the source.
type WebhookHandler struct {
	eventService interfaces.EventService
	githubSecret []byte
	logger       arbor.ILogger
}

// NewWebhookHandler creates a webhook handler. An empty secret disables
// signature checks.
func NewWebhookHandler(eventService interfaces.EventService, githubSecret string, logger arbor.ILogger) *WebhookHandler {
	h := &WebhookHandler{
		eventService: eventService,
		logger:       logger,
	}
	if githubSecret != "" {
		h.githubSecret = []byte(githubSecret)
	}
	return h
}

// GitHubHandler handles POST /api/webhooks/github?source_id=
func (h *WebhookHandler) GitHubHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	sourceID := r.URL.Query().Get("source_id")
	if sourceID == "" {
		WriteError(w, http.StatusBadRequest, "source_id is required")
		return
	}

	if _, err := github.ValidatePayload(r, h.githubSecret); err != nil {
		h.logger.Warn().Err(err).Str("source_id", sourceID).Msg("Rejected GitHub webhook payload")
		WriteError(w, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	eventType := github.WebHookType(r)
	switch eventType {
	case "ping":
		WriteSuccess(w, "pong")
		return
	case "issues", "issue_comment":
	default:
		h.logger.Debug().Str("event", eventType).Msg("Ignoring GitHub webhook event")
		WriteSuccess(w, "ignored")
		return
	}

	if err := h.eventService.Publish(r.Context(), interfaces.Event{
		Type:    interfaces.EventObserverNotice,
		Payload: sourceID,
	}); err != nil {
		h.logger.Error().Err(err).Str("source_id", sourceID).Msg("Failed to publish observer notice")
		WriteError(w, http.StatusInternalServerError, "failed to queue update")
		return
	}

	h.logger.Info().
		Str("source_id", sourceID).
		Str("event", eventType).
		Str("delivery", github.DeliveryID(r)).
		Msg("GitHub webhook received")
	WriteStarted(w, "Update queued")
}
