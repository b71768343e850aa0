package handlers

import (
	"errors"
	"net/http"

	"github.com/ternarybob/corpus/internal/interfaces"
)

// SchedulerHandler exposes the cron auto-reindex service
type SchedulerHandler struct {
	schedulerService interfaces.SchedulerService
}

// NewSchedulerHandler creates a new scheduler handler
func NewSchedulerHandler(schedulerService interfaces.SchedulerService) *SchedulerHandler {
	return &SchedulerHandler{
		schedulerService: schedulerService,
	}
}

// StatusHandler handles GET /api/scheduler
func (h *SchedulerHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	statuses := h.schedulerService.Statuses()
	if statuses == nil {
		statuses = []interfaces.ScheduleStatus{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"running":  h.schedulerService.IsRunning(),
		"schedule": statuses,
	})
}

// TriggerHandler handles POST /api/scheduler/trigger?source_id=
func (h *SchedulerHandler) TriggerHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	sourceID := r.URL.Query().Get("source_id")
	if sourceID == "" {
		WriteError(w, http.StatusBadRequest, "source_id is required")
		return
	}
	if err := h.schedulerService.Trigger(r.Context(), sourceID); err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Source not found")
			return
		}
		WriteJobError(w, err)
		return
	}
	WriteStarted(w, "Re-index triggered")
}

// WriteStarted writes a standard "started" JSON response for async operations.
func WriteStarted(w http.ResponseWriter, message string) error {
	return WriteJSON(w, http.StatusAccepted, map[string]string{
		"status":  "started",
		"message": message,
	})
}
