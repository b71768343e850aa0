package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
	"github.com/ternarybob/corpus/internal/services/sources"
)

// SourceManager is the admin surface of the source service
type SourceManager interface {
	CreateSource(ctx context.Context, req sources.CreateRequest) (*models.Source, error)
	UpdateSource(ctx context.Context, id string, req sources.UpdateRequest) (*models.Source, error)
	Connect(ctx context.Context, id string, connection json.RawMessage) (*models.Source, error)
	VerifyConnection(ctx context.Context, id string) error
	ListEntrypointOptions(ctx context.Context, id, parentID string) ([]models.EntrypointOption, error)
	SetEntrypoint(ctx context.Context, id string, entrypoint json.RawMessage) (*models.Source, error)
	GetSource(ctx context.Context, id string) (*models.Source, error)
	ListSources(ctx context.Context) ([]*models.Source, error)
	DeleteSource(ctx context.Context, id string) error
}

// SourcesHandler handles HTTP requests for source management
type SourcesHandler struct {
	sourceService SourceManager
	logger        arbor.ILogger
}

// NewSourcesHandler creates a new SourcesHandler
func NewSourcesHandler(sourceService SourceManager, logger arbor.ILogger) *SourcesHandler {
	return &SourcesHandler{
		sourceService: sourceService,
		logger:        logger,
	}
}

// SourceView is a source as the API returns it. Connections carry
// credentials and are never echoed back.
type SourceView struct {
	*models.Source
	Connection json.RawMessage `json:"connection,omitempty"`
}

func viewOf(source *models.Source) SourceView {
	return SourceView{Source: source}
}

// ListSourcesHandler handles GET /api/sources
func (h *SourcesHandler) ListSourcesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	list, err := h.sourceService.ListSources(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list sources")
		WriteError(w, http.StatusInternalServerError, "Failed to list sources")
		return
	}

	views := make([]SourceView, 0, len(list))
	for _, source := range list {
		views = append(views, viewOf(source))
	}
	WriteJSON(w, http.StatusOK, views)
}

// CreateSourceHandler handles POST /api/sources
func (h *SourcesHandler) CreateSourceHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	var req sources.CreateRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	source, err := h.sourceService.CreateSource(r.Context(), req)
	if err != nil {
		h.writeSourceError(w, "create", err)
		return
	}
	WriteJSON(w, http.StatusCreated, viewOf(source))
}

// GetSourceHandler handles GET /api/sources/{id}
func (h *SourcesHandler) GetSourceHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/sources/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "Source ID is required")
		return
	}

	source, err := h.sourceService.GetSource(r.Context(), id)
	if err != nil {
		h.writeSourceError(w, "get", err)
		return
	}
	WriteJSON(w, http.StatusOK, viewOf(source))
}

// UpdateSourceHandler handles PUT /api/sources/{id}
func (h *SourcesHandler) UpdateSourceHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "PUT") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/sources/")
	var req sources.UpdateRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	source, err := h.sourceService.UpdateSource(r.Context(), id, req)
	if err != nil {
		h.writeSourceError(w, "update", err)
		return
	}
	WriteJSON(w, http.StatusOK, viewOf(source))
}

// DeleteSourceHandler handles DELETE /api/sources/{id}. The delete-source
// job erases records, files, audit and lock state before the source itself.
func (h *SourcesHandler) DeleteSourceHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "DELETE") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/sources/")
	if err := h.sourceService.DeleteSource(r.Context(), id); err != nil {
		h.writeSourceError(w, "delete", err)
		return
	}
	WriteSuccess(w, "Source deleted")
}

// ConnectHandler handles POST /api/sources/{id}/connect
func (h *SourcesHandler) ConnectHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/sources/")
	var connection json.RawMessage
	if err := DecodeJSON(w, r, &connection); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	source, err := h.sourceService.Connect(r.Context(), id, connection)
	if err != nil {
		h.writeSourceError(w, "connect", err)
		return
	}
	WriteJSON(w, http.StatusOK, viewOf(source))
}

// VerifyHandler handles POST /api/sources/{id}/verify
func (h *SourcesHandler) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/sources/")
	if err := h.sourceService.VerifyConnection(r.Context(), id); err != nil {
		h.writeSourceError(w, "verify", err)
		return
	}
	WriteSuccess(w, "Connection verified")
}

// EntrypointOptionsHandler handles GET /api/sources/{id}/entrypoints?parent=
func (h *SourcesHandler) EntrypointOptionsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/sources/")
	options, err := h.sourceService.ListEntrypointOptions(r.Context(), id, r.URL.Query().Get("parent"))
	if err != nil {
		h.writeSourceError(w, "list entrypoints", err)
		return
	}
	if options == nil {
		options = []models.EntrypointOption{}
	}
	WriteJSON(w, http.StatusOK, options)
}

// SetEntrypointHandler handles PUT /api/sources/{id}/entrypoint
func (h *SourcesHandler) SetEntrypointHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "PUT") {
		return
	}

	id := extractIDFromPath(r.URL.Path, "/api/sources/")
	var entrypoint json.RawMessage
	if err := DecodeJSON(w, r, &entrypoint); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	source, err := h.sourceService.SetEntrypoint(r.Context(), id, entrypoint)
	if err != nil {
		h.writeSourceError(w, "set entrypoint", err)
		return
	}
	WriteJSON(w, http.StatusOK, viewOf(source))
}

func (h *SourcesHandler) writeSourceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, sources.ErrInvalidSource):
		WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, interfaces.ErrNotFound):
		WriteError(w, http.StatusNotFound, "Source not found")
	default:
		h.logger.Error().Err(err).Str("op", op).Msg("Source request failed")
		WriteJobError(w, err)
	}
}
