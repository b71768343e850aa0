package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/interfaces"
)

// KVServiceInterface defines the methods needed from the KV service
type KVServiceInterface interface {
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]interfaces.KeyValuePair, error)
}

// KVHandler handles runtime settings (API keys and similar) over HTTP
type KVHandler struct {
	kvService KVServiceInterface
	logger    arbor.ILogger
}

// NewKVHandler creates a new KV handler
func NewKVHandler(kvService KVServiceInterface, logger arbor.ILogger) *KVHandler {
	return &KVHandler{
		kvService: kvService,
		logger:    logger,
	}
}

// ListKVHandler handles GET /api/kv?prefix= and returns masked values
func (h *KVHandler) ListKVHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	pairs, err := h.kvService.List(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to list key/value pairs")
		return
	}
	if pairs == nil {
		pairs = []interfaces.KeyValuePair{}
	}

	h.logger.Debug().Int("count", len(pairs)).Msg("Listed key/value pairs")
	WriteJSON(w, http.StatusOK, pairs)
}

// SetKVHandler handles PUT /api/kv/{key}
func (h *KVHandler) SetKVHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "PUT") {
		return
	}

	key, ok := h.keyFromPath(w, r)
	if !ok {
		return
	}
	var req struct {
		Value string `json:"value"`
	}
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.kvService.Set(r.Context(), key, req.Value); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteSuccess(w, "Stored "+key)
}

// DeleteKVHandler handles DELETE /api/kv/{key}
func (h *KVHandler) DeleteKVHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "DELETE") {
		return
	}

	key, ok := h.keyFromPath(w, r)
	if !ok {
		return
	}
	if err := h.kvService.Delete(r.Context(), key); err != nil {
		WriteError(w, http.StatusInternalServerError, "Failed to delete key")
		return
	}
	WriteSuccess(w, "Deleted "+key)
}

// keyFromPath URL-decodes the key of /api/kv/{key}
func (h *KVHandler) keyFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	encoded := strings.TrimPrefix(r.URL.Path, "/api/kv/")
	key, err := url.PathUnescape(encoded)
	if err != nil || strings.TrimSpace(key) == "" {
		WriteError(w, http.StatusBadRequest, "Key is required")
		return "", false
	}
	return key, true
}
