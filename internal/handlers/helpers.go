package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
)

// maxBodyBytes bounds admin request bodies
const maxBodyBytes = 1 << 20

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a standard success JSON response.
func WriteSuccess(w http.ResponseWriter, message string) error {
	return WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": message,
	})
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// WriteJobError maps coded failures onto HTTP statuses and keeps the code in
// the body so callers can branch on it
func WriteJobError(w http.ResponseWriter, err error) error {
	status := http.StatusInternalServerError
	code := models.CodeOf(err)
	switch {
	case errors.Is(err, interfaces.ErrNotFound), code == models.ErrCodeSourceNotFound:
		status = http.StatusNotFound
	case code == models.ErrCodeSourceBusy:
		status = http.StatusConflict
	case code == models.ErrCodeProviderNotFound,
		code == models.ErrCodeProviderInvalidConnection,
		code == models.ErrCodeProviderNotConnected:
		status = http.StatusBadRequest
	}

	body := map[string]string{
		"status": "error",
		"error":  err.Error(),
	}
	if code != "" {
		body["code"] = code
	}
	return WriteJSON(w, status, body)
}

// DecodeJSON reads a bounded JSON body into v
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// extractIDFromPath returns the first path segment after prefix
func extractIDFromPath(path, prefix string) string {
	rest := strings.TrimPrefix(path, prefix)
	if rest == path {
		return ""
	}
	id, _, _ := strings.Cut(strings.Trim(rest, "/"), "/")
	return id
}

// pathAction returns the segment after the id, e.g. "connect" in /api/sources/{id}/connect
func pathAction(path, prefix string) string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	_, action, _ := strings.Cut(rest, "/")
	return action
}

func queryInt(r *http.Request, name string, fallback int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			return v
		}
	}
	return fallback
}
