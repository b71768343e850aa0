package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/interfaces"
)

// FilesHandler serves published files. Private files answer 404.
type FilesHandler struct {
	files  interfaces.FileStorage
	prefix string
	logger arbor.ILogger
}

// NewFilesHandler serves files below prefix, e.g. "/files/"
func NewFilesHandler(files interfaces.FileStorage, prefix string, logger arbor.ILogger) *FilesHandler {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &FilesHandler{
		files:  files,
		prefix: prefix,
		logger: logger,
	}
}

// Prefix is the route the handler is mounted on
func (h *FilesHandler) Prefix() string {
	return h.prefix
}

// ServeFile handles GET /files/{id}/{filename}
func (h *FilesHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fileID := extractIDFromPath(r.URL.Path, h.prefix)
	if fileID == "" {
		http.NotFound(w, r)
		return
	}

	reader, stored, err := h.files.OpenPublic(r.Context(), fileID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrNotFound) {
			h.logger.Warn().Err(err).Str("file_id", fileID).Msg("Failed to open public file")
		}
		http.NotFound(w, r)
		return
	}
	defer reader.Close()

	if stored.MimeType != "" {
		w.Header().Set("Content-Type", stored.MimeType)
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": stored.Filename}))
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if seeker, ok := reader.(io.ReadSeeker); ok {
		http.ServeContent(w, r, stored.Filename, stored.CreatedAt.UTC().Truncate(time.Second), seeker)
		return
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", stored.Size))
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, reader); err != nil {
		h.logger.Debug().Err(err).Str("file_id", fileID).Msg("File transfer interrupted")
	}
}
