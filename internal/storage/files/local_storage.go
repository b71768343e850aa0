package files

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/interfaces"
	"github.com/ternarybob/corpus/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// LocalStorage keeps file bytes on disk and their metadata in Badger.
// Private files live under <dir>/private/<source>/, published ones under <dir>/public/<source>/.
type LocalStorage struct {
	store  *badgerhold.Store
	config common.FilesConfig
	logger arbor.ILogger
}

// NewLocalStorage creates the file storage plugin
func NewLocalStorage(store *badgerhold.Store, config common.FilesConfig, logger arbor.ILogger) (*LocalStorage, error) {
	for _, visibility := range []string{models.VisibilityPrivate, models.VisibilityPublic} {
		if err := os.MkdirAll(filepath.Join(config.Dir, visibility), 0755); err != nil {
			return nil, fmt.Errorf("failed to create file storage directory: %w", err)
		}
	}
	return &LocalStorage{
		store:  store,
		config: config,
		logger: logger,
	}, nil
}

func (s *LocalStorage) StoreFile(ctx context.Context, sourceID string, file models.RemoteFile) (*models.StoredFile, error) {
	id := common.NewFileID()
	filename := sanitizeFilename(file.Filename)

	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = mimetype.Detect(file.Data).String()
	}
	// Parameters such as charset are not part of parser routing
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}

	stored := &models.StoredFile{
		ID:         id,
		SourceID:   sourceID,
		Filename:   filename,
		MimeType:   mimeType,
		Size:       int64(len(file.Data)),
		Visibility: models.VisibilityPrivate,
		CreatedAt:  time.Now(),
	}
	stored.PrivateURL = "file://" + filepath.ToSlash(s.diskPath(stored, models.VisibilityPrivate))

	target := s.diskPath(stored, models.VisibilityPrivate)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, fmt.Errorf("failed to create source file directory: %w", err)
	}
	if err := os.WriteFile(target, file.Data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write file %s: %w", filename, err)
	}

	if err := s.store.Upsert(id, stored); err != nil {
		os.Remove(target)
		return nil, fmt.Errorf("failed to save file metadata: %w", err)
	}

	s.logger.Debug().
		Str("file_id", id).
		Str("source_id", sourceID).
		Str("filename", filename).
		Str("mime_type", mimeType).
		Int64("size", stored.Size).
		Msg("File stored")

	return stored, nil
}

func (s *LocalStorage) ReadFile(ctx context.Context, fileID string) ([]byte, *models.StoredFile, error) {
	stored, err := s.get(fileID)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(s.diskPath(stored, stored.Visibility))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read file %s: %w", fileID, err)
	}
	return data, stored, nil
}

// OpenPublic opens a published file for serving. Private files are reported as not found.
func (s *LocalStorage) OpenPublic(ctx context.Context, fileID string) (io.ReadCloser, *models.StoredFile, error) {
	stored, err := s.get(fileID)
	if err != nil {
		return nil, nil, err
	}
	if stored.Visibility != models.VisibilityPublic {
		return nil, nil, fmt.Errorf("file %s: %w", fileID, interfaces.ErrNotFound)
	}
	f, err := os.Open(s.diskPath(stored, models.VisibilityPublic))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file %s: %w", fileID, err)
	}
	return f, stored, nil
}

// ChangeFileVisibility moves the file between the private and public trees.
// Changing to the current visibility is a no-op.
func (s *LocalStorage) ChangeFileVisibility(ctx context.Context, fileID, visibility string) (*models.StoredFile, error) {
	if visibility != models.VisibilityPrivate && visibility != models.VisibilityPublic {
		return nil, fmt.Errorf("invalid visibility: %s", visibility)
	}

	stored, err := s.get(fileID)
	if err != nil {
		return nil, err
	}
	if stored.Visibility == visibility {
		return stored, nil
	}

	from := s.diskPath(stored, stored.Visibility)
	to := s.diskPath(stored, visibility)
	if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.Rename(from, to); err != nil {
		return nil, fmt.Errorf("failed to move file %s: %w", fileID, err)
	}

	stored.Visibility = visibility
	stored.PrivateURL = "file://" + filepath.ToSlash(to)
	if visibility == models.VisibilityPublic {
		stored.PublicURL = path.Join(s.config.PublicBaseURL, stored.ID, stored.Filename)
	} else {
		stored.PublicURL = ""
	}

	if err := s.store.Upsert(stored.ID, stored); err != nil {
		return nil, fmt.Errorf("failed to save file metadata: %w", err)
	}
	return stored, nil
}

func (s *LocalStorage) DeleteSourceFiles(ctx context.Context, sourceID string) (int, error) {
	var stored []models.StoredFile
	if err := s.store.Find(&stored, badgerhold.Where("SourceID").Eq(sourceID)); err != nil {
		return 0, fmt.Errorf("failed to list source files: %w", err)
	}

	for _, visibility := range []string{models.VisibilityPrivate, models.VisibilityPublic} {
		dir := filepath.Join(s.config.Dir, visibility, sanitizeFilename(sourceID))
		if err := os.RemoveAll(dir); err != nil {
			return 0, fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}

	if err := s.store.DeleteMatching(&models.StoredFile{}, badgerhold.Where("SourceID").Eq(sourceID)); err != nil {
		return 0, fmt.Errorf("failed to delete file metadata: %w", err)
	}
	return len(stored), nil
}

func (s *LocalStorage) get(fileID string) (*models.StoredFile, error) {
	var stored models.StoredFile
	if err := s.store.Get(fileID, &stored); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("file %s: %w", fileID, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get file metadata: %w", err)
	}
	return &stored, nil
}

func (s *LocalStorage) diskPath(stored *models.StoredFile, visibility string) string {
	return filepath.Join(s.config.Dir, visibility, sanitizeFilename(stored.SourceID), stored.ID+"_"+stored.Filename)
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "file"
	}
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(name)
}
