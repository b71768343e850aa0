// Package localdir indexes the files below a directory on the host.
// Changes are found by diffing size and modification time against the
// snapshot kept in the source state.
package localdir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/models"
)

// Collection is the collection local files are stored in
const Collection = "files"

var defaultExcludedDirs = []string{".git", "node_modules", "vendor", ".idea", ".vscode"}

// extension overrides for types content sniffing reports as text/plain
var extensionTypes = map[string]string{
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".html":     "text/html",
	".htm":      "text/html",
	".csv":      "text/csv",
	".json":     "application/json",
	".pdf":      "application/pdf",
}

// Connection is the connection blob of a local_dir source
type Connection struct {
	Root string `json:"root"`
}

// Entrypoint selects the indexed subtree and files
type Entrypoint struct {
	Path        string   `json:"path,omitempty"`
	Include     []string `json:"include,omitempty"`
	ExcludeDirs []string `json:"exclude_dirs,omitempty"`
}

type fileStamp struct {
	Size    int64 `json:"size"`
	ModTime int64 `json:"mod_time"`
}

// State is the snapshot the next update diffs against
type State struct {
	Files map[string]fileStamp `json:"files"`

	mimeTypes map[string]string
}

// Provider is the local directory provider
type Provider struct {
	maxFileSize int64
	logger      arbor.ILogger
}

// NewProvider creates the local directory provider. Files larger than
// maxFileSize are skipped (0 means unlimited).
func NewProvider(maxFileSize int64, logger arbor.ILogger) *Provider {
	return &Provider{maxFileSize: maxFileSize, logger: logger}
}

func (p *Provider) Type() string { return models.ProviderLocalDir }

func (p *Provider) ListEntrypointOptions(ctx context.Context, source *models.Source, parentID string) ([]models.EntrypointOption, error) {
	root, err := p.root(source)
	if err != nil {
		return nil, err
	}
	dir, err := within(root, parentID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", parentID, err)
	}

	var options []models.EntrypointOption
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		rel := path.Join(filepath.ToSlash(parentID), entry.Name())
		entrypoint, _ := json.Marshal(Entrypoint{Path: rel})
		children, _ := os.ReadDir(filepath.Join(dir, entry.Name()))
		hasChildren := false
		for _, child := range children {
			if child.IsDir() {
				hasChildren = true
				break
			}
		}
		options = append(options, models.EntrypointOption{
			ID:          rel,
			Name:        entry.Name(),
			HasChildren: hasChildren,
			Entrypoint:  entrypoint,
		})
	}
	return options, nil
}

func (p *Provider) HandleEntrypointUpdate(ctx context.Context, source *models.Source, entrypoint json.RawMessage) (*models.EntrypointUpdate, error) {
	var ep Entrypoint
	if len(entrypoint) > 0 {
		if err := json.Unmarshal(entrypoint, &ep); err != nil {
			return nil, fmt.Errorf("invalid entrypoint: %w", err)
		}
	}
	ep.Path = strings.Trim(path.Clean("/"+filepath.ToSlash(ep.Path)), "/")
	for _, pattern := range ep.Include {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}
	}
	normalised, err := json.Marshal(ep)
	if err != nil {
		return nil, err
	}
	// a new root invalidates the snapshot
	return &models.EntrypointUpdate{Entrypoint: normalised, State: json.RawMessage(`{}`)}, nil
}

func (p *Provider) ValidateEntrypoint(ctx context.Context, source *models.Source, entrypoint json.RawMessage) error {
	root, err := p.root(source)
	if err != nil {
		return err
	}
	var ep Entrypoint
	if len(entrypoint) > 0 {
		if err := json.Unmarshal(entrypoint, &ep); err != nil {
			return fmt.Errorf("invalid entrypoint: %w", err)
		}
	}
	dir, err := within(root, ep.Path)
	if err != nil {
		return err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("entrypoint %q: %w", ep.Path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("entrypoint %q is not a directory", ep.Path)
	}
	return nil
}

func (p *Provider) Connect(ctx context.Context, source *models.Source, connection json.RawMessage) (*models.ConnectResult, error) {
	var conn Connection
	if err := json.Unmarshal(connection, &conn); err != nil {
		return nil, models.WrapNonRetryable(models.ErrCodeProviderInvalidConnection, err)
	}
	if conn.Root == "" {
		return nil, models.NewNonRetryable(models.ErrCodeProviderInvalidConnection, "root is required")
	}
	abs, err := filepath.Abs(conn.Root)
	if err != nil {
		return nil, models.WrapNonRetryable(models.ErrCodeProviderInvalidConnection, err)
	}
	conn.Root = abs
	normalised, err := json.Marshal(conn)
	if err != nil {
		return nil, err
	}
	return &models.ConnectResult{Connection: normalised}, nil
}

func (p *Provider) VerifyConnection(ctx context.Context, source *models.Source) error {
	root, err := p.root(source)
	if err != nil {
		return err
	}
	info, err := os.Stat(root)
	if err != nil {
		return models.WrapNonRetryable(models.ErrCodeProviderInvalidConnection, err)
	}
	if !info.IsDir() {
		return models.NewNonRetryable(models.ErrCodeProviderInvalidConnection, "%s is not a directory", root)
	}
	return nil
}

func (p *Provider) InitSource(ctx context.Context, params models.SourceTaskParams) (*models.SourceTaskResult, error) {
	snapshot, err := p.scan(ctx, params.Source)
	if err != nil {
		return nil, err
	}

	paths := sortedPaths(snapshot.Files)
	events := make([]models.IndexingEvent, 0, len(paths))
	for _, rel := range paths {
		events = append(events, snapshot.event(models.EventCreated, rel))
	}
	return ready(events, snapshot)
}

func (p *Provider) HandleSourceUpdate(ctx context.Context, params models.SourceTaskParams) (*models.SourceTaskResult, error) {
	var previous State
	if err := params.Source.DecodeState(&previous); err != nil {
		p.logger.Warn().Err(err).Str("source_id", params.Source.ID).Msg("Unreadable local_dir state, treating every file as new")
	}
	snapshot, err := p.scan(ctx, params.Source)
	if err != nil {
		return nil, err
	}

	var events []models.IndexingEvent
	for _, rel := range sortedPaths(snapshot.Files) {
		old, ok := previous.Files[rel]
		switch {
		case !ok:
			events = append(events, snapshot.event(models.EventCreated, rel))
		case old != snapshot.Files[rel]:
			events = append(events, snapshot.event(models.EventUpdated, rel))
		}
	}
	for _, rel := range sortedPaths(previous.Files) {
		if _, ok := snapshot.Files[rel]; !ok {
			events = append(events, models.IndexingEvent{EventName: models.EventDeleted, RecordID: rel, RecordType: "file"})
		}
	}
	return ready(events, snapshot)
}

func (p *Provider) GetRecordMetadata(ctx context.Context, params models.RecordParams) (map[string]interface{}, error) {
	file, err := p.file(params.Source, params.RecordID)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(file)
	if err != nil {
		return nil, models.WrapNonRetryable(models.ErrCodeRecordNotFound, err)
	}
	return map[string]interface{}{
		"path":     params.RecordID,
		"size":     info.Size(),
		"modTime":  info.ModTime().UTC().Format(time.RFC3339),
		"mimeType": detectMimeType(file, nil),
	}, nil
}

func (p *Provider) GetRecord(ctx context.Context, params models.RecordParams) (*models.GetRecordResult, error) {
	file, err := p.file(params.Source, params.RecordID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(file)
	if errors.Is(err, fs.ErrNotExist) {
		// removed since the event was produced; the next update reports the delete
		return &models.GetRecordResult{Status: models.TaskReady}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", params.RecordID, err)
	}

	return &models.GetRecordResult{
		Status: models.TaskReady,
		Result: &models.RemoteRecord{
			Type:       models.RemoteRecordFile,
			Collection: Collection,
			File: &models.RemoteFile{
				Filename: filepath.Base(file),
				MimeType: detectMimeType(file, data),
				Data:     data,
			},
			Metadata: map[string]interface{}{"path": params.RecordID},
		},
	}, nil
}

func (p *Provider) ProcessRecord(ctx context.Context, params models.ProcessRecordParams) (*models.ProcessedRecord, error) {
	record := make(map[string]interface{}, len(params.Content)+1)
	for k, v := range params.Content {
		record[k] = v
	}
	if rel, ok := params.Metadata["path"].(string); ok {
		record["path"] = rel
	}
	return &models.ProcessedRecord{Collection: Collection, Record: record}, nil
}

// RegisterObserver is a no-op: local sources are picked up by the scheduler
func (p *Provider) RegisterObserver(ctx context.Context, source *models.Source) (*models.ObserverResult, error) {
	return nil, nil
}

func (p *Provider) UnregisterObserver(ctx context.Context, source *models.Source) error {
	return nil
}

// scan walks the entrypoint and stamps every included file
func (p *Provider) scan(ctx context.Context, source *models.Source) (*State, error) {
	root, err := p.root(source)
	if err != nil {
		return nil, err
	}
	var ep Entrypoint
	if err := source.DecodeEntrypoint(&ep); err != nil {
		return nil, fmt.Errorf("invalid entrypoint: %w", err)
	}
	base, err := within(root, ep.Path)
	if err != nil {
		return nil, err
	}
	excluded := make(map[string]bool)
	for _, name := range append(defaultExcludedDirs, ep.ExcludeDirs...) {
		excluded[name] = true
	}

	snapshot := &State{Files: make(map[string]fileStamp), mimeTypes: make(map[string]string)}
	err = filepath.WalkDir(base, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			p.logger.Debug().Err(err).Str("path", file).Msg("Skipping unreadable path")
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if file != base && excluded[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !included(d.Name(), ep.Include) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if p.maxFileSize > 0 && info.Size() > p.maxFileSize {
			p.logger.Debug().Str("path", file).Int64("size", info.Size()).Msg("Skipping oversized file")
			return nil
		}
		rel, err := filepath.Rel(root, file)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		snapshot.Files[rel] = fileStamp{Size: info.Size(), ModTime: info.ModTime().UnixNano()}
		snapshot.mimeTypes[rel] = detectMimeType(file, nil)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", base, err)
	}
	return snapshot, nil
}

func (p *Provider) root(source *models.Source) (string, error) {
	var conn Connection
	if err := source.DecodeConnection(&conn); err != nil {
		return "", models.WrapNonRetryable(models.ErrCodeProviderInvalidConnection, err)
	}
	if conn.Root == "" {
		return "", models.NewNonRetryable(models.ErrCodeProviderNotConnected, "source %s has no root directory", source.ID)
	}
	return conn.Root, nil
}

func (p *Provider) file(source *models.Source, recordID string) (string, error) {
	root, err := p.root(source)
	if err != nil {
		return "", err
	}
	return within(root, recordID)
}

// within resolves rel below root and refuses paths that escape it
func within(root, rel string) (string, error) {
	joined := filepath.Join(root, filepath.FromSlash(rel))
	back, err := filepath.Rel(root, joined)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", models.NewNonRetryable(models.ErrCodeRecordNotFound, "path %q is outside the source root", rel)
	}
	return joined, nil
}

func included(name string, patterns []string) bool {
	if len(patterns) == 0 {
		return !strings.HasPrefix(name, ".")
	}
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func detectMimeType(file string, data []byte) string {
	if mimeType, ok := extensionTypes[strings.ToLower(filepath.Ext(file))]; ok {
		return mimeType
	}
	var detected *mimetype.MIME
	if data != nil {
		detected = mimetype.Detect(data)
	} else {
		var err error
		if detected, err = mimetype.DetectFile(file); err != nil {
			return "application/octet-stream"
		}
	}
	mimeType, _, _ := strings.Cut(detected.String(), ";")
	return strings.TrimSpace(mimeType)
}

// event carries the sniffed MIME type so unsupported files fail before they are fetched
func (s *State) event(name models.IndexingEventName, rel string) models.IndexingEvent {
	return models.IndexingEvent{
		EventName:  name,
		RecordID:   rel,
		RecordType: "file",
		Metadata:   map[string]interface{}{"mimeType": s.mimeTypes[rel]},
	}
}

func sortedPaths(files map[string]fileStamp) []string {
	paths := make([]string, 0, len(files))
	for rel := range files {
		paths = append(paths, rel)
	}
	sort.Strings(paths)
	return paths
}

func ready(events []models.IndexingEvent, snapshot *State) (*models.SourceTaskResult, error) {
	state, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	return &models.SourceTaskResult{Status: models.TaskReady, Events: events, SourceState: state}, nil
}
