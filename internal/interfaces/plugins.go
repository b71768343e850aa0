package interfaces

import (
	"context"
	"encoding/json"
	"io"

	"github.com/ternarybob/corpus/internal/models"
)

// Provider enumerates and fetches content from one kind of external origin
type Provider interface {
	Type() string
	ListEntrypointOptions(ctx context.Context, source *models.Source, parentID string) ([]models.EntrypointOption, error)
	HandleEntrypointUpdate(ctx context.Context, source *models.Source, entrypoint json.RawMessage) (*models.EntrypointUpdate, error)
	ValidateEntrypoint(ctx context.Context, source *models.Source, entrypoint json.RawMessage) error
	Connect(ctx context.Context, source *models.Source, connection json.RawMessage) (*models.ConnectResult, error)
	VerifyConnection(ctx context.Context, source *models.Source) error
	InitSource(ctx context.Context, params models.SourceTaskParams) (*models.SourceTaskResult, error)
	HandleSourceUpdate(ctx context.Context, params models.SourceTaskParams) (*models.SourceTaskResult, error)
	GetRecordMetadata(ctx context.Context, params models.RecordParams) (map[string]interface{}, error)
	GetRecord(ctx context.Context, params models.RecordParams) (*models.GetRecordResult, error)
	ProcessRecord(ctx context.Context, params models.ProcessRecordParams) (*models.ProcessedRecord, error)
	RegisterObserver(ctx context.Context, source *models.Source) (*models.ObserverResult, error)
	UnregisterObserver(ctx context.Context, source *models.Source) error
}

// FileParser turns file bytes of the MIME types it declares into record content.
// ParseFile returns (nil, nil) when it declines a file so the next parser is tried.
type FileParser interface {
	Name() string
	MimeTypes() []string
	ParseFile(ctx context.Context, params models.ParseFileParams) (*models.ParseResult, error)
	ProcessFileRecord(ctx context.Context, params models.ProcessFileParams) (map[string]interface{}, error)
}

// Enhancer derives new fields for an object, possibly asynchronously
type Enhancer interface {
	Name() string
	Enhance(ctx context.Context, params models.EnhanceParams) (*models.EnhanceResult, error)
}

// Database persists records and their nested objects
type Database interface {
	InsertRecord(ctx context.Context, sourceID, remoteID, collection string, content map[string]interface{}) (*models.PersistResult, error)
	UpdateRecord(ctx context.Context, sourceID, remoteID, collection string, content map[string]interface{}) (*models.PersistResult, error)
	PatchRecord(ctx context.Context, sourceID, remoteID string, patch map[string]interface{}) (*models.PersistResult, error)
	PatchObject(ctx context.Context, objectID string, patch map[string]interface{}) error
	GetRecord(ctx context.Context, sourceID, remoteID string) (*models.Record, error)
	GetObject(ctx context.Context, objectID string) (map[string]interface{}, error)
	DeleteRecord(ctx context.Context, objectID, collection string) error
	DeleteSourceRecords(ctx context.Context, sourceID string) (int, error)
}

// FileStorage holds downloaded and extracted files
type FileStorage interface {
	StoreFile(ctx context.Context, sourceID string, file models.RemoteFile) (*models.StoredFile, error)
	ReadFile(ctx context.Context, fileID string) ([]byte, *models.StoredFile, error)
	OpenPublic(ctx context.Context, fileID string) (io.ReadCloser, *models.StoredFile, error)
	ChangeFileVisibility(ctx context.Context, fileID, visibility string) (*models.StoredFile, error)
	DeleteSourceFiles(ctx context.Context, sourceID string) (int, error)
}

// PluginRegistry resolves plugins by category
type PluginRegistry interface {
	Provider(providerType string) (Provider, error)
	ParsersFor(mimeType string) []FileParser
	Parser(name string) (FileParser, error)
	Enhancer(name string) (Enhancer, error)
	Database() Database
	FileStorage() FileStorage
}

// PipelineProvider resolves enhancer pipelines by collection
type PipelineProvider interface {
	ForCollection(collection string) []*models.PipelineDefinition
	All() []*models.PipelineDefinition
}
