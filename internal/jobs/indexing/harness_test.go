package indexing

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/jobs/engine"
	"github.com/ternarybob/corpus/internal/jobs/lock"
	"github.com/ternarybob/corpus/internal/jobs/pipeline"
	"github.com/ternarybob/corpus/internal/models"
	"github.com/ternarybob/corpus/internal/plugins"
	"github.com/ternarybob/corpus/internal/queue"
	badgerstore "github.com/ternarybob/corpus/internal/storage/badger"
	"github.com/ternarybob/corpus/internal/storage/files"
	"gopkg.in/yaml.v3"
)

const (
	testSourceID = "src-docs"
	fakeProvider = "fake"
)

// stubProvider serves canned events and records
type stubProvider struct {
	initEvents   []models.IndexingEvent
	updateEvents []models.IndexingEvent
	records      map[string]*models.RemoteRecord

	block          atomic.Bool  // InitSource stays pending while set
	pendingFetches atomic.Int32 // GetRecord answers pending this many more times
	resumedFetches atomic.Int32 // GetRecord calls carrying a task id
	observerErr    error        // returned by RegisterObserver when set
	initCalls      atomic.Int32
	observers      atomic.Int32
	unregistered   atomic.Int32
}

func newStubProvider() *stubProvider {
	return &stubProvider{records: map[string]*models.RemoteRecord{}}
}

func (p *stubProvider) Type() string { return fakeProvider }

func (p *stubProvider) ListEntrypointOptions(ctx context.Context, source *models.Source, parentID string) ([]models.EntrypointOption, error) {
	return nil, nil
}

func (p *stubProvider) HandleEntrypointUpdate(ctx context.Context, source *models.Source, entrypoint json.RawMessage) (*models.EntrypointUpdate, error) {
	return &models.EntrypointUpdate{Entrypoint: entrypoint}, nil
}

func (p *stubProvider) ValidateEntrypoint(ctx context.Context, source *models.Source, entrypoint json.RawMessage) error {
	return nil
}

func (p *stubProvider) Connect(ctx context.Context, source *models.Source, connection json.RawMessage) (*models.ConnectResult, error) {
	return &models.ConnectResult{Connection: connection}, nil
}

func (p *stubProvider) VerifyConnection(ctx context.Context, source *models.Source) error {
	return nil
}

func (p *stubProvider) InitSource(ctx context.Context, params models.SourceTaskParams) (*models.SourceTaskResult, error) {
	p.initCalls.Add(1)
	if p.block.Load() {
		return &models.SourceTaskResult{Status: models.TaskPending, TaskID: "enumerating"}, nil
	}
	return &models.SourceTaskResult{
		Status:      models.TaskReady,
		Events:      p.initEvents,
		SourceState: json.RawMessage(`{"cursor":"init"}`),
	}, nil
}

func (p *stubProvider) HandleSourceUpdate(ctx context.Context, params models.SourceTaskParams) (*models.SourceTaskResult, error) {
	return &models.SourceTaskResult{
		Status:      models.TaskReady,
		Events:      p.updateEvents,
		SourceState: json.RawMessage(`{"cursor":"update"}`),
	}, nil
}

func (p *stubProvider) GetRecordMetadata(ctx context.Context, params models.RecordParams) (map[string]interface{}, error) {
	return nil, nil
}

func (p *stubProvider) GetRecord(ctx context.Context, params models.RecordParams) (*models.GetRecordResult, error) {
	if params.TaskID != "" {
		p.resumedFetches.Add(1)
	}
	if p.pendingFetches.Add(-1) >= 0 {
		return &models.GetRecordResult{Status: models.TaskPending, TaskID: "fetch-task"}, nil
	}
	record, ok := p.records[params.RecordID]
	if !ok {
		return nil, models.NewNonRetryable(models.ErrCodeRecordNotFound, "%s", params.RecordID)
	}
	return &models.GetRecordResult{Status: models.TaskReady, Result: record}, nil
}

func (p *stubProvider) ProcessRecord(ctx context.Context, params models.ProcessRecordParams) (*models.ProcessedRecord, error) {
	record := mergeMaps(params.Content, nil)
	if params.Attachments != nil {
		var attachments []interface{}
		for _, processed := range params.Attachments.Processed {
			attachments = append(attachments, map[string]interface{}{
				"filename": processed.File.Filename,
				"url":      processed.File.PublicURL,
				"parsed":   processed.Record != nil,
			})
		}
		record["attachments"] = attachments
	}
	return &models.ProcessedRecord{Record: record}, nil
}

func (p *stubProvider) RegisterObserver(ctx context.Context, source *models.Source) (*models.ObserverResult, error) {
	p.observers.Add(1)
	return nil, p.observerErr
}

func (p *stubProvider) UnregisterObserver(ctx context.Context, source *models.Source) error {
	p.unregistered.Add(1)
	return nil
}

// textParser reads text/plain files verbatim
type textParser struct{}

func (textParser) Name() string        { return "text" }
func (textParser) MimeTypes() []string { return []string{"text/plain"} }

func (textParser) ParseFile(ctx context.Context, params models.ParseFileParams) (*models.ParseResult, error) {
	return &models.ParseResult{Record: map[string]interface{}{"text": string(params.File)}}, nil
}

func (textParser) ProcessFileRecord(ctx context.Context, params models.ProcessFileParams) (map[string]interface{}, error) {
	return params.Record, nil
}

// nestingParser returns every file with another nested file of its own type
type nestingParser struct {
	calls atomic.Int32
}

const nestMimeType = "application/x-nest"

func (p *nestingParser) Name() string        { return "nest" }
func (p *nestingParser) MimeTypes() []string { return []string{nestMimeType} }

func (p *nestingParser) ParseFile(ctx context.Context, params models.ParseFileParams) (*models.ParseResult, error) {
	p.calls.Add(1)
	return &models.ParseResult{
		Record:      map[string]interface{}{"filename": params.Filename},
		Attachments: []models.RemoteFile{{Filename: "inner.nest", MimeType: nestMimeType, Data: []byte("nested")}},
	}, nil
}

func (p *nestingParser) ProcessFileRecord(ctx context.Context, params models.ProcessFileParams) (map[string]interface{}, error) {
	record := mergeMaps(params.Record, nil)
	parsed := 0
	for _, attachment := range params.Attachments {
		if attachment.Record != nil {
			parsed++
		}
	}
	record["parsed_children"] = parsed
	return record, nil
}

// funcEnhancer adapts a function to the Enhancer interface
type funcEnhancer struct {
	name string
	fn   func(params models.EnhanceParams) (*models.EnhanceResult, error)
}

func (e *funcEnhancer) Name() string { return e.name }

func (e *funcEnhancer) Enhance(ctx context.Context, params models.EnhanceParams) (*models.EnhanceResult, error) {
	return e.fn(params)
}

type staticPipelines struct {
	mu   sync.Mutex
	defs map[string][]*models.PipelineDefinition
}

func (p *staticPipelines) ForCollection(collection string) []*models.PipelineDefinition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.defs[collection]
}

func (p *staticPipelines) All() []*models.PipelineDefinition {
	p.mu.Lock()
	defer p.mu.Unlock()
	var all []*models.PipelineDefinition
	for _, defs := range p.defs {
		all = append(all, defs...)
	}
	return all
}

func (p *staticPipelines) add(t *testing.T, source string) {
	t.Helper()
	var def models.PipelineDefinition
	require.NoError(t, yaml.Unmarshal([]byte(source), &def))
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defs[def.Collection] = append(p.defs[def.Collection], &def)
}

type harness struct {
	storage   *badgerstore.Manager
	engine    *engine.Engine
	locks     *lock.Service
	registry  *plugins.Registry
	service   *Service
	provider  *stubProvider
	pipelines *staticPipelines
	queue     *queue.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := arbor.NewLogger()
	dir := t.TempDir()

	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: filepath.Join(dir, "db")})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	queueMgr, err := queue.NewManager(storage.BadgerDB().Badger(), "test_jobs", time.Minute, 10)
	require.NoError(t, err)

	eng := engine.NewEngine(storage.JobStorage(), storage.CheckpointStorage(), queueMgr, nil, engine.Config{
		Concurrency:           8,
		ActivityMaxAttempts:   2,
		ActivityRetryInterval: time.Millisecond,
		AwaitPollInterval:     10 * time.Millisecond,
	}, logger)

	fileStorage, err := files.NewLocalStorage(storage.BadgerDB().Store(), common.FilesConfig{
		Dir:           filepath.Join(dir, "files"),
		PublicBaseURL: "/files",
	}, logger)
	require.NoError(t, err)

	registry := plugins.NewRegistry(storage.Database(), fileStorage, logger)
	provider := newStubProvider()
	registry.RegisterProvider(provider)
	registry.RegisterParser(textParser{})

	locks := lock.NewService(storage.LockStorage(), 5*time.Millisecond, time.Hour, func(ctx context.Context, requestID string) (bool, error) {
		return JobOpen(ctx, eng, requestID)
	}, logger)

	pipelines := &staticPipelines{defs: map[string][]*models.PipelineDefinition{}}
	runner := pipeline.NewRunner(registry, pipeline.NewEvaluator(time.Second), logger)

	service := NewService(eng, locks, storage, registry, pipelines, runner, Config{
		EventBatchSize:         2,
		TaskPollInterval:       10 * time.Millisecond,
		DependencyPollInterval: 10 * time.Millisecond,
		MaxParseDepth:          3,
		MaxAttachments:         5,
	}, logger)
	service.Register()

	require.NoError(t, storage.SourceStorage().SaveSource(context.Background(), &models.Source{
		ID:           testSourceID,
		Name:         "Docs",
		ProviderType: fakeProvider,
		Connected:    true,
	}))

	return &harness{
		storage:   storage,
		engine:    eng,
		locks:     locks,
		registry:  registry,
		service:   service,
		provider:  provider,
		pipelines: pipelines,
		queue:     queueMgr,
	}
}

func (h *harness) start(t *testing.T) *queue.WorkerPool {
	t.Helper()
	config := queue.NewDefaultConfig()
	config.PollInterval = 5 * time.Millisecond
	pool := queue.NewWorkerPool(h.queue, config, h.engine.HandleDelivery, arbor.NewLogger())
	require.NoError(t, pool.Start())
	t.Cleanup(func() { pool.Stop() })
	return pool
}

// recordEvent runs one record-event job to completion
func (h *harness) recordEvent(ctx context.Context, event models.IndexingEvent) (RecordEventResult, error) {
	var result RecordEventResult
	job, err := h.engine.Start(ctx, engine.StartOptions{
		Kind:     models.JobKindRecordEvent,
		SourceID: testSourceID,
		Input:    recordEventInput{SourceID: testSourceID, Event: event},
	})
	if err != nil {
		return result, err
	}
	err = h.engine.Result(ctx, job.ID, &result)
	return result, err
}

func awaitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func contentRecord(collection string, content map[string]interface{}) *models.RemoteRecord {
	return &models.RemoteRecord{Type: models.RemoteRecordContent, Collection: collection, Content: content}
}

func fileRecord(collection, filename, mimeType, data string) *models.RemoteRecord {
	return &models.RemoteRecord{
		Type:       models.RemoteRecordFile,
		Collection: collection,
		File:       &models.RemoteFile{Filename: filename, MimeType: mimeType, Data: []byte(data)},
	}
}
