// Package web indexes the pages reachable from a seed URL. Crawls run in
// the background: InitSource and HandleSourceUpdate hand back a pending
// task id and are polled until the crawl has finished.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/models"
)

// Collection is the collection crawled pages are stored in
const Collection = "pages"

// Connection carries request headers sent with every fetch (cookies, auth)
type Connection struct {
	Headers map[string]string `json:"headers,omitempty"`
}

// Entrypoint is the seed and the crawl bounds
type Entrypoint struct {
	URL      string   `json:"url"`
	Include  []string `json:"include,omitempty"`
	Exclude  []string `json:"exclude,omitempty"`
	MaxDepth int      `json:"max_depth,omitempty"`
	MaxPages int      `json:"max_pages,omitempty"`
	AnyHost  bool     `json:"any_host,omitempty"`
}

// State remembers the pages of the last crawl
type State struct {
	Pages map[string]pageStamp `json:"pages"`
}

type crawlTask struct {
	done     chan struct{}
	pages    map[string]pageStamp
	err      error
	finished time.Time
}

// Provider is the web crawl provider
type Provider struct {
	config  common.CrawlerConfig
	crawler *crawler
	fetch   fetcher
	browser *browserFetcher
	logger  arbor.ILogger

	mu    sync.Mutex
	tasks map[string]*crawlTask
}

// NewProvider creates the web provider. With JavaScript enabled pages are
// rendered in headless Chrome.
func NewProvider(config common.CrawlerConfig, logger arbor.ILogger) *Provider {
	if config.UserAgent == "" {
		config.UserAgent = "Corpus-Crawler/1.0"
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = 10 << 20
	}
	if config.MaxDepth <= 0 {
		config.MaxDepth = 2
	}
	if config.MaxPages <= 0 {
		config.MaxPages = 100
	}

	p := &Provider{config: config, logger: logger, tasks: make(map[string]*crawlTask)}
	if config.EnableJavaScript {
		p.browser = &browserFetcher{
			userAgent: config.UserAgent,
			wait:      config.JavaScriptWaitTime,
			timeout:   config.RequestTimeout,
			logger:    logger,
		}
		p.fetch = p.browser
	} else {
		p.fetch = &httpFetcher{
			client:      &http.Client{Timeout: config.RequestTimeout},
			userAgent:   config.UserAgent,
			maxBodySize: config.MaxBodySize,
		}
	}
	p.crawler = &crawler{fetch: p.fetch, limiter: newHostLimiter(config.RequestsPerSecond), logger: logger}
	return p
}

// Close stops the headless browser and abandons running crawls
func (p *Provider) Close() {
	if p.browser != nil {
		p.browser.Close()
	}
}

func (p *Provider) Type() string { return models.ProviderWeb }

func (p *Provider) ListEntrypointOptions(ctx context.Context, source *models.Source, parentID string) ([]models.EntrypointOption, error) {
	return nil, nil
}

func (p *Provider) HandleEntrypointUpdate(ctx context.Context, source *models.Source, entrypoint json.RawMessage) (*models.EntrypointUpdate, error) {
	var ep Entrypoint
	if err := json.Unmarshal(entrypoint, &ep); err != nil {
		return nil, fmt.Errorf("invalid entrypoint: %w", err)
	}
	plan, err := p.plan(ep, Connection{})
	if err != nil {
		return nil, err
	}
	ep.URL = normalize(plan.seed)
	normalised, err := json.Marshal(ep)
	if err != nil {
		return nil, err
	}
	return &models.EntrypointUpdate{Entrypoint: normalised, State: json.RawMessage(`{}`)}, nil
}

func (p *Provider) ValidateEntrypoint(ctx context.Context, source *models.Source, entrypoint json.RawMessage) error {
	var ep Entrypoint
	if err := json.Unmarshal(entrypoint, &ep); err != nil {
		return fmt.Errorf("invalid entrypoint: %w", err)
	}
	_, err := p.plan(ep, Connection{})
	return err
}

func (p *Provider) Connect(ctx context.Context, source *models.Source, connection json.RawMessage) (*models.ConnectResult, error) {
	var conn Connection
	if len(connection) > 0 {
		if err := json.Unmarshal(connection, &conn); err != nil {
			return nil, models.WrapNonRetryable(models.ErrCodeProviderInvalidConnection, err)
		}
	}
	normalised, err := json.Marshal(conn)
	if err != nil {
		return nil, err
	}
	return &models.ConnectResult{Connection: normalised}, nil
}

// VerifyConnection fetches the seed page when one is set
func (p *Provider) VerifyConnection(ctx context.Context, source *models.Source) error {
	plan, err := p.sourcePlan(source)
	if err != nil || plan.seed == nil {
		return nil
	}
	if _, err := p.fetch.Fetch(ctx, plan.seed.String(), plan.headers); err != nil {
		return models.WrapNonRetryable(models.ErrCodeProviderInvalidConnection, err)
	}
	return nil
}

func (p *Provider) InitSource(ctx context.Context, params models.SourceTaskParams) (*models.SourceTaskResult, error) {
	return p.crawlTask(params, func(pages map[string]pageStamp) []models.IndexingEvent {
		var events []models.IndexingEvent
		for _, pageURL := range sortedURLs(pages) {
			events = append(events, pageEvent(models.EventCreated, pageURL, pages[pageURL]))
		}
		return events
	})
}

func (p *Provider) HandleSourceUpdate(ctx context.Context, params models.SourceTaskParams) (*models.SourceTaskResult, error) {
	var previous State
	if err := params.Source.DecodeState(&previous); err != nil {
		p.logger.Warn().Err(err).Str("source_id", params.Source.ID).Msg("Unreadable web state, treating every page as new")
	}
	return p.crawlTask(params, func(pages map[string]pageStamp) []models.IndexingEvent {
		var events []models.IndexingEvent
		for _, pageURL := range sortedURLs(pages) {
			old, ok := previous.Pages[pageURL]
			switch {
			case !ok:
				events = append(events, pageEvent(models.EventCreated, pageURL, pages[pageURL]))
			case old.Hash != pages[pageURL].Hash:
				events = append(events, pageEvent(models.EventUpdated, pageURL, pages[pageURL]))
			}
		}
		for _, pageURL := range sortedURLs(previous.Pages) {
			if _, ok := pages[pageURL]; !ok {
				events = append(events, models.IndexingEvent{EventName: models.EventDeleted, RecordID: pageURL, RecordType: "page"})
			}
		}
		return events
	})
}

// crawlTask starts a crawl on the first call and reports on it afterwards
func (p *Provider) crawlTask(params models.SourceTaskParams, diff func(map[string]pageStamp) []models.IndexingEvent) (*models.SourceTaskResult, error) {
	if params.TaskID == "" {
		plan, err := p.sourcePlan(params.Source)
		if err != nil {
			return nil, err
		}
		taskID := uuid.New().String()
		task := &crawlTask{done: make(chan struct{})}

		p.mu.Lock()
		p.reap()
		p.tasks[taskID] = task
		p.mu.Unlock()

		common.SafeGo(p.logger, "web-crawl", func() {
			defer close(task.done)
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(plan.maxPages)*p.config.RequestTimeout)
			defer cancel()
			task.pages, task.err = p.crawler.crawl(ctx, plan)
			p.mu.Lock()
			task.finished = time.Now()
			p.mu.Unlock()
		})
		p.logger.Info().
			Str("source_id", params.Source.ID).
			Str("task_id", taskID).
			Str("seed", plan.seed.String()).
			Msg("Crawl started")
		return &models.SourceTaskResult{Status: models.TaskPending, TaskID: taskID}, nil
	}

	p.mu.Lock()
	task, ok := p.tasks[params.TaskID]
	p.mu.Unlock()
	if !ok {
		return nil, models.NewNonRetryable(models.ErrCodeTaskIDNotFound, "crawl task %s", params.TaskID)
	}

	select {
	case <-task.done:
	default:
		return &models.SourceTaskResult{Status: models.TaskPending, TaskID: params.TaskID}, nil
	}

	p.mu.Lock()
	delete(p.tasks, params.TaskID)
	p.mu.Unlock()
	if task.err != nil {
		return nil, fmt.Errorf("crawl failed: %w", task.err)
	}

	state, err := json.Marshal(State{Pages: task.pages})
	if err != nil {
		return nil, err
	}
	return &models.SourceTaskResult{Status: models.TaskReady, Events: diff(task.pages), SourceState: state}, nil
}

// reap drops finished tasks nobody collected. Caller holds p.mu.
func (p *Provider) reap() {
	for id, task := range p.tasks {
		if !task.finished.IsZero() && time.Since(task.finished) > time.Hour {
			delete(p.tasks, id)
		}
	}
}

func (p *Provider) GetRecordMetadata(ctx context.Context, params models.RecordParams) (map[string]interface{}, error) {
	return map[string]interface{}{"url": params.RecordID}, nil
}

func (p *Provider) GetRecord(ctx context.Context, params models.RecordParams) (*models.GetRecordResult, error) {
	plan, err := p.sourcePlan(params.Source)
	if err != nil {
		return nil, err
	}
	if err := p.crawler.limiter.Wait(ctx, params.RecordID); err != nil {
		return nil, err
	}
	fetched, err := p.fetch.Fetch(ctx, params.RecordID, plan.headers)
	if se, ok := err.(*statusError); ok && (se.StatusCode == http.StatusNotFound || se.StatusCode == http.StatusGone) {
		return &models.GetRecordResult{Status: models.TaskReady}, nil
	}
	if err != nil {
		return nil, err
	}

	return &models.GetRecordResult{
		Status: models.TaskReady,
		Result: &models.RemoteRecord{
			Type:       models.RemoteRecordFile,
			Collection: Collection,
			File: &models.RemoteFile{
				Filename: pageFilename(params.RecordID, fetched.MimeType),
				MimeType: fetched.MimeType,
				Data:     fetched.Body,
			},
			Metadata: map[string]interface{}{"url": params.RecordID},
		},
	}, nil
}

func (p *Provider) ProcessRecord(ctx context.Context, params models.ProcessRecordParams) (*models.ProcessedRecord, error) {
	record := make(map[string]interface{}, len(params.Content)+1)
	for k, v := range params.Content {
		record[k] = v
	}
	if pageURL, ok := params.Metadata["url"].(string); ok {
		// the published file url is kept under "file_url"
		if fileURL, ok := record["url"]; ok {
			record["file_url"] = fileURL
		}
		record["url"] = pageURL
	}
	return &models.ProcessedRecord{Collection: Collection, Record: record}, nil
}

// RegisterObserver is a no-op: sites are re-crawled on schedule
func (p *Provider) RegisterObserver(ctx context.Context, source *models.Source) (*models.ObserverResult, error) {
	return nil, nil
}

func (p *Provider) UnregisterObserver(ctx context.Context, source *models.Source) error {
	return nil
}

func (p *Provider) sourcePlan(source *models.Source) (*crawlPlan, error) {
	var conn Connection
	if err := source.DecodeConnection(&conn); err != nil {
		return nil, models.WrapNonRetryable(models.ErrCodeProviderInvalidConnection, err)
	}
	var ep Entrypoint
	if err := source.DecodeEntrypoint(&ep); err != nil {
		return nil, fmt.Errorf("invalid entrypoint: %w", err)
	}
	return p.plan(ep, conn)
}

func (p *Provider) plan(ep Entrypoint, conn Connection) (*crawlPlan, error) {
	seed, err := url.Parse(strings.TrimSpace(ep.URL))
	if err != nil || (seed.Scheme != "http" && seed.Scheme != "https") || seed.Host == "" {
		return nil, fmt.Errorf("entrypoint url must be an absolute http(s) url, got %q", ep.URL)
	}
	plan := &crawlPlan{
		seed:     seed,
		maxDepth: p.config.MaxDepth,
		maxPages: p.config.MaxPages,
		sameHost: !ep.AnyHost,
		headers:  conn.Headers,
	}
	if ep.MaxDepth > 0 && ep.MaxDepth < plan.maxDepth {
		plan.maxDepth = ep.MaxDepth
	}
	if ep.MaxPages > 0 && ep.MaxPages < plan.maxPages {
		plan.maxPages = ep.MaxPages
	}
	for _, pattern := range ep.Include {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}
		plan.include = append(plan.include, re)
	}
	for _, pattern := range ep.Exclude {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
		plan.exclude = append(plan.exclude, re)
	}
	return plan, nil
}

func pageEvent(name models.IndexingEventName, pageURL string, stamp pageStamp) models.IndexingEvent {
	return models.IndexingEvent{
		EventName:  name,
		RecordID:   pageURL,
		RecordType: "page",
		Metadata:   map[string]interface{}{"mimeType": stamp.MimeType, "url": pageURL},
	}
}

// pageFilename names a page after the last path segment of its url
func pageFilename(pageURL, mimeType string) string {
	name := "index"
	if u, err := url.Parse(pageURL); err == nil {
		if base := path.Base(u.Path); base != "/" && base != "." {
			name = base
		}
	}
	if path.Ext(name) == "" && mimeType == "text/html" {
		name += ".html"
	}
	return name
}

func sortedURLs(pages map[string]pageStamp) []string {
	urls := make([]string, 0, len(pages))
	for u := range pages {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}
