// Package httpclient is a small client for the corpus admin API, used by
// tools that drive a running server.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/corpus/internal/models"
)

// NewDefaultHTTPClient creates a simple HTTP client with a timeout
func NewDefaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
	}
}

// APIError is a non-2xx response of the admin API
type APIError struct {
	StatusCode int
	Code       string // models error code, when the server sent one
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.StatusCode)
}

// Client calls the corpus admin API
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an API client rooted at baseURL, e.g. http://localhost:8085
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    NewDefaultHTTPClient(timeout),
	}
}

// SourceSummary is the subset of a source the client reads
type SourceSummary struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	ProviderType string                 `json:"provider_type"`
	Lifecycle    models.SourceLifecycle `json:"lifecycle"`
	Connected    bool                   `json:"connected"`
	Initialized  bool                   `json:"initialized"`
	Schedule     string                 `json:"schedule,omitempty"`
}

// ListSources returns every source
func (c *Client) ListSources(ctx context.Context) ([]SourceSummary, error) {
	var sources []SourceSummary
	err := c.do(ctx, http.MethodGet, "/api/sources", nil, &sources)
	return sources, err
}

// ScheduleIndexing asks the dispatcher for an init or update job
func (c *Client) ScheduleIndexing(ctx context.Context, sourceID string, jobType models.IndexingJobType, force bool) (*models.ScheduleResult, error) {
	body := map[string]interface{}{"type": jobType, "force": force}
	var result models.ScheduleResult
	if err := c.do(ctx, http.MethodPost, "/api/sources/"+url.PathEscape(sourceID)+"/index", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Job returns one job
func (c *Client) Job(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns jobs of a source, newest first
func (c *Client) ListJobs(ctx context.Context, sourceID string, openOnly bool, limit int) ([]*models.Job, error) {
	query := url.Values{}
	if sourceID != "" {
		query.Set("source_id", sourceID)
	}
	if openOnly {
		query.Set("open", "true")
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprint(limit))
	}

	var jobs []*models.Job
	err := c.do(ctx, http.MethodGet, "/api/jobs?"+query.Encode(), nil, &jobs)
	return jobs, err
}

// InitProgress returns the progress of an init-source job
func (c *Client) InitProgress(ctx context.Context, jobID string) (*models.InitProgress, error) {
	var progress models.InitProgress
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID)+"/progress", nil, &progress); err != nil {
		return nil, err
	}
	return &progress, nil
}

// CancelJob requests cancellation of a job and its children
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	// 409 carries a schedule result for a busy source
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		var payload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&payload)
		if payload.Error == "" {
			payload.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Code: payload.Code, Message: payload.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
