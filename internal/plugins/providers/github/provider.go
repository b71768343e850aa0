// Package github indexes the issues and issue comments of a repository.
// Updates use the API's since filter against a watermark kept in the source
// state. A repository webhook is registered as the observer when a webhook
// URL is configured.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// Collections and record types
const (
	CollectionIssues   = "issues"
	CollectionComments = "issue_comments"

	RecordTypeIssue   = "issue"
	RecordTypeComment = "comment"
)

// Connection is the connection blob of a github source
type Connection struct {
	Token   string `json:"token,omitempty"`
	BaseURL string `json:"base_url,omitempty"` // GitHub Enterprise API root
	Login   string `json:"login,omitempty"`
}

// Entrypoint selects the repository
type Entrypoint struct {
	Owner    string   `json:"owner"`
	Repo     string   `json:"repo"`
	Labels   []string `json:"labels,omitempty"`
	Comments *bool    `json:"comments,omitempty"` // default true
}

func (e Entrypoint) withComments() bool {
	return e.Comments == nil || *e.Comments
}

// State is the update watermark and the registered webhook
type State struct {
	Since     time.Time `json:"since"`
	WebhookID int64     `json:"webhook_id,omitempty"`
}

// Provider is the GitHub issues provider
type Provider struct {
	config  common.GitHubConfig
	limiter *rate.Limiter
	logger  arbor.ILogger
}

// NewProvider creates the GitHub provider
func NewProvider(config common.GitHubConfig, logger arbor.ILogger) *Provider {
	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}
	return &Provider{
		config:  config,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

func (p *Provider) Type() string { return models.ProviderGitHub }

// client builds an API client for the source's credentials
func (p *Provider) client(ctx context.Context, conn Connection) (*github.Client, error) {
	token := conn.Token
	if token == "" {
		token = p.config.Token
	}
	var httpClient *http.Client
	if token != "" {
		httpClient = oauth2.NewClient(context.WithoutCancel(ctx), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	client := github.NewClient(httpClient)
	if conn.BaseURL != "" {
		return client.WithEnterpriseURLs(conn.BaseURL, conn.BaseURL)
	}
	return client, nil
}

func (p *Provider) sourceClient(ctx context.Context, source *models.Source) (*github.Client, Entrypoint, error) {
	var conn Connection
	if err := source.DecodeConnection(&conn); err != nil {
		return nil, Entrypoint{}, models.WrapNonRetryable(models.ErrCodeProviderInvalidConnection, err)
	}
	var ep Entrypoint
	if err := source.DecodeEntrypoint(&ep); err != nil {
		return nil, Entrypoint{}, fmt.Errorf("invalid entrypoint: %w", err)
	}
	client, err := p.client(ctx, conn)
	if err != nil {
		return nil, ep, models.WrapNonRetryable(models.ErrCodeProviderInvalidConnection, err)
	}
	return client, ep, nil
}

func (p *Provider) wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

func (p *Provider) ListEntrypointOptions(ctx context.Context, source *models.Source, parentID string) ([]models.EntrypointOption, error) {
	client, _, err := p.sourceClient(ctx, source)
	if err != nil {
		return nil, err
	}

	var options []models.EntrypointOption
	opts := &github.RepositoryListOptions{Sort: "updated", ListOptions: github.ListOptions{PerPage: 100}}
	for {
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
		repos, resp, err := client.Repositories.List(ctx, parentID, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list repositories: %w", err)
		}
		for _, repo := range repos {
			entrypoint, _ := json.Marshal(Entrypoint{Owner: repo.GetOwner().GetLogin(), Repo: repo.GetName()})
			options = append(options, models.EntrypointOption{
				ID:         repo.GetFullName(),
				Name:       repo.GetFullName(),
				Entrypoint: entrypoint,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return options, nil
}

func (p *Provider) HandleEntrypointUpdate(ctx context.Context, source *models.Source, entrypoint json.RawMessage) (*models.EntrypointUpdate, error) {
	var ep Entrypoint
	if err := json.Unmarshal(entrypoint, &ep); err != nil {
		return nil, fmt.Errorf("invalid entrypoint: %w", err)
	}
	// accept "owner/repo" in the repo field
	if owner, repo, ok := strings.Cut(ep.Repo, "/"); ok && ep.Owner == "" {
		ep.Owner, ep.Repo = owner, repo
	}
	ep.Owner = strings.TrimSpace(ep.Owner)
	ep.Repo = strings.TrimSuffix(strings.TrimSpace(ep.Repo), ".git")
	if ep.Owner == "" || ep.Repo == "" {
		return nil, fmt.Errorf("entrypoint needs owner and repo")
	}
	normalised, err := json.Marshal(ep)
	if err != nil {
		return nil, err
	}
	return &models.EntrypointUpdate{Entrypoint: normalised, State: json.RawMessage(`{}`)}, nil
}

func (p *Provider) ValidateEntrypoint(ctx context.Context, source *models.Source, entrypoint json.RawMessage) error {
	client, _, err := p.sourceClient(ctx, source)
	if err != nil {
		return err
	}
	var ep Entrypoint
	if err := json.Unmarshal(entrypoint, &ep); err != nil {
		return fmt.Errorf("invalid entrypoint: %w", err)
	}
	if err := p.wait(ctx); err != nil {
		return err
	}
	repo, _, err := client.Repositories.Get(ctx, ep.Owner, ep.Repo)
	if err != nil {
		return fmt.Errorf("repository %s/%s: %w", ep.Owner, ep.Repo, err)
	}
	if !repo.GetHasIssues() {
		return fmt.Errorf("repository %s has issues disabled", repo.GetFullName())
	}
	return nil
}

// Connect checks the token by fetching the authenticated user
func (p *Provider) Connect(ctx context.Context, source *models.Source, connection json.RawMessage) (*models.ConnectResult, error) {
	var conn Connection
	if err := json.Unmarshal(connection, &conn); err != nil {
		return nil, models.WrapNonRetryable(models.ErrCodeProviderInvalidConnection, err)
	}
	if conn.Token == "" && p.config.Token == "" {
		return nil, models.NewNonRetryable(models.ErrCodeProviderInvalidConnection, "github token is required")
	}
	client, err := p.client(ctx, conn)
	if err != nil {
		return nil, models.WrapNonRetryable(models.ErrCodeProviderInvalidConnection, err)
	}
	user, _, err := client.Users.Get(ctx, "")
	if err != nil {
		return nil, models.WrapNonRetryable(models.ErrCodeProviderInvalidConnection, fmt.Errorf("github connection test failed: %w", err))
	}
	conn.Login = user.GetLogin()

	normalised, err := json.Marshal(conn)
	if err != nil {
		return nil, err
	}
	return &models.ConnectResult{Connection: normalised}, nil
}

func (p *Provider) VerifyConnection(ctx context.Context, source *models.Source) error {
	client, _, err := p.sourceClient(ctx, source)
	if err != nil {
		return err
	}
	if _, _, err := client.Users.Get(ctx, ""); err != nil {
		return models.WrapNonRetryable(models.ErrCodeProviderInvalidConnection, fmt.Errorf("github connection test failed: %w", err))
	}
	return nil
}

func (p *Provider) InitSource(ctx context.Context, params models.SourceTaskParams) (*models.SourceTaskResult, error) {
	return p.collect(ctx, params.Source, time.Time{}, models.EventCreated)
}

func (p *Provider) HandleSourceUpdate(ctx context.Context, params models.SourceTaskParams) (*models.SourceTaskResult, error) {
	var state State
	if err := params.Source.DecodeState(&state); err != nil {
		return nil, fmt.Errorf("invalid github state: %w", err)
	}
	return p.collect(ctx, params.Source, state.Since, models.EventUpdated)
}

// collect lists issues and comments changed since the watermark. Comments
// depend on their issue. The new watermark is the start of this listing so
// nothing changed while paging is missed.
func (p *Provider) collect(ctx context.Context, source *models.Source, since time.Time, name models.IndexingEventName) (*models.SourceTaskResult, error) {
	client, ep, err := p.sourceClient(ctx, source)
	if err != nil {
		return nil, err
	}
	var state State
	_ = source.DecodeState(&state)
	started := time.Now().UTC()

	var events []models.IndexingEvent
	issueOpts := &github.IssueListByRepoOptions{
		State:       "all",
		Labels:      ep.Labels,
		Sort:        "updated",
		Direction:   "asc",
		Since:       since,
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
		issues, resp, err := client.Issues.ListByRepo(ctx, ep.Owner, ep.Repo, issueOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to list issues: %w", err)
		}
		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			events = append(events, models.IndexingEvent{
				EventName:  name,
				RecordID:   issueRecordID(issue.GetNumber()),
				RecordType: RecordTypeIssue,
				Metadata:   map[string]interface{}{"updatedAt": issue.GetUpdatedAt().Format(time.RFC3339)},
			})
		}
		if resp.NextPage == 0 {
			break
		}
		issueOpts.Page = resp.NextPage
	}

	if ep.withComments() {
		commentOpts := &github.IssueListCommentsOptions{
			Sort:        github.String("updated"),
			Direction:   github.String("asc"),
			ListOptions: github.ListOptions{PerPage: 100},
		}
		if !since.IsZero() {
			commentOpts.Since = &since
		}
		for {
			if err := p.wait(ctx); err != nil {
				return nil, err
			}
			comments, resp, err := client.Issues.ListComments(ctx, ep.Owner, ep.Repo, 0, commentOpts)
			if err != nil {
				return nil, fmt.Errorf("failed to list comments: %w", err)
			}
			for _, comment := range comments {
				number := issueNumberFromURL(comment.GetIssueURL())
				event := models.IndexingEvent{
					EventName:  name,
					RecordID:   commentRecordID(comment.GetID()),
					RecordType: RecordTypeComment,
					Metadata:   map[string]interface{}{"issueNumber": number},
				}
				if number > 0 {
					event.DependsOn = []string{issueRecordID(number)}
				}
				events = append(events, event)
			}
			if resp.NextPage == 0 {
				break
			}
			commentOpts.Page = resp.NextPage
		}
	}

	state.Since = started
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	p.logger.Debug().
		Str("source_id", source.ID).
		Str("repo", ep.Owner+"/"+ep.Repo).
		Int("events", len(events)).
		Msg("GitHub changes collected")
	return &models.SourceTaskResult{Status: models.TaskReady, Events: events, SourceState: raw}, nil
}

func (p *Provider) GetRecordMetadata(ctx context.Context, params models.RecordParams) (map[string]interface{}, error) {
	kind, id, err := parseRecordID(params.RecordID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"kind": kind, "id": id}, nil
}

func (p *Provider) GetRecord(ctx context.Context, params models.RecordParams) (*models.GetRecordResult, error) {
	client, ep, err := p.sourceClient(ctx, params.Source)
	if err != nil {
		return nil, err
	}
	kind, id, err := parseRecordID(params.RecordID)
	if err != nil {
		return nil, err
	}
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	var record *models.RemoteRecord
	switch kind {
	case RecordTypeIssue:
		issue, _, err := client.Issues.Get(ctx, ep.Owner, ep.Repo, int(id))
		if isNotFound(err) {
			return &models.GetRecordResult{Status: models.TaskReady}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get issue %d: %w", id, err)
		}
		record = issueRecord(issue)
	default:
		comment, _, err := client.Issues.GetComment(ctx, ep.Owner, ep.Repo, id)
		if isNotFound(err) {
			return &models.GetRecordResult{Status: models.TaskReady}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get comment %d: %w", id, err)
		}
		record = commentRecord(comment)
	}

	body, _ := record.Content["body"].(string)
	record.Attachments, record.Metadata = p.downloadImages(ctx, client.Client(), body)
	return &models.GetRecordResult{Status: models.TaskReady, Result: record}, nil
}

// ProcessRecord points downloaded images at their published copies
func (p *Provider) ProcessRecord(ctx context.Context, params models.ProcessRecordParams) (*models.ProcessedRecord, error) {
	record := make(map[string]interface{}, len(params.Content)+1)
	for k, v := range params.Content {
		record[k] = v
	}
	if params.Attachments == nil || len(params.Attachments.Processed) == 0 {
		return &models.ProcessedRecord{Record: record}, nil
	}

	origins, _ := params.Metadata["imageOrigins"].(map[string]interface{})
	body, _ := record["body"].(string)
	var images []interface{}
	for _, attachment := range params.Attachments.Processed {
		entry := map[string]interface{}{
			"filename": attachment.File.Filename,
			"mimeType": attachment.File.MimeType,
			"url":      attachment.File.PublicURL,
		}
		if origin, ok := origins[attachment.File.Filename].(string); ok {
			entry["origin"] = origin
			body = strings.ReplaceAll(body, origin, attachment.File.PublicURL)
		}
		images = append(images, entry)
	}
	if body != "" {
		record["body"] = body
	}
	record["images"] = images
	return &models.ProcessedRecord{Record: record}, nil
}

// RegisterObserver creates a repository webhook for issue events
func (p *Provider) RegisterObserver(ctx context.Context, source *models.Source) (*models.ObserverResult, error) {
	if p.config.WebhookURL == "" {
		return nil, nil
	}
	client, ep, err := p.sourceClient(ctx, source)
	if err != nil {
		return nil, err
	}
	var state State
	_ = source.DecodeState(&state)
	if state.WebhookID != 0 {
		return nil, nil
	}

	hookURL, err := url.Parse(p.config.WebhookURL)
	if err != nil {
		return nil, models.WrapNonRetryable(models.ErrCodeObserverRegistrationFailed, err)
	}
	query := hookURL.Query()
	query.Set("source_id", source.ID)
	hookURL.RawQuery = query.Encode()

	config := map[string]interface{}{
		"url":          hookURL.String(),
		"content_type": "json",
	}
	if p.config.WebhookSecret != "" {
		config["secret"] = p.config.WebhookSecret
	}
	hook, _, err := client.Repositories.CreateHook(ctx, ep.Owner, ep.Repo, &github.Hook{
		Config: config,
		Events: []string{"issues", "issue_comment"},
		Active: github.Bool(true),
	})
	if err != nil {
		return nil, models.WrapNonRetryable(models.ErrCodeObserverRegistrationFailed, err)
	}

	state.WebhookID = hook.GetID()
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return &models.ObserverResult{SourceState: raw}, nil
}

func (p *Provider) UnregisterObserver(ctx context.Context, source *models.Source) error {
	var state State
	if err := source.DecodeState(&state); err != nil || state.WebhookID == 0 {
		return nil
	}
	client, ep, err := p.sourceClient(ctx, source)
	if err != nil {
		return err
	}
	_, err = client.Repositories.DeleteHook(ctx, ep.Owner, ep.Repo, state.WebhookID)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete webhook %d: %w", state.WebhookID, err)
	}
	return nil
}

func issueRecord(issue *github.Issue) *models.RemoteRecord {
	labels := make([]interface{}, 0, len(issue.Labels))
	for _, label := range issue.Labels {
		labels = append(labels, label.GetName())
	}
	content := map[string]interface{}{
		"number":     issue.GetNumber(),
		"title":      issue.GetTitle(),
		"body":       issue.GetBody(),
		"state":      issue.GetState(),
		"author":     issue.GetUser().GetLogin(),
		"labels":     labels,
		"comments":   issue.GetComments(),
		"url":        issue.GetHTMLURL(),
		"created_at": issue.GetCreatedAt().Format(time.RFC3339),
		"updated_at": issue.GetUpdatedAt().Format(time.RFC3339),
	}
	if issue.ClosedAt != nil {
		content["closed_at"] = issue.GetClosedAt().Format(time.RFC3339)
	}
	return &models.RemoteRecord{Type: models.RemoteRecordContent, Collection: CollectionIssues, Content: content}
}

func commentRecord(comment *github.IssueComment) *models.RemoteRecord {
	return &models.RemoteRecord{
		Type:       models.RemoteRecordContent,
		Collection: CollectionComments,
		Content: map[string]interface{}{
			"id":           comment.GetID(),
			"issue_number": issueNumberFromURL(comment.GetIssueURL()),
			"body":         comment.GetBody(),
			"author":       comment.GetUser().GetLogin(),
			"url":          comment.GetHTMLURL(),
			"created_at":   comment.GetCreatedAt().Format(time.RFC3339),
			"updated_at":   comment.GetUpdatedAt().Format(time.RFC3339),
		},
	}
}

func issueRecordID(number int) string { return fmt.Sprintf("issue:%d", number) }

func commentRecordID(id int64) string { return fmt.Sprintf("comment:%d", id) }

func parseRecordID(recordID string) (string, int64, error) {
	kind, raw, ok := strings.Cut(recordID, ":")
	id, err := strconv.ParseInt(raw, 10, 64)
	if !ok || err != nil || (kind != RecordTypeIssue && kind != RecordTypeComment) {
		return "", 0, models.NewNonRetryable(models.ErrCodeRecordNotFound, "malformed github record id %q", recordID)
	}
	return kind, id, nil
}

func issueNumberFromURL(issueURL string) int {
	i := strings.LastIndex(issueURL, "/")
	if i < 0 {
		return 0
	}
	n, _ := strconv.Atoi(issueURL[i+1:])
	return n
}

func isNotFound(err error) bool {
	var ghErr *github.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound
}
