package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/models"
)

var pngBytes = append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 32)...)

type fakeAPI struct {
	server     *httptest.Server
	hookDelete atomic.Bool
}

func newFakeAPI(t *testing.T) *fakeAPI {
	api := &fakeAPI{}
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, body string) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}

	mux.HandleFunc("GET /api/v3/user", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"login":"octo"}`)
	})
	mux.HandleFunc("GET /api/v3/repos/acme/docs/issues", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `[
			{"number":1,"title":"Crash on start","updated_at":"2026-01-02T00:00:00Z"},
			{"number":2,"title":"Add flag","pull_request":{"url":"x"}}
		]`)
	})
	mux.HandleFunc("GET /api/v3/repos/acme/docs/issues/comments", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `[{"id":501,"issue_url":"https://api.github.com/repos/acme/docs/issues/1","body":"me too"}]`)
	})
	mux.HandleFunc("GET /api/v3/repos/acme/docs/issues/1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, fmt.Sprintf(`{"number":1,"title":"Crash on start","state":"open",
			"body":"Stack below\n\n![trace](%s/assets/trace.png)",
			"user":{"login":"dev"},"labels":[{"name":"bug"}]}`, api.server.URL))
	})
	mux.HandleFunc("GET /api/v3/repos/acme/docs/issues/9", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, `{"message":"Not Found"}`)
	})
	mux.HandleFunc("GET /assets/trace.png", func(w http.ResponseWriter, r *http.Request) {
		w.Write(pngBytes)
	})
	mux.HandleFunc("POST /api/v3/repos/acme/docs/hooks", func(w http.ResponseWriter, r *http.Request) {
		var hook map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&hook)
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, `{"id":77}`)
	})
	mux.HandleFunc("DELETE /api/v3/repos/acme/docs/hooks/77", func(w http.ResponseWriter, r *http.Request) {
		api.hookDelete.Store(true)
		w.WriteHeader(http.StatusNoContent)
	})

	api.server = httptest.NewServer(mux)
	t.Cleanup(api.server.Close)
	return api
}

func (api *fakeAPI) source(t *testing.T, p *Provider) *models.Source {
	t.Helper()
	conn, err := json.Marshal(Connection{Token: "secret", BaseURL: api.server.URL + "/"})
	require.NoError(t, err)
	result, err := p.Connect(context.Background(), &models.Source{}, conn)
	require.NoError(t, err)

	var normalised Connection
	require.NoError(t, json.Unmarshal(result.Connection, &normalised))
	assert.Equal(t, "octo", normalised.Login)

	update, err := p.HandleEntrypointUpdate(context.Background(), nil, json.RawMessage(`{"repo":"acme/docs.git"}`))
	require.NoError(t, err)
	return &models.Source{ID: "gh", ProviderType: models.ProviderGitHub, Connection: result.Connection, Entrypoint: update.Entrypoint}
}

func TestProvider_InitListsIssuesAndComments(t *testing.T) {
	api := newFakeAPI(t)
	p := NewProvider(common.GitHubConfig{}, arbor.NewLogger())
	source := api.source(t, p)

	result, err := p.InitSource(context.Background(), models.SourceTaskParams{Source: source})
	require.NoError(t, err)
	require.Len(t, result.Events, 2, "pull requests are skipped")

	assert.Equal(t, "issue:1", result.Events[0].RecordID)
	assert.Equal(t, models.EventCreated, result.Events[0].EventName)
	assert.Equal(t, "comment:501", result.Events[1].RecordID)
	assert.Equal(t, []string{"issue:1"}, result.Events[1].DependsOn)

	var state State
	require.NoError(t, json.Unmarshal(result.SourceState, &state))
	assert.False(t, state.Since.IsZero())
}

func TestProvider_GetRecordDownloadsImages(t *testing.T) {
	api := newFakeAPI(t)
	p := NewProvider(common.GitHubConfig{}, arbor.NewLogger())
	source := api.source(t, p)

	result, err := p.GetRecord(context.Background(), models.RecordParams{Source: source, RecordID: "issue:1"})
	require.NoError(t, err)
	record := result.Result
	require.NotNil(t, record)
	assert.Equal(t, CollectionIssues, record.Collection)
	assert.Equal(t, "Crash on start", record.Content["title"])
	assert.Equal(t, []interface{}{"bug"}, record.Content["labels"])

	require.Len(t, record.Attachments, 1)
	image := record.Attachments[0]
	assert.Equal(t, "image-1-trace.png", image.Filename)
	assert.Equal(t, "image/png", image.MimeType)

	processed, err := p.ProcessRecord(context.Background(), models.ProcessRecordParams{
		Content:  record.Content,
		Metadata: record.Metadata,
		Attachments: &models.AttachmentManifest{Processed: []models.ProcessedAttachment{{
			File: models.StoredFile{Filename: image.Filename, MimeType: image.MimeType, PublicURL: "/files/img"},
		}}},
	})
	require.NoError(t, err)
	assert.Contains(t, processed.Record["body"], "![trace](/files/img)")
	assert.Len(t, processed.Record["images"], 1)

	missing, err := p.GetRecord(context.Background(), models.RecordParams{Source: source, RecordID: "issue:9"})
	require.NoError(t, err)
	assert.Nil(t, missing.Result)

	_, err = p.GetRecord(context.Background(), models.RecordParams{Source: source, RecordID: "wiki:1"})
	assert.Equal(t, models.ErrCodeRecordNotFound, models.CodeOf(err))
}

func TestProvider_WebhookObserver(t *testing.T) {
	api := newFakeAPI(t)
	p := NewProvider(common.GitHubConfig{WebhookURL: "https://corpus.example.com/api/webhooks/github", WebhookSecret: "s"}, arbor.NewLogger())
	source := api.source(t, p)

	observer, err := p.RegisterObserver(context.Background(), source)
	require.NoError(t, err)
	require.NotNil(t, observer)

	var state State
	require.NoError(t, json.Unmarshal(observer.SourceState, &state))
	assert.EqualValues(t, 77, state.WebhookID)

	source.State = observer.SourceState
	again, err := p.RegisterObserver(context.Background(), source)
	require.NoError(t, err)
	assert.Nil(t, again, "an existing hook is kept")

	require.NoError(t, p.UnregisterObserver(context.Background(), source))
	assert.True(t, api.hookDelete.Load())
}

func TestImageURLs(t *testing.T) {
	body := "![a](https://x/a.png) ![b](relative.png) ![a again](https://x/a.png)"
	assert.Equal(t, []string{"https://x/a.png"}, imageURLs(body))
}
