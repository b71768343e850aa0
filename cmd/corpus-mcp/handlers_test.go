package main

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/httpclient"
	"github.com/ternarybob/corpus/internal/models"
)

type fakeClient struct {
	scheduledType models.IndexingJobType
	scheduledID   string
	progress      *models.InitProgress
}

func (f *fakeClient) ListSources(ctx context.Context) ([]httpclient.SourceSummary, error) {
	return []httpclient.SourceSummary{{ID: "src-1", Name: "Docs", ProviderType: "local_dir", Connected: true}}, nil
}

func (f *fakeClient) ScheduleIndexing(ctx context.Context, sourceID string, jobType models.IndexingJobType, force bool) (*models.ScheduleResult, error) {
	f.scheduledID = sourceID
	f.scheduledType = jobType
	return &models.ScheduleResult{JobID: "job-1", Status: models.ScheduleStarted, ChildJobID: "job-1-child"}, nil
}

func (f *fakeClient) Job(ctx context.Context, jobID string) (*models.Job, error) {
	return &models.Job{ID: jobID, Kind: models.JobKindSource, Status: models.JobStatusCompleted}, nil
}

func (f *fakeClient) ListJobs(ctx context.Context, sourceID string, openOnly bool, limit int) ([]*models.Job, error) {
	return nil, nil
}

func (f *fakeClient) InitProgress(ctx context.Context, jobID string) (*models.InitProgress, error) {
	return f.progress, nil
}

func (f *fakeClient) CancelJob(ctx context.Context, jobID string) error { return nil }

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]interface{}) (*mcp.CallToolResult, string) {
	t.Helper()
	var request mcp.CallToolRequest
	request.Params.Arguments = args

	result, err := handler(context.Background(), request)
	require.NoError(t, err)
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return result, text.Text
}

func TestScheduleIndexing_DefaultsToUpdate(t *testing.T) {
	client := &fakeClient{}
	result, text := callTool(t, handleScheduleIndexing(client, arbor.NewLogger()), map[string]interface{}{"source_id": "src-1"})

	assert.False(t, result.IsError)
	assert.Equal(t, "src-1", client.scheduledID)
	assert.Equal(t, models.IndexingUpdate, client.scheduledType)
	assert.Contains(t, text, "job-1-child")
}

func TestScheduleIndexing_RejectsUnknownType(t *testing.T) {
	client := &fakeClient{}
	result, _ := callTool(t, handleScheduleIndexing(client, arbor.NewLogger()), map[string]interface{}{"source_id": "src-1", "type": "rebuild"})

	assert.True(t, result.IsError)
	assert.Empty(t, client.scheduledID)
}

func TestInitProgress_ListsFailures(t *testing.T) {
	client := &fakeClient{progress: &models.InitProgress{
		Status: models.ProgressFinished,
		Results: []models.EventOutcome{
			{Event: models.EventCreated, RecordID: "a.md", Status: "completed"},
			{Event: models.EventCreated, RecordID: "b.pdf", Status: "failed", Error: "unsupported"},
		},
	}}
	_, text := callTool(t, handleInitProgress(client, arbor.NewLogger()), map[string]interface{}{"job_id": "job-1-child"})

	assert.Contains(t, text, "**Records:** 2")
	assert.Contains(t, text, "- failed: 1")
	assert.Contains(t, text, "b.pdf: unsupported")
}

func TestListSources_Table(t *testing.T) {
	_, text := callTool(t, handleListSources(&fakeClient{}, arbor.NewLogger()), nil)
	assert.Contains(t, text, "| src-1 | Docs | local_dir | idle | true | false |")
}
