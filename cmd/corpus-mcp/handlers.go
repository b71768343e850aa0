package main

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/corpus/internal/httpclient"
	"github.com/ternarybob/corpus/internal/models"
)

// apiClient is the admin API surface the tools call
type apiClient interface {
	ListSources(ctx context.Context) ([]httpclient.SourceSummary, error)
	ScheduleIndexing(ctx context.Context, sourceID string, jobType models.IndexingJobType, force bool) (*models.ScheduleResult, error)
	Job(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, sourceID string, openOnly bool, limit int) ([]*models.Job, error)
	InitProgress(ctx context.Context, jobID string) (*models.InitProgress, error)
	CancelJob(ctx context.Context, jobID string) error
}

func handleListSources(client apiClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sources, err := client.ListSources(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("List sources failed")
			return mcp.NewToolResultError(fmt.Sprintf("List sources error: %v", err)), nil
		}
		return mcp.NewToolResultText(formatSources(sources)), nil
	}
}

func handleScheduleIndexing(client apiClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sourceID, err := request.RequireString("source_id")
		if err != nil || sourceID == "" {
			return mcp.NewToolResultError("Error: source_id parameter is required"), nil
		}

		jobType := models.IndexingJobType(request.GetString("type", string(models.IndexingUpdate)))
		if jobType != models.IndexingInit && jobType != models.IndexingUpdate {
			return mcp.NewToolResultError("Error: type must be init or update"), nil
		}

		result, err := client.ScheduleIndexing(ctx, sourceID, jobType, request.GetBool("force", false))
		if err != nil {
			logger.Error().Err(err).Str("source_id", sourceID).Msg("Schedule indexing failed")
			return mcp.NewToolResultError(fmt.Sprintf("Schedule error: %v", err)), nil
		}
		return mcp.NewToolResultText(formatScheduleResult(sourceID, jobType, result)), nil
	}
}

func handleJobStatus(client apiClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil || jobID == "" {
			return mcp.NewToolResultError("Error: job_id parameter is required"), nil
		}

		job, err := client.Job(ctx, jobID)
		if err != nil {
			logger.Error().Err(err).Str("job_id", jobID).Msg("Job status failed")
			return mcp.NewToolResultError(fmt.Sprintf("Job not found: %v", err)), nil
		}
		return mcp.NewToolResultText(formatJob(job)), nil
	}
}

func handleListJobs(client apiClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := request.GetInt("limit", 20)
		if limit <= 0 || limit > 200 {
			limit = 20
		}

		jobs, err := client.ListJobs(ctx, request.GetString("source_id", ""), request.GetBool("open", false), limit)
		if err != nil {
			logger.Error().Err(err).Msg("List jobs failed")
			return mcp.NewToolResultError(fmt.Sprintf("List jobs error: %v", err)), nil
		}
		return mcp.NewToolResultText(formatJobs(jobs)), nil
	}
}

func handleInitProgress(client apiClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil || jobID == "" {
			return mcp.NewToolResultError("Error: job_id parameter is required"), nil
		}

		progress, err := client.InitProgress(ctx, jobID)
		if err != nil {
			logger.Error().Err(err).Str("job_id", jobID).Msg("Init progress failed")
			return mcp.NewToolResultError(fmt.Sprintf("Progress error: %v", err)), nil
		}
		return mcp.NewToolResultText(formatProgress(jobID, progress)), nil
	}
}

func handleCancelJob(client apiClient, logger arbor.ILogger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil || jobID == "" {
			return mcp.NewToolResultError("Error: job_id parameter is required"), nil
		}

		if err := client.CancelJob(ctx, jobID); err != nil {
			logger.Error().Err(err).Str("job_id", jobID).Msg("Cancel job failed")
			return mcp.NewToolResultError(fmt.Sprintf("Cancel error: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Cancellation requested for job %s", jobID)), nil
	}
}
