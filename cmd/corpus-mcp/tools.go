package main

import (
	"github.com/mark3labs/mcp-go/mcp"
)

func createListSourcesTool() mcp.Tool {
	return mcp.NewTool("list_sources",
		mcp.WithDescription("List configured corpus sources with their lifecycle and connection state"),
	)
}

func createScheduleIndexingTool() mcp.Tool {
	return mcp.NewTool("schedule_indexing",
		mcp.WithDescription("Schedule an init or update indexing job for a source"),
		mcp.WithString("source_id",
			mcp.Required(),
			mcp.Description("Source ID"),
		),
		mcp.WithString("type",
			mcp.Description("init or update (default: update)"),
			mcp.Enum("init", "update"),
		),
		mcp.WithBoolean("force",
			mcp.Description("Run an update even when one is already open for the source"),
		),
	)
}

func createJobStatusTool() mcp.Tool {
	return mcp.NewTool("job_status",
		mcp.WithDescription("Get the status, result and error of an indexing job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID"),
		),
	)
}

func createListJobsTool() mcp.Tool {
	return mcp.NewTool("list_jobs",
		mcp.WithDescription("List recent indexing jobs, newest first"),
		mcp.WithString("source_id",
			mcp.Description("Only jobs of this source"),
		),
		mcp.WithBoolean("open",
			mcp.Description("Only pending or running jobs"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default: 20)"),
		),
	)
}

func createInitProgressTool() mcp.Tool {
	return mcp.NewTool("init_progress",
		mcp.WithDescription("Per-record outcomes of an init-source job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("init-source job ID (the child job id returned by schedule_indexing)"),
		),
	)
}

func createCancelJobTool() mcp.Tool {
	return mcp.NewTool("cancel_job",
		mcp.WithDescription("Cancel a job and its children"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Job ID"),
		),
	)
}
