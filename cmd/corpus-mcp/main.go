package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"
	arbor_models "github.com/ternarybob/arbor/models"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/httpclient"
)

func main() {
	configPath := os.Getenv("CORPUS_CONFIG")
	var paths []string
	if configPath != "" {
		paths = append(paths, configPath)
	} else if _, err := os.Stat("corpus.toml"); err == nil {
		paths = append(paths, "corpus.toml")
	}

	config, err := common.LoadFromFiles(paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Console only and quiet: stdout belongs to the MCP stdio transport
	logger := arbor.NewLogger().WithConsoleWriter(arbor_models.WriterConfiguration{
		Type:       arbor_models.LogWriterTypeConsole,
		TimeFormat: "15:04:05",
	}).WithLevelFromString("warn")

	client := httpclient.NewClient(config.MCP.ServerURL, common.Duration(config.MCP.Timeout, 5*time.Minute))

	mcpServer := server.NewMCPServer(
		"corpus",
		common.GetVersion(),
		server.WithToolCapabilities(true),
	)

	mcpServer.AddTool(createListSourcesTool(), handleListSources(client, logger))
	mcpServer.AddTool(createScheduleIndexingTool(), handleScheduleIndexing(client, logger))
	mcpServer.AddTool(createJobStatusTool(), handleJobStatus(client, logger))
	mcpServer.AddTool(createListJobsTool(), handleListJobs(client, logger))
	mcpServer.AddTool(createInitProgressTool(), handleInitProgress(client, logger))
	mcpServer.AddTool(createCancelJobTool(), handleCancelJob(client, logger))

	// Blocks on stdio
	if err := server.ServeStdio(mcpServer); err != nil {
		logger.Fatal().Err(err).Msg("MCP server failed")
	}
}
