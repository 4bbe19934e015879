package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"
	arbor_models "github.com/ternarybob/arbor/models"
	"github.com/ternarybob/reqflow/internal/app"
	"github.com/ternarybob/reqflow/internal/common"
)

func main() {
	configPath := os.Getenv("REQFLOW_CONFIG")
	if configPath == "" {
		configPath = "reqflow.toml"
	}
	if _, err := os.Stat(configPath); err != nil {
		configPath = "" // defaults + env only
	}

	config, err := common.LoadFromFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	// Minimal logging on stderr; stdout carries the MCP protocol
	logger := arbor.NewLogger().WithConsoleWriter(arbor_models.WriterConfiguration{
		Type:             arbor_models.LogWriterTypeConsole,
		TimeFormat:       "15:04:05",
		DisableTimestamp: false,
	}).WithLevelFromString("warn")

	// The MCP process owns the stores while it runs; it cannot share a
	// Badger directory with a running reqflow server
	application, err := app.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
	}
	defer application.Close()

	if err := application.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start background services")
	}

	mcpServer := server.NewMCPServer(
		"reqflow",
		common.GetVersion(),
		server.WithToolCapabilities(true),
	)

	requirements := application.StorageManager.RequirementStorage()
	workflow := application.WorkflowService

	mcpServer.AddTool(createCreateRequirementTool(), handleCreateRequirement(requirements, logger))
	mcpServer.AddTool(createListRequirementsTool(), handleListRequirements(requirements, logger))
	mcpServer.AddTool(createStartAnalysisTool(), handleStartAnalysis(workflow, logger))
	mcpServer.AddTool(createGetProgressTool(), handleGetProgress(workflow, logger))
	mcpServer.AddTool(createResetProgressTool(), handleResetProgress(workflow, logger))
	mcpServer.AddTool(createGetAnalysisTool(), handleGetAnalysis(workflow, logger))

	// Start server (blocks on stdio)
	if err := server.ServeStdio(mcpServer); err != nil {
		logger.Error().Err(err).Msg("MCP server failed")
	}
}
