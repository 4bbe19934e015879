package main

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// createCreateRequirementTool returns the create_requirement tool definition
func createCreateRequirementTool() mcp.Tool {
	return mcp.NewTool("create_requirement",
		mcp.WithDescription("Create a product requirement (Draft) that can then be analysed"),
		mcp.WithString("title",
			mcp.Required(),
			mcp.Description("Short product idea title"),
		),
		mcp.WithString("problem_statement",
			mcp.Required(),
			mcp.Description("The problem the product solves"),
		),
		mcp.WithString("industry_type",
			mcp.Description("Industry, e.g. healthcare, logistics"),
		),
		mcp.WithString("target_audience",
			mcp.Description("Who the product is for"),
		),
	)
}

// createListRequirementsTool returns the list_requirements tool definition
func createListRequirementsTool() mcp.Tool {
	return mcp.NewTool("list_requirements",
		mcp.WithDescription("List requirements with their analysis status, newest first"),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default: 20)"),
		),
	)
}

// createStartAnalysisTool returns the start_analysis tool definition
func createStartAnalysisTool() mcp.Tool {
	return mcp.NewTool("start_analysis",
		mcp.WithDescription("Start the five-stage market analysis pipeline for a requirement. Returns immediately; poll get_progress."),
		mcp.WithString("requirement_id",
			mcp.Required(),
			mcp.Description("Requirement ID (format: req_{uuid})"),
		),
	)
}

// createGetProgressTool returns the get_progress tool definition
func createGetProgressTool() mcp.Tool {
	return mcp.NewTool("get_progress",
		mcp.WithDescription("Show per-step progress of a requirement's analysis"),
		mcp.WithString("requirement_id",
			mcp.Required(),
			mcp.Description("Requirement ID"),
		),
	)
}

// createResetProgressTool returns the reset_progress tool definition
func createResetProgressTool() mcp.Tool {
	return mcp.NewTool("reset_progress",
		mcp.WithDescription("Abandon a stuck analysis run and reset its progress"),
		mcp.WithString("requirement_id",
			mcp.Required(),
			mcp.Description("Requirement ID"),
		),
	)
}

// createGetAnalysisTool returns the get_analysis tool definition
func createGetAnalysisTool() mcp.Tool {
	return mcp.NewTool("get_analysis",
		mcp.WithDescription("Return the finished market analysis (markdown) for a requirement"),
		mcp.WithString("requirement_id",
			mcp.Required(),
			mcp.Description("Requirement ID"),
		),
	)
}
