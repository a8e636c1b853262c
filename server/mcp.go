package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teranos/RONIN/errors"
	"github.com/teranos/RONIN/job"
	"github.com/teranos/RONIN/version"
)

// MCPServer exposes the agent's state over the Model Context Protocol so
// an operator's assistant can inspect it. Every tool is read-only; the
// lifecycle is driven by the daemon, never by a model.
type MCPServer struct {
	agent  *AgentServer
	server *mcpserver.MCPServer
}

// NewMCPServer wraps the agent's status surface in an MCP stdio server
func NewMCPServer(agent *AgentServer) *MCPServer {
	s := &MCPServer{agent: agent}

	s.server = mcpserver.NewMCPServer(
		"ronin",
		version.Get().Version,
		mcpserver.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

func (s *MCPServer) registerTools() {
	statusTool := mcp.NewTool("ronin_status",
		mcp.WithDescription("Current agent status: jobs per lifecycle stage, daily apply quota, pacing state, daemon loop activity"),
	)
	s.server.AddTool(statusTool, s.handleStatus)

	jobsTool := mcp.NewTool("ronin_jobs_list",
		mcp.WithDescription("List tracked marketplace jobs, optionally filtered by lifecycle stage"),
		mcp.WithString("stage",
			mcp.Description("Lifecycle stage filter: discovered, matched, applied, awaiting_response, in_progress, delivered, closed, rejected, failed"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum jobs to return (default 50)"),
		),
	)
	s.server.AddTool(jobsTool, s.handleJobsList)

	eventsTool := mcp.NewTool("ronin_job_events",
		mcp.WithDescription("Full audit trail of one job: every stage transition, attempt and failure in order"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("Marketplace job id"),
		),
	)
	s.server.AddTool(eventsTool, s.handleJobEvents)

	paceTool := mcp.NewTool("ronin_pace_stats",
		mcp.WithDescription("Pace controller state: admissions and denials per action kind, failure streak, remaining backoff"),
	)
	s.server.AddTool(paceTool, s.handlePaceStats)
}

func (s *MCPServer) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := s.agent.statusSnapshot()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to build status: %v", err)), nil
	}
	return jsonResult(snap)
}

func (s *MCPServer) handleJobsList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := request.GetInt("limit", 50)
	if limit <= 0 || limit > listLimit {
		limit = 50
	}

	stage := request.GetString("stage", "")

	var jobs []*job.Job
	var err error
	if stage != "" {
		if !job.IsValidStage(stage) {
			return mcp.NewToolResultError(fmt.Sprintf("Unknown stage %q", stage)), nil
		}
		jobs, err = s.agent.store.ListByStage(job.Stage(stage), limit)
	} else {
		jobs, err = s.agent.store.ListJobs(limit)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list jobs: %v", err)), nil
	}

	if len(jobs) == 0 {
		return mcp.NewToolResultText("No jobs found"), nil
	}
	return jsonResult(jobs)
}

func (s *MCPServer) handleJobEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := request.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if _, err := s.agent.store.GetJob(jobID); err != nil {
		if errors.IsNotFoundError(err) {
			return mcp.NewToolResultText(fmt.Sprintf("No job tracked with id %q", jobID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load job: %v", err)), nil
	}

	events, err := s.agent.store.ListEvents(jobID, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load events: %v", err)), nil
	}
	if len(events) == 0 {
		return mcp.NewToolResultText("No events recorded"), nil
	}
	return jsonResult(events)
}

func (s *MCPServer) handlePaceStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.agent.pacer.Stats())
}

// Serve runs the MCP server on stdio until the client disconnects
func (s *MCPServer) Serve() error {
	return mcpserver.ServeStdio(s.server)
}

func jsonResult(payload interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
