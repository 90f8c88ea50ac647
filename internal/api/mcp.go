package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/stdkeep/internal/access"
	"github.com/kalambet/stdkeep/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store  StandardsStore
	Facade *access.Facade
}

// NewMCPServer creates an MCP server exposing standards tools to agent callers.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"stdkeep",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("stdkeep — versioned standards documents, kept fresh automatically."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_standard",
			mcp.WithDescription("Fetch a standards document by key. Stale documents are refreshed per server policy before or behind the read."),
			mcp.WithString("key", mcp.Description("Standard key, e.g. go.errors@1"), mcp.Required()),
			mcp.WithBoolean("force_refresh", mcp.Description("Regenerate even if the document is fresh")),
		),
		mcpGetStandard(deps),
	)

	s.AddTool(
		mcp.NewTool("refresh_standard",
			mcp.WithDescription("Queue a regeneration for a standards document without waiting for it."),
			mcp.WithString("key", mcp.Description("Standard key"), mcp.Required()),
		),
		mcpRefreshStandard(deps),
	)

	s.AddTool(
		mcp.NewTool("list_standards",
			mcp.WithDescription("List stored standards documents with their freshness metadata."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListStandards(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"standards://list",
			"Standards Index",
			mcp.WithResourceDescription("All stored standards with freshness metadata, as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceList(deps),
	)

	return s
}

func mcpGetStandard(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}
		force := req.GetBool("force_refresh", false)

		std, err := deps.Facade.Get(ctx, key, access.GetOptions{ForceRefresh: force})
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("standard %q not found", key)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get standard: %v", err)), nil
		}

		return mcpText(std.Content), nil
	}
}

func mcpRefreshStandard(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("key")
		if err != nil {
			return mcpError("key is required"), nil
		}

		taskID, err := deps.Facade.TriggerRefresh(key)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("standard %q not found", key)), nil
		}
		if errors.Is(err, access.ErrAlreadyInFlight) {
			return mcpText(fmt.Sprintf("Refresh for %s is already in flight", key)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to trigger refresh: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Queued refresh task %s for %s", taskID, key)), nil
	}
}

func mcpListStandards(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		standards, err := deps.Store.ListStandards(limit, 0)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list standards: %v", err)), nil
		}

		b, err := json.Marshal(standardSummaries(standards))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceList(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		standards, err := deps.Store.ListStandards(100, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list standards: %w", err)
		}

		b, err := json.Marshal(standardSummaries(standards))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal standards: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

type standardSummary struct {
	Key                 string `json:"key"`
	Title               string `json:"title,omitempty"`
	LastUpdatedAt       string `json:"last_updated_at"`
	AccessCount         int64  `json:"access_count"`
	AutoUpdateEnabled   bool   `json:"auto_update_enabled"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	RefreshInFlight     bool   `json:"refresh_in_flight"`
}

func standardSummaries(standards []storage.Standard) []standardSummary {
	summaries := make([]standardSummary, len(standards))
	for i, std := range standards {
		summaries[i] = standardSummary{
			Key:                 std.Key,
			Title:               std.Title,
			LastUpdatedAt:       std.LastUpdatedAt.Format(time.RFC3339),
			AccessCount:         std.AccessCount,
			AutoUpdateEnabled:   std.AutoUpdateEnabled,
			ConsecutiveFailures: std.ConsecutiveFailures,
			RefreshInFlight:     std.RefreshInFlight,
		}
	}
	return summaries
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
