package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/salesagent/internal/storage"
)

// NewMCPServer creates an MCP server exposing catalog search, dialog
// inspection and the catalog status. Only Dialogs, Catalog and Search of
// deps are used.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"salesagent",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("salesagent: search the product catalog and inspect customer dialogs."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_catalog",
			mcp.WithDescription("Semantically search the product catalog and return the closest entries."),
			mcp.WithString("query", mcp.Description("What the customer is looking for"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchCatalog(deps),
	)

	s.AddTool(
		mcp.NewTool("dialog_history",
			mcp.WithDescription("Show the stored history, reminder stage and blacklist state of one dialog."),
			mcp.WithString("dialog_key", mcp.Description("Dialog key as the channel reports it"), mcp.Required()),
		),
		mcpDialogHistory(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"catalog://status",
			"Catalog Status",
			mcp.WithResourceDescription("Token, size and build time of the catalog index in service"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceCatalogStatus(deps),
	)

	return s
}

func mcpSearchCatalog(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || query == "" {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		hits, err := deps.Search.Retrieve(ctx, nil, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(hits) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(hits)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpDialogHistory(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := req.RequireString("dialog_key")
		if err != nil || key == "" {
			return mcpError("dialog_key is required"), nil
		}

		view, err := loadDialog(ctx, deps.Dialogs, storage.DialogKey(key))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load dialog: %v", err)), nil
		}

		b, err := json.Marshal(view)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal dialog: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceCatalogStatus(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Catalog.Status())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal catalog status: %w", err)
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
