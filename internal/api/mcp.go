package api

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server exposing mailbox search and batch runs.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"inboxrag",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("inboxrag answers unread email from previously seen mail. Search the mail archive or trigger a batch."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_mail",
			mcp.WithDescription("Semantically search indexed email and return the most similar messages."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchMail(deps),
	)

	s.AddTool(
		mcp.NewTool("process_inbox",
			mcp.WithDescription("Answer a batch of unread inbox messages and report how many were processed."),
		),
		mcpProcessInbox(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"inbox://replies/recent",
			"Recent Replies",
			mcp.WithResourceDescription("Last 10 generated replies"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentReplies(deps),
	)

	return s
}

func mcpSearchMail(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		res, err := deps.Searcher.Retrieve(ctx, query, deps.limit(req.GetInt("limit", 0)))
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(res.Blocks) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(res.Blocks)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpProcessInbox(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rep, err := deps.Runner.RunOnce(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("batch failed: %v", err)), nil
		}
		b, err := json.Marshal(rep.Summary())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal summary: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecentReplies(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		replies, err := deps.Store.ListReplies(ctx, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list replies: %w", err)
		}

		out := toReplyJSON(replies)
		for i := range out {
			if utf8.RuneCountInString(out[i].Text) > 200 {
				out[i].Text = string([]rune(out[i].Text)[:200]) + "..."
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal replies: %w", err)
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
