package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/fujiwara/ridge"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/mashiike/websim"
)

// Server exposes the simulator as an MCP tool, so that agents can browse
// the simulated site.
type Server struct {
	s *server.MCPServer
}

var browseInputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"path": {
			"type": "string",
			"description": "Request path, e.g. /articles/2023"
		},
		"query": {
			"type": "string",
			"description": "Raw query string, e.g. color=green"
		}
	},
	"required": ["path"]
}`)

func NewServer(serverName string, version string, h *websim.Handler) *Server {
	s := server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(true),
	)
	tool := mcp.NewToolWithRawSchema(
		"browse",
		"Fetch a page of the simulated website. Unvisited paths are generated on the fly.",
		browseInputSchema,
	)
	s.AddTool(tool, newBrowseHandler(h))
	return &Server{s: s}
}

func newBrowseHandler(h *websim.Handler) server.ToolHandlerFunc {
	return func(ctx context.Context, mcpReq mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, _ := mcpReq.Params.Arguments["path"].(string)
		query, _ := mcpReq.Params.Arguments["query"].(string)
		if path == "" {
			return toolError("path is required"), nil
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		_, content, err := h.Browse(ctx, path, query)
		if err != nil {
			return toolError(fmt.Sprintf("failed to browse %s: %v", path, err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{
					Type: "text",
					Text: content,
				},
			},
		}, nil
	}
}

func toolError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{
				Type: "text",
				Text: msg,
			},
		},
	}
}

// ListenAndServeSSE serves the MCP server over SSE on addr.
func (s *Server) ListenAndServeSSE(addr string, opts ...server.SSEOption) error {
	baseURL := addr
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "https://" + baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("failed to parse address: %w", err)
	}
	if u.Hostname() == "" {
		u.Host = "localhost" + u.Host
	}
	if hostname := u.Hostname(); hostname == "localhost" || hostname == "127.0.0.1" {
		u.Scheme = "http"
	}
	options := []server.SSEOption{
		server.WithBaseURL(u.String()),
	}
	options = append(options, opts...)
	sseServer := server.NewSSEServer(s.s, options...)
	ridge.Run(addr, "/", sseServer)
	return nil
}

// ServeStdio serves the MCP server over stdio.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.s)
}
