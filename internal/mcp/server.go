// Package mcp exposes the tool catalog over the Model Context Protocol so
// agent clients can drive the same dispatcher the HTTP API uses.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/perfqa/perfhub/internal/core"
)

// NewServer builds an MCP server with one tool per registry descriptor. The
// input schemas are rendered from the same parameter declarations the
// dispatcher validates against, so both transports agree on what a tool
// accepts.
func NewServer(dispatcher *core.Dispatcher, version string) *server.MCPServer {
	srv := server.NewMCPServer(
		"perfhub",
		version,
		server.WithToolCapabilities(true),
	)

	for _, desc := range dispatcher.Registry().Descriptors() {
		tool := mcp.NewToolWithRawSchema(desc.Name, desc.Description, desc.RawSchema())
		srv.AddTool(tool, callHandler(dispatcher, desc.Name))
	}
	return srv
}

// callHandler adapts one tool to the MCP calling convention. The envelope is
// returned whole either way; a failed call is flagged as a tool error so
// clients can branch without parsing the payload.
func callHandler(dispatcher *core.Dispatcher, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		env := dispatcher.Handle(ctx, name, req.GetArguments(), 0)
		payload, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		if !env.OK {
			return mcp.NewToolResultError(string(payload)), nil
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}

// ServeStdio serves MCP over stdin/stdout until the client disconnects.
func ServeStdio(srv *server.MCPServer) error {
	return server.ServeStdio(srv)
}
