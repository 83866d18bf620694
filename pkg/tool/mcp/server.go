package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jllopis/minions/pkg/tool"
)

// NewServer publishes every tool of reg on an MCP server.
func NewServer(name, version string, reg *tool.Registry) (*server.MCPServer, error) {
	srv := server.NewMCPServer(name, version, server.WithToolCapabilities(false))
	for _, n := range reg.Names() {
		t, err := reg.Get(n)
		if err != nil {
			return nil, err
		}
		def := tool.Definition(t)
		schema, err := json.Marshal(def.Function.Parameters)
		if err != nil {
			return nil, fmt.Errorf("mcp: schema of %s: %w", n, err)
		}
		srv.AddTool(mcp.NewToolWithRawSchema(n, def.Function.Description, schema), handler(t))
	}
	return srv, nil
}

func handler(t tool.Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := t.Call(ctx, req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		switch v := out.(type) {
		case string:
			return mcp.NewToolResultText(v), nil
		case nil:
			return mcp.NewToolResultText(""), nil
		}
		raw, err := json.Marshal(out)
		if err != nil {
			return mcp.NewToolResultErrorFromErr("encode tool output", err), nil
		}
		return mcp.NewToolResultStructured(out, string(raw)), nil
	}
}

// ServeStdio serves srv on stdin/stdout until the stream closes.
func ServeStdio(srv *server.MCPServer) error {
	return server.ServeStdio(srv)
}
