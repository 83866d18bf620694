package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// flakyClient fails the first calls to CallTool.
type flakyClient struct {
	client.MCPClient
	failures int
	calls    int
	err      error
}

func (f *flakyClient) CallTool(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return mcp.NewToolResultText("ok"), nil
}
