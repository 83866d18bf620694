package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/llm"
	"github.com/jllopis/minions/pkg/tool"
)

// Caller abstracts MCP tool execution.
type Caller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// Tool exposes one remote MCP tool as a tool.Tool.
type Tool struct {
	def    mcp.Tool
	caller Caller
}

// NewTool binds a tool definition to its caller.
func NewTool(def mcp.Tool, caller Caller) (*Tool, error) {
	if def.Name == "" {
		return nil, errors.New("mcp tool name is required")
	}
	if caller == nil {
		return nil, errors.New("tool caller is required")
	}
	return &Tool{def: def, caller: caller}, nil
}

func (t *Tool) Name() string { return t.def.Name }

// Definition converts the MCP schema into a model function definition.
func (t *Tool) Definition() llm.Tool {
	var params any = t.def.InputSchema
	if t.def.RawInputSchema != nil {
		params = t.def.RawInputSchema
	}
	return llm.Tool{
		Type: llm.ToolTypeFunction,
		Function: llm.FunctionDef{
			Name:        t.def.Name,
			Description: t.def.Description,
			Parameters:  params,
		},
	}
}

// Call checks required arguments, then invokes the remote tool. Structured
// content wins over text content.
func (t *Tool) Call(ctx context.Context, input map[string]any) (any, error) {
	if input == nil {
		input = map[string]any{}
	}
	for _, key := range t.def.InputSchema.Required {
		if _, ok := input[key]; !ok {
			return nil, minerr.Newf(minerr.CodeValidation, "mcp tool %s: missing required argument %q", t.def.Name, key)
		}
	}
	res, err := t.caller.CallTool(ctx, t.def.Name, input)
	if err != nil {
		return nil, err
	}
	return resultOutput(res)
}

func resultOutput(res *mcp.CallToolResult) (any, error) {
	if res == nil {
		return nil, errors.New("mcp tool result is nil")
	}
	text := textContent(res.Content)
	if res.IsError {
		return nil, fmt.Errorf("mcp tool returned error: %s", text)
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	return text, nil
}

func textContent(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		switch c := item.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// RegisterAll discovers the tools of c and registers the ones filter allows
// into reg. A nil filter registers everything.
func RegisterAll(ctx context.Context, c *Client, reg *tool.Registry, filter *tool.Filter) ([]string, error) {
	defs, err := c.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, def := range defs {
		if !filter.Allowed(def.Name) {
			continue
		}
		t, err := NewTool(def, c)
		if err != nil {
			return names, err
		}
		if err := reg.Register(t); err != nil {
			return names, err
		}
		names = append(names, def.Name)
	}
	return names, nil
}
