package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/tool"
)

type stubCaller struct {
	lastName string
	lastArgs map[string]any
	result   *mcp.CallToolResult
	err      error
	calls    int
}

func (s *stubCaller) CallTool(_ context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	s.calls++
	s.lastName = name
	s.lastArgs = args
	return s.result, s.err
}

func TestToolChecksRequiredArguments(t *testing.T) {
	def := mcp.Tool{
		Name:        "sum",
		InputSchema: mcp.ToolInputSchema{Type: "object", Required: []string{"a", "b"}},
	}
	caller := &stubCaller{result: mcp.NewToolResultText("3")}
	tl, err := NewTool(def, caller)
	if err != nil {
		t.Fatalf("NewTool: %v", err)
	}

	if _, err := tl.Call(context.Background(), map[string]any{"a": 1}); minerr.CodeOf(err) != minerr.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if caller.calls != 0 {
		t.Fatal("remote tool must not be called with missing arguments")
	}

	out, err := tl.Call(context.Background(), map[string]any{"a": 1, "b": 2})
	if err != nil || out != "3" {
		t.Fatalf("Call = %v, %v", out, err)
	}
	if caller.lastName != "sum" || caller.lastArgs["b"] != 2 {
		t.Fatalf("unexpected call %s %v", caller.lastName, caller.lastArgs)
	}
}

func TestToolErrorResult(t *testing.T) {
	tl, _ := NewTool(mcp.Tool{Name: "x"}, &stubCaller{result: mcp.NewToolResultError("nope")})
	if _, err := tl.Call(context.Background(), nil); err == nil {
		t.Fatal("expected error result to surface")
	}
	if _, err := NewTool(mcp.Tool{}, &stubCaller{}); err == nil {
		t.Fatal("expected error for unnamed tool")
	}
}

func TestClientRetriesTransientFailures(t *testing.T) {
	fail := errors.New("transport hiccup")
	caller := &flakyClient{failures: 2, err: fail}
	c := NewClient(caller, WithRetry(2, 1))
	res, err := c.CallTool(context.Background(), "x", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if textContent(res.Content) != "ok" || caller.calls != 3 {
		t.Fatalf("calls=%d res=%+v", caller.calls, res)
	}
}

func TestRegistryRoundTripOverInProcessServer(t *testing.T) {
	ctx := context.Background()
	local := tool.NewRegistry(
		tool.Func{ToolName: "greet", Description: "says hello", Fn: func(_ context.Context, in map[string]any) (any, error) {
			return "hello " + in["name"].(string), nil
		}},
		tool.Func{ToolName: "add", Fn: func(_ context.Context, in map[string]any) (any, error) {
			return map[string]any{"sum": in["a"].(float64) + in["b"].(float64)}, nil
		}},
	)
	srv, err := NewServer("test", "1.0.0", local)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	c, err := NewInProcessClient(ctx, srv)
	if err != nil {
		t.Fatalf("NewInProcessClient: %v", err)
	}
	defer c.Close()

	filtered := tool.NewRegistry()
	names, err := RegisterAll(ctx, c, filtered, tool.NewFilter(nil, []string{"gr*"}))
	if err != nil || len(names) != 1 || names[0] != "add" {
		t.Fatalf("filtered RegisterAll = %v, %v", names, err)
	}

	remote := tool.NewRegistry()
	names, err = RegisterAll(ctx, c, remote, nil)
	if err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("registered %v", names)
	}

	greet, err := remote.Get("greet")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	out, err := greet.Call(ctx, map[string]any{"name": "ana"})
	if err != nil || out != "hello ana" {
		t.Fatalf("greet = %v, %v", out, err)
	}

	add, _ := remote.Get("add")
	out, err = add.Call(ctx, map[string]any{"a": 1.0, "b": 2.0})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok || m["sum"] != 3.0 {
		t.Fatalf("add = %#v", out)
	}
}
