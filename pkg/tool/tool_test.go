package tool

import (
	"context"
	"testing"

	minerr "github.com/jllopis/minions/pkg/errors"
)

func echo(name string) Func {
	return Func{ToolName: name, Description: "echoes", Fn: func(_ context.Context, in map[string]any) (any, error) {
		return in["text"], nil
	}}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(echo("b"))
	if err := r.Register(echo("a")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(Func{}); minerr.CodeOf(err) != minerr.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	if got := r.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Names = %v", got)
	}

	tl, err := r.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	out, err := tl.Call(context.Background(), map[string]any{"text": "hi"})
	if err != nil || out != "hi" {
		t.Fatalf("Call = %v, %v", out, err)
	}

	if _, err := r.Get("missing"); minerr.CodeOf(err) != minerr.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDefinitions(t *testing.T) {
	r := NewRegistry(echo("a"), echo("b"))
	defs := r.Definitions("b", "zzz")
	if len(defs) != 1 || defs[0].Function.Name != "b" || defs[0].Function.Description != "echoes" {
		t.Fatalf("unexpected definitions %+v", defs)
	}
	if len(r.Definitions()) != 2 {
		t.Fatal("expected every tool when no names are given")
	}
}
