package tool

import (
	"context"
	"testing"

	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/memory"
	"github.com/jllopis/minions/pkg/memory/inmemory"
)

func TestMemoryTools(t *testing.T) {
	mgr, err := memory.NewManager([]memory.Memory{inmemory.NewTier(memory.LongTerm)})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	reg := NewRegistry(MemoryTools(mgr, memory.LongTerm)...)
	ctx := context.Background()

	remember, _ := reg.Get("memory_remember")
	for _, note := range []string{"likes tea", "lives in Girona"} {
		if _, err := remember.Call(ctx, map[string]any{"conversation_id": "c1", "content": note}); err != nil {
			t.Fatalf("remember: %v", err)
		}
	}
	if _, err := remember.Call(ctx, map[string]any{"conversation_id": "c2", "content": "likes coffee"}); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if _, err := remember.Call(ctx, map[string]any{"content": "orphan"}); minerr.CodeOf(err) != minerr.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	recall, _ := reg.Get("memory_recall")
	out, err := recall.Call(ctx, map[string]any{"conversation_id": "c1", "keyword": "tea", "limit": float64(5)})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	hits := out.([]map[string]any)
	if len(hits) != 1 || hits[0]["content"] != "likes tea" {
		t.Fatalf("unexpected hits %v", hits)
	}

	out, err = recall.Call(ctx, map[string]any{"keyword": "likes"})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if n := len(out.([]map[string]any)); n != 2 {
		t.Fatalf("expected 2 hits across conversations, got %d", n)
	}

	if _, err := recall.Call(ctx, map[string]any{"limit": 2.5}); minerr.CodeOf(err) != minerr.CodeValidation {
		t.Fatalf("expected validation error for fractional limit, got %v", err)
	}
}
