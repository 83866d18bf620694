package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/message"
)

func TestMockProviderRecordsRequests(t *testing.T) {
	mock := &MockProvider{Response: "Hello world"}
	resp, err := mock.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Content != "Hello world" {
		t.Errorf("Expected 'Hello world', got '%s'", resp.Content)
	}
	if got := mock.Requests(); len(got) != 1 || got[0].Messages[0].Content != "Hi" {
		t.Fatalf("unexpected recorded requests %+v", got)
	}
}

func TestScriptedMockProvider(t *testing.T) {
	p := NewScriptedMockProvider("one", "two")
	for _, want := range []string{"one", "two"} {
		resp, err := p.Chat(context.Background(), ChatRequest{})
		if err != nil {
			t.Fatalf("Chat: %v", err)
		}
		if resp.Content != want {
			t.Fatalf("got %q, want %q", resp.Content, want)
		}
	}
	if _, err := p.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("expected exhaustion error")
	}
	if p.CallCount != 3 || p.Remaining() != 0 {
		t.Fatalf("calls=%d remaining=%d", p.CallCount, p.Remaining())
	}
}

func TestFromMessages(t *testing.T) {
	toolMsg := message.New(message.RoleTool, message.ScopeTool, "42",
		message.WithMetadata(map[string]any{message.MetaCallID: "call-1"}))
	got := FromMessages([]*message.Message{
		message.New(message.RoleGoal, message.ScopeAgent, "find x"),
		nil,
		message.New(message.RoleError, message.ScopeModel, "boom"),
		toolMsg,
		message.New(message.RoleAssistant, message.ScopeModel, "ok"),
	})
	want := []Message{
		{Role: RoleUser, Content: "find x"},
		{Role: RoleSystem, Content: "boom"},
		{Role: RoleTool, Content: "42", ToolCallID: "call-1"},
		{Role: RoleAssistant, Content: "ok"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Role != want[i].Role || got[i].Content != want[i].Content || got[i].ToolCallID != want[i].ToolCallID {
			t.Errorf("message %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestOllamaChatOptions(t *testing.T) {
	var seen ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&seen); err != nil {
			t.Fatalf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(ollamaResponse{
			Message:         Message{Role: RoleAssistant, Content: "pong"},
			Done:            true,
			PromptEvalCount: 3,
			EvalCount:       2,
		})
	}))
	defer srv.Close()

	resp, err := NewOllama(srv.URL).Chat(context.Background(), ChatRequest{
		Model:       "llama3",
		Messages:    []Message{{Role: RoleUser, Content: "ping"}},
		Temperature: 0.2,
		Options:     map[string]any{"num_ctx": 2048, OptionAvailableTools: []string{"search"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "pong" || resp.Usage.TotalTokens != 5 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if seen.Stream {
		t.Error("expected non-streaming request")
	}
	if _, ok := seen.Options[OptionAvailableTools]; ok {
		t.Error("runtime hint leaked into provider options")
	}
	if seen.Options["temperature"] != 0.2 || seen.Options["num_ctx"] != float64(2048) {
		t.Errorf("unexpected options %v", seen.Options)
	}
}

func TestOllamaStatusErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", int(status.Load()))
	}))
	defer srv.Close()

	p := NewOllama(srv.URL)
	_, err := p.Chat(context.Background(), ChatRequest{Model: "llama3"})
	me := minerr.AsMinionError(err)
	if me.Code != minerr.CodeCallExecution || !me.Recoverable {
		t.Fatalf("503 should be a recoverable call error, got %+v", me)
	}

	status.Store(http.StatusNotFound)
	_, err = p.Chat(context.Background(), ChatRequest{Model: "missing"})
	if me := minerr.AsMinionError(err); me.Recoverable || me.Context["status"] != http.StatusNotFound {
		t.Fatalf("404 should not be recoverable, got %+v", me)
	}
}
