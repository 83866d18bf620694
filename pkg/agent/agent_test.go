package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/minions/pkg/core"
	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/llm"
	"github.com/jllopis/minions/pkg/memory"
	"github.com/jllopis/minions/pkg/memory/inmemory"
	"github.com/jllopis/minions/pkg/message"
	"github.com/jllopis/minions/pkg/tool"
)

func newMemory(t *testing.T, extra ...memory.Subsystem) *memory.Manager {
	t.Helper()
	tiers := []memory.Memory{inmemory.NewTier(memory.ShortTerm)}
	for _, sub := range extra {
		tiers = append(tiers, inmemory.NewTier(sub))
	}
	mgr, err := memory.NewManager(tiers)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr
}

func newContext(t *testing.T, recipe string, mgr *memory.Manager, tools *tool.Registry, opts ...ContextOption) *AgentContext {
	t.Helper()
	r, err := ParseRecipe([]byte(recipe))
	if err != nil {
		t.Fatalf("ParseRecipe: %v", err)
	}
	ac, err := NewAgentContext(r, mgr, tools, opts...)
	if err != nil {
		t.Fatalf("NewAgentContext: %v", err)
	}
	return ac
}

func historyOf(t *testing.T, ac *AgentContext) []*message.Message {
	t.Helper()
	msgs, err := memory.History(context.Background(), ac.Memory(), ac.HistoryTier(), ac.ConversationID(), nil)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	return msgs
}

func stepIDs(results []StepResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.StepID
	}
	return ids
}

const plannerRecipe = `
id: single
goal: find the answer
graph:
  steps:
    - id: plan
      type: planner
`

func TestRunSinglePlannerStep(t *testing.T) {
	provider := &llm.MockProvider{Response: "done"}
	orch := NewOrchestrator(provider)
	defer orch.Close()
	ac := newContext(t, plannerRecipe, newMemory(t), nil, WithConversationID("conv-1"))

	final, err := orch.Run(context.Background(), ac)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Content != "done" {
		t.Fatalf("final content = %q", final.Content)
	}
	if got := ac.Results(); len(got) != 1 || got[0].StepID != "plan" || got[0].ModelCalls != 1 {
		t.Fatalf("unexpected results %+v", got)
	}
	if ac.Graph().Current() != nil {
		t.Fatalf("expected terminal graph, current is %v", ac.Graph().Current())
	}
	if next, err := ac.Graph().NextStep(context.Background(), ac); err != nil || next != nil {
		t.Fatalf("expected terminal to stay terminal, got %v %v", next, err)
	}

	msgs := historyOf(t, ac)
	roles := map[message.Role]int{}
	for _, m := range msgs {
		roles[m.Role]++
	}
	if roles[message.RoleGoal] != 1 || roles[message.RoleUser] != 1 || roles[message.RoleAssistant] != 1 {
		t.Fatalf("unexpected history roles %v", roles)
	}
	if len(provider.Requests()) != 1 {
		t.Fatalf("expected one model request, got %d", len(provider.Requests()))
	}
}

const branchRecipe = `
id: router
goal: route the request
graph:
  steps:
    - id: gate
      type: branch
      condition: metadata.mode == fast
      then:
        - id: quick
          type: model_call
          goal: answer quickly
      else:
        - id: slow
          type: model_call
          goal: answer carefully
`

func TestRunBranchRouting(t *testing.T) {
	for _, tc := range []struct {
		mode string
		want []string
	}{
		{mode: "fast", want: []string{"gate", "quick"}},
		{mode: "deep", want: []string{"gate", "slow"}},
	} {
		t.Run(tc.mode, func(t *testing.T) {
			orch := NewOrchestrator(&llm.MockProvider{Response: "ok"})
			defer orch.Close()
			ac := newContext(t, branchRecipe, newMemory(t), nil, WithMetadata(map[string]any{"mode": tc.mode}))
			if _, err := orch.Run(context.Background(), ac); err != nil {
				t.Fatalf("Run: %v", err)
			}
			got := stepIDs(ac.Results())
			if fmt.Sprint(got) != fmt.Sprint(tc.want) {
				t.Fatalf("executed %v, want %v", got, tc.want)
			}
			if v, _ := ac.Output("gate"); v != (tc.mode == "fast") {
				t.Fatalf("gate output = %v", v)
			}
		})
	}
}

const failingRecipe = `
id: failing
goal: compute
graph:
  steps:
    - id: draft
      type: model_call
      goal: draft something
    - id: act
      type: tool_call
      tool: boom
      input:
        q: "{{.Last}}"
  transitions:
    draft: [act]
`

func TestRunFailureRestoresMemory(t *testing.T) {
	var seen atomic.Value
	tools := tool.NewRegistry(tool.Func{
		ToolName: "boom",
		Fn: func(_ context.Context, in map[string]any) (any, error) {
			seen.Store(in["q"])
			return nil, errors.New("kaboom")
		},
	})
	emitter := &core.RecordingEmitter{}
	audit := NewMemoryAuditStore()
	orch := NewOrchestrator(&llm.MockProvider{Response: "first"}, WithEmitter(emitter), WithAudit(audit))
	defer orch.Close()
	ac := newContext(t, failingRecipe, newMemory(t), tools)

	_, err := orch.Run(context.Background(), ac)
	if err == nil {
		t.Fatal("expected run to fail")
	}
	if minerr.CodeOf(err) != minerr.CodeCallExecution {
		t.Fatalf("code = %s, err = %v", minerr.CodeOf(err), err)
	}
	me := minerr.AsMinionError(err)
	if me.Context["step_id"] != "act" {
		t.Fatalf("step_id = %v", me.Context["step_id"])
	}
	calls := ac.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %+v", calls)
	}
	if me.Context["call_id"] != calls[1].ID || calls[1].Status != "FAILED" {
		t.Fatalf("call_id = %v, calls = %+v", me.Context["call_id"], calls)
	}
	if seen.Load() != "first" {
		t.Fatalf("tool input q = %v, want rendered draft output", seen.Load())
	}

	msgs := historyOf(t, ac)
	if len(msgs) != 1 || msgs[0].Role != message.RoleGoal {
		t.Fatalf("expected only the goal after restore, got %d messages", len(msgs))
	}

	var restored, failed bool
	for _, ev := range emitter.Events() {
		switch ev.Type {
		case core.EventMemoryRestore:
			restored = true
		case core.EventRunFailed:
			failed = ev.StepID == "act"
		}
	}
	if !restored || !failed {
		t.Fatalf("missing events: restored=%v failed=%v", restored, failed)
	}

	events, _ := audit.List(context.Background(), AuditFilter{ConversationID: ac.ConversationID()})
	if len(events) != 2 || events[0].Status != AuditCompleted || events[1].Status != AuditFailed {
		t.Fatalf("unexpected audit events %+v", events)
	}
}

func TestFailureRestoreKeepsOtherConversations(t *testing.T) {
	mgr := newMemory(t)
	other := newContext(t, plannerRecipe, mgr, nil, WithConversationID("other"))
	otherOrch := NewOrchestrator(&llm.MockProvider{Response: "fine"})
	defer otherOrch.Close()

	var before int
	tools := tool.NewRegistry(tool.Func{
		ToolName: "boom",
		Fn: func(ctx context.Context, _ map[string]any) (any, error) {
			if _, err := otherOrch.Run(ctx, other); err != nil {
				return nil, fmt.Errorf("other run: %w", err)
			}
			before = len(historyOf(t, other))
			return nil, errors.New("kaboom")
		},
	})
	orch := NewOrchestrator(&llm.MockProvider{Response: "first"})
	defer orch.Close()
	ac := newContext(t, failingRecipe, mgr, tools, WithConversationID("failing"))

	if _, err := orch.Run(context.Background(), ac); err == nil {
		t.Fatal("expected run to fail")
	}
	if before != 3 {
		t.Fatalf("other conversation held %d messages before the restore", before)
	}
	if got := len(historyOf(t, other)); got != before {
		t.Fatalf("restore of %s changed %s: %d messages, want %d", ac.ConversationID(), other.ConversationID(), got, before)
	}
	if msgs := historyOf(t, ac); len(msgs) != 1 || msgs[0].Role != message.RoleGoal {
		t.Fatalf("expected only the goal after restore, got %d messages", len(msgs))
	}
}

const decisionRecipe = `
id: decide
goal: pick a path
graph:
  steps:
    - id: route
      type: model_call
      goal: look at the request
      decision_tool:
        tool: pick
    - id: left
      type: model_call
      goal: go left
    - id: right
      type: model_call
      goal: go right
  transitions:
    route: [left, right]
`

func TestDecisionToolUsesOrchestratorTimeout(t *testing.T) {
	var remaining atomic.Int64
	tools := tool.NewRegistry(tool.Func{
		ToolName: "pick",
		Fn: func(ctx context.Context, _ map[string]any) (any, error) {
			if deadline, ok := ctx.Deadline(); ok {
				remaining.Store(int64(time.Until(deadline)))
			}
			return "right", nil
		},
	})
	orch := NewOrchestrator(&llm.MockProvider{Response: "ok"}, WithTimeout(500*time.Millisecond))
	defer orch.Close()
	ac := newContext(t, decisionRecipe, newMemory(t), tools)

	if _, err := orch.Run(context.Background(), ac); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := stepIDs(ac.Results()); fmt.Sprint(got) != fmt.Sprint([]string{"route", "right"}) {
		t.Fatalf("executed %v", got)
	}
	left := time.Duration(remaining.Load())
	if left <= 0 || left > 500*time.Millisecond {
		t.Fatalf("decision tool deadline in %v, want the orchestrator timeout", left)
	}
}

const loopRecipe = `
id: loop
goal: go around
%s
graph:
  steps:
    - id: a
      type: model_call
      goal: step a
    - id: b
      type: model_call
      goal: step b
  transitions:
    a: [b]
    b: [a]
`

func TestRepeatedStepGuard(t *testing.T) {
	orch := NewOrchestrator(&llm.MockProvider{Response: "again"})
	defer orch.Close()

	ac := newContext(t, fmt.Sprintf(loopRecipe, ""), newMemory(t), nil)
	_, err := orch.Run(context.Background(), ac)
	if !minerr.HasCode(err, minerr.CodeIllegalState) {
		t.Fatalf("expected illegal state, got %v", err)
	}
	if got := minerr.AsMinionError(err).Context["step_id"]; got != "a" {
		t.Fatalf("step_id = %v", got)
	}
	if len(ac.Results()) != 2 {
		t.Fatalf("expected 2 results, got %v", stepIDs(ac.Results()))
	}

	ac = newContext(t, fmt.Sprintf(loopRecipe, "allow_repeated_steps: true\nmax_step_executions: 5"), newMemory(t), nil)
	_, err = orch.Run(context.Background(), ac)
	if !minerr.HasCode(err, minerr.CodeIllegalState) {
		t.Fatalf("expected illegal state, got %v", err)
	}
	results := ac.Results()
	if len(results) != 5 || results[4].StepID != "a" || results[4].Execution != 3 {
		t.Fatalf("unexpected results %+v", results)
	}
}

const toolRecipe = `
id: tools
goal: add numbers
required_tools: [add]
graph:
  steps:
    - id: plan
      type: planner
      max_model_calls: %d
`

func addTool() *tool.Registry {
	return tool.NewRegistry(tool.Func{
		ToolName:    "add",
		Description: "adds a and b",
		Fn: func(_ context.Context, in map[string]any) (any, error) {
			a, _ := in["a"].(float64)
			b, _ := in["b"].(float64)
			return a + b, nil
		},
	})
}

func addCall(id string) llm.ToolCall {
	return llm.ToolCall{
		ID:       id,
		Type:     llm.ToolTypeFunction,
		Function: llm.FunctionCall{Name: "add", Arguments: `{"a":1,"b":2}`},
	}
}

func TestPlannerRunsToolCalls(t *testing.T) {
	var n atomic.Int32
	provider := &llm.MockProvider{ChatFunc: func(_ context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
		if n.Add(1) == 1 {
			return &llm.ChatResponse{ToolCalls: []llm.ToolCall{addCall("tc-1")}}, nil
		}
		return &llm.ChatResponse{Content: "the sum is 3"}, nil
	}}
	orch := NewOrchestrator(provider)
	defer orch.Close()
	ac := newContext(t, fmt.Sprintf(toolRecipe, 5), newMemory(t), addTool())

	final, err := orch.Run(context.Background(), ac)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final.Content != "the sum is 3" {
		t.Fatalf("final = %q", final.Content)
	}
	res := ac.Results()[0]
	if res.ModelCalls != 2 || res.ToolCalls != 1 {
		t.Fatalf("unexpected call counts %+v", res)
	}

	reqs := provider.Requests()
	if len(reqs[0].Tools) != 1 || reqs[0].Tools[0].Function.Name != "add" {
		t.Fatalf("tools not offered to the model: %+v", reqs[0].Tools)
	}
	var answered bool
	for _, m := range reqs[1].Messages {
		if m.Role == llm.RoleTool && m.ToolCallID == "tc-1" && m.Content == "3" {
			answered = true
		}
	}
	if !answered {
		t.Fatalf("second request misses the tool result: %+v", reqs[1].Messages)
	}
}

func TestPlannerStopsAtModelCallLimit(t *testing.T) {
	var n atomic.Int32
	provider := &llm.MockProvider{ChatFunc: func(_ context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{ToolCalls: []llm.ToolCall{addCall(fmt.Sprintf("tc-%d", n.Add(1)))}}, nil
	}}
	orch := NewOrchestrator(provider)
	defer orch.Close()
	ac := newContext(t, fmt.Sprintf(toolRecipe, 2), newMemory(t), addTool())

	if _, err := orch.Run(context.Background(), ac); err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := ac.Results()[0]
	if res.ModelCalls != 2 || res.ToolCalls != 2 {
		t.Fatalf("unexpected call counts %+v", res)
	}
	if len(provider.Requests()) != 2 {
		t.Fatalf("expected 2 model requests, got %d", len(provider.Requests()))
	}
}

func TestNewAgentContextValidation(t *testing.T) {
	r, err := ParseRecipe([]byte(plannerRecipe))
	if err != nil {
		t.Fatalf("ParseRecipe: %v", err)
	}
	if _, err := NewAgentContext(r, nil, nil); minerr.CodeOf(err) != minerr.CodeMemoryUnavailable {
		t.Fatalf("nil manager: got %v", err)
	}

	withTier := *r
	withTier.MemoryTiers = []string{"ENTITY"}
	if _, err := NewAgentContext(&withTier, newMemory(t), nil); minerr.CodeOf(err) != minerr.CodeConfiguration {
		t.Fatalf("missing tier: got %v", err)
	}

	withTool := *r
	withTool.RequiredTools = []string{"search"}
	if _, err := NewAgentContext(&withTool, newMemory(t), tool.NewRegistry()); minerr.CodeOf(err) != minerr.CodeNotFound {
		t.Fatalf("missing tool: got %v", err)
	}

	if _, err := ParseRecipe([]byte("goal: no id\ngraph:\n  steps: []\n")); minerr.CodeOf(err) != minerr.CodeConfiguration {
		t.Fatalf("missing id: got %v", err)
	}
}
