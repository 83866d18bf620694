package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jllopis/minions/pkg/agent"
	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/llm"
	"github.com/jllopis/minions/pkg/memory"
	"github.com/jllopis/minions/pkg/memory/inmemory"
	"github.com/jllopis/minions/pkg/message"
	"github.com/jllopis/minions/pkg/step"
)

func newAgentContext(t *testing.T, id string) *agent.AgentContext {
	t.Helper()
	mgr, err := memory.NewManager([]memory.Memory{inmemory.NewTier(memory.ShortTerm)})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	recipe := &agent.Recipe{
		ID:   "echo",
		Goal: "say something",
		Graph: step.Document{Steps: []step.StepDoc{
			{ID: "talk", Type: "model_call"},
		}},
	}
	ac, err := agent.NewAgentContext(recipe, mgr, nil, agent.WithConversationID(id))
	if err != nil {
		t.Fatalf("NewAgentContext: %v", err)
	}
	return ac
}

type runnerFunc func(ctx context.Context, ac *agent.AgentContext) (*message.Message, error)

func (f runnerFunc) Run(ctx context.Context, ac *agent.AgentContext) (*message.Message, error) {
	return f(ctx, ac)
}

func TestRunRequiresStart(t *testing.T) {
	rt := NewLocal(runnerFunc(func(context.Context, *agent.AgentContext) (*message.Message, error) {
		return nil, nil
	}))
	_, err := rt.Run(context.Background(), newAgentContext(t, "c1"))
	if minerr.CodeOf(err) != minerr.CodeIllegalState {
		t.Fatalf("expected illegal state, got %v", err)
	}
	if err := NewLocal(nil).Start(context.Background()); minerr.CodeOf(err) != minerr.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRunAllWithOrchestrator(t *testing.T) {
	orch := agent.NewOrchestrator(&llm.MockProvider{Response: "hi"})
	defer orch.Close()
	rt := NewLocal(orch, WithMaxConcurrent(2))
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = rt.Stop(context.Background()) }()

	contexts := []*agent.AgentContext{newAgentContext(t, "c1"), newAgentContext(t, "c2"), newAgentContext(t, "c3")}
	results := rt.RunAll(context.Background(), contexts)
	for i, res := range results {
		if res.Err != nil {
			t.Fatalf("conversation %s: %v", res.ConversationID, res.Err)
		}
		if res.ConversationID != contexts[i].ConversationID() || res.Message.Content != "hi" {
			t.Fatalf("unexpected result %+v", res)
		}
		if len(contexts[i].Results()) != 1 {
			t.Fatalf("conversation %s ran %d steps", res.ConversationID, len(contexts[i].Results()))
		}
	}
}

func TestRunAllIsolatesFailures(t *testing.T) {
	var running, peak atomic.Int32
	runner := runnerFunc(func(ctx context.Context, ac *agent.AgentContext) (*message.Message, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		if ac.ConversationID() == "bad" {
			return nil, errors.New("boom")
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return message.New(message.RoleAssistant, message.ScopeAgent, ac.ConversationID()), nil
	})
	rt := NewLocal(runner, WithMaxConcurrent(2))
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ids := []string{"a", "bad", "b", "c"}
	var contexts []*agent.AgentContext
	for _, id := range ids {
		contexts = append(contexts, newAgentContext(t, id))
	}
	results := rt.RunAll(context.Background(), contexts)
	for i, res := range results {
		if ids[i] == "bad" {
			if res.Err == nil {
				t.Fatal("expected failure for bad conversation")
			}
			continue
		}
		if res.Err != nil || res.Message.Content != ids[i] {
			t.Fatalf("conversation %s: %+v", ids[i], res)
		}
	}
	if peak.Load() > 2 {
		t.Fatalf("concurrency limit exceeded: %d", peak.Load())
	}
}

type testSweeper struct {
	calls    int64
	deadline int64
	ch       chan struct{}
}

func (t *testSweeper) Sweep(ctx context.Context) (int, error) {
	atomic.AddInt64(&t.calls, 1)
	if deadline, ok := ctx.Deadline(); ok {
		atomic.StoreInt64(&t.deadline, deadline.UnixNano())
	}
	select {
	case t.ch <- struct{}{}:
	default:
	}
	return 0, nil
}

func TestSweeperTimeout(t *testing.T) {
	sweeper := &testSweeper{ch: make(chan struct{}, 1)}
	rt := NewLocal(runnerFunc(func(context.Context, *agent.AgentContext) (*message.Message, error) { return nil, nil }),
		WithSweepInterval(10*time.Millisecond),
		WithSweepTimeout(50*time.Millisecond),
	)
	rt.AddSweeper(sweeper)

	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		_ = rt.Stop(context.Background())
	}()

	select {
	case <-sweeper.ch:
	case <-time.After(time.Second):
		t.Fatalf("expected sweeper call")
	}
	if atomic.LoadInt64(&sweeper.deadline) == 0 {
		t.Fatalf("expected deadline to be set on sweep context")
	}
}

type countingFlusher struct {
	n    atomic.Int32
	conv atomic.Value
}

func (c *countingFlusher) Flush(_ context.Context, conversationID string) error {
	c.n.Add(1)
	c.conv.Store(conversationID)
	return nil
}

func TestFlushSweeper(t *testing.T) {
	f := &countingFlusher{}
	n, err := FlushSweeper{Memory: f}.Sweep(context.Background())
	if err != nil || n != 1 || f.n.Load() != 1 {
		t.Fatalf("sweep = %d, %v, flushes = %d", n, err, f.n.Load())
	}
	if conv := f.conv.Load(); conv != "" {
		t.Fatalf("sweeper must not name a conversation, got %v", conv)
	}
}
