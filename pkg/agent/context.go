package agent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jllopis/minions/pkg/call"
	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/memory"
	"github.com/jllopis/minions/pkg/message"
	"github.com/jllopis/minions/pkg/step"
	"github.com/jllopis/minions/pkg/tool"
)

// StepResult is the outcome of one step execution.
type StepResult struct {
	StepID     string
	Kind       step.Kind
	Execution  int
	Output     any
	Message    *message.Message
	ModelCalls int
	ToolCalls  int
	StartedAt  time.Time
	FinishedAt time.Time
}

// CallRecord is an entry of the call history of a conversation.
type CallRecord struct {
	ID     string
	Kind   call.Kind
	StepID string
	Status call.Status
	Err    error
}

// AgentContext is the mutable state of one conversation. It is driven by a
// single orchestration loop; accessors are safe for concurrent readers.
type AgentContext struct {
	id      string
	recipe  *Recipe
	graph   *step.Graph
	memory  *memory.Manager
	tools   *tool.Registry
	history memory.Subsystem
	// decisions is set when the graph uses the default decision runner.
	decisions *boundRunner

	mu       sync.RWMutex
	metadata map[string]any
	scratch  map[string]any
	outputs  map[string]any
	last     any
	results  []StepResult
	calls    []CallRecord
	created  time.Time
	updated  time.Time
}

// ContextOption configures NewAgentContext.
type ContextOption func(*contextOptions)

type contextOptions struct {
	id       string
	metadata map[string]any
	strategy step.TransitionStrategy
	runner   step.ToolRunner
	graph    *step.Graph
}

// WithConversationID sets the conversation id; a random one is used otherwise.
func WithConversationID(id string) ContextOption {
	return func(o *contextOptions) { o.id = id }
}

// WithMetadata seeds the context metadata.
func WithMetadata(md map[string]any) ContextOption {
	return func(o *contextOptions) { o.metadata = md }
}

// WithStrategy replaces the transition strategy of the recipe graph.
func WithStrategy(s step.TransitionStrategy) ContextOption {
	return func(o *contextOptions) { o.strategy = s }
}

// WithDecisionRunner sets how decision tools are executed by the default
// strategy.
func WithDecisionRunner(r step.ToolRunner) ContextOption {
	return func(o *contextOptions) { o.runner = r }
}

// WithGraph uses g instead of building the recipe graph.
func WithGraph(g *step.Graph) ContextOption {
	return func(o *contextOptions) { o.graph = g }
}

// NewAgentContext validates recipe against the available memory tiers and
// tools, and builds its step graph.
func NewAgentContext(recipe *Recipe, mgr *memory.Manager, tools *tool.Registry, opts ...ContextOption) (*AgentContext, error) {
	if err := recipe.Validate(); err != nil {
		return nil, err
	}
	if mgr == nil {
		return nil, minerr.Newf(minerr.CodeMemoryUnavailable, "recipe %q requires a memory manager", recipe.ID)
	}
	tiers, _ := recipe.Tiers()
	history, _ := recipe.historyTier()
	for _, sub := range append(tiers, history) {
		if !mgr.Has(sub) {
			return nil, minerr.Newf(minerr.CodeConfiguration, "recipe %q needs memory tier %s which is not registered", recipe.ID, sub).
				WithContext("subsystem", string(sub))
		}
	}
	if tools == nil {
		tools = tool.NewRegistry()
	}
	var missing []string
	for _, name := range recipe.RequiredTools {
		if !tools.Has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, minerr.Newf(minerr.CodeNotFound, "recipe %q requires unregistered tools: %s", recipe.ID, strings.Join(missing, ", ")).
			WithContext("tools", missing)
	}

	o := contextOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	var decisions *boundRunner
	g := o.graph
	if g == nil {
		strategy := o.strategy
		if strategy == nil {
			runner := o.runner
			if runner == nil {
				decisions = &boundRunner{runner: call.NewToolExecutor(tools, call.WithSink(mgr), call.WithMemory(history))}
				runner = decisions
			}
			strategy = step.DefaultChain(runner)
		}
		var err error
		if g, err = recipe.Graph.Graph(strategy); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	ac := &AgentContext{
		id:        o.id,
		recipe:    recipe,
		graph:     g,
		memory:    mgr,
		tools:     tools,
		history:   history,
		decisions: decisions,
		metadata:  make(map[string]any, len(o.metadata)),
		scratch:   make(map[string]any),
		outputs:   make(map[string]any),
		created:   now,
		updated:   now,
	}
	for k, v := range o.metadata {
		ac.metadata[k] = v
	}
	return ac, nil
}

// ConversationID implements step.Env.
func (a *AgentContext) ConversationID() string { return a.id }

func (a *AgentContext) Recipe() *Recipe { return a.recipe }

func (a *AgentContext) Graph() *step.Graph { return a.graph }

func (a *AgentContext) Memory() *memory.Manager { return a.memory }

func (a *AgentContext) Tools() *tool.Registry { return a.tools }

// HistoryTier is the tier conversation history lives in.
func (a *AgentContext) HistoryTier() memory.Subsystem { return a.history }

// AvailableTools lists the registered tool names.
func (a *AgentContext) AvailableTools() []string { return a.tools.Names() }

// Lookup implements step.Env. Paths: "goal", "last", "conversation.id",
// "metadata.<k>...", "scratch.<k>...", "output.<stepID>...".
func (a *AgentContext) Lookup(path string) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	parts := strings.Split(path, ".")
	switch parts[0] {
	case "goal":
		return a.recipe.Goal, len(parts) == 1
	case "last":
		if len(parts) == 1 {
			return a.last, a.last != nil
		}
		return step.Resolve(a.last, parts[1:])
	case "conversation":
		return a.id, len(parts) == 2 && parts[1] == "id"
	case "metadata":
		return step.Resolve(a.metadata, parts[1:])
	case "scratch":
		return step.Resolve(a.scratch, parts[1:])
	case "output":
		return step.Resolve(a.outputs, parts[1:])
	}
	return nil, false
}

// SetMetadata sets a metadata entry.
func (a *AgentContext) SetMetadata(key string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metadata[key] = value
	a.touch()
}

// MetadataValue returns a metadata entry.
func (a *AgentContext) MetadataValue(key string) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.metadata[key]
	return v, ok
}

// SetScratch sets a scratch entry, visible to conditions as scratch.<key>.
func (a *AgentContext) SetScratch(key string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scratch[key] = value
	a.touch()
}

// Scratch returns a scratch entry.
func (a *AgentContext) Scratch(key string) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.scratch[key]
	return v, ok
}

// Output returns the output of the latest execution of a step.
func (a *AgentContext) Output(stepID string) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.outputs[stepID]
	return v, ok
}

// Last returns the latest step output.
func (a *AgentContext) Last() any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

// Results returns the accumulated step results in execution order.
func (a *AgentContext) Results() []StepResult {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]StepResult(nil), a.results...)
}

// Calls returns the call history.
func (a *AgentContext) Calls() []CallRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]CallRecord(nil), a.calls...)
}

func (a *AgentContext) CreatedAt() time.Time { return a.created }

func (a *AgentContext) UpdatedAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.updated
}

func (a *AgentContext) addResult(r StepResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results = append(a.results, r)
	a.outputs[r.StepID] = r.Output
	a.last = r.Output
	a.touch()
}

func (a *AgentContext) addCall(r CallRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, r)
	a.touch()
}

func (a *AgentContext) touch() { a.updated = time.Now().UTC() }

// boundRunner runs decision tools with the executor of the orchestrator
// driving the conversation, so they share its pool, timeout, metrics and
// logger. Before the first run it falls back to a standalone executor.
type boundRunner struct {
	mu     sync.RWMutex
	runner step.ToolRunner
}

func (b *boundRunner) bind(r step.ToolRunner) {
	b.mu.Lock()
	b.runner = r
	b.mu.Unlock()
}

func (b *boundRunner) Execute(ctx context.Context, c *call.ToolCall) (*call.Future[*call.ToolResponse], error) {
	b.mu.RLock()
	r := b.runner
	b.mu.RUnlock()
	return r.Execute(ctx, c)
}
