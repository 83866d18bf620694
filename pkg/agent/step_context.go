package agent

import (
	"context"
	"log/slog"

	"github.com/jllopis/minions/pkg/call"
	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/memory"
	"github.com/jllopis/minions/pkg/message"
	"github.com/jllopis/minions/pkg/step"
)

// StepContext is handed to a processor for one step execution.
type StepContext struct {
	Agent      *AgentContext
	Step       step.Step
	Execution  int
	ModelCalls []*call.ModelCall
	ToolCalls  []*call.ToolCall

	models        *call.ModelExecutor
	tools         *call.ToolExecutor
	prompts       *PromptChain
	input         InputProvider
	truncation    memory.TruncationStrategy
	context       *ContextChain
	maxModelCalls int
	logger        *slog.Logger
}

// RemainingModelCalls reports how many model calls the step may still make.
func (sc *StepContext) RemainingModelCalls() int {
	return max(sc.maxModelCalls-len(sc.ModelCalls), 0)
}

// SystemPrompt is the step system prompt, falling back to the recipe's.
func (sc *StepContext) SystemPrompt() string {
	if p := sc.Step.Common().SystemPrompt; p != "" {
		return p
	}
	return sc.Agent.recipe.SystemPrompt
}

// Successors lists the ids of the steps that may follow, used as model hints.
func (sc *StepContext) Successors() []string {
	next := sc.Agent.graph.Successors(sc.Step.StepID())
	ids := make([]string, len(next))
	for i, s := range next {
		ids[i] = s.StepID()
	}
	return ids
}

// Prompt resolves the user prompt of the step.
func (sc *StepContext) Prompt(ctx context.Context) (string, error) {
	return sc.prompts.Resolve(ctx, sc)
}

// History returns the conversation history, truncated by the orchestrator
// strategy.
func (sc *StepContext) History(ctx context.Context) ([]*message.Message, error) {
	return memory.History(ctx, sc.Agent.memory, sc.Agent.history, sc.Agent.id, sc.truncation)
}

// Remember stores msgs into the history tier.
func (sc *StepContext) Remember(ctx context.Context, msgs ...*message.Message) error {
	for _, m := range msgs {
		if m.ConversationID == "" {
			m.ConversationID = sc.Agent.id
		}
		m.Enrich(message.MetaStepID, sc.Step.StepID())
	}
	return sc.Agent.memory.Store(ctx, sc.Agent.history, msgs...)
}

// NewMessage builds a message of this conversation tagged with the step id.
func (sc *StepContext) NewMessage(role message.Role, scope message.Scope, content string) *message.Message {
	m := message.New(role, scope, content, message.WithConversation(sc.Agent.id))
	m.Enrich(message.MetaStepID, sc.Step.StepID())
	return m
}

// CallModel runs one model call and waits for it. Recipe model settings fill
// the blanks of req and, unless req carries context already, the context
// chain gathers it. The step's model call limit is enforced.
func (sc *StepContext) CallModel(ctx context.Context, req call.ModelRequest) (*call.ModelResponse, error) {
	if sc.RemainingModelCalls() == 0 {
		return nil, minerr.Newf(minerr.CodeIllegalState, "step %q reached its model call limit (%d)", sc.Step.StepID(), sc.maxModelCalls).
			WithContext("step_id", sc.Step.StepID())
	}
	r := sc.Agent.recipe
	if req.ConversationID == "" {
		req.ConversationID = sc.Agent.id
	}
	if req.Model == "" {
		req.Model = r.Model.Name
	}
	if req.Temperature == 0 {
		req.Temperature = r.Model.Temperature
	}
	if req.Memory == "" {
		req.Memory = sc.Agent.history
	}
	if req.Context == nil {
		gathered, err := sc.context.Gather(ctx, sc)
		if err != nil {
			return nil, err
		}
		req.Context = gathered
	}
	if len(r.Model.Options) > 0 {
		opts := make(map[string]any, len(r.Model.Options)+len(req.Options))
		for k, v := range r.Model.Options {
			opts[k] = v
		}
		for k, v := range req.Options {
			opts[k] = v
		}
		req.Options = opts
	}

	c := call.NewModelCall(req)
	sc.ModelCalls = append(sc.ModelCalls, c)
	defer sc.record(c.ID, call.KindModel, c.Status, c.Err)

	f, err := sc.models.Execute(ctx, c)
	if err != nil {
		return nil, err
	}
	return f.Await(ctx)
}

// CallTool runs one tool call and waits for it.
func (sc *StepContext) CallTool(ctx context.Context, name string, input map[string]any) (*call.ToolResponse, error) {
	return sc.callTool(ctx, "", name, input)
}

// callTool keeps the id the model assigned to a tool call so the stored tool
// message answers it.
func (sc *StepContext) callTool(ctx context.Context, id, name string, input map[string]any) (*call.ToolResponse, error) {
	c := call.NewToolCall(name, input)
	if id != "" {
		c.ID = id
	}
	c.ConversationID = sc.Agent.id
	c.Memory = sc.Agent.history
	sc.ToolCalls = append(sc.ToolCalls, c)
	defer sc.record(c.ID, call.KindTool, c.Status, c.Err)

	f, err := sc.tools.Execute(ctx, c)
	if err != nil {
		return nil, err
	}
	return f.Await(ctx)
}

func (sc *StepContext) record(id string, kind call.Kind, status func() call.Status, cause func() error) {
	sc.Agent.addCall(CallRecord{ID: id, Kind: kind, StepID: sc.Step.StepID(), Status: status(), Err: cause()})
}

func (sc *StepContext) result(output any, msg *message.Message) *StepResult {
	return &StepResult{
		StepID:     sc.Step.StepID(),
		Kind:       sc.Step.Kind(),
		Execution:  sc.Execution,
		Output:     output,
		Message:    msg,
		ModelCalls: len(sc.ModelCalls),
		ToolCalls:  len(sc.ToolCalls),
	}
}
