package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jllopis/minions/pkg/call"
	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/memory"
	"github.com/jllopis/minions/pkg/message"
	"github.com/jllopis/minions/pkg/step"
)

// Processor executes one kind of step.
type Processor interface {
	Accepts(s step.Step) bool
	Process(ctx context.Context, sc *StepContext) (*StepResult, error)
}

// ProcessorChain dispatches a step to the first processor accepting it.
type ProcessorChain struct {
	processors []Processor
}

// NewProcessorChain builds a chain. Custom processors are tried before the
// built-in ones, so they can override a step kind.
func NewProcessorChain(custom ...Processor) *ProcessorChain {
	ps := append([]Processor(nil), custom...)
	ps = append(ps,
		PlannerProcessor{},
		ModelCallProcessor{},
		ToolCallProcessor{},
		AskUserProcessor{},
		BranchProcessor{},
		EvaluateProcessor{},
		SetEntityProcessor{},
		SummarizeProcessor{},
	)
	return &ProcessorChain{processors: ps}
}

// Process runs sc.Step with the first accepting processor.
func (c *ProcessorChain) Process(ctx context.Context, sc *StepContext) (*StepResult, error) {
	for _, p := range c.processors {
		if p.Accepts(sc.Step) {
			return p.Process(ctx, sc)
		}
	}
	return nil, minerr.Newf(minerr.CodeNotFound, "no processor for step %q of kind %s", sc.Step.StepID(), sc.Step.Kind()).
		WithContext("step_id", sc.Step.StepID())
}

// InputProvider answers ask-user steps.
type InputProvider interface {
	Ask(ctx context.Context, conversationID, question, inputType string) (string, error)
}

// InputFunc adapts a function to InputProvider.
type InputFunc func(ctx context.Context, conversationID, question, inputType string) (string, error)

func (f InputFunc) Ask(ctx context.Context, conversationID, question, inputType string) (string, error) {
	return f(ctx, conversationID, question, inputType)
}

// promptMessage resolves and stores the user prompt of the step.
func promptMessage(ctx context.Context, sc *StepContext) (*message.Message, error) {
	p, err := sc.Prompt(ctx)
	if err != nil {
		return nil, err
	}
	m := sc.NewMessage(message.RoleUser, message.ScopeStep, p)
	if err := sc.Remember(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// PlannerProcessor lets the model work on the goal, running the tools it
// asks for until it answers without tool calls or the step's model call
// budget is spent.
type PlannerProcessor struct{}

func (PlannerProcessor) Accepts(s step.Step) bool { return s.Kind() == step.KindPlanner }

func (PlannerProcessor) Process(ctx context.Context, sc *StepContext) (*StepResult, error) {
	if _, err := promptMessage(ctx, sc); err != nil {
		return nil, err
	}
	system := sc.SystemPrompt()
	if ps, ok := step.As[step.PlannerStep](sc.Step); ok && len(ps.Constraints) > 0 {
		system = strings.TrimSpace(system + "\n\nConstraints:\n- " + strings.Join(ps.Constraints, "\n- "))
	}
	defs := sc.Agent.tools.Definitions()

	var last *call.ModelResponse
	for {
		history, err := sc.History(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := sc.CallModel(ctx, call.ModelRequest{
			System:  system,
			History: history,
			Hints:   sc.Successors(),
			Tools:   defs,
		})
		if err != nil {
			return nil, err
		}
		last = resp
		if len(resp.ToolCalls) == 0 {
			break
		}
		for _, tc := range resp.ToolCalls {
			input, err := decodeArguments(tc.Function.Arguments)
			if err != nil {
				return nil, err
			}
			if _, err := sc.callTool(ctx, tc.ID, tc.Function.Name, input); err != nil {
				return nil, err
			}
		}
		if sc.RemainingModelCalls() == 0 {
			sc.logger.Warn("agent.step.model_call_limit",
				slog.String("step_id", sc.Step.StepID()),
				slog.Int("model_calls", len(sc.ModelCalls)),
			)
			break
		}
	}
	return sc.result(last.Message.Content, last.Message), nil
}

func decodeArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var in map[string]any
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, minerr.New(minerr.CodeValidation, "decode tool call arguments", err)
	}
	return in, nil
}

// ModelCallProcessor makes a single model call with the step prompt.
type ModelCallProcessor struct{}

func (ModelCallProcessor) Accepts(s step.Step) bool { return s.Kind() == step.KindModelCall }

func (ModelCallProcessor) Process(ctx context.Context, sc *StepContext) (*StepResult, error) {
	if _, err := promptMessage(ctx, sc); err != nil {
		return nil, err
	}
	history, err := sc.History(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := sc.CallModel(ctx, call.ModelRequest{
		System:  sc.SystemPrompt(),
		History: history,
		Hints:   sc.Successors(),
	})
	if err != nil {
		return nil, err
	}
	return sc.result(resp.Message.Content, resp.Message), nil
}

// ToolCallProcessor invokes the step's tool. String inputs containing
// template actions are rendered first.
type ToolCallProcessor struct{}

func (ToolCallProcessor) Accepts(s step.Step) bool { return s.Kind() == step.KindToolCall }

func (ToolCallProcessor) Process(ctx context.Context, sc *StepContext) (*StepResult, error) {
	ts, ok := step.As[step.ToolCallStep](sc.Step)
	if !ok {
		return nil, unexpectedStep(sc.Step)
	}
	input, err := renderValues(sc, ts.Input)
	if err != nil {
		return nil, err
	}
	resp, err := sc.CallTool(ctx, ts.ToolName, input)
	if err != nil {
		return nil, err
	}
	return sc.result(resp.Output, resp.Message), nil
}

func renderValues(sc *StepContext, in map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for k, v := range in {
		s, ok := v.(string)
		if !ok || !strings.Contains(s, "{{") {
			out[k] = v
			continue
		}
		r, err := RenderTemplate(sc.Step.StepID()+"."+k, s, sc)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

// AskUserProcessor asks the configured InputProvider and records the answer
// as a user message.
type AskUserProcessor struct{}

func (AskUserProcessor) Accepts(s step.Step) bool { return s.Kind() == step.KindAskUser }

func (AskUserProcessor) Process(ctx context.Context, sc *StepContext) (*StepResult, error) {
	as, ok := step.As[step.AskUserStep](sc.Step)
	if !ok {
		return nil, unexpectedStep(sc.Step)
	}
	question := as.Question
	if question == "" {
		p, err := sc.Prompt(ctx)
		if err != nil {
			return nil, err
		}
		question = p
	}
	if err := sc.Remember(ctx, sc.NewMessage(message.RoleAssistant, message.ScopeStep, question)); err != nil {
		return nil, err
	}

	var answer string
	if sc.input != nil {
		a, err := sc.input.Ask(ctx, sc.Agent.id, question, as.InputType)
		if err != nil {
			return nil, minerr.New(minerr.CodeCallExecution, "ask user", err).WithContext("step_id", as.ID)
		}
		answer = strings.TrimSpace(a)
	}
	if answer == "" {
		if as.Optional {
			return sc.result(nil, nil), nil
		}
		return nil, minerr.Newf(minerr.CodeValidation, "step %q requires an answer from the user", as.ID).
			WithContext("step_id", as.ID)
	}
	m := sc.NewMessage(message.RoleUser, message.ScopeUser, answer)
	if err := sc.Remember(ctx, m); err != nil {
		return nil, err
	}
	sc.Agent.SetScratch(as.ID, answer)
	return sc.result(answer, m), nil
}

// BranchProcessor evaluates the branch condition; the output is the boolean
// the graph routes on.
type BranchProcessor struct{}

func (BranchProcessor) Accepts(s step.Step) bool { return s.Kind() == step.KindBranch }

func (BranchProcessor) Process(_ context.Context, sc *StepContext) (*StepResult, error) {
	bs, ok := step.As[step.BranchStep](sc.Step)
	if !ok {
		return nil, unexpectedStep(sc.Step)
	}
	v, err := bs.Evaluate(sc.Agent)
	if err != nil {
		return nil, minerr.New(minerr.CodeValidation, "evaluate branch condition", err).WithContext("step_id", bs.ID)
	}
	return sc.result(v, nil), nil
}

// Evaluation is the output of an evaluate step.
type Evaluation struct {
	Passed   bool
	Feedback string
}

// EvaluateProcessor asks the model to judge the output of a previous step
// against the step criteria. The verdict is exposed to conditions as
// scratch.<step id>.passed and scratch.<step id>.feedback.
type EvaluateProcessor struct{}

func (EvaluateProcessor) Accepts(s step.Step) bool { return s.Kind() == step.KindEvaluate }

func (EvaluateProcessor) Process(ctx context.Context, sc *StepContext) (*StepResult, error) {
	es, ok := step.As[step.EvaluateStep](sc.Step)
	if !ok {
		return nil, unexpectedStep(sc.Step)
	}
	target := sc.Agent.Last()
	if es.TargetStepID != "" {
		v, ok := sc.Agent.Output(es.TargetStepID)
		if !ok {
			return nil, minerr.Newf(minerr.CodeNotFound, "step %q has no output to evaluate", es.TargetStepID).
				WithContext("step_id", es.ID)
		}
		target = v
	}

	var b strings.Builder
	if es.Goal != "" {
		b.WriteString(es.Goal + "\n\n")
	}
	fmt.Fprintf(&b, "Criteria: %s\n\nOutput:\n%s\n\n", es.Criteria, call.OutputText(target))
	b.WriteString("Answer PASS or FAIL on the first line, followed by your feedback.")
	m := sc.NewMessage(message.RoleUser, message.ScopeStep, b.String())
	if err := sc.Remember(ctx, m); err != nil {
		return nil, err
	}
	resp, err := sc.CallModel(ctx, call.ModelRequest{System: sc.SystemPrompt(), Messages: []*message.Message{m}})
	if err != nil {
		return nil, err
	}
	ev := ParseEvaluation(resp.Message.Content)
	sc.Agent.SetScratch(es.ID, map[string]any{"passed": ev.Passed, "feedback": ev.Feedback})
	return sc.result(ev, resp.Message), nil
}

// ParseEvaluation reads a PASS/FAIL verdict. Anything not starting with PASS
// fails.
func ParseEvaluation(s string) Evaluation {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)
	ev := Evaluation{Passed: strings.HasPrefix(upper, "PASS")}
	for _, verdict := range []string{"PASS", "FAIL"} {
		if strings.HasPrefix(upper, verdict) {
			s = s[len(verdict):]
			break
		}
	}
	ev.Feedback = strings.TrimSpace(strings.TrimLeft(s, ":-. \t\n"))
	return ev
}

// SetEntityProcessor stores the step values as an entity fact, in the entity
// tier when registered and in the history tier otherwise.
type SetEntityProcessor struct{}

func (SetEntityProcessor) Accepts(s step.Step) bool { return s.Kind() == step.KindSetEntity }

func (SetEntityProcessor) Process(ctx context.Context, sc *StepContext) (*StepResult, error) {
	es, ok := step.As[step.SetEntityStep](sc.Step)
	if !ok {
		return nil, unexpectedStep(sc.Step)
	}
	values, err := renderValues(sc, es.Values)
	if err != nil {
		return nil, err
	}
	content, err := json.Marshal(values)
	if err != nil {
		return nil, minerr.New(minerr.CodeValidation, "encode entity values", err).WithContext("step_id", es.ID)
	}
	m := sc.NewMessage(message.RoleSystem, message.ScopeAgent, string(content))
	m.Enrich("entity", es.Entity)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.Enrich("entity."+k, values[k])
	}

	tier := sc.Agent.history
	if sc.Agent.memory.Has(memory.Entity) {
		tier = memory.Entity
	}
	if err := sc.Agent.memory.Store(ctx, tier, m); err != nil {
		return nil, err
	}
	sc.Agent.SetScratch(es.Entity, values)
	return sc.result(values, m), nil
}

// DefaultSummaryInstruction is used when a summarize step has no template.
const DefaultSummaryInstruction = "Summarize the conversation above concisely, keeping facts, decisions and open questions."

// SummarizeProcessor condenses the recent user and assistant turns with one
// model call.
type SummarizeProcessor struct{}

func (SummarizeProcessor) Accepts(s step.Step) bool { return s.Kind() == step.KindSummarize }

func (SummarizeProcessor) Process(ctx context.Context, sc *StepContext) (*StepResult, error) {
	ss, ok := step.As[step.SummarizeStep](sc.Step)
	if !ok {
		return nil, unexpectedStep(sc.Step)
	}
	limit := ss.SourceLimit
	if limit <= 0 {
		limit = sc.Agent.recipe.historyWindow()
	}
	all, err := memory.History(ctx, sc.Agent.memory, sc.Agent.history, sc.Agent.id, nil)
	if err != nil {
		return nil, err
	}
	var turns []*message.Message
	for _, m := range all {
		if m.Role == message.RoleUser || m.Role == message.RoleAssistant {
			turns = append(turns, m)
		}
	}
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	if len(turns) == 0 {
		return sc.result("", nil), nil
	}

	instruction := DefaultSummaryInstruction
	if ss.SummaryTemplate != "" {
		if instruction, err = RenderTemplate(ss.ID, ss.SummaryTemplate, sc); err != nil {
			return nil, err
		}
	}
	resp, err := sc.CallModel(ctx, call.ModelRequest{
		System:   sc.SystemPrompt(),
		History:  turns,
		Messages: []*message.Message{sc.NewMessage(message.RoleUser, message.ScopeStep, instruction)},
	})
	if err != nil {
		return nil, err
	}
	sc.Agent.SetScratch(ss.ID, resp.Message.Content)
	return sc.result(resp.Message.Content, resp.Message), nil
}

func unexpectedStep(s step.Step) error {
	return minerr.Newf(minerr.CodeInternal, "unexpected step type %T for kind %s", s, s.Kind()).
		WithContext("step_id", s.StepID())
}
