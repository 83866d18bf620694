// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/minions/pkg/call"
	"github.com/jllopis/minions/pkg/core"
	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/llm"
	"github.com/jllopis/minions/pkg/memory"
	"github.com/jllopis/minions/pkg/message"
	"github.com/jllopis/minions/pkg/resilience"
	"github.com/jllopis/minions/pkg/step"
	"github.com/jllopis/minions/pkg/telemetry"
)

// Orchestrator drives AgentContexts: one sequential loop per conversation.
// It is safe to run many conversations concurrently with one Orchestrator.
type Orchestrator struct {
	provider   llm.Provider
	pool       *call.Pool
	ownsPool   bool
	timeout    time.Duration
	breaker    *resilience.CircuitBreaker
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	emitter    core.EventEmitter
	audit      AuditStore
	input      InputProvider
	processors []Processor
	resolvers  []PromptResolver
	truncation memory.TruncationStrategy
	context    *ContextChain
	tracer     trace.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPool shares a call worker pool.
func WithPool(p *call.Pool) Option {
	return func(o *Orchestrator) { o.pool = p }
}

// WithTimeout sets the deadline of every model and tool call.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithBreaker guards model calls with a circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(o *Orchestrator) { o.breaker = cb }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithEmitter receives run and step events.
func WithEmitter(e core.EventEmitter) Option {
	return func(o *Orchestrator) { o.emitter = e }
}

// WithAudit records every step execution.
func WithAudit(s AuditStore) Option {
	return func(o *Orchestrator) { o.audit = s }
}

// WithInputProvider answers ask-user steps.
func WithInputProvider(p InputProvider) Option {
	return func(o *Orchestrator) { o.input = p }
}

// WithProcessors adds processors tried before the built-in ones.
func WithProcessors(ps ...Processor) Option {
	return func(o *Orchestrator) { o.processors = append(o.processors, ps...) }
}

// WithPromptResolvers replaces the prompt resolver chain.
func WithPromptResolvers(rs ...PromptResolver) Option {
	return func(o *Orchestrator) { o.resolvers = rs }
}

// WithHistoryStrategy sets how history is truncated before model calls. The
// default keeps the recipe's history window plus system messages.
func WithHistoryStrategy(s memory.TruncationStrategy) Option {
	return func(o *Orchestrator) { o.truncation = s }
}

// WithContextQueries replaces the queries run before each model call to
// gather entity facts and other memory. No queries disables gathering.
func WithContextQueries(qs ...ContextQuery) Option {
	return func(o *Orchestrator) { o.context = NewContextChain(qs...) }
}

// NewOrchestrator creates an orchestrator calling provider for model steps.
func NewOrchestrator(provider llm.Provider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider: provider,
		timeout:  call.DefaultTimeout,
		logger:   slog.Default(),
		emitter:  core.NoopEventEmitter{},
		context:  NewContextChain(DefaultContextQueries()...),
		tracer:   otel.Tracer("minions/agent"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.pool == nil {
		o.pool = call.NewPool(0)
		o.ownsPool = true
	}
	return o
}

// Close releases the worker pool when the orchestrator created it.
func (o *Orchestrator) Close() {
	if o.ownsPool {
		o.pool.Close()
	}
}

func (o *Orchestrator) callOptions(ac *AgentContext) []call.Option {
	return []call.Option{
		call.WithPool(o.pool),
		call.WithSink(ac.memory),
		call.WithMemory(ac.history),
		call.WithTimeout(o.timeout),
		call.WithMetrics(o.metrics),
		call.WithLogger(o.logger),
	}
}

// Run executes the recipe graph of ac until it is terminal and returns the
// final response message. Memory is snapshotted before the first step and
// restored when any step fails; the returned error then carries the failing
// step id and, when a call failed, the call id.
func (o *Orchestrator) Run(ctx context.Context, ac *AgentContext) (*message.Message, error) {
	if ac == nil {
		return nil, minerr.New(minerr.CodeValidation, "agent context is nil", nil)
	}
	if o.provider == nil {
		return nil, minerr.New(minerr.CodeConfiguration, "orchestrator has no model provider", nil)
	}
	ctx = core.WithConversationID(ctx, ac.id)
	ctx, runID := core.EnsureRunID(ctx)
	ctx, span := o.tracer.Start(ctx, "Agent.Run",
		trace.WithAttributes(telemetry.RunAttributes(ac.id, ac.recipe.ID, runID)...))
	defer span.End()

	log := o.logger.With(
		slog.String("conversation_id", ac.id),
		slog.String("run_id", runID),
	)
	started := time.Now()
	log.Info("agent.run.start", slog.String("recipe", ac.recipe.ID))
	o.emitter.Emit(ctx, core.NewEvent(core.EventRunStarted, ac.id, "", map[string]any{
		"run_id": runID,
		"recipe": ac.recipe.ID,
	}))

	truncation := o.truncation
	if truncation == nil {
		truncation = memory.NewWindowStrategy(ac.recipe.historyWindow(), true)
	}
	models := call.NewModelExecutor(o.provider, append(o.callOptions(ac), call.WithBreaker(o.breaker))...)
	tools := call.NewToolExecutor(ac.tools, o.callOptions(ac)...)
	if ac.decisions != nil {
		ac.decisions.bind(tools)
	}
	processors := NewProcessorChain(o.processors...)
	prompts := NewPromptChain(o.resolvers...)

	if ac.recipe.Goal != "" {
		goal := message.New(message.RoleGoal, message.ScopeAgent, ac.recipe.Goal, message.WithConversation(ac.id))
		if err := ac.memory.Store(ctx, ac.history, goal); err != nil {
			return nil, o.abort(ctx, span, log, ac, runID, err)
		}
	}
	if err := ac.memory.Snapshot(ctx, ac.id); err != nil {
		return nil, o.abort(ctx, span, log, ac, runID, err)
	}

	var final *message.Message
	executions := make(map[string]int)
	total := 0
	for current := ac.graph.Current(); current != nil; {
		id := current.StepID()
		if total >= ac.recipe.maxStepExecutions() {
			err := minerr.Newf(minerr.CodeIllegalState, "run exceeded %d step executions", ac.recipe.maxStepExecutions())
			return nil, o.fail(ctx, span, log, ac, runID, current, err)
		}
		if executions[id] > 0 && !ac.recipe.AllowRepeatedSteps {
			err := minerr.Newf(minerr.CodeIllegalState, "step %q was already executed and the recipe does not allow repeated steps", id)
			return nil, o.fail(ctx, span, log, ac, runID, current, err)
		}
		executions[id]++
		total++

		sc := &StepContext{
			Agent:         ac,
			Step:          current,
			Execution:     executions[id],
			models:        models,
			tools:         tools,
			prompts:       prompts,
			input:         o.input,
			truncation:    truncation,
			context:       o.context,
			maxModelCalls: ac.recipe.modelCallLimit(current),
			logger:        log,
		}
		res, err := o.executeStep(ctx, sc, processors, runID)
		if err != nil {
			return nil, o.fail(ctx, span, log, ac, runID, current, err)
		}
		ac.addResult(*res)
		if res.Message != nil {
			final = res.Message
		}

		next, err := ac.graph.NextStep(ctx, ac)
		if err != nil {
			return nil, o.fail(ctx, span, log, ac, runID, current, err)
		}
		if next != nil {
			span.AddEvent("step.transition", trace.WithAttributes(
				attribute.String(telemetry.AttrStepID, id),
				attribute.String(telemetry.AttrStepNext, next.StepID()),
			))
		}
		current = next
	}

	if err := ac.memory.Flush(ctx, ac.id); err != nil {
		return nil, o.abort(ctx, span, log, ac, runID, err)
	}
	if final == nil {
		final = message.New(message.RoleAssistant, message.ScopeAgent, call.OutputText(ac.Last()), message.WithConversation(ac.id))
	}

	span.SetStatus(codes.Ok, "")
	log.Info("agent.run.complete",
		slog.Int("steps", total),
		slog.Duration("duration", time.Since(started)),
	)
	o.emitter.Emit(ctx, core.NewEvent(core.EventRunCompleted, ac.id, "", map[string]any{
		"run_id": runID,
		"steps":  total,
		"result": final.Content,
	}))
	return final, nil
}

func (o *Orchestrator) executeStep(ctx context.Context, sc *StepContext, processors *ProcessorChain, runID string) (*StepResult, error) {
	s := sc.Step
	ctx, span := o.tracer.Start(ctx, "Step.Execute",
		trace.WithAttributes(telemetry.StepAttributes(s.StepID(), string(s.Kind()), sc.Execution)...))
	defer span.End()

	started := time.Now().UTC()
	sc.logger.Debug("agent.step.start",
		slog.String("step_id", s.StepID()),
		slog.String("step_kind", string(s.Kind())),
		slog.Int("execution", sc.Execution),
	)
	o.emitter.Emit(ctx, core.NewEvent(core.EventStepStarted, sc.Agent.id, s.StepID(), map[string]any{
		"kind":      string(s.Kind()),
		"execution": sc.Execution,
	}))

	res, err := processors.Process(ctx, sc)
	finished := time.Now().UTC()
	o.metrics.RecordStep(ctx, string(s.Kind()), err)

	ev := AuditEvent{
		ConversationID: sc.Agent.id,
		RunID:          runID,
		StepID:         s.StepID(),
		StepKind:       string(s.Kind()),
		Execution:      sc.Execution,
		Status:         AuditCompleted,
		StartedAt:      started,
		FinishedAt:     finished,
	}
	if err != nil {
		ev.Status = AuditFailed
		ev.Error = err.Error()
	} else {
		ev.Output = res.Output
	}
	o.recordAudit(ctx, sc.logger, ev)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.emitter.Emit(ctx, core.NewEvent(core.EventStepFailed, sc.Agent.id, s.StepID(), map[string]any{
			"kind":  string(s.Kind()),
			"error": err.Error(),
		}))
		return nil, err
	}

	res.StartedAt, res.FinishedAt = started, finished
	span.SetAttributes(telemetry.CallCountAttributes(res.ModelCalls, res.ToolCalls)...)
	sc.logger.Debug("agent.step.complete",
		slog.String("step_id", s.StepID()),
		slog.Int("model_calls", res.ModelCalls),
		slog.Int("tool_calls", res.ToolCalls),
	)
	o.emitter.Emit(ctx, core.NewEvent(core.EventStepCompleted, sc.Agent.id, s.StepID(), map[string]any{
		"kind":        string(s.Kind()),
		"model_calls": res.ModelCalls,
		"tool_calls":  res.ToolCalls,
	}))
	return res, nil
}

func (o *Orchestrator) recordAudit(ctx context.Context, log *slog.Logger, ev AuditEvent) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Record(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn("agent.audit.error",
			slog.String("step_id", ev.StepID),
			slog.String("error", err.Error()),
		)
	}
}

// fail restores the latest memory snapshot and returns err re-raised with
// the step and call that caused it.
func (o *Orchestrator) fail(ctx context.Context, span trace.Span, log *slog.Logger, ac *AgentContext, runID string, s step.Step, cause error) error {
	rctx := context.WithoutCancel(ctx)
	restoreErr := ac.memory.RestoreLatestSnapshot(rctx, ac.id)
	if restoreErr != nil {
		log.Error("agent.memory.restore_error", slog.String("error", restoreErr.Error()))
	} else {
		o.emitter.Emit(rctx, core.NewEvent(core.EventMemoryRestore, ac.id, s.StepID(), map[string]any{"run_id": runID}))
	}

	me := minerr.AsMinionError(cause)
	err := minerr.New(me.Code, fmt.Sprintf("step %q failed", s.StepID()), cause).
		WithContext("step_id", s.StepID()).
		WithContext("conversation_id", ac.id).
		WithRecoverable(me.Recoverable)
	if id := failedCallID(ac, s.StepID(), cause); id != "" {
		err.WithContext("call_id", id)
	}
	if restoreErr != nil {
		err.WithContext("restore_error", restoreErr.Error())
	}
	return o.finishFailed(rctx, span, log, ac, runID, err)
}

// abort reports a failure outside any step; nothing is restored.
func (o *Orchestrator) abort(ctx context.Context, span trace.Span, log *slog.Logger, ac *AgentContext, runID string, cause error) error {
	err := minerr.AsMinionError(cause)
	return o.finishFailed(context.WithoutCancel(ctx), span, log, ac, runID, err)
}

func (o *Orchestrator) finishFailed(ctx context.Context, span trace.Span, log *slog.Logger, ac *AgentContext, runID string, err *minerr.MinionError) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.metrics.RecordError(ctx, err, "orchestrator")
	attrs := []any{
		slog.String("error", err.Error()),
		slog.String("error_code", string(err.Code)),
	}
	if id, ok := err.Context["step_id"].(string); ok {
		attrs = append(attrs, slog.String("step_id", id))
	}
	if id, ok := err.Context["call_id"].(string); ok {
		attrs = append(attrs, slog.String("call_id", id))
	}
	log.Error("agent.run.error", attrs...)
	o.emitter.Emit(ctx, core.NewEvent(core.EventRunFailed, ac.id, stringValue(err.Context["step_id"]), map[string]any{
		"run_id": runID,
		"error":  err.Error(),
		"code":   string(err.Code),
	}))
	return err
}

// failedCallID finds the call behind cause: a call_id in the error chain, or
// else the last failed call of the step.
func failedCallID(ac *AgentContext, stepID string, cause error) string {
	for e := cause; e != nil; e = errors.Unwrap(e) {
		if me, ok := e.(*minerr.MinionError); ok {
			if id := stringValue(me.Context["call_id"]); id != "" {
				return id
			}
		}
	}
	calls := ac.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].StepID == stepID && calls[i].Status == call.StatusFailed {
			return calls[i].ID
		}
	}
	return ""
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}
