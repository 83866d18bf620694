// Package runtime runs agent conversations in-process, one orchestration
// loop per conversation and many conversations at once.
package runtime

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jllopis/minions/pkg/agent"
	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/message"
)

// Runner drives one conversation to completion. *agent.Orchestrator
// implements it.
type Runner interface {
	Run(ctx context.Context, ac *agent.AgentContext) (*message.Message, error)
}

// Runtime defines the lifecycle for executing conversations.
type Runtime interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Run(ctx context.Context, ac *agent.AgentContext) (*message.Message, error)
	RunAll(ctx context.Context, contexts []*agent.AgentContext) []Result
}

// Result is the outcome of one conversation run by RunAll.
type Result struct {
	ConversationID string
	Message        *message.Message
	Err            error
}

// Option configures a LocalRuntime.
type Option func(*LocalRuntime)

// WithMaxConcurrent bounds how many conversations RunAll drives at once.
// 0 means unbounded.
func WithMaxConcurrent(n int) Option {
	return func(r *LocalRuntime) { r.maxConcurrent = n }
}

// WithSweepInterval sets how often registered sweepers run. 0 disables them.
func WithSweepInterval(d time.Duration) Option {
	return func(r *LocalRuntime) { r.sweepInterval = d }
}

// WithSweepTimeout bounds a single sweep.
func WithSweepTimeout(d time.Duration) Option {
	return func(r *LocalRuntime) { r.sweepTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *LocalRuntime) { r.logger = l }
}

// LocalRuntime is a simple in-process runtime.
type LocalRuntime struct {
	runner        Runner
	started       bool
	maxConcurrent int
	logger        *slog.Logger
	tracer        trace.Tracer

	sweepers      []Sweeper
	sweepInterval time.Duration
	sweepTimeout  time.Duration
	sweepCancel   context.CancelFunc
	sweepDone     chan struct{}
}

// NewLocal creates a new LocalRuntime running conversations with runner.
func NewLocal(runner Runner, opts ...Option) *LocalRuntime {
	r := &LocalRuntime{
		runner: runner,
		logger: slog.Default(),
		tracer: otel.Tracer("minions/runtime"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start marks the runtime as ready and starts the sweepers.
func (r *LocalRuntime) Start(_ context.Context) error {
	if r.runner == nil {
		return minerr.New(minerr.CodeConfiguration, "runtime has no runner", nil)
	}
	r.started = true
	r.startSweeper()
	return nil
}

// Stop stops the sweepers and marks the runtime as stopped.
func (r *LocalRuntime) Stop(_ context.Context) error {
	r.stopSweeper()
	r.started = false
	return nil
}

// Run drives ac to completion.
func (r *LocalRuntime) Run(ctx context.Context, ac *agent.AgentContext) (*message.Message, error) {
	if !r.started {
		return nil, minerr.New(minerr.CodeIllegalState, "runtime not started", nil)
	}
	if ac == nil {
		return nil, minerr.New(minerr.CodeValidation, "agent context is nil", nil)
	}
	ctx, span := r.tracer.Start(ctx, "Runtime.Run", trace.WithAttributes(
		attribute.String("minions.conversation.id", ac.ConversationID()),
		attribute.String("minions.recipe.id", ac.Recipe().ID),
	))
	defer span.End()
	traceID, spanID := traceIDs(span)

	log := r.logger
	log.Info("runtime.run.start",
		slog.String("conversation_id", ac.ConversationID()),
		slog.String("recipe", ac.Recipe().ID),
	)
	start := time.Now()
	msg, err := r.runner.Run(ctx, ac)
	if err != nil {
		log.Error("runtime.run.error",
			slog.String("conversation_id", ac.ConversationID()),
			slog.String("trace_id", traceID),
			slog.String("span_id", spanID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	log.Info("runtime.run.complete",
		slog.String("conversation_id", ac.ConversationID()),
		slog.String("trace_id", traceID),
		slog.String("span_id", spanID),
		slog.Duration("duration", time.Since(start)),
	)
	return msg, nil
}

// RunAll drives every context concurrently. A failing conversation never
// cancels the others; each outcome is reported in its Result, in input
// order.
func (r *LocalRuntime) RunAll(ctx context.Context, contexts []*agent.AgentContext) []Result {
	results := make([]Result, len(contexts))
	var g errgroup.Group
	if r.maxConcurrent > 0 {
		g.SetLimit(r.maxConcurrent)
	}
	for i, ac := range contexts {
		if ac != nil {
			results[i].ConversationID = ac.ConversationID()
		}
		g.Go(func() error {
			results[i].Message, results[i].Err = r.Run(ctx, ac)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func traceIDs(span trace.Span) (string, string) {
	sc := span.SpanContext()
	return sc.TraceID().String(), sc.SpanID().String()
}
