// SPDX-License-Identifier: Apache-2.0
package call

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/memory"
	"github.com/jllopis/minions/pkg/message"
	"github.com/jllopis/minions/pkg/resilience"
	"github.com/jllopis/minions/pkg/telemetry"
)

// DefaultTimeout bounds a call when no timeout is configured.
const DefaultTimeout = 60 * time.Second

// Sink receives the messages produced by calls. *memory.Manager is a Sink.
type Sink interface {
	Store(ctx context.Context, sub memory.Subsystem, msgs ...*message.Message) error
}

// Option configures an executor.
type Option func(*options)

type options struct {
	pool    *Pool
	sink    Sink
	memory  memory.Subsystem
	timeout time.Duration
	breaker *resilience.CircuitBreaker
	metrics *telemetry.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

// WithPool sets the worker pool. Executors sharing a pool share its bound.
func WithPool(p *Pool) Option {
	return func(o *options) { o.pool = p }
}

// WithSink sets where produced messages are stored.
func WithSink(s Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithMemory sets the default tier produced messages are stored into.
func WithMemory(sub memory.Subsystem) Option {
	return func(o *options) { o.memory = sub }
}

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithBreaker guards the collaborator with a circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(o *options) { o.breaker = cb }
}

// WithMetrics records call counters and durations.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func newOptions(opts []Option) options {
	o := options{
		memory:  memory.ShortTerm,
		timeout: DefaultTimeout,
		tracer:  otel.Tracer("minions/call"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.pool == nil {
		o.pool = NewPool(0)
	}
	o.logger = telemetry.Component(o.logger, "call")
	return o
}

// guarded runs fn through the breaker when one is configured.
func guarded[T any](ctx context.Context, cb *resilience.CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	if cb == nil {
		return fn(ctx)
	}
	return resilience.Execute(ctx, cb, fn)
}

// failure wraps the cause of a failed call. Timeouts keep their code.
func failure(kind Kind, id string, cause error) *minerr.MinionError {
	var err *minerr.MinionError
	if minerr.CodeOf(cause) == minerr.CodeTimeout {
		err = minerr.New(minerr.CodeTimeout, fmt.Sprintf("%s call timed out", kind), cause).WithRecoverable(true)
	} else {
		err = minerr.New(minerr.CodeCallExecution, fmt.Sprintf("%s call failed", kind), cause).
			WithRecoverable(minerr.AsMinionError(cause).Recoverable)
	}
	return err.WithContext("call_id", id).WithAttribute("call.kind", string(kind))
}

// fail moves the call to FAILED, stores an ERROR message describing the
// failure and returns the wrapped error.
func (o *options) fail(ctx context.Context, span trace.Span, lc *lifecycle, kind Kind, id, conversationID string, sub memory.Subsystem, started time.Time, cause error) error {
	err := failure(kind, id, cause)
	if terr := lc.transition(id, kind, StatusFailed, err); terr != nil {
		o.logger.ErrorContext(ctx, "call transition failed", "call_id", id, "error", terr)
	}

	scope := message.ScopeModel
	if kind == KindTool {
		scope = message.ScopeTool
	}
	msg := message.FromError(err, scope, message.WithConversation(conversationID))
	msg.Enrich(message.MetaCallID, id)
	msg.Enrich(message.MetaCallKind, string(kind))
	if o.sink != nil {
		// The error record must survive the cancellation that may have caused it.
		if serr := o.sink.Store(context.WithoutCancel(ctx), sub, msg); serr != nil {
			o.logger.WarnContext(ctx, "failed to store call error message", "call_id", id, "error", serr)
		}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.metrics.RecordCall(ctx, string(kind), string(StatusFailed), time.Since(started))
	o.metrics.RecordError(ctx, err, "call")
	o.logger.WarnContext(ctx, "call failed",
		"call_id", id,
		"kind", kind,
		"error_code", err.Code,
		"error", cause,
	)
	return err
}

func (o *options) succeed(ctx context.Context, span trace.Span, kind Kind, id string, started time.Time) {
	span.SetStatus(codes.Ok, "")
	o.metrics.RecordCall(ctx, string(kind), string(StatusCompleted), time.Since(started))
	o.logger.DebugContext(ctx, "call completed", "call_id", id, "kind", kind, "duration", time.Since(started))
}

func (o *options) target(sub memory.Subsystem) memory.Subsystem {
	if sub != "" {
		return sub
	}
	return o.memory
}
