// SPDX-License-Identifier: Apache-2.0
package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	minerr "github.com/jllopis/minions/pkg/errors"
)

const meterName = "minions"

// Metrics holds the runtime instruments. A nil *Metrics records nothing.
type Metrics struct {
	calls        metric.Int64Counter
	callDuration metric.Float64Histogram
	steps        metric.Int64Counter
	memoryOps    metric.Int64Counter
	errors       metric.Int64Counter
	breakerState metric.Int64Gauge
}

// NewMetrics creates the instruments on mp, or on the global provider when
// mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	var (
		m    Metrics
		err  error
		errs []error
	)
	m.calls, err = meter.Int64Counter("minions.calls.total",
		metric.WithDescription("Model and tool calls by kind and final status"))
	errs = append(errs, err)
	m.callDuration, err = meter.Float64Histogram("minions.calls.duration",
		metric.WithDescription("Call duration by kind"), metric.WithUnit("ms"))
	errs = append(errs, err)
	m.steps, err = meter.Int64Counter("minions.steps.total",
		metric.WithDescription("Step executions by kind and outcome"))
	errs = append(errs, err)
	m.memoryOps, err = meter.Int64Counter("minions.memory.operations",
		metric.WithDescription("Memory manager operations by kind and outcome"))
	errs = append(errs, err)
	m.errors, err = meter.Int64Counter("minions.errors.total",
		metric.WithDescription("Errors by code and component"))
	errs = append(errs, err)
	m.breakerState, err = meter.Int64Gauge("minions.circuitbreaker.state",
		metric.WithDescription("Circuit breaker state (0=open, 1=half-open, 2=closed)"))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordCall counts a finished call and its duration.
func (m *Metrics) RecordCall(ctx context.Context, kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrCallKind, kind),
		attribute.String(AttrCallStatus, status),
	))
	m.callDuration.Record(ctx, float64(d)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String(AttrCallKind, kind)))
}

// RecordStep counts a step execution.
func (m *Metrics) RecordStep(ctx context.Context, kind string, err error) {
	if m == nil {
		return
	}
	m.steps.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrStepKind, kind),
		attribute.String("outcome", outcome(err)),
	))
}

// RecordMemoryOp counts a memory manager operation.
func (m *Metrics) RecordMemoryOp(ctx context.Context, op string, err error) {
	if m == nil {
		return
	}
	m.memoryOps.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrMemoryOperation, op),
		attribute.String("outcome", outcome(err)),
	))
}

// RecordError counts err under its error code.
func (m *Metrics) RecordError(ctx context.Context, err error, component string) {
	if m == nil || err == nil {
		return
	}
	recoverable := "false"
	var me *minerr.MinionError
	if errors.As(err, &me) {
		recoverable = me.RecoverableString()
	}
	m.errors.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrErrorCode, string(minerr.CodeOf(err))),
		attribute.String("component", component),
		attribute.String("recoverable", recoverable),
	))
}

// RecordBreakerState records a circuit breaker transition.
func (m *Metrics) RecordBreakerState(ctx context.Context, name, state string) {
	if m == nil {
		return
	}
	m.breakerState.Record(ctx, BreakerStateValue(state),
		metric.WithAttributes(attribute.String("breaker", name)))
}

// BreakerStateValue maps breaker states to gauge values.
func BreakerStateValue(state string) int64 {
	switch state {
	case "open":
		return 0
	case "half-open":
		return 1
	default:
		return 2
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
