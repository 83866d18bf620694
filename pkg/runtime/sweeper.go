package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Sweeper performs periodic background maintenance and reports how many
// items it processed.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// SweepFunc adapts a function to Sweeper.
type SweepFunc func(ctx context.Context) (int, error)

func (f SweepFunc) Sweep(ctx context.Context) (int, error) { return f(ctx) }

// Flusher is satisfied by *memory.Manager.
type Flusher interface {
	Flush(ctx context.Context, conversationID string) error
}

// FlushSweeper flushes the buffered writes of a memory manager on every
// sweep. It names no conversation, so conversation-scoped flush handlers
// such as promotion do not run.
type FlushSweeper struct {
	Memory Flusher
}

func (s FlushSweeper) Sweep(ctx context.Context) (int, error) {
	if err := s.Memory.Flush(ctx, ""); err != nil {
		return 0, err
	}
	return 1, nil
}

// AddSweeper registers a sweeper. Call before Start.
func (r *LocalRuntime) AddSweeper(s Sweeper) {
	if s == nil {
		return
	}
	r.sweepers = append(r.sweepers, s)
}

func (r *LocalRuntime) startSweeper() {
	if r.sweepInterval <= 0 || len(r.sweepers) == 0 {
		r.logger.Debug("runtime.sweeper.disabled",
			slog.Duration("interval", r.sweepInterval),
			slog.Int("sweepers", len(r.sweepers)),
		)
		return
	}
	if r.sweepCancel != nil {
		r.stopSweeper()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.sweepCancel = cancel
	r.sweepDone = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		r.logger.Info("runtime.sweeper.start",
			slog.Duration("interval", r.sweepInterval),
			slog.Int("sweepers", len(r.sweepers)),
		)
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("runtime.sweeper.stop")
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

func (r *LocalRuntime) sweep(ctx context.Context) {
	sweepCtx := ctx
	if r.sweepTimeout > 0 {
		var cancel context.CancelFunc
		sweepCtx, cancel = context.WithTimeout(ctx, r.sweepTimeout)
		defer cancel()
	}
	sweepCtx, span := r.tracer.Start(sweepCtx, "runtime.sweep",
		trace.WithAttributes(attribute.Int("sweepers", len(r.sweepers))))
	defer span.End()

	for _, s := range r.sweepers {
		name := fmt.Sprintf("%T", s)
		start := time.Now()
		n, err := s.Sweep(sweepCtx)
		if err != nil {
			span.RecordError(err)
			r.logger.Warn("runtime.sweep.error",
				slog.String("sweeper", name),
				slog.Duration("duration", time.Since(start)),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.logger.Debug("runtime.sweep",
			slog.String("sweeper", name),
			slog.Int("processed", n),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

func (r *LocalRuntime) stopSweeper() {
	if r.sweepCancel == nil {
		return
	}
	r.sweepCancel()
	if r.sweepDone != nil {
		<-r.sweepDone
	}
	r.sweepCancel = nil
	r.sweepDone = nil
}
