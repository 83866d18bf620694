// SPDX-License-Identifier: Apache-2.0
package call

import (
	"context"
	"runtime"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/minions/pkg/core"
	minerr "github.com/jllopis/minions/pkg/errors"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = minerr.New(minerr.CodeIllegalState, "call pool is closed", nil)

// Pool runs call work on a bounded set of background goroutines.
//
// Submitted work never runs on the caller's goroutine. The worker context is
// detached from the caller: identity, run id, conversation id and the active
// span are captured at submission and attached explicitly, and cancellation
// of the caller context is forwarded.
//
// A task that waits on a nested call through Future.Await hands its slot
// back for the duration of the wait, so a tool may run a model call on the
// same pool even when the pool has a single slot. A task blocked on anything
// else keeps its slot.
type Pool struct {
	slots chan struct{}
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a pool running at most size tasks at once. size <= 0 uses
// the number of CPUs.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{slots: make(chan struct{}, size)}
}

// Size returns the concurrency bound.
func (p *Pool) Size() int { return cap(p.slots) }

// Submit schedules task. It returns immediately; the task waits for a free
// slot in its own goroutine.
func (p *Pool) Submit(ctx context.Context, task func(ctx context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	captured := core.Capture(ctx)
	span := trace.SpanFromContext(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		wctx := trace.ContextWithSpan(captured.Attach(context.Background()), span)
		wctx, cancel := context.WithCancel(wctx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()

		select {
		case p.slots <- struct{}{}:
		case <-wctx.Done():
			task(wctx)
			return
		}
		s := &slot{pool: p, held: true}
		defer s.release()
		task(context.WithValue(wctx, slotKey{}, s))
	}()
	return nil
}

type slotKey struct{}

// slot is the pool slot held by one running task.
type slot struct {
	pool *Pool
	mu   sync.Mutex
	held bool
}

func (s *slot) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		s.held = false
		<-s.pool.slots
	}
}

// reacquire waits for a free slot. When ctx ends first the task finishes
// without one.
func (s *slot) reacquire(ctx context.Context) {
	select {
	case s.pool.slots <- struct{}{}:
		s.mu.Lock()
		s.held = true
		s.mu.Unlock()
	case <-ctx.Done():
	}
}

// yieldSlot gives back the pool slot held by the task running ctx, if any,
// and returns the function that takes it again.
func yieldSlot(ctx context.Context) func() {
	s, _ := ctx.Value(slotKey{}).(*slot)
	if s == nil {
		return func() {}
	}
	s.mu.Lock()
	held := s.held
	s.mu.Unlock()
	if !held {
		return func() {}
	}
	s.release()
	return func() { s.reacquire(ctx) }
}

// Close rejects new work and waits for submitted tasks to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
