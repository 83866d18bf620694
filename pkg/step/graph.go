// SPDX-License-Identifier: Apache-2.0
package step

import (
	"context"
	"sync"

	minerr "github.com/jllopis/minions/pkg/errors"
)

// Definition is everything needed to build a Graph. Transitions maps a step
// id to its ordered successor ids.
type Definition struct {
	Start       Step
	Steps       []Step
	Transitions map[string][]string
	Strategy    TransitionStrategy
}

// Graph sequences steps. It is safe for concurrent reads; one orchestration
// loop is expected to drive NextStep.
type Graph struct {
	mu          sync.RWMutex
	steps       map[string]Step
	order       []string
	transitions map[string][]string
	// branchHeads holds the first then and else sub-steps of a branch. They
	// are offered ahead of the branch's explicit successors.
	branchHeads map[string][]string
	// joins maps the last sub-step of a branch arm to its branch, so the arm
	// rejoins the branch's explicit successors.
	joins    map[string]string
	start    Step
	current  Step
	strategy TransitionStrategy
}

// NewGraph builds a graph from def. A missing start defaults to the first
// step. A missing strategy defaults to FirstSuccessor.
func NewGraph(def Definition) (*Graph, error) {
	g := &Graph{
		steps:       make(map[string]Step),
		transitions: make(map[string][]string),
		branchHeads: make(map[string][]string),
		joins:       make(map[string]string),
		strategy:    def.Strategy,
	}
	if g.strategy == nil {
		g.strategy = FirstSuccessor{}
	}
	for _, s := range def.Steps {
		if err := g.AddStep(s); err != nil {
			return nil, err
		}
	}
	if def.Start != nil {
		if _, ok := g.steps[def.Start.StepID()]; !ok {
			if err := g.AddStep(def.Start); err != nil {
				return nil, err
			}
		}
		g.start = g.steps[def.Start.StepID()]
	} else if len(g.order) > 0 {
		g.start = g.steps[g.order[0]]
	}
	for _, from := range sortedKeys(def.Transitions) {
		for _, to := range def.Transitions[from] {
			if err := g.AddTransition(from, to); err != nil {
				return nil, err
			}
		}
	}
	g.current = g.start
	return g, nil
}

// AddStep registers s. Branch sub-steps are registered with it and chained
// in order.
func (g *Graph) AddStep(s Step) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addStep(s)
}

func (g *Graph) addStep(s Step) error {
	if s == nil {
		return minerr.New(minerr.CodeConfiguration, "step is nil", nil)
	}
	id := s.StepID()
	if id == "" {
		return minerr.Newf(minerr.CodeConfiguration, "%s step has no id", s.Kind())
	}
	if _, dup := g.steps[id]; dup {
		return minerr.Newf(minerr.CodeConfiguration, "duplicate step id %q", id).WithContext("step_id", id)
	}
	g.steps[id] = s
	g.order = append(g.order, id)
	if g.start == nil && g.current == nil && len(g.order) == 1 {
		g.start = s
		g.current = s
	}

	b, ok := asBranch(s)
	if !ok {
		return nil
	}
	for _, arm := range [][]Step{b.Then, b.Else} {
		if len(arm) == 0 {
			continue
		}
		for i, sub := range arm {
			if err := g.addStep(sub); err != nil {
				return err
			}
			if i > 0 {
				prev := arm[i-1].StepID()
				g.transitions[prev] = append(g.transitions[prev], sub.StepID())
			}
		}
		g.branchHeads[id] = append(g.branchHeads[id], arm[0].StepID())
		g.joins[arm[len(arm)-1].StepID()] = id
	}
	return nil
}

// AddTransition appends to as a successor of from.
func (g *Graph) AddTransition(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range []string{from, to} {
		if _, ok := g.steps[id]; !ok {
			return minerr.Newf(minerr.CodeConfiguration, "transition %s -> %s references unknown step %q", from, to, id).
				WithContext("step_id", id)
		}
	}
	g.transitions[from] = append(g.transitions[from], to)
	return nil
}

// Current returns the current step, nil once the graph is exhausted.
func (g *Graph) Current() Step {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current
}

// Start returns the start step.
func (g *Graph) Start() Step {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.start
}

// Step returns the step registered under id.
func (g *Graph) Step(id string) (Step, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.steps[id]
	return s, ok
}

// Steps returns all steps in registration order.
func (g *Graph) Steps() []Step {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Step, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.steps[id])
	}
	return out
}

// Successors returns the ordered candidates after id.
func (g *Graph) Successors(id string) []Step {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.successors(id)
}

func (g *Graph) successorIDs(id string) []string {
	var ids []string
	ids = append(ids, g.branchHeads[id]...)
	ids = append(ids, g.transitions[id]...)
	// Walk up nested branches: an arm tail rejoins its branch's successors.
	for b, ok := g.joins[id]; ok; b, ok = g.joins[b] {
		ids = append(ids, g.transitions[b]...)
	}
	return ids
}

func (g *Graph) successors(id string) []Step {
	ids := g.successorIDs(id)
	out := make([]Step, 0, len(ids))
	for _, sid := range ids {
		out = append(out, g.steps[sid])
	}
	return out
}

// NextStep asks the strategy to pick a successor of the current step, makes
// it current and returns it. nil means the graph is exhausted; once
// exhausted, NextStep keeps returning nil without consulting the strategy.
// On error the current step is unchanged.
func (g *Graph) NextStep(ctx context.Context, env Env) (Step, error) {
	g.mu.RLock()
	current := g.current
	var candidates []Step
	if current != nil {
		candidates = g.successors(current.StepID())
	}
	strategy := g.strategy
	g.mu.RUnlock()

	if current == nil {
		return nil, nil
	}
	next, err := strategy.SelectNext(ctx, Request{Current: current, Candidates: candidates, Env: env})
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if next != nil {
		registered, ok := g.steps[next.StepID()]
		if !ok {
			return nil, minerr.Newf(minerr.CodeNotFound, "strategy selected unknown step %q", next.StepID()).
				WithContext("step_id", current.StepID())
		}
		next = registered
	}
	g.current = next
	return next, nil
}

// Reset moves the current pointer back to the start step.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current = g.start
}

// Len returns the number of registered steps.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

func asBranch(s Step) (*BranchStep, bool) { return As[BranchStep](s) }

// As returns the variant payload of s whether it was stored as a value or a
// pointer.
func As[T any](s Step) (*T, bool) {
	switch v := any(s).(type) {
	case *T:
		return v, true
	case T:
		return &v, true
	}
	return nil, false
}
