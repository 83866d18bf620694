package step

import (
	"context"
	"sort"
)

// Env is the view of the running agent that transition logic may read.
type Env interface {
	ConversationID() string
	// Lookup resolves a dotted path such as "last", "metadata.region",
	// "scratch.done" or "output.<stepID>.status".
	Lookup(path string) (any, bool)
}

// Request is the input to a transition decision.
type Request struct {
	Current    Step
	Candidates []Step
	Env        Env
}

// CandidateIDs returns the ids of the candidates in order.
func (r Request) CandidateIDs() []string {
	ids := make([]string, len(r.Candidates))
	for i, c := range r.Candidates {
		ids[i] = c.StepID()
	}
	return ids
}

// TransitionStrategy picks the next step among the candidates. A nil step
// ends the graph.
type TransitionStrategy interface {
	SelectNext(ctx context.Context, req Request) (Step, error)
}

// StrategyFunc adapts a function to TransitionStrategy.
type StrategyFunc func(ctx context.Context, req Request) (Step, error)

func (f StrategyFunc) SelectNext(ctx context.Context, req Request) (Step, error) {
	return f(ctx, req)
}

// FirstSuccessor always takes the first candidate.
type FirstSuccessor struct{}

func (FirstSuccessor) SelectNext(_ context.Context, req Request) (Step, error) {
	if len(req.Candidates) == 0 {
		return nil, nil
	}
	return req.Candidates[0], nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
