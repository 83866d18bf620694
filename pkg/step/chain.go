// SPDX-License-Identifier: Apache-2.0
package step

import (
	"context"
	"strings"

	"github.com/jllopis/minions/pkg/call"
	minerr "github.com/jllopis/minions/pkg/errors"
)

// Link is one element of a DecisionChain. It returns a step to settle the
// decision or nil to defer to the next link. A link may narrow
// req.Candidates for the links after it.
type Link interface {
	Select(ctx context.Context, req *Request) (Step, error)
}

// LinkFunc adapts a function to Link.
type LinkFunc func(ctx context.Context, req *Request) (Step, error)

func (f LinkFunc) Select(ctx context.Context, req *Request) (Step, error) { return f(ctx, req) }

// DecisionChain is a TransitionStrategy trying its links in order. The first
// non-nil step wins; when every link defers the graph is complete.
type DecisionChain struct {
	links []Link
}

// NewDecisionChain builds a chain of links.
func NewDecisionChain(links ...Link) *DecisionChain {
	return &DecisionChain{links: links}
}

// NewDefaultDecisionChain returns the standard chain: SingleSuccessor,
// DecisionToolLink and DefaultPolicy.
func NewDefaultDecisionChain(tools ToolRunner) *DecisionChain {
	return NewDecisionChain(SingleSuccessor{}, DecisionToolLink{Tools: tools}, DefaultPolicy{})
}

// DefaultChain is NewDefaultDecisionChain preceded by BranchLink, so branch
// steps route on their condition.
func DefaultChain(tools ToolRunner) *DecisionChain {
	return NewDecisionChain(BranchLink{}, SingleSuccessor{}, DecisionToolLink{Tools: tools}, DefaultPolicy{})
}

// Links returns a copy of the chain's links.
func (c *DecisionChain) Links() []Link {
	return append([]Link(nil), c.links...)
}

func (c *DecisionChain) SelectNext(ctx context.Context, req Request) (Step, error) {
	r := req
	for _, l := range c.links {
		next, err := l.Select(ctx, &r)
		if err != nil {
			return nil, err
		}
		if next != nil {
			return next, nil
		}
	}
	return nil, nil
}

// SingleSuccessor settles the decision when exactly one candidate exists.
type SingleSuccessor struct{}

func (SingleSuccessor) Select(_ context.Context, req *Request) (Step, error) {
	if len(req.Candidates) == 1 {
		return req.Candidates[0], nil
	}
	return nil, nil
}

// DefaultPolicy takes the first candidate, or ends the graph when none is left.
type DefaultPolicy struct{}

func (DefaultPolicy) Select(_ context.Context, req *Request) (Step, error) {
	if len(req.Candidates) == 0 {
		return nil, nil
	}
	return req.Candidates[0], nil
}

// ToolRunner executes tool calls. *call.ToolExecutor is a ToolRunner.
type ToolRunner interface {
	Execute(ctx context.Context, c *call.ToolCall) (*call.Future[*call.ToolResponse], error)
}

// Input keys added to a decision tool call.
const (
	DecisionInputCandidates = "candidates"
	DecisionInputCurrent    = "current_step"
)

// DecisionToolLink runs the current step's decision tool and takes the
// candidate whose id equals the trimmed answer. An answer matching no
// candidate defers; a failed tool call aborts the decision.
type DecisionToolLink struct {
	Tools ToolRunner
}

func (l DecisionToolLink) Select(ctx context.Context, req *Request) (Step, error) {
	dt := req.Current.Common().DecisionTool
	if dt == nil || len(req.Candidates) == 0 {
		return nil, nil
	}
	if l.Tools == nil {
		return nil, minerr.Newf(minerr.CodeConfiguration, "step %q has a decision tool but no tool runner is configured", req.Current.StepID())
	}

	input := make(map[string]any, len(dt.Input)+2)
	for k, v := range dt.Input {
		input[k] = v
	}
	input[DecisionInputCandidates] = req.CandidateIDs()
	input[DecisionInputCurrent] = req.Current.StepID()

	c := call.NewToolCall(dt.ToolName, input)
	if req.Env != nil {
		c.ConversationID = req.Env.ConversationID()
	}
	f, err := l.Tools.Execute(ctx, c)
	if err != nil {
		return nil, err
	}
	resp, err := f.Await(ctx)
	if err != nil {
		return nil, err
	}

	answer := strings.TrimSpace(resp.Text)
	for _, cand := range req.Candidates {
		if cand.StepID() == answer {
			return cand, nil
		}
	}
	return nil, nil
}

// BranchLink routes branch steps. A true condition takes the first then
// sub-step, a false one the first else sub-step. An empty arm narrows the
// candidates to the branch's explicit successors and defers. Other steps
// defer untouched.
type BranchLink struct{}

func (BranchLink) Select(_ context.Context, req *Request) (Step, error) {
	b, ok := asBranch(req.Current)
	if !ok {
		return nil, nil
	}
	taken, err := b.Evaluate(req.Env)
	if err != nil {
		return nil, minerr.New(minerr.CodeValidation, "branch condition failed", err).
			WithContext("step_id", b.ID)
	}

	arm := b.Else
	if taken {
		arm = b.Then
	}
	if len(arm) > 0 {
		return find(req.Candidates, arm[0].StepID()), nil
	}

	heads := make(map[string]bool, 2)
	for _, a := range [][]Step{b.Then, b.Else} {
		if len(a) > 0 {
			heads[a[0].StepID()] = true
		}
	}
	var rest []Step
	for _, c := range req.Candidates {
		if !heads[c.StepID()] {
			rest = append(rest, c)
		}
	}
	req.Candidates = rest
	return nil, nil
}

func find(steps []Step, id string) Step {
	for _, s := range steps {
		if s.StepID() == id {
			return s
		}
	}
	return nil
}
