// Copyright 2026 © The Minions Authors
// SPDX-License-Identifier: Apache-2.0

// Package step defines workflow steps and the graph that sequences them.
//
// A Graph holds a current-step pointer that only moves through NextStep.
// Which successor is chosen is delegated to a TransitionStrategy; the
// DecisionChain strategy tries an ordered list of links and takes the first
// concrete answer.
package step

import "fmt"

// Kind names a step variant.
type Kind string

const (
	KindPlanner   Kind = "planner"
	KindAskUser   Kind = "ask_user"
	KindBranch    Kind = "branch"
	KindEvaluate  Kind = "evaluate"
	KindModelCall Kind = "model_call"
	KindSetEntity Kind = "set_entity"
	KindSummarize Kind = "summarize"
	KindToolCall  Kind = "tool_call"
)

// Kinds lists every step variant.
var Kinds = []Kind{KindPlanner, KindAskUser, KindBranch, KindEvaluate, KindModelCall, KindSetEntity, KindSummarize, KindToolCall}

// ParseKind validates a step type name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown step type %q", s)
}

// Step is one node of a workflow. The set of variants is closed; dispatch on
// the concrete type with a type switch.
type Step interface {
	StepID() string
	Kind() Kind
	// Common returns the fields shared by every variant.
	Common() Base
	sealed()
}

// DecisionTool marks a step whose successor is chosen by a tool. The tool's
// text answer is matched against candidate step ids.
type DecisionTool struct {
	ToolName string
	Input    map[string]any
}

// Base holds the fields shared by all variants.
type Base struct {
	ID             string
	Goal           string
	SystemPrompt   string
	PromptTemplate string
	DecisionTool   *DecisionTool
	// MaxModelCalls caps model calls while running the step. 0 uses the
	// runtime default.
	MaxModelCalls int
}

func (b Base) StepID() string { return b.ID }
func (b Base) Common() Base   { return b }
func (Base) sealed()          {}

// PlannerStep asks the model to make progress on the goal.
type PlannerStep struct {
	Base
	PlannerName string
	Constraints []string
}

func (PlannerStep) Kind() Kind { return KindPlanner }

// AskUserStep records a question for the user.
type AskUserStep struct {
	Base
	Question  string
	InputType string
	Optional  bool
}

func (AskUserStep) Kind() Kind { return KindAskUser }

// BranchStep routes to Then when its condition holds and to Else otherwise.
// Predicate, when set, takes precedence over Condition.
type BranchStep struct {
	Base
	Condition string
	Predicate func(Env) bool
	Then      []Step
	Else      []Step
}

func (BranchStep) Kind() Kind { return KindBranch }

// Evaluate reports which arm the branch takes in env.
func (s BranchStep) Evaluate(env Env) (bool, error) {
	if s.Predicate != nil {
		return s.Predicate(env), nil
	}
	return EvalCondition(s.Condition, env)
}

// EvaluateStep asks the model to judge the output of another step.
type EvaluateStep struct {
	Base
	Criteria     string
	TargetStepID string
}

func (EvaluateStep) Kind() Kind { return KindEvaluate }

// ModelCallStep performs a single model call.
type ModelCallStep struct {
	Base
}

func (ModelCallStep) Kind() Kind { return KindModelCall }

// SetEntityStep writes values into the entity tier.
type SetEntityStep struct {
	Base
	Entity string
	Values map[string]any
}

func (SetEntityStep) Kind() Kind { return KindSetEntity }

// SummarizeStep condenses recent history into one message.
type SummarizeStep struct {
	Base
	SourceLimit     int
	SummaryTemplate string
}

func (SummarizeStep) Kind() Kind { return KindSummarize }

// ToolCallStep invokes a registered tool.
type ToolCallStep struct {
	Base
	ToolName string
	Input    map[string]any
}

func (ToolCallStep) Kind() Kind { return KindToolCall }
