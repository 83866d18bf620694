package agent

import (
	"context"
	"strings"
	"text/template"

	minerr "github.com/jllopis/minions/pkg/errors"
)

// PromptResolver produces the user prompt of a step. It returns ok=false to
// defer to the next resolver.
type PromptResolver interface {
	ResolvePrompt(ctx context.Context, sc *StepContext) (prompt string, ok bool, err error)
}

// PromptResolverFunc adapts a function to PromptResolver.
type PromptResolverFunc func(ctx context.Context, sc *StepContext) (string, bool, error)

func (f PromptResolverFunc) ResolvePrompt(ctx context.Context, sc *StepContext) (string, bool, error) {
	return f(ctx, sc)
}

// PromptChain tries its resolvers in order.
type PromptChain struct {
	resolvers []PromptResolver
}

// NewPromptChain builds a chain; with no resolvers the default chain is
// TemplatePrompt, StepGoalPrompt and RecipeGoalPrompt.
func NewPromptChain(resolvers ...PromptResolver) *PromptChain {
	if len(resolvers) == 0 {
		resolvers = []PromptResolver{TemplatePrompt{}, StepGoalPrompt{}, RecipeGoalPrompt{}}
	}
	return &PromptChain{resolvers: resolvers}
}

// Resolve returns the first prompt produced, or a NotFound error.
func (c *PromptChain) Resolve(ctx context.Context, sc *StepContext) (string, error) {
	for _, r := range c.resolvers {
		p, ok, err := r.ResolvePrompt(ctx, sc)
		if err != nil {
			return "", err
		}
		if ok {
			return p, nil
		}
	}
	return "", minerr.Newf(minerr.CodeNotFound, "no prompt for step %q", sc.Step.StepID()).
		WithContext("step_id", sc.Step.StepID())
}

// PromptData is the data a prompt template is executed with.
type PromptData struct {
	Conversation string
	Goal         string
	StepID       string
	StepGoal     string
	Last         any
	Scratch      map[string]any
	Metadata     map[string]any
	Outputs      map[string]any
}

func promptData(sc *StepContext) PromptData {
	a := sc.Agent
	a.mu.RLock()
	defer a.mu.RUnlock()
	d := PromptData{
		Conversation: a.id,
		Goal:         a.recipe.Goal,
		StepID:       sc.Step.StepID(),
		StepGoal:     sc.Step.Common().Goal,
		Last:         a.last,
		Scratch:      make(map[string]any, len(a.scratch)),
		Metadata:     make(map[string]any, len(a.metadata)),
		Outputs:      make(map[string]any, len(a.outputs)),
	}
	for k, v := range a.scratch {
		d.Scratch[k] = v
	}
	for k, v := range a.metadata {
		d.Metadata[k] = v
	}
	for k, v := range a.outputs {
		d.Outputs[k] = v
	}
	return d
}

var templateFuncs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"join":  strings.Join,
}

// RenderTemplate executes text with the step's PromptData.
func RenderTemplate(name, text string, sc *StepContext) (string, error) {
	tmpl, err := template.New(name).Funcs(templateFuncs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", minerr.New(minerr.CodeConfiguration, "parse prompt template", err).WithContext("step_id", sc.Step.StepID())
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, promptData(sc)); err != nil {
		return "", minerr.New(minerr.CodeValidation, "render prompt template", err).WithContext("step_id", sc.Step.StepID())
	}
	return b.String(), nil
}

// TemplatePrompt renders the step's PromptTemplate.
type TemplatePrompt struct{}

func (TemplatePrompt) ResolvePrompt(_ context.Context, sc *StepContext) (string, bool, error) {
	text := sc.Step.Common().PromptTemplate
	if text == "" {
		return "", false, nil
	}
	p, err := RenderTemplate(sc.Step.StepID(), text, sc)
	return p, err == nil, err
}

// StepGoalPrompt uses the step goal verbatim.
type StepGoalPrompt struct{}

func (StepGoalPrompt) ResolvePrompt(_ context.Context, sc *StepContext) (string, bool, error) {
	g := sc.Step.Common().Goal
	return g, g != "", nil
}

// RecipeGoalPrompt falls back to the recipe goal.
type RecipeGoalPrompt struct{}

func (RecipeGoalPrompt) ResolvePrompt(_ context.Context, sc *StepContext) (string, bool, error) {
	g := sc.Agent.recipe.Goal
	return g, g != "", nil
}
