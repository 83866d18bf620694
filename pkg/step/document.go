package step

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	minerr "github.com/jllopis/minions/pkg/errors"
)

// Document is the serialized form of a step graph.
type Document struct {
	ID    string `json:"id,omitempty" yaml:"id,omitempty"`
	Start string `json:"start,omitempty" yaml:"start,omitempty"`

	// Strategy is "chain" (default) or "first".
	Strategy    string              `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Steps       []StepDoc           `json:"steps" yaml:"steps"`
	Transitions map[string][]string `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	Edges       []Edge              `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// Edge is a single transition, an alternative to the Transitions map.
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// DecisionToolDoc is the serialized DecisionTool.
type DecisionToolDoc struct {
	Tool  string         `json:"tool" yaml:"tool"`
	Input map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
}

// StepDoc is the serialized form of any step variant.
type StepDoc struct {
	ID             string           `json:"id" yaml:"id"`
	Type           string           `json:"type" yaml:"type"`
	Goal           string           `json:"goal,omitempty" yaml:"goal,omitempty"`
	SystemPrompt   string           `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	PromptTemplate string           `json:"prompt_template,omitempty" yaml:"prompt_template,omitempty"`
	MaxModelCalls  int              `json:"max_model_calls,omitempty" yaml:"max_model_calls,omitempty"`
	DecisionTool   *DecisionToolDoc `json:"decision_tool,omitempty" yaml:"decision_tool,omitempty"`

	Planner     string   `json:"planner,omitempty" yaml:"planner,omitempty"`
	Constraints []string `json:"constraints,omitempty" yaml:"constraints,omitempty"`

	Question  string `json:"question,omitempty" yaml:"question,omitempty"`
	InputType string `json:"input_type,omitempty" yaml:"input_type,omitempty"`
	Optional  bool   `json:"optional,omitempty" yaml:"optional,omitempty"`

	Condition string    `json:"condition,omitempty" yaml:"condition,omitempty"`
	Then      []StepDoc `json:"then,omitempty" yaml:"then,omitempty"`
	Else      []StepDoc `json:"else,omitempty" yaml:"else,omitempty"`

	Criteria string `json:"criteria,omitempty" yaml:"criteria,omitempty"`
	Target   string `json:"target,omitempty" yaml:"target,omitempty"`

	Entity string         `json:"entity,omitempty" yaml:"entity,omitempty"`
	Values map[string]any `json:"values,omitempty" yaml:"values,omitempty"`

	SourceLimit     int    `json:"source_limit,omitempty" yaml:"source_limit,omitempty"`
	SummaryTemplate string `json:"summary_template,omitempty" yaml:"summary_template,omitempty"`

	Tool  string         `json:"tool,omitempty" yaml:"tool,omitempty"`
	Input map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
}

// ParseJSON decodes and validates a JSON document.
func ParseJSON(data []byte) (*Document, error) {
	if len(data) == 0 {
		return nil, minerr.New(minerr.CodeConfiguration, "empty JSON graph document", nil)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, minerr.New(minerr.CodeConfiguration, "parse json graph", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ParseYAML decodes and validates a YAML document.
func ParseYAML(data []byte) (*Document, error) {
	if len(data) == 0 {
		return nil, minerr.New(minerr.CodeConfiguration, "empty YAML graph document", nil)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, minerr.New(minerr.CodeConfiguration, "parse yaml graph", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Load reads a document from a .json, .yaml or .yml file. Other extensions
// are sniffed.
func Load(path string) (*Document, error) {
	if strings.TrimSpace(path) == "" {
		return nil, minerr.New(minerr.CodeConfiguration, "graph path is required", nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, minerr.New(minerr.CodeConfiguration, "read graph document", err).WithContext("path", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	}
	if strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		return ParseJSON(data)
	}
	return ParseYAML(data)
}

// MarshalJSON encodes doc. Use pretty for indented output.
func MarshalJSON(doc *Document, pretty bool) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("graph document is nil")
	}
	if pretty {
		return json.MarshalIndent(doc, "", "  ")
	}
	return json.Marshal(doc)
}

// Validate checks step types, ids and references.
func (d *Document) Validate() error {
	if d == nil {
		return minerr.New(minerr.CodeConfiguration, "graph document is nil", nil)
	}
	if len(d.Steps) == 0 {
		return minerr.New(minerr.CodeConfiguration, "graph has no steps", nil)
	}
	switch d.Strategy {
	case "", "chain", "first":
	default:
		return minerr.Newf(minerr.CodeConfiguration, "unknown transition strategy %q", d.Strategy)
	}

	seen := make(map[string]bool)
	var walk func([]StepDoc) error
	walk = func(docs []StepDoc) error {
		for _, s := range docs {
			if err := s.validate(); err != nil {
				return err
			}
			if seen[s.ID] {
				return minerr.Newf(minerr.CodeConfiguration, "duplicate step id %q", s.ID)
			}
			seen[s.ID] = true
			if err := walk(s.Then); err != nil {
				return err
			}
			if err := walk(s.Else); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(d.Steps); err != nil {
		return err
	}

	if d.Start != "" && !seen[d.Start] {
		return minerr.Newf(minerr.CodeConfiguration, "start step %q not found", d.Start)
	}
	check := func(from, to string) error {
		if from == "" || to == "" {
			return minerr.New(minerr.CodeConfiguration, "transition must include from and to", nil)
		}
		if !seen[from] {
			return minerr.Newf(minerr.CodeConfiguration, "transition from unknown step %q", from)
		}
		if !seen[to] {
			return minerr.Newf(minerr.CodeConfiguration, "transition to unknown step %q", to)
		}
		return nil
	}
	for from, tos := range d.Transitions {
		for _, to := range tos {
			if err := check(from, to); err != nil {
				return err
			}
		}
	}
	for _, e := range d.Edges {
		if err := check(e.From, e.To); err != nil {
			return err
		}
	}
	return nil
}

func (s StepDoc) validate() error {
	if s.ID == "" {
		return minerr.New(minerr.CodeConfiguration, "step id is required", nil)
	}
	kind, err := ParseKind(s.Type)
	if err != nil {
		return minerr.New(minerr.CodeConfiguration, fmt.Sprintf("step %q", s.ID), err)
	}
	missing := func(field string) error {
		return minerr.Newf(minerr.CodeConfiguration, "%s step %q requires %s", kind, s.ID, field)
	}
	switch kind {
	case KindToolCall:
		if s.Tool == "" {
			return missing("tool")
		}
	case KindAskUser:
		if s.Question == "" {
			return missing("question")
		}
	case KindSetEntity:
		if s.Entity == "" {
			return missing("entity")
		}
	case KindBranch:
		if s.Condition == "" {
			return missing("condition")
		}
	}
	if s.DecisionTool != nil && s.DecisionTool.Tool == "" {
		return missing("decision_tool.tool")
	}
	if kind != KindBranch && (len(s.Then) > 0 || len(s.Else) > 0) {
		return minerr.Newf(minerr.CodeConfiguration, "step %q: only branch steps have then/else", s.ID)
	}
	return nil
}

// Build converts the document into a Definition. strategy is used unless
// the document asks for "first"; a nil strategy leaves the graph default.
func (d *Document) Build(strategy TransitionStrategy) (Definition, error) {
	if err := d.Validate(); err != nil {
		return Definition{}, err
	}
	def := Definition{Transitions: make(map[string][]string)}
	for _, sd := range d.Steps {
		def.Steps = append(def.Steps, sd.Build())
	}
	for from, tos := range d.Transitions {
		def.Transitions[from] = append(def.Transitions[from], tos...)
	}
	for _, e := range d.Edges {
		def.Transitions[e.From] = append(def.Transitions[e.From], e.To)
	}
	if d.Start != "" {
		for _, s := range def.Steps {
			if s.StepID() == d.Start {
				def.Start = s
			}
		}
		if def.Start == nil {
			// Start names a branch sub-step.
			def.Start = findNested(def.Steps, d.Start)
		}
	}
	if d.Strategy == "first" {
		def.Strategy = FirstSuccessor{}
	} else {
		def.Strategy = strategy
	}
	return def, nil
}

// Graph builds the document into a ready graph.
func (d *Document) Graph(strategy TransitionStrategy) (*Graph, error) {
	def, err := d.Build(strategy)
	if err != nil {
		return nil, err
	}
	return NewGraph(def)
}

func findNested(steps []Step, id string) Step {
	for _, s := range steps {
		if s.StepID() == id {
			return s
		}
		if b, ok := asBranch(s); ok {
			if f := findNested(b.Then, id); f != nil {
				return f
			}
			if f := findNested(b.Else, id); f != nil {
				return f
			}
		}
	}
	return nil
}

// Build converts one serialized step into its variant.
func (s StepDoc) Build() Step {
	base := Base{
		ID:             s.ID,
		Goal:           s.Goal,
		SystemPrompt:   s.SystemPrompt,
		PromptTemplate: s.PromptTemplate,
		MaxModelCalls:  s.MaxModelCalls,
	}
	if s.DecisionTool != nil {
		base.DecisionTool = &DecisionTool{ToolName: s.DecisionTool.Tool, Input: s.DecisionTool.Input}
	}
	switch Kind(s.Type) {
	case KindAskUser:
		return &AskUserStep{Base: base, Question: s.Question, InputType: s.InputType, Optional: s.Optional}
	case KindBranch:
		b := &BranchStep{Base: base, Condition: s.Condition}
		for _, t := range s.Then {
			b.Then = append(b.Then, t.Build())
		}
		for _, e := range s.Else {
			b.Else = append(b.Else, e.Build())
		}
		return b
	case KindEvaluate:
		return &EvaluateStep{Base: base, Criteria: s.Criteria, TargetStepID: s.Target}
	case KindModelCall:
		return &ModelCallStep{Base: base}
	case KindSetEntity:
		return &SetEntityStep{Base: base, Entity: s.Entity, Values: s.Values}
	case KindSummarize:
		return &SummarizeStep{Base: base, SourceLimit: s.SourceLimit, SummaryTemplate: s.SummaryTemplate}
	case KindToolCall:
		return &ToolCallStep{Base: base, ToolName: s.Tool, Input: s.Input}
	default:
		return &PlannerStep{Base: base, PlannerName: s.Planner, Constraints: s.Constraints}
	}
}
