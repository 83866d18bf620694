package step

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	minerr "github.com/jllopis/minions/pkg/errors"
)

const researchYAML = `
id: research
start: plan
steps:
  - id: plan
    type: planner
    goal: Work out what to look up
    max_model_calls: 3
  - id: gate
    type: branch
    condition: scratch.needs_search==true
    then:
      - id: search
        type: tool_call
        tool: web_search
        input:
          q: minions
    else:
      - id: skip
        type: model_call
  - id: answer
    type: summarize
    source_limit: 10
edges:
  - from: plan
    to: gate
transitions:
  gate: [answer]
`

func TestParseYAMLBuildsGraph(t *testing.T) {
	doc, err := ParseYAML([]byte(researchYAML))
	if err != nil {
		t.Fatalf("ParseYAML: %v", err)
	}
	g, err := doc.Graph(DefaultChain(nil))
	if err != nil {
		t.Fatalf("Graph: %v", err)
	}
	if g.Len() != 5 {
		t.Fatalf("expected 5 steps, got %d", g.Len())
	}
	plan, ok := g.Current().(*PlannerStep)
	if !ok || plan.MaxModelCalls != 3 {
		t.Fatalf("unexpected start %#v", g.Current())
	}
	search, _ := g.Step("search")
	if ts, ok := search.(*ToolCallStep); !ok || ts.ToolName != "web_search" || ts.Input["q"] != "minions" {
		t.Fatalf("unexpected search step %#v", search)
	}

	env := StaticEnv{Values: map[string]any{"scratch": map[string]any{"needs_search": true}}}
	var path []string
	for s := g.Current(); s != nil; s, err = g.NextStep(context.Background(), env) {
		if err != nil {
			t.Fatalf("NextStep: %v", err)
		}
		path = append(path, s.StepID())
	}
	if strings.Join(path, ",") != "plan,gate,search,answer" {
		t.Fatalf("path = %v", path)
	}
}

func TestDocumentValidation(t *testing.T) {
	cases := map[string]string{
		"unknown type":     "steps: [{id: a, type: dance}]",
		"missing tool":     "steps: [{id: a, type: tool_call}]",
		"duplicate":        "steps: [{id: a, type: planner}, {id: a, type: planner}]",
		"bad transition":   "steps: [{id: a, type: planner}]\ntransitions: {a: [b]}",
		"bad start":        "start: z\nsteps: [{id: a, type: planner}]",
		"no steps":         "id: empty",
		"nested duplicate": "steps: [{id: a, type: branch, condition: 'true', then: [{id: a, type: planner}]}]",
	}
	for name, src := range cases {
		if _, err := ParseYAML([]byte(src)); minerr.CodeOf(err) != minerr.CodeConfiguration {
			t.Errorf("%s: expected configuration error, got %v", name, err)
		}
	}
}

func TestLoadJSONAndRender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	src := `{"steps":[{"id":"a","type":"planner"},{"id":"b","type":"model_call"}],"transitions":{"a":["b"]}}`
	if err := os.WriteFile(path, []byte(src), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g, err := doc.Graph(nil)
	if err != nil {
		t.Fatalf("Graph: %v", err)
	}

	mermaid := ToMermaid(g)
	if !strings.HasPrefix(mermaid, "flowchart TD") || !strings.Contains(mermaid, "a --> b") {
		t.Errorf("unexpected mermaid:\n%s", mermaid)
	}
	dot := ToDOT(g)
	if !strings.Contains(dot, `"a" -> "b";`) {
		t.Errorf("unexpected dot:\n%s", dot)
	}
}
