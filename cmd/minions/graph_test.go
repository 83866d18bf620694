package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	minerr "github.com/jllopis/minions/pkg/errors"
)

const graphRecipe = `
id: greeter
goal: greet the user
graph:
  steps:
    - id: ask
      type: ask_user
      question: What is your name?
    - id: greet
      type: model_call
      goal: say hello
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestRenderGraph(t *testing.T) {
	doc, err := loadDocument(writeTemp(t, "recipe.yaml", graphRecipe), "")
	if err != nil {
		t.Fatalf("loadDocument: %v", err)
	}
	if doc.ID != "greeter" {
		t.Fatalf("graph id = %q, want recipe id", doc.ID)
	}

	for format, want := range map[string]string{
		"mermaid": "flowchart TD",
		"dot":     "digraph steps",
		"json":    `"greet"`,
	} {
		res, err := renderGraph(doc, format)
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		if !strings.Contains(res.Content, want) {
			t.Fatalf("%s output missing %q:\n%s", format, want, res.Content)
		}
		if res.Steps != 2 || res.GraphID != "greeter" {
			t.Fatalf("%s: unexpected result %+v", format, res)
		}
	}

	if _, err := renderGraph(doc, "svg"); !minerr.HasCode(err, minerr.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLoadDocumentArguments(t *testing.T) {
	if _, err := loadDocument("", ""); !minerr.HasCode(err, minerr.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := loadDocument("a.yaml", "b.yaml"); !minerr.HasCode(err, minerr.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
