// Copyright 2026 © The Minions Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/jllopis/minions/pkg/agent"
	"github.com/jllopis/minions/pkg/config"
	"github.com/jllopis/minions/pkg/step"
)

type graphResult struct {
	Format  string `json:"format"`
	Content string `json:"content"`
	GraphID string `json:"graph_id,omitempty"`
	Steps   int    `json:"steps"`
}

func runGraph(_ context.Context, global globalFlags, _ *config.Config, args []string, std stdio) error {
	fs := flag.NewFlagSet("graph", flag.ContinueOnError)
	fs.SetOutput(std.err)
	output := fs.String("output", "mermaid", "Output format: mermaid, dot, json")
	recipePath := fs.String("recipe", "", "Recipe whose graph is rendered")
	graphPath := fs.String("path", "", "Standalone graph YAML/JSON file")
	if err := fs.Parse(args); err != nil {
		return NewInvalidArgumentError("graph", err.Error())
	}

	doc, err := loadDocument(*recipePath, *graphPath)
	if err != nil {
		return err
	}
	result, err := renderGraph(doc, *output)
	if err != nil {
		return err
	}
	if global.JSON {
		return printJSON(std.out, result)
	}
	fmt.Fprintln(std.out, result.Content)
	return nil
}

func loadDocument(recipePath, graphPath string) (*step.Document, error) {
	switch {
	case recipePath != "" && graphPath != "":
		return nil, NewInvalidArgumentError("--recipe", "use either --recipe or --path")
	case recipePath != "":
		r, err := agent.LoadRecipe(recipePath)
		if err != nil {
			return nil, err
		}
		doc := r.Graph
		if doc.ID == "" {
			doc.ID = r.ID
		}
		return &doc, nil
	case graphPath != "":
		return step.Load(graphPath)
	}
	return nil, NewInvalidArgumentError("--path", "no graph specified; use --recipe <file> or --path <file>")
}

func renderGraph(doc *step.Document, format string) (graphResult, error) {
	g, err := doc.Graph(nil)
	if err != nil {
		return graphResult{}, err
	}
	result := graphResult{Format: format, GraphID: doc.ID, Steps: g.Len()}
	switch format {
	case "mermaid":
		result.Content = step.ToMermaid(g)
	case "dot":
		result.Content = step.ToDOT(g)
	case "json":
		raw, err := step.MarshalJSON(doc, true)
		if err != nil {
			return graphResult{}, err
		}
		result.Content = string(raw)
	default:
		return graphResult{}, NewInvalidArgumentError("--output", fmt.Sprintf("unknown output format %q; use mermaid, dot, or json", format))
	}
	return result, nil
}
