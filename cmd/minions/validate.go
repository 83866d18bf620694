// Copyright 2026 © The Minions Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/jllopis/minions/pkg/agent"
	"github.com/jllopis/minions/pkg/config"
	"github.com/jllopis/minions/pkg/core"
	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/memory"
)

type validateResult struct {
	Config  checkResult   `json:"config"`
	Recipes []checkResult `json:"recipes"`
	Memory  []checkResult `json:"memory"`
	Overall string        `json:"overall"`
}

type checkResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "ok", "warn", "error", "skip"
	Message string `json:"message,omitempty"`
}

func runValidate(ctx context.Context, global globalFlags, cfg *config.Config, args []string, std stdio) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(std.err)
	probe := fs.Bool("probe", false, "Connect to every memory backend and report its health")
	timeout := fs.Duration("timeout", 10*time.Second, "Probe timeout")
	if err := fs.Parse(args); err != nil {
		return NewInvalidArgumentError("validate", err.Error())
	}

	// Loading already validated the configuration.
	result := validateResult{Config: checkResult{Name: "config", Status: "ok"}}
	for _, path := range fs.Args() {
		result.Recipes = append(result.Recipes, validateRecipe(path, cfg))
	}

	if *probe {
		pctx, cancel := context.WithTimeout(ctx, *timeout)
		result.Memory = probeMemory(pctx, cfg, std.err)
		cancel()
	}

	result.Overall = overall(result)
	if global.JSON {
		if err := printJSON(std.out, result); err != nil {
			return err
		}
	} else {
		printValidate(std.out, result)
	}
	if result.Overall == "error" {
		return minerr.New(minerr.CodeConfiguration, "validation failed", nil)
	}
	return nil
}

// validateRecipe parses the recipe and checks that its tiers are configured.
func validateRecipe(path string, cfg *config.Config) checkResult {
	r, err := agent.LoadRecipe(path)
	if err != nil {
		return checkResult{Name: path, Status: "error", Message: err.Error()}
	}
	configured := map[memory.Subsystem]bool{}
	for name := range cfg.Memory.Tiers {
		if sub, err := memory.ParseSubsystem(name); err == nil {
			configured[sub] = true
		}
	}
	tiers, _ := r.Tiers()
	history := memory.ShortTerm
	if r.HistoryTier != "" {
		history, _ = memory.ParseSubsystem(r.HistoryTier)
	}
	for _, sub := range append(tiers, history) {
		if !configured[sub] {
			return checkResult{Name: path, Status: "error", Message: fmt.Sprintf("memory tier %s is not configured", sub)}
		}
	}
	if len(r.RequiredTools) > 0 && len(cfg.MCP.Servers) == 0 {
		return checkResult{Name: path, Status: "warn", Message: "recipe requires tools but no MCP server is configured"}
	}
	return checkResult{Name: path, Status: "ok", Message: fmt.Sprintf("%d steps", len(r.Graph.Steps))}
}

func probeMemory(ctx context.Context, cfg *config.Config, logOut io.Writer) []checkResult {
	a, err := newApp(cfg, logOut)
	if err != nil {
		return []checkResult{{Name: "memory", Status: "error", Message: err.Error()}}
	}
	defer a.close(context.WithoutCancel(ctx))

	mgr, err := a.memory(ctx)
	if err != nil {
		return []checkResult{{Name: "memory", Status: "error", Message: err.Error()}}
	}
	results, _ := mgr.Health(ctx)
	out := make([]checkResult, 0, len(results))
	for _, r := range results {
		status := "ok"
		switch r.Status {
		case core.HealthDegraded:
			status = "warn"
		case core.HealthUnhealthy:
			status = "error"
		}
		out = append(out, checkResult{Name: r.Component, Status: status, Message: r.Message})
	}
	return out
}

func overall(r validateResult) string {
	status := "ok"
	for _, c := range append(append([]checkResult{r.Config}, r.Recipes...), r.Memory...) {
		switch c.Status {
		case "error":
			return "error"
		case "warn":
			status = "warn"
		}
	}
	return status
}

func printValidate(w io.Writer, r validateResult) {
	line := func(c checkResult) {
		text := fmt.Sprintf("[%s] %s", c.Status, c.Name)
		if c.Message != "" {
			text += ": " + c.Message
		}
		fmt.Fprintln(w, text)
	}
	line(r.Config)
	for _, c := range r.Recipes {
		line(c)
	}
	for _, c := range r.Memory {
		line(c)
	}
	fmt.Fprintf(w, "overall: %s\n", r.Overall)
}
