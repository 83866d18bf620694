// Copyright 2026 © The Minions Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent runs recipes: it builds the per-conversation AgentContext
// and drives its step graph through the Orchestrator loop.
package agent

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/memory"
	"github.com/jllopis/minions/pkg/step"
)

// Recipe defaults.
const (
	DefaultMaxStepExecutions    = 50
	DefaultMaxModelCallsPerStep = 10
	DefaultHistoryWindow        = 20
	DefaultContextLimit         = 10
)

// ModelConfig selects and tunes the chat model.
type ModelConfig struct {
	Provider    string         `yaml:"provider,omitempty"`
	Name        string         `yaml:"name,omitempty"`
	Temperature float64        `yaml:"temperature,omitempty"`
	Options     map[string]any `yaml:"options,omitempty"`
}

// Recipe is the immutable configuration of one agent run.
type Recipe struct {
	ID           string        `yaml:"id"`
	Name         string        `yaml:"name,omitempty"`
	Model        ModelConfig   `yaml:"model,omitempty"`
	SystemPrompt string        `yaml:"system_prompt,omitempty"`
	Goal         string        `yaml:"goal,omitempty"`
	Graph        step.Document `yaml:"graph"`

	RequiredTools []string `yaml:"required_tools,omitempty"`
	MemoryTiers   []string `yaml:"memory_tiers,omitempty"`
	// HistoryTier is where conversation history is read from and written to.
	HistoryTier   string `yaml:"history_tier,omitempty"`
	HistoryWindow int    `yaml:"history_window,omitempty"`
	// ContextLimit bounds each context query run before a model call.
	ContextLimit int `yaml:"context_limit,omitempty"`

	MaxStepExecutions    int  `yaml:"max_step_executions,omitempty"`
	AllowRepeatedSteps   bool `yaml:"allow_repeated_steps,omitempty"`
	MaxModelCallsPerStep int  `yaml:"max_model_calls_per_step,omitempty"`
}

// ParseRecipe decodes and validates a YAML recipe.
func ParseRecipe(data []byte) (*Recipe, error) {
	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, minerr.New(minerr.CodeConfiguration, "parse recipe", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// LoadRecipe reads a YAML recipe file.
func LoadRecipe(path string) (*Recipe, error) {
	if strings.TrimSpace(path) == "" {
		return nil, minerr.New(minerr.CodeConfiguration, "recipe path is required", nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, minerr.New(minerr.CodeConfiguration, "read recipe", err).WithContext("path", path)
	}
	r, err := ParseRecipe(data)
	if err != nil {
		if me, ok := err.(*minerr.MinionError); ok {
			me.WithContext("path", path)
		}
		return nil, err
	}
	return r, nil
}

// Validate checks the recipe and its graph.
func (r *Recipe) Validate() error {
	if r == nil {
		return minerr.New(minerr.CodeConfiguration, "recipe is nil", nil)
	}
	if r.ID == "" {
		return minerr.New(minerr.CodeConfiguration, "recipe id is required", nil)
	}
	if _, err := r.Tiers(); err != nil {
		return err
	}
	if _, err := r.historyTier(); err != nil {
		return err
	}
	for _, n := range []int{r.MaxStepExecutions, r.MaxModelCallsPerStep, r.HistoryWindow} {
		if n < 0 {
			return minerr.Newf(minerr.CodeConfiguration, "recipe %q: limits must not be negative", r.ID)
		}
	}
	if err := r.Graph.Validate(); err != nil {
		return minerr.New(minerr.CodeConfiguration, "recipe "+r.ID+": invalid graph", err)
	}
	return nil
}

// Tiers parses MemoryTiers.
func (r *Recipe) Tiers() ([]memory.Subsystem, error) {
	out := make([]memory.Subsystem, 0, len(r.MemoryTiers))
	for _, t := range r.MemoryTiers {
		sub, err := memory.ParseSubsystem(t)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

func (r *Recipe) historyTier() (memory.Subsystem, error) {
	if r.HistoryTier == "" {
		return memory.ShortTerm, nil
	}
	return memory.ParseSubsystem(r.HistoryTier)
}

func (r *Recipe) maxStepExecutions() int {
	if r.MaxStepExecutions > 0 {
		return r.MaxStepExecutions
	}
	return DefaultMaxStepExecutions
}

func (r *Recipe) historyWindow() int {
	if r.HistoryWindow > 0 {
		return r.HistoryWindow
	}
	return DefaultHistoryWindow
}

func (r *Recipe) contextLimit() int {
	if r.ContextLimit > 0 {
		return r.ContextLimit
	}
	return DefaultContextLimit
}

// modelCallLimit is the step override, then the recipe limit, then the default.
func (r *Recipe) modelCallLimit(s step.Step) int {
	if n := s.Common().MaxModelCalls; n > 0 {
		return n
	}
	if r.MaxModelCallsPerStep > 0 {
		return r.MaxModelCallsPerStep
	}
	return DefaultMaxModelCallsPerStep
}
