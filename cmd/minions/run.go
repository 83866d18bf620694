// Copyright 2026 © The Minions Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jllopis/minions/pkg/agent"
	"github.com/jllopis/minions/pkg/config"
	"github.com/jllopis/minions/pkg/core"
	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/guardrails"
	"github.com/jllopis/minions/pkg/runtime"
	"github.com/jllopis/minions/pkg/tool"
)

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

type runResult struct {
	ConversationID string         `json:"conversation_id"`
	Content        string         `json:"content,omitempty"`
	Steps          []string       `json:"steps,omitempty"`
	Error          map[string]any `json:"error,omitempty"`
}

func runRun(ctx context.Context, global globalFlags, cfg *config.Config, args []string, std stdio) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(std.err)
	recipePath := fs.String("recipe", "", "Recipe YAML file")
	goal := fs.String("goal", "", "Override the recipe goal")
	user := fs.String("user", "", "User id")
	tenant := fs.String("tenant", "", "Tenant id")
	env := fs.String("environment", "", "Environment id")
	var conversations, meta multiFlag
	fs.Var(&conversations, "conversation", "Conversation id, repeatable to run several conversations concurrently")
	fs.Var(&meta, "meta", "Conversation metadata key=value, repeatable")
	if err := fs.Parse(args); err != nil {
		return NewInvalidArgumentError("run", err.Error())
	}
	if *recipePath == "" {
		return NewInvalidArgumentError("--recipe", "a recipe file is required")
	}
	recipe, err := agent.LoadRecipe(*recipePath)
	if err != nil {
		return err
	}
	if *goal != "" {
		recipe.Goal = *goal
	}
	applyModelDefaults(recipe, cfg.LLM)

	metadata, err := parseMeta(meta)
	if err != nil {
		return err
	}
	if len(conversations) == 0 {
		conversations = multiFlag{""}
	}

	a, err := newApp(cfg, std.err)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	ctx = core.WithIdentity(ctx, core.Identity{UserID: *user, TenantID: *tenant, EnvironmentID: *env})

	guard, err := a.guardrails()
	if err != nil {
		return err
	}
	if *goal != "" {
		if recipe.Goal, err = guard.Guard(ctx, recipe.Goal); err != nil {
			return err
		}
	}

	mgr, err := a.memory(ctx)
	if err != nil {
		return err
	}
	reg := tool.NewRegistry()
	if err := a.tools(ctx, reg); err != nil {
		return err
	}
	rt, err := a.runtime(ctx, mgr, guardrails.Input(newStdinInput(std.in, std.out), guard))
	if err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		return err
	}
	defer rt.Stop(context.WithoutCancel(ctx))

	contexts := make([]*agent.AgentContext, 0, len(conversations))
	for _, id := range conversations {
		opts := []agent.ContextOption{agent.WithMetadata(copyMeta(metadata))}
		if id != "" {
			opts = append(opts, agent.WithConversationID(id))
		}
		ac, err := agent.NewAgentContext(recipe, mgr, reg, opts...)
		if err != nil {
			return err
		}
		contexts = append(contexts, ac)
	}

	results := rt.RunAll(ctx, contexts)
	return printRunResults(std.out, global.JSON, contexts, results)
}

// applyModelDefaults fills the recipe model from the configuration.
func applyModelDefaults(r *agent.Recipe, llmCfg config.LLMConfig) {
	if r.Model.Name == "" {
		r.Model.Name = llmCfg.Model
	}
	if r.Model.Temperature == 0 {
		r.Model.Temperature = llmCfg.Temperature
	}
}

func parseMeta(pairs []string) (map[string]any, error) {
	md := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, NewInvalidArgumentError("--meta", fmt.Sprintf("%q is not key=value", p))
		}
		md[k] = v
	}
	return md, nil
}

func copyMeta(md map[string]any) map[string]any {
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

func printRunResults(w io.Writer, asJSON bool, contexts []*agent.AgentContext, results []runtime.Result) error {
	out := make([]runResult, len(results))
	var failed []error
	for i, res := range results {
		rr := runResult{ConversationID: res.ConversationID}
		for _, sr := range contexts[i].Results() {
			rr.Steps = append(rr.Steps, sr.StepID)
		}
		if res.Message != nil {
			rr.Content = res.Message.Content
		}
		if res.Err != nil {
			failed = append(failed, res.Err)
			me := minerr.AsMinionError(res.Err)
			rr.Error = map[string]any{"code": me.Code, "message": res.Err.Error()}
		}
		out[i] = rr
	}

	if asJSON {
		if err := printJSON(w, out); err != nil {
			return err
		}
	} else {
		for _, rr := range out {
			if len(out) > 1 {
				fmt.Fprintf(w, "== %s\n", rr.ConversationID)
			}
			if rr.Error != nil {
				fmt.Fprintf(w, "failed after steps %s\n", strings.Join(rr.Steps, " -> "))
				continue
			}
			fmt.Fprintln(w, rr.Content)
		}
	}
	if len(failed) == 1 {
		return failed[0]
	}
	if len(failed) > 1 {
		return minerr.Newf(minerr.CodeCallExecution, "%d of %d conversations failed", len(failed), len(results))
	}
	return nil
}

// stdinInput answers ask_user steps from a line-oriented reader. Concurrent
// conversations take turns.
type stdinInput struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newStdinInput(in io.Reader, out io.Writer) *stdinInput {
	return &stdinInput{in: bufio.NewReader(in), out: out}
}

func (s *stdinInput) Ask(ctx context.Context, conversationID, question, inputType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prompt := question
	if inputType != "" && inputType != "text" {
		prompt += " (" + inputType + ")"
	}
	fmt.Fprintf(s.out, "[%s] %s\n> ", conversationID, prompt)
	line, err := s.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", minerr.New(minerr.CodeValidation, "no answer on input", err).WithContext("conversation_id", conversationID)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
