// Copyright 2026 © The Minions Authors
// SPDX-License-Identifier: Apache-2.0

// Package guardrails inspects user supplied text before it reaches memory or
// the model.
//
// Checkers block text outright (prompt injection). Redactors rewrite it
// (PII masking). Guardrails runs every checker first and then pipes the text
// through the redactors in order:
//
//	g := guardrails.New(
//	    guardrails.WithChecker(guardrails.NewInjectionDetector()),
//	    guardrails.WithRedactor(guardrails.NewPIIFilter(guardrails.PIIMask)),
//	)
//	clean, err := g.Guard(ctx, answer)
package guardrails

import (
	"context"
	"log/slog"

	minerr "github.com/jllopis/minions/pkg/errors"
)

// Verdict is the outcome of a check.
type Verdict struct {
	Blocked bool
	Reason  string
	// Guard identifies the checker that blocked.
	Guard      string
	Confidence float64
	Metadata   map[string]any
}

// Redacted is the outcome of a redaction pass.
type Redacted struct {
	Content    string
	Modified   bool
	Redactions []Redaction
}

// Redaction describes one replaced span. The original text is never kept.
type Redaction struct {
	Type        string
	Replacement string
	Position    int
}

// Checker decides whether text may proceed.
type Checker interface {
	ID() string
	Check(ctx context.Context, text string) Verdict
}

// Redactor rewrites text.
type Redactor interface {
	ID() string
	Redact(ctx context.Context, text string) Redacted
}

type Guardrails struct {
	checkers  []Checker
	redactors []Redactor
	failOpen  bool
	logger    *slog.Logger
}

type Option func(*Guardrails)

func WithChecker(c Checker) Option {
	return func(g *Guardrails) { g.checkers = append(g.checkers, c) }
}

func WithRedactor(r Redactor) Option {
	return func(g *Guardrails) { g.redactors = append(g.redactors, r) }
}

// WithFailOpen lets text through when the context ends mid check. The
// default blocks it.
func WithFailOpen(failOpen bool) Option {
	return func(g *Guardrails) { g.failOpen = failOpen }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Guardrails) { g.logger = l }
}

func New(opts ...Option) *Guardrails {
	g := &Guardrails{logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Empty reports whether nothing is configured.
func (g *Guardrails) Empty() bool {
	return g == nil || len(g.checkers) == 0 && len(g.redactors) == 0
}

// Check returns the first blocking verdict, or a passing one.
func (g *Guardrails) Check(ctx context.Context, text string) Verdict {
	for _, c := range g.checkers {
		if ctx.Err() != nil {
			if g.failOpen {
				return Verdict{}
			}
			return Verdict{Blocked: true, Reason: "guardrail check cancelled", Guard: "system"}
		}
		if v := c.Check(ctx, text); v.Blocked {
			v.Guard = c.ID()
			return v
		}
	}
	return Verdict{}
}

// Redact runs every redactor, each on the output of the previous one.
func (g *Guardrails) Redact(ctx context.Context, text string) Redacted {
	out := Redacted{Content: text}
	for _, r := range g.redactors {
		if ctx.Err() != nil {
			return out
		}
		res := r.Redact(ctx, out.Content)
		if res.Modified {
			out.Content = res.Content
			out.Modified = true
			out.Redactions = append(out.Redactions, res.Redactions...)
		}
	}
	return out
}

// Guard checks and then redacts text. A blocked text is a validation error
// carrying the guard id.
func (g *Guardrails) Guard(ctx context.Context, text string) (string, error) {
	if g.Empty() {
		return text, nil
	}
	if v := g.Check(ctx, text); v.Blocked {
		g.logger.WarnContext(ctx, "guardrails.blocked",
			slog.String("guard", v.Guard),
			slog.String("reason", v.Reason),
			slog.Float64("confidence", v.Confidence),
		)
		return "", minerr.New(minerr.CodeValidation, "input rejected: "+v.Reason, nil).WithContext("guard", v.Guard)
	}
	res := g.Redact(ctx, text)
	if res.Modified {
		g.logger.InfoContext(ctx, "guardrails.redacted", slog.Int("redactions", len(res.Redactions)))
	}
	return res.Content, nil
}
