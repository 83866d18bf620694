// Copyright 2026 © The Minions Authors
// SPDX-License-Identifier: Apache-2.0

package guardrails

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"

	minerr "github.com/jllopis/minions/pkg/errors"
)

// PIIMode selects how detected PII is replaced.
type PIIMode int

const (
	// PIIMask replaces PII with a placeholder such as [EMAIL].
	PIIMask PIIMode = iota
	// PIIRemove drops PII entirely.
	PIIRemove
	// PIIHash replaces PII with a short stable hash, e.g. [EMAIL_1a2b3c4d].
	PIIHash
)

// ParsePIIMode parses "mask", "remove" (or "redact") and "hash".
func ParsePIIMode(s string) (PIIMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mask":
		return PIIMask, nil
	case "remove", "redact":
		return PIIRemove, nil
	case "hash":
		return PIIHash, nil
	}
	return 0, minerr.Newf(minerr.CodeConfiguration, "unknown pii mode %q", s)
}

type PIIType string

const (
	PIIEmail      PIIType = "email"
	PIIPhone      PIIType = "phone"
	PIISSN        PIIType = "ssn"
	PIICreditCard PIIType = "credit_card"
	PIIIPAddress  PIIType = "ip_address"
	PIIDate       PIIType = "date_of_birth"
	PIIPassport   PIIType = "passport"
)

type piiPattern struct {
	kind PIIType
	re   *regexp.Regexp
	mask string
}

// Order matters: card numbers before SSNs before phones.
var defaultPIIPatterns = []piiPattern{
	{PIICreditCard, regexp.MustCompile(`\b[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}[-\s]?[0-9]{4}\b`), "[CREDIT_CARD]"},
	{PIICreditCard, regexp.MustCompile(`\b(?:4[0-9]{12}(?:[0-9]{3})?|5[1-5][0-9]{14}|3[47][0-9]{13}|6(?:011|5[0-9]{2})[0-9]{12})\b`), "[CREDIT_CARD]"},
	{PIISSN, regexp.MustCompile(`\b[0-9]{3}[-\s]?[0-9]{2}[-\s]?[0-9]{4}\b`), "[SSN]"},
	{PIIEmail, regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), "[EMAIL]"},
	{PIIPhone, regexp.MustCompile(`(?:\+?1[-.\s]?)?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}\b`), "[PHONE]"},
	{PIIPhone, regexp.MustCompile(`\+[0-9]{1,3}[-.\s]?[0-9]{6,14}`), "[PHONE]"},
	{PIIIPAddress, regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`), "[IP_ADDRESS]"},
	{PIIDate, regexp.MustCompile(`\b(?:0?[1-9]|1[0-2])[/-](?:0?[1-9]|[12][0-9]|3[01])[/-](?:19|20)[0-9]{2}\b`), "[DATE]"},
	{PIIDate, regexp.MustCompile(`\b(?:19|20)[0-9]{2}[/-](?:0?[1-9]|1[0-2])[/-](?:0?[1-9]|[12][0-9]|3[01])\b`), "[DATE]"},
	{PIIPassport, regexp.MustCompile(`\b[A-Z]{1,2}[0-9]{6,9}\b`), "[PASSPORT]"},
}

// PIIFilter finds personal data with conservative patterns. It redacts as a
// Redactor and blocks as a Checker.
type PIIFilter struct {
	mode     PIIMode
	patterns []piiPattern
	enabled  map[PIIType]bool
}

type PIIOption func(*PIIFilter)

// WithPIITypes restricts the filter to types.
func WithPIITypes(types ...PIIType) PIIOption {
	return func(f *PIIFilter) {
		clear(f.enabled)
		for _, t := range types {
			f.enabled[t] = true
		}
	}
}

// WithCustomPII adds a pattern. Invalid expressions are ignored.
func WithCustomPII(kind PIIType, pattern, mask string) PIIOption {
	return func(f *PIIFilter) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return
		}
		f.patterns = append(f.patterns, piiPattern{kind: kind, re: re, mask: mask})
		f.enabled[kind] = true
	}
}

func NewPIIFilter(mode PIIMode, opts ...PIIOption) *PIIFilter {
	f := &PIIFilter{
		mode:     mode,
		patterns: append([]piiPattern(nil), defaultPIIPatterns...),
		enabled:  map[PIIType]bool{},
	}
	for _, p := range defaultPIIPatterns {
		f.enabled[p.kind] = true
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *PIIFilter) ID() string { return "pii" }

func (f *PIIFilter) Redact(ctx context.Context, text string) Redacted {
	out := Redacted{Content: text}
	for _, p := range f.patterns {
		if !f.enabled[p.kind] || ctx.Err() != nil {
			continue
		}
		matches := p.re.FindAllStringIndex(out.Content, -1)
		// Back to front keeps earlier offsets valid.
		for i := len(matches) - 1; i >= 0; i-- {
			start, end := matches[i][0], matches[i][1]
			repl := f.replacement(p, out.Content[start:end])
			out.Redactions = append(out.Redactions, Redaction{Type: "pii:" + string(p.kind), Replacement: repl, Position: start})
			out.Content = out.Content[:start] + repl + out.Content[end:]
			out.Modified = true
		}
	}
	return out
}

func (f *PIIFilter) replacement(p piiPattern, original string) string {
	switch f.mode {
	case PIIRemove:
		return ""
	case PIIHash:
		h := fnv.New32a()
		_, _ = h.Write([]byte(original))
		return fmt.Sprintf("%s_%08x]", strings.TrimSuffix(p.mask, "]"), h.Sum32())
	default:
		return p.mask
	}
}

func (f *PIIFilter) Check(ctx context.Context, text string) Verdict {
	for _, p := range f.patterns {
		if !f.enabled[p.kind] || ctx.Err() != nil {
			continue
		}
		if p.re.MatchString(text) {
			return Verdict{
				Blocked:    true,
				Reason:     "personal data in input: " + string(p.kind),
				Confidence: 1,
				Metadata:   map[string]any{"pii_type": string(p.kind)},
			}
		}
	}
	return Verdict{}
}
