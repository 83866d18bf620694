package guardrails

import (
	"context"
	"regexp"
)

var defaultInjectionPatterns = []string{
	// instruction override
	`(?i)(ignore|disregard|forget|override)\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`,
	// persona switch
	`(?i)you\s+are\s+now\s+(a|an)\s+`,
	`(?i)pretend\s+(you\s+are|to\s+be)\s+`,
	`(?i)roleplay\s+as\s+`,
	// prompt extraction
	`(?i)(what\s+(is|are)|show\s+me|reveal|print|display)\s+your\s+(system\s+)?(prompt|instructions?)`,
	// jailbreaks
	`(?i)do\s+anything\s+now`,
	`(?i)\bDAN\s+mode`,
	`(?i)jailbreak`,
	`(?i)bypass\s+(safety|content|filter)`,
	`(?i)(developer|debug|sudo|admin|maintenance)\s+mode`,
	// chat template delimiters
	`(?i)\]\]\s*system\s*:`,
	`<\|[^|]*\|>`,
	`(?i)\[/?INST\]`,
	`(?i)<</?SYS>>`,
}

// InjectionDetector flags text that tries to override the agent's
// instructions. Confidence starts at 0.7 for one matching pattern and grows
// by 0.1 per additional match.
type InjectionDetector struct {
	patterns  []*regexp.Regexp
	threshold float64
}

type InjectionOption func(*InjectionDetector)

// WithInjectionPatterns adds patterns. Invalid expressions are ignored.
func WithInjectionPatterns(patterns ...string) InjectionOption {
	return func(d *InjectionDetector) {
		for _, p := range patterns {
			if re, err := regexp.Compile(p); err == nil {
				d.patterns = append(d.patterns, re)
			}
		}
	}
}

// WithInjectionThreshold blocks only at or above threshold, in [0,1].
func WithInjectionThreshold(threshold float64) InjectionOption {
	return func(d *InjectionDetector) {
		if threshold >= 0 && threshold <= 1 {
			d.threshold = threshold
		}
	}
}

func NewInjectionDetector(opts ...InjectionOption) *InjectionDetector {
	d := &InjectionDetector{}
	for _, p := range defaultInjectionPatterns {
		d.patterns = append(d.patterns, regexp.MustCompile(p))
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *InjectionDetector) ID() string { return "prompt_injection" }

func (d *InjectionDetector) Check(ctx context.Context, text string) Verdict {
	var matched []string
	for _, re := range d.patterns {
		if ctx.Err() != nil {
			break
		}
		if re.MatchString(text) {
			matched = append(matched, re.String())
		}
	}
	if len(matched) == 0 {
		return Verdict{}
	}
	confidence := min(0.7+0.1*float64(len(matched)-1), 1)
	if confidence < d.threshold {
		return Verdict{Confidence: confidence}
	}
	return Verdict{
		Blocked:    true,
		Reason:     "possible prompt injection",
		Confidence: confidence,
		Metadata:   map[string]any{"matched_patterns": matched},
	}
}
