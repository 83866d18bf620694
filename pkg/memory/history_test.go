// Copyright 2026 © The Minions Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jllopis/minions/pkg/message"
)

func msgs(pairs ...string) []*message.Message {
	var out []*message.Message
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, message.New(message.Role(pairs[i]), message.ScopeSession, pairs[i+1]))
	}
	return out
}

func contents(in []*message.Message) string {
	parts := make([]string, len(in))
	for i, m := range in {
		parts[i] = m.Content
	}
	return strings.Join(parts, ",")
}

func TestWindowStrategy(t *testing.T) {
	in := msgs("USER", "1", "ASSISTANT", "2", "USER", "3", "ASSISTANT", "4", "USER", "5")
	got, err := NewWindowStrategy(3, false).Truncate(context.Background(), in)
	if err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if contents(got) != "3,4,5" {
		t.Errorf("unexpected result: %s", contents(got))
	}
}

func TestWindowStrategy_KeepSystem(t *testing.T) {
	in := msgs("SYSTEM", "You are helpful", "USER", "1", "ASSISTANT", "2", "USER", "3", "ASSISTANT", "4")
	got, err := NewWindowStrategy(3, true).Truncate(context.Background(), in)
	if err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if contents(got) != "You are helpful,3,4" {
		t.Errorf("unexpected result: %s", contents(got))
	}
}

func TestTokenStrategy(t *testing.T) {
	s := NewTokenStrategy(20, false)
	s.TokenCounter = func(m *message.Message) int { return len(m.Content) }

	in := msgs("USER", "This is a long message", "ASSISTANT", "Short", "USER", "Also short")
	got, err := s.Truncate(context.Background(), in)
	if err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if contents(got) != "Short,Also short" {
		t.Errorf("unexpected result: %s", contents(got))
	}
}

func TestSummarizationStrategy(t *testing.T) {
	var summarized int
	s := NewSummarizationStrategy(3, 2, func(_ context.Context, batch []*message.Message) (string, error) {
		summarized = len(batch)
		return "earlier talk", nil
	})
	in := msgs("SYSTEM", "sys", "USER", "1", "ASSISTANT", "2", "USER", "3", "ASSISTANT", "4", "USER", "5")
	got, err := s.Truncate(context.Background(), in)
	if err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if summarized != 2 {
		t.Fatalf("expected 2 summarized messages, got %d", summarized)
	}
	if len(got) != 5 || got[0].Content != "sys" || !strings.Contains(got[1].Content, "earlier talk") {
		t.Fatalf("unexpected result: %s", contents(got))
	}
	if v, _ := got[1].MetadataValue("type"); v != "summary" {
		t.Fatalf("expected summary metadata, got %v", v)
	}
}

func TestSummarizationStrategyError(t *testing.T) {
	s := NewSummarizationStrategy(1, 2, func(context.Context, []*message.Message) (string, error) {
		return "", errors.New("model down")
	})
	in := msgs("USER", "1", "USER", "2", "USER", "3")
	got, err := s.Truncate(context.Background(), in)
	if err == nil || len(got) != 3 {
		t.Fatalf("expected original history with error, got %d %v", len(got), err)
	}
}
