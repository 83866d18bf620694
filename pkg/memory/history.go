// Copyright 2026 © The Minions Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"strconv"

	"github.com/jllopis/minions/pkg/memory/query"
	"github.com/jllopis/minions/pkg/message"
)

// TruncationStrategy reduces a chronological history before it is sent to a
// model.
type TruncationStrategy interface {
	Truncate(ctx context.Context, msgs []*message.Message) ([]*message.Message, error)
}

func splitSystem(msgs []*message.Message, keep bool) (system, other []*message.Message) {
	if !keep {
		return nil, msgs
	}
	for _, m := range msgs {
		if m.Role == message.RoleSystem {
			system = append(system, m)
		} else {
			other = append(other, m)
		}
	}
	return system, other
}

func join(parts ...[]*message.Message) []*message.Message {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]*message.Message, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// WindowStrategy keeps only the last MaxMessages messages.
type WindowStrategy struct {
	MaxMessages int
	// KeepSystemMessages preserves system messages regardless of window.
	KeepSystemMessages bool
}

// NewWindowStrategy creates a window-based truncation strategy.
func NewWindowStrategy(maxMessages int, keepSystem bool) *WindowStrategy {
	return &WindowStrategy{MaxMessages: maxMessages, KeepSystemMessages: keepSystem}
}

// Truncate implements TruncationStrategy.
func (w *WindowStrategy) Truncate(_ context.Context, msgs []*message.Message) ([]*message.Message, error) {
	if len(msgs) <= w.MaxMessages {
		return msgs, nil
	}
	system, other := splitSystem(msgs, w.KeepSystemMessages)
	available := w.MaxMessages - len(system)
	if available < 0 {
		available = 0
	}
	if len(other) > available {
		other = other[len(other)-available:]
	}
	return join(system, other), nil
}

// TokenStrategy keeps the most recent messages fitting within MaxTokens.
type TokenStrategy struct {
	MaxTokens int
	// TokenCounter defaults to the message TokenCount.
	TokenCounter       func(m *message.Message) int
	KeepSystemMessages bool
}

// NewTokenStrategy creates a token-based truncation strategy.
func NewTokenStrategy(maxTokens int, keepSystem bool) *TokenStrategy {
	return &TokenStrategy{MaxTokens: maxTokens, KeepSystemMessages: keepSystem}
}

// Truncate implements TruncationStrategy.
func (t *TokenStrategy) Truncate(_ context.Context, msgs []*message.Message) ([]*message.Message, error) {
	counter := t.TokenCounter
	if counter == nil {
		counter = func(m *message.Message) int { return m.TokenCount }
	}
	total := 0
	for _, m := range msgs {
		total += counter(m)
	}
	if total <= t.MaxTokens {
		return msgs, nil
	}

	system, other := splitSystem(msgs, t.KeepSystemMessages)
	budget := t.MaxTokens
	for _, m := range system {
		budget -= counter(m)
	}
	if budget < 0 {
		budget = 0
	}

	start := len(other)
	used := 0
	for i := len(other) - 1; i >= 0; i-- {
		n := counter(other[i])
		if used+n > budget {
			break
		}
		used += n
		start = i
	}
	return join(system, other[start:]), nil
}

// Summarizer condenses a batch of messages into text.
type Summarizer func(ctx context.Context, msgs []*message.Message) (string, error)

// SummarizationStrategy replaces the oldest messages with a summary once
// the history exceeds MaxMessages.
type SummarizationStrategy struct {
	MaxMessages        int
	SummarizeCount     int
	Summarizer         Summarizer
	KeepSystemMessages bool
}

// NewSummarizationStrategy creates a summarization-based truncation strategy.
func NewSummarizationStrategy(maxMessages, summarizeCount int, summarizer Summarizer) *SummarizationStrategy {
	return &SummarizationStrategy{
		MaxMessages:        maxMessages,
		SummarizeCount:     summarizeCount,
		Summarizer:         summarizer,
		KeepSystemMessages: true,
	}
}

// Truncate implements TruncationStrategy. On summarizer failure the
// original history is returned with the error.
func (s *SummarizationStrategy) Truncate(ctx context.Context, msgs []*message.Message) ([]*message.Message, error) {
	if len(msgs) <= s.MaxMessages || s.Summarizer == nil {
		return msgs, nil
	}
	system, other := splitSystem(msgs, s.KeepSystemMessages)
	if len(other) <= s.MaxMessages {
		return join(system, other), nil
	}

	n := s.SummarizeCount
	if n > len(other)-s.MaxMessages {
		n = len(other) - s.MaxMessages + 1
	}
	if n < 2 {
		n = 2
	}
	older, recent := other[:n], other[n:]

	summary, err := s.Summarizer(ctx, older)
	if err != nil {
		return msgs, err
	}
	sm := message.New(message.RoleSystem, message.ScopeSession,
		"[Previous conversation summary]\n"+summary,
		message.WithConversation(older[0].ConversationID),
		message.WithTimestamp(older[0].Timestamp),
		message.WithMetadata(map[string]any{
			"type":             "summary",
			"summarized_count": strconv.Itoa(n),
		}),
	)
	return join(system, []*message.Message{sm}, recent), nil
}

// History loads the conversation history of a tier and applies an optional
// truncation strategy.
func History(ctx context.Context, mgr *Manager, sub Subsystem, conversationID string, strategy TruncationStrategy) ([]*message.Message, error) {
	expr := query.NewBuilder().ConversationID(conversationID).Build()
	msgs, err := mgr.Query(ctx, NewQuery(sub).Where(expr).Build())
	if err != nil {
		return nil, err
	}
	SortChronological(msgs)
	if strategy == nil {
		return msgs, nil
	}
	return strategy.Truncate(ctx, msgs)
}
