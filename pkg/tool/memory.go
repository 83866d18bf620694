package tool

import (
	"context"
	"strings"
	"time"

	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/memory"
	"github.com/jllopis/minions/pkg/memory/query"
	"github.com/jllopis/minions/pkg/message"
)

const defaultRecallLimit = 10

// MemoryTools exposes one memory tier as two tools: memory_recall searches
// it and memory_remember appends to it.
func MemoryTools(mgr *memory.Manager, sub memory.Subsystem) []Tool {
	return []Tool{
		Func{
			ToolName:    "memory_recall",
			Description: "Search stored messages of " + string(sub) + " memory by conversation, role and keyword.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"conversation_id": map[string]any{"type": "string"},
					"keyword":         map[string]any{"type": "string"},
					"role":            map[string]any{"type": "string", "enum": []string{"USER", "ASSISTANT", "SYSTEM", "TOOL", "GOAL", "ERROR"}},
					"limit":           map[string]any{"type": "integer", "minimum": 1},
				},
			},
			Fn: func(ctx context.Context, in map[string]any) (any, error) {
				return recall(ctx, mgr, sub, in)
			},
		},
		Func{
			ToolName:    "memory_remember",
			Description: "Store a note in " + string(sub) + " memory for a conversation.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"conversation_id": map[string]any{"type": "string"},
					"content":         map[string]any{"type": "string"},
				},
				"required": []string{"conversation_id", "content"},
			},
			Fn: func(ctx context.Context, in map[string]any) (any, error) {
				return remember(ctx, mgr, sub, in)
			},
		},
	}
}

func recall(ctx context.Context, mgr *memory.Manager, sub memory.Subsystem, in map[string]any) (any, error) {
	b := query.NewBuilder()
	if conv := stringArg(in, "conversation_id"); conv != "" {
		b.ConversationID(conv)
	}
	if kw := stringArg(in, "keyword"); kw != "" {
		b.Keyword(kw)
	}
	if role := stringArg(in, "role"); role != "" {
		b.Role(message.Role(strings.ToUpper(role)))
	}
	limit, err := intArg(in, "limit", defaultRecallLimit)
	if err != nil {
		return nil, err
	}
	msgs, err := mgr.Query(ctx, memory.Query{Subsystem: sub, Expr: b.Build(), Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{
			"id":              m.ID,
			"conversation_id": m.ConversationID,
			"role":            string(m.Role),
			"content":         m.Content,
			"timestamp":       m.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	return out, nil
}

func remember(ctx context.Context, mgr *memory.Manager, sub memory.Subsystem, in map[string]any) (any, error) {
	conv, content := stringArg(in, "conversation_id"), stringArg(in, "content")
	if conv == "" || content == "" {
		return nil, minerr.New(minerr.CodeValidation, "memory_remember needs conversation_id and content", nil)
	}
	m := message.New(message.RoleSystem, message.ScopeTool, content, message.WithConversation(conv))
	if err := mgr.Store(ctx, sub, m); err != nil {
		return nil, err
	}
	return map[string]any{"id": m.ID}, nil
}

func stringArg(in map[string]any, key string) string {
	s, _ := in[key].(string)
	return strings.TrimSpace(s)
}

func intArg(in map[string]any, key string, def int) (int, error) {
	switch v := in[key].(type) {
	case nil:
		return def, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v == float64(int(v)) {
			return int(v), nil
		}
	}
	return 0, minerr.Newf(minerr.CodeValidation, "%s must be an integer", key)
}
