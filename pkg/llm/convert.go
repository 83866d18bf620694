package llm

import (
	"github.com/jllopis/minions/pkg/message"
)

// RoleOf maps a runtime role to its chat role. Goals are user turns and
// errors are surfaced to the model as system notes.
func RoleOf(r message.Role) Role {
	switch r {
	case message.RoleAssistant:
		return RoleAssistant
	case message.RoleSystem, message.RoleError:
		return RoleSystem
	case message.RoleTool:
		return RoleTool
	default:
		return RoleUser
	}
}

// FromMessage converts a stored message into a chat message.
func FromMessage(m *message.Message) Message {
	out := Message{Role: RoleOf(m.Role), Content: m.Content}
	if m.Role == message.RoleTool {
		if id, ok := m.MetadataValue(message.MetaCallID); ok {
			if s, ok := id.(string); ok {
				out.ToolCallID = s
			}
		}
	}
	return out
}

// FromMessages converts msgs in order, skipping nil entries.
func FromMessages(msgs []*message.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		out = append(out, FromMessage(m))
	}
	return out
}
