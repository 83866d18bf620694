// SPDX-License-Identifier: Apache-2.0
// Package message defines the unit of conversational content stored in
// memory tiers and exchanged with model providers.
//
// Fields are read generically only through Field, backed by an explicit
// accessor table. A field that is not registered there cannot be queried.
package message

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
	RoleSystem    Role = "SYSTEM"
	RoleTool      Role = "TOOL"
	RoleError     Role = "ERROR"
	RoleGoal      Role = "GOAL"
)

// Scope identifies the part of the runtime a message belongs to.
type Scope string

const (
	ScopeAgent   Scope = "AGENT"
	ScopeStep    Scope = "STEP"
	ScopeModel   Scope = "MODEL"
	ScopeTool    Scope = "TOOL"
	ScopeUser    Scope = "USER"
	ScopeSession Scope = "SESSION"
)

// Queryable field names.
const (
	FieldID             = "id"
	FieldConversationID = "conversationId"
	FieldRole           = "role"
	FieldScope          = "scope"
	FieldContent        = "content"
	FieldTimestamp      = "timestamp"
	FieldTokenCount     = "tokenCount"
	FieldMetadata       = "metadata"
)

// Message is immutable once created, except for metadata enrichment.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Scope          Scope
	Content        string
	Timestamp      time.Time
	TokenCount     int

	mu       sync.RWMutex
	metadata map[string]any
}

// Option customizes a message at construction time.
type Option func(*Message)

// WithID overrides the generated id.
func WithID(id string) Option {
	return func(m *Message) { m.ID = id }
}

// WithConversation sets the conversation id.
func WithConversation(id string) Option {
	return func(m *Message) { m.ConversationID = id }
}

// WithTimestamp overrides the creation time.
func WithTimestamp(ts time.Time) Option {
	return func(m *Message) { m.Timestamp = ts.UTC() }
}

// WithTokenCount overrides the estimated token count.
func WithTokenCount(n int) Option {
	return func(m *Message) { m.TokenCount = n }
}

// WithMetadata copies md into the message metadata.
func WithMetadata(md map[string]any) Option {
	return func(m *Message) {
		for k, v := range md {
			m.metadata[k] = v
		}
	}
}

// New creates a message with a generated id, the current UTC time and an
// estimated token count.
func New(role Role, scope Scope, content string, opts ...Option) *Message {
	m := &Message{
		ID:         uuid.NewString(),
		Role:       role,
		Scope:      scope,
		Content:    content,
		Timestamp:  time.Now().UTC(),
		TokenCount: EstimateTokens(content),
		metadata:   make(map[string]any),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EstimateTokens approximates the token count of text (4 chars per token).
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// Metadata returns a copy of the metadata map.
func (m *Message) Metadata() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.metadata))
	for k, v := range m.metadata {
		out[k] = v
	}
	return out
}

// MetadataValue returns a single metadata value.
func (m *Message) MetadataValue(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.metadata[key]
	return v, ok
}

// Enrich sets a metadata entry. It is the only mutation allowed after
// creation and is used by summarization and embedding.
func (m *Message) Enrich(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metadata == nil {
		m.metadata = make(map[string]any)
	}
	m.metadata[key] = value
}

// Clone returns a deep copy with its own metadata map.
func (m *Message) Clone() *Message {
	return &Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           m.Role,
		Scope:          m.Scope,
		Content:        m.Content,
		Timestamp:      m.Timestamp,
		TokenCount:     m.TokenCount,
		metadata:       m.Metadata(),
	}
}

type accessor func(*Message) any

var accessors = map[string]accessor{
	FieldID:             func(m *Message) any { return m.ID },
	FieldConversationID: func(m *Message) any { return m.ConversationID },
	FieldRole:           func(m *Message) any { return m.Role },
	FieldScope:          func(m *Message) any { return m.Scope },
	FieldContent:        func(m *Message) any { return m.Content },
	FieldTimestamp:      func(m *Message) any { return m.Timestamp },
	FieldTokenCount:     func(m *Message) any { return m.TokenCount },
	FieldMetadata:       func(m *Message) any { return m.Metadata() },
}

// Field returns the value of a registered field.
func (m *Message) Field(name string) (any, bool) {
	fn, ok := accessors[name]
	if !ok {
		return nil, false
	}
	return fn(m), true
}

// Fields lists the registered field names in sorted order.
func Fields() []string {
	names := make([]string, 0, len(accessors))
	for name := range accessors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsField reports whether name is a registered field.
func IsField(name string) bool {
	_, ok := accessors[name]
	return ok
}
