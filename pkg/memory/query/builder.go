package query

import (
	"sort"
	"time"

	"github.com/jllopis/minions/pkg/message"
)

// Builder collects clauses that are ANDed together by Build.
type Builder struct {
	clauses []Expr
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) add(e Expr) *Builder {
	b.clauses = append(b.clauses, e)
	return b
}

func (b *Builder) ID(id string) *Builder { return b.add(Eq(message.FieldID, id)) }

func (b *Builder) Role(r message.Role) *Builder { return b.add(Eq(message.FieldRole, r)) }

func (b *Builder) Scope(s message.Scope) *Builder { return b.add(Eq(message.FieldScope, s)) }

func (b *Builder) ConversationID(id string) *Builder {
	return b.add(Eq(message.FieldConversationID, id))
}

// Keyword matches content containing kw.
func (b *Builder) Keyword(kw string) *Builder {
	return b.add(Contains(message.FieldContent, kw))
}

func (b *Builder) After(t time.Time) *Builder {
	return b.add(AfterTime(message.FieldTimestamp, t))
}

func (b *Builder) Before(t time.Time) *Builder {
	return b.add(BeforeTime(message.FieldTimestamp, t))
}

// Metadata adds one MetadataMatch per entry, in key order.
func (b *Builder) Metadata(md map[string]any) *Builder {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.add(Metadata(k, md[k]))
	}
	return b
}

func (b *Builder) Similar(embedding []float32, topK int) *Builder {
	return b.add(Vector(embedding, topK))
}

// Where adds an arbitrary expression.
func (b *Builder) Where(e Expr) *Builder { return b.add(e) }

// Build returns the conjunction of the collected clauses.
func (b *Builder) Build() Expr {
	switch len(b.clauses) {
	case 0:
		return True()
	case 1:
		return b.clauses[0]
	}
	out := make([]Expr, len(b.clauses))
	copy(out, b.clauses)
	return And(out...)
}
