package agent

import (
	"context"

	"github.com/jllopis/minions/pkg/memory"
	"github.com/jllopis/minions/pkg/memory/query"
	"github.com/jllopis/minions/pkg/message"
)

// ContextQuery selects memory shown to the model next to the history.
type ContextQuery interface {
	Subsystem() memory.Subsystem
	Query(sc *StepContext) memory.Query
}

// EntityContext returns the stored entity facts.
type EntityContext struct {
	// Limit overrides the recipe context limit when positive.
	Limit int
}

func (EntityContext) Subsystem() memory.Subsystem { return memory.Entity }

func (q EntityContext) Query(sc *StepContext) memory.Query {
	return memory.NewQuery(memory.Entity).
		Where(query.True()).
		Limit(contextLimit(q.Limit, sc)).
		Build()
}

// AssistantContext returns the short-term assistant turns of the
// conversation.
type AssistantContext struct {
	Limit int
}

func (AssistantContext) Subsystem() memory.Subsystem { return memory.ShortTerm }

func (q AssistantContext) Query(sc *StepContext) memory.Query {
	return memory.NewQuery(memory.ShortTerm).
		Where(query.And(
			query.Eq(message.FieldConversationID, sc.Agent.id),
			query.Eq(message.FieldRole, message.RoleAssistant),
		)).
		Limit(contextLimit(q.Limit, sc)).
		Build()
}

// LongTermContext returns what earlier runs of the conversation promoted to
// long-term memory.
type LongTermContext struct {
	Limit int
}

func (LongTermContext) Subsystem() memory.Subsystem { return memory.LongTerm }

func (q LongTermContext) Query(sc *StepContext) memory.Query {
	return memory.NewQuery(memory.LongTerm).
		Where(query.Eq(message.FieldConversationID, sc.Agent.id)).
		Limit(contextLimit(q.Limit, sc)).
		Build()
}

func contextLimit(n int, sc *StepContext) int {
	if n > 0 {
		return n
	}
	return sc.Agent.recipe.contextLimit()
}

// DefaultContextQueries is entity facts, then short-term assistant turns,
// then long-term memory.
func DefaultContextQueries() []ContextQuery {
	return []ContextQuery{EntityContext{}, AssistantContext{}, LongTermContext{}}
}

// ContextChain runs context queries in order and concatenates their results.
// Queries against tiers the conversation's manager lacks are skipped.
type ContextChain struct {
	queries []ContextQuery
}

// NewContextChain builds a chain over queries.
func NewContextChain(queries ...ContextQuery) *ContextChain {
	return &ContextChain{queries: queries}
}

// Gather returns the messages selected for the model call of sc, each once.
func (c *ContextChain) Gather(ctx context.Context, sc *StepContext) ([]*message.Message, error) {
	if c == nil {
		return nil, nil
	}
	mgr := sc.Agent.memory
	seen := map[string]bool{}
	var out []*message.Message
	for _, q := range c.queries {
		if !mgr.Has(q.Subsystem()) {
			continue
		}
		msgs, err := mgr.Query(ctx, q.Query(sc))
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if !seen[m.ID] {
				seen[m.ID] = true
				out = append(out, m)
			}
		}
	}
	return out, nil
}
