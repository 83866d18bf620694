package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/memory/query"
	"github.com/jllopis/minions/pkg/message"
)

// Tier is the default Memory: one subsystem over one strategy.
//
// Snapshots are kept per conversation and follow a last-snapshot-wins
// policy: each Snapshot replaces the previous checkpoint of that
// conversation, and restoring replaces only that conversation's messages.
// Strategies implementing Snapshotter take over both.
type Tier struct {
	sub      Subsystem
	strategy PersistenceStrategy

	mu        sync.Mutex
	snapshots map[string][]*message.Message
}

// NewTier binds a subsystem to a strategy.
func NewTier(sub Subsystem, strategy PersistenceStrategy) *Tier {
	return &Tier{sub: sub, strategy: strategy}
}

func (t *Tier) Subsystem() Subsystem { return t.sub }

// Strategy returns the underlying persistence strategy.
func (t *Tier) Strategy() PersistenceStrategy { return t.strategy }

func (t *Tier) Store(ctx context.Context, msg *message.Message) error {
	if msg == nil {
		return minerr.New(minerr.CodeValidation, "nil message", nil)
	}
	return wrapBackend("store", t.sub, t.strategy.Save(ctx, msg))
}

func (t *Tier) StoreAll(ctx context.Context, msgs []*message.Message) error {
	for _, m := range msgs {
		if m == nil {
			return minerr.New(minerr.CodeValidation, "nil message", nil)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return wrapBackend("store", t.sub, t.strategy.SaveAll(ctx, msgs))
}

func (t *Tier) Retrieve(ctx context.Context, id string) (*message.Message, error) {
	m, err := t.strategy.FindByID(ctx, id)
	if err != nil {
		return nil, wrapBackend("retrieve", t.sub, err)
	}
	if m == nil {
		return nil, ErrNotFound
	}
	return m, nil
}

func (t *Tier) DeleteByID(ctx context.Context, id string) (bool, error) {
	ok, err := t.strategy.DeleteByID(ctx, id)
	return ok, wrapBackend("delete", t.sub, err)
}

// Count returns the number of stored messages.
func (t *Tier) Count(ctx context.Context) (int, error) {
	n, err := t.strategy.Count(ctx)
	return n, wrapBackend("count", t.sub, err)
}

// Query runs q server side when the strategy is a Searcher, otherwise it
// fetches candidates and evaluates the expression in process. In-process
// results are ordered by timestamp, then id, before the limit is applied.
func (t *Tier) Query(ctx context.Context, q Query) ([]*message.Message, error) {
	expr := q.Filter()
	if err := query.Validate(expr); err != nil {
		return nil, minerr.New(minerr.CodeValidation, "invalid memory query", err)
	}
	if s, ok := t.strategy.(Searcher); ok {
		out, err := s.Search(ctx, q)
		return out, wrapBackend("query", t.sub, err)
	}
	candidates, err := t.strategy.FetchCandidates(ctx, q)
	if err != nil {
		return nil, wrapBackend("query", t.sub, err)
	}
	out, err := query.Filter(expr, candidates)
	if err != nil {
		return nil, minerr.New(minerr.CodeValidation, "query evaluation failed", err)
	}
	SortChronological(out)
	return ApplyLimit(out, q.Limit), nil
}

func (t *Tier) Flush(ctx context.Context) error {
	if f, ok := t.strategy.(Flusher); ok {
		return wrapBackend("flush", t.sub, f.Flush(ctx))
	}
	return nil
}

func (t *Tier) Snapshot(ctx context.Context, conversationID string) error {
	if s, ok := t.strategy.(Snapshotter); ok {
		return wrapBackend("snapshot", t.sub, s.Snapshot(ctx, conversationID))
	}
	current, err := t.conversation(ctx, conversationID)
	if err != nil {
		return wrapBackend("snapshot", t.sub, err)
	}
	copies := make([]*message.Message, len(current))
	for i, m := range current {
		copies[i] = m.Clone()
	}
	t.mu.Lock()
	if t.snapshots == nil {
		t.snapshots = make(map[string][]*message.Message)
	}
	t.snapshots[conversationID] = copies
	t.mu.Unlock()
	return nil
}

// RestoreLatestSnapshot is a no-op when the conversation has no snapshot.
func (t *Tier) RestoreLatestSnapshot(ctx context.Context, conversationID string) error {
	if s, ok := t.strategy.(Snapshotter); ok {
		return wrapBackend("restore", t.sub, s.RestoreLatestSnapshot(ctx, conversationID))
	}
	t.mu.Lock()
	saved, ok := t.snapshots[conversationID]
	copies := make([]*message.Message, len(saved))
	for i, m := range saved {
		copies[i] = m.Clone()
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}

	current, err := t.conversation(ctx, conversationID)
	if err != nil {
		return wrapBackend("restore", t.sub, err)
	}
	for _, m := range current {
		if _, err := t.strategy.DeleteByID(ctx, m.ID); err != nil {
			return wrapBackend("restore", t.sub, err)
		}
	}
	if len(copies) == 0 {
		return nil
	}
	return wrapBackend("restore", t.sub, t.strategy.SaveAll(ctx, copies))
}

// conversation returns every message of one conversation.
func (t *Tier) conversation(ctx context.Context, conversationID string) ([]*message.Message, error) {
	q := Query{Subsystem: t.sub, Expr: query.Eq(message.FieldConversationID, conversationID)}
	candidates, err := t.strategy.FetchCandidates(ctx, q)
	if err != nil {
		return nil, err
	}
	return query.Filter(q.Expr, candidates)
}

// SortChronological orders messages by timestamp, then id.
func SortChronological(msgs []*message.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// ApplyLimit truncates msgs to limit entries (0 = unbounded).
func ApplyLimit(msgs []*message.Message, limit int) []*message.Message {
	if limit > 0 && len(msgs) > limit {
		return msgs[:limit]
	}
	return msgs
}

// IsNotFound reports whether err means the message does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
