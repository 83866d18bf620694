// Package inmemory is a process-local persistence strategy. Queries are
// answered by fetching every message and evaluating the expression in
// process, which makes it the reference for other backends.
package inmemory

import (
	"context"
	"sync"

	"github.com/jllopis/minions/pkg/memory"
	"github.com/jllopis/minions/pkg/message"
)

// Store keeps messages in insertion order.
type Store struct {
	mu    sync.RWMutex
	order []string
	data  map[string]*message.Message

	// snaps holds the latest checkpoint of each conversation in insertion
	// order.
	snaps map[string][]*message.Message
}

// New creates an empty store.
func New() *Store {
	return &Store{data: make(map[string]*message.Message)}
}

// NewTier is a shortcut for memory.NewTier(sub, New()).
func NewTier(sub memory.Subsystem) *memory.Tier {
	return memory.NewTier(sub, New())
}

func (s *Store) Save(_ context.Context, m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(m)
	return nil
}

func (s *Store) SaveAll(_ context.Context, msgs []*message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.put(m)
	}
	return nil
}

func (s *Store) put(m *message.Message) {
	if _, exists := s.data[m.ID]; !exists {
		s.order = append(s.order, m.ID)
	}
	s.data[m.ID] = m
}

func (s *Store) FindByID(_ context.Context, id string) (*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.data[id]
	if !ok {
		return nil, memory.ErrNotFound
	}
	return m, nil
}

func (s *Store) DeleteByID(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[id]; !ok {
		return false, nil
	}
	delete(s.data, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *Store) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.data = make(map[string]*message.Message)
	return nil
}

func (s *Store) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data), nil
}

// FetchCandidates returns every message; the tier evaluates the filter.
func (s *Store) FetchCandidates(_ context.Context, _ memory.Query) ([]*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*message.Message, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.data[id])
	}
	return out, nil
}

// Snapshot implements memory.Snapshotter with deep copies of the
// conversation's messages.
func (s *Store) Snapshot(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var saved []*message.Message
	for _, id := range s.order {
		if m := s.data[id]; m.ConversationID == conversationID {
			saved = append(saved, m.Clone())
		}
	}
	if s.snaps == nil {
		s.snaps = make(map[string][]*message.Message)
	}
	s.snaps[conversationID] = saved
	return nil
}

// RestoreLatestSnapshot implements memory.Snapshotter. Restored messages
// move to the end of the insertion order.
func (s *Store) RestoreLatestSnapshot(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved, ok := s.snaps[conversationID]
	if !ok {
		return nil
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if s.data[id].ConversationID == conversationID {
			delete(s.data, id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	for _, m := range saved {
		s.put(m.Clone())
	}
	return nil
}
