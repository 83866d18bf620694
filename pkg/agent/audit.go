package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Audit statuses.
const (
	AuditCompleted = "completed"
	AuditFailed    = "failed"
)

// AuditEvent records one step execution of a run.
type AuditEvent struct {
	ConversationID string
	RunID          string
	StepID         string
	StepKind       string
	Execution      int
	Status         string
	Output         any
	Error          string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// AuditStore persists step audit events.
type AuditStore interface {
	Record(ctx context.Context, event AuditEvent) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
}

// AuditFilter limits audit event queries.
type AuditFilter struct {
	ConversationID string
	RunID          string
	StepID         string
	Status         string
	Limit          int
}

func (f AuditFilter) match(ev AuditEvent) bool {
	switch {
	case f.ConversationID != "" && ev.ConversationID != f.ConversationID:
		return false
	case f.RunID != "" && ev.RunID != f.RunID:
		return false
	case f.StepID != "" && ev.StepID != f.StepID:
		return false
	case f.Status != "" && ev.Status != f.Status:
		return false
	}
	return true
}

// MemoryAuditStore keeps audit events in memory.
type MemoryAuditStore struct {
	mu     sync.Mutex
	events []AuditEvent
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) Record(_ context.Context, event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// List returns matching events in record order.
func (s *MemoryAuditStore) List(_ context.Context, filter AuditFilter) ([]AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEvent, 0, len(s.events))
	for _, ev := range s.events {
		if !filter.match(ev) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func encodeAuditOutput(output any) ([]byte, error) {
	if output == nil {
		return []byte("null"), nil
	}
	return json.Marshal(output)
}

func decodeAuditOutput(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}
