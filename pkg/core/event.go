package core

import (
	"context"
	"sync"
	"time"
)

// EventType identifies a semantic event emitted while running an agent.
type EventType string

const (
	EventRunStarted    EventType = "run.started"
	EventRunCompleted  EventType = "run.completed"
	EventRunFailed     EventType = "run.failed"
	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"
	EventMemoryRestore EventType = "memory.restored"
)

// Event captures a semantic streaming/logging event.
type Event struct {
	Type           EventType
	ConversationID string
	StepID         string
	Timestamp      time.Time
	Payload        map[string]any
}

// EventEmitter receives semantic events.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEventEmitter is a default no-op implementation.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// RecordingEmitter keeps every emitted event in memory.
type RecordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements EventEmitter.
func (r *RecordingEmitter) Emit(_ context.Context, event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *RecordingEmitter) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// NewEvent builds a default event with timestamp.
func NewEvent(eventType EventType, conversationID, stepID string, payload map[string]any) Event {
	return Event{
		Type:           eventType,
		ConversationID: conversationID,
		StepID:         stepID,
		Timestamp:      time.Now().UTC(),
		Payload:        payload,
	}
}
