package agent

import (
	"context"
	"database/sql"
	"testing"
	"time"
)

func auditEvents() []AuditEvent {
	now := time.Now().UTC()
	return []AuditEvent{
		{ConversationID: "conv-1", RunID: "run-1", StepID: "draft", StepKind: "model_call", Execution: 1, Status: AuditCompleted, Output: map[string]any{"ok": true}, StartedAt: now, FinishedAt: now},
		{ConversationID: "conv-1", RunID: "run-1", StepID: "act", StepKind: "tool_call", Execution: 1, Status: AuditFailed, Error: "kaboom", StartedAt: now, FinishedAt: now},
		{ConversationID: "conv-2", RunID: "run-2", StepID: "draft", StepKind: "model_call", Execution: 1, Status: AuditCompleted, StartedAt: now, FinishedAt: now},
	}
}

func TestMemoryAuditStore(t *testing.T) {
	store := NewMemoryAuditStore()
	for _, ev := range auditEvents() {
		if err := store.Record(context.Background(), ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	events, err := store.List(context.Background(), AuditFilter{ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	events, _ = store.List(context.Background(), AuditFilter{StepID: "draft", Limit: 1})
	if len(events) != 1 || events[0].ConversationID != "conv-1" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestSQLiteAuditStore(t *testing.T) {
	db, err := sql.Open("sqlite", "file:agent_audit_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	store, err := NewSQLiteAuditStore(db)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	for _, ev := range auditEvents() {
		if err := store.Record(context.Background(), ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	events, err := store.List(context.Background(), AuditFilter{ConversationID: "conv-1", Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].StepKind != "model_call" || events[0].RunID != "run-1" {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	if out, ok := events[0].Output.(map[string]any); !ok || out["ok"] != true {
		t.Fatalf("output not decoded: %#v", events[0].Output)
	}

	failed, err := store.List(context.Background(), AuditFilter{Status: AuditFailed})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].Error != "kaboom" || failed[0].StepID != "act" {
		t.Fatalf("unexpected failed events %+v", failed)
	}
}
