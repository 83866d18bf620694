package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jllopis/minions/pkg/core"
	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/memory"
	"github.com/jllopis/minions/pkg/memory/inmemory"
	"github.com/jllopis/minions/pkg/memory/query"
	"github.com/jllopis/minions/pkg/message"
)

// plainStore has no native snapshot so the tier's own checkpoint is used.
type plainStore struct {
	inner *inmemory.Store
}

func (p plainStore) Save(ctx context.Context, m *message.Message) error { return p.inner.Save(ctx, m) }
func (p plainStore) SaveAll(ctx context.Context, m []*message.Message) error {
	return p.inner.SaveAll(ctx, m)
}
func (p plainStore) FindByID(ctx context.Context, id string) (*message.Message, error) {
	return p.inner.FindByID(ctx, id)
}
func (p plainStore) DeleteByID(ctx context.Context, id string) (bool, error) {
	return p.inner.DeleteByID(ctx, id)
}
func (p plainStore) DeleteAll(ctx context.Context) error    { return p.inner.DeleteAll(ctx) }
func (p plainStore) Count(ctx context.Context) (int, error) { return p.inner.Count(ctx) }
func (p plainStore) FetchCandidates(ctx context.Context, q memory.Query) ([]*message.Message, error) {
	return p.inner.FetchCandidates(ctx, q)
}

func newManager(t *testing.T, opts ...memory.ManagerOption) *memory.Manager {
	t.Helper()
	mgr, err := memory.NewManager([]memory.Memory{
		inmemory.NewTier(memory.ShortTerm),
		inmemory.NewTier(memory.Vector),
		memory.NewTier(memory.LongTerm, plainStore{inner: inmemory.New()}),
	}, opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr
}

func TestNewManagerValidatesEagerly(t *testing.T) {
	_, err := memory.NewManager([]memory.Memory{inmemory.NewTier(memory.ShortTerm)},
		memory.WithRequired(memory.ShortTerm, memory.Entity))
	if minerr.CodeOf(err) != minerr.CodeConfiguration {
		t.Fatalf("expected configuration error for missing ENTITY tier, got %v", err)
	}

	_, err = memory.NewManager([]memory.Memory{
		inmemory.NewTier(memory.ShortTerm),
		inmemory.NewTier(memory.ShortTerm),
	})
	if minerr.CodeOf(err) != minerr.CodeConfiguration {
		t.Fatalf("expected configuration error for duplicate tier, got %v", err)
	}

	_, err = memory.NewManager([]memory.Memory{inmemory.NewTier(memory.ShortTerm)},
		memory.WithHandlers(memory.MirrorHandler{From: memory.ShortTerm, To: memory.Vector}))
	if minerr.CodeOf(err) != minerr.CodeConfiguration {
		t.Fatalf("expected configuration error for mirror to unknown tier, got %v", err)
	}
}

func TestUnknownSubsystemAtRuntime(t *testing.T) {
	mgr := newManager(t)
	_, err := mgr.Query(context.Background(), memory.NewQuery(memory.Entity).Build())
	if minerr.CodeOf(err) != minerr.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestStoreAndQuery(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t)

	hi := message.New(message.RoleUser, message.ScopeUser, "hi there", message.WithConversation("c1"))
	bye := message.New(message.RoleAssistant, message.ScopeModel, "bye", message.WithConversation("c1"))
	if err := mgr.Store(ctx, memory.ShortTerm, hi, bye); err != nil {
		t.Fatalf("store: %v", err)
	}

	got, err := mgr.Query(ctx, memory.NewQuery(memory.ShortTerm).
		Where(query.And(query.Eq(message.FieldRole, message.RoleUser), query.Contains(message.FieldContent, "hi"))).
		Build())
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != hi.ID {
		t.Fatalf("unexpected result %v", got)
	}

	r, err := mgr.Retrieve(ctx, bye.ID)
	if err != nil || r.ID != bye.ID {
		t.Fatalf("retrieve: %v %v", r, err)
	}
	if _, err := mgr.Retrieve(ctx, "missing"); !errors.Is(err, memory.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	n, err := mgr.Delete(ctx, memory.ShortTerm, hi.ID, "missing")
	if err != nil || n != 1 {
		t.Fatalf("expected 1 deletion, got %d %v", n, err)
	}
}

func TestMirrorHandler(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t, memory.WithHandlers(memory.MirrorHandler{From: memory.ShortTerm, To: memory.Vector}))

	m := message.New(message.RoleUser, message.ScopeUser, "remember me")
	if err := mgr.Store(ctx, memory.ShortTerm, m); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := mgr.Query(ctx, memory.NewQuery(memory.Vector).Build())
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != m.ID {
		t.Fatalf("expected mirrored message in vector tier, got %v", got)
	}
}

func TestSnapshotRestoreAcrossTiers(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t)

	a := message.New(message.RoleUser, message.ScopeUser, "A", message.WithConversation("c1"))
	if err := mgr.Store(ctx, memory.ShortTerm, a); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := mgr.Store(ctx, memory.LongTerm, a); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := mgr.Snapshot(ctx, "c1"); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	b := message.New(message.RoleUser, message.ScopeUser, "B", message.WithConversation("c1"))
	other := message.New(message.RoleUser, message.ScopeUser, "other", message.WithConversation("c2"))
	for _, sub := range []memory.Subsystem{memory.ShortTerm, memory.LongTerm} {
		_ = mgr.Store(ctx, sub, b, other)
	}

	if err := mgr.RestoreLatestSnapshot(ctx, "c1"); err != nil {
		t.Fatalf("restore: %v", err)
	}
	for _, sub := range []memory.Subsystem{memory.ShortTerm, memory.LongTerm} {
		got, err := mgr.Query(ctx, memory.NewQuery(sub).Build())
		if err != nil {
			t.Fatalf("query %s: %v", sub, err)
		}
		ids := map[string]bool{}
		for _, m := range got {
			ids[m.ID] = true
		}
		if len(got) != 2 || !ids[a.ID] || !ids[other.ID] {
			t.Fatalf("%s: expected A and the c2 message after restore, got %v", sub, got)
		}
	}
}

func TestConversationsShareManager(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t, memory.WithHandlers(memory.PromoteOnFlush{From: memory.ShortTerm, To: memory.LongTerm}))
	say := func(conv, content string) *message.Message {
		m := message.New(message.RoleUser, message.ScopeUser, content, message.WithConversation(conv))
		if err := mgr.Store(ctx, memory.ShortTerm, m); err != nil {
			t.Fatalf("store: %v", err)
		}
		return m
	}
	count := func(sub memory.Subsystem, conv string) int {
		got, err := mgr.Query(ctx, memory.NewQuery(sub).
			Where(query.NewBuilder().ConversationID(conv).Build()).Build())
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		return len(got)
	}

	tests := []struct {
		name string
		act  func(t *testing.T)
		// expected short-term counts after act, for c1 and c2
		c1, c2 int
	}{
		{
			name: "restore of one conversation keeps the other",
			act: func(t *testing.T) {
				if err := mgr.Snapshot(ctx, "c1"); err != nil {
					t.Fatalf("snapshot: %v", err)
				}
				say("c2", "b2")
				say("c1", "a2")
				if err := mgr.RestoreLatestSnapshot(ctx, "c1"); err != nil {
					t.Fatalf("restore: %v", err)
				}
			},
			c1: 1, c2: 2,
		},
		{
			name: "flush of one conversation promotes only its messages",
			act: func(t *testing.T) {
				if err := mgr.Flush(ctx, "c1"); err != nil {
					t.Fatalf("flush: %v", err)
				}
			},
			c1: 0, c2: 2,
		},
		{
			name: "flush without a conversation promotes nothing",
			act: func(t *testing.T) {
				if err := mgr.Flush(ctx, ""); err != nil {
					t.Fatalf("flush: %v", err)
				}
			},
			c1: 0, c2: 2,
		},
	}

	say("c1", "a1")
	say("c2", "b1")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.act(t)
			if got := count(memory.ShortTerm, "c1"); got != tt.c1 {
				t.Fatalf("c1 short-term: got %d, want %d", got, tt.c1)
			}
			if got := count(memory.ShortTerm, "c2"); got != tt.c2 {
				t.Fatalf("c2 short-term: got %d, want %d", got, tt.c2)
			}
		})
	}
	if got := count(memory.LongTerm, "c1"); got != 1 {
		t.Fatalf("c1 long-term: got %d, want 1", got)
	}
	if got := count(memory.LongTerm, "c2"); got != 0 {
		t.Fatalf("c2 must not be promoted, got %d", got)
	}
}

func TestPromoteOnFlush(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t, memory.WithHandlers(memory.PromoteOnFlush{From: memory.ShortTerm, To: memory.LongTerm}))

	m := message.New(message.RoleAssistant, message.ScopeModel, "done", message.WithConversation("c1"))
	_ = mgr.Store(ctx, memory.ShortTerm, m)
	if err := mgr.Flush(ctx, "c1"); err != nil {
		t.Fatalf("flush: %v", err)
	}
	short, _ := mgr.Query(ctx, memory.NewQuery(memory.ShortTerm).Build())
	long, _ := mgr.Query(ctx, memory.NewQuery(memory.LongTerm).Build())
	if len(short) != 0 || len(long) != 1 {
		t.Fatalf("expected promotion, short=%d long=%d", len(short), len(long))
	}
}

func TestQueryAllTiersMergesChronologically(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first := message.New(message.RoleUser, message.ScopeUser, "first", message.WithTimestamp(base))
	second := message.New(message.RoleUser, message.ScopeUser, "second", message.WithTimestamp(base.Add(time.Minute)))
	_ = mgr.Store(ctx, memory.LongTerm, second)
	_ = mgr.Store(ctx, memory.ShortTerm, first)
	_ = mgr.Store(ctx, memory.Vector, first)

	got, err := mgr.Query(ctx, memory.Query{Expr: query.True()})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
		t.Fatalf("unexpected merged result %v", got)
	}
}

func TestHealth(t *testing.T) {
	mgr := newManager(t)
	results, overall := mgr.Health(context.Background())
	if len(results) != 3 || overall != core.HealthHealthy {
		t.Fatalf("unexpected health %v %v", results, overall)
	}
}

func TestParseSubsystem(t *testing.T) {
	sub, err := memory.ParseSubsystem("short-term")
	if err != nil || sub != memory.ShortTerm {
		t.Fatalf("unexpected parse %v %v", sub, err)
	}
	if _, err := memory.ParseSubsystem("working"); minerr.CodeOf(err) != minerr.CodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestHistoryWindow(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range []string{"1", "2", "3", "4", "5"} {
		_ = mgr.Store(ctx, memory.ShortTerm, message.New(message.RoleUser, message.ScopeUser, c,
			message.WithConversation("c1"),
			message.WithTimestamp(base.Add(time.Duration(i)*time.Second))))
	}
	_ = mgr.Store(ctx, memory.ShortTerm, message.New(message.RoleUser, message.ScopeUser, "other",
		message.WithConversation("c2")))

	got, err := memory.History(ctx, mgr, memory.ShortTerm, "c1", memory.NewWindowStrategy(3, false))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 3 || got[0].Content != "3" || got[2].Content != "5" {
		t.Fatalf("unexpected window %v", got)
	}
}
