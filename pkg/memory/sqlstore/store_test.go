package sqlstore

import (
	"context"
	"database/sql"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/jllopis/minions/pkg/memory"
	"github.com/jllopis/minions/pkg/memory/inmemory"
	"github.com/jllopis/minions/pkg/memory/query"
	"github.com/jllopis/minions/pkg/message"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTier(t *testing.T, db *sql.DB, sub memory.Subsystem) *memory.Tier {
	t.Helper()
	s, err := New(context.Background(), db, sub, Config{})
	require.NoError(t, err)
	return memory.NewTier(sub, s)
}

var base = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func fixtures() []*message.Message {
	mk := func(id string, role message.Role, scope message.Scope, content, conv string, offset time.Duration, md map[string]any) *message.Message {
		return message.New(role, scope, content,
			message.WithID(id),
			message.WithConversation(conv),
			message.WithTimestamp(base.Add(offset)),
			message.WithMetadata(md))
	}
	return []*message.Message{
		mk("m1", message.RoleUser, message.ScopeUser, "hi there", "c1", 0, map[string]any{"lang": "en", "priority": 1}),
		mk("m2", message.RoleAssistant, message.ScopeModel, "Hi! How can I help?", "c1", time.Minute, map[string]any{"lang": "en"}),
		mk("m3", message.RoleUser, message.ScopeUser, "what is the weather", "c1", 2*time.Minute, map[string]any{"priority": 2}),
		mk("m4", message.RoleTool, message.ScopeTool, "weather: sunny", "c2", 3*time.Minute, nil),
		mk("m5", message.RoleSystem, message.ScopeSession, "you are terse", "c2", 4*time.Minute, map[string]any{"lang": "es", "pinned": true}),
	}
}

func ids(msgs []*message.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	sort.Strings(out)
	return out
}

func TestTranslationFidelity(t *testing.T) {
	ctx := context.Background()
	sqlTier := newTier(t, openDB(t), memory.ShortTerm)
	memTier := inmemory.NewTier(memory.ShortTerm)
	require.NoError(t, sqlTier.StoreAll(ctx, fixtures()))
	require.NoError(t, memTier.StoreAll(ctx, fixtures()))

	exprs := []query.Expr{
		query.True(),
		query.Eq(message.FieldRole, message.RoleUser),
		query.And(query.Eq(message.FieldRole, message.RoleUser), query.Contains(message.FieldContent, "hi")),
		query.Contains(message.FieldContent, "Hi"),
		query.Or(query.Eq(message.FieldConversationID, "c2"), query.Contains(message.FieldContent, "weather")),
		query.Not(query.Eq(message.FieldConversationID, "c1")),
		query.AfterTime(message.FieldTimestamp, base.Add(time.Minute)),
		query.BeforeTime(message.FieldTimestamp, base.Add(time.Minute)),
		query.Metadata("lang", "en"),
		query.Metadata("priority", 2),
		query.Metadata("pinned", true),
		query.Not(query.Metadata("lang", "en")),
		query.And(),
		query.Or(),
		query.Not(query.Or(query.Eq(message.FieldScope, message.ScopeTool), query.Metadata("priority", 1.0))),
		query.Eq(message.FieldTokenCount, 2),
		query.Eq(message.FieldTimestamp, base.Add(2*time.Minute)),
	}

	for _, e := range exprs {
		t.Run(e.String(), func(t *testing.T) {
			q := memory.NewQuery(memory.ShortTerm).Where(e).Build()
			fromSQL, err := sqlTier.Query(ctx, q)
			require.NoError(t, err)
			fromMem, err := memTier.Query(ctx, q)
			require.NoError(t, err)
			assert.Equal(t, ids(fromMem), ids(fromSQL))
		})
	}
}

func TestSearchOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	tier := newTier(t, openDB(t), memory.Episodic)
	require.NoError(t, tier.StoreAll(ctx, fixtures()))

	got, err := tier.Query(ctx, memory.NewQuery(memory.Episodic).Limit(2).Build())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)
	assert.True(t, got[0].Timestamp.Equal(base))
	v, _ := got[0].MetadataValue("lang")
	assert.Equal(t, "en", v)
}

func TestSubsystemsShareTable(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	short := newTier(t, db, memory.ShortTerm)
	long := newTier(t, db, memory.LongTerm)

	require.NoError(t, short.Store(ctx, fixtures()[0]))
	n, err := long.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = long.Retrieve(ctx, "m1")
	assert.True(t, memory.IsNotFound(err))
}

func TestSQLSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	tier := newTier(t, openDB(t), memory.ShortTerm)
	a := message.New(message.RoleUser, message.ScopeUser, "A", message.WithConversation("c1"))
	b := message.New(message.RoleUser, message.ScopeUser, "B", message.WithConversation("c1"))
	other := message.New(message.RoleUser, message.ScopeUser, "other", message.WithConversation("c2"))

	require.NoError(t, tier.RestoreLatestSnapshot(ctx, "c1"))
	require.NoError(t, tier.Store(ctx, a))
	require.NoError(t, tier.Snapshot(ctx, "c1"))
	require.NoError(t, tier.Snapshot(ctx, "c2"))
	require.NoError(t, tier.StoreAll(ctx, []*message.Message{b, other}))
	require.NoError(t, tier.RestoreLatestSnapshot(ctx, "c1"))

	got, err := tier.Query(ctx, memory.Query{Subsystem: memory.ShortTerm})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.ElementsMatch(t, []string{a.ID, other.ID}, []string{got[0].ID, got[1].ID})

	// c2's own checkpoint predates "other".
	require.NoError(t, tier.RestoreLatestSnapshot(ctx, "c2"))
	got, err = tier.Query(ctx, memory.Query{Subsystem: memory.ShortTerm})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)
}

func TestSaveOverwrites(t *testing.T) {
	ctx := context.Background()
	tier := newTier(t, openDB(t), memory.ShortTerm)
	m := fixtures()[0]
	require.NoError(t, tier.Store(ctx, m))
	m.Enrich("embedded", true)
	require.NoError(t, tier.Store(ctx, m))

	n, err := tier.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := tier.Retrieve(ctx, m.ID)
	require.NoError(t, err)
	v, _ := got.MetadataValue("embedded")
	assert.Equal(t, true, v)
}
