package redis

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/minions/pkg/memory"
	"github.com/jllopis/minions/pkg/memory/inmemory"
	"github.com/jllopis/minions/pkg/memory/query"
	"github.com/jllopis/minions/pkg/message"
)

func newStore(t *testing.T, sub memory.Subsystem) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, sub, Config{Prefix: "test"}), mr
}

func sample() []*message.Message {
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	mk := func(id, conv string, role message.Role, content string, i int, md map[string]any) *message.Message {
		return message.New(role, message.ScopeUser, content,
			message.WithID(id), message.WithConversation(conv),
			message.WithTimestamp(base.Add(time.Duration(i)*time.Second)),
			message.WithMetadata(md))
	}
	return []*message.Message{
		mk("a", "c1", message.RoleUser, "hi there", 0, map[string]any{"lang": "en"}),
		mk("b", "c1", message.RoleAssistant, "hello", 1, nil),
		mk("c", "c2", message.RoleUser, "hi again", 2, map[string]any{"lang": "fr"}),
	}
}

func sortedIDs(msgs []*message.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	sort.Strings(out)
	return out
}

func TestRedisMatchesInMemory(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, memory.ShortTerm)
	rt := memory.NewTier(memory.ShortTerm, s)
	mt := inmemory.NewTier(memory.ShortTerm)
	require.NoError(t, rt.StoreAll(ctx, sample()))
	require.NoError(t, mt.StoreAll(ctx, sample()))

	exprs := []query.Expr{
		query.True(),
		query.And(query.Eq(message.FieldConversationID, "c1"), query.Contains(message.FieldContent, "hi")),
		query.Or(query.Metadata("lang", "fr"), query.Eq(message.FieldRole, message.RoleAssistant)),
		query.Not(query.Eq(message.FieldConversationID, "c1")),
	}
	for _, e := range exprs {
		q := memory.NewQuery(memory.ShortTerm).Where(e).Build()
		got, err := rt.Query(ctx, q)
		require.NoError(t, err)
		want, err := mt.Query(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, sortedIDs(want), sortedIDs(got), e.String())
	}
}

func TestRedisCRUD(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, memory.Episodic)
	require.NoError(t, s.SaveAll(ctx, sample()))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	m, err := s.FindByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "hi there", m.Content)
	v, _ := m.MetadataValue("lang")
	assert.Equal(t, "en", v)

	ok, err := s.DeleteByID(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.DeleteByID(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.FindByID(ctx, "a")
	assert.ErrorIs(t, err, memory.ErrNotFound)

	c1, err := s.FetchCandidates(ctx, memory.Query{Expr: query.Eq(message.FieldConversationID, "c1")})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, sortedIDs(c1))
}

func TestRedisSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t, memory.ShortTerm)
	tier := memory.NewTier(memory.ShortTerm, s)
	msgs := sample()

	require.NoError(t, tier.RestoreLatestSnapshot(ctx, "c1"))
	require.NoError(t, tier.Store(ctx, msgs[0]))
	require.NoError(t, tier.Snapshot(ctx, "c1"))
	require.NoError(t, tier.StoreAll(ctx, msgs[1:]))
	require.NoError(t, tier.RestoreLatestSnapshot(ctx, "c1"))

	got, err := tier.Query(ctx, memory.Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, sortedIDs(got), "c2 is not part of the c1 checkpoint")

	n, err := tier.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRedisTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := New(client, memory.ShortTerm, Config{TTL: time.Minute})

	require.NoError(t, s.Save(ctx, sample()[0]))
	mr.FastForward(2 * time.Minute)

	got, err := s.FetchCandidates(ctx, memory.Query{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
