package qdrant

import (
	"context"
	"sort"
	"testing"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/jllopis/minions/pkg/memory"
	"github.com/jllopis/minions/pkg/memory/query"
	"github.com/jllopis/minions/pkg/message"
)

type fixedEmbedder struct{ calls int }

func (e *fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls++
	return []float32{float32(len(text)), 1}, nil
}

// fakePoints keeps points in memory. Scroll ignores the filter and pages two
// points at a time; Search returns the configured hits.
type fakePoints struct {
	pb.PointsClient
	order      []string
	points     map[string]*pb.PointStruct
	lastSearch *pb.SearchPoints
	hits       []*pb.ScoredPoint
}

func newFake() *fakePoints { return &fakePoints{points: map[string]*pb.PointStruct{}} }

func (f *fakePoints) Upsert(_ context.Context, in *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	for _, p := range in.Points {
		id := p.Id.GetUuid()
		if _, ok := f.points[id]; !ok {
			f.order = append(f.order, id)
		}
		f.points[id] = p
	}
	return &pb.PointsOperationResponse{}, nil
}

func (f *fakePoints) Get(_ context.Context, in *pb.GetPoints, _ ...grpc.CallOption) (*pb.GetResponse, error) {
	resp := &pb.GetResponse{}
	for _, id := range in.Ids {
		if p, ok := f.points[id.GetUuid()]; ok {
			resp.Result = append(resp.Result, &pb.RetrievedPoint{Id: p.Id, Payload: p.Payload})
		}
	}
	return resp, nil
}

func (f *fakePoints) Delete(_ context.Context, in *pb.DeletePoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	if ids := in.Points.GetPoints(); ids != nil {
		for _, id := range ids.Ids {
			delete(f.points, id.GetUuid())
		}
	} else {
		f.points = map[string]*pb.PointStruct{}
	}
	return &pb.PointsOperationResponse{}, nil
}

func (f *fakePoints) Count(_ context.Context, _ *pb.CountPoints, _ ...grpc.CallOption) (*pb.CountResponse, error) {
	return &pb.CountResponse{Result: &pb.CountResult{Count: uint64(len(f.points))}}, nil
}

func (f *fakePoints) live() []string {
	var ids []string
	for _, id := range f.order {
		if _, ok := f.points[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *fakePoints) Scroll(_ context.Context, in *pb.ScrollPoints, _ ...grpc.CallOption) (*pb.ScrollResponse, error) {
	ids := f.live()
	start := 0
	if in.Offset != nil {
		for i, id := range ids {
			if id == in.Offset.GetUuid() {
				start = i
			}
		}
	}
	end := start + 2
	resp := &pb.ScrollResponse{}
	if end < len(ids) {
		resp.NextPageOffset = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: ids[end]}}
	} else {
		end = len(ids)
	}
	for _, id := range ids[start:end] {
		p := f.points[id]
		resp.Result = append(resp.Result, &pb.RetrievedPoint{Id: p.Id, Payload: p.Payload})
	}
	return resp, nil
}

func (f *fakePoints) Search(_ context.Context, in *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	f.lastSearch = in
	return &pb.SearchResponse{Result: f.hits}, nil
}

func sample() []*message.Message {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mk := func(id string, i int, content string, md map[string]any) *message.Message {
		return message.New(message.RoleUser, message.ScopeUser, content,
			message.WithID(id), message.WithConversation("c1"),
			message.WithTimestamp(base.Add(time.Duration(i)*time.Second)),
			message.WithMetadata(md))
	}
	return []*message.Message{
		mk("m3", 2, "the cat sat", nil),
		mk("m1", 0, "a dog barked", map[string]any{"lang": "en", "n": 3}),
		mk("m2", 1, "cat again", map[string]any{"lang": "fr"}),
	}
}

func newStore(t *testing.T) (*Store, *fakePoints, *fixedEmbedder) {
	t.Helper()
	f := newFake()
	e := &fixedEmbedder{}
	s, err := New(f, memory.Vector, Config{Collection: "msgs", Embedder: e})
	require.NoError(t, err)
	return s, f, e
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(newFake(), memory.Vector, Config{Embedder: &fixedEmbedder{}})
	assert.Error(t, err)
	_, err = New(newFake(), memory.Vector, Config{Collection: "x"})
	assert.Error(t, err)
}

func TestSaveAndFind(t *testing.T) {
	ctx := context.Background()
	s, f, e := newStore(t)
	require.NoError(t, s.SaveAll(ctx, sample()))
	assert.Equal(t, 3, e.calls)
	assert.Len(t, f.points, 3)

	got, err := s.FindByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "a dog barked", got.Content)
	assert.Equal(t, "c1", got.ConversationID)
	assert.True(t, got.Timestamp.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	lang, _ := got.MetadataValue("lang")
	assert.Equal(t, "en", lang)
	n, _ := got.MetadataValue("n")
	assert.Equal(t, int64(3), n)

	_, err = s.FindByID(ctx, "nope")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestPointIDsAreStablePerSubsystem(t *testing.T) {
	s, _, _ := newStore(t)
	other, err := New(newFake(), memory.LongTerm, Config{Collection: "msgs", Embedder: &fixedEmbedder{}})
	require.NoError(t, err)
	assert.Equal(t, s.pointID("m1").GetUuid(), s.pointID("m1").GetUuid())
	assert.NotEqual(t, s.pointID("m1").GetUuid(), other.pointID("m1").GetUuid())
}

func TestDeleteAndCount(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newStore(t)
	require.NoError(t, s.SaveAll(ctx, sample()))

	ok, err := s.DeleteByID(ctx, "m2")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.DeleteByID(ctx, "m2")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.DeleteAll(ctx))
	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestScrollPagesAndOrders(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newStore(t)
	require.NoError(t, s.SaveAll(ctx, sample()))

	got, err := s.Search(ctx, memory.Query{Subsystem: memory.Vector})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestContainsFallsBackToProcess(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newStore(t)
	require.NoError(t, s.SaveAll(ctx, sample()))

	got, err := s.Search(ctx, memory.Query{
		Subsystem: memory.Vector,
		Expr:      query.Contains(message.FieldContent, "cat"),
		Limit:     1,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m2", got[0].ID)
}

func TestVectorSearchUsesFilterAndScoreOrder(t *testing.T) {
	ctx := context.Background()
	s, f, _ := newStore(t)
	msgs := sample()
	require.NoError(t, s.SaveAll(ctx, msgs))
	f.hits = []*pb.ScoredPoint{
		{Payload: f.points[s.pointID("m3").GetUuid()].Payload, Score: 0.9},
		{Payload: f.points[s.pointID("m1").GetUuid()].Payload, Score: 0.4},
	}

	got, err := s.Search(ctx, memory.Query{
		Subsystem: memory.Vector,
		Expr:      query.And(query.Vector([]float32{1, 0}, 5), query.Eq(message.FieldRole, message.RoleUser)),
		Limit:     3,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m3", got[0].ID)
	score, _ := got[0].MetadataValue("score")
	assert.InDelta(t, 0.9, score, 1e-6)

	require.NotNil(t, f.lastSearch)
	assert.Equal(t, uint64(3), f.lastSearch.Limit)
	assert.Len(t, f.lastSearch.Filter.Must, 2)

	ids, err := s.SearchVector(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, []memory.ScoredID{{ID: "m3", Score: 0.9}, {ID: "m1", Score: 0.4}}, ids)
}

func TestTierSnapshotOverQdrant(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newStore(t)
	tier := memory.NewTier(memory.Vector, s)
	require.NoError(t, tier.StoreAll(ctx, sample()))
	require.NoError(t, tier.Snapshot(ctx, "c1"))

	_, err := tier.DeleteByID(ctx, "m1")
	require.NoError(t, err)
	require.NoError(t, tier.RestoreLatestSnapshot(ctx, "c1"))

	all, err := s.FetchCandidates(ctx, memory.Query{})
	require.NoError(t, err)
	ids := make([]string, len(all))
	for i, m := range all {
		ids[i] = m.ID
	}
	sort.Strings(ids)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids)
}
