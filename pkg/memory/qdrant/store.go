// Package qdrant keeps messages as points of a Qdrant collection. The message
// content is embedded on write; queries carrying a vector similarity node run
// a filtered vector search, everything else scrolls the collection with the
// translated payload filter.
package qdrant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jllopis/minions/pkg/memory"
	"github.com/jllopis/minions/pkg/memory/query"
	"github.com/jllopis/minions/pkg/message"
)

// pointNamespace seeds deterministic point ids.
var pointNamespace = uuid.MustParse("6f1c3f9e-5a53-4c1e-9d7e-3c7a3b1e2f10")

const scrollPage = 256

// Config configures a Store.
type Config struct {
	Collection string
	Embedder   memory.Embedder
	// ScoreThreshold drops vector hits scoring below it when set.
	ScoreThreshold *float32
	Logger         *slog.Logger
}

// Store is a memory.PersistenceStrategy, memory.Searcher and
// memory.VectorSearcher over one Qdrant collection. Several subsystems may
// share a collection; every point carries its subsystem tag.
type Store struct {
	client pb.PointsClient
	sub    memory.Subsystem
	cfg    Config
	tr     Translator
	log    *slog.Logger
}

// Dial opens an insecure gRPC connection to addr.
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant: dial %s: %w", addr, err)
	}
	return conn, nil
}

// New creates a store for sub.
func New(client pb.PointsClient, sub memory.Subsystem, cfg Config) (*Store, error) {
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant: collection is required")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("qdrant: embedder is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		client: client,
		sub:    sub,
		cfg:    cfg,
		log:    log.With("component", "memory.qdrant", "subsystem", string(sub)),
	}, nil
}

// EnsureCollection creates the collection with cosine distance when missing.
func EnsureCollection(ctx context.Context, collections pb.CollectionsClient, name string, dim uint64) error {
	resp, err := collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: name})
	if err != nil {
		return fmt.Errorf("qdrant: check collection: %w", err)
	}
	if resp.GetResult().GetExists() {
		return nil
	}
	_, err = collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: dim, Distance: pb.Distance_Cosine},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("qdrant: create collection: %w", err)
	}
	return nil
}

func (s *Store) pointID(id string) *pb.PointId {
	u := uuid.NewSHA1(pointNamespace, []byte(string(s.sub)+":"+id))
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: u.String()}}
}

func (s *Store) scope(f *pb.Filter) *pb.Filter {
	sub := matchCond(keySubsystem, &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: string(s.sub)}})
	if f == nil {
		return &pb.Filter{Must: []*pb.Condition{sub}}
	}
	return &pb.Filter{Must: []*pb.Condition{sub, nested(f)}}
}

func withPayload() *pb.WithPayloadSelector {
	return &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}}
}

func (s *Store) Save(ctx context.Context, m *message.Message) error {
	return s.SaveAll(ctx, []*message.Message{m})
}

func (s *Store) SaveAll(ctx context.Context, msgs []*message.Message) error {
	points := make([]*pb.PointStruct, 0, len(msgs))
	for _, m := range msgs {
		vec, err := s.cfg.Embedder.Embed(ctx, m.Content)
		if err != nil {
			return fmt.Errorf("qdrant: embed %s: %w", m.ID, err)
		}
		points = append(points, &pb.PointStruct{
			Id: s.pointID(m.ID),
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vec}},
			},
			Payload: s.payload(m),
		})
	}
	wait := true
	_, err := s.client.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert: %w", err)
	}
	return nil
}

func (s *Store) payload(m *message.Message) map[string]*pb.Value {
	us, sub := splitMicros(m.Timestamp)
	p := map[string]*pb.Value{
		keyMessageID:  stringValue(m.ID),
		keySubsystem:  stringValue(string(s.sub)),
		keyConv:       stringValue(m.ConversationID),
		keyRole:       stringValue(string(m.Role)),
		keyScope:      stringValue(string(m.Scope)),
		keyContent:    stringValue(m.Content),
		keyTSMicros:   intValue(us),
		keyTSSub:      intValue(sub),
		keyTSNanos:    intValue(m.Timestamp.UnixNano()),
		keyTokenCount: intValue(int64(m.TokenCount)),
	}
	if md := m.Metadata(); len(md) > 0 {
		p[keyMetadata] = toValue(md)
	}
	return p
}

func (s *Store) FindByID(ctx context.Context, id string) (*message.Message, error) {
	resp, err := s.client.Get(ctx, &pb.GetPoints{
		CollectionName: s.cfg.Collection,
		Ids:            []*pb.PointId{s.pointID(id)},
		WithPayload:    withPayload(),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: get: %w", err)
	}
	if len(resp.GetResult()) == 0 {
		return nil, memory.ErrNotFound
	}
	return decode(resp.GetResult()[0].GetPayload())
}

func (s *Store) DeleteByID(ctx context.Context, id string) (bool, error) {
	if _, err := s.FindByID(ctx, id); err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	err := s.delete(ctx, &pb.PointsSelector{
		PointsSelectorOneOf: &pb.PointsSelector_Points{
			Points: &pb.PointsIdsList{Ids: []*pb.PointId{s.pointID(id)}},
		},
	})
	return err == nil, err
}

func (s *Store) DeleteAll(ctx context.Context) error {
	return s.delete(ctx, &pb.PointsSelector{
		PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: s.scope(nil)},
	})
}

func (s *Store) delete(ctx context.Context, sel *pb.PointsSelector) error {
	wait := true
	_, err := s.client.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.cfg.Collection,
		Wait:           &wait,
		Points:         sel,
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete: %w", err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	exact := true
	resp, err := s.client.Count(ctx, &pb.CountPoints{
		CollectionName: s.cfg.Collection,
		Filter:         s.scope(nil),
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("qdrant: count: %w", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// FetchCandidates scrolls the whole subsystem.
func (s *Store) FetchCandidates(ctx context.Context, _ memory.Query) ([]*message.Message, error) {
	return s.scroll(ctx, s.scope(nil))
}

// Search answers q. Parts of the filter Qdrant cannot express are evaluated
// in process on the server-side result.
func (s *Store) Search(ctx context.Context, q memory.Query) ([]*message.Message, error) {
	vec, rest := query.SplitVector(q.Filter())
	if vec == nil && query.HasVector(rest) {
		return nil, fmt.Errorf("%w: vector similarity must sit at the root AND", ErrUnsupported)
	}

	server, err := s.tr.Translate(rest)
	post := query.Expr(nil)
	if errors.Is(err, ErrUnsupported) {
		s.log.Debug("evaluating filter in process", "query", q.String(), "reason", err)
		server, post = nil, rest
	} else if err != nil {
		return nil, err
	}

	var out []*message.Message
	if vec != nil {
		out, err = s.searchVector(ctx, vec, s.scope(server), q.Limit, post != nil)
	} else {
		out, err = s.scroll(ctx, s.scope(server))
	}
	if err != nil {
		return nil, err
	}
	if post != nil {
		if out, err = query.Filter(post, out); err != nil {
			return nil, err
		}
	}
	if vec == nil {
		memory.SortChronological(out)
	}
	return memory.ApplyLimit(out, q.Limit), nil
}

// searchVector keeps score order. When a post filter still applies the
// limit is left to the caller so it does not starve the filter.
func (s *Store) searchVector(ctx context.Context, vec *query.VectorSimilarity, f *pb.Filter, limit int, postFilter bool) ([]*message.Message, error) {
	topK := vec.TopK
	if !postFilter && limit > 0 && limit < topK {
		topK = limit
	}
	hits, err := s.search(ctx, vec.Embedding, f, topK)
	if err != nil {
		return nil, err
	}
	out := make([]*message.Message, 0, len(hits))
	for _, h := range hits {
		m, err := decode(h.GetPayload())
		if err != nil {
			return nil, err
		}
		m.Enrich("score", float64(h.GetScore()))
		out = append(out, m)
	}
	return out, nil
}

// SearchVector returns the ids of the topK points closest to vector.
func (s *Store) SearchVector(ctx context.Context, vector []float32, topK int) ([]memory.ScoredID, error) {
	hits, err := s.search(ctx, vector, s.scope(nil), topK)
	if err != nil {
		return nil, err
	}
	out := make([]memory.ScoredID, 0, len(hits))
	for _, h := range hits {
		out = append(out, memory.ScoredID{
			ID:    h.GetPayload()[keyMessageID].GetStringValue(),
			Score: h.GetScore(),
		})
	}
	return out, nil
}

func (s *Store) search(ctx context.Context, vector []float32, f *pb.Filter, topK int) ([]*pb.ScoredPoint, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("qdrant: topK must be positive, got %d", topK)
	}
	resp, err := s.client.Search(ctx, &pb.SearchPoints{
		CollectionName: s.cfg.Collection,
		Vector:         vector,
		Filter:         f,
		Limit:          uint64(topK),
		ScoreThreshold: s.cfg.ScoreThreshold,
		WithPayload:    withPayload(),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search: %w", err)
	}
	return resp.GetResult(), nil
}

func (s *Store) scroll(ctx context.Context, f *pb.Filter) ([]*message.Message, error) {
	var (
		out    []*message.Message
		offset *pb.PointId
	)
	limit := uint32(scrollPage)
	for {
		resp, err := s.client.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: s.cfg.Collection,
			Filter:         f,
			Offset:         offset,
			Limit:          &limit,
			WithPayload:    withPayload(),
		})
		if err != nil {
			return nil, fmt.Errorf("qdrant: scroll: %w", err)
		}
		for _, p := range resp.GetResult() {
			m, err := decode(p.GetPayload())
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			return out, nil
		}
	}
}

func decode(p map[string]*pb.Value) (*message.Message, error) {
	id := p[keyMessageID].GetStringValue()
	if id == "" {
		return nil, fmt.Errorf("qdrant: point without %s payload", keyMessageID)
	}
	var md map[string]any
	if v, ok := p[keyMetadata]; ok {
		md, _ = fromValue(v).(map[string]any)
	}
	return message.New(
		message.Role(p[keyRole].GetStringValue()),
		message.Scope(p[keyScope].GetStringValue()),
		p[keyContent].GetStringValue(),
		message.WithID(id),
		message.WithConversation(p[keyConv].GetStringValue()),
		message.WithTimestamp(time.Unix(0, p[keyTSNanos].GetIntegerValue())),
		message.WithTokenCount(int(p[keyTokenCount].GetIntegerValue())),
		message.WithMetadata(md),
	), nil
}
