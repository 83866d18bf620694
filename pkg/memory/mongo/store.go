// Package mongo persists messages in MongoDB collections. Queries are
// translated to filter documents and executed server side.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jllopis/minions/pkg/memory"
	"github.com/jllopis/minions/pkg/message"
)

type document struct {
	ID             string         `bson:"_id"`
	Subsystem      string         `bson:"subsystem"`
	ConversationID string         `bson:"conversationId"`
	Role           string         `bson:"role"`
	Scope          string         `bson:"scope"`
	Content        string         `bson:"content"`
	Timestamp      int64          `bson:"ts"`
	CreatedAt      time.Time      `bson:"createdAt"`
	TokenCount     int            `bson:"tokenCount"`
	Metadata       map[string]any `bson:"metadata"`
}

func toDocument(sub memory.Subsystem, m *message.Message) document {
	return document{
		ID:             m.ID,
		Subsystem:      string(sub),
		ConversationID: m.ConversationID,
		Role:           string(m.Role),
		Scope:          string(m.Scope),
		Content:        m.Content,
		Timestamp:      m.Timestamp.UnixNano(),
		CreatedAt:      m.Timestamp,
		TokenCount:     m.TokenCount,
		Metadata:       m.Metadata(),
	}
}

func (d document) message() *message.Message {
	return message.New(message.Role(d.Role), message.Scope(d.Scope), d.Content,
		message.WithID(d.ID),
		message.WithConversation(d.ConversationID),
		message.WithTimestamp(time.Unix(0, d.Timestamp)),
		message.WithTokenCount(d.TokenCount),
		message.WithMetadata(d.Metadata),
	)
}

// Store is a memory.PersistenceStrategy over one collection. Each subsystem
// gets its own collection, named "<prefix>_<subsystem>".
type Store struct {
	sub        memory.Subsystem
	coll       *mongo.Collection
	snapshots  *mongo.Collection
	translator Translator
}

// New creates a store for sub in db.
func New(db *mongo.Database, sub memory.Subsystem, prefix string) *Store {
	if prefix == "" {
		prefix = "memory"
	}
	name := prefix + "_" + string(sub)
	return &Store{
		sub:       sub,
		coll:      db.Collection(name),
		snapshots: db.Collection(name + "_snapshots"),
	}
}

func (s *Store) scope(filter bson.D) bson.D {
	scoped := bson.D{{Key: "subsystem", Value: string(s.sub)}}
	if len(filter) > 0 {
		scoped = append(scoped, bson.E{Key: "$and", Value: bson.A{filter}})
	}
	return scoped
}

func (s *Store) Save(ctx context.Context, m *message.Message) error {
	_, err := s.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: m.ID}}, toDocument(s.sub, m),
		options.Replace().SetUpsert(true))
	return err
}

func (s *Store) SaveAll(ctx context.Context, msgs []*message.Message) error {
	models := make([]mongo.WriteModel, len(msgs))
	for i, m := range msgs {
		models[i] = mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: m.ID}}).
			SetReplacement(toDocument(s.sub, m)).
			SetUpsert(true)
	}
	if len(models) == 0 {
		return nil
	}
	_, err := s.coll.BulkWrite(ctx, models)
	return err
}

func (s *Store) FindByID(ctx context.Context, id string) (*message.Message, error) {
	var d document
	err := s.coll.FindOne(ctx, s.scope(bson.D{{Key: "_id", Value: id}})).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d.message(), nil
}

func (s *Store) DeleteByID(ctx context.Context, id string) (bool, error) {
	res, err := s.coll.DeleteOne(ctx, s.scope(bson.D{{Key: "_id", Value: id}}))
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

func (s *Store) DeleteAll(ctx context.Context) error {
	_, err := s.coll.DeleteMany(ctx, s.scope(nil))
	return err
}

func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.coll.CountDocuments(ctx, s.scope(nil))
	return int(n), err
}

func (s *Store) FetchCandidates(ctx context.Context, _ memory.Query) ([]*message.Message, error) {
	return s.find(ctx, s.coll, s.scope(nil), 0)
}

// Search implements memory.Searcher.
func (s *Store) Search(ctx context.Context, q memory.Query) ([]*message.Message, error) {
	filter, err := s.translator.Translate(q.Filter())
	if err != nil {
		return nil, err
	}
	return s.find(ctx, s.coll, s.scope(filter), q.Limit)
}

func (s *Store) find(ctx context.Context, coll *mongo.Collection, filter bson.D, limit int) ([]*message.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "ts", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*message.Message, len(docs))
	for i, d := range docs {
		out[i] = d.message()
	}
	return out, nil
}

func (s *Store) conversationFilter(conv string) bson.D {
	return bson.D{
		{Key: "subsystem", Value: string(s.sub)},
		{Key: "conversationId", Value: conv},
	}
}

func (s *Store) markerID(conv string) string {
	return "__snapshot__:" + string(s.sub) + ":" + conv
}

// Snapshot implements memory.Snapshotter by copying the conversation into
// the snapshot collection, replacing its previous copy.
func (s *Store) Snapshot(ctx context.Context, conversationID string) error {
	msgs, err := s.find(ctx, s.coll, s.conversationFilter(conversationID), 0)
	if err != nil {
		return err
	}
	if _, err := s.snapshots.DeleteMany(ctx, s.conversationFilter(conversationID)); err != nil {
		return err
	}
	docs := make([]any, 0, len(msgs)+1)
	for _, m := range msgs {
		docs = append(docs, toDocument(s.sub, m))
	}
	docs = append(docs, bson.D{
		{Key: "_id", Value: s.markerID(conversationID)},
		{Key: "subsystem", Value: string(s.sub)},
		{Key: "conversationId", Value: conversationID},
		{Key: "marker", Value: true},
		{Key: "takenAt", Value: time.Now().UTC()},
	})
	_, err = s.snapshots.InsertMany(ctx, docs)
	return err
}

// RestoreLatestSnapshot implements memory.Snapshotter. Documents of other
// conversations are not touched.
func (s *Store) RestoreLatestSnapshot(ctx context.Context, conversationID string) error {
	marker := s.snapshots.FindOne(ctx, bson.D{{Key: "_id", Value: s.markerID(conversationID)}})
	if errors.Is(marker.Err(), mongo.ErrNoDocuments) {
		return nil
	}
	if marker.Err() != nil {
		return marker.Err()
	}
	filter := append(s.conversationFilter(conversationID),
		bson.E{Key: "marker", Value: bson.D{{Key: "$exists", Value: false}}})
	saved, err := s.find(ctx, s.snapshots, filter, 0)
	if err != nil {
		return err
	}
	if _, err := s.coll.DeleteMany(ctx, s.conversationFilter(conversationID)); err != nil {
		return err
	}
	return s.SaveAll(ctx, saved)
}
