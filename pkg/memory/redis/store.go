// Package redis stores messages in Redis. Each message is a JSON string
// key; a sorted set per subsystem keeps chronological order and a set per
// conversation narrows candidate fetching. Filtering happens in process.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jllopis/minions/pkg/memory"
	"github.com/jllopis/minions/pkg/memory/query"
	"github.com/jllopis/minions/pkg/message"
)

// Config configures a Store.
type Config struct {
	// Prefix namespaces every key, default "minions".
	Prefix string
	// TTL applies to message keys; zero keeps them forever.
	TTL time.Duration
}

// Store is a memory.PersistenceStrategy over Redis.
type Store struct {
	client goredis.UniversalClient
	sub    memory.Subsystem
	prefix string
	ttl    time.Duration
}

// New creates a store for sub.
func New(client goredis.UniversalClient, sub memory.Subsystem, cfg Config) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = "minions"
	}
	return &Store{client: client, sub: sub, prefix: cfg.Prefix, ttl: cfg.TTL}
}

func (s *Store) msgKey(id string) string {
	return fmt.Sprintf("%s:%s:msg:%s", s.prefix, s.sub, id)
}

func (s *Store) indexKey() string { return fmt.Sprintf("%s:%s:idx", s.prefix, s.sub) }

func (s *Store) convKey(conv string) string {
	return fmt.Sprintf("%s:%s:conv:%s", s.prefix, s.sub, conv)
}

func (s *Store) snapKey(conv string) string {
	return fmt.Sprintf("%s:%s:snap:%s", s.prefix, s.sub, conv)
}

func (s *Store) snapMarkKey(conv string) string {
	return fmt.Sprintf("%s:%s:snapmark:%s", s.prefix, s.sub, conv)
}

type record struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Role           string         `json:"role"`
	Scope          string         `json:"scope"`
	Content        string         `json:"content"`
	Timestamp      int64          `json:"ts"`
	TokenCount     int            `json:"token_count"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func encode(m *message.Message) ([]byte, error) {
	return json.Marshal(record{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           string(m.Role),
		Scope:          string(m.Scope),
		Content:        m.Content,
		Timestamp:      m.Timestamp.UnixNano(),
		TokenCount:     m.TokenCount,
		Metadata:       m.Metadata(),
	})
}

func decode(raw string) (*message.Message, error) {
	var r record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, err
	}
	return message.New(message.Role(r.Role), message.Scope(r.Scope), r.Content,
		message.WithID(r.ID),
		message.WithConversation(r.ConversationID),
		message.WithTimestamp(time.Unix(0, r.Timestamp)),
		message.WithTokenCount(r.TokenCount),
		message.WithMetadata(r.Metadata),
	), nil
}

func (s *Store) Save(ctx context.Context, m *message.Message) error {
	return s.SaveAll(ctx, []*message.Message{m})
}

func (s *Store) SaveAll(ctx context.Context, msgs []*message.Message) error {
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		for _, m := range msgs {
			raw, err := encode(m)
			if err != nil {
				return fmt.Errorf("redis: encode %s: %w", m.ID, err)
			}
			p.Set(ctx, s.msgKey(m.ID), raw, s.ttl)
			p.ZAdd(ctx, s.indexKey(), goredis.Z{Score: float64(m.Timestamp.UnixNano()), Member: m.ID})
			p.SAdd(ctx, s.convKey(m.ConversationID), m.ID)
		}
		return nil
	})
	return err
}

func (s *Store) FindByID(ctx context.Context, id string) (*message.Message, error) {
	raw, err := s.client.Get(ctx, s.msgKey(id)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

func (s *Store) DeleteByID(ctx context.Context, id string) (bool, error) {
	m, err := s.FindByID(ctx, id)
	if errors.Is(err, memory.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, s.msgKey(id))
		p.ZRem(ctx, s.indexKey(), id)
		p.SRem(ctx, s.convKey(m.ConversationID), id)
		return nil
	})
	return err == nil, err
}

func (s *Store) DeleteAll(ctx context.Context) error {
	all, err := s.all(ctx)
	if err != nil {
		return err
	}
	keys := []string{s.indexKey()}
	seenConv := map[string]bool{}
	for _, m := range all {
		keys = append(keys, s.msgKey(m.ID))
		if !seenConv[m.ConversationID] {
			seenConv[m.ConversationID] = true
			keys = append(keys, s.convKey(m.ConversationID))
		}
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.indexKey()).Result()
	return int(n), err
}

// FetchCandidates narrows by conversation when the filter pins one,
// otherwise it loads the whole subsystem.
func (s *Store) FetchCandidates(ctx context.Context, q memory.Query) ([]*message.Message, error) {
	if conv, ok := pinnedConversation(q.Filter()); ok {
		ids, err := s.client.SMembers(ctx, s.convKey(conv)).Result()
		if err != nil {
			return nil, err
		}
		return s.load(ctx, ids)
	}
	return s.all(ctx)
}

func (s *Store) all(ctx context.Context) ([]*message.Message, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return s.load(ctx, ids)
}

func (s *Store) load(ctx context.Context, ids []string) ([]*message.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.msgKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*message.Message, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// expired or concurrently deleted
			continue
		}
		m, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) conversation(ctx context.Context, conv string) ([]*message.Message, error) {
	ids, err := s.client.SMembers(ctx, s.convKey(conv)).Result()
	if err != nil {
		return nil, err
	}
	return s.load(ctx, ids)
}

// Snapshot implements memory.Snapshotter with one hash of encoded messages
// per conversation.
func (s *Store) Snapshot(ctx context.Context, conversationID string) error {
	msgs, err := s.conversation(ctx, conversationID)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, s.snapKey(conversationID))
		for _, m := range msgs {
			raw, err := encode(m)
			if err != nil {
				return err
			}
			p.HSet(ctx, s.snapKey(conversationID), m.ID, raw)
		}
		p.Set(ctx, s.snapMarkKey(conversationID), time.Now().UnixNano(), 0)
		return nil
	})
	return err
}

// RestoreLatestSnapshot implements memory.Snapshotter. Only the keys of the
// conversation are rewritten.
func (s *Store) RestoreLatestSnapshot(ctx context.Context, conversationID string) error {
	n, err := s.client.Exists(ctx, s.snapMarkKey(conversationID)).Result()
	if err != nil || n == 0 {
		return err
	}
	entries, err := s.client.HGetAll(ctx, s.snapKey(conversationID)).Result()
	if err != nil {
		return err
	}
	saved := make([]*message.Message, 0, len(entries))
	for _, raw := range entries {
		m, err := decode(raw)
		if err != nil {
			return err
		}
		saved = append(saved, m)
	}
	current, err := s.client.SMembers(ctx, s.convKey(conversationID)).Result()
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		for _, id := range current {
			p.Del(ctx, s.msgKey(id))
			p.ZRem(ctx, s.indexKey(), id)
		}
		p.Del(ctx, s.convKey(conversationID))
		return nil
	})
	if err != nil || len(saved) == 0 {
		return err
	}
	return s.SaveAll(ctx, saved)
}

func pinnedConversation(e query.Expr) (string, bool) {
	switch n := e.(type) {
	case query.FieldEquals:
		if n.Field == message.FieldConversationID {
			return query.Stringify(n.Value), true
		}
	case query.Logical:
		if n.Op != query.OpAnd {
			return "", false
		}
		for _, c := range n.Children {
			if conv, ok := pinnedConversation(c); ok {
				return conv, true
			}
		}
	}
	return "", false
}
