// Copyright 2026 © The Minions Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory implements the multi-tier conversational memory of an agent.
//
// Each tier (Subsystem) is a Memory backed by exactly one PersistenceStrategy.
// The Manager composes tiers behind an ordered chain of Handlers so that
// cross-cutting behavior, such as mirroring stored messages into the vector
// tier, can be added without touching callers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/memory/query"
	"github.com/jllopis/minions/pkg/message"
)

// ErrNotFound indicates no matching message was found.
var ErrNotFound = errors.New("memory: not found")

// Subsystem tags a memory tier.
type Subsystem string

const (
	ShortTerm Subsystem = "SHORT_TERM"
	Episodic  Subsystem = "EPISODIC"
	Entity    Subsystem = "ENTITY"
	Vector    Subsystem = "VECTOR"
	LongTerm  Subsystem = "LONG_TERM"
)

// KnownSubsystems lists the built-in tags.
var KnownSubsystems = []Subsystem{ShortTerm, Episodic, Entity, Vector, LongTerm}

// ParseSubsystem parses a tag case-insensitively, accepting "short-term"
// as well as "SHORT_TERM".
func ParseSubsystem(s string) (Subsystem, error) {
	norm := Subsystem(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	for _, k := range KnownSubsystems {
		if k == norm {
			return k, nil
		}
	}
	return "", minerr.Newf(minerr.CodeConfiguration, "unknown memory subsystem %q", s)
}

// Query selects messages from one subsystem. An empty Subsystem targets every
// registered tier when run through the Manager. Limit 0 means unbounded.
type Query struct {
	Subsystem Subsystem
	Expr      query.Expr
	Limit     int
}

// Filter returns the expression, defaulting to AlwaysTrue.
func (q Query) Filter() query.Expr {
	if q.Expr == nil {
		return query.True()
	}
	return q.Expr
}

func (q Query) String() string {
	return fmt.Sprintf("%s WHERE %s LIMIT %d", q.Subsystem, q.Filter(), q.Limit)
}

// QueryBuilder builds a Query fluently.
type QueryBuilder struct {
	q Query
}

// NewQuery starts a query against sub.
func NewQuery(sub Subsystem) *QueryBuilder {
	return &QueryBuilder{q: Query{Subsystem: sub}}
}

// Where sets the filter expression.
func (b *QueryBuilder) Where(e query.Expr) *QueryBuilder {
	b.q.Expr = e
	return b
}

// Limit sets the maximum number of results.
func (b *QueryBuilder) Limit(n int) *QueryBuilder {
	b.q.Limit = n
	return b
}

// Build returns the immutable query value.
func (b *QueryBuilder) Build() Query { return b.q }

// Memory is one tier of agent memory.
type Memory interface {
	Subsystem() Subsystem
	Store(ctx context.Context, msg *message.Message) error
	StoreAll(ctx context.Context, msgs []*message.Message) error
	// Retrieve returns ErrNotFound when id is unknown.
	Retrieve(ctx context.Context, id string) (*message.Message, error)
	DeleteByID(ctx context.Context, id string) (bool, error)
	Query(ctx context.Context, q Query) ([]*message.Message, error)
	Flush(ctx context.Context) error
	// Snapshot checkpoints the messages of one conversation. Checkpoints of
	// different conversations are independent.
	Snapshot(ctx context.Context, conversationID string) error
	// RestoreLatestSnapshot replaces the messages of the conversation with
	// its latest checkpoint. Other conversations are left untouched.
	RestoreLatestSnapshot(ctx context.Context, conversationID string) error
}

// PersistenceStrategy adapts one storage technology.
type PersistenceStrategy interface {
	Save(ctx context.Context, msg *message.Message) error
	SaveAll(ctx context.Context, msgs []*message.Message) error
	// FindByID returns ErrNotFound when id is unknown.
	FindByID(ctx context.Context, id string) (*message.Message, error)
	DeleteByID(ctx context.Context, id string) (bool, error)
	DeleteAll(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	// FetchCandidates returns a superset of the messages matching q. The tier
	// evaluates the expression on the result.
	FetchCandidates(ctx context.Context, q Query) ([]*message.Message, error)
}

// Searcher is implemented by strategies that translate the query to their
// native language and filter server side. Results must be final: filtered,
// ordered and limited.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]*message.Message, error)
}

// Snapshotter is implemented by strategies with native checkpoints, keyed
// by conversation id.
type Snapshotter interface {
	Snapshot(ctx context.Context, conversationID string) error
	RestoreLatestSnapshot(ctx context.Context, conversationID string) error
}

// Flusher is implemented by strategies that buffer writes.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Embedder converts text to a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ScoredID is a vector search hit.
type ScoredID struct {
	ID    string
	Score float32
}

// VectorSearcher is the embedding provider side of similarity search.
type VectorSearcher interface {
	SearchVector(ctx context.Context, vector []float32, topK int) ([]ScoredID, error)
}

func wrapBackend(op string, sub Subsystem, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	var me *minerr.MinionError
	if errors.As(err, &me) {
		return err
	}
	return minerr.New(minerr.CodeMemoryError, op+" failed", err).
		WithAttribute("memory.subsystem", string(sub))
}
