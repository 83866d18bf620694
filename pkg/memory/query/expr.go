// SPDX-License-Identifier: Apache-2.0
// Package query implements the composable predicate language used to query
// memory tiers.
//
// An Expr is a closed tree of nodes. Evaluate runs it in process against a
// message; backends that can filter natively translate it instead (see the
// Translator types in the backend packages). Both paths must select the same
// messages for any tree without a VectorSimilarity node.
package query

import (
	"fmt"
	"strings"
	"time"
)

// Expr is a node of the query tree. The set of node types is closed.
type Expr interface {
	fmt.Stringer
	expr()
}

// Direction of a Range comparison.
type Direction string

const (
	After  Direction = "AFTER"
	Before Direction = "BEFORE"
)

// Op of a Logical node.
type Op string

const (
	OpAnd Op = "AND"
	OpOr  Op = "OR"
	OpNot Op = "NOT"
)

// AlwaysTrue matches every message.
type AlwaysTrue struct{}

// FieldEquals matches when a field equals Value.
type FieldEquals struct {
	Field string
	Value any
}

// ContainsKeyword matches when the string form of a field contains Keyword.
// The comparison is case sensitive.
type ContainsKeyword struct {
	Field   string
	Keyword string
}

// Range matches a time field strictly after or before Instant.
type Range struct {
	Field     string
	Instant   time.Time
	Direction Direction
}

// MetadataMatch matches a metadata entry.
type MetadataMatch struct {
	Key   string
	Value any
}

// VectorSimilarity asks the backend to rank by similarity. It always
// evaluates to true in process.
type VectorSimilarity struct {
	Embedding []float32
	TopK      int
}

// Logical combines children. NOT takes exactly one child.
type Logical struct {
	Op       Op
	Children []Expr
}

func (AlwaysTrue) expr()       {}
func (FieldEquals) expr()      {}
func (ContainsKeyword) expr()  {}
func (Range) expr()            {}
func (MetadataMatch) expr()    {}
func (VectorSimilarity) expr() {}
func (Logical) expr()          {}

func (AlwaysTrue) String() string        { return "TRUE" }
func (e FieldEquals) String() string     { return fmt.Sprintf("%s = %v", e.Field, e.Value) }
func (e ContainsKeyword) String() string { return fmt.Sprintf("%s CONTAINS %q", e.Field, e.Keyword) }
func (e Range) String() string {
	return fmt.Sprintf("%s %s %s", e.Field, e.Direction, e.Instant.Format(time.RFC3339Nano))
}
func (e MetadataMatch) String() string { return fmt.Sprintf("metadata.%s = %v", e.Key, e.Value) }
func (e VectorSimilarity) String() string {
	return fmt.Sprintf("VECTOR(dim=%d, topK=%d)", len(e.Embedding), e.TopK)
}
func (e Logical) String() string {
	parts := make([]string, len(e.Children))
	for i, c := range e.Children {
		if c == nil {
			parts[i] = "<nil>"
			continue
		}
		parts[i] = c.String()
	}
	if e.Op == OpNot {
		return "NOT (" + strings.Join(parts, ", ") + ")"
	}
	return "(" + strings.Join(parts, " "+string(e.Op)+" ") + ")"
}

// True matches everything.
func True() Expr { return AlwaysTrue{} }

// Eq matches field == value.
func Eq(field string, value any) Expr { return FieldEquals{Field: field, Value: value} }

// Contains matches when field contains keyword.
func Contains(field, keyword string) Expr { return ContainsKeyword{Field: field, Keyword: keyword} }

// AfterTime matches field > t.
func AfterTime(field string, t time.Time) Expr {
	return Range{Field: field, Instant: t, Direction: After}
}

// BeforeTime matches field < t.
func BeforeTime(field string, t time.Time) Expr {
	return Range{Field: field, Instant: t, Direction: Before}
}

// Metadata matches metadata[key] == value.
func Metadata(key string, value any) Expr { return MetadataMatch{Key: key, Value: value} }

// Vector marks a similarity search.
func Vector(embedding []float32, topK int) Expr {
	return VectorSimilarity{Embedding: embedding, TopK: topK}
}

// And is the conjunction of children. An empty AND matches everything.
func And(children ...Expr) Expr { return Logical{Op: OpAnd, Children: children} }

// Or is the disjunction of children. An empty OR matches nothing.
func Or(children ...Expr) Expr { return Logical{Op: OpOr, Children: children} }

// Not negates child.
func Not(child Expr) Expr { return Logical{Op: OpNot, Children: []Expr{child}} }

// Validate checks structural invariants of the tree.
func Validate(e Expr) error {
	switch n := e.(type) {
	case nil:
		return fmt.Errorf("query: nil expression")
	case Logical:
		switch n.Op {
		case OpAnd, OpOr:
		case OpNot:
			if len(n.Children) != 1 {
				return fmt.Errorf("query: NOT requires exactly one child, got %d", len(n.Children))
			}
		default:
			return fmt.Errorf("query: unknown logical operator %q", n.Op)
		}
		for _, c := range n.Children {
			if err := Validate(c); err != nil {
				return err
			}
		}
	case FieldEquals:
		if n.Field == "" {
			return fmt.Errorf("query: equality without field")
		}
	case ContainsKeyword:
		if n.Field == "" {
			return fmt.Errorf("query: contains without field")
		}
	case Range:
		if n.Field == "" {
			return fmt.Errorf("query: range without field")
		}
		if n.Direction != After && n.Direction != Before {
			return fmt.Errorf("query: unknown range direction %q", n.Direction)
		}
	case MetadataMatch:
		if n.Key == "" {
			return fmt.Errorf("query: metadata match without key")
		}
	case VectorSimilarity:
		if len(n.Embedding) == 0 {
			return fmt.Errorf("query: vector similarity without embedding")
		}
	}
	return nil
}

// SplitVector extracts a VectorSimilarity node found at the root or as a
// direct child of a root AND. It returns the marker (nil if absent) and the
// remaining filter expression.
func SplitVector(e Expr) (*VectorSimilarity, Expr) {
	switch n := e.(type) {
	case VectorSimilarity:
		return &n, True()
	case Logical:
		if n.Op != OpAnd {
			return nil, e
		}
		var found *VectorSimilarity
		rest := make([]Expr, 0, len(n.Children))
		for _, c := range n.Children {
			if v, ok := c.(VectorSimilarity); ok && found == nil {
				found = &v
				continue
			}
			rest = append(rest, c)
		}
		if found == nil {
			return nil, e
		}
		if len(rest) == 1 {
			return found, rest[0]
		}
		return found, And(rest...)
	}
	return nil, e
}

// HasVector reports whether the tree contains a VectorSimilarity node.
func HasVector(e Expr) bool {
	switch n := e.(type) {
	case VectorSimilarity:
		return true
	case Logical:
		for _, c := range n.Children {
			if HasVector(c) {
				return true
			}
		}
	}
	return false
}
