package qdrant

import (
	"errors"
	"fmt"
	"math"
	"time"

	pb "github.com/qdrant/go-client/qdrant"

	"github.com/jllopis/minions/pkg/memory/query"
	"github.com/jllopis/minions/pkg/message"
)

// Payload keys written for every point.
const (
	keyMessageID  = "message_id"
	keySubsystem  = "subsystem"
	keyConv       = "conversation_id"
	keyRole       = "role"
	keyScope      = "scope"
	keyContent    = "content"
	keyTSMicros   = "ts_us"
	keyTSSub      = "ts_sub_us"
	keyTSNanos    = "ts_ns"
	keyTokenCount = "token_count"
	keyMetadata   = "metadata"
)

// ErrUnsupported marks expressions the Qdrant filter language cannot express.
var ErrUnsupported = errors.New("qdrant: unsupported expression")

var keywordFields = map[string]string{
	message.FieldID:             keyMessageID,
	message.FieldConversationID: keyConv,
	message.FieldRole:           keyRole,
	message.FieldScope:          keyScope,
	message.FieldContent:        keyContent,
}

// Translator builds Qdrant payload filters:
//
//	AND -> must, OR -> should, NOT -> must_not of the single clause
//	eq on text fields -> keyword match, eq on tokenCount -> integer match
//	range -> gt / lt on ts_us, then on ts_sub_us within the same microsecond
//	metadata -> metadata.<key>
//
// Substring containment has no Qdrant equivalent and yields ErrUnsupported,
// as does a vector node anywhere but the root AND.
type Translator struct{}

// Translate converts e into a filter.
func (Translator) Translate(e query.Expr) (*pb.Filter, error) {
	return translate(e)
}

func translate(e query.Expr) (*pb.Filter, error) {
	switch n := e.(type) {
	case nil:
		return nil, fmt.Errorf("qdrant: nil expression")
	case query.AlwaysTrue:
		return &pb.Filter{}, nil
	case query.Logical:
		return logical(n)
	}
	c, err := condition(e)
	if err != nil {
		return nil, err
	}
	return &pb.Filter{Must: []*pb.Condition{c}}, nil
}

func condition(e query.Expr) (*pb.Condition, error) {
	switch n := e.(type) {
	case query.AlwaysTrue, query.Logical:
		f, err := translate(e)
		if err != nil {
			return nil, err
		}
		return nested(f), nil
	case query.FieldEquals:
		return fieldEquals(n)
	case query.ContainsKeyword:
		return nil, fmt.Errorf("%w: containment on %q", ErrUnsupported, n.Field)
	case query.Range:
		if n.Field != message.FieldTimestamp {
			return nil, fmt.Errorf("qdrant: range on field %q is not supported", n.Field)
		}
		return timeRange(n.Instant, n.Direction), nil
	case query.MetadataMatch:
		return valueMatch(keyMetadata+"."+n.Key, n.Value), nil
	case query.VectorSimilarity:
		return nil, fmt.Errorf("%w: nested vector similarity", ErrUnsupported)
	}
	return nil, fmt.Errorf("qdrant: unsupported node %T", e)
}

func fieldEquals(n query.FieldEquals) (*pb.Condition, error) {
	switch n.Field {
	case message.FieldTimestamp:
		ts, ok := n.Value.(time.Time)
		if !ok {
			return nil, fmt.Errorf("qdrant: timestamp equality needs a time value, got %T", n.Value)
		}
		return matchCond(keyTSNanos, &pb.Match{MatchValue: &pb.Match_Integer{Integer: ts.UnixNano()}}), nil
	case message.FieldTokenCount:
		f, ok := query.AsNumber(n.Value)
		if !ok {
			return nil, fmt.Errorf("qdrant: tokenCount equality needs a number, got %T", n.Value)
		}
		return valueMatch(keyTokenCount, f), nil
	}
	key, ok := keywordFields[n.Field]
	if !ok {
		return nil, fmt.Errorf("qdrant: field %q cannot be compared", n.Field)
	}
	if _, isNum := query.AsNumber(n.Value); isNum {
		return nil, fmt.Errorf("qdrant: field %s needs a string value, got %T", n.Field, n.Value)
	}
	return matchCond(key, &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: query.Stringify(n.Value)}}), nil
}

// valueMatch picks the match kind from the Go type of v. Fractional numbers
// become a closed range since Qdrant only matches integers exactly.
func valueMatch(key string, v any) *pb.Condition {
	if b, ok := v.(bool); ok {
		return matchCond(key, &pb.Match{MatchValue: &pb.Match_Boolean{Boolean: b}})
	}
	if f, ok := query.AsNumber(v); ok {
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return matchCond(key, &pb.Match{MatchValue: &pb.Match_Integer{Integer: int64(f)}})
		}
		return rangeCond(key, &pb.Range{Gte: &f, Lte: &f})
	}
	return matchCond(key, &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: query.Stringify(v)}})
}

// splitMicros splits t into whole microseconds since the epoch, rounded
// down, and the nanoseconds past that microsecond. Both fit a float64
// exactly, which Qdrant ranges compare in; epoch nanoseconds do not.
func splitMicros(t time.Time) (us, sub int64) {
	ns := t.UnixNano()
	us = ns / 1000
	if ns%1000 < 0 {
		us--
	}
	return us, ns - us*1000
}

// timeRange matches timestamps strictly after or before t to the
// nanosecond: either the microsecond is beyond t's, or it is the same
// microsecond and the remainder is beyond t's.
func timeRange(t time.Time, dir query.Direction) *pb.Condition {
	us, sub := splitMicros(t)
	usf, subf := float64(us), float64(sub)
	coarse, fine := &pb.Range{Lt: &usf}, &pb.Range{Lt: &subf}
	if dir == query.After {
		coarse, fine = &pb.Range{Gt: &usf}, &pb.Range{Gt: &subf}
	}
	return nested(&pb.Filter{Should: []*pb.Condition{
		rangeCond(keyTSMicros, coarse),
		nested(&pb.Filter{Must: []*pb.Condition{
			matchCond(keyTSMicros, &pb.Match{MatchValue: &pb.Match_Integer{Integer: us}}),
			rangeCond(keyTSSub, fine),
		}}),
	}})
}

func logical(n query.Logical) (*pb.Filter, error) {
	conds := make([]*pb.Condition, 0, len(n.Children))
	for _, c := range n.Children {
		cond, err := condition(c)
		if err != nil {
			return nil, err
		}
		conds = append(conds, cond)
	}
	switch n.Op {
	case query.OpAnd:
		return &pb.Filter{Must: conds}, nil
	case query.OpOr:
		if len(conds) == 0 {
			return matchNothing(), nil
		}
		return &pb.Filter{Should: conds}, nil
	case query.OpNot:
		if len(conds) != 1 {
			return nil, fmt.Errorf("qdrant: NOT requires exactly one child, got %d", len(conds))
		}
		return &pb.Filter{MustNot: conds}, nil
	}
	return nil, fmt.Errorf("qdrant: unknown logical operator %q", n.Op)
}

// matchNothing requires membership in an empty id set.
func matchNothing() *pb.Filter {
	return &pb.Filter{Must: []*pb.Condition{{
		ConditionOneOf: &pb.Condition_HasId{HasId: &pb.HasIdCondition{}},
	}}}
}

func matchCond(key string, m *pb.Match) *pb.Condition {
	return &pb.Condition{ConditionOneOf: &pb.Condition_Field{
		Field: &pb.FieldCondition{Key: key, Match: m},
	}}
}

func rangeCond(key string, r *pb.Range) *pb.Condition {
	return &pb.Condition{ConditionOneOf: &pb.Condition_Field{
		Field: &pb.FieldCondition{Key: key, Range: r},
	}}
}

func nested(f *pb.Filter) *pb.Condition {
	return &pb.Condition{ConditionOneOf: &pb.Condition_Filter{Filter: f}}
}
