package mongo

import (
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/jllopis/minions/pkg/memory/query"
	"github.com/jllopis/minions/pkg/message"
)

// fields maps message fields to document keys.
var fields = map[string]string{
	message.FieldID:             "_id",
	message.FieldConversationID: "conversationId",
	message.FieldRole:           "role",
	message.FieldScope:          "scope",
	message.FieldContent:        "content",
	message.FieldTimestamp:      "ts",
	message.FieldTokenCount:     "tokenCount",
}

var textFields = map[string]bool{
	"_id": true, "conversationId": true, "role": true, "scope": true, "content": true,
}

// matchNothing is a filter no document satisfies.
var matchNothing = bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: bson.A{}}}}}

// Translator builds MongoDB filters:
//
//	AND -> $and, OR -> $or, NOT -> $nor of the single negated clause
//	eq -> {field: value}, contains -> $regex (quoted, case sensitive)
//	range -> $gt / $lt on ts (unix nanoseconds), metadata -> {"metadata.<key>": value}
//
// Vector similarity and unknown fields are rejected.
type Translator struct{}

// Translate converts e into a filter document.
func (Translator) Translate(e query.Expr) (bson.D, error) {
	return translate(e)
}

func translate(e query.Expr) (bson.D, error) {
	switch n := e.(type) {
	case nil:
		return nil, fmt.Errorf("mongo: nil expression")
	case query.AlwaysTrue:
		return bson.D{}, nil
	case query.FieldEquals:
		key, ok := fields[n.Field]
		if !ok {
			return nil, fmt.Errorf("mongo: field %q cannot be compared", n.Field)
		}
		v, err := fieldValue(key, n.Value)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: key, Value: v}}, nil
	case query.ContainsKeyword:
		key, ok := fields[n.Field]
		if !ok || !textFields[key] {
			return nil, fmt.Errorf("mongo: containment on field %q is not supported", n.Field)
		}
		return bson.D{{Key: key, Value: bson.D{{Key: "$regex", Value: regexp.QuoteMeta(n.Keyword)}}}}, nil
	case query.Range:
		if n.Field != message.FieldTimestamp {
			return nil, fmt.Errorf("mongo: range on field %q is not supported", n.Field)
		}
		op := "$lt"
		if n.Direction == query.After {
			op = "$gt"
		}
		return bson.D{{Key: "ts", Value: bson.D{{Key: op, Value: n.Instant.UnixNano()}}}}, nil
	case query.MetadataMatch:
		return bson.D{{Key: "metadata." + n.Key, Value: metadataValue(n.Value)}}, nil
	case query.VectorSimilarity:
		return nil, fmt.Errorf("mongo: vector similarity is not supported")
	case query.Logical:
		return logical(n)
	}
	return nil, fmt.Errorf("mongo: unsupported node %T", e)
}

func logical(n query.Logical) (bson.D, error) {
	children := make(bson.A, 0, len(n.Children))
	for _, c := range n.Children {
		d, err := translate(c)
		if err != nil {
			return nil, err
		}
		children = append(children, d)
	}
	switch n.Op {
	case query.OpAnd:
		if len(children) == 0 {
			return bson.D{}, nil
		}
		return bson.D{{Key: "$and", Value: children}}, nil
	case query.OpOr:
		if len(children) == 0 {
			return matchNothing, nil
		}
		return bson.D{{Key: "$or", Value: children}}, nil
	case query.OpNot:
		if len(children) != 1 {
			return nil, fmt.Errorf("mongo: NOT requires exactly one child, got %d", len(children))
		}
		return bson.D{{Key: "$nor", Value: children}}, nil
	}
	return nil, fmt.Errorf("mongo: unknown logical operator %q", n.Op)
}

func fieldValue(key string, v any) (any, error) {
	switch key {
	case "ts":
		ts, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("mongo: timestamp equality needs a time value, got %T", v)
		}
		return ts.UnixNano(), nil
	case "tokenCount":
		f, ok := query.AsNumber(v)
		if !ok {
			return nil, fmt.Errorf("mongo: tokenCount equality needs a number, got %T", v)
		}
		return f, nil
	}
	if _, isNum := query.AsNumber(v); isNum {
		return nil, fmt.Errorf("mongo: field %s needs a string value, got %T", key, v)
	}
	return query.Stringify(v), nil
}

func metadataValue(v any) any {
	if f, ok := query.AsNumber(v); ok {
		return f
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return query.Stringify(v)
}
