package sqlstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jllopis/minions/pkg/memory/query"
	"github.com/jllopis/minions/pkg/message"
)

// Dialect selects the SQL flavor produced by the Translator.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// columns maps queryable message fields to table columns.
var columns = map[string]string{
	message.FieldID:             "id",
	message.FieldConversationID: "conversation_id",
	message.FieldRole:           "role",
	message.FieldScope:          "scope",
	message.FieldContent:        "content",
	message.FieldTimestamp:      "ts",
	message.FieldTokenCount:     "token_count",
}

var textColumns = map[string]bool{
	"id": true, "conversation_id": true, "role": true, "scope": true, "content": true,
}

// Translator turns a query expression into a WHERE clause.
//
//	AND  -> (a) AND (b)       empty AND -> TRUE
//	OR   -> (a) OR (b)        empty OR  -> FALSE
//	NOT  -> NOT (a)
//	eq   -> col = ?
//	contains -> instr(col, ?) > 0 / strpos(col, ?) > 0 (case sensitive)
//	range    -> ts > ? / ts < ? (unix nanoseconds)
//	metadata -> json_extract(metadata, ?) = ? / metadata @> ?::jsonb
//
// Vector similarity and fields without a column are rejected.
type Translator struct {
	Dialect Dialect
}

// Clause is a translated predicate with positional arguments.
type Clause struct {
	SQL  string
	Args []any
}

// Translate returns the predicate for e using "?" placeholders. Use Rebind
// to convert them for the dialect.
func (t Translator) Translate(e query.Expr) (Clause, error) {
	var c Clause
	sql, err := t.translate(e, &c.Args)
	if err != nil {
		return Clause{}, err
	}
	c.SQL = sql
	return c, nil
}

func (t Translator) truth(v bool) string {
	if t.Dialect == DialectPostgres {
		if v {
			return "TRUE"
		}
		return "FALSE"
	}
	if v {
		return "1=1"
	}
	return "1=0"
}

func (t Translator) translate(e query.Expr, args *[]any) (string, error) {
	switch n := e.(type) {
	case nil:
		return "", fmt.Errorf("sqlstore: nil expression")
	case query.AlwaysTrue:
		return t.truth(true), nil
	case query.FieldEquals:
		col, ok := columns[n.Field]
		if !ok {
			return "", fmt.Errorf("sqlstore: field %q cannot be compared", n.Field)
		}
		v, err := columnValue(col, n.Value)
		if err != nil {
			return "", err
		}
		*args = append(*args, v)
		return col + " = ?", nil
	case query.ContainsKeyword:
		col, ok := columns[n.Field]
		if !ok || !textColumns[col] {
			return "", fmt.Errorf("sqlstore: containment on field %q is not supported", n.Field)
		}
		*args = append(*args, n.Keyword)
		if t.Dialect == DialectPostgres {
			return "strpos(" + col + ", ?) > 0", nil
		}
		return "instr(" + col + ", ?) > 0", nil
	case query.Range:
		if n.Field != message.FieldTimestamp {
			return "", fmt.Errorf("sqlstore: range on field %q is not supported", n.Field)
		}
		*args = append(*args, n.Instant.UnixNano())
		if n.Direction == query.After {
			return "ts > ?", nil
		}
		return "ts < ?", nil
	case query.MetadataMatch:
		return t.metadata(n, args)
	case query.VectorSimilarity:
		return "", fmt.Errorf("sqlstore: vector similarity is not supported")
	case query.Logical:
		return t.logical(n, args)
	default:
		return "", fmt.Errorf("sqlstore: unsupported node %T", e)
	}
}

func (t Translator) metadata(n query.MetadataMatch, args *[]any) (string, error) {
	if t.Dialect == DialectPostgres {
		doc, err := json.Marshal(map[string]any{n.Key: jsonValue(n.Value)})
		if err != nil {
			return "", fmt.Errorf("sqlstore: metadata value for %q: %w", n.Key, err)
		}
		*args = append(*args, string(doc))
		return "metadata @> ?::jsonb", nil
	}
	path := `$."` + strings.ReplaceAll(n.Key, `"`, `\"`) + `"`
	*args = append(*args, path, sqliteJSONValue(n.Value))
	// json_extract yields NULL for missing keys; IS TRUE keeps NOT two-valued.
	return "(json_extract(metadata, ?) = ?) IS TRUE", nil
}

func (t Translator) logical(n query.Logical, args *[]any) (string, error) {
	switch n.Op {
	case query.OpNot:
		if len(n.Children) != 1 {
			return "", fmt.Errorf("sqlstore: NOT requires exactly one child, got %d", len(n.Children))
		}
		inner, err := t.translate(n.Children[0], args)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case query.OpAnd, query.OpOr:
		if len(n.Children) == 0 {
			return t.truth(n.Op == query.OpAnd), nil
		}
		parts := make([]string, len(n.Children))
		for i, c := range n.Children {
			p, err := t.translate(c, args)
			if err != nil {
				return "", err
			}
			parts[i] = "(" + p + ")"
		}
		return strings.Join(parts, " "+string(n.Op)+" "), nil
	}
	return "", fmt.Errorf("sqlstore: unknown logical operator %q", n.Op)
}

func columnValue(col string, v any) (any, error) {
	switch col {
	case "ts":
		ts, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("sqlstore: timestamp equality needs a time value, got %T", v)
		}
		return ts.UnixNano(), nil
	case "token_count":
		f, ok := query.AsNumber(v)
		if !ok {
			return nil, fmt.Errorf("sqlstore: tokenCount equality needs a number, got %T", v)
		}
		return f, nil
	}
	if _, isNum := query.AsNumber(v); isNum {
		return nil, fmt.Errorf("sqlstore: column %s needs a string value, got %T", col, v)
	}
	return query.Stringify(v), nil
}

func jsonValue(v any) any {
	if f, ok := query.AsNumber(v); ok {
		return f
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return query.Stringify(v)
}

func sqliteJSONValue(v any) any {
	if f, ok := query.AsNumber(v); ok {
		return f
	}
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return query.Stringify(v)
}

// Rebind rewrites "?" placeholders for the dialect.
func Rebind(d Dialect, sql string) string {
	if d != DialectPostgres {
		return sql
	}
	var b strings.Builder
	n := 0
	for _, r := range sql {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
