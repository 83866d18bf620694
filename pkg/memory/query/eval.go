package query

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jllopis/minions/pkg/message"
)

// Evaluate reports whether m satisfies e.
//
// Equality and containment on an unregistered field never match. Range
// requires a time-valued field.
func Evaluate(e Expr, m *message.Message) (bool, error) {
	switch n := e.(type) {
	case nil:
		return false, fmt.Errorf("query: nil expression")
	case AlwaysTrue, VectorSimilarity:
		return true, nil
	case FieldEquals:
		v, ok := m.Field(n.Field)
		if !ok {
			return false, nil
		}
		return ValuesEqual(v, n.Value), nil
	case ContainsKeyword:
		v, ok := m.Field(n.Field)
		if !ok || v == nil {
			return false, nil
		}
		return strings.Contains(Stringify(v), n.Keyword), nil
	case Range:
		v, ok := m.Field(n.Field)
		if !ok {
			return false, nil
		}
		ts, ok := v.(time.Time)
		if !ok {
			return false, fmt.Errorf("query: field %q is not a time", n.Field)
		}
		if n.Direction == After {
			return ts.After(n.Instant), nil
		}
		return ts.Before(n.Instant), nil
	case MetadataMatch:
		v, ok := m.MetadataValue(n.Key)
		if !ok {
			return false, nil
		}
		return ValuesEqual(v, n.Value), nil
	case Logical:
		return evalLogical(n, m)
	default:
		return false, fmt.Errorf("query: unsupported node %T", e)
	}
}

func evalLogical(n Logical, m *message.Message) (bool, error) {
	switch n.Op {
	case OpAnd:
		for _, c := range n.Children {
			ok, err := Evaluate(c, m)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		for _, c := range n.Children {
			ok, err := Evaluate(c, m)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		if len(n.Children) != 1 {
			return false, fmt.Errorf("query: NOT requires exactly one child, got %d", len(n.Children))
		}
		ok, err := Evaluate(n.Children[0], m)
		return !ok, err
	}
	return false, fmt.Errorf("query: unknown logical operator %q", n.Op)
}

// Filter returns the messages of in that satisfy e, preserving order.
func Filter(e Expr, in []*message.Message) ([]*message.Message, error) {
	out := make([]*message.Message, 0, len(in))
	for _, m := range in {
		ok, err := Evaluate(e, m)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// ValuesEqual compares two field values after normalization: numbers as
// float64, times with time.Equal, string-like values (including Role and
// Scope) by their string form. A number never equals a string.
func ValuesEqual(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	fa, aNum := AsNumber(a)
	fb, bNum := AsNumber(b)
	if aNum || bNum {
		return aNum && bNum && fa == fb
	}
	ba, aBool := a.(bool)
	bb, bBool := b.(bool)
	if aBool || bBool {
		return aBool && bBool && ba == bb
	}
	return Stringify(a) == Stringify(b)
}

// Stringify renders a field value the way translators and in-process
// evaluation agree on.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case message.Role:
		return string(x)
	case message.Scope:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(v)
	}
}

// AsNumber converts any Go numeric value to float64.
func AsNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		if math.IsNaN(x) {
			return 0, false
		}
		return x, true
	}
	return 0, false
}
