package qdrant

import (
	"math"

	pb "github.com/qdrant/go-client/qdrant"

	"github.com/jllopis/minions/pkg/memory/query"
)

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func intValue(n int64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: n}}
}

// toValue converts metadata into payload values. Integral numbers are stored
// as integers so that they match exactly.
func toValue(v any) *pb.Value {
	switch val := v.(type) {
	case nil:
		return &pb.Value{Kind: &pb.Value_NullValue{}}
	case string:
		return stringValue(val)
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: val}}
	case map[string]any:
		fields := make(map[string]*pb.Value, len(val))
		for k, x := range val {
			fields[k] = toValue(x)
		}
		return &pb.Value{Kind: &pb.Value_StructValue{StructValue: &pb.Struct{Fields: fields}}}
	case []any:
		list := make([]*pb.Value, len(val))
		for i, x := range val {
			list[i] = toValue(x)
		}
		return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: list}}}
	case []string:
		list := make([]*pb.Value, len(val))
		for i, x := range val {
			list[i] = stringValue(x)
		}
		return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: list}}}
	}
	if f, ok := query.AsNumber(v); ok {
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return intValue(int64(f))
		}
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: f}}
	}
	return stringValue(query.Stringify(v))
}

func fromValue(v *pb.Value) any {
	switch k := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return k.StringValue
	case *pb.Value_IntegerValue:
		return k.IntegerValue
	case *pb.Value_DoubleValue:
		return k.DoubleValue
	case *pb.Value_BoolValue:
		return k.BoolValue
	case *pb.Value_StructValue:
		out := make(map[string]any, len(k.StructValue.GetFields()))
		for name, x := range k.StructValue.GetFields() {
			out[name] = fromValue(x)
		}
		return out
	case *pb.Value_ListValue:
		out := make([]any, len(k.ListValue.GetValues()))
		for i, x := range k.ListValue.GetValues() {
			out[i] = fromValue(x)
		}
		return out
	}
	return nil
}
