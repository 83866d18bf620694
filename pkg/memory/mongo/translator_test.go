package mongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/jllopis/minions/pkg/memory/query"
	"github.com/jllopis/minions/pkg/message"
)

func TestTranslateLeaves(t *testing.T) {
	now := time.Unix(0, 1000)
	tests := []struct {
		name string
		expr query.Expr
		want bson.D
	}{
		{"eq", query.Eq(message.FieldRole, message.RoleUser), bson.D{{Key: "role", Value: "USER"}}},
		{"id maps to _id", query.Eq(message.FieldID, "m1"), bson.D{{Key: "_id", Value: "m1"}}},
		{"contains quotes regex", query.Contains(message.FieldContent, "a.b"),
			bson.D{{Key: "content", Value: bson.D{{Key: "$regex", Value: `a\.b`}}}}},
		{"after", query.AfterTime(message.FieldTimestamp, now),
			bson.D{{Key: "ts", Value: bson.D{{Key: "$gt", Value: int64(1000)}}}}},
		{"before", query.BeforeTime(message.FieldTimestamp, now),
			bson.D{{Key: "ts", Value: bson.D{{Key: "$lt", Value: int64(1000)}}}}},
		{"metadata", query.Metadata("foo", 42), bson.D{{Key: "metadata.foo", Value: float64(42)}}},
		{"true", query.True(), bson.D{}},
		{"empty or", query.Or(), matchNothing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Translator{}.Translate(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTranslateLogical(t *testing.T) {
	e1 := query.Eq(message.FieldRole, "USER")
	e2 := query.Eq(message.FieldScope, "TOOL")

	and, err := Translator{}.Translate(query.And(e1, e2))
	require.NoError(t, err)
	assert.Equal(t, "$and", and[0].Key)
	assert.Len(t, and[0].Value, 2)

	or, err := Translator{}.Translate(query.Or(e1, e2))
	require.NoError(t, err)
	assert.Equal(t, "$or", or[0].Key)

	not, err := Translator{}.Translate(query.Not(e1))
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "$nor", Value: bson.A{bson.D{{Key: "role", Value: "USER"}}}}}, not)
}

func TestTranslateFailsLoudly(t *testing.T) {
	for _, e := range []query.Expr{
		query.Vector([]float32{1}, 2),
		query.Eq("bogus", 1),
		query.Contains(message.FieldTokenCount, "1"),
		query.AfterTime(message.FieldRole, time.Now()),
		query.Logical{Op: query.OpNot},
	} {
		_, err := Translator{}.Translate(e)
		assert.Error(t, err, e.String())
	}
}

func TestScopeAddsSubsystem(t *testing.T) {
	s := &Store{sub: "SHORT_TERM"}
	got := s.scope(bson.D{{Key: "role", Value: "USER"}})
	assert.Equal(t, bson.D{
		{Key: "subsystem", Value: "SHORT_TERM"},
		{Key: "$and", Value: bson.A{bson.D{{Key: "role", Value: "USER"}}}},
	}, got)
	assert.Equal(t, bson.D{{Key: "subsystem", Value: "SHORT_TERM"}}, s.scope(nil))
}
