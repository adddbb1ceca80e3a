package query

import (
	"errors"
	"testing"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func people() []db.Record {
	return []db.Record{
		{"id": 1.0, "name": "Alice", "age": 30.0, "city": "Berlin", "tags": []any{"admin", "dev"}},
		{"id": 2.0, "name": "bob", "age": 25.0, "city": "Paris"},
		{"id": 3.0, "name": "Carol", "age": 35.0, "city": "Berlin", "profile": map[string]any{"level": 3.0}},
		{"id": 4.0, "name": "dave", "city": "Rome"},
	}
}

func ids(rs []db.Record) []float64 {
	out := make([]float64, len(rs))
	for i, r := range rs {
		out[i] = r["id"].(float64)
	}
	return out
}

func TestCompareTotalOrder(t *testing.T) {
	ordered := []any{nil, false, true, -1.0, 2, 10.5, "", "a", "b", []any{1.0}, []any{1.0, 2.0}, map[string]any{"a": 1.0}}
	for i := 0; i < len(ordered)-1; i++ {
		assert.Equal(t, -1, Compare(ordered[i], ordered[i+1]), "%v < %v", ordered[i], ordered[i+1])
		assert.Equal(t, 1, Compare(ordered[i+1], ordered[i]), "%v > %v", ordered[i+1], ordered[i])
	}
	assert.Equal(t, 0, Compare(int64(3), 3.0))
	assert.Equal(t, 0, Compare(map[string]any{"a": 1, "b": "x"}, map[string]any{"b": "x", "a": 1.0}))
}

func TestCompileRejectsBadConditions(t *testing.T) {
	cases := []db.QueryCondition{
		{Field: "", Operator: db.OpEq, Value: 1},
		{Field: "age", Operator: "regex", Value: "x"},
		{Field: "age", Operator: db.OpBetween, Value: 5},
		{Field: "age", Operator: db.OpBetween, Value: []int{1, 2, 3}},
		{Field: "age", Operator: db.OpIn, Value: "abc"},
		{Field: "name", Operator: db.OpLike, Value: 5},
	}
	for _, c := range cases {
		_, err := Compile([]db.QueryCondition{c})
		require.Error(t, err, "%+v", c)
		assert.True(t, errors.Is(err, db.ErrValidation))
	}

	compiled, err := Compile([]db.QueryCondition{{Field: "age", Operator: db.OpIn, Value: []int{1, 2}}})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, compiled[0].Value)
}

func TestRunOperators(t *testing.T) {
	tests := []struct {
		name  string
		conds []db.QueryCondition
		want  []float64
	}{
		{"eq", []db.QueryCondition{{Field: "city", Operator: db.OpEq, Value: "Berlin"}}, []float64{1, 3}},
		{"gt", []db.QueryCondition{{Field: "age", Operator: db.OpGt, Value: 25}}, []float64{1, 3}},
		{"gte", []db.QueryCondition{{Field: "age", Operator: db.OpGte, Value: 30}}, []float64{1, 3}},
		{"lt", []db.QueryCondition{{Field: "age", Operator: db.OpLt, Value: 30}}, []float64{2}},
		{"lte", []db.QueryCondition{{Field: "age", Operator: db.OpLte, Value: 30}}, []float64{1, 2}},
		{"between inclusive", []db.QueryCondition{{Field: "age", Operator: db.OpBetween, Value: []any{25, 30}}}, []float64{1, 2}},
		{"in", []db.QueryCondition{{Field: "city", Operator: db.OpIn, Value: []string{"Rome", "Paris"}}}, []float64{2, 4}},
		{"like case-insensitive", []db.QueryCondition{{Field: "name", Operator: db.OpLike, Value: "A"}}, []float64{1, 3, 4}},
		{"nested field", []db.QueryCondition{{Field: "profile.level", Operator: db.OpEq, Value: 3}}, []float64{3}},
		{"conjunction", []db.QueryCondition{
			{Field: "city", Operator: db.OpEq, Value: "Berlin"},
			{Field: "age", Operator: db.OpLt, Value: 35},
		}, []float64{1}},
		{"missing field never matches", []db.QueryCondition{{Field: "age", Operator: db.OpLt, Value: 100}}, []float64{1, 2, 3}},
		{"cross type never matches", []db.QueryCondition{{Field: "city", Operator: db.OpGt, Value: 1}}, []float64{}},
		{"no conditions", nil, []float64{1, 2, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Run(people(), tt.conds, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestApplySortAndPaginate(t *testing.T) {
	got, err := Run(people(), nil, &db.QueryOptions{OrderBy: &db.OrderBy{Field: "age", Direction: db.Desc}})
	require.NoError(t, err)
	// the record without age sorts as null, so it is last when descending
	assert.Equal(t, []float64{3, 1, 2, 4}, ids(got))

	got, err = Run(people(), nil, &db.QueryOptions{OrderBy: &db.OrderBy{Field: "age"}, Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 1}, ids(got))

	got, err = Run(people(), nil, &db.QueryOptions{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = Run(people(), nil, &db.QueryOptions{Limit: -1})
	assert.True(t, errors.Is(err, db.ErrValidation))
}

func TestIndexKeysMultiEntry(t *testing.T) {
	idx := db.IndexConfig{Name: "tags", KeyPath: "tags", MultiEntry: true}
	r := db.Record{"tags": []any{"a", "b", "a"}}
	assert.Equal(t, []any{"a", "b"}, IndexKeys(r, idx))
	assert.True(t, MatchIndex(r, idx, "b"))
	assert.False(t, MatchIndex(r, idx, "c"))

	idx.MultiEntry = false
	assert.Equal(t, []any{[]any{"a", "b", "a"}}, IndexKeys(r, idx))
	assert.False(t, MatchIndex(r, idx, "b"))
}

func TestUniqueViolation(t *testing.T) {
	store := db.StoreConfig{Name: "users", KeyPath: "id", Indexes: []db.IndexConfig{
		{Name: "email", KeyPath: "email", Unique: true},
	}}
	existing := []db.Record{{"id": 1.0, "email": "a@x"}}

	name, violated := UniqueViolation(existing, store, db.Record{"id": 2.0, "email": "a@x"}, "2")
	assert.True(t, violated)
	assert.Equal(t, "email", name)

	_, violated = UniqueViolation(existing, store, db.Record{"id": 1.0, "email": "a@x"}, "1")
	assert.False(t, violated)
}

func TestParseSQL(t *testing.T) {
	p, err := ParseSQL("SELECT * FROM users WHERE age >= 18 AND name LIKE '%ali%' AND city IN ('Berlin', 'Rome') ORDER BY age DESC LIMIT 10, 5")
	require.NoError(t, err)
	assert.Equal(t, "users", p.Store)
	assert.Equal(t, []db.QueryCondition{
		{Field: "age", Operator: db.OpGte, Value: 18.0},
		{Field: "name", Operator: db.OpLike, Value: "ali"},
		{Field: "city", Operator: db.OpIn, Value: []any{"Berlin", "Rome"}},
	}, p.Conditions)
	require.NotNil(t, p.Options)
	assert.Equal(t, &db.OrderBy{Field: "age", Direction: db.Desc}, p.Options.OrderBy)
	assert.Equal(t, 10, p.Options.Offset)
	assert.Equal(t, 5, p.Options.Limit)

	p, err = ParseSQL("age between 18 and 30")
	require.NoError(t, err)
	assert.Empty(t, p.Store)
	assert.Nil(t, p.Options)
	assert.Equal(t, []db.QueryCondition{{Field: "age", Operator: db.OpBetween, Value: []any{18.0, 30.0}}}, p.Conditions)

	_, err = ParseSQL("age = 1 OR age = 2")
	assert.True(t, errors.Is(err, db.ErrValidation))

	_, err = ParseSQL("DELETE FROM users")
	assert.Error(t, err)
}
