package model_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/lib/engine"
	"github.com/ValentinKolb/uStore/lib/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type User struct {
	model.Entity
	Name string   `json:"name"`
	City string   `json:"city,omitempty"`
	Age  int      `json:"age,omitempty"`
	Tags []string `json:"tags,omitempty"`
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func setup(t *testing.T) (*model.Model[User], *clock) {
	t.Helper()
	e := engine.New(engine.Config{})
	t.Cleanup(func() { _ = e.Close() })

	cfg := db.DatabaseConfig{Name: "app", Version: 1, Stores: []db.StoreConfig{
		{Name: "users", KeyPath: "id", Indexes: []db.IndexConfig{{Name: "city", KeyPath: "city"}}},
	}}
	d, err := e.Open(context.Background(), cfg, db.BackendIndexed)
	require.NoError(t, err)

	c := &clock{now: time.UnixMilli(1_000)}
	m, err := model.New[User](d, "users", model.WithClock(c.Now))
	require.NoError(t, err)
	return m, c
}

func TestConditions(t *testing.T) {
	assert.Equal(t, db.QueryCondition{Field: "a", Operator: db.OpEq, Value: 1}, model.Eq("a", 1))
	assert.Equal(t, db.OpGt, model.Gt("a", 1).Operator)
	assert.Equal(t, db.OpGte, model.Gte("a", 1).Operator)
	assert.Equal(t, db.OpLt, model.Lt("a", 1).Operator)
	assert.Equal(t, db.OpLte, model.Lte("a", 1).Operator)
	assert.Equal(t, []any{1, 5}, model.Between("a", 1, 5).Value)
	assert.Equal(t, []any{"x", "y"}, model.In("a", "x", "y").Value)
	assert.Equal(t, []any{}, model.In("a").Value)
	assert.Equal(t, db.OpLike, model.Like("a", "x").Operator)
}

func TestNewUnknownStore(t *testing.T) {
	e := engine.New(engine.Config{})
	defer e.Close()
	d, err := e.Open(context.Background(), db.DatabaseConfig{Name: "x", Version: 1, Stores: []db.StoreConfig{{Name: "s", KeyPath: "id"}}}, db.BackendKV)
	require.NoError(t, err)

	_, err = model.New[User](d, "users")
	assert.True(t, errors.Is(err, db.ErrNotFound))
}

func TestCreateGet(t *testing.T) {
	ctx := context.Background()
	m, _ := setup(t)

	u, err := m.Create(ctx, User{Name: "Alice", City: "Berlin", Age: 30})
	require.NoError(t, err)
	id, err := uuid.Parse(u.ID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
	assert.Equal(t, int64(1_000), u.CreatedAt)
	assert.Equal(t, int64(1_000), u.UpdatedAt)

	got, err := m.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u, got)

	// explicit ids are kept and must be unique
	_, err = m.Create(ctx, User{Entity: model.Entity{ID: "bob"}, Name: "Bob"})
	require.NoError(t, err)
	_, err = m.Create(ctx, User{Entity: model.Entity{ID: "bob"}, Name: "Bob"})
	assert.True(t, errors.Is(err, db.ErrConflict))

	_, err = m.Get(ctx, "nobody")
	assert.True(t, errors.Is(err, db.ErrNotFound))
}

func TestSaveUpdateDelete(t *testing.T) {
	ctx := context.Background()
	m, c := setup(t)

	u, err := m.Create(ctx, User{Name: "Alice"})
	require.NoError(t, err)

	c.now = time.UnixMilli(2_000)
	u.City = "Paris"
	saved, err := m.Save(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), saved.CreatedAt)
	assert.Equal(t, int64(2_000), saved.UpdatedAt)

	c.now = time.UnixMilli(3_000)
	updated, err := m.Update(ctx, u.ID, db.Record{"age": 31, "createdAt": 0})
	require.NoError(t, err)
	assert.Equal(t, 31, updated.Age)
	assert.Equal(t, "Paris", updated.City)
	assert.Equal(t, int64(1_000), updated.CreatedAt)
	assert.Equal(t, int64(3_000), updated.UpdatedAt)

	_, err = m.Update(ctx, "nobody", db.Record{"age": 1})
	assert.True(t, errors.Is(err, db.ErrNotFound))

	require.NoError(t, m.Delete(ctx, u.ID))
	all, err := m.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestFluentQuery(t *testing.T) {
	ctx := context.Background()
	m, _ := setup(t)
	for _, u := range []User{
		{Entity: model.Entity{ID: "1"}, Name: "Alice", City: "Berlin", Age: 30, Tags: []string{"admin"}},
		{Entity: model.Entity{ID: "2"}, Name: "Bob", City: "Paris", Age: 25},
		{Entity: model.Entity{ID: "3"}, Name: "Carol", City: "Berlin", Age: 35},
		{Entity: model.Entity{ID: "4"}, Name: "Dave", City: "Rome", Age: 40},
	} {
		_, err := m.Create(ctx, u)
		require.NoError(t, err)
	}

	users, err := m.Where(model.Eq("city", "Berlin")).OrderBy("age", db.Desc).All(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "Carol", users[0].Name)

	users, err = m.Query().Where(model.Between("age", 25, 35)).OrderBy("age", db.Asc).Offset(1).Limit(1).All(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "Alice", users[0].Name)

	first, err := m.Where(model.In("city", "Rome", "Paris")).OrderBy("name", db.Asc).First(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Bob", first.Name)

	_, err = m.Where(model.Eq("city", "Oslo")).First(ctx)
	assert.True(t, errors.Is(err, db.ErrNotFound))

	n, err := m.Where(model.Like("name", "A"), model.Gte("age", 30)).Limit(1).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n) // Alice, Carol, Dave

	q := m.Where(model.Lt("age", 30)).OrderBy("name", db.Asc)
	opts := q.Options()
	opts.OrderBy.Field = "changed"
	assert.Equal(t, "name", q.Options().OrderBy.Field)
	assert.Len(t, q.Conditions(), 1)
}
