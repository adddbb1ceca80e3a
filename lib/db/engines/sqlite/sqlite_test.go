package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/uStore/lib/db"
	dbtesting "github.com/ValentinKolb/uStore/lib/db/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLDriver(t *testing.T) {
	dbtesting.RunDriverTests(t, "sql-memory", func(_ testing.TB, cfg db.DatabaseConfig) db.IDriver {
		return NewDriver(cfg, nil)
	})
}

func TestSQLDriverCodecs(t *testing.T) {
	for _, name := range []string{"gob", "bson"} {
		dbtesting.RunDriverTests(t, "sql-file-"+name, func(t testing.TB, cfg db.DatabaseConfig) db.IDriver {
			return NewDriver(cfg, &Options{Path: filepath.Join(t.TempDir(), "db.sqlite"), Codec: name})
		})
	}
}

func BenchmarkSQLDriver(b *testing.B) {
	dbtesting.RunDriverBenchmarks(b, "sql", func(t testing.TB, cfg db.DatabaseConfig) db.IDriver {
		return NewDriver(cfg, &Options{Path: filepath.Join(t.TempDir(), "db.sqlite")})
	})
}

func TestUserVersion(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.sqlite")
	cfg := dbtesting.TestConfig()

	driver := NewDriver(cfg, &Options{Path: path})
	require.NoError(t, driver.Initialize(ctx))
	assert.True(t, driver.SupportsFeature(db.FeaturePersistence|db.FeatureNativeTransactions|db.FeatureQueryPushdown))
	_, err := driver.Add(ctx, "users", dbtesting.Users()[0])
	require.NoError(t, err)
	require.NoError(t, driver.Close())

	var calls [][2]int
	cfg.Version = 2
	driver = NewDriver(cfg, &Options{
		Path: path,
		Upgrade: func(ctx context.Context, schema db.ISchema, oldVersion, newVersion int) error {
			calls = append(calls, [2]int{oldVersion, newVersion})
			return schema.CreateStore(ctx, db.StoreConfig{Name: "audit", KeyPath: "id", AutoIncrement: true})
		},
	})
	require.NoError(t, driver.Initialize(ctx))
	assert.Equal(t, [][2]int{{1, 2}}, calls)
	assert.Equal(t, []string{"users", "counters", "settings", "audit"}, driver.(db.ISchema).StoreNames())

	got, err := driver.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got["name"])
	require.NoError(t, driver.Close())

	// reopening at the same version does not upgrade again
	driver = NewDriver(cfg, &Options{
		Path: path,
		Upgrade: func(context.Context, db.ISchema, int, int) error {
			t.Fatal("unexpected upgrade")
			return nil
		},
	})
	require.NoError(t, driver.Initialize(ctx))
	require.NoError(t, driver.Close())
}

func TestUnknownCodec(t *testing.T) {
	driver := NewDriver(dbtesting.TestConfig(), &Options{Codec: "xml"})
	err := driver.Initialize(context.Background())
	assert.True(t, errors.Is(err, db.ErrValidation), "got %v", err)
}

func TestUniqueMultiEntryIndex(t *testing.T) {
	ctx := context.Background()
	driver := NewDriver(db.DatabaseConfig{Name: "tags", Version: 1, Stores: []db.StoreConfig{
		{Name: "posts", KeyPath: "id", Indexes: []db.IndexConfig{{Name: "slugs", KeyPath: "slugs", Unique: true, MultiEntry: true}}},
	}}, nil)
	require.NoError(t, driver.Initialize(ctx))
	defer driver.Close()

	_, err := driver.Add(ctx, "posts", db.Record{"id": 1, "slugs": []any{"a", "b"}})
	require.NoError(t, err)
	_, err = driver.Add(ctx, "posts", db.Record{"id": 2, "slugs": []any{"c", "b"}})
	assert.True(t, errors.Is(err, db.ErrConflict), "got %v", err)
	_, err = driver.Put(ctx, "posts", db.Record{"id": 1, "slugs": []any{"b"}})
	require.NoError(t, err)

	got, err := driver.GetByIndex(ctx, "posts", "slugs", "b")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1.0, got[0]["id"])
}

func TestPushdown(t *testing.T) {
	sc := db.StoreConfig{Name: "users", KeyPath: "id", Indexes: []db.IndexConfig{
		{Name: "city", KeyPath: "city"},
		{Name: "age", KeyPath: "age"},
		{Name: "tags", KeyPath: "tags", MultiEntry: true},
	}}

	where, args := pushdown(sc, []db.QueryCondition{
		{Field: "city", Operator: db.OpEq, Value: "Berlin"},
		{Field: "age", Operator: db.OpBetween, Value: []any{18.0, 30.0}},
		{Field: "name", Operator: db.OpEq, Value: "x"},
		{Field: "tags", Operator: db.OpEq, Value: "dev"},
		{Field: "city", Operator: db.OpLike, Value: "ber"},
	})
	assert.Equal(t, `"idx_city" = ? AND "idx_age" BETWEEN ? AND ?`, where)
	assert.Equal(t, []any{"Berlin", 18.0, 30.0}, args)

	where, args = pushdown(sc, []db.QueryCondition{{Field: "city", Operator: db.OpIn, Value: []any{"a", "b"}}})
	assert.Equal(t, `"idx_city" IN (?, ?)`, where)
	assert.Equal(t, []any{"a", "b"}, args)

	// booleans and containers are filtered in memory only
	where, _ = pushdown(sc, []db.QueryCondition{{Field: "age", Operator: db.OpEq, Value: true}})
	assert.Empty(t, where)

	where, _ = pushdown(sc, []db.QueryCondition{{Field: "city", Operator: db.OpIn, Value: []any{}}})
	assert.Equal(t, "0", where)
}
