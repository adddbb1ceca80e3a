package btree

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/uStore/lib/db"
	dbtesting "github.com/ValentinKolb/uStore/lib/db/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexedDriver(t *testing.T) {
	dbtesting.RunDriverTests(t, "indexed", func(_ testing.TB, cfg db.DatabaseConfig) db.IDriver {
		return NewDriver(cfg, &Options{Degree: 4})
	})
}

func TestIndexedDriverSyncWrites(t *testing.T) {
	dbtesting.RunDriverTests(t, "indexed-file", func(t testing.TB, cfg db.DatabaseConfig) db.IDriver {
		return NewDriver(cfg, &Options{Path: filepath.Join(t.TempDir(), "db.snapshot"), SyncWrites: true})
	})
}

func BenchmarkIndexedDriver(b *testing.B) {
	dbtesting.RunDriverBenchmarks(b, "indexed", func(_ testing.TB, cfg db.DatabaseConfig) db.IDriver {
		return NewDriver(cfg, nil)
	})
}

func TestSnapshotFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sub", "db.snapshot")
	cfg := dbtesting.TestConfig()

	driver := NewDriver(cfg, &Options{Path: path})
	require.NoError(t, driver.Initialize(ctx))
	assert.True(t, driver.SupportsFeature(db.FeaturePersistence|db.FeatureNativeTransactions))
	for _, u := range dbtesting.Users() {
		_, err := driver.Add(ctx, "users", u)
		require.NoError(t, err)
	}

	// without SyncWrites the file is written on close
	_, err := os.Stat(path)
	require.NoError(t, err, "written after the initial upgrade")
	require.NoError(t, driver.Close())

	var from int
	cfg.Version = 3
	driver = NewDriver(cfg, &Options{
		Path: path,
		Upgrade: func(_ context.Context, _ db.ISchema, oldVersion, _ int) error {
			from = oldVersion
			return nil
		},
	})
	require.NoError(t, driver.Initialize(ctx))
	defer driver.Close()
	assert.Equal(t, 1, from)

	all, err := driver.GetAll(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, dbtesting.Users(), all)

	// indexes were rebuilt from the records
	byTag, err := driver.GetByIndex(ctx, "users", "tags", "admin")
	require.NoError(t, err)
	require.Len(t, byTag, 1)
	assert.Equal(t, "u1", byTag[0]["id"])
	_, err = driver.Add(ctx, "users", db.Record{"id": "u9", "email": "bob@x.io"})
	assert.True(t, errors.Is(err, db.ErrConflict))
}

func TestCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.snapshot")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	driver := NewDriver(dbtesting.TestConfig(), &Options{Path: path})
	err := driver.Initialize(context.Background())
	assert.True(t, errors.Is(err, db.ErrBackend), "got %v", err)
}

func TestCandidatesNarrow(t *testing.T) {
	sc := db.StoreConfig{Name: "items", KeyPath: "id", Indexes: []db.IndexConfig{
		{Name: "price", KeyPath: "price"},
		{Name: "tags", KeyPath: "tags", MultiEntry: true},
	}}
	tb := newTable(sc, 4)
	for i, price := range []any{5.0, 10.0, 20.0, "n/a", nil} {
		r := db.Record{"id": float64(i + 1), "tags": []any{"x"}}
		if price != nil {
			r["price"] = price
		}
		_, err := tb.write(r, false)
		require.NoError(t, err)
	}

	count := func(conds ...db.QueryCondition) int {
		return len(tb.candidates(conds))
	}
	assert.Equal(t, 1, count(db.QueryCondition{Field: "price", Operator: db.OpEq, Value: 10.0}))
	assert.Equal(t, 2, count(db.QueryCondition{Field: "price", Operator: db.OpGte, Value: 10.0}))
	assert.Equal(t, 2, count(db.QueryCondition{Field: "price", Operator: db.OpLte, Value: 10.0}))
	assert.Equal(t, 2, count(db.QueryCondition{Field: "price", Operator: db.OpBetween, Value: []any{6.0, 25.0}}))
	assert.Equal(t, 2, count(db.QueryCondition{Field: "price", Operator: db.OpIn, Value: []any{5.0, "n/a", 7.0}}))

	// like and multi-entry fields are not narrowed
	assert.Equal(t, 5, count(db.QueryCondition{Field: "price", Operator: db.OpLike, Value: "n"}))
	assert.Equal(t, 5, count(db.QueryCondition{Field: "tags", Operator: db.OpEq, Value: "x"}))
}

func TestCloneIsolation(t *testing.T) {
	ts := newTables(4)
	ts.createStore(db.StoreConfig{Name: "s", KeyPath: "id"})
	_, err := ts.stores["s"].write(db.Record{"id": "a"}, false)
	require.NoError(t, err)

	working := ts.clone()
	_, err = working.stores["s"].write(db.Record{"id": "b"}, false)
	require.NoError(t, err)
	working.stores["s"].delete("a")

	assert.Equal(t, 1, ts.stores["s"].primary.Len())
	_, ok := ts.stores["s"].get("a")
	assert.True(t, ok)
	_, ok = ts.stores["s"].get("b")
	assert.False(t, ok)
}

func TestFailedSaveIsNotVisible(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db.snapshot")
	driver := NewDriver(dbtesting.TestConfig(), &Options{Path: path, SyncWrites: true})
	require.NoError(t, driver.Initialize(ctx))
	defer driver.Close()

	_, err := driver.Put(ctx, "settings", db.Record{"key": "kept"})
	require.NoError(t, err)

	// a non-empty directory at the snapshot path makes every save fail
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.MkdirAll(filepath.Join(path, "blocker"), 0o755))

	_, err = driver.Put(ctx, "settings", db.Record{"key": "lost"})
	assert.True(t, errors.Is(err, db.ErrBackend), "got %v", err)
	err = driver.Transaction(ctx, []db.TransactionOperation{
		{Type: db.TxPut, Store: "settings", Data: db.Record{"key": "lost"}},
	})
	assert.True(t, errors.Is(err, db.ErrBackend), "got %v", err)
	assert.Error(t, driver.Delete(ctx, "settings", "kept"))
	assert.Error(t, driver.Clear(ctx, "settings"))

	all, err := driver.GetAll(ctx, "settings")
	require.NoError(t, err)
	assert.Equal(t, []db.Record{{"key": "kept"}}, all)

	// the next successful save continues from the last durable state
	require.NoError(t, os.RemoveAll(path))
	_, err = driver.Put(ctx, "settings", db.Record{"key": "next"})
	require.NoError(t, err)
	require.NoError(t, driver.Close())

	reopened := NewDriver(dbtesting.TestConfig(), &Options{Path: path})
	require.NoError(t, reopened.Initialize(ctx))
	defer reopened.Close()
	all, err = reopened.GetAll(ctx, "settings")
	require.NoError(t, err)
	assert.Equal(t, []db.Record{{"key": "kept"}, {"key": "next"}}, all)
}

func TestNumericStringKeysShareARow(t *testing.T) {
	ctx := context.Background()
	driver := NewDriver(dbtesting.TestConfig(), nil)
	require.NoError(t, driver.Initialize(ctx))
	defer driver.Close()

	_, err := driver.Put(ctx, "counters", db.Record{"id": "7"})
	require.NoError(t, err)
	_, err = driver.Get(ctx, "counters", 7)
	require.NoError(t, err)

	// a numeric string key does not count for auto-increment
	key, err := driver.Add(ctx, "counters", db.Record{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, 1.0, key)
}
