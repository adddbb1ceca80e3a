package testing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DriverFactory creates a new, uninitialized driver for cfg. Drivers that
// need files should place them in t.TempDir().
type DriverFactory func(t testing.TB, cfg db.DatabaseConfig) db.IDriver

// TestConfig is the schema every conformance test runs against.
func TestConfig() db.DatabaseConfig {
	return db.DatabaseConfig{
		Name:    "conformance",
		Version: 1,
		Stores: []db.StoreConfig{
			{Name: "users", KeyPath: "id", Indexes: []db.IndexConfig{
				{Name: "email", KeyPath: "email", Unique: true},
				{Name: "city", KeyPath: "city"},
				{Name: "tags", KeyPath: "tags", MultiEntry: true},
			}},
			{Name: "counters", KeyPath: "id", AutoIncrement: true},
			{Name: "settings", KeyPath: "key"},
		},
	}
}

// RunDriverTests runs the conformance suite for a db.IDriver implementation.
func RunDriverTests(t *testing.T, name string, factory DriverFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Lifecycle", func(t *testing.T) {
			testLifecycle(t, factory)
		})

		t.Run("AddGetPut", func(t *testing.T) {
			testAddGetPut(t, open(t, factory))
		})

		t.Run("Isolation", func(t *testing.T) {
			testIsolation(t, open(t, factory))
		})

		t.Run("NotFound", func(t *testing.T) {
			testNotFound(t, open(t, factory))
		})

		t.Run("Validation", func(t *testing.T) {
			testValidation(t, open(t, factory))
		})

		t.Run("AutoIncrement", func(t *testing.T) {
			testAutoIncrement(t, open(t, factory))
		})

		t.Run("KeyOrder", func(t *testing.T) {
			testKeyOrder(t, open(t, factory))
		})

		t.Run("Query", func(t *testing.T) {
			testQuery(t, open(t, factory))
		})

		t.Run("UniqueIndex", func(t *testing.T) {
			testUniqueIndex(t, open(t, factory))
		})

		t.Run("GetByIndex", func(t *testing.T) {
			testGetByIndex(t, open(t, factory))
		})

		t.Run("Clear", func(t *testing.T) {
			testClear(t, open(t, factory))
		})

		t.Run("Transaction", func(t *testing.T) {
			testTransaction(t, open(t, factory))
		})

		t.Run("TransactionRollback", func(t *testing.T) {
			testTransactionRollback(t, open(t, factory))
		})

		t.Run("Schema", func(t *testing.T) {
			testSchema(t, open(t, factory))
		})

		t.Run("Concurrency", func(t *testing.T) {
			testConcurrency(t, open(t, factory))
		})

		t.Run("WritesDuringFailedBatch", func(t *testing.T) {
			testWritesDuringFailedBatch(t, open(t, factory))
		})

		t.Run("NonFinite", func(t *testing.T) {
			testNonFinite(t, open(t, factory))
		})

		t.Run("KeyIdentity", func(t *testing.T) {
			testKeyIdentity(t, open(t, factory))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// open creates and initializes a driver that is closed on cleanup
func open(t testing.TB, factory DriverFactory) db.IDriver {
	t.Helper()
	driver := factory(t, TestConfig())
	require.NoError(t, driver.Initialize(context.Background()))
	t.Cleanup(func() {
		_ = driver.Close()
	})
	return driver
}

// Users returns the fixture records of the users store
func Users() []db.Record {
	return []db.Record{
		{"id": "u1", "name": "Alice", "email": "alice@x.io", "city": "Berlin", "age": 30.0, "tags": []any{"admin", "dev"}},
		{"id": "u2", "name": "bob", "email": "bob@x.io", "city": "Paris", "age": 25.0, "tags": []any{"dev"}},
		{"id": "u3", "name": "Carol", "email": "carol@x.io", "city": "Berlin", "age": 35.0},
		{"id": "u4", "name": "Dave", "email": "dave@x.io", "city": "Rome"},
	}
}

func seedUsers(t testing.TB, driver db.IDriver) {
	t.Helper()
	for _, u := range Users() {
		_, err := driver.Add(context.Background(), "users", u)
		require.NoError(t, err)
	}
}

func ids(records []db.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = fmt.Sprint(r["id"])
	}
	return out
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testLifecycle(t *testing.T, factory DriverFactory) {
	ctx := context.Background()
	driver := factory(t, TestConfig())

	_, err := driver.Get(ctx, "users", "u1")
	assert.True(t, errors.Is(err, db.ErrUninitialized), "got %v", err)
	_, err = driver.Add(ctx, "users", Users()[0])
	assert.True(t, errors.Is(err, db.ErrUninitialized), "got %v", err)

	require.NoError(t, driver.Initialize(ctx))
	err = driver.Initialize(ctx)
	assert.True(t, errors.Is(err, db.ErrAlreadyInitialized), "got %v", err)

	_, err = driver.Add(ctx, "users", Users()[0])
	require.NoError(t, err)

	require.NoError(t, driver.Close())
	_, err = driver.Get(ctx, "users", "u1")
	assert.True(t, errors.Is(err, db.ErrClosed), "got %v", err)
	assert.NoError(t, driver.Close(), "second close is a no-op")
	assert.NotEmpty(t, driver.Backend())
}

func testAddGetPut(t *testing.T, driver db.IDriver) {
	ctx := context.Background()

	key, err := driver.Add(ctx, "users", db.Record{"id": "u1", "name": "Alice", "email": "a@x.io", "age": 30, "profile": map[string]any{"level": 2}})
	require.NoError(t, err)
	assert.Equal(t, "u1", key)

	got, err := driver.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, db.Record{"id": "u1", "name": "Alice", "email": "a@x.io", "age": 30.0, "profile": map[string]any{"level": 2.0}}, got)

	_, err = driver.Add(ctx, "users", db.Record{"id": "u1", "name": "Other", "email": "o@x.io"})
	assert.True(t, errors.Is(err, db.ErrConflict), "got %v", err)

	// put is insert-or-replace and idempotent
	replacement := db.Record{"id": "u1", "name": "Alicia", "email": "a@x.io"}
	for i := 0; i < 2; i++ {
		_, err = driver.Put(ctx, "users", replacement)
		require.NoError(t, err)
	}
	got, err = driver.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, replacement, got)

	all, err := driver.GetAll(ctx, "users")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = driver.Put(ctx, "users", db.Record{"id": "u2", "name": "bob", "email": "b@x.io"})
	require.NoError(t, err)
	require.NoError(t, driver.Delete(ctx, "users", "u1"))
	_, err = driver.Get(ctx, "users", "u1")
	assert.True(t, errors.Is(err, db.ErrNotFound), "got %v", err)
	n, err := driver.Count(ctx, "users", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testIsolation(t *testing.T, driver db.IDriver) {
	ctx := context.Background()

	input := db.Record{"key": "theme", "value": "dark", "nested": map[string]any{"a": []any{1.0}}}
	_, err := driver.Put(ctx, "settings", input)
	require.NoError(t, err)

	// mutating the input after the call must not change the stored record
	input["value"] = "light"
	input["nested"].(map[string]any)["a"] = "changed"

	got, err := driver.Get(ctx, "settings", "theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", got["value"])
	assert.Equal(t, []any{1.0}, got["nested"].(map[string]any)["a"])

	// mutating a result must not change the stored record either
	got["value"] = "blue"
	got["nested"].(map[string]any)["a"] = "changed"
	again, err := driver.Get(ctx, "settings", "theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", again["value"])
	assert.Equal(t, []any{1.0}, again["nested"].(map[string]any)["a"])
}

func testNotFound(t *testing.T, driver db.IDriver) {
	ctx := context.Background()

	_, err := driver.Add(ctx, "missing", db.Record{"id": "x"})
	assert.True(t, errors.Is(err, db.ErrNotFound), "add: %v", err)
	_, err = driver.Get(ctx, "missing", "x")
	assert.True(t, errors.Is(err, db.ErrNotFound), "get: %v", err)
	_, err = driver.GetAll(ctx, "missing")
	assert.True(t, errors.Is(err, db.ErrNotFound), "getAll: %v", err)
	_, err = driver.Query(ctx, "missing", nil, nil)
	assert.True(t, errors.Is(err, db.ErrNotFound), "query: %v", err)
	err = driver.Clear(ctx, "missing")
	assert.True(t, errors.Is(err, db.ErrNotFound), "clear: %v", err)

	_, err = driver.Get(ctx, "users", "nobody")
	assert.True(t, errors.Is(err, db.ErrNotFound), "get key: %v", err)

	// deleting a missing key is not an error
	assert.NoError(t, driver.Delete(ctx, "users", "nobody"))
}

func testValidation(t *testing.T, driver db.IDriver) {
	ctx := context.Background()

	_, err := driver.Add(ctx, "users", db.Record{"name": "no key"})
	assert.True(t, errors.Is(err, db.ErrValidation), "missing key: %v", err)
	_, err = driver.Add(ctx, "users", nil)
	assert.True(t, errors.Is(err, db.ErrValidation), "nil record: %v", err)
	_, err = driver.Add(ctx, "users", db.Record{"id": true})
	assert.True(t, errors.Is(err, db.ErrValidation), "bool key: %v", err)

	_, err = driver.Query(ctx, "users", []db.QueryCondition{{Field: "age", Operator: db.OpBetween, Value: 5}}, nil)
	assert.True(t, errors.Is(err, db.ErrValidation), "between: %v", err)
	_, err = driver.Query(ctx, "users", []db.QueryCondition{{Field: "age", Operator: db.OpIn, Value: 5}}, nil)
	assert.True(t, errors.Is(err, db.ErrValidation), "in: %v", err)
	_, err = driver.Count(ctx, "users", []db.QueryCondition{{Field: "age", Operator: "regex", Value: "x"}})
	assert.True(t, errors.Is(err, db.ErrValidation), "operator: %v", err)
}

func testAutoIncrement(t *testing.T, driver db.IDriver) {
	ctx := context.Background()

	for want := 1.0; want <= 3; want++ {
		key, err := driver.Add(ctx, "counters", db.Record{"n": want})
		require.NoError(t, err)
		assert.Equal(t, want, key)
	}

	got, err := driver.Get(ctx, "counters", 2)
	require.NoError(t, err)
	assert.Equal(t, db.Record{"id": 2.0, "n": 2.0}, got)

	_, err = driver.Put(ctx, "counters", db.Record{"id": 10, "n": 10})
	require.NoError(t, err)
	key, err := driver.Add(ctx, "counters", db.Record{"n": 11})
	require.NoError(t, err)
	assert.Equal(t, 11.0, key)
}

func testKeyOrder(t *testing.T, driver db.IDriver) {
	ctx := context.Background()

	for _, k := range []string{"b", "c", "a"} {
		_, err := driver.Put(ctx, "settings", db.Record{"key": k})
		require.NoError(t, err)
	}
	all, err := driver.GetAll(ctx, "settings")
	require.NoError(t, err)
	keys := make([]string, len(all))
	for i, r := range all {
		keys[i] = r["key"].(string)
	}
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	// numeric keys sort numerically, not as strings
	for _, k := range []float64{10, 2, 1} {
		_, err := driver.Put(ctx, "counters", db.Record{"id": k})
		require.NoError(t, err)
	}
	all, err = driver.GetAll(ctx, "counters")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "10"}, ids(all))
}

func testQuery(t *testing.T, driver db.IDriver) {
	ctx := context.Background()
	seedUsers(t, driver)

	tests := []struct {
		name  string
		conds []db.QueryCondition
		opts  *db.QueryOptions
		want  []string
	}{
		{"eq indexed", []db.QueryCondition{{Field: "city", Operator: db.OpEq, Value: "Berlin"}}, nil, []string{"u1", "u3"}},
		{"eq unique", []db.QueryCondition{{Field: "email", Operator: db.OpEq, Value: "bob@x.io"}}, nil, []string{"u2"}},
		{"gt indexed", []db.QueryCondition{{Field: "city", Operator: db.OpGt, Value: "Berlin"}}, nil, []string{"u2", "u4"}},
		{"lt indexed", []db.QueryCondition{{Field: "city", Operator: db.OpLt, Value: "Paris"}}, nil, []string{"u1", "u3"}},
		{"lte indexed", []db.QueryCondition{{Field: "city", Operator: db.OpLte, Value: "Paris"}}, nil, []string{"u1", "u2", "u3"}},
		{"between indexed", []db.QueryCondition{{Field: "city", Operator: db.OpBetween, Value: []any{"Paris", "Rome"}}}, nil, []string{"u2", "u4"}},
		{"in indexed", []db.QueryCondition{{Field: "city", Operator: db.OpIn, Value: []string{"Rome", "Paris"}}}, nil, []string{"u2", "u4"}},
		{"between inclusive", []db.QueryCondition{{Field: "age", Operator: db.OpBetween, Value: []any{25, 30}}}, nil, []string{"u1", "u2"}},
		{"gte", []db.QueryCondition{{Field: "age", Operator: db.OpGte, Value: 30}}, nil, []string{"u1", "u3"}},
		{"missing field", []db.QueryCondition{{Field: "age", Operator: db.OpLt, Value: 100}}, nil, []string{"u1", "u2", "u3"}},
		{"like case-insensitive", []db.QueryCondition{{Field: "name", Operator: db.OpLike, Value: "A"}}, nil, []string{"u1", "u3", "u4"}},
		{"conjunction", []db.QueryCondition{
			{Field: "city", Operator: db.OpEq, Value: "Berlin"},
			{Field: "age", Operator: db.OpGt, Value: 30},
		}, nil, []string{"u3"}},
		{"order desc", []db.QueryCondition{{Field: "age", Operator: db.OpGt, Value: 20}},
			&db.QueryOptions{OrderBy: &db.OrderBy{Field: "age", Direction: db.Desc}}, []string{"u3", "u1", "u2"}},
		{"order by string", nil, &db.QueryOptions{OrderBy: &db.OrderBy{Field: "name", Direction: db.Asc}}, []string{"u1", "u3", "u4", "u2"}},
		{"offset limit", nil, &db.QueryOptions{Offset: 1, Limit: 2}, []string{"u2", "u3"}},
		{"offset past end", nil, &db.QueryOptions{Offset: 10}, []string{}},
		{"no match", []db.QueryCondition{{Field: "city", Operator: db.OpEq, Value: "Oslo"}}, nil, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := driver.Query(ctx, "users", tt.conds, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))

			if tt.opts == nil {
				n, err := driver.Count(ctx, "users", tt.conds)
				require.NoError(t, err)
				assert.Equal(t, len(got), n)
			}
		})
	}

	all, err := driver.GetAll(ctx, "users")
	require.NoError(t, err)
	queried, err := driver.Query(ctx, "users", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, all, queried)
	assert.Equal(t, Users(), all)
}

func testUniqueIndex(t *testing.T, driver db.IDriver) {
	ctx := context.Background()
	seedUsers(t, driver)

	_, err := driver.Add(ctx, "users", db.Record{"id": "u5", "email": "alice@x.io"})
	assert.True(t, errors.Is(err, db.ErrConflict), "add: %v", err)
	_, err = driver.Put(ctx, "users", db.Record{"id": "u2", "email": "alice@x.io"})
	assert.True(t, errors.Is(err, db.ErrConflict), "put: %v", err)

	// a record may keep its own unique value
	_, err = driver.Put(ctx, "users", db.Record{"id": "u1", "name": "Alicia", "email": "alice@x.io"})
	require.NoError(t, err)

	// the value is free again after the owner changed it
	_, err = driver.Put(ctx, "users", db.Record{"id": "u1", "email": "alicia@x.io"})
	require.NoError(t, err)
	_, err = driver.Add(ctx, "users", db.Record{"id": "u5", "email": "alice@x.io"})
	require.NoError(t, err)
}

func testGetByIndex(t *testing.T, driver db.IDriver) {
	ctx := context.Background()
	seedUsers(t, driver)

	got, err := driver.GetByIndex(ctx, "users", "city", "Berlin")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u3"}, ids(got))

	got, err = driver.GetByIndex(ctx, "users", "tags", "dev")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, ids(got))

	got, err = driver.GetByIndex(ctx, "users", "email", "nobody@x.io")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = driver.GetByIndex(ctx, "users", "unknown", "x")
	assert.True(t, errors.Is(err, db.ErrNotFound), "got %v", err)
}

func testClear(t *testing.T, driver db.IDriver) {
	ctx := context.Background()
	seedUsers(t, driver)
	_, err := driver.Put(ctx, "settings", db.Record{"key": "theme"})
	require.NoError(t, err)

	require.NoError(t, driver.Clear(ctx, "users"))
	n, err := driver.Count(ctx, "users", nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = driver.Count(ctx, "settings", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// indexes are cleared as well
	_, err = driver.Add(ctx, "users", Users()[0])
	require.NoError(t, err)
}

func testTransaction(t *testing.T, driver db.IDriver) {
	ctx := context.Background()
	seedUsers(t, driver)

	require.NoError(t, driver.Transaction(ctx, nil))

	err := driver.Transaction(ctx, []db.TransactionOperation{
		{Type: db.TxAdd, Store: "settings", Data: db.Record{"key": "theme", "value": "dark"}},
		{Type: db.TxUpdate, Store: "users", Key: "u1", Data: db.Record{"age": 31, "id": "ignored"}},
		{Type: db.TxUpdate, Store: "users", Data: db.Record{"id": "u3", "city": "Hamburg"}},
		{Type: db.TxDelete, Store: "users", Key: "u2"},
		{Type: db.TxPut, Store: "users", Data: db.Record{"id": "u5", "name": "Eve", "email": "eve@x.io"}},
	})
	require.NoError(t, err)

	theme, err := driver.Get(ctx, "settings", "theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", theme["value"])

	u1, err := driver.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, 31.0, u1["age"])
	assert.Equal(t, "Alice", u1["name"])
	assert.Equal(t, "u1", u1["id"])

	u3, err := driver.Get(ctx, "users", "u3")
	require.NoError(t, err)
	assert.Equal(t, "Hamburg", u3["city"])

	_, err = driver.Get(ctx, "users", "u2")
	assert.True(t, errors.Is(err, db.ErrNotFound))

	byCity, err := driver.GetByIndex(ctx, "users", "city", "Hamburg")
	require.NoError(t, err)
	assert.Equal(t, []string{"u3"}, ids(byCity))

	all, err := driver.GetAll(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u3", "u4", "u5"}, ids(all))
}

func testTransactionRollback(t *testing.T, driver db.IDriver) {
	ctx := context.Background()
	seedUsers(t, driver)
	_, err := driver.Put(ctx, "settings", db.Record{"key": "lang", "value": "en"})
	require.NoError(t, err)

	usersBefore, err := driver.GetAll(ctx, "users")
	require.NoError(t, err)
	settingsBefore, err := driver.GetAll(ctx, "settings")
	require.NoError(t, err)

	assertUnchanged := func(t *testing.T) {
		t.Helper()
		users, err := driver.GetAll(ctx, "users")
		require.NoError(t, err)
		assert.Equal(t, usersBefore, users)
		settings, err := driver.GetAll(ctx, "settings")
		require.NoError(t, err)
		assert.Equal(t, settingsBefore, settings)
	}

	tests := []struct {
		name string
		ops  []db.TransactionOperation
		kind error
	}{
		{"duplicate key", []db.TransactionOperation{
			{Type: db.TxPut, Store: "settings", Data: db.Record{"key": "lang", "value": "de"}},
			{Type: db.TxDelete, Store: "users", Key: "u3"},
			{Type: db.TxAdd, Store: "users", Data: db.Record{"id": "u6", "email": "u6@x.io"}},
			{Type: db.TxAdd, Store: "users", Data: db.Record{"id": "u1", "email": "new@x.io"}},
		}, db.ErrConflict},
		{"unique index", []db.TransactionOperation{
			{Type: db.TxUpdate, Store: "users", Key: "u2", Data: db.Record{"city": "Oslo"}},
			{Type: db.TxUpdate, Store: "users", Key: "u2", Data: db.Record{"email": "alice@x.io"}},
		}, db.ErrConflict},
		{"update missing key", []db.TransactionOperation{
			{Type: db.TxPut, Store: "settings", Data: db.Record{"key": "new"}},
			{Type: db.TxUpdate, Store: "users", Key: "nobody", Data: db.Record{"age": 1}},
		}, db.ErrNotFound},
		{"unknown store", []db.TransactionOperation{
			{Type: db.TxPut, Store: "settings", Data: db.Record{"key": "new"}},
			{Type: db.TxPut, Store: "missing", Data: db.Record{"id": "x"}},
		}, db.ErrNotFound},
		{"invalid step", []db.TransactionOperation{
			{Type: db.TxPut, Store: "settings", Data: db.Record{"key": "new"}},
			{Type: db.TxDelete, Store: "users"},
		}, db.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := driver.Transaction(ctx, tt.ops)
			require.Error(t, err)
			assert.True(t, errors.Is(err, db.ErrTransactionAborted), "got %v", err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
			assertUnchanged(t)
		})
	}

	// the indexes were rolled back too
	got, err := driver.GetByIndex(ctx, "users", "city", "Oslo")
	require.NoError(t, err)
	assert.Empty(t, got)
	_, err = driver.Add(ctx, "users", db.Record{"id": "u6", "email": "u6@x.io"})
	require.NoError(t, err)
}

func testSchema(t *testing.T, driver db.IDriver) {
	ctx := context.Background()

	cfg := driver.Config()
	assert.Equal(t, TestConfig().Name, cfg.Name)
	assert.Equal(t, TestConfig().Version, cfg.Version)
	assert.Len(t, cfg.Stores, len(TestConfig().Stores))

	schema, ok := driver.(db.ISchema)
	require.True(t, ok, "driver must implement db.ISchema")

	extra := db.StoreConfig{Name: "extra", KeyPath: "id"}
	require.NoError(t, schema.CreateStore(ctx, extra))
	require.NoError(t, schema.CreateStore(ctx, extra))
	assert.True(t, schema.HasStore("extra"))
	assert.Contains(t, schema.StoreNames(), "extra")
	_, ok = driver.Config().Store("extra")
	assert.True(t, ok)

	_, err := driver.Add(ctx, "extra", db.Record{"id": 1})
	require.NoError(t, err)

	// the new store is visible to transactions
	require.NoError(t, driver.Transaction(ctx, []db.TransactionOperation{
		{Type: db.TxPut, Store: "extra", Data: db.Record{"id": 2}},
	}))

	require.NoError(t, schema.DeleteStore(ctx, "extra"))
	require.NoError(t, schema.DeleteStore(ctx, "extra"))
	assert.False(t, schema.HasStore("extra"))
	_, err = driver.Add(ctx, "extra", db.Record{"id": 3})
	assert.True(t, errors.Is(err, db.ErrNotFound), "got %v", err)

	// the returned config is a copy
	cfg = driver.Config()
	cfg.Stores[0].Name = "changed"
	assert.True(t, schema.HasStore("users"))
}

func testConcurrency(t *testing.T, driver db.IDriver) {
	ctx := context.Background()
	const workers, perWorker = 8, 25

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker*2)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("k-%d-%d", w, i)
				if _, err := driver.Put(ctx, "settings", db.Record{"key": key, "worker": w}); err != nil {
					errs <- err
					continue
				}
				if _, err := driver.Get(ctx, "settings", key); err != nil {
					errs <- err
				}
			}
		}(w)
	}

	// batches run concurrently with the single writes
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			err := driver.Transaction(ctx, []db.TransactionOperation{
				{Type: db.TxAdd, Store: "counters", Data: db.Record{"id": w}},
				{Type: db.TxPut, Store: "counters", Data: db.Record{"id": w + 100}},
			})
			if err != nil {
				errs <- err
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	n, err := driver.Count(ctx, "settings", nil)
	require.NoError(t, err)
	assert.Equal(t, workers*perWorker, n)

	n, err = driver.Count(ctx, "counters", nil)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}

// testWritesDuringFailedBatch runs single writes against a store while
// batches on the same store keep failing. A rollback must never drop a
// write that was reported as successful.
func testWritesDuringFailedBatch(t *testing.T, driver db.IDriver) {
	ctx := context.Background()
	const writers, perWriter, batches = 4, 25, 20

	_, err := driver.Put(ctx, "settings", db.Record{"key": "taken"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var written []string
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := fmt.Sprintf("w-%d-%d", w, i)
				if _, err := driver.Put(ctx, "settings", db.Record{"key": key}); err != nil {
					t.Error(err)
					continue
				}
				mu.Lock()
				written = append(written, key)
				mu.Unlock()
			}
		}(w)
	}
	for b := 0; b < batches; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			err := driver.Transaction(ctx, []db.TransactionOperation{
				{Type: db.TxPut, Store: "settings", Data: db.Record{"key": fmt.Sprintf("batch-%d", b)}},
				{Type: db.TxAdd, Store: "settings", Data: db.Record{"key": "taken"}},
			})
			assert.True(t, errors.Is(err, db.ErrConflict), "got %v", err)
		}(b)
	}
	wg.Wait()

	for _, key := range written {
		_, err := driver.Get(ctx, "settings", key)
		assert.NoError(t, err, key)
	}
	n, err := driver.Count(ctx, "settings", nil)
	require.NoError(t, err)
	assert.Equal(t, writers*perWriter+1, n, "no batch write survived its rollback")
}

// testNonFinite checks that NaN and ±Inf are rejected before they reach
// storage and that a rejected value leaves the store usable.
func testNonFinite(t *testing.T, driver db.IDriver) {
	ctx := context.Background()

	for _, r := range []db.Record{
		{"key": "inf", "value": math.Inf(1)},
		{"key": "ninf", "value": math.Inf(-1)},
		{"key": "nan", "value": math.NaN()},
		{"key": "nested", "value": map[string]any{"list": []any{1, math.Inf(1)}}},
	} {
		_, err := driver.Put(ctx, "settings", r)
		assert.True(t, errors.Is(err, db.ErrValidation), "%v: %v", r["key"], err)
	}
	_, err := driver.Put(ctx, "counters", db.Record{"id": math.NaN()})
	assert.True(t, errors.Is(err, db.ErrValidation), "nan key: %v", err)
	_, err = driver.Get(ctx, "counters", math.Inf(1))
	assert.True(t, errors.Is(err, db.ErrValidation), "inf key: %v", err)

	err = driver.Transaction(ctx, []db.TransactionOperation{
		{Type: db.TxPut, Store: "settings", Data: db.Record{"key": "a"}},
		{Type: db.TxPut, Store: "settings", Data: db.Record{"key": "b", "value": math.Inf(1)}},
	})
	assert.True(t, errors.Is(err, db.ErrTransactionAborted), "got %v", err)
	assert.True(t, errors.Is(err, db.ErrValidation), "got %v", err)

	n, err := driver.Count(ctx, "settings", nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = driver.Put(ctx, "settings", db.Record{"key": "a", "value": 1})
	require.NoError(t, err)
	all, err := driver.GetAll(ctx, "settings")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// testKeyIdentity checks that keys with the same string form name the same
// record, whatever their type.
func testKeyIdentity(t *testing.T, driver db.IDriver) {
	ctx := context.Background()

	_, err := driver.Put(ctx, "counters", db.Record{"id": 1, "n": "number"})
	require.NoError(t, err)
	_, err = driver.Add(ctx, "counters", db.Record{"id": "1", "n": "string"})
	assert.True(t, errors.Is(err, db.ErrConflict), "got %v", err)

	got, err := driver.Get(ctx, "counters", "1")
	require.NoError(t, err)
	assert.Equal(t, "number", got["n"])

	_, err = driver.Put(ctx, "counters", db.Record{"id": "1", "n": "string"})
	require.NoError(t, err)
	n, err := driver.Count(ctx, "counters", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err = driver.Get(ctx, "counters", 1)
	require.NoError(t, err)
	assert.Equal(t, "string", got["n"])

	require.NoError(t, driver.Delete(ctx, "counters", 1))
	_, err = driver.Get(ctx, "counters", "1")
	assert.True(t, errors.Is(err, db.ErrNotFound), "got %v", err)
}
