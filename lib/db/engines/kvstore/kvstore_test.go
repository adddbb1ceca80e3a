package kvstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/lib/db/engines/kvstore"
	dbtesting "github.com/ValentinKolb/uStore/lib/db/testing"
	"github.com/ValentinKolb/uStore/lib/kv"
	"github.com/ValentinKolb/uStore/lib/kv/maple"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func factory(_ testing.TB, cfg db.DatabaseConfig) db.IDriver {
	return kvstore.NewDriver(cfg, nil)
}

func TestKVDriver(t *testing.T) {
	dbtesting.RunDriverTests(t, "kv", factory)
}

func BenchmarkKVDriver(b *testing.B) {
	dbtesting.RunDriverBenchmarks(b, "kv", factory)
}

func openFile(t *testing.T, path string) kv.IStore {
	t.Helper()
	store, err := kv.NewFileStore(path, maple.NewMapleStore(nil))
	require.NoError(t, err)
	return store
}

func TestPersistedLayout(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "app.kv")
	cfg := dbtesting.TestConfig()
	cfg.Name = "app"

	driver := kvstore.NewDriver(cfg, &kvstore.Options{Store: openFile(t, path)})
	require.NoError(t, driver.Initialize(ctx))
	_, err := driver.Add(ctx, "users", dbtesting.Users()[0])
	require.NoError(t, err)
	_, err = driver.Add(ctx, "counters", db.Record{"n": 1})
	require.NoError(t, err)
	require.NoError(t, driver.Close())

	// one namespace per store, a json object keyed by the stringified key
	store := openFile(t, path)
	raw, ok, err := store.Get("app_users")
	require.NoError(t, err)
	require.True(t, ok)
	var users map[string]db.Record
	require.NoError(t, json.Unmarshal(raw, &users))
	assert.Equal(t, "Alice", users["u1"]["name"])

	raw, _, err = store.Get("app_counters")
	require.NoError(t, err)
	var counters map[string]db.Record
	require.NoError(t, json.Unmarshal(raw, &counters))
	assert.Contains(t, counters, "1")

	raw, ok, err = store.Get("app__meta")
	require.NoError(t, err)
	require.True(t, ok)
	var meta struct {
		Version int `json:"version"`
	}
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, 1, meta.Version)
	require.NoError(t, store.Close())
}

func TestReopenAndUpgrade(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "app.kv")
	cfg := dbtesting.TestConfig()

	driver := kvstore.NewDriver(cfg, &kvstore.Options{Store: openFile(t, path)})
	require.NoError(t, driver.Initialize(ctx))
	_, err := driver.Put(ctx, "settings", db.Record{"key": "theme", "value": "dark"})
	require.NoError(t, err)
	require.NoError(t, driver.Close())

	// same version: no upgrade runs, data is still there
	called := false
	driver = kvstore.NewDriver(cfg, &kvstore.Options{
		Store: openFile(t, path),
		Upgrade: func(context.Context, db.ISchema, int, int) error {
			called = true
			return nil
		},
	})
	require.NoError(t, driver.Initialize(ctx))
	assert.False(t, called)
	got, err := driver.Get(ctx, "settings", "theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", got["value"])
	require.NoError(t, driver.Close())

	// higher version: the callback sees the persisted version
	cfg.Version = 2
	var from, to int
	driver = kvstore.NewDriver(cfg, &kvstore.Options{
		Store: openFile(t, path),
		Upgrade: func(ctx context.Context, schema db.ISchema, oldVersion, newVersion int) error {
			from, to = oldVersion, newVersion
			if err := schema.DeleteStore(ctx, "counters"); err != nil {
				return err
			}
			return schema.CreateStore(ctx, db.StoreConfig{Name: "logs", KeyPath: "id", AutoIncrement: true})
		},
	})
	require.NoError(t, driver.Initialize(ctx))
	assert.Equal(t, 1, from)
	assert.Equal(t, 2, to)
	_, err = driver.Add(ctx, "logs", db.Record{"msg": "upgraded"})
	require.NoError(t, err)
	_, err = driver.GetAll(ctx, "counters")
	assert.True(t, errors.Is(err, db.ErrNotFound))
	got, err = driver.Get(ctx, "settings", "theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", got["value"])
	require.NoError(t, driver.Close())
}

func TestFailedUpgrade(t *testing.T) {
	driver := kvstore.NewDriver(dbtesting.TestConfig(), &kvstore.Options{
		Upgrade: func(context.Context, db.ISchema, int, int) error {
			return errors.New("boom")
		},
	})
	err := driver.Initialize(context.Background())
	assert.True(t, errors.Is(err, db.ErrBackend), "got %v", err)
}

func TestInfo(t *testing.T) {
	ctx := context.Background()
	driver := kvstore.NewDriver(dbtesting.TestConfig(), nil)
	require.NoError(t, driver.Initialize(ctx))
	defer driver.Close()

	info := driver.(interface{ Info() kv.Info }).Info()
	// meta plus one namespace per store
	assert.Equal(t, 4, info.Keys)
	assert.True(t, driver.SupportsFeature(db.FeatureSnapshot|db.FeatureIndexes))
	assert.False(t, driver.SupportsFeature(db.FeatureNativeTransactions))
}

func TestWritesWaitForBatch(t *testing.T) {
	ctx := context.Background()
	driver := kvstore.NewDriver(dbtesting.TestConfig(), nil)
	require.NoError(t, driver.Initialize(ctx))
	defer driver.Close()
	snap := driver.(db.ISnapshotter)

	target, unlock := snap.Lock()
	before, err := snap.Snapshot(ctx, []string{"settings"})
	require.NoError(t, err)
	_, err = target.Put(ctx, "settings", db.Record{"key": "batch"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := driver.Put(ctx, "settings", db.Record{"key": "other"})
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("put finished while a batch held the lock: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// the batch fails and rolls back, the waiting put lands afterwards
	require.NoError(t, snap.Restore(ctx, before))
	unlock()
	require.NoError(t, <-done)

	_, err = driver.Get(ctx, "settings", "other")
	assert.NoError(t, err)
	_, err = driver.Get(ctx, "settings", "batch")
	assert.True(t, errors.Is(err, db.ErrNotFound))
}
