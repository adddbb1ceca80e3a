package txn_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/lib/db/engines/btree"
	"github.com/ValentinKolb/uStore/lib/db/engines/kvstore"
	dbtesting "github.com/ValentinKolb/uStore/lib/db/testing"
	"github.com/ValentinKolb/uStore/lib/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sequentialDriver hides the snapshot capability of the wrapped driver
type sequentialDriver struct {
	db.IDriver
}

func (s sequentialDriver) SupportsFeature(db.Feature) bool { return false }

func open(t *testing.T, d db.IDriver) db.IDriver {
	t.Helper()
	require.NoError(t, d.Initialize(context.Background()))
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestModeFor(t *testing.T) {
	c := txn.NewCoordinator()
	cfg := dbtesting.TestConfig()

	assert.Equal(t, txn.ModeNative, c.ModeFor(btree.NewDriver(cfg, nil)))
	assert.Equal(t, txn.ModeSimulated, c.ModeFor(kvstore.NewDriver(cfg, nil)))
	assert.Equal(t, txn.ModeSequential, c.ModeFor(sequentialDriver{kvstore.NewDriver(cfg, nil)}))
	assert.Equal(t, "simulated", txn.ModeSimulated.String())
}

func TestValidate(t *testing.T) {
	cfg := dbtesting.TestConfig()
	tests := []struct {
		name string
		op   db.TransactionOperation
		kind error
	}{
		{"unknown store", db.TransactionOperation{Type: db.TxPut, Store: "nope", Data: db.Record{"id": 1}}, db.ErrNotFound},
		{"unknown type", db.TransactionOperation{Type: "upsert", Store: "users", Data: db.Record{"id": 1}}, db.ErrValidation},
		{"add without data", db.TransactionOperation{Type: db.TxAdd, Store: "users"}, db.ErrValidation},
		{"delete without key", db.TransactionOperation{Type: db.TxDelete, Store: "users"}, db.ErrValidation},
		{"update without key", db.TransactionOperation{Type: db.TxUpdate, Store: "users", Data: db.Record{"age": 1}}, db.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := []db.TransactionOperation{
				{Type: db.TxPut, Store: "settings", Data: db.Record{"key": "ok"}},
				tt.op,
			}
			err := txn.Validate(cfg, ops)
			require.Error(t, err)

			var txErr *txn.TxError
			require.True(t, errors.As(err, &txErr))
			assert.Equal(t, 1, txErr.Index)
			assert.True(t, errors.Is(err, db.ErrTransactionAborted))
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}

	assert.NoError(t, txn.Validate(cfg, []db.TransactionOperation{
		{Type: db.TxUpdate, Store: "users", Data: db.Record{"id": "u1", "age": 2}},
	}))
}

func TestExecuteAllModes(t *testing.T) {
	cfg := dbtesting.TestConfig()
	drivers := map[string]db.IDriver{
		"native":    btree.NewDriver(cfg, nil),
		"simulated": kvstore.NewDriver(cfg, nil),
	}
	c := txn.NewCoordinator()

	for name, d := range drivers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := open(t, d)
			_, err := d.Put(ctx, "settings", db.Record{"key": "theme", "value": "light"})
			require.NoError(t, err)

			err = c.Execute(ctx, d, []db.TransactionOperation{
				{Type: db.TxUpdate, Store: "settings", Key: "theme", Data: db.Record{"value": "dark"}},
				{Type: db.TxAdd, Store: "counters", Data: db.Record{"n": 1}},
				{Type: db.TxAdd, Store: "settings", Data: db.Record{"key": "theme"}},
			})
			require.Error(t, err)
			assert.True(t, errors.Is(err, db.ErrConflict))

			var txErr *txn.TxError
			require.True(t, errors.As(err, &txErr))
			assert.Equal(t, 2, txErr.Index)
			assert.Equal(t, db.TxAdd, txErr.Op.Type)

			got, err := d.Get(ctx, "settings", "theme")
			require.NoError(t, err)
			assert.Equal(t, "light", got["value"])
			n, err := d.Count(ctx, "counters", nil)
			require.NoError(t, err)
			assert.Zero(t, n)

			require.NoError(t, c.Execute(ctx, d, []db.TransactionOperation{
				{Type: db.TxUpdate, Store: "settings", Key: "theme", Data: db.Record{"value": "dark"}},
				{Type: db.TxAdd, Store: "counters", Data: db.Record{"n": 1}},
			}))
			got, err = d.Get(ctx, "settings", "theme")
			require.NoError(t, err)
			assert.Equal(t, "dark", got["value"])
		})
	}
}

func TestSequentialStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	d := sequentialDriver{open(t, kvstore.NewDriver(dbtesting.TestConfig(), nil))}

	err := txn.NewCoordinator().Execute(ctx, d, []db.TransactionOperation{
		{Type: db.TxPut, Store: "settings", Data: db.Record{"key": "a"}},
		{Type: db.TxDelete, Store: "settings", Key: "missing"},
		{Type: db.TxUpdate, Store: "settings", Key: "missing", Data: db.Record{"x": 1}},
		{Type: db.TxPut, Store: "settings", Data: db.Record{"key": "b"}},
	})
	assert.True(t, errors.Is(err, db.ErrNotFound))

	// no atomicity: the first step stays, the last one never ran
	_, err = d.Get(ctx, "settings", "a")
	assert.NoError(t, err)
	_, err = d.Get(ctx, "settings", "b")
	assert.True(t, errors.Is(err, db.ErrNotFound))
}

func TestSimulateCancelledContext(t *testing.T) {
	d := open(t, kvstore.NewDriver(dbtesting.TestConfig(), nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := txn.Simulate(ctx, d.(db.ISnapshotter), d.Config(), []db.TransactionOperation{
		{Type: db.TxPut, Store: "settings", Data: db.Record{"key": "a"}},
	})
	assert.True(t, errors.Is(err, db.ErrTransactionAborted))
	assert.True(t, errors.Is(err, context.Canceled))

	n, err := d.Count(context.Background(), "settings", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApplyUpdateKeepsKey(t *testing.T) {
	ctx := context.Background()
	d := open(t, kvstore.NewDriver(dbtesting.TestConfig(), nil))
	_, err := d.Put(ctx, "users", db.Record{"id": "u1", "name": "Alice", "email": "a@x.io"})
	require.NoError(t, err)

	require.NoError(t, txn.Apply(ctx, d, d.Config(), db.TransactionOperation{
		Type: db.TxUpdate, Store: "users", Key: "u1", Data: db.Record{"id": "u2", "name": "Alicia"},
	}))
	got, err := d.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, db.Record{"id": "u1", "name": "Alicia", "email": "a@x.io"}, got)

	_, err = d.Get(ctx, "users", "u2")
	assert.True(t, errors.Is(err, db.ErrNotFound))
}
