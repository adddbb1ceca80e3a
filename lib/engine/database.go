package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/uStore/lib/cache"
	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/lib/encryption"
	"github.com/ValentinKolb/uStore/lib/registry"
	"github.com/ValentinKolb/uStore/lib/syncmgr"
	"github.com/VictoriaMetrics/metrics"
)

// Database is the facade of one open database. Every operation returns a
// db.Result and never panics. Records are encrypted before they reach the
// driver and decrypted on the way out, queries are served from the engine
// cache when possible and every successful mutation is recorded by the
// attached sync coordinator.
//
// Conditions are evaluated against the stored records, so a condition on an
// encrypted field only matches its ciphertext.
type Database struct {
	name      string
	engine    *Engine
	driver    db.IDriver
	encryptor *encryption.Encryptor

	mu   sync.Mutex
	sync *syncmgr.Manager
}

// Name of the database
func (d *Database) Name() string { return d.name }

// Driver returns the underlying driver
func (d *Database) Driver() db.IDriver { return d.driver }

// Config returns the schema the driver serves
func (d *Database) Config() db.DatabaseConfig { return d.driver.Config() }

// Sync returns the attached sync coordinator, nil if there is none
func (d *Database) Sync() *syncmgr.Manager {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sync
}

// DecryptFailures returns the paths of r that could not be decrypted
func (d *Database) DecryptFailures(r db.Record) []string {
	if !d.encryptor.Enabled() {
		return nil
	}
	return encryption.Failed(r)
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

// Add inserts a record and returns its primary key
func (d *Database) Add(ctx context.Context, store string, record db.Record) db.Result[any] {
	return d.write(ctx, "add", store, record, db.SyncCreate)
}

// Put inserts or replaces a record and returns its primary key
func (d *Database) Put(ctx context.Context, store string, record db.Record) db.Result[any] {
	return d.write(ctx, "put", store, record, db.SyncUpdate)
}

func (d *Database) write(ctx context.Context, op, store string, record db.Record, syncOp db.SyncOperation) db.Result[any] {
	defer d.observe(op, time.Now())

	sc, err := d.store(store)
	if err != nil {
		return fail[any](op, err)
	}
	stored, err := d.encryptor.EncryptRecord(record, sc.KeyPath)
	if err != nil {
		return fail[any](op, err)
	}

	var key any
	if op == "add" {
		key, err = d.driver.Add(ctx, store, stored)
	} else {
		key, err = d.driver.Put(ctx, store, stored)
	}
	if err != nil {
		return fail[any](op, err)
	}

	d.invalidate(store)
	if stored != nil {
		db.SetFieldValue(stored, sc.KeyPath, key)
	}
	d.record(store, key, syncOp, stored)
	return db.Ok(key)
}

// Delete removes the record with key. Deleting a missing key succeeds.
func (d *Database) Delete(ctx context.Context, store string, key any) db.Result[any] {
	defer d.observe("delete", time.Now())

	sc, err := d.store(store)
	if err != nil {
		return fail[any]("delete", err)
	}
	if err := d.driver.Delete(ctx, store, key); err != nil {
		return fail[any]("delete", err)
	}
	d.invalidate(store)
	d.record(store, key, db.SyncDelete, keyRecord(sc, key))
	return db.Ok(key)
}

// Clear removes every record of store. Clearing is not synchronized.
func (d *Database) Clear(ctx context.Context, store string) db.Result[bool] {
	defer d.observe("clear", time.Now())

	if err := d.driver.Clear(ctx, store); err != nil {
		return fail[bool]("clear", err)
	}
	d.invalidate(store)
	return db.Ok(true)
}

// Transaction applies ops atomically. Count is the number of operations.
func (d *Database) Transaction(ctx context.Context, ops []db.TransactionOperation) db.Result[int] {
	defer d.observe("transaction", time.Now())

	cfg := d.driver.Config()
	prepared := make([]db.TransactionOperation, len(ops))
	for i, op := range ops {
		prepared[i] = op
		sc, ok := cfg.Store(op.Store)
		if !ok || op.Data == nil {
			continue
		}
		data, err := d.encryptor.EncryptRecord(op.Data, sc.KeyPath)
		if err != nil {
			return fail[int]("transaction", err)
		}
		prepared[i].Data = data
	}

	if err := d.engine.coordinator.Execute(ctx, d.driver, prepared); err != nil {
		return fail[int]("transaction", err)
	}

	for _, store := range db.Stores(prepared) {
		d.invalidate(store)
	}
	d.recordBatch(ctx, cfg, prepared)
	return db.OkCount(len(ops), len(ops))
}

// --------------------------------------------------------------------------
// Query Operations
// --------------------------------------------------------------------------

// Get returns the decrypted record with key
func (d *Database) Get(ctx context.Context, store string, key any) db.Result[db.Record] {
	defer d.observe("get", time.Now())

	r, err := d.driver.Get(ctx, store, key)
	if err != nil {
		return fail[db.Record]("get", err)
	}
	return db.Ok(d.encryptor.DecryptRecord(r))
}

// GetAll returns every record of store in primary key order
func (d *Database) GetAll(ctx context.Context, store string) db.Result[[]db.Record] {
	defer d.observe("getAll", time.Now())

	records, err := d.cached(store, "all", nil, nil, func() ([]db.Record, error) {
		return d.driver.GetAll(ctx, store)
	})
	if err != nil {
		return fail[[]db.Record]("getAll", err)
	}
	return db.OkCount(records, len(records))
}

// Query returns the records matching all conditions, post-processed by opts
func (d *Database) Query(ctx context.Context, store string, conditions []db.QueryCondition, opts *db.QueryOptions) db.Result[[]db.Record] {
	defer d.observe("query", time.Now())

	records, err := d.cached(store, "query", conditions, opts, func() ([]db.Record, error) {
		return d.driver.Query(ctx, store, conditions, opts)
	})
	if err != nil {
		return fail[[]db.Record]("query", err)
	}
	return db.OkCount(records, len(records))
}

// Count returns the number of records matching all conditions
func (d *Database) Count(ctx context.Context, store string, conditions []db.QueryCondition) db.Result[int] {
	defer d.observe("count", time.Now())

	key, cacheable := cache.Key(d.scope(store), conditions, nil)
	key += "#count"
	if cacheable {
		if v, ok := d.engine.cache.Get(key); ok {
			n := v.(int)
			return db.OkCount(n, n)
		}
	}
	n, err := d.driver.Count(ctx, store, conditions)
	if err != nil {
		return fail[int]("count", err)
	}
	if cacheable {
		d.engine.cache.Set(key, n, 0)
	}
	return db.OkCount(n, n)
}

// GetByIndex returns the records whose index value equals value
func (d *Database) GetByIndex(ctx context.Context, store, index string, value any) db.Result[[]db.Record] {
	defer d.observe("getByIndex", time.Now())

	records, err := d.driver.GetByIndex(ctx, store, index, value)
	if err != nil {
		return fail[[]db.Record]("getByIndex", err)
	}
	out := make([]db.Record, len(records))
	for i, r := range records {
		out[i] = d.encryptor.DecryptRecord(r)
	}
	return db.OkCount(out, len(out))
}

// Stats reports record counts and sizes per store. Sizes are measured on
// the stored (encrypted) records.
func (d *Database) Stats(ctx context.Context) db.Result[*registry.DatabaseStats] {
	defer d.observe("stats", time.Now())

	stats, err := registry.Stats(ctx, d.driver)
	if err != nil {
		return fail[*registry.DatabaseStats]("stats", err)
	}
	return db.OkCount(stats, stats.Records)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (d *Database) store(name string) (db.StoreConfig, error) {
	sc, ok := d.driver.Config().Store(name)
	if !ok {
		return db.StoreConfig{}, db.Errorf(db.KindNotFound, "database %s: store %s not found", d.name, name)
	}
	return sc, nil
}

// scope is the cache namespace of a store
func (d *Database) scope(store string) string {
	return d.name + "/" + store
}

func (d *Database) invalidate(store string) {
	d.engine.cache.DeletePrefix(cache.Prefix(d.scope(store)))
}

// cached serves decrypted records from the cache or loads and caches them.
// Callers always get their own copy.
func (d *Database) cached(store, kind string, conditions []db.QueryCondition, opts *db.QueryOptions, load func() ([]db.Record, error)) ([]db.Record, error) {
	key, cacheable := cache.Key(d.scope(store), conditions, opts)
	key += "#" + kind
	if cacheable {
		if v, ok := d.engine.cache.Get(key); ok {
			return db.CloneRecords(v.([]db.Record)), nil
		}
	}

	records, err := load()
	if err != nil {
		return nil, err
	}
	out := make([]db.Record, len(records))
	for i, r := range records {
		out[i] = d.encryptor.DecryptRecord(r)
	}
	if cacheable {
		d.engine.cache.Set(key, db.CloneRecords(out), 0)
	}
	return out, nil
}

func (d *Database) record(store string, key any, op db.SyncOperation, data db.Record) {
	m := d.Sync()
	if m == nil {
		return
	}
	m.RecordChange(store, db.KeyString(key), op, data)
}

// recordBatch records the changes of a committed batch. Updates are read
// back to record the merged record; adds without a key can not be identified.
func (d *Database) recordBatch(ctx context.Context, cfg db.DatabaseConfig, ops []db.TransactionOperation) {
	m := d.Sync()
	if m == nil {
		return
	}
	for _, op := range ops {
		if !m.Tracks(op.Store) {
			continue
		}
		sc, _ := cfg.Store(op.Store)
		switch op.Type {
		case db.TxAdd, db.TxPut:
			key, ok := db.KeyOf(op.Data, sc.KeyPath)
			if !ok {
				Logger.Warningf("%s: add to %s without key is not synchronized", d.name, op.Store)
				continue
			}
			syncOp := db.SyncUpdate
			if op.Type == db.TxAdd {
				syncOp = db.SyncCreate
			}
			m.RecordChange(op.Store, db.KeyString(key), syncOp, op.Data)
		case db.TxDelete:
			m.RecordChange(op.Store, db.KeyString(op.Key), db.SyncDelete, keyRecord(sc, op.Key))
		case db.TxUpdate:
			key := op.Key
			if key == nil {
				key, _ = db.KeyOf(op.Data, sc.KeyPath)
			}
			r, err := d.driver.Get(ctx, op.Store, key)
			if err != nil {
				Logger.Warningf("%s: reading back %s/%v failed: %v", d.name, op.Store, key, err)
				continue
			}
			m.RecordChange(op.Store, db.KeyString(key), db.SyncUpdate, r)
		}
	}
}

func (d *Database) stopSync() error {
	d.mu.Lock()
	m := d.sync
	d.sync = nil
	d.mu.Unlock()
	if m == nil {
		return nil
	}
	return m.Close()
}

// keyRecord is the data of a delete change, it carries the typed key
func keyRecord(sc db.StoreConfig, key any) db.Record {
	r := db.Record{}
	db.SetFieldValue(r, sc.KeyPath, db.Normalize(key))
	return r
}

// --------------------------------------------------------------------------
// Results and Metrics
// --------------------------------------------------------------------------

func fail[T any](op string, err error) db.Result[T] {
	Logger.Debugf("%s failed: %v", op, err)
	return db.Fail[T](err)
}

// observe counts the operation and its duration per backend
func (d *Database) observe(op string, start time.Time) {
	backend := d.driver.Backend()
	metrics.GetOrCreateCounter(fmt.Sprintf(`ustore_db_operations_total{backend=%q,op=%q}`, backend, op)).Inc()
	metrics.GetOrCreateHistogram(fmt.Sprintf(`ustore_db_operation_duration_seconds{backend=%q,op=%q}`, backend, op)).UpdateDuration(start)
}
