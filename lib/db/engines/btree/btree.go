package btree

import (
	"context"
	"sync"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/lib/db/engines/base"
	"github.com/ValentinKolb/uStore/lib/db/query"
	"github.com/ValentinKolb/uStore/lib/db/util"
	"github.com/ValentinKolb/uStore/lib/txn"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("db/btree")

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures the indexed driver
type Options struct {
	// Path of the snapshot file. Empty = memory only
	Path string
	// SyncWrites writes the snapshot file after every committed write,
	// otherwise it is only written on Close and after an upgrade
	SyncWrites bool
	// Degree of the b-trees (0 = 32)
	Degree int
	// Upgrade runs when the configured version is higher than the persisted one.
	// nil = create every configured store
	Upgrade db.UpgradeFunc
}

// request is one queued call. fn runs on the dispatcher goroutine.
type request struct {
	fn   func()
	done chan struct{}
}

// --------------------------------------------------------------------------
// Driver
// --------------------------------------------------------------------------

// driverImpl owns its tables from a single dispatcher goroutine. Every
// public call is pushed on the queue and blocks until it has been settled.
type driverImpl struct {
	cfg  db.DatabaseConfig
	opts Options
	life base.Lifecycle

	queue   *util.LockFreeMPSC[request]
	stopped chan struct{}

	// owned by the dispatcher
	ts      *tables
	version int

	// copy of the store configs for readers outside the dispatcher
	schemaMu sync.RWMutex
	schema   []db.StoreConfig
}

// NewDriver creates an indexed driver. Initialize must be called before use.
func NewDriver(cfg db.DatabaseConfig, opts *Options) db.IDriver {
	if opts == nil {
		opts = &Options{}
	}
	o := *opts
	if o.Degree <= 1 {
		o.Degree = 32
	}
	return &driverImpl{
		cfg:     cfg.Clone(),
		opts:    o,
		ts:      newTables(o.Degree),
		stopped: make(chan struct{}),
	}
}

func (d *driverImpl) dispatch() {
	defer close(d.stopped)
	for req := range d.queue.Recv() {
		req.fn()
		close(req.done)
	}
}

// run queues fn and waits until it was executed. The context is only
// checked before the request is queued.
func (d *driverImpl) run(ctx context.Context, fn func()) error {
	if d.queue == nil {
		return db.ErrUninitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	req := &request{fn: fn, done: make(chan struct{})}
	if !d.queue.Push(req) {
		return db.ErrClosed
	}
	select {
	case <-req.done:
		return nil
	case <-d.stopped:
		// the dispatcher may have drained the queue before our push landed
		select {
		case <-req.done:
			return nil
		default:
			return db.ErrClosed
		}
	}
}

// call checks the lifecycle before queueing.
func (d *driverImpl) call(ctx context.Context, fn func()) error {
	if err := d.life.Check(); err != nil {
		return err
	}
	return d.run(ctx, fn)
}

// syncSchema publishes the store configs. Runs on the dispatcher.
func (d *driverImpl) syncSchema() {
	schema := make([]db.StoreConfig, 0, len(d.ts.order))
	for _, name := range d.ts.order {
		schema = append(schema, d.ts.stores[name].config.Clone())
	}
	d.schemaMu.Lock()
	d.schema = schema
	d.schemaMu.Unlock()
}

// commit applies fn to a copy-on-write clone of the tables and swaps the
// clone in once it is durable. A failed step or save leaves d.ts untouched.
// Runs on the dispatcher.
func (d *driverImpl) commit(fn func(ts *tables) error) error {
	working := d.ts.clone()
	if err := fn(working); err != nil {
		return err
	}
	if d.opts.Path != "" && d.opts.SyncWrites {
		if err := d.save(working); err != nil {
			return err
		}
	}
	d.ts = working
	return nil
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func (d *driverImpl) Initialize(ctx context.Context) error {
	if err := d.life.Begin(); err != nil {
		return err
	}

	if d.opts.Path != "" {
		if err := d.load(); err != nil {
			return err
		}
	}
	d.syncSchema()

	d.queue = util.NewLockFreeMPSC[request]()
	go d.dispatch()

	changed, err := base.RunUpgrade(ctx, d.cfg, d, d.opts.Upgrade, d.version)
	if err != nil {
		d.shutdown()
		return err
	}
	if changed {
		Logger.Infof("upgraded %s from version %d to %d", d.cfg.Name, d.version, d.cfg.Version)
		var saveErr error
		if err := d.run(ctx, func() {
			d.version = d.cfg.Version
			if d.opts.Path != "" {
				saveErr = d.save(d.ts)
			}
		}); err != nil {
			return err
		}
		if saveErr != nil {
			d.shutdown()
			return saveErr
		}
	}

	d.life.Ready()
	return nil
}

func (d *driverImpl) shutdown() {
	d.queue.Close()
	<-d.stopped
}

func (d *driverImpl) Close() error {
	wasReady := d.life.Check() == nil
	if !d.life.Close() || !wasReady {
		return nil
	}
	d.shutdown()
	if d.opts.Path != "" {
		// the dispatcher is gone, so the tables are ours now
		return d.save(d.ts)
	}
	return nil
}

// --------------------------------------------------------------------------
// Schema (docu see db.ISchema)
// --------------------------------------------------------------------------

func (d *driverImpl) CreateStore(ctx context.Context, sc db.StoreConfig) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	var err error
	if qerr := d.run(ctx, func() {
		if _, exists := d.ts.stores[sc.Name]; exists {
			return
		}
		if err = d.commit(func(ts *tables) error {
			ts.createStore(sc)
			return nil
		}); err == nil {
			d.syncSchema()
		}
	}); qerr != nil {
		return qerr
	}
	return err
}

func (d *driverImpl) DeleteStore(ctx context.Context, name string) error {
	var err error
	if qerr := d.run(ctx, func() {
		if _, exists := d.ts.stores[name]; !exists {
			return
		}
		if err = d.commit(func(ts *tables) error {
			ts.deleteStore(name)
			return nil
		}); err == nil {
			d.syncSchema()
		}
	}); qerr != nil {
		return qerr
	}
	return err
}

func (d *driverImpl) HasStore(name string) bool {
	d.schemaMu.RLock()
	defer d.schemaMu.RUnlock()
	for _, s := range d.schema {
		if s.Name == name {
			return true
		}
	}
	return false
}

func (d *driverImpl) StoreNames() []string {
	d.schemaMu.RLock()
	defer d.schemaMu.RUnlock()
	names := make([]string, len(d.schema))
	for i, s := range d.schema {
		names[i] = s.Name
	}
	return names
}

// --------------------------------------------------------------------------
// Write Operations (docu see db.IDriver)
// --------------------------------------------------------------------------

func (d *driverImpl) Add(ctx context.Context, store string, record db.Record) (any, error) {
	return d.write(ctx, store, record, false)
}

func (d *driverImpl) Put(ctx context.Context, store string, record db.Record) (any, error) {
	return d.write(ctx, store, record, true)
}

func (d *driverImpl) write(ctx context.Context, store string, record db.Record, replace bool) (key any, err error) {
	if qerr := d.call(ctx, func() {
		err = d.commit(func(ts *tables) error {
			t, err := ts.table(d.cfg.Name, store)
			if err != nil {
				return err
			}
			key, err = t.write(record, replace)
			return err
		})
	}); qerr != nil {
		return nil, qerr
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

func (d *driverImpl) Delete(ctx context.Context, store string, key any) (err error) {
	if err := d.life.Check(); err != nil {
		return err
	}
	k, err := base.NormalizeKey(store, key)
	if err != nil {
		return err
	}
	if qerr := d.run(ctx, func() {
		var t *table
		if t, err = d.ts.table(d.cfg.Name, store); err != nil {
			return
		}
		if _, ok := t.get(k); !ok {
			return
		}
		err = d.commit(func(ts *tables) error {
			ts.stores[store].delete(k)
			return nil
		})
	}); qerr != nil {
		return qerr
	}
	return err
}

func (d *driverImpl) Clear(ctx context.Context, store string) (err error) {
	if qerr := d.call(ctx, func() {
		err = d.commit(func(ts *tables) error {
			t, err := ts.table(d.cfg.Name, store)
			if err != nil {
				return err
			}
			t.clear()
			return nil
		})
	}); qerr != nil {
		return qerr
	}
	return err
}

// Transaction applies the batch to a copy-on-write clone of every table and
// swaps the clone in if all steps succeeded and, with SyncWrites, the clone
// was saved.
func (d *driverImpl) Transaction(ctx context.Context, ops []db.TransactionOperation) (err error) {
	if err := d.life.Check(); err != nil {
		return err
	}
	cfg := d.Config()
	if err := txn.Validate(cfg, ops); err != nil {
		return err
	}
	if qerr := d.run(ctx, func() {
		err = d.commit(func(ts *tables) error {
			return txn.Run(context.WithoutCancel(ctx), &txTarget{dbName: d.cfg.Name, ts: ts}, cfg, ops)
		})
		if err != nil {
			Logger.Debugf("discarded batch of %d ops on %s: %v", len(ops), d.cfg.Name, err)
		}
	}); qerr != nil {
		return qerr
	}
	return err
}

// --------------------------------------------------------------------------
// Query Operations (docu see db.IDriver)
// --------------------------------------------------------------------------

func (d *driverImpl) Get(ctx context.Context, store string, key any) (record db.Record, err error) {
	if qerr := d.call(ctx, func() {
		record, err = (&txTarget{dbName: d.cfg.Name, ts: d.ts}).Get(ctx, store, key)
	}); qerr != nil {
		return nil, qerr
	}
	return record, err
}

func (d *driverImpl) GetAll(ctx context.Context, store string) (records []db.Record, err error) {
	if qerr := d.call(ctx, func() {
		var t *table
		if t, err = d.ts.table(d.cfg.Name, store); err != nil {
			return
		}
		records = db.CloneRecords(t.all())
	}); qerr != nil {
		return nil, qerr
	}
	return records, err
}

func (d *driverImpl) Query(ctx context.Context, store string, conditions []db.QueryCondition, opts *db.QueryOptions) (records []db.Record, err error) {
	if err := d.life.Check(); err != nil {
		return nil, err
	}
	compiled, err := query.Compile(conditions)
	if err != nil {
		return nil, err
	}
	if err := query.ValidateOptions(opts); err != nil {
		return nil, err
	}
	if qerr := d.run(ctx, func() {
		var t *table
		if t, err = d.ts.table(d.cfg.Name, store); err != nil {
			return
		}
		records, err = query.Run(t.candidates(compiled), compiled, opts)
		records = db.CloneRecords(records)
	}); qerr != nil {
		return nil, qerr
	}
	return records, err
}

func (d *driverImpl) Count(ctx context.Context, store string, conditions []db.QueryCondition) (int, error) {
	records, err := d.Query(ctx, store, conditions, nil)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (d *driverImpl) GetByIndex(ctx context.Context, store, index string, value any) (records []db.Record, err error) {
	value = db.Normalize(value)
	if qerr := d.call(ctx, func() {
		var t *table
		if t, err = d.ts.table(d.cfg.Name, store); err != nil {
			return
		}
		if _, ok := t.config.Index(index); !ok {
			err = db.Errorf(db.KindNotFound, "store %s: index %s does not exist", store, index)
			return
		}
		records = db.CloneRecords(t.rows(t.lookup(index, value)))
	}); qerr != nil {
		return nil, qerr
	}
	return records, err
}

// --------------------------------------------------------------------------
// Metadata
// --------------------------------------------------------------------------

func (d *driverImpl) Config() db.DatabaseConfig {
	d.schemaMu.RLock()
	defer d.schemaMu.RUnlock()
	out := db.DatabaseConfig{Name: d.cfg.Name, Version: d.cfg.Version}
	for _, s := range d.schema {
		out.Stores = append(out.Stores, s.Clone())
	}
	return out
}

func (d *driverImpl) Backend() db.BackendType {
	return db.BackendIndexed
}

func (d *driverImpl) SupportsFeature(feature db.Feature) bool {
	supported := db.FeatureNativeTransactions |
		db.FeatureIndexes |
		db.FeatureUniqueIndexes |
		db.FeatureQueryPushdown |
		db.FeatureAsync
	if d.opts.Path != "" {
		supported |= db.FeaturePersistence
	}
	return supported&feature == feature
}
