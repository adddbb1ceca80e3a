package kvstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/lib/db/engines/base"
	"github.com/ValentinKolb/uStore/lib/db/query"
	"github.com/ValentinKolb/uStore/lib/kv"
	"github.com/ValentinKolb/uStore/lib/kv/maple"
	"github.com/ValentinKolb/uStore/lib/txn"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("db/kvstore")

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures the kv driver
type Options struct {
	// Store is the namespace store. nil = a fresh in-memory maple store
	Store kv.IStore
	// Upgrade runs when the configured version is higher than the persisted one.
	// nil = create every configured store
	Upgrade db.UpgradeFunc
}

// meta is persisted under "<db>__meta"
type meta struct {
	Version int              `json:"version"`
	Stores  []db.StoreConfig `json:"stores"`
}

// storeState is the in-memory copy of one namespace
type storeState struct {
	config  db.StoreConfig
	records map[string]db.Record
}

// --------------------------------------------------------------------------
// Driver
// --------------------------------------------------------------------------

// driverImpl keeps one map per store and re-persists the whole namespace
// ("<db>_<store>" -> JSON object of key -> record) on every mutation.
type driverImpl struct {
	cfg     db.DatabaseConfig
	opts    Options
	life    base.Lifecycle
	kv      kv.IStore
	version int

	mu     sync.RWMutex // guards stores and version
	stores map[string]*storeState
	order  []string

	// writeMu serializes writers. A simulated batch holds it from snapshot
	// to restore, so no single write can land in between. Order: writeMu, mu.
	writeMu sync.Mutex
}

// NewDriver creates a kv driver. Initialize must be called before use.
func NewDriver(cfg db.DatabaseConfig, opts *Options) db.IDriver {
	if opts == nil {
		opts = &Options{}
	}
	store := opts.Store
	if store == nil {
		store = maple.NewMapleStore(nil)
	}
	return &driverImpl{
		cfg:    cfg.Clone(),
		opts:   *opts,
		kv:     store,
		stores: make(map[string]*storeState),
	}
}

func (d *driverImpl) namespace(store string) string {
	return d.cfg.Name + "_" + store
}

func (d *driverImpl) metaKey() string {
	return d.cfg.Name + "__meta"
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func (d *driverImpl) Initialize(ctx context.Context) error {
	if err := d.life.Begin(); err != nil {
		return err
	}

	m, err := d.loadMeta()
	if err != nil {
		return err
	}
	for _, sc := range m.Stores {
		records, err := d.loadNamespace(sc.Name)
		if err != nil {
			return err
		}
		d.stores[sc.Name] = &storeState{config: sc, records: records}
		d.order = append(d.order, sc.Name)
	}
	d.version = m.Version

	changed, err := base.RunUpgrade(ctx, d.cfg, d, d.opts.Upgrade, m.Version)
	if err != nil {
		return err
	}
	if changed {
		Logger.Infof("upgraded %s from version %d to %d", d.cfg.Name, m.Version, d.cfg.Version)
		d.mu.Lock()
		d.version = d.cfg.Version
		err = d.persistMeta()
		d.mu.Unlock()
		if err != nil {
			return err
		}
	}

	d.life.Ready()
	return nil
}

func (d *driverImpl) Close() error {
	if !d.life.Close() {
		return nil
	}
	return d.kv.Close()
}

func (d *driverImpl) loadMeta() (meta, error) {
	raw, ok, err := d.kv.Get(d.metaKey())
	if err != nil {
		return meta{}, db.Wrap(db.KindBackend, "read meta", err)
	}
	var m meta
	if !ok {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return meta{}, db.Wrap(db.KindBackend, "decode meta", err)
	}
	return m, nil
}

func (d *driverImpl) loadNamespace(store string) (map[string]db.Record, error) {
	raw, ok, err := d.kv.Get(d.namespace(store))
	if err != nil {
		return nil, db.Wrap(db.KindBackend, "read "+store, err)
	}
	records := make(map[string]db.Record)
	if !ok {
		return records, nil
	}
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, db.Wrap(db.KindBackend, "decode "+store, err)
	}
	for k, r := range records {
		records[k] = db.CloneRecord(r)
	}
	return records, nil
}

// persistMeta writes the version and store list. Caller holds d.mu.
func (d *driverImpl) persistMeta() error {
	m := meta{Version: d.version}
	for _, name := range d.order {
		m.Stores = append(m.Stores, d.stores[name].config)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return db.Wrap(db.KindBackend, "encode meta", err)
	}
	return db.Wrap(db.KindBackend, "write meta", d.kv.Set(d.metaKey(), raw))
}

// persist writes a whole namespace. Caller holds d.mu.
func (d *driverImpl) persist(st *storeState) error {
	raw, err := json.Marshal(st.records)
	if err != nil {
		return db.Wrap(db.KindBackend, "encode "+st.config.Name, err)
	}
	return db.Wrap(db.KindBackend, "write "+st.config.Name, d.kv.Set(d.namespace(st.config.Name), raw))
}

// --------------------------------------------------------------------------
// Schema (docu see db.ISchema)
// --------------------------------------------------------------------------

func (d *driverImpl) CreateStore(_ context.Context, sc db.StoreConfig) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.stores[sc.Name]; ok {
		return nil
	}
	st := &storeState{config: sc.Clone(), records: make(map[string]db.Record)}
	d.stores[sc.Name] = st
	d.order = append(d.order, sc.Name)
	if err := d.persist(st); err != nil {
		return err
	}
	return d.persistMeta()
}

func (d *driverImpl) DeleteStore(_ context.Context, name string) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.stores[name]; !ok {
		return nil
	}
	delete(d.stores, name)
	for i, n := range d.order {
		if n == name {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	if err := d.kv.Delete(d.namespace(name)); err != nil {
		return db.Wrap(db.KindBackend, "delete "+name, err)
	}
	return d.persistMeta()
}

func (d *driverImpl) HasStore(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.stores[name]
	return ok
}

func (d *driverImpl) StoreNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.order...)
}

// --------------------------------------------------------------------------
// Write Operations (docu see db.IDriver)
// --------------------------------------------------------------------------

func (d *driverImpl) store(name string) (*storeState, error) {
	st, ok := d.stores[name]
	if !ok {
		return nil, base.StoreNotFound(d.cfg.Name, name)
	}
	return st, nil
}

func (d *driverImpl) Add(ctx context.Context, store string, record db.Record) (any, error) {
	return d.write(ctx, store, record, false)
}

func (d *driverImpl) Put(ctx context.Context, store string, record db.Record) (any, error) {
	return d.write(ctx, store, record, true)
}

func (d *driverImpl) write(_ context.Context, store string, record db.Record, replace bool) (any, error) {
	if err := d.life.Check(); err != nil {
		return nil, err
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.put(store, record, replace)
}

// put writes a record. Caller holds writeMu.
func (d *driverImpl) put(store string, record db.Record, replace bool) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, err := d.store(store)
	if err != nil {
		return nil, err
	}
	r, key, err := base.Prepare(st.config, record, func() float64 { return base.NextKey(keysOf(st)) })
	if err != nil {
		return nil, err
	}
	ks := db.KeyString(key)
	old, exists := st.records[ks]
	if exists && !replace {
		return nil, db.Errorf(db.KindConflict, "store %s: key %s already exists", store, ks)
	}
	if idx, violated := query.UniqueViolation(valuesOf(st), st.config, r, ks); violated {
		return nil, db.Errorf(db.KindConflict, "store %s: unique index %s violated", store, idx)
	}

	st.records[ks] = r
	if err := d.persist(st); err != nil {
		// keep memory in line with what is persisted
		if exists {
			st.records[ks] = old
		} else {
			delete(st.records, ks)
		}
		return nil, err
	}
	return key, nil
}

func (d *driverImpl) Delete(_ context.Context, store string, key any) error {
	if err := d.life.Check(); err != nil {
		return err
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.remove(store, key)
}

// remove deletes a record. Caller holds writeMu.
func (d *driverImpl) remove(store string, key any) error {
	k, err := base.NormalizeKey(store, key)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	st, err := d.store(store)
	if err != nil {
		return err
	}
	ks := db.KeyString(k)
	old, exists := st.records[ks]
	if !exists {
		return nil
	}
	delete(st.records, ks)
	if err := d.persist(st); err != nil {
		st.records[ks] = old
		return err
	}
	return nil
}

func (d *driverImpl) Clear(_ context.Context, store string) error {
	if err := d.life.Check(); err != nil {
		return err
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()

	st, err := d.store(store)
	if err != nil {
		return err
	}
	old := st.records
	st.records = make(map[string]db.Record)
	if err := d.persist(st); err != nil {
		st.records = old
		return err
	}
	return nil
}

// Transaction has no native counterpart here, it is simulated with a
// snapshot of every touched store.
func (d *driverImpl) Transaction(ctx context.Context, ops []db.TransactionOperation) error {
	if err := d.life.Check(); err != nil {
		return err
	}
	return txn.Simulate(ctx, d, d.Config(), ops)
}

// --------------------------------------------------------------------------
// Query Operations (docu see db.IDriver)
// --------------------------------------------------------------------------

func (d *driverImpl) Get(_ context.Context, store string, key any) (db.Record, error) {
	if err := d.life.Check(); err != nil {
		return nil, err
	}
	k, err := base.NormalizeKey(store, key)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	st, err := d.store(store)
	if err != nil {
		return nil, err
	}
	r, ok := st.records[db.KeyString(k)]
	if !ok {
		return nil, db.Errorf(db.KindNotFound, "store %s: key %v not found", store, key)
	}
	return db.CloneRecord(r), nil
}

// sorted returns the records of a store in primary key order (not cloned).
func (d *driverImpl) sorted(store string) ([]db.Record, db.StoreConfig, error) {
	st, err := d.store(store)
	if err != nil {
		return nil, db.StoreConfig{}, err
	}
	out := valuesOf(st)
	keyPath := st.config.KeyPath
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := db.FieldValue(out[i], keyPath)
		b, _ := db.FieldValue(out[j], keyPath)
		return query.Compare(a, b) < 0
	})
	return out, st.config, nil
}

func (d *driverImpl) GetAll(_ context.Context, store string) ([]db.Record, error) {
	if err := d.life.Check(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	records, _, err := d.sorted(store)
	if err != nil {
		return nil, err
	}
	return db.CloneRecords(records), nil
}

func (d *driverImpl) Query(_ context.Context, store string, conditions []db.QueryCondition, opts *db.QueryOptions) ([]db.Record, error) {
	if err := d.life.Check(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	records, _, err := d.sorted(store)
	if err != nil {
		return nil, err
	}
	out, err := query.Run(records, conditions, opts)
	if err != nil {
		return nil, err
	}
	return db.CloneRecords(out), nil
}

func (d *driverImpl) Count(ctx context.Context, store string, conditions []db.QueryCondition) (int, error) {
	if err := d.life.Check(); err != nil {
		return 0, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	records, _, err := d.sorted(store)
	if err != nil {
		return 0, err
	}
	out, err := query.Run(records, conditions, nil)
	if err != nil {
		return 0, err
	}
	return len(out), nil
}

func (d *driverImpl) GetByIndex(_ context.Context, store, index string, value any) ([]db.Record, error) {
	if err := d.life.Check(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	records, sc, err := d.sorted(store)
	if err != nil {
		return nil, err
	}
	idx, ok := sc.Index(index)
	if !ok {
		return nil, db.Errorf(db.KindNotFound, "store %s: index %s does not exist", store, index)
	}
	out := make([]db.Record, 0)
	for _, r := range records {
		if query.MatchIndex(r, idx, value) {
			out = append(out, db.CloneRecord(r))
		}
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Snapshots (docu see db.ISnapshotter)
// --------------------------------------------------------------------------

func (d *driverImpl) Snapshot(_ context.Context, stores []string) (db.Snapshot, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	snap := make(db.Snapshot, len(stores))
	for _, name := range stores {
		st, err := d.store(name)
		if err != nil {
			return nil, err
		}
		records := make(map[string]db.Record, len(st.records))
		for k, r := range st.records {
			records[k] = db.CloneRecord(r)
		}
		snap[name] = records
	}
	return snap, nil
}

func (d *driverImpl) Restore(_ context.Context, snap db.Snapshot) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for name, records := range snap {
		st, err := d.store(name)
		if err != nil {
			return err
		}
		restored := make(map[string]db.Record, len(records))
		for k, r := range records {
			restored[k] = db.CloneRecord(r)
		}
		st.records = restored
		if err := d.persist(st); err != nil {
			return err
		}
	}
	return nil
}

func (d *driverImpl) Lock() (db.IOpTarget, func()) {
	d.writeMu.Lock()
	return lockedTarget{d}, d.writeMu.Unlock
}

// lockedTarget writes on behalf of the batch that holds writeMu.
type lockedTarget struct {
	d *driverImpl
}

func (t lockedTarget) Get(ctx context.Context, store string, key any) (db.Record, error) {
	return t.d.Get(ctx, store, key)
}

func (t lockedTarget) Add(_ context.Context, store string, record db.Record) (any, error) {
	return t.d.put(store, record, false)
}

func (t lockedTarget) Put(_ context.Context, store string, record db.Record) (any, error) {
	return t.d.put(store, record, true)
}

func (t lockedTarget) Delete(_ context.Context, store string, key any) error {
	return t.d.remove(store, key)
}

// --------------------------------------------------------------------------
// Metadata
// --------------------------------------------------------------------------

func (d *driverImpl) Config() db.DatabaseConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := db.DatabaseConfig{Name: d.cfg.Name, Version: d.cfg.Version}
	for _, name := range d.order {
		out.Stores = append(out.Stores, d.stores[name].config.Clone())
	}
	return out
}

func (d *driverImpl) Backend() db.BackendType {
	return db.BackendKV
}

func (d *driverImpl) SupportsFeature(feature db.Feature) bool {
	supported := db.FeatureIndexes |
		db.FeatureUniqueIndexes |
		db.FeaturePersistence |
		db.FeatureSnapshot
	return supported&feature == feature
}

// Info exposes the statistics of the underlying namespace store.
func (d *driverImpl) Info() kv.Info {
	return d.kv.Info()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func valuesOf(st *storeState) []db.Record {
	out := make([]db.Record, 0, len(st.records))
	for _, r := range st.records {
		out = append(out, r)
	}
	return out
}

func keysOf(st *storeState) []any {
	out := make([]any, 0, len(st.records))
	for _, r := range st.records {
		if k, ok := db.KeyOf(r, st.config.KeyPath); ok {
			out = append(out, k)
		}
	}
	return out
}
