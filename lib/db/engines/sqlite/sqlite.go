package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/lib/db/codec"
	"github.com/ValentinKolb/uStore/lib/db/engines/base"
	"github.com/ValentinKolb/uStore/lib/txn"
	"github.com/lni/dragonboat/v4/logger"
	_ "github.com/mattn/go-sqlite3"
)

var Logger = logger.GetLogger("db/sqlite")

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures the sql driver
type Options struct {
	// Path of the database file. Empty = private in-memory database
	Path string
	// Codec of the data column ("json", "gob", "bson"). Empty = json
	Codec string
	// Upgrade runs when the configured version is higher than PRAGMA user_version.
	// nil = create every configured store
	Upgrade db.UpgradeFunc
}

// storesTable keeps the config of every store, in creation order
const storesTable = "_ustore_stores"

// querier is the part of *sql.DB and *sql.Tx the row operations need
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// --------------------------------------------------------------------------
// Driver
// --------------------------------------------------------------------------

// driverImpl maps every store to a table
//
//	pk TEXT PRIMARY KEY, key_num REAL, data BLOB, "idx_<index>" ...
//
// key_num holds numeric keys so rows can be read in primary key order, the
// index columns hold the denormalized value of every single-entry index.
type driverImpl struct {
	cfg   db.DatabaseConfig
	opts  Options
	life  base.Lifecycle
	codec codec.ICodec
	conn  *sql.DB

	mu     sync.RWMutex // guards stores and order
	stores map[string]db.StoreConfig
	order  []string
}

// NewDriver creates a sql driver. Initialize must be called before use.
func NewDriver(cfg db.DatabaseConfig, opts *Options) db.IDriver {
	if opts == nil {
		opts = &Options{}
	}
	return &driverImpl{
		cfg:    cfg.Clone(),
		opts:   *opts,
		stores: make(map[string]db.StoreConfig),
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func (d *driverImpl) Initialize(ctx context.Context) error {
	if err := d.life.Begin(); err != nil {
		return err
	}

	c, err := codec.ByName(d.opts.Codec)
	if err != nil {
		return db.Wrap(db.KindValidation, "sql driver", err)
	}
	d.codec = c

	if err := d.open(ctx); err != nil {
		return err
	}
	if err := d.loadStores(ctx); err != nil {
		d.conn.Close()
		return err
	}

	var version int
	if err := d.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		d.conn.Close()
		return db.Wrap(db.KindBackend, "get user_version", err)
	}

	changed, err := base.RunUpgrade(ctx, d.cfg, d, d.opts.Upgrade, version)
	if err != nil {
		d.conn.Close()
		return err
	}
	if changed {
		if _, err := d.conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", d.cfg.Version)); err != nil {
			d.conn.Close()
			return db.Wrap(db.KindBackend, "set user_version", err)
		}
		Logger.Infof("upgraded %s from version %d to %d", d.cfg.Name, version, d.cfg.Version)
	}

	d.life.Ready()
	return nil
}

// open connects and applies the pragmas. SQLite has a single writer, so the
// pool is limited to one connection; for the in-memory database this also
// keeps the data alive.
func (d *driverImpl) open(ctx context.Context) error {
	path := d.opts.Path
	if path == "" {
		path = ":memory:"
	}
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return db.Wrap(db.KindBackend, "open database", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return db.Wrap(db.KindBackend, "connect to database", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			conn.Close()
			return db.Wrap(db.KindBackend, fmt.Sprintf("execute %q", pragma), err)
		}
	}

	create := "CREATE TABLE IF NOT EXISTS " + quote(storesTable) + " (name TEXT PRIMARY KEY, position INTEGER NOT NULL, config TEXT NOT NULL)"
	if _, err := conn.ExecContext(ctx, create); err != nil {
		conn.Close()
		return db.Wrap(db.KindBackend, "create store table", err)
	}
	d.conn = conn
	return nil
}

func (d *driverImpl) loadStores(ctx context.Context) error {
	rows, err := d.conn.QueryContext(ctx, "SELECT config FROM "+quote(storesTable)+" ORDER BY position")
	if err != nil {
		return db.Wrap(db.KindBackend, "load stores", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return db.Wrap(db.KindBackend, "scan store", err)
		}
		var sc db.StoreConfig
		if err := json.Unmarshal([]byte(raw), &sc); err != nil {
			return db.Wrap(db.KindBackend, "decode store config", err)
		}
		d.stores[sc.Name] = sc
		d.order = append(d.order, sc.Name)
	}
	return db.Wrap(db.KindBackend, "load stores", rows.Err())
}

func (d *driverImpl) Close() error {
	wasReady := d.life.Check() == nil
	if !d.life.Close() || !wasReady {
		return nil
	}
	return db.Wrap(db.KindBackend, "close database", d.conn.Close())
}

// withTx runs fn in a transaction that is committed if fn succeeds.
func (d *driverImpl) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return db.Wrap(db.KindBackend, "begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return db.Wrap(db.KindBackend, "commit", tx.Commit())
}

// --------------------------------------------------------------------------
// Schema (docu see db.ISchema)
// --------------------------------------------------------------------------

func (d *driverImpl) CreateStore(ctx context.Context, sc db.StoreConfig) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	if d.HasStore(sc.Name) {
		return nil
	}
	raw, err := json.Marshal(sc)
	if err != nil {
		return db.Wrap(db.KindBackend, "encode store config", err)
	}

	err = d.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range createStatements(sc) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return db.Wrap(db.KindBackend, "create store "+sc.Name, err)
			}
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO "+quote(storesTable)+" (name, position, config) VALUES (?, (SELECT COALESCE(MAX(position), 0) + 1 FROM "+quote(storesTable)+"), ?)",
			sc.Name, string(raw))
		return db.Wrap(db.KindBackend, "register store "+sc.Name, err)
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.stores[sc.Name] = sc.Clone()
	d.order = append(d.order, sc.Name)
	d.mu.Unlock()
	return nil
}

func (d *driverImpl) DeleteStore(ctx context.Context, name string) error {
	if !d.HasStore(name) {
		return nil
	}
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table(name)); err != nil {
			return db.Wrap(db.KindBackend, "drop store "+name, err)
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM "+quote(storesTable)+" WHERE name = ?", name)
		return db.Wrap(db.KindBackend, "unregister store "+name, err)
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	delete(d.stores, name)
	for i, n := range d.order {
		if n == name {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	return nil
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

func (d *driverImpl) store(name string) (db.StoreConfig, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sc, ok := d.stores[name]
	if !ok {
		return db.StoreConfig{}, base.StoreNotFound(d.cfg.Name, name)
	}
	return sc, nil
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
	if err := d.life.Check(); err != nil {
		return nil, err
	}
	sc, err := d.store(store)
	if err != nil {
		return nil, err
	}
	err = d.withTx(ctx, func(tx *sql.Tx) error {
		key, err = d.writeRow(ctx, tx, sc, record, replace)
		return err
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

func (d *driverImpl) Delete(ctx context.Context, store string, key any) error {
	if err := d.life.Check(); err != nil {
		return err
	}
	sc, err := d.store(store)
	if err != nil {
		return err
	}
	return d.deleteRow(ctx, d.conn, sc, key)
}

func (d *driverImpl) Clear(ctx context.Context, store string) error {
	if err := d.life.Check(); err != nil {
		return err
	}
	sc, err := d.store(store)
	if err != nil {
		return err
	}
	_, err = d.conn.ExecContext(ctx, "DELETE FROM "+table(sc.Name))
	return db.Wrap(db.KindBackend, "clear "+sc.Name, err)
}

// Transaction runs the shared step logic inside BEGIN ... COMMIT. The
// deferred rollback undoes everything when a step fails.
func (d *driverImpl) Transaction(ctx context.Context, ops []db.TransactionOperation) error {
	if err := d.life.Check(); err != nil {
		return err
	}
	cfg := d.Config()
	if err := txn.Validate(cfg, ops); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	return d.withTx(ctx, func(tx *sql.Tx) error {
		return txn.Run(ctx, &txTarget{d: d, q: tx}, cfg, ops)
	})
}

// --------------------------------------------------------------------------
// Query Operations (docu see db.IDriver)
// --------------------------------------------------------------------------

func (d *driverImpl) Get(ctx context.Context, store string, key any) (db.Record, error) {
	if err := d.life.Check(); err != nil {
		return nil, err
	}
	sc, err := d.store(store)
	if err != nil {
		return nil, err
	}
	return d.getRow(ctx, d.conn, sc, key)
}

func (d *driverImpl) GetAll(ctx context.Context, store string) ([]db.Record, error) {
	return d.Query(ctx, store, nil, nil)
}

func (d *driverImpl) Query(ctx context.Context, store string, conditions []db.QueryCondition, opts *db.QueryOptions) ([]db.Record, error) {
	if err := d.life.Check(); err != nil {
		return nil, err
	}
	sc, err := d.store(store)
	if err != nil {
		return nil, err
	}
	return d.query(ctx, d.conn, sc, conditions, opts)
}

func (d *driverImpl) Count(ctx context.Context, store string, conditions []db.QueryCondition) (int, error) {
	records, err := d.Query(ctx, store, conditions, nil)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (d *driverImpl) GetByIndex(ctx context.Context, store, index string, value any) ([]db.Record, error) {
	if err := d.life.Check(); err != nil {
		return nil, err
	}
	sc, err := d.store(store)
	if err != nil {
		return nil, err
	}
	idx, ok := sc.Index(index)
	if !ok {
		return nil, db.Errorf(db.KindNotFound, "store %s: index %s does not exist", store, index)
	}
	return d.byIndex(ctx, d.conn, sc, idx, value)
}

// --------------------------------------------------------------------------
// Metadata
// --------------------------------------------------------------------------

func (d *driverImpl) Config() db.DatabaseConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := db.DatabaseConfig{Name: d.cfg.Name, Version: d.cfg.Version}
	for _, name := range d.order {
		out.Stores = append(out.Stores, d.stores[name].Clone())
	}
	return out
}

func (d *driverImpl) Backend() db.BackendType {
	return db.BackendSQL
}

func (d *driverImpl) SupportsFeature(feature db.Feature) bool {
	supported := db.FeatureNativeTransactions |
		db.FeatureIndexes |
		db.FeatureUniqueIndexes |
		db.FeatureQueryPushdown
	if d.opts.Path != "" {
		supported |= db.FeaturePersistence
	}
	return supported&feature == feature
}
