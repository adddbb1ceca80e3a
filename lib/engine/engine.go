package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/ValentinKolb/uStore/lib/cache"
	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/lib/encryption"
	"github.com/ValentinKolb/uStore/lib/migration"
	"github.com/ValentinKolb/uStore/lib/registry"
	"github.com/ValentinKolb/uStore/lib/syncmgr"
	"github.com/ValentinKolb/uStore/lib/txn"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("engine")

// Config of an engine
type Config struct {
	// Registry options applied to every database, e.g. registry.WithDataDir
	Registry []registry.Option
	// Cache of query results. MaxSize 0 and Disabled=false keep an unbounded cache.
	Cache cache.Options
}

// Engine owns the registry, the result cache and the transaction
// coordinator shared by its databases.
type Engine struct {
	registry    *registry.Registry
	cache       *cache.Cache
	coordinator *txn.Coordinator

	mu        sync.Mutex
	databases map[string]*Database
}

// New creates an engine
func New(cfg Config) *Engine {
	return &Engine{
		registry:    registry.New(cfg.Registry...),
		cache:       cache.New(cfg.Cache),
		coordinator: txn.NewCoordinator(),
		databases:   make(map[string]*Database),
	}
}

// --------------------------------------------------------------------------
// Sub-managers
// --------------------------------------------------------------------------

// Cache returns the shared result cache
func (e *Engine) Cache() *cache.Cache {
	return e.cache
}

// Registry returns the driver registry
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// NewEncryption creates a field encryptor, see WithEncryption
func (e *Engine) NewEncryption(cfg encryption.Config) (*encryption.Encryptor, error) {
	return encryption.New(cfg)
}

// NewMigrator creates an empty migrator, see WithMigrator
func (e *Engine) NewMigrator() *migration.Migrator {
	return migration.New()
}

// NewSync creates a sync coordinator for the open database name and attaches
// it, so every mutation through the database is recorded. Remote changes
// applied by the coordinator invalidate the cache of their store. With
// AutoSync the coordinator is started.
func (e *Engine) NewSync(name string, cfg syncmgr.Config, opts ...syncmgr.Option) (*syncmgr.Manager, error) {
	d, ok := e.Database(name)
	if !ok {
		return nil, db.Errorf(db.KindNotFound, "database %s is not open", name)
	}

	opts = append([]syncmgr.Option{syncmgr.WithApplyHook(d.invalidate)}, opts...)
	m, err := syncmgr.New(d.driver, cfg, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.AutoSync {
		if err := m.Start(); err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	old := d.sync
	d.sync = m
	d.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return m, nil
}

// --------------------------------------------------------------------------
// Databases
// --------------------------------------------------------------------------

// Option configures a database opened with Open
type Option func(*openOptions)

type openOptions struct {
	registry  []registry.Option
	encryptor *encryption.Encryptor
	migrator  *migration.Migrator
}

// WithEncryption encrypts records before they reach the driver
func WithEncryption(enc *encryption.Encryptor) Option {
	return func(o *openOptions) { o.encryptor = enc }
}

// WithMigrator runs the migrator's steps on a version upgrade
func WithMigrator(m *migration.Migrator) Option {
	return func(o *openOptions) { o.migrator = m }
}

// WithRegistryOptions passes driver options to the registry
func WithRegistryOptions(opts ...registry.Option) Option {
	return func(o *openOptions) { o.registry = append(o.registry, opts...) }
}

// Open registers and initializes the database cfg.Name on backend and
// returns its facade. Opening an open database returns the same facade.
func (e *Engine) Open(ctx context.Context, cfg db.DatabaseConfig, backend db.BackendType, opts ...Option) (*Database, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.databases[cfg.Name]; ok {
		return d, nil
	}

	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	regOpts := o.registry
	if o.migrator != nil {
		regOpts = append(regOpts, registry.WithUpgrade(o.migrator.UpgradeFunc(cfg)))
	}

	driver, err := e.registry.Register(ctx, cfg, backend, regOpts...)
	if err != nil {
		return nil, err
	}
	d := &Database{
		name:      cfg.Name,
		engine:    e,
		driver:    driver,
		encryptor: o.encryptor,
	}
	e.databases[cfg.Name] = d
	return d, nil
}

// Database returns the facade of an open database
func (e *Engine) Database(name string) (*Database, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.databases[name]
	return d, ok
}

// Remove stops the sync coordinator of the database, closes its driver and
// drops its cached results. It reports whether the database was open.
func (e *Engine) Remove(name string) bool {
	e.mu.Lock()
	d, ok := e.databases[name]
	delete(e.databases, name)
	e.mu.Unlock()
	if !ok {
		return false
	}
	d.stopSync()
	e.cache.DeletePrefix(name + "/")
	return e.registry.Remove(name)
}

// Close removes every database
func (e *Engine) Close() error {
	e.mu.Lock()
	dbs := e.databases
	e.databases = make(map[string]*Database)
	e.mu.Unlock()

	var errs []error
	for _, d := range dbs {
		if err := d.stopSync(); err != nil {
			errs = append(errs, err)
		}
	}
	e.cache.Clear()
	errs = append(errs, e.registry.Close())
	return errors.Join(errs...)
}
