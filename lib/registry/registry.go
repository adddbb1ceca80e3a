package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sort"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/lib/db/engines/btree"
	"github.com/ValentinKolb/uStore/lib/db/engines/kvstore"
	"github.com/ValentinKolb/uStore/lib/db/engines/sqlite"
	"github.com/ValentinKolb/uStore/lib/kv"
	"github.com/ValentinKolb/uStore/lib/kv/maple"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("registry")

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options control how a driver is constructed
type Options struct {
	DataDir    string         // directory for database files, empty = memory only
	Codec      string         // blob codec of the sql backend
	SyncWrites bool           // indexed backend: write the snapshot after every commit
	Upgrade    db.UpgradeFunc // schema upgrade, nil = create all configured stores
	KVStore    kv.IStore      // kv backend: namespace store to use instead of maple
}

// Option modifies Options
type Option func(*Options)

func WithDataDir(dir string) Option {
	return func(o *Options) { o.DataDir = dir }
}

func WithCodec(name string) Option {
	return func(o *Options) { o.Codec = name }
}

func WithSyncWrites(sync bool) Option {
	return func(o *Options) { o.SyncWrites = sync }
}

func WithUpgrade(fn db.UpgradeFunc) Option {
	return func(o *Options) { o.Upgrade = fn }
}

func WithKVStore(store kv.IStore) Option {
	return func(o *Options) { o.KVStore = store }
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// Registry holds one initialized driver per database name.
type Registry struct {
	drivers  *xsync.MapOf[string, db.IDriver]
	defaults []Option
}

// New creates an empty registry. defaults are applied before the options
// passed to Register.
func New(defaults ...Option) *Registry {
	return &Registry{
		drivers:  xsync.NewMapOf[string, db.IDriver](),
		defaults: defaults,
	}
}

// NewDriver constructs an uninitialized driver for backend.
func NewDriver(cfg db.DatabaseConfig, backend db.BackendType, opts Options) (db.IDriver, error) {
	file := func(ext string) string {
		if opts.DataDir == "" {
			return ""
		}
		return filepath.Join(opts.DataDir, cfg.Name+ext)
	}

	switch backend {
	case db.BackendIndexed:
		return btree.NewDriver(cfg, &btree.Options{
			Path:       file(".btree"),
			SyncWrites: opts.SyncWrites,
			Upgrade:    opts.Upgrade,
		}), nil

	case db.BackendKV:
		store := opts.KVStore
		if store == nil {
			factory := maple.Factory(nil)
			if path := file(".kv"); path != "" {
				factory = kv.FileFactory(path, factory)
			}
			var err error
			if store, err = factory(); err != nil {
				return nil, db.Wrap(db.KindBackend, "open kv store", err)
			}
		}
		return kvstore.NewDriver(cfg, &kvstore.Options{Store: store, Upgrade: opts.Upgrade}), nil

	case db.BackendSQL:
		return sqlite.NewDriver(cfg, &sqlite.Options{
			Path:    file(".sqlite"),
			Codec:   opts.Codec,
			Upgrade: opts.Upgrade,
		}), nil

	default:
		_, err := db.ParseBackendType(string(backend))
		return nil, err
	}
}

// Register returns the driver registered under cfg.Name, or creates and
// initializes one. A second registration of the same name returns the
// existing instance and ignores cfg, backend and opts.
func (r *Registry) Register(ctx context.Context, cfg db.DatabaseConfig, backend db.BackendType, opts ...Option) (db.IDriver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o Options
	for _, opt := range append(append([]Option(nil), r.defaults...), opts...) {
		opt(&o)
	}

	var initErr error
	driver, _ := r.drivers.Compute(cfg.Name, func(old db.IDriver, loaded bool) (db.IDriver, bool) {
		if loaded {
			return old, false
		}
		d, err := NewDriver(cfg, backend, o)
		if err == nil {
			err = d.Initialize(ctx)
		}
		if err != nil {
			initErr = err
			return nil, true
		}
		Logger.Infof("registered %s (%s, version %d)", cfg.Name, backend, cfg.Version)
		return d, false
	})
	if initErr != nil {
		return nil, initErr
	}
	return driver, nil
}

// Get returns the driver registered under name.
func (r *Registry) Get(name string) (db.IDriver, bool) {
	return r.drivers.Load(name)
}

// Remove closes the driver and then unregisters it. It reports whether one
// existed. A close error is logged and the name is released anyway.
func (r *Registry) Remove(name string) bool {
	existed, err := r.remove(name)
	if err != nil {
		Logger.Warningf("close %s: %v", name, err)
	}
	return existed
}

// remove closes and drops name inside Compute, so a concurrent Register of
// the same name waits until the old driver is closed.
func (r *Registry) remove(name string) (existed bool, err error) {
	r.drivers.Compute(name, func(d db.IDriver, loaded bool) (db.IDriver, bool) {
		if loaded {
			existed = true
			err = d.Close()
		}
		return nil, true
	})
	return existed, err
}

// Names returns the registered database names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, r.drivers.Size())
	r.drivers.Range(func(name string, _ db.IDriver) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// Close closes and removes every driver.
func (r *Registry) Close() error {
	var errs []error
	for _, name := range r.Names() {
		if _, err := r.remove(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
