// Package base holds the bookkeeping every driver shares: the lifecycle
// state machine, record preparation with auto-increment keys and the
// default schema upgrade.
package base

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/ValentinKolb/uStore/lib/db"
)

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

const (
	stateNew int32 = iota
	stateReady
	stateClosed
)

// Lifecycle tracks whether a driver is usable.
type Lifecycle struct {
	state atomic.Int32
}

// Check returns ErrUninitialized or ErrClosed when the driver is not usable.
func (l *Lifecycle) Check() error {
	switch l.state.Load() {
	case stateNew:
		return db.ErrUninitialized
	case stateClosed:
		return db.ErrClosed
	default:
		return nil
	}
}

// Begin must be called at the start of Initialize. It fails on a second call.
func (l *Lifecycle) Begin() error {
	switch l.state.Load() {
	case stateReady:
		return db.ErrAlreadyInitialized
	case stateClosed:
		return db.ErrClosed
	}
	return nil
}

// Ready marks the driver initialized.
func (l *Lifecycle) Ready() {
	l.state.Store(stateReady)
}

// Close marks the driver closed. It returns false if it was closed before.
func (l *Lifecycle) Close() bool {
	return l.state.Swap(stateClosed) != stateClosed
}

// --------------------------------------------------------------------------
// Records
// --------------------------------------------------------------------------

// Prepare returns a normalized deep copy of record and its primary key.
// A record without key is only valid for auto-increment stores, in which
// case the key is taken from nextKey and written into the copy.
func Prepare(store db.StoreConfig, record db.Record, nextKey func() float64) (db.Record, any, error) {
	if record == nil {
		return nil, nil, db.Errorf(db.KindValidation, "store %s: record is nil", store.Name)
	}
	r := db.CloneRecord(record)
	if at, bad := db.NonFinite(r); bad {
		return nil, nil, db.Errorf(db.KindValidation, "store %s: field %s is not a finite number", store.Name, at)
	}
	if key, ok := db.KeyOf(r, store.KeyPath); ok {
		switch key.(type) {
		case string, float64:
		default:
			return nil, nil, db.Errorf(db.KindValidation, "store %s: key %s must be a string or number", store.Name, store.KeyPath)
		}
		return r, key, nil
	}
	if !store.AutoIncrement || nextKey == nil {
		return nil, nil, db.Errorf(db.KindValidation, "store %s: record has no key at %s", store.Name, store.KeyPath)
	}
	key := nextKey()
	db.SetFieldValue(r, store.KeyPath, key)
	return r, key, nil
}

// NextKey returns max(numeric keys)+1, starting at 1.
func NextKey(keys []any) float64 {
	var highest float64
	for _, k := range keys {
		if f, ok := db.Normalize(k).(float64); ok && f > highest {
			highest = f
		}
	}
	return highest + 1
}

// NormalizeKey validates and normalizes a key passed to Get or Delete.
func NormalizeKey(store string, key any) (any, error) {
	k := db.Normalize(key)
	switch v := k.(type) {
	case float64:
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			return v, nil
		}
	case string:
		if v != "" {
			return v, nil
		}
	}
	return nil, db.Errorf(db.KindValidation, "store %s: invalid key %v", store, key)
}

// StoreNotFound is the error for an unknown store.
func StoreNotFound(dbName, store string) error {
	return db.Errorf(db.KindNotFound, "store %s does not exist in %s", store, dbName)
}

// --------------------------------------------------------------------------
// Schema Versions
// --------------------------------------------------------------------------

// DefaultUpgrade creates every configured store.
func DefaultUpgrade(cfg db.DatabaseConfig) db.UpgradeFunc {
	return func(ctx context.Context, schema db.ISchema, _, _ int) error {
		for _, s := range cfg.Stores {
			if err := schema.CreateStore(ctx, s); err != nil {
				return err
			}
		}
		return nil
	}
}

// RunUpgrade calls upgrade (or DefaultUpgrade) when the persisted version is
// lower than the configured one. It reports whether the version changed.
func RunUpgrade(ctx context.Context, cfg db.DatabaseConfig, schema db.ISchema, upgrade db.UpgradeFunc, persisted int) (bool, error) {
	if persisted >= cfg.Version {
		return false, nil
	}
	if upgrade == nil {
		upgrade = DefaultUpgrade(cfg)
	}
	if err := upgrade(ctx, schema, persisted, cfg.Version); err != nil {
		return false, db.Wrap(db.KindBackend, "schema upgrade", err)
	}
	return true, nil
}
