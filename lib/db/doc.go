// Package db defines the data model and the driver contract shared by every
// storage backend of uStore.
//
// The package focuses on:
//   - A single driver interface (IDriver) over backends with very different native capabilities
//   - Feature discovery through capability flags
//   - A typed error taxonomy that survives wrapping
//   - The Result shape returned by the public facade
//
// Key Components:
//
//   - Schema declarations: DatabaseConfig, StoreConfig and IndexConfig describe
//     one logical database. Configs can be loaded from YAML or JSON files with
//     LoadConfig and are deep-copied by every driver, so they are effectively
//     immutable once a driver exists.
//
//   - IDriver: The contract every backend implements (Initialize, Add, Put,
//     Delete, Get, GetAll, Query, Count, Clear, Transaction, GetByIndex, Close).
//     Initialize must be called exactly once before anything else; every other
//     call returns ErrUninitialized until then.
//
//   - ISchema: The schema surface (CreateStore, DeleteStore) handed to
//     UpgradeFunc callbacks when the configured version is higher than the
//     persisted one.
//
//   - ISnapshotter: Implemented by backends without native transactions. The
//     transaction coordinator (lib/txn) uses it to simulate all-or-nothing
//     batches by snapshotting every touched store and restoring on failure.
//
//   - Errors: Every failure is an *Error carrying a Kind (NotFound, Conflict,
//     ValidationError, ...). errors.Is(err, ErrConflict) matches any conflict,
//     no matter how deeply it was wrapped or which message it carries.
//
//   - Records: A Record is a JSON document (map[string]any). Drivers normalize
//     records on the way in (numbers become float64) and deep-copy them on the
//     way out, so results are identical across backends and callers never alias
//     stored data.
//
// Implementations:
//
//   - indexed (lib/db/engines/btree): ordered b-trees with secondary indexes,
//     a single dispatcher goroutine and copy-on-write atomic commits.
//   - kv (lib/db/engines/kvstore): flat key-value namespaces on top of the
//     lib/kv store, simulated transactions.
//   - sql (lib/db/engines/sqlite): sqlite rows holding serialized blobs plus
//     denormalized index columns for filter pushdown.
//
// The testing package (lib/db/testing) provides a conformance suite that all
// implementations pass.
package db
