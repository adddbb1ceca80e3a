package db

import "context"

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

// BackendType identifies a driver implementation.
type BackendType string

const (
	BackendIndexed BackendType = "indexed" // ordered b-tree store with native transactions
	BackendKV      BackendType = "kv"      // flat key-value namespaces, simulated transactions
	BackendSQL     BackendType = "sql"     // sqlite rows holding serialized blobs
)

// ParseBackendType converts a string to a BackendType.
func ParseBackendType(s string) (BackendType, error) {
	switch BackendType(s) {
	case BackendIndexed, BackendKV, BackendSQL:
		return BackendType(s), nil
	default:
		return "", NewError(KindValidation, "unknown backend type "+s+" (expected one of: indexed, kv, sql)")
	}
}

// Feature represents driver capabilities as bit flags
type Feature uint64

const (
	FeatureNativeTransactions Feature = 1 << iota // Backend commits a batch atomically on its own
	FeatureIndexes                                // Secondary indexes are maintained natively
	FeatureUniqueIndexes                          // Unique indexes are enforced natively
	FeatureQueryPushdown                          // Some conditions are evaluated by the backend
	FeaturePersistence                            // Data survives Close
	FeatureAsync                                  // Calls are queued and settled by a backend worker
	FeatureSnapshot                               // Driver implements ISnapshotter
)

func (f Feature) String() string {
	switch f {
	case FeatureNativeTransactions:
		return "NativeTransactions"
	case FeatureIndexes:
		return "Indexes"
	case FeatureUniqueIndexes:
		return "UniqueIndexes"
	case FeatureQueryPushdown:
		return "QueryPushdown"
	case FeaturePersistence:
		return "Persistence"
	case FeatureAsync:
		return "Async"
	case FeatureSnapshot:
		return "Snapshot"
	default:
		return "Unknown"
	}
}

// UpgradeFunc is called by Initialize when the configured schema version is
// higher than the persisted one. It runs before any other call is served.
type UpgradeFunc func(ctx context.Context, schema ISchema, oldVersion, newVersion int) error

// --------------------------------------------------------------------------
// Driver Interface
// --------------------------------------------------------------------------

// IDriver is the contract every storage backend implements.
//
// Initialize must be called exactly once before any other method; all other
// methods return ErrUninitialized before that. Errors carry one of the kinds
// declared in errors.go and can be matched with errors.Is.
type IDriver interface {

	// --------------------------------------------------------------------------
	// Lifecycle
	// --------------------------------------------------------------------------

	// Initialize opens the backend, runs a pending schema upgrade and makes the driver usable.
	Initialize(ctx context.Context) (err error)

	// Close releases the backend. Further calls return ErrClosed.
	Close() (err error)

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Add inserts a record. It fails with ErrConflict if the primary key already exists.
	// The returned key is the record's primary key (assigned by the driver for auto-increment stores).
	Add(ctx context.Context, store string, record Record) (key any, err error)

	// Put inserts or replaces a record.
	Put(ctx context.Context, store string, record Record) (key any, err error)

	// Delete removes the record with the given key. Deleting a missing key is not an error.
	Delete(ctx context.Context, store string, key any) (err error)

	// Clear removes all records of a store.
	Clear(ctx context.Context, store string) (err error)

	// Transaction applies all operations or none of them.
	Transaction(ctx context.Context, ops []TransactionOperation) (err error)

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// Get returns the record with the given key or ErrNotFound.
	Get(ctx context.Context, store string, key any) (record Record, err error)

	// GetAll returns every record of a store in primary key order.
	GetAll(ctx context.Context, store string) (records []Record, err error)

	// Query returns the records matching all conditions, post-processed by opts.
	// Query(ctx, store, nil, opts) is equivalent to GetAll plus opts.
	Query(ctx context.Context, store string, conditions []QueryCondition, opts *QueryOptions) (records []Record, err error)

	// Count returns len(Query(ctx, store, conditions, nil)).
	Count(ctx context.Context, store string, conditions []QueryCondition) (count int, err error)

	// GetByIndex returns the records whose index key path equals value.
	// For multi-entry indexes a record matches if its array contains value.
	GetByIndex(ctx context.Context, store, index string, value any) (records []Record, err error)

	// --------------------------------------------------------------------------
	// Metadata
	// --------------------------------------------------------------------------

	// Config returns a copy of the schema the driver currently serves: the
	// configured name and version with the live store list, which includes
	// stores created or removed by upgrade callbacks.
	Config() DatabaseConfig

	// Backend returns the implementation type.
	Backend() BackendType

	// SupportsFeature reports whether all given features are supported.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)
}

// ISchema is the schema surface used by upgrade callbacks.
// CreateStore and DeleteStore are idempotent.
type ISchema interface {
	CreateStore(ctx context.Context, config StoreConfig) error
	DeleteStore(ctx context.Context, name string) error
	HasStore(name string) bool
	StoreNames() []string
}

// ISnapshotter is implemented by drivers without native transactions.
// The transaction coordinator snapshots every store touched by a batch and
// restores the snapshot verbatim if any step fails.
type ISnapshotter interface {
	// Snapshot captures the current content of the given stores.
	Snapshot(ctx context.Context, stores []string) (Snapshot, error)
	// Restore writes a snapshot back, replacing the current content of its stores.
	Restore(ctx context.Context, snapshot Snapshot) error
	// Lock takes the write lock of this database for a whole batch. Every
	// other write blocks until unlock is called; the batch writes through the
	// returned target, which does not take the lock again.
	Lock() (target IOpTarget, unlock func())
}

// Snapshot maps store name to the stringified primary key to record.
type Snapshot map[string]map[string]Record

// IOpTarget is the minimal write surface a batch is applied to.
// Drivers expose it for their native transaction handles so the shared step
// logic in lib/txn can run inside the native transaction.
type IOpTarget interface {
	Get(ctx context.Context, store string, key any) (Record, error)
	Add(ctx context.Context, store string, record Record) (any, error)
	Put(ctx context.Context, store string, record Record) (any, error)
	Delete(ctx context.Context, store string, key any) error
}
