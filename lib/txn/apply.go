package txn

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/uStore/lib/db"
)

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

// TxError reports the step that aborted a batch. It matches
// db.ErrTransactionAborted and the kind of the step's own error, so
// errors.Is(err, db.ErrConflict) still works on an aborted batch.
type TxError struct {
	Index int
	Op    db.TransactionOperation
	Err   error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("transaction aborted at step %d (%s %s): %v", e.Index, e.Op.Type, e.Op.Store, e.Err)
}

func (e *TxError) Unwrap() []error {
	return []error{db.ErrTransactionAborted, e.Err}
}

// --------------------------------------------------------------------------
// Validation
// --------------------------------------------------------------------------

// Validate checks a batch against the database config before anything is applied.
func Validate(cfg db.DatabaseConfig, ops []db.TransactionOperation) error {
	for i, op := range ops {
		if err := validateOp(cfg, op); err != nil {
			return &TxError{Index: i, Op: op, Err: err}
		}
	}
	return nil
}

func validateOp(cfg db.DatabaseConfig, op db.TransactionOperation) error {
	store, ok := cfg.Store(op.Store)
	if !ok {
		return db.Errorf(db.KindNotFound, "store %q does not exist", op.Store)
	}
	switch op.Type {
	case db.TxAdd, db.TxPut:
		if op.Data == nil {
			return db.Errorf(db.KindValidation, "%s needs data", op.Type)
		}
	case db.TxDelete:
		if op.Key == nil {
			return db.Errorf(db.KindValidation, "delete needs a key")
		}
	case db.TxUpdate:
		if op.Data == nil {
			return db.Errorf(db.KindValidation, "update needs data")
		}
		if _, ok := updateKey(store, op); !ok {
			return db.Errorf(db.KindValidation, "update needs a key")
		}
	default:
		return db.Errorf(db.KindValidation, "unknown operation type %q", op.Type)
	}
	return nil
}

// updateKey returns the explicit key or the key found in the update data.
func updateKey(store db.StoreConfig, op db.TransactionOperation) (any, bool) {
	if op.Key != nil {
		return op.Key, true
	}
	return db.KeyOf(op.Data, store.KeyPath)
}

// --------------------------------------------------------------------------
// Step Logic
// --------------------------------------------------------------------------

// Apply runs a single step against target.
// update reads the current record, shallow-merges Data over it and puts the
// result; the primary key of the stored record always wins.
func Apply(ctx context.Context, target db.IOpTarget, cfg db.DatabaseConfig, op db.TransactionOperation) error {
	if err := validateOp(cfg, op); err != nil {
		return err
	}
	store, _ := cfg.Store(op.Store)

	switch op.Type {
	case db.TxAdd:
		_, err := target.Add(ctx, op.Store, op.Data)
		return err
	case db.TxPut:
		_, err := target.Put(ctx, op.Store, op.Data)
		return err
	case db.TxDelete:
		return target.Delete(ctx, op.Store, op.Key)
	case db.TxUpdate:
		key, _ := updateKey(store, op)
		current, err := target.Get(ctx, op.Store, key)
		if err != nil {
			return err
		}
		merged := db.ShallowMerge(current, op.Data)
		if k, ok := db.KeyOf(current, store.KeyPath); ok {
			db.SetFieldValue(merged, store.KeyPath, k)
		}
		_, err = target.Put(ctx, op.Store, merged)
		return err
	}
	return nil
}

// Run applies ops in order and stops at the first failure. It gives no
// atomicity on its own; callers run it inside a native transaction or
// through Simulate.
func Run(ctx context.Context, target db.IOpTarget, cfg db.DatabaseConfig, ops []db.TransactionOperation) error {
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return &TxError{Index: i, Op: op, Err: err}
		}
		if err := Apply(ctx, target, cfg, op); err != nil {
			return &TxError{Index: i, Op: op, Err: err}
		}
	}
	return nil
}

// Simulate gives all-or-nothing semantics to a backend without native
// transactions. It holds the write lock of snap for the whole batch,
// snapshots every touched store and restores the snapshot verbatim when a
// step fails. Writes from outside the batch wait for the lock, so a restore
// never drops them.
func Simulate(ctx context.Context, snap db.ISnapshotter, cfg db.DatabaseConfig, ops []db.TransactionOperation) error {
	if err := Validate(cfg, ops); err != nil {
		return err
	}

	target, unlock := snap.Lock()
	defer unlock()

	before, err := snap.Snapshot(ctx, db.Stores(ops))
	if err != nil {
		return db.Wrap(db.KindTransactionAborted, "snapshot", err)
	}

	runErr := Run(ctx, target, cfg, ops)
	if runErr == nil {
		return nil
	}

	// the restore must not be skipped because the caller gave up
	if err := snap.Restore(context.WithoutCancel(ctx), before); err != nil {
		Logger.Errorf("restore after failed batch on %s: %v", cfg.Name, err)
		return fmt.Errorf("%w (restore failed: %v)", runErr, err)
	}
	Logger.Debugf("rolled back batch of %d ops on %s: %v", len(ops), cfg.Name, runErr)
	return runErr
}
