// Package txn executes batches of add/put/delete/update operations
// atomically on every backend.
//
// Three strategies exist, picked per driver by Coordinator.ModeFor:
//
//   - native: the driver advertises FeatureNativeTransactions and commits the
//     batch itself (indexed: copy-on-write tree clone and swap, sql: BEGIN /
//     COMMIT). Drivers run the shared step logic (Run) inside their native
//     transaction handle.
//
//   - simulated: the driver implements db.ISnapshotter. Simulate holds the
//     database write lock, snapshots every touched store, applies the steps
//     in order and restores the snapshot verbatim on the first failure.
//     Single writes wait for the batch to finish.
//
//   - sequential: neither is available; steps are applied in order and the
//     batch stops at the first failure.
//
// Every failure is a *TxError naming the failing step. It matches
// db.ErrTransactionAborted and the kind of the underlying error.
package txn
