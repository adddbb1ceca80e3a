// Package btree implements the "indexed" backend: ordered in-memory b-trees
// (github.com/google/btree) with secondary indexes and atomic multi-store
// transactions.
//
// Key Components:
//
//   - Dispatcher: every call of the driver is pushed on a util.LockFreeMPSC
//     queue and executed by a single goroutine, so the trees are never
//     accessed concurrently and no lock is needed. Callers block until their
//     request has been settled (FeatureAsync).
//
//   - Tables: each store has a primary tree ordered by the total value order
//     of the primary key and one tree per index holding (value, primary key)
//     pairs. Multi-entry indexes hold one pair per distinct array element.
//
//   - Transactions: a batch works on a clone of all tables. Cloning a
//     google/btree is O(1), nodes are copied lazily on write. The clone is
//     swapped in when every step succeeded and discarded otherwise.
//
//   - Query pushdown: the first eq, range or in condition on a field with a
//     single-entry index narrows the candidates through the index tree before
//     the shared filter from lib/db/query runs on them.
//
//   - Persistence: with Options.Path set, a JSON snapshot (schema version
//     plus all stores) is loaded by Initialize and written on Close, and after
//     every committed write when Options.SyncWrites is set.
//
// Example usage:
//
//	driver := btree.NewDriver(cfg, &btree.Options{Path: "data/app.snapshot"})
//	if err := driver.Initialize(ctx); err != nil {
//		return err
//	}
//	defer driver.Close()
package btree
