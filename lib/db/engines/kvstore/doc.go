// Package kvstore implements the "kv" backend on top of a flat namespace
// store (lib/kv). Every store of a database is one namespace
// "<db>_<store>" holding a JSON object that maps the stringified primary key
// to the record. The schema version and store list live in "<db>__meta".
//
// The driver keeps a decoded copy of every namespace in memory and writes
// the whole namespace back on each mutating call. The namespace store has no
// transaction primitive, so batches are simulated by lib/txn: the driver
// implements db.ISnapshotter, single writes wait while a batch holds the
// write lock, and the coordinator restores the touched stores when a step
// fails.
//
// With a kv.FileStore as Options.Store the data survives a restart:
//
//	store, err := kv.NewFileStore("data/app.kv", maple.NewMapleStore(nil))
//	if err != nil {
//		return err
//	}
//	driver := kvstore.NewDriver(cfg, &kvstore.Options{Store: store})
package kvstore
