// Package engine ties the storage drivers and their supporting managers
// together behind one facade per database.
//
// Key Components:
//
//   - Engine: owns the driver registry, the shared result cache and the
//     transaction coordinator. Databases are opened and removed by name.
//   - Database: the facade of one database. Every operation returns a
//     db.Result, failures never escape as panics or bare errors.
//   - Encryption: an optional encryption.Encryptor seals configured fields
//     before a record reaches the driver and opens them again on reads.
//   - Sync: NewSync attaches a syncmgr.Manager which records every
//     successful mutation and invalidates cached results when remote changes
//     are applied.
//
// Cached query and count results are keyed by database, store, conditions
// and options. Any write to a store drops all cached results of that store.
//
// Example usage:
//
//	e := engine.New(engine.Config{Registry: []registry.Option{registry.WithDataDir("data")}})
//	defer e.Close()
//
//	app, err := e.Open(ctx, cfg, db.BackendSQL)
//	if err != nil {
//		return err
//	}
//
//	res := app.Put(ctx, "settings", db.Record{"key": "theme", "value": "dark"})
//	if !res.Success {
//		return res.Err()
//	}
//
//	users := app.Query(ctx, "users", []db.QueryCondition{
//		{Field: "age", Operator: db.OpGte, Value: 18},
//	}, &db.QueryOptions{Limit: 10})
package engine
