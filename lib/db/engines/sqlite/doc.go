// Package sqlite implements the "sql" backend on SQLite (mattn/go-sqlite3).
//
// Every store is a table with the stringified primary key, the record
// serialized by a configurable codec (json, gob or bson) and one column per
// single-entry index. Unique indexes become UNIQUE indexes on these columns.
// Conditions on indexed fields are pushed down to SQL, everything else is
// evaluated in memory by lib/db/query on the loaded rows.
//
// The connection pool is limited to one connection, SQLite has a single
// writer anyway. Batches run in a native transaction, the schema version is
// kept in PRAGMA user_version.
package sqlite
