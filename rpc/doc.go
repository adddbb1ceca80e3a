// Package rpc provides the remote synchronization layer of uStore. It moves
// SyncRecords between a local database and a sync server.
//
// The package is organized into several subpackages:
//
//   - common: wire messages and configuration structures.
//
//   - transport: the http transport used by client and server, with retries,
//     bearer authentication and request logging.
//
//   - client: the sync client used by lib/syncmgr.
//
//   - server: the reference sync server keeping its change log in any
//     db.IDriver.
package rpc
