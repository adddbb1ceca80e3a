// Package cmd implements the command-line interface of uStore. It provides a
// hierarchical command structure for operating on local databases and for
// running the sync server.
//
// The package is organized into several subpackages:
//
//   - database: the db command group (add, put, get, del, getall, query,
//     count, clear, txn, stores, sync, perf)
//   - serve: starts the reference sync server
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See ustore -help for a list of all commands.
package cmd
