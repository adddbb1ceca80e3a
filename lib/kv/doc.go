// Package kv provides the flat namespace store underneath the kv backend.
//
// Key Components:
//
//   - IStore: the interface of a namespace store (Set, Get, Has, Delete, Keys,
//     Save, Load). Values are opaque bytes; the kv backend stores one JSON
//     document per "<database>_<store>" namespace.
//
//   - maple (lib/kv/maple): the in-memory implementation, sharded over
//     xsync maps with a binary snapshot format.
//
//   - FileStore: wraps any IStore and persists a snapshot to a file after every
//     write, so the kv backend survives restarts. The snapshot is written to a
//     temporary file and renamed, a crash never leaves a half written file.
//
// Usage:
//
//	store, err := kv.NewFileStore("data/kv.db", maple.NewMapleStore(nil))
//	err = store.Set("app_settings", []byte(`{"theme":{"key":"theme","value":"dark"}}`))
//	value, ok, err := store.Get("app_settings")
package kv
