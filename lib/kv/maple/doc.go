// Package maple implements kv.IStore as a sharded in-memory map.
//
// Keys are routed to shards by a seeded FNV-1a hash (util.HashString); each
// shard is an xsync.MapOf, so readers never block and writers only contend
// on the same key. Every write gets a monotonically increasing write index;
// a write carrying an older index than the stored entry is dropped, so two
// racing Set calls on one key always settle on the later one.
//
// Save writes a fuzzy snapshot in a small binary format (magic number,
// version, hash seed, then length-prefixed key/value pairs) without blocking
// writers. Load validates the header and swaps in freshly built shards, a
// corrupt snapshot leaves the store untouched.
//
// Usage:
//
//	store := maple.NewMapleStore(nil)
//	_ = store.Set("app_settings", []byte("{}"))
//	keys, _ := store.Keys("app_")
package maple
