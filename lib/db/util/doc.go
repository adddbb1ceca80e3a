// Package util provides the low level building blocks shared by the storage
// engines and the cache.
//
// The package contains:
//   - mapheap: a generic min-heap with key based access, used for FIFO eviction in lib/cache
//   - lockfreempsc: a lock-free multi-producer single-consumer queue, used as the request queue of the indexed backend
//   - hash: seeded FNV-1a hashing and shard routing for the lib/kv namespace store
//   - stats: distribution statistics and a size histogram reported by lib/kv
package util
