package kv

import (
	"io"

	"github.com/ValentinKolb/uStore/lib/db/util"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// Factory creates the store used by the kv backend.
type Factory func() (IStore, error)

// IStore is a flat namespace store: every key (a namespace such as
// "mydb_users") maps to one opaque byte value. It is the persistence layer of
// the kv backend, which keeps one JSON document per namespace.
type IStore interface {
	// Set inserts or replaces the value of key.
	Set(key string, value []byte) error
	// Get returns a copy of the value of key. The bool reports whether key exists.
	Get(key string) ([]byte, bool, error)
	// Has reports whether key exists.
	Has(key string) (bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
	// Keys returns all keys with the given prefix in ascending order.
	Keys(prefix string) ([]string, error)
	// Save writes a snapshot of all keys to w.
	Save(w io.Writer) error
	// Load replaces the content of the store with a snapshot read from r.
	Load(r io.Reader) error
	// Info returns estimates about the stored data.
	Info() Info
	// Close releases resources. The store must not be used afterwards.
	Close() error
}

// Info describes the content of a store. Sizes are estimates.
type Info struct {
	Keys              int                    `json:"keys"`
	SizeBytes         int64                  `json:"size_bytes"`
	MedianValueSize   int                    `json:"median_value_size"`
	ShardCount        int                    `json:"shard_count"`
	ShardDistribution util.DistributionStats `json:"shard_distribution"`
	WriteIndex        uint64                 `json:"write_index"`
	Path              string                 `json:"path,omitempty"`
}
