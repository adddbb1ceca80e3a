/*
Package cache provides the result cache that sits in front of query calls.

Entries are evicted in insertion order once MaxSize is exceeded, using a
util.MapHeap keyed by cache key with the insertion sequence as priority.
TTLs are checked lazily on Get and Size. A disabled cache misses on every Get
and ignores Set but keeps its entries.

Keys are built per store with Key, so a mutation of a store can drop all of
its cached queries with DeletePrefix(Prefix(store)).

Example usage:

	c := cache.New(cache.Options{MaxSize: 1000, DefaultTTL: time.Minute})
	key := cache.Key("app/users", conditions, opts)
	if v, ok := c.Get(key); ok {
		return v.([]db.Record)
	}
	c.Set(key, records, 0)
*/
package cache
