package cache

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/lib/db/util"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("cache")

var (
	hits      = metrics.NewCounter(`ustore_cache_requests_total{result="hit"}`)
	misses    = metrics.NewCounter(`ustore_cache_requests_total{result="miss"}`)
	evictions = metrics.NewCounter(`ustore_cache_evictions_total`)
)

// Item is one cached value. ExpireAt is nil for entries without TTL.
type Item struct {
	Key       string
	Value     any
	Timestamp time.Time
	ExpireAt  *time.Time
}

func (i *Item) expired(now time.Time) bool {
	return i.ExpireAt != nil && !now.Before(*i.ExpireAt)
}

// Options of a Cache
type Options struct {
	// MaxSize bounds the number of entries, 0 means unbounded
	MaxSize int
	// DefaultTTL is used by Set when no ttl is given, 0 means no expiry
	DefaultTTL time.Duration
	// Clock returns the current time, defaults to time.Now
	Clock func() time.Time
	// Disabled creates the cache disabled
	Disabled bool
}

// Cache is a FIFO cache with lazy TTL expiry. The oldest insertion is
// evicted first; reading an entry does not refresh it.
type Cache struct {
	mu      sync.Mutex
	items   map[string]*Item
	order   *util.MapHeap[string] // priority is the insertion sequence
	seq     uint64
	enabled bool
	opts    Options
}

// New creates a cache
func New(opts Options) *Cache {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Cache{
		items:   make(map[string]*Item),
		order:   util.NewMapHeap[string](),
		enabled: !opts.Disabled,
		opts:    opts,
	}
}

// --------------------------------------------------------------------------
// Entries
// --------------------------------------------------------------------------

// Set stores value under key. A ttl <= 0 uses the default TTL. Setting an
// existing key counts as a new insertion.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}

	now := c.opts.Clock()
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	item := &Item{Key: key, Value: value, Timestamp: now}
	if ttl > 0 {
		expireAt := now.Add(ttl)
		item.ExpireAt = &expireAt
	}

	c.seq++
	c.items[key] = item
	c.order.AddItem(key, c.seq)

	for c.opts.MaxSize > 0 && len(c.items) > c.opts.MaxSize {
		oldest, ok := c.order.PopMin()
		if !ok {
			break
		}
		delete(c.items, oldest.Key)
		evictions.Inc()
	}
}

// Get returns the value for key. Expired entries are removed on access.
func (c *Cache) Get(key string) (any, bool) {
	item, ok := c.Item(key)
	if !ok {
		return nil, false
	}
	return item.Value, true
}

// Item returns a copy of the entry for key.
func (c *Cache) Item(key string) (Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		misses.Inc()
		return Item{}, false
	}

	item, ok := c.items[key]
	if ok && item.expired(c.opts.Clock()) {
		c.remove(key)
		ok = false
	}
	if !ok {
		misses.Inc()
		return Item{}, false
	}
	hits.Inc()
	return *item, true
}

// Delete removes key and reports whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	c.remove(key)
	return ok
}

// DeletePrefix removes every key starting with prefix and returns how many were removed.
func (c *Cache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.remove(key)
			n++
		}
	}
	if n > 0 {
		Logger.Debugf("invalidated %d entries with prefix %q", n, prefix)
	}
	return n
}

// Clear removes all entries
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*Item)
	c.order.Reset()
}

// Size returns the number of live entries, dropping expired ones first.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Clock()
	for key, item := range c.items {
		if item.expired(now) {
			c.remove(key)
		}
	}
	return len(c.items)
}

func (c *Cache) remove(key string) {
	delete(c.items, key)
	c.order.RemoveByKey(key)
}

// --------------------------------------------------------------------------
// State
// --------------------------------------------------------------------------

// Enable turns the cache on
func (c *Cache) Enable() {
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
}

// Disable turns the cache off. Entries are kept but never returned until
// the cache is enabled again.
func (c *Cache) Disable() {
	c.mu.Lock()
	c.enabled = false
	c.mu.Unlock()
}

// Enabled reports whether the cache serves entries
func (c *Cache) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// --------------------------------------------------------------------------
// Keys
// --------------------------------------------------------------------------

// Prefix returns the prefix shared by all keys Key builds for store.
func Prefix(store string) string {
	return store + "|"
}

// Key builds a deterministic cache key of a query. Equal conditions and
// options yield equal keys. ok is false when the query does not encode, such
// a query must not be cached.
func Key(store string, conditions []db.QueryCondition, opts *db.QueryOptions) (key string, ok bool) {
	b, err := json.Marshal(struct {
		Conditions []db.QueryCondition `json:"c"`
		Options    *db.QueryOptions    `json:"o"`
	}{conditions, opts})
	if err != nil {
		Logger.Debugf("query on %s is not cacheable: %v", store, err)
		return "", false
	}
	return Prefix(store) + string(b), true
}
