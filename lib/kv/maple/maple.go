package maple

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/uStore/lib/db/util"
	"github.com/ValentinKolb/uStore/lib/kv"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	magicNum     = "MAPLEKV\x00" // File format identifier
	mapleVersion = 1             // Snapshot format version
)

// --------------------------------------------------------------------------
// Core Maple structure
// --------------------------------------------------------------------------

// entry is one stored value
type entry struct {
	Value []byte
	Index uint64 // write index of the last update
}

// shard is a partition of the key space with its own map
type shard struct {
	data *xsync.MapOf[string, entry]
}

// mapleImpl is a sharded in-memory namespace store
type mapleImpl struct {
	// guards the shards slice itself, which Load replaces
	mu        sync.RWMutex
	seed      uint64
	shards    []*shard
	currIndex atomic.Uint64
	closed    atomic.Bool
}

// Options configures the store
type Options struct {
	NumShards int // Number of shards (0 = number of CPUs)
}

// DefaultOptions returns the default options
func DefaultOptions() *Options {
	return &Options{NumShards: runtime.NumCPU()}
}

// NewMapleStore creates an empty store with the specified options (optional)
func NewMapleStore(opts *Options) kv.IStore {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.NumShards <= 0 {
		opts.NumShards = runtime.NumCPU()
	}
	return &mapleImpl{
		seed:   util.GenerateSeed(),
		shards: newShards(opts.NumShards),
	}
}

// Factory returns a kv.Factory creating maple stores
func Factory(opts *Options) kv.Factory {
	return func() (kv.IStore, error) {
		return NewMapleStore(opts), nil
	}
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{data: xsync.NewMapOf[string, entry]()}
	}
	return shards
}

// shardFor returns the shard responsible for key
func (m *mapleImpl) shardFor(key string) *shard {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shards[util.ShardIndex(util.HashString(key, m.seed), len(m.shards))]
}

func (m *mapleImpl) checkOpen() error {
	if m.closed.Load() {
		return fmt.Errorf("maple: store is closed")
	}
	return nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see kv.IStore)
// --------------------------------------------------------------------------

func (m *mapleImpl) Set(key string, value []byte) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)
	idx := m.currIndex.Add(1)

	m.shardFor(key).data.Compute(key, func(old entry, loaded bool) (entry, bool) {
		// stale writes (a concurrent Set that got a higher index first) are ignored
		if loaded && old.Index > idx {
			return old, false
		}
		return entry{Value: valueCopy, Index: idx}, false
	})
	return nil
}

func (m *mapleImpl) Get(key string) ([]byte, bool, error) {
	if err := m.checkOpen(); err != nil {
		return nil, false, err
	}
	e, ok := m.shardFor(key).data.Load(key)
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(e.Value))
	copy(out, e.Value)
	return out, true, nil
}

func (m *mapleImpl) Has(key string) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}
	_, ok := m.shardFor(key).data.Load(key)
	return ok, nil
}

func (m *mapleImpl) Delete(key string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.currIndex.Add(1)
	m.shardFor(key).data.Delete(key)
	return nil
}

func (m *mapleImpl) Keys(prefix string) ([]string, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for _, s := range m.shards {
		s.data.Range(func(key string, _ entry) bool {
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
			return true
		})
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *mapleImpl) Close() error {
	m.closed.Store(true)
	return nil
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

/*
Save writes a snapshot of all entries to w. Concurrent writes are allowed
while saving, the snapshot then contains either the old or the new value of a
concurrently written key.

Format (little endian):

	magic [8]byte | version uint8 | seed uint64 | count uint64
	count * ( index uint64 | keyLen uint32 | key | valueLen uint32 | value )
*/
func (m *mapleImpl) Save(w io.Writer) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	type saved struct {
		key string
		entry
	}
	var entries []saved

	m.mu.RLock()
	seed := m.seed
	for _, s := range m.shards {
		s.data.Range(func(key string, e entry) bool {
			value := make([]byte, len(e.Value))
			copy(value, e.Value)
			entries = append(entries, saved{key, entry{Value: value, Index: e.Index}})
			return true
		})
	}
	m.mu.RUnlock()

	bw := bufio.NewWriterSize(w, 1024*1024)
	if _, err := bw.WriteString(magicNum); err != nil {
		return err
	}
	for _, v := range []any{uint8(mapleVersion), seed, uint64(len(entries))} {
		if err := binary.Write(bw, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	for _, e := range entries {
		if err := binary.Write(bw, binary.LittleEndian, e.Index); err != nil {
			return err
		}
		if err := writeBytes(bw, []byte(e.key)); err != nil {
			return err
		}
		if err := writeBytes(bw, e.Value); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Load replaces the store content with a snapshot. Nothing is changed if the
// snapshot is invalid.
func (m *mapleImpl) Load(r io.Reader) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	br := bufio.NewReaderSize(r, 1024*1024)

	magic := make([]byte, len(magicNum))
	if _, err := io.ReadFull(br, magic); err != nil {
		return err
	}
	if string(magic) != magicNum {
		return fmt.Errorf("invalid file format: magic number mismatch")
	}

	var version uint8
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return err
	}
	if int(version) != mapleVersion {
		return fmt.Errorf("unsupported version: %d (expected %d)", version, mapleVersion)
	}

	var seed, count uint64
	if err := binary.Read(br, binary.LittleEndian, &seed); err != nil {
		return err
	}
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return err
	}

	m.mu.RLock()
	numShards := len(m.shards)
	m.mu.RUnlock()
	shards := newShards(numShards)

	var maxIndex uint64
	for i := uint64(0); i < count; i++ {
		var idx uint64
		if err := binary.Read(br, binary.LittleEndian, &idx); err != nil {
			return err
		}
		key, err := readBytes(br)
		if err != nil {
			return err
		}
		value, err := readBytes(br)
		if err != nil {
			return err
		}
		maxIndex = max(maxIndex, idx)
		shards[util.ShardIndex(util.HashString(string(key), seed), numShards)].data.Store(string(key), entry{Value: value, Index: idx})
	}

	m.mu.Lock()
	m.shards = shards
	m.seed = seed
	m.mu.Unlock()

	for {
		curr := m.currIndex.Load()
		if maxIndex <= curr || m.currIndex.CompareAndSwap(curr, maxIndex) {
			break
		}
	}
	return nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// --------------------------------------------------------------------------
// Info
// --------------------------------------------------------------------------

func (m *mapleImpl) Info() kv.Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	histogram := util.NewSizeHistogram()
	shardSizes := make([]float64, len(m.shards))
	keys := 0
	for i, s := range m.shards {
		s.data.Range(func(key string, e entry) bool {
			histogram.AddSample(len(key) + len(e.Value))
			return true
		})
		shardSizes[i] = float64(s.data.Size())
		keys += s.data.Size()
	}

	return kv.Info{
		Keys:              keys,
		SizeBytes:         histogram.Total(),
		MedianValueSize:   histogram.Percentile(50),
		ShardCount:        len(m.shards),
		ShardDistribution: util.NewDistributionStats(shardSizes),
		WriteIndex:        m.currIndex.Load(),
	}
}
