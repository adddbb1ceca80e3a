package btree

import (
	"context"
	"math"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/lib/db/engines/base"
	"github.com/ValentinKolb/uStore/lib/db/query"
	"github.com/google/btree"
)

// --------------------------------------------------------------------------
// Tree Items
// --------------------------------------------------------------------------

// row is an item of a primary tree. key is the canonical form of the
// record's key (db.CanonicalKey), so 1 and "1" share a row.
type row struct {
	key any
	rec db.Record
}

func rowLess(a, b row) bool {
	return query.Compare(a.key, b.key) < 0
}

// indexEntry is an item of an index tree, ordered by value then primary key.
// A nil pk sorts before every real key, so {value, nil} is the lower bound
// of all entries with that value.
type indexEntry struct {
	value any
	pk    any
}

func indexLess(a, b indexEntry) bool {
	if c := query.Compare(a.value, b.value); c != 0 {
		return c < 0
	}
	return query.Compare(a.pk, b.pk) < 0
}

// --------------------------------------------------------------------------
// Tables
// --------------------------------------------------------------------------

// table is one store: a primary tree plus one tree per index
type table struct {
	config  db.StoreConfig
	primary *btree.BTreeG[row]
	indexes map[string]*btree.BTreeG[indexEntry]
}

func newTable(sc db.StoreConfig, degree int) *table {
	t := &table{
		config:  sc.Clone(),
		primary: btree.NewG(degree, rowLess),
		indexes: make(map[string]*btree.BTreeG[indexEntry], len(sc.Indexes)),
	}
	for _, idx := range sc.Indexes {
		t.indexes[idx.Name] = btree.NewG(degree, indexLess)
	}
	return t
}

// clone is O(1): the trees are copied lazily on write
func (t *table) clone() *table {
	out := &table{
		config:  t.config,
		primary: t.primary.Clone(),
		indexes: make(map[string]*btree.BTreeG[indexEntry], len(t.indexes)),
	}
	for name, tree := range t.indexes {
		out.indexes[name] = tree.Clone()
	}
	return out
}

// tables is the complete state of a database. The dispatcher owns it;
// a transaction works on a clone and swaps it in on success.
type tables struct {
	degree int
	stores map[string]*table
	order  []string
}

func newTables(degree int) *tables {
	return &tables{degree: degree, stores: make(map[string]*table)}
}

func (ts *tables) clone() *tables {
	out := &tables{
		degree: ts.degree,
		stores: make(map[string]*table, len(ts.stores)),
		order:  append([]string(nil), ts.order...),
	}
	for name, t := range ts.stores {
		out.stores[name] = t.clone()
	}
	return out
}

func (ts *tables) table(dbName, store string) (*table, error) {
	t, ok := ts.stores[store]
	if !ok {
		return nil, base.StoreNotFound(dbName, store)
	}
	return t, nil
}

func (ts *tables) createStore(sc db.StoreConfig) bool {
	if _, ok := ts.stores[sc.Name]; ok {
		return false
	}
	ts.stores[sc.Name] = newTable(sc, ts.degree)
	ts.order = append(ts.order, sc.Name)
	return true
}

func (ts *tables) deleteStore(name string) bool {
	if _, ok := ts.stores[name]; !ok {
		return false
	}
	delete(ts.stores, name)
	for i, n := range ts.order {
		if n == name {
			ts.order = append(ts.order[:i], ts.order[i+1:]...)
			break
		}
	}
	return true
}

// --------------------------------------------------------------------------
// Table Operations
// --------------------------------------------------------------------------

// nextKey returns the highest numeric key + 1, starting at 1. Numbers sort
// below strings, so the descent starts at the smallest string. Rows whose
// record holds a numeric string key are skipped.
func (t *table) nextKey() float64 {
	var highest float64
	t.primary.DescendLessOrEqual(row{key: ""}, func(r row) bool {
		if _, num := r.key.(float64); !num {
			return true
		}
		k, _ := db.KeyOf(r.rec, t.config.KeyPath)
		f, ok := k.(float64)
		if !ok {
			return true
		}
		highest = max(highest, f)
		return false
	})
	return highest + 1
}

func (t *table) get(key any) (db.Record, bool) {
	r, ok := t.primary.Get(row{key: db.CanonicalKey(key)})
	return r.rec, ok
}

// write inserts or replaces a record and keeps all indexes in sync.
func (t *table) write(record db.Record, replace bool) (any, error) {
	r, key, err := base.Prepare(t.config, record, t.nextKey)
	if err != nil {
		return nil, err
	}
	id := db.CanonicalKey(key)
	old, exists := t.primary.Get(row{key: id})
	if exists && !replace {
		return nil, db.Errorf(db.KindConflict, "store %s: key %s already exists", t.config.Name, db.KeyString(key))
	}
	if err := t.checkUnique(r, id); err != nil {
		return nil, err
	}

	if exists {
		t.unindex(old)
	}
	t.primary.ReplaceOrInsert(row{key: id, rec: r})
	t.index(row{key: id, rec: r})
	return key, nil
}

func (t *table) delete(key any) {
	old, ok := t.primary.Delete(row{key: db.CanonicalKey(key)})
	if ok {
		t.unindex(old)
	}
}

func (t *table) clear() {
	t.primary.Clear(false)
	for _, tree := range t.indexes {
		tree.Clear(false)
	}
}

func (t *table) index(r row) {
	for _, idx := range t.config.Indexes {
		for _, v := range query.IndexKeys(r.rec, idx) {
			t.indexes[idx.Name].ReplaceOrInsert(indexEntry{value: v, pk: r.key})
		}
	}
}

func (t *table) unindex(r row) {
	for _, idx := range t.config.Indexes {
		for _, v := range query.IndexKeys(r.rec, idx) {
			t.indexes[idx.Name].Delete(indexEntry{value: v, pk: r.key})
		}
	}
}

// checkUnique looks every unique index key of r up in its index tree.
func (t *table) checkUnique(r db.Record, key any) error {
	for _, idx := range t.config.Indexes {
		if !idx.Unique {
			continue
		}
		for _, v := range query.IndexKeys(r, idx) {
			for _, pk := range t.lookup(idx.Name, v) {
				if !query.Equal(pk, key) {
					return db.Errorf(db.KindConflict, "store %s: unique index %s violated", t.config.Name, idx.Name)
				}
			}
		}
	}
	return nil
}

// lookup returns the primary keys of all entries with exactly value.
func (t *table) lookup(index string, value any) []any {
	var pks []any
	t.indexes[index].AscendGreaterOrEqual(indexEntry{value: value}, func(e indexEntry) bool {
		if !query.Equal(e.value, value) {
			return false
		}
		pks = append(pks, e.pk)
		return true
	})
	return pks
}

// all returns every record in primary key order (not cloned).
func (t *table) all() []db.Record {
	out := make([]db.Record, 0, t.primary.Len())
	t.primary.Ascend(func(r row) bool {
		out = append(out, r.rec)
		return true
	})
	return out
}

// rows fetches records by primary key and returns them in primary key order.
func (t *table) rows(pks []any) []db.Record {
	seen := btree.NewG(2, rowLess)
	for _, pk := range pks {
		if r, ok := t.primary.Get(row{key: pk}); ok {
			seen.ReplaceOrInsert(r)
		}
	}
	out := make([]db.Record, 0, seen.Len())
	seen.Ascend(func(r row) bool {
		out = append(out, r.rec)
		return true
	})
	return out
}

// candidates narrows a query through the first usable index. Conditions on
// multi-entry indexes are never used here because eq compares the whole
// field there. The shared filter still runs on the result, so narrowing
// only has to be a superset.
func (t *table) candidates(conditions []db.QueryCondition) []db.Record {
	for _, c := range conditions {
		idx, ok := t.config.IndexOnField(c.Field)
		if !ok || idx.MultiEntry {
			continue
		}
		tree := t.indexes[idx.Name]

		var pks []any
		collect := func(from any, stop func(v any) bool) {
			tree.AscendGreaterOrEqual(indexEntry{value: from}, func(e indexEntry) bool {
				if stop(e.value) {
					return false
				}
				pks = append(pks, e.pk)
				return true
			})
		}
		rank := query.Rank(c.Value)
		otherRank := func(v any) bool { return query.Rank(v) != rank }

		switch c.Operator {
		case db.OpEq:
			collect(c.Value, func(v any) bool { return !query.Equal(v, c.Value) })
		case db.OpGt, db.OpGte:
			collect(c.Value, otherRank)
		case db.OpLt, db.OpLte:
			// skip lower ranks, stop past the bound
			collect(minOfRank(rank), func(v any) bool { return query.Compare(v, c.Value) > 0 })
		case db.OpBetween:
			bounds := c.Value.([]any)
			collect(bounds[0], func(v any) bool { return query.Compare(v, bounds[1]) > 0 })
		case db.OpIn:
			for _, v := range c.Value.([]any) {
				pks = append(pks, t.lookup(idx.Name, v)...)
			}
		default:
			continue
		}
		return t.rows(pks)
	}
	return t.all()
}

// minOfRank returns the smallest value of a type rank.
func minOfRank(rank int) any {
	switch rank {
	case query.Rank(false):
		return false
	case query.Rank(0.0):
		return math.Inf(-1)
	case query.Rank(""):
		return ""
	case query.Rank([]any{}):
		return []any{}
	case query.Rank(map[string]any{}):
		return map[string]any{}
	default:
		return nil
	}
}

// --------------------------------------------------------------------------
// Transaction Target
// --------------------------------------------------------------------------

// txTarget applies batch steps directly to a working copy. It runs on the
// dispatcher goroutine and must not go through the request queue.
type txTarget struct {
	dbName string
	ts     *tables
}

func (x *txTarget) Get(_ context.Context, store string, key any) (db.Record, error) {
	t, err := x.ts.table(x.dbName, store)
	if err != nil {
		return nil, err
	}
	k, err := base.NormalizeKey(store, key)
	if err != nil {
		return nil, err
	}
	r, ok := t.get(k)
	if !ok {
		return nil, db.Errorf(db.KindNotFound, "store %s: key %v not found", store, key)
	}
	return db.CloneRecord(r), nil
}

func (x *txTarget) Add(_ context.Context, store string, record db.Record) (any, error) {
	t, err := x.ts.table(x.dbName, store)
	if err != nil {
		return nil, err
	}
	return t.write(record, false)
}

func (x *txTarget) Put(_ context.Context, store string, record db.Record) (any, error) {
	t, err := x.ts.table(x.dbName, store)
	if err != nil {
		return nil, err
	}
	return t.write(record, true)
}

func (x *txTarget) Delete(_ context.Context, store string, key any) error {
	t, err := x.ts.table(x.dbName, store)
	if err != nil {
		return err
	}
	k, err := base.NormalizeKey(store, key)
	if err != nil {
		return err
	}
	t.delete(k)
	return nil
}
