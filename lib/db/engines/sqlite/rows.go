package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/lib/db/engines/base"
	"github.com/ValentinKolb/uStore/lib/db/query"
	"github.com/mattn/go-sqlite3"
)

// --------------------------------------------------------------------------
// Identifiers and Columns
// --------------------------------------------------------------------------

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func table(store string) string {
	return quote("s_" + store)
}

func column(idx db.IndexConfig) string {
	return quote("idx_" + idx.Name)
}

// columnIndexes returns the indexes kept as columns. Multi-entry indexes
// have no single value per row and are evaluated in memory.
func columnIndexes(sc db.StoreConfig) []db.IndexConfig {
	var out []db.IndexConfig
	for _, idx := range sc.Indexes {
		if !idx.MultiEntry {
			out = append(out, idx)
		}
	}
	return out
}

func createStatements(sc db.StoreConfig) []string {
	cols := []string{"pk TEXT PRIMARY KEY", "key_num REAL", "data BLOB NOT NULL"}
	for _, idx := range columnIndexes(sc) {
		// no declared type: values keep their storage class
		cols = append(cols, column(idx))
	}
	stmts := []string{"CREATE TABLE IF NOT EXISTS " + table(sc.Name) + " (" + strings.Join(cols, ", ") + ")"}

	for _, idx := range columnIndexes(sc) {
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		stmts = append(stmts, "CREATE "+unique+"INDEX IF NOT EXISTS "+quote("ix_"+sc.Name+"_"+idx.Name)+
			" ON "+table(sc.Name)+" ("+column(idx)+")")
	}
	return stmts
}

// indexValue maps a normalized value to its column value. Numbers and
// strings are stored as REAL and TEXT so SQLite compares them like the
// total value order does. Booleans and containers become BLOBs, which sort
// after both and never equal them.
func indexValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case float64, string:
		return x
	case bool:
		if x {
			return []byte{1}
		}
		return []byte{0}
	default:
		b, _ := json.Marshal(x)
		return b
	}
}

func keyNum(key any) any {
	if f, ok := key.(float64); ok {
		return f
	}
	return nil
}

// conflictErr maps constraint violations to ErrConflict
func conflictErr(store string, err error) error {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
		switch sqlErr.ExtendedCode {
		case sqlite3.ErrConstraintPrimaryKey:
			return db.Wrap(db.KindConflict, "store "+store+": key already exists", err)
		case sqlite3.ErrConstraintUnique:
			return db.Wrap(db.KindConflict, "store "+store+": unique index violated", err)
		}
	}
	return db.Wrap(db.KindBackend, "write "+store, err)
}

// --------------------------------------------------------------------------
// Row Operations
// --------------------------------------------------------------------------

func (d *driverImpl) decode(store string, data []byte) (db.Record, error) {
	r, err := d.codec.Unmarshal(data)
	if err != nil {
		return nil, db.Wrap(db.KindBackend, "decode row of "+store, err)
	}
	return r, nil
}

func (d *driverImpl) getRow(ctx context.Context, q querier, sc db.StoreConfig, key any) (db.Record, error) {
	k, err := base.NormalizeKey(sc.Name, key)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = q.QueryRowContext(ctx, "SELECT data FROM "+table(sc.Name)+" WHERE pk = ?", db.KeyString(k)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.Errorf(db.KindNotFound, "store %s: key %v not found", sc.Name, key)
	}
	if err != nil {
		return nil, db.Wrap(db.KindBackend, "get "+sc.Name, err)
	}
	return d.decode(sc.Name, data)
}

func (d *driverImpl) nextKey(ctx context.Context, q querier, sc db.StoreConfig) (float64, error) {
	var highest sql.NullFloat64
	if err := q.QueryRowContext(ctx, "SELECT MAX(key_num) FROM "+table(sc.Name)).Scan(&highest); err != nil {
		return 0, db.Wrap(db.KindBackend, "next key of "+sc.Name, err)
	}
	return max(highest.Float64, 0) + 1, nil
}

// writeRow must run inside a transaction when sc has an auto-increment key
// or a unique multi-entry index, both read before they write.
func (d *driverImpl) writeRow(ctx context.Context, q querier, sc db.StoreConfig, record db.Record, replace bool) (any, error) {
	var nextErr error
	r, key, err := base.Prepare(sc, record, func() float64 {
		var next float64
		next, nextErr = d.nextKey(ctx, q, sc)
		return next
	})
	if err != nil {
		return nil, err
	}
	if nextErr != nil {
		return nil, nextErr
	}
	pk := db.KeyString(key)

	if err := d.checkMultiEntryUnique(ctx, q, sc, r, pk); err != nil {
		return nil, err
	}

	data, err := d.codec.Marshal(r)
	if err != nil {
		return nil, db.Wrap(db.KindValidation, "encode record for "+sc.Name, err)
	}

	cols := []string{"pk", "key_num", "data"}
	args := []any{pk, keyNum(key), data}
	for _, idx := range columnIndexes(sc) {
		cols = append(cols, column(idx))
		var v any
		if keys := query.IndexKeys(r, idx); len(keys) == 1 {
			v = indexValue(keys[0])
		}
		args = append(args, v)
	}

	stmt := "INSERT INTO " + table(sc.Name) + " (" + strings.Join(cols, ", ") + ") VALUES (?" + strings.Repeat(", ?", len(cols)-1) + ")"
	if replace {
		// an upsert, INSERT OR REPLACE would delete rows holding a unique value
		sets := make([]string, 0, len(cols)-1)
		for _, c := range cols[1:] {
			sets = append(sets, c+" = excluded."+c)
		}
		stmt += " ON CONFLICT(pk) DO UPDATE SET " + strings.Join(sets, ", ")
	}
	if _, err := q.ExecContext(ctx, stmt, args...); err != nil {
		return nil, conflictErr(sc.Name, err)
	}
	return key, nil
}

// checkMultiEntryUnique enforces unique multi-entry indexes, which have no
// column and therefore no UNIQUE index.
func (d *driverImpl) checkMultiEntryUnique(ctx context.Context, q querier, sc db.StoreConfig, r db.Record, pk string) error {
	var indexes []db.IndexConfig
	for _, idx := range sc.Indexes {
		if idx.Unique && idx.MultiEntry {
			indexes = append(indexes, idx)
		}
	}
	if len(indexes) == 0 {
		return nil
	}
	existing, err := d.load(ctx, q, sc, "", nil)
	if err != nil {
		return err
	}
	if name, violated := query.UniqueViolation(existing, db.StoreConfig{KeyPath: sc.KeyPath, Indexes: indexes}, r, pk); violated {
		return db.Errorf(db.KindConflict, "store %s: unique index %s violated", sc.Name, name)
	}
	return nil
}

func (d *driverImpl) deleteRow(ctx context.Context, q querier, sc db.StoreConfig, key any) error {
	k, err := base.NormalizeKey(sc.Name, key)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, "DELETE FROM "+table(sc.Name)+" WHERE pk = ?", db.KeyString(k))
	return db.Wrap(db.KindBackend, "delete from "+sc.Name, err)
}

// load decodes all rows matching where, in primary key order.
// Numeric keys come first, ordered by value, then string keys by bytes.
func (d *driverImpl) load(ctx context.Context, q querier, sc db.StoreConfig, where string, args []any) ([]db.Record, error) {
	stmt := "SELECT data FROM " + table(sc.Name)
	if where != "" {
		stmt += " WHERE " + where
	}
	stmt += " ORDER BY key_num IS NULL, key_num, pk"

	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, db.Wrap(db.KindBackend, "query "+sc.Name, err)
	}
	defer rows.Close()

	out := make([]db.Record, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, db.Wrap(db.KindBackend, "scan "+sc.Name, err)
		}
		r, err := d.decode(sc.Name, data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Wrap(db.KindBackend, "query "+sc.Name, err)
	}
	return out, nil
}

func (d *driverImpl) query(ctx context.Context, q querier, sc db.StoreConfig, conditions []db.QueryCondition, opts *db.QueryOptions) ([]db.Record, error) {
	compiled, err := query.Compile(conditions)
	if err != nil {
		return nil, err
	}
	if err := query.ValidateOptions(opts); err != nil {
		return nil, err
	}
	where, args := pushdown(sc, compiled)
	records, err := d.load(ctx, q, sc, where, args)
	if err != nil {
		return nil, err
	}
	return query.Apply(query.Filter(records, compiled), opts), nil
}

func (d *driverImpl) byIndex(ctx context.Context, q querier, sc db.StoreConfig, idx db.IndexConfig, value any) ([]db.Record, error) {
	value = db.Normalize(value)
	var (
		where string
		args  []any
	)
	if !idx.MultiEntry {
		if value == nil {
			return make([]db.Record, 0), nil
		}
		where, args = column(idx)+" = ?", []any{indexValue(value)}
	}
	records, err := d.load(ctx, q, sc, where, args)
	if err != nil {
		return nil, err
	}
	out := make([]db.Record, 0, len(records))
	for _, r := range records {
		if query.MatchIndex(r, idx, value) {
			out = append(out, r)
		}
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Transaction Target
// --------------------------------------------------------------------------

// txTarget runs batch steps on an open *sql.Tx
type txTarget struct {
	d *driverImpl
	q querier
}

func (x *txTarget) Get(ctx context.Context, store string, key any) (db.Record, error) {
	sc, err := x.d.store(store)
	if err != nil {
		return nil, err
	}
	return x.d.getRow(ctx, x.q, sc, key)
}

func (x *txTarget) Add(ctx context.Context, store string, record db.Record) (any, error) {
	sc, err := x.d.store(store)
	if err != nil {
		return nil, err
	}
	return x.d.writeRow(ctx, x.q, sc, record, false)
}

func (x *txTarget) Put(ctx context.Context, store string, record db.Record) (any, error) {
	sc, err := x.d.store(store)
	if err != nil {
		return nil, err
	}
	return x.d.writeRow(ctx, x.q, sc, record, true)
}

func (x *txTarget) Delete(ctx context.Context, store string, key any) error {
	sc, err := x.d.store(store)
	if err != nil {
		return err
	}
	return x.d.deleteRow(ctx, x.q, sc, key)
}
