package model

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/lib/engine"
	"github.com/google/uuid"
)

// Field names maintained by a Model
const (
	CreatedAtField = "createdAt"
	UpdatedAtField = "updatedAt"
)

// Entity carries the fields every model record has. Embed it in the model type:
//
//	type User struct {
//		model.Entity
//		Name string `json:"name"`
//	}
type Entity struct {
	ID        string `json:"id,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
}

// Model maps values of T to the records of one store. T is converted with
// encoding/json, so its json tags name the record fields.
//
// Create assigns a UUIDv7 id when the key path is empty and stamps
// creation and update times in unix milliseconds.
type Model[T any] struct {
	db      *engine.Database
	store   string
	keyPath string
	now     func() time.Time
}

// Option configures a Model
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now for the timestamps
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a model on store of d
func New[T any](d *engine.Database, store string, opts ...Option) (*Model[T], error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	sc, ok := d.Config().Store(store)
	if !ok {
		return nil, db.Errorf(db.KindNotFound, "database %s: store %s not found", d.Name(), store)
	}
	return &Model[T]{db: d, store: store, keyPath: sc.KeyPath, now: o.now}, nil
}

// Store returns the store name
func (m *Model[T]) Store() string { return m.store }

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

// Create inserts v and returns the stored value. It fails with
// db.ErrConflict if the id exists.
func (m *Model[T]) Create(ctx context.Context, v T) (T, error) {
	var zero T
	r, err := m.encode(v)
	if err != nil {
		return zero, err
	}
	if _, ok := db.KeyOf(r, m.keyPath); !ok {
		id, err := uuid.NewV7()
		if err != nil {
			return zero, db.Wrap(db.KindBackend, "generate id", err)
		}
		db.SetFieldValue(r, m.keyPath, id.String())
	}
	now := float64(m.now().UnixMilli())
	r[CreatedAtField] = now
	r[UpdatedAtField] = now

	if _, err := m.db.Add(ctx, m.store, r).Unwrap(); err != nil {
		return zero, err
	}
	return m.decode(r)
}

// Save inserts or replaces v. The creation time of a replaced record is kept.
func (m *Model[T]) Save(ctx context.Context, v T) (T, error) {
	var zero T
	r, err := m.encode(v)
	if err != nil {
		return zero, err
	}
	key, ok := db.KeyOf(r, m.keyPath)
	if !ok {
		return m.Create(ctx, v)
	}

	now := float64(m.now().UnixMilli())
	r[CreatedAtField] = now
	if old := m.db.Get(ctx, m.store, key); old.Success {
		if created, ok := old.Data[CreatedAtField]; ok {
			r[CreatedAtField] = created
		}
	}
	r[UpdatedAtField] = now

	if _, err := m.db.Put(ctx, m.store, r).Unwrap(); err != nil {
		return zero, err
	}
	return m.decode(r)
}

// Update merges patch into the record with id and returns the result
func (m *Model[T]) Update(ctx context.Context, id any, patch db.Record) (T, error) {
	var zero T
	data := db.CloneRecord(patch)
	if data == nil {
		data = db.Record{}
	}
	delete(data, CreatedAtField)
	data[UpdatedAtField] = float64(m.now().UnixMilli())

	res := m.db.Transaction(ctx, []db.TransactionOperation{
		{Type: db.TxUpdate, Store: m.store, Key: id, Data: data},
	})
	if err := res.Err(); err != nil {
		return zero, err
	}
	return m.Get(ctx, id)
}

// Delete removes the record with id
func (m *Model[T]) Delete(ctx context.Context, id any) error {
	return m.db.Delete(ctx, m.store, id).Err()
}

// --------------------------------------------------------------------------
// Query Operations
// --------------------------------------------------------------------------

// Get returns the value with id or db.ErrNotFound
func (m *Model[T]) Get(ctx context.Context, id any) (T, error) {
	var zero T
	r, err := m.db.Get(ctx, m.store, id).Unwrap()
	if err != nil {
		return zero, err
	}
	return m.decode(r)
}

// All returns every value of the store in id order
func (m *Model[T]) All(ctx context.Context) ([]T, error) {
	records, err := m.db.GetAll(ctx, m.store).Unwrap()
	if err != nil {
		return nil, err
	}
	return m.decodeAll(records)
}

// Query starts a fluent query
func (m *Model[T]) Query() *Query[T] {
	return &Query[T]{model: m}
}

// Where starts a fluent query with conditions
func (m *Model[T]) Where(conditions ...db.QueryCondition) *Query[T] {
	return m.Query().Where(conditions...)
}

// --------------------------------------------------------------------------
// Conversion
// --------------------------------------------------------------------------

func (m *Model[T]) encode(v T) (db.Record, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, db.Wrap(db.KindValidation, "encode "+m.store, err)
	}
	var r db.Record
	if err := json.Unmarshal(b, &r); err != nil || r == nil {
		return nil, db.Errorf(db.KindValidation, "encode %s: value is not an object", m.store)
	}
	return r, nil
}

func (m *Model[T]) decode(r db.Record) (T, error) {
	var v T
	b, err := json.Marshal(r)
	if err == nil {
		err = json.Unmarshal(b, &v)
	}
	if err != nil {
		return v, db.Wrap(db.KindValidation, "decode "+m.store, err)
	}
	return v, nil
}

func (m *Model[T]) decodeAll(records []db.Record) ([]T, error) {
	out := make([]T, 0, len(records))
	for _, r := range records {
		v, err := m.decode(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
