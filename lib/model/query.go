package model

import (
	"context"

	"github.com/ValentinKolb/uStore/lib/db"
)

// Query is a fluent query on the store of a model. A Query is not safe for
// concurrent modification, build one per call site.
type Query[T any] struct {
	model      *Model[T]
	conditions []db.QueryCondition
	opts       db.QueryOptions
}

// Where adds conditions, all of them have to match
func (q *Query[T]) Where(conditions ...db.QueryCondition) *Query[T] {
	q.conditions = append(q.conditions, conditions...)
	return q
}

// OrderBy sorts the result by field
func (q *Query[T]) OrderBy(field string, dir db.Direction) *Query[T] {
	q.opts.OrderBy = &db.OrderBy{Field: field, Direction: dir}
	return q
}

// Limit caps the number of results, n <= 0 means no limit
func (q *Query[T]) Limit(n int) *Query[T] {
	q.opts.Limit = n
	return q
}

// Offset skips the first n results
func (q *Query[T]) Offset(n int) *Query[T] {
	q.opts.Offset = n
	return q
}

// Conditions returns the conditions of the query
func (q *Query[T]) Conditions() []db.QueryCondition {
	return append([]db.QueryCondition(nil), q.conditions...)
}

// Options returns the post-processing options of the query
func (q *Query[T]) Options() *db.QueryOptions {
	opts := q.opts
	if opts.OrderBy != nil {
		ob := *opts.OrderBy
		opts.OrderBy = &ob
	}
	return &opts
}

// All runs the query
func (q *Query[T]) All(ctx context.Context) ([]T, error) {
	records, err := q.model.db.Query(ctx, q.model.store, q.conditions, q.Options()).Unwrap()
	if err != nil {
		return nil, err
	}
	return q.model.decodeAll(records)
}

// First returns the first result or db.ErrNotFound
func (q *Query[T]) First(ctx context.Context) (T, error) {
	var zero T
	opts := q.Options()
	opts.Limit = 1
	records, err := q.model.db.Query(ctx, q.model.store, q.conditions, opts).Unwrap()
	if err != nil {
		return zero, err
	}
	if len(records) == 0 {
		return zero, db.Errorf(db.KindNotFound, "store %s: no record matches", q.model.store)
	}
	return q.model.decode(records[0])
}

// Count returns the number of matching records. Offset and limit are ignored.
func (q *Query[T]) Count(ctx context.Context) (int, error) {
	return q.model.db.Count(ctx, q.model.store, q.conditions).Unwrap()
}
