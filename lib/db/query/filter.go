package query

import (
	"reflect"
	"sort"
	"strings"

	"github.com/ValentinKolb/uStore/lib/db"
	"golang.org/x/text/cases"
)

// --------------------------------------------------------------------------
// Validation
// --------------------------------------------------------------------------

// Compile validates conditions and returns copies with normalized values.
// between needs a 2-element slice and in needs a slice; anything else is a
// caller error and is never coerced.
func Compile(conditions []db.QueryCondition) ([]db.QueryCondition, error) {
	out := make([]db.QueryCondition, len(conditions))
	for i, c := range conditions {
		if c.Field == "" {
			return nil, db.Errorf(db.KindValidation, "condition %d: field is required", i)
		}
		if !c.Operator.Valid() {
			return nil, db.Errorf(db.KindValidation, "condition %d: unknown operator %q", i, c.Operator)
		}

		value := db.Normalize(c.Value)
		switch c.Operator {
		case db.OpBetween:
			bounds, ok := value.([]any)
			if !ok || !isSlice(c.Value) || len(bounds) != 2 {
				return nil, db.Errorf(db.KindValidation, "condition %d: between on %s needs a 2-element range", i, c.Field)
			}
		case db.OpIn:
			if _, ok := value.([]any); !ok || !isSlice(c.Value) {
				return nil, db.Errorf(db.KindValidation, "condition %d: in on %s needs a list", i, c.Field)
			}
		case db.OpLike:
			if _, ok := value.(string); !ok {
				return nil, db.Errorf(db.KindValidation, "condition %d: like on %s needs a string", i, c.Field)
			}
		}
		out[i] = db.QueryCondition{Field: c.Field, Operator: c.Operator, Value: value}
	}
	return out, nil
}

func isSlice(v any) bool {
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

// --------------------------------------------------------------------------
// Matching
// --------------------------------------------------------------------------

// Match reports whether a record satisfies every compiled condition.
func Match(r db.Record, conditions []db.QueryCondition) bool {
	for _, c := range conditions {
		v, ok := db.FieldValue(r, c.Field)
		if !ok || !MatchValue(v, c) {
			return false
		}
	}
	return true
}

// MatchValue evaluates a single compiled condition against a field value.
// Ordering operators only match values of the same type rank, so a string
// never satisfies gt on a number.
func MatchValue(v any, c db.QueryCondition) bool {
	v = normalized(v)
	switch c.Operator {
	case db.OpEq:
		return Equal(v, c.Value)
	case db.OpGt:
		return sameRank(v, c.Value) && Compare(v, c.Value) > 0
	case db.OpGte:
		return sameRank(v, c.Value) && Compare(v, c.Value) >= 0
	case db.OpLt:
		return sameRank(v, c.Value) && Compare(v, c.Value) < 0
	case db.OpLte:
		return sameRank(v, c.Value) && Compare(v, c.Value) <= 0
	case db.OpBetween:
		bounds := c.Value.([]any)
		lo, hi := bounds[0], bounds[1]
		return sameRank(v, lo) && sameRank(v, hi) &&
			Compare(v, lo) >= 0 && Compare(v, hi) <= 0
	case db.OpIn:
		for _, candidate := range c.Value.([]any) {
			if Equal(v, candidate) {
				return true
			}
		}
		return false
	case db.OpLike:
		s, ok := likeString(v)
		if !ok {
			return false
		}
		return strings.Contains(fold(s), fold(c.Value.(string)))
	default:
		return false
	}
}

func sameRank(a, b any) bool {
	return Rank(a) == Rank(b)
}

// likeString converts scalars to the string like operates on.
func likeString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case float64, bool:
		return db.KeyString(x), true
	default:
		return "", false
	}
}

// fold applies full unicode case folding (a Caser is not safe for concurrent use, so one is created per call).
func fold(s string) string {
	return cases.Fold().String(s)
}

// Filter returns the records matching all compiled conditions.
func Filter(records []db.Record, conditions []db.QueryCondition) []db.Record {
	if len(conditions) == 0 {
		return records
	}
	out := make([]db.Record, 0, len(records))
	for _, r := range records {
		if Match(r, conditions) {
			out = append(out, r)
		}
	}
	return out
}

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// ValidateOptions rejects negative pagination values and unknown directions.
func ValidateOptions(opts *db.QueryOptions) error {
	if opts == nil {
		return nil
	}
	if opts.Limit < 0 || opts.Offset < 0 {
		return db.NewError(db.KindValidation, "limit and offset must not be negative")
	}
	if opts.OrderBy != nil {
		if opts.OrderBy.Field == "" {
			return db.NewError(db.KindValidation, "orderBy field is required")
		}
		switch opts.OrderBy.Direction {
		case "", db.Asc, db.Desc:
		default:
			return db.Errorf(db.KindValidation, "unknown sort direction %q", opts.OrderBy.Direction)
		}
	}
	return nil
}

// Apply sorts and paginates records. Pagination is applied strictly after sorting.
// The input order is kept for equal sort keys.
func Apply(records []db.Record, opts *db.QueryOptions) []db.Record {
	if opts == nil {
		return records
	}
	if opts.OrderBy != nil {
		field := opts.OrderBy.Field
		desc := opts.OrderBy.Direction == db.Desc
		sort.SliceStable(records, func(i, j int) bool {
			a, _ := db.FieldValue(records[i], field)
			b, _ := db.FieldValue(records[j], field)
			if desc {
				return Compare(a, b) > 0
			}
			return Compare(a, b) < 0
		})
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(records) {
			return []db.Record{}
		}
		records = records[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(records) {
		records = records[:opts.Limit]
	}
	return records
}

// Run validates conditions and options, filters, sorts and paginates.
// Drivers call it on the candidate set they loaded from the backend.
func Run(records []db.Record, conditions []db.QueryCondition, opts *db.QueryOptions) ([]db.Record, error) {
	compiled, err := Compile(conditions)
	if err != nil {
		return nil, err
	}
	if err := ValidateOptions(opts); err != nil {
		return nil, err
	}
	return Apply(Filter(records, compiled), opts), nil
}

// MatchIndex reports whether a record's index key path equals value.
// For multi-entry indexes an array field matches if any element equals value.
func MatchIndex(r db.Record, idx db.IndexConfig, value any) bool {
	v, ok := db.FieldValue(r, idx.KeyPath)
	if !ok {
		return false
	}
	value = normalized(value)
	if arr, isArr := normalized(v).([]any); isArr && idx.MultiEntry {
		for _, el := range arr {
			if Equal(el, value) {
				return true
			}
		}
		return false
	}
	return Equal(v, value)
}

// IndexKeys returns the keys a record contributes to an index.
// Multi-entry indexes contribute one key per distinct array element.
func IndexKeys(r db.Record, idx db.IndexConfig) []any {
	v, ok := db.FieldValue(r, idx.KeyPath)
	if !ok || v == nil {
		return nil
	}
	v = normalized(v)
	arr, isArr := v.([]any)
	if !isArr || !idx.MultiEntry {
		return []any{v}
	}
	out := make([]any, 0, len(arr))
	for _, el := range arr {
		dup := false
		for _, seen := range out {
			if Equal(seen, el) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, el)
		}
	}
	return out
}

// UniqueViolation returns the index name of the first unique index that
// record would violate among existing, ignoring the record stored under selfKey.
func UniqueViolation(existing []db.Record, store db.StoreConfig, record db.Record, selfKey string) (string, bool) {
	for _, idx := range store.Indexes {
		if !idx.Unique {
			continue
		}
		keys := IndexKeys(record, idx)
		if len(keys) == 0 {
			continue
		}
		for _, other := range existing {
			otherKey, _ := db.KeyOf(other, store.KeyPath)
			if db.KeyString(otherKey) == selfKey {
				continue
			}
			for _, k := range keys {
				if MatchIndex(other, idx, k) {
					return idx.Name, true
				}
			}
		}
	}
	return "", false
}
