package db

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Record is a stored document. Records follow JSON semantics: numbers are
// float64, arrays are []any and objects are map[string]any once they have
// passed through a driver.
type Record = map[string]any

// --------------------------------------------------------------------------
// Field Access
// --------------------------------------------------------------------------

// FieldValue returns the value at a dotted path ("profile.age").
func FieldValue(r Record, path string) (any, bool) {
	if r == nil || path == "" {
		return nil, false
	}
	if v, ok := r[path]; ok {
		return v, true
	}
	if !strings.Contains(path, ".") {
		return nil, false
	}
	var cur any = r
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetFieldValue sets the value at a dotted path, creating intermediate objects.
func SetFieldValue(r Record, path string, value any) {
	parts := strings.Split(path, ".")
	cur := r
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// KeyOf returns the primary key of a record for the given key path.
// Empty strings and nil count as missing.
func KeyOf(r Record, keyPath string) (any, bool) {
	v, ok := FieldValue(r, keyPath)
	if !ok || v == nil {
		return nil, false
	}
	if s, isStr := v.(string); isStr && s == "" {
		return nil, false
	}
	return Normalize(v), true
}

// KeyString stringifies a primary key the way it is used as a persisted map key.
// Integral numbers print without a fraction ("1", not "1.0").
func KeyString(key any) string {
	switch k := Normalize(key).(type) {
	case nil:
		return ""
	case string:
		return k
	case float64:
		if k == math.Trunc(k) && math.Abs(k) < 1<<53 {
			return strconv.FormatInt(int64(k), 10)
		}
		return strconv.FormatFloat(k, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(k)
	default:
		b, err := json.Marshal(k)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// CanonicalKey picks one representative per KeyString, so 1 and "1" name
// the same record. A string that prints back as a finite number becomes
// that number.
func CanonicalKey(key any) any {
	k := Normalize(key)
	s, ok := k.(string)
	if !ok {
		return k
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || KeyString(f) != s {
		return k
	}
	return f
}

// NonFinite returns the path of the first NaN or ±Inf in a normalized value.
// Such numbers have no JSON encoding and are rejected by every driver.
func NonFinite(v any) (string, bool) {
	return nonFinite("", v)
}

func nonFinite(path string, v any) (string, bool) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return path, true
		}
	case map[string]any:
		for k, val := range x {
			p := k
			if path != "" {
				p = path + "." + k
			}
			if at, ok := nonFinite(p, val); ok {
				return at, true
			}
		}
	case []any:
		for i, val := range x {
			if at, ok := nonFinite(path+"["+strconv.Itoa(i)+"]", val); ok {
				return at, true
			}
		}
	}
	return "", false
}

// --------------------------------------------------------------------------
// Normalization
// --------------------------------------------------------------------------

// CloneRecord returns a deep, normalized copy of r.
func CloneRecord(r Record) Record {
	if r == nil {
		return nil
	}
	out, _ := Normalize(r).(map[string]any)
	return out
}

// CloneRecords deep-copies a slice of records.
func CloneRecords(rs []Record) []Record {
	out := make([]Record, len(rs))
	for i, r := range rs {
		out[i] = CloneRecord(r)
	}
	return out
}

// Normalize converts a value to its JSON-shaped equivalent and always returns
// fresh containers, so the result never aliases the input.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case bool:
		return x
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = Normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Normalize(val)
		}
		return out
	case []byte:
		// same as encoding/json
		b, _ := json.Marshal(x)
		var s string
		_ = json.Unmarshal(b, &s)
		return s
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = Normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			if rv.IsNil() {
				return nil
			}
			out := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				out[iter.Key().String()] = Normalize(iter.Value().Interface())
			}
			return out
		}
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
	}

	// fall back to json semantics for structs and everything else
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

// ShallowMerge returns a copy of base with every top-level field of patch applied.
func ShallowMerge(base, patch Record) Record {
	out := make(Record, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
