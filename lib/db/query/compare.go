package query

import (
	"bytes"
	"cmp"
	"encoding/json"
	"strings"

	"github.com/ValentinKolb/uStore/lib/db"
)

// --------------------------------------------------------------------------
// Total Value Order
// --------------------------------------------------------------------------

/*
	Values of different types are ordered by a type rank first and by value
	second:

		null < bool < number < string < array < object

	  - bools: false < true
	  - numbers: numerically
	  - strings: bytewise (no locale collation)
	  - arrays: element by element, shorter prefix first
	  - objects: by canonical JSON encoding (sorted keys)

	A missing field sorts like null. This makes orderBy on mixed-type fields
	deterministic on every backend.
*/

const (
	rankNull = iota
	rankBool
	rankNumber
	rankString
	rankArray
	rankObject
)

// Rank returns the type rank of a normalized value.
func Rank(v any) int {
	switch v.(type) {
	case nil:
		return rankNull
	case bool:
		return rankBool
	case float64:
		return rankNumber
	case string:
		return rankString
	case []any:
		return rankArray
	case map[string]any:
		return rankObject
	default:
		return Rank(db.Normalize(v))
	}
}

// Compare returns -1, 0 or +1 according to the total value order.
func Compare(a, b any) int {
	a, b = normalized(a), normalized(b)
	ra, rb := Rank(a), Rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}

	switch x := a.(type) {
	case nil:
		return 0
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case float64:
		return cmp.Compare(x, b.(float64))
	case string:
		return strings.Compare(x, b.(string))
	case []any:
		y := b.([]any)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c := Compare(x[i], y[i]); c != 0 {
				return c
			}
		}
		return cmp.Compare(len(x), len(y))
	case map[string]any:
		// encoding/json sorts map keys, which makes the encoding canonical
		ja, _ := json.Marshal(x)
		jb, _ := json.Marshal(b)
		return bytes.Compare(ja, jb)
	}
	return 0
}

// Equal reports whether two values are equal under the total value order.
func Equal(a, b any) bool {
	return Compare(a, b) == 0
}

// normalized avoids a full copy for values that are already JSON-shaped.
func normalized(v any) any {
	switch v.(type) {
	case nil, bool, float64, string, []any, map[string]any:
		return v
	default:
		return db.Normalize(v)
	}
}
