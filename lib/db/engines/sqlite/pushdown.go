package sqlite

import (
	"strings"

	"github.com/ValentinKolb/uStore/lib/db"
)

// pushdown translates the conditions on single-entry indexed fields into a
// WHERE clause. Only string and number values are pushed, their column
// comparison never drops a record the in-memory filter would keep. The
// filter still runs on the loaded rows.
func pushdown(sc db.StoreConfig, conditions []db.QueryCondition) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	for _, c := range conditions {
		idx, ok := sc.IndexOnField(c.Field)
		if !ok || idx.MultiEntry {
			continue
		}
		col := column(idx)

		switch c.Operator {
		case db.OpEq, db.OpGt, db.OpGte, db.OpLt, db.OpLte:
			if !scalar(c.Value) {
				continue
			}
			clauses = append(clauses, col+" "+sqlOperators[c.Operator]+" ?")
			args = append(args, c.Value)
		case db.OpBetween:
			bounds := c.Value.([]any)
			if !scalar(bounds[0]) || !scalar(bounds[1]) {
				continue
			}
			clauses = append(clauses, col+" BETWEEN ? AND ?")
			args = append(args, bounds[0], bounds[1])
		case db.OpIn:
			values := c.Value.([]any)
			if len(values) == 0 {
				// matches nothing
				return "0", nil
			}
			pushed := true
			for _, v := range values {
				pushed = pushed && scalar(v)
			}
			if !pushed {
				continue
			}
			clauses = append(clauses, col+" IN (?"+strings.Repeat(", ?", len(values)-1)+")")
			args = append(args, values...)
		}
	}
	return strings.Join(clauses, " AND "), args
}

var sqlOperators = map[db.Operator]string{
	db.OpEq:  "=",
	db.OpGt:  ">",
	db.OpGte: ">=",
	db.OpLt:  "<",
	db.OpLte: "<=",
}

func scalar(v any) bool {
	switch v.(type) {
	case string, float64:
		return true
	default:
		return false
	}
}
