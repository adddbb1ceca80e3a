package query

import (
	"strconv"
	"strings"

	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/blastrain/vitess-sqlparser/sqlparser"
)

// --------------------------------------------------------------------------
// SQL Query Strings
// --------------------------------------------------------------------------

// Parsed is the result of ParseSQL.
type Parsed struct {
	// Store is the table name of a full SELECT; empty for a bare condition.
	Store      string
	Conditions []db.QueryCondition
	Options    *db.QueryOptions
}

/*
ParseSQL turns a small SQL subset into query conditions. It accepts either a
full SELECT statement:

	SELECT * FROM users WHERE age >= 18 AND name LIKE 'ali' ORDER BY age DESC LIMIT 10, 5

or a bare condition ("age BETWEEN 18 AND 30 AND role IN ('a', 'b')").

Only AND-joined comparisons are supported, since conditions are conjunctive.
Supported operators: =, >, >=, <, <=, BETWEEN, IN, LIKE. The % wildcards of a
LIKE pattern are stripped, LIKE always means case-insensitive containment.
*/
func ParseSQL(input string) (Parsed, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Parsed{}, nil
	}

	full := strings.HasPrefix(strings.ToLower(input), "select ")
	sql := input
	if !full {
		sql = "select * from t where " + input
	}

	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return Parsed{}, db.Wrap(db.KindValidation, "parse query", err)
	}
	sel, ok := stmt.(*sqlparser.Select)
	if !ok {
		return Parsed{}, db.NewError(db.KindValidation, "only SELECT statements are supported")
	}

	var out Parsed
	if full {
		if len(sel.From) != 1 {
			return Parsed{}, db.NewError(db.KindValidation, "exactly one store is required in FROM")
		}
		aliased, ok := sel.From[0].(*sqlparser.AliasedTableExpr)
		if !ok {
			return Parsed{}, db.NewError(db.KindValidation, "joins are not supported")
		}
		out.Store = unquote(sqlparser.String(aliased.Expr))
	}

	if sel.Where != nil {
		if out.Conditions, err = conditionsOf(sel.Where.Expr); err != nil {
			return Parsed{}, err
		}
	}

	if full {
		if out.Options, err = optionsOf(sel); err != nil {
			return Parsed{}, err
		}
	}
	return out, nil
}

func conditionsOf(expr sqlparser.Expr) ([]db.QueryCondition, error) {
	switch e := expr.(type) {
	case *sqlparser.AndExpr:
		left, err := conditionsOf(e.Left)
		if err != nil {
			return nil, err
		}
		right, err := conditionsOf(e.Right)
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil

	case *sqlparser.ParenExpr:
		return conditionsOf(e.Expr)

	case *sqlparser.ComparisonExpr:
		field, err := fieldOf(e.Left)
		if err != nil {
			return nil, err
		}
		op, ok := comparisonOps[strings.ToLower(e.Operator)]
		if !ok {
			return nil, db.Errorf(db.KindValidation, "unsupported operator %q", e.Operator)
		}

		var value any
		if op == db.OpIn {
			tuple, ok := e.Right.(sqlparser.ValTuple)
			if !ok {
				return nil, db.NewError(db.KindValidation, "IN needs a value list")
			}
			list := make([]any, 0, len(tuple))
			for _, el := range tuple {
				v, err := literalOf(el)
				if err != nil {
					return nil, err
				}
				list = append(list, v)
			}
			value = list
		} else {
			if value, err = literalOf(e.Right); err != nil {
				return nil, err
			}
		}
		if op == db.OpLike {
			s, _ := value.(string)
			value = strings.Trim(s, "%")
		}
		return []db.QueryCondition{{Field: field, Operator: op, Value: value}}, nil

	case *sqlparser.RangeCond:
		if strings.ToLower(e.Operator) != sqlparser.BetweenStr {
			return nil, db.Errorf(db.KindValidation, "unsupported operator %q", e.Operator)
		}
		field, err := fieldOf(e.Left)
		if err != nil {
			return nil, err
		}
		from, err := literalOf(e.From)
		if err != nil {
			return nil, err
		}
		to, err := literalOf(e.To)
		if err != nil {
			return nil, err
		}
		return []db.QueryCondition{{Field: field, Operator: db.OpBetween, Value: []any{from, to}}}, nil

	default:
		return nil, db.Errorf(db.KindValidation, "unsupported expression %q", sqlparser.String(expr))
	}
}

var comparisonOps = map[string]db.Operator{
	sqlparser.EqualStr:        db.OpEq,
	sqlparser.GreaterThanStr:  db.OpGt,
	sqlparser.GreaterEqualStr: db.OpGte,
	sqlparser.LessThanStr:     db.OpLt,
	sqlparser.LessEqualStr:    db.OpLte,
	sqlparser.InStr:           db.OpIn,
	sqlparser.LikeStr:         db.OpLike,
}

func fieldOf(expr sqlparser.Expr) (string, error) {
	col, ok := expr.(*sqlparser.ColName)
	if !ok {
		return "", db.Errorf(db.KindValidation, "left side must be a field, got %q", sqlparser.String(expr))
	}
	// qualified names (profile.age) address nested fields
	return unquote(sqlparser.String(col)), nil
}

func literalOf(expr sqlparser.Expr) (any, error) {
	switch v := expr.(type) {
	case *sqlparser.SQLVal:
		switch v.Type {
		case sqlparser.StrVal:
			return string(v.Val), nil
		case sqlparser.IntVal, sqlparser.FloatVal:
			f, err := strconv.ParseFloat(string(v.Val), 64)
			if err != nil {
				return nil, db.Wrap(db.KindValidation, "parse number", err)
			}
			return f, nil
		}
	case sqlparser.BoolVal:
		return bool(v), nil
	case *sqlparser.NullVal:
		return nil, nil
	}

	// negative numbers arrive as unary expressions
	if f, err := strconv.ParseFloat(strings.ReplaceAll(sqlparser.String(expr), " ", ""), 64); err == nil {
		return f, nil
	}
	return nil, db.Errorf(db.KindValidation, "unsupported literal %q", sqlparser.String(expr))
}

func optionsOf(sel *sqlparser.Select) (*db.QueryOptions, error) {
	var opts db.QueryOptions
	used := false

	if len(sel.OrderBy) > 1 {
		return nil, db.NewError(db.KindValidation, "only one ORDER BY field is supported")
	}
	if len(sel.OrderBy) == 1 {
		field, err := fieldOf(sel.OrderBy[0].Expr)
		if err != nil {
			return nil, err
		}
		dir := db.Asc
		if strings.ToLower(sel.OrderBy[0].Direction) == sqlparser.DescScr {
			dir = db.Desc
		}
		opts.OrderBy = &db.OrderBy{Field: field, Direction: dir}
		used = true
	}

	if sel.Limit != nil {
		if sel.Limit.Rowcount != nil {
			n, err := intOf(sel.Limit.Rowcount)
			if err != nil {
				return nil, err
			}
			opts.Limit = n
		}
		if sel.Limit.Offset != nil {
			n, err := intOf(sel.Limit.Offset)
			if err != nil {
				return nil, err
			}
			opts.Offset = n
		}
		used = true
	}

	if !used {
		return nil, nil
	}
	return &opts, nil
}

func intOf(expr sqlparser.Expr) (int, error) {
	n, err := strconv.Atoi(sqlparser.String(expr))
	if err != nil {
		return 0, db.Wrap(db.KindValidation, "parse limit", err)
	}
	return n, nil
}

func unquote(s string) string {
	return strings.ReplaceAll(s, "`", "")
}
