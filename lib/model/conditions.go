package model

import "github.com/ValentinKolb/uStore/lib/db"

// Eq matches records whose field equals value
func Eq(field string, value any) db.QueryCondition {
	return db.QueryCondition{Field: field, Operator: db.OpEq, Value: value}
}

// Gt matches records whose field is greater than value
func Gt(field string, value any) db.QueryCondition {
	return db.QueryCondition{Field: field, Operator: db.OpGt, Value: value}
}

// Gte matches records whose field is greater than or equal to value
func Gte(field string, value any) db.QueryCondition {
	return db.QueryCondition{Field: field, Operator: db.OpGte, Value: value}
}

// Lt matches records whose field is less than value
func Lt(field string, value any) db.QueryCondition {
	return db.QueryCondition{Field: field, Operator: db.OpLt, Value: value}
}

// Lte matches records whose field is less than or equal to value
func Lte(field string, value any) db.QueryCondition {
	return db.QueryCondition{Field: field, Operator: db.OpLte, Value: value}
}

// Between matches lo <= field <= hi
func Between(field string, lo, hi any) db.QueryCondition {
	return db.QueryCondition{Field: field, Operator: db.OpBetween, Value: []any{lo, hi}}
}

// In matches records whose field equals one of values
func In(field string, values ...any) db.QueryCondition {
	if values == nil {
		values = []any{}
	}
	return db.QueryCondition{Field: field, Operator: db.OpIn, Value: values}
}

// Like matches records whose string field contains substr, ignoring case
func Like(field, substr string) db.QueryCondition {
	return db.QueryCondition{Field: field, Operator: db.OpLike, Value: substr}
}
