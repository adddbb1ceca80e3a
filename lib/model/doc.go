// Package model provides typed access to the stores of an engine.Database.
//
// Conditions are built with Eq, Gt, Gte, Lt, Lte, Between, In and Like.
// Model[T] maps a Go type to the records of one store, assigns UUIDv7 ids
// and maintains createdAt and updatedAt timestamps.
//
// Example usage:
//
//	type User struct {
//		model.Entity
//		Name string `json:"name"`
//		Age  int    `json:"age"`
//	}
//
//	users, _ := model.New[User](database, "users")
//	alice, _ := users.Create(ctx, User{Name: "Alice", Age: 30})
//	adults, _ := users.Where(model.Gte("age", 18)).OrderBy("name", db.Asc).Limit(10).All(ctx)
package model
