// Package testing provides the conformance tests and benchmarks every
// db.IDriver implementation has to pass.
//
// The package contains:
//   - RunDriverTests: lifecycle, CRUD, key order, query semantics, indexes,
//     transactions with rollback, schema changes and concurrent access
//   - RunDriverBenchmarks: throughput of the common operations
//
// All tests run against the schema returned by TestConfig.
//
// Example usage:
//
//	factory := func(t testing.TB, cfg db.DatabaseConfig) db.IDriver {
//		return mydriver.NewDriver(cfg, nil)
//	}
//
//	dbtesting.RunDriverTests(t, "MyDriver", factory)
//	dbtesting.RunDriverBenchmarks(b, "MyDriver", factory)
package testing
