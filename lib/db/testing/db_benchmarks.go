package testing

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/uStore/lib/db"
)

// RunDriverBenchmarks runs all benchmarks for a driver implementation
func RunDriverBenchmarks(b *testing.B, name string, factory DriverFactory) {
	b.Run(name, func(b *testing.B) {

		b.Run("Put", func(b *testing.B) {
			benchmarkPut(b, open(b, factory))
		})

		b.Run("Get", func(b *testing.B) {
			benchmarkGet(b, open(b, factory))
		})

		b.Run("QueryIndexed", func(b *testing.B) {
			benchmarkQuery(b, open(b, factory), "city")
		})

		b.Run("QueryScan", func(b *testing.B) {
			benchmarkQuery(b, open(b, factory), "name")
		})

		b.Run("Transaction", func(b *testing.B) {
			benchmarkTransaction(b, open(b, factory))
		})

		b.Run("MixedUsage", func(b *testing.B) {
			benchmarkMixedUsage(b, open(b, factory))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

const benchRecords = 1000

var cities = []string{"Berlin", "Paris", "Rome", "Oslo", "Vienna"}

func benchUser(i int) db.Record {
	return db.Record{
		"id":    fmt.Sprintf("u%06d", i),
		"name":  fmt.Sprintf("user %d", i),
		"email": fmt.Sprintf("user%d@x.io", i),
		"city":  cities[i%len(cities)],
		"age":   float64(18 + i%60),
	}
}

func fill(b *testing.B, driver db.IDriver) {
	b.Helper()
	for i := 0; i < benchRecords; i++ {
		if _, err := driver.Put(context.Background(), "users", benchUser(i)); err != nil {
			b.Fatal(err)
		}
	}
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// Benchmark for Put operation
func benchmarkPut(b *testing.B, driver db.IDriver) {
	ctx := context.Background()
	var counter atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := int(counter.Add(1))
			if _, err := driver.Put(ctx, "settings", db.Record{"key": fmt.Sprintf("k%d", i%benchRecords), "value": i}); err != nil {
				b.Error(err)
			}
		}
	})
}

// Benchmark for Get operation on existing keys
func benchmarkGet(b *testing.B, driver db.IDriver) {
	ctx := context.Background()
	fill(b, driver)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			if _, err := driver.Get(ctx, "users", fmt.Sprintf("u%06d", r.Intn(benchRecords))); err != nil {
				b.Error(err)
			}
		}
	})
}

// Benchmark for an eq query, on an indexed or a plain field
func benchmarkQuery(b *testing.B, driver db.IDriver, field string) {
	ctx := context.Background()
	fill(b, driver)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		value := cities[i%len(cities)]
		if field == "name" {
			value = fmt.Sprintf("user %d", i%benchRecords)
		}
		if _, err := driver.Query(ctx, "users", []db.QueryCondition{{Field: field, Operator: db.OpEq, Value: value}}, nil); err != nil {
			b.Fatal(err)
		}
	}
}

// Benchmark for a small multi-store batch
func benchmarkTransaction(b *testing.B, driver db.IDriver) {
	ctx := context.Background()
	fill(b, driver)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		err := driver.Transaction(ctx, []db.TransactionOperation{
			{Type: db.TxUpdate, Store: "users", Key: fmt.Sprintf("u%06d", i%benchRecords), Data: db.Record{"age": float64(i % 90)}},
			{Type: db.TxPut, Store: "settings", Data: db.Record{"key": "last", "value": i}},
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}

// Benchmark for a read-heavy mix (80% get, 15% put, 5% query)
func benchmarkMixedUsage(b *testing.B, driver db.IDriver) {
	ctx := context.Background()
	fill(b, driver)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			i := r.Intn(benchRecords)
			var err error
			switch op := r.Intn(100); {
			case op < 80:
				_, err = driver.Get(ctx, "users", fmt.Sprintf("u%06d", i))
			case op < 95:
				_, err = driver.Put(ctx, "users", benchUser(i))
			default:
				_, err = driver.Count(ctx, "users", []db.QueryCondition{{Field: "city", Operator: db.OpEq, Value: cities[i%len(cities)]}})
			}
			if err != nil {
				b.Error(err)
			}
		}
	})
}
