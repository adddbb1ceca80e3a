package database

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/uStore/cmd/util"
	"github.com/ValentinKolb/uStore/lib/db"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for a database backend",
		Long:    "Benchmarks the facade operations against one store of the opened database. The store should not hold data you want to keep: its benchmark keys are deleted afterwards.",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix  = "__perf"
	perfStore      = ""
	perfNumThreads = 10
	perfKeySpread  = 100
	perfSkip       = make([]string, 0)
)

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. put,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "store"
	perfTestCmd.Flags().String(key, "", util.WrapString("Store to benchmark, defaults to the first store without auto-increment"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfKeySpread = max(viper.GetInt("keys"), 1)
	perfNumThreads = max(viper.GetInt("threads"), 1)
	perfSkip = strings.Split(viper.GetString("skip"), ",")
	perfStore = viper.GetString("store")

	if perfStore == "" {
		for _, sc := range database.Config().Stores {
			if !sc.AutoIncrement {
				perfStore = sc.Name
				break
			}
		}
	}
	if perfStore == "" {
		return fmt.Errorf("no store to benchmark, use --store")
	}
	return nil
}

// benchmark is one named test. prepare runs before the timer starts, op is
// called in parallel with the running counter of its goroutine.
type benchmark struct {
	name    string
	prepare bool
	op      func(ctx context.Context, key string, i int) error
}

func runPerf(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	sc, ok := database.Config().Store(perfStore)
	if !ok {
		return fmt.Errorf("store %s not found", perfStore)
	}

	fmt.Println("Performance testing tool for uStore databases")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetEngineConfig().String())
	fmt.Printf("Store: %s\n", perfStore)
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("starting tests...")

	record := func(key string, i int) db.Record {
		r := db.Record{"value": "test", "n": float64(i)}
		db.SetFieldValue(r, sc.KeyPath, key)
		return r
	}

	benchmarks := []benchmark{
		{name: "put", op: func(ctx context.Context, key string, i int) error {
			return database.Put(ctx, perfStore, record(key, i)).Err()
		}},
		{name: "get", prepare: true, op: func(ctx context.Context, key string, _ int) error {
			return database.Get(ctx, perfStore, key).Err()
		}},
		{name: "query", prepare: true, op: func(ctx context.Context, _ string, i int) error {
			conditions := []db.QueryCondition{{Field: "n", Operator: db.OpGte, Value: float64(i % perfKeySpread)}}
			return database.Query(ctx, perfStore, conditions, &db.QueryOptions{Limit: 10}).Err()
		}},
		{name: "delete", prepare: true, op: func(ctx context.Context, key string, _ int) error {
			return database.Delete(ctx, perfStore, key).Err()
		}},
		{name: "txn", op: func(ctx context.Context, key string, i int) error {
			return database.Transaction(ctx, []db.TransactionOperation{
				{Type: db.TxPut, Store: perfStore, Data: record(key, i)},
				{Type: db.TxUpdate, Store: perfStore, Key: key, Data: db.Record{"value": "updated"}},
			}).Err()
		}},
		{name: "mixed", prepare: true, op: func(ctx context.Context, key string, i int) error {
			switch i % 4 {
			case 0: // put
				return database.Put(ctx, perfStore, record(key, i)).Err()
			case 1: // get, the key may be deleted
				if err := database.Get(ctx, perfStore, key).Err(); !errors.Is(err, db.ErrNotFound) {
					return err
				}
				return nil
			case 2: // delete
				return database.Delete(ctx, perfStore, key).Err()
			default: // count
				return database.Count(ctx, perfStore, nil).Err()
			}
		}},
	}

	// Create results map, latencies are sampled per operation
	results := make(map[string]testing.BenchmarkResult)
	latencies := gometrics.NewRegistry()
	for _, bm := range benchmarks {
		timer := gometrics.GetOrRegisterTimer(bm.name, latencies)
		result := testing.Benchmark(func(b *testing.B) {
			if shouldSkip(bm.name) {
				return
			}

			// prepare keys
			getKey, iter := getKeys(bm.name)

			// set keys
			if bm.prepare {
				n := 0
				iter(func(k string) {
					if err := database.Put(ctx, perfStore, record(k, n)).Err(); err != nil {
						log.Printf("(%s) - error putting key: %v\n", bm.name, err)
					}
					n++
				})
			}

			// cleanup
			b.Cleanup(func() {
				iter(func(k string) {
					if err := database.Delete(ctx, perfStore, k).Err(); err != nil {
						log.Printf("(%s) - error deleting key: %v\n", bm.name, err)
					}
				})
			})

			b.SetParallelism(perfNumThreads)

			b.ResetTimer()

			b.RunParallel(func(pb *testing.PB) {
				counter := 0
				for pb.Next() {
					start := time.Now()
					if err := bm.op(ctx, getKey(counter), counter); err != nil {
						log.Printf("(%s) - error: %v\n", bm.name, err)
					}
					timer.UpdateSince(start)
					counter++
				}
			})
		})

		results[bm.name] = result
		printResult(bm.name, result, timer)
	}

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// creates an array of test keys and functions to work with them
func getKeys(prefix string) (func(int) string, func(func(string))) {
	keys := make([]string, perfKeySpread)
	for i := 0; i < perfKeySpread; i++ {
		keys[i] = fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i)
	}

	// Function to get a key by index (with wraparound)
	getKey := func(i int) string {
		return keys[i%perfKeySpread]
	}

	// Function to iterate over all keys and apply a function to each
	iterateKeys := func(fn func(string)) {
		for _, key := range keys {
			fn(key)
		}
	}

	return getKey, iterateKeys
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult, timer gometrics.Timer) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// Print the formatted result
	ps := timer.Percentiles([]float64{0.5, 0.99})
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\tp50=%s p99=%s\n",
		test, nsPerOp, time.Duration(nsPerOp), opsPerSec, time.Duration(ps[0]), time.Duration(ps[1]))
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult) error {
	config := util.GetEngineConfig()

	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Backend", "Codec", "Store", "CacheSize", "Encrypted",
		"Threads", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		var skipped string

		if result.NsPerOp() == 0 {
			skipped = "true"
		} else {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			config.Backend,
			config.Codec,
			perfStore,
			strconv.Itoa(config.CacheSize),
			strconv.FormatBool(config.EncryptionKey != ""),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
