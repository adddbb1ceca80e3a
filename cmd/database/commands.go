package database

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ValentinKolb/uStore/cmd/util"
	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/lib/db/query"
	"github.com/ValentinKolb/uStore/lib/registry"
	"github.com/spf13/cobra"
)

var (
	addCmd = &cobra.Command{
		Use:   "add [store] [record]",
		Short: "Inserts a record, fails if the key exists",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := util.ParseRecord(args[1])
			if err != nil {
				return err
			}
			return output(database.Add(cmd.Context(), args[0], record))
		},
	}
	putCmd = &cobra.Command{
		Use:   "put [store] [record]",
		Short: "Inserts or replaces a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := util.ParseRecord(args[1])
			if err != nil {
				return err
			}
			return output(database.Put(cmd.Context(), args[0], record))
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [store] [key]",
		Short: "Reads the record with a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return output(database.Get(cmd.Context(), args[0], util.ParseKey(args[1])))
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [store] [key]",
		Short: "Deletes the record with a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return output(database.Delete(cmd.Context(), args[0], util.ParseKey(args[1])))
		},
	}
	getAllCmd = &cobra.Command{
		Use:   "getall [store]",
		Short: "Lists every record of a store in key order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return output(database.GetAll(cmd.Context(), args[0]))
		},
	}
	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Runs a query",
		Long: `Runs a query given as SQL:

  ustore db query "SELECT * FROM users WHERE age >= 18 AND city IN ('Berlin', 'Paris') ORDER BY name LIMIT 10"

Only AND-joined comparisons are supported (=, <, <=, >, >=, BETWEEN, IN, LIKE).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := query.ParseSQL(args[0])
			if err != nil {
				return err
			}
			if parsed.Store == "" {
				return fmt.Errorf("query needs a SELECT ... FROM <store> statement")
			}
			return output(database.Query(cmd.Context(), parsed.Store, parsed.Conditions, parsed.Options))
		},
	}
	countCmd = &cobra.Command{
		Use:   "count [store] [where]",
		Short: "Counts the records of a store, optionally matching a condition",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var conditions []db.QueryCondition
			if len(args) == 2 {
				parsed, err := query.ParseSQL(args[1])
				if err != nil {
					return err
				}
				conditions = parsed.Conditions
			}
			return output(database.Count(cmd.Context(), args[0], conditions))
		},
	}
	clearCmd = &cobra.Command{
		Use:   "clear [store]",
		Short: "Removes every record of a store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return output(database.Clear(cmd.Context(), args[0]))
		},
	}
	txnCmd = &cobra.Command{
		Use:   "txn [operations]",
		Short: "Applies a batch of operations atomically",
		Long: `Applies a JSON array of operations atomically. Use "-" to read the batch from stdin:

  ustore db txn '[{"type":"put","store":"settings","data":{"key":"theme","value":"dark"}},
                  {"type":"delete","store":"settings","key":"old"}]'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(args[0])
			if args[0] == "-" {
				var err error
				if raw, err = io.ReadAll(os.Stdin); err != nil {
					return err
				}
			}
			var ops []db.TransactionOperation
			if err := json.Unmarshal(raw, &ops); err != nil {
				return fmt.Errorf("operations must be a JSON array: %w", err)
			}
			return output(database.Transaction(cmd.Context(), ops))
		},
	}
	storesCmd = &cobra.Command{
		Use:   "stores",
		Short: "Lists the stores of the database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := database.Stats(cmd.Context()).Unwrap()
			if err != nil {
				return err
			}
			perStore := make(map[string]registry.StoreStats, len(stats.Stores))
			for _, st := range stats.Stores {
				perStore[st.Name] = st
			}

			cfg := database.Config()
			fmt.Printf("%s (version %d, %s, %d records, spread %.2f)\n", cfg.Name, cfg.Version, stats.Backend, stats.Records, stats.Distribution.Quality)
			for _, sc := range cfg.Stores {
				st := perStore[sc.Name]
				line := fmt.Sprintf("  %-20s records=%-6d bytes=%-8d p99=%-6d key=%s", sc.Name, st.Records, st.SizeBytes, st.P99Size, sc.KeyPath)
				if sc.AutoIncrement {
					line += " auto-increment"
				}
				var indexes []string
				for _, idx := range sc.Indexes {
					indexes = append(indexes, idx.Name)
				}
				if len(indexes) > 0 {
					line += " indexes=" + strings.Join(indexes, ",")
				}
				fmt.Println(line)
			}
			if ns := stats.Namespace; ns != nil {
				fmt.Printf("namespaces: %d keys, %d bytes, %d shards (balance %.2f)\n",
					ns.Keys, ns.SizeBytes, ns.ShardCount, ns.ShardDistribution.Quality)
			}
			return nil
		},
	}
	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Pulls the remote changes from the sync server",
		Long:  "Runs one sync with the server given by --sync-url. Local changes of the other db commands are pushed when each command finishes, so this mainly applies remote changes.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := database.Sync()
			if m == nil {
				return fmt.Errorf("sync needs --sync-url")
			}
			res, err := m.Sync(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("uploaded=%d downloaded=%d applied=%d conflicts=%d\n", res.Uploaded, res.Downloaded, res.Applied, res.Conflicts)
			return nil
		},
	}
)

// output prints the result as JSON and turns a failure into an error
func output[T any](res db.Result[T]) error {
	if !res.Success {
		return res.Err()
	}
	return util.PrintJSON(res)
}
