package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/uStore/cmd/database"
	"github.com/ValentinKolb/uStore/cmd/serve"
	"github.com/ValentinKolb/uStore/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "ustore",
		Short: "embeddable multi-backend record store",
		Long: fmt.Sprintf(`uStore (v%s)

An embeddable record store written in Go. Databases of named stores run on
interchangeable backends (indexed, kv, sql) with atomic transactions, field
encryption, result caching, schema migrations and change synchronization.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of uStore",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("uStore v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(database.DatabaseCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "log-level"
	RootCmd.PersistentFlags().String(key, "warn", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
