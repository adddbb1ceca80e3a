package database

import (
	"fmt"

	"github.com/ValentinKolb/uStore/cmd/util"
	"github.com/ValentinKolb/uStore/lib/common"
	"github.com/ValentinKolb/uStore/lib/engine"
	"github.com/spf13/cobra"
)

var (
	dbEngine *engine.Engine
	database *engine.Database

	// DatabaseCommands represents the db command group
	DatabaseCommands = &cobra.Command{
		Use:                "db",
		Short:              "Perform operations on a local database",
		Long:               "Open the database described by --schema on the selected backend and operate on its stores. Records and keys are given as JSON.",
		PersistentPreRunE:  openDatabase,
		PersistentPostRunE: closeDatabase,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add database flags
	util.SetupDBFlags(DatabaseCommands)

	// Add subcommands
	DatabaseCommands.AddCommand(addCmd)
	DatabaseCommands.AddCommand(putCmd)
	DatabaseCommands.AddCommand(getCmd)
	DatabaseCommands.AddCommand(delCmd)
	DatabaseCommands.AddCommand(getAllCmd)
	DatabaseCommands.AddCommand(queryCmd)
	DatabaseCommands.AddCommand(countCmd)
	DatabaseCommands.AddCommand(clearCmd)
	DatabaseCommands.AddCommand(txnCmd)
	DatabaseCommands.AddCommand(storesCmd)
	DatabaseCommands.AddCommand(syncCmd)
	DatabaseCommands.AddCommand(perfTestCmd)
}

// openDatabase initializes the loggers and opens the configured database
func openDatabase(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	config := util.GetEngineConfig()
	if err := common.InitLoggers(config.LogLevel); err != nil {
		return err
	}

	var err error
	dbEngine, database, err = util.OpenDatabase(cmd.Context(), config)
	return err
}

// closeDatabase pushes pending changes to the sync server, saves the sync
// state and closes the engine
func closeDatabase(cmd *cobra.Command, _ []string) error {
	defer common.SyncLoggers()
	if dbEngine == nil {
		return nil
	}
	defer dbEngine.Close()

	m := database.Sync()
	if m == nil {
		return nil
	}
	if len(m.Pending()) > 0 {
		if _, err := m.Sync(cmd.Context()); err != nil {
			return fmt.Errorf("push changes: %w", err)
		}
	}
	return util.SaveDatabaseSyncState(util.GetEngineConfig(), database)
}
