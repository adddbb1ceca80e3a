package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/uStore/cmd/util"
	"github.com/ValentinKolb/uStore/lib/common"
	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/lib/registry"
	rpcCommon "github.com/ValentinKolb/uStore/rpc/common"
	"github.com/ValentinKolb/uStore/rpc/server"
	transportHttp "github.com/ValentinKolb/uStore/rpc/transport/http"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &rpcCommon.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the uStore sync server",
		Long:    `Start the sync server with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is USTORE_<flag> (e.g. USTORE_AUTH_TOKEN=secret)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the API will listen"))

	key = "auth-token"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Bearer token clients have to send. Authentication is disabled if empty"))

	key = "schema"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Optional database config (YAML or JSON). Remote changes of its stores are applied to the server database, otherwise changes are only logged"))

	key = "backend"
	ServeCmd.PersistentFlags().String(key, "sql", cmdUtil.WrapString("The storage backend of the server database (indexed, kv, sql)"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("DataDir is the directory of the server database files. An empty value keeps the change log in memory"))

	key = "codec"
	ServeCmd.PersistentFlags().String(key, "json", cmdUtil.WrapString("Record codec of the sql backend (json, gob, bson)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// read the configuration from the command line flags and environment variables
	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.AuthToken = viper.GetString("auth-token")
	serveCmdConfig.Schema = viper.GetString("schema")
	serveCmdConfig.Backend = viper.GetString("backend")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.Codec = viper.GetString("codec")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	if serveCmdConfig.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if _, err := db.ParseBackendType(serveCmdConfig.Backend); err != nil {
		return err
	}
	return nil
}

// run starts the sync server and stops it on SIGINT or SIGTERM
func run(cmd *cobra.Command, _ []string) error {
	if err := common.InitLoggers(serveCmdConfig.LogLevel); err != nil {
		return err
	}
	defer common.SyncLoggers()

	cfg := db.DatabaseConfig{Name: "ustore-sync", Version: 1}
	if serveCmdConfig.Schema != "" {
		var err error
		if cfg, err = db.LoadConfig(serveCmdConfig.Schema); err != nil {
			return err
		}
	}
	cfg = server.WithLogStore(cfg)

	if serveCmdConfig.DataDir != "" {
		if err := os.MkdirAll(serveCmdConfig.DataDir, 0o755); err != nil {
			return err
		}
	}

	reg := registry.New(registry.WithDataDir(serveCmdConfig.DataDir), registry.WithCodec(serveCmdConfig.Codec))
	defer reg.Close()

	backend, _ := db.ParseBackendType(serveCmdConfig.Backend)
	driver, err := reg.Register(cmd.Context(), cfg, backend)
	if err != nil {
		return err
	}

	serv, err := server.NewSyncServer(*serveCmdConfig, driver, transportHttp.NewHttpServerTransport())
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- serv.Serve() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-stop:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return serv.Shutdown(ctx)
	}
}

// initConfig reads in .env files and ENV variables if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("ustore")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}
