package util

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ValentinKolb/uStore/lib/cache"
	"github.com/ValentinKolb/uStore/lib/common"
	"github.com/ValentinKolb/uStore/lib/db"
	"github.com/ValentinKolb/uStore/lib/encryption"
	"github.com/ValentinKolb/uStore/lib/engine"
	"github.com/ValentinKolb/uStore/lib/registry"
	"github.com/ValentinKolb/uStore/lib/syncmgr"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupDBFlags adds the flags needed to open a database to a command
func SetupDBFlags(cmd *cobra.Command) {
	key := "schema"
	cmd.PersistentFlags().String(key, "schema.yaml", WrapString("Path of the database config (YAML or JSON) with name, version and stores"))

	key = "backend"
	cmd.PersistentFlags().String(key, "sql", WrapString("The storage backend (indexed, kv, sql)"))

	key = "data-dir"
	cmd.PersistentFlags().String(key, "data", WrapString("Directory of the backend files. An empty value keeps the database in memory"))

	key = "codec"
	cmd.PersistentFlags().String(key, "json", WrapString("Record codec of the sql backend (json, gob, bson)"))

	key = "cache-size"
	cmd.PersistentFlags().Int(key, 0, WrapString("Maximum number of cached query results, 0 disables the cache"))

	key = "cache-ttl"
	cmd.PersistentFlags().Duration(key, 5*time.Minute, WrapString("Time to live of cached query results"))

	key = "encryption-key"
	cmd.PersistentFlags().String(key, "", WrapString("Passphrase for field encryption. Encryption is disabled if empty"))

	key = "encryption-algorithm"
	cmd.PersistentFlags().String(key, encryption.DefaultAlgorithm, WrapString("Encryption algorithm (AES-256-GCM, XChaCha20-Poly1305)"))

	key = "encrypt-fields"
	cmd.PersistentFlags().StringSlice(key, nil, WrapString("Comma-separated field names to encrypt. All fields are encrypted if empty"))

	key = "sync-url"
	cmd.PersistentFlags().String(key, "", WrapString("Base URL of the sync server (e.g. http://localhost:8080)"))

	key = "sync-token"
	cmd.PersistentFlags().String(key, "", WrapString("Bearer token sent to the sync server"))
}

// InitConfig loads .env files and makes viper read USTORE_* environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("ustore")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// GetEngineConfig reads the engine configuration from viper
func GetEngineConfig() *common.EngineConfig {
	return &common.EngineConfig{
		Schema:              viper.GetString("schema"),
		Backend:             viper.GetString("backend"),
		DataDir:             viper.GetString("data-dir"),
		Codec:               viper.GetString("codec"),
		CacheSize:           viper.GetInt("cache-size"),
		CacheTTL:            viper.GetDuration("cache-ttl"),
		EncryptionKey:       viper.GetString("encryption-key"),
		EncryptionAlgorithm: viper.GetString("encryption-algorithm"),
		EncryptFields:       viper.GetStringSlice("encrypt-fields"),
		SyncURL:             viper.GetString("sync-url"),
		SyncToken:           viper.GetString("sync-token"),
		LogLevel:            viper.GetString("log-level"),
	}
}

// OpenDatabase creates an engine for conf and opens the configured database.
// A sync coordinator is attached when a sync URL is set; it resumes from the
// sync state saved in the data dir.
func OpenDatabase(ctx context.Context, conf *common.EngineConfig) (*engine.Engine, *engine.Database, error) {
	cfg, err := db.LoadConfig(conf.Schema)
	if err != nil {
		return nil, nil, err
	}
	backend, err := db.ParseBackendType(conf.Backend)
	if err != nil {
		return nil, nil, err
	}
	if conf.DataDir != "" {
		if err := os.MkdirAll(conf.DataDir, 0o755); err != nil {
			return nil, nil, db.Wrap(db.KindBackend, "create data dir", err)
		}
	}

	e := engine.New(engine.Config{
		Registry: []registry.Option{registry.WithDataDir(conf.DataDir), registry.WithCodec(conf.Codec)},
		Cache: cache.Options{
			MaxSize:    conf.CacheSize,
			DefaultTTL: conf.CacheTTL,
			Disabled:   conf.CacheSize <= 0,
		},
	})

	var opts []engine.Option
	if conf.EncryptionKey != "" {
		enc, err := e.NewEncryption(encryption.Config{
			Enabled:    true,
			Key:        conf.EncryptionKey,
			Algorithm:  conf.EncryptionAlgorithm,
			Fields:     conf.EncryptFields,
			EncryptAll: len(conf.EncryptFields) == 0,
		})
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, engine.WithEncryption(enc))
	}
	opts = append(opts, engine.WithMigrator(e.NewMigrator()))

	d, err := e.Open(ctx, cfg, backend, opts...)
	if err != nil {
		_ = e.Close()
		return nil, nil, err
	}

	if conf.SyncURL != "" {
		state, err := LoadSyncState(conf.DataDir, cfg.Name, conf.SyncURL)
		if err != nil {
			_ = e.Close()
			return nil, nil, err
		}
		syncCfg := syncmgr.Config{ServerURL: conf.SyncURL, AuthToken: conf.SyncToken, ClientID: state.ClientID}
		if _, err := e.NewSync(cfg.Name, syncCfg, syncmgr.WithLastSyncTime(state.LastSyncTime)); err != nil {
			_ = e.Close()
			return nil, nil, err
		}
	}
	return e, d, nil
}

// ParseRecord parses a JSON object argument
func ParseRecord(arg string) (db.Record, error) {
	var r db.Record
	if err := json.Unmarshal([]byte(arg), &r); err != nil || r == nil {
		return nil, fmt.Errorf("record must be a JSON object: %s", arg)
	}
	return r, nil
}

// ParseKey parses a key argument: JSON numbers become numeric keys,
// everything else is used as a string key
func ParseKey(arg string) any {
	var f float64
	if err := json.Unmarshal([]byte(arg), &f); err == nil {
		return f
	}
	return arg
}

// PrintJSON writes v as indented JSON to stdout
func PrintJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
