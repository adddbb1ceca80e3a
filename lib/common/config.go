package common

import (
	"fmt"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Engine configuration struct
// --------------------------------------------------------------------------

// EngineConfig holds everything needed to open a database from the CLI.
type EngineConfig struct {
	// Schema is the path of the YAML/JSON database config
	Schema string
	// Backend is one of indexed, kv, sql
	Backend string
	// DataDir holds the backend files (snapshot, kv file, sqlite database)
	DataDir string
	// Codec is the sql blob codec (json, gob, bson)
	Codec string

	// Result cache
	CacheSize int
	CacheTTL  time.Duration

	// Field encryption
	EncryptionKey       string
	EncryptionAlgorithm string
	EncryptFields       []string

	// Sync
	SyncURL   string
	SyncToken string

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the configuration
func (c *EngineConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Database")
	addField("Schema", c.Schema)
	addField("Backend", c.Backend)
	addField("Data Directory", c.DataDir)
	if c.Backend == "sql" {
		addField("Codec", c.Codec)
	}

	addSection("Cache")
	if c.CacheSize > 0 {
		addField("Max Size", fmt.Sprintf("%d entries", c.CacheSize))
		addField("TTL", c.CacheTTL.String())
	} else {
		addField("Enabled", "false")
	}

	addSection("Encryption")
	if c.EncryptionKey != "" {
		addField("Algorithm", c.EncryptionAlgorithm)
		addField("Key", "********")
		if len(c.EncryptFields) == 0 {
			addField("Fields", "all")
		} else {
			addField("Fields", strings.Join(c.EncryptFields, ", "))
		}
	} else {
		addField("Enabled", "false")
	}

	if c.SyncURL != "" {
		addSection("Sync")
		addField("Server", c.SyncURL)
		addField("Auth", fmt.Sprintf("%t", c.SyncToken != ""))
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)
	return sb.String()
}
