package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Sync server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds everything needed to run the reference sync server.
type ServerConfig struct {
	// HTTP api settings
	Endpoint  string
	AuthToken string // empty = no authentication

	// Storage of the change log and the applied records
	Schema  string // optional schema file of the stores remote changes are applied to
	Backend string // indexed, kv or sql
	DataDir string
	Codec   string

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Sync Server")
	addField("Endpoint", c.Endpoint)
	addField("Auth", strconv.FormatBool(c.AuthToken != ""))

	addSection("Storage")
	addField("Backend", c.Backend)
	if c.Schema != "" {
		addField("Schema", c.Schema)
	}
	if c.DataDir != "" {
		addField("Data Directory", c.DataDir)
	} else {
		addField("Data Directory", "(in memory)")
	}
	if c.Backend == "sql" {
		addField("Codec", c.Codec)
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)
	return sb.String()
}

// --------------------------------------------------------------------------
// Sync client configuration struct
// --------------------------------------------------------------------------

// ClientConfig configures the http client of the sync coordinator.
type ClientConfig struct {
	ServerURL  string
	AuthToken  string
	ClientID   string
	Timeout    time.Duration // per request, 0 = 30s
	RetryCount int           // attempts per request, < 1 = 1
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Sync Client")
	addField("Server", c.ServerURL)
	addField("Client ID", c.ClientID)
	addField("Timeout", c.Timeout.String())
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	addField("Auth", strconv.FormatBool(c.AuthToken != ""))

	return sb.String()
}
