package db

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads a database config from a YAML or JSON file (chosen by extension).
func LoadConfig(path string) (DatabaseConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DatabaseConfig{}, fmt.Errorf("load config: %w", err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	return ParseConfig(data, format)
}

// ParseConfig decodes a database config. Format is "json", "yaml" or "yml".
func ParseConfig(data []byte, format string) (DatabaseConfig, error) {
	var cfg DatabaseConfig
	switch format {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return DatabaseConfig{}, Wrap(KindValidation, "decode json config", err)
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return DatabaseConfig{}, Wrap(KindValidation, "decode yaml config", err)
		}
	default:
		return DatabaseConfig{}, Errorf(KindValidation, "unsupported config format %q", format)
	}
	if err := cfg.Validate(); err != nil {
		return DatabaseConfig{}, err
	}
	return cfg, nil
}

// Validate checks the config for missing names and duplicates.
func (c DatabaseConfig) Validate() error {
	if c.Name == "" {
		return NewError(KindValidation, "database name is required")
	}
	if strings.Contains(c.Name, "/") {
		return Errorf(KindValidation, "database %s: name must not contain '/'", c.Name)
	}
	if c.Version < 1 {
		return Errorf(KindValidation, "database %s: version must be >= 1, got %d", c.Name, c.Version)
	}
	stores := make(map[string]struct{}, len(c.Stores))
	for _, s := range c.Stores {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("database %s: %w", c.Name, err)
		}
		if _, dup := stores[s.Name]; dup {
			return Errorf(KindValidation, "database %s: duplicate store %s", c.Name, s.Name)
		}
		stores[s.Name] = struct{}{}
	}
	return nil
}

// Validate checks a single store declaration.
func (s StoreConfig) Validate() error {
	if s.Name == "" {
		return NewError(KindValidation, "store name is required")
	}
	if strings.Contains(s.Name, "|") {
		return Errorf(KindValidation, "store %s: name must not contain '|'", s.Name)
	}
	if s.KeyPath == "" {
		return Errorf(KindValidation, "store %s: keyPath is required", s.Name)
	}
	indexes := make(map[string]struct{}, len(s.Indexes))
	for _, idx := range s.Indexes {
		if idx.Name == "" || idx.KeyPath == "" {
			return Errorf(KindValidation, "store %s: index name and keyPath are required", s.Name)
		}
		if _, dup := indexes[idx.Name]; dup {
			return Errorf(KindValidation, "store %s: duplicate index %s", s.Name, idx.Name)
		}
		indexes[idx.Name] = struct{}{}
	}
	return nil
}
