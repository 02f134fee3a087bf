package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load builds the configuration from defaults, the optional file at path and
// the process environment, then validates it.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup LookupFunc) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.MergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MergeFile overlays the file at path. The format follows the extension:
// .cue is checked against the schema, .yaml, .yml and .json are decoded
// directly. Unknown fields are rejected.
func (c *Config) MergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		parser, err := NewCUEParser()
		if err != nil {
			return err
		}
		data, err = parser.Parse(path, data)
		if err != nil {
			return err
		}
	case ".yaml", ".yml", ".json":
	default:
		return fmt.Errorf("unsupported config file extension %q (use .yaml, .yml, .json or .cue)", filepath.Ext(path))
	}

	return c.merge(path, data)
}

// merge decodes YAML, of which JSON is a subset, over c.
func (c *Config) merge(path string, data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return &FileError{Path: path, Errors: []ValidationError{{File: path, Message: err.Error()}}}
	}
	return nil
}

// Redacted returns a copy with secrets replaced.
func (c *Config) Redacted() *Config {
	redacted := *c
	if redacted.Server.AdminToken != "" {
		redacted.Server.AdminToken = "REDACTED"
	}
	if redacted.Quota.Redis.Password != "" {
		redacted.Quota.Redis.Password = "REDACTED"
	}
	return &redacted
}

// YAML renders the configuration as YAML. Secrets are redacted.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}
