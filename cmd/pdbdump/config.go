package main

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

//go:embed default_config.yaml
var defaultConfigYAML []byte

// maxConfigSize bounds the size of a config file.
const maxConfigSize = 1 << 20

// Config holds the pdbdump settings.
type Config struct {
	// LogLevel is the minimum slog level: debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	// LogFormat selects the slog handler: text or json.
	LogFormat string `yaml:"log_format"`

	// Pretty indents JSON output.
	Pretty bool `yaml:"pretty"`

	// Trace prints spans to stderr.
	Trace bool `yaml:"trace"`

	// Concurrency bounds how many PDBs are read at once. Zero means
	// GOMAXPROCS.
	Concurrency int `yaml:"concurrency"`

	// ConstantCacheSize is the per-reader constant cache capacity.
	ConstantCacheSize uint32 `yaml:"constant_cache_size"`

	// Assembly makes inputs assemblies with an embedded PDB.
	Assembly bool `yaml:"assembly"`
}

// loadConfig returns the embedded defaults overlaid with the file at path,
// if any.
func loadConfig(path string) (*Config, error) {
	var cfg Config
	if err := decodeConfig(defaultConfigYAML, &cfg); err != nil {
		return nil, fmt.Errorf("parsing default config: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if len(data) > maxConfigSize {
			return nil, fmt.Errorf("config %s exceeds maximum size (%d > %d)", path, len(data), maxConfigSize)
		}
		if err := decodeConfig(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	return &cfg, nil
}

// decodeConfig overlays the YAML document in data onto cfg. Unknown keys
// are rejected.
func decodeConfig(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// validate checks the settings and fills in derived defaults.
func (c *Config) validate() error {
	if _, err := c.level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", c.Concurrency)
	}
	if c.Concurrency == 0 {
		c.Concurrency = runtime.GOMAXPROCS(0)
	}
	if c.ConstantCacheSize == 0 {
		return errors.New("constant_cache_size must be positive")
	}
	return nil
}

func (c *Config) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}
