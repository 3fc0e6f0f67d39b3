// Package config loads the process configuration: where the state
// database lives, how the daemon logs, and the knobs shared by every
// engine. Sources themselves are configured in the state store, not
// here.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults for a config file with missing keys.
const (
	DefaultDBFile        = "syncd.db"
	DefaultLogLevel      = "info"
	DefaultWorkers       = 4
	DefaultWriterTimeout = 30 * time.Second
	DefaultConfigRefresh = 30 * time.Second
)

// Config is the syncd.toml schema.
type Config struct {
	DBPath    string `toml:"db_path"`
	LogLevel  string `toml:"log_level"`  // debug | info | warn | error
	LogFormat string `toml:"log_format"` // text | json | auto

	Workers              int `toml:"workers"`
	WriterTimeoutSeconds int `toml:"writer_timeout_seconds"`
	ConfigRefreshSeconds int `toml:"config_refresh_seconds"`

	Processor ProcessorConfig `toml:"processor"`
	Writers   WritersConfig   `toml:"writers"`
}

// ProcessorConfig locates the document processing service.
type ProcessorConfig struct {
	URL string `toml:"url"`
}

// WritersConfig locates the three index writer services.
type WritersConfig struct {
	VectorURL string `toml:"vector_url"`
	SearchURL string `toml:"search_url"`
	GraphURL  string `toml:"graph_url"`
}

// ValidateDaemon checks the keys the long-running daemon requires.
// One-shot admin commands work without them.
func (c *Config) ValidateDaemon() error {
	if c.Processor.URL == "" {
		return errors.New("config: processor.url is required to run the daemon")
	}

	if c.Writers.VectorURL == "" || c.Writers.SearchURL == "" || c.Writers.GraphURL == "" {
		return errors.New("config: writers.vector_url, writers.search_url and writers.graph_url are required to run the daemon")
	}

	return nil
}

// Load reads the TOML file at path, applies defaults for absent keys,
// and honors SYNCD_DB_PATH / SYNCD_LOG_LEVEL environment overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		meta, err := toml.DecodeFile(path, cfg)

		switch {
		case errors.Is(err, os.ErrNotExist):
			// Defaults only.
		case err != nil:
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		default:
			if undecoded := meta.Undecoded(); len(undecoded) > 0 {
				return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0].String(), path)
			}
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	return cfg, cfg.validate()
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(defaultStateDir(), DefaultDBFile)
	}

	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.LogFormat == "" {
		c.LogFormat = "auto"
	}

	if c.Workers < 1 {
		c.Workers = DefaultWorkers
	}

	if c.WriterTimeoutSeconds < 1 {
		c.WriterTimeoutSeconds = int(DefaultWriterTimeout / time.Second)
	}

	if c.ConfigRefreshSeconds < 1 {
		c.ConfigRefreshSeconds = int(DefaultConfigRefresh / time.Second)
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SYNCD_DB_PATH"); v != "" {
		c.DBPath = v
	}

	if v := os.Getenv("SYNCD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json", "auto":
	default:
		return fmt.Errorf("config: invalid log_format %q", c.LogFormat)
	}

	return nil
}

// WriterTimeout returns the per-writer-call deadline.
func (c *Config) WriterTimeout() time.Duration {
	return time.Duration(c.WriterTimeoutSeconds) * time.Second
}

// ConfigRefresh returns the supervisor's config reload cadence.
func (c *Config) ConfigRefresh() time.Duration {
	return time.Duration(c.ConfigRefreshSeconds) * time.Second
}

// defaultStateDir resolves the per-user state directory, preferring
// XDG_STATE_HOME and falling back to ~/.local/state.
func defaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "syncd")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".local", "state", "syncd")
}
