// Package config loads vaultsync configuration from a YAML file and
// environment overrides, and watches the file for live tuning changes.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/dskora/vaultsync/internal/vault/schema"
)

// Config holds every tunable the sync engine and daemon expose.
type Config struct {
	// MongoURI is the remote document store connection string.
	MongoURI string `mapstructure:"mongo_uri"`

	// Database is the remote database name.
	Database string `mapstructure:"database"`

	// CachePath is the local cache SQLite file.
	CachePath string `mapstructure:"cache_path"`

	// Collections lists the collections to synchronize.
	Collections []string `mapstructure:"collections"`

	// BootstrapOnly lists collections exempted from the time-delta
	// filter; they always take the full bootstrap path.
	BootstrapOnly []string `mapstructure:"bootstrap_only"`

	// Users lists the user ids the daemon keeps fresh.
	Users []string `mapstructure:"users"`

	// PageSize is the remote page size for bootstrap and delta pulls.
	PageSize int `mapstructure:"page_size"`

	// ChunkSize is the snapshot chunk length.
	ChunkSize int `mapstructure:"chunk_size"`

	// AutoSnapshot enables incremental chunk appends after live bursts.
	AutoSnapshot bool `mapstructure:"auto_snapshot"`

	// DashboardPort is the WebSocket event feed port (0 disables).
	DashboardPort int `mapstructure:"dashboard_port"`

	// LogFile, when set, routes daemon logs to a rotated file instead
	// of stderr.
	LogFile string `mapstructure:"log_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MongoURI:      "mongodb://localhost:27017",
		Database:      "vault",
		CachePath:     ".vaultsync/cache.db",
		Collections:   schema.DefaultCollections(),
		BootstrapOnly: []string{schema.CollectionCategories, schema.CollectionStatuses},
		PageSize:      500,
		ChunkSize:     2000,
		AutoSnapshot:  true,
		DashboardPort: 8701,
	}
}

// Load reads configuration from the given file (optional) with environment
// overrides under the VAULTSYNC_ prefix, on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	def := Default()
	v.SetDefault("mongo_uri", def.MongoURI)
	v.SetDefault("database", def.Database)
	v.SetDefault("cache_path", def.CachePath)
	v.SetDefault("collections", def.Collections)
	v.SetDefault("bootstrap_only", def.BootstrapOnly)
	v.SetDefault("page_size", def.PageSize)
	v.SetDefault("chunk_size", def.ChunkSize)
	v.SetDefault("auto_snapshot", def.AutoSnapshot)
	v.SetDefault("dashboard_port", def.DashboardPort)

	v.SetEnvPrefix("VAULTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.MongoURI == "" {
		return fmt.Errorf("mongo_uri is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.CachePath == "" {
		return fmt.Errorf("cache_path is required")
	}
	if len(c.Collections) == 0 {
		return fmt.Errorf("at least one collection is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive (got %d)", c.PageSize)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive (got %d)", c.ChunkSize)
	}
	known := make(map[string]bool, len(c.Collections))
	for _, name := range c.Collections {
		known[name] = true
	}
	for _, name := range c.BootstrapOnly {
		if !known[name] {
			return fmt.Errorf("bootstrap_only collection %q is not in collections", name)
		}
	}
	return nil
}

// BootstrapOnlySet returns the exempted collections as a lookup set.
func (c *Config) BootstrapOnlySet() map[string]bool {
	set := make(map[string]bool, len(c.BootstrapOnly))
	for _, name := range c.BootstrapOnly {
		set[name] = true
	}
	return set
}
