// Package config loads and validates schedNERD configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DataDirName is the workspace-relative directory holding all runtime state.
const DataDirName = ".schednerd"

// Config holds all schedNERD configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Data directory (absolute, or relative to the workspace root)
	Data DataConfig `yaml:"data"`

	// Sharded TTL cache
	Cache CacheConfig `yaml:"cache"`

	// Transaction manager
	Transactions TransactionsConfig `yaml:"transactions"`

	// Feedback store and reranker
	Feedback FeedbackConfig `yaml:"feedback"`

	// Active learning review queue
	Review ReviewConfig `yaml:"review"`

	// Knowledge graph
	KG KGConfig `yaml:"kg"`

	// Audit finding pipeline
	Audit AuditConfig `yaml:"audit"`

	// Query context enrichment
	Enrich EnrichConfig `yaml:"enrich"`

	// Pattern dictionaries
	Patterns PatternsConfig `yaml:"patterns"`

	// Metrics / health endpoint
	Server ServerConfig `yaml:"server"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DataConfig configures where runtime state lives.
type DataConfig struct {
	Dir string `yaml:"dir"`
}

// PatternsConfig configures the pattern dictionary source.
type PatternsConfig struct {
	// Path to a YAML pattern table overriding the built-in defaults.
	// Empty means built-ins only.
	Path string `yaml:"path"`

	// HotReload watches Path and swaps the table on change.
	HotReload bool `yaml:"hot_reload"`
}

// ServerConfig configures the local metrics/health endpoint.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "schedNERD",
		Version: "1.0.0",

		Data: DataConfig{
			Dir: DataDirName,
		},

		Cache: CacheConfig{
			TTLSeconds:             3600,
			CleanupIntervalSeconds: 60,
			NumShards:              16,
			MaxEntries:             100000,
			MaxMemoryMB:            100,
			EnableWAL:              true,
			WALMaxSegmentMB:        10,
			WALRetentionHours:      24,
			ParanoiaMode:           false,
			WarmingIntervalSeconds: 300,
			WarmingMinAccess:       5,
			SnapshotMaxAgeHours:    168,
		},

		Transactions: TransactionsConfig{
			MaxActive:      100,
			TimeoutSeconds: 300,
		},

		Feedback: FeedbackConfig{
			Weight:                0.3,
			DecayWindowDays:       30,
			AuditRecordMaxAgeDays: 90,
		},

		Review: ReviewConfig{
			MaxAgeDays: 30,
		},

		KG: KGConfig{
			CacheTTLSeconds:     300,
			SyncIntervalSeconds: 60,
		},

		Audit: AuditConfig{
			LLMEnabled:     false,
			LLMModel:       "gemini-2.5-flash",
			LLMMaxTriplets: 3,
		},

		Enrich: EnrichConfig{
			MaxContextChars: 500,
			MaxDependencies: 3,
		},

		Patterns: PatternsConfig{
			HotReload: true,
		},

		Server: ServerConfig{
			ListenAddr: "127.0.0.1:9732",
		},

		Logging: LoggingConfig{
			Debug: false,
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("SCHEDNERD_DATA_DIR"); dir != "" {
		c.Data.Dir = dir
	}
	if os.Getenv("SCHEDNERD_DEBUG") != "" {
		c.Logging.Debug = true
		c.Logging.Level = "debug"
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Audit.LLMAPIKey = key
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Cache.NumShards < 1 {
		return fmt.Errorf("cache.num_shards must be >= 1 (got %d)", c.Cache.NumShards)
	}
	if c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("cache.ttl_seconds must be >= 0 (got %d)", c.Cache.TTLSeconds)
	}
	if c.Cache.TTLSeconds > MaxTTLSeconds {
		return fmt.Errorf("cache.ttl_seconds exceeds maximum of %d (got %d)", MaxTTLSeconds, c.Cache.TTLSeconds)
	}
	if c.Feedback.Weight < 0 || c.Feedback.Weight > 1 {
		return fmt.Errorf("feedback.weight must be in [0.0, 1.0] (got %.2f)", c.Feedback.Weight)
	}
	if c.Transactions.MaxActive < 1 {
		return fmt.Errorf("transactions.max_active must be >= 1 (got %d)", c.Transactions.MaxActive)
	}
	if c.Review.MaxAgeDays < 1 {
		return fmt.Errorf("review.max_age_days must be >= 1 (got %d)", c.Review.MaxAgeDays)
	}
	if c.KG.CacheTTLSeconds < 1 {
		return fmt.Errorf("kg.cache_ttl_seconds must be >= 1 (got %d)", c.KG.CacheTTLSeconds)
	}
	return nil
}

// DefaultConfigPath returns the default path to .schednerd/config.yaml.
func DefaultConfigPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return filepath.Join(DataDirName, "config.yaml")
	}
	return filepath.Join(cwd, DataDirName, "config.yaml")
}

// FindWorkspaceRoot walks up from the current directory looking for an
// existing data directory. Falls back to the current directory.
func FindWorkspaceRoot() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}

	dir := cwd
	for {
		if info, err := os.Stat(filepath.Join(dir, DataDirName)); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return cwd
		}
		dir = parent
	}
}

// DataDir resolves the data directory against a workspace root.
func (c *Config) DataDir(workspace string) string {
	if filepath.IsAbs(c.Data.Dir) {
		return c.Data.Dir
	}
	return filepath.Join(workspace, c.Data.Dir)
}

// WALDir returns the WAL segment directory under the data dir.
func (c *Config) WALDir(workspace string) string {
	return filepath.Join(c.DataDir(workspace), "wal")
}

// SnapshotDir returns the snapshot directory under the data dir.
func (c *Config) SnapshotDir(workspace string) string {
	return filepath.Join(c.DataDir(workspace), "snapshots")
}

// FeedbackDBPath returns the feedback SQLite path under the data dir.
func (c *Config) FeedbackDBPath(workspace string) string {
	return filepath.Join(c.DataDir(workspace), "feedback", "feedback.db")
}

// ReviewDBPath returns the review queue SQLite path under the data dir.
func (c *Config) ReviewDBPath(workspace string) string {
	return filepath.Join(c.DataDir(workspace), "reviews", "reviews.db")
}

// KGDBPath returns the knowledge graph SQLite path under the data dir.
func (c *Config) KGDBPath(workspace string) string {
	return filepath.Join(c.DataDir(workspace), "kg", "graph.db")
}

// SyncWatermarkPath returns the sync watermark file under the data dir.
func (c *Config) SyncWatermarkPath(workspace string) string {
	return filepath.Join(c.DataDir(workspace), "kg", "sync_watermark.json")
}

// SchedulerStatePath returns the scheduler state export file consumed by
// the sync manager. kg.scheduler_state_path overrides the default
// location under the data dir.
func (c *Config) SchedulerStatePath(workspace string) string {
	if c.KG.StatePath != "" {
		if filepath.IsAbs(c.KG.StatePath) {
			return c.KG.StatePath
		}
		return filepath.Join(workspace, c.KG.StatePath)
	}
	return filepath.Join(c.DataDir(workspace), "kg", "scheduler_state.json")
}

// EnrichDBPath returns the entity statistics SQLite path under the data dir.
func (c *Config) EnrichDBPath(workspace string) string {
	return filepath.Join(c.DataDir(workspace), "enrich", "stats.db")
}
