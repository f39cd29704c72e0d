package config

import "time"

// MaxTTLSeconds is the upper bound for any TTL knob (1 year).
const MaxTTLSeconds = 31536000

// CacheConfig configures the sharded TTL cache.
type CacheConfig struct {
	// Default entry TTL in seconds
	TTLSeconds int `yaml:"ttl_seconds"`

	// Background cleanup interval in seconds
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`

	// Number of shards (fixed at construction)
	NumShards int `yaml:"num_shards"`

	// Memory bounds
	MaxEntries  int `yaml:"max_entries"`
	MaxMemoryMB int `yaml:"max_memory_mb"`

	// Paranoia mode drops the bounds to 10k entries / 10 MB
	ParanoiaMode bool `yaml:"paranoia_mode"`

	// Write-ahead log
	EnableWAL         bool `yaml:"enable_wal"`
	WALMaxSegmentMB   int  `yaml:"wal_max_segment_mb"`
	WALRetentionHours int  `yaml:"wal_retention_hours"`

	// Adaptive TTL warming
	WarmingIntervalSeconds int `yaml:"warming_interval_seconds"`
	WarmingMinAccess       int `yaml:"warming_min_access"`

	// Snapshot retention for cleanup passes
	SnapshotMaxAgeHours int `yaml:"snapshot_max_age_hours"`
}

// DefaultTTL returns the default entry TTL as a duration.
func (c *CacheConfig) DefaultTTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// CleanupInterval returns the cleanup loop interval as a duration.
func (c *CacheConfig) CleanupInterval() time.Duration {
	if c.CleanupIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

// WarmingInterval returns the warming loop interval as a duration.
func (c *CacheConfig) WarmingInterval() time.Duration {
	if c.WarmingIntervalSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.WarmingIntervalSeconds) * time.Second
}

// MaxMemoryBytes returns the memory bound in bytes.
func (c *CacheConfig) MaxMemoryBytes() int64 {
	return int64(c.MaxMemoryMB) * 1024 * 1024
}

// WALMaxSegmentBytes returns the WAL segment size limit in bytes.
func (c *CacheConfig) WALMaxSegmentBytes() int64 {
	if c.WALMaxSegmentMB <= 0 {
		return 10 * 1024 * 1024
	}
	return int64(c.WALMaxSegmentMB) * 1024 * 1024
}

// WALRetention returns the WAL segment retention window.
func (c *CacheConfig) WALRetention() time.Duration {
	if c.WALRetentionHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.WALRetentionHours) * time.Hour
}

// SnapshotMaxAge returns the snapshot retention window for cleanup.
func (c *CacheConfig) SnapshotMaxAge() time.Duration {
	if c.SnapshotMaxAgeHours <= 0 {
		return 168 * time.Hour
	}
	return time.Duration(c.SnapshotMaxAgeHours) * time.Hour
}

// TransactionsConfig configures the transaction manager.
type TransactionsConfig struct {
	// Maximum concurrently active transactions
	MaxActive int `yaml:"max_active"`

	// Transaction timeout in seconds
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout returns the transaction timeout as a duration.
func (c *TransactionsConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}
