package config

import "time"

// KGConfig configures the knowledge graph working copy and sync.
type KGConfig struct {
	// Staleness TTL for the in-memory working copy, in seconds
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`

	// Scheduler state sync interval in seconds
	SyncIntervalSeconds int `yaml:"sync_interval_seconds"`

	// Scheduler state export file; empty means the default location
	// under the data dir
	StatePath string `yaml:"scheduler_state_path"`
}

// CacheTTL returns the working copy staleness TTL as a duration.
func (c *KGConfig) CacheTTL() time.Duration {
	if c.CacheTTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// SyncInterval returns the scheduler sync interval as a duration.
func (c *KGConfig) SyncInterval() time.Duration {
	if c.SyncIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// AuditConfig configures the audit finding pipeline.
type AuditConfig struct {
	// LLM-assisted triplet extraction; regex extraction always runs
	LLMEnabled     bool   `yaml:"llm_enabled"`
	LLMModel       string `yaml:"llm_model"`
	LLMAPIKey      string `yaml:"llm_api_key"`
	LLMMaxTriplets int    `yaml:"llm_max_triplets"`
}

// EnrichConfig configures query context enrichment.
type EnrichConfig struct {
	// Upper bound on appended context characters
	MaxContextChars int `yaml:"max_context_chars"`

	// Dependency fan-out limit per mentioned job
	MaxDependencies int `yaml:"max_dependencies"`
}
