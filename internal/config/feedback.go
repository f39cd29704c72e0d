package config

import "time"

// FeedbackConfig configures the feedback store and reranker.
type FeedbackConfig struct {
	// Multiplier strength for feedback-based score adjustments, in [0.0, 1.0].
	// 0 disables reranking entirely.
	Weight float64 `yaml:"weight"`

	// Temporal decay window in days; feedback older than this contributes nothing
	DecayWindowDays int `yaml:"decay_window_days"`

	// Retention for system-generated (audit pipeline) feedback rows
	AuditRecordMaxAgeDays int `yaml:"audit_record_max_age_days"`
}

// DecayWindow returns the temporal decay window as a duration.
func (c *FeedbackConfig) DecayWindow() time.Duration {
	if c.DecayWindowDays <= 0 {
		return 30 * 24 * time.Hour
	}
	return time.Duration(c.DecayWindowDays) * 24 * time.Hour
}

// AuditRecordMaxAge returns the audit feedback retention window.
func (c *FeedbackConfig) AuditRecordMaxAge() time.Duration {
	if c.AuditRecordMaxAgeDays <= 0 {
		return 90 * 24 * time.Hour
	}
	return time.Duration(c.AuditRecordMaxAgeDays) * 24 * time.Hour
}

// ReviewConfig configures the active learning review queue.
type ReviewConfig struct {
	// Pending items older than this are expired
	MaxAgeDays int `yaml:"max_age_days"`
}

// MaxAge returns the review item expiry age as a duration.
func (c *ReviewConfig) MaxAge() time.Duration {
	if c.MaxAgeDays <= 0 {
		return 30 * 24 * time.Hour
	}
	return time.Duration(c.MaxAgeDays) * 24 * time.Hour
}
