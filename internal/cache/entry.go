// Package cache implements the sharded TTL cache at the center of the
// schedNERD substrate: durable via the WAL, bounded by the memory manager,
// snapshotted by the persistence manager, and coordinated through the
// transaction manager for multi-key sequences.
package cache

import "time"

// CacheEntry is one stored unit. Timestamp is the creation time; the entry
// is live while now - Timestamp <= TTL seconds. LastAccess and AccessCount
// feed the LRU eviction score and the adaptive-TTL warming heuristic.
type CacheEntry struct {
	Data        any
	Timestamp   time.Time
	TTL         float64
	LastAccess  time.Time
	AccessCount int64
	HitRate     float64
}

func newEntry(value any, ttl float64, now time.Time) *CacheEntry {
	return &CacheEntry{
		Data:       value,
		Timestamp:  now,
		TTL:        ttl,
		LastAccess: now,
	}
}

// IsLive reports whether the entry is within its TTL at the given instant.
// A zero-TTL entry is live only at the moment of insertion.
func (e *CacheEntry) IsLive(now time.Time) bool {
	return now.Sub(e.Timestamp).Seconds() <= e.TTL
}

// Touch records a successful read. The hit rate is a rolling ratio that
// approaches 1 with repeated access; a never-read entry stays at 0, which
// makes the eviction score prefer it.
func (e *CacheEntry) Touch(now time.Time) {
	e.LastAccess = now
	e.AccessCount++
	e.HitRate = float64(e.AccessCount) / float64(e.AccessCount+1)
}
