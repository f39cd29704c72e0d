package cache

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"schednerd/internal/logging"
	"schednerd/internal/metrics"
)

// Paranoia-mode bounds, applied when the operator wants hard conservative
// limits regardless of configuration.
const (
	paranoiaMaxEntries = 10000
	paranoiaMaxMemory  = 10 * 1024 * 1024
)

// memorySampleLimit caps how many entries the estimator inspects.
const memorySampleLimit = 100

// entryOverheadBytes approximates the fixed per-entry cost beyond key and
// value: timestamps, counters, map slot.
const entryOverheadBytes = 64

// MemoryManager decides when the cache is over capacity and picks eviction
// victims. Estimation is sampled, not exact: up to memorySampleLimit
// entries are measured and the average is extrapolated by entry count, so
// the bound can lag mutations between samples.
type MemoryManager struct {
	maxEntries     int64
	maxMemoryBytes int64
	paranoia       bool

	evicted      atomic.Int64
	bytesFreed   atomic.Int64
	lastEstimate atomic.Int64
}

// NewMemoryManager builds a manager with the configured bounds. Paranoia
// mode lowers each bound to its conservative default where the
// configuration is looser.
func NewMemoryManager(maxEntries int, maxMemoryMB int, paranoia bool) *MemoryManager {
	me := int64(maxEntries)
	mb := int64(maxMemoryMB) * 1024 * 1024
	if paranoia {
		if me > paranoiaMaxEntries {
			me = paranoiaMaxEntries
		}
		if mb > paranoiaMaxMemory {
			mb = paranoiaMaxMemory
		}
		logging.Cache("Paranoia mode active: bounds lowered to %d entries / %d bytes", me, mb)
	}
	return &MemoryManager{maxEntries: me, maxMemoryBytes: mb, paranoia: paranoia}
}

// CheckBounds reports whether the cache is within both the entry-count
// limit and the estimated-memory limit. If estimation fails the entry
// count alone decides.
func (m *MemoryManager) CheckBounds(shards []*shard, totalEntries int64) bool {
	if totalEntries > m.maxEntries {
		return false
	}
	estimate, ok := m.EstimateMemory(shards, totalEntries)
	if !ok {
		return true
	}
	return estimate <= m.maxMemoryBytes
}

// EstimateMemory samples up to memorySampleLimit entries across shards,
// averages their per-entry footprint, and extrapolates by the total count.
// Returns ok=false when no entry could be measured.
func (m *MemoryManager) EstimateMemory(shards []*shard, totalEntries int64) (int64, bool) {
	if totalEntries == 0 {
		m.lastEstimate.Store(0)
		metrics.CacheMemoryBytes.Set(0)
		return 0, true
	}

	sampled := 0
	var sampledBytes int64
	for _, s := range shards {
		if sampled >= memorySampleLimit {
			break
		}
		s.mu.RLock()
		for key, e := range s.entries {
			sampledBytes += estimateEntrySize(key, e)
			sampled++
			if sampled >= memorySampleLimit {
				break
			}
		}
		s.mu.RUnlock()
	}

	if sampled == 0 {
		return 0, false
	}

	estimate := sampledBytes / int64(sampled) * totalEntries
	m.lastEstimate.Store(estimate)
	metrics.CacheMemoryBytes.Set(float64(estimate))
	return estimate, true
}

// EvictToFit removes entries until the bounds hold or the iteration cap is
// reached. The caller installs the incoming entry before calling, so the
// bounds check already accounts for it; requiredBytes records the incoming
// footprint for diagnostics. Each iteration evicts the entry with the
// highest eviction score anywhere in the cache; excludeKey is never a
// victim. The cap is twice the shard count so the loop terminates on
// pathological inputs. Returns bytes freed.
func (m *MemoryManager) EvictToFit(shards []*shard, requiredBytes int64, excludeKey string) int64 {
	iterCap := 2 * len(shards)
	var freed int64

	logging.CacheDebug("Eviction pass: %d bytes incoming, exclude=%s", requiredBytes, excludeKey)

	for iter := 0; iter < iterCap; iter++ {
		total := countEntries(shards)
		if m.CheckBounds(shards, total) {
			break
		}

		victimShard, victimKey, victimScore := m.pickVictim(shards, excludeKey)
		if victimShard < 0 {
			break
		}

		s := shards[victimShard]
		s.mu.Lock()
		e, present := s.entries[victimKey]
		if !present {
			s.mu.Unlock()
			continue
		}
		size := estimateEntrySize(victimKey, e)
		s.drop(victimKey)
		s.mu.Unlock()

		freed += size
		m.evicted.Add(1)
		m.bytesFreed.Add(size)
		metrics.CacheEvictionsTotal.Inc()
		logging.OpsFor("cache").CacheEvict(victimKey, size, victimScore)
		logging.CacheDebug("Evicted %s from shard %d (score %.3f, %d bytes)", victimKey, victimShard, victimScore, size)
	}

	return freed
}

// pickVictim scans all shards for the highest-scoring entry. Returns shard
// index -1 when nothing is evictable.
func (m *MemoryManager) pickVictim(shards []*shard, excludeKey string) (int, string, float64) {
	now := time.Now()
	bestShard := -1
	bestKey := ""
	bestScore := -1.0

	for i, s := range shards {
		s.mu.RLock()
		for key, e := range s.entries {
			if key == excludeKey {
				continue
			}
			score := evictionScore(key, e, now)
			if score > bestScore {
				bestShard, bestKey, bestScore = i, key, score
			}
		}
		s.mu.RUnlock()
	}
	return bestShard, bestKey, bestScore
}

// evictionScore prefers entries that are idle longest, have the lowest hit
// rate, and occupy the most bytes.
func evictionScore(key string, e *CacheEntry, now time.Time) float64 {
	idle := now.Sub(e.LastAccess).Seconds()
	if idle < 0 {
		idle = 0
	}
	sizeWeight := float64(estimateEntrySize(key, e)) / 1024.0
	return idle * (2.0 - e.HitRate) * sizeWeight
}

// LRUKey returns the oldest-access key in one shard, skipping excludeKey.
func (m *MemoryManager) LRUKey(s *shard, excludeKey string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	oldest := ""
	var oldestAccess time.Time
	for key, e := range s.entries {
		if key == excludeKey {
			continue
		}
		if oldest == "" || e.LastAccess.Before(oldestAccess) {
			oldest = key
			oldestAccess = e.LastAccess
		}
	}
	return oldest, oldest != ""
}

// MaxEntries exposes the effective entry bound.
func (m *MemoryManager) MaxEntries() int64 { return m.maxEntries }

// Stats reports eviction counters and the last memory estimate.
func (m *MemoryManager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"max_entries":      m.maxEntries,
		"max_memory_bytes": m.maxMemoryBytes,
		"paranoia_mode":    m.paranoia,
		"evicted":          m.evicted.Load(),
		"bytes_freed":      m.bytesFreed.Load(),
		"last_estimate":    m.lastEstimate.Load(),
	}
}

// estimateEntrySize approximates one entry's footprint: key bytes, value
// JSON bytes, and the fixed overhead.
func estimateEntrySize(key string, e *CacheEntry) int64 {
	valueBytes := 0
	if raw, err := json.Marshal(e.Data); err == nil {
		valueBytes = len(raw)
	} else {
		valueBytes = 64
	}
	return int64(len(key)+valueBytes) + entryOverheadBytes
}

func countEntries(shards []*shard) int64 {
	var total int64
	for _, s := range shards {
		total += s.count.Load()
	}
	return total
}
