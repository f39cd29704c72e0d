package cache

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"

	"schednerd/internal/logging"
)

// MaxKeyLength is the longest accepted key in bytes.
const MaxKeyLength = 1000

// MaxTTLSeconds caps entry TTLs at one year.
const MaxTTLSeconds = 365 * 24 * 3600

// shard is one partition of the keyspace with its own lock. count mirrors
// len(entries) atomically so Size() can sum shards without locking.
type shard struct {
	mu      sync.RWMutex
	entries map[string]*CacheEntry
	count   atomic.Int64
}

func newShard() *shard {
	return &shard{entries: make(map[string]*CacheEntry)}
}

// put installs or replaces an entry. Caller holds s.mu.
func (s *shard) put(key string, e *CacheEntry) {
	if _, exists := s.entries[key]; !exists {
		s.count.Add(1)
	}
	s.entries[key] = e
}

// drop removes an entry if present and reports whether it was there.
// Caller holds s.mu.
func (s *shard) drop(key string) bool {
	if _, exists := s.entries[key]; !exists {
		return false
	}
	delete(s.entries, key)
	s.count.Add(-1)
	return true
}

// reset empties the shard. Caller holds s.mu.
func (s *shard) reset() {
	s.entries = make(map[string]*CacheEntry)
	s.count.Store(0)
}

// shardIndex maps a key to a shard with FNV-1a 64. The hash is fixed so
// placement is stable across processes; WAL replay depends on keys landing
// in the same shard. If the hash write ever fails, the position-weighted
// character sum below takes over deterministically.
func shardIndex(key string, numShards int) int {
	h := fnv.New64a()
	if _, err := h.Write([]byte(key)); err != nil {
		logging.CacheWarn("Hash failed for key %q, using fallback placement: %v", key, err)
		return fallbackShardIndex(key, numShards)
	}
	return int(h.Sum64() % uint64(numShards))
}

// fallbackShardIndex is the documented deterministic fallback: each byte
// weighted by its 1-based position, summed, reduced modulo the shard count.
func fallbackShardIndex(key string, numShards int) int {
	sum := 0
	for i := 0; i < len(key); i++ {
		sum += (i + 1) * int(key[i])
	}
	if sum < 0 {
		sum = -sum
	}
	return sum % numShards
}

// validateKey enforces the key grammar: non-empty, at most MaxKeyLength
// bytes, no NUL, no newline characters.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key length %d exceeds %d", ErrInvalidKey, len(key), MaxKeyLength)
	}
	if strings.ContainsAny(key, "\x00\n\r") {
		return fmt.Errorf("%w: key contains control characters", ErrInvalidKey)
	}
	return nil
}

// validateValue rejects payloads that cannot round-trip through JSON.
func validateValue(value any) error {
	if _, err := json.Marshal(value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return nil
}

// validateTTL bounds a TTL to [0, one year]. A negative TTL is the
// use-the-default sentinel and is resolved by the caller before this check.
func validateTTL(ttl float64) error {
	if ttl < 0 {
		return fmt.Errorf("%w: negative ttl %f", ErrInvalidTTL, ttl)
	}
	if ttl > MaxTTLSeconds {
		return fmt.Errorf("%w: ttl %f exceeds one year", ErrInvalidTTL, ttl)
	}
	return nil
}
