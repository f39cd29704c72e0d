package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"schednerd/internal/logging"
	"schednerd/internal/metrics"
)

const snapshotVersion = "1.0"

// snapshotMaxRestoreAge is the hard ceiling on how old a snapshot may be
// and still be restored.
const snapshotMaxRestoreAge = time.Hour

// SnapshotEntry is one persisted cache entry in the snapshot file.
type SnapshotEntry struct {
	Data      any     `json:"data"`
	Timestamp float64 `json:"timestamp"`
	TTL       float64 `json:"ttl"`
}

// SnapshotView maps shard index to that shard's live entries.
type SnapshotView map[int]map[string]SnapshotEntry

// SnapshotInfo describes one snapshot file on disk.
type SnapshotInfo struct {
	Path         string
	CreatedAt    time.Time
	TotalEntries int
	SizeBytes    int64
}

// PersistenceManager creates, restores, lists, and prunes point-in-time
// JSON snapshots of the cache under a single directory.
type PersistenceManager struct {
	dir string

	lastSnapshotUnix int64
}

// NewPersistenceManager prepares the snapshot directory.
func NewPersistenceManager(dir string) (*PersistenceManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: create directory %s: %w", dir, err)
	}
	return &PersistenceManager{dir: dir}, nil
}

// Snapshot serializes a shard view to a timestamped file and returns the
// path. Only the caller decides which entries appear; this layer writes
// exactly what it is given.
func (p *PersistenceManager) Snapshot(view SnapshotView) (string, error) {
	timer := logging.StartTimer(logging.CategorySnapshot, "Snapshot")
	defer timer.Stop()

	total := 0
	doc := make(map[string]any, len(view)+1)
	for idx, entries := range view {
		doc[fmt.Sprintf("shard_%d", idx)] = entries
		total += len(entries)
	}
	doc["_metadata"] = map[string]any{
		"created_at":    float64(time.Now().UnixNano()) / 1e9,
		"total_entries": total,
		"version":       snapshotVersion,
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("snapshot: marshal: %w", err)
	}

	ts := time.Now().Unix()
	if ts <= p.lastSnapshotUnix {
		ts = p.lastSnapshotUnix + 1
	}
	p.lastSnapshotUnix = ts

	path := filepath.Join(p.dir, fmt.Sprintf("cache_snapshot_%d.json", ts))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("snapshot: write %s: %w", path, err)
	}

	metrics.SnapshotsCreatedTotal.Inc()
	logging.Snapshot("Wrote snapshot %s (%d entries, %d bytes)", filepath.Base(path), total, len(raw))
	return path, nil
}

// Restore reads and validates a snapshot file and returns the parsed view.
// Snapshots older than one hour are refused. Unknown top-level keys and
// malformed entries are skipped with warnings rather than failing the
// whole restore.
func (p *PersistenceManager) Restore(path string) (SnapshotView, error) {
	timer := logging.StartTimer(logging.CategorySnapshot, "Restore")
	defer timer.Stop()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", path, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSnapshotMalformed, filepath.Base(path), err)
	}

	createdAt, total, err := validateMetadata(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSnapshotMalformed, filepath.Base(path), err)
	}

	age := time.Since(createdAt)
	if age > snapshotMaxRestoreAge {
		return nil, fmt.Errorf("%w: %s is %s old", ErrSnapshotTooOld, filepath.Base(path), age.Round(time.Second))
	}

	view := make(SnapshotView)
	parsed := 0
	for key, value := range doc {
		if key == "_metadata" {
			continue
		}
		idx, ok := shardKeyIndex(key)
		if !ok {
			logging.SnapshotWarn("Skipping unknown snapshot key %q in %s", key, filepath.Base(path))
			continue
		}
		entries, ok := value.(map[string]any)
		if !ok {
			logging.SnapshotWarn("Skipping shard_%d in %s: not a map", idx, filepath.Base(path))
			continue
		}

		shardEntries := make(map[string]SnapshotEntry, len(entries))
		for entryKey, entryValue := range entries {
			se, ok := parseSnapshotEntry(entryValue)
			if !ok {
				logging.SnapshotWarn("Skipping entry %q in shard_%d: missing data/timestamp/ttl", entryKey, idx)
				continue
			}
			shardEntries[entryKey] = se
			parsed++
		}
		view[idx] = shardEntries
	}

	metrics.SnapshotsRestoredTotal.Inc()
	logging.Snapshot("Parsed snapshot %s: %d/%d entries across %d shards", filepath.Base(path), parsed, total, len(view))
	return view, nil
}

// List enumerates snapshot files oldest first with their metadata.
func (p *PersistenceManager) List() ([]SnapshotInfo, error) {
	paths, err := filepath.Glob(filepath.Join(p.dir, "cache_snapshot_*.json"))
	if err != nil {
		return nil, fmt.Errorf("snapshot: list: %w", err)
	}
	sort.Strings(paths)

	var infos []SnapshotInfo
	for _, path := range paths {
		st, err := os.Stat(path)
		if err != nil {
			continue
		}
		info := SnapshotInfo{Path: path, SizeBytes: st.Size(), CreatedAt: st.ModTime()}

		// Prefer the embedded metadata over file attributes
		if raw, err := os.ReadFile(path); err == nil {
			var doc map[string]any
			if json.Unmarshal(raw, &doc) == nil {
				if createdAt, total, err := validateMetadata(doc); err == nil {
					info.CreatedAt = createdAt
					info.TotalEntries = total
				}
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Cleanup deletes snapshot files older than maxAge. Returns the count
// removed.
func (p *PersistenceManager) Cleanup(maxAge time.Duration) (int, error) {
	infos, err := p.List()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, info := range infos {
		if info.CreatedAt.After(cutoff) {
			continue
		}
		if err := os.Remove(info.Path); err != nil {
			logging.SnapshotWarn("Failed to remove old snapshot %s: %v", filepath.Base(info.Path), err)
			continue
		}
		removed++
	}

	if removed > 0 {
		logging.Snapshot("Removed %d snapshots older than %s", removed, maxAge)
	}
	return removed, nil
}

// validateMetadata checks the _metadata object and returns its fields.
func validateMetadata(doc map[string]any) (time.Time, int, error) {
	metaRaw, ok := doc["_metadata"]
	if !ok {
		return time.Time{}, 0, fmt.Errorf("missing _metadata")
	}
	meta, ok := metaRaw.(map[string]any)
	if !ok {
		return time.Time{}, 0, fmt.Errorf("_metadata is not an object")
	}

	createdRaw, ok := meta["created_at"].(float64)
	if !ok {
		return time.Time{}, 0, fmt.Errorf("_metadata.created_at missing or not a number")
	}
	totalRaw, ok := meta["total_entries"].(float64)
	if !ok {
		return time.Time{}, 0, fmt.Errorf("_metadata.total_entries missing or not a number")
	}
	if totalRaw < 0 {
		return time.Time{}, 0, fmt.Errorf("_metadata.total_entries negative")
	}
	if _, ok := meta["version"].(string); !ok {
		return time.Time{}, 0, fmt.Errorf("_metadata.version missing or not a string")
	}

	sec := int64(createdRaw)
	nsec := int64((createdRaw - float64(sec)) * 1e9)
	return time.Unix(sec, nsec), int(totalRaw), nil
}

// shardKeyIndex parses "shard_<n>" and returns the index.
func shardKeyIndex(key string) (int, bool) {
	rest, found := strings.CutPrefix(key, "shard_")
	if !found {
		return 0, false
	}
	idx, err := strconv.Atoi(rest)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// parseSnapshotEntry validates one entry object from a snapshot file.
func parseSnapshotEntry(value any) (SnapshotEntry, bool) {
	m, ok := value.(map[string]any)
	if !ok {
		return SnapshotEntry{}, false
	}
	data, hasData := m["data"]
	ts, okTS := m["timestamp"].(float64)
	ttl, okTTL := m["ttl"].(float64)
	if !hasData || !okTS || !okTTL {
		return SnapshotEntry{}, false
	}
	return SnapshotEntry{Data: data, Timestamp: ts, TTL: ttl}, true
}
