// Package wal implements the write-ahead log that makes cache mutations
// durable. Every Set/Delete/Expire is appended as a checksummed JSON line
// before the in-memory state changes; on startup the log is replayed to
// rebuild state that postdates the last snapshot.
package wal

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"schednerd/internal/logging"
	"schednerd/internal/metrics"
)

// Operation types recorded in the log.
const (
	OpSet    = "SET"
	OpDelete = "DELETE"
	OpExpire = "EXPIRE"
)

// Entry is one logged mutation. Field order is fixed by the struct so the
// checksum is reproducible across write and replay.
type Entry struct {
	Operation string   `json:"operation"`
	Key       string   `json:"key"`
	Value     any      `json:"value,omitempty"`
	TTL       *float64 `json:"ttl,omitempty"`
	Timestamp float64  `json:"timestamp"`
	Checksum  string   `json:"checksum"`
}

// ApplyFunc is invoked once per valid replayed entry. It must install the
// mutation directly without logging it again.
type ApplyFunc func(op, key string, value any, ttl *float64) error

// WAL appends mutations to segment files under a single directory and
// rotates to a fresh segment when the current one reaches the size limit.
type WAL struct {
	mu              sync.Mutex
	dir             string
	maxSegmentBytes int64

	current     *os.File
	currentPath string
	currentSize int64

	// Highest unix-second suffix handed out so far, including segments
	// found on disk at Open time. Guards against same-second collisions.
	lastSegmentUnix int64

	appended int64
	rotated  int64
	closed   bool
}

// Open prepares a log rooted at dir. The directory is created if missing
// but no segment file is written until the first append.
func Open(dir string, maxSegmentBytes int64) (*WAL, error) {
	if maxSegmentBytes <= 0 {
		return nil, fmt.Errorf("wal: segment size must be positive, got %d", maxSegmentBytes)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create directory %s: %w", dir, err)
	}

	w := &WAL{dir: dir, maxSegmentBytes: maxSegmentBytes}

	// Seed the suffix counter from segments already on disk so a restart
	// within the same second never reuses a name.
	segments, err := w.listSegments()
	if err != nil {
		return nil, err
	}
	for _, seg := range segments {
		if ts, ok := segmentUnix(seg.name); ok && ts > w.lastSegmentUnix {
			w.lastSegmentUnix = ts
		}
	}

	logging.WAL("Opened WAL at %s (%d existing segments, segment limit %d bytes)", dir, len(segments), maxSegmentBytes)
	return w, nil
}

// Append durably records one mutation. The entry is checksummed,
// written as a single line, and fsynced before return. An error means the
// mutation must not be applied to the cache.
//
// The context is only consulted before the write starts; once the line is
// going to disk the append runs to completion so the log never holds a
// half-acknowledged entry.
func (w *WAL) Append(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("wal: append on closed log")
	}

	if w.current != nil && w.currentSize >= w.maxSegmentBytes {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}
	if w.current == nil {
		if err := w.openSegmentLocked(); err != nil {
			return err
		}
	}

	if entry.Timestamp == 0 {
		entry.Timestamp = float64(time.Now().UnixNano()) / 1e9
	}

	// Round-trip the value through JSON so the bytes we checksum match
	// what a replayer will decode. Without this, typed values (structs,
	// ints) would re-serialize differently from their decoded generic
	// forms and every replay would look corrupt.
	if entry.Value != nil {
		canonical, err := canonicalValue(entry.Value)
		if err != nil {
			return fmt.Errorf("wal: value for key %q is not serializable: %w", entry.Key, err)
		}
		entry.Value = canonical
	}

	checksum, err := computeChecksum(entry)
	if err != nil {
		return fmt.Errorf("wal: checksum entry for key %q: %w", entry.Key, err)
	}
	entry.Checksum = checksum

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("wal: marshal entry for key %q: %w", entry.Key, err)
	}
	line = append(line, '\n')

	n, err := w.current.Write(line)
	if err != nil {
		logging.WALError("Append failed on %s after %d bytes: %v", w.currentPath, n, err)
		return fmt.Errorf("wal: write entry: %w", err)
	}
	if err := w.current.Sync(); err != nil {
		logging.WALError("Fsync failed on %s: %v", w.currentPath, err)
		return fmt.Errorf("wal: sync entry: %w", err)
	}

	w.currentSize += int64(n)
	w.appended++
	metrics.WALAppendsTotal.Inc()

	logging.WALDebug("Appended %s key=%s (%d bytes, segment now %d bytes)", entry.Operation, entry.Key, n, w.currentSize)
	return nil
}

// Replay streams every entry from every segment, oldest segment first, and
// hands valid entries to apply. Lines that fail to parse, fail their
// checksum, or fail to apply are skipped with a warning so one corrupt
// line never blocks recovery. Returns the number of applied entries.
func (w *WAL) Replay(ctx context.Context, apply ApplyFunc) (int, error) {
	timer := logging.StartTimer(logging.CategoryWAL, "Replay")
	defer timer.Stop()
	start := time.Now()

	w.mu.Lock()
	segments, err := w.listSegments()
	w.mu.Unlock()
	if err != nil {
		return 0, err
	}

	applied := 0
	skipped := 0

	for _, seg := range segments {
		if err := ctx.Err(); err != nil {
			return applied, err
		}

		path := filepath.Join(w.dir, seg.name)
		a, s, err := replaySegment(ctx, path, apply)
		applied += a
		skipped += s
		if err != nil {
			return applied, err
		}
	}

	metrics.WALReplayedTotal.Add(float64(applied))
	metrics.WALSkippedTotal.Add(float64(skipped))
	logging.OpsFor("wal").WALReplay(int64(applied), int64(skipped), time.Since(start).Milliseconds())
	logging.WAL("Replay complete: %d entries applied, %d skipped across %d segments", applied, skipped, len(segments))
	return applied, nil
}

func replaySegment(ctx context.Context, path string, apply ApplyFunc) (applied, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Segment removed by cleanup between listing and open.
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("wal: open segment %s: %w", path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	lineNo := 0
	for {
		if err := ctx.Err(); err != nil {
			return applied, skipped, err
		}

		line, readErr := reader.ReadString('\n')
		line = strings.TrimRight(line, "\n")
		if line != "" {
			lineNo++

			var entry Entry
			if err := json.Unmarshal([]byte(line), &entry); err != nil {
				logging.WALWarn("Skipping unparseable line %d in %s: %v", lineNo, filepath.Base(path), err)
				skipped++
			} else if ok, err := verifyChecksum(entry); err != nil || !ok {
				logging.WALWarn("Skipping line %d in %s: checksum mismatch (key=%s)", lineNo, filepath.Base(path), entry.Key)
				skipped++
			} else if err := apply(entry.Operation, entry.Key, entry.Value, entry.TTL); err != nil {
				logging.WALWarn("Skipping line %d in %s: apply failed for key=%s: %v", lineNo, filepath.Base(path), entry.Key, err)
				skipped++
			} else {
				applied++
			}
		}

		if readErr != nil {
			// EOF, including a torn final line already handled above.
			return applied, skipped, nil
		}
	}
}

// Cleanup deletes segments whose modification time is older than the
// retention window. The segment currently being written is never deleted
// regardless of age. Returns the number of segments removed.
func (w *WAL) Cleanup(retention time.Duration) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	segments, err := w.listSegments()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, seg := range segments {
		if w.currentPath != "" && filepath.Join(w.dir, seg.name) == w.currentPath {
			continue
		}
		if seg.modTime.After(cutoff) {
			continue
		}
		path := filepath.Join(w.dir, seg.name)
		if err := os.Remove(path); err != nil {
			logging.WALWarn("Failed to remove expired segment %s: %v", seg.name, err)
			continue
		}
		removed++
		logging.WALDebug("Removed expired segment %s (mtime %s)", seg.name, seg.modTime.Format(time.RFC3339))
	}

	if removed > 0 {
		logging.WAL("Cleanup removed %d segments older than %s", removed, retention)
	}
	return removed, nil
}

// Close flushes and closes the current segment. Safe to call more than once.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.current == nil {
		return nil
	}
	err := w.current.Close()
	w.current = nil
	if err != nil {
		return fmt.Errorf("wal: close segment %s: %w", w.currentPath, err)
	}
	return nil
}

// Stats reports counters for diagnostics and the stats surface.
func (w *WAL) Stats() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	segments, _ := w.listSegments()

	currentName := ""
	if w.currentPath != "" {
		currentName = filepath.Base(w.currentPath)
	}

	return map[string]interface{}{
		"directory":       w.dir,
		"segments":        len(segments),
		"appended":        w.appended,
		"rotations":       w.rotated,
		"current_segment": currentName,
		"current_size":    w.currentSize,
	}
}

// rotateLocked closes the active segment and arranges for the next append
// to open a fresh one. Caller holds w.mu.
func (w *WAL) rotateLocked() error {
	oldPath := w.currentPath
	oldSize := w.currentSize

	if err := w.current.Close(); err != nil {
		return fmt.Errorf("wal: close segment %s for rotation: %w", oldPath, err)
	}
	w.current = nil
	w.currentPath = ""
	w.currentSize = 0
	w.rotated++
	metrics.WALRotationsTotal.Inc()

	if err := w.openSegmentLocked(); err != nil {
		return err
	}

	logging.OpsFor("wal").WALRotate(filepath.Base(oldPath), filepath.Base(w.currentPath), oldSize)
	logging.WAL("Rotated segment %s (%d bytes) -> %s", filepath.Base(oldPath), oldSize, filepath.Base(w.currentPath))
	return nil
}

// openSegmentLocked creates the next segment file. Caller holds w.mu.
func (w *WAL) openSegmentLocked() error {
	ts := time.Now().Unix()
	if ts <= w.lastSegmentUnix {
		ts = w.lastSegmentUnix + 1
	}
	w.lastSegmentUnix = ts

	path := filepath.Join(w.dir, fmt.Sprintf("wal_%d.log", ts))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: create segment %s: %w", path, err)
	}

	w.current = f
	w.currentPath = path
	w.currentSize = 0
	return nil
}

type segmentInfo struct {
	name    string
	modTime time.Time
}

// listSegments returns wal_*.log files ordered oldest first by mtime,
// name as tiebreak so replay order is deterministic.
func (w *WAL) listSegments() ([]segmentInfo, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("wal: read directory %s: %w", w.dir, err)
	}

	var segments []segmentInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "wal_") || !strings.HasSuffix(name, ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		segments = append(segments, segmentInfo{name: name, modTime: info.ModTime()})
	}

	sort.Slice(segments, func(i, j int) bool {
		if !segments[i].modTime.Equal(segments[j].modTime) {
			return segments[i].modTime.Before(segments[j].modTime)
		}
		return segments[i].name < segments[j].name
	})
	return segments, nil
}

// segmentUnix extracts the unix-second suffix from wal_<ts>.log.
func segmentUnix(name string) (int64, bool) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "wal_"), ".log")
	var ts int64
	if _, err := fmt.Sscanf(trimmed, "%d", &ts); err != nil {
		return 0, false
	}
	return ts, true
}

// canonicalValue round-trips v through JSON into generic form.
func canonicalValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// computeChecksum hashes the entry JSON with the checksum field blanked.
func computeChecksum(entry Entry) (string, error) {
	entry.Checksum = ""
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// verifyChecksum recomputes the hash over the decoded entry and compares.
func verifyChecksum(entry Entry) (bool, error) {
	want := entry.Checksum
	if want == "" {
		return false, nil
	}
	got, err := computeChecksum(entry)
	if err != nil {
		return false, err
	}
	return got == want, nil
}
