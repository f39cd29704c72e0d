package review

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"schednerd/internal/logging"
)

// patternStat is the in-memory view of one query pattern's history.
type patternStat struct {
	Occurrences   int64
	AvgConfidence float64
	LastSeen      float64
	IsError       bool
}

// PatternTracker keeps per-fingerprint occurrence counts, a rolling mean
// of classification confidence, and an error flag set by the audit
// pipeline. The full table is mirrored in memory so novelty checks never
// touch the database; writes go through to SQLite.
type PatternTracker struct {
	db    *sql.DB
	mu    sync.RWMutex
	stats map[string]*patternStat
}

// newPatternTracker loads the pattern table into memory. The database
// handle is shared with the owning review queue.
func newPatternTracker(db *sql.DB) (*PatternTracker, error) {
	t := &PatternTracker{db: db, stats: make(map[string]*patternStat)}

	rows, err := db.Query(`SELECT pattern_id, occurrences, avg_confidence, last_seen, is_error FROM pattern_stats`)
	if err != nil {
		return nil, fmt.Errorf("failed to load pattern stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var st patternStat
		var isError int
		if err := rows.Scan(&id, &st.Occurrences, &st.AvgConfidence, &st.LastSeen, &isError); err != nil {
			logging.ReviewWarn("Skipping unreadable pattern row: %v", err)
			continue
		}
		st.IsError = isError != 0
		t.stats[id] = &st
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	logging.ReviewDebug("Loaded %d query patterns", len(t.stats))
	return t, nil
}

// Observe records one occurrence of a pattern and folds the confidence
// into the rolling mean.
func (t *PatternTracker) Observe(fingerprint string, confidence float64) error {
	if fingerprint == "" {
		return fmt.Errorf("pattern fingerprint required")
	}
	now := float64(time.Now().UnixNano()) / 1e9

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.stats[fingerprint]
	if !ok {
		st = &patternStat{}
		t.stats[fingerprint] = st
	}
	st.Occurrences++
	st.AvgConfidence += (confidence - st.AvgConfidence) / float64(st.Occurrences)
	st.LastSeen = now

	_, err := t.db.Exec(`
		INSERT INTO pattern_stats (pattern_id, occurrences, avg_confidence, last_seen, is_error)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(pattern_id) DO UPDATE SET
			occurrences = excluded.occurrences,
			avg_confidence = excluded.avg_confidence,
			last_seen = excluded.last_seen
	`, fingerprint, st.Occurrences, st.AvgConfidence, st.LastSeen, boolToInt(st.IsError))
	if err != nil {
		return fmt.Errorf("failed to persist pattern stats: %w", err)
	}
	return nil
}

// SeenCount returns how many times a pattern has been observed.
func (t *PatternTracker) SeenCount(fingerprint string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if st, ok := t.stats[fingerprint]; ok {
		return st.Occurrences
	}
	return 0
}

// AvgConfidence returns the rolling mean confidence for a pattern, or 0
// for an unknown pattern.
func (t *PatternTracker) AvgConfidence(fingerprint string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if st, ok := t.stats[fingerprint]; ok {
		return st.AvgConfidence
	}
	return 0
}

// RecordErrorPattern marks a pattern as matching a confirmed audit error.
// Queries with this fingerprint will trip the past-error review reason.
func (t *PatternTracker) RecordErrorPattern(fingerprint string) error {
	if fingerprint == "" {
		return fmt.Errorf("pattern fingerprint required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.stats[fingerprint]
	if !ok {
		st = &patternStat{LastSeen: float64(time.Now().UnixNano()) / 1e9}
		t.stats[fingerprint] = st
	}
	st.IsError = true

	_, err := t.db.Exec(`
		INSERT INTO pattern_stats (pattern_id, occurrences, avg_confidence, last_seen, is_error)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(pattern_id) DO UPDATE SET is_error = 1
	`, fingerprint, st.Occurrences, st.AvgConfidence, st.LastSeen)
	if err != nil {
		return fmt.Errorf("failed to persist error pattern: %w", err)
	}

	logging.Review("Pattern %s marked as past error", fingerprint)
	return nil
}

// MatchesPastError reports whether a pattern was previously tied to an
// audited error.
func (t *PatternTracker) MatchesPastError(fingerprint string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.stats[fingerprint]
	return ok && st.IsError
}

// Stats returns tracker counters.
func (t *PatternTracker) Stats() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var errors int64
	for _, st := range t.stats {
		if st.IsError {
			errors++
		}
	}
	return map[string]interface{}{
		"patterns":       int64(len(t.stats)),
		"error_patterns": errors,
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
