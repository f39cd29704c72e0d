package enrich

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"schednerd/internal/logging"
)

// How many distinct error codes a stats fragment mentions at most.
const maxCommonErrors = 2

// JobStats summarizes the recorded run history of one entity.
type JobStats struct {
	EntityID     string   `json:"entity_id"`
	EntityType   string   `json:"entity_type"`
	Runs         int64    `json:"runs"`
	Failures     int64    `json:"failures"`
	FailureRate  float64  `json:"failure_rate"`
	AvgDuration  float64  `json:"avg_duration_sec"`
	CommonErrors []string `json:"common_errors,omitempty"`
}

// StatsStore persists per-entity run statistics in SQLite. Rows are fed
// by RecordJobOutcome and read back when the enricher builds context
// fragments.
type StatsStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewStatsStore opens (or creates) the run-statistics database.
func NewStatsStore(path string) (*StatsStore, error) {
	timer := logging.StartTimer(logging.CategoryEnrich, "NewStatsStore")
	defer timer.Stop()

	logging.Enrich("Opening run statistics store at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create enrich directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open statistics database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.EnrichDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.EnrichDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	s := &StatsStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		logging.EnrichError("Failed to initialize statistics schema: %v", err)
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *StatsStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entity_stats (
		entity_id          TEXT PRIMARY KEY,
		entity_type        TEXT NOT NULL DEFAULT 'job',
		runs               INTEGER NOT NULL DEFAULT 0,
		failures           INTEGER NOT NULL DEFAULT 0,
		total_duration_sec REAL NOT NULL DEFAULT 0,
		error_counts       TEXT NOT NULL DEFAULT '{}',
		updated_at         REAL NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create statistics schema: %w", err)
	}
	return nil
}

// RecordJobOutcome folds one run of a job into its rolling statistics.
// errorCode is only counted for failed runs.
func (s *StatsStore) RecordJobOutcome(ctx context.Context, job string, success bool, duration time.Duration, errorCode string) error {
	if job == "" {
		return fmt.Errorf("job outcome requires a job name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	var runs, failures int64
	var total float64
	countsJSON := "{}"
	err := s.db.QueryRow(
		`SELECT runs, failures, total_duration_sec, error_counts FROM entity_stats WHERE entity_id = ?`, job,
	).Scan(&runs, &failures, &total, &countsJSON)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read statistics for %s: %w", job, err)
	}

	counts := map[string]int64{}
	if jerr := json.Unmarshal([]byte(countsJSON), &counts); jerr != nil {
		logging.EnrichWarn("Resetting unreadable error counts for %s: %v", job, jerr)
		counts = map[string]int64{}
	}

	runs++
	total += duration.Seconds()
	if !success {
		failures++
		if errorCode != "" {
			counts[errorCode]++
		}
	}

	raw, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("failed to marshal error counts: %w", err)
	}

	now := float64(time.Now().UnixNano()) / 1e9
	_, err = s.db.Exec(`
		INSERT INTO entity_stats (entity_id, entity_type, runs, failures, total_duration_sec, error_counts, updated_at)
		VALUES (?, 'job', ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			runs = excluded.runs,
			failures = excluded.failures,
			total_duration_sec = excluded.total_duration_sec,
			error_counts = excluded.error_counts,
			updated_at = excluded.updated_at
	`, job, runs, failures, total, string(raw), now)
	if err != nil {
		return fmt.Errorf("failed to store statistics for %s: %w", job, err)
	}

	logging.EnrichDebug("Recorded run of %s: success=%v runs=%d failures=%d", job, success, runs, failures)
	return nil
}

// JobStats returns the recorded statistics for a job. The boolean is
// false when nothing has been recorded for it.
func (s *StatsStore) JobStats(ctx context.Context, job string) (JobStats, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return JobStats{}, false, err
	}

	var st JobStats
	var total float64
	var countsJSON string
	err := s.db.QueryRow(
		`SELECT entity_id, entity_type, runs, failures, total_duration_sec, error_counts
		 FROM entity_stats WHERE entity_id = ?`, job,
	).Scan(&st.EntityID, &st.EntityType, &st.Runs, &st.Failures, &total, &countsJSON)
	if err == sql.ErrNoRows {
		return JobStats{}, false, nil
	}
	if err != nil {
		return JobStats{}, false, fmt.Errorf("failed to read statistics for %s: %w", job, err)
	}

	if st.Runs > 0 {
		st.FailureRate = float64(st.Failures) / float64(st.Runs)
		st.AvgDuration = total / float64(st.Runs)
	}
	st.CommonErrors = topErrors(countsJSON, maxCommonErrors)
	return st, true, nil
}

// topErrors ranks error codes by count descending, code ascending on
// ties, and keeps the first n.
func topErrors(countsJSON string, n int) []string {
	counts := map[string]int64{}
	if err := json.Unmarshal([]byte(countsJSON), &counts); err != nil || len(counts) == 0 {
		return nil
	}

	codes := make([]string, 0, len(counts))
	for code := range counts {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool {
		if counts[codes[i]] != counts[codes[j]] {
			return counts[codes[i]] > counts[codes[j]]
		}
		return codes[i] < codes[j]
	})
	if len(codes) > n {
		codes = codes[:n]
	}
	return codes
}

// Stats reports store-level totals.
func (s *StatsStore) Stats(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entities, totalRuns, totalFailures int64
	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(runs), 0), COALESCE(SUM(failures), 0) FROM entity_stats`,
	).Scan(&entities, &totalRuns, &totalFailures)
	if err != nil {
		return nil, fmt.Errorf("failed to read statistics totals: %w", err)
	}
	return map[string]interface{}{
		"entities":       entities,
		"total_runs":     totalRuns,
		"total_failures": totalFailures,
	}, nil
}

// Close releases the database handle.
func (s *StatsStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	logging.Enrich("Closing run statistics store")
	return s.db.Close()
}
