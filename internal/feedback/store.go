// Package feedback persists user ratings of retrieved documents and uses
// them to rerank future retrievals. Ratings live in SQLite; the reranker
// wraps any base retriever and blends per-document adjustments into its
// scores.
package feedback

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"schednerd/internal/logging"
	"schednerd/internal/metrics"
	"schednerd/internal/patterns"
)

const (
	// Ratings outside [-2, +2] are rejected.
	MinRating = -2
	MaxRating = 2

	// Feedback older than the decay window contributes nothing.
	decayWindow = 30 * 24 * time.Hour

	// Query-specific rows count full weight; feedback on the same doc
	// from unrelated queries still matters, but much less.
	specificWeight = 1.0
	globalWeight   = 0.4

	// Adjustments are clamped to this band.
	maxAdjustment = 0.5

	// AuditUserPrefix marks rows written by the audit pipeline rather
	// than a human.
	AuditUserPrefix = "system:"
)

// Record is one rating of one document for one query.
type Record struct {
	ID               int64                  `json:"id,omitempty"`
	QueryFingerprint string                 `json:"query_fingerprint"`
	Query            string                 `json:"query"`
	DocID            string                 `json:"doc_id"`
	Rating           int                    `json:"rating"`
	UserID           string                 `json:"user_id"`
	Response         string                 `json:"response,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        float64                `json:"created_at"`
}

// Store persists feedback records in SQLite.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string

	recorded int64
}

// NewStore opens (or creates) the feedback database at the given path.
func NewStore(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryFeedback, "NewStore")
	defer timer.Stop()

	logging.Feedback("Opening feedback store at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create feedback directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open feedback database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.FeedbackDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.FeedbackDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		logging.FeedbackError("Failed to initialize feedback schema: %v", err)
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS feedback (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		query_fingerprint TEXT NOT NULL,
		query             TEXT NOT NULL DEFAULT '',
		doc_id            TEXT NOT NULL,
		rating            INTEGER NOT NULL,
		user_id           TEXT NOT NULL DEFAULT '',
		response          TEXT NOT NULL DEFAULT '',
		metadata          TEXT NOT NULL DEFAULT '{}',
		created_at        REAL NOT NULL,
		UNIQUE(query_fingerprint, doc_id, user_id, created_at)
	);

	CREATE INDEX IF NOT EXISTS idx_feedback_doc ON feedback(doc_id);
	CREATE INDEX IF NOT EXISTS idx_feedback_fingerprint ON feedback(query_fingerprint);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create feedback schema: %w", err)
	}
	return nil
}

// Record validates and persists one feedback row. The query fingerprint
// is derived from the query when not supplied.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.DocID == "" {
		return fmt.Errorf("feedback requires a doc id")
	}
	if rec.Rating < MinRating || rec.Rating > MaxRating {
		return fmt.Errorf("rating %d outside [%d, %d]", rec.Rating, MinRating, MaxRating)
	}
	if rec.QueryFingerprint == "" {
		rec.QueryFingerprint = patterns.Fingerprint(rec.Query)
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = float64(time.Now().UnixNano()) / 1e9
	}

	metaJSON := "{}"
	if rec.Metadata != nil {
		raw, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal feedback metadata: %w", err)
		}
		metaJSON = string(raw)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO feedback (query_fingerprint, query, doc_id, rating, user_id, response, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.QueryFingerprint, rec.Query, rec.DocID, rec.Rating, rec.UserID, rec.Response, metaJSON, rec.CreatedAt,
	)
	if err != nil {
		logging.FeedbackError("Failed to record feedback for %s: %v", rec.DocID, err)
		return err
	}
	s.recorded++

	metrics.FeedbackRecordsTotal.Inc()
	logging.OpsFor("feedback").FeedbackRecord(rec.DocID, rec.Rating, rec.UserID)
	logging.FeedbackDebug("Recorded rating %+d on %s (user=%s)", rec.Rating, rec.DocID, rec.UserID)
	return nil
}

// Scores computes per-document adjustments in [-0.5, +0.5] for the given
// query. Query-specific rows weigh 1.0 and global rows 0.4, each scaled
// by linear decay over 30 days; the weighted mean of rating/2 is then
// clamped. Documents with no usable feedback are absent from the result.
func (s *Store) Scores(ctx context.Context, query string, docIDs []string) (map[string]float64, error) {
	timer := logging.StartTimer(logging.CategoryFeedback, "Scores")
	defer timer.Stop()

	if len(docIDs) == 0 {
		return map[string]float64{}, nil
	}
	fingerprint := patterns.Fingerprint(query)

	placeholders := strings.Repeat("?,", len(docIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, 0, len(docIDs))
	for _, id := range docIDs {
		args = append(args, id)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(
		`SELECT doc_id, query_fingerprint, rating, created_at FROM feedback WHERE doc_id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	type accum struct {
		weighted float64
		weights  float64
	}
	byDoc := make(map[string]*accum)
	now := float64(time.Now().UnixNano()) / 1e9

	for rows.Next() {
		var docID, fp string
		var rating int
		var createdAt float64
		if err := rows.Scan(&docID, &fp, &rating, &createdAt); err != nil {
			logging.FeedbackWarn("Feedback row scan failed: %v", err)
			continue
		}

		decay := 1.0 - (now-createdAt)/decayWindow.Seconds()
		if decay <= 0 {
			continue
		}
		if decay > 1 {
			decay = 1
		}
		weight := globalWeight
		if fp == fingerprint {
			weight = specificWeight
		}

		a := byDoc[docID]
		if a == nil {
			a = &accum{}
			byDoc[docID] = a
		}
		w := weight * decay
		a.weighted += w * float64(rating) / float64(MaxRating)
		a.weights += w
	}

	scores := make(map[string]float64, len(byDoc))
	for docID, a := range byDoc {
		if a.weights == 0 {
			continue
		}
		adj := a.weighted / a.weights
		if adj > maxAdjustment {
			adj = maxAdjustment
		}
		if adj < -maxAdjustment {
			adj = -maxAdjustment
		}
		scores[docID] = adj
	}
	logging.FeedbackDebug("Scored %d of %d docs for fingerprint %s", len(scores), len(docIDs), fingerprint)
	return scores, nil
}

// PruneAuditRecords deletes audit-origin rows older than maxAge. Human
// feedback is never pruned here.
func (s *Store) PruneAuditRecords(ctx context.Context, maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := float64(time.Now().Add(-maxAge).UnixNano()) / 1e9
	res, err := s.db.Exec(
		`DELETE FROM feedback WHERE user_id LIKE ? AND created_at < ?`,
		AuditUserPrefix+"%", cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit feedback: %w", err)
	}
	pruned, _ := res.RowsAffected()
	if pruned > 0 {
		logging.Feedback("Pruned %d audit feedback rows older than %s", pruned, maxAge)
	}
	return pruned, nil
}

// Stats summarizes the store.
func (s *Store) Stats(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stats := map[string]interface{}{"recorded_this_run": s.recorded}

	var total, docs, fingerprints, auditRows int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM feedback`).Scan(&total); err != nil {
		return nil, err
	}
	s.db.QueryRow(`SELECT COUNT(DISTINCT doc_id) FROM feedback`).Scan(&docs)
	s.db.QueryRow(`SELECT COUNT(DISTINCT query_fingerprint) FROM feedback`).Scan(&fingerprints)
	s.db.QueryRow(`SELECT COUNT(*) FROM feedback WHERE user_id LIKE ?`, AuditUserPrefix+"%").Scan(&auditRows)
	stats["total"] = total
	stats["distinct_docs"] = docs
	stats["distinct_fingerprints"] = fingerprints
	stats["audit_rows"] = auditRows

	byRating := make(map[string]int64)
	rows, err := s.db.Query(`SELECT rating, COUNT(*) FROM feedback GROUP BY rating`)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var rating int
			var count int64
			if rows.Scan(&rating, &count) == nil {
				byRating[fmt.Sprintf("%+d", rating)] = count
			}
		}
	}
	stats["by_rating"] = byRating
	return stats, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
