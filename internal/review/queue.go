// Package review decides which query/response pairs deserve a human look
// and manages the resulting queue. An uncertainty detector collects reasons
// from confidence signals, a pattern tracker keeps per-fingerprint history,
// and the queue itself lives in SQLite so pending work survives restarts.
package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"schednerd/internal/logging"
	"schednerd/internal/metrics"
	"schednerd/internal/patterns"
)

// Status of a review item. Terminal statuses never change again.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusApproved   Status = "approved"
	StatusCorrected  Status = "corrected"
	StatusRejected   Status = "rejected"
	StatusExpired    Status = "expired"
)

// terminal reports whether a status can never transition again.
func (s Status) terminal() bool {
	switch s {
	case StatusApproved, StatusCorrected, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Item is one queued review request.
type Item struct {
	ID               string             `json:"id"`
	Query            string             `json:"query"`
	ProposedResponse string             `json:"proposed_response"`
	Reasons          []Reason           `json:"reasons"`
	Confidences      map[string]float64 `json:"confidences"`
	Status           Status             `json:"status"`
	CreatedAt        float64            `json:"created_at"`
	ReviewerID       string             `json:"reviewer_id,omitempty"`
	Correction       string             `json:"correction,omitempty"`
	Feedback         string             `json:"feedback,omitempty"`
}

// ReviewQueue persists review items and learning outcomes. It also owns
// the pattern tracker, which shares the same database file.
type ReviewQueue struct {
	db      *sql.DB
	mu      sync.RWMutex
	dbPath  string
	tracker *PatternTracker

	enqueued int64
	resolved int64
}

// NewReviewQueue opens (or creates) the review database at the given path.
func NewReviewQueue(path string) (*ReviewQueue, error) {
	timer := logging.StartTimer(logging.CategoryReview, "NewReviewQueue")
	defer timer.Stop()

	logging.Review("Opening review queue at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create review directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open review database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.ReviewDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.ReviewDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	q := &ReviewQueue{db: db, dbPath: path}
	if err := q.initialize(); err != nil {
		logging.ReviewError("Failed to initialize review schema: %v", err)
		db.Close()
		return nil, err
	}

	tracker, err := newPatternTracker(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	q.tracker = tracker

	// Restore the depth gauge for items left over from a previous run.
	if n, err := q.pendingCount(); err == nil {
		metrics.ReviewQueueDepth.Set(float64(n))
	}
	return q, nil
}

func (q *ReviewQueue) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS review_items (
		id                TEXT PRIMARY KEY,
		query             TEXT NOT NULL,
		proposed_response TEXT NOT NULL DEFAULT '',
		reasons           TEXT NOT NULL DEFAULT '[]',
		confidences       TEXT NOT NULL DEFAULT '{}',
		status            TEXT NOT NULL DEFAULT 'pending',
		created_at        REAL NOT NULL,
		reviewer_id       TEXT NOT NULL DEFAULT '',
		correction        TEXT NOT NULL DEFAULT '',
		feedback          TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_review_status ON review_items(status, created_at);

	CREATE TABLE IF NOT EXISTS learning_outcomes (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		fingerprint TEXT NOT NULL,
		correction  TEXT NOT NULL,
		created_at  REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pattern_stats (
		pattern_id     TEXT PRIMARY KEY,
		occurrences    INTEGER NOT NULL DEFAULT 0,
		avg_confidence REAL NOT NULL DEFAULT 0,
		last_seen      REAL NOT NULL DEFAULT 0,
		is_error       INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := q.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create review schema: %w", err)
	}
	return nil
}

// Tracker returns the pattern tracker backed by this queue's database.
func (q *ReviewQueue) Tracker() *PatternTracker {
	return q.tracker
}

// Enqueue inserts a new pending item and returns it.
func (q *ReviewQueue) Enqueue(ctx context.Context, query, response string, reasons []Reason, confidences map[string]float64) (*Item, error) {
	if query == "" {
		return nil, fmt.Errorf("review item requires a query")
	}
	if len(reasons) == 0 {
		return nil, fmt.Errorf("review item requires at least one reason")
	}

	item := &Item{
		ID:               uuid.New().String(),
		Query:            query,
		ProposedResponse: response,
		Reasons:          append([]Reason(nil), reasons...),
		Confidences:      confidences,
		Status:           StatusPending,
		CreatedAt:        float64(time.Now().UnixNano()) / 1e9,
	}

	reasonsJSON, err := json.Marshal(item.Reasons)
	if err != nil {
		return nil, fmt.Errorf("failed to encode reasons: %w", err)
	}
	confJSON, err := json.Marshal(item.Confidences)
	if err != nil {
		return nil, fmt.Errorf("failed to encode confidences: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO review_items (id, query, proposed_response, reasons, confidences, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.Query, item.ProposedResponse, string(reasonsJSON), string(confJSON), string(item.Status), item.CreatedAt)
	if err != nil {
		logging.ReviewError("Failed to enqueue review item: %v", err)
		return nil, fmt.Errorf("failed to enqueue review item: %w", err)
	}

	q.enqueued++
	for _, r := range item.Reasons {
		metrics.ReviewEnqueuedTotal.WithLabelValues(string(r)).Inc()
	}
	q.refreshDepthLocked()
	logging.OpsFor("review").ReviewEnqueue(item.ID, reasonStrings(item.Reasons))
	logging.Review("Enqueued review %s (%d reasons)", item.ID, len(item.Reasons))
	return item, nil
}

// Pending returns pending items oldest first. A zero or negative limit
// means no limit; a non-empty reasonFilter keeps only items carrying that
// reason.
func (q *ReviewQueue) Pending(ctx context.Context, limit int, reasonFilter Reason) ([]Item, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, query, proposed_response, reasons, confidences, status, created_at, reviewer_id, correction, feedback
		FROM review_items
		WHERE status = ?
		ORDER BY created_at ASC
	`, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending reviews: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			logging.ReviewWarn("Skipping unreadable review row: %v", err)
			continue
		}
		if reasonFilter != "" && !hasReason(item.Reasons, reasonFilter) {
			continue
		}
		items = append(items, item)
		if limit > 0 && len(items) >= limit {
			break
		}
	}
	return items, rows.Err()
}

// Get returns a single item by id. The boolean is false when the id is
// unknown.
func (q *ReviewQueue) Get(ctx context.Context, id string) (Item, bool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.getLocked(ctx, id)
}

func (q *ReviewQueue) getLocked(ctx context.Context, id string) (Item, bool, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, query, proposed_response, reasons, confidences, status, created_at, reviewer_id, correction, feedback
		FROM review_items WHERE id = ?
	`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, fmt.Errorf("failed to load review item: %w", err)
	}
	return item, true, nil
}

// SubmitReview moves an item to a new status. The boolean is false when
// the id is unknown. A corrected submission also records a learning
// outcome keyed by the query's fingerprint.
func (q *ReviewQueue) SubmitReview(ctx context.Context, id string, status Status, reviewer, correction, feedback string) (bool, error) {
	switch status {
	case StatusInProgress, StatusApproved, StatusCorrected, StatusRejected:
	default:
		return false, fmt.Errorf("cannot submit review with status %q", status)
	}
	if status == StatusCorrected && correction == "" {
		return false, fmt.Errorf("corrected review requires a correction")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	item, found, err := q.getLocked(ctx, id)
	if err != nil {
		return false, err
	}
	if !found {
		logging.ReviewDebug("SubmitReview for unknown id %s", id)
		return false, nil
	}
	if item.Status.terminal() {
		return true, fmt.Errorf("review %s already resolved as %s", id, item.Status)
	}
	if item.Status == StatusInProgress && status == StatusInProgress {
		return true, fmt.Errorf("review %s is already in progress", id)
	}

	_, err = q.db.ExecContext(ctx, `
		UPDATE review_items
		SET status = ?, reviewer_id = ?, correction = ?, feedback = ?
		WHERE id = ?
	`, string(status), reviewer, correction, feedback, id)
	if err != nil {
		return true, fmt.Errorf("failed to update review item: %w", err)
	}

	if status == StatusCorrected {
		fp := patterns.Fingerprint(item.Query)
		if _, err := q.db.ExecContext(ctx, `
			INSERT INTO learning_outcomes (fingerprint, correction, created_at)
			VALUES (?, ?, ?)
		`, fp, correction, float64(time.Now().UnixNano())/1e9); err != nil {
			logging.ReviewWarn("Failed to record learning outcome for %s: %v", id, err)
		} else {
			logging.Review("Recorded learning outcome for pattern %s", fp)
		}
	}

	if status.terminal() {
		q.resolved++
	}
	q.refreshDepthLocked()
	logging.OpsFor("review").ReviewResolve(id, string(status), reviewer)
	return true, nil
}

// ExpireOld flips pending and in-progress items older than maxAge to
// expired and returns how many changed.
func (q *ReviewQueue) ExpireOld(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := float64(time.Now().Add(-maxAge).UnixNano()) / 1e9

	q.mu.Lock()
	defer q.mu.Unlock()

	result, err := q.db.ExecContext(ctx, `
		UPDATE review_items
		SET status = ?
		WHERE status IN (?, ?) AND created_at < ?
	`, string(StatusExpired), string(StatusPending), string(StatusInProgress), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire review items: %w", err)
	}

	expired, _ := result.RowsAffected()
	if expired > 0 {
		logging.Review("Expired %d review items older than %s", expired, maxAge)
	}
	q.refreshDepthLocked()
	return int(expired), nil
}

// Stats returns queue counters.
func (q *ReviewQueue) Stats(ctx context.Context) (map[string]interface{}, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	byStatus := make(map[string]int64)
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM review_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query review stats: %w", err)
	}
	defer rows.Close()

	var total int64
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		byStatus[status] = n
		total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var outcomes int64
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM learning_outcomes`).Scan(&outcomes); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"total":             total,
		"pending":           byStatus[string(StatusPending)],
		"by_status":         byStatus,
		"learning_outcomes": outcomes,
		"enqueued_this_run": q.enqueued,
		"resolved_this_run": q.resolved,
	}, nil
}

// Close closes the underlying database.
func (q *ReviewQueue) Close() error {
	logging.Review("Closing review queue")
	return q.db.Close()
}

func (q *ReviewQueue) pendingCount() (int64, error) {
	var n int64
	err := q.db.QueryRow(`SELECT COUNT(*) FROM review_items WHERE status = ?`, string(StatusPending)).Scan(&n)
	return n, err
}

// refreshDepthLocked re-reads the pending count into the depth gauge.
// Caller holds q.mu.
func (q *ReviewQueue) refreshDepthLocked() {
	if n, err := q.pendingCount(); err == nil {
		metrics.ReviewQueueDepth.Set(float64(n))
	}
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(r rowScanner) (Item, error) {
	var item Item
	var status, reasonsJSON, confJSON string
	err := r.Scan(&item.ID, &item.Query, &item.ProposedResponse, &reasonsJSON, &confJSON,
		&status, &item.CreatedAt, &item.ReviewerID, &item.Correction, &item.Feedback)
	if err != nil {
		return Item{}, err
	}
	item.Status = Status(status)
	if err := json.Unmarshal([]byte(reasonsJSON), &item.Reasons); err != nil {
		return Item{}, fmt.Errorf("corrupt reasons for %s: %w", item.ID, err)
	}
	if err := json.Unmarshal([]byte(confJSON), &item.Confidences); err != nil {
		return Item{}, fmt.Errorf("corrupt confidences for %s: %w", item.ID, err)
	}
	return item, nil
}

func hasReason(reasons []Reason, want Reason) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}

func reasonStrings(reasons []Reason) []string {
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = string(r)
	}
	return out
}
