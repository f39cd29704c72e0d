// Operational event trail for schedNERD. Events are structured JSON lines
// that downstream tooling can parse to reconstruct what the substrate did:
// evictions, rotations, snapshot restores, review decisions, sync deltas.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// OPS EVENT TYPES
// =============================================================================

// OpsEventType defines the type of operational event
type OpsEventType string

const (
	// Cache lifecycle events
	OpsCacheEvict  OpsEventType = "cache_evict"
	OpsCacheExpire OpsEventType = "cache_expire"
	OpsCacheClear  OpsEventType = "cache_clear"

	// WAL events
	OpsWALRotate  OpsEventType = "wal_rotate"
	OpsWALReplay  OpsEventType = "wal_replay"
	OpsWALCleanup OpsEventType = "wal_cleanup"

	// Snapshot events
	OpsSnapshotCreate  OpsEventType = "snapshot_create"
	OpsSnapshotRestore OpsEventType = "snapshot_restore"
	OpsSnapshotCleanup OpsEventType = "snapshot_cleanup"

	// Transaction events
	OpsTxnBegin    OpsEventType = "txn_begin"
	OpsTxnCommit   OpsEventType = "txn_commit"
	OpsTxnRollback OpsEventType = "txn_rollback"
	OpsTxnExpire   OpsEventType = "txn_expire"

	// Feedback events
	OpsFeedbackRecord OpsEventType = "feedback_record"
	OpsFeedbackPrune  OpsEventType = "feedback_prune"

	// Review queue events
	OpsReviewEnqueue OpsEventType = "review_enqueue"
	OpsReviewResolve OpsEventType = "review_resolve"
	OpsReviewExpire  OpsEventType = "review_expire"

	// Audit pipeline events
	OpsFindingProcessed OpsEventType = "finding_processed"
	OpsFindingSkipped   OpsEventType = "finding_skipped"

	// Enrichment events
	OpsQueryEnrich OpsEventType = "query_enrich"

	// Knowledge graph events
	OpsKGRefresh OpsEventType = "kg_refresh"
	OpsKGSync    OpsEventType = "kg_sync"

	// LLM API events
	OpsLLMRequest  OpsEventType = "llm_request"
	OpsLLMResponse OpsEventType = "llm_response"
	OpsLLMError    OpsEventType = "llm_error"

	// Health events
	OpsHealthCheck OpsEventType = "health_check"

	// Error events
	OpsErrorGeneric  OpsEventType = "error_generic"
	OpsErrorCritical OpsEventType = "error_critical"
	OpsErrorRecovery OpsEventType = "error_recovery"
)

// OpsEvent represents a structured operational event
type OpsEvent struct {
	Timestamp  int64                  `json:"ts"`        // Unix milliseconds
	EventType  OpsEventType           `json:"event"`     // Event kind
	Component  string                 `json:"component"` // Emitting component
	Target     string                 `json:"target"`    // Target of operation (key, file, node)
	Success    bool                   `json:"success"`   // Operation succeeded
	DurationMs int64                  `json:"dur_ms"`    // Duration in milliseconds
	Count      int64                  `json:"count"`     // Affected item count if applicable
	Error      string                 `json:"error"`     // Error message if failed
	Message    string                 `json:"msg"`       // Human-readable message
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// =============================================================================
// OPS LOGGER
// =============================================================================

var (
	opsFile   *os.File
	opsMu     sync.Mutex
	opsLogger *OpsLogger
)

// OpsLogger handles structured operational event logging
type OpsLogger struct {
	component string
}

// InitOps initializes the operational event trail
func InitOps() error {
	if !IsDebugMode() {
		return nil
	}

	opsMu.Lock()
	defer opsMu.Unlock()

	if opsFile != nil {
		return nil // Already initialized
	}

	date := time.Now().Format("2006-01-02")
	opsPath := filepath.Join(logsDir, fmt.Sprintf("%s_ops.jsonl", date))

	file, err := os.OpenFile(opsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create ops log: %w", err)
	}
	opsFile = file

	return nil
}

// CloseOps closes the ops log file
func CloseOps() {
	opsMu.Lock()
	defer opsMu.Unlock()

	if opsFile != nil {
		opsFile.Close()
		opsFile = nil
	}
}

// Ops returns the global ops logger
func Ops() *OpsLogger {
	if opsLogger == nil {
		opsLogger = &OpsLogger{}
	}
	return opsLogger
}

// OpsFor creates an ops logger scoped to a component
func OpsFor(component string) *OpsLogger {
	return &OpsLogger{component: component}
}

// Log writes an operational event
func (o *OpsLogger) Log(event OpsEvent) {
	if !IsDebugMode() || opsFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.Component == "" && o.component != "" {
		event.Component = o.component
	}

	opsMu.Lock()
	defer opsMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		opsFile.WriteString(string(data) + "\n")
	}
}

// =============================================================================
// CONVENIENCE METHODS FOR COMMON EVENTS
// =============================================================================

// CacheEvict logs an eviction with its score
func (o *OpsLogger) CacheEvict(key string, freedBytes int64, score float64) {
	o.Log(OpsEvent{
		EventType: OpsCacheEvict,
		Target:    key,
		Success:   true,
		Count:     freedBytes,
		Fields:    map[string]interface{}{"score": score},
		Message:   fmt.Sprintf("Evicted %s (%d bytes, score=%.3f)", key, freedBytes, score),
	})
}

// CacheExpire logs a cleanup pass
func (o *OpsLogger) CacheExpire(removed int64, durationMs int64) {
	o.Log(OpsEvent{
		EventType:  OpsCacheExpire,
		Success:    true,
		Count:      removed,
		DurationMs: durationMs,
		Message:    fmt.Sprintf("Cleanup removed %d expired entries (%dms)", removed, durationMs),
	})
}

// WALRotate logs a segment rotation
func (o *OpsLogger) WALRotate(oldSegment, newSegment string, oldSize int64) {
	o.Log(OpsEvent{
		EventType: OpsWALRotate,
		Target:    newSegment,
		Success:   true,
		Count:     oldSize,
		Fields:    map[string]interface{}{"previous": oldSegment},
		Message:   fmt.Sprintf("Rotated WAL segment %s -> %s (%d bytes)", oldSegment, newSegment, oldSize),
	})
}

// WALReplay logs a replay pass
func (o *OpsLogger) WALReplay(applied, skipped int64, durationMs int64) {
	o.Log(OpsEvent{
		EventType:  OpsWALReplay,
		Success:    true,
		Count:      applied,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"skipped": skipped},
		Message:    fmt.Sprintf("WAL replay applied %d entries, skipped %d (%dms)", applied, skipped, durationMs),
	})
}

// SnapshotCreate logs a snapshot capture
func (o *OpsLogger) SnapshotCreate(path string, entries int64, durationMs int64, success bool, errMsg string) {
	o.Log(OpsEvent{
		EventType:  OpsSnapshotCreate,
		Target:     path,
		Success:    success,
		Count:      entries,
		DurationMs: durationMs,
		Error:      errMsg,
		Message:    fmt.Sprintf("Snapshot %s: %d entries (success=%v)", path, entries, success),
	})
}

// SnapshotRestore logs a snapshot restore
func (o *OpsLogger) SnapshotRestore(path string, entries int64, success bool, errMsg string) {
	o.Log(OpsEvent{
		EventType: OpsSnapshotRestore,
		Target:    path,
		Success:   success,
		Count:     entries,
		Error:     errMsg,
		Message:   fmt.Sprintf("Restore %s: %d entries (success=%v)", path, entries, success),
	})
}

// TxnEvent logs a transaction state change
func (o *OpsLogger) TxnEvent(eventType OpsEventType, txnID, primaryKey string) {
	o.Log(OpsEvent{
		EventType: eventType,
		Target:    txnID,
		Success:   true,
		Fields:    map[string]interface{}{"primary_key": primaryKey},
		Message:   fmt.Sprintf("Transaction %s: %s (key=%s)", eventType, txnID, primaryKey),
	})
}

// FeedbackRecord logs a recorded feedback entry
func (o *OpsLogger) FeedbackRecord(docID string, rating int, userID string) {
	o.Log(OpsEvent{
		EventType: OpsFeedbackRecord,
		Target:    docID,
		Success:   true,
		Fields:    map[string]interface{}{"rating": rating, "user": userID},
		Message:   fmt.Sprintf("Feedback %+d on %s by %s", rating, docID, userID),
	})
}

// ReviewEnqueue logs a review queue insertion
func (o *OpsLogger) ReviewEnqueue(itemID string, reasons []string) {
	o.Log(OpsEvent{
		EventType: OpsReviewEnqueue,
		Target:    itemID,
		Success:   true,
		Fields:    map[string]interface{}{"reasons": reasons},
		Message:   fmt.Sprintf("Enqueued review %s (%d reasons)", itemID, len(reasons)),
	})
}

// ReviewResolve logs a review resolution
func (o *OpsLogger) ReviewResolve(itemID, status, reviewer string) {
	o.Log(OpsEvent{
		EventType: OpsReviewResolve,
		Target:    itemID,
		Success:   true,
		Fields:    map[string]interface{}{"status": status, "reviewer": reviewer},
		Message:   fmt.Sprintf("Review %s resolved as %s by %s", itemID, status, reviewer),
	})
}

// FindingProcessed logs an audit finding run through the pipeline
func (o *OpsLogger) FindingProcessed(findingID, errorType string, edges, penalized int64, durationMs int64) {
	o.Log(OpsEvent{
		EventType:  OpsFindingProcessed,
		Target:     findingID,
		Success:    true,
		Count:      edges,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"error_type": errorType, "penalized": penalized},
		Message:    fmt.Sprintf("Finding %s (%s): %d edges, %d docs penalized", findingID, errorType, edges, penalized),
	})
}

// QueryEnriched logs a query that picked up scheduler context
func (o *OpsLogger) QueryEnriched(fragments int64, kinds []string, durationMs int64) {
	o.Log(OpsEvent{
		EventType:  OpsQueryEnrich,
		Success:    true,
		Count:      fragments,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"kinds": kinds},
		Message:    fmt.Sprintf("Query enriched with %d context fragments", fragments),
	})
}

// KGRefresh logs a knowledge graph cache refresh
func (o *OpsLogger) KGRefresh(durationMs int64, success bool, errMsg string) {
	o.Log(OpsEvent{
		EventType:  OpsKGRefresh,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Message:    fmt.Sprintf("KG refresh (%dms, success=%v)", durationMs, success),
	})
}

// KGSync logs a scheduler sync delta
func (o *OpsLogger) KGSync(creates, updates, deletes int64, full bool, durationMs int64) {
	o.Log(OpsEvent{
		EventType:  OpsKGSync,
		Success:    true,
		Count:      creates + updates + deletes,
		DurationMs: durationMs,
		Fields: map[string]interface{}{
			"creates": creates,
			"updates": updates,
			"deletes": deletes,
			"full":    full,
		},
		Message: fmt.Sprintf("Sync delta: +%d ~%d -%d (full=%v, %dms)", creates, updates, deletes, full, durationMs),
	})
}

// LLMCall logs an LLM API call
func (o *OpsLogger) LLMCall(model string, durationMs int64, success bool, errMsg string) {
	eventType := OpsLLMResponse
	if !success {
		eventType = OpsLLMError
	}
	o.Log(OpsEvent{
		EventType:  eventType,
		Target:     model,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Message:    fmt.Sprintf("LLM call: %s (%dms, success=%v)", model, durationMs, success),
	})
}

// HealthCheck logs a health check result
func (o *OpsLogger) HealthCheck(status string, durationMs int64, issues []string) {
	o.Log(OpsEvent{
		EventType:  OpsHealthCheck,
		Success:    status == "healthy",
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"status": status, "issues": issues},
		Message:    fmt.Sprintf("Health check: %s (%d issues)", status, len(issues)),
	})
}

// Error logs an error event
func (o *OpsLogger) Error(component string, err error, critical bool) {
	eventType := OpsErrorGeneric
	if critical {
		eventType = OpsErrorCritical
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	o.Log(OpsEvent{
		EventType: eventType,
		Component: component,
		Success:   false,
		Error:     errMsg,
		Message:   fmt.Sprintf("Error in %s: %s (critical=%v)", component, errMsg, critical),
	})
}
