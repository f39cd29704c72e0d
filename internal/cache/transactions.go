package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"schednerd/internal/logging"
	"schednerd/internal/metrics"
)

// TxnStatus is the lifecycle state of a transaction. Every state other
// than active is terminal.
type TxnStatus string

const (
	TxnActive     TxnStatus = "active"
	TxnCommitted  TxnStatus = "committed"
	TxnRolledBack TxnStatus = "rolled_back"
	TxnExpired    TxnStatus = "expired"
)

// TxnOperation is one recorded step of a transaction, carrying what is
// needed to undo it: the prior value and TTL for the key, or nil when the
// key did not exist before.
type TxnOperation struct {
	Op        string
	Key       string
	PrevValue any
	PrevTTL   *float64
}

// Transaction tracks one bracketed multi-key sequence.
type Transaction struct {
	ID         string
	PrimaryKey string
	StartedAt  time.Time
	Operations []TxnOperation
	Status     TxnStatus
}

// TransactionManager hands out transaction ids and enforces the state
// machine: active -> committed | rolled_back | expired, terminal states
// sticky.
type TransactionManager struct {
	mu        sync.Mutex
	txns      map[string]*Transaction
	maxActive int
	timeout   time.Duration

	active    int
	committed int64
	rolled    int64
	expired   int64
}

// NewTransactionManager builds a manager with the given concurrency cap
// and expiration timeout.
func NewTransactionManager(maxActive int, timeout time.Duration) *TransactionManager {
	return &TransactionManager{
		txns:      make(map[string]*Transaction),
		maxActive: maxActive,
		timeout:   timeout,
	}
}

// Begin opens a transaction for the given primary key and returns its id.
// Fails when the active-transaction cap is reached.
func (tm *TransactionManager) Begin(primaryKey string) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.active >= tm.maxActive {
		return "", fmt.Errorf("%w: %d active (cap %d)", ErrTooManyTransactions, tm.active, tm.maxActive)
	}

	id := uuid.NewString()
	tm.txns[id] = &Transaction{
		ID:         id,
		PrimaryKey: primaryKey,
		StartedAt:  time.Now(),
		Status:     TxnActive,
	}
	tm.active++
	metrics.TxnActive.Set(float64(tm.active))
	logging.OpsFor("txn").TxnEvent(logging.OpsTxnBegin, id, primaryKey)
	logging.TxnDebug("Began transaction %s (primary key %s, %d active)", id, primaryKey, tm.active)
	return id, nil
}

// Commit transitions active -> committed. Returns false when the
// transaction is unknown or not active; a terminal status never changes.
func (tm *TransactionManager) Commit(id string) bool {
	return tm.finish(id, TxnCommitted)
}

// Rollback transitions active -> rolled_back. Returns false when the
// transaction is unknown or not active.
func (tm *TransactionManager) Rollback(id string) bool {
	return tm.finish(id, TxnRolledBack)
}

func (tm *TransactionManager) finish(id string, target TxnStatus) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	txn, ok := tm.txns[id]
	if !ok || txn.Status != TxnActive {
		return false
	}

	txn.Status = target
	tm.active--
	metrics.TxnActive.Set(float64(tm.active))

	switch target {
	case TxnCommitted:
		tm.committed++
		metrics.TxnResolvedTotal.WithLabelValues("committed").Inc()
		logging.OpsFor("txn").TxnEvent(logging.OpsTxnCommit, id, txn.PrimaryKey)
	case TxnRolledBack:
		tm.rolled++
		metrics.TxnResolvedTotal.WithLabelValues("rolled_back").Inc()
		logging.OpsFor("txn").TxnEvent(logging.OpsTxnRollback, id, txn.PrimaryKey)
	}
	return true
}

// State returns the status of a transaction without changing it.
func (tm *TransactionManager) State(id string) (TxnStatus, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	txn, ok := tm.txns[id]
	if !ok {
		return "", false
	}
	return txn.Status, true
}

// Info returns a copy of the transaction record for inspection.
func (tm *TransactionManager) Info(id string) (*Transaction, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	txn, ok := tm.txns[id]
	if !ok {
		return nil, false
	}
	cp := *txn
	cp.Operations = append([]TxnOperation(nil), txn.Operations...)
	return &cp, true
}

// RecordOperation appends an undo step to an active transaction. Returns
// false when the transaction is unknown or already terminal.
func (tm *TransactionManager) RecordOperation(id string, op TxnOperation) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	txn, ok := tm.txns[id]
	if !ok || txn.Status != TxnActive {
		return false
	}
	txn.Operations = append(txn.Operations, op)
	return true
}

// CleanupExpired transitions active transactions older than the timeout to
// expired and returns how many changed. Terminal transactions are never
// touched.
func (tm *TransactionManager) CleanupExpired() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	cutoff := time.Now().Add(-tm.timeout)
	count := 0
	for _, txn := range tm.txns {
		if txn.Status != TxnActive || txn.StartedAt.After(cutoff) {
			continue
		}
		txn.Status = TxnExpired
		tm.active--
		tm.expired++
		count++
		metrics.TxnResolvedTotal.WithLabelValues("expired").Inc()
		logging.OpsFor("txn").TxnEvent(logging.OpsTxnExpire, txn.ID, txn.PrimaryKey)
	}

	if count > 0 {
		metrics.TxnActive.Set(float64(tm.active))
		logging.Txn("Expired %d transactions past %s timeout", count, tm.timeout)
	}
	return count
}

// Stats reports transaction counters.
func (tm *TransactionManager) Stats() map[string]interface{} {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	return map[string]interface{}{
		"active":      tm.active,
		"committed":   tm.committed,
		"rolled_back": tm.rolled,
		"expired":     tm.expired,
		"max_active":  tm.maxActive,
		"timeout":     tm.timeout.String(),
		"tracked":     len(tm.txns),
	}
}
