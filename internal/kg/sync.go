package kg

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"schednerd/internal/logging"
	"schednerd/internal/metrics"
)

// EntityState is one scheduler object as reported by the external system.
type EntityState struct {
	Kind       string                 `json:"kind"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	UpdatedAt  float64                `json:"updated_at,omitempty"`
}

// SchedulerSource abstracts the external scheduler. FetchState returns the
// complete current view keyed by entity id.
type SchedulerSource interface {
	FetchState(ctx context.Context) (map[string]EntityState, error)
}

// Sync change types.
const (
	ChangeCreate = "create"
	ChangeUpdate = "update"
	ChangeDelete = "delete"
)

// SyncChange describes one delta observed against the scheduler.
type SyncChange struct {
	ChangeType string                 `json:"change_type"`
	EntityKind string                 `json:"entity_kind"`
	EntityID   string                 `json:"entity_id"`
	Old        map[string]interface{} `json:"old,omitempty"`
	New        map[string]interface{} `json:"new,omitempty"`
}

// SyncCallback consumes the change set of one cycle. Callbacks run
// sequentially; one failing does not stop the others.
type SyncCallback func(ctx context.Context, changes []SyncChange) error

// syncEntity is the persisted view of one entity under the watermark.
type syncEntity struct {
	Kind       string                 `json:"kind"`
	Hash       string                 `json:"hash"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// syncState is the watermark file layout.
type syncState struct {
	Watermark float64               `json:"watermark"`
	Entities  map[string]syncEntity `json:"entities"`
}

// KGSyncManager computes scheduler deltas against a persisted watermark
// and fans them out to registered callbacks.
type KGSyncManager struct {
	source    SchedulerSource
	statePath string
	interval  time.Duration

	// cycleMu serializes whole sync cycles so two callers cannot compute
	// and deliver the same delta twice.
	cycleMu sync.Mutex

	mu        sync.Mutex
	callbacks []SyncCallback
	watermark float64
	prev      map[string]syncEntity
	seeded    bool

	syncs          int64
	creates        int64
	updates        int64
	deletes        int64
	lastSync       time.Time
	lastDurationMs int64

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewKGSyncManager loads any existing watermark from statePath. A missing
// file means the first cycle performs a full snapshot sync; a corrupt file
// is treated the same way after a warning, since a full resync is always
// safe.
func NewKGSyncManager(source SchedulerSource, statePath string, intervalSeconds int) (*KGSyncManager, error) {
	if source == nil {
		return nil, fmt.Errorf("sync manager requires a scheduler source")
	}
	if intervalSeconds < 1 {
		intervalSeconds = 60
	}
	m := &KGSyncManager{
		source:    source,
		statePath: statePath,
		interval:  time.Duration(intervalSeconds) * time.Second,
	}

	raw, err := os.ReadFile(statePath)
	switch {
	case os.IsNotExist(err):
		logging.Sync("No sync watermark at %s, first cycle will be a full snapshot", statePath)
	case err != nil:
		return nil, fmt.Errorf("failed to read sync watermark: %w", err)
	default:
		var state syncState
		if err := json.Unmarshal(raw, &state); err != nil {
			logging.SyncWarn("Corrupt sync watermark at %s, falling back to full snapshot: %v", statePath, err)
		} else {
			m.watermark = state.Watermark
			m.prev = state.Entities
			m.seeded = true
			logging.Sync("Loaded sync watermark %.1f covering %d entities", state.Watermark, len(state.Entities))
		}
	}
	return m, nil
}

// RegisterCallback appends a consumer of sync change sets.
func (m *KGSyncManager) RegisterCallback(fn SyncCallback) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.mu.Unlock()
}

// SyncNow fetches the scheduler state, diffs it against the watermarked
// previous view, persists the advanced watermark, and invokes callbacks
// with the changes. A fetch or persist failure leaves the watermark
// untouched so the next cycle retries the same delta.
func (m *KGSyncManager) SyncNow(ctx context.Context) ([]SyncChange, error) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	timer := logging.StartTimer(logging.CategorySync, "SyncNow")
	defer timer.Stop()
	start := time.Now()

	fetched, err := m.source.FetchState(ctx)
	if err != nil {
		logging.SyncWarn("Scheduler fetch failed, watermark unchanged: %v", err)
		return nil, fmt.Errorf("scheduler fetch: %w", err)
	}

	m.mu.Lock()
	prev := m.prev
	full := !m.seeded
	current := m.watermark
	callbacks := make([]SyncCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	changes, next := diffState(prev, fetched, full)

	nextWatermark := maxWatermark(current, fetched)
	if err := m.persistState(syncState{Watermark: nextWatermark, Entities: next}); err != nil {
		logging.SyncWarn("Failed to persist sync watermark, will retry next cycle: %v", err)
		return nil, err
	}

	var creates, updates, deletes int64
	for _, ch := range changes {
		switch ch.ChangeType {
		case ChangeCreate:
			creates++
		case ChangeUpdate:
			updates++
		case ChangeDelete:
			deletes++
		}
	}

	m.mu.Lock()
	m.prev = next
	m.watermark = nextWatermark
	m.seeded = true
	m.syncs++
	m.creates += creates
	m.updates += updates
	m.deletes += deletes
	m.lastSync = time.Now()
	m.lastDurationMs = time.Since(start).Milliseconds()
	durationMs := m.lastDurationMs
	m.mu.Unlock()

	metrics.KGSyncChangesTotal.WithLabelValues(ChangeCreate).Add(float64(creates))
	metrics.KGSyncChangesTotal.WithLabelValues(ChangeUpdate).Add(float64(updates))
	metrics.KGSyncChangesTotal.WithLabelValues(ChangeDelete).Add(float64(deletes))
	logging.OpsFor("sync").KGSync(creates, updates, deletes, full, durationMs)
	logging.SyncDebug("Sync cycle: %d creates, %d updates, %d deletes (full=%v)", creates, updates, deletes, full)

	if len(changes) > 0 {
		for i, fn := range callbacks {
			if err := fn(ctx, changes); err != nil {
				logging.SyncWarn("Sync callback %d failed: %v", i, err)
			}
		}
	}
	return changes, nil
}

// diffState compares the fetched view with the previous one. On a full
// sync every fetched entity becomes a create and deletes are impossible.
func diffState(prev map[string]syncEntity, fetched map[string]EntityState, full bool) ([]SyncChange, map[string]syncEntity) {
	next := make(map[string]syncEntity, len(fetched))
	var changes []SyncChange

	for id, st := range fetched {
		h := hashEntity(st)
		next[id] = syncEntity{Kind: st.Kind, Hash: h, Properties: st.Properties}

		if full {
			changes = append(changes, SyncChange{
				ChangeType: ChangeCreate, EntityKind: st.Kind, EntityID: id, New: st.Properties,
			})
			continue
		}
		prevEnt, existed := prev[id]
		switch {
		case !existed:
			changes = append(changes, SyncChange{
				ChangeType: ChangeCreate, EntityKind: st.Kind, EntityID: id, New: st.Properties,
			})
		case prevEnt.Hash != h:
			changes = append(changes, SyncChange{
				ChangeType: ChangeUpdate, EntityKind: st.Kind, EntityID: id,
				Old: prevEnt.Properties, New: st.Properties,
			})
		}
	}

	if !full {
		for id, prevEnt := range prev {
			if _, stillThere := fetched[id]; !stillThere {
				changes = append(changes, SyncChange{
					ChangeType: ChangeDelete, EntityKind: prevEnt.Kind, EntityID: id, Old: prevEnt.Properties,
				})
			}
		}
	}

	// Deterministic order: creates, updates, deletes, each sorted by id
	rank := map[string]int{ChangeCreate: 0, ChangeUpdate: 1, ChangeDelete: 2}
	sort.Slice(changes, func(i, j int) bool {
		if rank[changes[i].ChangeType] != rank[changes[j].ChangeType] {
			return rank[changes[i].ChangeType] < rank[changes[j].ChangeType]
		}
		return changes[i].EntityID < changes[j].EntityID
	})
	return changes, next
}

func hashEntity(st EntityState) string {
	doc := map[string]interface{}{"kind": st.Kind, "properties": st.Properties}
	raw, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// maxWatermark advances monotonically: the greatest entity timestamp seen,
// never going backwards, falling back to now when entities carry none.
func maxWatermark(current float64, fetched map[string]EntityState) float64 {
	next := current
	for _, st := range fetched {
		if st.UpdatedAt > next {
			next = st.UpdatedAt
		}
	}
	if now := float64(time.Now().Unix()); next < now && next == current {
		next = now
	}
	return next
}

func (m *KGSyncManager) persistState(state syncState) error {
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sync state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.statePath), 0755); err != nil {
		return fmt.Errorf("failed to create sync state directory: %w", err)
	}
	tmp := m.statePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return fmt.Errorf("failed to write sync state: %w", err)
	}
	if err := os.Rename(tmp, m.statePath); err != nil {
		return fmt.Errorf("failed to place sync state: %w", err)
	}
	return nil
}

// Start launches the periodic sync loop. Errors log and the loop
// continues at the next tick. Calling it twice is a no-op.
func (m *KGSyncManager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.loopCancel != nil {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.loopCancel = cancel
	done := make(chan struct{})
	m.loopDone = done
	interval := m.interval
	m.mu.Unlock()

	logging.Sync("Scheduler sync started (interval=%s)", interval)
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if _, err := m.SyncNow(loopCtx); err != nil && loopCtx.Err() == nil {
					logging.SyncWarn("Sync cycle failed: %v", err)
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (m *KGSyncManager) Stop() {
	m.mu.Lock()
	cancel := m.loopCancel
	done := m.loopDone
	m.loopCancel = nil
	m.loopDone = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	logging.Sync("Scheduler sync stopped")
}

// Stats reports sync accounting.
func (m *KGSyncManager) Stats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastSync interface{}
	if !m.lastSync.IsZero() {
		lastSync = m.lastSync.UTC().Format(time.RFC3339)
	}
	return map[string]interface{}{
		"syncs":            m.syncs,
		"creates":          m.creates,
		"updates":          m.updates,
		"deletes":          m.deletes,
		"watermark":        m.watermark,
		"tracked_entities": len(m.prev),
		"last_sync":        lastSync,
		"last_duration_ms": m.lastDurationMs,
		"running":          m.loopCancel != nil,
	}
}
