package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"schednerd/internal/logging"
	"schednerd/internal/metrics"
	"schednerd/internal/wal"
)

// Health statuses, ordered from best to worst.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthError    = "error"
	HealthCritical = "critical"
)

// warmingTTLCap bounds adaptive TTL extension to 24 hours.
const warmingTTLCap = 24 * 3600

// healthProbeKey is the synthetic key used by the round-trip health check.
const healthProbeKey = "health:probe"

// Options configures a ShardedTTLCache. Zero values fall back to serving
// defaults.
type Options struct {
	NumShards        int
	DefaultTTL       float64
	MaxEntries       int
	MaxMemoryMB      int
	ParanoiaMode     bool
	CleanupInterval  time.Duration
	WarmingInterval  time.Duration
	WarmingMinAccess int64

	// WAL enables durability when non-nil. The cache drains it exactly
	// once on first use and logs every mutation to it first.
	WAL *wal.WAL

	// SnapshotDir enables snapshots when non-empty.
	SnapshotDir string

	TxnMaxActive int
	TxnTimeout   time.Duration
}

func (o *Options) applyDefaults() {
	if o.NumShards <= 0 {
		o.NumShards = 8
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = 3600
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = 100000
	}
	if o.MaxMemoryMB <= 0 {
		o.MaxMemoryMB = 100
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 60 * time.Second
	}
	if o.WarmingInterval <= 0 {
		o.WarmingInterval = 300 * time.Second
	}
	if o.WarmingMinAccess <= 0 {
		o.WarmingMinAccess = 5
	}
	if o.TxnMaxActive <= 0 {
		o.TxnMaxActive = 100
	}
	if o.TxnTimeout <= 0 {
		o.TxnTimeout = 5 * time.Minute
	}
}

// ShardedTTLCache is the primary concurrent key-value cache. It composes
// the memory manager for admission and eviction, the WAL for durability,
// the persistence manager for snapshots, and the transaction manager for
// multi-key sequences.
type ShardedTTLCache struct {
	shards      []*shard
	defaultTTL  float64
	memory      *MemoryManager
	wal         *wal.WAL
	persistence *PersistenceManager
	txns        *TransactionManager

	cleanupInterval  time.Duration
	warmingInterval  time.Duration
	warmingMinAccess int64

	replayOnce sync.Once

	sets        atomic.Int64
	gets        atomic.Int64
	hits        atomic.Int64
	misses      atomic.Int64
	expirations atomic.Int64

	cleanupStarted   atomic.Bool
	cleanupHeartbeat atomic.Int64

	errCh chan error
}

// New builds the cache and its collaborators. Background loops are not
// started; call StartCleanup and StartWarming with a lifecycle context.
func New(opts Options) (*ShardedTTLCache, error) {
	opts.applyDefaults()

	c := &ShardedTTLCache{
		shards:           make([]*shard, opts.NumShards),
		defaultTTL:       opts.DefaultTTL,
		memory:           NewMemoryManager(opts.MaxEntries, opts.MaxMemoryMB, opts.ParanoiaMode),
		wal:              opts.WAL,
		txns:             NewTransactionManager(opts.TxnMaxActive, opts.TxnTimeout),
		cleanupInterval:  opts.CleanupInterval,
		warmingInterval:  opts.WarmingInterval,
		warmingMinAccess: opts.WarmingMinAccess,
		errCh:            make(chan error, 4),
	}
	for i := range c.shards {
		c.shards[i] = newShard()
	}

	if opts.SnapshotDir != "" {
		pm, err := NewPersistenceManager(opts.SnapshotDir)
		if err != nil {
			return nil, err
		}
		c.persistence = pm
	}

	logging.Cache("Cache ready: %d shards, default ttl %.0fs, wal=%v, snapshots=%v",
		opts.NumShards, opts.DefaultTTL, opts.WAL != nil, c.persistence != nil)
	return c, nil
}

// Transactions exposes the transaction manager for callers composing
// multi-key sequences.
func (c *ShardedTTLCache) Transactions() *TransactionManager { return c.txns }

// Err delivers subsystem failures from background loops so a supervisor
// can restart them.
func (c *ShardedTTLCache) Err() <-chan error { return c.errCh }

// ensureReplayed drains the WAL into the cache exactly once, before the
// first operation that could observe or mutate state.
func (c *ShardedTTLCache) ensureReplayed(ctx context.Context) {
	if c.wal == nil {
		return
	}
	c.replayOnce.Do(func() {
		applied, err := c.wal.Replay(ctx, c.applyReplayed)
		if err != nil {
			logging.CacheWarn("WAL replay incomplete after %d entries: %v", applied, err)
			return
		}
		if applied > 0 {
			logging.Cache("Recovered %d entries from WAL", applied)
		}
		metrics.CacheEntries.Set(float64(c.Size()))
	})
}

// applyReplayed is the WAL replay applier. Replayed entries install with a
// fresh timestamp; expirations that happened after the append show up as
// EXPIRE records and undo the install.
func (c *ShardedTTLCache) applyReplayed(op, key string, value any, ttl *float64) error {
	switch op {
	case wal.OpSet:
		return c.ApplyWALSet(key, value, ttl)
	case wal.OpDelete, wal.OpExpire:
		return c.ApplyWALDelete(key)
	default:
		return fmt.Errorf("unknown wal operation %q", op)
	}
}

// ApplyWALSet installs an entry with the same effect as Set but never
// re-logs.
func (c *ShardedTTLCache) ApplyWALSet(key string, value any, ttl *float64) error {
	t := -1.0
	if ttl != nil {
		t = *ttl
	}
	return c.install(context.Background(), key, value, t, false)
}

// ApplyWALDelete removes an entry with the same effect as Delete but never
// re-logs.
func (c *ShardedTTLCache) ApplyWALDelete(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s := c.shards[shardIndex(key, len(c.shards))]
	s.mu.Lock()
	s.drop(key)
	s.mu.Unlock()
	return nil
}

// Get returns the stored value iff the entry is live. A live read refreshes
// access stats; an expired entry is removed and reported as a miss.
func (c *ShardedTTLCache) Get(ctx context.Context, key string) (any, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	c.ensureReplayed(ctx)
	c.gets.Add(1)

	s := c.shards[shardIndex(key, len(c.shards))]
	now := time.Now()

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		c.misses.Add(1)
		metrics.CacheMissesTotal.Inc()
		return nil, false, nil
	}
	// A zero-TTL entry stays readable until the cleanup loop removes it;
	// any positive TTL expires on the read path as usual.
	if e.TTL > 0 && !e.IsLive(now) {
		c.expireLocked(ctx, s, key)
		s.mu.Unlock()
		c.misses.Add(1)
		metrics.CacheMissesTotal.Inc()
		return nil, false, nil
	}
	e.Touch(now)
	value := e.Data
	s.mu.Unlock()

	c.hits.Add(1)
	metrics.CacheHitsTotal.Inc()
	return value, true, nil
}

// Set validates and installs an entry. A negative ttl selects the default.
// With the WAL enabled the entry is logged and fsynced before it becomes
// visible; a log failure returns ErrDurability and leaves the cache
// unchanged. If bounds still fail after eviction runs to its cap, the
// just-inserted entry is removed and ErrCapacity is returned. Note that a
// failed Set on a pre-existing key loses the old entry.
func (c *ShardedTTLCache) Set(ctx context.Context, key string, value any, ttl float64) error {
	c.ensureReplayed(ctx)
	return c.install(ctx, key, value, ttl, true)
}

func (c *ShardedTTLCache) install(ctx context.Context, key string, value any, ttl float64, logWAL bool) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}
	if ttl < 0 {
		ttl = c.defaultTTL
	}
	if err := validateTTL(ttl); err != nil {
		return err
	}

	if logWAL && c.wal != nil {
		t := ttl
		if err := c.wal.Append(ctx, wal.Entry{Operation: wal.OpSet, Key: key, Value: value, TTL: &t}); err != nil {
			return fmt.Errorf("%w: %v", ErrDurability, err)
		}
	}

	s := c.shards[shardIndex(key, len(c.shards))]
	now := time.Now()
	entry := newEntry(value, ttl, now)

	s.mu.Lock()
	s.put(key, entry)
	s.mu.Unlock()

	c.sets.Add(1)

	if !c.memory.CheckBounds(c.shards, c.Size()) {
		required := estimateEntrySize(key, entry)
		c.memory.EvictToFit(c.shards, required, key)
		if !c.memory.CheckBounds(c.shards, c.Size()) {
			s.mu.Lock()
			s.drop(key)
			s.mu.Unlock()
			metrics.CacheEntries.Set(float64(c.Size()))
			return fmt.Errorf("%w: bounds still exceeded after eviction cap", ErrCapacity)
		}
	}

	metrics.CacheEntries.Set(float64(c.Size()))
	return nil
}

// Delete logs then removes the entry. Returns whether it was present.
func (c *ShardedTTLCache) Delete(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	c.ensureReplayed(ctx)

	if c.wal != nil {
		if err := c.wal.Append(ctx, wal.Entry{Operation: wal.OpDelete, Key: key}); err != nil {
			return false, fmt.Errorf("%w: %v", ErrDurability, err)
		}
	}

	s := c.shards[shardIndex(key, len(c.shards))]
	s.mu.Lock()
	present := s.drop(key)
	s.mu.Unlock()

	metrics.CacheEntries.Set(float64(c.Size()))
	return present, nil
}

// Clear empties every shard.
func (c *ShardedTTLCache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.reset()
		s.mu.Unlock()
	}
	metrics.CacheEntries.Set(0)
	logging.Ops().Log(logging.OpsEvent{
		EventType: logging.OpsCacheClear,
		Component: "cache",
		Success:   true,
	})
	logging.Cache("Cache cleared")
}

// Size is the approximate entry count, summed from per-shard atomic
// counters without locking.
func (c *ShardedTTLCache) Size() int64 {
	return countEntries(c.shards)
}

// Keys lists every key for diagnostics. Order is unspecified.
func (c *ShardedTTLCache) Keys() []string {
	var keys []string
	for _, s := range c.shards {
		s.mu.RLock()
		for k := range s.entries {
			keys = append(keys, k)
		}
		s.mu.RUnlock()
	}
	return keys
}

// Snapshot captures the live entries of every shard concurrently and
// writes them through the persistence manager. Returns the file path.
func (c *ShardedTTLCache) Snapshot(ctx context.Context) (string, error) {
	if c.persistence == nil {
		return "", fmt.Errorf("snapshots not configured")
	}
	c.ensureReplayed(ctx)
	start := time.Now()

	results := make([]map[string]SnapshotEntry, len(c.shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range c.shards {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			now := time.Now()
			entries := make(map[string]SnapshotEntry)
			s.mu.RLock()
			for k, e := range s.entries {
				if !e.IsLive(now) {
					continue
				}
				entries[k] = SnapshotEntry{
					Data:      e.Data,
					Timestamp: float64(e.Timestamp.UnixNano()) / 1e9,
					TTL:       e.TTL,
				}
			}
			s.mu.RUnlock()
			results[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	view := make(SnapshotView, len(results))
	total := 0
	for i, entries := range results {
		view[i] = entries
		total += len(entries)
	}

	path, err := c.persistence.Snapshot(view)
	logging.OpsFor("snapshot").SnapshotCreate(path, int64(total), time.Since(start).Milliseconds(), err == nil, errString(err))
	return path, err
}

// Restore replaces the cache contents with a snapshot's live entries.
// Entries land in their recorded shard; out-of-range shard indexes are
// skipped with a warning.
func (c *ShardedTTLCache) Restore(ctx context.Context, path string) error {
	if c.persistence == nil {
		return fmt.Errorf("snapshots not configured")
	}
	c.ensureReplayed(ctx)

	view, err := c.persistence.Restore(path)
	if err != nil {
		logging.OpsFor("snapshot").SnapshotRestore(path, 0, false, err.Error())
		return err
	}

	c.Clear()

	now := time.Now()
	restored := int64(0)
	for idx, entries := range view {
		if idx >= len(c.shards) {
			logging.SnapshotWarn("Skipping shard_%d from snapshot: cache has %d shards", idx, len(c.shards))
			continue
		}
		s := c.shards[idx]
		s.mu.Lock()
		for key, se := range entries {
			sec := int64(se.Timestamp)
			nsec := int64((se.Timestamp - float64(sec)) * 1e9)
			e := &CacheEntry{
				Data:       se.Data,
				Timestamp:  time.Unix(sec, nsec),
				TTL:        se.TTL,
				LastAccess: now,
			}
			if !e.IsLive(now) {
				continue
			}
			s.put(key, e)
			restored++
		}
		s.mu.Unlock()
	}

	metrics.CacheEntries.Set(float64(c.Size()))
	logging.OpsFor("snapshot").SnapshotRestore(path, restored, true, "")
	logging.Cache("Restored %d live entries from snapshot", restored)
	return nil
}

// Persistence exposes the snapshot manager for listing and cleanup.
func (c *ShardedTTLCache) Persistence() *PersistenceManager { return c.persistence }

// Rollback applies the inverse of each recorded operation in reverse
// order. A recorded operation with a nil PrevTTL means the key did not
// exist before, so its inverse is a delete; otherwise the prior value and
// TTL are reinstated. Inverse mutations are WAL-logged before any shard
// changes, then applied atomically under ascending shard-index lock order.
func (c *ShardedTTLCache) Rollback(ctx context.Context, ops []TxnOperation) error {
	if len(ops) == 0 {
		return nil
	}
	c.ensureReplayed(ctx)

	type inverse struct {
		key      string
		value    any
		ttl      float64
		shardIdx int
		del      bool
	}

	invs := make([]inverse, 0, len(ops))
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if err := validateKey(op.Key); err != nil {
			return err
		}
		idx := shardIndex(op.Key, len(c.shards))
		if op.PrevTTL == nil {
			invs = append(invs, inverse{key: op.Key, shardIdx: idx, del: true})
			continue
		}
		if err := validateValue(op.PrevValue); err != nil {
			return err
		}
		invs = append(invs, inverse{key: op.Key, value: op.PrevValue, ttl: *op.PrevTTL, shardIdx: idx})
	}

	if c.wal != nil {
		for _, inv := range invs {
			var entry wal.Entry
			if inv.del {
				entry = wal.Entry{Operation: wal.OpDelete, Key: inv.key}
			} else {
				t := inv.ttl
				entry = wal.Entry{Operation: wal.OpSet, Key: inv.key, Value: inv.value, TTL: &t}
			}
			if err := c.wal.Append(ctx, entry); err != nil {
				return fmt.Errorf("%w: rollback log: %v", ErrDurability, err)
			}
		}
	}

	involved := make([]int, 0, len(invs))
	seen := make(map[int]bool)
	for _, inv := range invs {
		if !seen[inv.shardIdx] {
			seen[inv.shardIdx] = true
			involved = append(involved, inv.shardIdx)
		}
	}
	sort.Ints(involved)

	for _, idx := range involved {
		c.shards[idx].mu.Lock()
	}
	now := time.Now()
	for _, inv := range invs {
		s := c.shards[inv.shardIdx]
		if inv.del {
			s.drop(inv.key)
		} else {
			s.put(inv.key, newEntry(inv.value, inv.ttl, now))
		}
	}
	for i := len(involved) - 1; i >= 0; i-- {
		c.shards[involved[i]].mu.Unlock()
	}

	metrics.CacheEntries.Set(float64(c.Size()))
	logging.Cache("Rolled back %d operations", len(ops))
	return nil
}

// expireLocked removes an expired entry, logging the EXPIRE record first
// so replay does not resurrect it. When the append fails the entry stays
// in the map for the next cleanup cycle to retry; it is invisible to reads
// either way. Caller holds s.mu.
func (c *ShardedTTLCache) expireLocked(ctx context.Context, s *shard, key string) bool {
	if c.wal != nil {
		if err := c.wal.Append(ctx, wal.Entry{Operation: wal.OpExpire, Key: key}); err != nil {
			logging.CacheWarn("EXPIRE append failed for %s, retrying next cycle: %v", key, err)
			return false
		}
	}
	s.drop(key)
	c.expirations.Add(1)
	metrics.CacheExpirationsTotal.Inc()
	return true
}

// StartCleanup launches the expired-entry cleanup loop. Only one loop runs
// at a time; the loop exits when ctx is cancelled. A panic inside a cycle
// is recovered, logged, and surfaced on Err() so a supervisor can restart
// the loop.
func (c *ShardedTTLCache) StartCleanup(ctx context.Context) {
	if !c.cleanupStarted.CompareAndSwap(false, true) {
		return
	}
	c.cleanupHeartbeat.Store(time.Now().UnixNano())
	metrics.RegisterComponent("cleanup")

	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("cleanup loop panic: %v", r)
				logging.CacheError("%v", err)
				logging.OpsFor("cache").Error("cleanup", err, true)
				metrics.UpdateComponent("cleanup", false, err.Error())
				c.cleanupStarted.Store(false)
				select {
				case c.errCh <- err:
				default:
				}
			}
		}()

		ticker := time.NewTicker(c.cleanupInterval)
		defer ticker.Stop()

		c.runCleanupCycle(ctx)
		for {
			select {
			case <-ctx.Done():
				c.cleanupStarted.Store(false)
				logging.Cache("Cleanup loop stopped")
				return
			case <-ticker.C:
				c.runCleanupCycle(ctx)
			}
		}
	}()

	logging.Cache("Cleanup loop started (interval %s)", c.cleanupInterval)
}

func (c *ShardedTTLCache) runCleanupCycle(ctx context.Context) {
	start := time.Now()

	var removed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range c.shards {
		g.Go(func() error {
			now := time.Now()
			s.mu.Lock()
			var expired []string
			for k, e := range s.entries {
				if !e.IsLive(now) {
					expired = append(expired, k)
				}
			}
			for _, k := range expired {
				if c.expireLocked(gctx, s, k) {
					removed.Add(1)
				}
			}
			s.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logging.CacheWarn("Cleanup cycle interrupted: %v", err)
	}

	c.cleanupHeartbeat.Store(time.Now().UnixNano())
	metrics.CacheEntries.Set(float64(c.Size()))
	metrics.UpdateComponent("cleanup", true, "")

	if n := removed.Load(); n > 0 {
		logging.OpsFor("cache").CacheExpire(n, time.Since(start).Milliseconds())
		logging.CacheDebug("Cleanup removed %d expired entries in %s", n, time.Since(start))
	}

	// Transaction expiry rides the same cadence
	c.txns.CleanupExpired()
}

// StartWarming launches the adaptive TTL loop: entries with a hit rate
// above 0.5 and enough accesses get their TTL doubled up to the 24-hour
// cap. The adjustment is in-memory only and never re-logged.
func (c *ShardedTTLCache) StartWarming(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.warmingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logging.Warming("Warming loop stopped")
				return
			case <-ticker.C:
				c.runWarmingCycle()
			}
		}
	}()

	logging.Warming("Warming loop started (interval %s, min access %d)", c.warmingInterval, c.warmingMinAccess)
}

func (c *ShardedTTLCache) runWarmingCycle() {
	warmed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			if e.HitRate <= 0.5 || e.AccessCount <= c.warmingMinAccess {
				continue
			}
			extended := e.TTL * 2
			if extended > warmingTTLCap {
				extended = warmingTTLCap
			}
			if extended > e.TTL {
				e.TTL = extended
				warmed++
				logging.WarmingDebug("Extended TTL for hot key %s to %.0fs (hit rate %.2f)", key, e.TTL, e.HitRate)
			}
		}
		s.mu.Unlock()
	}
	if warmed > 0 {
		logging.Warming("Warming cycle extended %d hot entries", warmed)
	}
}

// HealthReport is the result of a full health check with per-check detail.
type HealthReport struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	CheckedAt time.Time         `json:"checked_at"`
}

// Health runs the full check battery: bounds, shard balance, cleanup-loop
// liveness, and a synthetic set/get/delete round-trip. The worst finding
// decides the status: round-trip failure is critical, bounds violation or
// a dead cleanup loop is error, shard imbalance is warning.
func (c *ShardedTTLCache) Health(ctx context.Context) HealthReport {
	start := time.Now()
	report := HealthReport{Status: HealthHealthy, Checks: make(map[string]string), CheckedAt: start}
	var issues []string

	degrade := func(to string) {
		if healthRank(to) > healthRank(report.Status) {
			report.Status = to
		}
	}

	// Bounds
	if c.memory.CheckBounds(c.shards, c.Size()) {
		report.Checks["bounds"] = "ok"
	} else {
		report.Checks["bounds"] = "exceeded"
		issues = append(issues, "bounds exceeded")
		degrade(HealthError)
	}

	// Shard balance: the largest shard must stay within 3x of the mean
	total := c.Size()
	if total > 0 {
		mean := float64(total) / float64(len(c.shards))
		var maxCount int64
		for _, s := range c.shards {
			if n := s.count.Load(); n > maxCount {
				maxCount = n
			}
		}
		if float64(maxCount) > 3*mean {
			report.Checks["shard_balance"] = fmt.Sprintf("imbalanced: max %d vs mean %.1f", maxCount, mean)
			issues = append(issues, "shard imbalance")
			degrade(HealthWarning)
		} else {
			report.Checks["shard_balance"] = "ok"
		}
	} else {
		report.Checks["shard_balance"] = "ok"
	}

	// Cleanup loop liveness
	if c.cleanupStarted.Load() {
		last := time.Unix(0, c.cleanupHeartbeat.Load())
		if time.Since(last) > 2*c.cleanupInterval {
			report.Checks["cleanup_loop"] = fmt.Sprintf("stalled: last heartbeat %s ago", time.Since(last).Round(time.Second))
			issues = append(issues, "cleanup loop stalled")
			degrade(HealthError)
		} else {
			report.Checks["cleanup_loop"] = "ok"
		}
	} else {
		report.Checks["cleanup_loop"] = "not running"
	}

	// Synthetic round-trip
	if err := c.roundTrip(ctx); err != nil {
		report.Checks["round_trip"] = err.Error()
		issues = append(issues, "round trip failed")
		degrade(HealthCritical)
	} else {
		report.Checks["round_trip"] = "ok"
	}

	logging.OpsFor("cache").HealthCheck(report.Status, time.Since(start).Milliseconds(), issues)
	metrics.UpdateComponent("cache", report.Status == HealthHealthy || report.Status == HealthWarning, report.Status)
	return report
}

func (c *ShardedTTLCache) roundTrip(ctx context.Context) error {
	probe := fmt.Sprintf("probe-%d", time.Now().UnixNano())
	if err := c.Set(ctx, healthProbeKey, probe, 5); err != nil {
		return fmt.Errorf("set: %v", err)
	}
	value, found, err := c.Get(ctx, healthProbeKey)
	if err != nil {
		return fmt.Errorf("get: %v", err)
	}
	if !found || value != probe {
		return fmt.Errorf("get returned %v, want %v", value, probe)
	}
	if _, err := c.Delete(ctx, healthProbeKey); err != nil {
		return fmt.Errorf("delete: %v", err)
	}
	return nil
}

func healthRank(status string) int {
	switch status {
	case HealthWarning:
		return 1
	case HealthError:
		return 2
	case HealthCritical:
		return 3
	default:
		return 0
	}
}

// Stats aggregates counters from the cache and its collaborators.
func (c *ShardedTTLCache) Stats() map[string]interface{} {
	perShard := make([]int64, len(c.shards))
	for i, s := range c.shards {
		perShard[i] = s.count.Load()
	}

	stats := map[string]interface{}{
		"entries":     c.Size(),
		"shards":      len(c.shards),
		"per_shard":   perShard,
		"sets":        c.sets.Load(),
		"gets":        c.gets.Load(),
		"hits":        c.hits.Load(),
		"misses":      c.misses.Load(),
		"expirations": c.expirations.Load(),
		"memory":      c.memory.Stats(),
		"txns":        c.txns.Stats(),
	}
	if c.wal != nil {
		stats["wal"] = c.wal.Stats()
	}
	return stats
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
