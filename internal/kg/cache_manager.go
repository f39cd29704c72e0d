package kg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"schednerd/internal/logging"
	"schednerd/internal/metrics"
)

// refreshBackoff is how long the background loop waits after a failed
// refresh before trying again.
const refreshBackoff = 5 * time.Second

// RefreshCallback reloads one consumer of the graph. The manager invokes
// callbacks in registration order.
type RefreshCallback func(ctx context.Context) error

// KGCacheManager tracks staleness of the in-memory graph and collapses
// concurrent refresh requests into one execution.
type KGCacheManager struct {
	mu          sync.Mutex
	ttl         time.Duration
	lastRefresh time.Time
	callbacks   []RefreshCallback

	flight singleflight.Group

	hits        int64
	misses      int64
	loads       int64
	totalLoadMs int64

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewKGCacheManager creates a manager with the given TTL in seconds.
func NewKGCacheManager(ttlSeconds int) *KGCacheManager {
	if ttlSeconds < 1 {
		ttlSeconds = 300
	}
	return &KGCacheManager{ttl: time.Duration(ttlSeconds) * time.Second}
}

// SetTTL changes the staleness window.
func (m *KGCacheManager) SetTTL(seconds int) {
	if seconds < 1 {
		return
	}
	m.mu.Lock()
	m.ttl = time.Duration(seconds) * time.Second
	m.mu.Unlock()
}

// GetTTL returns the staleness window in seconds.
func (m *KGCacheManager) GetTTL() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int(m.ttl / time.Second)
}

// RegisterRefreshCallback appends a callback. Order of registration is
// the order of invocation on every refresh.
func (m *KGCacheManager) RegisterRefreshCallback(fn RefreshCallback) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.mu.Unlock()
}

// IsStale reports whether the graph has never been refreshed or the TTL
// has elapsed since the last successful refresh.
func (m *KGCacheManager) IsStale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.staleLocked()
}

func (m *KGCacheManager) staleLocked() bool {
	return m.lastRefresh.IsZero() || time.Since(m.lastRefresh) > m.ttl
}

// Refresh runs the registered callbacks when the graph is stale or force
// is set. Concurrent callers share a single execution and all observe its
// result. A failed refresh leaves lastRefresh unset, so reads stay stale
// and the next caller retries.
func (m *KGCacheManager) Refresh(ctx context.Context, force bool) error {
	m.mu.Lock()
	if !force && !m.staleLocked() {
		m.hits++
		m.mu.Unlock()
		return nil
	}
	m.misses++
	m.mu.Unlock()

	_, err, _ := m.flight.Do("refresh", func() (interface{}, error) {
		// A caller that joined behind the winner may find the state fresh
		// already; skip the duplicate load unless forced.
		m.mu.Lock()
		stale := m.staleLocked()
		callbacks := make([]RefreshCallback, len(m.callbacks))
		copy(callbacks, m.callbacks)
		m.mu.Unlock()
		if !force && !stale {
			return nil, nil
		}

		start := time.Now()
		for i, fn := range callbacks {
			if err := fn(ctx); err != nil {
				elapsed := time.Since(start).Milliseconds()
				logging.KGWarn("Refresh callback %d failed after %dms: %v", i, elapsed, err)
				logging.OpsFor("kg").KGRefresh(elapsed, false, err.Error())
				return nil, fmt.Errorf("refresh callback %d: %w", i, err)
			}
		}
		elapsed := time.Since(start).Milliseconds()

		m.mu.Lock()
		m.lastRefresh = time.Now()
		m.loads++
		m.totalLoadMs += elapsed
		m.mu.Unlock()

		metrics.KGRefreshesTotal.Inc()
		metrics.KGRefreshDuration.Observe(float64(elapsed) / 1000.0)
		logging.OpsFor("kg").KGRefresh(elapsed, true, "")
		logging.KGDebug("Graph refreshed in %dms (%d callbacks)", elapsed, len(callbacks))
		return nil, nil
	})
	return err
}

// Invalidate marks the graph stale immediately.
func (m *KGCacheManager) Invalidate() {
	m.mu.Lock()
	m.lastRefresh = time.Time{}
	m.mu.Unlock()
	logging.KGDebug("Graph cache invalidated")
}

// StartBackgroundRefresh launches the single refresh loop. The loop
// sleeps one TTL, refreshes forcefully, and on error logs and backs off
// briefly before the next attempt. Calling it twice is a no-op.
func (m *KGCacheManager) StartBackgroundRefresh(ctx context.Context) {
	m.mu.Lock()
	if m.loopCancel != nil {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.loopCancel = cancel
	done := make(chan struct{})
	m.loopDone = done
	m.mu.Unlock()

	logging.KG("Background graph refresh started (ttl=%ds)", m.GetTTL())
	go func() {
		defer close(done)
		for {
			m.mu.Lock()
			wait := m.ttl
			m.mu.Unlock()

			select {
			case <-loopCtx.Done():
				return
			case <-time.After(wait):
			}

			if err := m.Refresh(loopCtx, true); err != nil {
				if loopCtx.Err() != nil {
					return
				}
				logging.KGWarn("Background refresh failed, backing off: %v", err)
				select {
				case <-loopCtx.Done():
					return
				case <-time.After(refreshBackoff):
				}
			}
		}
	}()
}

// StopBackgroundRefresh cancels the loop and waits for it to exit.
func (m *KGCacheManager) StopBackgroundRefresh() {
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
	logging.KG("Background graph refresh stopped")
}

// Stats reports refresh accounting.
func (m *KGCacheManager) Stats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	var avgLoadMs float64
	if m.loads > 0 {
		avgLoadMs = float64(m.totalLoadMs) / float64(m.loads)
	}
	var lastRefresh interface{}
	timeToStale := 0.0
	if !m.lastRefresh.IsZero() {
		lastRefresh = m.lastRefresh.UTC().Format(time.RFC3339)
		if remaining := m.ttl - time.Since(m.lastRefresh); remaining > 0 {
			timeToStale = remaining.Seconds()
		}
	}

	return map[string]interface{}{
		"ttl_seconds":           int(m.ttl / time.Second),
		"hits":                  m.hits,
		"misses":                m.misses,
		"loads":                 m.loads,
		"last_refresh":          lastRefresh,
		"avg_load_ms":           avgLoadMs,
		"time_to_stale_seconds": timeToStale,
		"stale":                 m.staleLocked(),
		"background_running":    m.loopCancel != nil,
	}
}
