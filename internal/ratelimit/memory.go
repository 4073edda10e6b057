package ratelimit

import (
	"container/list"
	"sync"
	"time"

	"github.com/fit2garmin/gateway/internal/models"
)

const (
	// DefaultMemoryMaxEntries bounds the fallback map so a high-cardinality
	// client-id flood cannot grow memory without limit.
	DefaultMemoryMaxEntries = 10000

	// DefaultMemoryStaleAfter is how long an untouched entry survives a
	// maintenance sweep.
	DefaultMemoryStaleAfter = 10 * time.Minute
)

// MemoryFallback is the last line of defense: a bounded, process-local
// sliding-window limiter used when both the ledger and the cache are
// unusable. Entries are evicted oldest-updated first once the map exceeds
// its cap.
type MemoryFallback struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	order      *list.List // front = most recently updated
	maxEntries int
	staleAfter time.Duration
}

type memoryEntry struct {
	key        string
	timestamps []int64
	lastUpdate time.Time
	elem       *list.Element
}

// NewMemoryFallback constructs a fallback limiter with the given bounds.
// Zero values select the defaults.
func NewMemoryFallback(maxEntries int, staleAfter time.Duration) *MemoryFallback {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryMaxEntries
	}
	if staleAfter <= 0 {
		staleAfter = DefaultMemoryStaleAfter
	}
	return &MemoryFallback{
		entries:    make(map[string]*memoryEntry),
		order:      list.New(),
		maxEntries: maxEntries,
		staleAfter: staleAfter,
	}
}

// Check runs the sliding-window admission for the key entirely in memory.
func (m *MemoryFallback) Check(clientID, endpoint string, cfg models.EndpointConfig, now time.Time) *models.RateLimitResult {
	key := bucketKey(clientID, endpoint)
	nowSeconds := now.Unix()

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[key]
	if e == nil {
		e = &memoryEntry{key: key}
		e.elem = m.order.PushFront(e)
		m.entries[key] = e
		m.evictOverCapLocked()
	} else {
		m.order.MoveToFront(e.elem)
	}
	e.lastUpdate = now

	e.timestamps = pruneTimestamps(e.timestamps, nowSeconds-int64(cfg.WindowSeconds))

	if len(e.timestamps) >= cfg.MaxRequests {
		return &models.RateLimitResult{
			RateLimited: true,
			Current:     len(e.timestamps),
			Max:         cfg.MaxRequests,
			Source:      "memory-fallback",
			RetryAfter:  retryAfterSeconds(e.timestamps, cfg.WindowSeconds, nowSeconds),
		}
	}

	e.timestamps = append(e.timestamps, nowSeconds)
	return &models.RateLimitResult{
		RateLimited: false,
		Current:     len(e.timestamps),
		Max:         cfg.MaxRequests,
		Source:      "memory-fallback",
	}
}

// Reset drops state for a client, on one endpoint or all.
func (m *MemoryFallback) Reset(clientID, endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if endpoint != "" {
		m.removeLocked(bucketKey(clientID, endpoint))
		return
	}
	prefix := clientID + ":"
	for key := range m.entries {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			m.removeLocked(key)
		}
	}
}

// Sweep removes entries whose lastUpdate exceeds the staleness threshold
// and enforces the entry cap. Returns the number of entries removed.
func (m *MemoryFallback) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, e := range m.entries {
		if now.Sub(e.lastUpdate) > m.staleAfter {
			m.removeLocked(key)
			removed++
		}
	}
	removed += m.evictOverCapLocked()
	return removed
}

// Len reports the current entry count.
func (m *MemoryFallback) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryFallback) removeLocked(key string) {
	if e, ok := m.entries[key]; ok {
		m.order.Remove(e.elem)
		delete(m.entries, key)
	}
}

func (m *MemoryFallback) evictOverCapLocked() int {
	evicted := 0
	for len(m.entries) > m.maxEntries {
		back := m.order.Back()
		if back == nil {
			break
		}
		e := back.Value.(*memoryEntry)
		m.order.Remove(back)
		delete(m.entries, e.key)
		evicted++
	}
	return evicted
}
