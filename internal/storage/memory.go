package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fit2garmin/gateway/internal/models"
	"github.com/fit2garmin/gateway/internal/ratelimit"
)

// The in-memory backends implement the three tier interfaces without any
// external process. They back local development and tests, and double as
// failure-injection points: setting FailWith makes every call return that
// error, which is how degraded-path behavior is exercised.

// MemoryStore is an in-memory RateStore.
type MemoryStore struct {
	mu          sync.Mutex
	requests    map[string][]time.Time // key: client:endpoint
	violations  []models.ViolationRecord
	reputations map[string]*models.ReputationRecord
	overrides   map[string]map[string]models.EndpointConfig
	failWith    error
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:    make(map[string][]time.Time),
		reputations: make(map[string]*models.ReputationRecord),
		overrides:   make(map[string]map[string]models.EndpointConfig),
	}
}

// FailWith makes every subsequent call fail with err; nil restores normal
// operation.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

func (s *MemoryStore) key(clientID, endpoint string) string { return clientID + ":" + endpoint }

func (s *MemoryStore) CheckRateLimit(ctx context.Context, clientID string, cfg models.EndpointConfig, now time.Time) (*models.RateLimitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}

	key := s.key(clientID, cfg.Endpoint)
	cutoff := now.Add(-time.Duration(cfg.WindowSeconds) * time.Second)
	kept := s.requests[key][:0]
	for _, ts := range s.requests[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.requests[key] = kept

	result := &models.RateLimitResult{Max: cfg.MaxRequests}
	if len(kept) >= cfg.MaxRequests {
		result.RateLimited = true
		result.Current = len(kept)
		result.RetryAfter = cfg.WindowSeconds
		s.recordViolationLocked(models.ViolationRecord{
			ClientID:         clientID,
			Endpoint:         cfg.Endpoint,
			ViolationType:    "rate_limit",
			Timestamp:        now,
			CountAtViolation: len(kept),
			Limit:            cfg.MaxRequests,
			WindowSeconds:    cfg.WindowSeconds,
		})
		return result, nil
	}

	s.requests[key] = append(kept, now)
	s.bumpTotalsLocked(clientID, now)
	result.Current = len(s.requests[key])
	return result, nil
}

func (s *MemoryStore) RecordRequest(ctx context.Context, clientID, endpoint string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	key := s.key(clientID, endpoint)
	s.requests[key] = append(s.requests[key], now)
	s.bumpTotalsLocked(clientID, now)
	return nil
}

func (s *MemoryStore) RecordViolation(ctx context.Context, v models.ViolationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.recordViolationLocked(v)
	return nil
}

func (s *MemoryStore) bumpTotalsLocked(clientID string, now time.Time) {
	rep := s.reputations[clientID]
	if rep == nil {
		rep = &models.ReputationRecord{ClientID: clientID, Score: 100, RiskLevel: models.RiskLow}
		s.reputations[clientID] = rep
	}
	rep.TotalRequests++
	t := now
	rep.LastRequest = &t
}

func (s *MemoryStore) recordViolationLocked(v models.ViolationRecord) {
	s.violations = append(s.violations, v)
	rep := s.reputations[v.ClientID]
	if rep == nil {
		rep = &models.ReputationRecord{ClientID: v.ClientID, Score: 100, RiskLevel: models.RiskLow}
		s.reputations[v.ClientID] = rep
	}
	rep.ViolationCount++
	rep.Score, rep.RiskLevel = models.ReputationForViolations(rep.ViolationCount, rep.Score)
	t := v.Timestamp
	rep.LastViolation = &t
}

func (s *MemoryStore) GetStatus(ctx context.Context, clientID string, cfgs map[string]models.EndpointConfig, now time.Time) (*models.UsageStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	status := &models.UsageStatus{ClientID: clientID}
	for name, cfg := range cfgs {
		cutoff := now.Add(-time.Duration(cfg.WindowSeconds) * time.Second)
		current := 0
		var oldest time.Time
		for _, ts := range s.requests[s.key(clientID, name)] {
			if ts.After(cutoff) {
				if current == 0 || ts.Before(oldest) {
					oldest = ts
				}
				current++
			}
		}
		remaining := cfg.MaxRequests - current
		if remaining < 0 {
			remaining = 0
		}
		usage := models.EndpointUsage{
			Endpoint:  name,
			Current:   current,
			Max:       cfg.MaxRequests,
			Remaining: remaining,
		}
		if current > 0 {
			usage.ResetSeconds = int(oldest.Add(time.Duration(cfg.WindowSeconds) * time.Second).Sub(now).Seconds())
		}
		status.Endpoints = append(status.Endpoints, usage)
	}
	return status, nil
}

func (s *MemoryStore) GetReputation(ctx context.Context, clientID string) (*models.ReputationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	if rep, ok := s.reputations[clientID]; ok {
		cp := *rep
		return &cp, nil
	}
	return &models.ReputationRecord{ClientID: clientID, Score: 100, RiskLevel: models.RiskLow}, nil
}

func (s *MemoryStore) ClientOverrides(ctx context.Context, clientID string) (map[string]models.EndpointConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	out := make(map[string]models.EndpointConfig, len(s.overrides[clientID]))
	for k, v := range s.overrides[clientID] {
		out[k] = v
	}
	return out, nil
}

// SetClientOverride installs an override; test helper.
func (s *MemoryStore) SetClientOverride(clientID string, cfg models.EndpointConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overrides[clientID] == nil {
		s.overrides[clientID] = make(map[string]models.EndpointConfig)
	}
	s.overrides[clientID][cfg.Endpoint] = cfg
}

func (s *MemoryStore) ResetLimits(ctx context.Context, clientID, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if endpoint != "" {
		delete(s.requests, s.key(clientID, endpoint))
		return nil
	}
	prefix := clientID + ":"
	for key := range s.requests {
		if strings.HasPrefix(key, prefix) {
			delete(s.requests, key)
		}
	}
	kept := s.violations[:0]
	for _, v := range s.violations {
		if v.ClientID != clientID {
			kept = append(kept, v)
		}
	}
	s.violations = kept
	delete(s.reputations, clientID)
	return nil
}

func (s *MemoryStore) Aggregate(ctx context.Context, since, until time.Time) (*models.AnalyticsSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	summary := &models.AnalyticsSummary{
		Since:      since,
		Until:      until,
		ByEndpoint: make(map[string]int64),
	}
	clients := make(map[string]struct{})
	for key, stamps := range s.requests {
		parts := strings.SplitN(key, ":", 2)
		for _, ts := range stamps {
			if ts.Before(since) || ts.After(until) {
				continue
			}
			summary.TotalRequests++
			clients[parts[0]] = struct{}{}
			if len(parts) == 2 {
				summary.ByEndpoint[parts[1]]++
			}
		}
	}
	summary.UniqueClients = int64(len(clients))
	for _, v := range s.violations {
		if !v.Timestamp.Before(since) && !v.Timestamp.After(until) {
			summary.TotalViolations++
		}
	}
	return summary, nil
}

func (s *MemoryStore) PurgeExpired(ctx context.Context, cfgs map[string]models.EndpointConfig, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return 0, s.failWith
	}
	var purged int64
	for key, stamps := range s.requests {
		parts := strings.SplitN(key, ":", 2)
		window := 0
		if len(parts) == 2 {
			if cfg, ok := cfgs[parts[1]]; ok {
				window = cfg.WindowSeconds
			}
		}
		if window == 0 {
			continue
		}
		cutoff := now.Add(-time.Duration(window) * time.Second)
		kept := stamps[:0]
		for _, ts := range stamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			} else {
				purged++
			}
		}
		if len(kept) == 0 {
			delete(s.requests, key)
		} else {
			s.requests[key] = kept
		}
	}
	return purged, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failWith
}

// Violations returns a copy of the violation log; test helper.
func (s *MemoryStore) Violations() []models.ViolationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ViolationRecord, len(s.violations))
	copy(out, s.violations)
	return out
}

var _ ratelimit.RateStore = (*MemoryStore)(nil)

// MemoryCache is an in-memory KeyValueCache with TTL support.
type MemoryCache struct {
	mu       sync.Mutex
	items    map[string]memoryCacheItem
	failWith error
	now      func() time.Time
}

type memoryCacheItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryCache constructs an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]memoryCacheItem), now: time.Now}
}

// SetClock overrides the cache clock; test helper.
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// FailWith makes every subsequent call fail with err.
func (c *MemoryCache) FailWith(err error) {
	c.mu.Lock()
	c.failWith = err
	c.mu.Unlock()
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return nil, c.failWith
	}
	item, ok := c.items[key]
	if !ok || (!item.expiresAt.IsZero() && c.now().After(item.expiresAt)) {
		delete(c.items, key)
		return nil, ratelimit.ErrCacheMiss
	}
	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	item := memoryCacheItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = c.now().Add(ttl)
	}
	c.items[key] = item
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	for _, key := range keys {
		delete(c.items, key)
	}
	return nil
}

func (c *MemoryCache) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failWith
}

var _ ratelimit.KeyValueCache = (*MemoryCache)(nil)

// MemoryArchive is an in-memory BulkArchive.
type MemoryArchive struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failWith error
}

// NewMemoryArchive constructs an empty archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{objects: make(map[string][]byte)}
}

// FailWith makes every subsequent call fail with err.
func (a *MemoryArchive) FailWith(err error) {
	a.mu.Lock()
	a.failWith = err
	a.mu.Unlock()
}

func (a *MemoryArchive) Put(ctx context.Context, key string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failWith != nil {
		return a.failWith
	}
	a.objects[key] = append([]byte(nil), data...)
	return nil
}

func (a *MemoryArchive) Get(ctx context.Context, key string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failWith != nil {
		return nil, a.failWith
	}
	data, ok := a.objects[key]
	if !ok {
		return nil, ratelimit.ErrCacheMiss
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (a *MemoryArchive) List(ctx context.Context, prefix string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failWith != nil {
		return nil, a.failWith
	}
	var keys []string
	for key := range a.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (a *MemoryArchive) Ping(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failWith
}

// Len reports the stored object count; test helper.
func (a *MemoryArchive) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.objects)
}

var _ ratelimit.BulkArchive = (*MemoryArchive)(nil)
