package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fit2garmin/gateway/internal/apperrors"
	"github.com/fit2garmin/gateway/internal/models"
)

const (
	// DefaultCacheTTL is how long coordinator write-backs live in the cache.
	DefaultCacheTTL = 300 * time.Second

	// DefaultFreshness is how recent a cache entry must be to be trusted
	// without consulting the ledger. Must stay strictly below the TTL.
	DefaultFreshness = 30 * time.Second

	// analyticsFlushThreshold is the buffered event count that triggers a
	// batch write to the archive tier.
	analyticsFlushThreshold = 100
)

// CoordinatorConfig carries the tunables for a Coordinator.
type CoordinatorConfig struct {
	Endpoints map[string]models.EndpointConfig
	CacheTTL  time.Duration
	Freshness time.Duration
	Now       func() time.Time
}

// Coordinator serves admission checks cache-first, falling through to the
// strict sequencer and the durable ledger. Cache failures are advisory and
// never surface to callers; ledger failures surface as typed errors so the
// health monitor can route around them.
type Coordinator struct {
	ledger  RateStore
	cache   KeyValueCache
	archive BulkArchive
	seq     *Sequencer
	memory  *MemoryFallback
	logger  *zap.Logger
	metrics *Metrics

	endpoints map[string]models.EndpointConfig
	cacheTTL  time.Duration
	freshness time.Duration
	now       func() time.Time

	analyticsMu sync.Mutex
	analytics   []models.AnalyticsEvent
}

// NewCoordinator wires the three tiers together. The sequencer and memory
// fallback are owned by the coordinator; the tiers are injected.
func NewCoordinator(ledger RateStore, cache KeyValueCache, archive BulkArchive, logger *zap.Logger, metrics *Metrics, cfg CoordinatorConfig) *Coordinator {
	endpoints := cfg.Endpoints
	if endpoints == nil {
		endpoints = models.DefaultEndpointConfigs()
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	freshness := cfg.Freshness
	if freshness <= 0 || freshness >= ttl {
		freshness = DefaultFreshness
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		ledger:    ledger,
		cache:     cache,
		archive:   archive,
		seq:       NewSequencer(),
		memory:    NewMemoryFallback(0, 0),
		logger:    logger,
		metrics:   metrics,
		endpoints: endpoints,
		cacheTTL:  ttl,
		freshness: freshness,
		now:       now,
	}
}

// Sequencer exposes the strict sequencer, mainly for status queries.
func (c *Coordinator) Sequencer() *Sequencer { return c.seq }

// Memory exposes the in-process fallback limiter.
func (c *Coordinator) Memory() *MemoryFallback { return c.memory }

// Endpoints returns the static endpoint policies.
func (c *Coordinator) Endpoints() map[string]models.EndpointConfig { return c.endpoints }

func cacheKey(clientID, endpoint string) string { return "rl:" + clientID + ":" + endpoint }
func reputationKey(clientID string) string      { return "rep:" + clientID }
func overridesKey(clientID string) string       { return "cfg:" + clientID }

// EffectiveConfig resolves the policy for one client and endpoint: the
// client override wins over the default when its priority is higher.
// Override lookups are cached; any failure falls back to the default.
func (c *Coordinator) EffectiveConfig(ctx context.Context, clientID, endpoint string) models.EndpointConfig {
	cfg, ok := c.endpoints[endpoint]
	if !ok {
		cfg = models.EndpointConfig{Endpoint: endpoint, MaxRequests: 30, WindowSeconds: 300}
	}
	overrides := c.clientOverrides(ctx, clientID)
	if o, ok := overrides[endpoint]; ok && o.Priority >= cfg.Priority {
		return o
	}
	return cfg
}

func (c *Coordinator) clientOverrides(ctx context.Context, clientID string) map[string]models.EndpointConfig {
	if data, err := c.cache.Get(ctx, overridesKey(clientID)); err == nil {
		var overrides map[string]models.EndpointConfig
		if json.Unmarshal(data, &overrides) == nil {
			return overrides
		}
	} else if !errors.Is(err, ErrCacheMiss) {
		c.logger.Debug("override_cache_read_failed", zap.String("client_id", clientID), zap.Error(err))
	}

	overrides, err := c.ledger.ClientOverrides(ctx, clientID)
	if err != nil {
		c.logger.Warn("client_overrides_lookup_failed", zap.String("client_id", clientID), zap.Error(err))
		return nil
	}
	if data, err := json.Marshal(overrides); err == nil {
		if err := c.cache.Set(ctx, overridesKey(clientID), data, c.cacheTTL); err != nil {
			c.logger.Debug("override_cache_write_failed", zap.Error(err))
		}
	}
	return overrides
}

// CheckRateLimit is the full-strategy admission check: a fresh cache entry
// decides without re-running the window logic, otherwise the sequencer
// decides and the outcome is persisted durably, with the result written
// back to the cache under a bounded TTL.
func (c *Coordinator) CheckRateLimit(ctx context.Context, clientID, endpoint string) (*models.RateLimitResult, error) {
	started := c.now()
	cfg := c.EffectiveConfig(ctx, clientID, endpoint)

	if result := c.checkCacheFresh(ctx, clientID, endpoint, cfg); result != nil {
		c.metrics.observeCheck(endpoint, result.Source, result.RateLimited, c.now().Sub(started).Seconds())
		return result, nil
	}

	now := c.now()
	result := c.seq.Check(clientID, endpoint, cfg, now.Unix())
	result.Source = "ledger"

	if result.RateLimited {
		v := models.ViolationRecord{
			ClientID:         clientID,
			Endpoint:         endpoint,
			ViolationType:    "rate_limit",
			Timestamp:        now,
			CountAtViolation: result.Current,
			Limit:            cfg.MaxRequests,
			WindowSeconds:    cfg.WindowSeconds,
		}
		if err := c.ledger.RecordViolation(ctx, v); err != nil {
			return nil, apperrors.Wrap(apperrors.KindStorageError, "record violation", err)
		}
	} else {
		if err := c.ledger.RecordRequest(ctx, clientID, endpoint, now); err != nil {
			return nil, apperrors.Wrap(apperrors.KindStorageError, "record request", err)
		}
	}

	c.writeCacheEntry(ctx, clientID, endpoint, result, now)
	c.metrics.observeCheck(endpoint, result.Source, result.RateLimited, c.now().Sub(started).Seconds())
	return result, nil
}

// checkCacheFresh returns a decision from the cache when the entry is
// within the freshness window, incrementing the cached count and recording
// accepted requests in the sequencer and the ledger. Stale entries and
// cache errors return nil.
func (c *Coordinator) checkCacheFresh(ctx context.Context, clientID, endpoint string, cfg models.EndpointConfig) *models.RateLimitResult {
	data, err := c.cache.Get(ctx, cacheKey(clientID, endpoint))
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Debug("cache_read_failed", zap.String("client_id", clientID), zap.Error(err))
		}
		return nil
	}
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Debug("cache_entry_corrupt", zap.String("client_id", clientID), zap.Error(err))
		return nil
	}
	now := c.now()
	if now.Sub(entry.Timestamp) > c.freshness {
		return nil
	}

	entry.Current++
	entry.RateLimited = entry.Current > entry.Max
	entry.Source = "cache"
	if updated, err := json.Marshal(entry); err == nil {
		if err := c.cache.Set(ctx, cacheKey(clientID, endpoint), updated, c.cacheTTL); err != nil {
			c.logger.Debug("cache_write_failed", zap.Error(err))
		}
	}

	// The decision is served from the cache, but an accepted request still
	// has to count: against the sequencer's window and in the ledger, or
	// usage reporting and post-staleness decisions drift under-counted.
	// Persistence failure here is advisory; the admission already happened.
	if !entry.RateLimited {
		c.seq.Record(clientID, endpoint, cfg, now.Unix())
		if err := c.ledger.RecordRequest(ctx, clientID, endpoint, now); err != nil {
			c.logger.Warn("cache_admission_persist_failed",
				zap.String("client_id", clientID),
				zap.String("endpoint", endpoint),
				zap.Error(err),
			)
		}
	}

	result := &models.RateLimitResult{
		RateLimited: entry.RateLimited,
		Current:     entry.Current,
		Max:         entry.Max,
		Source:      "cache",
	}
	if result.RateLimited {
		result.RetryAfter = cfg.WindowSeconds
	}
	return result
}

// CheckCacheOnly serves a degraded decision purely from the cache tier,
// trusting even stale entries. A miss admits the request and seeds a new
// entry; failing open beats failing the caller when the ledger is down.
func (c *Coordinator) CheckCacheOnly(ctx context.Context, clientID, endpoint string) (*models.RateLimitResult, error) {
	cfg := c.EffectiveConfig(ctx, clientID, endpoint)
	now := c.now()

	entry := CacheEntry{
		Key:       cacheKey(clientID, endpoint),
		Max:       cfg.MaxRequests,
		Timestamp: now,
		Source:    "cache-fallback",
	}
	data, err := c.cache.Get(ctx, entry.Key)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &entry); err != nil {
			entry.Current = 0
		}
	case errors.Is(err, ErrCacheMiss):
		// first sight of this key since the ledger went down
	default:
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "cache tier unavailable", err)
	}

	entry.Current++
	entry.Max = cfg.MaxRequests
	entry.RateLimited = entry.Current > entry.Max
	entry.Timestamp = now
	entry.Source = "cache-fallback"

	if updated, err := json.Marshal(entry); err == nil {
		if err := c.cache.Set(ctx, entry.Key, updated, c.cacheTTL); err != nil {
			return nil, apperrors.Wrap(apperrors.KindUnavailable, "cache tier unavailable", err)
		}
	}

	result := &models.RateLimitResult{
		RateLimited: entry.RateLimited,
		Current:     entry.Current,
		Max:         entry.Max,
		Source:      "cache-fallback",
	}
	if result.RateLimited {
		result.RetryAfter = cfg.WindowSeconds
	}
	return result, nil
}

// CheckLedgerOnly bypasses cache and sequencer and lets the ledger make the
// full atomic decision. Used after a restart or when the cache is down.
func (c *Coordinator) CheckLedgerOnly(ctx context.Context, clientID, endpoint string) (*models.RateLimitResult, error) {
	cfg := c.EffectiveConfig(ctx, clientID, endpoint)
	result, err := c.ledger.CheckRateLimit(ctx, clientID, cfg, c.now())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorageError, "ledger check", err)
	}
	result.Source = "ledger"
	return result, nil
}

// CheckMemory is the memory-only strategy.
func (c *Coordinator) CheckMemory(ctx context.Context, clientID, endpoint string) *models.RateLimitResult {
	cfg := c.EffectiveConfig(ctx, clientID, endpoint)
	return c.memory.Check(clientID, endpoint, cfg, c.now())
}

// writeCacheEntry writes the decision back to the cache. Failures are
// advisory.
func (c *Coordinator) writeCacheEntry(ctx context.Context, clientID, endpoint string, result *models.RateLimitResult, now time.Time) {
	entry := CacheEntry{
		Key:         cacheKey(clientID, endpoint),
		Current:     result.Current,
		Max:         result.Max,
		RateLimited: result.RateLimited,
		Timestamp:   now,
		Source:      result.Source,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, entry.Key, data, c.cacheTTL); err != nil {
		c.logger.Debug("cache_write_failed", zap.String("key", entry.Key), zap.Error(err))
	}
}

// RecordOutcome buffers one admission outcome for analytics. Once the
// buffer reaches capacity it is flushed as a single batch to the archive;
// a failed flush keeps the events for the next attempt.
func (c *Coordinator) RecordOutcome(ctx context.Context, event models.AnalyticsEvent) {
	c.analyticsMu.Lock()
	c.analytics = append(c.analytics, event)
	shouldFlush := len(c.analytics) >= analyticsFlushThreshold
	c.analyticsMu.Unlock()

	if shouldFlush {
		if err := c.FlushAnalytics(ctx); err != nil {
			c.logger.Warn("analytics_flush_failed", zap.Error(err))
		}
	}
}

// FlushAnalytics writes all buffered events to the archive as one batch.
// On failure the events are restored to the buffer.
func (c *Coordinator) FlushAnalytics(ctx context.Context) error {
	c.analyticsMu.Lock()
	if len(c.analytics) == 0 {
		c.analyticsMu.Unlock()
		return nil
	}
	batch := c.analytics
	c.analytics = nil
	c.analyticsMu.Unlock()

	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal analytics batch: %w", err)
	}
	key := fmt.Sprintf("analytics/%s/%s.json", c.now().UTC().Format("2006/01/02"), uuid.NewString())
	if err := c.archive.Put(ctx, key, data); err != nil {
		c.analyticsMu.Lock()
		c.analytics = append(batch, c.analytics...)
		c.analyticsMu.Unlock()
		return fmt.Errorf("archive analytics batch: %w", err)
	}
	c.metrics.observeFlush()
	c.logger.Info("analytics_batch_archived", zap.String("key", key), zap.Int("events", len(batch)))
	return nil
}

// PendingAnalytics reports the buffered, unflushed event count.
func (c *Coordinator) PendingAnalytics() int {
	c.analyticsMu.Lock()
	defer c.analyticsMu.Unlock()
	return len(c.analytics)
}

// GetStatus returns the per-endpoint usage and reputation for a client.
// When the ledger is unreachable the sequencer's live counts stand in.
func (c *Coordinator) GetStatus(ctx context.Context, clientID string) (*models.UsageStatus, error) {
	now := c.now()
	status, err := c.ledger.GetStatus(ctx, clientID, c.endpoints, now)
	if err != nil {
		c.logger.Warn("ledger_status_failed", zap.String("client_id", clientID), zap.Error(err))
		status = c.statusFromSequencer(clientID, now)
	}
	if rep, err := c.ledger.GetReputation(ctx, clientID); err == nil {
		status.Reputation = rep
	}
	return status, nil
}

func (c *Coordinator) statusFromSequencer(clientID string, now time.Time) *models.UsageStatus {
	status := &models.UsageStatus{ClientID: clientID}
	for name, cfg := range c.endpoints {
		current := c.seq.Count(clientID, name, cfg, now.Unix())
		status.Endpoints = append(status.Endpoints, models.EndpointUsage{
			Endpoint:  name,
			Current:   current,
			Max:       cfg.MaxRequests,
			Remaining: cfg.MaxRequests - current,
		})
	}
	return status
}

// ResetLimits clears ledger rows, cached entries, reputation and in-process
// state for a client. Safe to call repeatedly.
func (c *Coordinator) ResetLimits(ctx context.Context, clientID, endpoint string) error {
	if err := c.ledger.ResetLimits(ctx, clientID, endpoint); err != nil {
		return apperrors.Wrap(apperrors.KindStorageError, "reset ledger state", err)
	}

	keys := []string{reputationKey(clientID), overridesKey(clientID)}
	if endpoint != "" {
		keys = append(keys, cacheKey(clientID, endpoint))
	} else {
		for name := range c.endpoints {
			keys = append(keys, cacheKey(clientID, name))
		}
	}
	if err := c.cache.Delete(ctx, keys...); err != nil {
		c.logger.Warn("cache_reset_failed", zap.String("client_id", clientID), zap.Error(err))
	}

	c.seq.Reset(clientID, endpoint)
	c.memory.Reset(clientID, endpoint)
	return nil
}

// GetAnalytics merges ledger aggregates with archived event batches in the
// range. Archive read failures degrade to ledger-only numbers.
func (c *Coordinator) GetAnalytics(ctx context.Context, since, until time.Time) (*models.AnalyticsSummary, error) {
	summary, err := c.ledger.Aggregate(ctx, since, until)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorageError, "aggregate analytics", err)
	}

	keys, err := c.archive.List(ctx, "analytics/")
	if err != nil {
		c.logger.Warn("archive_list_failed", zap.Error(err))
		return summary, nil
	}
	for _, key := range keys {
		data, err := c.archive.Get(ctx, key)
		if err != nil {
			c.logger.Warn("archive_read_failed", zap.String("key", key), zap.Error(err))
			continue
		}
		var batch []models.AnalyticsEvent
		if err := json.Unmarshal(data, &batch); err != nil {
			continue
		}
		counted := false
		for _, event := range batch {
			if event.Timestamp.Before(since) || event.Timestamp.After(until) {
				continue
			}
			summary.ArchivedEvents++
			counted = true
		}
		if counted {
			summary.ArchivedBatches++
		}
	}
	return summary, nil
}

// PerformMaintenance runs one sweep: purge expired ledger rows, trim the
// sequencer and memory fallback, and flush pending analytics.
func (c *Coordinator) PerformMaintenance(ctx context.Context) (*models.MaintenanceReport, error) {
	started := c.now()
	report := &models.MaintenanceReport{}

	purged, err := c.ledger.PurgeExpired(ctx, c.endpoints, started)
	if err != nil {
		c.logger.Warn("ledger_purge_failed", zap.Error(err))
	} else {
		report.LedgerPurged = purged
	}

	maxWindow := 0
	for _, cfg := range c.endpoints {
		if cfg.WindowSeconds > maxWindow {
			maxWindow = cfg.WindowSeconds
		}
	}
	c.seq.Sweep(started.Unix(), maxWindow)
	report.MemorySwept = c.memory.Sweep(started)

	pending := c.PendingAnalytics()
	if err := c.FlushAnalytics(ctx); err != nil {
		c.logger.Warn("maintenance_flush_failed", zap.Error(err))
	} else {
		report.EventsFlushed = pending
	}

	report.DurationMillis = c.now().Sub(started).Milliseconds()
	return report, nil
}
