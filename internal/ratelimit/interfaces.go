package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/fit2garmin/gateway/internal/models"
)

// ErrCacheMiss is returned by KeyValueCache.Get when a key is absent.
var ErrCacheMiss = errors.New("cache miss")

// RateStore is the authoritative persistence tier (the durable ledger).
// Implementations must make multi-row operations atomic: a request count,
// its violation record and the reputation update either all commit or all
// fail.
type RateStore interface {
	// CheckRateLimit performs the full atomic admission check against
	// persistent state: purge expired, count, conditionally insert, and on
	// violation log a ViolationRecord and update the ReputationRecord.
	CheckRateLimit(ctx context.Context, clientID string, cfg models.EndpointConfig, now time.Time) (*models.RateLimitResult, error)

	// RecordRequest persists one accepted request and bumps the client's
	// request totals.
	RecordRequest(ctx context.Context, clientID, endpoint string, now time.Time) error

	// RecordViolation appends a ViolationRecord and updates reputation in
	// the same transaction.
	RecordViolation(ctx context.Context, v models.ViolationRecord) error

	GetStatus(ctx context.Context, clientID string, cfgs map[string]models.EndpointConfig, now time.Time) (*models.UsageStatus, error)
	GetReputation(ctx context.Context, clientID string) (*models.ReputationRecord, error)

	// ClientOverrides returns per-client endpoint policy overrides.
	ClientOverrides(ctx context.Context, clientID string) (map[string]models.EndpointConfig, error)

	// ResetLimits clears request, violation and reputation state for a
	// client, on one endpoint or all when endpoint is empty.
	ResetLimits(ctx context.Context, clientID, endpoint string) error

	// Aggregate summarizes request and violation volumes in a range.
	Aggregate(ctx context.Context, since, until time.Time) (*models.AnalyticsSummary, error)

	// PurgeExpired removes request rows older than every endpoint window.
	PurgeExpired(ctx context.Context, cfgs map[string]models.EndpointConfig, now time.Time) (int64, error)

	Ping(ctx context.Context) error
}

// KeyValueCache is the low-latency advisory tier. Failures here must be
// treated as soft by callers.
type KeyValueCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
}

// BulkArchive is the append-only batch tier for analytics events.
type BulkArchive interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
}

// CacheEntry is the serialized form stored in the cache tier.
type CacheEntry struct {
	Key         string    `json:"key"`
	Current     int       `json:"current"`
	Max         int       `json:"max"`
	RateLimited bool      `json:"rate_limited"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
}
