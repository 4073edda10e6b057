package ratelimit

import (
	"hash/fnv"
	"sync"

	"github.com/fit2garmin/gateway/internal/models"
)

const sequencerShards = 64

// Sequencer provides race-free sliding-window admission per
// (clientID, endpoint) key. Keys are spread over a fixed set of shards;
// callers for the same key are serialized by the shard mutex while callers
// for different keys proceed in parallel. The sequencer performs no I/O.
type Sequencer struct {
	shards [sequencerShards]sequencerShard
}

type sequencerShard struct {
	mu      sync.Mutex
	buckets map[string]*rateBucket
}

// rateBucket holds the ordered request timestamps for one key.
type rateBucket struct {
	timestamps []int64
}

// NewSequencer constructs an empty sequencer.
func NewSequencer() *Sequencer {
	s := &Sequencer{}
	for i := range s.shards {
		s.shards[i].buckets = make(map[string]*rateBucket)
	}
	return s
}

func bucketKey(clientID, endpoint string) string {
	return clientID + ":" + endpoint
}

func (s *Sequencer) shardFor(key string) *sequencerShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &s.shards[h.Sum32()%sequencerShards]
}

// Check runs one admission decision for the key at nowSeconds. Timestamps
// whose age has reached the window are purged; if the remaining count is at
// the limit the request is rejected without being recorded, otherwise
// nowSeconds is appended and the request accepted. A timestamp counts while
// age < windowSeconds, strictly.
//
// For N concurrent calls against one key with limit M, exactly min(N, M)
// are accepted regardless of interleaving.
func (s *Sequencer) Check(clientID, endpoint string, cfg models.EndpointConfig, nowSeconds int64) *models.RateLimitResult {
	key := bucketKey(clientID, endpoint)
	shard := s.shardFor(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	b := shard.buckets[key]
	if b == nil {
		b = &rateBucket{}
		shard.buckets[key] = b
	}

	cutoff := nowSeconds - int64(cfg.WindowSeconds)
	b.timestamps = pruneTimestamps(b.timestamps, cutoff)

	if len(b.timestamps) >= cfg.MaxRequests {
		return &models.RateLimitResult{
			RateLimited: true,
			Current:     len(b.timestamps),
			Max:         cfg.MaxRequests,
			RetryAfter:  retryAfterSeconds(b.timestamps, cfg.WindowSeconds, nowSeconds),
		}
	}

	b.timestamps = append(b.timestamps, nowSeconds)
	return &models.RateLimitResult{
		RateLimited: false,
		Current:     len(b.timestamps),
		Max:         cfg.MaxRequests,
	}
}

// Record notes an admission that was decided elsewhere (a fresh cache hit)
// so later window decisions count it.
func (s *Sequencer) Record(clientID, endpoint string, cfg models.EndpointConfig, nowSeconds int64) {
	key := bucketKey(clientID, endpoint)
	shard := s.shardFor(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	b := shard.buckets[key]
	if b == nil {
		b = &rateBucket{}
		shard.buckets[key] = b
	}
	b.timestamps = pruneTimestamps(b.timestamps, nowSeconds-int64(cfg.WindowSeconds))
	b.timestamps = append(b.timestamps, nowSeconds)
}

// Count returns the live count for a key without recording a request.
func (s *Sequencer) Count(clientID, endpoint string, cfg models.EndpointConfig, nowSeconds int64) int {
	key := bucketKey(clientID, endpoint)
	shard := s.shardFor(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	b := shard.buckets[key]
	if b == nil {
		return 0
	}
	b.timestamps = pruneTimestamps(b.timestamps, nowSeconds-int64(cfg.WindowSeconds))
	return len(b.timestamps)
}

// Reset drops the bucket for a key, or every bucket for the client when
// endpoint is empty.
func (s *Sequencer) Reset(clientID, endpoint string) {
	if endpoint != "" {
		key := bucketKey(clientID, endpoint)
		shard := s.shardFor(key)
		shard.mu.Lock()
		delete(shard.buckets, key)
		shard.mu.Unlock()
		return
	}
	prefix := clientID + ":"
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for key := range shard.buckets {
			if len(key) > len(prefix) && key[:len(prefix)] == prefix {
				delete(shard.buckets, key)
			}
		}
		shard.mu.Unlock()
	}
}

// Sweep purges expired timestamps across all buckets and drops empty ones.
// maxWindowSeconds must be the largest configured window. Returns the number
// of buckets removed.
func (s *Sequencer) Sweep(nowSeconds int64, maxWindowSeconds int) int {
	removed := 0
	cutoff := nowSeconds - int64(maxWindowSeconds)
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for key, b := range shard.buckets {
			b.timestamps = pruneTimestamps(b.timestamps, cutoff)
			if len(b.timestamps) == 0 {
				delete(shard.buckets, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// pruneTimestamps drops entries at or before the cutoff. Timestamps are
// appended in order, so the slice stays sorted and a linear scan from the
// front suffices.
func pruneTimestamps(ts []int64, cutoff int64) []int64 {
	i := 0
	for i < len(ts) && ts[i] <= cutoff {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// retryAfterSeconds derives the Retry-After hint from the oldest counted
// timestamp: the window reopens once it ages out.
func retryAfterSeconds(ts []int64, windowSeconds int, nowSeconds int64) int {
	if len(ts) == 0 {
		return windowSeconds
	}
	retry := int(ts[0] + int64(windowSeconds) - nowSeconds)
	if retry < 1 {
		retry = 1
	}
	return retry
}
