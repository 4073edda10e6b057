package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fit2garmin/gateway/internal/apperrors"
	"github.com/fit2garmin/gateway/internal/models"
)

// Strategy names the least-degraded usable admission path.
type Strategy string

const (
	StrategyFull       Strategy = "full"
	StrategyLedgerOnly Strategy = "ledger-only"
	StrategyCacheOnly  Strategy = "cache-only"
	StrategyMemoryOnly Strategy = "memory-only"
)

// TierState is the health classification of one storage tier.
type TierState string

const (
	TierHealthy   TierState = "healthy"
	TierDegraded  TierState = "degraded"
	TierUnhealthy TierState = "unhealthy"
)

const (
	// failureThreshold is the consecutive-failure count that opens the
	// circuit for a tier.
	failureThreshold = 3

	// DefaultCooldown is how long an open circuit blocks a tier before a
	// healthy re-probe is attempted.
	DefaultCooldown = 60 * time.Second

	// DefaultProbeTimeout bounds each tier probe; an overrun counts as a
	// failure.
	DefaultProbeTimeout = 2 * time.Second
)

// ComponentLedger, ComponentCache and ComponentArchive are the tier names
// tracked by the monitor.
const (
	ComponentLedger  = "ledger"
	ComponentCache   = "cache"
	ComponentArchive = "archive"
)

// TierHealth is the externally visible health snapshot of one tier.
type TierHealth struct {
	Component           string        `json:"component"`
	Status              TierState     `json:"status"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Latency             time.Duration `json:"latency_ms"`
	LastError           string        `json:"last_error,omitempty"`
	CircuitOpenUntil    *time.Time    `json:"circuit_open_until,omitempty"`
}

type tierTracker struct {
	status           TierState
	failures         int
	latency          time.Duration
	lastError        error
	circuitOpenUntil time.Time
}

// HealthMonitor tracks the health of the ledger, cache and archive tiers,
// selects the least-degraded admission strategy and routes checks through
// progressively simpler paths when a tier misbehaves. Health is process
// state only: initialized healthy, mutated by probe results and live call
// outcomes, never persisted.
type HealthMonitor struct {
	coordinator  *Coordinator
	logger       *zap.Logger
	metrics      *Metrics
	cooldown     time.Duration
	probeTimeout time.Duration
	now          func() time.Time

	mu       sync.RWMutex
	trackers map[string]*tierTracker
}

// NewHealthMonitor constructs a monitor over the coordinator's tiers, all
// initially healthy.
func NewHealthMonitor(coordinator *Coordinator, logger *zap.Logger, metrics *Metrics) *HealthMonitor {
	m := &HealthMonitor{
		coordinator:  coordinator,
		logger:       logger,
		metrics:      metrics,
		cooldown:     DefaultCooldown,
		probeTimeout: DefaultProbeTimeout,
		now:          time.Now,
		trackers:     make(map[string]*tierTracker),
	}
	for _, name := range []string{ComponentLedger, ComponentCache, ComponentArchive} {
		m.trackers[name] = &tierTracker{status: TierHealthy}
	}
	return m
}

// SetClock overrides the monitor's clock; used by tests.
func (m *HealthMonitor) SetClock(now func() time.Time) { m.now = now }

// RecordFailure registers one failed call or probe against a tier. The
// first failure degrades the tier; the third consecutive failure opens the
// circuit for the cooldown period.
func (m *HealthMonitor) RecordFailure(component string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trackers[component]
	if !ok {
		return
	}
	t.failures++
	t.lastError = err
	if t.failures >= failureThreshold {
		if t.status != TierUnhealthy {
			m.logger.Warn("tier_circuit_opened",
				zap.String("component", component),
				zap.Int("consecutive_failures", t.failures),
				zap.Error(err),
			)
		}
		t.status = TierUnhealthy
		t.circuitOpenUntil = m.now().Add(m.cooldown)
	} else {
		t.status = TierDegraded
	}
	m.metrics.observeTierFailure(component)
}

// RecordSuccess registers one successful call or probe, closing the
// circuit and resetting the failure count.
func (m *HealthMonitor) RecordSuccess(component string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trackers[component]
	if !ok {
		return
	}
	if t.status == TierUnhealthy {
		m.logger.Info("tier_recovered", zap.String("component", component))
	}
	t.status = TierHealthy
	t.failures = 0
	t.latency = latency
	t.lastError = nil
	t.circuitOpenUntil = time.Time{}
}

// ForceRecovery resets a tier to healthy, clearing its failure count and
// circuit deadline. Unknown component names return a typed error.
func (m *HealthMonitor) ForceRecovery(component string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trackers[component]
	if !ok {
		return apperrors.Newf(apperrors.KindNotFound, "unknown component %q", component)
	}
	t.status = TierHealthy
	t.failures = 0
	t.lastError = nil
	t.circuitOpenUntil = time.Time{}
	m.logger.Info("tier_force_recovered", zap.String("component", component))
	return nil
}

// usable reports whether a tier may be called: healthy or degraded tiers
// always, unhealthy ones only once their circuit cooldown has elapsed.
func (m *HealthMonitor) usable(component string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trackers[component]
	if !ok {
		return false
	}
	if t.status != TierUnhealthy {
		return true
	}
	return !m.now().Before(t.circuitOpenUntil)
}

// AvailableStrategy picks the least-degraded strategy from current tier
// health, together with the components backing it.
func (m *HealthMonitor) AvailableStrategy() (Strategy, []string) {
	ledger := m.usable(ComponentLedger)
	cache := m.usable(ComponentCache)

	var strategy Strategy
	var components []string
	switch {
	case ledger && cache:
		strategy, components = StrategyFull, []string{ComponentLedger, ComponentCache}
	case ledger:
		strategy, components = StrategyLedgerOnly, []string{ComponentLedger}
	case cache:
		strategy, components = StrategyCacheOnly, []string{ComponentCache}
	default:
		strategy, components = StrategyMemoryOnly, nil
	}
	m.metrics.observeStrategy(strategy)
	return strategy, components
}

// Admit runs one admission check through the selected strategy, falling
// back one level at a time when a tier call fails. A genuine rate-limit
// rejection from a working tier is returned as-is: infrastructure failure
// must not defeat abuse protection. Total failure resolves to the memory
// fallback, never an error.
func (m *HealthMonitor) Admit(ctx context.Context, clientID, endpoint string) *models.RateLimitResult {
	strategy, _ := m.AvailableStrategy()
	var result *models.RateLimitResult

	switch strategy {
	case StrategyFull:
		result = m.tryFull(ctx, clientID, endpoint)
	case StrategyLedgerOnly:
		result = m.tryLedgerOnly(ctx, clientID, endpoint)
	case StrategyCacheOnly:
		result = m.tryCacheOnly(ctx, clientID, endpoint)
	default:
		result = m.coordinator.CheckMemory(ctx, clientID, endpoint)
	}

	m.coordinator.RecordOutcome(ctx, models.AnalyticsEvent{
		ClientID:    clientID,
		Endpoint:    endpoint,
		RateLimited: result.RateLimited,
		Source:      result.Source,
		Timestamp:   m.now(),
	})
	return result
}

func (m *HealthMonitor) tryFull(ctx context.Context, clientID, endpoint string) *models.RateLimitResult {
	started := m.now()
	result, err := m.coordinator.CheckRateLimit(ctx, clientID, endpoint)
	if err == nil {
		m.RecordSuccess(ComponentLedger, m.now().Sub(started))
		return result
	}
	m.RecordFailure(ComponentLedger, err)
	m.logger.Warn("full_strategy_failed",
		zap.String("client_id", clientID),
		zap.String("endpoint", endpoint),
		zap.Error(err),
	)
	return m.tryCacheOnly(ctx, clientID, endpoint)
}

func (m *HealthMonitor) tryLedgerOnly(ctx context.Context, clientID, endpoint string) *models.RateLimitResult {
	started := m.now()
	result, err := m.coordinator.CheckLedgerOnly(ctx, clientID, endpoint)
	if err == nil {
		m.RecordSuccess(ComponentLedger, m.now().Sub(started))
		return result
	}
	m.RecordFailure(ComponentLedger, err)
	return m.tryCacheOnly(ctx, clientID, endpoint)
}

func (m *HealthMonitor) tryCacheOnly(ctx context.Context, clientID, endpoint string) *models.RateLimitResult {
	if !m.usable(ComponentCache) {
		return m.coordinator.CheckMemory(ctx, clientID, endpoint)
	}
	started := m.now()
	result, err := m.coordinator.CheckCacheOnly(ctx, clientID, endpoint)
	if err == nil {
		m.RecordSuccess(ComponentCache, m.now().Sub(started))
		return result
	}
	m.RecordFailure(ComponentCache, err)
	return m.coordinator.CheckMemory(ctx, clientID, endpoint)
}

// Probe checks every tier with a bounded timeout; results feed the circuit
// breaker the same way live calls do.
func (m *HealthMonitor) Probe(ctx context.Context) {
	type pinger struct {
		name string
		ping func(context.Context) error
	}
	probes := []pinger{
		{ComponentLedger, m.coordinator.ledger.Ping},
		{ComponentCache, m.coordinator.cache.Ping},
		{ComponentArchive, m.coordinator.archive.Ping},
	}
	for _, p := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
		started := m.now()
		err := p.ping(probeCtx)
		cancel()
		if err != nil {
			m.RecordFailure(p.name, fmt.Errorf("probe %s: %w", p.name, err))
			continue
		}
		m.RecordSuccess(p.name, m.now().Sub(started))
	}
}

// Snapshot returns the current health of every tier.
func (m *HealthMonitor) Snapshot() []TierHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]TierHealth, 0, len(m.trackers))
	for _, name := range []string{ComponentLedger, ComponentCache, ComponentArchive} {
		t := m.trackers[name]
		h := TierHealth{
			Component:           name,
			Status:              t.status,
			ConsecutiveFailures: t.failures,
			Latency:             t.latency / time.Millisecond,
		}
		if t.lastError != nil {
			h.LastError = t.lastError.Error()
		}
		if !t.circuitOpenUntil.IsZero() {
			until := t.circuitOpenUntil
			h.CircuitOpenUntil = &until
		}
		out = append(out, h)
	}
	return out
}
