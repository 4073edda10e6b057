package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/fit2garmin/gateway/internal/models"
)

// Ledger is the Postgres-backed authoritative store for request counts,
// violations, reputation and per-client limit overrides. Every multi-row
// operation runs in a single transaction; a partial write never commits.
type Ledger struct {
	db *sql.DB
}

// NewLedger opens a connection pool against the given database URL and
// verifies connectivity.
func NewLedger(databaseURL string) (*Ledger, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Ledger{db: db}, nil
}

// NewLedgerFromDB wraps an existing handle; used by tests.
func NewLedgerFromDB(db *sql.DB) *Ledger { return &Ledger{db: db} }

// Close releases the connection pool.
func (l *Ledger) Close() error { return l.db.Close() }

// Ping reports ledger reachability.
func (l *Ledger) Ping(ctx context.Context) error { return l.db.PingContext(ctx) }

// Migrate creates the ledger schema if it does not exist.
func (l *Ledger) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rate_limit_requests (
		id BIGSERIAL PRIMARY KEY,
		client_id TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		requested_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_requests_key_time
		ON rate_limit_requests (client_id, endpoint, requested_at);

	CREATE TABLE IF NOT EXISTS rate_limit_violations (
		id BIGSERIAL PRIMARY KEY,
		client_id TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		violation_type TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		count_at_violation INT NOT NULL,
		max_requests INT NOT NULL,
		window_seconds INT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_violations_client_time
		ON rate_limit_violations (client_id, occurred_at);

	CREATE TABLE IF NOT EXISTS client_reputation (
		client_id TEXT PRIMARY KEY,
		score INT NOT NULL DEFAULT 100,
		total_requests BIGINT NOT NULL DEFAULT 0,
		violation_count INT NOT NULL DEFAULT 0,
		risk_level TEXT NOT NULL DEFAULT 'LOW',
		last_violation TIMESTAMPTZ,
		last_request TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS client_limit_overrides (
		client_id TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		max_requests INT NOT NULL,
		window_seconds INT NOT NULL,
		priority INT NOT NULL DEFAULT 1,
		PRIMARY KEY (client_id, endpoint)
	);
	`
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate ledger schema: %w", err)
	}
	return nil
}

// CheckRateLimit performs the full admission check as one atomic unit:
// purge expired rows for the key, count the window, conditionally insert,
// and on violation log the record and update reputation. A per-key advisory
// lock serializes concurrent transactions for the same key.
func (l *Ledger) CheckRateLimit(ctx context.Context, clientID string, cfg models.EndpointConfig, now time.Time) (*models.RateLimitResult, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rate limit check: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`,
		clientID+":"+cfg.Endpoint,
	); err != nil {
		return nil, fmt.Errorf("acquire key lock: %w", err)
	}

	cutoff := now.Add(-time.Duration(cfg.WindowSeconds) * time.Second)
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM rate_limit_requests
		WHERE client_id = $1 AND endpoint = $2 AND requested_at <= $3
	`, clientID, cfg.Endpoint, cutoff); err != nil {
		return nil, fmt.Errorf("purge expired requests: %w", err)
	}

	var current int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rate_limit_requests
		WHERE client_id = $1 AND endpoint = $2
	`, clientID, cfg.Endpoint).Scan(&current); err != nil {
		return nil, fmt.Errorf("count window: %w", err)
	}

	result := &models.RateLimitResult{Max: cfg.MaxRequests}
	if current >= cfg.MaxRequests {
		result.RateLimited = true
		result.Current = current
		result.RetryAfter = cfg.WindowSeconds
		if err := l.insertViolationTx(ctx, tx, models.ViolationRecord{
			ClientID:         clientID,
			Endpoint:         cfg.Endpoint,
			ViolationType:    "rate_limit",
			Timestamp:        now,
			CountAtViolation: current,
			Limit:            cfg.MaxRequests,
			WindowSeconds:    cfg.WindowSeconds,
		}); err != nil {
			return nil, err
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rate_limit_requests (client_id, endpoint, requested_at)
			VALUES ($1, $2, $3)
		`, clientID, cfg.Endpoint, now); err != nil {
			return nil, fmt.Errorf("insert request: %w", err)
		}
		if err := l.bumpRequestTotalsTx(ctx, tx, clientID, now); err != nil {
			return nil, err
		}
		result.Current = current + 1
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rate limit check: %w", err)
	}
	return result, nil
}

// RecordRequest persists one accepted request and the client's request
// totals in a single transaction.
func (l *Ledger) RecordRequest(ctx context.Context, clientID, endpoint string, now time.Time) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record request: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rate_limit_requests (client_id, endpoint, requested_at)
		VALUES ($1, $2, $3)
	`, clientID, endpoint, now); err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	if err := l.bumpRequestTotalsTx(ctx, tx, clientID, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record request: %w", err)
	}
	return nil
}

// RecordViolation appends the violation and updates reputation atomically.
func (l *Ledger) RecordViolation(ctx context.Context, v models.ViolationRecord) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record violation: %w", err)
	}
	defer tx.Rollback()

	if err := l.insertViolationTx(ctx, tx, v); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record violation: %w", err)
	}
	return nil
}

func (l *Ledger) bumpRequestTotalsTx(ctx context.Context, tx *sql.Tx, clientID string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO client_reputation (client_id, total_requests, last_request)
		VALUES ($1, 1, $2)
		ON CONFLICT (client_id) DO UPDATE SET
			total_requests = client_reputation.total_requests + 1,
			last_request = EXCLUDED.last_request
	`, clientID, now); err != nil {
		return fmt.Errorf("update request totals: %w", err)
	}
	return nil
}

func (l *Ledger) insertViolationTx(ctx context.Context, tx *sql.Tx, v models.ViolationRecord) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rate_limit_violations
			(client_id, endpoint, violation_type, occurred_at, count_at_violation, max_requests, window_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, v.ClientID, v.Endpoint, v.ViolationType, v.Timestamp, v.CountAtViolation, v.Limit, v.WindowSeconds); err != nil {
		return fmt.Errorf("insert violation: %w", err)
	}

	// Lock the reputation row so the score decay reads a stable prior value.
	var score, violations int
	err := tx.QueryRowContext(ctx, `
		SELECT score, violation_count FROM client_reputation
		WHERE client_id = $1 FOR UPDATE
	`, v.ClientID).Scan(&score, &violations)
	switch {
	case err == sql.ErrNoRows:
		score, violations = 100, 0
	case err != nil:
		return fmt.Errorf("read reputation: %w", err)
	}

	violations++
	newScore, risk := models.ReputationForViolations(violations, score)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO client_reputation
			(client_id, score, violation_count, risk_level, last_violation)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (client_id) DO UPDATE SET
			score = EXCLUDED.score,
			violation_count = EXCLUDED.violation_count,
			risk_level = EXCLUDED.risk_level,
			last_violation = EXCLUDED.last_violation
	`, v.ClientID, newScore, violations, string(risk), v.Timestamp); err != nil {
		return fmt.Errorf("update reputation: %w", err)
	}
	return nil
}

// GetStatus returns current/max per endpoint for a client.
func (l *Ledger) GetStatus(ctx context.Context, clientID string, cfgs map[string]models.EndpointConfig, now time.Time) (*models.UsageStatus, error) {
	status := &models.UsageStatus{ClientID: clientID}
	for name, cfg := range cfgs {
		cutoff := now.Add(-time.Duration(cfg.WindowSeconds) * time.Second)
		var current int
		var oldest sql.NullTime
		err := l.db.QueryRowContext(ctx, `
			SELECT COUNT(*), MIN(requested_at) FROM rate_limit_requests
			WHERE client_id = $1 AND endpoint = $2 AND requested_at > $3
		`, clientID, name, cutoff).Scan(&current, &oldest)
		if err != nil {
			return nil, fmt.Errorf("count endpoint %s: %w", name, err)
		}
		usage := models.EndpointUsage{
			Endpoint:  name,
			Current:   current,
			Max:       cfg.MaxRequests,
			Remaining: cfg.MaxRequests - current,
		}
		if usage.Remaining < 0 {
			usage.Remaining = 0
		}
		if oldest.Valid {
			reset := int(oldest.Time.Add(time.Duration(cfg.WindowSeconds) * time.Second).Sub(now).Seconds())
			if reset < 0 {
				reset = 0
			}
			usage.ResetSeconds = reset
		}
		status.Endpoints = append(status.Endpoints, usage)
	}
	return status, nil
}

// GetReputation returns the client's reputation record, or a pristine one
// if the client has never been seen.
func (l *Ledger) GetReputation(ctx context.Context, clientID string) (*models.ReputationRecord, error) {
	rep := &models.ReputationRecord{ClientID: clientID, Score: 100, RiskLevel: models.RiskLow}
	var lastViolation, lastRequest sql.NullTime
	err := l.db.QueryRowContext(ctx, `
		SELECT score, total_requests, violation_count, risk_level, last_violation, last_request
		FROM client_reputation WHERE client_id = $1
	`, clientID).Scan(&rep.Score, &rep.TotalRequests, &rep.ViolationCount, &rep.RiskLevel, &lastViolation, &lastRequest)
	if err == sql.ErrNoRows {
		return rep, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reputation: %w", err)
	}
	if lastViolation.Valid {
		rep.LastViolation = &lastViolation.Time
	}
	if lastRequest.Valid {
		rep.LastRequest = &lastRequest.Time
	}
	return rep, nil
}

// ClientOverrides returns per-client endpoint policy overrides.
func (l *Ledger) ClientOverrides(ctx context.Context, clientID string) (map[string]models.EndpointConfig, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT endpoint, max_requests, window_seconds, priority
		FROM client_limit_overrides WHERE client_id = $1
	`, clientID)
	if err != nil {
		return nil, fmt.Errorf("query overrides: %w", err)
	}
	defer rows.Close()

	overrides := make(map[string]models.EndpointConfig)
	for rows.Next() {
		var cfg models.EndpointConfig
		if err := rows.Scan(&cfg.Endpoint, &cfg.MaxRequests, &cfg.WindowSeconds, &cfg.Priority); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		overrides[cfg.Endpoint] = cfg
	}
	return overrides, rows.Err()
}

// SetClientOverride upserts one per-client endpoint policy.
func (l *Ledger) SetClientOverride(ctx context.Context, clientID string, cfg models.EndpointConfig) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO client_limit_overrides (client_id, endpoint, max_requests, window_seconds, priority)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (client_id, endpoint) DO UPDATE SET
			max_requests = EXCLUDED.max_requests,
			window_seconds = EXCLUDED.window_seconds,
			priority = EXCLUDED.priority
	`, clientID, cfg.Endpoint, cfg.MaxRequests, cfg.WindowSeconds, cfg.Priority)
	if err != nil {
		return fmt.Errorf("set client override: %w", err)
	}
	return nil
}

// ResetLimits clears request, violation and (on a full reset) reputation
// state for a client in one transaction.
func (l *Ledger) ResetLimits(ctx context.Context, clientID, endpoint string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback()

	if endpoint != "" {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM rate_limit_requests WHERE client_id = $1 AND endpoint = $2`,
			clientID, endpoint); err != nil {
			return fmt.Errorf("reset requests: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM rate_limit_violations WHERE client_id = $1 AND endpoint = $2`,
			clientID, endpoint); err != nil {
			return fmt.Errorf("reset violations: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM rate_limit_requests WHERE client_id = $1`, clientID); err != nil {
			return fmt.Errorf("reset requests: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM rate_limit_violations WHERE client_id = $1`, clientID); err != nil {
			return fmt.Errorf("reset violations: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM client_reputation WHERE client_id = $1`, clientID); err != nil {
			return fmt.Errorf("reset reputation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}
	return nil
}

// Aggregate summarizes request and violation volumes in the range.
func (l *Ledger) Aggregate(ctx context.Context, since, until time.Time) (*models.AnalyticsSummary, error) {
	summary := &models.AnalyticsSummary{
		Since:      since,
		Until:      until,
		ByEndpoint: make(map[string]int64),
	}

	if err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT client_id) FROM rate_limit_requests
		WHERE requested_at >= $1 AND requested_at <= $2
	`, since, until).Scan(&summary.TotalRequests, &summary.UniqueClients); err != nil {
		return nil, fmt.Errorf("aggregate requests: %w", err)
	}

	if err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rate_limit_violations
		WHERE occurred_at >= $1 AND occurred_at <= $2
	`, since, until).Scan(&summary.TotalViolations); err != nil {
		return nil, fmt.Errorf("aggregate violations: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT endpoint, COUNT(*) FROM rate_limit_requests
		WHERE requested_at >= $1 AND requested_at <= $2
		GROUP BY endpoint
	`, since, until)
	if err != nil {
		return nil, fmt.Errorf("aggregate by endpoint: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var endpoint string
		var count int64
		if err := rows.Scan(&endpoint, &count); err != nil {
			return nil, fmt.Errorf("scan endpoint aggregate: %w", err)
		}
		summary.ByEndpoint[endpoint] = count
	}
	return summary, rows.Err()
}

// PurgeExpired deletes request rows older than each endpoint's window.
// Rows for endpoints with no configured policy age out at the longest
// configured window.
func (l *Ledger) PurgeExpired(ctx context.Context, cfgs map[string]models.EndpointConfig, now time.Time) (int64, error) {
	var purged int64
	maxWindow := 0
	for name, cfg := range cfgs {
		if cfg.WindowSeconds > maxWindow {
			maxWindow = cfg.WindowSeconds
		}
		cutoff := now.Add(-time.Duration(cfg.WindowSeconds) * time.Second)
		res, err := l.db.ExecContext(ctx,
			`DELETE FROM rate_limit_requests WHERE endpoint = $1 AND requested_at <= $2`,
			name, cutoff)
		if err != nil {
			return purged, fmt.Errorf("purge endpoint %s: %w", name, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			purged += n
		}
	}

	cutoff := now.Add(-time.Duration(maxWindow) * time.Second)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM rate_limit_requests WHERE requested_at <= $1`, cutoff)
	if err != nil {
		return purged, fmt.Errorf("purge stragglers: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		purged += n
	}
	return purged, nil
}
