package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/config"
)

// Limits are the per-request hard and soft limits.
type Limits struct {
	TimeBudget     time.Duration
	TokenBudget    int
	MaxHops        int
	NodeSoftLimits map[string]time.Duration
}

// DefaultLimits returns 30s, 8000 tokens and 3 hops.
func DefaultLimits() Limits {
	return LimitsFromConfig(config.DefaultRoutingConfig().Budget)
}

// LimitsFromConfig converts routing.yaml budget settings.
func LimitsFromConfig(b config.BudgetSettings) Limits {
	return Limits{
		TimeBudget:     b.TimeBudget(),
		TokenBudget:    b.TokenBudget,
		MaxHops:        b.MaxHops,
		NodeSoftLimits: b.NodeSoftLimits(),
	}
}

// Usage is one finished request's consumption, persisted to routing_usage.
type Usage struct {
	ID        string        `json:"id"`
	RequestID string        `json:"request_id"`
	ThreadID  string        `json:"thread_id"`
	Domain    string        `json:"domain"`
	Status    string        `json:"status"`
	Tokens    int           `json:"tokens"`
	Elapsed   time.Duration `json:"elapsed"`
	Hops      int           `json:"hops"`
	Timestamp time.Time     `json:"timestamp"`
}

// ErrMissingRequestID is returned by RecordUsage for rows it cannot deduplicate.
var ErrMissingRequestID = errors.New("usage has no request id")

const maxTrackedLimiters = 10000

// Manager owns request budgets, per-thread rate limits and usage persistence.
//
// Lock order: mu, then idempotencyMu. The limiter cache is internally synchronised.
type Manager struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger

	mu     sync.RWMutex
	limits Limits

	// Per-thread rate limiting; threads without an explicit limit get the default when set.
	limiters     *lru.Cache[string, *rate.Limiter]
	defaultRate  rate.Limit
	defaultBurst int

	processedUsage map[string]time.Time
	idempotencyMu  sync.Mutex
	idempotencyTTL time.Duration
}

// NewManager creates a manager. db may be nil, in which case usage is only logged.
func NewManager(db *circuitbreaker.DatabaseWrapper, logger *zap.Logger, limits Limits) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	limiters, _ := lru.New[string, *rate.Limiter](maxTrackedLimiters)
	return &Manager{
		db:             db,
		logger:         logger,
		limits:         limits,
		limiters:       limiters,
		processedUsage: make(map[string]time.Time),
		idempotencyTTL: time.Hour,
	}
}

// Limits returns the limits new trackers start with.
func (m *Manager) Limits() Limits {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limits
}

// SetLimits replaces the defaults for trackers created afterwards.
func (m *Manager) SetLimits(l Limits) {
	m.mu.Lock()
	m.limits = l
	m.mu.Unlock()
	m.logger.Info("Budget limits updated",
		zap.Duration("time_budget", l.TimeBudget),
		zap.Int("token_budget", l.TokenBudget),
		zap.Int("max_hops", l.MaxHops),
	)
}

// NewTracker starts the clock for one request.
func (m *Manager) NewTracker() *Tracker {
	return newTracker(m.Limits(), time.Now, m.logger)
}

// SetRateLimit sets the rate limit for one thread.
func (m *Manager) SetRateLimit(threadID string, requestsPerInterval int, interval time.Duration) {
	m.limiters.Add(threadID, rate.NewLimiter(rate.Limit(float64(requestsPerInterval)/interval.Seconds()), requestsPerInterval))
}

// SetDefaultRateLimit applies requestsPerMinute with burst to every thread without an explicit
// limit. Zero disables the default.
func (m *Manager) SetDefaultRateLimit(requestsPerMinute, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if requestsPerMinute <= 0 {
		m.defaultRate = 0
		return
	}
	if burst <= 0 {
		burst = 1
	}
	m.defaultRate = rate.Limit(float64(requestsPerMinute) / 60)
	m.defaultBurst = burst
}

// CheckRateLimit reports whether a request for threadID may proceed now.
func (m *Manager) CheckRateLimit(threadID string) bool {
	limiter, ok := m.limiters.Get(threadID)
	if !ok {
		m.mu.RLock()
		r, burst := m.defaultRate, m.defaultBurst
		m.mu.RUnlock()
		if r == 0 {
			return true
		}
		limiter = rate.NewLimiter(r, burst)
		if prev, found, _ := m.limiters.PeekOrAdd(threadID, limiter); found {
			limiter = prev
		}
	}
	return limiter.Allow()
}

// EnsureSchema creates the routing_usage table.
func (m *Manager) EnsureSchema(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS routing_usage (
		id UUID PRIMARY KEY,
		request_id TEXT NOT NULL UNIQUE,
		thread_id TEXT NOT NULL,
		domain TEXT,
		status TEXT NOT NULL,
		tokens INTEGER NOT NULL,
		elapsed_ms BIGINT NOT NULL,
		hops INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("create routing_usage: %w", err)
	}
	return nil
}

// RecordUsage persists u once per request id. Retries with the same request id are no-ops.
func (m *Manager) RecordUsage(ctx context.Context, u Usage) error {
	if u.RequestID == "" {
		return ErrMissingRequestID
	}
	if m.seen(u.RequestID) {
		m.logger.Debug("Skipping duplicate usage record", zap.String("request_id", u.RequestID))
		return nil
	}
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now()
	}

	if m.db == nil {
		m.logger.Debug("Usage recorded without database",
			zap.String("request_id", u.RequestID),
			zap.Int("tokens", u.Tokens),
		)
	} else {
		_, err := m.db.ExecContext(ctx, `INSERT INTO routing_usage (
			id, request_id, thread_id, domain, status, tokens, elapsed_ms, hops, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (request_id) DO NOTHING`,
			u.ID, u.RequestID, u.ThreadID, u.Domain, u.Status, u.Tokens, u.Elapsed.Milliseconds(), u.Hops, u.Timestamp)
		if err != nil {
			m.logger.Error("Failed to store usage", zap.String("request_id", u.RequestID), zap.Error(err))
			return fmt.Errorf("store usage: %w", err)
		}
	}

	m.markSeen(u.RequestID)
	return nil
}

func (m *Manager) seen(requestID string) bool {
	m.idempotencyMu.Lock()
	defer m.idempotencyMu.Unlock()
	at, ok := m.processedUsage[requestID]
	return ok && time.Since(at) < m.idempotencyTTL
}

func (m *Manager) markSeen(requestID string) {
	m.idempotencyMu.Lock()
	defer m.idempotencyMu.Unlock()
	now := time.Now()
	m.processedUsage[requestID] = now
	for k, at := range m.processedUsage {
		if now.Sub(at) >= m.idempotencyTTL {
			delete(m.processedUsage, k)
		}
	}
}

// UsageByDomain aggregates stored usage within [from, to).
type UsageByDomain struct {
	Domain   string `json:"domain"`
	Status   string `json:"status"`
	Requests int    `json:"requests"`
	Tokens   int    `json:"tokens"`
	AvgMs    int64  `json:"avg_elapsed_ms"`
}

// UsageReport returns per-domain totals from routing_usage.
func (m *Manager) UsageReport(ctx context.Context, from, to time.Time) ([]UsageByDomain, error) {
	if m.db == nil {
		return nil, nil
	}
	rows, err := m.db.QueryContext(ctx, `SELECT COALESCE(domain, ''), status, COUNT(*), COALESCE(SUM(tokens), 0),
		COALESCE(AVG(elapsed_ms), 0)::BIGINT
		FROM routing_usage WHERE created_at >= $1 AND created_at < $2
		GROUP BY domain, status ORDER BY domain, status`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []UsageByDomain
	for rows.Next() {
		var r UsageByDomain
		if err := rows.Scan(&r.Domain, &r.Status, &r.Requests, &r.Tokens, &r.AvgMs); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
