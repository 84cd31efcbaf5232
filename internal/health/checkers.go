package health

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/circuitbreaker"
)

const slowThreshold = 100 * time.Millisecond

// RedisHealthChecker checks the session store's Redis connection. Sessions fall back to the
// local cache, so it is not critical.
type RedisHealthChecker struct {
	wrapper *circuitbreaker.RedisWrapper
	logger  *zap.Logger
	timeout time.Duration
}

// NewRedisHealthChecker creates a Redis health checker
func NewRedisHealthChecker(wrapper *circuitbreaker.RedisWrapper, logger *zap.Logger) *RedisHealthChecker {
	return &RedisHealthChecker{wrapper: wrapper, logger: logger, timeout: 3 * time.Second}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return false }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "redis", Timestamp: start}

	if r.wrapper.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Redis circuit breaker is open"
		return result
	}

	err := r.wrapper.Ping(ctx).Err()
	result.Duration = time.Since(start)
	result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
	return latencyResult(result, err, "Redis")
}

// DatabaseHealthChecker checks the run store connection
type DatabaseHealthChecker struct {
	wrapper *circuitbreaker.DatabaseWrapper
	logger  *zap.Logger
	timeout time.Duration
}

// NewDatabaseHealthChecker creates a database health checker
func NewDatabaseHealthChecker(wrapper *circuitbreaker.DatabaseWrapper, logger *zap.Logger) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{wrapper: wrapper, logger: logger, timeout: 5 * time.Second}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return false }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "database", Timestamp: start}

	if d.wrapper.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Database circuit breaker is open"
		return result
	}

	err := d.wrapper.PingContext(ctx)
	result.Duration = time.Since(start)
	stats := d.wrapper.GetDB().Stats()
	result.Details = map[string]interface{}{
		"latency_ms":       result.Duration.Milliseconds(),
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
	}
	result = latencyResult(result, err, "Database")
	if err == nil && stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		result.Status = StatusDegraded
		result.Message = "Database connection pool exhausted"
	}
	return result
}

// BreakerHealthChecker reports a circuit breaker state without calling the guarded service.
// The oracle is critical: nothing routes without it.
type BreakerHealthChecker struct {
	name     string
	critical bool
	state    func() circuitbreaker.State
}

// NewBreakerHealthChecker creates a checker over a breaker state accessor.
func NewBreakerHealthChecker(name string, critical bool, state func() circuitbreaker.State) *BreakerHealthChecker {
	return &BreakerHealthChecker{name: name, critical: critical, state: state}
}

func (b *BreakerHealthChecker) Name() string           { return b.name }
func (b *BreakerHealthChecker) IsCritical() bool       { return b.critical }
func (b *BreakerHealthChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerHealthChecker) Check(_ context.Context) CheckResult {
	st := b.state()
	result := CheckResult{
		Component: b.name,
		Timestamp: time.Now(),
		Details:   map[string]interface{}{"breaker": st.String()},
	}
	switch st {
	case circuitbreaker.StateOpen:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%s circuit breaker is open", b.name)
	case circuitbreaker.StateHalfOpen:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%s circuit breaker is probing", b.name)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%s healthy", b.name)
	}
	return result
}

// CustomHealthChecker allows for custom health check logic
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}

// PingChecker wraps a plain ping function, e.g. the catalog database.
func PingChecker(name string, critical bool, ping func(ctx context.Context) error) *CustomHealthChecker {
	return NewCustomHealthChecker(name, critical, 5*time.Second, func(ctx context.Context) CheckResult {
		start := time.Now()
		err := ping(ctx)
		result := CheckResult{Component: name, Timestamp: start, Duration: time.Since(start)}
		return latencyResult(result, err, name)
	})
}

func latencyResult(result CheckResult, err error, what string) CheckResult {
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = what + " ping failed"
	case result.Duration > slowThreshold:
		result.Status = StatusDegraded
		result.Message = what + " responding but with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = what + " healthy"
	}
	return result
}
