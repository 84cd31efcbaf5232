package circuitbreaker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "catalogrouter_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogrouter_circuit_breaker_requests_total",
			Help: "Requests passed through a circuit breaker",
		},
		[]string{"name", "service", "state", "result"},
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogrouter_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "service", "from_state", "to_state"},
	)
)

// Collector tracks every registered breaker for metrics and health reporting.
type Collector struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{breakers: make(map[string]*CircuitBreaker)}
}

// GlobalMetricsCollector is shared by the wrappers in this package.
var GlobalMetricsCollector = NewCollector()

// Register attaches state-change metrics to cb under service/name.
func (c *Collector) Register(name, service string, cb *CircuitBreaker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakers[service+"/"+name] = cb

	prev := cb.config.OnStateChange
	cb.config.OnStateChange = func(n string, from, to State) {
		if prev != nil {
			prev(n, from, to)
		}
		breakerStateChanges.WithLabelValues(name, service, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(name, service).Set(float64(to))
	}
	breakerState.WithLabelValues(name, service).Set(float64(StateClosed))
}

// RecordRequest counts one request outcome.
func (c *Collector) RecordRequest(name, service string, state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	breakerRequests.WithLabelValues(name, service, state.String(), result).Inc()
}

// States returns the current state of every registered breaker keyed service/name.
func (c *Collector) States() map[string]State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]State, len(c.breakers))
	for k, cb := range c.breakers {
		out[k] = cb.State()
	}
	return out
}
