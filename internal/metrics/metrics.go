package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogrouter_requests_total",
			Help: "Total number of questions answered, by final status",
		},
		[]string{"status", "domain"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalogrouter_request_duration_seconds",
			Help:    "End-to-end question latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"status"},
	)

	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalogrouter_node_duration_seconds",
			Help:    "Pipeline node execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node"},
	)

	// Routing metrics
	RoutingStrategy = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogrouter_routing_strategy_total",
			Help: "Execution strategies selected after routing",
		},
		[]string{"strategy"},
	)

	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogrouter_routing_decisions_total",
			Help: "Routing decisions by selected domain",
		},
		[]string{"domain", "source"},
	)

	Reroutes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalogrouter_reroutes_total",
			Help: "Re-routes triggered by not_my_scope",
		},
	)

	// Resolver and validation metrics
	ResolverOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogrouter_resolver_outcomes_total",
			Help: "Entity resolution outcomes",
		},
		[]string{"entity_type", "status"},
	)

	PendingDisambiguations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalogrouter_pending_disambiguations_total",
			Help: "Disambiguation prompts stored for a follow-up reply",
		},
	)

	// Domain executor metrics
	SupervisorDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogrouter_supervisor_decisions_total",
			Help: "Completion supervisor decisions",
		},
		[]string{"domain", "decision", "reason"},
	)

	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogrouter_tool_calls_total",
			Help: "Tool invocations by domain, tool and status",
		},
		[]string{"domain", "tool", "status"},
	)

	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalogrouter_tool_duration_seconds",
			Help:    "Tool execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"domain", "tool"},
	)

	// Budget metrics
	BudgetExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogrouter_budget_exhausted_total",
			Help: "Requests stopped by a budget ceiling",
		},
		[]string{"reason"},
	)

	TokensEstimated = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "catalogrouter_request_tokens",
			Help:    "Estimated tokens consumed per request",
			Buckets: []float64{100, 500, 1000, 2000, 4000, 8000, 16000},
		},
	)

	// Parallel execution metrics
	ParallelBranches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogrouter_parallel_branches_total",
			Help: "Speculative branch outcomes",
		},
		[]string{"domain", "status"},
	)

	// Oracle metrics
	OracleCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogrouter_oracle_calls_total",
			Help: "Classification oracle calls by call site and status",
		},
		[]string{"call_site", "status"},
	)

	OracleLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalogrouter_oracle_latency_seconds",
			Help:    "Classification oracle latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"call_site"},
	)

	OracleParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogrouter_oracle_parse_errors_total",
			Help: "Oracle outputs that could not be parsed",
		},
		[]string{"call_site"},
	)

	OracleCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalogrouter_oracle_cache_hits_total",
			Help: "Oracle responses served from the prompt cache",
		},
	)

	// Session store metrics
	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalogrouter_session_cache_hits_total",
			Help: "Pending disambiguation lookups served from the local cache",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalogrouter_session_cache_misses_total",
			Help: "Pending disambiguation lookups that missed the local cache",
		},
	)

	SessionCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "catalogrouter_session_cache_evictions_total",
			Help: "Entries evicted from the local session cache",
		},
	)

	// Persistence metrics
	RunWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogrouter_run_writes_total",
			Help: "Routing run rows written, by status",
		},
		[]string{"status"},
	)
)

// RecordRequest records the outcome of one question.
func RecordRequest(status, domain string, durationSeconds float64, tokens int) {
	RequestsTotal.WithLabelValues(status, domain).Inc()
	RequestDuration.WithLabelValues(status).Observe(durationSeconds)
	if tokens > 0 {
		TokensEstimated.Observe(float64(tokens))
	}
}

// RecordToolCall records one tool invocation.
func RecordToolCall(domain, tool, status string, durationSeconds float64) {
	ToolCalls.WithLabelValues(domain, tool, status).Inc()
	if durationSeconds > 0 {
		ToolDuration.WithLabelValues(domain, tool).Observe(durationSeconds)
	}
}

// RecordOracleCall records one oracle round trip.
func RecordOracleCall(callSite, status string, durationSeconds float64) {
	OracleCalls.WithLabelValues(callSite, status).Inc()
	if durationSeconds > 0 {
		OracleLatency.WithLabelValues(callSite).Observe(durationSeconds)
	}
}
