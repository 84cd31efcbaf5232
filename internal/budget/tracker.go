package budget

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/state"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/util"
)

// Exhaustion describes the first limit a request hit.
type Exhaustion struct {
	Kind    state.ErrorKind
	Node    string
	Elapsed time.Duration
	Tokens  int
	Hops    int
}

// Message is the user-facing text for the exhaustion.
func (e *Exhaustion) Message() string { return Message(e.Kind) }

// Tracker accounts time and tokens for one request. Safe for concurrent use by parallel
// branches.
type Tracker struct {
	limits Limits
	start  time.Time
	now    func() time.Time
	logger *zap.Logger

	mu         sync.Mutex
	tokens     int
	nodeTime   map[string]time.Duration
	nodeTokens map[string]int
	exhausted  *Exhaustion
}

func newTracker(limits Limits, now func() time.Time, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		limits:     limits,
		start:      now(),
		now:        now,
		logger:     logger,
		nodeTime:   make(map[string]time.Duration),
		nodeTokens: make(map[string]int),
	}
}

// Limits returns the limits this tracker enforces.
func (t *Tracker) Limits() Limits { return t.limits }

// Elapsed returns wall-clock time since the request started.
func (t *Tracker) Elapsed() time.Duration { return t.now().Sub(t.start) }

// Check is called before every node. The first exhaustion sticks: later calls return it
// without looking at the clock or counters again.
func (t *Tracker) Check(node string, hops int) *Exhaustion {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exhausted != nil {
		return t.exhausted
	}

	elapsed := t.now().Sub(t.start)
	var kind state.ErrorKind
	switch {
	case t.limits.TimeBudget > 0 && elapsed >= t.limits.TimeBudget:
		kind = state.ErrBudgetExhaustedTime
	case t.limits.TokenBudget > 0 && t.tokens >= t.limits.TokenBudget:
		kind = state.ErrBudgetExhaustedTokens
	case t.limits.MaxHops > 0 && hops > t.limits.MaxHops:
		kind = state.ErrHopLimitExceeded
	default:
		return nil
	}

	t.exhausted = &Exhaustion{Kind: kind, Node: node, Elapsed: elapsed, Tokens: t.tokens, Hops: hops}
	metrics.BudgetExhausted.WithLabelValues(string(kind)).Inc()
	t.logger.Warn("Request budget exhausted",
		zap.String("reason", string(kind)),
		zap.String("node", node),
		zap.Duration("elapsed", elapsed),
		zap.Int("tokens", t.tokens),
		zap.Int("hops", hops),
	)
	return t.exhausted
}

// Exhausted returns the sticky exhaustion, if any.
func (t *Tracker) Exhausted() *Exhaustion {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exhausted
}

// AddText charges an estimate of ceil(runes/4) tokens to node and returns the estimate.
func (t *Tracker) AddText(node, text string) int {
	n := util.EstimateTokens(text)
	t.AddTokens(node, n)
	return n
}

// AddTokens charges exact usage to node.
func (t *Tracker) AddTokens(node string, n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens += n
	t.nodeTokens[node] += n
}

// Tokens returns the running total.
func (t *Tracker) Tokens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tokens
}

// ObserveNode records time spent in node and warns when its soft limit was overrun.
func (t *Tracker) ObserveNode(node string, d time.Duration) {
	t.mu.Lock()
	t.nodeTime[node] += d
	t.mu.Unlock()

	metrics.NodeDuration.WithLabelValues(node).Observe(d.Seconds())
	if soft, ok := t.limits.NodeSoftLimits[node]; ok && soft > 0 && d > soft {
		t.logger.Warn("Node exceeded soft time limit",
			zap.String("node", node),
			zap.Duration("took", d),
			zap.Duration("soft_limit", soft),
		)
	}
}

// Status snapshots the tracker for RequestState.Budget.
func (t *Tracker) Status() state.BudgetStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := state.BudgetStatus{
		Elapsed:    t.now().Sub(t.start),
		TokensUsed: t.tokens,
		NodeTime:   make(map[string]time.Duration, len(t.nodeTime)),
		NodeTokens: make(map[string]int, len(t.nodeTokens)),
	}
	for k, v := range t.nodeTime {
		s.NodeTime[k] = v
	}
	for k, v := range t.nodeTokens {
		s.NodeTokens[k] = v
	}
	if t.exhausted != nil {
		s.Exhausted = true
		s.ExhaustedReason = t.exhausted.Kind
	}
	return s
}

// Message returns the deterministic user-facing text for a budget kind.
func Message(kind state.ErrorKind) string {
	switch kind {
	case state.ErrBudgetExhaustedTime:
		return "I ran out of time while working on your question. Please try again, or ask something more specific."
	case state.ErrBudgetExhaustedTokens:
		return "Your question needed more processing than I'm allowed for a single request. Please try a narrower question."
	case state.ErrHopLimitExceeded:
		return "I couldn't find the right place to answer this after several attempts. Could you rephrase your question?"
	}
	return "I couldn't finish working on your question. Please try again."
}

type trackerKey struct{}

// WithTracker attaches t to ctx so oracle calls can charge their tokens.
func WithTracker(ctx context.Context, t *Tracker) context.Context {
	return context.WithValue(ctx, trackerKey{}, t)
}

// TrackerFrom returns the tracker on ctx, or nil.
func TrackerFrom(ctx context.Context) *Tracker {
	t, _ := ctx.Value(trackerKey{}).(*Tracker)
	return t
}
