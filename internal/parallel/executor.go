// Package parallel runs speculative domain branches on cloned state and picks the best answer.
package parallel

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/state"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/tracing"
)

// MaxBranches caps the fan-out.
const MaxBranches = 3

// BranchStatus is the outcome of one branch.
type BranchStatus string

const (
	BranchSuccess    BranchStatus = "success"
	BranchNotMyScope BranchStatus = "not_my_scope"
	BranchError      BranchStatus = "error"
	BranchPanic      BranchStatus = "panic"
)

// BranchResult is one finished branch. State is the branch's own clone.
type BranchResult struct {
	Domain     string
	Confidence float64
	State      *state.RequestState
	Err        error
	Status     BranchStatus
	Duration   time.Duration
}

// Runner runs one domain on a branch state. It reports its outcome through st.DomainStatus;
// a returned error marks the branch failed.
type Runner interface {
	RunBranch(ctx context.Context, st *state.RequestState) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, st *state.RequestState) error

func (f RunnerFunc) RunBranch(ctx context.Context, st *state.RequestState) error { return f(ctx, st) }

// Executor fans a request out to several candidate domains.
type Executor struct {
	runner Runner
	logger *zap.Logger
}

func NewExecutor(runner Runner, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{runner: runner, logger: logger}
}

// Run launches one branch per candidate and waits for all of them. A failing or panicking branch
// never cancels its siblings. Results keep candidate order.
func (p *Executor) Run(ctx context.Context, st *state.RequestState, candidates []state.Candidate) []BranchResult {
	if len(candidates) > MaxBranches {
		candidates = candidates[:MaxBranches]
	}
	results := make([]BranchResult, len(candidates))

	// plain Group: no derived context, so one failure does not cancel the others
	var g errgroup.Group
	for i, c := range candidates {
		i, c := i, c
		branch := st.Clone()
		branch.SelectedDomain = c.Domain
		if !branch.Visited(c.Domain) {
			_ = branch.MarkVisited(c.Domain)
		}
		branch.RoutingConfidence = c.Score
		g.Go(func() error {
			results[i] = p.runBranch(ctx, branch, c)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		metrics.ParallelBranches.WithLabelValues(r.Domain, string(r.Status)).Inc()
	}
	p.logger.Info("Parallel branches finished",
		zap.String("request_id", st.RequestID),
		zap.Int("branches", len(results)),
		zap.Int("succeeded", countSuccess(results)),
	)
	return results
}

func (p *Executor) runBranch(ctx context.Context, st *state.RequestState, c state.Candidate) (res BranchResult) {
	ctx, span := tracing.StartSpan(ctx, "parallel.branch")
	span.SetAttributes(attribute.String("domain", c.Domain))
	defer span.End()

	start := time.Now()
	res = BranchResult{Domain: c.Domain, Confidence: c.Score, State: st}
	defer func() {
		res.Duration = time.Since(start)
		if r := recover(); r != nil {
			res.Status = BranchPanic
			res.Err = fmt.Errorf("branch %s panicked: %v", c.Domain, r)
			p.logger.Error("Parallel branch panicked",
				zap.String("domain", c.Domain),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()

	if err := p.runner.RunBranch(ctx, st); err != nil {
		res.Err = err
		res.Status = BranchError
		p.logger.Warn("Parallel branch failed", zap.String("domain", c.Domain), zap.Error(err))
		return res
	}
	switch st.DomainStatus {
	case state.DomainStatusSuccess:
		res.Status = BranchSuccess
	case state.DomainStatusNotMyScope:
		res.Status = BranchNotMyScope
	default:
		res.Status = BranchError
		if st.Error != nil {
			res.Err = st.Error
		}
	}
	return res
}

func countSuccess(results []BranchResult) int {
	n := 0
	for _, r := range results {
		if r.Status == BranchSuccess {
			n++
		}
	}
	return n
}
