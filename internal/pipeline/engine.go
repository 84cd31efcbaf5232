// Package pipeline drives one question through routing, validation, execution and the
// terminal nodes. The flow is an explicit state machine: handlers mutate the request state,
// next picks the following node from that state alone, and the driver checks the request
// budget before every non-terminal node.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/budget"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/catalog"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/config"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/db"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/domain"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/oracle"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/parallel"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/routing"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/session"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/state"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/util"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/validation"
)

// ErrEmptyQuestion is the only error Ask returns for a request it accepted.
var ErrEmptyQuestion = errors.New("question cannot be empty")

const defaultMaxSteps = 32

// AskRequest is one user turn. RequestID lets a caller subscribe to the event stream before
// asking; it is generated when empty.
type AskRequest struct {
	Question  string `json:"question"`
	ThreadID  string `json:"thread_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Options wires the engine. Oracle, Tools and Candidates are required; the rest fall back to
// process-local defaults when nil.
type Options struct {
	Oracle     oracle.Oracle
	Tools      map[string]catalog.Tool
	Candidates catalog.CandidateSource
	Routing    *config.RoutingConfigManager
	Budgets    *budget.Manager
	Sessions   *session.Store
	Events     *streaming.Manager
	Runs       *db.Client
	MaxSteps   int
	Logger     *zap.Logger
}

// Engine answers questions. Safe for concurrent use.
type Engine struct {
	router    *routing.Router
	validator *validation.Preprocessor
	executor  *domain.Executor
	parallel  *parallel.Executor
	routing   *config.RoutingConfigManager
	budgets   *budget.Manager
	sessions  *session.Store
	events    *streaming.Manager
	runs      *db.Client
	maxSteps  int
	logger    *zap.Logger
}

// New builds an engine. Every oracle call is charged to the request budget.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rm := opts.Routing
	if rm == nil {
		rm = config.NewRoutingConfigManager(nil, logger)
	}
	budgets := opts.Budgets
	if budgets == nil {
		budgets = budget.NewManager(nil, logger, budget.LimitsFromConfig(rm.Get().Budget))
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = session.NewStore(nil, 0, 0, logger)
	}
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	metered := budget.Meter(opts.Oracle)
	e := &Engine{
		router:    routing.NewRouter(metered, rm, logger),
		validator: validation.NewPreprocessor(metered, opts.Candidates, rm, logger),
		executor:  domain.NewExecutor(metered, opts.Tools, rm, logger),
		routing:   rm,
		budgets:   budgets,
		sessions:  sessions,
		events:    opts.Events,
		runs:      opts.Runs,
		maxSteps:  maxSteps,
		logger:    logger,
	}
	e.parallel = parallel.NewExecutor(parallel.RunnerFunc(e.runBranch), logger)
	e.executor.OnTool(e.publishTool)
	return e
}

// Budgets returns the budget manager, for rate limiting at the edge.
func (e *Engine) Budgets() *budget.Manager { return e.budgets }

// Events returns the event manager, or nil.
func (e *Engine) Events() *streaming.Manager { return e.events }

// Sessions returns the pending disambiguation store.
func (e *Engine) Sessions() *session.Store { return e.sessions }

// run is the per-request scratch space of the driver. Transitions never read it.
type run struct {
	st       *state.RequestState
	tracker  *budget.Tracker
	started  time.Time
	branches []parallel.BranchResult
}

// Ask answers one user turn. Pipeline failures become user-facing answers; only an empty
// question is rejected with an error.
func (e *Engine) Ask(ctx context.Context, req AskRequest) (Response, error) {
	q := strings.TrimSpace(req.Question)
	if q == "" {
		return Response{}, ErrEmptyQuestion
	}

	r := &run{
		st:      state.New(q, strings.TrimSpace(req.ThreadID)),
		tracker: e.budgets.NewTracker(),
		started: time.Now(),
	}
	if id := strings.TrimSpace(req.RequestID); id != "" {
		r.st.RequestID = id
	}
	ctx = budget.WithTracker(ctx, r.tracker)

	ctx, span := tracing.StartSpan(ctx, "pipeline.ask")
	span.SetAttributes(attribute.String("request_id", r.st.RequestID), attribute.String("thread_id", r.st.ThreadID))
	defer span.End()

	e.logger.Info("Question received",
		zap.String("request_id", r.st.RequestID),
		zap.String("thread_id", r.st.ThreadID),
	)

	steps := 0
	node := NodeStart
	for node != NodeDone {
		if !node.terminal() {
			if steps >= e.maxSteps {
				r.st.Fail(state.NewError(state.ErrHopLimitExceeded, node.String(), "", errors.New("step limit reached")))
				node = NodeError
				continue
			}
			hops := r.st.HopCount
			if node == NodeRoute && r.st.Routed && r.st.RerouteRequested {
				// a re-route commits the next hop
				hops++
			}
			if ex := r.tracker.Check(node.String(), hops); ex != nil {
				r.st.Fail(state.NewError(ex.Kind, node.String(), "", nil))
				node = NodeError
				continue
			}
			steps++
		}
		e.step(ctx, r, node)
		node = next(node, r.st)
	}

	span.SetAttributes(attribute.String("domain", r.st.SelectedDomain), attribute.Int("steps", steps))
	return e.response(r), nil
}

// step runs one node handler with its span, timing and events.
func (e *Engine) step(ctx context.Context, r *run, node Node) {
	name := node.String()
	ctx, span := tracing.StartNodeSpan(ctx, name, r.st.RequestID)
	defer span.End()

	e.publish(r.st, streaming.Event{Type: streaming.EventNodeStarted, Node: name, Domain: r.st.SelectedDomain})
	start := time.Now()

	switch node {
	case NodeStart:
		e.start(ctx, r)
	case NodeSelect:
		e.selectOption(ctx, r)
	case NodeRoute:
		e.route(ctx, r)
	case NodeValidate:
		e.validate(ctx, r)
	case NodeExecute:
		e.executor.Run(ctx, r.st)
	case NodeParallel:
		e.runParallel(ctx, r)
	case NodeAggregate:
		e.aggregate(r)
	case NodeClarify:
		e.clarify(ctx, r)
	case NodeNotFound:
		r.st.Answer = NotFoundMessage(r.st.Validation.EntityType, r.st.Validation.Mention)
	case NodeError:
		e.fail(r)
	case NodeRespond:
		e.respond(ctx, r)
	}

	took := time.Since(start)
	r.tracker.ObserveNode(name, took)
	if node == NodeRespond {
		// the final event closes the stream
		return
	}
	e.publish(r.st, streaming.Event{
		Type:   streaming.EventNodeCompleted,
		Node:   name,
		Domain: r.st.SelectedDomain,
		Data:   map[string]interface{}{"duration_ms": took.Milliseconds()},
	})
}

// start looks for a pending disambiguation on the thread. A reply phrased as a selection goes
// to Select; anything else is a new question and drops the pending entry.
func (e *Engine) start(ctx context.Context, r *run) {
	p, err := e.sessions.Get(ctx, r.st.ThreadID)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			e.logger.Error("Failed to read pending disambiguation", zap.String("thread_id", r.st.ThreadID), zap.Error(err))
		}
		return
	}
	if _, looksLike := util.ParseSelection(r.st.Question); looksLike {
		r.st.SetPending(p.Options)
		return
	}
	if err := e.sessions.Delete(ctx, r.st.ThreadID); err != nil {
		e.logger.Warn("Failed to clear pending disambiguation", zap.String("thread_id", r.st.ThreadID), zap.Error(err))
	}
}

// selectOption resolves a numbered reply under the thread lock. A valid choice re-runs the
// original question with the chosen entity; an invalid one answers with the allowed range and
// leaves the pending entry in place.
func (e *Engine) selectOption(ctx context.Context, r *run) {
	st := r.st
	st.PendingDisambiguation = false
	st.DisambiguationOptions = nil

	unlock, err := e.sessions.Lock(ctx, st.ThreadID)
	if err != nil {
		e.logger.Warn("Thread busy; treating reply as a new question", zap.String("thread_id", st.ThreadID), zap.Error(err))
		return
	}
	defer unlock()

	p, err := e.sessions.Get(ctx, st.ThreadID)
	if err != nil {
		// consumed by a concurrent reply
		return
	}
	n, _ := util.ParseSelection(st.Question)
	if n < 1 || n > len(p.Options) {
		st.Answer = SelectionRangeMessage(len(p.Options))
		st.Strategy = state.StrategyClarify
		st.SetPending(p.Options)
		return
	}
	if err := e.sessions.Delete(ctx, st.ThreadID); err != nil {
		e.logger.Warn("Failed to clear pending disambiguation", zap.String("thread_id", st.ThreadID), zap.Error(err))
	}

	chosen := p.Options[n-1]
	st.Question = p.Question
	if err := st.MarkVisited(p.Domain); err != nil {
		return
	}
	if d, ok := e.routing.Get().Domain(p.Domain); ok {
		st.SkipValidation = d.SkipValidation
	}
	st.Routed = true
	st.RoutingConfidence = 1
	st.Strategy = state.StrategyDirect
	st.Validation = state.Resolved(p.EntityType, p.Mention, chosen)

	e.logger.Info("Disambiguation resolved",
		zap.String("request_id", st.RequestID),
		zap.String("thread_id", st.ThreadID),
		zap.String("domain", p.Domain),
		zap.String("entity", chosen.ID),
	)
}

func (e *Engine) route(ctx context.Context, r *run) {
	st := r.st
	out := e.router.Route(ctx, st)
	if out.Exhausted {
		return
	}
	if out.Source != routing.SourceCached {
		st.Strategy = routing.SelectStrategy(out.Decision, routing.ThresholdsFor(e.routing.Get(), out.Domain))
	}
	e.publish(st, streaming.Event{
		Type:   streaming.EventRoute,
		Node:   NodeRoute.String(),
		Domain: out.Domain,
		Data: map[string]interface{}{
			"confidence": out.Decision.Confidence,
			"strategy":   string(st.Strategy),
			"source":     out.Source,
			"hop":        st.HopCount,
		},
	})
}

// validate runs entity validation for the selected domain. A failing oracle or candidate
// source does not stop the request: it continues unvalidated.
func (e *Engine) validate(ctx context.Context, r *run) {
	st := r.st
	d, ok := e.routing.Get().Domain(st.SelectedDomain)
	if !ok {
		st.Validation = state.Skipped()
		return
	}
	res, err := e.validator.Preprocess(ctx, st.Question, d)
	if err != nil {
		e.logger.Warn("Validation failed; continuing without it",
			zap.String("request_id", st.RequestID),
			zap.String("domain", d.Name),
			zap.Error(err),
		)
	}
	st.Validation = res
	if res.Status == state.ValidationAmbiguous {
		st.SetPending(res.Options)
		st.Strategy = state.StrategyClarify
	}
}

// runBranch is one speculative branch: validation, then the domain executor. A branch whose
// entity is ambiguous or unknown is disqualified rather than asking the user.
func (e *Engine) runBranch(ctx context.Context, st *state.RequestState) error {
	d, ok := e.routing.Get().Domain(st.SelectedDomain)
	if ok && !d.SkipValidation {
		res, err := e.validator.Preprocess(ctx, st.Question, d)
		if err != nil {
			e.logger.Warn("Branch validation failed; continuing without it", zap.String("domain", d.Name), zap.Error(err))
		}
		st.Validation = res
		switch res.Status {
		case state.ValidationAmbiguous:
			st.Fail(state.NewError(state.ErrValidationAmbiguous, "validate", d.Name, nil))
			return nil
		case state.ValidationNotFound:
			st.Fail(state.NewError(state.ErrValidationNotFound, "validate", d.Name, nil))
			return nil
		}
	}
	e.executor.Run(ctx, st)
	return nil
}

func (e *Engine) runParallel(ctx context.Context, r *run) {
	st := r.st
	dec := &state.RoutingDecision{Primary: st.SelectedDomain, Confidence: st.RoutingConfidence, Candidates: st.RoutingCandidates}
	cands := routing.ParallelCandidates(dec, routing.ThresholdsFor(e.routing.Get(), st.SelectedDomain))
	r.branches = e.parallel.Run(ctx, st, cands)
}

func (e *Engine) aggregate(r *run) {
	winner, err := parallel.Aggregate(r.branches)
	if err != nil {
		e.logger.Warn("No parallel branch produced an answer",
			zap.String("request_id", r.st.RequestID),
			zap.Int("branches", len(r.branches)),
		)
	}
	r.st = parallel.Merge(r.st, r.branches, winner)
}

// clarify asks the user to choose between ambiguous matches and remembers the question, or
// asks for a rephrase when routing ran out of domains.
func (e *Engine) clarify(ctx context.Context, r *run) {
	st := r.st
	st.Strategy = state.StrategyClarify
	if st.Validation.Status != state.ValidationAmbiguous || len(st.DisambiguationOptions) == 0 {
		st.Answer = clarifyRoutingMessage
		return
	}

	p := &session.Pending{
		Question:   st.Question,
		Domain:     st.SelectedDomain,
		EntityType: st.Validation.EntityType,
		Mention:    st.Validation.Mention,
		Options:    st.DisambiguationOptions,
	}
	if err := e.sessions.Set(ctx, st.ThreadID, p); err != nil {
		e.logger.Error("Failed to save pending disambiguation", zap.String("thread_id", st.ThreadID), zap.Error(err))
	}
	metrics.PendingDisambiguations.Inc()
	st.Answer = DisambiguationMessage(st.Validation.Mention, st.DisambiguationOptions)
}

func (e *Engine) fail(r *run) {
	st := r.st
	st.Answer = ErrorMessage(st.Error)
	kind := state.ErrorKind("unknown")
	if st.Error != nil {
		kind = st.Error.Kind
	}
	e.logger.Info("Answering with error message",
		zap.String("request_id", st.RequestID),
		zap.String("kind", string(kind)),
		zap.Strings("visited", st.VisitedDomains),
	)
}

func (e *Engine) publish(st *state.RequestState, evt streaming.Event) {
	if e.events == nil {
		return
	}
	e.events.Publish(st.RequestID, evt)
}

func (e *Engine) publishTool(ev domain.ToolEvent) {
	if e.events == nil {
		return
	}
	status := "ok"
	if ev.IsError {
		status = "error"
	}
	e.events.Publish(ev.RequestID, streaming.Event{
		Type:    streaming.EventTool,
		Node:    NodeExecute.String(),
		Domain:  ev.Domain,
		Message: ev.Tool,
		Data: map[string]interface{}{
			"iteration":   ev.Iteration,
			"duration_ms": ev.Duration.Milliseconds(),
			"status":      status,
		},
	})
}
