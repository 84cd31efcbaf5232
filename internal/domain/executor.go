// Package domain runs the bounded per-domain loop: pick a sub-task, pick a whitelisted tool, call
// it, and let the completion supervisor decide whether to stop, continue, or hand the question
// back to the router.
package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/budget"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/catalog"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/config"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/oracle"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/state"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/tracing"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/util"
)

// Outcome is how a domain execution hands control back to the pipeline.
type Outcome string

const (
	OutcomeComplete       Outcome = "COMPLETE"
	OutcomeReturnToRouter Outcome = "RETURN_TO_ROUTER"
)

// ExecutionResult is the output of Executor.Run. State is the same pointer that was passed in.
type ExecutionResult struct {
	State   *state.RequestState
	Outcome Outcome
}

// ToolEvent is reported after every tool call.
type ToolEvent struct {
	RequestID string
	Domain    string
	Tool      string
	Iteration int
	Duration  time.Duration
	IsError   bool
}

// Executor runs the domain selected on the request state. Safe for concurrent use; parallel
// branches share one executor.
type Executor struct {
	oracle     oracle.Oracle
	supervisor *Supervisor
	routing    *config.RoutingConfigManager
	tools      map[string]catalog.Tool
	logger     *zap.Logger
	onTool     func(ToolEvent)

	mu         sync.Mutex
	builtFor   *config.RoutingConfig
	registries map[string]*catalog.Registry
}

// NewExecutor creates an executor over every available tool. Registries are rebuilt from the
// routing snapshot whenever it changes.
func NewExecutor(o oracle.Oracle, tools map[string]catalog.Tool, routing *config.RoutingConfigManager, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if routing == nil {
		routing = config.NewRoutingConfigManager(nil, logger)
	}
	return &Executor{
		oracle:     o,
		supervisor: NewSupervisor(o, logger),
		routing:    routing,
		tools:      tools,
		logger:     logger,
	}
}

// OnTool registers a callback invoked after each tool call.
func (e *Executor) OnTool(fn func(ToolEvent)) { e.onTool = fn }

func (e *Executor) registriesFor(rc *config.RoutingConfig) (map[string]*catalog.Registry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.builtFor == rc && e.registries != nil {
		return e.registries, nil
	}
	regs, err := BuildRegistries(rc, e.tools)
	if err != nil {
		return nil, err
	}
	e.builtFor, e.registries = rc, regs
	return regs, nil
}

// Run executes st.SelectedDomain. It never returns an error: failures are recorded on the state.
func (e *Executor) Run(ctx context.Context, st *state.RequestState) ExecutionResult {
	rc := e.routing.Get()
	domain := st.SelectedDomain
	d, ok := rc.Domain(domain)
	if !ok {
		e.logger.Warn("Selected domain is not configured; returning to router", zap.String("domain", domain))
		return e.returnToRouter(st)
	}
	domain = d.Name

	ctx, span := tracing.StartSpan(ctx, "domain.execute")
	span.SetAttributes(attribute.String("domain", domain), attribute.String("request_id", st.RequestID))
	defer span.End()

	var reg *catalog.Registry
	if regs, err := e.registriesFor(rc); err != nil {
		e.logger.Error("Failed to build tool registries", zap.Error(err))
	} else {
		reg = regs[domain]
	}

	maxIter := rc.MaxIterations
	if maxIter <= 0 {
		maxIter = 3
	}
	base := len(st.Transcript)
	subtask := e.classifySubtask(ctx, st, d)
	var tried []string

	for iter := 1; iter <= maxIter; iter++ {
		if iter > 1 {
			if t := budget.TrackerFrom(ctx); t != nil {
				if ex := t.Check("execute", st.HopCount); ex != nil {
					st.Fail(state.NewError(ex.Kind, "execute", domain, nil))
					return ExecutionResult{State: st, Outcome: OutcomeComplete}
				}
			}
		}

		entry := e.step(ctx, st, d, reg, subtask, tried, iter)
		tried = append(tried, entry.Tool)
		st.Transcript = append(st.Transcript, entry)

		dec := e.supervisor.Decide(ctx, Review{
			Question:      st.Question,
			Domain:        domain,
			Entries:       st.Transcript[base:],
			Iteration:     iter,
			MaxIterations: maxIter,
			MinChars:      rc.MinTranscriptChars,
		})
		switch dec.Verdict {
		case VerdictContinue:
			continue
		case VerdictReturnToRouter:
			e.logger.Info("Domain returned question to router",
				zap.String("request_id", st.RequestID),
				zap.String("domain", domain),
				zap.String("reason", dec.Reason),
				zap.Int("iteration", iter),
			)
			return e.returnToRouter(st)
		default:
			st.Answer = e.synthesize(ctx, st, domain, st.Transcript[base:])
			st.DomainStatus = state.DomainStatusSuccess
			st.RerouteRequested = false
			st.Error = nil
			return ExecutionResult{State: st, Outcome: OutcomeComplete}
		}
	}
	// unreachable: the supervisor completes once iterations are exhausted
	return e.returnToRouter(st)
}

func (e *Executor) returnToRouter(st *state.RequestState) ExecutionResult {
	st.DomainStatus = state.DomainStatusNotMyScope
	st.RerouteRequested = true
	return ExecutionResult{State: st, Outcome: OutcomeReturnToRouter}
}

// step routes to one tool and calls it. Every failure becomes an error entry.
func (e *Executor) step(ctx context.Context, st *state.RequestState, d config.DomainConfig, reg *catalog.Registry, subtask string, tried []string, iter int) state.TranscriptEntry {
	if reg == nil {
		return state.TranscriptEntry{Domain: d.Name, Tool: "none", Output: "tool error: no tools registered for " + d.Name, IsError: true}
	}
	tool, choice, err := e.chooseTool(ctx, st, d, reg, subtask, tried)
	if err != nil {
		metrics.RecordToolCall(d.Name, "none", "not_found", 0)
		e.logger.Warn("Tool not found", zap.String("domain", d.Name), zap.Error(err))
		return state.TranscriptEntry{Domain: d.Name, Tool: "none", Output: "tool error: " + err.Error(), IsError: true}
	}

	args := argsFor(st)
	if choice != nil && choice.Query != "" {
		args.Query = choice.Query
	}

	start := time.Now()
	rows, err := tool.Call(ctx, args)
	elapsed := time.Since(start)
	st.RecordToolTime(d.Name, tool.Name(), elapsed)

	entry := state.TranscriptEntry{Domain: d.Name, Tool: tool.Name()}
	status := "success"
	switch {
	case err != nil:
		status = "error"
		entry.IsError = true
		entry.Output = "tool error: " + err.Error()
		e.logger.Warn("Tool execution failed",
			zap.String("domain", d.Name),
			zap.String("tool", tool.Name()),
			zap.Error(err),
		)
	default:
		if msg, isErr := catalog.RowsError(rows); isErr {
			status = "invalid_args"
			entry.IsError = true
			entry.Output = "tool error: " + msg
		} else if msg, empty := catalog.RowsEmpty(rows); empty {
			status = "empty"
			entry.Empty = true
			entry.Output = msg
		} else {
			entry.Output = catalog.FormatRows(rows)
		}
	}
	metrics.RecordToolCall(d.Name, tool.Name(), status, elapsed.Seconds())
	if e.onTool != nil {
		e.onTool(ToolEvent{RequestID: st.RequestID, Domain: d.Name, Tool: tool.Name(), Iteration: iter, Duration: elapsed, IsError: entry.IsError})
	}
	return entry
}

// classifySubtask picks the sub-task once per execution. Single-task domains need no call.
func (e *Executor) classifySubtask(ctx context.Context, st *state.RequestState, d config.DomainConfig) string {
	if len(d.SubTasks) == 0 {
		return ""
	}
	if len(d.SubTasks) == 1 {
		return d.SubTasks[0]
	}
	ctx = oracle.WithCallSite(ctx, oracle.CallSiteSubtask)
	sys := fmt.Sprintf("Pick the sub-task of the %s domain that answers the question. Options: %s.\nReply with the option name only.",
		d.Name, strings.Join(d.SubTasks, ", "))
	res, err := e.oracle.Invoke(ctx, sys, st.Question)
	if err == nil {
		var choice string
		if choice, err = oracle.ParseChoice(oracle.CallSiteSubtask, res.Text, d.SubTasks); err == nil {
			return choice
		}
		metrics.OracleParseErrors.WithLabelValues(oracle.CallSiteSubtask).Inc()
	}
	e.logger.Warn("Sub-task classification failed; using first sub-task",
		zap.String("domain", d.Name),
		zap.String("subtask", d.SubTasks[0]),
		zap.Error(err),
	)
	return d.SubTasks[0]
}

// chooseTool asks the oracle for a tool and resolves the answer against the whitelist.
func (e *Executor) chooseTool(ctx context.Context, st *state.RequestState, d config.DomainConfig, reg *catalog.Registry, subtask string, tried []string) (catalog.Tool, *oracle.ToolChoice, error) {
	names := reg.Names()
	if len(names) == 1 {
		t, _ := reg.Get(names[0])
		return t, nil, nil
	}

	ctx = oracle.WithCallSite(ctx, oracle.CallSiteTool)
	var user strings.Builder
	fmt.Fprintf(&user, "Question: %s\nSub-task: %s\n", st.Question, subtask)
	if ent := st.Validation.Entity; ent != nil {
		fmt.Fprintf(&user, "Entity: %s\n", ent.Label())
	}
	if len(tried) > 0 {
		fmt.Fprintf(&user, "Already called: %s\n", strings.Join(tried, ", "))
	}
	sys := fmt.Sprintf(`Pick exactly one tool for the %s domain. Tools: %s.
Reply with JSON only: {"tool": "<name>", "query": "<search keyword, if the tool searches>"}`, d.Name, strings.Join(names, ", "))

	requested := ""
	var choice *oracle.ToolChoice
	res, err := e.oracle.Invoke(ctx, sys, user.String())
	switch {
	case err != nil:
		e.logger.Warn("Tool routing call failed; using fallback tool", zap.String("domain", d.Name), zap.Error(err))
	default:
		requested = res.Text
		if c, perr := oracle.ParseToolChoice(res.Text, names); perr == nil {
			choice = c
			requested = c.Tool
		} else {
			metrics.OracleParseErrors.WithLabelValues(oracle.CallSiteTool).Inc()
			var pe *oracle.ParseError
			if errors.As(perr, &pe) {
				e.logger.Warn("Unparseable tool choice", zap.String("domain", d.Name), zap.String("raw", util.TruncateString(pe.Raw, 80, false)))
			}
		}
	}

	tool, usedFallback, err := reg.Match(requested)
	if err != nil {
		return nil, nil, err
	}
	if usedFallback {
		e.logger.Info("Using fallback tool", zap.String("domain", d.Name), zap.String("tool", tool.Name()))
	}
	return tool, choice, nil
}

// synthesize turns the transcript into an answer; the transcript itself is the fallback.
func (e *Executor) synthesize(ctx context.Context, st *state.RequestState, domain string, entries []state.TranscriptEntry) string {
	text := TranscriptText(entries)
	ctx = oracle.WithCallSite(ctx, oracle.CallSiteSynthesize)
	res, err := e.oracle.Invoke(ctx, synthesisPrompt, fmt.Sprintf("Question: %s\n\nCatalog data:\n%s", st.Question, util.TruncateString(text, 6000, false)))
	if err != nil || strings.TrimSpace(res.Text) == "" {
		e.logger.Warn("Synthesis failed; answering with raw tool output", zap.String("domain", domain), zap.Error(err))
		return text
	}
	return strings.TrimSpace(res.Text)
}

const synthesisPrompt = `Answer the user's question about a movie and TV catalog using only the catalog data provided.
Be concise. Do not mention tools or JSON.`
