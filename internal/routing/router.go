// Package routing classifies a question into a domain and picks the execution strategy.
package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/config"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/oracle"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/state"
)

// MaxCandidates caps the routing alternatives kept on the state.
const MaxCandidates = 3

// Decision sources, used as a metrics label.
const (
	SourceOracle   = "oracle"
	SourceFallback = "fallback"
	SourceCached   = "cached"
)

// Outcome is the result of one Route call.
type Outcome struct {
	Domain    string
	Decision  *state.RoutingDecision
	Source    string
	Exhausted bool
}

// Router is the top-level domain classifier.
type Router struct {
	oracle  oracle.Oracle
	routing *config.RoutingConfigManager
	logger  *zap.Logger
}

// NewRouter creates a router reading domains from the current routing snapshot.
func NewRouter(o oracle.Oracle, routing *config.RoutingConfigManager, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if routing == nil {
		routing = config.NewRoutingConfigManager(nil, logger)
	}
	return &Router{oracle: o, routing: routing, logger: logger}
}

// Route selects the next domain and records it on st. On exhaustion st.Error carries
// RoutingExhausted and no domain is selected.
func (r *Router) Route(ctx context.Context, st *state.RequestState) Outcome {
	if st.Routed && !st.RerouteRequested {
		return Outcome{
			Domain: st.SelectedDomain,
			Decision: &state.RoutingDecision{
				Primary:    st.SelectedDomain,
				Confidence: st.RoutingConfidence,
				Candidates: st.RoutingCandidates,
			},
			Source: SourceCached,
		}
	}

	rc := r.routing.Get()
	reroute := st.Routed && st.RerouteRequested

	source := SourceOracle
	dec, err := r.classify(ctx, rc, st)
	if err != nil {
		var pe *oracle.ParseError
		if errors.As(err, &pe) {
			metrics.OracleParseErrors.WithLabelValues(oracle.CallSiteRoute).Inc()
		}
		r.logger.Warn("Routing classification failed; using fallback domain",
			zap.String("request_id", st.RequestID),
			zap.Bool("reroute", reroute),
			zap.Error(err),
		)
		source = SourceFallback
		dec = fallbackDecision(rc, st)
	}

	domain, dec := pick(dec, st)
	if domain == "" {
		return r.exhausted(st, source)
	}
	if err := st.MarkVisited(domain); err != nil {
		return r.exhausted(st, source)
	}

	d, _ := rc.Domain(domain)
	if reroute {
		st.HopCount++
		metrics.Reroutes.Inc()
	}
	st.RoutingConfidence = dec.Confidence
	st.RoutingCandidates = dec.Candidates
	st.SkipValidation = d.SkipValidation
	st.RerouteRequested = false
	st.Routed = true
	st.DomainStatus = state.DomainStatusNone
	st.Validation = state.ValidationResult{}
	st.Error = nil

	metrics.RoutingDecisions.WithLabelValues(domain, source).Inc()
	r.logger.Info("Routing decision",
		zap.String("request_id", st.RequestID),
		zap.String("domain", domain),
		zap.Float64("confidence", dec.Confidence),
		zap.Int("candidates", len(dec.Candidates)),
		zap.String("source", source),
		zap.Int("hop", st.HopCount),
	)
	return Outcome{Domain: domain, Decision: dec, Source: source}
}

func (r *Router) exhausted(st *state.RequestState, source string) Outcome {
	st.Fail(state.NewError(state.ErrRoutingExhausted, "route", "", nil))
	st.RerouteRequested = false
	r.logger.Info("Routing exhausted",
		zap.String("request_id", st.RequestID),
		zap.Strings("visited", st.VisitedDomains),
	)
	return Outcome{Source: source, Exhausted: true}
}

func (r *Router) classify(ctx context.Context, rc *config.RoutingConfig, st *state.RequestState) (*state.RoutingDecision, error) {
	ctx = oracle.WithCallSite(ctx, oracle.CallSiteRoute)
	res, err := r.oracle.Invoke(ctx, routePrompt(rc), routeUserText(st))
	if err != nil {
		return nil, err
	}
	return oracle.ParseRoutingDecision(res.Text, rc.DomainNames())
}

// pick drops visited candidates, caps the list and chooses the primary: the classifier's
// primary when unvisited, else the best unvisited candidate.
func pick(dec *state.RoutingDecision, st *state.RequestState) (string, *state.RoutingDecision) {
	cands := lo.Filter(dec.Candidates, func(c state.Candidate, _ int) bool { return !st.Visited(c.Domain) })
	if len(cands) > MaxCandidates {
		cands = cands[:MaxCandidates]
	}
	out := &state.RoutingDecision{Primary: dec.Primary, Confidence: dec.Confidence, Candidates: cands}
	if dec.Primary != "" && !st.Visited(dec.Primary) {
		return dec.Primary, out
	}
	if len(cands) == 0 {
		return "", out
	}
	out.Primary = cands[0].Domain
	out.Confidence = cands[0].Score
	return out.Primary, out
}

// fallbackDecision is the first configured domain not yet visited, with confidence 0.
func fallbackDecision(rc *config.RoutingConfig, st *state.RequestState) *state.RoutingDecision {
	for _, name := range rc.DomainNames() {
		if !st.Visited(name) {
			return &state.RoutingDecision{Primary: name, Candidates: []state.Candidate{{Domain: name}}}
		}
	}
	return &state.RoutingDecision{}
}

func routePrompt(rc *config.RoutingConfig) string {
	var b strings.Builder
	b.WriteString("You route questions about a movie and TV catalog to exactly one domain.\nDomains:\n")
	for _, d := range rc.Domains {
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
	}
	b.WriteString(`Reply with JSON only:
{"primary": "<domain>", "confidence": <0.0-1.0>, "candidates": [{"domain": "<domain>", "confidence": <0.0-1.0>}]}
List at most 3 candidates, most likely first.`)
	return b.String()
}

func routeUserText(st *state.RequestState) string {
	if len(st.VisitedDomains) == 0 {
		return st.Question
	}
	return fmt.Sprintf("Question: %s\nAlready tried without success: %s", st.Question, strings.Join(lo.Uniq(st.VisitedDomains), ", "))
}
