package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/oracle"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/state"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/util"
)

// Verdict is the completion supervisor's decision after one iteration.
type Verdict string

const (
	VerdictComplete       Verdict = "COMPLETE"
	VerdictContinue       Verdict = "CONTINUE"
	VerdictReturnToRouter Verdict = "RETURN_TO_ROUTER"
)

// Reasons, used as a metrics label.
const (
	ReasonEmpty      = "empty_transcript"
	ReasonShort      = "short_transcript"
	ReasonApology    = "apology"
	ReasonExhausted  = "iterations_exhausted"
	ReasonOracle     = "oracle"
	ReasonParseError = "parse_fallback"
	ReasonOracleDown = "oracle_fallback"
)

// DefaultMinTranscriptChars is used when the routing config leaves it unset.
const DefaultMinTranscriptChars = 20

var apologyPhrases = []string{
	"i'm sorry",
	"i am sorry",
	"i apologize",
	"unable to find",
	"cannot help with",
	"i don't have access",
	"no information available",
}

// Decision is the supervisor output.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Review is what the supervisor looks at after an iteration.
type Review struct {
	Question      string
	Domain        string
	Entries       []state.TranscriptEntry
	Iteration     int
	MaxIterations int
	MinChars      int
}

// Supervisor decides whether a domain execution is done, should keep going, or belongs to
// another domain.
type Supervisor struct {
	oracle oracle.Oracle
	logger *zap.Logger
}

func NewSupervisor(o oracle.Oracle, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{oracle: o, logger: logger}
}

// Decide applies the deterministic checks first and only asks the oracle when none of them fire.
func (s *Supervisor) Decide(ctx context.Context, r Review) Decision {
	d := s.decide(ctx, r)
	metrics.SupervisorDecisions.WithLabelValues(r.Domain, string(d.Verdict), d.Reason).Inc()
	s.logger.Debug("Supervisor decision",
		zap.String("domain", r.Domain),
		zap.Int("iteration", r.Iteration),
		zap.String("verdict", string(d.Verdict)),
		zap.String("reason", d.Reason),
	)
	return d
}

func (s *Supervisor) decide(ctx context.Context, r Review) Decision {
	content := TranscriptText(r.Entries)
	minChars := r.MinChars
	if minChars <= 0 {
		minChars = DefaultMinTranscriptChars
	}
	switch {
	case strings.TrimSpace(content) == "":
		return Decision{VerdictReturnToRouter, ReasonEmpty}
	case len([]rune(strings.TrimSpace(content))) < minChars:
		return Decision{VerdictReturnToRouter, ReasonShort}
	case containsApology(content):
		return Decision{VerdictReturnToRouter, ReasonApology}
	case r.Iteration >= r.MaxIterations:
		return Decision{VerdictComplete, ReasonExhausted}
	}

	ctx = oracle.WithCallSite(ctx, oracle.CallSiteSupervisor)
	res, err := s.oracle.Invoke(ctx, supervisorPrompt, fmt.Sprintf("Question: %s\n\nTool output:\n%s", r.Question, util.TruncateString(content, 4000, false)))
	if err != nil {
		s.logger.Warn("Supervisor oracle call failed; completing", zap.String("domain", r.Domain), zap.Error(err))
		return Decision{VerdictComplete, ReasonOracleDown}
	}
	v, err := oracle.ParseDecision(res.Text)
	if err != nil {
		var pe *oracle.ParseError
		if errors.As(err, &pe) {
			metrics.OracleParseErrors.WithLabelValues(oracle.CallSiteSupervisor).Inc()
		}
		s.logger.Warn("Unparseable supervisor answer; completing", zap.String("domain", r.Domain), zap.Error(err))
		return Decision{VerdictComplete, ReasonParseError}
	}
	if v == oracle.DecisionContinue {
		return Decision{VerdictContinue, ReasonOracle}
	}
	return Decision{VerdictComplete, ReasonOracle}
}

const supervisorPrompt = `You check whether catalog tool output answers a user's question.
Reply with exactly one word: COMPLETE if the output is enough to answer, CONTINUE if another lookup is needed.`

func containsApology(s string) bool {
	lower := strings.ToLower(strings.ReplaceAll(s, "’", "'"))
	for _, p := range apologyPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// TranscriptText joins the outputs of entries that returned data. Errors and empty results
// are left out.
func TranscriptText(entries []state.TranscriptEntry) string {
	var parts []string
	for _, e := range entries {
		if e.IsError || e.Empty || strings.TrimSpace(e.Output) == "" {
			continue
		}
		parts = append(parts, e.Output)
	}
	return strings.Join(parts, "\n")
}
