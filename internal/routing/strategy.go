package routing

import (
	"math"

	"github.com/samber/lo"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/config"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/state"
)

// Thresholds are the strategy selection knobs for one decision.
type Thresholds struct {
	Confidence        float64
	MinCandidateScore float64
	MaxGap            float64
}

// DefaultThresholds returns 0.75, 0.5 and 0.10.
func DefaultThresholds() Thresholds {
	return ThresholdsFor(config.DefaultRoutingConfig(), "")
}

// ThresholdsFor applies the per-domain confidence override of domain.
func ThresholdsFor(rc *config.RoutingConfig, domain string) Thresholds {
	return Thresholds{
		Confidence:        rc.ParallelThreshold(domain),
		MinCandidateScore: rc.Thresholds.MinCandidateScore,
		MaxGap:            rc.Thresholds.MaxGap,
	}
}

// SelectStrategy returns parallel when confidence is below the threshold, at least two
// candidates (primary included) reach MinCandidateScore and the top two are closer than MaxGap.
// Otherwise direct. Clarification is decided by validation, never here.
func SelectStrategy(dec *state.RoutingDecision, th Thresholds) state.Strategy {
	s := selectStrategy(dec, th)
	metrics.RoutingStrategy.WithLabelValues(string(s)).Inc()
	return s
}

func selectStrategy(dec *state.RoutingDecision, th Thresholds) state.Strategy {
	if dec == nil || dec.Confidence >= th.Confidence {
		return state.StrategyDirect
	}
	viable := ParallelCandidates(dec, th)
	if len(viable) < 2 {
		return state.StrategyDirect
	}
	// rounded so 0.6-0.5 compares equal to 0.10
	gap := math.Round((viable[0].Score-viable[1].Score)*1e9) / 1e9
	if gap >= th.MaxGap {
		return state.StrategyDirect
	}
	return state.StrategyParallel
}

// ParallelCandidates returns the candidates scoring at least MinCandidateScore, best first,
// capped at MaxCandidates.
func ParallelCandidates(dec *state.RoutingDecision, th Thresholds) []state.Candidate {
	if dec == nil {
		return nil
	}
	viable := lo.Filter(dec.Candidates, func(c state.Candidate, _ int) bool { return c.Score >= th.MinCandidateScore })
	if len(viable) > MaxCandidates {
		viable = viable[:MaxCandidates]
	}
	return viable
}
