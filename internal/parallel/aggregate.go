package parallel

import (
	"math"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/state"
)

// AnswerLengthCap is the answer length that earns the full length score.
const AnswerLengthCap = 500

// Score is 0.5*confidence + 0.5*min(len(answer)/500, 1).
func Score(confidence float64, answer string) float64 {
	length := math.Min(float64(len([]rune(strings.TrimSpace(answer))))/AnswerLengthCap, 1)
	return 0.5*confidence + 0.5*length
}

// Aggregate picks the highest scoring successful branch; ties go to the earlier branch.
func Aggregate(branches []BranchResult) (*BranchResult, error) {
	var best *BranchResult
	bestScore := -1.0
	for i := range branches {
		b := &branches[i]
		if b.Status != BranchSuccess || b.State == nil {
			continue
		}
		if s := Score(b.Confidence, b.State.Answer); s > bestScore {
			best, bestScore = b, s
		}
	}
	if best == nil {
		return nil, state.NewError(state.ErrAggregationAllFailed, "aggregate", "", nil)
	}
	return best, nil
}

// Merge builds the request state after aggregation. The winner's state is taken as is, with tool
// times from every branch and visited domains in candidate order. With no winner the base state
// gets the merged bookkeeping and the AggregationAllFailed error.
func Merge(base *state.RequestState, branches []BranchResult, winner *BranchResult) *state.RequestState {
	var out *state.RequestState
	if winner != nil {
		out = winner.State.Clone()
	} else {
		out = base.Clone()
		out.Fail(state.NewError(state.ErrAggregationAllFailed, "aggregate", "", nil))
		out.DomainStatus = state.DomainStatusError
	}

	visited := append([]string(nil), base.VisitedDomains...)
	times := make(map[string]time.Duration, len(base.ToolExecutionTimes))
	for k, v := range base.ToolExecutionTimes {
		times[k] = v
	}
	for _, b := range branches {
		if b.State == nil {
			continue
		}
		if len(b.State.VisitedDomains) > len(base.VisitedDomains) {
			visited = append(visited, b.State.VisitedDomains[len(base.VisitedDomains):]...)
		}
		for k, v := range b.State.ToolExecutionTimes {
			if _, ok := base.ToolExecutionTimes[k]; ok {
				continue
			}
			times[k] += v
		}
	}
	out.VisitedDomains = capVisits(visited)
	out.ToolExecutionTimes = times
	out.Strategy = state.StrategyParallel
	return out
}

// capVisits drops occurrences beyond the per-domain visit limit.
func capVisits(domains []string) []string {
	seen := map[string]int{}
	return lo.Filter(domains, func(d string, _ int) bool {
		seen[d]++
		return seen[d] <= state.MaxVisitsPerDomain
	})
}
