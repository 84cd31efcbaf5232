// Package resolver matches free-text entity mentions against catalog candidates.
package resolver

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Status is the outcome of a resolution.
type Status string

const (
	StatusResolved  Status = "resolved"
	StatusAmbiguous Status = "ambiguous"
	StatusNotFound  Status = "not_found"
)

// MaxOptions is the hard cap on ambiguous options regardless of Options.AmbiguousLimit.
const MaxOptions = 8

// Candidate is one catalog entry that a mention may refer to.
type Candidate struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Kind    string   `json:"kind,omitempty"`
	Year    int      `json:"year,omitempty"`
	Aliases []string `json:"aliases,omitempty"`
}

// Scored is a candidate with its similarity score (0-100).
type Scored struct {
	Candidate
	Score float64 `json:"score"`
}

// Result is the resolution outcome. Match is set only when resolved.
type Result struct {
	Status  Status   `json:"status"`
	Match   *Scored  `json:"match,omitempty"`
	Options []Scored `json:"options,omitempty"`
	// Cutoff is the score threshold that produced the result (0 for exact/subset matches).
	Cutoff float64 `json:"cutoff"`
}

// Options tunes a resolution call site.
type Options struct {
	// Cutoff is the minimum fuzzy score on a 0-100 scale.
	Cutoff float64 `mapstructure:"cutoff" yaml:"cutoff"`
	// Relaxations are fallback cutoffs on a 0-1 scale tried in order when nothing clears Cutoff.
	Relaxations []float64 `mapstructure:"relaxations" yaml:"relaxations"`
	// AmbiguousDelta is the score distance within which candidates count as ties.
	AmbiguousDelta float64 `mapstructure:"ambiguous_delta" yaml:"ambiguous_delta"`
	// AmbiguousLimit caps the ambiguous option list (never above MaxOptions).
	AmbiguousLimit int `mapstructure:"ambiguous_limit" yaml:"ambiguous_limit"`
}

// DefaultOptions is used for people lookups.
func DefaultOptions() Options {
	return Options{Cutoff: 80, AmbiguousDelta: 2, AmbiguousLimit: 5}
}

// TitleSearchOptions relaxes the cutoff twice before giving up.
func TitleSearchOptions() Options {
	return Options{Cutoff: 80, Relaxations: []float64{0.3, 0.2}, AmbiguousDelta: 2, AmbiguousLimit: 8}
}

func (o Options) limit() int {
	if o.AmbiguousLimit <= 0 || o.AmbiguousLimit > MaxOptions {
		return MaxOptions
	}
	return o.AmbiguousLimit
}

func (o Options) cutoffs() []float64 {
	c := o.Cutoff
	if c <= 0 {
		c = 80
	}
	out := []float64{c}
	for _, r := range o.Relaxations {
		if r > 0 && r*100 < out[len(out)-1] {
			out = append(out, r*100)
		}
	}
	return out
}

// Resolve matches query against candidates.
func Resolve(query string, candidates []Candidate, opts Options) Result {
	q := Normalize(query)
	if q == "" || len(candidates) == 0 {
		return Result{Status: StatusNotFound}
	}
	qTokens := strings.Fields(q)

	// exact match on the normalized form
	var exact []Scored
	for _, c := range candidates {
		for _, name := range c.names() {
			if Normalize(name) == q {
				exact = append(exact, Scored{Candidate: c, Score: 100})
				break
			}
		}
	}
	if len(exact) == 1 {
		return Result{Status: StatusResolved, Match: &exact[0]}
	}
	if len(exact) > 1 {
		return Result{Status: StatusAmbiguous, Options: capOptions(exact, opts.limit())}
	}

	// token subset: the first candidate containing every query token wins
	if len(qTokens) > 1 {
		for _, c := range candidates {
			if c.containsTokens(qTokens) {
				return Result{Status: StatusResolved, Match: &Scored{Candidate: c, Score: 100}}
			}
		}
	}

	scorer := ScorerFor(query)
	scored := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		best := 0.0
		for _, name := range c.names() {
			if s := scorer(q, Normalize(name)); s > best {
				best = s
			}
		}
		scored = append(scored, Scored{Candidate: c, Score: best})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	for _, cutoff := range opts.cutoffs() {
		passing := make([]Scored, 0, len(scored))
		for _, s := range scored {
			if s.Score >= cutoff {
				passing = append(passing, s)
			}
		}
		if len(passing) == 0 {
			continue
		}
		return decide(passing, singleToken(q, qTokens), opts, cutoff)
	}
	return Result{Status: StatusNotFound, Cutoff: opts.cutoffs()[len(opts.cutoffs())-1]}
}

// singleToken reports a one-word query. CJK text is written without spaces, so a CJK query
// of more than one character counts as several tokens.
func singleToken(q string, tokens []string) bool {
	if len(tokens) != 1 {
		return false
	}
	return !ContainsCJK(q) || utf8.RuneCountInString(q) <= 1
}

// decide applies the tie policy to candidates that cleared the cutoff, sorted best first.
func decide(passing []Scored, singleToken bool, opts Options, cutoff float64) Result {
	limit := opts.limit()
	if singleToken {
		return Result{Status: StatusAmbiguous, Options: capOptions(passing, limit), Cutoff: cutoff}
	}

	best := passing[0].Score
	near := passing[:1]
	for i := 1; i < len(passing); i++ {
		if best-passing[i].Score <= opts.AmbiguousDelta {
			near = passing[:i+1]
			continue
		}
		break
	}
	if len(near) == 1 {
		m := passing[0]
		return Result{Status: StatusResolved, Match: &m, Cutoff: cutoff}
	}
	return Result{Status: StatusAmbiguous, Options: capOptions(near, limit), Cutoff: cutoff}
}

func capOptions(in []Scored, limit int) []Scored {
	if len(in) > limit {
		in = in[:limit]
	}
	return append([]Scored(nil), in...)
}

func (c Candidate) names() []string {
	return append([]string{c.Name}, c.Aliases...)
}

func (c Candidate) containsTokens(query []string) bool {
	for _, name := range c.names() {
		set := tokenSet(Normalize(name))
		all := true
		for _, t := range query {
			if _, ok := set[t]; !ok {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}
