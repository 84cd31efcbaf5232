package resolver

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Scorer returns a similarity in [0,100] between two normalized strings.
type Scorer func(a, b string) float64

// Ratio is the edit-distance similarity of a and b scaled to 0-100.
func Ratio(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	if la == 0 && lb == 0 {
		return 100
	}
	if la == 0 || lb == 0 {
		return 0
	}
	longest := la
	if lb > longest {
		longest = lb
	}
	d := levenshtein.ComputeDistance(a, b)
	return 100 * (1 - float64(d)/float64(longest))
}

// CharRatio compares a and b character by character, ignoring spaces. Used for CJK text where
// whitespace tokenisation is meaningless.
func CharRatio(a, b string) float64 {
	return Ratio(strings.ReplaceAll(a, " ", ""), strings.ReplaceAll(b, " ", ""))
}

// TokenSetRatio compares the token sets of a and b: the shared tokens are compared against
// each side's full token set, so a query whose tokens all appear in the candidate scores 100.
func TokenSetRatio(a, b string) float64 {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	var inter, onlyA, onlyB []string
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			inter = append(inter, tok)
		} else {
			onlyA = append(onlyA, tok)
		}
	}
	for tok := range tb {
		if _, ok := ta[tok]; !ok {
			onlyB = append(onlyB, tok)
		}
	}
	sort.Strings(inter)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	t0 := strings.Join(inter, " ")
	t1 := strings.TrimSpace(t0 + " " + strings.Join(onlyA, " "))
	t2 := strings.TrimSpace(t0 + " " + strings.Join(onlyB, " "))

	best := Ratio(t1, t2)
	if t0 != "" {
		if r := Ratio(t0, t1); r > best {
			best = r
		}
		if r := Ratio(t0, t2); r > best {
			best = r
		}
	}
	return best
}

// ScorerFor picks the character scorer for CJK queries and token-set otherwise.
func ScorerFor(query string) Scorer {
	if ContainsCJK(query) {
		return CharRatio
	}
	return TokenSetRatio
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}
