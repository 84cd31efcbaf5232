package oracle

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/state"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/util"
)

// ParseError reports oracle output that could not be turned into the expected shape.
type ParseError struct {
	CallSite string
	Raw      string
	Reason   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("oracle %s: unparseable output (%s): %q", e.CallSite, e.Reason, util.TruncateString(e.Raw, 120, true))
}

func parseErr(site, raw, reason string) *ParseError {
	return &ParseError{CallSite: site, Raw: raw, Reason: reason}
}

// ExtractJSONObject returns the first balanced JSON object embedded in s. Braces inside string
// literals are ignored, so prose and code fences around the object do not matter.
func ExtractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	inString, escaped := false, false
	var stack []byte
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch ch {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != ch {
				// unbalanced: retry from the next opening brace
				if next, ok := ExtractJSONObject(s[start+1:]); ok {
					return next, true
				}
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func jsonObject(raw string) (gjson.Result, bool) {
	obj, ok := ExtractJSONObject(raw)
	if !ok || !gjson.Valid(obj) {
		return gjson.Result{}, false
	}
	return gjson.Parse(obj), true
}

func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() && strings.TrimSpace(v.String()) != "" {
			return strings.TrimSpace(v.String())
		}
	}
	return ""
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// ParseRoutingDecision reads {primary, confidence, candidates:[{domain, confidence}]}.
// Domain names are matched case-insensitively against known; unknown names are dropped. The
// primary is always present among the candidates, which are sorted by confidence descending.
func ParseRoutingDecision(raw string, known []string) (*state.RoutingDecision, error) {
	doc, ok := jsonObject(raw)
	if !ok {
		return nil, parseErr(CallSiteRoute, raw, "no JSON object")
	}

	canon := func(name string) (string, bool) {
		name = strings.ToLower(strings.TrimSpace(name))
		return lo.Find(known, func(k string) bool { return strings.ToLower(k) == name })
	}

	dec := &state.RoutingDecision{Confidence: clamp01(doc.Get("confidence").Float())}
	if p, ok := canon(firstString(doc, "primary", "domain", "primary_domain")); ok {
		dec.Primary = p
	}

	var cands []state.Candidate
	doc.Get("candidates").ForEach(func(_, v gjson.Result) bool {
		name := v.String()
		score := 0.0
		if v.IsObject() {
			name = firstString(v, "domain", "name")
			score = v.Get("confidence").Float()
			if !v.Get("confidence").Exists() {
				score = v.Get("score").Float()
			}
		}
		if d, ok := canon(name); ok {
			cands = append(cands, state.Candidate{Domain: d, Score: clamp01(score)})
		}
		return true
	})

	if dec.Primary == "" && len(cands) == 0 {
		return nil, parseErr(CallSiteRoute, raw, "no known domain")
	}
	if dec.Primary != "" {
		cands = append([]state.Candidate{{Domain: dec.Primary, Score: dec.Confidence}}, cands...)
	}
	cands = lo.UniqBy(cands, func(c state.Candidate) string { return c.Domain })
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Score > cands[j].Score })
	dec.Candidates = cands
	return dec, nil
}

// Marker is the verdict phrase an extraction answer may carry instead of (or besides) JSON.
type Marker string

const (
	MarkerNone      Marker = ""
	MarkerAmbiguous Marker = "ambiguous"
	MarkerNotFound  Marker = "not_found"
)

var ambiguousPhrases = []string{"multiple matches", "ambiguous", "which one"}
var notFoundPhrases = []string{"not found", "no match", "couldn't find", "could not find"}

// Extraction is the parsed entity extraction answer.
type Extraction struct {
	EntityType string // title, actor, director or none
	Mention    string
	Marker     Marker
}

// ParseExtraction reads {entity_type, mention} when JSON is present, else falls back to the
// marker phrases.
func ParseExtraction(raw string) (*Extraction, error) {
	if doc, ok := jsonObject(raw); ok {
		ex := &Extraction{
			EntityType: normalizeEntityType(firstString(doc, "entity_type", "type")),
			Mention:    firstString(doc, "mention", "entity", "name"),
		}
		switch strings.ToLower(firstString(doc, "status", "marker")) {
		case "not_found", "not found":
			ex.Marker = MarkerNotFound
		case "ambiguous":
			ex.Marker = MarkerAmbiguous
		}
		if ex.EntityType == "" {
			return nil, parseErr(CallSiteExtract, raw, "missing entity_type")
		}
		if ex.EntityType != "none" && ex.Mention == "" && ex.Marker == MarkerNone {
			return nil, parseErr(CallSiteExtract, raw, "missing mention")
		}
		return ex, nil
	}

	lower := strings.ToLower(raw)
	for _, p := range notFoundPhrases {
		if strings.Contains(lower, p) {
			return &Extraction{Marker: MarkerNotFound}, nil
		}
	}
	for _, p := range ambiguousPhrases {
		if strings.Contains(lower, p) {
			return &Extraction{Marker: MarkerAmbiguous}, nil
		}
	}
	return nil, parseErr(CallSiteExtract, raw, "no JSON object or marker phrase")
}

func normalizeEntityType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "title", "movie", "film", "show", "series":
		return "title"
	case "actor", "actress", "cast", "person":
		return "actor"
	case "director":
		return "director"
	case "none", "null", "n/a":
		return "none"
	}
	return ""
}

// ParseChoice picks one of options from the answer: a JSON "choice" field, the whole answer, or
// the longest option mentioned anywhere in it.
func ParseChoice(site, raw string, options []string) (string, error) {
	candidates := []string{strings.TrimSpace(raw)}
	if doc, ok := jsonObject(raw); ok {
		if v := firstString(doc, "choice", "subtask", "tool", "answer"); v != "" {
			candidates = append([]string{v}, candidates...)
		}
	}
	for _, c := range candidates {
		c = strings.Trim(c, "`\"'. \n")
		if opt, ok := lo.Find(options, func(o string) bool { return strings.EqualFold(o, c) }); ok {
			return opt, nil
		}
	}

	lower := strings.ToLower(raw)
	byLength := append([]string(nil), options...)
	sort.SliceStable(byLength, func(i, j int) bool { return len(byLength[i]) > len(byLength[j]) })
	for _, o := range byLength {
		if o != "" && strings.Contains(lower, strings.ToLower(o)) {
			return o, nil
		}
	}
	return "", parseErr(site, raw, "no option matched")
}

// Decision is the completion supervisor verdict.
type Decision string

const (
	DecisionComplete Decision = "COMPLETE"
	DecisionContinue Decision = "CONTINUE"
)

// ParseDecision looks for COMPLETE or CONTINUE, case-insensitively. When both appear the
// earlier one wins.
func ParseDecision(raw string) (Decision, error) {
	upper := strings.ToUpper(raw)
	ic := strings.Index(upper, string(DecisionComplete))
	in := strings.Index(upper, string(DecisionContinue))
	switch {
	case ic >= 0 && (in < 0 || ic < in):
		return DecisionComplete, nil
	case in >= 0:
		return DecisionContinue, nil
	}
	return "", parseErr(CallSiteSupervisor, raw, "no COMPLETE/CONTINUE verdict")
}

// ToolChoice is the parsed tool router answer.
type ToolChoice struct {
	Tool  string
	Query string // optional search keyword for query-driven tools
}

// ParseToolChoice reads {"tool": ..., "query": ...} or a bare tool name. The tool must be one of
// options; Query is empty when the answer carries none.
func ParseToolChoice(raw string, options []string) (*ToolChoice, error) {
	tool, err := ParseChoice(CallSiteTool, raw, options)
	if err != nil {
		return nil, err
	}
	tc := &ToolChoice{Tool: tool}
	if doc, ok := jsonObject(raw); ok {
		tc.Query = firstString(doc, "query", "keyword", "search")
	}
	return tc, nil
}
