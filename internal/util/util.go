package util

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TruncateString truncates s to maxLen runes and appends "..." if truncated.
// If preserveWords is true, truncates at the last space before maxLen when possible.
func TruncateString(s string, maxLen int, preserveWords bool) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."[:maxLen]
	}
	cut := maxLen - 3
	if preserveWords {
		for i := cut - 1; i > 0; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
	}
	return string(runes[:cut]) + "..."
}

// EstimateTokens approximates a token count as one token per four runes, rounded up.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

var selectionWords = map[string]bool{
	"option": true, "number": true, "choice": true, "pick": true,
	"the": true, "select": true, "i": true, "want": true, "one": true, "#": true,
}

var ordinals = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4,
	"fifth": 5, "sixth": 6, "seventh": 7, "eighth": 8,
}

// ParseSelection interprets a reply to a numbered option list. looksLike reports whether the
// reply is phrased as a selection at all ("2", "#2", "option 2", "2.", "the second one");
// n is the 1-based choice, or 0 when the reply looks like a selection but names no single number.
func ParseSelection(reply string) (n int, looksLike bool) {
	r := strings.ToLower(strings.TrimSpace(reply))
	if r == "" {
		return 0, false
	}
	r = strings.NewReplacer("#", " # ", ".", " ", ")", " ", ",", " ", ":", " ", "!", " ").Replace(r)

	numbers := 0
	abbrev := false
	for _, tok := range strings.Fields(r) {
		// "no" only counts as the "No. 2" abbreviation
		if tok == "no" {
			abbrev = true
			continue
		}
		if v, err := strconv.Atoi(tok); err == nil {
			n = v
			numbers++
			continue
		}
		if v, ok := ordinals[tok]; ok {
			n = v
			numbers++
			continue
		}
		if !selectionWords[tok] {
			return 0, false
		}
	}
	if abbrev && numbers == 0 {
		return 0, false
	}
	if numbers != 1 {
		return 0, true
	}
	return n, true
}
