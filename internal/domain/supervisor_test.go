package domain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/oracle"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/state"
)

func entries(outputs ...string) []state.TranscriptEntry {
	var out []state.TranscriptEntry
	for _, o := range outputs {
		out = append(out, state.TranscriptEntry{Domain: "content", Tool: "title_details", Output: o})
	}
	return out
}

func TestSupervisorDecide(t *testing.T) {
	long := `{"name":"Heat","year":1995,"director":"Michael Mann"}`
	tests := []struct {
		name       string
		entries    []state.TranscriptEntry
		iteration  int
		answer     string
		want       Verdict
		reason     string
		wantOracle bool
	}{
		{"empty", nil, 1, "COMPLETE", VerdictReturnToRouter, ReasonEmpty, false},
		{"only errors", []state.TranscriptEntry{{Domain: "content", Tool: "x", Output: "tool error: connection refused, please retry later", IsError: true}}, 1, "COMPLETE", VerdictReturnToRouter, ReasonEmpty, false},
		{"only empty results", []state.TranscriptEntry{{Domain: "content", Tool: "title_details", Output: "no results from title_details", Empty: true}}, 3, "COMPLETE", VerdictReturnToRouter, ReasonEmpty, false},
		{"short", entries("Heat (1995)"), 1, "COMPLETE", VerdictReturnToRouter, ReasonShort, false},
		{"apology", entries("I apologize, but there is no such title in the catalog."), 1, "COMPLETE", VerdictReturnToRouter, ReasonApology, false},
		{"curly apostrophe", entries("I’m sorry, that title is not something we carry."), 1, "COMPLETE", VerdictReturnToRouter, ReasonApology, false},
		{"no information", entries("There is no information available for this one."), 1, "COMPLETE", VerdictReturnToRouter, ReasonApology, false},
		{"iterations exhausted", entries(long), 3, "CONTINUE", VerdictComplete, ReasonExhausted, false},
		{"oracle complete", entries(long), 1, "complete", VerdictComplete, ReasonOracle, true},
		{"oracle continue", entries(long), 2, "I'd CONTINUE with the cast.", VerdictContinue, ReasonOracle, true},
		{"unparseable", entries(long), 1, "maybe?", VerdictComplete, ReasonParseError, true},
		{"oracle down", entries(long), 1, failAnswer, VerdictComplete, ReasonOracleDown, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newScripted(map[string][]string{oracle.CallSiteSupervisor: {tt.answer}})
			s := NewSupervisor(o, zaptest.NewLogger(t))
			d := s.Decide(context.Background(), Review{
				Question:      "Who directed Heat?",
				Domain:        "content",
				Entries:       tt.entries,
				Iteration:     tt.iteration,
				MaxIterations: 3,
			})
			assert.Equal(t, tt.want, d.Verdict)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.wantOracle, o.count(oracle.CallSiteSupervisor) == 1)
		})
	}
}

func TestSupervisorMinCharsOverride(t *testing.T) {
	o := newScripted(map[string][]string{oracle.CallSiteSupervisor: {"COMPLETE"}})
	s := NewSupervisor(o, zaptest.NewLogger(t))
	d := s.Decide(context.Background(), Review{Entries: entries("Heat (1995)"), Iteration: 1, MaxIterations: 3, MinChars: 5})
	assert.Equal(t, VerdictComplete, d.Verdict)
}

func TestTranscriptText(t *testing.T) {
	es := append(entries("a", "  "), state.TranscriptEntry{Output: "boom", IsError: true})
	es = append(es, state.TranscriptEntry{Output: "no results from title_details", Empty: true})
	es = append(es, entries("b")...)
	assert.Equal(t, "a\nb", TranscriptText(es))
}
