package pipeline

import (
	"fmt"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/budget"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/state"
)

const (
	clarifyRoutingMessage = "I'm not sure which part of the catalog can answer that. Could you rephrase your question, " +
		"for example by naming the title or person you're asking about?"
	allFailedMessage    = "I couldn't find an answer to your question in any part of the catalog. Could you rephrase it?"
	toolFailedMessage   = "I couldn't retrieve that information from the catalog right now. Please try again later."
	oracleFailedMessage = "I'm having trouble understanding questions right now. Please try again shortly."
	genericMessage      = "Something went wrong while answering your question. Please try again."
)

// FormatOptions renders a numbered option list, one entity per line.
func FormatOptions(options []state.Entity) string {
	if len(options) > state.MaxDisambiguationOptions {
		options = options[:state.MaxDisambiguationOptions]
	}
	lines := make([]string, len(options))
	for i, o := range options {
		lines[i] = fmt.Sprintf("%d. %s", i+1, o.Label())
	}
	return strings.Join(lines, "\n")
}

// DisambiguationMessage asks the user to pick one of options.
func DisambiguationMessage(mention string, options []state.Entity) string {
	head := "I found several matches. Which one did you mean?"
	if mention != "" {
		head = fmt.Sprintf("I found several matches for %q. Which one did you mean?", mention)
	}
	return head + "\n" + FormatOptions(options) + "\nReply with the number of your choice."
}

// SelectionRangeMessage is the bounded reply to an out-of-range or unreadable selection.
func SelectionRangeMessage(n int) string {
	return fmt.Sprintf("Please reply with a number between 1 and %d.", n)
}

// NotFoundMessage names the mention that could not be matched.
func NotFoundMessage(entityType, mention string) string {
	what := "anything matching that"
	switch {
	case mention != "" && entityType != "":
		what = fmt.Sprintf("a %s called %q", entityType, mention)
	case mention != "":
		what = fmt.Sprintf("%q", mention)
	}
	return fmt.Sprintf("I couldn't find %s in the catalog. Please check the spelling or try another name.", what)
}

// ErrorMessage maps an error kind to its user-facing text.
func ErrorMessage(err *state.PipelineError) string {
	if err == nil {
		return genericMessage
	}
	switch err.Kind {
	case state.ErrBudgetExhaustedTime, state.ErrBudgetExhaustedTokens, state.ErrHopLimitExceeded:
		return budget.Message(err.Kind)
	case state.ErrRoutingExhausted:
		return clarifyRoutingMessage
	case state.ErrAggregationAllFailed:
		return allFailedMessage
	case state.ErrToolNotFound, state.ErrToolExecution:
		return toolFailedMessage
	case state.ErrOracleFailure, state.ErrParseFailure:
		return oracleFailedMessage
	case state.ErrValidationNotFound:
		return NotFoundMessage("", "")
	case state.ErrValidationAmbiguous:
		return "I found several possible matches. Could you be more specific?"
	}
	return genericMessage
}
