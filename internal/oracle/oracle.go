// Package oracle is the boundary to the classification model. Every caller sees the same
// normalised Result, and every structured answer goes through a Parse* function that either
// returns a typed value or a *ParseError.
package oracle

import (
	"context"
	"errors"
)

// Call sites label oracle traffic in metrics and parse errors.
const (
	CallSiteRoute      = "route"
	CallSiteExtract    = "extract"
	CallSiteSubtask    = "subtask"
	CallSiteTool       = "tool"
	CallSiteSupervisor = "supervisor"
	CallSiteSynthesize = "synthesize"
)

var (
	// ErrUnavailable wraps transport failures, non-2xx responses and an open breaker.
	ErrUnavailable = errors.New("oracle unavailable")
	// ErrEmptyResponse is returned when the response carries no text in any known field.
	ErrEmptyResponse = errors.New("oracle returned no text")
)

// Result is the normalised oracle answer.
type Result struct {
	Text       string `json:"text"`
	TokensUsed int    `json:"tokens_used"`
}

// Oracle answers a system/user prompt pair.
type Oracle interface {
	Invoke(ctx context.Context, systemPrompt, userText string) (Result, error)
}

// Func adapts a plain function to Oracle.
type Func func(ctx context.Context, systemPrompt, userText string) (Result, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, systemPrompt, userText string) (Result, error) {
	return f(ctx, systemPrompt, userText)
}

type callSiteKey struct{}

// WithCallSite tags ctx with the call site for metrics.
func WithCallSite(ctx context.Context, site string) context.Context {
	return context.WithValue(ctx, callSiteKey{}, site)
}

// CallSite returns the call site stored in ctx, or "unknown".
func CallSite(ctx context.Context) string {
	if s, ok := ctx.Value(callSiteKey{}).(string); ok && s != "" {
		return s
	}
	return "unknown"
}
