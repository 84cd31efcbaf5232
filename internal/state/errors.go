package state

import "fmt"

// ErrorKind classifies pipeline failures. Every kind maps to a deterministic user message.
type ErrorKind string

const (
	ErrValidationAmbiguous   ErrorKind = "validation_ambiguous"
	ErrValidationNotFound    ErrorKind = "validation_not_found"
	ErrRoutingExhausted      ErrorKind = "routing_exhausted"
	ErrToolNotFound          ErrorKind = "tool_not_found"
	ErrToolExecution         ErrorKind = "tool_execution_error"
	ErrBudgetExhaustedTime   ErrorKind = "budget_exhausted_time"
	ErrBudgetExhaustedTokens ErrorKind = "budget_exhausted_tokens"
	ErrHopLimitExceeded      ErrorKind = "hop_limit_exceeded"
	ErrAggregationAllFailed  ErrorKind = "aggregation_all_failed"
	ErrOracleFailure         ErrorKind = "oracle_failure"
	ErrParseFailure          ErrorKind = "parse_failure"
)

// IsBudget reports whether the kind is one of the budget/hop ceilings.
func (k ErrorKind) IsBudget() bool {
	return k == ErrBudgetExhaustedTime || k == ErrBudgetExhaustedTokens || k == ErrHopLimitExceeded
}

// PipelineError is the structured error recorded on RequestState.Error.
type PipelineError struct {
	Kind   ErrorKind `json:"kind"`
	Node   string    `json:"node,omitempty"`
	Domain string    `json:"domain,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Err    error     `json:"-"`
}

// NewError builds a PipelineError.
func NewError(kind ErrorKind, node, domain string, err error) *PipelineError {
	pe := &PipelineError{Kind: kind, Node: node, Domain: domain, Err: err}
	if err != nil {
		pe.Detail = err.Error()
	}
	return pe
}

func (e *PipelineError) Error() string {
	msg := string(e.Kind)
	if e.Node != "" {
		msg = e.Node + ": " + msg
	}
	if e.Domain != "" {
		msg = fmt.Sprintf("%s (domain=%s)", msg, e.Domain)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Is matches on Kind so errors.Is(err, &PipelineError{Kind: k}) works.
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	return ok && t.Kind == e.Kind
}
