package pipeline

import (
	"context"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/budget"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/db"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/state"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/streaming"
)

// Final statuses.
const (
	StatusAnswered = db.RunStatusAnswered
	StatusClarify  = db.RunStatusClarify
	StatusNotFound = db.RunStatusNotFound
	StatusError    = db.RunStatusError
	StatusBudget   = db.RunStatusBudget
)

// Response is the answer to one user turn.
type Response struct {
	RequestID      string             `json:"request_id"`
	ThreadID       string             `json:"thread_id"`
	Answer         string             `json:"answer"`
	Domain         string             `json:"domain,omitempty"`
	Status         string             `json:"status"`
	Strategy       string             `json:"strategy,omitempty"`
	Confidence     float64            `json:"confidence"`
	VisitedDomains []string           `json:"visited_domains"`
	HopCount       int                `json:"hop_count"`
	ToolTimes      map[string]float64 `json:"tool_times"` // milliseconds per domain/tool
	Options        []string           `json:"options,omitempty"`
	ErrorKind      string             `json:"error_kind,omitempty"`
	TokensUsed     int                `json:"tokens_used"`
	ElapsedMs      int64              `json:"elapsed_ms"`
}

func finalStatus(st *state.RequestState) string {
	switch {
	case st.Error != nil && st.Error.Kind.IsBudget():
		return StatusBudget
	case st.Strategy == state.StrategyClarify:
		return StatusClarify
	case st.DomainStatus == state.DomainStatusSuccess && st.Error == nil:
		return StatusAnswered
	case st.Validation.Status == state.ValidationNotFound:
		return StatusNotFound
	}
	return StatusError
}

// respond snapshots the budget, records metrics, publishes the final event and persists the
// run and its usage.
func (e *Engine) respond(ctx context.Context, r *run) {
	st := r.st
	st.Budget = r.tracker.Status()
	status := finalStatus(st)
	elapsed := time.Since(r.started)

	if err := st.Validate(r.tracker.Limits().MaxHops); err != nil {
		e.logger.Warn("Request state violates an invariant", zap.String("request_id", st.RequestID), zap.Error(err))
	}

	metrics.RecordRequest(status, st.SelectedDomain, elapsed.Seconds(), st.Budget.TokensUsed)
	e.logger.Info("Question answered",
		zap.String("request_id", st.RequestID),
		zap.String("status", status),
		zap.String("domain", st.SelectedDomain),
		zap.String("strategy", string(st.Strategy)),
		zap.Strings("visited", st.VisitedDomains),
		zap.Int("hops", st.HopCount),
		zap.Int("tokens", st.Budget.TokensUsed),
		zap.Duration("elapsed", elapsed),
	)

	e.publish(st, streaming.Event{
		Type:    streaming.EventFinal,
		Node:    NodeRespond.String(),
		Domain:  st.SelectedDomain,
		Message: st.Answer,
		Data:    map[string]interface{}{"status": status},
	})

	if e.runs != nil {
		row := &db.RoutingRun{
			RequestID:      st.RequestID,
			ThreadID:       st.ThreadID,
			Question:       st.Question,
			Domain:         st.SelectedDomain,
			Strategy:       string(st.Strategy),
			Status:         status,
			Answer:         st.Answer,
			ErrorKind:      errorKind(st),
			Confidence:     st.RoutingConfidence,
			HopCount:       st.HopCount,
			VisitedDomains: append([]string(nil), st.VisitedDomains...),
			Tokens:         st.Budget.TokensUsed,
			DurationMs:     elapsed.Milliseconds(),
			ToolTimes:      db.ToolTimesPayload(st.ToolExecutionTimes),
		}
		err := e.runs.QueueWrite(db.WriteTypeRoutingRun, row, func(err error) {
			if err != nil {
				metrics.RunWrites.WithLabelValues("error").Inc()
				return
			}
			metrics.RunWrites.WithLabelValues("ok").Inc()
		})
		if err != nil {
			e.logger.Warn("Failed to queue routing run", zap.String("request_id", st.RequestID), zap.Error(err))
		}
	}

	err := e.budgets.RecordUsage(ctx, budget.Usage{
		RequestID: st.RequestID,
		ThreadID:  st.ThreadID,
		Domain:    st.SelectedDomain,
		Status:    status,
		Tokens:    st.Budget.TokensUsed,
		Elapsed:   elapsed,
		Hops:      st.HopCount,
	})
	if err != nil {
		e.logger.Warn("Failed to record usage", zap.String("request_id", st.RequestID), zap.Error(err))
	}
}

func (e *Engine) response(r *run) Response {
	st := r.st
	times := make(map[string]float64, len(st.ToolExecutionTimes))
	for k, d := range st.ToolExecutionTimes {
		times[k] = float64(d.Microseconds()) / 1000
	}
	var options []string
	if st.PendingDisambiguation {
		options = lo.Map(st.DisambiguationOptions, func(o state.Entity, _ int) string { return o.Label() })
	}
	return Response{
		RequestID:      st.RequestID,
		ThreadID:       st.ThreadID,
		Answer:         st.Answer,
		Domain:         st.SelectedDomain,
		Status:         finalStatus(st),
		Strategy:       string(st.Strategy),
		Confidence:     st.RoutingConfidence,
		VisitedDomains: append([]string{}, st.VisitedDomains...),
		HopCount:       st.HopCount,
		ToolTimes:      times,
		Options:        options,
		ErrorKind:      errorKind(st),
		TokensUsed:     st.Budget.TokensUsed,
		ElapsedMs:      time.Since(r.started).Milliseconds(),
	}
}

func errorKind(st *state.RequestState) string {
	if st.Error == nil {
		return ""
	}
	return string(st.Error.Kind)
}
