// Package activities holds the Temporal activities of the catalogrouter worker.
package activities

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/constants"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/pipeline"
)

// RunAskInput is one question submitted through a workflow.
type RunAskInput struct {
	Question  string `json:"question"`
	ThreadID  string `json:"thread_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Activities struct holds dependencies for activities
type Activities struct {
	engine *pipeline.Engine
	logger *zap.Logger
}

// NewActivities creates a new activities instance with dependencies
func NewActivities(engine *pipeline.Engine, logger *zap.Logger) *Activities {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{engine: engine, logger: logger}
}

// RunAsk runs the whole question pipeline. Pipeline failures are answers, not errors; an
// empty question fails without retry.
func (a *Activities) RunAsk(ctx context.Context, in RunAskInput) (pipeline.Response, error) {
	info := activity.GetInfo(ctx)
	a.logger.Info("RunAsk started",
		zap.String("workflow_id", info.WorkflowExecution.ID),
		zap.Int32("attempt", info.Attempt),
		zap.String("thread_id", in.ThreadID),
	)

	resp, err := a.engine.Ask(ctx, pipeline.AskRequest{
		Question:  in.Question,
		ThreadID:  in.ThreadID,
		RequestID: in.RequestID,
	})
	if errors.Is(err, pipeline.ErrEmptyQuestion) {
		return pipeline.Response{}, temporal.NewNonRetryableApplicationError(err.Error(), constants.ErrTypeInvalidQuestion, err)
	}
	if err != nil {
		return pipeline.Response{}, err
	}
	return resp, nil
}
