// Package workflows runs questions as durable Temporal workflows.
package workflows

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/activities"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/constants"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/pipeline"
)

const defaultAskTimeout = 2 * time.Minute

// AskInput is the workflow input.
type AskInput struct {
	Question  string `json:"question"`
	ThreadID  string `json:"thread_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	// Timeout bounds one RunAsk attempt; zero means two minutes.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// AskOutput is the workflow result.
type AskOutput struct {
	Response pipeline.Response `json:"response"`
}

// Workflow phases reported by the status query.
const (
	PhaseRunning   = "running"
	PhaseCompleted = "completed"
	PhaseFailed    = "failed"
)

// AskWorkflow answers one question by running the pipeline as a single activity. The pipeline
// keeps its own budget, so the activity is retried only once on infrastructure failure.
func AskWorkflow(ctx workflow.Context, input AskInput) (AskOutput, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting AskWorkflow", "thread_id", input.ThreadID, "request_id", input.RequestID)

	phase := PhaseRunning
	if err := workflow.SetQueryHandler(ctx, constants.AskStatusQuery, func() (string, error) {
		return phase, nil
	}); err != nil {
		return AskOutput{}, err
	}

	timeout := input.Timeout
	if timeout <= 0 {
		timeout = defaultAskTimeout
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			MaximumAttempts:        2,
			NonRetryableErrorTypes: []string{constants.ErrTypeInvalidQuestion},
		},
	})

	var resp pipeline.Response
	err := workflow.ExecuteActivity(ctx, constants.RunAskActivity, activities.RunAskInput{
		Question:  input.Question,
		ThreadID:  input.ThreadID,
		RequestID: input.RequestID,
	}).Get(ctx, &resp)
	if err != nil {
		phase = PhaseFailed
		logger.Error("RunAsk failed", "error", err)
		return AskOutput{}, err
	}

	phase = PhaseCompleted
	logger.Info("AskWorkflow completed", "status", resp.Status, "domain", resp.Domain, "tokens_used", resp.TokensUsed)
	return AskOutput{Response: resp}, nil
}

// IsInvalidQuestion reports whether err is the non-retryable empty question failure.
func IsInvalidQuestion(err error) bool {
	var appErr *temporal.ApplicationError
	return errors.As(err, &appErr) && appErr.Type() == constants.ErrTypeInvalidQuestion
}
