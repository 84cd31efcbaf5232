package temporal

import (
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/activities"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/constants"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/workflows"
)

// Register adds AskWorkflow and RunAsk to r under their stable names.
func Register(r worker.Registry, acts *activities.Activities) {
	r.RegisterWorkflowWithOptions(workflows.AskWorkflow, workflow.RegisterOptions{Name: constants.AskWorkflowName})
	r.RegisterActivityWithOptions(acts.RunAsk, activity.RegisterOptions{Name: constants.RunAskActivity})
}

// Dial connects to the Temporal frontend at hostPort.
func Dial(hostPort, namespace string, logger *zap.Logger) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  hostPort,
		Namespace: namespace,
		Logger:    NewZapAdapter(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal at %s: %w", hostPort, err)
	}
	return c, nil
}

// NewWorker creates a worker polling queue, or the default task queue when queue is empty.
func NewWorker(c client.Client, queue string, engine *pipeline.Engine, concurrency int, logger *zap.Logger) worker.Worker {
	if queue == "" {
		queue = constants.TaskQueue
	}
	w := worker.New(c, queue, worker.Options{
		MaxConcurrentActivityExecutionSize: concurrency,
	})
	Register(w, activities.NewActivities(engine, logger))
	return w
}
