package temporal

import (
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/constants"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/workflows"
)

// NewReplayer returns a replayer with every workflow of the worker registered under the same
// names. Activities are not needed for replay.
func NewReplayer() worker.WorkflowReplayer {
	r := worker.NewWorkflowReplayer()
	r.RegisterWorkflowWithOptions(workflows.AskWorkflow, workflow.RegisterOptions{Name: constants.AskWorkflowName})
	return r
}

// ReplayHistoryFile replays a JSON history exported with `temporal workflow show --output json`.
// It fails on any non-determinism between the history and the current workflow code.
func ReplayHistoryFile(path string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	return NewReplayer().ReplayWorkflowHistoryFromJSONFile(NewZapAdapter(logger), path)
}
