package constants

// Temporal names used for registration and execution.
const (
	// TaskQueue is the queue the catalogrouter worker polls.
	TaskQueue = "catalogrouter"

	AskWorkflowName = "AskWorkflow"
	RunAskActivity  = "RunAsk"

	// AskStatusQuery returns the workflow phase.
	AskStatusQuery = "ask_status"
)

// Application error types that must not be retried.
const (
	ErrTypeInvalidQuestion = "InvalidQuestion"
)
