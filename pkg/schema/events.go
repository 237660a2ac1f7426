package schema

// Run event types recorded in the run event log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventStepActed    = "step_acted"
	EventRunResumed   = "run_resumed"
)
