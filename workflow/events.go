// Typed NATS subjects for workflow lifecycle events. Transition events are
// fire-and-forget: they are emitted for external consumers (health and metrics
// collectors, progress estimators) and never block a transition.
package workflow

// Event subjects.
const (
	// SubjectTransition carries TransitionEvent for every stage transition
	// and terminal status change.
	SubjectTransition = "workflow.events.transition"

	// SubjectCreated carries CreatedEvent when a workflow is created.
	SubjectCreated = "workflow.events.created"
)

// TransitionEvent is published on every workflow transition. The format is
// stable for external consumption.
type TransitionEvent struct {
	WorkflowID string `json:"workflow_id"`
	FromStage  string `json:"from_stage,omitempty"`
	ToStage    string `json:"to_stage,omitempty"`
	Status     Status `json:"status"`
	Progress   int    `json:"progress"`
	TraceID    string `json:"trace_id,omitempty"`
}

// CreatedEvent is published when a workflow is created.
type CreatedEvent struct {
	WorkflowID string `json:"workflow_id"`
	Type       string `json:"type"`
	PlatformID string `json:"platform_id,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
}
