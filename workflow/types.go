// Package workflow defines the core entities of the orchestration engine:
// workflows progressing through a sequence of stages, and the tasks dispatched
// for each stage. Workflows are mutated only through the state machine's
// transition function; everything else treats them as read-only snapshots.
package workflow

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a workflow.
type Status string

const (
	// StatusInitiated indicates the workflow row exists but no stage has
	// been dispatched yet.
	StatusInitiated Status = "initiated"
	// StatusRunning indicates stages are being dispatched and completed.
	StatusRunning Status = "running"
	// StatusPaused indicates progression is suspended; in-flight results
	// are still applied but no new stage is dispatched until resume.
	StatusPaused Status = "paused"
	// StatusCompleted indicates all stages finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates a stage reported failure. Resumable via retry.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the workflow was cancelled externally.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is a recognized workflow status.
func (s Status) IsValid() bool {
	switch s {
	case StatusInitiated, StatusRunning, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses that never revert. A failed workflow
// is terminal for result application but remains resumable through the
// explicit retry operation.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the status can transition to the target.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusInitiated:
		// initiated → failed covers a first dispatch that never succeeds.
		return target == StatusRunning || target == StatusCancelled ||
			target == StatusFailed
	case StatusRunning:
		return target == StatusPaused || target == StatusCompleted ||
			target == StatusFailed || target == StatusCancelled
	case StatusPaused:
		// paused → completed/failed: in-flight results are still applied
		// while paused, including the final stage's.
		return target == StatusRunning || target == StatusCancelled ||
			target == StatusFailed || target == StatusCompleted
	case StatusFailed:
		// failed → running only via the explicit retry operation
		return target == StatusRunning
	case StatusCompleted, StatusCancelled:
		return false // Terminal states
	default:
		return false
	}
}

// StageOutput is one entry in a workflow's append-only output history.
type StageOutput struct {
	Stage      string          `json:"stage"`
	Output     json.RawMessage `json:"output,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Workflow represents one unit of automated delivery work.
type Workflow struct {
	ID string `json:"id"`

	// Type selects the workflow definition (e.g. app, feature, bugfix).
	Type string `json:"type"`

	// PlatformID selects platform-specific definitions. Empty means the
	// legacy definition.
	PlatformID string `json:"platform_id,omitempty"`

	// CurrentStage is always a member of the active definition's stage
	// list. Updated only together with Progress, inside one transition.
	CurrentStage string `json:"current_stage"`

	Status Status `json:"status"`

	// Progress is 0-100 and non-decreasing while running.
	Progress int `json:"progress"`

	// StageOutputs is the ordered, append-only output history.
	StageOutputs []StageOutput `json:"stage_outputs,omitempty"`

	// Input is the original request payload, carried into stage zero.
	Input json.RawMessage `json:"input,omitempty"`

	// FailureStage and FailureReason record the failing stage when
	// Status is failed. Queryable through the control surface.
	FailureStage  string `json:"failure_stage,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	// TraceID is assigned at creation and propagated through every
	// envelope and transition event.
	TraceID string `json:"trace_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Revision is the storage compare-and-swap token of the last
	// successful read. Never serialized; in-memory state is a cache of
	// the last write, not authoritative.
	Revision uint64 `json:"-"`
}

// New creates a workflow in the initiated status.
func New(workflowType, platformID string, input json.RawMessage) *Workflow {
	now := time.Now().UTC()
	return &Workflow{
		ID:         uuid.New().String(),
		Type:       workflowType,
		PlatformID: platformID,
		Status:     StatusInitiated,
		Input:      input,
		TraceID:    uuid.New().String(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// AppendStageOutput records a stage's output in the append-only history.
func (w *Workflow) AppendStageOutput(stage string, output json.RawMessage) {
	w.StageOutputs = append(w.StageOutputs, StageOutput{
		Stage:      stage,
		Output:     output,
		RecordedAt: time.Now().UTC(),
	})
}

// HasStageOutput reports whether an output was already recorded for a stage.
func (w *Workflow) HasStageOutput(stage string) bool {
	for _, o := range w.StageOutputs {
		if o.Stage == stage {
			return true
		}
	}
	return false
}
