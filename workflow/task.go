package workflow

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the status of a dispatched task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task row exists but the envelope
	// has not been published yet.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusDispatched indicates the task envelope was published and
	// an agent may be working on it.
	TaskStatusDispatched TaskStatus = "dispatched"
	// TaskStatusCompleted indicates a validated success result arrived.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates a validated failure result arrived, the
	// dispatch was abandoned, or the stage timeout elapsed.
	TaskStatusFailed TaskStatus = "failed"
)

// IsTerminal returns true once a task can no longer accept results.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskStatusChange records one task status transition.
type TaskStatusChange struct {
	From TaskStatus `json:"from"`
	To   TaskStatus `json:"to"`
	At   time.Time  `json:"at"`
}

// Task represents one (workflow, stage) dispatch attempt.
type Task struct {
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflow_id"`
	Stage      string     `json:"stage"`
	AgentType  string     `json:"agent_type"`
	Status     TaskStatus `json:"status"`

	// Timeout is the stage timeout carried from the definition. The
	// timeout sweep fails tasks whose dispatched duration exceeds it.
	Timeout time.Duration `json:"timeout,omitempty"`

	// FailureReason records why a failed task failed (agent error detail
	// or "stage timeout exceeded").
	FailureReason string `json:"failure_reason,omitempty"`

	StatusChanges []TaskStatusChange `json:"status_changes,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	// Revision is the storage compare-and-swap token. Never serialized.
	Revision uint64 `json:"-"`
}

// NewTask creates a pending task for a (workflow, stage) pair.
func NewTask(workflowID, stage, agentType string, timeout time.Duration) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Stage:      stage,
		AgentType:  agentType,
		Status:     TaskStatusPending,
		Timeout:    timeout,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// SetStatus transitions the task status and records the change.
func (t *Task) SetStatus(target TaskStatus) {
	now := time.Now().UTC()
	t.StatusChanges = append(t.StatusChanges, TaskStatusChange{
		From: t.Status,
		To:   target,
		At:   now,
	})
	t.Status = target
	t.UpdatedAt = now

	switch target {
	case TaskStatusDispatched:
		t.DispatchedAt = &now
	case TaskStatusCompleted, TaskStatusFailed:
		t.CompletedAt = &now
	}
}

// Overdue reports whether a dispatched task has exceeded its stage timeout.
func (t *Task) Overdue(now time.Time) bool {
	if t.Status != TaskStatusDispatched || t.DispatchedAt == nil || t.Timeout <= 0 {
		return false
	}
	return now.Sub(*t.DispatchedAt) > t.Timeout
}
