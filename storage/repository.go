// Package storage provides the persistence boundary of the orchestration
// engine: repository interfaces consumed by the core, a NATS KV
// implementation used by embedded deployments and integration tests, and an
// in-memory implementation for unit tests. Relational implementations live
// outside this module behind the same interfaces.
//
// All workflow and task updates are compare-and-swap guarded by the entity's
// Revision: the update fails with ErrConflict if the stored row changed since
// it was read. The stored row is the single source of truth; in-memory state
// is only ever a cache of the last successful write.
package storage

import (
	"context"

	"github.com/c360studio/stageflow/workflow"
)

// WorkflowRepository persists workflows.
type WorkflowRepository interface {
	// Create stores a new workflow and sets its Revision.
	Create(ctx context.Context, w *workflow.Workflow) error

	// FindByID returns the workflow with its current Revision.
	FindByID(ctx context.Context, id string) (*workflow.Workflow, error)

	// CompareAndSwapStage writes the workflow guarded by w.Revision and
	// bumps it on success. Returns ErrConflict if the row changed since
	// the revision was read.
	CompareAndSwapStage(ctx context.Context, w *workflow.Workflow) error

	// MarkTerminal writes a workflow entering a terminal status, with the
	// same compare-and-swap guarantees as CompareAndSwapStage.
	MarkTerminal(ctx context.Context, w *workflow.Workflow) error
}

// TaskRepository persists per-stage dispatch attempts.
type TaskRepository interface {
	// Create stores a new task and sets its Revision. Creation claims the
	// (workflow, stage) pair under a deterministic key, so two concurrent
	// creates for the same stage collide: the loser gets ErrAlreadyExists
	// and must re-read the winner's task. A claim left by a task that is
	// already terminal is taken over.
	Create(ctx context.Context, t *workflow.Task) error

	// FindByID returns the task with its current Revision.
	FindByID(ctx context.Context, id string) (*workflow.Task, error)

	// FindActiveByWorkflowStage returns the non-terminal task for a
	// (workflow, stage) pair, or ErrNotFound. At most one such task
	// exists at a time; the dispatcher reuses it instead of creating a
	// second live task.
	FindActiveByWorkflowStage(ctx context.Context, workflowID, stage string) (*workflow.Task, error)

	// Update writes the task guarded by t.Revision.
	Update(ctx context.Context, t *workflow.Task) error

	// ListByStatus returns every task in the given status. Used by the
	// timeout sweep over dispatched tasks.
	ListByStatus(ctx context.Context, status workflow.TaskStatus) ([]*workflow.Task, error)
}
