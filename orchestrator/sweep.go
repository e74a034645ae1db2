package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/c360studio/stageflow/envelope"
	"github.com/c360studio/stageflow/storage"
	"github.com/c360studio/stageflow/workflow"
)

// timeoutReason is recorded on tasks and workflows failed by the sweep.
const timeoutReason = "stage timeout exceeded"

func (s *Service) runSweep(ctx context.Context) {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce fails every dispatched task whose stage timeout elapsed and
// applies the failure to its workflow through the state machine, exactly as
// if the agent had reported it.
func (s *Service) sweepOnce(ctx context.Context) {
	tasks, err := s.tasks.ListByStatus(ctx, workflow.TaskStatusDispatched)
	if err != nil {
		s.logger.Warn("Timeout sweep failed to list tasks", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, task := range tasks {
		if !task.Overdue(now) {
			continue
		}
		s.expireTask(ctx, task)
	}
}

func (s *Service) expireTask(ctx context.Context, task *workflow.Task) {
	s.logger.Warn("Task exceeded stage timeout",
		"task_id", task.ID,
		"workflow_id", task.WorkflowID,
		"stage", task.Stage,
		"agent_type", task.AgentType,
		"timeout", task.Timeout)

	task.SetStatus(workflow.TaskStatusFailed)
	task.FailureReason = timeoutReason
	if err := s.tasks.Update(ctx, task); err != nil {
		// A result or another sweeper won the race; leave it alone.
		if !errors.Is(err, storage.ErrConflict) {
			s.logger.Warn("Failed to expire task", "task_id", task.ID, "error", err)
		}
		return
	}
	timeoutsTotal.WithLabelValues(task.AgentType).Inc()

	err := s.machine.OnStageComplete(ctx, task.WorkflowID, task.Stage,
		envelope.StatusFailure, envelope.Payload{Error: timeoutReason})
	if err != nil {
		s.logger.Warn("Failed to apply timeout failure",
			"task_id", task.ID,
			"workflow_id", task.WorkflowID,
			"error", err)
	}
}
