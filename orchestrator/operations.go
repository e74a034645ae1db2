package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/stageflow/storage"
	"github.com/c360studio/stageflow/workflow"
)

var (
	// ErrTerminal is returned by control operations on completed or
	// cancelled workflows.
	ErrTerminal = errors.New("workflow is in a terminal status")

	// ErrInvalidTransition is returned when a control operation does not
	// apply to the workflow's current status.
	ErrInvalidTransition = errors.New("operation not valid for workflow status")
)

// CreateWorkflow stores a workflow in the initiated status, dispatches its
// first stage and moves it to running once the dispatch succeeded. A dispatch
// failure leaves the workflow failed on stage zero so Retry can recover it.
func (s *Service) CreateWorkflow(ctx context.Context, workflowType, platformID string, input json.RawMessage) (*workflow.Workflow, error) {
	def, err := s.defs.Definition(ctx, platformID, workflowType)
	if err != nil {
		return nil, fmt.Errorf("resolve definition: %w", err)
	}
	first := def.First()

	wf := workflow.New(workflowType, platformID, input)
	wf.CurrentStage = first.Name
	if err := s.workflows.Create(ctx, wf); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}

	s.publishEvent(workflow.SubjectCreated, workflow.CreatedEvent{
		WorkflowID: wf.ID,
		Type:       wf.Type,
		PlatformID: wf.PlatformID,
		TraceID:    wf.TraceID,
	})
	workflowsCreated.WithLabelValues(workflowType).Inc()
	s.logger.Info("Workflow created",
		"workflow_id", wf.ID,
		"type", wf.Type,
		"platform_id", wf.PlatformID,
		"first_stage", first.Name,
		"fallback_definition", def.IsFallback,
		"trace_id", wf.TraceID)

	if _, derr := s.dispatcher.Dispatch(ctx, wf, first.Name); derr != nil {
		s.failWorkflow(ctx, wf, first.Name, fmt.Sprintf("dispatch failed: %v", derr))
		return wf, fmt.Errorf("dispatch first stage: %w", derr)
	}

	// The first result may land before this write; the machine then starts
	// the workflow itself and the status here is already past initiated.
	started, err := s.updateWorkflow(ctx, wf.ID, func(w *workflow.Workflow) error {
		if w.Status == workflow.StatusInitiated {
			w.Status = workflow.StatusRunning
			w.UpdatedAt = time.Now().UTC()
		}
		return nil
	})
	if err != nil {
		return wf, fmt.Errorf("start workflow: %w", err)
	}
	return started, nil
}

// Get returns a workflow snapshot.
func (s *Service) Get(ctx context.Context, id string) (*workflow.Workflow, error) {
	return s.workflows.FindByID(ctx, id)
}

// Cancel moves a workflow to cancelled. Exactly one caller wins the terminal
// write; concurrent cancels of an already-terminal workflow get ErrTerminal.
func (s *Service) Cancel(ctx context.Context, id string) (*workflow.Workflow, error) {
	wf, err := s.updateWorkflow(ctx, id, func(w *workflow.Workflow) error {
		if w.Status.IsTerminal() {
			return fmt.Errorf("cancel %s: %w", w.Status, ErrTerminal)
		}
		now := time.Now().UTC()
		w.Status = workflow.StatusCancelled
		w.UpdatedAt = now
		w.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.abandonActiveTask(ctx, wf, "workflow cancelled")
	s.publishTransition(workflow.TransitionEvent{
		WorkflowID: wf.ID,
		FromStage:  wf.CurrentStage,
		Status:     wf.Status,
		Progress:   wf.Progress,
		TraceID:    wf.TraceID,
	})
	s.logger.Info("Workflow cancelled", "workflow_id", wf.ID, "stage", wf.CurrentStage)
	return wf, nil
}

// Retry moves a failed workflow back to running and re-dispatches the stage
// it failed on. Any other status is rejected.
func (s *Service) Retry(ctx context.Context, id string) (*workflow.Workflow, error) {
	wf, err := s.updateWorkflow(ctx, id, func(w *workflow.Workflow) error {
		if w.Status != workflow.StatusFailed {
			return fmt.Errorf("retry from %s: %w", w.Status, ErrInvalidTransition)
		}
		w.Status = workflow.StatusRunning
		w.FailureStage = ""
		w.FailureReason = ""
		w.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishTransition(workflow.TransitionEvent{
		WorkflowID: wf.ID,
		ToStage:    wf.CurrentStage,
		Status:     wf.Status,
		Progress:   wf.Progress,
		TraceID:    wf.TraceID,
	})
	s.logger.Info("Workflow retrying", "workflow_id", wf.ID, "stage", wf.CurrentStage)

	if _, derr := s.dispatcher.Dispatch(ctx, wf, wf.CurrentStage); derr != nil {
		s.failWorkflow(ctx, wf, wf.CurrentStage, fmt.Sprintf("dispatch failed: %v", derr))
		return wf, fmt.Errorf("re-dispatch stage %s: %w", wf.CurrentStage, derr)
	}
	return wf, nil
}

// Pause suspends progression of a running workflow. In-flight results are
// still applied; the next stage is not dispatched until Resume.
func (s *Service) Pause(ctx context.Context, id string) (*workflow.Workflow, error) {
	wf, err := s.updateWorkflow(ctx, id, func(w *workflow.Workflow) error {
		if w.Status != workflow.StatusRunning {
			return fmt.Errorf("pause from %s: %w", w.Status, ErrInvalidTransition)
		}
		w.Status = workflow.StatusPaused
		w.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishTransition(workflow.TransitionEvent{
		WorkflowID: wf.ID,
		ToStage:    wf.CurrentStage,
		Status:     wf.Status,
		Progress:   wf.Progress,
		TraceID:    wf.TraceID,
	})
	s.logger.Info("Workflow paused", "workflow_id", wf.ID, "stage", wf.CurrentStage)
	return wf, nil
}

// Resume moves a paused workflow back to running and ensures its current
// stage is dispatched, covering transitions that were applied while paused.
func (s *Service) Resume(ctx context.Context, id string) (*workflow.Workflow, error) {
	wf, err := s.updateWorkflow(ctx, id, func(w *workflow.Workflow) error {
		if w.Status != workflow.StatusPaused {
			return fmt.Errorf("resume from %s: %w", w.Status, ErrInvalidTransition)
		}
		w.Status = workflow.StatusRunning
		w.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishTransition(workflow.TransitionEvent{
		WorkflowID: wf.ID,
		ToStage:    wf.CurrentStage,
		Status:     wf.Status,
		Progress:   wf.Progress,
		TraceID:    wf.TraceID,
	})
	s.logger.Info("Workflow resumed", "workflow_id", wf.ID, "stage", wf.CurrentStage)

	if _, derr := s.dispatcher.Dispatch(ctx, wf, wf.CurrentStage); derr != nil {
		return wf, fmt.Errorf("dispatch stage %s: %w", wf.CurrentStage, derr)
	}
	return wf, nil
}

// updateWorkflow applies mutate under a bounded read-mutate-CAS cycle,
// reloading on conflict.
func (s *Service) updateWorkflow(ctx context.Context, id string, mutate func(*workflow.Workflow) error) (*workflow.Workflow, error) {
	var lastErr error
	for attempt := 0; attempt < s.config.TransitionRetries; attempt++ {
		wf, err := s.workflows.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(wf); err != nil {
			return nil, err
		}

		if wf.Status.IsTerminal() {
			err = s.workflows.MarkTerminal(ctx, wf)
		} else {
			err = s.workflows.CompareAndSwapStage(ctx, wf)
		}
		if err == nil {
			return wf, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("update workflow %s: %w", id, lastErr)
}

// failWorkflow marks a workflow failed outside the state machine, for
// dispatch failures during control operations. Best effort on conflict.
func (s *Service) failWorkflow(ctx context.Context, wf *workflow.Workflow, stage, reason string) {
	_, err := s.updateWorkflow(ctx, wf.ID, func(w *workflow.Workflow) error {
		if w.Status.IsTerminal() {
			return nil
		}
		w.Status = workflow.StatusFailed
		w.FailureStage = stage
		w.FailureReason = reason
		w.UpdatedAt = time.Now().UTC()
		*wf = *w
		return nil
	})
	if err != nil {
		s.logger.Warn("Failed to record dispatch failure",
			"workflow_id", wf.ID,
			"stage", stage,
			"error", err)
	}
}

// abandonActiveTask fails the live task of the workflow's current stage so it
// no longer accepts results or trips the timeout sweep. Best effort.
func (s *Service) abandonActiveTask(ctx context.Context, wf *workflow.Workflow, reason string) {
	task, err := s.tasks.FindActiveByWorkflowStage(ctx, wf.ID, wf.CurrentStage)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("Failed to look up active task",
				"workflow_id", wf.ID,
				"stage", wf.CurrentStage,
				"error", err)
		}
		return
	}

	task.SetStatus(workflow.TaskStatusFailed)
	task.FailureReason = reason
	if err := s.tasks.Update(ctx, task); err != nil {
		s.logger.Warn("Failed to abandon active task",
			"task_id", task.ID,
			"error", err)
	}
}
