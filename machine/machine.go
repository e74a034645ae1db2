// Package machine implements the authoritative stage-transition logic. All
// workflow mutation flows through OnStageComplete, and every write is a
// compare-and-swap against the revision the transition was computed from, so
// a stale in-memory view can never skip stages: the losing writer re-reads
// and recomputes, bounded, then escalates to dead-letter.
package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/stageflow/bus"
	"github.com/c360studio/stageflow/definition"
	"github.com/c360studio/stageflow/envelope"
	"github.com/c360studio/stageflow/storage"
	"github.com/c360studio/stageflow/workflow"
)

// Dispatcher publishes the next stage's task after a transition.
type Dispatcher interface {
	Dispatch(ctx context.Context, wf *workflow.Workflow, stage string) (*workflow.Task, error)
}

// EventSink receives transition events. Implementations must not block; the
// orchestrator publishes them fire-and-forget.
type EventSink func(ev workflow.TransitionEvent)

// Machine computes and persists workflow stage transitions.
type Machine struct {
	defs       *definition.Engine
	workflows  storage.WorkflowRepository
	dispatcher Dispatcher
	events     EventSink
	maxRetries int
	logger     *slog.Logger
}

// New creates a state machine. maxRetries bounds the CAS
// read-transition-write retry cycle; values below 1 get a default of 3.
func New(defs *definition.Engine, workflows storage.WorkflowRepository, dispatcher Dispatcher, events EventSink, maxRetries int, logger *slog.Logger) *Machine {
	if maxRetries < 1 {
		maxRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		defs:       defs,
		workflows:  workflows,
		dispatcher: dispatcher,
		events:     events,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// OnStageComplete applies a validated stage completion to a workflow.
//
// Success advances current_stage and progress as one CAS-guarded pair and
// dispatches the next stage, or marks the workflow completed at the final
// stage. Failure marks the workflow failed, recording the failing stage and
// reason; no further stage is dispatched until an explicit retry.
//
// The function is idempotent: results for terminal workflows and stages that
// already progressed are discarded with a logged anomaly, never an error.
func (m *Machine) OnStageComplete(ctx context.Context, workflowID, stage string, status envelope.ResultStatus, payload envelope.Payload) error {
	var lastErr error
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		err := m.applyOnce(ctx, workflowID, stage, status, payload)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return err
		}
		lastErr = err
		transitionConflicts.Inc()
		m.logger.Warn("Transition lost CAS race, retrying",
			"workflow_id", workflowID,
			"stage", stage,
			"attempt", attempt+1)
	}
	return bus.Permanent(fmt.Errorf("transition conflict for workflow %s stage %s after %d attempts: %w",
		workflowID, stage, m.maxRetries, lastErr))
}

func (m *Machine) applyOnce(ctx context.Context, workflowID, stage string, status envelope.ResultStatus, payload envelope.Payload) error {
	wf, err := m.workflows.FindByID(ctx, workflowID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return bus.Permanent(fmt.Errorf("result references unknown workflow: %w", err))
		}
		return fmt.Errorf("load workflow: %w", err)
	}

	if wf.Status.IsTerminal() {
		// The workflow finished (or was cancelled) while the agent was
		// still working. Discard, don't error.
		m.logger.Info("Discarding result for terminal workflow",
			"workflow_id", wf.ID,
			"status", wf.Status,
			"stage", stage,
			"trace_id", wf.TraceID)
		discardedResults.WithLabelValues("terminal_workflow").Inc()
		return nil
	}

	if wf.CurrentStage != stage {
		if wf.HasStageOutput(stage) {
			// A later delivery of an already-applied result. Make sure
			// the current stage is still in flight before discarding;
			// Dispatch reuses live tasks so this never double-assigns.
			m.logger.Info("Discarding duplicate result for progressed stage",
				"workflow_id", wf.ID,
				"stage", stage,
				"current_stage", wf.CurrentStage)
			discardedResults.WithLabelValues("already_applied").Inc()
			if wf.Status == workflow.StatusRunning {
				if _, err := m.dispatcher.Dispatch(ctx, wf, wf.CurrentStage); err != nil {
					return fmt.Errorf("ensure current stage dispatched: %w", err)
				}
			}
			return nil
		}
		return bus.Permanent(fmt.Errorf("result stage %q does not match current stage %q of workflow %s",
			stage, wf.CurrentStage, wf.ID))
	}

	if wf.Status == workflow.StatusInitiated {
		// A valid result proves the first dispatch happened; the creation
		// call has not recorded running yet. Normalize so the transition
		// below starts from running, persisted with the rest of the write.
		wf.Status = workflow.StatusRunning
	}

	if status == envelope.StatusFailure {
		return m.applyFailure(ctx, wf, stage, payload)
	}
	return m.applySuccess(ctx, wf, stage, payload)
}

// transition moves the workflow to target, enforcing the status table at the
// write boundary. A violation is a bug upstream, surfaced as dead-letter
// rather than a silently illegal row.
func transition(wf *workflow.Workflow, target workflow.Status) error {
	if !wf.Status.CanTransitionTo(target) {
		return bus.Permanent(fmt.Errorf("workflow %s cannot move from %s to %s", wf.ID, wf.Status, target))
	}
	wf.Status = target
	return nil
}

func (m *Machine) applySuccess(ctx context.Context, wf *workflow.Workflow, stage string, payload envelope.Payload) error {
	def, err := m.defs.Definition(ctx, wf.PlatformID, wf.Type)
	if err != nil {
		return fmt.Errorf("resolve definition: %w", err)
	}

	next, err := definition.NextStage(def, stage)
	if err != nil {
		return bus.Permanent(err)
	}

	wf.AppendStageOutput(stage, payload.Output)
	now := time.Now().UTC()
	wf.UpdatedAt = now

	if next.Terminal {
		if err := transition(wf, workflow.StatusCompleted); err != nil {
			return err
		}
		wf.Progress = 100
		wf.CompletedAt = &now
		if err := m.workflows.MarkTerminal(ctx, wf); err != nil {
			return err
		}
		m.emit(workflow.TransitionEvent{
			WorkflowID: wf.ID,
			FromStage:  stage,
			Status:     wf.Status,
			Progress:   wf.Progress,
			TraceID:    wf.TraceID,
		})
		transitionsTotal.WithLabelValues(string(workflow.StatusCompleted)).Inc()
		m.logger.Info("Workflow completed",
			"workflow_id", wf.ID,
			"final_stage", stage,
			"trace_id", wf.TraceID)
		return nil
	}

	wf.CurrentStage = next.Stage
	if p := definition.Progress(def, next.Index-1); p > wf.Progress {
		wf.Progress = p
	}
	paused := wf.Status == workflow.StatusPaused

	if err := m.workflows.CompareAndSwapStage(ctx, wf); err != nil {
		return err
	}

	m.emit(workflow.TransitionEvent{
		WorkflowID: wf.ID,
		FromStage:  stage,
		ToStage:    next.Stage,
		Status:     wf.Status,
		Progress:   wf.Progress,
		TraceID:    wf.TraceID,
	})
	transitionsTotal.WithLabelValues("advanced").Inc()
	m.logger.Info("Workflow advanced",
		"workflow_id", wf.ID,
		"from_stage", stage,
		"to_stage", next.Stage,
		"progress", wf.Progress,
		"trace_id", wf.TraceID)

	if paused {
		// Resume dispatches the current stage when the operator is ready.
		m.logger.Info("Workflow paused, deferring next dispatch",
			"workflow_id", wf.ID,
			"stage", next.Stage)
		return nil
	}

	if _, err := m.dispatcher.Dispatch(ctx, wf, next.Stage); err != nil {
		// The transition is durable; redelivery re-enters through the
		// progressed-stage path and re-ensures the dispatch.
		return fmt.Errorf("dispatch next stage: %w", err)
	}
	return nil
}

func (m *Machine) applyFailure(ctx context.Context, wf *workflow.Workflow, stage string, payload envelope.Payload) error {
	reason := payload.Error
	if reason == "" {
		reason = "stage failed"
	}

	if err := transition(wf, workflow.StatusFailed); err != nil {
		return err
	}
	wf.FailureStage = stage
	wf.FailureReason = reason
	wf.UpdatedAt = time.Now().UTC()

	if err := m.workflows.MarkTerminal(ctx, wf); err != nil {
		return err
	}

	m.emit(workflow.TransitionEvent{
		WorkflowID: wf.ID,
		FromStage:  stage,
		ToStage:    stage,
		Status:     wf.Status,
		Progress:   wf.Progress,
		TraceID:    wf.TraceID,
	})
	transitionsTotal.WithLabelValues(string(workflow.StatusFailed)).Inc()
	m.logger.Warn("Workflow failed",
		"workflow_id", wf.ID,
		"stage", stage,
		"reason", reason,
		"trace_id", wf.TraceID)
	return nil
}

func (m *Machine) emit(ev workflow.TransitionEvent) {
	if m.events != nil {
		m.events(ev)
	}
}
