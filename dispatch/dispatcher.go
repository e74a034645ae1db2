// Package dispatch constructs and publishes task envelopes for workflow
// stages. Dispatch is idempotent per (workflow, stage): an existing live task
// is reused instead of creating a second one, so retries and concurrent
// callers can never double-assign a stage.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c360studio/stageflow/bus"
	"github.com/c360studio/stageflow/definition"
	"github.com/c360studio/stageflow/envelope"
	"github.com/c360studio/stageflow/storage"
	"github.com/c360studio/stageflow/workflow"
)

// Publisher is the bus surface the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, env *envelope.Envelope, opts bus.PublishOptions) error
}

// Dispatcher publishes stage tasks to agent-type topics.
type Dispatcher struct {
	defs   *definition.Engine
	tasks  storage.TaskRepository
	pub    Publisher
	logger *slog.Logger
}

// New creates a dispatcher.
func New(defs *definition.Engine, tasks storage.TaskRepository, pub Publisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{defs: defs, tasks: tasks, pub: pub, logger: logger}
}

// Dispatch ensures a live task exists for (workflow, stage) and that its
// envelope has been published to the stage's agent-type log.
//
// An existing dispatched task is returned as-is with no second publish. An
// existing pending task (a previous publish failed mid-way) is re-published
// without creating a new row. Otherwise a fresh task is created, marked
// dispatched, and published with the durable-log mirror set, producing
// exactly one publish for the invocation.
func (d *Dispatcher) Dispatch(ctx context.Context, wf *workflow.Workflow, stage string) (*workflow.Task, error) {
	def, err := d.defs.Definition(ctx, wf.PlatformID, wf.Type)
	if err != nil {
		return nil, fmt.Errorf("resolve definition: %w", err)
	}
	stageDesc, _, err := def.StageByName(stage)
	if err != nil {
		return nil, err
	}

	task, fresh, err := d.ensureTask(ctx, wf, stageDesc)
	if err != nil {
		return nil, err
	}
	if !fresh && task.Status == workflow.TaskStatusDispatched {
		d.logger.Info("Reusing live task, skipping publish",
			"workflow_id", wf.ID,
			"stage", stage,
			"task_id", task.ID)
		return task, nil
	}

	env := envelope.NewTask(wf.ID, task.ID, stage, stageDesc.AgentType, wf.TraceID, envelope.Payload{
		Instructions: instructions(wf, stageDesc),
		StageOutputs: outputHistory(wf),
	})

	// The pending-to-dispatched update is the publish gate: its revision
	// guard lets exactly one dispatcher claim the task, so a concurrent
	// caller that loses the swap backs off without a second publish.
	task.SetStatus(workflow.TaskStatusDispatched)
	if err := d.tasks.Update(ctx, task); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			current, ferr := d.tasks.FindByID(ctx, task.ID)
			if ferr == nil && current.Status == workflow.TaskStatusDispatched {
				d.logger.Info("Task claimed by concurrent dispatch, skipping publish",
					"workflow_id", wf.ID,
					"stage", stage,
					"task_id", task.ID)
				return current, nil
			}
		}
		return nil, fmt.Errorf("mark task dispatched: %w", err)
	}

	topic := bus.TaskLog(stageDesc.AgentType)
	if err := d.pub.Publish(ctx, topic, env, bus.PublishOptions{MirrorToLog: topic}); err != nil {
		// Roll the task back to pending so the next dispatch attempt
		// re-publishes instead of treating it as in flight.
		task.SetStatus(workflow.TaskStatusPending)
		if uerr := d.tasks.Update(ctx, task); uerr != nil {
			d.logger.Warn("Failed to roll back task after publish failure",
				"task_id", task.ID,
				"error", uerr)
		}
		return nil, fmt.Errorf("publish task: %w", err)
	}

	tasksDispatched.WithLabelValues(stageDesc.AgentType).Inc()
	d.logger.Info("Dispatched stage task",
		"workflow_id", wf.ID,
		"stage", stage,
		"task_id", task.ID,
		"agent_type", stageDesc.AgentType,
		"event_id", env.EventID,
		"trace_id", wf.TraceID)

	return task, nil
}

// ensureTask returns the live task for (workflow, stage), creating one when
// none exists. fresh reports whether the task was created by this call.
func (d *Dispatcher) ensureTask(ctx context.Context, wf *workflow.Workflow, stage definition.Stage) (*workflow.Task, bool, error) {
	existing, err := d.tasks.FindActiveByWorkflowStage(ctx, wf.ID, stage.Name)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("look up live task: %w", err)
	}

	task := workflow.NewTask(wf.ID, stage.Name, stage.AgentType, stage.Timeout)
	if err := d.tasks.Create(ctx, task); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			// Lost a create race; use the winner's task.
			if winner, ferr := d.tasks.FindActiveByWorkflowStage(ctx, wf.ID, stage.Name); ferr == nil {
				return winner, false, nil
			}
		}
		return nil, false, fmt.Errorf("create task: %w", err)
	}
	return task, true, nil
}

func instructions(wf *workflow.Workflow, stage definition.Stage) string {
	base := fmt.Sprintf("Execute stage %q for %s workflow %s.", stage.Name, wf.Type, wf.ID)
	if len(wf.Input) > 0 {
		return base + " Request input: " + string(wf.Input)
	}
	return base
}

func outputHistory(wf *workflow.Workflow) []envelope.StageOutput {
	if len(wf.StageOutputs) == 0 {
		return nil
	}
	history := make([]envelope.StageOutput, 0, len(wf.StageOutputs))
	for _, o := range wf.StageOutputs {
		history = append(history, envelope.StageOutput{
			Stage:      o.Stage,
			Output:     o.Output,
			RecordedAt: o.RecordedAt,
		})
	}
	return history
}
