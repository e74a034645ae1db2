// Package results consumes the durable results log as one member of the
// orchestrator consumer group and feeds validated stage completions into the
// state machine. The handler is the only writer of task terminal states;
// dedup lives here so every downstream transition sees each result once.
package results

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/stageflow/bus"
	"github.com/c360studio/stageflow/envelope"
	"github.com/c360studio/stageflow/storage"
	"github.com/c360studio/stageflow/workflow"
)

// Transitioner applies a stage completion to its workflow.
type Transitioner interface {
	OnStageComplete(ctx context.Context, workflowID, stage string, status envelope.ResultStatus, payload envelope.Payload) error
}

// Config controls the result handler.
type Config struct {
	// ConsumerID identifies this group member in logs. Defaults to a
	// generated id.
	ConsumerID string

	// DedupSize bounds the recently-seen event id set. Defaults to 4096.
	DedupSize int
}

// Handler consumes the results log and drives workflow transitions.
type Handler struct {
	gateway *bus.Gateway
	tasks   storage.TaskRepository
	machine Transitioner
	config  Config
	logger  *slog.Logger

	seen *dedupSet

	// Lifecycle management
	mu         sync.Mutex
	running    bool
	startTime  time.Time
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// New creates a result handler.
func New(gateway *bus.Gateway, tasks storage.TaskRepository, machine Transitioner, config Config, logger *slog.Logger) *Handler {
	if config.ConsumerID == "" {
		config.ConsumerID = "results-" + uuid.New().String()[:8]
	}
	if config.DedupSize <= 0 {
		config.DedupSize = 4096
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		gateway: gateway,
		tasks:   tasks,
		machine: machine,
		config:  config,
		logger:  logger,
		seen:    newDedupSet(config.DedupSize),
	}
}

// Start ensures the results log and consumer group exist, then begins the
// blocking consume loop in a background goroutine.
func (h *Handler) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("result handler already running")
	}

	if err := h.gateway.EnsureLog(ctx, bus.ResultsLog); err != nil {
		h.mu.Unlock()
		return err
	}
	if err := h.gateway.EnsureConsumerGroup(ctx, bus.ResultsLog, bus.ResultsConsumerGroup); err != nil {
		h.mu.Unlock()
		return err
	}

	consumeCtx, cancel := context.WithCancel(ctx)
	h.cancelFunc = cancel
	h.running = true
	h.startTime = time.Now()
	h.done = make(chan struct{})
	h.mu.Unlock()

	h.logger.Info("Result handler started",
		"log", bus.ResultsLog,
		"group", bus.ResultsConsumerGroup,
		"consumer_id", h.config.ConsumerID)

	go func() {
		defer close(h.done)
		if err := h.gateway.ConsumeLog(consumeCtx, bus.ResultsLog, bus.ResultsConsumerGroup, h.config.ConsumerID, h.HandleResult); err != nil {
			h.logger.Error("Result consume loop exited", "error", err)
		}
	}()

	return nil
}

// Stop cancels the consume loop and waits for it to drain.
func (h *Handler) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	cancel := h.cancelFunc
	done := h.done
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	h.logger.Info("Result handler stopped")
	return nil
}

// HandleResult processes one validated envelope from the results log. Exposed
// so the consume loop and tests share the exact same path.
//
// Every step is idempotent: the event id dedup set discards recent
// duplicates cheaply, and redeliveries that already updated the task re-enter
// the state machine, which discards already-applied transitions itself. The
// event id is marked seen only after the full task update plus transition
// succeeded, so a crash mid-way is always resumed by redelivery.
func (h *Handler) HandleResult(ctx context.Context, env *envelope.Envelope) error {
	if env.Kind != envelope.KindResult {
		return bus.Permanent(fmt.Errorf("results log carried a %s envelope (event %s)", env.Kind, env.EventID))
	}

	log := h.logger.With(
		"event_id", env.EventID,
		"workflow_id", env.WorkflowID,
		"task_id", env.TaskID,
		"stage", env.Stage,
		"trace_id", env.TraceID)

	if h.seen.Contains(env.EventID) {
		log.Info("Discarding duplicate result delivery")
		duplicatesTotal.Inc()
		return nil
	}

	task, err := h.tasks.FindByID(ctx, env.TaskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return bus.Permanent(fmt.Errorf("result references unknown task %s: %w", env.TaskID, err))
		}
		return fmt.Errorf("load task %s: %w", env.TaskID, err)
	}

	if task.Status == workflow.TaskStatusPending {
		// Only dispatched tasks may complete. A result for a pending task
		// means an agent answered an envelope whose dispatch was rolled
		// back; the row stays pending for the re-dispatch.
		rejectedTotal.Inc()
		return bus.Permanent(fmt.Errorf("result for task %s that was never dispatched", task.ID))
	}

	if !task.Status.IsTerminal() {
		if err := h.completeTask(ctx, task, env); err != nil {
			return err
		}
	} else {
		// Redelivery after a crash between the task update and the
		// transition. Fall through; the machine resumes or discards.
		log.Info("Task already terminal, resuming transition", "task_status", task.Status)
	}

	if err := h.machine.OnStageComplete(ctx, env.WorkflowID, env.Stage, env.Status, env.Payload); err != nil {
		return err
	}

	h.seen.Add(env.EventID)
	resultsTotal.WithLabelValues(string(env.Status)).Inc()
	log.Info("Result applied", "status", env.Status)
	return nil
}

func (h *Handler) completeTask(ctx context.Context, task *workflow.Task, env *envelope.Envelope) error {
	switch env.Status {
	case envelope.StatusSuccess:
		task.SetStatus(workflow.TaskStatusCompleted)
	case envelope.StatusFailure:
		task.SetStatus(workflow.TaskStatusFailed)
		task.FailureReason = env.Payload.Error
	default:
		return bus.Permanent(fmt.Errorf("unrecognized result status %q for task %s", env.Status, task.ID))
	}

	if err := h.tasks.Update(ctx, task); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Another member updated the task concurrently. Redelivery
			// re-reads it and takes the terminal branch.
			return fmt.Errorf("task %s changed concurrently: %w", task.ID, err)
		}
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	return nil
}
