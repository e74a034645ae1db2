package results

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/stageflow/bus"
	"github.com/c360studio/stageflow/definition"
	"github.com/c360studio/stageflow/envelope"
	"github.com/c360studio/stageflow/machine"
	"github.com/c360studio/stageflow/storage"
	"github.com/c360studio/stageflow/workflow"
)

type noopDispatcher struct {
	mu     sync.Mutex
	stages []string
}

func (d *noopDispatcher) Dispatch(_ context.Context, wf *workflow.Workflow, stage string) (*workflow.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stages = append(d.stages, stage)
	return workflow.NewTask(wf.ID, stage, "test-agent", time.Minute), nil
}

type fixture struct {
	store   *storage.MemoryStore
	handler *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	require.NoError(t, store.PutDefinition(&definition.Definition{
		WorkflowType:   "delivery",
		ProgressMethod: definition.ProgressWeighted,
		Stages: []definition.Stage{
			{Name: "init", AgentType: "planner", Weight: 10, Timeout: time.Minute},
			{Name: "build", AgentType: "builder", Weight: 40, Timeout: time.Minute},
			{Name: "test", AgentType: "tester", Weight: 50, Timeout: time.Minute},
		},
	}))

	engine := definition.NewEngine(store, definition.NewCache(), slog.Default())
	m := machine.New(engine, store.Workflows(), &noopDispatcher{}, nil, 3, slog.Default())
	h := New(nil, store.Tasks(), m, Config{DedupSize: 16}, slog.Default())
	return &fixture{store: store, handler: h}
}

// seed creates a running workflow on its first stage with a dispatched task.
func (f *fixture) seed(t *testing.T) (*workflow.Workflow, *workflow.Task) {
	t.Helper()
	ctx := context.Background()

	wf := workflow.New("delivery", "", json.RawMessage(`{"repo":"demo"}`))
	wf.Status = workflow.StatusRunning
	wf.CurrentStage = "init"
	require.NoError(t, f.store.Workflows().Create(ctx, wf))

	task := workflow.NewTask(wf.ID, "init", "planner", time.Minute)
	task.SetStatus(workflow.TaskStatusDispatched)
	require.NoError(t, f.store.Tasks().Create(ctx, task))
	return wf, task
}

func (f *fixture) workflowByID(t *testing.T, id string) *workflow.Workflow {
	t.Helper()
	wf, err := f.store.Workflows().FindByID(context.Background(), id)
	require.NoError(t, err)
	return wf
}

func (f *fixture) taskByID(t *testing.T, id string) *workflow.Task {
	t.Helper()
	task, err := f.store.Tasks().FindByID(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestHandleResultAppliesSuccess(t *testing.T) {
	f := newFixture(t)
	wf, task := f.seed(t)

	env := envelope.NewResult(wf.ID, task.ID, "init", "planner", wf.TraceID,
		envelope.StatusSuccess, envelope.Payload{Output: json.RawMessage(`{"plan":"ok"}`)})
	require.NoError(t, f.handler.HandleResult(context.Background(), env))

	gotTask := f.taskByID(t, task.ID)
	assert.Equal(t, workflow.TaskStatusCompleted, gotTask.Status)
	require.NotNil(t, gotTask.CompletedAt)

	gotWf := f.workflowByID(t, wf.ID)
	assert.Equal(t, "build", gotWf.CurrentStage)
	assert.Equal(t, 10, gotWf.Progress)
}

func TestHandleResultFailureMarksTaskAndWorkflow(t *testing.T) {
	f := newFixture(t)
	wf, task := f.seed(t)

	env := envelope.NewResult(wf.ID, task.ID, "init", "planner", wf.TraceID,
		envelope.StatusFailure, envelope.Payload{Error: "compile error"})
	require.NoError(t, f.handler.HandleResult(context.Background(), env))

	gotTask := f.taskByID(t, task.ID)
	assert.Equal(t, workflow.TaskStatusFailed, gotTask.Status)
	assert.Equal(t, "compile error", gotTask.FailureReason)

	gotWf := f.workflowByID(t, wf.ID)
	assert.Equal(t, workflow.StatusFailed, gotWf.Status)
	assert.Equal(t, "init", gotWf.FailureStage)
	assert.Equal(t, "compile error", gotWf.FailureReason)
}

func TestHandleResultDuplicateDeliveryAppliedOnce(t *testing.T) {
	f := newFixture(t)
	wf, task := f.seed(t)

	env := envelope.NewResult(wf.ID, task.ID, "init", "planner", wf.TraceID,
		envelope.StatusSuccess, envelope.Payload{Output: json.RawMessage(`{"plan":"ok"}`)})

	require.NoError(t, f.handler.HandleResult(context.Background(), env))
	require.NoError(t, f.handler.HandleResult(context.Background(), env))

	gotWf := f.workflowByID(t, wf.ID)
	assert.Equal(t, "build", gotWf.CurrentStage)
	require.Len(t, gotWf.StageOutputs, 1, "same event id must transition exactly once")

	gotTask := f.taskByID(t, task.ID)
	require.Len(t, gotTask.StatusChanges, 2, "pending→dispatched→completed, nothing more")
}

func TestHandleResultResumesAfterPartialApply(t *testing.T) {
	f := newFixture(t)
	wf, task := f.seed(t)
	ctx := context.Background()

	// Simulate a crash after the task update but before the workflow
	// transition: task terminal, workflow untouched, dedup set empty.
	task.SetStatus(workflow.TaskStatusCompleted)
	require.NoError(t, f.store.Tasks().Update(ctx, task))

	env := envelope.NewResult(wf.ID, task.ID, "init", "planner", wf.TraceID,
		envelope.StatusSuccess, envelope.Payload{Output: json.RawMessage(`{"plan":"ok"}`)})
	require.NoError(t, f.handler.HandleResult(ctx, env))

	gotWf := f.workflowByID(t, wf.ID)
	assert.Equal(t, "build", gotWf.CurrentStage, "redelivery must finish the transition")
}

func TestHandleResultPendingTaskIsPermanent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wf := workflow.New("delivery", "", nil)
	wf.Status = workflow.StatusRunning
	wf.CurrentStage = "init"
	require.NoError(t, f.store.Workflows().Create(ctx, wf))

	// A rolled-back dispatch leaves the task pending; an agent may still
	// have received the broadcast copy and answered it.
	task := workflow.NewTask(wf.ID, "init", "planner", time.Minute)
	require.NoError(t, f.store.Tasks().Create(ctx, task))

	env := envelope.NewResult(wf.ID, task.ID, "init", "planner", wf.TraceID,
		envelope.StatusSuccess, envelope.Payload{Output: json.RawMessage(`{"plan":"ok"}`)})
	err := f.handler.HandleResult(ctx, env)
	require.Error(t, err)
	assert.True(t, bus.IsPermanent(err))

	gotTask := f.taskByID(t, task.ID)
	assert.Equal(t, workflow.TaskStatusPending, gotTask.Status, "rejected result must not touch the task")

	gotWf := f.workflowByID(t, wf.ID)
	assert.Equal(t, "init", gotWf.CurrentStage, "rejected result must not transition the workflow")
	assert.Empty(t, gotWf.StageOutputs)
}

func TestHandleResultUnknownTaskIsPermanent(t *testing.T) {
	f := newFixture(t)
	wf, _ := f.seed(t)

	env := envelope.NewResult(wf.ID, "no-such-task", "init", "planner", wf.TraceID,
		envelope.StatusSuccess, envelope.Payload{})
	err := f.handler.HandleResult(context.Background(), env)
	require.Error(t, err)
	assert.True(t, bus.IsPermanent(err))
}

func TestHandleResultRejectsTaskEnvelope(t *testing.T) {
	f := newFixture(t)
	wf, task := f.seed(t)

	env := envelope.NewTask(wf.ID, task.ID, "init", "planner", wf.TraceID,
		envelope.Payload{Instructions: "do the thing"})
	err := f.handler.HandleResult(context.Background(), env)
	require.Error(t, err)
	assert.True(t, bus.IsPermanent(err))
}

func TestDedupSetEvictsOldest(t *testing.T) {
	s := newDedupSet(3)
	for i := 0; i < 5; i++ {
		s.Add(fmt.Sprintf("ev-%d", i))
	}

	assert.Equal(t, 3, s.Len())
	assert.False(t, s.Contains("ev-0"))
	assert.False(t, s.Contains("ev-1"))
	assert.True(t, s.Contains("ev-2"))
	assert.True(t, s.Contains("ev-4"))
}
