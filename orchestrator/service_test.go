package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/stageflow/bus"
	"github.com/c360studio/stageflow/definition"
	"github.com/c360studio/stageflow/dispatch"
	"github.com/c360studio/stageflow/envelope"
	"github.com/c360studio/stageflow/storage"
	"github.com/c360studio/stageflow/workflow"
)

type publishRecord struct {
	topic string
	env   *envelope.Envelope
}

type recordingPublisher struct {
	mu      sync.Mutex
	records []publishRecord
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, env *envelope.Envelope, _ bus.PublishOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, publishRecord{topic: topic, env: env})
	return nil
}

func (p *recordingPublisher) published() []publishRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishRecord(nil), p.records...)
}

type fixture struct {
	store     *storage.MemoryStore
	publisher *recordingPublisher
	service   *Service
}

func deliveryDefinition(stageTimeout time.Duration) *definition.Definition {
	return &definition.Definition{
		WorkflowType:   "delivery",
		ProgressMethod: definition.ProgressWeighted,
		Stages: []definition.Stage{
			{Name: "init", AgentType: "planner", Weight: 10, Timeout: stageTimeout},
			{Name: "build", AgentType: "builder", Weight: 40, Timeout: stageTimeout},
			{Name: "test", AgentType: "tester", Weight: 50, Timeout: stageTimeout},
		},
	}
}

func newService(t *testing.T, store *storage.MemoryStore, publisher dispatch.Publisher) *Service {
	t.Helper()
	svc, err := New(Deps{
		Workflows:   store.Workflows(),
		Tasks:       store.Tasks(),
		Definitions: definition.NewEngine(store, definition.NewCache(), slog.Default()),
		Publisher:   publisher,
	}, Config{SweepInterval: time.Hour}, slog.Default())
	require.NoError(t, err)
	return svc
}

func newFixture(t *testing.T, stageTimeout time.Duration) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	require.NoError(t, store.PutDefinition(deliveryDefinition(stageTimeout)))

	publisher := &recordingPublisher{}
	return &fixture{store: store, publisher: publisher, service: newService(t, store, publisher)}
}

func TestCreateWorkflowDispatchesFirstStage(t *testing.T) {
	f := newFixture(t, time.Minute)

	wf, err := f.service.CreateWorkflow(context.Background(), "delivery", "", json.RawMessage(`{"repo":"demo"}`))
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, wf.Status)
	assert.Equal(t, "init", wf.CurrentStage)
	assert.Equal(t, 0, wf.Progress)
	assert.NotEmpty(t, wf.TraceID)

	records := f.publisher.published()
	require.Len(t, records, 1)
	assert.Equal(t, bus.TaskLog("planner"), records[0].topic)
	assert.Equal(t, "init", records[0].env.Stage)
	assert.Equal(t, wf.TraceID, records[0].env.TraceID)
}

// statusObservingPublisher records the stored workflow status at the moment
// each envelope is published.
type statusObservingPublisher struct {
	recordingPublisher
	workflows storage.WorkflowRepository
	observed  []workflow.Status
}

func (p *statusObservingPublisher) Publish(ctx context.Context, topic string, env *envelope.Envelope, opts bus.PublishOptions) error {
	if wf, err := p.workflows.FindByID(ctx, env.WorkflowID); err == nil {
		p.observed = append(p.observed, wf.Status)
	}
	return p.recordingPublisher.Publish(ctx, topic, env, opts)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, *envelope.Envelope, bus.PublishOptions) error {
	return assert.AnError
}

func TestCreateWorkflowRunsOnlyAfterFirstDispatch(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.PutDefinition(deliveryDefinition(time.Minute)))
	publisher := &statusObservingPublisher{workflows: store.Workflows()}
	svc := newService(t, store, publisher)

	wf, err := svc.CreateWorkflow(context.Background(), "delivery", "", nil)
	require.NoError(t, err)

	require.Equal(t, []workflow.Status{workflow.StatusInitiated}, publisher.observed,
		"the stored row stays initiated while the first dispatch is in flight")
	assert.Equal(t, workflow.StatusRunning, wf.Status)

	stored, err := store.Workflows().FindByID(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, stored.Status)
}

func TestCreateWorkflowFailedDispatchEndsFailed(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.PutDefinition(deliveryDefinition(time.Minute)))
	svc := newService(t, store, failingPublisher{})

	wf, err := svc.CreateWorkflow(context.Background(), "delivery", "", nil)
	require.Error(t, err)
	require.NotNil(t, wf)

	stored, findErr := store.Workflows().FindByID(context.Background(), wf.ID)
	require.NoError(t, findErr)
	assert.Equal(t, workflow.StatusFailed, stored.Status, "a workflow whose first dispatch failed must be retryable")
	assert.Equal(t, "init", stored.FailureStage)
}

func TestCreateWorkflowUnknownTypeUsesLegacyDefinition(t *testing.T) {
	f := newFixture(t, time.Minute)

	wf, err := f.service.CreateWorkflow(context.Background(), "app", "unknown-platform", nil)
	require.NoError(t, err)
	assert.Equal(t, "plan", wf.CurrentStage, "legacy app definition starts at plan")

	records := f.publisher.published()
	require.Len(t, records, 1)
	assert.Equal(t, bus.TaskLog("planner"), records[0].topic)
}

func TestCancelIsTerminalOnce(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	wf, err := f.service.CreateWorkflow(ctx, "delivery", "", nil)
	require.NoError(t, err)

	cancelled, err := f.service.Cancel(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)

	_, err = f.service.Cancel(ctx, wf.ID)
	require.ErrorIs(t, err, ErrTerminal)

	// The live task no longer accepts results or trips the sweep.
	_, err = f.store.Tasks().FindActiveByWorkflowStage(ctx, wf.ID, "init")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRetryRedispatchesFailedStage(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	wf, err := f.service.CreateWorkflow(ctx, "delivery", "", nil)
	require.NoError(t, err)

	// Agent reports failure; the dispatched task and workflow fail.
	task, err := f.store.Tasks().FindActiveByWorkflowStage(ctx, wf.ID, "init")
	require.NoError(t, err)
	task.SetStatus(workflow.TaskStatusFailed)
	require.NoError(t, f.store.Tasks().Update(ctx, task))

	failed, err := f.service.updateWorkflow(ctx, wf.ID, func(w *workflow.Workflow) error {
		w.Status = workflow.StatusFailed
		w.FailureStage = "init"
		w.FailureReason = "planner crashed"
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, workflow.StatusFailed, failed.Status)

	retried, err := f.service.Retry(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, retried.Status)
	assert.Empty(t, retried.FailureStage)
	assert.Empty(t, retried.FailureReason)
	assert.Equal(t, "init", retried.CurrentStage)

	records := f.publisher.published()
	require.Len(t, records, 2, "create publish plus retry publish")
	assert.Equal(t, "init", records[1].env.Stage)
}

func TestRetryRejectsNonFailedWorkflow(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	wf, err := f.service.CreateWorkflow(ctx, "delivery", "", nil)
	require.NoError(t, err)

	_, err = f.service.Retry(ctx, wf.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	wf, err := f.service.CreateWorkflow(ctx, "delivery", "", nil)
	require.NoError(t, err)

	paused, err := f.service.Pause(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPaused, paused.Status)

	_, err = f.service.Pause(ctx, wf.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	resumed, err := f.service.Resume(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, resumed.Status)

	// The stage task was still live across pause/resume, so resume must
	// not publish a second assignment.
	require.Len(t, f.publisher.published(), 1)
}

func TestSweepFailsOverdueTask(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	ctx := context.Background()

	wf, err := f.service.CreateWorkflow(ctx, "delivery", "", nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	f.service.sweepOnce(ctx)

	gotWf, err := f.store.Workflows().FindByID(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusFailed, gotWf.Status)
	assert.Equal(t, "init", gotWf.FailureStage)
	assert.Equal(t, timeoutReason, gotWf.FailureReason)

	tasks, err := f.store.Tasks().ListByStatus(ctx, workflow.TaskStatusFailed)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, timeoutReason, tasks[0].FailureReason)
}

func TestSweepIgnoresTasksWithinTimeout(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	wf, err := f.service.CreateWorkflow(ctx, "delivery", "", nil)
	require.NoError(t, err)

	f.service.sweepOnce(ctx)

	gotWf, err := f.store.Workflows().FindByID(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, gotWf.Status)
}
