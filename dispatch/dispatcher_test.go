package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/stageflow/bus"
	"github.com/c360studio/stageflow/definition"
	"github.com/c360studio/stageflow/envelope"
	"github.com/c360studio/stageflow/storage"
	"github.com/c360studio/stageflow/workflow"
)

// recordingPublisher captures publishes; fail makes every publish error.
type recordingPublisher struct {
	mu        sync.Mutex
	published []publishCall
	fail      bool
}

type publishCall struct {
	topic string
	env   *envelope.Envelope
	opts  bus.PublishOptions
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, env *envelope.Envelope, opts bus.PublishOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return assert.AnError
	}
	p.published = append(p.published, publishCall{topic: topic, env: env, opts: opts})
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *storage.MemoryStore, *recordingPublisher) {
	t.Helper()
	store := storage.NewMemoryStore()
	pub := &recordingPublisher{}
	engine := definition.NewEngine(store.Definitions(), nil, nil)
	return New(engine, store.Tasks(), pub, nil), store, pub
}

func runningWorkflow(stage string) *workflow.Workflow {
	wf := workflow.New("app", "", json.RawMessage(`{"name":"demo"}`))
	wf.Status = workflow.StatusRunning
	wf.CurrentStage = stage
	return wf
}

// blindTasks hides the live task from the next n active lookups, putting the
// caller in the position of a concurrent dispatcher that passed its existence
// check before the winning create landed.
type blindTasks struct {
	storage.TaskRepository
	mu     sync.Mutex
	misses int
}

func (r *blindTasks) FindActiveByWorkflowStage(ctx context.Context, workflowID, stage string) (*workflow.Task, error) {
	r.mu.Lock()
	miss := r.misses > 0
	if miss {
		r.misses--
	}
	r.mu.Unlock()
	if miss {
		return nil, storage.ErrNotFound
	}
	return r.TaskRepository.FindActiveByWorkflowStage(ctx, workflowID, stage)
}

// contendedTasks marks the task dispatched just before the caller's own
// update lands, so the caller loses the revision swap to a competitor.
type contendedTasks struct {
	storage.TaskRepository
	arm bool
}

func (r *contendedTasks) Update(ctx context.Context, t *workflow.Task) error {
	if r.arm {
		r.arm = false
		competitor, err := r.TaskRepository.FindByID(ctx, t.ID)
		if err != nil {
			return err
		}
		competitor.SetStatus(workflow.TaskStatusDispatched)
		if err := r.TaskRepository.Update(ctx, competitor); err != nil {
			return err
		}
	}
	return r.TaskRepository.Update(ctx, t)
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("creates task and publishes once", func(t *testing.T) {
		d, store, pub := newTestDispatcher(t)
		wf := runningWorkflow("plan")

		task, err := d.Dispatch(ctx, wf, "plan")
		require.NoError(t, err)
		assert.Equal(t, workflow.TaskStatusDispatched, task.Status)
		assert.Equal(t, "planner", task.AgentType)
		assert.Equal(t, 10*time.Minute, task.Timeout)
		require.Equal(t, 1, pub.count())

		call := pub.published[0]
		assert.Equal(t, "tasks.planner", call.topic)
		assert.Equal(t, "tasks.planner", call.opts.MirrorToLog)
		assert.Equal(t, envelope.KindTask, call.env.Kind)
		assert.Equal(t, wf.ID, call.env.WorkflowID)
		assert.Equal(t, task.ID, call.env.TaskID)
		assert.Equal(t, wf.TraceID, call.env.TraceID)
		assert.Contains(t, call.env.Payload.Instructions, `"name":"demo"`)

		stored, err := store.Tasks().FindByID(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.TaskStatusDispatched, stored.Status)
	})

	t.Run("second dispatch reuses live task without publishing", func(t *testing.T) {
		d, _, pub := newTestDispatcher(t)
		wf := runningWorkflow("plan")

		first, err := d.Dispatch(ctx, wf, "plan")
		require.NoError(t, err)
		second, err := d.Dispatch(ctx, wf, "plan")
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 1, pub.count(), "exactly one task envelope may be published")
	})

	t.Run("pending task from failed publish is re-published, not duplicated", func(t *testing.T) {
		d, store, pub := newTestDispatcher(t)
		wf := runningWorkflow("plan")

		pub.fail = true
		_, err := d.Dispatch(ctx, wf, "plan")
		require.Error(t, err)

		// The failed attempt left a pending row behind.
		stale, err := store.Tasks().FindActiveByWorkflowStage(ctx, wf.ID, "plan")
		require.NoError(t, err)
		assert.Equal(t, workflow.TaskStatusPending, stale.Status)

		pub.fail = false
		task, err := d.Dispatch(ctx, wf, "plan")
		require.NoError(t, err)

		assert.Equal(t, stale.ID, task.ID)
		assert.Equal(t, workflow.TaskStatusDispatched, task.Status)
		assert.Equal(t, 1, pub.count())
	})

	t.Run("concurrent dispatches publish exactly once", func(t *testing.T) {
		d, store, pub := newTestDispatcher(t)
		wf := runningWorkflow("plan")

		const callers = 8
		errs := make([]error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = d.Dispatch(ctx, wf, "plan")
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			require.NoError(t, err)
		}
		assert.Equal(t, 1, pub.count(), "racing dispatchers must publish exactly once")

		live, err := store.Tasks().ListByStatus(ctx, workflow.TaskStatusDispatched)
		require.NoError(t, err)
		require.Len(t, live, 1, "racing dispatchers must leave exactly one live task")
		pending, err := store.Tasks().ListByStatus(ctx, workflow.TaskStatusPending)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("create race loser reuses the winner's task", func(t *testing.T) {
		store := storage.NewMemoryStore()
		pub := &recordingPublisher{}
		engine := definition.NewEngine(store.Definitions(), nil, nil)
		tasks := &blindTasks{TaskRepository: store.Tasks()}
		d := New(engine, tasks, pub, nil)
		wf := runningWorkflow("plan")

		first, err := d.Dispatch(ctx, wf, "plan")
		require.NoError(t, err)

		tasks.misses = 1
		second, err := d.Dispatch(ctx, wf, "plan")
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 1, pub.count())
	})

	t.Run("losing the dispatch swap skips the publish", func(t *testing.T) {
		store := storage.NewMemoryStore()
		pub := &recordingPublisher{}
		engine := definition.NewEngine(store.Definitions(), nil, nil)
		tasks := &contendedTasks{TaskRepository: store.Tasks()}
		d := New(engine, tasks, pub, nil)
		wf := runningWorkflow("plan")

		// A failed publish leaves a pending task behind.
		pub.fail = true
		_, err := d.Dispatch(ctx, wf, "plan")
		require.Error(t, err)

		pub.fail = false
		tasks.arm = true
		task, err := d.Dispatch(ctx, wf, "plan")
		require.NoError(t, err)

		assert.Equal(t, workflow.TaskStatusDispatched, task.Status)
		assert.Zero(t, pub.count(), "the swap loser must not publish a second envelope")
	})

	t.Run("unknown stage is a hard error", func(t *testing.T) {
		d, _, pub := newTestDispatcher(t)
		wf := runningWorkflow("plan")

		_, err := d.Dispatch(ctx, wf, "shipit")
		require.ErrorIs(t, err, definition.ErrUnknownStage)
		assert.Zero(t, pub.count())
	})

	t.Run("envelope carries accumulated stage outputs", func(t *testing.T) {
		d, _, pub := newTestDispatcher(t)
		wf := runningWorkflow("generate")
		wf.AppendStageOutput("plan", json.RawMessage(`{"plan":"steps"}`))

		_, err := d.Dispatch(ctx, wf, "generate")
		require.NoError(t, err)

		require.Equal(t, 1, pub.count())
		outputs := pub.published[0].env.Payload.StageOutputs
		require.Len(t, outputs, 1)
		assert.Equal(t, "plan", outputs[0].Stage)
		assert.JSONEq(t, `{"plan":"steps"}`, string(outputs[0].Output))
	})

	t.Run("platform definition selects agent types", func(t *testing.T) {
		d, store, pub := newTestDispatcher(t)
		require.NoError(t, store.PutDefinition(&definition.Definition{
			PlatformID:     "cloudrun",
			WorkflowType:   "app",
			ProgressMethod: definition.ProgressLinear,
			Stages: []definition.Stage{
				{Name: "provision", AgentType: "terraform", Weight: 50},
				{Name: "deploy", AgentType: "deployer", Weight: 50},
			},
		}))

		wf := workflow.New("app", "cloudrun", nil)
		wf.Status = workflow.StatusRunning
		wf.CurrentStage = "provision"

		task, err := d.Dispatch(ctx, wf, "provision")
		require.NoError(t, err)
		assert.Equal(t, "terraform", task.AgentType)
		assert.Equal(t, "tasks.terraform", pub.published[0].topic)
	})
}
