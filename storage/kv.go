package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/stageflow/definition"
	"github.com/c360studio/stageflow/workflow"
)

// Bucket names for each entity type.
const (
	BucketWorkflows   = "STAGEFLOW_WORKFLOWS"
	BucketTasks       = "STAGEFLOW_TASKS"
	BucketDefinitions = "STAGEFLOW_DEFINITIONS"
)

// KVStore provides repositories backed by NATS JetStream KV buckets. KV entry
// revisions supply the compare-and-swap guard for every update.
type KVStore struct {
	workflows   jetstream.KeyValue
	tasks       jetstream.KeyValue
	definitions jetstream.KeyValue
}

// NewKVStore creates the KV-backed store, creating buckets if absent.
func NewKVStore(ctx context.Context, js jetstream.JetStream) (*KVStore, error) {
	workflows, err := getOrCreateBucket(ctx, js, BucketWorkflows)
	if err != nil {
		return nil, fmt.Errorf("create workflows bucket: %w", err)
	}

	tasks, err := getOrCreateBucket(ctx, js, BucketTasks)
	if err != nil {
		return nil, fmt.Errorf("create tasks bucket: %w", err)
	}

	definitions, err := getOrCreateBucket(ctx, js, BucketDefinitions)
	if err != nil {
		return nil, fmt.Errorf("create definitions bucket: %w", err)
	}

	return &KVStore{
		workflows:   workflows,
		tasks:       tasks,
		definitions: definitions,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Stageflow %s storage", strings.ToLower(strings.TrimPrefix(name, "STAGEFLOW_"))),
		History:     5, // Keep last 5 revisions
	})
}

// Workflows returns the workflow repository.
func (s *KVStore) Workflows() WorkflowRepository {
	return &kvWorkflows{kv: s.workflows}
}

// Tasks returns the task repository.
func (s *KVStore) Tasks() TaskRepository {
	return &kvTasks{kv: s.tasks}
}

// Definitions returns the definition repository.
func (s *KVStore) Definitions() definition.Repository {
	return &kvDefinitions{kv: s.definitions}
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// kvWorkflows implements WorkflowRepository on a KV bucket.
type kvWorkflows struct {
	kv jetstream.KeyValue
}

func (r *kvWorkflows) Create(ctx context.Context, w *workflow.Workflow) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	rev, err := r.kv.Create(ctx, w.ID, data)
	if err != nil {
		if isConflict(err) {
			return fmt.Errorf("workflow %s: %w", w.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("store workflow: %w", err)
	}
	w.Revision = rev
	return nil
}

func (r *kvWorkflows) FindByID(ctx context.Context, id string) (*workflow.Workflow, error) {
	entry, err := r.kv.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	var w workflow.Workflow
	if err := json.Unmarshal(entry.Value(), &w); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	w.Revision = entry.Revision()
	return &w, nil
}

func (r *kvWorkflows) CompareAndSwapStage(ctx context.Context, w *workflow.Workflow) error {
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	rev, err := r.kv.Update(ctx, w.ID, data, w.Revision)
	if err != nil {
		if isConflict(err) {
			return fmt.Errorf("workflow %s: %w", w.ID, ErrConflict)
		}
		if isNotFound(err) {
			return fmt.Errorf("workflow %s: %w", w.ID, ErrNotFound)
		}
		return fmt.Errorf("update workflow: %w", err)
	}
	w.Revision = rev
	return nil
}

func (r *kvWorkflows) MarkTerminal(ctx context.Context, w *workflow.Workflow) error {
	return r.CompareAndSwapStage(ctx, w)
}

// kvTasks implements TaskRepository on a KV bucket. Task rows are keyed by
// task ID; alongside them the bucket holds one claim entry per (workflow,
// stage) pair naming the live task, so concurrent creates for the same stage
// collide on KV Create instead of both inserting a row.
type kvTasks struct {
	kv jetstream.KeyValue
}

const activeClaimPrefix = "active."

func activeTaskKey(workflowID, stage string) string {
	return activeClaimPrefix + workflowID + "." + stage
}

func (r *kvTasks) Create(ctx context.Context, t *workflow.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	rev, err := r.kv.Create(ctx, t.ID, data)
	if err != nil {
		if isConflict(err) {
			return fmt.Errorf("task %s: %w", t.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("store task: %w", err)
	}
	t.Revision = rev

	// The row goes in first so a visible claim always resolves to a task.
	// Losing the claim means another create won the stage; the orphan row
	// is removed and the caller re-reads the winner.
	if err := r.claimStage(ctx, t); err != nil {
		_ = r.kv.Delete(ctx, t.ID, jetstream.LastRevision(rev))
		return err
	}
	return nil
}

// claimStage records t as the live task for its (workflow, stage). KV Create
// on the deterministic key is the race arbiter: of two concurrent creates
// exactly one wins and the other returns ErrAlreadyExists. A claim whose task
// is terminal or missing is stale and is taken over by revision-guarded
// update.
func (r *kvTasks) claimStage(ctx context.Context, t *workflow.Task) error {
	key := activeTaskKey(t.WorkflowID, t.Stage)
	if _, err := r.kv.Create(ctx, key, []byte(t.ID)); err == nil {
		return nil
	} else if !isConflict(err) {
		return fmt.Errorf("claim stage for task %s: %w", t.ID, err)
	}

	entry, err := r.kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("task %s: %w", t.ID, ErrAlreadyExists)
	}
	prior, err := r.FindByID(ctx, string(entry.Value()))
	if err == nil && !prior.Status.IsTerminal() {
		return fmt.Errorf("task %s: %w", t.ID, ErrAlreadyExists)
	}
	if _, err := r.kv.Update(ctx, key, []byte(t.ID), entry.Revision()); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, ErrAlreadyExists)
	}
	return nil
}

func (r *kvTasks) FindByID(ctx context.Context, id string) (*workflow.Task, error) {
	entry, err := r.kv.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	var t workflow.Task
	if err := json.Unmarshal(entry.Value(), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	t.Revision = entry.Revision()
	return &t, nil
}

func (r *kvTasks) FindActiveByWorkflowStage(ctx context.Context, workflowID, stage string) (*workflow.Task, error) {
	entry, err := r.kv.Get(ctx, activeTaskKey(workflowID, stage))
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("active task for %s/%s: %w", workflowID, stage, ErrNotFound)
		}
		return nil, fmt.Errorf("get stage claim: %w", err)
	}
	t, err := r.FindByID(ctx, string(entry.Value()))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("active task for %s/%s: %w", workflowID, stage, ErrNotFound)
		}
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, fmt.Errorf("active task for %s/%s: %w", workflowID, stage, ErrNotFound)
	}
	return t, nil
}

func (r *kvTasks) Update(ctx context.Context, t *workflow.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	rev, err := r.kv.Update(ctx, t.ID, data, t.Revision)
	if err != nil {
		if isConflict(err) {
			return fmt.Errorf("task %s: %w", t.ID, ErrConflict)
		}
		if isNotFound(err) {
			return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
		}
		return fmt.Errorf("update task: %w", err)
	}
	t.Revision = rev
	if t.Status.IsTerminal() {
		r.releaseClaim(ctx, t)
	}
	return nil
}

// releaseClaim frees the stage claim once its task has gone terminal. Best
// effort: a claim that outlives its task is still detected as stale on the
// next create.
func (r *kvTasks) releaseClaim(ctx context.Context, t *workflow.Task) {
	key := activeTaskKey(t.WorkflowID, t.Stage)
	entry, err := r.kv.Get(ctx, key)
	if err != nil || string(entry.Value()) != t.ID {
		return
	}
	_ = r.kv.Delete(ctx, key, jetstream.LastRevision(entry.Revision()))
}

func (r *kvTasks) ListByStatus(ctx context.Context, status workflow.TaskStatus) ([]*workflow.Task, error) {
	return r.scan(ctx, func(t *workflow.Task) bool {
		return t.Status == status
	})
}

func (r *kvTasks) scan(ctx context.Context, keep func(*workflow.Task) bool) ([]*workflow.Task, error) {
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list task keys: %w", err)
	}

	var tasks []*workflow.Task
	for _, key := range keys {
		if strings.HasPrefix(key, activeClaimPrefix) {
			continue
		}
		entry, err := r.kv.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var t workflow.Task
		if err := json.Unmarshal(entry.Value(), &t); err != nil {
			continue
		}
		t.Revision = entry.Revision()
		if keep(&t) {
			tasks = append(tasks, &t)
		}
	}
	return tasks, nil
}

// kvDefinitions implements definition.Repository on a KV bucket. Keys use
// dots instead of the cache key's colon separator, which KV keys disallow.
type kvDefinitions struct {
	kv jetstream.KeyValue
}

func definitionKey(platformID, workflowType string) string {
	return strings.ReplaceAll(definition.CacheKey(platformID, workflowType), ":", ".")
}

func (r *kvDefinitions) FindByPlatformAndType(ctx context.Context, platformID, workflowType string) (*definition.Definition, error) {
	entry, err := r.kv.Get(ctx, definitionKey(platformID, workflowType))
	if err != nil {
		if isNotFound(err) {
			return nil, definition.ErrNotFound
		}
		return nil, fmt.Errorf("get definition: %w", err)
	}

	var d definition.Definition
	if err := json.Unmarshal(entry.Value(), &d); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return &d, nil
}

// PutDefinition registers or replaces a definition row. Callers invalidate
// the definition engine cache for the affected key afterwards.
func (s *KVStore) PutDefinition(ctx context.Context, d *definition.Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	if _, err := s.definitions.Put(ctx, definitionKey(d.PlatformID, d.WorkflowType), data); err != nil {
		return fmt.Errorf("store definition: %w", err)
	}
	return nil
}
