package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/c360studio/stageflow/definition"
	"github.com/c360studio/stageflow/workflow"
)

// MemoryStore provides in-memory repositories with the same revision-guarded
// semantics as the KV store. Used in unit tests and available as a throwaway
// backend for local experiments.
type MemoryStore struct {
	workflows   *memoryBucket
	tasks       *memoryBucket
	definitions map[string]*definition.Definition
	defMu       sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:   newMemoryBucket(),
		tasks:       newMemoryBucket(),
		definitions: make(map[string]*definition.Definition),
	}
}

// Workflows returns the workflow repository.
func (s *MemoryStore) Workflows() WorkflowRepository {
	return &memWorkflows{bucket: s.workflows}
}

// Tasks returns the task repository.
func (s *MemoryStore) Tasks() TaskRepository {
	return &memTasks{bucket: s.tasks}
}

// Definitions returns the definition repository.
func (s *MemoryStore) Definitions() definition.Repository {
	return s
}

// FindByPlatformAndType implements definition.Repository.
func (s *MemoryStore) FindByPlatformAndType(_ context.Context, platformID, workflowType string) (*definition.Definition, error) {
	s.defMu.RLock()
	defer s.defMu.RUnlock()
	if d, ok := s.definitions[definition.CacheKey(platformID, workflowType)]; ok {
		return d, nil
	}
	return nil, definition.ErrNotFound
}

// PutDefinition registers a definition row.
func (s *MemoryStore) PutDefinition(d *definition.Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	s.defMu.Lock()
	defer s.defMu.Unlock()
	s.definitions[definition.CacheKey(d.PlatformID, d.WorkflowType)] = d
	return nil
}

// memoryBucket stores serialized entities with KV-style revisions. Entities
// round-trip through JSON so callers never share mutable state with the
// store, matching the KV implementation's behavior.
type memoryBucket struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	data     []byte
	revision uint64
}

func newMemoryBucket() *memoryBucket {
	return &memoryBucket{entries: make(map[string]memoryEntry)}
}

func (b *memoryBucket) create(key string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal entity: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.entries[key]; exists {
		return 0, ErrAlreadyExists
	}
	b.entries[key] = memoryEntry{data: data, revision: 1}
	return 1, nil
}

func (b *memoryBucket) get(key string, v any) (uint64, error) {
	b.mu.RLock()
	entry, ok := b.entries[key]
	b.mu.RUnlock()
	if !ok {
		return 0, ErrNotFound
	}
	if err := json.Unmarshal(entry.data, v); err != nil {
		return 0, fmt.Errorf("unmarshal entity: %w", err)
	}
	return entry.revision, nil
}

func (b *memoryBucket) update(key string, v any, expected uint64) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal entity: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[key]
	if !ok {
		return 0, ErrNotFound
	}
	if entry.revision != expected {
		return 0, ErrConflict
	}
	next := entry.revision + 1
	b.entries[key] = memoryEntry{data: data, revision: next}
	return next, nil
}

func (b *memoryBucket) delete(key string, expected uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[key]
	if !ok {
		return ErrNotFound
	}
	if entry.revision != expected {
		return ErrConflict
	}
	delete(b.entries, key)
	return nil
}

func (b *memoryBucket) keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	return keys
}

type memWorkflows struct {
	bucket *memoryBucket
}

func (r *memWorkflows) Create(_ context.Context, w *workflow.Workflow) error {
	rev, err := r.bucket.create(w.ID, w)
	if err != nil {
		return fmt.Errorf("workflow %s: %w", w.ID, err)
	}
	w.Revision = rev
	return nil
}

func (r *memWorkflows) FindByID(_ context.Context, id string) (*workflow.Workflow, error) {
	var w workflow.Workflow
	rev, err := r.bucket.get(id, &w)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", id, err)
	}
	w.Revision = rev
	return &w, nil
}

func (r *memWorkflows) CompareAndSwapStage(_ context.Context, w *workflow.Workflow) error {
	rev, err := r.bucket.update(w.ID, w, w.Revision)
	if err != nil {
		return fmt.Errorf("workflow %s: %w", w.ID, err)
	}
	w.Revision = rev
	return nil
}

func (r *memWorkflows) MarkTerminal(ctx context.Context, w *workflow.Workflow) error {
	return r.CompareAndSwapStage(ctx, w)
}

type memTasks struct {
	bucket *memoryBucket
}

func (r *memTasks) Create(_ context.Context, t *workflow.Task) error {
	rev, err := r.bucket.create(t.ID, t)
	if err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	t.Revision = rev

	// Row first, claim second, matching the KV ordering: a visible claim
	// always resolves to a task, and a lost claim removes the orphan row.
	if err := r.claimStage(t); err != nil {
		_ = r.bucket.delete(t.ID, rev)
		return err
	}
	return nil
}

// claimStage mirrors the KV claim semantics: create on the deterministic
// (workflow, stage) key arbitrates concurrent task creates, and a claim whose
// task is terminal or missing is taken over.
func (r *memTasks) claimStage(t *workflow.Task) error {
	key := activeTaskKey(t.WorkflowID, t.Stage)
	if _, err := r.bucket.create(key, t.ID); err == nil {
		return nil
	}

	var priorID string
	rev, err := r.bucket.get(key, &priorID)
	if err != nil {
		return fmt.Errorf("task %s: %w", t.ID, ErrAlreadyExists)
	}
	var prior workflow.Task
	if _, err := r.bucket.get(priorID, &prior); err == nil && !prior.Status.IsTerminal() {
		return fmt.Errorf("task %s: %w", t.ID, ErrAlreadyExists)
	}
	if _, err := r.bucket.update(key, t.ID, rev); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, ErrAlreadyExists)
	}
	return nil
}

func (r *memTasks) FindByID(_ context.Context, id string) (*workflow.Task, error) {
	var t workflow.Task
	rev, err := r.bucket.get(id, &t)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}
	t.Revision = rev
	return &t, nil
}

func (r *memTasks) FindActiveByWorkflowStage(_ context.Context, workflowID, stage string) (*workflow.Task, error) {
	var id string
	if _, err := r.bucket.get(activeTaskKey(workflowID, stage), &id); err != nil {
		return nil, fmt.Errorf("active task for %s/%s: %w", workflowID, stage, ErrNotFound)
	}
	var t workflow.Task
	rev, err := r.bucket.get(id, &t)
	if err != nil || t.Status.IsTerminal() {
		return nil, fmt.Errorf("active task for %s/%s: %w", workflowID, stage, ErrNotFound)
	}
	t.Revision = rev
	return &t, nil
}

func (r *memTasks) Update(_ context.Context, t *workflow.Task) error {
	rev, err := r.bucket.update(t.ID, t, t.Revision)
	if err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	t.Revision = rev
	if t.Status.IsTerminal() {
		key := activeTaskKey(t.WorkflowID, t.Stage)
		var id string
		if crev, err := r.bucket.get(key, &id); err == nil && id == t.ID {
			_ = r.bucket.delete(key, crev)
		}
	}
	return nil
}

func (r *memTasks) ListByStatus(_ context.Context, status workflow.TaskStatus) ([]*workflow.Task, error) {
	return r.scan(func(t *workflow.Task) bool {
		return t.Status == status
	})
}

func (r *memTasks) scan(keep func(*workflow.Task) bool) ([]*workflow.Task, error) {
	var tasks []*workflow.Task
	for _, key := range r.bucket.keys() {
		if strings.HasPrefix(key, activeClaimPrefix) {
			continue
		}
		var t workflow.Task
		rev, err := r.bucket.get(key, &t)
		if err != nil {
			continue
		}
		t.Revision = rev
		if keep(&t) {
			tasks = append(tasks, &t)
		}
	}
	return tasks, nil
}
