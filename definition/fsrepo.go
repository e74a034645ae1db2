package definition

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// fileDefinition is the on-disk yaml shape. Stage timeouts are duration
// strings ("5m", "90s") so definition files stay human-editable.
type fileDefinition struct {
	PlatformID     string      `yaml:"platform_id"`
	WorkflowType   string      `yaml:"workflow_type"`
	ProgressMethod string      `yaml:"progress_method"`
	Stages         []fileStage `yaml:"stages"`
}

type fileStage struct {
	Name      string `yaml:"name"`
	AgentType string `yaml:"agent_type"`
	Weight    int    `yaml:"weight"`
	Timeout   string `yaml:"timeout"`
	Required  bool   `yaml:"required"`
}

func (f *fileDefinition) toDefinition() (*Definition, error) {
	d := &Definition{
		PlatformID:     f.PlatformID,
		WorkflowType:   f.WorkflowType,
		ProgressMethod: ProgressMethod(f.ProgressMethod),
		Stages:         make([]Stage, 0, len(f.Stages)),
	}
	if d.ProgressMethod == "" {
		d.ProgressMethod = ProgressWeighted
	}
	for _, s := range f.Stages {
		stage := Stage{
			Name:      s.Name,
			AgentType: s.AgentType,
			Weight:    s.Weight,
			Required:  s.Required,
		}
		if s.Timeout != "" {
			timeout, err := time.ParseDuration(s.Timeout)
			if err != nil {
				return nil, fmt.Errorf("stage %q: invalid timeout %q: %w", s.Name, s.Timeout, err)
			}
			stage.Timeout = timeout
		}
		d.Stages = append(d.Stages, stage)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// FileRepository loads definitions from a directory of yaml files. It is the
// development-mode Repository; production deployments plug in a store-backed
// implementation behind the same interface.
type FileRepository struct {
	dir    string
	logger *slog.Logger

	mu   sync.RWMutex
	defs map[string]*Definition // key: CacheKey(platform, type)
}

// NewFileRepository loads every *.yaml definition under dir.
func NewFileRepository(dir string, logger *slog.Logger) (*FileRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &FileRepository{
		dir:    dir,
		logger: logger,
		defs:   make(map[string]*Definition),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the definition directory. Files that fail to parse are
// skipped with a warning so one bad file cannot take down the rest.
func (r *FileRepository) Reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read definitions dir: %w", err)
	}

	defs := make(map[string]*Definition)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(r.dir, name)
		d, err := loadDefinitionFile(path)
		if err != nil {
			r.logger.Warn("Skipping invalid definition file",
				"path", path,
				"error", err)
			continue
		}
		key := CacheKey(d.PlatformID, d.WorkflowType)
		if _, dup := defs[key]; dup {
			r.logger.Warn("Duplicate definition, keeping first",
				"path", path,
				"key", key)
			continue
		}
		defs[key] = d
	}

	r.mu.Lock()
	r.defs = defs
	r.mu.Unlock()

	r.logger.Info("Loaded workflow definitions",
		"dir", r.dir,
		"count", len(defs))
	return nil
}

func loadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition file: %w", err)
	}
	var f fileDefinition
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse definition file: %w", err)
	}
	return f.toDefinition()
}

// FindByPlatformAndType implements Repository.
func (r *FileRepository) FindByPlatformAndType(_ context.Context, platformID, workflowType string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.defs[CacheKey(platformID, workflowType)]; ok {
		return d, nil
	}
	return nil, ErrNotFound
}

// Keys returns the loaded definition keys, for cache invalidation on reload.
func (r *FileRepository) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.defs))
	for k := range r.defs {
		keys = append(keys, k)
	}
	return keys
}

// Watch reloads the repository and invalidates the engine cache whenever a
// definition file changes. Blocks until ctx is done.
func (r *FileRepository) Watch(ctx context.Context, engine *Engine) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create definitions watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("watch definitions dir: %w", err)
	}

	r.logger.Info("Watching definitions directory", "dir", r.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			stale := r.Keys()
			if err := r.Reload(); err != nil {
				r.logger.Warn("Definition reload failed", "error", err)
				continue
			}
			for _, key := range stale {
				engine.cache.Invalidate(key)
			}
			for _, key := range r.Keys() {
				engine.cache.Invalidate(key)
			}
			r.logger.Info("Definitions reloaded", "trigger", event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("Definitions watcher error", "error", err)
		}
	}
}
