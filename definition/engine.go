package definition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Repository loads definition rows from persistence. Implementations return
// ErrNotFound when no row matches.
type Repository interface {
	FindByPlatformAndType(ctx context.Context, platformID, workflowType string) (*Definition, error)
}

// Engine resolves definitions with a cache and a built-in legacy fallback.
type Engine struct {
	repo   Repository
	cache  *Cache
	logger *slog.Logger
}

// NewEngine creates a definition engine. The cache is injected so callers
// control invalidation; pass nil to get a private cache.
func NewEngine(repo Repository, cache *Cache, logger *slog.Logger) *Engine {
	if cache == nil {
		cache = NewCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{repo: repo, cache: cache, logger: logger}
}

// CacheKey builds the cache key for a platform and workflow type. An empty
// platform id selects the legacy namespace.
func CacheKey(platformID, workflowType string) string {
	if platformID == "" {
		platformID = "legacy"
	}
	return fmt.Sprintf("%s:%s", platformID, workflowType)
}

// Definition resolves the definition for a platform and workflow type.
// Cache miss loads from the repository; a load failure or missing row falls
// back to the built-in legacy definition, marked IsFallback.
func (e *Engine) Definition(ctx context.Context, platformID, workflowType string) (*Definition, error) {
	key := CacheKey(platformID, workflowType)
	if d, ok := e.cache.Get(key); ok {
		return d, nil
	}

	d, err := e.load(ctx, platformID, workflowType)
	if err != nil {
		return nil, err
	}
	e.cache.Put(key, d)
	return d, nil
}

func (e *Engine) load(ctx context.Context, platformID, workflowType string) (*Definition, error) {
	if e.repo != nil {
		d, err := e.repo.FindByPlatformAndType(ctx, platformID, workflowType)
		switch {
		case err == nil:
			if verr := d.Validate(); verr != nil {
				e.logger.Warn("Loaded definition is invalid, using legacy fallback",
					"platform_id", platformID,
					"workflow_type", workflowType,
					"error", verr)
				return Legacy(workflowType), nil
			}
			return d, nil
		case errors.Is(err, ErrNotFound):
			e.logger.Debug("No definition registered, using legacy fallback",
				"platform_id", platformID,
				"workflow_type", workflowType)
		case ctx.Err() != nil:
			return nil, fmt.Errorf("load definition: %w", ctx.Err())
		default:
			e.logger.Warn("Definition load failed, using legacy fallback",
				"platform_id", platformID,
				"workflow_type", workflowType,
				"error", err)
		}
	}
	return Legacy(workflowType), nil
}

// Invalidate drops the cached definition for a platform and workflow type.
func (e *Engine) Invalidate(platformID, workflowType string) {
	e.cache.Invalidate(CacheKey(platformID, workflowType))
}

// InvalidateAll drops every cached definition.
func (e *Engine) InvalidateAll() {
	e.cache.InvalidateAll()
}
