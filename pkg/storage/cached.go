package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/cache"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
)

// Cache TTLs. Lists are projections and age out quickly; results are
// immutable once written so they keep the longest TTL.
const (
	taskCacheTTL   = time.Hour
	resultCacheTTL = 24 * time.Hour
	listCacheTTL   = 5 * time.Minute
)

// CachedStore decorates a Store with a write-through cache. Writes go to
// the durable store first and then update the cache; reads populate the
// cache on miss. Dependency queries always bypass the cache.
type CachedStore struct {
	store  Store
	cache  cache.Cache
	logger observability.Logger
}

// NewCachedStore wraps a store with a cache
func NewCachedStore(store Store, c cache.Cache, logger observability.Logger) *CachedStore {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &CachedStore{store: store, cache: c, logger: logger}
}

func taskKey(id uuid.UUID) string     { return "task:" + id.String() }
func resultKey(id uuid.UUID) string   { return "task:result:" + id.String() }
func listKey(status *models.Status, limit, offset int) string {
	s := "all"
	if status != nil {
		s = string(*status)
	}
	return fmt.Sprintf("task:list:%s:%d:%d", s, limit, offset)
}

// Create persists the task and populates the cache
func (s *CachedStore) Create(ctx context.Context, task *models.Task) error {
	if err := s.store.Create(ctx, task); err != nil {
		return err
	}
	s.setCache(ctx, taskKey(task.ID), task, taskCacheTTL)
	return nil
}

// Get reads through the cache
func (s *CachedStore) Get(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	var cached models.Task
	if err := s.cache.Get(ctx, taskKey(id), &cached); err == nil {
		return &cached, nil
	} else if !errors.Is(err, cache.ErrNotFound) {
		s.logger.Warn("Cache read failed, falling through", map[string]interface{}{
			"task_id": id.String(), "error": err.Error(),
		})
	}

	task, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setCache(ctx, taskKey(id), task, taskCacheTTL)
	return task, nil
}

// Update writes through and refreshes the cache
func (s *CachedStore) Update(ctx context.Context, task *models.Task) error {
	if err := s.store.Update(ctx, task); err != nil {
		return err
	}
	s.setCache(ctx, taskKey(task.ID), task, taskCacheTTL)
	return nil
}

// UpdateStatus writes through and invalidates the task key. List
// projections may mention the task under its old status, so they are
// dropped wholesale on the next natural expiry; the task key must go now.
func (s *CachedStore) UpdateStatus(ctx context.Context, id uuid.UUID, status models.Status, data models.StatusData) error {
	if err := s.store.UpdateStatus(ctx, id, status, data); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, taskKey(id)); err != nil {
		s.logger.Warn("Cache invalidation failed", map[string]interface{}{
			"task_id": id.String(), "error": err.Error(),
		})
	}
	return nil
}

// StoreResult writes through and caches the result
func (s *CachedStore) StoreResult(ctx context.Context, result *models.TaskResult) error {
	if err := s.store.StoreResult(ctx, result); err != nil {
		return err
	}
	s.setCache(ctx, resultKey(result.TaskID), result, resultCacheTTL)
	return nil
}

// GetResult reads through the cache
func (s *CachedStore) GetResult(ctx context.Context, id uuid.UUID) (*models.TaskResult, error) {
	var cached models.TaskResult
	if err := s.cache.Get(ctx, resultKey(id), &cached); err == nil {
		return &cached, nil
	}
	result, err := s.store.GetResult(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setCache(ctx, resultKey(id), result, resultCacheTTL)
	return result, nil
}

// List reads through a short-lived projection cache
func (s *CachedStore) List(ctx context.Context, status *models.Status, limit, offset int) ([]*models.Task, error) {
	key := listKey(status, limit, offset)
	var cached []*models.Task
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}
	tasks, err := s.store.List(ctx, status, limit, offset)
	if err != nil {
		return nil, err
	}
	s.setCache(ctx, key, tasks, listCacheTTL)
	return tasks, nil
}

// GetByDependency always goes to the durable store; dependency resolution
// must never act on stale reads.
func (s *CachedStore) GetByDependency(ctx context.Context, depID uuid.UUID) ([]*models.Task, error) {
	return s.store.GetByDependency(ctx, depID)
}

// Delete removes the record and its cache keys
func (s *CachedStore) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	_ = s.cache.Delete(ctx, taskKey(id))
	_ = s.cache.Delete(ctx, resultKey(id))
	return nil
}

// CleanupResults delegates to the durable store
func (s *CachedStore) CleanupResults(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.store.CleanupResults(ctx, olderThan)
}

// BatchCreate persists the batch and populates the cache
func (s *CachedStore) BatchCreate(ctx context.Context, tasks []*models.Task) error {
	if err := s.store.BatchCreate(ctx, tasks); err != nil {
		return err
	}
	for _, task := range tasks {
		s.setCache(ctx, taskKey(task.ID), task, taskCacheTTL)
	}
	return nil
}

// BatchUpdateStatus transitions the batch and invalidates the task keys
func (s *CachedStore) BatchUpdateStatus(ctx context.Context, ids []uuid.UUID, status models.Status, data models.StatusData) error {
	if err := s.store.BatchUpdateStatus(ctx, ids, status, data); err != nil {
		return err
	}
	for _, id := range ids {
		_ = s.cache.Delete(ctx, taskKey(id))
	}
	return nil
}

// Ping verifies the durable store
func (s *CachedStore) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close releases both layers
func (s *CachedStore) Close() error {
	if err := s.cache.Close(); err != nil {
		s.logger.Warn("Cache close failed", map[string]interface{}{"error": err.Error()})
	}
	return s.store.Close()
}

func (s *CachedStore) setCache(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if err := s.cache.Set(ctx, key, value, ttl); err != nil {
		s.logger.Warn("Cache write failed", map[string]interface{}{
			"key": key, "error": err.Error(),
		})
	}
}
