package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	taskerrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// MemoryStore is an in-memory Store used by tests and local runs. It
// enforces the same status-machine and uniqueness rules as the Postgres
// backend so tests exercise real semantics.
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[uuid.UUID]*models.Task
	results map[uuid.UUID]*models.TaskResult
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[uuid.UUID]*models.Task),
		results: make(map[uuid.UUID]*models.TaskResult),
	}
}

// Create persists a new task
func (s *MemoryStore) Create(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return taskerrors.Newf(taskerrors.KindAlreadyExists, "task %s already exists", task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

// Get returns a task by id
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, taskerrors.Newf(taskerrors.KindTaskNotFound, "task %s not found", id)
	}
	return task.Clone(), nil
}

// Update rewrites a task
func (s *MemoryStore) Update(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return taskerrors.Newf(taskerrors.KindTaskNotFound, "task %s not found", task.ID)
	}
	updated := task.Clone()
	updated.UpdatedAt = time.Now().UTC()
	s.tasks[task.ID] = updated
	return nil
}

// UpdateStatus transitions a task's status
func (s *MemoryStore) UpdateStatus(ctx context.Context, id uuid.UUID, status models.Status, data models.StatusData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateStatusLocked(id, status, data)
}

func (s *MemoryStore) updateStatusLocked(id uuid.UUID, status models.Status, data models.StatusData) error {
	task, ok := s.tasks[id]
	if !ok {
		return taskerrors.Newf(taskerrors.KindTaskNotFound, "task %s not found", id)
	}
	if task.Status == status {
		return nil
	}
	if !task.Status.CanTransition(status) {
		return taskerrors.Newf(taskerrors.KindInvalidConfiguration,
			"illegal status transition %s -> %s for task %s", task.Status, status, id)
	}
	task.Status = status
	task.StatusData = data
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// StoreResult upserts the result row
func (s *MemoryStore) StoreResult(ctx context.Context, result *models.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *result
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.results[result.TaskID] = &stored
	return nil
}

// GetResult returns the result row for a task
func (s *MemoryStore) GetResult(ctx context.Context, id uuid.UUID) (*models.TaskResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[id]
	if !ok {
		return nil, taskerrors.Newf(taskerrors.KindTaskNotFound, "result for task %s not found", id)
	}
	copied := *result
	return &copied, nil
}

// List returns tasks ordered by (priority desc, created_at asc)
func (s *MemoryStore) List(ctx context.Context, status *models.Status, limit, offset int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	all := make([]*models.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if status != nil && task.Status != *status {
			continue
		}
		all = append(all, task.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Priority != all[j].Priority {
			return all[i].Priority > all[j].Priority
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// GetByDependency returns tasks that declare depID as a dependency
func (s *MemoryStore) GetByDependency(ctx context.Context, depID uuid.UUID) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tasks []*models.Task
	for _, task := range s.tasks {
		for _, d := range task.Dependencies {
			if d == depID {
				tasks = append(tasks, task.Clone())
				break
			}
		}
	}
	return tasks, nil
}

// Delete removes a task record
func (s *MemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return taskerrors.Newf(taskerrors.KindTaskNotFound, "task %s not found", id)
	}
	delete(s.tasks, id)
	delete(s.results, id)
	return nil
}

// CleanupResults deletes result rows older than the cutoff
func (s *MemoryStore) CleanupResults(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, result := range s.results {
		if result.CreatedAt.Before(olderThan) {
			delete(s.results, id)
			removed++
		}
	}
	return removed, nil
}

// BatchCreate persists several tasks atomically
func (s *MemoryStore) BatchCreate(ctx context.Context, tasks []*models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range tasks {
		if _, ok := s.tasks[task.ID]; ok {
			return taskerrors.Newf(taskerrors.KindAlreadyExists, "task %s already exists", task.ID)
		}
	}
	for _, task := range tasks {
		s.tasks[task.ID] = task.Clone()
	}
	return nil
}

// BatchUpdateStatus transitions several tasks
func (s *MemoryStore) BatchUpdateStatus(ctx context.Context, ids []uuid.UUID, status models.Status, data models.StatusData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if err := s.updateStatusLocked(id, status, data); err != nil {
			return err
		}
	}
	return nil
}

// Ping implements Store.Ping
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close implements Store.Close
func (s *MemoryStore) Close() error { return nil }
