// Package dependency resolves inter-task ordering. It keeps an in-memory
// inverse index from dependency id to waiting task ids, consumes completion
// events from the bus, and releases or dooms waiters against the
// authoritative store.
package dependency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	taskerrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/events"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/storage"
)

// Manager tracks waiters and releases them as dependencies resolve
type Manager struct {
	mu sync.RWMutex
	// dependents maps a dependency id to the set of tasks waiting on it
	dependents map[uuid.UUID]map[uuid.UUID]struct{}

	store   storage.Store
	queuer  queue.TaskQueuer
	bus     queue.EventPublisher
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewManager creates a dependency manager
func NewManager(store storage.Store, queuer queue.TaskQueuer, bus queue.EventPublisher, logger observability.Logger, metrics observability.MetricsClient) *Manager {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &Manager{
		dependents: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		store:      store,
		queuer:     queuer,
		bus:        bus,
		logger:     logger,
		metrics:    metrics,
	}
}

// Register records a task as waiting on each of its dependencies
func (m *Manager) Register(taskID uuid.UUID, dependencies []uuid.UUID) {
	if len(dependencies) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, depID := range dependencies {
		waiters, ok := m.dependents[depID]
		if !ok {
			waiters = make(map[uuid.UUID]struct{})
			m.dependents[depID] = waiters
		}
		waiters[taskID] = struct{}{}
	}
}

// Remove drops a task both as waiter and as dependency anchor
func (m *Manager) Remove(taskID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, waiters := range m.dependents {
		delete(waiters, taskID)
	}
	delete(m.dependents, taskID)
}

// Rebuild reconstructs the inverse index from the store after a restart
func (m *Manager) Rebuild(ctx context.Context) error {
	waiting := models.StatusWaitingDependencies
	offset := 0
	const page = 500
	rebuilt := 0
	for {
		tasks, err := m.store.List(ctx, &waiting, page, offset)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			break
		}
		for _, task := range tasks {
			m.Register(task.ID, task.Dependencies)
			rebuilt++
		}
		offset += len(tasks)
	}
	m.logger.Info("Rebuilt dependency index", map[string]interface{}{"waiters": rebuilt})
	return nil
}

// HandleResolved processes a dependency reaching a terminal status. It is
// invoked for Completed, Failed, and Cancelled events: every waiter is
// re-checked against the store and released, doomed, or left waiting.
func (m *Manager) HandleResolved(ctx context.Context, depID uuid.UUID) error {
	m.mu.RLock()
	waiterSet := m.dependents[depID]
	waiters := make([]uuid.UUID, 0, len(waiterSet))
	for id := range waiterSet {
		waiters = append(waiters, id)
	}
	m.mu.RUnlock()

	if len(waiters) == 0 {
		return nil
	}

	m.logger.Debug("Dependency resolved, checking waiters", map[string]interface{}{
		"dependency": depID.String(),
		"waiters":    len(waiters),
	})

	for _, waiterID := range waiters {
		released, err := m.checkWaiter(ctx, waiterID)
		if err != nil {
			m.logger.Warn("Failed to check waiter", map[string]interface{}{
				"task_id": waiterID.String(),
				"error":   err.Error(),
			})
			continue
		}
		if released {
			m.metrics.IncrementCounterWithLabels("dependency_checks_total", 1,
				map[string]string{"outcome": "released"})
		}
	}

	// The resolved dependency no longer anchors anything
	m.mu.Lock()
	delete(m.dependents, depID)
	m.mu.Unlock()

	return nil
}

// checkWaiter inspects one waiter's full dependency list. Returns true when
// the waiter was enqueued.
func (m *Manager) checkWaiter(ctx context.Context, taskID uuid.UUID) (bool, error) {
	task, err := m.store.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status != models.StatusWaitingDependencies {
		return false, nil
	}

	for _, depID := range task.Dependencies {
		dep, err := m.store.Get(ctx, depID)
		if err != nil {
			if taskerrors.IsKind(err, taskerrors.KindTaskNotFound) {
				return false, m.doom(ctx, task, "dependency "+depID.String()+" not found")
			}
			return false, err
		}
		switch dep.Status {
		case models.StatusSucceeded:
			continue
		case models.StatusFailed, models.StatusCancelled:
			return false, m.doom(ctx, task, "dependency "+depID.String()+" failed")
		default:
			// Not yet terminal; keep waiting
			return false, nil
		}
	}

	return true, m.release(ctx, task)
}

// release enqueues a ready waiter and advances it to queued. A crash
// between the two leaves the task waiting; the reconciler re-applies the
// transition.
func (m *Manager) release(ctx context.Context, task *models.Task) error {
	if err := m.queuer.EnqueueTask(ctx, queue.FromTask(task)); err != nil {
		return err
	}
	if err := m.store.UpdateStatus(ctx, task.ID, models.StatusQueued, models.StatusData{}); err != nil {
		return err
	}
	if err := m.bus.PublishEvent(ctx, events.TypeTaskQueued, events.TaskQueued{TaskID: task.ID}); err != nil {
		m.logger.Warn("Failed to publish queued event", map[string]interface{}{
			"task_id": task.ID.String(), "error": err.Error(),
		})
	}
	m.logger.Info("Released dependent task", map[string]interface{}{"task_id": task.ID.String()})
	return nil
}

// doom fails a waiter without running it. The result row is written before
// the terminal status so readers never observe a terminal task without a
// result, and the failure event is published so transitive waiters
// collapse.
func (m *Manager) doom(ctx context.Context, task *models.Task, reason string) error {
	now := time.Now().UTC()
	result := &models.TaskResult{
		TaskID: task.ID,
		Status: models.StatusFailed,
		Error:  reason,
	}
	if err := m.store.StoreResult(ctx, result); err != nil {
		return err
	}
	if err := m.store.UpdateStatus(ctx, task.ID, models.StatusFailed, models.StatusData{
		CompletedAt: &now,
		Error:       reason,
		Retries:     0,
	}); err != nil {
		return err
	}
	if err := m.bus.PublishEvent(ctx, events.TypeTaskFailed, events.TaskFailed{
		TaskID: task.ID,
		Error:  reason,
	}); err != nil {
		m.logger.Warn("Failed to publish failed event", map[string]interface{}{
			"task_id": task.ID.String(), "error": err.Error(),
		})
	}

	m.metrics.IncrementCounterWithLabels("dependency_checks_total", 1,
		map[string]string{"outcome": "doomed"})
	m.logger.Info("Doomed dependent task", map[string]interface{}{
		"task_id": task.ID.String(),
		"reason":  reason,
	})

	// Drop the doomed task as a waiter only: it stays an anchor until its
	// own failure event is handled, so transitive waiters still collapse
	m.mu.Lock()
	for _, waiters := range m.dependents {
		delete(waiters, task.ID)
	}
	m.mu.Unlock()
	return nil
}

// WaiterCount returns how many tasks wait on the given dependency
func (m *Manager) WaiterCount(depID uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.dependents[depID])
}
