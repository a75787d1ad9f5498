package dependency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/storage"
)

// Reconciler periodically scans waiting tasks whose dependencies are all
// terminal and re-applies the release-or-doom transition. It heals the
// window where a crash landed between enqueue and status update, or where
// a completion event was never observed.
type Reconciler struct {
	manager  *Manager
	store    storage.Store
	interval time.Duration
	logger   observability.Logger
}

// NewReconciler creates a reconciler; interval defaults to 30s
func NewReconciler(manager *Manager, store storage.Store, interval time.Duration, logger observability.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Reconciler{manager: manager, store: store, interval: interval, logger: logger}
}

// Run ticks until the context ends
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Error("Reconcile pass failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// Reconcile runs one pass over all waiting tasks
func (r *Reconciler) Reconcile(ctx context.Context) error {
	waiting := models.StatusWaitingDependencies
	offset := 0
	const page = 200
	for {
		tasks, err := r.store.List(ctx, &waiting, page, offset)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			return nil
		}
		for _, task := range tasks {
			if _, err := r.manager.checkWaiter(ctx, task.ID); err != nil {
				r.logger.Warn("Reconcile check failed", map[string]interface{}{
					"task_id": task.ID.String(), "error": err.Error(),
				})
			}
		}
		offset += len(tasks)
	}
}

// Reaper watches the broker's max-deliveries advisories and fails the
// affected tasks so delivery-exhausted messages do not strand work in
// queued forever.
type Reaper struct {
	queue  *queue.Manager
	store  storage.Store
	logger observability.Logger
}

// NewReaper creates a dead-letter reaper
func NewReaper(q *queue.Manager, store storage.Store, logger observability.Logger) *Reaper {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Reaper{queue: q, store: store, logger: logger}
}

// Run consumes advisories until the context ends
func (r *Reaper) Run(ctx context.Context) error {
	sub, err := r.queue.SubscribeMaxDeliveries()
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	for {
		data, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		var advisory queue.MaxDeliveriesAdvisory
		if err := json.Unmarshal(data, &advisory); err != nil {
			r.logger.Warn("Skipping malformed max-deliveries advisory", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		r.reap(ctx, advisory)
	}
}

func (r *Reaper) reap(ctx context.Context, advisory queue.MaxDeliveriesAdvisory) {
	task, err := r.queue.FetchQueuedTask(ctx, advisory.StreamSeq)
	if err != nil {
		r.logger.Error("Failed to fetch dead-lettered task", map[string]interface{}{
			"stream_seq": advisory.StreamSeq, "error": err.Error(),
		})
		return
	}

	const reason = "max deliveries exceeded"
	now := time.Now().UTC()

	if err := r.store.StoreResult(ctx, &models.TaskResult{
		TaskID: task.TaskID,
		Status: models.StatusFailed,
		Error:  reason,
		Metrics: models.ExecutionMetrics{
			RetryCount: advisory.Deliveries - 1,
		},
	}); err != nil {
		r.logger.Error("Failed to store reaped result", map[string]interface{}{
			"task_id": task.TaskID.String(), "error": err.Error(),
		})
		return
	}

	if err := r.store.UpdateStatus(ctx, task.TaskID, models.StatusFailed, models.StatusData{
		CompletedAt: &now,
		Error:       reason,
		Retries:     advisory.Deliveries - 1,
	}); err != nil {
		r.logger.Error("Failed to fail reaped task", map[string]interface{}{
			"task_id": task.TaskID.String(), "error": err.Error(),
		})
		return
	}

	r.logger.Warn("Reaped delivery-exhausted task", map[string]interface{}{
		"task_id":    task.TaskID.String(),
		"deliveries": advisory.Deliveries,
	})
}
