package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	taskerrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/events"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/storage"
)

// Driver runs a Scheduler inside the manager: a periodic tick moves due
// entries onto the work queue and worker events keep the registry current.
// Scheduler state is a projection; every fired entry round-trips through
// the store.
type Driver struct {
	sched Scheduler
	// advanced is non-nil when the configured scheduler supports worker
	// registry, assignment, and stealing
	advanced *AdvancedScheduler

	store    storage.Store
	queuer   queue.TaskQueuer
	bus      queue.EventPublisher
	interval time.Duration
	logger   observability.Logger
}

// NewDriver wires a scheduler driver; tick interval defaults to 1s
func NewDriver(sched Scheduler, store storage.Store, queuer queue.TaskQueuer, bus queue.EventPublisher, interval time.Duration, logger observability.Logger) *Driver {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	advanced, _ := sched.(*AdvancedScheduler)
	return &Driver{
		sched:    sched,
		advanced: advanced,
		store:    store,
		queuer:   queuer,
		bus:      bus,
		interval: interval,
		logger:   logger,
	}
}

// Schedule registers a task for timed execution. The task must already
// exist in the store; the scheduler entry references it by id.
func (d *Driver) Schedule(task *ScheduledTask) error {
	return d.sched.AddTask(task)
}

// Unschedule removes a timed task
func (d *Driver) Unschedule(task *ScheduledTask) error {
	return d.sched.RemoveTask(task.ID)
}

// Run ticks until the context ends
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass: expire silent workers, rebalance, then
// dispatch due entries.
func (d *Driver) Tick(ctx context.Context) {
	if d.advanced != nil {
		if orphaned := d.advanced.CleanupInactiveWorkers(); len(orphaned) > 0 {
			d.logger.Warn("Orphaned tasks returned to the pool", map[string]interface{}{
				"count": len(orphaned),
			})
		}
		for _, steal := range d.advanced.TryWorkStealing() {
			d.publishAssigned(ctx, steal.TaskID, steal.ToWorker)
		}
	}

	for _, entry := range d.sched.GetReadyTasks(64) {
		d.dispatch(ctx, entry)
	}
}

// dispatch fires one due entry. One-shot schedules dispatch the stored
// task itself; recurring ones spawn a fresh task per firing from the
// stored template, because task ids are never reused and terminal states
// absorb.
func (d *Driver) dispatch(ctx context.Context, entry *ScheduledTask) {
	template, err := d.store.Get(ctx, entry.ID)
	if err != nil {
		if taskerrors.IsKind(err, taskerrors.KindTaskNotFound) {
			d.logger.Warn("Scheduled task vanished from the store, dropping", map[string]interface{}{
				"task_id": entry.ID.String(),
			})
			_ = d.sched.RemoveTask(entry.ID)
			return
		}
		d.logger.Error("Failed to load scheduled task", map[string]interface{}{
			"task_id": entry.ID.String(), "error": err.Error(),
		})
		return
	}

	task := template
	if entry.Schedule.Recurring() {
		task = template.Clone()
		task.ID = uuid.New()
		task.Status = models.StatusPending
		task.StatusData = models.StatusData{}
		task.CreatedAt = time.Now().UTC()
		task.UpdatedAt = task.CreatedAt
		task.Metadata["scheduled_from"] = entry.ID.String()
		if err := d.store.Create(ctx, task); err != nil {
			d.logger.Error("Failed to create recurring run", map[string]interface{}{
				"schedule_id": entry.ID.String(), "error": err.Error(),
			})
			return
		}
	} else if template.IsTerminal() {
		_ = d.sched.RemoveTask(entry.ID)
		return
	}

	// Rearm before assignment: recurring schedules recompute their next
	// firing from this execution, and rearming clears any previous
	// assignment for the entry
	if err := d.sched.MarkExecuted(entry.ID, true); err != nil {
		d.logger.Warn("Failed to record schedule execution", map[string]interface{}{
			"schedule_id": entry.ID.String(), "error": err.Error(),
		})
	}

	if d.advanced != nil {
		if workerID, err := d.advanced.AssignTask(entry.ID); err == nil {
			d.publishAssigned(ctx, task.ID, workerID)
		}
	}

	if err := d.queuer.EnqueueTask(ctx, queue.FromTask(task)); err != nil {
		d.logger.Error("Failed to enqueue scheduled task", map[string]interface{}{
			"task_id": task.ID.String(), "error": err.Error(),
		})
		return
	}
	if err := d.store.UpdateStatus(ctx, task.ID, models.StatusQueued, models.StatusData{}); err != nil {
		d.logger.Warn("Failed to mark scheduled task queued", map[string]interface{}{
			"task_id": task.ID.String(), "error": err.Error(),
		})
	}
	if err := d.bus.PublishEvent(ctx, events.TypeTaskQueued, events.TaskQueued{TaskID: task.ID}); err != nil {
		d.logger.Warn("Failed to publish queued event", map[string]interface{}{
			"task_id": task.ID.String(), "error": err.Error(),
		})
	}
}

func (d *Driver) publishAssigned(ctx context.Context, taskID uuid.UUID, workerID string) {
	if err := d.bus.PublishEvent(ctx, events.TypeTaskAssigned, events.TaskAssigned{
		TaskID:   taskID,
		WorkerID: workerID,
	}); err != nil {
		d.logger.Warn("Failed to publish assigned event", map[string]interface{}{
			"task_id": taskID.String(), "error": err.Error(),
		})
	}
}

// HandleWorkerEvent feeds worker lifecycle envelopes into the registry.
// Only the advanced scheduler keeps one; the fair scheduler ignores them.
func (d *Driver) HandleWorkerEvent(envelope *events.Envelope) {
	if d.advanced == nil {
		return
	}
	switch envelope.Type {
	case events.TypeWorkerJoined:
		var payload events.WorkerJoined
		if err := envelope.Decode(&payload); err != nil {
			return
		}
		d.advanced.RegisterWorker(WorkerState{ID: payload.WorkerID, Locality: payload.NodeName})
	case events.TypeWorkerHeartbeat:
		var payload events.WorkerHeartbeat
		if err := envelope.Decode(&payload); err != nil {
			return
		}
		load := 0.0
		if payload.Capacity.MaxTasks > 0 {
			load = float64(payload.Capacity.RunningTasks) / float64(payload.Capacity.MaxTasks)
		}
		d.advanced.UpdateWorker(payload.WorkerID, load, len(payload.ActiveTasks))
	case events.TypeWorkerLeft:
		var payload events.WorkerLeft
		if err := envelope.Decode(&payload); err != nil {
			return
		}
		orphaned := d.advanced.RemoveWorker(payload.WorkerID)
		if len(orphaned) > 0 {
			d.logger.Info("Worker left with unstarted assignments", map[string]interface{}{
				"worker_id": payload.WorkerID,
				"orphaned":  len(orphaned),
			})
		}
	}
}

