package ingress

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/cancellation"
	taskerrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/events"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/scheduler"
	"github.com/taskmesh/taskmesh/pkg/storage"
)

// DependencyRegistrar is the slice of the dependency manager ingress needs
type DependencyRegistrar interface {
	Register(taskID uuid.UUID, dependencies []uuid.UUID)
	Remove(taskID uuid.UUID)
}

// CancelBroadcaster relays cancel requests to whichever worker holds a
// running task; satisfied by queue.Manager
type CancelBroadcaster interface {
	PublishCancelRequest(ctx context.Context, taskID uuid.UUID, reason string) error
}

// ScheduleRegistrar accepts timed tasks; satisfied by scheduler.Driver
type ScheduleRegistrar interface {
	Schedule(task *scheduler.ScheduledTask) error
}

// Service is the submission surface the RPC adapter calls into
type Service struct {
	validator *Validator
	store     storage.Store
	queuer    queue.TaskQueuer
	bus       queue.EventPublisher
	deps      DependencyRegistrar
	cancel    *cancellation.Manager
	broadcast CancelBroadcaster
	sched     ScheduleRegistrar
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// SetScheduler enables timed submissions. Without one, schedules are
// rejected at validation.
func (s *Service) SetScheduler(sched ScheduleRegistrar) {
	s.sched = sched
}

// NewService wires the ingress service
func NewService(validator *Validator, store storage.Store, queuer queue.TaskQueuer, bus queue.EventPublisher, deps DependencyRegistrar, cancel *cancellation.Manager, broadcast CancelBroadcaster, logger observability.Logger, metrics observability.MetricsClient) *Service {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &Service{
		validator: validator,
		store:     store,
		queuer:    queuer,
		bus:       bus,
		deps:      deps,
		cancel:    cancel,
		broadcast: broadcast,
		logger:    logger,
		metrics:   metrics,
	}
}

// Submission is the plain struct the adapter hands the core
type Submission struct {
	// TaskID is optional; zero means the service generates one
	TaskID         uuid.UUID
	Method         string
	Args           [][]byte
	Dependencies   []uuid.UUID
	Priority       int32
	Metadata       models.Metadata
	RetryPolicy    *models.RetryPolicy
	TimeoutSeconds int64
	// Schedule defers execution to the scheduler instead of queueing
	// immediately; only valid for tasks without dependencies
	Schedule  *scheduler.Schedule
	Placement scheduler.Placement
}

// Handle lets synchronous callers poll for the terminal status
type Handle struct {
	TaskID uuid.UUID
	store  storage.Store
}

// Poll returns the task's current status and, once terminal, its result
func (h *Handle) Poll(ctx context.Context) (models.Status, *models.TaskResult, error) {
	task, err := h.store.Get(ctx, h.TaskID)
	if err != nil {
		return "", nil, err
	}
	if !task.IsTerminal() {
		return task.Status, nil, nil
	}
	result, err := h.store.GetResult(ctx, h.TaskID)
	if err != nil {
		return task.Status, nil, err
	}
	return task.Status, result, nil
}

// Wait polls until the task is terminal or the context ends
func (h *Handle) Wait(ctx context.Context, pollInterval time.Duration) (*models.TaskResult, error) {
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		status, result, err := h.Poll(ctx)
		if err != nil {
			return nil, err
		}
		if status.IsTerminal() {
			return result, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Submit validates and accepts a task. Tasks without dependencies are
// enqueued immediately; others park as waiting_dependencies. Returns a
// pollable handle either way.
func (s *Service) Submit(ctx context.Context, sub Submission) (*Handle, error) {
	task := models.NewTask(sub.Method, sub.Args)
	if sub.TaskID != uuid.Nil {
		task.ID = sub.TaskID
	}
	task.Dependencies = sub.Dependencies
	task.Priority = sub.Priority
	if sub.Metadata != nil {
		task.Metadata = sub.Metadata
	}
	if sub.RetryPolicy != nil {
		task.RetryPolicy = *sub.RetryPolicy
	}
	if sub.TimeoutSeconds > 0 {
		task.TimeoutSeconds = sub.TimeoutSeconds
	}

	if err := s.validator.Validate(task); err != nil {
		s.metrics.IncrementCounterWithLabels("tasks_rejected_total", 1,
			map[string]string{"reason": string(taskerrors.KindOf(err))})
		return nil, err
	}

	if sub.Schedule != nil {
		if s.sched == nil {
			return nil, taskerrors.New(taskerrors.KindInvalidConfiguration,
				"no scheduler configured for timed submissions")
		}
		if len(sub.Dependencies) > 0 {
			return nil, taskerrors.New(taskerrors.KindInvalidConfiguration,
				"scheduled tasks cannot declare dependencies")
		}
	}

	if err := s.store.Create(ctx, task); err != nil {
		return nil, err
	}

	s.cancel.CreateToken(task.ID)

	if err := s.bus.PublishEvent(ctx, events.TypeTaskCreated, events.TaskCreated{
		TaskID:       task.ID,
		Method:       task.Method,
		Priority:     task.Priority,
		Dependencies: task.Dependencies,
	}); err != nil {
		s.logger.Warn("Failed to publish created event", map[string]interface{}{
			"task_id": task.ID.String(), "error": err.Error(),
		})
	}

	if task.HasDependencies() {
		s.deps.Register(task.ID, task.Dependencies)
		if err := s.store.UpdateStatus(ctx, task.ID, models.StatusWaitingDependencies, models.StatusData{}); err != nil {
			return nil, err
		}
	} else if sub.Schedule != nil {
		// The task stays pending until the scheduler fires it
		if err := s.sched.Schedule(&scheduler.ScheduledTask{
			ID:        task.ID,
			Name:      task.Method,
			Priority:  task.Priority,
			Schedule:  *sub.Schedule,
			Placement: sub.Placement,
		}); err != nil {
			return nil, err
		}
	} else {
		if err := s.queuer.EnqueueTask(ctx, queue.FromTask(task)); err != nil {
			return nil, err
		}
		if err := s.store.UpdateStatus(ctx, task.ID, models.StatusQueued, models.StatusData{}); err != nil {
			return nil, err
		}
		if err := s.bus.PublishEvent(ctx, events.TypeTaskQueued, events.TaskQueued{TaskID: task.ID}); err != nil {
			s.logger.Warn("Failed to publish queued event", map[string]interface{}{
				"task_id": task.ID.String(), "error": err.Error(),
			})
		}
	}

	s.metrics.IncrementCounterWithLabels("tasks_submitted_total", 1,
		map[string]string{"method": task.Method})
	s.logger.Info("Accepted task", map[string]interface{}{
		"task_id":      task.ID.String(),
		"method":       task.Method,
		"dependencies": len(task.Dependencies),
	})

	return &Handle{TaskID: task.ID, store: s.store}, nil
}

// Cancel cancels a task. Tasks that have not started are transitioned
// directly; running tasks are cancelled cooperatively via their token.
func (s *Service) Cancel(ctx context.Context, taskID uuid.UUID, reason string) error {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.IsTerminal() {
		return taskerrors.Newf(taskerrors.KindCancelled, "task %s is already terminal", taskID)
	}

	if _, err := s.cancel.Cancel(taskID, reason); err != nil && !taskerrors.IsKind(err, taskerrors.KindTaskNotFound) {
		return err
	}

	// Every cancel is broadcast: a worker may hold the task right now, or
	// may still fetch a stale queue message for it later; either way its
	// local token must fire
	if s.broadcast != nil {
		if err := s.broadcast.PublishCancelRequest(ctx, taskID, reason); err != nil {
			return err
		}
	}

	// Running tasks finalize on the worker when the handler observes its
	// token
	if task.Status != models.StatusRunning {
		// Pending, waiting, and queued tasks never reach a worker, so
		// the manager finalizes them here
		now := time.Now().UTC()
		if err := s.store.StoreResult(ctx, &models.TaskResult{
			TaskID: taskID,
			Status: models.StatusCancelled,
			Error:  reason,
		}); err != nil {
			return err
		}
		if err := s.store.UpdateStatus(ctx, taskID, models.StatusCancelled, models.StatusData{
			CancelledAt: &now,
			Reason:      reason,
		}); err != nil {
			return err
		}
		// The event goes out before the index drop so dependents collapse
		// off the cancellation instead of waiting for the reconciler
		if err := s.bus.PublishEvent(ctx, events.TypeTaskCancelled, events.TaskCancelled{
			TaskID: taskID,
			Reason: reason,
		}); err != nil {
			s.logger.Warn("Failed to publish cancelled event", map[string]interface{}{
				"task_id": taskID.String(), "error": err.Error(),
			})
		}
		s.deps.Remove(taskID)
	}

	s.logger.Info("Cancelled task", map[string]interface{}{
		"task_id": taskID.String(), "reason": reason,
	})
	return nil
}

// Pause keeps a queued task from being fetched by workers. Pausing a
// running task is not supported; the flag only affects fetch.
func (s *Service) Pause(ctx context.Context, taskID uuid.UUID) error {
	if _, err := s.store.Get(ctx, taskID); err != nil {
		return err
	}
	s.cancel.Pause(taskID)
	return nil
}

// Resume clears the pause flag
func (s *Service) Resume(ctx context.Context, taskID uuid.UUID) error {
	if _, err := s.store.Get(ctx, taskID); err != nil {
		return err
	}
	s.cancel.Resume(taskID)
	return nil
}

// Status returns the task's current state
func (s *Service) Status(ctx context.Context, taskID uuid.UUID) (*models.Task, error) {
	return s.store.Get(ctx, taskID)
}

// Result returns the terminal result, or TaskNotFound while running
func (s *Service) Result(ctx context.Context, taskID uuid.UUID) (*models.TaskResult, error) {
	return s.store.GetResult(ctx, taskID)
}
