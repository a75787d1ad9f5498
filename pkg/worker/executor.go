package worker

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/cancellation"
	taskerrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/events"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/queue"
)

// Fetcher pulls work deliveries; satisfied by queue.Consumer
type Fetcher interface {
	Fetch(batch int) ([]queue.Delivery, error)
}

// Config tunes an executor
type Config struct {
	WorkerID           string
	NodeName           string
	MaxConcurrentTasks int
	BatchSize          int
	// PauseDelay is how long a paused task's delivery is deferred
	PauseDelay        time.Duration
	HeartbeatInterval time.Duration
	// AckExtendInterval keeps long-running tasks inside the ack window
	AckExtendInterval time.Duration
}

// DefaultConfig returns executor defaults
func DefaultConfig(workerID string) Config {
	hostname, _ := os.Hostname()
	return Config{
		WorkerID:           workerID,
		NodeName:           hostname,
		MaxConcurrentTasks: 8,
		BatchSize:          10,
		PauseDelay:         10 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		AckExtendInterval:  2 * time.Minute,
	}
}

// Executor is the worker main loop: fetch, bound, execute, acknowledge.
type Executor struct {
	config    Config
	fetcher   Fetcher
	registry  *Registry
	cancel    *cancellation.Manager
	results   queue.ResultPublisher
	bus       queue.EventPublisher
	logger    observability.Logger
	metrics   observability.MetricsClient

	// sem bounds concurrent task executions at the process level; the
	// broker's max_ack_pending bounds them at the delivery level
	sem chan struct{}
	wg  sync.WaitGroup

	activeMu sync.Mutex
	active   map[uuid.UUID]struct{}
}

// NewExecutor wires a worker executor
func NewExecutor(config Config, fetcher Fetcher, registry *Registry, cancel *cancellation.Manager, results queue.ResultPublisher, bus queue.EventPublisher, logger observability.Logger, metrics observability.MetricsClient) *Executor {
	if config.MaxConcurrentTasks <= 0 {
		config.MaxConcurrentTasks = 8
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.PauseDelay <= 0 {
		config.PauseDelay = 10 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &Executor{
		config:   config,
		fetcher:  fetcher,
		registry: registry,
		cancel:   cancel,
		results:  results,
		bus:      bus,
		logger:   logger,
		metrics:  metrics,
		sem:      make(chan struct{}, config.MaxConcurrentTasks),
		active:   make(map[uuid.UUID]struct{}),
	}
}

// Run fetches and executes tasks until the context ends, then drains
// in-flight work and announces departure.
func (e *Executor) Run(ctx context.Context) error {
	if err := e.bus.PublishEvent(ctx, events.TypeWorkerJoined, events.WorkerJoined{
		WorkerID:         e.config.WorkerID,
		NodeName:         e.config.NodeName,
		SupportedMethods: e.registry.ListMethods(),
	}); err != nil {
		e.logger.Warn("Failed to publish worker joined event", map[string]interface{}{
			"error": err.Error(),
		})
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	go e.heartbeatLoop(heartbeatCtx)

	e.logger.Info("Worker executor started", map[string]interface{}{
		"worker_id":      e.config.WorkerID,
		"max_concurrent": e.config.MaxConcurrentTasks,
	})

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Shutdown requested, draining in-flight tasks", nil)
			e.wg.Wait()
			stopHeartbeat()
			e.announceLeft()
			return nil
		default:
		}

		deliveries, err := e.fetcher.Fetch(e.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			e.logger.Error("Failed to fetch tasks", map[string]interface{}{"error": err.Error()})
			time.Sleep(2 * time.Second)
			continue
		}
		if len(deliveries) == 0 {
			continue
		}

		for _, delivery := range deliveries {
			delivery := delivery

			// Paused tasks are deferred without touching their retry
			// accounting; the nack delay keeps the broker from
			// hot-looping them back
			if e.cancel.IsPaused(delivery.Task.TaskID) {
				if err := delivery.Handle.Nack(e.config.PauseDelay); err != nil {
					e.logger.Warn("Failed to defer paused task", map[string]interface{}{
						"task_id": delivery.Task.TaskID.String(), "error": err.Error(),
					})
				}
				continue
			}

			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				select {
				case e.sem <- struct{}{}:
					defer func() { <-e.sem }()
				case <-ctx.Done():
					// Shutdown before the permit arrived; leave the
					// delivery to the ack-wait timer
					return
				}
				// Detached from the run context: shutdown drains
				// in-flight tasks to completion instead of aborting them
				e.processTask(context.Background(), delivery)
			}()
		}
	}
}

// processTask executes one delivery end to end
func (e *Executor) processTask(ctx context.Context, delivery queue.Delivery) {
	task := delivery.Task
	handle := delivery.Handle
	start := time.Now()

	e.trackActive(task.TaskID, true)
	defer e.trackActive(task.TaskID, false)

	if err := e.bus.PublishEvent(ctx, events.TypeTaskStarted, events.TaskStarted{
		TaskID:   task.TaskID,
		WorkerID: e.config.WorkerID,
	}); err != nil {
		e.logger.Warn("Failed to publish started event", map[string]interface{}{
			"task_id": task.TaskID.String(), "error": err.Error(),
		})
	}

	token := e.cancel.CreateToken(task.TaskID)
	retryCount := handle.DeliveryCount() - 1

	if token.IsCancelled() {
		e.finalizeCancelled(ctx, task, handle, token.Reason(), start, retryCount)
		return
	}

	execCtx, cancelExec := context.WithCancel(WithToken(ctx, token))
	defer cancelExec()
	stopWatch := e.watchToken(execCtx, token, cancelExec)
	defer stopWatch()
	stopExtend := e.extendAckPeriodically(execCtx, handle)
	defer stopExtend()

	result, err := e.registry.Execute(execCtx, task.Method, task.Args,
		time.Duration(task.TimeoutSeconds)*time.Second)

	elapsed := time.Since(start)

	if err == nil {
		e.finalizeSuccess(ctx, task, handle, result, elapsed, retryCount)
		return
	}

	switch taskerrors.KindOf(err) {
	case taskerrors.KindCancelled:
		e.finalizeCancelled(ctx, task, handle, token.Reason(), start, retryCount)
	case taskerrors.KindMethodNotFound:
		if pubErr := e.bus.PublishEvent(ctx, events.TypeUnsupportedMethod, events.UnsupportedMethod{
			TaskID:   task.TaskID,
			Method:   task.Method,
			WorkerID: e.config.WorkerID,
		}); pubErr != nil {
			e.logger.Warn("Failed to publish unsupported method event", map[string]interface{}{
				"task_id": task.TaskID.String(), "error": pubErr.Error(),
			})
		}
		// No handler anywhere in this deployment; retrying cannot help
		e.finalizeFailure(ctx, task, handle, err.Error(), elapsed, retryCount)
	default:
		e.handleFailure(ctx, task, handle, err, elapsed, retryCount)
	}
}

// handleFailure retries via nack while attempts remain, else finalizes
func (e *Executor) handleFailure(ctx context.Context, task queue.QueuedTask, handle queue.Handle, execErr error, elapsed time.Duration, retryCount int) {
	if retryCount < task.MaxRetries {
		attempt := retryCount + 1
		delay := task.RetryPolicy.Delay(attempt)

		e.logger.Warn("Task failed, scheduling retry", map[string]interface{}{
			"task_id": task.TaskID.String(),
			"attempt": attempt,
			"max":     task.MaxRetries,
			"delay":   delay.String(),
			"error":   execErr.Error(),
		})

		if err := handle.Nack(delay); err != nil {
			e.logger.Error("Failed to nack for retry", map[string]interface{}{
				"task_id": task.TaskID.String(), "error": err.Error(),
			})
			return
		}

		if err := e.bus.PublishEvent(ctx, events.TypeTaskRetrying, events.TaskRetrying{
			TaskID:       task.TaskID,
			Attempt:      attempt,
			DelaySeconds: delay.Seconds(),
			Reason:       execErr.Error(),
		}); err != nil {
			e.logger.Warn("Failed to publish retrying event", map[string]interface{}{
				"task_id": task.TaskID.String(), "error": err.Error(),
			})
		}
		e.metrics.IncrementCounterWithLabels("tasks_retried_total", 1,
			map[string]string{"method": task.Method})
		return
	}

	e.finalizeFailure(ctx, task, handle, execErr.Error(), elapsed, retryCount)
}

// finalizeSuccess publishes the result before acking so a crash between
// the two redelivers rather than losing the outcome.
func (e *Executor) finalizeSuccess(ctx context.Context, task queue.QueuedTask, handle queue.Handle, result []byte, elapsed time.Duration, retryCount int) {
	if err := e.results.PublishResult(ctx, queue.TaskResultMessage{
		TaskID:          task.TaskID,
		Status:          models.StatusSucceeded,
		Success:         true,
		Result:          result,
		ExecutionTimeMS: elapsed.Milliseconds(),
		RetryCount:      retryCount,
		WorkerID:        e.config.WorkerID,
	}); err != nil {
		e.logger.Error("Failed to publish result, leaving delivery for retry", map[string]interface{}{
			"task_id": task.TaskID.String(), "error": err.Error(),
		})
		return
	}
	if err := handle.Ack(); err != nil {
		e.logger.Error("Failed to ack completed task", map[string]interface{}{
			"task_id": task.TaskID.String(), "error": err.Error(),
		})
	}
	e.cancel.Remove(task.TaskID)
	e.metrics.IncrementCounterWithLabels("tasks_completed_total", 1,
		map[string]string{"method": task.Method})
	e.metrics.RecordHistogram("task_execution_seconds", elapsed.Seconds(),
		map[string]string{"method": task.Method})
	e.logger.Info("Task completed", map[string]interface{}{
		"task_id":     task.TaskID.String(),
		"method":      task.Method,
		"duration_ms": elapsed.Milliseconds(),
	})
}

func (e *Executor) finalizeFailure(ctx context.Context, task queue.QueuedTask, handle queue.Handle, errMsg string, elapsed time.Duration, retryCount int) {
	if err := e.results.PublishResult(ctx, queue.TaskResultMessage{
		TaskID:          task.TaskID,
		Status:          models.StatusFailed,
		Error:           errMsg,
		ExecutionTimeMS: elapsed.Milliseconds(),
		RetryCount:      retryCount,
		WorkerID:        e.config.WorkerID,
	}); err != nil {
		e.logger.Error("Failed to publish failure result", map[string]interface{}{
			"task_id": task.TaskID.String(), "error": err.Error(),
		})
		return
	}
	if err := handle.Ack(); err != nil {
		e.logger.Error("Failed to ack failed task", map[string]interface{}{
			"task_id": task.TaskID.String(), "error": err.Error(),
		})
	}
	e.cancel.Remove(task.TaskID)
	e.metrics.IncrementCounterWithLabels("tasks_failed_total", 1,
		map[string]string{"method": task.Method})
	e.logger.Error("Task failed", map[string]interface{}{
		"task_id": task.TaskID.String(),
		"method":  task.Method,
		"retries": retryCount,
		"error":   errMsg,
	})
}

func (e *Executor) finalizeCancelled(ctx context.Context, task queue.QueuedTask, handle queue.Handle, reason string, start time.Time, retryCount int) {
	if err := e.results.PublishResult(ctx, queue.TaskResultMessage{
		TaskID:          task.TaskID,
		Status:          models.StatusCancelled,
		Error:           reason,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		RetryCount:      retryCount,
		WorkerID:        e.config.WorkerID,
	}); err != nil {
		e.logger.Error("Failed to publish cancelled result", map[string]interface{}{
			"task_id": task.TaskID.String(), "error": err.Error(),
		})
		return
	}
	if err := handle.Ack(); err != nil {
		e.logger.Error("Failed to ack cancelled task", map[string]interface{}{
			"task_id": task.TaskID.String(), "error": err.Error(),
		})
	}
	e.cancel.Remove(task.TaskID)
	e.logger.Info("Task cancelled", map[string]interface{}{
		"task_id": task.TaskID.String(),
		"reason":  reason,
	})
}

// watchToken cancels the execution context when the task's token fires so
// ctx-aware handlers unwind promptly
func (e *Executor) watchToken(ctx context.Context, token *cancellation.Token, cancelExec context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if token.IsCancelled() {
					cancelExec()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// extendAckPeriodically keeps long-running executions inside the broker's
// ack window
func (e *Executor) extendAckPeriodically(ctx context.Context, handle queue.Handle) func() {
	if e.config.AckExtendInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(e.config.AckExtendInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := handle.InProgress(); err != nil {
					e.logger.Warn("Failed to extend ack deadline", map[string]interface{}{
						"error": err.Error(),
					})
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (e *Executor) trackActive(taskID uuid.UUID, active bool) {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	if active {
		e.active[taskID] = struct{}{}
	} else {
		delete(e.active, taskID)
	}
}

func (e *Executor) activeTasks() []uuid.UUID {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	ids := make([]uuid.UUID, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// HandleCancelEvent cancels the local token for a task. The worker's cmd
// wiring feeds it from the tasks.events.cancelled subject so cancellations
// issued on the manager reach in-flight handlers here.
func (e *Executor) HandleCancelEvent(taskID uuid.UUID, reason string) {
	token := e.cancel.CreateToken(taskID)
	token.Cancel(reason)
}

func (e *Executor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			active := e.activeTasks()
			if err := e.bus.PublishEvent(ctx, events.TypeWorkerHeartbeat, events.WorkerHeartbeat{
				WorkerID:    e.config.WorkerID,
				NodeName:    e.config.NodeName,
				ActiveTasks: active,
				Capacity: events.WorkerCapacity{
					MaxTasks:     e.config.MaxConcurrentTasks,
					RunningTasks: len(active),
				},
			}); err != nil {
				e.logger.Error("Failed to publish heartbeat", map[string]interface{}{
					"error": err.Error(),
				})
			}
			e.metrics.RecordGauge("worker_running_tasks", float64(len(active)),
				map[string]string{"worker_id": e.config.WorkerID})
		}
	}
}

func (e *Executor) announceLeft() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.bus.PublishEvent(ctx, events.TypeWorkerLeft, events.WorkerLeft{
		WorkerID: e.config.WorkerID,
		Reason:   "shutdown requested",
	}); err != nil {
		e.logger.Warn("Failed to publish worker left event", map[string]interface{}{
			"error": err.Error(),
		})
	}
	e.logger.Info("Worker executor stopped", map[string]interface{}{
		"worker_id": e.config.WorkerID,
	})
}
