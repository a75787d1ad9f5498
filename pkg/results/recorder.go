// Package results records worker outcomes. The recorder is the single
// writer of terminal state: it consumes the results stream, writes the
// result row, transitions the task, and only then publishes the terminal
// event. Observers of a terminal event are therefore guaranteed to find
// the store already updated.
package results

import (
	"context"
	"time"

	taskerrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/events"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/storage"
)

// ResultFetcher pulls result deliveries; satisfied by queue.ResultConsumer
type ResultFetcher interface {
	Fetch(batch int) ([]queue.ResultDelivery, error)
}

// Recorder drives result deliveries into the store
type Recorder struct {
	fetcher ResultFetcher
	store   storage.Store
	bus     queue.EventPublisher
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewRecorder wires a result recorder
func NewRecorder(fetcher ResultFetcher, store storage.Store, bus queue.EventPublisher, logger observability.Logger, metrics observability.MetricsClient) *Recorder {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &Recorder{fetcher: fetcher, store: store, bus: bus, logger: logger, metrics: metrics}
}

// Run consumes result messages until the context ends
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		deliveries, err := r.fetcher.Fetch(10)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.logger.Error("Failed to fetch results", map[string]interface{}{"error": err.Error()})
			time.Sleep(2 * time.Second)
			continue
		}

		for _, delivery := range deliveries {
			if err := r.Record(ctx, delivery.Result); err != nil {
				r.logger.Error("Failed to record result, nacking", map[string]interface{}{
					"task_id": delivery.Result.TaskID.String(),
					"error":   err.Error(),
				})
				if nakErr := delivery.Handle.Nack(time.Second); nakErr != nil {
					r.logger.Warn("Failed to nack result", map[string]interface{}{
						"error": nakErr.Error(),
					})
				}
				continue
			}
			if err := delivery.Handle.Ack(); err != nil {
				r.logger.Warn("Failed to ack result", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// Record applies one result: result row, then status, then event. Result
// writes are idempotent upserts so redelivery is harmless.
func (r *Recorder) Record(ctx context.Context, msg queue.TaskResultMessage) error {
	now := time.Now().UTC()

	result := &models.TaskResult{
		TaskID: msg.TaskID,
		Status: msg.Status,
		Result: msg.Result,
		Error:  msg.Error,
		Metrics: models.ExecutionMetrics{
			ExecutionTimeMS: msg.ExecutionTimeMS,
			RetryCount:      msg.RetryCount,
			WorkerNode:      msg.WorkerID,
		},
	}
	if err := r.store.StoreResult(ctx, result); err != nil {
		return err
	}

	data := models.StatusData{
		WorkerID:    msg.WorkerID,
		CompletedAt: &now,
		DurationMS:  msg.ExecutionTimeMS,
		Retries:     msg.RetryCount,
	}
	switch msg.Status {
	case models.StatusFailed:
		data.Error = msg.Error
	case models.StatusCancelled:
		data.Reason = msg.Error
		data.CancelledAt = &now
		data.CompletedAt = nil
	}

	// A success arriving before the Started transition landed would be an
	// illegal Queued -> Succeeded hop; bridge through Running first
	if msg.Status == models.StatusSucceeded {
		if task, err := r.store.Get(ctx, msg.TaskID); err == nil && task.Status == models.StatusQueued {
			started := now.Add(-time.Duration(msg.ExecutionTimeMS) * time.Millisecond)
			if err := r.store.UpdateStatus(ctx, msg.TaskID, models.StatusRunning, models.StatusData{
				WorkerID:  msg.WorkerID,
				StartedAt: &started,
			}); err != nil {
				return err
			}
		}
	}

	if err := r.store.UpdateStatus(ctx, msg.TaskID, msg.Status, data); err != nil {
		// A missing task means the record was deleted after the worker
		// fetched it; the result row stands, nothing else to do
		if taskerrors.IsKind(err, taskerrors.KindTaskNotFound) {
			r.logger.Warn("Result for unknown task", map[string]interface{}{
				"task_id": msg.TaskID.String(),
			})
			return nil
		}
		return err
	}

	r.publishTerminalEvent(ctx, msg)

	r.metrics.IncrementCounterWithLabels("results_recorded_total", 1,
		map[string]string{"status": string(msg.Status)})
	return nil
}

func (r *Recorder) publishTerminalEvent(ctx context.Context, msg queue.TaskResultMessage) {
	var err error
	switch msg.Status {
	case models.StatusSucceeded:
		err = r.bus.PublishEvent(ctx, events.TypeTaskCompleted, events.TaskCompleted{
			TaskID:     msg.TaskID,
			WorkerID:   msg.WorkerID,
			DurationMS: msg.ExecutionTimeMS,
			Metrics: models.ExecutionMetrics{
				ExecutionTimeMS: msg.ExecutionTimeMS,
				RetryCount:      msg.RetryCount,
				WorkerNode:      msg.WorkerID,
			},
		})
	case models.StatusFailed:
		err = r.bus.PublishEvent(ctx, events.TypeTaskFailed, events.TaskFailed{
			TaskID:     msg.TaskID,
			WorkerID:   msg.WorkerID,
			Error:      msg.Error,
			RetryCount: msg.RetryCount,
		})
	case models.StatusCancelled:
		err = r.bus.PublishEvent(ctx, events.TypeTaskCancelled, events.TaskCancelled{
			TaskID:   msg.TaskID,
			WorkerID: msg.WorkerID,
			Reason:   msg.Error,
		})
	}
	if err != nil {
		r.logger.Warn("Failed to publish terminal event", map[string]interface{}{
			"task_id": msg.TaskID.String(),
			"status":  string(msg.Status),
			"error":   err.Error(),
		})
	}
}
