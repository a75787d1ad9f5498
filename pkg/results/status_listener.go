package results

import (
	"context"
	"time"

	taskerrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/events"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/storage"
)

// EventSource yields event envelopes; satisfied by queue.Subscription
type EventSource interface {
	Next(ctx context.Context) (*events.Envelope, error)
}

// StatusListener mirrors non-terminal lifecycle events into the store:
// a Started event moves the task to running with its worker id. Terminal
// transitions belong to the Recorder alone.
type StatusListener struct {
	source EventSource
	store  storage.Store
	logger observability.Logger
}

// NewStatusListener wires a status listener
func NewStatusListener(source EventSource, store storage.Store, logger observability.Logger) *StatusListener {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &StatusListener{source: source, store: store, logger: logger}
}

// Run consumes events until the context ends
func (l *StatusListener) Run(ctx context.Context) error {
	for {
		envelope, err := l.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if envelope == nil || envelope.Type != events.TypeTaskStarted {
			continue
		}

		var payload events.TaskStarted
		if err := envelope.Decode(&payload); err != nil {
			l.logger.Warn("Skipping malformed started event", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}

		now := time.Now().UTC()
		err = l.store.UpdateStatus(ctx, payload.TaskID, models.StatusRunning, models.StatusData{
			WorkerID:  payload.WorkerID,
			StartedAt: &now,
		})
		// A task already terminal (cancel raced the start) makes this an
		// illegal transition; that is expected, not an error
		if err != nil && !taskerrors.IsKind(err, taskerrors.KindTaskNotFound) &&
			!taskerrors.IsKind(err, taskerrors.KindInvalidConfiguration) {
			l.logger.Error("Failed to mark task running", map[string]interface{}{
				"task_id": payload.TaskID.String(),
				"error":   err.Error(),
			})
		}
	}
}
