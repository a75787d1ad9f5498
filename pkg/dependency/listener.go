package dependency

import (
	"context"

	"github.com/taskmesh/taskmesh/pkg/events"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/queue"
)

// EventSource yields event envelopes; satisfied by queue.Subscription
type EventSource interface {
	Next(ctx context.Context) (*events.Envelope, error)
}

// Listener consumes terminal-status events from the bus and feeds the
// manager. The bus is the only completion signal the manager uses.
type Listener struct {
	manager *Manager
	source  EventSource
	logger  observability.Logger
}

// NewListener creates a listener over an event subscription
func NewListener(manager *Manager, source EventSource, logger observability.Logger) *Listener {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Listener{manager: manager, source: source, logger: logger}
}

// Run consumes events until the context ends
func (l *Listener) Run(ctx context.Context) error {
	for {
		envelope, err := l.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if envelope == nil {
			// Undecodable message, skipped upstream
			continue
		}
		l.handle(ctx, envelope)
	}
}

func (l *Listener) handle(ctx context.Context, envelope *events.Envelope) {
	switch envelope.Type {
	case events.TypeTaskCompleted:
		var payload events.TaskCompleted
		if err := envelope.Decode(&payload); err != nil {
			l.logger.Warn("Skipping malformed completed event", map[string]interface{}{"error": err.Error()})
			return
		}
		if err := l.manager.HandleResolved(ctx, payload.TaskID); err != nil {
			l.logger.Error("Failed to handle completion", map[string]interface{}{
				"task_id": payload.TaskID.String(), "error": err.Error(),
			})
		}
	case events.TypeTaskFailed:
		var payload events.TaskFailed
		if err := envelope.Decode(&payload); err != nil {
			l.logger.Warn("Skipping malformed failed event", map[string]interface{}{"error": err.Error()})
			return
		}
		if payload.WillRetry {
			return
		}
		if err := l.manager.HandleResolved(ctx, payload.TaskID); err != nil {
			l.logger.Error("Failed to handle failure", map[string]interface{}{
				"task_id": payload.TaskID.String(), "error": err.Error(),
			})
		}
	case events.TypeTaskCancelled:
		var payload events.TaskCancelled
		if err := envelope.Decode(&payload); err != nil {
			l.logger.Warn("Skipping malformed cancelled event", map[string]interface{}{"error": err.Error()})
			return
		}
		if err := l.manager.HandleResolved(ctx, payload.TaskID); err != nil {
			l.logger.Error("Failed to handle cancellation", map[string]interface{}{
				"task_id": payload.TaskID.String(), "error": err.Error(),
			})
		}
	}
}

// SubscribeSubjects returns the event subjects the listener needs. A single
// wildcard subscription on tasks.events.* covers them.
func SubscribeSubjects() string {
	return events.SubjectTaskEvents + ".*"
}

var _ EventSource = (*queue.Subscription)(nil)
