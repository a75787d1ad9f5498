package queue

import (
	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// QueuedTask is the wire form of a work item on the task queue. The payload
// carries no mutable retry counter; retry_count is derived from the broker's
// delivery count so redelivery keeps the message idempotent.
type QueuedTask struct {
	TaskID         uuid.UUID   `json:"task_id"`
	Method         string      `json:"method"`
	Args           [][]byte    `json:"args"`
	Priority       int32       `json:"priority"`
	MaxRetries     int         `json:"max_retries"`
	TimeoutSeconds int64       `json:"timeout_seconds"`
	Metadata       models.Metadata `json:"metadata,omitempty"`
	Dependencies   []uuid.UUID `json:"dependencies,omitempty"`
	RetryPolicy    models.RetryPolicy `json:"retry_policy"`
}

// FromTask builds the wire form of a task
func FromTask(t *models.Task) QueuedTask {
	return QueuedTask{
		TaskID:         t.ID,
		Method:         t.Method,
		Args:           t.Args,
		Priority:       t.Priority,
		MaxRetries:     t.RetryPolicy.MaxAttempts,
		TimeoutSeconds: t.TimeoutSeconds,
		Metadata:       t.Metadata,
		Dependencies:   t.Dependencies,
		RetryPolicy:    t.RetryPolicy,
	}
}

// TaskResultMessage is published on the results stream when a worker
// finishes a task. The manager's result recorder consumes it, writes the
// result row and terminal status, and only then publishes the terminal
// event, so event observers always find the store already updated.
type TaskResultMessage struct {
	TaskID          uuid.UUID     `json:"task_id"`
	Status          models.Status `json:"status"`
	Success         bool          `json:"success"`
	Result          []byte        `json:"result,omitempty"`
	Error           string        `json:"error,omitempty"`
	ExecutionTimeMS int64         `json:"execution_time_ms"`
	RetryCount      int           `json:"retry_count"`
	WorkerID        string        `json:"worker_id"`
}
