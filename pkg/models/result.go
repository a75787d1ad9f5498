package models

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionMetrics records timing and placement facts about one execution
type ExecutionMetrics struct {
	QueueTimeMS     int64  `json:"queue_time_ms,omitempty"`
	ExecutionTimeMS int64  `json:"execution_time_ms,omitempty"`
	RetryCount      int    `json:"retry_count,omitempty"`
	WorkerNode      string `json:"worker_node,omitempty"`
}

// TaskResult is the durable record written when a task reaches a terminal
// status. It exists iff the task is terminal and is written before the
// terminal status becomes visible.
type TaskResult struct {
	TaskID    uuid.UUID        `json:"task_id" db:"task_id"`
	Status    Status           `json:"status" db:"status"`
	Result    []byte           `json:"result,omitempty" db:"result"`
	Error     string           `json:"error,omitempty" db:"error"`
	Metrics   ExecutionMetrics `json:"metrics" db:"-"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}

// Succeeded reports whether the result records a successful execution
func (r *TaskResult) Succeeded() bool { return r.Status == StatusSucceeded }
