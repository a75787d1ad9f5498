// Package events defines the typed task lifecycle events published on the
// broker and the subjects they travel on. The event bus is the only
// integration point between components; there are no in-process callbacks.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// Type tags the event variant carried by an envelope
type Type string

const (
	TypeTaskCreated       Type = "task.created"
	TypeTaskQueued        Type = "task.queued"
	TypeTaskAssigned      Type = "task.assigned"
	TypeTaskStarted       Type = "task.started"
	TypeTaskCompleted     Type = "task.completed"
	TypeTaskFailed        Type = "task.failed"
	TypeTaskRetrying      Type = "task.retrying"
	TypeTaskCancelled     Type = "task.cancelled"
	TypeUnsupportedMethod Type = "task.unsupported_method"
	TypeWorkerJoined      Type = "worker.joined"
	TypeWorkerLeft        Type = "worker.left"
	TypeWorkerHeartbeat   Type = "worker.heartbeat"
)

// Envelope wraps every event on the bus. Payload holds the variant struct
// for Type; envelopes that fail to decode are skipped by consumers.
type Envelope struct {
	ID        uuid.UUID       `json:"id"`
	Type      Type            `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope wraps a payload struct for publication
func NewEnvelope(eventType Type, source string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &Envelope{
		ID:        uuid.New(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   data,
	}, nil
}

// Decode unmarshals the payload into the variant struct for the type
func (e *Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// TaskCreated is published when ingress accepts a submission
type TaskCreated struct {
	TaskID       uuid.UUID   `json:"task_id"`
	Method       string      `json:"method"`
	Priority     int32       `json:"priority"`
	Dependencies []uuid.UUID `json:"dependencies,omitempty"`
}

// TaskQueued is published when a task is enqueued on the work stream
type TaskQueued struct {
	TaskID uuid.UUID `json:"task_id"`
}

// TaskAssigned is published when the scheduler binds a task to a worker
type TaskAssigned struct {
	TaskID   uuid.UUID `json:"task_id"`
	WorkerID string    `json:"worker_id"`
}

// TaskStarted is published when a worker begins executing a task
type TaskStarted struct {
	TaskID   uuid.UUID `json:"task_id"`
	WorkerID string    `json:"worker_id"`
}

// TaskCompleted is published after the result row is durable
type TaskCompleted struct {
	TaskID     uuid.UUID               `json:"task_id"`
	WorkerID   string                  `json:"worker_id"`
	DurationMS int64                   `json:"duration_ms"`
	Metrics    models.ExecutionMetrics `json:"metrics"`
}

// TaskFailed is published when a task fails with no retries remaining
type TaskFailed struct {
	TaskID     uuid.UUID `json:"task_id"`
	WorkerID   string    `json:"worker_id,omitempty"`
	Error      string    `json:"error"`
	RetryCount int       `json:"retry_count"`
	// WillRetry is reserved for producers that fold retry notices into
	// failure events; current producers publish TaskRetrying instead and
	// always leave this false
	WillRetry bool `json:"will_retry"`
}

// TaskRetrying is published before a failed delivery is redelivered
type TaskRetrying struct {
	TaskID       uuid.UUID `json:"task_id"`
	Attempt      int       `json:"attempt"`
	DelaySeconds float64   `json:"delay_seconds"`
	Reason       string    `json:"reason"`
}

// TaskCancelled is published when a handler observes cancellation
type TaskCancelled struct {
	TaskID   uuid.UUID `json:"task_id"`
	WorkerID string    `json:"worker_id,omitempty"`
	Reason   string    `json:"reason"`
}

// UnsupportedMethod is published when a worker has no handler for a method
type UnsupportedMethod struct {
	TaskID   uuid.UUID `json:"task_id"`
	Method   string    `json:"method"`
	WorkerID string    `json:"worker_id"`
}

// WorkerCapacity samples a worker's headroom for heartbeats
type WorkerCapacity struct {
	MaxTasks     int `json:"max_tasks"`
	RunningTasks int `json:"running_tasks"`
}

// WorkerJoined is published when a worker starts consuming
type WorkerJoined struct {
	WorkerID         string   `json:"worker_id"`
	NodeName         string   `json:"node_name"`
	SupportedMethods []string `json:"supported_methods"`
}

// WorkerLeft is published after a worker drains its in-flight tasks
type WorkerLeft struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason"`
}

// WorkerHeartbeat is published on the heartbeat interval
type WorkerHeartbeat struct {
	WorkerID    string         `json:"worker_id"`
	NodeName    string         `json:"node_name"`
	ActiveTasks []uuid.UUID    `json:"active_tasks"`
	Capacity    WorkerCapacity `json:"capacity"`
}
