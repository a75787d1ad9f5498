// Package models holds the task data model shared by the manager, the
// workers, and the storage layer.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task
type Status string

const (
	StatusPending             Status = "pending"
	StatusWaitingDependencies Status = "waiting_dependencies"
	StatusQueued              Status = "queued"
	StatusRunning             Status = "running"
	StatusSucceeded           Status = "succeeded"
	StatusFailed              Status = "failed"
	StatusCancelled           Status = "cancelled"
)

// IsTerminal reports whether the status is absorbing
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal transition.
// Re-applying the same status is allowed so status updates stay idempotent.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusWaitingDependencies || next == StatusQueued ||
			next == StatusFailed || next == StatusCancelled
	case StatusWaitingDependencies:
		return next == StatusQueued || next == StatusFailed || next == StatusCancelled
	case StatusQueued:
		return next == StatusRunning || next == StatusFailed || next == StatusCancelled
	case StatusRunning:
		return next == StatusSucceeded || next == StatusFailed || next == StatusCancelled
	default:
		// Terminal states are absorbing
		return false
	}
}

// StatusData carries the variant payload for the current status.
// Only the fields relevant to the status are populated.
type StatusData struct {
	WorkerID    string     `json:"worker_id,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	DurationMS  int64      `json:"duration_ms,omitempty"`
	Error       string     `json:"error,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Retries     int        `json:"retries,omitempty"`
}

// Value implements driver.Valuer for StatusData
func (d StatusData) Value() (driver.Value, error) {
	return json.Marshal(d)
}

// Scan implements sql.Scanner for StatusData
func (d *StatusData) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	default:
		return json.Unmarshal([]byte(v.(string)), d)
	}
}

// BackoffKind selects how retry delays grow between attempts
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy controls redelivery of failed tasks
type RetryPolicy struct {
	MaxAttempts int         `json:"max_attempts"`
	Backoff     BackoffKind `json:"backoff"`
	InitialMS   int64       `json:"initial_ms"`
	MaxMS       int64       `json:"max_ms"`
	Multiplier  float64     `json:"multiplier"`
}

// DefaultRetryPolicy returns the policy applied when a submission carries none
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     BackoffExponential,
		InitialMS:   1000,
		MaxMS:       300000,
		Multiplier:  2.0,
	}
}

// Delay computes the redelivery delay for a 1-based failed attempt number
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := p.InitialMS
	if initial <= 0 {
		initial = 1000
	}
	var ms float64
	switch p.Backoff {
	case BackoffFixed:
		ms = float64(initial)
	case BackoffLinear:
		ms = float64(initial) * float64(attempt)
	default:
		mult := p.Multiplier
		if mult <= 1 {
			mult = 2.0
		}
		ms = float64(initial)
		for i := 1; i < attempt; i++ {
			ms *= mult
			if p.MaxMS > 0 && ms > float64(p.MaxMS) {
				break
			}
		}
	}
	if p.MaxMS > 0 && ms > float64(p.MaxMS) {
		ms = float64(p.MaxMS)
	}
	return time.Duration(ms) * time.Millisecond
}

// ResourceHints are optional placement hints for the scheduler
type ResourceHints struct {
	CPU    string `json:"cpu,omitempty"`
	Memory string `json:"memory,omitempty"`
}

// Metadata is a string map stored as JSONB
type Metadata map[string]string

// Value implements driver.Valuer for Metadata
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return json.Marshal(Metadata{})
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for Metadata
func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return json.Unmarshal([]byte(v.(string)), m)
	}
}

// Task is a named method invocation with inputs, ordering dependencies,
// and retry/timeout policy. Identity is immutable; status is not.
type Task struct {
	ID             uuid.UUID     `json:"id" db:"id"`
	Method         string        `json:"method" db:"method"`
	Args           [][]byte      `json:"args" db:"-"`
	Dependencies   []uuid.UUID   `json:"dependencies" db:"-"`
	Priority       int32         `json:"priority" db:"priority"`
	Metadata       Metadata      `json:"metadata" db:"metadata"`
	RetryPolicy    RetryPolicy   `json:"retry_policy" db:"-"`
	ResourceHints  ResourceHints `json:"resource_hints" db:"-"`
	TimeoutSeconds int64         `json:"timeout_seconds" db:"timeout_seconds"`
	Status         Status        `json:"status" db:"status"`
	StatusData     StatusData    `json:"status_data" db:"status_data"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}

// NewTask creates a pending task with generated id and timestamps
func NewTask(method string, args [][]byte) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:             uuid.New(),
		Method:         method,
		Args:           args,
		Metadata:       Metadata{},
		RetryPolicy:    DefaultRetryPolicy(),
		TimeoutSeconds: 3600,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IsTerminal reports whether the task reached an absorbing status
func (t *Task) IsTerminal() bool { return t.Status.IsTerminal() }

// HasDependencies reports whether the task waits on other tasks
func (t *Task) HasDependencies() bool { return len(t.Dependencies) > 0 }

// ArgsSize returns the aggregate argument size in bytes
func (t *Task) ArgsSize() int {
	total := 0
	for _, a := range t.Args {
		total += len(a)
	}
	return total
}

// Timeout returns the task's execution deadline as a duration
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Clone returns a deep copy so callers can mutate without sharing slices
func (t *Task) Clone() *Task {
	c := *t
	c.Args = make([][]byte, len(t.Args))
	for i, a := range t.Args {
		c.Args[i] = append([]byte(nil), a...)
	}
	c.Dependencies = append([]uuid.UUID(nil), t.Dependencies...)
	c.Metadata = make(Metadata, len(t.Metadata))
	for k, v := range t.Metadata {
		c.Metadata[k] = v
	}
	return &c
}
