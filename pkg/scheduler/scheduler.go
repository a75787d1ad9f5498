// Package scheduler decides which ready task goes where. Two
// implementations share the Scheduler contract: Fair (weighted round-robin
// across priority levels) and Advanced (load balancing, affinity, work
// stealing). The choice is made at deploy time.
package scheduler

import (
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	taskerrors "github.com/taskmesh/taskmesh/pkg/errors"
)

// ScheduleKind selects when a scheduled task fires
type ScheduleKind string

const (
	// ScheduleImmediate fires as soon as the task is added
	ScheduleImmediate ScheduleKind = "immediate"
	// ScheduleAt fires once at an absolute instant
	ScheduleAt ScheduleKind = "at"
	// ScheduleDelayed fires a fixed delay after the last execution
	ScheduleDelayed ScheduleKind = "delayed"
	// ScheduleCron fires per a 5-field cron expression, resolved in UTC
	ScheduleCron ScheduleKind = "cron"
	// ScheduleInterval fires every N seconds from an optional start time
	ScheduleInterval ScheduleKind = "interval"
)

// cronParser accepts standard 5-field expressions
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule is the tagged schedule description
type Schedule struct {
	Kind            ScheduleKind `json:"kind"`
	At              time.Time    `json:"at,omitempty"`
	DelaySeconds    int64        `json:"delay_seconds,omitempty"`
	Expression      string       `json:"expression,omitempty"`
	IntervalSeconds int64        `json:"interval_seconds,omitempty"`
	StartTime       *time.Time   `json:"start_time,omitempty"`
}

// NextExecution computes when the schedule should fire next, given the
// last execution time. A nil return means the schedule never fires again.
func (s Schedule) NextExecution(lastExecuted *time.Time) (*time.Time, error) {
	now := time.Now().UTC()
	switch s.Kind {
	case ScheduleImmediate:
		return &now, nil
	case ScheduleAt:
		// Fires once; after a run it is done
		if lastExecuted == nil && s.At.After(now) {
			at := s.At.UTC()
			return &at, nil
		}
		if lastExecuted == nil {
			return &now, nil
		}
		return nil, nil
	case ScheduleDelayed:
		base := now
		if lastExecuted != nil {
			base = lastExecuted.UTC()
		}
		next := base.Add(time.Duration(s.DelaySeconds) * time.Second)
		return &next, nil
	case ScheduleCron:
		spec, err := cronParser.Parse(s.Expression)
		if err != nil {
			return nil, taskerrors.Wrap(taskerrors.KindInvalidConfiguration, "parse cron expression", err)
		}
		after := now
		if lastExecuted != nil {
			after = lastExecuted.UTC()
		}
		next := spec.Next(after)
		if next.IsZero() {
			return nil, nil
		}
		return &next, nil
	case ScheduleInterval:
		base := now
		if lastExecuted != nil {
			base = lastExecuted.UTC()
		} else if s.StartTime != nil {
			base = s.StartTime.UTC()
		}
		next := base.Add(time.Duration(s.IntervalSeconds) * time.Second)
		return &next, nil
	default:
		return nil, taskerrors.Newf(taskerrors.KindInvalidConfiguration, "unknown schedule kind %q", s.Kind)
	}
}

// Recurring reports whether the schedule fires more than once
func (s Schedule) Recurring() bool {
	switch s.Kind {
	case ScheduleCron, ScheduleInterval, ScheduleDelayed:
		return true
	default:
		return false
	}
}

// Affinity constrains worker placement (Advanced scheduler only)
type Affinity struct {
	Kind    AffinityKind `json:"kind"`
	Workers []string     `json:"workers,omitempty"`
}

// AffinityKind enumerates placement rules
type AffinityKind string

const (
	AffinityNone    AffinityKind = "none"
	AffinityRequire AffinityKind = "require"
	AffinityPrefer  AffinityKind = "prefer"
	AffinityAvoid   AffinityKind = "avoid"
)

// Placement carries advanced-scheduling hints for a task
type Placement struct {
	Affinity Affinity `json:"affinity"`
	// ResourceUsage estimates the fraction of a worker the task consumes
	ResourceUsage float64 `json:"resource_usage"`
	// Stealable marks the task eligible for reassignment before it starts
	Stealable bool `json:"stealable"`
	// Locality is a preferred region or zone tag
	Locality string `json:"locality,omitempty"`
}

// ScheduledTask is a scheduler entry. The scheduler holds projections only;
// the store remains authoritative and entries are reconstructable from it.
type ScheduledTask struct {
	ID              uuid.UUID  `json:"id"`
	Name            string     `json:"name,omitempty"`
	Priority        int32      `json:"priority"`
	Schedule        Schedule   `json:"schedule"`
	Placement       Placement  `json:"placement"`
	Active          bool       `json:"active"`
	SubmittedAt     time.Time  `json:"submitted_at"`
	LastExecutedAt  *time.Time `json:"last_executed_at,omitempty"`
	NextExecutionAt *time.Time `json:"next_execution_at,omitempty"`
	ExecutionCount  uint64     `json:"execution_count"`
	FailureCount    uint64     `json:"failure_count"`
}

// WorkerState is the scheduler's view of one worker
type WorkerState struct {
	ID            string              `json:"id"`
	Load          float64             `json:"load"`
	TaskCount     int                 `json:"task_count"`
	Labels        map[string]struct{} `json:"-"`
	Locality      string              `json:"locality,omitempty"`
	LastHeartbeat time.Time           `json:"last_heartbeat"`
}

// Stats is a point-in-time snapshot of scheduler state
type Stats struct {
	TotalTasks      int           `json:"total_tasks"`
	ReadyTasks      int           `json:"ready_tasks"`
	ScheduledTasks  int           `json:"scheduled_tasks"`
	PausedTasks     int           `json:"paused_tasks"`
	Workers         int           `json:"workers"`
	QueueDepths     map[int32]int `json:"queue_depths,omitempty"`
	StolenTasks     uint64        `json:"stolen_tasks"`
	TotalExecutions uint64        `json:"total_executions"`
}

// Scheduler is the pluggable scheduling contract
type Scheduler interface {
	AddTask(task *ScheduledTask) error
	RemoveTask(id uuid.UUID) error
	GetTask(id uuid.UUID) (*ScheduledTask, bool)
	ListTasks() []*ScheduledTask
	// GetReadyTasks pops up to limit due tasks in scheduling order
	GetReadyTasks(limit int) []*ScheduledTask
	// MarkExecuted records an execution and recomputes the next fire time
	MarkExecuted(id uuid.UUID, success bool) error
	UpdateSchedule(id uuid.UUID, schedule Schedule) error
	Pause(id uuid.UUID) error
	Resume(id uuid.UUID) error
	Stats() Stats
}
