package scheduler

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	taskerrors "github.com/taskmesh/taskmesh/pkg/errors"
)

// FairScheduler balances across priority levels with weighted round-robin.
// Higher priorities are served first, but a weight that decays with each
// level's recent execution count keeps low levels from starving.
type FairScheduler struct {
	mu sync.Mutex

	tasks map[uuid.UUID]*ScheduledTask
	// readyQueues holds FIFO queues of task ids per priority level
	readyQueues map[int32]*list.List
	// scheduled holds tasks waiting for their fire time
	scheduled map[uuid.UUID]struct{}
	// executionCounts feeds the fairness weight per priority level
	executionCounts map[int32]uint64
	totalExecutions uint64
}

// NewFairScheduler creates an empty fair scheduler
func NewFairScheduler() *FairScheduler {
	return &FairScheduler{
		tasks:           make(map[uuid.UUID]*ScheduledTask),
		readyQueues:     make(map[int32]*list.List),
		scheduled:       make(map[uuid.UUID]struct{}),
		executionCounts: make(map[int32]uint64),
	}
}

// AddTask registers a task, immediately ready or parked on its timer
func (s *FairScheduler) AddTask(task *ScheduledTask) error {
	next, err := task.Schedule.NextExecution(task.LastExecutedAt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; ok {
		return taskerrors.Newf(taskerrors.KindAlreadyExists, "task %s already scheduled", task.ID)
	}

	entry := *task
	entry.NextExecutionAt = next
	if entry.SubmittedAt.IsZero() {
		entry.SubmittedAt = time.Now().UTC()
	}
	entry.Active = true
	s.tasks[task.ID] = &entry

	if next != nil && !next.After(time.Now().UTC()) {
		s.pushReadyLocked(task.ID, entry.Priority)
	} else if next != nil {
		s.scheduled[task.ID] = struct{}{}
	}
	return nil
}

func (s *FairScheduler) pushReadyLocked(id uuid.UUID, priority int32) {
	q, ok := s.readyQueues[priority]
	if !ok {
		q = list.New()
		s.readyQueues[priority] = q
	}
	q.PushBack(id)
}

// RemoveTask drops a task from every structure
func (s *FairScheduler) RemoveTask(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return taskerrors.Newf(taskerrors.KindTaskNotFound, "scheduled task %s not found", id)
	}
	delete(s.tasks, id)
	delete(s.scheduled, id)
	if q, ok := s.readyQueues[task.Priority]; ok {
		for e := q.Front(); e != nil; e = e.Next() {
			if e.Value.(uuid.UUID) == id {
				q.Remove(e)
				break
			}
		}
	}
	return nil
}

// GetTask returns a copy of a scheduler entry
func (s *FairScheduler) GetTask(id uuid.UUID) (*ScheduledTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	copied := *task
	return &copied, true
}

// ListTasks returns copies of every entry
func (s *FairScheduler) ListTasks() []*ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]*ScheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		copied := *task
		tasks = append(tasks, &copied)
	}
	return tasks
}

// checkScheduledLocked moves due timer entries into the ready queues
func (s *FairScheduler) checkScheduledLocked(now time.Time) {
	for id := range s.scheduled {
		task := s.tasks[id]
		if task == nil {
			delete(s.scheduled, id)
			continue
		}
		if task.Active && task.NextExecutionAt != nil && !task.NextExecutionAt.After(now) {
			delete(s.scheduled, id)
			s.pushReadyLocked(id, task.Priority)
		}
	}
}

// weight computes the fairness weight for a priority level. Higher
// priority gets more weight; recent executions decay it.
func (s *FairScheduler) weight(priority int32) float64 {
	base := float64(priority+100) / 100.0
	fairness := 1.0 / (1.0 + float64(s.executionCounts[priority])/100.0)
	return base * fairness
}

// nextPriorityLocked picks the non-empty priority level with the highest
// current weight.
func (s *FairScheduler) nextPriorityLocked() (int32, bool) {
	var levels []int32
	for priority, q := range s.readyQueues {
		if q.Len() > 0 {
			levels = append(levels, priority)
		}
	}
	if len(levels) == 0 {
		return 0, false
	}
	sort.Slice(levels, func(i, j int) bool {
		wi, wj := s.weight(levels[i]), s.weight(levels[j])
		if wi != wj {
			return wi > wj
		}
		return levels[i] > levels[j]
	})
	return levels[0], true
}

// GetReadyTasks pops up to limit due tasks, fairly across priority levels
func (s *FairScheduler) GetReadyTasks(limit int) []*ScheduledTask {
	if limit <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkScheduledLocked(time.Now().UTC())

	var ready []*ScheduledTask
	for len(ready) < limit {
		priority, ok := s.nextPriorityLocked()
		if !ok {
			break
		}
		q := s.readyQueues[priority]
		front := q.Front()
		if front == nil {
			break
		}
		id := q.Remove(front).(uuid.UUID)
		task, ok := s.tasks[id]
		if !ok || !task.Active {
			continue
		}
		s.executionCounts[priority]++
		copied := *task
		ready = append(ready, &copied)
	}
	return ready
}

// MarkExecuted records a run and re-parks recurring schedules
func (s *FairScheduler) MarkExecuted(id uuid.UUID, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return taskerrors.Newf(taskerrors.KindTaskNotFound, "scheduled task %s not found", id)
	}

	now := time.Now().UTC()
	task.LastExecutedAt = &now
	task.ExecutionCount++
	if !success {
		task.FailureCount++
	}
	s.totalExecutions++

	next, err := task.Schedule.NextExecution(task.LastExecutedAt)
	if err != nil {
		return err
	}
	task.NextExecutionAt = next
	if next != nil && task.Schedule.Recurring() {
		s.scheduled[id] = struct{}{}
	}
	return nil
}

// UpdateSchedule swaps the schedule and recomputes the fire time
func (s *FairScheduler) UpdateSchedule(id uuid.UUID, schedule Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return taskerrors.Newf(taskerrors.KindTaskNotFound, "scheduled task %s not found", id)
	}
	next, err := schedule.NextExecution(task.LastExecutedAt)
	if err != nil {
		return err
	}
	task.Schedule = schedule
	task.NextExecutionAt = next
	if next != nil {
		s.scheduled[id] = struct{}{}
	} else {
		delete(s.scheduled, id)
	}
	return nil
}

// Pause deactivates a task without removing it
func (s *FairScheduler) Pause(id uuid.UUID) error {
	return s.setActive(id, false)
}

// Resume reactivates a paused task
func (s *FairScheduler) Resume(id uuid.UUID) error {
	return s.setActive(id, true)
}

func (s *FairScheduler) setActive(id uuid.UUID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return taskerrors.Newf(taskerrors.KindTaskNotFound, "scheduled task %s not found", id)
	}
	task.Active = active
	if active && task.NextExecutionAt != nil {
		s.scheduled[id] = struct{}{}
	}
	return nil
}

// Stats snapshots the scheduler state
func (s *FairScheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	depths := make(map[int32]int, len(s.readyQueues))
	ready := 0
	for priority, q := range s.readyQueues {
		depths[priority] = q.Len()
		ready += q.Len()
	}
	paused := 0
	for _, task := range s.tasks {
		if !task.Active {
			paused++
		}
	}
	return Stats{
		TotalTasks:      len(s.tasks),
		ReadyTasks:      ready,
		ScheduledTasks:  len(s.scheduled),
		PausedTasks:     paused,
		QueueDepths:     depths,
		TotalExecutions: s.totalExecutions,
	}
}
