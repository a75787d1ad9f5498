package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"

	taskerrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/observability"
)

// Config tunes the advanced scheduler
type Config struct {
	EnableWorkStealing   bool
	StealThreshold       float64
	MaxLoadImbalance     float64
	WorkerTimeoutSeconds int64
}

// DefaultConfig returns the stock tuning
func DefaultConfig() Config {
	return Config{
		EnableWorkStealing:   true,
		StealThreshold:       0.8,
		MaxLoadImbalance:     0.3,
		WorkerTimeoutSeconds: 60,
	}
}

// readyItem orders the ready heap by (priority desc, submitted asc)
type readyItem struct {
	id        uuid.UUID
	priority  int32
	submitted time.Time
	index     int
}

type readyHeap []*readyItem

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].submitted.Before(h[j].submitted)
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x interface{}) {
	item := x.(*readyItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Steal describes one reassignment decision
type Steal struct {
	TaskID     uuid.UUID
	FromWorker string
	ToWorker   string
}

// AdvancedScheduler adds worker registry, affinity-aware assignment, and
// work stealing on top of a priority heap.
type AdvancedScheduler struct {
	mu sync.Mutex

	tasks     map[uuid.UUID]*ScheduledTask
	ready     readyHeap
	readySet  map[uuid.UUID]*readyItem
	scheduled map[uuid.UUID]struct{}

	workers map[string]*WorkerState
	// assignments maps a task to the worker it is bound to; modified and
	// read only under the scheduler lock
	assignments map[uuid.UUID]string
	// stealQueue holds ids of stealable, not-yet-started tasks in
	// assignment order
	stealQueue []uuid.UUID
	// running marks tasks that have begun executing; they are never stolen
	running map[uuid.UUID]struct{}

	config          Config
	stolen          uint64
	totalExecutions uint64
	logger          observability.Logger
}

// NewAdvancedScheduler creates an advanced scheduler
func NewAdvancedScheduler(config Config, logger observability.Logger) *AdvancedScheduler {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if config.StealThreshold == 0 {
		config.StealThreshold = 0.8
	}
	if config.MaxLoadImbalance == 0 {
		config.MaxLoadImbalance = 0.3
	}
	if config.WorkerTimeoutSeconds == 0 {
		config.WorkerTimeoutSeconds = 60
	}
	return &AdvancedScheduler{
		tasks:       make(map[uuid.UUID]*ScheduledTask),
		readySet:    make(map[uuid.UUID]*readyItem),
		scheduled:   make(map[uuid.UUID]struct{}),
		workers:     make(map[string]*WorkerState),
		assignments: make(map[uuid.UUID]string),
		running:     make(map[uuid.UUID]struct{}),
		config:      config,
		logger:      logger,
	}
}

// RegisterWorker adds or replaces a worker in the registry
func (s *AdvancedScheduler) RegisterWorker(worker WorkerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	worker.LastHeartbeat = time.Now().UTC()
	s.workers[worker.ID] = &worker
	s.logger.Info("Registered worker", map[string]interface{}{"worker_id": worker.ID})
}

// UpdateWorker refreshes a worker's load and heartbeat. Unknown workers
// are registered on the fly so heartbeat ingestion survives restarts.
func (s *AdvancedScheduler) UpdateWorker(workerID string, load float64, taskCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	worker, ok := s.workers[workerID]
	if !ok {
		worker = &WorkerState{ID: workerID}
		s.workers[workerID] = worker
	}
	worker.Load = load
	worker.TaskCount = taskCount
	worker.LastHeartbeat = time.Now().UTC()
}

// RemoveWorker drops a worker, clearing its assignments. Returns the
// task ids that were bound to it so the caller can requeue them.
func (s *AdvancedScheduler) RemoveWorker(workerID string) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeWorkerLocked(workerID)
}

func (s *AdvancedScheduler) removeWorkerLocked(workerID string) []uuid.UUID {
	delete(s.workers, workerID)
	var orphaned []uuid.UUID
	for taskID, assigned := range s.assignments {
		if assigned != workerID {
			continue
		}
		delete(s.assignments, taskID)
		if _, isRunning := s.running[taskID]; !isRunning {
			orphaned = append(orphaned, taskID)
		}
	}
	return orphaned
}

// CleanupInactiveWorkers drops workers whose heartbeat is older than the
// configured timeout and returns the stealable tasks they stranded.
func (s *AdvancedScheduler) CleanupInactiveWorkers() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-time.Duration(s.config.WorkerTimeoutSeconds) * time.Second)
	var orphaned []uuid.UUID
	for id, worker := range s.workers {
		if worker.LastHeartbeat.Before(cutoff) {
			s.logger.Warn("Removing inactive worker", map[string]interface{}{"worker_id": id})
			orphaned = append(orphaned, s.removeWorkerLocked(id)...)
		}
	}
	return orphaned
}

// AssignTask binds a ready task to the best eligible worker: affinity
// filter first, then lowest load with a small penalty for locality
// mismatch. Returns the chosen worker id.
func (s *AdvancedScheduler) AssignTask(taskID uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return "", taskerrors.Newf(taskerrors.KindTaskNotFound, "scheduled task %s not found", taskID)
	}
	workerID, ok := s.findBestWorkerLocked(task)
	if !ok {
		return "", taskerrors.New(taskerrors.KindInvalidConfiguration, "no eligible worker available")
	}
	s.assignments[taskID] = workerID
	if task.Placement.Stealable {
		s.stealQueue = append(s.stealQueue, taskID)
	}
	return workerID, nil
}

func (s *AdvancedScheduler) findBestWorkerLocked(task *ScheduledTask) (string, bool) {
	var bestID string
	bestScore := 0.0
	found := false
	for id, worker := range s.workers {
		if !eligible(task.Placement.Affinity, id) {
			continue
		}
		score := worker.Load
		if task.Placement.Locality != "" && task.Placement.Locality != worker.Locality {
			score += 0.1
		}
		if !found || score < bestScore {
			bestID = id
			bestScore = score
			found = true
		}
	}
	return bestID, found
}

func eligible(affinity Affinity, workerID string) bool {
	switch affinity.Kind {
	case AffinityRequire:
		return contains(affinity.Workers, workerID)
	case AffinityAvoid:
		return !contains(affinity.Workers, workerID)
	default:
		// Prefer is a soft constraint; scoring could weight it, the
		// filter does not
		return true
	}
}

func contains(workers []string, id string) bool {
	for _, w := range workers {
		if w == id {
			return true
		}
	}
	return false
}

// MarkRunning records that a task began executing; it can no longer be
// stolen.
func (s *AdvancedScheduler) MarkRunning(taskID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[taskID] = struct{}{}
}

// Assignment returns the worker a task is bound to
func (s *AdvancedScheduler) Assignment(taskID uuid.UUID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	workerID, ok := s.assignments[taskID]
	return workerID, ok
}

// TryWorkStealing moves stealable tasks off overloaded workers when the
// load spread exceeds the configured imbalance. Running tasks are never
// stolen.
func (s *AdvancedScheduler) TryWorkStealing() []Steal {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.config.EnableWorkStealing || len(s.workers) == 0 {
		return nil
	}

	var minLoad, maxLoad, sum float64
	first := true
	for _, worker := range s.workers {
		if first {
			minLoad, maxLoad = worker.Load, worker.Load
			first = false
		} else {
			if worker.Load < minLoad {
				minLoad = worker.Load
			}
			if worker.Load > maxLoad {
				maxLoad = worker.Load
			}
		}
		sum += worker.Load
	}
	if maxLoad-minLoad <= s.config.MaxLoadImbalance || maxLoad <= s.config.StealThreshold {
		return nil
	}

	avg := sum / float64(len(s.workers))
	underloaded := make([]string, 0)
	for id, worker := range s.workers {
		if worker.Load < avg-s.config.MaxLoadImbalance {
			underloaded = append(underloaded, id)
		}
	}
	if len(underloaded) == 0 {
		return nil
	}

	var steals []Steal
	remaining := s.stealQueue[:0]
	target := 0
	for _, taskID := range s.stealQueue {
		if _, isRunning := s.running[taskID]; isRunning {
			continue
		}
		fromWorker, assigned := s.assignments[taskID]
		if !assigned {
			continue
		}
		from, ok := s.workers[fromWorker]
		if !ok || from.Load <= s.config.StealThreshold {
			remaining = append(remaining, taskID)
			continue
		}
		toWorker := underloaded[target%len(underloaded)]
		target++
		s.assignments[taskID] = toWorker
		s.stolen++
		steals = append(steals, Steal{TaskID: taskID, FromWorker: fromWorker, ToWorker: toWorker})
	}
	s.stealQueue = remaining

	if len(steals) > 0 {
		s.logger.Info("Stole tasks from overloaded workers", map[string]interface{}{
			"count": len(steals),
		})
	}
	return steals
}

// AddTask registers a task on the heap or the timer set
func (s *AdvancedScheduler) AddTask(task *ScheduledTask) error {
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
		s.pushReadyLocked(&entry)
	} else if next != nil {
		s.scheduled[task.ID] = struct{}{}
	}
	return nil
}

func (s *AdvancedScheduler) pushReadyLocked(task *ScheduledTask) {
	if _, ok := s.readySet[task.ID]; ok {
		return
	}
	item := &readyItem{id: task.ID, priority: task.Priority, submitted: task.SubmittedAt}
	heap.Push(&s.ready, item)
	s.readySet[task.ID] = item
}

// RemoveTask drops a task from every structure
func (s *AdvancedScheduler) RemoveTask(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return taskerrors.Newf(taskerrors.KindTaskNotFound, "scheduled task %s not found", id)
	}
	delete(s.tasks, id)
	delete(s.scheduled, id)
	delete(s.assignments, id)
	delete(s.running, id)
	if item, ok := s.readySet[id]; ok {
		heap.Remove(&s.ready, item.index)
		delete(s.readySet, id)
	}
	return nil
}

// GetTask returns a copy of a scheduler entry
func (s *AdvancedScheduler) GetTask(id uuid.UUID) (*ScheduledTask, bool) {
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
func (s *AdvancedScheduler) ListTasks() []*ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]*ScheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		copied := *task
		tasks = append(tasks, &copied)
	}
	return tasks
}

func (s *AdvancedScheduler) checkScheduledLocked(now time.Time) {
	for id := range s.scheduled {
		task := s.tasks[id]
		if task == nil {
			delete(s.scheduled, id)
			continue
		}
		if task.Active && task.NextExecutionAt != nil && !task.NextExecutionAt.After(now) {
			delete(s.scheduled, id)
			s.pushReadyLocked(task)
		}
	}
}

// GetReadyTasks pops up to limit due tasks in (priority, submission) order
func (s *AdvancedScheduler) GetReadyTasks(limit int) []*ScheduledTask {
	if limit <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkScheduledLocked(time.Now().UTC())

	var ready []*ScheduledTask
	for len(ready) < limit && s.ready.Len() > 0 {
		item := heap.Pop(&s.ready).(*readyItem)
		delete(s.readySet, item.id)
		task, ok := s.tasks[item.id]
		if !ok || !task.Active {
			continue
		}
		copied := *task
		ready = append(ready, &copied)
	}
	return ready
}

// MarkExecuted records a run, clears the assignment, and re-parks
// recurring schedules
func (s *AdvancedScheduler) MarkExecuted(id uuid.UUID, success bool) error {
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
	delete(s.assignments, id)
	delete(s.running, id)

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
func (s *AdvancedScheduler) UpdateSchedule(id uuid.UUID, schedule Schedule) error {
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
func (s *AdvancedScheduler) Pause(id uuid.UUID) error {
	return s.setActive(id, false)
}

// Resume reactivates a paused task
func (s *AdvancedScheduler) Resume(id uuid.UUID) error {
	return s.setActive(id, true)
}

func (s *AdvancedScheduler) setActive(id uuid.UUID, active bool) error {
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
func (s *AdvancedScheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	paused := 0
	for _, task := range s.tasks {
		if !task.Active {
			paused++
		}
	}
	return Stats{
		TotalTasks:      len(s.tasks),
		ReadyTasks:      s.ready.Len(),
		ScheduledTasks:  len(s.scheduled),
		PausedTasks:     paused,
		Workers:         len(s.workers),
		StolenTasks:     s.stolen,
		TotalExecutions: s.totalExecutions,
	}
}
