package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/events"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/storage"
)

type driverQueuer struct {
	mu       sync.Mutex
	enqueued []queue.QueuedTask
}

func (f *driverQueuer) EnqueueTask(_ context.Context, task queue.QueuedTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, task)
	return nil
}

type driverBus struct {
	mu    sync.Mutex
	types []events.Type
}

func (f *driverBus) PublishEvent(_ context.Context, eventType events.Type, _ interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, eventType)
	return nil
}

func newDriverHarness(t *testing.T, sched Scheduler) (*Driver, *storage.MemoryStore, *driverQueuer, *driverBus) {
	t.Helper()
	store := storage.NewMemoryStore()
	queuer := &driverQueuer{}
	bus := &driverBus{}
	return NewDriver(sched, store, queuer, bus, time.Second, nil), store, queuer, bus
}

func storedTask(t *testing.T, store *storage.MemoryStore) *models.Task {
	t.Helper()
	task := models.NewTask("echo", [][]byte{[]byte(`"tick"`)})
	require.NoError(t, store.Create(context.Background(), task))
	return task
}

func TestDriverDispatchesDueOneShot(t *testing.T) {
	ctx := context.Background()
	driver, store, queuer, bus := newDriverHarness(t, NewFairScheduler())

	task := storedTask(t, store)
	require.NoError(t, driver.Schedule(&ScheduledTask{
		ID:       task.ID,
		Priority: task.Priority,
		Schedule: Schedule{Kind: ScheduleImmediate},
	}))

	driver.Tick(ctx)

	require.Len(t, queuer.enqueued, 1)
	assert.Equal(t, task.ID, queuer.enqueued[0].TaskID)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Contains(t, bus.types, events.TypeTaskQueued)

	// A second tick does not re-fire a one-shot schedule
	driver.Tick(ctx)
	assert.Len(t, queuer.enqueued, 1)
}

func TestDriverFutureEntryWaits(t *testing.T) {
	ctx := context.Background()
	driver, store, queuer, _ := newDriverHarness(t, NewFairScheduler())

	task := storedTask(t, store)
	at := time.Now().UTC().Add(time.Hour)
	require.NoError(t, driver.Schedule(&ScheduledTask{
		ID:       task.ID,
		Schedule: Schedule{Kind: ScheduleAt, At: at},
	}))

	driver.Tick(ctx)
	assert.Empty(t, queuer.enqueued)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestDriverRecurringSpawnsFreshTasks(t *testing.T) {
	ctx := context.Background()
	driver, store, queuer, _ := newDriverHarness(t, NewFairScheduler())

	template := storedTask(t, store)
	require.NoError(t, driver.Schedule(&ScheduledTask{
		ID:       template.ID,
		Schedule: Schedule{Kind: ScheduleInterval, IntervalSeconds: 0},
	}))

	driver.Tick(ctx)
	require.Len(t, queuer.enqueued, 1)
	firstRun := queuer.enqueued[0].TaskID

	// Each firing is a new task id; the template stays pending
	assert.NotEqual(t, template.ID, firstRun)
	run, err := store.Get(ctx, firstRun)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, run.Status)
	assert.Equal(t, template.ID.String(), run.Metadata["scheduled_from"])

	tpl, err := store.Get(ctx, template.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, tpl.Status)

	// The zero-second interval is due again on the next tick
	driver.Tick(ctx)
	require.Len(t, queuer.enqueued, 2)
	assert.NotEqual(t, firstRun, queuer.enqueued[1].TaskID)
}

func TestDriverDropsVanishedEntries(t *testing.T) {
	ctx := context.Background()
	driver, _, queuer, _ := newDriverHarness(t, NewFairScheduler())

	ghost := uuid.New()
	require.NoError(t, driver.Schedule(&ScheduledTask{
		ID:       ghost,
		Schedule: Schedule{Kind: ScheduleImmediate},
	}))

	driver.Tick(ctx)
	assert.Empty(t, queuer.enqueued)
	_, ok := driver.sched.GetTask(ghost)
	assert.False(t, ok, "entries without a stored task are dropped")
}

func TestDriverAdvancedAssignsAndPublishes(t *testing.T) {
	ctx := context.Background()
	advanced := NewAdvancedScheduler(DefaultConfig(), nil)
	driver, store, queuer, bus := newDriverHarness(t, advanced)

	advanced.RegisterWorker(WorkerState{ID: "w1", Load: 0.1})

	task := storedTask(t, store)
	require.NoError(t, driver.Schedule(&ScheduledTask{
		ID:       task.ID,
		Schedule: Schedule{Kind: ScheduleImmediate},
	}))

	driver.Tick(ctx)

	require.Len(t, queuer.enqueued, 1)
	assert.Contains(t, bus.types, events.TypeTaskAssigned)

	workerID, ok := advanced.Assignment(task.ID)
	require.True(t, ok)
	assert.Equal(t, "w1", workerID)
}

func TestDriverWorkerEventsMaintainRegistry(t *testing.T) {
	advanced := NewAdvancedScheduler(DefaultConfig(), nil)
	driver, _, _, _ := newDriverHarness(t, advanced)

	joined, err := events.NewEnvelope(events.TypeWorkerJoined, "w1", events.WorkerJoined{WorkerID: "w1"})
	require.NoError(t, err)
	driver.HandleWorkerEvent(joined)
	assert.Equal(t, 1, advanced.Stats().Workers)

	heartbeat, err := events.NewEnvelope(events.TypeWorkerHeartbeat, "w1", events.WorkerHeartbeat{
		WorkerID: "w1",
		Capacity: events.WorkerCapacity{MaxTasks: 4, RunningTasks: 2},
	})
	require.NoError(t, err)
	driver.HandleWorkerEvent(heartbeat)

	left, err := events.NewEnvelope(events.TypeWorkerLeft, "w1", events.WorkerLeft{WorkerID: "w1"})
	require.NoError(t, err)
	driver.HandleWorkerEvent(left)
	assert.Zero(t, advanced.Stats().Workers)
}
