package dependency

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

type fakeQueuer struct {
	mu       sync.Mutex
	enqueued []queue.QueuedTask
}

func (f *fakeQueuer) EnqueueTask(_ context.Context, task queue.QueuedTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, task)
	return nil
}

func (f *fakeQueuer) ids() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]uuid.UUID, len(f.enqueued))
	for i, t := range f.enqueued {
		ids[i] = t.TaskID
	}
	return ids
}

type publishedEvent struct {
	eventType events.Type
	payload   interface{}
}

type fakeBus struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakeBus) PublishEvent(_ context.Context, eventType events.Type, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{eventType, payload})
	return nil
}

func (f *fakeBus) typesSeen() []events.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]events.Type, len(f.events))
	for i, e := range f.events {
		types[i] = e.eventType
	}
	return types
}

func newTestManager(t *testing.T) (*Manager, *storage.MemoryStore, *fakeQueuer, *fakeBus) {
	t.Helper()
	store := storage.NewMemoryStore()
	queuer := &fakeQueuer{}
	bus := &fakeBus{}
	return NewManager(store, queuer, bus, nil, nil), store, queuer, bus
}

func createWaiting(t *testing.T, store *storage.MemoryStore, deps ...uuid.UUID) *models.Task {
	t.Helper()
	task := models.NewTask("echo", [][]byte{[]byte(`"x"`)})
	task.Dependencies = deps
	require.NoError(t, store.Create(context.Background(), task))
	require.NoError(t, store.UpdateStatus(context.Background(), task.ID, models.StatusWaitingDependencies, models.StatusData{}))
	return task
}

func createTerminal(t *testing.T, store *storage.MemoryStore, status models.Status) *models.Task {
	t.Helper()
	ctx := context.Background()
	task := models.NewTask("echo", nil)
	require.NoError(t, store.Create(ctx, task))
	require.NoError(t, store.UpdateStatus(ctx, task.ID, models.StatusQueued, models.StatusData{}))
	if status == models.StatusSucceeded || status == models.StatusFailed {
		require.NoError(t, store.UpdateStatus(ctx, task.ID, models.StatusRunning, models.StatusData{}))
	}
	if status != models.StatusQueued {
		require.NoError(t, store.UpdateStatus(ctx, task.ID, status, models.StatusData{}))
	}
	return task
}

func TestReleaseWhenLastDependencySucceeds(t *testing.T) {
	ctx := context.Background()
	manager, store, queuer, bus := newTestManager(t)

	dep := createTerminal(t, store, models.StatusSucceeded)
	waiter := createWaiting(t, store, dep.ID)
	manager.Register(waiter.ID, waiter.Dependencies)

	require.NoError(t, manager.HandleResolved(ctx, dep.ID))

	assert.Equal(t, []uuid.UUID{waiter.ID}, queuer.ids())
	got, err := store.Get(ctx, waiter.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Contains(t, bus.typesSeen(), events.TypeTaskQueued)
}

func TestWaiterStaysParkedUntilAllDependenciesResolve(t *testing.T) {
	ctx := context.Background()
	manager, store, queuer, _ := newTestManager(t)

	done := createTerminal(t, store, models.StatusSucceeded)
	pending := createTerminal(t, store, models.StatusQueued)
	waiter := createWaiting(t, store, done.ID, pending.ID)
	manager.Register(waiter.ID, waiter.Dependencies)

	require.NoError(t, manager.HandleResolved(ctx, done.ID))

	assert.Empty(t, queuer.ids(), "fan-in waiter must not release early")
	got, err := store.Get(ctx, waiter.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitingDependencies, got.Status)
}

func TestFanInReleasesAfterBoth(t *testing.T) {
	ctx := context.Background()
	manager, store, queuer, _ := newTestManager(t)

	b := createTerminal(t, store, models.StatusSucceeded)
	c := createTerminal(t, store, models.StatusQueued)
	d := createWaiting(t, store, b.ID, c.ID)
	manager.Register(d.ID, d.Dependencies)

	require.NoError(t, manager.HandleResolved(ctx, b.ID))
	assert.Empty(t, queuer.ids())

	require.NoError(t, store.UpdateStatus(ctx, c.ID, models.StatusRunning, models.StatusData{}))
	require.NoError(t, store.UpdateStatus(ctx, c.ID, models.StatusSucceeded, models.StatusData{}))
	require.NoError(t, manager.HandleResolved(ctx, c.ID))

	assert.Equal(t, []uuid.UUID{d.ID}, queuer.ids())
}

func TestDoomOnFailedDependency(t *testing.T) {
	ctx := context.Background()
	manager, store, queuer, bus := newTestManager(t)

	dep := createTerminal(t, store, models.StatusFailed)
	waiter := createWaiting(t, store, dep.ID)
	manager.Register(waiter.ID, waiter.Dependencies)

	require.NoError(t, manager.HandleResolved(ctx, dep.ID))

	assert.Empty(t, queuer.ids(), "doomed waiter must never be enqueued")

	got, err := store.Get(ctx, waiter.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.StatusData.Error, dep.ID.String())
	assert.Zero(t, got.StatusData.Retries)

	// Result row exists for the terminal task
	result, err := store.GetResult(ctx, waiter.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, result.Status)

	// The failure event lets transitive waiters collapse
	assert.Contains(t, bus.typesSeen(), events.TypeTaskFailed)
}

func TestDoomOnCancelledDependency(t *testing.T) {
	ctx := context.Background()
	manager, store, _, _ := newTestManager(t)

	dep := createTerminal(t, store, models.StatusCancelled)
	waiter := createWaiting(t, store, dep.ID)
	manager.Register(waiter.ID, waiter.Dependencies)

	require.NoError(t, manager.HandleResolved(ctx, dep.ID))

	got, err := store.Get(ctx, waiter.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestDoomOnMissingDependency(t *testing.T) {
	ctx := context.Background()
	manager, store, _, _ := newTestManager(t)

	ghost := uuid.New()
	waiter := createWaiting(t, store, ghost)
	manager.Register(waiter.ID, waiter.Dependencies)

	// The reconciler path drives this check directly
	_, err := manager.checkWaiter(ctx, waiter.ID)
	require.NoError(t, err)

	got, err := store.Get(ctx, waiter.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.StatusData.Error, "not found")
}

func TestTransitiveCascade(t *testing.T) {
	ctx := context.Background()
	manager, store, queuer, bus := newTestManager(t)

	// a (failed) <- b <- c
	a := createTerminal(t, store, models.StatusFailed)
	b := createWaiting(t, store, a.ID)
	c := createWaiting(t, store, b.ID)
	manager.Register(b.ID, b.Dependencies)
	manager.Register(c.ID, c.Dependencies)

	require.NoError(t, manager.HandleResolved(ctx, a.ID))
	// The doom of b publishes a failed event; the listener would feed it
	// back, which this simulates
	require.NoError(t, manager.HandleResolved(ctx, b.ID))

	for _, id := range []uuid.UUID{b.ID, c.ID} {
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status, "task %s", id)
	}
	assert.Empty(t, queuer.ids())
	assert.GreaterOrEqual(t, len(bus.typesSeen()), 2)
}

func TestRemoveDropsWaiterEverywhere(t *testing.T) {
	manager, _, _, _ := newTestManager(t)

	dep := uuid.New()
	waiter := uuid.New()
	manager.Register(waiter, []uuid.UUID{dep})
	require.Equal(t, 1, manager.WaiterCount(dep))

	manager.Remove(waiter)
	assert.Zero(t, manager.WaiterCount(dep))
}

func TestRebuildFromStore(t *testing.T) {
	ctx := context.Background()
	manager, store, _, _ := newTestManager(t)

	dep := uuid.New()
	waiter := createWaiting(t, store, dep)

	require.NoError(t, manager.Rebuild(ctx))
	assert.Equal(t, 1, manager.WaiterCount(dep))

	// And the rebuilt index releases as usual once the dep succeeds
	depTask := models.NewTask("echo", nil)
	depTask.ID = dep
	require.NoError(t, store.Create(ctx, depTask))
	require.NoError(t, store.UpdateStatus(ctx, dep, models.StatusQueued, models.StatusData{}))
	require.NoError(t, store.UpdateStatus(ctx, dep, models.StatusRunning, models.StatusData{}))
	require.NoError(t, store.UpdateStatus(ctx, dep, models.StatusSucceeded, models.StatusData{}))

	require.NoError(t, manager.HandleResolved(ctx, dep))
	got, err := store.Get(ctx, waiter.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
}

func TestReconcilerHealsMissedCompletion(t *testing.T) {
	ctx := context.Background()
	manager, store, queuer, _ := newTestManager(t)

	dep := createTerminal(t, store, models.StatusSucceeded)
	waiter := createWaiting(t, store, dep.ID)
	// Deliberately NOT registered: simulates a crash that lost the index

	reconciler := NewReconciler(manager, store, time.Hour, nil)
	require.NoError(t, reconciler.Reconcile(ctx))

	assert.Equal(t, []uuid.UUID{waiter.ID}, queuer.ids())
	got, err := store.Get(ctx, waiter.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
}
