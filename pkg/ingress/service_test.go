package ingress

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/cancellation"
	taskerrors "github.com/taskmesh/taskmesh/pkg/errors"
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

type fakeBus struct {
	mu    sync.Mutex
	types []events.Type
}

func (f *fakeBus) PublishEvent(_ context.Context, eventType events.Type, _ interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, eventType)
	return nil
}

type fakeRegistrar struct {
	registered map[uuid.UUID][]uuid.UUID
	removed    []uuid.UUID
}

func (f *fakeRegistrar) Register(taskID uuid.UUID, deps []uuid.UUID) {
	if f.registered == nil {
		f.registered = make(map[uuid.UUID][]uuid.UUID)
	}
	f.registered[taskID] = deps
}

func (f *fakeRegistrar) Remove(taskID uuid.UUID) {
	f.removed = append(f.removed, taskID)
}

type fakeBroadcaster struct {
	requests []uuid.UUID
}

func (f *fakeBroadcaster) PublishCancelRequest(_ context.Context, taskID uuid.UUID, _ string) error {
	f.requests = append(f.requests, taskID)
	return nil
}

func newTestService(t *testing.T) (*Service, *storage.MemoryStore, *fakeQueuer, *fakeBus, *fakeRegistrar, *fakeBroadcaster, *cancellation.Manager) {
	t.Helper()
	store := storage.NewMemoryStore()
	queuer := &fakeQueuer{}
	bus := &fakeBus{}
	registrar := &fakeRegistrar{}
	broadcaster := &fakeBroadcaster{}
	cancelMgr := cancellation.NewManager()
	svc := NewService(NewValidator(), store, queuer, bus, registrar, cancelMgr, broadcaster, nil, nil)
	return svc, store, queuer, bus, registrar, broadcaster, cancelMgr
}

func TestSubmitWithoutDependenciesQueuesImmediately(t *testing.T) {
	ctx := context.Background()
	svc, store, queuer, bus, _, _, _ := newTestService(t)

	handle, err := svc.Submit(ctx, Submission{Method: "echo", Args: [][]byte{[]byte(`"a"`)}})
	require.NoError(t, err)

	task, err := store.Get(ctx, handle.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, task.Status)

	require.Len(t, queuer.enqueued, 1)
	assert.Equal(t, handle.TaskID, queuer.enqueued[0].TaskID)
	assert.Equal(t, "echo", queuer.enqueued[0].Method)

	assert.Equal(t, []events.Type{events.TypeTaskCreated, events.TypeTaskQueued}, bus.types)
}

func TestSubmitWithDependenciesParks(t *testing.T) {
	ctx := context.Background()
	svc, store, queuer, _, registrar, _, _ := newTestService(t)

	dep := uuid.New()
	handle, err := svc.Submit(ctx, Submission{
		Method:       "echo",
		Dependencies: []uuid.UUID{dep},
	})
	require.NoError(t, err)

	task, err := store.Get(ctx, handle.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitingDependencies, task.Status)
	assert.Empty(t, queuer.enqueued)
	assert.Equal(t, []uuid.UUID{dep}, registrar.registered[handle.TaskID])
}

func TestSubmitHonorsClientID(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _, _, _, _ := newTestService(t)

	id := uuid.New()
	handle, err := svc.Submit(ctx, Submission{TaskID: id, Method: "echo"})
	require.NoError(t, err)
	assert.Equal(t, id, handle.TaskID)
}

func TestSubmitDuplicateIDConflicts(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _, _, _, _ := newTestService(t)

	id := uuid.New()
	_, err := svc.Submit(ctx, Submission{TaskID: id, Method: "echo"})
	require.NoError(t, err)

	_, err = svc.Submit(ctx, Submission{TaskID: id, Method: "echo"})
	require.Error(t, err)
	assert.True(t, taskerrors.IsKind(err, taskerrors.KindAlreadyExists))
}

func TestSubmitRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	svc, store, queuer, _, _, _, _ := newTestService(t)

	_, err := svc.Submit(ctx, Submission{Method: ""})
	require.Error(t, err)
	assert.True(t, taskerrors.IsKind(err, taskerrors.KindInvalidConfiguration))

	// Nothing was persisted or enqueued
	tasks, err := store.List(ctx, nil, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Empty(t, queuer.enqueued)
}

func TestCancelBeforeStart(t *testing.T) {
	ctx := context.Background()
	svc, store, _, bus, registrar, broadcaster, _ := newTestService(t)

	dep := uuid.New()
	handle, err := svc.Submit(ctx, Submission{Method: "echo", Dependencies: []uuid.UUID{dep}})
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, handle.TaskID, "changed my mind"))

	task, err := store.Get(ctx, handle.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, task.Status)
	assert.Equal(t, "changed my mind", task.StatusData.Reason)

	// Result row exists for the terminal task
	result, err := store.GetResult(ctx, handle.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, result.Status)

	assert.Contains(t, bus.types, events.TypeTaskCancelled)
	assert.Contains(t, registrar.removed, handle.TaskID)
	// Broadcast still fires: a worker could fetch a stale delivery later
	assert.Equal(t, []uuid.UUID{handle.TaskID}, broadcaster.requests)
}

func TestCancelRunningBroadcastsOnly(t *testing.T) {
	ctx := context.Background()
	svc, store, _, bus, _, broadcaster, _ := newTestService(t)

	handle, err := svc.Submit(ctx, Submission{Method: "sleep"})
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, handle.TaskID, models.StatusRunning, models.StatusData{WorkerID: "w1"}))

	busLenBefore := len(bus.types)
	require.NoError(t, svc.Cancel(ctx, handle.TaskID, "stop"))

	// The running task is not finalized by the manager; the worker will
	// report the actual outcome
	task, err := store.Get(ctx, handle.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, task.Status)
	assert.Equal(t, []uuid.UUID{handle.TaskID}, broadcaster.requests)
	assert.Len(t, bus.types, busLenBefore, "no terminal event until the handler exits")
}

func TestCancelTerminalTaskFails(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _, _, _, _ := newTestService(t)

	handle, err := svc.Submit(ctx, Submission{Method: "echo"})
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, handle.TaskID, models.StatusRunning, models.StatusData{}))
	require.NoError(t, store.UpdateStatus(ctx, handle.TaskID, models.StatusSucceeded, models.StatusData{}))

	err = svc.Cancel(ctx, handle.TaskID, "too late")
	assert.Error(t, err)
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _, _, _, cancelMgr := newTestService(t)

	handle, err := svc.Submit(ctx, Submission{Method: "echo"})
	require.NoError(t, err)

	require.NoError(t, svc.Pause(ctx, handle.TaskID))
	assert.True(t, cancelMgr.IsPaused(handle.TaskID))

	require.NoError(t, svc.Resume(ctx, handle.TaskID))
	assert.False(t, cancelMgr.IsPaused(handle.TaskID))
}

func TestPauseUnknownTask(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _, _, _, _ := newTestService(t)
	err := svc.Pause(ctx, uuid.New())
	assert.True(t, taskerrors.IsKind(err, taskerrors.KindTaskNotFound))
}

func TestHandlePollReflectsTerminalState(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _, _, _, _ := newTestService(t)

	handle, err := svc.Submit(ctx, Submission{Method: "echo"})
	require.NoError(t, err)

	status, result, err := handle.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, status)
	assert.Nil(t, result)

	require.NoError(t, store.StoreResult(ctx, &models.TaskResult{
		TaskID: handle.TaskID, Status: models.StatusSucceeded, Result: []byte(`"done"`),
	}))
	require.NoError(t, store.UpdateStatus(ctx, handle.TaskID, models.StatusRunning, models.StatusData{}))
	require.NoError(t, store.UpdateStatus(ctx, handle.TaskID, models.StatusSucceeded, models.StatusData{}))

	status, result, err = handle.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, status)
	require.NotNil(t, result)
	assert.Equal(t, []byte(`"done"`), result.Result)
}
