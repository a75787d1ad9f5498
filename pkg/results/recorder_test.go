package results

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/events"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/storage"
)

// checkingBus verifies the store already holds the terminal state when the
// event is published, which is the recorder's ordering contract
type checkingBus struct {
	mu     sync.Mutex
	store  storage.Store
	types  []events.Type
	checks []bool
}

func (b *checkingBus) PublishEvent(ctx context.Context, eventType events.Type, payload interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.types = append(b.types, eventType)

	switch p := payload.(type) {
	case events.TaskCompleted:
		task, err := b.store.Get(ctx, p.TaskID)
		_, resultErr := b.store.GetResult(ctx, p.TaskID)
		b.checks = append(b.checks, err == nil && task.IsTerminal() && resultErr == nil)
	case events.TaskFailed:
		task, err := b.store.Get(ctx, p.TaskID)
		_, resultErr := b.store.GetResult(ctx, p.TaskID)
		b.checks = append(b.checks, err == nil && task.IsTerminal() && resultErr == nil)
	}
	return nil
}

func runningTask(t *testing.T, store *storage.MemoryStore) *models.Task {
	t.Helper()
	ctx := context.Background()
	task := models.NewTask("echo", nil)
	require.NoError(t, store.Create(ctx, task))
	require.NoError(t, store.UpdateStatus(ctx, task.ID, models.StatusQueued, models.StatusData{}))
	require.NoError(t, store.UpdateStatus(ctx, task.ID, models.StatusRunning, models.StatusData{WorkerID: "w1"}))
	return task
}

func TestRecordSuccess(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	bus := &checkingBus{store: store}
	recorder := NewRecorder(nil, store, bus, nil, nil)

	task := runningTask(t, store)

	require.NoError(t, recorder.Record(ctx, queue.TaskResultMessage{
		TaskID:          task.ID,
		Status:          models.StatusSucceeded,
		Success:         true,
		Result:          []byte(`"done"`),
		ExecutionTimeMS: 42,
		WorkerID:        "w1",
	}))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
	assert.Equal(t, "w1", got.StatusData.WorkerID)
	assert.Equal(t, int64(42), got.StatusData.DurationMS)

	result, err := store.GetResult(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte(`"done"`), result.Result)
	assert.Equal(t, "w1", result.Metrics.WorkerNode)

	require.Equal(t, []events.Type{events.TypeTaskCompleted}, bus.types)
	for _, ok := range bus.checks {
		assert.True(t, ok, "store must be terminal before the event is published")
	}
}

func TestRecordSuccessBridgesQueuedThroughRunning(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	bus := &checkingBus{store: store}
	recorder := NewRecorder(nil, store, bus, nil, nil)

	// The Started transition never landed; the task is still queued
	task := models.NewTask("echo", nil)
	require.NoError(t, store.Create(ctx, task))
	require.NoError(t, store.UpdateStatus(ctx, task.ID, models.StatusQueued, models.StatusData{}))

	require.NoError(t, recorder.Record(ctx, queue.TaskResultMessage{
		TaskID:   task.ID,
		Status:   models.StatusSucceeded,
		Success:  true,
		WorkerID: "w1",
	}))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
}

func TestRecordFailure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	bus := &checkingBus{store: store}
	recorder := NewRecorder(nil, store, bus, nil, nil)

	task := runningTask(t, store)

	require.NoError(t, recorder.Record(ctx, queue.TaskResultMessage{
		TaskID:     task.ID,
		Status:     models.StatusFailed,
		Error:      "boom",
		RetryCount: 3,
		WorkerID:   "w1",
	}))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "boom", got.StatusData.Error)
	assert.Equal(t, 3, got.StatusData.Retries)

	require.Equal(t, []events.Type{events.TypeTaskFailed}, bus.types)
	for _, ok := range bus.checks {
		assert.True(t, ok)
	}
}

func TestRecordCancelled(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	bus := &checkingBus{store: store}
	recorder := NewRecorder(nil, store, bus, nil, nil)

	task := runningTask(t, store)

	require.NoError(t, recorder.Record(ctx, queue.TaskResultMessage{
		TaskID:   task.ID,
		Status:   models.StatusCancelled,
		Error:    "user requested",
		WorkerID: "w1",
	}))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, "user requested", got.StatusData.Reason)
	assert.NotNil(t, got.StatusData.CancelledAt)

	assert.Equal(t, []events.Type{events.TypeTaskCancelled}, bus.types)
}

func TestRecordIdempotentOnRedelivery(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	bus := &checkingBus{store: store}
	recorder := NewRecorder(nil, store, bus, nil, nil)

	task := runningTask(t, store)
	msg := queue.TaskResultMessage{
		TaskID:   task.ID,
		Status:   models.StatusSucceeded,
		Success:  true,
		WorkerID: "w1",
	}

	require.NoError(t, recorder.Record(ctx, msg))
	// Redelivery of the same result message is harmless
	require.NoError(t, recorder.Record(ctx, msg))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
}

func TestRecordUnknownTaskKeepsResultRow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	bus := &checkingBus{store: store}
	recorder := NewRecorder(nil, store, bus, nil, nil)

	msg := queue.TaskResultMessage{
		TaskID:   models.NewTask("echo", nil).ID,
		Status:   models.StatusFailed,
		Error:    "boom",
		WorkerID: "w1",
	}
	require.NoError(t, recorder.Record(ctx, msg))

	result, err := store.GetResult(ctx, msg.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, result.Status)
}
