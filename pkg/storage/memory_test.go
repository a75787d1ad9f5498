package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	taskerrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/models"
)

func TestMemoryStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	task := models.NewTask("echo", [][]byte{[]byte(`"a"`)})
	require.NoError(t, store.Create(ctx, task))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "echo", got.Method)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestMemoryStoreDuplicateCreate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	task := models.NewTask("echo", nil)
	require.NoError(t, store.Create(ctx, task))

	err := store.Create(ctx, task)
	require.Error(t, err)
	assert.True(t, taskerrors.IsKind(err, taskerrors.KindAlreadyExists))
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, taskerrors.IsKind(err, taskerrors.KindTaskNotFound))
}

func TestMemoryStoreUpdateStatusLegality(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	task := models.NewTask("echo", nil)
	require.NoError(t, store.Create(ctx, task))

	// Pending -> Running is illegal
	err := store.UpdateStatus(ctx, task.ID, models.StatusRunning, models.StatusData{})
	require.Error(t, err)
	assert.True(t, taskerrors.IsKind(err, taskerrors.KindInvalidConfiguration))

	require.NoError(t, store.UpdateStatus(ctx, task.ID, models.StatusQueued, models.StatusData{}))
	require.NoError(t, store.UpdateStatus(ctx, task.ID, models.StatusRunning, models.StatusData{WorkerID: "w1"}))
	require.NoError(t, store.UpdateStatus(ctx, task.ID, models.StatusSucceeded, models.StatusData{DurationMS: 5}))

	// Terminal states are absorbing
	err = store.UpdateStatus(ctx, task.ID, models.StatusRunning, models.StatusData{})
	assert.Error(t, err)
}

func TestMemoryStoreUpdateStatusIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	task := models.NewTask("echo", nil)
	require.NoError(t, store.Create(ctx, task))
	require.NoError(t, store.UpdateStatus(ctx, task.ID, models.StatusQueued, models.StatusData{}))

	before, err := store.Get(ctx, task.ID)
	require.NoError(t, err)

	// Re-applying the same status leaves the record unchanged
	require.NoError(t, store.UpdateStatus(ctx, task.ID, models.StatusQueued, models.StatusData{Error: "ignored"}))
	after, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, before.StatusData, after.StatusData)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestMemoryStoreListOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	low := models.NewTask("echo", nil)
	low.Priority = 1
	low.CreatedAt = time.Now().Add(-time.Hour)
	high := models.NewTask("echo", nil)
	high.Priority = 10
	older := models.NewTask("echo", nil)
	older.Priority = 10
	older.CreatedAt = time.Now().Add(-2 * time.Hour)

	for _, task := range []*models.Task{low, high, older} {
		require.NoError(t, store.Create(ctx, task))
	}

	tasks, err := store.List(ctx, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	// Priority desc, then created_at asc
	assert.Equal(t, older.ID, tasks[0].ID)
	assert.Equal(t, high.ID, tasks[1].ID)
	assert.Equal(t, low.ID, tasks[2].ID)
}

func TestMemoryStoreListStatusFilter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	queued := models.NewTask("echo", nil)
	require.NoError(t, store.Create(ctx, queued))
	require.NoError(t, store.UpdateStatus(ctx, queued.ID, models.StatusQueued, models.StatusData{}))

	pending := models.NewTask("echo", nil)
	require.NoError(t, store.Create(ctx, pending))

	status := models.StatusQueued
	tasks, err := store.List(ctx, &status, 10, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, queued.ID, tasks[0].ID)
}

func TestMemoryStoreGetByDependency(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	dep := uuid.New()
	waiter := models.NewTask("echo", nil)
	waiter.Dependencies = []uuid.UUID{dep}
	other := models.NewTask("echo", nil)

	require.NoError(t, store.Create(ctx, waiter))
	require.NoError(t, store.Create(ctx, other))

	tasks, err := store.GetByDependency(ctx, dep)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, waiter.ID, tasks[0].ID)
}

func TestMemoryStoreResults(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	id := uuid.New()
	result := &models.TaskResult{TaskID: id, Status: models.StatusSucceeded, Result: []byte(`"ok"`)}
	require.NoError(t, store.StoreResult(ctx, result))

	got, err := store.GetResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
	assert.Equal(t, []byte(`"ok"`), got.Result)

	// Upsert replaces
	require.NoError(t, store.StoreResult(ctx, &models.TaskResult{TaskID: id, Status: models.StatusFailed, Error: "boom"}))
	got, err = store.GetResult(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestMemoryStoreCleanupResults(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	old := &models.TaskResult{TaskID: uuid.New(), Status: models.StatusSucceeded, CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := &models.TaskResult{TaskID: uuid.New(), Status: models.StatusSucceeded, CreatedAt: time.Now()}
	require.NoError(t, store.StoreResult(ctx, old))
	require.NoError(t, store.StoreResult(ctx, fresh))

	removed, err := store.CleanupResults(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = store.GetResult(ctx, old.TaskID)
	assert.Error(t, err)
	_, err = store.GetResult(ctx, fresh.TaskID)
	assert.NoError(t, err)
}

func TestMemoryStoreBatchOps(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	tasks := []*models.Task{
		models.NewTask("echo", nil),
		models.NewTask("add", nil),
	}
	require.NoError(t, store.BatchCreate(ctx, tasks))

	ids := []uuid.UUID{tasks[0].ID, tasks[1].ID}
	require.NoError(t, store.BatchUpdateStatus(ctx, ids, models.StatusQueued, models.StatusData{}))

	for _, id := range ids {
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusQueued, got.Status)
	}

	// A duplicate anywhere fails the whole batch
	err := store.BatchCreate(ctx, []*models.Task{models.NewTask("x", nil), tasks[0]})
	assert.True(t, taskerrors.IsKind(err, taskerrors.KindAlreadyExists))
}
