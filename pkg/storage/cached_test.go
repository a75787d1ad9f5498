package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/cache"
	"github.com/taskmesh/taskmesh/pkg/models"
)

func newCachedStore(t *testing.T) (*CachedStore, *MemoryStore, cache.Cache) {
	t.Helper()
	mem := NewMemoryStore()
	c, err := cache.NewMemoryCache(100)
	require.NoError(t, err)
	return NewCachedStore(mem, c, nil), mem, c
}

func TestCachedStoreWriteThrough(t *testing.T) {
	ctx := context.Background()
	cached, mem, c := newCachedStore(t)

	task := models.NewTask("echo", [][]byte{[]byte(`"a"`)})
	require.NoError(t, cached.Create(ctx, task))

	// The durable store has it
	_, err := mem.Get(ctx, task.ID)
	require.NoError(t, err)

	// And the cache was populated on write
	ok, err := c.Exists(ctx, "task:"+task.ID.String())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCachedStoreReadPopulatesOnMiss(t *testing.T) {
	ctx := context.Background()
	cached, mem, c := newCachedStore(t)

	task := models.NewTask("echo", nil)
	require.NoError(t, mem.Create(ctx, task))

	got, err := cached.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)

	ok, err := c.Exists(ctx, "task:"+task.ID.String())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCachedStoreStatusUpdateInvalidates(t *testing.T) {
	ctx := context.Background()
	cached, _, c := newCachedStore(t)

	task := models.NewTask("echo", nil)
	require.NoError(t, cached.Create(ctx, task))
	require.NoError(t, cached.UpdateStatus(ctx, task.ID, models.StatusQueued, models.StatusData{}))

	ok, err := c.Exists(ctx, "task:"+task.ID.String())
	require.NoError(t, err)
	assert.False(t, ok, "status update must invalidate the task key")

	// The next read sees the new status, not a stale cache entry
	got, err := cached.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, got.Status)
}

func TestCachedStoreServesStaleUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	cached, mem, _ := newCachedStore(t)

	task := models.NewTask("echo", nil)
	require.NoError(t, cached.Create(ctx, task))

	// A direct write to the durable store is invisible until the cached
	// entry is dropped; this is the documented write-through contract
	require.NoError(t, mem.UpdateStatus(ctx, task.ID, models.StatusQueued, models.StatusData{}))
	got, err := cached.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestCachedStoreDependencyQueriesBypassCache(t *testing.T) {
	ctx := context.Background()
	cached, mem, _ := newCachedStore(t)

	dep := models.NewTask("echo", nil)
	require.NoError(t, cached.Create(ctx, dep))

	waiter := models.NewTask("echo", nil)
	waiter.Dependencies = append(waiter.Dependencies, dep.ID)
	// Written directly to the durable store, invisible to the cache
	require.NoError(t, mem.Create(ctx, waiter))

	tasks, err := cached.GetByDependency(ctx, dep.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, waiter.ID, tasks[0].ID)
}

func TestCachedStoreResultRoundTrip(t *testing.T) {
	ctx := context.Background()
	cached, mem, _ := newCachedStore(t)

	task := models.NewTask("echo", nil)
	require.NoError(t, cached.Create(ctx, task))

	result := &models.TaskResult{TaskID: task.ID, Status: models.StatusSucceeded, Result: []byte(`1`)}
	require.NoError(t, cached.StoreResult(ctx, result))

	// Result row exists in the durable store
	_, err := mem.GetResult(ctx, task.ID)
	require.NoError(t, err)

	got, err := cached.GetResult(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, got.Status)
}

func TestCachedStoreDelete(t *testing.T) {
	ctx := context.Background()
	cached, _, c := newCachedStore(t)

	task := models.NewTask("echo", nil)
	require.NoError(t, cached.Create(ctx, task))
	require.NoError(t, cached.Delete(ctx, task.ID))

	ok, err := c.Exists(ctx, "task:"+task.ID.String())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = cached.Get(ctx, task.ID)
	assert.Error(t, err)
}
