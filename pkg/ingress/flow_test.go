package ingress

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/cancellation"
	"github.com/taskmesh/taskmesh/pkg/dependency"
	"github.com/taskmesh/taskmesh/pkg/events"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/results"
	"github.com/taskmesh/taskmesh/pkg/storage"
	"github.com/taskmesh/taskmesh/pkg/worker"
)

// harness wires ingress, the dependency manager, and the result recorder
// over the in-memory store, with a loopback in place of the broker: every
// enqueued task executes synchronously through the method registry and
// terminal events feed straight back into the dependency manager, the way
// the bus does in production.
type harness struct {
	t        *testing.T
	svc      *Service
	store    *storage.MemoryStore
	depMgr   *dependency.Manager
	recorder *results.Recorder
	registry *worker.Registry
	queued   []queue.QueuedTask
	statuses map[uuid.UUID][]models.Status
}

func (h *harness) EnqueueTask(_ context.Context, task queue.QueuedTask) error {
	h.queued = append(h.queued, task)
	return nil
}

func (h *harness) PublishEvent(ctx context.Context, eventType events.Type, payload interface{}) error {
	switch p := payload.(type) {
	case events.TaskCompleted:
		require.NoError(h.t, h.depMgr.HandleResolved(ctx, p.TaskID))
	case events.TaskFailed:
		if !p.WillRetry {
			require.NoError(h.t, h.depMgr.HandleResolved(ctx, p.TaskID))
		}
	case events.TaskCancelled:
		require.NoError(h.t, h.depMgr.HandleResolved(ctx, p.TaskID))
	}
	return nil
}

// drain runs every queued task through the registry and records the
// outcome, tracking observed status transitions along the way
func (h *harness) drain(ctx context.Context) {
	for len(h.queued) > 0 {
		task := h.queued[0]
		h.queued = h.queued[1:]

		h.observe(task.TaskID)
		require.NoError(h.t, h.store.UpdateStatus(ctx, task.TaskID, models.StatusRunning,
			models.StatusData{WorkerID: "w1"}))
		h.observe(task.TaskID)

		result, err := h.registry.Execute(ctx, task.Method, task.Args,
			time.Duration(task.TimeoutSeconds)*time.Second)

		msg := queue.TaskResultMessage{TaskID: task.TaskID, WorkerID: "w1"}
		if err != nil {
			msg.Status = models.StatusFailed
			msg.Error = err.Error()
		} else {
			msg.Status = models.StatusSucceeded
			msg.Success = true
			msg.Result = result
		}
		require.NoError(h.t, h.recorder.Record(ctx, msg))
		h.observe(task.TaskID)
	}
}

func (h *harness) observe(id uuid.UUID) {
	task, err := h.store.Get(context.Background(), id)
	require.NoError(h.t, err)
	statuses := h.statuses[id]
	if len(statuses) == 0 || statuses[len(statuses)-1] != task.Status {
		h.statuses[id] = append(statuses, task.Status)
	}
}

func newHarness(t *testing.T) *harness {
	h := &harness{t: t, statuses: make(map[uuid.UUID][]models.Status)}
	h.store = storage.NewMemoryStore()
	h.registry = worker.NewRegistry()
	worker.RegisterBuiltins(h.registry)
	h.depMgr = dependency.NewManager(h.store, h, h, nil, nil)
	h.recorder = results.NewRecorder(nil, h.store, h, nil, nil)
	h.svc = NewService(NewValidator(), h.store, h, h, h.depMgr, cancellation.NewManager(), nil, nil, nil)
	return h
}

func TestLinearChain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a, err := h.svc.Submit(ctx, Submission{Method: "echo", Args: [][]byte{[]byte(`"a"`)}})
	require.NoError(t, err)
	b, err := h.svc.Submit(ctx, Submission{
		Method:       "echo",
		Args:         [][]byte{[]byte(`"b"`)},
		Dependencies: []uuid.UUID{a.TaskID},
	})
	require.NoError(t, err)

	// B parks until A completes
	h.observe(b.TaskID)
	h.drain(ctx)

	resultA, err := h.store.GetResult(ctx, a.TaskID)
	require.NoError(t, err)
	assert.Equal(t, []byte(`"a"`), resultA.Result)

	resultB, err := h.store.GetResult(ctx, b.TaskID)
	require.NoError(t, err)
	assert.Equal(t, []byte(`"b"`), resultB.Result)

	// B's observed lifecycle: waiting -> queued -> running -> succeeded
	assert.Equal(t, []models.Status{
		models.StatusWaitingDependencies,
		models.StatusQueued,
		models.StatusRunning,
		models.StatusSucceeded,
	}, h.statuses[b.TaskID])
}

func TestFanOutFanIn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	a, err := h.svc.Submit(ctx, Submission{Method: "echo", Args: [][]byte{[]byte(`"a"`)}})
	require.NoError(t, err)
	b, err := h.svc.Submit(ctx, Submission{Method: "echo", Args: [][]byte{[]byte(`"b"`)}, Dependencies: []uuid.UUID{a.TaskID}})
	require.NoError(t, err)
	c, err := h.svc.Submit(ctx, Submission{Method: "echo", Args: [][]byte{[]byte(`"c"`)}, Dependencies: []uuid.UUID{a.TaskID}})
	require.NoError(t, err)
	d, err := h.svc.Submit(ctx, Submission{Method: "echo", Args: [][]byte{[]byte(`"d"`)}, Dependencies: []uuid.UUID{b.TaskID, c.TaskID}})
	require.NoError(t, err)

	h.observe(d.TaskID)
	h.drain(ctx)

	for _, handle := range []*Handle{a, b, c, d} {
		task, err := h.store.Get(ctx, handle.TaskID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusSucceeded, task.Status)
	}

	// D never entered queued before both B and C were terminal: its
	// waiting state is observed strictly before its queued state
	assert.Equal(t, models.StatusWaitingDependencies, h.statuses[d.TaskID][0])
}

func TestDependencyFailureCascade(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// "boom_method" is not registered, so A fails at the worker
	a, err := h.svc.Submit(ctx, Submission{Method: "boom_method"})
	require.NoError(t, err)
	b, err := h.svc.Submit(ctx, Submission{Method: "echo", Args: [][]byte{[]byte(`"b"`)}, Dependencies: []uuid.UUID{a.TaskID}})
	require.NoError(t, err)

	h.drain(ctx)

	taskA, err := h.store.Get(ctx, a.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, taskA.Status)

	taskB, err := h.store.Get(ctx, b.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, taskB.Status)
	assert.Contains(t, taskB.StatusData.Error, a.TaskID.String())
	assert.Zero(t, taskB.StatusData.Retries)

	// B never ran
	for _, status := range h.statuses[b.TaskID] {
		assert.NotEqual(t, models.StatusRunning, status)
	}
}

func TestCancelBeforeStartCascades(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// X never completes; T waits on it; U waits on T
	x, err := h.svc.Submit(ctx, Submission{Method: "sleep", Args: [][]byte{[]byte(`3600`)}, Dependencies: []uuid.UUID{uuid.New()}})
	require.NoError(t, err)
	tHandle, err := h.svc.Submit(ctx, Submission{Method: "echo", Dependencies: []uuid.UUID{x.TaskID}})
	require.NoError(t, err)
	u, err := h.svc.Submit(ctx, Submission{Method: "echo", Dependencies: []uuid.UUID{tHandle.TaskID}})
	require.NoError(t, err)

	require.NoError(t, h.svc.Cancel(ctx, tHandle.TaskID, "no longer needed"))
	h.drain(ctx)

	taskT, err := h.store.Get(ctx, tHandle.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, taskT.Status)

	// The dependent of a cancelled task collapses to failed
	taskU, err := h.store.Get(ctx, u.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, taskU.Status)

	for _, status := range h.statuses[tHandle.TaskID] {
		assert.NotEqual(t, models.StatusRunning, status)
	}
}
