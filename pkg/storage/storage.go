// Package storage persists task records and results. The Postgres backend
// is authoritative; the cached decorator layers a write-through cache on
// top; the memory backend is the test double.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
)

// Store is the authoritative task record interface
type Store interface {
	// Create persists a new task. Returns AlreadyExists on duplicate id.
	Create(ctx context.Context, task *models.Task) error
	// Get returns a task or TaskNotFound
	Get(ctx context.Context, id uuid.UUID) (*models.Task, error)
	// Update rewrites the mutable fields of a task
	Update(ctx context.Context, task *models.Task) error
	// UpdateStatus transitions a task's status. Illegal transitions are
	// rejected; re-applying the current status is a no-op.
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.Status, data models.StatusData) error
	// StoreResult upserts the terminal result row for a task
	StoreResult(ctx context.Context, result *models.TaskResult) error
	// GetResult returns the result row or TaskNotFound
	GetResult(ctx context.Context, id uuid.UUID) (*models.TaskResult, error)
	// List returns tasks ordered by (priority desc, created_at asc),
	// optionally filtered by status
	List(ctx context.Context, status *models.Status, limit, offset int) ([]*models.Task, error)
	// GetByDependency returns tasks that declare depID as a dependency
	GetByDependency(ctx context.Context, depID uuid.UUID) ([]*models.Task, error)
	// Delete removes a task record
	Delete(ctx context.Context, id uuid.UUID) error
	// CleanupResults deletes result rows older than the cutoff and
	// returns how many were removed
	CleanupResults(ctx context.Context, olderThan time.Time) (int64, error)
	// BatchCreate persists several tasks in one transaction
	BatchCreate(ctx context.Context, tasks []*models.Task) error
	// BatchUpdateStatus transitions several tasks in one transaction
	BatchUpdateStatus(ctx context.Context, ids []uuid.UUID, status models.Status, data models.StatusData) error
	// Ping verifies connectivity
	Ping(ctx context.Context) error
	// Close releases the backend
	Close() error
}
