// Package cancellation tracks per-task cancellation tokens and pause
// flags. Tokens are shared with in-flight executors so long-running
// handlers can poll and abort at cooperative points.
package cancellation

import (
	"sync"

	"github.com/google/uuid"

	taskerrors "github.com/taskmesh/taskmesh/pkg/errors"
)

// Token is a shared cancellation flag with an optional reason. Reads vastly
// outnumber writes, so it uses a reader-writer lock.
type Token struct {
	mu        sync.RWMutex
	cancelled bool
	reason    string
}

// NewToken creates an uncancelled token
func NewToken() *Token {
	return &Token{}
}

// IsCancelled reports whether the token has been cancelled
func (t *Token) IsCancelled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cancelled
}

// Cancel sets the flag. The first reason wins; later calls do not mutate it.
func (t *Token) Cancel(reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false
	}
	t.cancelled = true
	t.reason = reason
	return true
}

// Reason returns the recorded cancellation reason
func (t *Token) Reason() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reason
}

// Manager owns the token map and the paused set
type Manager struct {
	mu     sync.RWMutex
	tokens map[uuid.UUID]*Token
	paused map[uuid.UUID]struct{}
}

// NewManager creates an empty cancellation manager
func NewManager() *Manager {
	return &Manager{
		tokens: make(map[uuid.UUID]*Token),
		paused: make(map[uuid.UUID]struct{}),
	}
}

// CreateToken registers a token for a task, reusing an existing one
func (m *Manager) CreateToken(taskID uuid.UUID) *Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token, ok := m.tokens[taskID]; ok {
		return token
	}
	token := NewToken()
	m.tokens[taskID] = token
	return token
}

// GetToken returns the token for a task, if any
func (m *Manager) GetToken(taskID uuid.UUID) (*Token, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	token, ok := m.tokens[taskID]
	return token, ok
}

// Cancel cancels a task. Returns false without mutating the reason when
// the task is already cancelled; TaskNotFound when no token exists.
func (m *Manager) Cancel(taskID uuid.UUID, reason string) (bool, error) {
	m.mu.RLock()
	token, ok := m.tokens[taskID]
	m.mu.RUnlock()
	if !ok {
		return false, taskerrors.Newf(taskerrors.KindTaskNotFound, "task %s not found", taskID)
	}
	return token.Cancel(reason), nil
}

// IsCancelled reports whether a task has been cancelled
func (m *Manager) IsCancelled(taskID uuid.UUID) bool {
	m.mu.RLock()
	token, ok := m.tokens[taskID]
	m.mu.RUnlock()
	return ok && token.IsCancelled()
}

// Pause marks a task paused. Returns false if it already was.
func (m *Manager) Pause(taskID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.paused[taskID]; ok {
		return false
	}
	m.paused[taskID] = struct{}{}
	return true
}

// Resume clears the paused flag. Returns false if the task was not paused.
func (m *Manager) Resume(taskID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.paused[taskID]; !ok {
		return false
	}
	delete(m.paused, taskID)
	return true
}

// IsPaused reports whether a task is paused
func (m *Manager) IsPaused(taskID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.paused[taskID]
	return ok
}

// Remove drops the token and paused flag for a completed task
func (m *Manager) Remove(taskID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, taskID)
	delete(m.paused, taskID)
}

// CancelledTasks returns every cancelled task with its reason
func (m *Manager) CancelledTasks() map[uuid.UUID]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cancelled := make(map[uuid.UUID]string)
	for id, token := range m.tokens {
		if token.IsCancelled() {
			cancelled[id] = token.Reason()
		}
	}
	return cancelled
}

// PausedTasks returns every paused task id
func (m *Manager) PausedTasks() []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(m.paused))
	for id := range m.paused {
		ids = append(ids, id)
	}
	return ids
}
