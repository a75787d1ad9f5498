// Package worker runs tasks: the method registry maps names to handlers,
// the executor pulls work from the broker and drives them under
// concurrency, timeout, and cancellation control.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/pkg/cancellation"
	taskerrors "github.com/taskmesh/taskmesh/pkg/errors"
)

// Method is an executable registered under a name. Sync methods run on the
// calling goroutine's schedule; async methods receive the invocation
// context and should honor its deadline.
type Method interface {
	Call(ctx context.Context, args [][]byte) ([]byte, error)
	IsAsync() bool
}

// SyncFunc adapts a plain function to Method
type SyncFunc func(args [][]byte) ([]byte, error)

// Call implements Method
func (f SyncFunc) Call(_ context.Context, args [][]byte) ([]byte, error) { return f(args) }

// IsAsync implements Method
func (f SyncFunc) IsAsync() bool { return false }

// AsyncFunc adapts a context-aware function to Method
type AsyncFunc func(ctx context.Context, args [][]byte) ([]byte, error)

// Call implements Method
func (f AsyncFunc) Call(ctx context.Context, args [][]byte) ([]byte, error) { return f(ctx, args) }

// IsAsync implements Method
func (f AsyncFunc) IsAsync() bool { return true }

// MethodInfo describes a registered method
type MethodInfo struct {
	Name       string
	IsAsync    bool
	PluginName string
}

type registeredMethod struct {
	method Method
	info   MethodInfo
}

// Registry is the thread-safe name -> method map. Plugin ownership is
// tracked separately so UnloadPlugin can drop a plugin's methods wholesale;
// builtins carry no plugin name and survive unloads.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]registeredMethod
	// plugins maps a plugin name to the method names it owns
	plugins map[string]map[string]struct{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		methods: make(map[string]registeredMethod),
		plugins: make(map[string]map[string]struct{}),
	}
}

// RegisterSync registers a synchronous method. pluginName may be empty for
// builtins.
func (r *Registry) RegisterSync(name string, fn SyncFunc, pluginName string) {
	r.register(name, fn, pluginName)
}

// RegisterAsync registers a context-aware method
func (r *Registry) RegisterAsync(name string, fn AsyncFunc, pluginName string) {
	r.register(name, fn, pluginName)
}

func (r *Registry) register(name string, method Method, pluginName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.methods[name]; ok && old.info.PluginName != "" {
		if owned, ok := r.plugins[old.info.PluginName]; ok {
			delete(owned, name)
		}
	}

	r.methods[name] = registeredMethod{
		method: method,
		info:   MethodInfo{Name: name, IsAsync: method.IsAsync(), PluginName: pluginName},
	}
	if pluginName != "" {
		owned, ok := r.plugins[pluginName]
		if !ok {
			owned = make(map[string]struct{})
			r.plugins[pluginName] = owned
		}
		owned[name] = struct{}{}
	}
}

// Unregister removes a single method
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.methods[name]
	if !ok {
		return false
	}
	delete(r.methods, name)
	if entry.info.PluginName != "" {
		if owned, ok := r.plugins[entry.info.PluginName]; ok {
			delete(owned, name)
		}
	}
	return true
}

// UnloadPlugin removes every method owned by a plugin and returns how many
// were dropped
func (r *Registry) UnloadPlugin(pluginName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	owned, ok := r.plugins[pluginName]
	if !ok {
		return 0
	}
	for name := range owned {
		delete(r.methods, name)
	}
	delete(r.plugins, pluginName)
	return len(owned)
}

// ListMethods returns the sorted registered method names
func (r *Registry) ListMethods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetInfo describes a method, or false if it is not registered
func (r *Registry) GetInfo(name string) (MethodInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.methods[name]
	if !ok {
		return MethodInfo{}, false
	}
	return entry.info, true
}

// tokenKey carries the cancellation token through the invocation context
type tokenKey struct{}

// WithToken attaches a cancellation token to an invocation context so
// cooperative handlers can poll it
func WithToken(ctx context.Context, token *cancellation.Token) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext returns the invocation's cancellation token, if any
func TokenFromContext(ctx context.Context) (*cancellation.Token, bool) {
	token, ok := ctx.Value(tokenKey{}).(*cancellation.Token)
	return token, ok
}

// Execute runs a method under a deadline. Panics inside the handler are
// caught and mapped to ExecutionFailed. Returns MethodNotFound, Timeout,
// Cancelled, or ExecutionFailed error kinds.
func (r *Registry) Execute(ctx context.Context, name string, args [][]byte, timeout time.Duration) ([]byte, error) {
	r.mu.RLock()
	entry, ok := r.methods[name]
	r.mu.RUnlock()
	if !ok {
		return nil, taskerrors.Newf(taskerrors.KindMethodNotFound, "method %q not registered", name)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result []byte
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: taskerrors.Newf(taskerrors.KindExecutionFailed, "panicked: %v", rec)}
			}
		}()
		result, err := entry.method.Call(execCtx, args)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if taskerrors.KindOf(out.err) != "" {
				return nil, out.err
			}
			// Handlers that return their context error classify the same
			// as the select observing it directly
			if errors.Is(out.err, context.Canceled) && ctx.Err() != nil {
				return nil, taskerrors.Wrap(taskerrors.KindCancelled, fmt.Sprintf("method %q", name), out.err)
			}
			if errors.Is(out.err, context.DeadlineExceeded) {
				return nil, taskerrors.Newf(taskerrors.KindTimeout, "method %q exceeded %s", name, timeout)
			}
			return nil, taskerrors.Wrap(taskerrors.KindExecutionFailed, fmt.Sprintf("method %q", name), out.err)
		}
		return out.result, nil
	case <-execCtx.Done():
		if ctx.Err() != nil {
			// The surrounding invocation was cancelled, not timed out
			return nil, taskerrors.Wrap(taskerrors.KindCancelled, fmt.Sprintf("method %q", name), ctx.Err())
		}
		return nil, taskerrors.Newf(taskerrors.KindTimeout, "method %q exceeded %s", name, timeout)
	}
}
