// Package ingress accepts task submissions: validation, persistence,
// dependency registration, and initial queueing.
package ingress

import (
	"github.com/google/uuid"

	taskerrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// Validation limits
const (
	MaxDependencies = 100
	MaxArgsBytes    = 1 << 20 // 1 MiB aggregate
	MaxRetryAttempts = 10
)

// Validator checks submissions before they touch the store
type Validator struct {
	// supportedMethods is an optional whitelist. Empty means any method
	// name passes and unknown methods fail at the worker with an
	// UnsupportedMethod event.
	supportedMethods map[string]struct{}
}

// NewValidator creates a validator with no whitelist
func NewValidator() *Validator {
	return &Validator{supportedMethods: make(map[string]struct{})}
}

// RegisterMethod adds a method to the whitelist
func (v *Validator) RegisterMethod(method string) {
	v.supportedMethods[method] = struct{}{}
}

// RegisterMethods adds several methods to the whitelist
func (v *Validator) RegisterMethods(methods []string) {
	for _, m := range methods {
		v.RegisterMethod(m)
	}
}

// Validate checks a task submission. Violations come back as
// InvalidConfiguration (or MethodNotFound for non-whitelisted methods)
// and are never retried.
func (v *Validator) Validate(task *models.Task) error {
	if task.Method == "" {
		return taskerrors.New(taskerrors.KindInvalidConfiguration, "method name cannot be empty")
	}

	if len(v.supportedMethods) > 0 {
		if _, ok := v.supportedMethods[task.Method]; !ok {
			return taskerrors.Newf(taskerrors.KindMethodNotFound, "method %q is not supported", task.Method)
		}
	}

	if len(task.Dependencies) > MaxDependencies {
		return taskerrors.Newf(taskerrors.KindInvalidConfiguration,
			"too many dependencies: %d (max %d)", len(task.Dependencies), MaxDependencies)
	}

	for _, dep := range task.Dependencies {
		if dep == uuid.Nil {
			return taskerrors.New(taskerrors.KindInvalidConfiguration, "dependency id cannot be nil")
		}
		if dep == task.ID {
			return taskerrors.Newf(taskerrors.KindInvalidConfiguration,
				"task %s cannot depend on itself", task.ID)
		}
	}

	if size := task.ArgsSize(); size > MaxArgsBytes {
		return taskerrors.Newf(taskerrors.KindInvalidConfiguration,
			"arguments too large: %d bytes (max %d)", size, MaxArgsBytes)
	}

	if task.TimeoutSeconds <= 0 {
		return taskerrors.New(taskerrors.KindInvalidConfiguration, "timeout must be positive")
	}

	if task.RetryPolicy.MaxAttempts < 0 || task.RetryPolicy.MaxAttempts > MaxRetryAttempts {
		return taskerrors.Newf(taskerrors.KindInvalidConfiguration,
			"retry max_attempts %d out of range [0, %d]", task.RetryPolicy.MaxAttempts, MaxRetryAttempts)
	}

	return nil
}
