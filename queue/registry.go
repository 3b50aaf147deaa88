package queue

import (
	"sync"
	"time"
)

// ExecutionPolicy holds the default execution parameters applied to tasks of a
// registered name when the submission does not override them.
type ExecutionPolicy struct {
	Timeout    time.Duration
	MaxRetries int8
	Backoff    BackoffPolicy
}

// DefaultExecutionPolicy is used for handlers registered without an explicit policy.
var DefaultExecutionPolicy = ExecutionPolicy{
	Timeout:    5 * time.Minute,
	MaxRetries: 3,
	Backoff:    DefaultBackoffPolicy,
}

// Registry maps task names to executable handlers and their default execution
// policies. It is built once during process initialization and passed by
// reference into the worker pool; adding a new task type is a registration
// call, never ambient global state.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registeredHandler
}

type registeredHandler struct {
	handler Handler
	policy  ExecutionPolicy
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]registeredHandler),
	}
}

// Register adds a handler under its own name with the default execution policy.
func (r *Registry) Register(handler Handler) error {
	return r.RegisterWithPolicy(handler, DefaultExecutionPolicy)
}

// RegisterWithPolicy adds a handler with an explicit execution policy.
// Registering the same name twice is an error.
func (r *Registry) RegisterWithPolicy(handler Handler, policy ExecutionPolicy) error {
	if handler == nil {
		return ErrNoHandlers
	}
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultExecutionPolicy.Timeout
	}
	if policy.Backoff.BaseDelay <= 0 {
		policy.Backoff.BaseDelay = DefaultBackoffPolicy.BaseDelay
	}
	if policy.Backoff.MaxDelay <= 0 {
		policy.Backoff.MaxDelay = DefaultBackoffPolicy.MaxDelay
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[handler.Name()]; exists {
		return ErrHandlerExists
	}

	r.handlers[handler.Name()] = registeredHandler{handler: handler, policy: policy}
	return nil
}

// RegisterAll registers multiple handlers with the default execution policy.
func (r *Registry) RegisterAll(handlers ...Handler) error {
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the handler and policy for a task name.
func (r *Registry) Lookup(name string) (Handler, ExecutionPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.handlers[name]
	if !ok {
		return nil, ExecutionPolicy{}, ErrHandlerNotFound
	}
	return reg.handler, reg.policy, nil
}

// Policy returns the default execution policy for a task name, falling back
// to DefaultExecutionPolicy when the name is unknown. Submissions for names
// without a registered handler are still accepted; they fail at dispatch time.
func (r *Registry) Policy(name string) ExecutionPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if reg, ok := r.handlers[name]; ok {
		return reg.policy
	}
	return DefaultExecutionPolicy
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
