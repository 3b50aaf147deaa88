package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

type (
	// Handler executes one attempt of a task. The context carries the attempt
	// timeout and the cooperative cancellation token; handlers are expected to
	// observe ctx.Done() and exit promptly.
	Handler interface {
		Name() string
		Handle(ctx context.Context, args json.RawMessage) error
	}

	TaskHandlerFunc[T any]  func(ctx context.Context, args T) error
	PeriodicTaskHandlerFunc func(ctx context.Context) error
)

// NewTaskHandler adapts a typed function into a Handler. The task name is
// derived from the argument type unless overridden at registration.
func NewTaskHandler[T any](handler TaskHandlerFunc[T]) Handler {
	var args T
	return &typedHandler[T]{
		name:    derivedName(args),
		handler: handler,
	}
}

// NewNamedTaskHandler adapts a typed function into a Handler with an explicit
// task name.
func NewNamedTaskHandler[T any](name string, handler TaskHandlerFunc[T]) Handler {
	return &typedHandler[T]{
		name:    name,
		handler: handler,
	}
}

// NewPeriodicTaskHandler adapts an argument-less function, typically the
// target of a ScheduleEntry.
func NewPeriodicTaskHandler(name string, handler PeriodicTaskHandlerFunc) Handler {
	return &periodicHandler{
		name:    name,
		handler: handler,
	}
}

type typedHandler[T any] struct {
	name    string
	handler TaskHandlerFunc[T]
}

func (h *typedHandler[T]) Name() string {
	return h.name
}

func (h *typedHandler[T]) Handle(ctx context.Context, args json.RawMessage) error {
	var t T
	if len(args) > 0 {
		if err := json.Unmarshal(args, &t); err != nil {
			return err
		}
	}
	return h.handler(ctx, t)
}

// derivedName reports the fully qualified type name of the argument value,
// pointer indirections stripped, for use as a default task name.
func derivedName(v any) string {
	return strings.TrimLeft(fmt.Sprintf("%T", v), "*")
}

type periodicHandler struct {
	name    string
	handler PeriodicTaskHandlerFunc
}

func (h *periodicHandler) Name() string {
	return h.name
}

func (h *periodicHandler) Handle(ctx context.Context, _ json.RawMessage) error {
	return h.handler(ctx)
}
