package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Handler processes tasks of one name.
type Handler interface {
	Name() string
	Handle(ctx context.Context, payload json.RawMessage) error
}

// HandlerFunc adapts a typed function into a Handler. The task name is
// derived from the payload type, so enqueue and handle stay in sync without
// string constants.
type HandlerFunc[T any] func(ctx context.Context, payload T) error

func NewHandler[T any](fn HandlerFunc[T]) Handler {
	var zero T
	return &typedHandler[T]{name: taskName(zero), fn: fn}
}

type typedHandler[T any] struct {
	name string
	fn   HandlerFunc[T]
}

func (h *typedHandler[T]) Name() string { return h.name }

func (h *typedHandler[T]) Handle(ctx context.Context, payload json.RawMessage) error {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return fmt.Errorf("queue: failed to unmarshal %s payload: %w", h.name, err)
	}
	return h.fn(ctx, t)
}

// taskName is the qualified struct name of the payload, pointer stripped.
func taskName(v any) string {
	return strings.TrimLeft(fmt.Sprintf("%T", v), "*")
}
