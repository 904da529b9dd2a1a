package stores

import (
	"context"

	"github.com/oarkflow/guard"
)

// Notifier publishes invalidation events after a store mutation.
type Notifier interface {
	Publish(ctx context.Context, ev guard.InvalidationEvent) error
}

// NotifierFunc adapts a function, e.g. Engine.HandleInvalidation, to Notifier.
type NotifierFunc func(ctx context.Context, ev guard.InvalidationEvent) error

func (f NotifierFunc) Publish(ctx context.Context, ev guard.InvalidationEvent) error { return f(ctx, ev) }

func notify(ctx context.Context, n Notifier, ev guard.InvalidationEvent) error {
	if n == nil {
		return nil
	}
	return n.Publish(ctx, ev)
}
