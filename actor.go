package guard

import (
	"context"
	"fmt"
)

// Actor is the authenticated caller as seen by the evaluator.
type Actor struct {
	Username         string
	OrganizationCode string
	// GroupCode, when set, overrides the organization's default group.
	GroupCode string
}

// ActorResolver determines the current actor. Failure is a hard error.
type ActorResolver interface {
	CurrentActor(ctx context.Context) (Actor, error)
}

// ActorResolverFunc adapts a function to ActorResolver.
type ActorResolverFunc func(ctx context.Context) (Actor, error)

func (f ActorResolverFunc) CurrentActor(ctx context.Context) (Actor, error) { return f(ctx) }

type actorContextKey struct{}

// WithActor attaches the authenticated actor to the context.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, &a)
}

// ActorFromContext extracts the actor attached by WithActor.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	v, ok := ctx.Value(actorContextKey{}).(*Actor)
	if !ok || v == nil {
		return Actor{}, false
	}
	return *v, true
}

// ContextActorResolver reads the actor attached with WithActor.
type ContextActorResolver struct{}

func (ContextActorResolver) CurrentActor(ctx context.Context) (Actor, error) {
	a, ok := ActorFromContext(ctx)
	if !ok {
		return Actor{}, fmt.Errorf("%w: no actor in context", ErrActorUnresolved)
	}
	if a.Username == "" {
		return Actor{}, fmt.Errorf("%w: actor has no username", ErrActorUnresolved)
	}
	return a, nil
}
