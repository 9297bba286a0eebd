package model

import (
	"context"
	"errors"
	"slices"
)

// Actor identifies who issued a request against the recovery service. It is
// built by the transport's authentication middleware and is immutable after
// construction.
type Actor struct {
	SubjectID     string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
}

// Validate checks that all mandatory fields are present.
func (a *Actor) Validate() error {
	if a.SubjectID == "" {
		return errors.New("SubjectID is required")
	}
	return nil
}

// HasRole returns true if the actor carries the given role.
func (a *Actor) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// Claim returns the value of the given claim key, or nil if not present.
func (a *Actor) Claim(key string) any {
	if a.Claims == nil {
		return nil
	}
	return a.Claims[key]
}

type actorKey struct{}

// WithActor attaches an Actor to the given context.
func WithActor(ctx context.Context, a *Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom extracts the Actor from the context, or returns nil if not
// present.
func ActorFrom(ctx context.Context) *Actor {
	a, _ := ctx.Value(actorKey{}).(*Actor)
	return a
}

// ActorName returns the subject of the actor in ctx, or fallback when the
// context carries none.
func ActorName(ctx context.Context, fallback string) string {
	if a := ActorFrom(ctx); a != nil && a.SubjectID != "" {
		return a.SubjectID
	}
	return fallback
}
