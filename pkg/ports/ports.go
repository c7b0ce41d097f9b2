// Package ports declares the storage contracts the federation core consumes.
// Implementations provide their own concurrency control; the core treats
// each call as atomic at single-record granularity.
package ports

import (
	"context"
	"errors"

	"synapse/pkg/event"
	"synapse/pkg/types"
)

var (
	// ErrNotFound distinguishes a missing record from infrastructure failure.
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable signals the backing store cannot be reached.
	ErrUnavailable = errors.New("store unavailable")
)

// SessionStore persists authenticated sessions.
type SessionStore interface {
	Store(ctx context.Context, s *types.Session) error
	Get(ctx context.Context, id types.SessionID) (*types.Session, error)
	Revoke(ctx context.Context, id types.SessionID) error
	Delete(ctx context.Context, id types.SessionID) error
}

// ChallengeStore persists authentication challenges. Delete removes a
// consumed or expired challenge so it can never mint a second session.
type ChallengeStore interface {
	Store(ctx context.Context, c *types.Challenge) error
	Get(ctx context.Context, id types.ChallengeID) (*types.Challenge, error)
	Delete(ctx context.Context, id types.ChallengeID) error
}

// EventFilter narrows Retrieve. Zero-valued fields match everything.
type EventFilter struct {
	EventType  string
	ModuleKind string
	ModuleSlug string
}

// EventStore records federated events and retrieves them by filter.
type EventStore interface {
	Record(ctx context.Context, ev *event.Event) error
	Retrieve(ctx context.Context, filter EventFilter) ([]*event.Event, error)
}

// ProfileStore persists agent profile documents.
type ProfileStore interface {
	GetDoc(ctx context.Context, agent types.AgentKey) (*types.ProfileDocument, error)
	UpsertDoc(ctx context.Context, doc *types.ProfileDocument) error
	DeleteDoc(ctx context.Context, agent types.AgentKey) error
}
