// Package storage provides in-memory implementations of the repository
// ports. They back tests and single-node deployments; a relational engine
// can replace any of them behind the same contracts.
package storage

import (
	"context"
	"sync"
	"time"

	"synapse/pkg/event"
	"synapse/pkg/ports"
	"synapse/pkg/types"
)

// MemorySessionStore keeps sessions in a mutex-guarded map.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[types.SessionID]types.Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[types.SessionID]types.Session)}
}

func (s *MemorySessionStore) Store(_ context.Context, sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = *sess
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, id types.SessionID) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	out := sess
	return &out, nil
}

func (s *MemorySessionStore) Revoke(_ context.Context, id types.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ports.ErrNotFound
	}
	sess.Revoked = true
	s.sessions[id] = sess
	return nil
}

func (s *MemorySessionStore) Delete(_ context.Context, id types.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ports.ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

// SweepExpired removes sessions past their expiry and returns the count.
func (s *MemorySessionStore) SweepExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if now.After(sess.ExpiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// MemoryChallengeStore keeps outstanding challenges in memory.
type MemoryChallengeStore struct {
	mu         sync.RWMutex
	challenges map[types.ChallengeID]types.Challenge
}

func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{challenges: make(map[types.ChallengeID]types.Challenge)}
}

func (s *MemoryChallengeStore) Store(_ context.Context, c *types.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[c.ID] = *c
	return nil
}

func (s *MemoryChallengeStore) Get(_ context.Context, id types.ChallengeID) (*types.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.challenges[id]
	if !ok {
		return nil, ports.ErrNotFound
	}
	out := c
	return &out, nil
}

func (s *MemoryChallengeStore) Delete(_ context.Context, id types.ChallengeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.challenges[id]; !ok {
		return ports.ErrNotFound
	}
	delete(s.challenges, id)
	return nil
}

// MemoryEventStore records events in arrival order.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events []event.Event
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

func (s *MemoryEventStore) Record(_ context.Context, ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

func (s *MemoryEventStore) Retrieve(_ context.Context, filter ports.EventFilter) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*event.Event
	for i := range s.events {
		ev := s.events[i]
		if filter.EventType != "" && ev.EventType != filter.EventType {
			continue
		}
		if filter.ModuleKind != "" && ev.Kind() != filter.ModuleKind {
			continue
		}
		if filter.ModuleSlug != "" && ev.ModuleSlug != filter.ModuleSlug {
			continue
		}
		out = append(out, &ev)
	}
	return out, nil
}

// MemoryProfileStore keeps profile documents keyed by agent.
type MemoryProfileStore struct {
	mu   sync.RWMutex
	docs map[types.AgentKey]types.ProfileDocument
}

func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{docs: make(map[types.AgentKey]types.ProfileDocument)}
}

func (s *MemoryProfileStore) GetDoc(_ context.Context, agent types.AgentKey) (*types.ProfileDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[agent]
	if !ok {
		return nil, ports.ErrNotFound
	}
	out := doc
	return &out, nil
}

func (s *MemoryProfileStore) UpsertDoc(_ context.Context, doc *types.ProfileDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.Agent] = *doc
	return nil
}

func (s *MemoryProfileStore) DeleteDoc(_ context.Context, agent types.AgentKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[agent]; !ok {
		return ports.ErrNotFound
	}
	delete(s.docs, agent)
	return nil
}
