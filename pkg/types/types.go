package types

import (
	"time"
)

type AgentKey string
type PeerID string
type EventID string
type SessionID string
type ChallengeID string

// PeerInfo is the transport-layer view of a network peer. It is rebuilt
// from bootstrap and DHT traffic on every start and never persisted.
type PeerInfo struct {
	ID        PeerID
	Addresses []string
	Connected bool
}

// Session is proof of an authenticated identity. The ID doubles as the
// bearer token handed back to the agent.
type Session struct {
	ID        SessionID
	Agent     AgentKey
	CreatedAt time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// Valid reports whether the session can still be honored at the given time.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.Revoked {
		return false
	}
	return now.Before(s.ExpiresAt)
}

// Challenge is an ephemeral authentication nonce issued to an agent.
type Challenge struct {
	ID        ChallengeID
	Agent     AgentKey
	Nonce     string // URL-safe base64, >= 256 bits decoded
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the challenge has passed its TTL.
func (c *Challenge) Expired(now time.Time) bool {
	return c == nil || now.After(c.ExpiresAt)
}

// ProfileDocument is an agent's profile as stored and exchanged between
// synapses. Body is opaque JSON owned by the profiles module.
type ProfileDocument struct {
	Agent     AgentKey
	Body      []byte
	UpdatedAt time.Time
}
