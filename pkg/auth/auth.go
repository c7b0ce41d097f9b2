// Package auth implements the challenge-response protocol that
// authenticates agents by proof of private-key possession, without any
// central authority.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"synapse/pkg/event"
	"synapse/pkg/ports"
	"synapse/pkg/types"
)

var (
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrChallengeExpired  = errors.New("challenge expired")
	ErrBadEncoding       = errors.New("malformed key or signature encoding")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrSessionInvalid    = errors.New("session revoked, expired or unknown")
	ErrStorage           = errors.New("auth storage failure")
)

const (
	// DefaultChallengeTTL keeps the nonce window short; a challenge exists
	// only long enough for one signing round trip.
	DefaultChallengeTTL = 2 * time.Minute
	// DefaultSessionTTL bounds how long a minted session may be used.
	DefaultSessionTTL = 4 * time.Hour

	nonceBytes = 32
)

// Service issues challenges and mints sessions from verified responses.
type Service struct {
	challenges   ports.ChallengeStore
	sessions     ports.SessionStore
	challengeTTL time.Duration
	sessionTTL   time.Duration
	logger       *zap.Logger
}

func NewService(challenges ports.ChallengeStore, sessions ports.SessionStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		challenges:   challenges,
		sessions:     sessions,
		challengeTTL: DefaultChallengeTTL,
		sessionTTL:   DefaultSessionTTL,
		logger:       logger,
	}
}

// CreateChallenge issues a fresh random nonce bound to the agent's public
// key and persists it. No network side effects.
func (s *Service) CreateChallenge(ctx context.Context, agent types.AgentKey) (*types.Challenge, error) {
	if _, err := event.DecodeAgentKey(agent); err != nil {
		return nil, ErrBadEncoding
	}

	raw := make([]byte, nonceBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	now := time.Now().UTC()
	challenge := &types.Challenge{
		ID:        types.ChallengeID(uuid.New().String()),
		Agent:     agent,
		Nonce:     base64.RawURLEncoding.EncodeToString(raw),
		CreatedAt: now,
		ExpiresAt: now.Add(s.challengeTTL),
	}
	if err := s.challenges.Store(ctx, challenge); err != nil {
		return nil, fmt.Errorf("%w: store challenge: %v", ErrStorage, err)
	}

	s.logger.Debug("challenge issued", zap.String("challenge_id", string(challenge.ID)))
	return challenge, nil
}

// VerifyChallenge checks a signed challenge response and, on success,
// consumes the challenge and mints a session bound to the public key.
// A challenge id can succeed at most once; replays fail with
// ErrChallengeNotFound.
func (s *Service) VerifyChallenge(ctx context.Context, id types.ChallengeID, publicKey, signature string) (*types.Session, error) {
	challenge, err := s.challenges.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("%w: load challenge: %v", ErrStorage, err)
	}
	if challenge.Expired(time.Now().UTC()) {
		return nil, ErrChallengeExpired
	}

	pub, err := event.DecodeAgentKey(types.AgentKey(publicKey))
	if err != nil {
		return nil, ErrBadEncoding
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, ErrBadEncoding
	}
	nonce, err := base64.RawURLEncoding.DecodeString(challenge.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt nonce on challenge %s", ErrStorage, id)
	}

	// The challenge only authenticates the key it was issued to.
	if types.AgentKey(publicKey) != challenge.Agent {
		return nil, ErrInvalidSignature
	}

	digest := ChallengeDigest(nonce)
	if !ed25519.Verify(pub, digest, sig) {
		s.logger.Warn("challenge verification failed", zap.String("challenge_id", string(id)))
		return nil, ErrInvalidSignature
	}

	// Consume before minting so a raced replay cannot observe a window in
	// which both attempts succeed.
	if err := s.challenges.Delete(ctx, id); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("%w: consume challenge: %v", ErrStorage, err)
	}

	now := time.Now().UTC()
	session := &types.Session{
		ID:        types.SessionID(uuid.New().String()),
		Agent:     challenge.Agent,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	if err := s.sessions.Store(ctx, session); err != nil {
		return nil, fmt.Errorf("%w: store session: %v", ErrStorage, err)
	}

	s.logger.Info("session issued", zap.String("session_id", string(session.ID)))
	return session, nil
}

// ValidateSession resolves a bearer token and rejects revoked or expired
// sessions. Unknown, revoked and expired all surface the same error so the
// caller learns nothing beyond pass/fail.
func (s *Service) ValidateSession(ctx context.Context, id types.SessionID) (*types.Session, error) {
	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("%w: load session: %v", ErrStorage, err)
	}
	if !session.Valid(time.Now().UTC()) {
		return nil, ErrSessionInvalid
	}
	return session, nil
}

// RevokeSession marks a session unusable. Revoking an unknown session is
// reported as invalid, not as a distinct error.
func (s *Service) RevokeSession(ctx context.Context, id types.SessionID) error {
	if err := s.sessions.Revoke(ctx, id); err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			return ErrSessionInvalid
		}
		return fmt.Errorf("%w: revoke session: %v", ErrStorage, err)
	}
	return nil
}

// ChallengeDigest is the message an agent actually signs: the SHA-256
// digest of the decoded nonce bytes.
func ChallengeDigest(nonce []byte) []byte {
	digest := sha256.Sum256(nonce)
	return digest[:]
}
