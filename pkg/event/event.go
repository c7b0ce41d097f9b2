// Package event defines the canonical unit of federated state change and
// the pluggable dispatch pipeline that routes events to module handlers.
package event

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"synapse/pkg/types"
)

var (
	ErrEmptyEventType = errors.New("event type cannot be empty")
	ErrEmptyAgent     = errors.New("agent public key cannot be empty")
	ErrUnsigned       = errors.New("event carries no signature")
	ErrBadKey         = errors.New("malformed agent public key")
	ErrBadSignature   = errors.New("malformed signature encoding")
	ErrSignature      = errors.New("signature verification failed")
)

// Event is the immutable, optionally signed unit of federated fact.
// Corrections are expressed as new events referencing the original
// through InReplyTo, never by mutation.
type Event struct {
	ID         types.EventID     `json:"id"`
	EventType  string            `json:"event_type"`
	Agent      types.AgentKey    `json:"agent"`
	ModuleKind string            `json:"module_kind,omitempty"`
	ModuleSlug string            `json:"module_slug,omitempty"`
	Target     string            `json:"target,omitempty"`
	InReplyTo  types.EventID     `json:"in_reply_to,omitempty"`
	Content    string            `json:"content,omitempty"`
	Payload    []byte            `json:"payload,omitempty"`
	Artifacts  []string          `json:"artifacts,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Links      []string          `json:"links,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	Signature  string            `json:"signature,omitempty"`
}

// New creates an unsigned event of the given type originating from agent.
// Optional fields are set by the caller before signing.
func New(eventType string, agent types.AgentKey) *Event {
	return &Event{
		ID:        types.EventID(uuid.New().String()),
		EventType: eventType,
		Agent:     agent,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

// Validate checks the required fields. It does not verify the signature.
func (e *Event) Validate() error {
	if strings.TrimSpace(e.EventType) == "" {
		return ErrEmptyEventType
	}
	if e.Agent == "" {
		return ErrEmptyAgent
	}
	return nil
}

// Kind returns the module kind the event should be routed to: the explicit
// ModuleKind when set, otherwise the namespace prefix of the event type
// ("profiles:get_profile" -> "profiles").
func (e *Event) Kind() string {
	if e.ModuleKind != "" {
		return e.ModuleKind
	}
	if i := strings.Index(e.EventType, ":"); i > 0 {
		return e.EventType[:i]
	}
	return e.EventType
}

// CanonicalBytes returns the RFC 8785 canonical encoding of the event with
// the signature field detached. Signatures are always computed over and
// verified against exactly these bytes.
func (e *Event) CanonicalBytes() ([]byte, error) {
	unsigned := *e
	unsigned.Signature = ""
	raw, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize event: %w", err)
	}
	return canonical, nil
}

// Sign computes the event signature with the agent's private key.
func (e *Event) Sign(priv ed25519.PrivateKey) error {
	canonical, err := e.CanonicalBytes()
	if err != nil {
		return err
	}
	e.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, canonical))
	return nil
}

// VerifySignature checks the detached signature against the claimed agent
// key. Events that fail here must never be treated as trusted input;
// unsigned events are only acceptable for purely local operations.
func (e *Event) VerifySignature() error {
	if e.Signature == "" {
		return ErrUnsigned
	}
	pub, err := DecodeAgentKey(e.Agent)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(e.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	canonical, err := e.CanonicalBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, canonical, sig) {
		return ErrSignature
	}
	return nil
}

// DecodeAgentKey decodes the transport encoding of an agent public key.
func DecodeAgentKey(agent types.AgentKey) (ed25519.PublicKey, error) {
	pub, err := base64.StdEncoding.DecodeString(string(agent))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, ErrBadKey
	}
	return ed25519.PublicKey(pub), nil
}

// EncodeAgentKey returns the transport encoding of an agent public key.
func EncodeAgentKey(pub ed25519.PublicKey) types.AgentKey {
	return types.AgentKey(base64.StdEncoding.EncodeToString(pub))
}
