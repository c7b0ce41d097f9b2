// Package snp defines the Synapse Network Protocol envelope: the signed,
// versioned wire message that carries an Event between synapses, with
// request/response correlation and addressing.
package snp

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"synapse/pkg/event"
	"synapse/pkg/types"
)

// ProtocolVersion is bumped on any change to the canonical encoding.
const ProtocolVersion = 1

var (
	ErrBadVersion     = errors.New("unsupported snp protocol version")
	ErrBadDestination = errors.New("invalid destination")
	ErrEmptyMessageID = errors.New("message id cannot be empty")
	ErrEmptySender    = errors.New("sender cannot be empty")
	ErrUnsigned       = errors.New("envelope carries no signature")
	ErrBadSignature   = errors.New("malformed envelope signature")
	ErrSignature      = errors.New("envelope signature verification failed")
)

// DestinationKind is the closed set of envelope addressing modes.
type DestinationKind string

const (
	// DestinationLocal loops the envelope back to the current synapse.
	DestinationLocal DestinationKind = "local"
	// DestinationSynapse addresses one named peer.
	DestinationSynapse DestinationKind = "synapse"
	// DestinationMulticast fans out to subscribers of a topic, best effort.
	DestinationMulticast DestinationKind = "multicast"
)

// Destination addresses an envelope. Exactly one of Synapse or Topic is
// set, depending on Kind.
type Destination struct {
	Kind    DestinationKind `json:"kind"`
	Synapse types.PeerID    `json:"synapse,omitempty"`
	Topic   string          `json:"topic,omitempty"`
}

func Local() Destination {
	return Destination{Kind: DestinationLocal}
}

func ToSynapse(id types.PeerID) Destination {
	return Destination{Kind: DestinationSynapse, Synapse: id}
}

func Multicast(topic string) Destination {
	return Destination{Kind: DestinationMulticast, Topic: topic}
}

func (d Destination) Validate() error {
	switch d.Kind {
	case DestinationLocal:
		if d.Synapse != "" || d.Topic != "" {
			return fmt.Errorf("%w: local destination cannot carry a target", ErrBadDestination)
		}
	case DestinationSynapse:
		if d.Synapse == "" {
			return fmt.Errorf("%w: synapse destination requires a peer id", ErrBadDestination)
		}
		if d.Topic != "" {
			return fmt.Errorf("%w: synapse destination cannot carry a topic", ErrBadDestination)
		}
	case DestinationMulticast:
		if d.Topic == "" {
			return fmt.Errorf("%w: multicast destination requires a topic", ErrBadDestination)
		}
		if d.Synapse != "" {
			return fmt.Errorf("%w: multicast destination cannot name a peer", ErrBadDestination)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrBadDestination, d.Kind)
	}
	return nil
}

// Envelope wraps one Event for transit. Responses reuse the correlation id
// of the request they answer.
type Envelope struct {
	Version       int            `json:"version"`
	MessageID     string         `json:"message_id"`
	CorrelationID string         `json:"correlation_id"`
	Destination   Destination    `json:"destination"`
	Sender        types.AgentKey `json:"sender"`
	Timestamp     time.Time      `json:"timestamp"`
	Event         *event.Event   `json:"event,omitempty"`
	Signature     string         `json:"signature,omitempty"`
}

// NewRequest builds an envelope opening a fresh correlation.
func NewRequest(dest Destination, sender types.AgentKey, ev *event.Event) *Envelope {
	id := uuid.New().String()
	return &Envelope{
		Version:       ProtocolVersion,
		MessageID:     id,
		CorrelationID: id,
		Destination:   dest,
		Sender:        sender,
		Timestamp:     time.Now().UTC().Truncate(time.Millisecond),
		Event:         ev,
	}
}

// NewResponse builds the answer to req, carrying its correlation id back.
func NewResponse(req *Envelope, sender types.AgentKey, ev *event.Event) *Envelope {
	return &Envelope{
		Version:       ProtocolVersion,
		MessageID:     uuid.New().String(),
		CorrelationID: req.CorrelationID,
		Destination:   ToSynapse(PeerIDFromAgent(req.Sender)),
		Sender:        sender,
		Timestamp:     time.Now().UTC().Truncate(time.Millisecond),
		Event:         ev,
	}
}

// Validate checks structural invariants; it does not verify the signature.
func (e *Envelope) Validate() error {
	if e.Version != ProtocolVersion {
		return fmt.Errorf("%w: %d", ErrBadVersion, e.Version)
	}
	if e.MessageID == "" || e.CorrelationID == "" {
		return ErrEmptyMessageID
	}
	if e.Sender == "" {
		return ErrEmptySender
	}
	return e.Destination.Validate()
}

// CanonicalBytes returns the RFC 8785 canonical encoding with the
// signature detached; envelope signatures cover exactly these bytes.
func (e *Envelope) CanonicalBytes() ([]byte, error) {
	unsigned := *e
	unsigned.Signature = ""
	raw, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize envelope: %w", err)
	}
	return canonical, nil
}

// Sign signs the canonical envelope bytes with the sending agent's key.
// Every outbound envelope must be signed before it reaches the wire.
func (e *Envelope) Sign(priv ed25519.PrivateKey) error {
	canonical, err := e.CanonicalBytes()
	if err != nil {
		return err
	}
	e.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, canonical))
	return nil
}

// Verify checks the envelope signature under the claimed sender key.
// Envelopes failing here are dropped before dispatch, never processed.
func (e *Envelope) Verify() error {
	if e.Signature == "" {
		return ErrUnsigned
	}
	pub, err := event.DecodeAgentKey(e.Sender)
	if err != nil {
		return ErrBadSignature
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

// Marshal encodes the envelope for framing.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a framed envelope and validates its structure.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// PeerIDFromAgent converts an agent key (standard base64) to the raw-URL
// form used for peer ids. Synapse node identities use the same Ed25519
// key in both roles.
func PeerIDFromAgent(agent types.AgentKey) types.PeerID {
	raw, err := base64.StdEncoding.DecodeString(string(agent))
	if err != nil {
		return types.PeerID(agent)
	}
	return types.PeerID(base64.RawURLEncoding.EncodeToString(raw))
}
