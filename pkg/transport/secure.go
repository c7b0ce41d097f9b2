package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/nacl/box"

	"synapse/pkg/event"
	"synapse/pkg/snp"
	"synapse/pkg/types"
)

const handshakeTimeout = 10 * time.Second

// hello is the plaintext handshake frame. Each side proves its identity by
// signing its ephemeral exchange key with its Ed25519 identity key, then
// all subsequent frames are sealed with the derived shared key.
type hello struct {
	Version   int      `json:"version"`
	Identity  string   `json:"identity"`
	Exchange  string   `json:"exchange"`
	Topics    []string `json:"topics,omitempty"`
	Signature string   `json:"signature"`
}

// secureConn is an authenticated, sealed channel to one peer. Reads happen
// on the per-connection reader goroutine, writes on the transport loop.
type secureConn struct {
	raw        net.Conn
	shared     [32]byte
	peer       types.PeerID
	peerTopics []string
}

// handshake runs the mutual authentication exchange on a fresh TCP
// connection. Both sides send a hello concurrently; ordering is symmetric.
func handshake(conn net.Conn, id *Identity, topics []string) (*secureConn, error) {
	deadline := time.Now().Add(handshakeTimeout)
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	exchPub, exchPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, newErr(ErrHandshake, "generate exchange key", err)
	}

	ours := hello{
		Version:   snp.ProtocolVersion,
		Identity:  base64.StdEncoding.EncodeToString(id.Public),
		Exchange:  base64.StdEncoding.EncodeToString(exchPub[:]),
		Topics:    topics,
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(id.Private, exchPub[:])),
	}
	payload, err := json.Marshal(ours)
	if err != nil {
		return nil, newErr(ErrHandshake, "encode hello", err)
	}

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- snp.WriteFrame(conn, payload)
	}()

	theirPayload, err := snp.ReadFrame(conn)
	if err != nil {
		return nil, newErr(ErrHandshake, "read hello", err)
	}
	if err := <-sendErr; err != nil {
		return nil, newErr(ErrHandshake, "send hello", err)
	}

	var theirs hello
	if err := json.Unmarshal(theirPayload, &theirs); err != nil {
		return nil, newErr(ErrHandshake, "decode hello", err)
	}
	if theirs.Version != snp.ProtocolVersion {
		return nil, newErr(ErrHandshake, fmt.Sprintf("peer speaks version %d", theirs.Version), nil)
	}

	peerIdentity, err := event.DecodeAgentKey(types.AgentKey(theirs.Identity))
	if err != nil {
		return nil, newErr(ErrHandshake, "peer identity key", err)
	}
	peerExch, err := base64.StdEncoding.DecodeString(theirs.Exchange)
	if err != nil || len(peerExch) != 32 {
		return nil, newErr(ErrHandshake, "peer exchange key", err)
	}
	sig, err := base64.StdEncoding.DecodeString(theirs.Signature)
	if err != nil || !ed25519.Verify(peerIdentity, peerExch, sig) {
		return nil, newErr(ErrHandshake, "peer exchange key signature rejected", nil)
	}

	var peerExchKey [32]byte
	copy(peerExchKey[:], peerExch)

	sc := &secureConn{
		raw:        conn,
		peer:       types.PeerID(base64.RawURLEncoding.EncodeToString(peerIdentity)),
		peerTopics: theirs.Topics,
	}
	box.Precompute(&sc.shared, &peerExchKey, exchPriv)
	return sc, nil
}

// writeEnvelope seals and frames one envelope. A bounded write deadline
// keeps a stalled peer from wedging the transport loop.
func (c *secureConn) writeEnvelope(e *snp.Envelope, timeout time.Duration) error {
	data, err := e.Marshal()
	if err != nil {
		return newErr(ErrProtocol, "encode envelope", err)
	}

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return newErr(ErrOther, "generate nonce", err)
	}
	sealed := box.SealAfterPrecomputation(nonce[:], data, &nonce, &c.shared)

	_ = c.raw.SetWriteDeadline(time.Now().Add(timeout))
	defer c.raw.SetWriteDeadline(time.Time{})
	if err := snp.WriteFrame(c.raw, sealed); err != nil {
		return newErr(ErrIo, "write frame", err)
	}
	return nil
}

// readEnvelope reads, opens and validates one sealed envelope.
func (c *secureConn) readEnvelope() (*snp.Envelope, error) {
	sealed, err := snp.ReadFrame(c.raw)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, newErr(ErrIo, "read frame", err)
	}
	if len(sealed) < 24 {
		return nil, newErr(ErrProtocol, "frame shorter than nonce", nil)
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	data, ok := box.OpenAfterPrecomputation(nil, sealed[24:], &nonce, &c.shared)
	if !ok {
		return nil, newErr(ErrProtocol, "frame rejected by secure channel", nil)
	}

	env, err := snp.Unmarshal(data)
	if err != nil {
		return nil, newErr(ErrProtocol, "decode envelope", err)
	}
	return env, nil
}

func (c *secureConn) subscribed(topic string) bool {
	for _, t := range c.peerTopics {
		if t == topic {
			return true
		}
	}
	return false
}

func (c *secureConn) close() error {
	return c.raw.Close()
}
