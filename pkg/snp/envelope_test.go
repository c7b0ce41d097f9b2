package snp

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synapse/pkg/event"
	"synapse/pkg/types"
)

func newTestKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func TestDestinationValidate(t *testing.T) {
	tests := []struct {
		name    string
		dest    Destination
		wantErr bool
	}{
		{name: "local", dest: Local(), wantErr: false},
		{name: "synapse", dest: ToSynapse("peer-1"), wantErr: false},
		{name: "multicast", dest: Multicast("posts"), wantErr: false},
		{name: "synapse without peer", dest: Destination{Kind: DestinationSynapse}, wantErr: true},
		{name: "multicast without topic", dest: Destination{Kind: DestinationMulticast}, wantErr: true},
		{name: "local with peer", dest: Destination{Kind: DestinationLocal, Synapse: "x"}, wantErr: true},
		{name: "synapse with topic", dest: Destination{Kind: DestinationSynapse, Synapse: "x", Topic: "y"}, wantErr: true},
		{name: "unknown kind", dest: Destination{Kind: "anycast"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.dest.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadDestination)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEnvelopeSignVerifyRoundTrip(t *testing.T) {
	pub, priv := newTestKey(t)
	sender := event.EncodeAgentKey(pub)

	ev := event.New("profiles:get_profile", sender)
	ev.Target = "agentA"
	require.NoError(t, ev.Sign(priv))

	env := NewRequest(ToSynapse("peer-1"), sender, ev)
	require.NoError(t, env.Sign(priv))

	data, err := env.Marshal()
	require.NoError(t, err)
	decoded, err := Unmarshal(data)
	require.NoError(t, err)

	assert.NoError(t, decoded.Verify())
	assert.NoError(t, decoded.Event.VerifySignature())
	assert.Equal(t, env.CorrelationID, decoded.CorrelationID)
}

func TestEnvelopeVerifyRejectsTampering(t *testing.T) {
	pub, priv := newTestKey(t)
	sender := event.EncodeAgentKey(pub)

	env := NewRequest(ToSynapse("peer-1"), sender, event.New("ping:ping", sender))
	require.NoError(t, env.Sign(priv))

	env.Destination = ToSynapse("peer-2")
	assert.ErrorIs(t, env.Verify(), ErrSignature)
}

func TestResponseCarriesRequestCorrelation(t *testing.T) {
	pub, priv := newTestKey(t)
	sender := event.EncodeAgentKey(pub)

	req := NewRequest(ToSynapse("peer-1"), sender, event.New("ping:ping", sender))
	require.NoError(t, req.Sign(priv))

	resp := NewResponse(req, sender, event.New("ping:pong", sender))
	assert.Equal(t, req.CorrelationID, resp.CorrelationID)
	assert.NotEqual(t, resp.MessageID, resp.CorrelationID)
	assert.Equal(t, DestinationSynapse, resp.Destination.Kind)
	assert.Equal(t, PeerIDFromAgent(sender), resp.Destination.Synapse)
}

func TestUnmarshalRejectsStructuralErrors(t *testing.T) {
	pub, _ := newTestKey(t)
	sender := event.EncodeAgentKey(pub)

	tests := []struct {
		name   string
		mutate func(*Envelope)
		want   error
	}{
		{name: "wrong version", mutate: func(e *Envelope) { e.Version = 99 }, want: ErrBadVersion},
		{name: "missing message id", mutate: func(e *Envelope) { e.MessageID = "" }, want: ErrEmptyMessageID},
		{name: "missing sender", mutate: func(e *Envelope) { e.Sender = "" }, want: ErrEmptySender},
		{name: "bad destination", mutate: func(e *Envelope) { e.Destination = Destination{Kind: "bogus"} }, want: ErrBadDestination},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewRequest(Local(), sender, nil)
			tt.mutate(env)
			data, err := env.Marshal()
			require.NoError(t, err)
			_, err = Unmarshal(data)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"hello":"synapse"}`)
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameSizeBound(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, WriteFrame(&buf, make([]byte, MaxFrameSize+1)), ErrFrameTooLarge)

	// A forged oversized header is rejected before allocation.
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestPeerIDFromAgent(t *testing.T) {
	pub, _ := newTestKey(t)
	agent := event.EncodeAgentKey(pub)
	id := PeerIDFromAgent(agent)
	assert.NotEqual(t, types.PeerID(agent), id)
	assert.NotContains(t, string(id), "=")
}
