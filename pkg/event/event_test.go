package event

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAgent(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func TestSignEncodeDecodeVerify(t *testing.T) {
	pub, priv := newTestAgent(t)

	ev := New("posts:create", EncodeAgentKey(pub))
	ev.Content = "hello federation"
	ev.Metadata = map[string]string{"lang": "en"}
	ev.Links = []string{"https://example.org/a"}
	require.NoError(t, ev.Sign(priv))

	// Round trip through the wire encoding must preserve verifiability.
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.NoError(t, decoded.VerifySignature())
}

func TestVerifyRejectsTampering(t *testing.T) {
	pub, priv := newTestAgent(t)

	ev := New("posts:create", EncodeAgentKey(pub))
	ev.Content = "original"
	require.NoError(t, ev.Sign(priv))

	ev.Content = "tampered"
	assert.ErrorIs(t, ev.VerifySignature(), ErrSignature)
}

func TestVerifyRejectsBadEncodings(t *testing.T) {
	pub, priv := newTestAgent(t)

	tests := []struct {
		name   string
		mutate func(*Event)
		want   error
	}{
		{
			name:   "no signature",
			mutate: func(e *Event) { e.Signature = "" },
			want:   ErrUnsigned,
		},
		{
			name:   "garbage signature",
			mutate: func(e *Event) { e.Signature = "not base64!!" },
			want:   ErrBadSignature,
		},
		{
			name:   "garbage agent key",
			mutate: func(e *Event) { e.Agent = "???" },
			want:   ErrBadKey,
		},
		{
			name:   "truncated agent key",
			mutate: func(e *Event) { e.Agent = "YWJj" },
			want:   ErrBadKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := New("posts:create", EncodeAgentKey(pub))
			require.NoError(t, ev.Sign(priv))
			tt.mutate(ev)
			assert.ErrorIs(t, ev.VerifySignature(), tt.want)
		})
	}
}

func TestValidate(t *testing.T) {
	pub, _ := newTestAgent(t)

	ev := New("", EncodeAgentKey(pub))
	assert.ErrorIs(t, ev.Validate(), ErrEmptyEventType)

	ev = New("posts:create", "")
	assert.ErrorIs(t, ev.Validate(), ErrEmptyAgent)

	ev = New("posts:create", EncodeAgentKey(pub))
	assert.NoError(t, ev.Validate())
}

func TestKindResolution(t *testing.T) {
	tests := []struct {
		name       string
		eventType  string
		moduleKind string
		want       string
	}{
		{name: "namespace prefix", eventType: "profiles:get_profile", want: "profiles"},
		{name: "explicit kind wins", eventType: "profiles:get_profile", moduleKind: "custom", want: "custom"},
		{name: "no namespace", eventType: "ping", want: "ping"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &Event{EventType: tt.eventType, ModuleKind: tt.moduleKind}
			assert.Equal(t, tt.want, ev.Kind())
		})
	}
}
