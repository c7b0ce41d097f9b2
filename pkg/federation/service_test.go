package federation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synapse/pkg/event"
	"synapse/pkg/ports"
	"synapse/pkg/snp"
	"synapse/pkg/storage"
	"synapse/pkg/transport"
	"synapse/pkg/types"
)

// fakeNetwork scripts the transport surface: per-peer request handlers,
// canned provider lists and captured responses.
type fakeNetwork struct {
	mu        sync.Mutex
	self      types.PeerID
	agent     types.AgentKey
	inbound   chan transport.InboundRequest
	providers map[string][]types.PeerInfo
	handlers  map[types.PeerID]func(*snp.Envelope) (*snp.Envelope, error)
	announced []string
	responded []*snp.Envelope
}

func newFakeNetwork(id *transport.Identity) *fakeNetwork {
	return &fakeNetwork{
		self:      id.PeerID(),
		agent:     id.AgentKey(),
		inbound:   make(chan transport.InboundRequest, 8),
		providers: make(map[string][]types.PeerInfo),
		handlers:  make(map[types.PeerID]func(*snp.Envelope) (*snp.Envelope, error)),
	}
}

func (f *fakeNetwork) Self() types.PeerID { return f.self }

func (f *fakeNetwork) AgentKey() types.AgentKey { return f.agent }

func (f *fakeNetwork) Inbound() <-chan transport.InboundRequest { return f.inbound }

func (f *fakeNetwork) Request(_ context.Context, peer types.PeerID, env *snp.Envelope) (*snp.Envelope, error) {
	f.mu.Lock()
	handler, ok := f.handlers[peer]
	f.mu.Unlock()
	if !ok {
		return nil, &transport.TransportError{Kind: transport.ErrUnreachable, Op: "request"}
	}
	return handler(env)
}

func (f *fakeNetwork) Respond(_ context.Context, _ *transport.ResponseChannel, env *snp.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responded = append(f.responded, env)
	return nil
}

func (f *fakeNetwork) FindProviders(_ context.Context, key string) ([]types.PeerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.providers[key], nil
}

func (f *fakeNetwork) Announce(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced = append(f.announced, key)
	return nil
}

func (f *fakeNetwork) lastResponse(t *testing.T) *snp.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.responded)
	return f.responded[len(f.responded)-1]
}

type recordingModule struct {
	mu      sync.Mutex
	kind    string
	handled []*event.Event
}

func (m *recordingModule) Kind() string    { return m.kind }
func (m *recordingModule) Version() string { return "1.0.0" }

func (m *recordingModule) HandleEvent(_ context.Context, ev *event.Event) ([]*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handled = append(m.handled, ev)
	return nil, nil
}

func (m *recordingModule) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handled)
}

type fixture struct {
	svc      *Service
	net      *fakeNetwork
	profiles *storage.MemoryProfileStore
	events   *storage.MemoryEventStore
	identity *transport.Identity
	module   *recordingModule
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	id, err := transport.GenerateIdentity()
	require.NoError(t, err)

	net := newFakeNetwork(id)
	registry := event.NewRegistry()
	module := &recordingModule{kind: "posts"}
	registry.Register(module)
	dispatcher := event.NewDispatcher(registry, event.DefaultMaxDispatchDepth, nil)

	profiles := storage.NewMemoryProfileStore()
	events := storage.NewMemoryEventStore()
	svc := NewService(net, id, dispatcher, events, profiles, nil)

	return &fixture{svc: svc, net: net, profiles: profiles, events: events, identity: id, module: module}
}

// profileProvider scripts a peer that serves the given document.
func profileProvider(t *testing.T, agent types.AgentKey, body []byte) (types.PeerID, func(*snp.Envelope) (*snp.Envelope, error)) {
	t.Helper()
	id, err := transport.GenerateIdentity()
	require.NoError(t, err)

	handler := func(req *snp.Envelope) (*snp.Envelope, error) {
		ev := event.New(EventProfile, id.AgentKey())
		ev.InReplyTo = req.Event.ID
		ev.Target = string(agent)
		ev.Payload = body
		resp := snp.NewResponse(req, id.AgentKey(), ev)
		if err := resp.Sign(id.Private); err != nil {
			return nil, err
		}
		return resp, nil
	}
	return id.PeerID(), handler
}

func TestFetchProfileLocalHit(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	require.NoError(t, fx.profiles.UpsertDoc(ctx, &types.ProfileDocument{
		Agent: "agentA",
		Body:  []byte(`{"name":"Ada"}`),
	}))

	doc, found, err := fx.svc.FetchProfile(ctx, "agentA")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"name":"Ada"}`, string(doc.Body))
	assert.Empty(t, fx.net.announced)
}

func TestFetchProfileFirstProviderFailsSecondServes(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	deadPeer, err := transport.GenerateIdentity()
	require.NoError(t, err)
	goodPeer, handler := profileProvider(t, "agentA", []byte(`{"name":"Ada"}`))
	fx.net.handlers[goodPeer] = handler

	key := ProfileKey("agentA")
	fx.net.providers[key] = []types.PeerInfo{
		{ID: deadPeer.PeerID()},
		{ID: goodPeer},
	}

	doc, found, err := fx.svc.FetchProfile(ctx, "agentA")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"name":"Ada"}`, string(doc.Body))

	// The document is persisted and re-announced for future lookups.
	stored, err := fx.profiles.GetDoc(ctx, "agentA")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ada"}`, string(stored.Body))
	assert.Equal(t, []string{key}, fx.net.announced)
}

func TestFetchProfileSkipsSelfProvider(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	fx.net.providers[ProfileKey("agentA")] = []types.PeerInfo{{ID: fx.net.self}}

	doc, found, err := fx.svc.FetchProfile(ctx, "agentA")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, doc)
}

func TestFetchProfileNobodyHasIt(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	doc, found, err := fx.svc.FetchProfile(ctx, "agentA")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, doc)
	assert.Empty(t, fx.net.announced)
}

func TestFetchProfileEmptyResponseMeansNext(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	emptyPeer, emptyHandler := profileProvider(t, "agentA", nil)
	fullPeer, fullHandler := profileProvider(t, "agentA", []byte(`{"name":"Ada"}`))
	fx.net.handlers[emptyPeer] = emptyHandler
	fx.net.handlers[fullPeer] = fullHandler

	fx.net.providers[ProfileKey("agentA")] = []types.PeerInfo{
		{ID: emptyPeer},
		{ID: fullPeer},
	}

	doc, found, err := fx.svc.FetchProfile(ctx, "agentA")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"name":"Ada"}`, string(doc.Body))
}

func inboundRequest(t *testing.T, eventType, target string) transport.InboundRequest {
	t.Helper()
	id, err := transport.GenerateIdentity()
	require.NoError(t, err)

	ev := event.New(eventType, id.AgentKey())
	ev.Target = target
	require.NoError(t, ev.Sign(id.Private))
	env := snp.NewRequest(snp.ToSynapse("receiver"), id.AgentKey(), ev)
	require.NoError(t, env.Sign(id.Private))
	return transport.InboundRequest{Envelope: env, Reply: &transport.ResponseChannel{}}
}

func TestHandleInboundServesProfile(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	require.NoError(t, fx.profiles.UpsertDoc(ctx, &types.ProfileDocument{
		Agent: "agentA",
		Body:  []byte(`{"name":"Ada"}`),
	}))

	fx.svc.handleInbound(ctx, inboundRequest(t, EventGetProfile, "agentA"))

	resp := fx.net.lastResponse(t)
	require.NotNil(t, resp.Event)
	assert.Equal(t, EventProfile, resp.Event.EventType)
	assert.JSONEq(t, `{"name":"Ada"}`, string(resp.Event.Payload))
	assert.NoError(t, resp.Verify())
}

func TestHandleInboundUnknownProfileAnswersEmpty(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	fx.svc.handleInbound(ctx, inboundRequest(t, EventGetProfile, "agentMissing"))

	resp := fx.net.lastResponse(t)
	require.NotNil(t, resp.Event)
	assert.Equal(t, EventProfile, resp.Event.EventType)
	assert.Empty(t, resp.Event.Payload)
}

func TestHandleInboundDispatchesAndAcks(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	fx.svc.handleInbound(ctx, inboundRequest(t, "posts:new_post", ""))

	assert.Equal(t, 1, fx.module.count())
	resp := fx.net.lastResponse(t)
	require.NotNil(t, resp.Event)
	assert.Equal(t, eventAck, resp.Event.EventType)

	// Inbound events land in the event log regardless of handling outcome.
	recorded, err := fx.events.Retrieve(ctx, ports.EventFilter{EventType: "posts:new_post"})
	require.NoError(t, err)
	assert.Len(t, recorded, 1)
}

func TestHandleInboundMulticastNeverAnswered(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	req := inboundRequest(t, "posts:new_post", "")
	req.Reply = nil
	fx.svc.handleInbound(ctx, req)

	assert.Equal(t, 1, fx.module.count())
	assert.Empty(t, fx.net.responded)
}

func TestCreateLocalEvent(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)

	ev, err := fx.svc.CreateLocalEvent(ctx, "posts:new_post", fx.net.agent)
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, 1, fx.module.count())

	_, err = fx.svc.CreateLocalEvent(ctx, "", fx.net.agent)
	assert.ErrorIs(t, err, event.ErrEmptyEventType)
	_, err = fx.svc.CreateLocalEvent(ctx, "posts:new_post", "")
	assert.ErrorIs(t, err, event.ErrEmptyAgent)
}
