package event

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubModule handles one kind and replays a scripted reaction.
type stubModule struct {
	kind    string
	handled []string
	react   func(ev *Event) ([]*Event, error)
}

func (m *stubModule) Kind() string    { return m.kind }
func (m *stubModule) Version() string { return "1.0" }

func (m *stubModule) HandleEvent(_ context.Context, ev *Event) ([]*Event, error) {
	m.handled = append(m.handled, ev.EventType)
	if m.react != nil {
		return m.react(ev)
	}
	return nil, nil
}

func TestDispatchUnknownKindIsNoOp(t *testing.T) {
	registry := NewRegistry()
	d := NewDispatcher(registry, 0, nil)

	ev := &Event{EventType: "unheard:of_type", Agent: "agent"}
	assert.NoError(t, d.Dispatch(context.Background(), ev))
}

func TestDispatchRoutesToModule(t *testing.T) {
	registry := NewRegistry()
	mod := &stubModule{kind: "posts"}
	registry.Register(mod)

	d := NewDispatcher(registry, 0, nil)
	ev := &Event{EventType: "posts:create", Agent: "agent"}
	require.NoError(t, d.Dispatch(context.Background(), ev))

	assert.Equal(t, []string{"posts:create"}, mod.handled)
}

func TestDispatchOffersDerivedEvents(t *testing.T) {
	registry := NewRegistry()
	posts := &stubModule{kind: "posts"}
	posts.react = func(ev *Event) ([]*Event, error) {
		return []*Event{{EventType: "notifications:new_post", Agent: ev.Agent}}, nil
	}
	notifications := &stubModule{kind: "notifications"}
	registry.Register(posts)
	registry.Register(notifications)

	d := NewDispatcher(registry, 0, nil)
	require.NoError(t, d.Dispatch(context.Background(), &Event{EventType: "posts:create", Agent: "agent"}))

	assert.Equal(t, []string{"notifications:new_post"}, notifications.handled)
}

func TestDispatchDepthBound(t *testing.T) {
	registry := NewRegistry()
	echo := &stubModule{kind: "echo"}
	echo.react = func(ev *Event) ([]*Event, error) {
		// Feeds itself forever; the depth bound must cut the chain.
		return []*Event{{EventType: "echo:again", Agent: ev.Agent}}, nil
	}
	registry.Register(echo)

	d := NewDispatcher(registry, 4, nil)
	err := d.Dispatch(context.Background(), &Event{EventType: "echo:start", Agent: "agent"})
	assert.ErrorIs(t, err, ErrDispatchDepth)
	assert.Len(t, echo.handled, 4)
}

func TestRegistryLastWriterWins(t *testing.T) {
	registry := NewRegistry()
	first := &stubModule{kind: "posts"}
	second := &stubModule{kind: "posts"}
	registry.Register(first)
	registry.Register(second)

	got, ok := registry.Get("posts")
	require.True(t, ok)
	assert.Same(t, second, got.(*stubModule))
	assert.Equal(t, []string{"posts"}, registry.InstalledKinds())
}
