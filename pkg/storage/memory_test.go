package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synapse/pkg/event"
	"synapse/pkg/ports"
	"synapse/pkg/types"
)

func TestSessionStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()

	sess := &types.Session{
		ID:        "sess-1",
		Agent:     "agentA",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, store.Store(ctx, sess))

	got, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentKey("agentA"), got.Agent)

	// The store returns copies; mutating one must not leak back.
	got.Revoked = true
	again, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, again.Revoked)

	require.NoError(t, store.Revoke(ctx, "sess-1"))
	revoked, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, revoked.Revoked)

	require.NoError(t, store.Delete(ctx, "sess-1"))
	_, err = store.Get(ctx, "sess-1")
	assert.ErrorIs(t, err, ports.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "sess-1"), ports.ErrNotFound)
	assert.ErrorIs(t, store.Revoke(ctx, "sess-1"), ports.ErrNotFound)
}

func TestSessionStoreSweepExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	now := time.Now()

	require.NoError(t, store.Store(ctx, &types.Session{ID: "live", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, store.Store(ctx, &types.Session{ID: "stale", ExpiresAt: now.Add(-time.Minute)}))

	assert.Equal(t, 1, store.SweepExpired(now))
	_, err := store.Get(ctx, "stale")
	assert.ErrorIs(t, err, ports.ErrNotFound)
	_, err = store.Get(ctx, "live")
	assert.NoError(t, err)
}

func TestChallengeStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryChallengeStore()

	ch := &types.Challenge{
		ID:        "ch-1",
		Agent:     "agentA",
		Nonce:     "nonce",
		ExpiresAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, store.Store(ctx, ch))

	got, err := store.Get(ctx, "ch-1")
	require.NoError(t, err)
	assert.Equal(t, "nonce", got.Nonce)

	require.NoError(t, store.Delete(ctx, "ch-1"))
	_, err = store.Get(ctx, "ch-1")
	assert.ErrorIs(t, err, ports.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "ch-1"), ports.ErrNotFound)
}

func TestEventStoreRetrieveFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()

	post := event.New("posts:new_post", "agentA")
	post.ModuleSlug = "town-square"
	profile := event.New("profiles:get_profile", "agentB")
	core := event.New("ack", "agentA")

	for _, ev := range []*event.Event{post, profile, core} {
		require.NoError(t, store.Record(ctx, ev))
	}

	tests := []struct {
		name   string
		filter ports.EventFilter
		want   int
	}{
		{name: "all", filter: ports.EventFilter{}, want: 3},
		{name: "by event type", filter: ports.EventFilter{EventType: "posts:new_post"}, want: 1},
		{name: "by module kind", filter: ports.EventFilter{ModuleKind: "profiles"}, want: 1},
		{name: "by slug", filter: ports.EventFilter{ModuleSlug: "town-square"}, want: 1},
		{name: "no match", filter: ports.EventFilter{EventType: "absent:kind"}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Retrieve(ctx, tt.filter)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestProfileStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryProfileStore()

	_, err := store.GetDoc(ctx, "agentA")
	assert.ErrorIs(t, err, ports.ErrNotFound)

	doc := &types.ProfileDocument{
		Agent:     "agentA",
		Body:      []byte(`{"name":"Ada"}`),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, store.UpsertDoc(ctx, doc))

	got, err := store.GetDoc(ctx, "agentA")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ada"}`, string(got.Body))

	doc.Body = []byte(`{"name":"Ada Lovelace"}`)
	require.NoError(t, store.UpsertDoc(ctx, doc))
	got, err = store.GetDoc(ctx, "agentA")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ada Lovelace"}`, string(got.Body))

	require.NoError(t, store.DeleteDoc(ctx, "agentA"))
	_, err = store.GetDoc(ctx, "agentA")
	assert.ErrorIs(t, err, ports.ErrNotFound)
	assert.ErrorIs(t, store.DeleteDoc(ctx, "agentA"), ports.ErrNotFound)
}
