package services

import (
	"context"
	"sync"
	"testing"

	"voicechat/internal/core/domain"
	"voicechat/internal/core/ports"
	"voicechat/internal/testutils"
	apperrors "voicechat/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (ports.RoomRegistry, *testutils.FakeEngine) {
	t.Helper()
	engine := testutils.NewFakeEngine()
	pool := newTestPool(t, engine, 2)
	return NewRoomRegistry(pool, domain.DefaultRooms), engine
}

func TestRoomRegistry_JoinValidates(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Join(ctx, "", "General")
	assert.ErrorIs(t, err, domain.ErrInvalidUsername)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidRequest))

	_, err = reg.Join(ctx, "alice", "Lobby")
	assert.ErrorIs(t, err, domain.ErrInvalidRoom)

	members, err := reg.Members("General")
	require.NoError(t, err)
	assert.Empty(t, members, "rejected joins must not change state")
}

func TestRoomRegistry_JoinIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Join(ctx, "alice", "General")
	require.NoError(t, err)
	second, err := reg.Join(ctx, "alice", "General")
	require.NoError(t, err)

	assert.Equal(t, []string{"alice"}, first.Members)
	assert.Equal(t, first.Members, second.Members)
	assert.Same(t, first.Router, second.Router)
}

func TestRoomRegistry_ConcurrentJoinsBindOneRouter(t *testing.T) {
	reg, engine := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := reg.Join(context.Background(), string(rune('a'+i%26))+"user", "Games")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), engine.RouterCreations())
	members, _ := reg.Members("Games")
	assert.Len(t, members, 26)
}

func TestRoomRegistry_LeaveReturnsRemainingMembers(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, _ = reg.Join(ctx, "alice", "General")
	_, _ = reg.Join(ctx, "bob", "General")

	remaining, err := reg.Leave("alice", "General")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, remaining)

	_, err = reg.Leave("alice", "Nowhere")
	assert.ErrorIs(t, err, domain.ErrInvalidRoom)
}

func TestRoomRegistry_RemoveUserEverywhere(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, _ = reg.Join(ctx, "alice", "General")
	_, _ = reg.Join(ctx, "alice", "Music")
	_, _ = reg.Join(ctx, "bob", "Music")

	affected := reg.RemoveUserEverywhere("alice")
	assert.Equal(t, map[domain.RoomName][]string{
		"General": {},
		"Music":   {"bob"},
	}, affected)
	assert.Equal(t, []string{"bob"}, reg.Users())
}

func TestRoomRegistry_RemoveUserEverywhereKeepsExceptedRooms(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, _ = reg.Join(ctx, "alice", "General")
	_, _ = reg.Join(ctx, "alice", "Games")
	reg.SetMuted("alice", true)

	affected := reg.RemoveUserEverywhere("alice", "Games")
	assert.Equal(t, map[domain.RoomName][]string{"General": {}}, affected)

	games, err := reg.Members("Games")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, games)

	presence := reg.Presence("Games")
	require.Len(t, presence, 1)
	assert.True(t, presence[0].Muted, "presence survives while the user is still in a room")
}

func TestRoomRegistry_Rooms(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, _ = reg.Join(context.Background(), "carol", "Music")

	rooms := reg.Rooms()
	require.Len(t, rooms, 3)
	assert.Equal(t, domain.RoomName("General"), rooms[0].Name)
	assert.False(t, rooms[0].Active)
	assert.Equal(t, domain.RoomName("Music"), rooms[2].Name)
	assert.Equal(t, 1, rooms[2].Count)
	assert.True(t, rooms[2].Active)
}

func TestRoomRegistry_ProducerIndex(t *testing.T) {
	reg, _ := newTestRegistry(t)

	require.NoError(t, reg.AddProducer("General", domain.ProducerEntry{ProducerID: "p2", Username: "bob"}))
	require.NoError(t, reg.AddProducer("General", domain.ProducerEntry{ProducerID: "p1", Username: "alice"}))
	assert.Error(t, reg.AddProducer("Lobby", domain.ProducerEntry{ProducerID: "p3"}))

	producers := reg.Producers("General")
	require.Len(t, producers, 2)
	assert.Equal(t, domain.ProducerID("p1"), producers[0].ProducerID)

	reg.RemoveProducer("General", "p1")
	assert.Len(t, reg.Producers("General"), 1)
	assert.Empty(t, reg.Producers("Games"))
}

func TestRoomRegistry_Presence(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	_, _ = reg.Join(ctx, "alice", "General")
	_, _ = reg.Join(ctx, "bob", "General")

	reg.SetSpeaking("alice", true)
	reg.SetMuted("bob", true)
	reg.SetSpeaking("bob", true) // muted users never speak

	assert.Equal(t, []domain.Presence{
		{Username: "alice", Speaking: true},
		{Username: "bob", Muted: true},
	}, reg.Presence("General"))

	reg.SetMuted("alice", true)
	assert.False(t, reg.Presence("General")[0].Speaking)

	_, _ = reg.Leave("bob", "General")
	_, _ = reg.Join(ctx, "bob", "General")
	assert.False(t, reg.Presence("General")[1].Muted, "presence resets once the user left every room")
}
