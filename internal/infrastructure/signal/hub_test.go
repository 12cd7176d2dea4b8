package signal

import (
	"errors"
	"testing"

	"voicechat/internal/core/domain"
	"voicechat/internal/protocol"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestHub_BroadcastSkipsExcludedAndFailingSessions(t *testing.T) {
	hub := NewHub(zap.NewNop().Sugar())

	alice := &recordingOutbox{}
	bob := &recordingOutbox{}
	broken := &recordingOutbox{err: errors.New("send buffer full")}
	outsider := &recordingOutbox{}

	for id, out := range map[string]*recordingOutbox{"a": alice, "b": bob, "c": broken, "d": outsider} {
		hub.Add(NewSession(domain.ConnectionID(id), out, nil))
	}
	hub.SetRoom("a", "alice", "General")
	hub.SetRoom("b", "bob", "General")
	hub.SetRoom("c", "carol", "General")
	hub.SetRoom("d", "dave", "Games")

	env, err := protocol.NewEvent(protocol.TypeVoiceActivity, protocol.VoiceActivity{Username: "alice", Speaking: true})
	assert.NoError(t, err)

	sent := hub.Broadcast("General", env, "a")

	assert.Equal(t, 1, sent)
	assert.Empty(t, alice.All())
	assert.Len(t, bob.All(), 1)
	assert.Empty(t, outsider.All())
}

func TestHub_RemoveForgetsRoom(t *testing.T) {
	hub := NewHub(zap.NewNop().Sugar())
	hub.Add(NewSession("a", &recordingOutbox{}, nil))
	hub.SetRoom("a", "alice", "General")
	assert.Len(t, hub.InRoom("General"), 1)

	hub.SetRoom("a", "", "")
	assert.Empty(t, hub.InRoom("General"))

	hub.SetRoom("a", "alice", "General")
	hub.Remove("a")
	assert.Empty(t, hub.InRoom("General"))
	assert.Zero(t, hub.Count())

	_, ok := hub.Get("a")
	assert.False(t, ok)
}

func TestHub_RoomsOfSkipsExcludedConnection(t *testing.T) {
	hub := NewHub(zap.NewNop().Sugar())
	for _, id := range []domain.ConnectionID{"a", "b", "c", "d"} {
		hub.Add(NewSession(id, &recordingOutbox{}, nil))
	}
	hub.SetRoom("a", "alice", "General")
	hub.SetRoom("b", "alice", "Music")
	hub.SetRoom("c", "alice", "Games")
	hub.SetRoom("d", "bob", "Games")

	assert.Equal(t, []domain.RoomName{"Games", "Music"}, hub.RoomsOf("alice", "a"))
	assert.Equal(t, []domain.RoomName{"Games"}, hub.RoomsOf("bob", "a"))

	hub.Remove("b")
	assert.Equal(t, []domain.RoomName{"Games"}, hub.RoomsOf("alice", "a"))
	assert.Empty(t, hub.RoomsOf("carol", ""))
}
