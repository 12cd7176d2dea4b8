package signal

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"voicechat/internal/core/domain"
	"voicechat/internal/core/ports"
	"voicechat/internal/core/services"
	"voicechat/internal/protocol"
	"voicechat/internal/testutils"
	apperrors "voicechat/pkg/errors"
	"voicechat/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

const waitFor = 2 * time.Second

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.RoomEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.RoomEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type harness struct {
	t          *testing.T
	engine     *testutils.FakeEngine
	registry   ports.RoomRegistry
	dispatcher *Dispatcher
	events     *recordingPublisher
}

type testClient struct {
	s      *Session
	out    *recordingOutbox
	nextID uint64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	engine := testutils.NewFakeEngine()
	pool, err := services.NewResourcePool(context.Background(), engine,
		services.PoolConfig{Workers: 1, Codecs: testutils.OpusCodecs()}, nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	registry := services.NewRoomRegistry(pool, domain.DefaultRooms)
	events := &recordingPublisher{}
	d := NewDispatcher(registry, NewHub(zap.NewNop().Sugar()), events, nil, DispatcherConfig{}, zap.NewNop())

	return &harness{t: t, engine: engine, registry: registry, dispatcher: d, events: events}
}

func (h *harness) connect(id string) *testClient {
	out := &recordingOutbox{}
	s := h.dispatcher.Open(domain.ConnectionID(id), out)
	go s.Run()
	h.t.Cleanup(s.Stop)
	return &testClient{s: s, out: out}
}

func (h *harness) do(c *testClient, fn func()) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(h.t, c.s.Do(ctx, fn))
}

// request dispatches a request on the client's loop and returns its ack.
func (h *harness) request(c *testClient, msgType string, data any) protocol.Envelope {
	h.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(h.t, err)

	c.nextID++
	env := protocol.Envelope{Type: msgType, ID: c.nextID, Data: raw}
	h.do(c, func() { h.dispatcher.Dispatch(context.Background(), c.s, env) })

	ack, ok := c.out.Ack(env.ID)
	require.True(h.t, ok, "no ack for %s", msgType)
	return ack
}

// event dispatches a message without a correlation id.
func (h *harness) event(c *testClient, msgType string, data any) {
	h.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(h.t, err)
	env := protocol.Envelope{Type: msgType, Data: raw}
	h.do(c, func() { h.dispatcher.Dispatch(context.Background(), c.s, env) })
}

func (h *harness) join(c *testClient, username string, room domain.RoomName) protocol.JoinResponse {
	h.t.Helper()
	ack := h.request(c, protocol.TypeJoin, protocol.JoinRequest{Username: username, Room: room})
	require.Nil(h.t, ack.Error, "join failed: %+v", ack.Error)

	var resp protocol.JoinResponse
	require.NoError(h.t, json.Unmarshal(ack.Data, &resp))
	return resp
}

func connectParams() domain.ConnectParams {
	return domain.ConnectParams{
		DTLSParameters: webrtc.DTLSParameters{
			Role:         webrtc.DTLSRoleServer,
			Fingerprints: []webrtc.DTLSFingerprint{{Algorithm: "sha-256", Value: "CC:DD"}},
		},
	}
}

func (h *harness) connectTransport(c *testClient, id domain.TransportID) {
	h.t.Helper()
	ack := h.request(c, protocol.TypeConnectTransport, protocol.ConnectTransportRequest{
		TransportID:   id,
		ConnectParams: connectParams(),
	})
	require.Nil(h.t, ack.Error, "connect failed: %+v", ack.Error)
}

func (h *harness) produce(c *testClient, transportID domain.TransportID, ssrc uint32) domain.ProducerID {
	h.t.Helper()
	ack := h.request(c, protocol.TypeProduce, protocol.ProduceRequest{
		TransportID:   transportID,
		Kind:          domain.MediaKindAudio,
		RTPParameters: testutils.OpusRTPParameters(ssrc),
	})
	require.Nil(h.t, ack.Error, "produce failed: %+v", ack.Error)

	var resp protocol.ProduceResponse
	require.NoError(h.t, json.Unmarshal(ack.Data, &resp))
	require.NotEmpty(h.t, resp.ID)
	return resp.ID
}

func (h *harness) consume(c *testClient, transportID domain.TransportID, producerID domain.ProducerID) protocol.ConsumeResponse {
	h.t.Helper()
	ack := h.request(c, protocol.TypeConsume, protocol.ConsumeRequest{
		TransportID:     transportID,
		ProducerID:      producerID,
		RTPCapabilities: domain.RTPCapabilities{Codecs: testutils.OpusCodecs()},
	})
	require.Nil(h.t, ack.Error, "consume failed: %+v", ack.Error)

	var resp protocol.ConsumeResponse
	require.NoError(h.t, json.Unmarshal(ack.Data, &resp))
	return resp
}

func (h *harness) disconnect(c *testClient) {
	h.t.Helper()
	require.True(h.t, c.s.Post(func() { h.dispatcher.Disconnect(c.s) }))
	select {
	case <-c.s.Done():
	case <-time.After(waitFor):
		h.t.Fatal("disconnect did not finish")
	}
}

func decodeData[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func newConsumerNotes(t *testing.T, out *recordingOutbox) []protocol.NewConsumerNotification {
	var notes []protocol.NewConsumerNotification
	for _, env := range out.Of(protocol.TypeNewConsumer) {
		notes = append(notes, decodeData[protocol.NewConsumerNotification](t, env))
	}
	return notes
}

func TestDispatcher_JoinReturnsRoomState(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("conn-a")
	bob := h.connect("conn-b")

	resp := h.join(alice, "alice", "General")
	assert.Equal(t, domain.RoomName("General"), resp.Room)
	assert.Equal(t, []string{"alice"}, resp.Users)
	assert.True(t, resp.RouterRTPCapabilities.Supports(webrtc.MimeTypeOpus))
	assert.NotEmpty(t, resp.TransportParams.ID)
	assert.NotEmpty(t, resp.TransportParams.DTLSParameters.Fingerprints)
	require.Len(t, resp.Presence, 1)
	assert.Equal(t, "alice", resp.Presence[0].Username)

	resp = h.join(bob, "bob", "General")
	assert.Equal(t, []string{"alice", "bob"}, resp.Users)

	joined := alice.out.Of(protocol.TypeUserJoined)
	require.Len(t, joined, 1)
	note := decodeData[protocol.MembershipNotification](t, joined[0])
	assert.Equal(t, "bob", note.Username)
	assert.Equal(t, []string{"alice", "bob"}, note.Users)

	assert.Empty(t, bob.out.Of(protocol.TypeUserJoined), "joiner is not told about itself")

	h.do(bob, func() {
		assert.Equal(t, domain.SessionJoined, bob.s.State())
		assert.Equal(t, domain.RoomName("General"), bob.s.Room())
		assert.Equal(t, 1, bob.s.TransportCount())
	})

	assert.Eventually(t, func() bool {
		return len(h.events.Types()) == 2
	}, waitFor, 10*time.Millisecond)
}

func TestDispatcher_JoinRejectsInvalidInput(t *testing.T) {
	h := newHarness(t)
	c := h.connect("conn-a")

	ack := h.request(c, protocol.TypeJoin, protocol.JoinRequest{Username: "", Room: "General"})
	require.NotNil(t, ack.Error)
	assert.Equal(t, apperrors.ErrCodeInvalidRequest, ack.Error.Code)

	ack = h.request(c, protocol.TypeJoin, protocol.JoinRequest{Username: "alice", Room: "Lobby"})
	require.NotNil(t, ack.Error)
	assert.Equal(t, apperrors.ErrCodeInvalidRequest, ack.Error.Code)

	h.do(c, func() {
		assert.Equal(t, domain.SessionConnected, c.s.State())
		assert.Empty(t, c.s.Room())
		assert.Zero(t, c.s.TransportCount())
	})
	assert.Empty(t, h.registry.Users())
}

func TestDispatcher_RejectsUnknownAndOutOfOrderRequests(t *testing.T) {
	h := newHarness(t)
	c := h.connect("conn-a")

	ack := h.request(c, "teleport", map[string]string{})
	require.NotNil(t, ack.Error)
	assert.Equal(t, apperrors.ErrCodeInvalidRequest, ack.Error.Code)

	ack = h.request(c, protocol.TypeProduce, protocol.ProduceRequest{TransportID: "t", Kind: domain.MediaKindAudio})
	require.NotNil(t, ack.Error)
	assert.Equal(t, apperrors.ErrCodeInvalidRequest, ack.Error.Code)

	h.join(c, "alice", "General")

	ack = h.request(c, protocol.TypeConnectTransport, protocol.ConnectTransportRequest{
		TransportID:   "missing",
		ConnectParams: connectParams(),
	})
	require.NotNil(t, ack.Error)
	assert.Equal(t, apperrors.ErrCodeNotFound, ack.Error.Code)

	ack = h.request(c, protocol.TypeResumeConsumer, protocol.ResumeConsumerRequest{ConsumerID: "missing"})
	require.NotNil(t, ack.Error)
	assert.Equal(t, apperrors.ErrCodeNotFound, ack.Error.Code)
}

func TestDispatcher_ProduceProvisionsConsumersForOthers(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("conn-a")
	bob := h.connect("conn-b")

	aliceJoin := h.join(alice, "alice", "General")
	h.join(bob, "bob", "General")

	h.connectTransport(alice, aliceJoin.TransportParams.ID)
	producerID := h.produce(alice, aliceJoin.TransportParams.ID, 1111)

	assert.Eventually(t, func() bool {
		return len(bob.out.Of(protocol.TypeNewConsumer)) == 1
	}, waitFor, 10*time.Millisecond)
	assert.Empty(t, alice.out.Of(protocol.TypeNewConsumer))

	note := newConsumerNotes(t, bob.out)[0]
	assert.Equal(t, producerID, note.ProducerID)
	assert.Equal(t, "alice", note.Username)
	require.NotEmpty(t, note.TransportParams.ID)

	h.connectTransport(bob, note.TransportParams.ID)
	consumed := h.consume(bob, note.TransportParams.ID, producerID)
	assert.NotEmpty(t, consumed.ID)
	assert.Equal(t, producerID, consumed.ProducerID)
	assert.Equal(t, domain.MediaKindAudio, consumed.Kind)
	assert.True(t, consumed.RTPParameters.Valid())

	ack := h.request(bob, protocol.TypeResumeConsumer, protocol.ResumeConsumerRequest{ConsumerID: consumed.ID})
	assert.Nil(t, ack.Error)

	h.do(bob, func() {
		ch, err := bob.s.consumer(consumed.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ConsumerResumed, ch.State)
		assert.False(t, ch.Consumer.Paused())
	})

	entries := h.registry.Producers("General")
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ConnectionID("conn-a"), entries[0].ConnectionID)
}

func TestDispatcher_LateJoinerReceivesExistingProducers(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("conn-a")
	bob := h.connect("conn-b")

	aliceJoin := h.join(alice, "alice", "General")
	producerID := h.produce(alice, aliceJoin.TransportParams.ID, 2222)

	h.join(bob, "bob", "General")

	all := bob.out.All()
	ackAt, noteAt := -1, -1
	for i, env := range all {
		switch {
		case env.Type == protocol.TypeAck && ackAt < 0:
			ackAt = i
		case env.Type == protocol.TypeNewConsumer:
			noteAt = i
		}
	}
	require.GreaterOrEqual(t, noteAt, 0, "late joiner got no new_consumer")
	assert.Less(t, ackAt, noteAt, "new_consumer must follow the join ack")
	assert.Equal(t, producerID, newConsumerNotes(t, bob.out)[0].ProducerID)
}

func TestDispatcher_SecondProduceReplacesFirst(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("conn-a")
	join := h.join(alice, "alice", "General")

	first := h.produce(alice, join.TransportParams.ID, 1)
	second := h.produce(alice, join.TransportParams.ID, 2)
	require.NotEqual(t, first, second)

	entries := h.registry.Producers("General")
	require.Len(t, entries, 1)
	assert.Equal(t, second, entries[0].ProducerID)
	assert.GreaterOrEqual(t, h.engine.Log.IndexOf("producer", string(first)), 0)

	h.do(alice, func() { assert.Equal(t, 1, alice.s.ProducerCount()) })
}

func TestDispatcher_ConsumeRejectsIncompatibleCapabilities(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("conn-a")
	bob := h.connect("conn-b")

	aliceJoin := h.join(alice, "alice", "General")
	h.join(bob, "bob", "General")
	producerID := h.produce(alice, aliceJoin.TransportParams.ID, 3)

	require.Eventually(t, func() bool {
		return len(bob.out.Of(protocol.TypeNewConsumer)) == 1
	}, waitFor, 10*time.Millisecond)
	note := newConsumerNotes(t, bob.out)[0]

	ack := h.request(bob, protocol.TypeConsume, protocol.ConsumeRequest{
		TransportID:     note.TransportParams.ID,
		ProducerID:      producerID,
		RTPCapabilities: domain.RTPCapabilities{Codecs: []domain.RTPCodecCapability{{Kind: domain.MediaKindAudio, MimeType: webrtc.MimeTypePCMU}}},
	})
	require.NotNil(t, ack.Error)
	assert.Equal(t, apperrors.ErrCodeNegotiationFailed, ack.Error.Code)
	h.do(bob, func() { assert.Zero(t, bob.s.ConsumerCount()) })
}

func TestDispatcher_LeaveNotifiesRemainingMembers(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("conn-a")
	bob := h.connect("conn-b")
	carol := h.connect("conn-c")

	h.join(alice, "alice", "General")
	h.join(bob, "bob", "General")
	h.join(carol, "carol", "General")

	ack := h.request(bob, protocol.TypeLeave, protocol.LeaveRequest{Room: "General"})
	assert.Nil(t, ack.Error)

	for _, c := range []*testClient{alice, carol} {
		left := c.out.Of(protocol.TypeUserLeft)
		require.Len(t, left, 1)
		note := decodeData[protocol.MembershipNotification](t, left[0])
		assert.Equal(t, "bob", note.Username)
		assert.Equal(t, []string{"alice", "carol"}, note.Users)
	}
	assert.Empty(t, bob.out.Of(protocol.TypeUserLeft))

	members, err := h.registry.Members("General")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, members)

	h.do(bob, func() {
		assert.Equal(t, domain.SessionConnected, bob.s.State())
		assert.Zero(t, bob.s.TransportCount())
	})

	// leaving again is a no-op
	ack = h.request(bob, protocol.TypeLeave, protocol.LeaveRequest{Room: "General"})
	assert.Nil(t, ack.Error)
	assert.Len(t, alice.out.Of(protocol.TypeUserLeft), 1)
}

func TestDispatcher_JoinWhileJoinedSwitchesRoom(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("conn-a")
	bob := h.connect("conn-b")

	h.join(alice, "alice", "General")
	h.join(bob, "bob", "General")
	resp := h.join(alice, "alice", "Games")
	assert.Equal(t, []string{"alice"}, resp.Users)

	general, _ := h.registry.Members("General")
	games, _ := h.registry.Members("Games")
	assert.Equal(t, []string{"bob"}, general)
	assert.Equal(t, []string{"alice"}, games)

	require.Len(t, bob.out.Of(protocol.TypeUserLeft), 1)
	h.do(alice, func() {
		assert.Equal(t, domain.RoomName("Games"), alice.s.Room())
		assert.Equal(t, 1, alice.s.TransportCount(), "old room transports are released")
	})
}

func TestDispatcher_DisconnectReleasesEverythingInOrder(t *testing.T) {
	h := newHarness(t)
	bob := h.connect("conn-b")
	others := map[string]*testClient{
		"alice": h.connect("conn-a"),
		"carol": h.connect("conn-c"),
		"dave":  h.connect("conn-d"),
	}

	var producers []domain.ProducerID
	for name, c := range others {
		join := h.join(c, name, "General")
		producers = append(producers, h.produce(c, join.TransportParams.ID, uint32(len(producers)+10)))
	}

	bobJoin := h.join(bob, "bob", "General")
	notes := newConsumerNotes(t, bob.out)
	require.Len(t, notes, 3)

	// all three consumers share the first receive transport
	recv := notes[0].TransportParams.ID
	h.connectTransport(bob, recv)
	var consumers []domain.ConsumerID
	for _, p := range producers {
		consumers = append(consumers, h.consume(bob, recv, p).ID)
	}
	bobProducer := h.produce(bob, bobJoin.TransportParams.ID, 99)

	h.disconnect(bob)

	log := h.engine.Log
	lastConsumer := -1
	for _, id := range consumers {
		idx := log.IndexOf("consumer", string(id))
		require.GreaterOrEqual(t, idx, 0)
		if idx > lastConsumer {
			lastConsumer = idx
		}
	}
	producerAt := log.IndexOf("producer", string(bobProducer))
	sendAt := log.IndexOf("transport", string(bobJoin.TransportParams.ID))
	recvAt := log.IndexOf("transport", string(recv))

	assert.Less(t, lastConsumer, producerAt)
	assert.Less(t, producerAt, sendAt)
	assert.Less(t, producerAt, recvAt)

	members, err := h.registry.Members("General")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol", "dave"}, members)
	for _, e := range h.registry.Producers("General") {
		assert.NotEqual(t, bobProducer, e.ProducerID)
	}

	for _, c := range others {
		assert.Eventually(t, func() bool {
			return len(c.out.Of(protocol.TypeUserLeft)) == 1
		}, waitFor, 10*time.Millisecond)
	}
	_, ok := h.dispatcher.Hub().Get("conn-b")
	assert.False(t, ok)
}

func TestDispatcher_ProducerGoneClosesRemoteConsumers(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("conn-a")
	bob := h.connect("conn-b")

	aliceJoin := h.join(alice, "alice", "General")
	h.join(bob, "bob", "General")
	producerID := h.produce(alice, aliceJoin.TransportParams.ID, 5)

	require.Eventually(t, func() bool {
		return len(bob.out.Of(protocol.TypeNewConsumer)) == 1
	}, waitFor, 10*time.Millisecond)
	note := newConsumerNotes(t, bob.out)[0]
	consumed := h.consume(bob, note.TransportParams.ID, producerID)

	h.request(alice, protocol.TypeLeave, protocol.LeaveRequest{Room: "General"})

	require.Eventually(t, func() bool {
		return len(bob.out.Of(protocol.TypeConsumerClosed)) == 1
	}, waitFor, 10*time.Millisecond)
	closed := decodeData[protocol.ConsumerClosedNotification](t, bob.out.Of(protocol.TypeConsumerClosed)[0])
	assert.Equal(t, consumed.ID, closed.ConsumerID)
	assert.Equal(t, producerID, closed.ProducerID)

	h.do(bob, func() { assert.Zero(t, bob.s.ConsumerCount()) })
}

func TestDispatcher_FailedTransportIsEvicted(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("conn-a")
	join := h.join(alice, "alice", "General")
	h.connectTransport(alice, join.TransportParams.ID)
	h.produce(alice, join.TransportParams.ID, 6)

	h.do(alice, func() {
		th, err := alice.s.transport(join.TransportParams.ID)
		require.NoError(t, err)
		th.Transport.(*testutils.FakeTransport).Fail()
	})

	assert.Eventually(t, func() bool {
		var transports, producers int
		h.do(alice, func() {
			transports = alice.s.TransportCount()
			producers = alice.s.ProducerCount()
		})
		return transports == 0 && producers == 0
	}, waitFor, 10*time.Millisecond)
	assert.Empty(t, h.registry.Producers("General"))

	ack := h.request(alice, protocol.TypeConnectTransport, protocol.ConnectTransportRequest{
		TransportID:   join.TransportParams.ID,
		ConnectParams: connectParams(),
	})
	require.NotNil(t, ack.Error)
	assert.Equal(t, apperrors.ErrCodeNotFound, ack.Error.Code)
}

func TestDispatcher_PresenceRelays(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("conn-a")
	bob := h.connect("conn-b")
	h.join(alice, "alice", "General")
	h.join(bob, "bob", "General")

	h.event(alice, protocol.TypeVoiceActivity, protocol.VoiceActivity{Speaking: true, Room: "General"})

	assert.Empty(t, alice.out.Of(protocol.TypeVoiceActivity), "speaker does not get its own voice activity")
	relayed := bob.out.Of(protocol.TypeVoiceActivity)
	require.Len(t, relayed, 1)
	va := decodeData[protocol.VoiceActivity](t, relayed[0])
	assert.Equal(t, "alice", va.Username)
	assert.True(t, va.Speaking)

	h.event(alice, protocol.TypeMuteStatus, protocol.MuteStatus{Muted: true, Room: "General"})

	for _, c := range []*testClient{alice, bob} {
		muted := c.out.Of(protocol.TypeMuteStatus)
		require.Len(t, muted, 1, "mute status reaches the whole room")
		ms := decodeData[protocol.MuteStatus](t, muted[0])
		assert.Equal(t, "alice", ms.Username)
		assert.True(t, ms.Muted)
	}

	presence := h.registry.Presence("General")
	require.Len(t, presence, 2)
	assert.Equal(t, domain.Presence{Username: "alice", Muted: true, Speaking: false}, presence[0])

	// events for another room are refused
	ack := h.request(alice, protocol.TypeVoiceActivity, protocol.VoiceActivity{Speaking: true, Room: "Games"})
	require.NotNil(t, ack.Error)
	assert.Equal(t, apperrors.ErrCodeInvalidRequest, ack.Error.Code)
}

func TestDispatcher_ClosingSessionIgnoresRequests(t *testing.T) {
	h := newHarness(t)
	c := h.connect("conn-a")
	h.join(c, "alice", "General")

	h.disconnect(c)

	raw, _ := json.Marshal(protocol.JoinRequest{Username: "alice", Room: "General"})
	h.dispatcher.Dispatch(context.Background(), c.s, protocol.Envelope{Type: protocol.TypeJoin, ID: 99, Data: raw})

	_, ok := c.out.Ack(99)
	assert.False(t, ok)
	assert.Empty(t, h.registry.Users())
}

func TestDispatcher_RepeatedConsumeReplacesConsumer(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("conn-a")
	bob := h.connect("conn-b")

	aliceJoin := h.join(alice, "alice", "General")
	h.join(bob, "bob", "General")
	producerID := h.produce(alice, aliceJoin.TransportParams.ID, 7)

	require.Eventually(t, func() bool {
		return len(bob.out.Of(protocol.TypeNewConsumer)) == 1
	}, waitFor, 10*time.Millisecond)
	recv := newConsumerNotes(t, bob.out)[0].TransportParams.ID
	h.connectTransport(bob, recv)

	var ids []domain.ConsumerID
	for i := 0; i < 3; i++ {
		ids = append(ids, h.consume(bob, recv, producerID).ID)
	}
	require.Len(t, ids, 3)
	assert.NotEqual(t, ids[0], ids[2])

	h.do(bob, func() {
		handles := bob.s.ConsumersOf(producerID)
		require.Len(t, handles, 1)
		assert.Equal(t, ids[2], handles[0].Consumer.ID())
		assert.Equal(t, 1, bob.s.ConsumerCount())
		assert.Equal(t, 2, bob.s.TransportCount(), "the receive transport stays open")
	})

	for _, id := range ids[:2] {
		assert.GreaterOrEqual(t, h.engine.Log.IndexOf("consumer", string(id)), 0)
	}
	assert.Negative(t, h.engine.Log.IndexOf("consumer", string(ids[2])))
	assert.Empty(t, bob.out.Of(protocol.TypeConsumerClosed), "a replaced consumer is not reported")
}

func TestDispatcher_ReceiveTransportsReleasedWithProducer(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("conn-a")
	bob := h.connect("conn-b")
	carol := h.connect("conn-c")

	aliceJoin := h.join(alice, "alice", "General")
	h.join(bob, "bob", "General")
	h.join(carol, "carol", "General")

	var recvs []domain.TransportID
	for i := 1; i <= 3; i++ {
		producerID := h.produce(alice, aliceJoin.TransportParams.ID, uint32(i))
		require.Eventually(t, func() bool {
			return len(bob.out.Of(protocol.TypeNewConsumer)) == i
		}, waitFor, 10*time.Millisecond)
		note := newConsumerNotes(t, bob.out)[i-1]
		require.Equal(t, producerID, note.ProducerID)

		h.connectTransport(bob, note.TransportParams.ID)
		h.consume(bob, note.TransportParams.ID, producerID)
		recvs = append(recvs, note.TransportParams.ID)
	}

	// each replaced producer released the transport bob received it on
	require.Eventually(t, func() bool {
		var transports int
		h.do(bob, func() { transports = bob.s.TransportCount() })
		return transports == 2
	}, waitFor, 10*time.Millisecond)

	h.request(alice, protocol.TypeLeave, protocol.LeaveRequest{Room: "General"})

	for _, c := range []*testClient{bob, carol} {
		assert.Eventually(t, func() bool {
			var transports, consumers int
			h.do(c, func() {
				transports = c.s.TransportCount()
				consumers = c.s.ConsumerCount()
			})
			return transports == 1 && consumers == 0
		}, waitFor, 10*time.Millisecond)
	}
	for _, id := range recvs {
		assert.GreaterOrEqual(t, h.engine.Log.IndexOf("transport", string(id)), 0)
	}
}

func TestDispatcher_DisconnectKeepsSameNameMembershipElsewhere(t *testing.T) {
	h := newHarness(t)
	first := h.connect("conn-a1")
	second := h.connect("conn-a2")
	bob := h.connect("conn-b")

	h.join(first, "alice", "General")
	h.join(second, "alice", "Games")
	h.join(bob, "bob", "General")

	h.disconnect(first)

	general, err := h.registry.Members("General")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, general)

	games, err := h.registry.Members("Games")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, games)

	require.Len(t, bob.out.Of(protocol.TypeUserLeft), 1)
	assert.Empty(t, second.out.Of(protocol.TypeUserLeft))
	h.do(second, func() {
		assert.Equal(t, domain.SessionJoined, second.s.State())
		assert.Equal(t, domain.RoomName("Games"), second.s.Room())
	})
}

func TestDispatcher_SpansCarryHandleIDs(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	h := newHarness(t)
	alice := h.connect("conn-a")
	bob := h.connect("conn-b")

	aliceJoin := h.join(alice, "alice", "General")
	h.join(bob, "bob", "General")
	producerID := h.produce(alice, aliceJoin.TransportParams.ID, 9)
	require.Eventually(t, func() bool {
		return len(bob.out.Of(protocol.TypeNewConsumer)) == 1
	}, waitFor, 10*time.Millisecond)
	recv := newConsumerNotes(t, bob.out)[0].TransportParams.ID
	consumed := h.consume(bob, recv, producerID)

	attrs := func(name string) map[attribute.Key]string {
		for _, span := range sr.Ended() {
			if span.Name() != name {
				continue
			}
			out := make(map[attribute.Key]string)
			for _, kv := range span.Attributes() {
				out[kv.Key] = kv.Value.Emit()
			}
			return out
		}
		return nil
	}

	consume := attrs("engine.consume")
	require.NotNil(t, consume)
	assert.Equal(t, string(recv), consume[tracing.TransportIDKey])
	assert.Equal(t, string(producerID), consume[tracing.ProducerIDKey])
	assert.Equal(t, string(consumed.ID), consume[tracing.ConsumerIDKey])

	produce := attrs("engine.produce")
	require.NotNil(t, produce)
	assert.Equal(t, string(producerID), produce[tracing.ProducerIDKey])

	join := attrs("signal.join")
	require.NotNil(t, join)
	assert.Equal(t, "alice", join[tracing.UsernameKey])
	assert.Equal(t, "General", join[tracing.RoomKey])

	for _, span := range sr.Ended() {
		if span.Name() == "signal.consume" {
			assert.Equal(t, codes.Ok, span.Status().Code)
		}
	}
}
