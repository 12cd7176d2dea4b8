package signal

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"voicechat/internal/core/domain"
	"voicechat/internal/core/ports"
	"voicechat/internal/protocol"
	"voicechat/internal/testutils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingOutbox struct {
	mu   sync.Mutex
	envs []protocol.Envelope
	err  error
}

func (o *recordingOutbox) Send(env protocol.Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.envs = append(o.envs, env)
	return nil
}

func (o *recordingOutbox) All() []protocol.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]protocol.Envelope(nil), o.envs...)
}

func (o *recordingOutbox) Of(msgType string) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range o.All() {
		if env.Type == msgType {
			out = append(out, env)
		}
	}
	return out
}

func (o *recordingOutbox) Ack(id uint64) (protocol.Envelope, bool) {
	for _, env := range o.All() {
		if env.Type == protocol.TypeAck && env.ID == id {
			return env, true
		}
	}
	return protocol.Envelope{}, false
}

func newFakeRouter(t *testing.T, engine *testutils.FakeEngine) ports.Router {
	t.Helper()
	ctx := context.Background()
	w, err := engine.CreateWorker(ctx)
	require.NoError(t, err)
	r, err := w.CreateRouter(ctx, testutils.OpusCodecs())
	require.NoError(t, err)
	return r
}

func kindsOf(entries []string) []string {
	kinds := make([]string, len(entries))
	for i, e := range entries {
		kinds[i] = strings.SplitN(e, ":", 2)[0]
	}
	return kinds
}

func TestSession_CloseAllOrder(t *testing.T) {
	ctx := context.Background()
	engine := testutils.NewFakeEngine()
	router := newFakeRouter(t, engine)

	send, err := router.CreateTransport(ctx)
	require.NoError(t, err)
	recv, err := router.CreateTransport(ctx)
	require.NoError(t, err)

	s := NewSession("conn-1", &recordingOutbox{}, nil)
	s.addTransport(send, domain.TransportSend)
	s.addTransport(recv, domain.TransportReceive)

	producer, err := send.Produce(ctx, domain.MediaKindAudio, testutils.OpusRTPParameters(42))
	require.NoError(t, err)
	s.addProducer(producer, send.ID(), "General")

	for i := 0; i < 3; i++ {
		c, err := recv.Consume(ctx, producer.ID(), router.RTPCapabilities())
		require.NoError(t, err)
		s.addConsumer(c, recv.ID())
	}

	closed := s.closeAll()

	assert.Len(t, closed.Consumers, 3)
	assert.Len(t, closed.Producers, 1)
	assert.Len(t, closed.Transports, 2)
	assert.Equal(t,
		[]string{"consumer", "consumer", "consumer", "producer", "transport", "transport"},
		kindsOf(engine.Log.Entries()))

	assert.Zero(t, s.ConsumerCount())
	assert.Zero(t, s.ProducerCount())
	assert.Zero(t, s.TransportCount())

	// a second pass has nothing left to close
	again := s.closeAll()
	assert.Empty(t, again.Consumers)
	assert.Len(t, engine.Log.Entries(), 6)
}

func TestSession_EvictTransportKeepsOtherHandles(t *testing.T) {
	ctx := context.Background()
	engine := testutils.NewFakeEngine()
	router := newFakeRouter(t, engine)

	send, _ := router.CreateTransport(ctx)
	recv, _ := router.CreateTransport(ctx)

	s := NewSession("conn-1", &recordingOutbox{}, nil)
	s.addTransport(send, domain.TransportSend)
	s.addTransport(recv, domain.TransportReceive)

	producer, err := send.Produce(ctx, domain.MediaKindAudio, testutils.OpusRTPParameters(7))
	require.NoError(t, err)
	s.addProducer(producer, send.ID(), "General")
	c, err := recv.Consume(ctx, producer.ID(), router.RTPCapabilities())
	require.NoError(t, err)
	s.addConsumer(c, recv.ID())

	closed := s.evictTransport(recv.ID())
	require.Len(t, closed.Consumers, 1)
	assert.Equal(t, c.ID(), closed.Consumers[0].Consumer.ID())
	assert.Empty(t, closed.Producers)
	assert.Equal(t, []domain.TransportID{recv.ID()}, closed.Transports)

	assert.Equal(t, 1, s.ProducerCount())
	assert.Equal(t, 1, s.TransportCount())

	_, err = s.transport(recv.ID())
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)

	assert.Empty(t, s.evictTransport(recv.ID()).Transports)
}

func TestSession_ReleaseReceiverOnlyClosesIdleReceiveTransports(t *testing.T) {
	ctx := context.Background()
	engine := testutils.NewFakeEngine()
	router := newFakeRouter(t, engine)

	send, _ := router.CreateTransport(ctx)
	recv, _ := router.CreateTransport(ctx)

	s := NewSession("conn-1", &recordingOutbox{}, nil)
	s.addTransport(send, domain.TransportSend)
	s.addTransport(recv, domain.TransportReceive)

	producer, err := send.Produce(ctx, domain.MediaKindAudio, testutils.OpusRTPParameters(8))
	require.NoError(t, err)
	c, err := recv.Consume(ctx, producer.ID(), router.RTPCapabilities())
	require.NoError(t, err)
	s.addConsumer(c, recv.ID())

	assert.False(t, s.releaseReceiver(send.ID()), "send transports are never released")
	assert.False(t, s.releaseReceiver(recv.ID()), "a consumer still runs over it")

	_, ok := s.closeConsumer(c.ID())
	require.True(t, ok)
	assert.True(t, s.releaseReceiver(recv.ID()))
	assert.Equal(t, 1, s.TransportCount())
	assert.GreaterOrEqual(t, engine.Log.IndexOf("transport", string(recv.ID())), 0)

	assert.False(t, s.releaseReceiver(recv.ID()))
}

func TestSession_LoopRunsPostedWorkInOrder(t *testing.T) {
	s := NewSession("conn-1", &recordingOutbox{}, nil)
	go s.Run()
	defer s.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, s.Post(func() { got = append(got, i) }))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var n int
	require.NoError(t, s.Do(ctx, func() { n = len(got) }))

	assert.Equal(t, 100, n)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestSession_PostAfterCloseIsRejected(t *testing.T) {
	s := NewSession("conn-1", &recordingOutbox{}, nil)
	go s.Run()

	s.beginClose()
	assert.False(t, s.Post(func() {}))

	err := s.Do(context.Background(), func() {})
	assert.ErrorIs(t, err, errSessionClosed)

	s.Stop()
	s.Stop()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not stop")
	}
}
