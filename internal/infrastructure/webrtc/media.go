package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"voicechat/internal/core/domain"
	"voicechat/internal/core/ports"
	"voicechat/pkg/optimize"
	"voicechat/pkg/utils"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// closer runs OnClose handlers exactly once.
type closer struct {
	mu       sync.Mutex
	closed   bool
	handlers []func()
}

func (c *closer) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

// markClosed returns the handlers to run, or false if already closed.
func (c *closer) markClosed() ([]func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	c.closed = true
	handlers := c.handlers
	c.handlers = nil
	return handlers, true
}

func (c *closer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Producer reads one inbound audio stream and fans it out to consumers.
type Producer struct {
	closer

	id        domain.ProducerID
	kind      domain.MediaKind
	codec     domain.RTPCodecCapability
	transport *Transport
	receiver  *webrtc.RTPReceiver
	paused    atomic.Bool

	cmu       sync.RWMutex
	consumers map[domain.ConsumerID]*Consumer
}

func newProducer(t *Transport, receiver *webrtc.RTPReceiver, kind domain.MediaKind, codec domain.RTPCodecCapability) *Producer {
	return &Producer{
		id:        domain.ProducerID(utils.GenerateHandleID()),
		kind:      kind,
		codec:     codec,
		transport: t,
		receiver:  receiver,
		consumers: make(map[domain.ConsumerID]*Consumer),
	}
}

func (p *Producer) ID() domain.ProducerID  { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }
func (p *Producer) Paused() bool           { return p.paused.Load() }

func (p *Producer) Pause() error {
	p.paused.Store(true)
	return nil
}

func (p *Producer) Resume() error {
	p.paused.Store(false)
	return nil
}

func (p *Producer) addConsumer(c *Consumer) bool {
	p.cmu.Lock()
	defer p.cmu.Unlock()
	if p.isClosed() {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *Producer) removeConsumer(id domain.ConsumerID) {
	p.cmu.Lock()
	delete(p.consumers, id)
	p.cmu.Unlock()
}

func (p *Producer) snapshot() []*Consumer {
	p.cmu.RLock()
	defer p.cmu.RUnlock()
	out := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		out = append(out, c)
	}
	return out
}

var packetBuffers = optimize.NewBytePool(optimize.MTU)

// forward copies RTP from the receiver to every resumed consumer until
// the receiver stops.
func (p *Producer) forward() {
	w := p.transport.router.worker
	defer w.guard("forward")

	track := p.receiver.Track()
	if track == nil {
		return
	}
	metrics := w.engine.metrics
	buf := packetBuffers.Get()
	defer packetBuffers.Put(buf)

	// consumers write synchronously, so one packet is reused per read
	pkt := &rtp.Packet{}
	for {
		n, _, err := track.Read(*buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !p.isClosed() {
				w.engine.logger.Debugw("producer read stopped", "producer_id", p.id, "error", err)
			}
			return
		}
		if err := pkt.Unmarshal((*buf)[:n]); err != nil {
			continue
		}
		metrics.PacketForwarded("in")
		if p.paused.Load() {
			continue
		}
		for _, c := range p.snapshot() {
			if c.write(pkt) {
				metrics.PacketForwarded("out")
			}
		}
	}
}

// drainRTCP keeps the receiver's interceptors moving.
func (p *Producer) drainRTCP() {
	defer p.transport.router.worker.guard("producer rtcp")
	for {
		if _, _, err := p.receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

// Close stops the receiver and cascades to the producer's consumers.
func (p *Producer) Close() error {
	p.cmu.Lock()
	handlers, ok := p.markClosed()
	p.cmu.Unlock()
	if !ok {
		return nil
	}

	for _, c := range p.snapshot() {
		_ = c.Close()
	}
	err := p.receiver.Stop()

	p.transport.removeProducer(p.id)
	p.transport.router.removeProducer(p.id)
	for _, fn := range handlers {
		fn()
	}
	return err
}

// Consumer sends one producer's audio out over a receive transport. It
// starts paused and begins sending on the first Resume.
type Consumer struct {
	closer

	id         domain.ConsumerID
	producer   *Producer
	transport  *Transport
	track      *webrtc.TrackLocalStaticRTP
	sender     *webrtc.RTPSender
	params     domain.RTPParameters
	sendParams webrtc.RTPSendParameters

	paused   atomic.Bool
	sendOnce sync.Once
	sendErr  error
}

func newConsumer(t *Transport, p *Producer) (*Consumer, error) {
	id := domain.ConsumerID(utils.GenerateHandleID())
	track, err := webrtc.NewTrackLocalStaticRTP(p.codec.Codec().RTPCodecCapability, string(id), string(p.id))
	if err != nil {
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}
	sender, err := t.router.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create rtp sender: %w", err)
	}

	sendParams := sender.GetParameters()
	c := &Consumer{
		id:         id,
		producer:   p,
		transport:  t,
		track:      track,
		sender:     sender,
		params:     domain.ParametersFromSend(sendParams, p.codec),
		sendParams: sendParams,
	}
	c.paused.Store(true)
	return c, nil
}

func (c *Consumer) ID() domain.ConsumerID               { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID       { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind              { return c.producer.kind }
func (c *Consumer) RTPParameters() domain.RTPParameters { return c.params }
func (c *Consumer) Paused() bool                        { return c.paused.Load() }

func (c *Consumer) Pause() error {
	c.paused.Store(true)
	return nil
}

// Resume waits for the transport to connect, starts the sender once, and
// lets packets through.
func (c *Consumer) Resume(ctx context.Context) error {
	if c.isClosed() {
		return domain.ErrConsumerNotFound
	}
	if err := c.transport.waitConnected(ctx); err != nil {
		return err
	}

	c.sendOnce.Do(func() {
		if err := c.sender.Send(c.sendParams); err != nil {
			c.sendErr = fmt.Errorf("failed to start rtp sender: %w", err)
			return
		}
		go c.readRTCP()
	})
	if c.sendErr != nil {
		return c.sendErr
	}
	c.paused.Store(false)
	return nil
}

func (c *Consumer) write(pkt *rtp.Packet) bool {
	if c.paused.Load() || c.isClosed() {
		return false
	}
	return c.track.WriteRTP(pkt) == nil
}

// readRTCP feeds receiver reports from the remote side into metrics.
func (c *Consumer) readRTCP() {
	w := c.transport.router.worker
	defer w.guard("consumer rtcp")
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, report := range rr.Reports {
				w.engine.metrics.ReceiverLoss(report.FractionLost)
			}
		}
	}
}

func (c *Consumer) Close() error {
	handlers, ok := c.markClosed()
	if !ok {
		return nil
	}
	err := c.sender.Stop()

	c.producer.removeConsumer(c.id)
	c.transport.removeConsumer(c.id)
	for _, fn := range handlers {
		fn()
	}
	return err
}

var (
	_ ports.Producer = (*Producer)(nil)
	_ ports.Consumer = (*Consumer)(nil)
)
