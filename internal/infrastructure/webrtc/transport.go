package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"voicechat/internal/core/domain"
	"voicechat/internal/core/ports"
	apperrors "voicechat/pkg/errors"
	"voicechat/pkg/utils"

	"github.com/pion/webrtc/v3"
)

// Transport is one ICE+DTLS association. The server side is ICE controlled
// and therefore the DTLS client.
type Transport struct {
	id       domain.TransportID
	router   *Router
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   domain.TransportParams

	mu        sync.Mutex
	state     domain.TransportState
	handlers  []func(domain.TransportState)
	producers map[domain.ProducerID]*Producer
	consumers map[domain.ConsumerID]*Consumer
	closed    bool

	connected     chan struct{}
	connectedOnce sync.Once
	done          chan struct{}
	doneOnce      sync.Once
}

func newTransport(ctx context.Context, r *Router) (*Transport, error) {
	cfg := r.worker.engine.cfg

	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create ice gatherer: %w", err)
	}

	gathered := make(chan struct{})
	var gatherOnce sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			gatherOnce.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to gather candidates: %w", err)
	}

	timer := time.NewTimer(cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		// proceed with whatever was gathered so far
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, apperrors.NewTimeoutError("candidate gathering cancelled")
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to read ice parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to read ice candidates: %w", err)
	}
	if len(candidates) == 0 {
		_ = gatherer.Close()
		return nil, errors.New("no ice candidates gathered")
	}

	ice := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to create dtls transport: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to read dtls parameters: %w", err)
	}

	id := domain.TransportID(utils.GenerateHandleID())
	t := &Transport{
		id:       id,
		router:   r,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		params: domain.TransportParams{
			ID:             id,
			ICEParameters:  iceParams,
			ICECandidates:  candidates,
			DTLSParameters: dtlsParams,
		},
		state:     domain.TransportCreated,
		producers: make(map[domain.ProducerID]*Producer),
		consumers: make(map[domain.ConsumerID]*Consumer),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}

	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		if s == webrtc.ICETransportStateFailed {
			t.setState(domain.TransportFailed)
		}
	})
	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		switch s {
		case webrtc.DTLSTransportStateConnected:
			t.setState(domain.TransportConnected)
		case webrtc.DTLSTransportStateFailed:
			t.setState(domain.TransportFailed)
		}
	})

	return t, nil
}

func (t *Transport) ID() domain.TransportID { return t.id }

func (t *Transport) Params() domain.TransportParams { return t.params }

func (t *Transport) State() domain.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) OnStateChange(fn func(domain.TransportState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, fn)
}

// setState moves the transport forward. Terminal states are final except
// that failed may still become closed.
func (t *Transport) setState(s domain.TransportState) {
	t.mu.Lock()
	if t.state == s || t.state == domain.TransportClosed ||
		(t.state == domain.TransportFailed && s != domain.TransportClosed) {
		t.mu.Unlock()
		return
	}
	t.state = s
	handlers := append([]func(domain.TransportState){}, t.handlers...)
	t.mu.Unlock()

	switch {
	case s == domain.TransportConnected:
		t.connectedOnce.Do(func() { close(t.connected) })
	case s.Terminal():
		t.doneOnce.Do(func() { close(t.done) })
	}
	for _, fn := range handlers {
		fn(s)
	}
}

func (t *Transport) Connect(ctx context.Context, remote domain.ConnectParams) error {
	if len(remote.DTLSParameters.Fingerprints) == 0 {
		return apperrors.NewNegotiationError("remote dtls parameters carry no fingerprint", nil)
	}
	if remote.ICEParameters.UsernameFragment == "" || remote.ICEParameters.Password == "" {
		return apperrors.NewNegotiationError("remote ice parameters are incomplete", nil)
	}

	t.mu.Lock()
	if t.state != domain.TransportCreated {
		state := t.state
		t.mu.Unlock()
		return apperrors.NewNegotiationError(fmt.Sprintf("transport is %s", state), nil)
	}
	t.mu.Unlock()

	t.setState(domain.TransportConnecting)
	go t.negotiate(remote)
	return nil
}

func (t *Transport) negotiate(remote domain.ConnectParams) {
	defer t.router.worker.guard("negotiate")

	deadline := time.AfterFunc(t.router.worker.engine.cfg.ConnectTimeout, func() {
		if t.State() != domain.TransportConnected {
			t.setState(domain.TransportFailed)
		}
	})
	defer deadline.Stop()

	if len(remote.ICECandidates) > 0 {
		if err := t.ice.SetRemoteCandidates(remote.ICECandidates); err != nil {
			t.negotiationFailed("set remote candidates", err)
			return
		}
	}

	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, remote.ICEParameters, &role); err != nil {
		t.negotiationFailed("ice start", err)
		return
	}
	if err := t.dtls.Start(remote.DTLSParameters); err != nil {
		t.negotiationFailed("dtls start", err)
		return
	}
	t.setState(domain.TransportConnected)
}

func (t *Transport) negotiationFailed(step string, err error) {
	if t.isClosed() {
		return
	}
	t.router.worker.engine.logger.Warnw("transport negotiation failed",
		"transport_id", t.id,
		"step", step,
		"error", err)
	t.setState(domain.TransportFailed)
}

func (t *Transport) waitConnected(ctx context.Context) error {
	select {
	case <-t.connected:
		return nil
	case <-t.done:
		return domain.ErrTransportClosed
	case <-ctx.Done():
		return apperrors.NewTimeoutError("transport did not connect")
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Produce(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters) (ports.Producer, error) {
	if kind != domain.MediaKindAudio {
		return nil, apperrors.NewInvalidRequestError("only audio can be produced")
	}
	if !params.Valid() {
		return nil, apperrors.NewInvalidRequestError("rtp parameters need a codec and an ssrc")
	}
	codec, ok := t.router.caps.CodecFor(params.Codecs[0].MimeType)
	if !ok {
		return nil, apperrors.NewNegotiationError("codec not supported by router: "+params.Codecs[0].MimeType, nil)
	}
	if err := t.waitConnected(ctx); err != nil {
		return nil, err
	}

	receiver, err := t.router.api.NewRTPReceiver(webrtc.RTPCodecTypeAudio, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create rtp receiver: %w", err)
	}
	if err := receiver.Receive(params.ReceiveParameters()); err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("failed to start rtp receiver: %w", err)
	}

	p := newProducer(t, receiver, kind, codec)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = p.Close()
		return nil, domain.ErrTransportClosed
	}
	t.producers[p.id] = p
	t.mu.Unlock()
	t.router.addProducer(p)

	go p.forward()
	go p.drainRTCP()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RTPCapabilities) (ports.Consumer, error) {
	p, ok := t.router.producer(producerID)
	if !ok || p.isClosed() {
		return nil, domain.ErrProducerNotFound
	}
	if !caps.Supports(p.codec.MimeType) {
		return nil, domain.ErrCannotConsume
	}

	c, err := newConsumer(t, p)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = c.Close()
		return nil, domain.ErrTransportClosed
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	if !p.addConsumer(c) {
		_ = c.Close()
		return nil, domain.ErrProducerNotFound
	}
	return c, nil
}

func (t *Transport) removeProducer(id domain.ProducerID) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *Transport) removeConsumer(id domain.ConsumerID) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

// Close closes dependent consumers and producers, then the transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}

	var errs []error
	if err := t.dtls.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("dtls stop: %w", err))
	}
	if err := t.ice.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("ice stop: %w", err))
	}
	if err := t.gatherer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("gatherer close: %w", err))
	}

	t.setState(domain.TransportClosed)
	t.router.removeTransport(t.id)
	return errors.Join(errs...)
}

var _ ports.Transport = (*Transport)(nil)
