package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"voicechat/internal/core/domain"
	"voicechat/internal/protocol"
	apperrors "voicechat/pkg/errors"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ORTCDevice drives pion's ORTC objects. The client side is ICE
// controlling and therefore the DTLS server.
type ORTCDevice struct {
	iceServers    []webrtc.ICEServer
	gatherTimeout time.Duration
	logger        *zap.SugaredLogger

	mu     sync.RWMutex
	api    *webrtc.API
	caps   domain.RTPCapabilities
	loaded bool
}

func NewORTCDevice(iceServers []webrtc.ICEServer, logger *zap.SugaredLogger) *ORTCDevice {
	return &ORTCDevice{
		iceServers:    iceServers,
		gatherTimeout: 5 * time.Second,
		logger:        logger.With("component", "device"),
	}
}

func (d *ORTCDevice) Load(caps domain.RTPCapabilities) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		return nil
	}

	m := &webrtc.MediaEngine{}
	var usable []domain.RTPCodecCapability
	for _, c := range caps.Codecs {
		if c.Kind != domain.MediaKindAudio {
			continue
		}
		if err := m.RegisterCodec(c.Codec(), webrtc.RTPCodecTypeAudio); err != nil {
			return fmt.Errorf("failed to register codec %s: %w", c.MimeType, err)
		}
		usable = append(usable, c)
	}
	if len(usable) == 0 {
		return apperrors.NewNegotiationError("router offers no audio codec", nil)
	}

	d.api = webrtc.NewAPI(webrtc.WithMediaEngine(m))
	d.caps = domain.RTPCapabilities{Codecs: usable}
	d.loaded = true
	return nil
}

func (d *ORTCDevice) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

func (d *ORTCDevice) RTPCapabilities() domain.RTPCapabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.caps
}

func (d *ORTCDevice) CreateSendTransport(params domain.TransportParams, connect ConnectFunc) (SendTransport, error) {
	return d.newTransport(params, connect)
}

func (d *ORTCDevice) CreateRecvTransport(params domain.TransportParams, connect ConnectFunc) (RecvTransport, error) {
	return d.newTransport(params, connect)
}

func (d *ORTCDevice) newTransport(remote domain.TransportParams, connect ConnectFunc) (*ortcTransport, error) {
	d.mu.RLock()
	api, caps, loaded := d.api, d.caps, d.loaded
	d.mu.RUnlock()
	if !loaded {
		return nil, apperrors.NewNegotiationError("device not loaded", nil)
	}

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: d.iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create ice gatherer: %w", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to create dtls transport: %w", err)
	}

	return &ortcTransport{
		device:    d,
		api:       api,
		codec:     caps.Codecs[0],
		remote:    remote,
		connect:   connect,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		connected: make(chan struct{}),
		failed:    make(chan struct{}),
	}, nil
}

type ortcTransport struct {
	device   *ORTCDevice
	api      *webrtc.API
	codec    domain.RTPCodecCapability
	remote   domain.TransportParams
	connect  ConnectFunc
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	handshake   sync.Mutex
	handshaken  bool
	connected   chan struct{}
	failed      chan struct{}
	failOnce    sync.Once
	connectOnce sync.Once
	closed      atomic.Bool
}

func (t *ortcTransport) ID() domain.TransportID { return t.remote.ID }

func (t *ortcTransport) Closed() bool {
	if t.closed.Load() {
		return true
	}
	select {
	case <-t.failed:
		return true
	default:
		return false
	}
}

func (t *ortcTransport) fail(err error) {
	t.failOnce.Do(func() {
		if !t.closed.Load() {
			t.device.logger.Warnw("transport failed", "transport_id", t.remote.ID, "error", err)
		}
		close(t.failed)
	})
}

func (t *ortcTransport) gather(ctx context.Context) error {
	done := make(chan struct{})
	var once sync.Once
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(done) })
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return fmt.Errorf("failed to gather candidates: %w", err)
	}

	timer := time.NewTimer(t.device.gatherTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// ensureConnected runs the connect handshake once and starts ICE and DTLS
// in the background.
func (t *ortcTransport) ensureConnected(ctx context.Context) error {
	t.handshake.Lock()
	defer t.handshake.Unlock()
	if t.handshaken {
		return nil
	}
	if t.Closed() {
		return domain.ErrTransportClosed
	}

	if err := t.gather(ctx); err != nil {
		return apperrors.NewNegotiationError("candidate gathering failed", err)
	}
	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return apperrors.NewNegotiationError("ice parameters unavailable", err)
	}
	candidates, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return apperrors.NewNegotiationError("ice candidates unavailable", err)
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return apperrors.NewNegotiationError("dtls parameters unavailable", err)
	}

	local := domain.ConnectParams{
		DTLSParameters: dtlsParams,
		ICEParameters:  iceParams,
		ICECandidates:  candidates,
	}
	if err := t.connect(ctx, local); err != nil {
		return err
	}
	t.handshaken = true

	go t.start()
	return nil
}

func (t *ortcTransport) start() {
	if err := t.ice.SetRemoteCandidates(t.remote.ICECandidates); err != nil {
		t.fail(err)
		return
	}
	role := webrtc.ICERoleControlling
	if err := t.ice.Start(nil, t.remote.ICEParameters, &role); err != nil {
		t.fail(err)
		return
	}
	if err := t.dtls.Start(t.remote.DTLSParameters); err != nil {
		t.fail(err)
		return
	}
	t.connectOnce.Do(func() { close(t.connected) })
}

func (t *ortcTransport) waitConnected(ctx context.Context) error {
	select {
	case <-t.connected:
		return nil
	case <-t.failed:
		return apperrors.NewNegotiationError("transport failed to connect", nil)
	case <-ctx.Done():
		return apperrors.NewTimeoutError("transport did not connect")
	}
}

func (t *ortcTransport) Produce(ctx context.Context, source Capture, produce ProduceFunc) (LocalProducer, error) {
	if err := t.ensureConnected(ctx); err != nil {
		return nil, err
	}

	sender, err := t.api.NewRTPSender(source.Track(), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create rtp sender: %w", err)
	}
	sendParams := sender.GetParameters()

	id, err := produce(ctx, domain.MediaKindAudio, domain.ParametersFromSend(sendParams, t.codec))
	if err != nil {
		_ = sender.Stop()
		return nil, err
	}
	if err := t.waitConnected(ctx); err != nil {
		_ = sender.Stop()
		return nil, err
	}
	if err := sender.Send(sendParams); err != nil {
		_ = sender.Stop()
		return nil, apperrors.NewNegotiationError("failed to start sending", err)
	}

	go func() {
		for {
			if _, _, err := sender.ReadRTCP(); err != nil {
				return
			}
		}
	}()
	return &ortcProducer{id: id, sender: sender}, nil
}

func (t *ortcTransport) Consume(ctx context.Context, params protocol.ConsumeResponse) (LocalConsumer, error) {
	if params.Kind != domain.MediaKindAudio || !params.RTPParameters.Valid() {
		return nil, apperrors.NewNegotiationError("unusable consumer parameters", nil)
	}
	if err := t.ensureConnected(ctx); err != nil {
		return nil, err
	}

	receiver, err := t.api.NewRTPReceiver(webrtc.RTPCodecTypeAudio, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create rtp receiver: %w", err)
	}
	return &ortcConsumer{
		id:         params.ID,
		producerID: params.ProducerID,
		params:     params.RTPParameters,
		transport:  t,
		receiver:   receiver,
	}, nil
}

func (t *ortcTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.fail(errors.New("closed"))
	return errors.Join(t.dtls.Stop(), t.ice.Stop(), t.gatherer.Close())
}

type ortcProducer struct {
	id     domain.ProducerID
	sender *webrtc.RTPSender
}

func (p *ortcProducer) ID() domain.ProducerID { return p.id }
func (p *ortcProducer) Close() error          { return p.sender.Stop() }

type ortcConsumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	params     domain.RTPParameters
	transport  *ortcTransport
	receiver   *webrtc.RTPReceiver

	mu      sync.Mutex
	started bool
	resumed atomic.Bool
}

func (c *ortcConsumer) ID() domain.ConsumerID         { return c.id }
func (c *ortcConsumer) ProducerID() domain.ProducerID { return c.producerID }
func (c *ortcConsumer) Resumed() bool                 { return c.resumed.Load() }

// Resume starts receiving once the transport is up.
func (c *ortcConsumer) Resume(ctx context.Context) error {
	if err := c.transport.waitConnected(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		if err := c.receiver.Receive(c.params.ReceiveParameters()); err != nil {
			return apperrors.NewNegotiationError("failed to start receiving", err)
		}
		c.started = true
	}
	c.resumed.Store(true)
	return nil
}

func (c *ortcConsumer) Stream() RemoteStream {
	return trackStream{receiver: c.receiver}
}

func (c *ortcConsumer) Close() error { return c.receiver.Stop() }

type trackStream struct {
	receiver *webrtc.RTPReceiver
}

func (s trackStream) ReadRTP() (*rtp.Packet, error) {
	track := s.receiver.Track()
	if track == nil {
		return nil, errors.New("receiver has no track")
	}
	pkt, _, err := track.ReadRTP()
	return pkt, err
}

var _ Device = (*ORTCDevice)(nil)
