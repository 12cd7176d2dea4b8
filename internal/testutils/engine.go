package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"voicechat/internal/core/domain"
	"voicechat/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// CloseLog records engine handle closes in the order they happen.
type CloseLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *CloseLog) add(kind, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, kind+":"+id)
}

// Record appends kind:id for fakes living outside this package.
func (l *CloseLog) Record(kind, id string) { l.add(kind, id) }

func (l *CloseLog) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// IndexOf returns the position of kind:id, or -1.
func (l *CloseLog) IndexOf(kind, id string) int {
	for i, e := range l.Entries() {
		if e == kind+":"+id {
			return i
		}
	}
	return -1
}

// FakeEngine is an in-memory ports.Engine. Transports connect instantly
// and media never flows.
type FakeEngine struct {
	Log             *CloseLog
	RouterDelay     time.Duration
	routerCreations atomic.Int64

	mu      sync.Mutex
	workers []*FakeWorker
	// FailProduce and FailConsume make the next N calls fail.
	FailProduce int
	FailConsume int
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{Log: &CloseLog{}}
}

func (e *FakeEngine) RouterCreations() int64 {
	return e.routerCreations.Load()
}

func (e *FakeEngine) Workers() []*FakeWorker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*FakeWorker(nil), e.workers...)
}

func (e *FakeEngine) takeFailure(counter *int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if *counter > 0 {
		*counter--
		return true
	}
	return false
}

func (e *FakeEngine) CreateWorker(ctx context.Context) (ports.Worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w := &FakeWorker{
		id:     fmt.Sprintf("worker-%d", len(e.workers)),
		engine: e,
		died:   make(chan struct{}),
	}
	e.workers = append(e.workers, w)
	return w, nil
}

type FakeWorker struct {
	id      string
	engine  *FakeEngine
	died    chan struct{}
	once    sync.Once
	err     error
	Routers atomic.Int64
}

func (w *FakeWorker) ID() string { return w.id }

func (w *FakeWorker) CreateRouter(ctx context.Context, codecs []domain.RTPCodecCapability) (ports.Router, error) {
	if w.engine.RouterDelay > 0 {
		time.Sleep(w.engine.RouterDelay)
	}
	w.engine.routerCreations.Add(1)
	w.Routers.Add(1)
	return &FakeRouter{
		id:        uuid.NewString(),
		engine:    w.engine,
		caps:      domain.RTPCapabilities{Codecs: codecs},
		producers: make(map[domain.ProducerID]*FakeProducer),
	}, nil
}

// Kill simulates an unexpected worker death.
func (w *FakeWorker) Kill(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.died)
	})
}

func (w *FakeWorker) Died() <-chan struct{} { return w.died }
func (w *FakeWorker) Err() error            { return w.err }
func (w *FakeWorker) Close() error          { return nil }

type FakeRouter struct {
	id     string
	engine *FakeEngine
	caps   domain.RTPCapabilities

	mu        sync.Mutex
	producers map[domain.ProducerID]*FakeProducer
}

func (r *FakeRouter) ID() string                              { return r.id }
func (r *FakeRouter) RTPCapabilities() domain.RTPCapabilities { return r.caps }
func (r *FakeRouter) Close() error                            { return nil }

func (r *FakeRouter) CreateTransport(ctx context.Context) (ports.Transport, error) {
	id := domain.TransportID(uuid.NewString())
	return &FakeTransport{
		id:     id,
		router: r,
		state:  domain.TransportCreated,
		params: domain.TransportParams{
			ID:            id,
			ICEParameters: webrtc.ICEParameters{UsernameFragment: "ufrag", Password: "pwd"},
			DTLSParameters: webrtc.DTLSParameters{
				Fingerprints: []webrtc.DTLSFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
			},
		},
	}, nil
}

func (r *FakeRouter) producer(id domain.ProducerID) (*FakeProducer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *FakeRouter) CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool {
	p, ok := r.producer(producerID)
	if !ok || p.closed.Load() {
		return false
	}
	return caps.Supports(p.mimeType)
}

type FakeTransport struct {
	id     domain.TransportID
	router *FakeRouter
	params domain.TransportParams

	mu        sync.Mutex
	state     domain.TransportState
	onState   []func(domain.TransportState)
	producers []*FakeProducer
	consumers []*FakeConsumer
	closed    bool
}

func (t *FakeTransport) ID() domain.TransportID         { return t.id }
func (t *FakeTransport) Params() domain.TransportParams { return t.params }

func (t *FakeTransport) State() domain.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *FakeTransport) OnStateChange(fn func(domain.TransportState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = append(t.onState, fn)
}

func (t *FakeTransport) setState(s domain.TransportState) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	handlers := append([]func(domain.TransportState){}, t.onState...)
	t.mu.Unlock()
	for _, fn := range handlers {
		fn(s)
	}
}

func (t *FakeTransport) Connect(ctx context.Context, remote domain.ConnectParams) error {
	if len(remote.DTLSParameters.Fingerprints) == 0 {
		return errors.New("missing dtls fingerprints")
	}
	if t.State() != domain.TransportCreated {
		return errors.New("transport already connected")
	}
	t.setState(domain.TransportConnecting)
	t.setState(domain.TransportConnected)
	return nil
}

// Fail drives the transport into the failed state.
func (t *FakeTransport) Fail() {
	t.setState(domain.TransportFailed)
}

func (t *FakeTransport) Produce(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters) (ports.Producer, error) {
	if t.router.engine.takeFailure(&t.router.engine.FailProduce) {
		return nil, errors.New("injected produce failure")
	}
	if !params.Valid() {
		return nil, errors.New("invalid rtp parameters")
	}
	p := &FakeProducer{
		id:       domain.ProducerID(uuid.NewString()),
		kind:     kind,
		mimeType: params.Codecs[0].MimeType,
		log:      t.router.engine.Log,
	}
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	p.OnClose(func() {
		t.router.mu.Lock()
		delete(t.router.producers, p.id)
		t.router.mu.Unlock()
	})

	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	return p, nil
}

func (t *FakeTransport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RTPCapabilities) (ports.Consumer, error) {
	if t.router.engine.takeFailure(&t.router.engine.FailConsume) {
		return nil, errors.New("injected consume failure")
	}
	p, ok := t.router.producer(producerID)
	if !ok {
		return nil, errors.New("producer not found")
	}
	c := &FakeConsumer{
		id:         domain.ConsumerID(uuid.NewString()),
		producerID: producerID,
		kind:       p.kind,
		log:        t.router.engine.Log,
	}
	c.paused.Store(true)
	p.addConsumer(c)

	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

// Close closes the transport and then whatever still depends on it.
func (t *FakeTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := t.producers
	consumers := t.consumers
	t.mu.Unlock()

	t.router.engine.Log.add("transport", string(t.id))
	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	t.setState(domain.TransportClosed)
	return nil
}

type closer struct {
	mu      sync.Mutex
	onClose []func()
	closed  atomic.Bool
}

func (c *closer) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

func (c *closer) close(log *CloseLog, kind, id string) bool {
	if !c.closed.CompareAndSwap(false, true) {
		return false
	}
	log.add(kind, id)
	c.mu.Lock()
	handlers := c.onClose
	c.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
	return true
}

type FakeProducer struct {
	closer
	id       domain.ProducerID
	kind     domain.MediaKind
	mimeType string
	log      *CloseLog
	paused   atomic.Bool

	consumersMu sync.Mutex
	consumers   []*FakeConsumer
}

func (p *FakeProducer) ID() domain.ProducerID  { return p.id }
func (p *FakeProducer) Kind() domain.MediaKind { return p.kind }
func (p *FakeProducer) Paused() bool           { return p.paused.Load() }

func (p *FakeProducer) Pause() error {
	p.paused.Store(true)
	return nil
}

func (p *FakeProducer) Resume() error {
	p.paused.Store(false)
	return nil
}

func (p *FakeProducer) addConsumer(c *FakeConsumer) {
	p.consumersMu.Lock()
	defer p.consumersMu.Unlock()
	p.consumers = append(p.consumers, c)
}

// Close closes the producer and cascades to its consumers.
func (p *FakeProducer) Close() error {
	if !p.close(p.log, "producer", string(p.id)) {
		return nil
	}
	p.consumersMu.Lock()
	consumers := p.consumers
	p.consumersMu.Unlock()
	for _, c := range consumers {
		_ = c.Close()
	}
	return nil
}

type FakeConsumer struct {
	closer
	id         domain.ConsumerID
	producerID domain.ProducerID
	kind       domain.MediaKind
	log        *CloseLog
	paused     atomic.Bool
	// FailResume makes the next N resumes fail.
	FailResume atomic.Int32
}

func (c *FakeConsumer) ID() domain.ConsumerID         { return c.id }
func (c *FakeConsumer) ProducerID() domain.ProducerID { return c.producerID }
func (c *FakeConsumer) Kind() domain.MediaKind        { return c.kind }
func (c *FakeConsumer) Paused() bool                  { return c.paused.Load() }

func (c *FakeConsumer) Pause() error {
	c.paused.Store(true)
	return nil
}

func (c *FakeConsumer) RTPParameters() domain.RTPParameters {
	return domain.RTPParameters{
		Codecs:    []domain.RTPCodecParameters{{MimeType: webrtc.MimeTypeOpus, PayloadType: 111, ClockRate: 48000, Channels: 2}},
		Encodings: []domain.RTPEncoding{{SSRC: 1234}},
	}
}

func (c *FakeConsumer) Resume(ctx context.Context) error {
	if c.closed.Load() {
		return errors.New("consumer closed")
	}
	if c.FailResume.Load() > 0 {
		c.FailResume.Add(-1)
		return errors.New("injected resume failure")
	}
	c.paused.Store(false)
	return nil
}

func (c *FakeConsumer) Close() error {
	c.close(c.log, "consumer", string(c.id))
	return nil
}

// OpusCodecs is the codec list routers are created with in tests.
func OpusCodecs() []domain.RTPCodecCapability {
	return []domain.RTPCodecCapability{{
		Kind:                 domain.MediaKindAudio,
		MimeType:             webrtc.MimeTypeOpus,
		PreferredPayloadType: 111,
		ClockRate:            48000,
		Channels:             2,
	}}
}

// OpusRTPParameters is a valid producer parameter set.
func OpusRTPParameters(ssrc uint32) domain.RTPParameters {
	return domain.RTPParameters{
		Codecs:    []domain.RTPCodecParameters{{MimeType: webrtc.MimeTypeOpus, PayloadType: 111, ClockRate: 48000, Channels: 2}},
		Encodings: []domain.RTPEncoding{{SSRC: ssrc}},
	}
}

var (
	_ ports.Engine    = (*FakeEngine)(nil)
	_ ports.Transport = (*FakeTransport)(nil)
	_ ports.Producer  = (*FakeProducer)(nil)
	_ ports.Consumer  = (*FakeConsumer)(nil)
)
