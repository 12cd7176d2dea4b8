package webrtc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"voicechat/internal/core/domain"
	"voicechat/internal/core/ports"
	"voicechat/pkg/config"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config configures the ORTC engine.
type Config struct {
	ListenIP       string
	AnnouncedIP    string
	ICEServers     []webrtc.ICEServer
	PortMin        uint16
	PortMax        uint16
	GatherTimeout  time.Duration
	ConnectTimeout time.Duration
}

// ConfigFrom maps the engine section of the service config.
func ConfigFrom(cfg config.EngineConfig) Config {
	c := Config{
		ListenIP:       cfg.ListenIP,
		AnnouncedIP:    cfg.AnnouncedIP,
		PortMin:        cfg.PortRange.Min,
		PortMax:        cfg.PortRange.Max,
		GatherTimeout:  cfg.GatherTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
	}
	for _, s := range cfg.ICEServers {
		c.ICEServers = append(c.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return c
}

// CodecsFrom returns the router codec list configured for the engine.
func CodecsFrom(cfg config.EngineConfig) []domain.RTPCodecCapability {
	return []domain.RTPCodecCapability{{
		Kind:                 domain.MediaKindAudio,
		MimeType:             cfg.Codec.MimeType,
		PreferredPayloadType: cfg.Codec.PayloadType,
		ClockRate:            cfg.Codec.ClockRate,
		Channels:             cfg.Codec.Channels,
	}}
}

// Metrics receives media plane counters.
type Metrics interface {
	PacketForwarded(direction string)
	ReceiverLoss(fractionLost uint8)
}

type noopMetrics struct{}

func (noopMetrics) PacketForwarded(string) {}
func (noopMetrics) ReceiverLoss(uint8)     {}

// Engine builds workers on top of pion's ORTC API.
type Engine struct {
	cfg     Config
	metrics Metrics
	seq     atomic.Uint64
	logger  *zap.SugaredLogger
}

func NewEngine(cfg Config, metrics Metrics, logger *zap.SugaredLogger) *Engine {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 5 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 8 * time.Second
	}
	return &Engine{cfg: cfg, metrics: metrics, logger: logger.With("component", "engine")}
}

func (e *Engine) settingEngine() (webrtc.SettingEngine, error) {
	se := webrtc.SettingEngine{}
	if e.cfg.PortMin > 0 && e.cfg.PortMax > 0 {
		if err := se.SetEphemeralUDPPortRange(e.cfg.PortMin, e.cfg.PortMax); err != nil {
			return se, fmt.Errorf("invalid port range: %w", err)
		}
	}
	if e.cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{e.cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if ip := net.ParseIP(e.cfg.ListenIP); ip != nil && !ip.IsUnspecified() {
		se.SetIPFilter(func(candidate net.IP) bool { return candidate.Equal(ip) })
	}
	return se, nil
}

func (e *Engine) CreateWorker(ctx context.Context) (ports.Worker, error) {
	se, err := e.settingEngine()
	if err != nil {
		return nil, err
	}
	w := &Worker{
		id:       fmt.Sprintf("worker-%d", e.seq.Add(1)),
		engine:   e,
		settings: se,
		routers:  make(map[string]*Router),
		died:     make(chan struct{}),
	}
	e.logger.Debugw("worker created", "worker_id", w.id)
	return w, nil
}

// Worker groups routers sharing one network configuration. A panic in any
// of its media goroutines kills the worker.
type Worker struct {
	id       string
	engine   *Engine
	settings webrtc.SettingEngine

	mu      sync.Mutex
	routers map[string]*Router
	closed  bool
	err     error
	died    chan struct{}
	dieOnce sync.Once
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) CreateRouter(ctx context.Context, codecs []domain.RTPCodecCapability) (ports.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.err != nil {
		return nil, domain.ErrEngineUnavailable
	}

	m := &webrtc.MediaEngine{}
	for _, c := range codecs {
		if c.Kind != domain.MediaKindAudio {
			return nil, fmt.Errorf("unsupported codec kind %q", c.Kind)
		}
		if err := m.RegisterCodec(c.Codec(), webrtc.RTPCodecTypeAudio); err != nil {
			return nil, fmt.Errorf("failed to register codec %s: %w", c.MimeType, err)
		}
	}

	r := &Router{
		id:         fmt.Sprintf("%s/router-%d", w.id, w.engine.seq.Add(1)),
		worker:     w,
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(w.settings)),
		caps:       domain.RTPCapabilities{Codecs: append([]domain.RTPCodecCapability(nil), codecs...)},
		transports: make(map[domain.TransportID]*Transport),
		producers:  make(map[domain.ProducerID]*Producer),
	}
	w.routers[r.id] = r
	return r, nil
}

func (w *Worker) Died() <-chan struct{} { return w.died }

func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// fail marks the worker dead and tears its routers down.
func (w *Worker) fail(err error) {
	w.dieOnce.Do(func() {
		w.mu.Lock()
		w.err = err
		routers := w.snapshotLocked()
		w.mu.Unlock()

		w.engine.logger.Errorw("worker died", "worker_id", w.id, "error", err)
		close(w.died)
		for _, r := range routers {
			_ = r.Close()
		}
	})
}

// guard is deferred by every media goroutine.
func (w *Worker) guard(op string) {
	if r := recover(); r != nil {
		w.fail(fmt.Errorf("panic in %s: %v", op, r))
	}
}

// Close shuts the worker down on purpose; Died stays open.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	routers := w.snapshotLocked()
	w.mu.Unlock()

	for _, r := range routers {
		_ = r.Close()
	}
	return nil
}

func (w *Worker) snapshotLocked() []*Router {
	out := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		out = append(out, r)
	}
	return out
}

func (w *Worker) removeRouter(id string) {
	w.mu.Lock()
	delete(w.routers, id)
	w.mu.Unlock()
}

// Router forwards media between the transports of one room.
type Router struct {
	id     string
	worker *Worker
	api    *webrtc.API
	caps   domain.RTPCapabilities

	mu         sync.RWMutex
	transports map[domain.TransportID]*Transport
	producers  map[domain.ProducerID]*Producer
	closed     bool
}

func (r *Router) ID() string { return r.id }

func (r *Router) RTPCapabilities() domain.RTPCapabilities { return r.caps }

func (r *Router) CreateTransport(ctx context.Context) (ports.Transport, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, domain.ErrEngineUnavailable
	}

	t, err := newTransport(ctx, r)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = t.Close()
		return nil, domain.ErrEngineUnavailable
	}
	r.transports[t.id] = t
	return t, nil
}

func (r *Router) CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool {
	r.mu.RLock()
	p, ok := r.producers[producerID]
	r.mu.RUnlock()
	if !ok || p.isClosed() {
		return false
	}
	return caps.Supports(p.codec.MimeType)
}

func (r *Router) producer(id domain.ProducerID) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *Router) removeProducer(id domain.ProducerID) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *Router) removeTransport(id domain.TransportID) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	r.worker.removeRouter(r.id)
	return nil
}

var (
	_ ports.Engine = (*Engine)(nil)
	_ ports.Worker = (*Worker)(nil)
	_ ports.Router = (*Router)(nil)
)
