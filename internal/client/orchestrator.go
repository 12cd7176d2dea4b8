package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"voicechat/internal/core/domain"
	"voicechat/internal/protocol"
	"voicechat/pkg/config"
	apperrors "voicechat/pkg/errors"
	"voicechat/pkg/retry"
	"voicechat/pkg/validation"

	"go.uber.org/zap"
)

const leaveTimeout = 2 * time.Second

var errOrchestratorClosed = errors.New("orchestrator closed")

type EventKind string

const (
	EventJoined          EventKind = "joined"
	EventLeft            EventKind = "left"
	EventUserJoined      EventKind = "user_joined"
	EventUserLeft        EventKind = "user_left"
	EventSpeaking        EventKind = "speaking"
	EventMuted           EventKind = "muted"
	EventConsumerReady   EventKind = "consumer_ready"
	EventConsumerFailed  EventKind = "consumer_failed"
	EventConsumerClosed  EventKind = "consumer_closed"
	EventGestureRequired EventKind = "gesture_required"
	EventDisconnected    EventKind = "disconnected"
)

// Event is what the UI observes. Only the fields relevant to Kind are set.
type Event struct {
	Kind       EventKind
	Room       domain.RoomName
	Users      []string
	Presence   []domain.Presence
	Username   string
	Speaking   bool
	Muted      bool
	ProducerID domain.ProducerID
	Err        error
}

// Observer is called from internal goroutines, sometimes with the voice
// activity gate locked. It must not block or call back into the
// orchestrator.
type Observer func(Event)

type Metrics interface {
	ConsumerRetry(stage string)
}

type nopMetrics struct{}

func (nopMetrics) ConsumerRetry(string) {}

type Config struct {
	ConsumerRetry retry.Config
	ResumeRetry   retry.Config
	VAD           VADConfig
}

func DefaultConfig() Config {
	return Config{
		ConsumerRetry: retry.Fixed(3, time.Second),
		ResumeRetry:   retry.Fixed(3, time.Second),
	}
}

func ConfigFrom(c config.ClientConfig) Config {
	return Config{
		ConsumerRetry: retry.Fixed(c.ConsumerRetry.Attempts, c.ConsumerRetry.Delay),
		ResumeRetry:   retry.Fixed(c.ResumeRetry.Attempts, c.ResumeRetry.Delay),
		VAD: VADConfig{
			Threshold:      c.VAD.Threshold,
			Debounce:       c.VAD.Debounce,
			SampleInterval: c.VAD.SampleInterval,
		},
	}
}

type Option func(*Orchestrator)

func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator drives one user's membership: join, produce, consume every
// other member, mute, voice activity and room switching.
type Orchestrator struct {
	cfg      Config
	signaler Signaler
	device   Device
	capture  Capture
	playback Playback
	gesture  *GestureGate
	observer Observer
	metrics  Metrics
	logger   *zap.SugaredLogger
	vad      *VoiceActivityGate

	baseCtx    context.Context
	cancelBase context.CancelFunc

	// op serializes Join, Leave, SwitchRoom and Close. Never taken by
	// signaling callbacks directly.
	op sync.Mutex

	mu        sync.Mutex
	username  string
	room      domain.RoomName
	roomCtx   context.Context
	cancel    context.CancelFunc
	ready     chan struct{}
	vadDone   chan struct{}
	send      SendTransport
	producer  LocalProducer
	consumers map[domain.ProducerID]*remoteConsumer
	muted     bool
	closed    bool

	wg sync.WaitGroup
}

func New(cfg Config, signaler Signaler, device Device, capture Capture, playback Playback, gesture *GestureGate, logger *zap.SugaredLogger, opts ...Option) *Orchestrator {
	baseCtx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		signaler:   signaler,
		device:     device,
		capture:    capture,
		playback:   playback,
		gesture:    gesture,
		metrics:    nopMetrics{},
		logger:     logger.With("component", "orchestrator"),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		consumers:  make(map[domain.ProducerID]*remoteConsumer),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.vad = NewVoiceActivityGate(cfg.VAD, o.speakingChanged)

	signaler.Subscribe(Handlers{
		Event:        o.handleEvent,
		Reconnected:  func() { o.background(o.rejoin) },
		Disconnected: func(err error) { o.background(func() { o.disconnected(err) }) },
	})
	return o
}

func (o *Orchestrator) emit(e Event) {
	if o.observer != nil {
		o.observer(e)
	}
}

// background runs fn on a tracked goroutine unless the orchestrator is closed.
func (o *Orchestrator) background(fn func()) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		fn()
	}()
}

// Join enters room as username. Joining the current room is a no-op;
// joining another room switches to it.
func (o *Orchestrator) Join(ctx context.Context, username string, room domain.RoomName) error {
	o.op.Lock()
	defer o.op.Unlock()

	o.mu.Lock()
	closed, current := o.closed, o.room
	o.mu.Unlock()
	if closed {
		return errOrchestratorClosed
	}
	if current == room {
		return nil
	}
	if current != "" {
		o.leave(ctx)
	}
	return o.join(ctx, username, room)
}

// SwitchRoom leaves the current room and joins room with the same username.
// Failing to leave the old room does not stop the switch.
func (o *Orchestrator) SwitchRoom(ctx context.Context, room domain.RoomName) error {
	o.op.Lock()
	defer o.op.Unlock()

	o.mu.Lock()
	closed, username, current := o.closed, o.username, o.room
	o.mu.Unlock()
	if closed {
		return errOrchestratorClosed
	}
	if current == "" {
		return domain.ErrNotInRoom
	}
	if current == room {
		return nil
	}

	o.leave(ctx)
	if err := o.join(ctx, username, room); err != nil {
		return fmt.Errorf("failed to switch to %s: %w", room, err)
	}
	return nil
}

// Leave releases every media handle and leaves the current room.
func (o *Orchestrator) Leave(ctx context.Context) error {
	o.op.Lock()
	defer o.op.Unlock()
	return o.leave(ctx)
}

func (o *Orchestrator) leave(ctx context.Context) error {
	room := o.teardown()
	if room == "" {
		return nil
	}
	err := o.signaler.Request(ctx, protocol.TypeLeave, protocol.LeaveRequest{Room: room}, nil)
	if err != nil {
		o.logger.Warnw("leave request failed", "room", room, "error", err)
	}
	o.emit(Event{Kind: EventLeft, Room: room})
	return err
}

func (o *Orchestrator) join(ctx context.Context, username string, room domain.RoomName) error {
	if err := validation.ValidateUsername(username); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidUsername, err)
	}
	if err := o.capture.Start(o.baseCtx); err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}

	// State is set before the request so new_consumer notifications that
	// follow the ack find the room.
	roomCtx, cancel := context.WithCancel(o.baseCtx)
	ready := make(chan struct{})
	o.mu.Lock()
	o.username, o.room = username, room
	o.roomCtx, o.cancel, o.ready = roomCtx, cancel, ready
	o.consumers = make(map[domain.ProducerID]*remoteConsumer)
	o.mu.Unlock()

	var resp protocol.JoinResponse
	if err := o.signaler.Request(ctx, protocol.TypeJoin, protocol.JoinRequest{Username: username, Room: room}, &resp); err != nil {
		o.teardown()
		return err
	}
	o.emit(Event{Kind: EventJoined, Room: room, Users: resp.Users, Presence: resp.Presence, Username: username})

	if err := o.startSending(ctx, resp, ready); err != nil {
		o.leave(ctx)
		return err
	}

	vadDone := make(chan struct{})
	o.mu.Lock()
	o.vadDone = vadDone
	muted := o.muted
	o.mu.Unlock()
	go func() {
		defer close(vadDone)
		o.vad.Run(roomCtx, o.capture.Level)
	}()

	if muted {
		o.notifyMute(room, true)
	}
	o.logger.Infow("joined room", "room", room, "username", username, "members", len(resp.Users))
	return nil
}

// startSending loads the device, opens the send transport and produces
// the microphone. ready is closed once receive transports can be built.
func (o *Orchestrator) startSending(ctx context.Context, resp protocol.JoinResponse, ready chan struct{}) error {
	if err := o.device.Load(resp.RouterRTPCapabilities); err != nil {
		return fmt.Errorf("failed to load device: %w", err)
	}
	close(ready)

	send, err := o.device.CreateSendTransport(resp.TransportParams, o.connectHandshake(resp.TransportParams.ID))
	if err != nil {
		return fmt.Errorf("failed to create send transport: %w", err)
	}
	o.mu.Lock()
	o.send = send
	muted := o.muted
	o.mu.Unlock()

	producer, err := send.Produce(ctx, o.capture, o.produceHandshake(send.ID()))
	if err != nil {
		return fmt.Errorf("failed to produce: %w", err)
	}
	o.mu.Lock()
	o.producer = producer
	o.mu.Unlock()

	o.capture.SetEnabled(!muted)
	return nil
}

func (o *Orchestrator) connectHandshake(id domain.TransportID) ConnectFunc {
	return func(ctx context.Context, local domain.ConnectParams) error {
		return o.signaler.Request(ctx, protocol.TypeConnectTransport,
			protocol.ConnectTransportRequest{TransportID: id, ConnectParams: local}, nil)
	}
}

func (o *Orchestrator) produceHandshake(id domain.TransportID) ProduceFunc {
	return func(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters) (domain.ProducerID, error) {
		var resp protocol.ProduceResponse
		err := o.signaler.Request(ctx, protocol.TypeProduce,
			protocol.ProduceRequest{TransportID: id, Kind: kind, RTPParameters: params}, &resp)
		if err != nil {
			return "", err
		}
		return resp.ID, nil
	}
}

// teardown stops speaking indication and closes consumers, the producer,
// receive transports and the send transport, in that order. It returns
// the room that was left, if any.
func (o *Orchestrator) teardown() domain.RoomName {
	o.mu.Lock()
	cancel, vadDone := o.cancel, o.vadDone
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if vadDone != nil {
		<-vadDone
	}
	o.vad.Reset()

	o.mu.Lock()
	room := o.room
	send, producer, consumers := o.send, o.producer, o.consumers
	o.room = ""
	o.roomCtx, o.cancel, o.ready, o.vadDone = nil, nil, nil, nil
	o.send, o.producer = nil, nil
	o.consumers = make(map[domain.ProducerID]*remoteConsumer)
	o.mu.Unlock()

	for id, rc := range consumers {
		o.playback.Stop(id)
		rc.closeConsumer()
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			o.logger.Debugw("failed to close producer", "error", err)
		}
	}
	for _, rc := range consumers {
		rc.closeTransport()
	}
	if send != nil {
		if err := send.Close(); err != nil {
			o.logger.Debugw("failed to close send transport", "error", err)
		}
	}
	return room
}

// ToggleMute flips the microphone and returns the new state.
func (o *Orchestrator) ToggleMute() bool {
	o.mu.Lock()
	o.muted = !o.muted
	muted, room, username := o.muted, o.room, o.username
	o.mu.Unlock()

	o.capture.SetEnabled(!muted)
	o.vad.SetMuted(muted)
	if room != "" {
		o.notifyMute(room, muted)
	}
	o.emit(Event{Kind: EventMuted, Room: room, Username: username, Muted: muted})
	return muted
}

func (o *Orchestrator) notifyMute(room domain.RoomName, muted bool) {
	if err := o.signaler.Notify(protocol.TypeMuteStatus, protocol.MuteStatus{Muted: muted, Room: room}); err != nil {
		o.logger.Warnw("failed to send mute status", "room", room, "error", err)
	}
}

// speakingChanged runs with the gate locked.
func (o *Orchestrator) speakingChanged(speaking bool) {
	o.mu.Lock()
	room, username := o.room, o.username
	o.mu.Unlock()
	if room == "" {
		return
	}
	if err := o.signaler.Notify(protocol.TypeVoiceActivity, protocol.VoiceActivity{Speaking: speaking, Room: room}); err != nil {
		o.logger.Warnw("failed to send voice activity", "room", room, "error", err)
	}
	o.emit(Event{Kind: EventSpeaking, Room: room, Username: username, Speaking: speaking})
}

// Gesture records a user interaction and retries blocked playback.
func (o *Orchestrator) Gesture() int {
	return o.gesture.Gesture()
}

func (o *Orchestrator) Room() domain.RoomName {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.room
}

func (o *Orchestrator) Muted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.muted
}

// ConsumerCount reports remote producers currently tracked, including
// those still being negotiated.
func (o *Orchestrator) ConsumerCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.consumers)
}

func (o *Orchestrator) handleEvent(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeNewConsumer:
		var n protocol.NewConsumerNotification
		if o.decode(env, &n) {
			o.onNewConsumer(n)
		}
	case protocol.TypeConsumerClosed:
		var n protocol.ConsumerClosedNotification
		if o.decode(env, &n) {
			o.onConsumerClosed(n.ProducerID)
		}
	case protocol.TypeUserJoined, protocol.TypeUserLeft:
		var n protocol.MembershipNotification
		if !o.decode(env, &n) || n.Room != o.Room() {
			return
		}
		kind := EventUserJoined
		if env.Type == protocol.TypeUserLeft {
			kind = EventUserLeft
		}
		o.emit(Event{Kind: kind, Room: n.Room, Username: n.Username, Users: n.Users})
	case protocol.TypeVoiceActivity:
		var n protocol.VoiceActivity
		if o.decode(env, &n) && n.Room == o.Room() {
			o.emit(Event{Kind: EventSpeaking, Room: n.Room, Username: n.Username, Speaking: n.Speaking})
		}
	case protocol.TypeMuteStatus:
		var n protocol.MuteStatus
		if !o.decode(env, &n) || n.Room != o.Room() {
			return
		}
		o.mu.Lock()
		self := n.Username == o.username
		o.mu.Unlock()
		// own status was already reported locally
		if !self {
			o.emit(Event{Kind: EventMuted, Room: n.Room, Username: n.Username, Muted: n.Muted})
		}
	default:
		o.logger.Debugw("ignoring server event", "type", env.Type)
	}
}

func (o *Orchestrator) decode(env protocol.Envelope, v any) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		o.logger.Warnw("malformed server event", "type", env.Type, "error", err)
		return false
	}
	return true
}

func (o *Orchestrator) onNewConsumer(n protocol.NewConsumerNotification) {
	o.mu.Lock()
	if o.closed || o.room == "" {
		o.mu.Unlock()
		o.logger.Debugw("new consumer outside a room", "producer_id", n.ProducerID)
		return
	}
	if _, ok := o.consumers[n.ProducerID]; ok {
		o.mu.Unlock()
		return
	}
	rc := &remoteConsumer{producerID: n.ProducerID, username: n.Username, params: n.TransportParams}
	o.consumers[n.ProducerID] = rc
	room, roomCtx, ready := o.room, o.roomCtx, o.ready
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		o.runConsumer(roomCtx, room, ready, rc)
	}()
}

func (o *Orchestrator) onConsumerClosed(producerID domain.ProducerID) {
	o.mu.Lock()
	rc, ok := o.consumers[producerID]
	delete(o.consumers, producerID)
	room := o.room
	o.mu.Unlock()
	if !ok {
		return
	}
	o.playback.Stop(producerID)
	rc.close()
	o.emit(Event{Kind: EventConsumerClosed, Room: room, Username: rc.username, ProducerID: producerID})
}

// relevant reports whether rc still belongs to the joined room.
func (o *Orchestrator) relevant(ctx context.Context, room domain.RoomName, rc *remoteConsumer) bool {
	if ctx.Err() != nil || rc.isClosed() {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.room == room && o.consumers[rc.producerID] == rc
}

func (o *Orchestrator) runConsumer(ctx context.Context, room domain.RoomName, ready <-chan struct{}, rc *remoteConsumer) {
	select {
	case <-ready:
	case <-ctx.Done():
		rc.close()
		return
	}

	policy := o.cfg.ConsumerRetry
	policy.StillRelevant = func() bool { return o.relevant(ctx, room, rc) }
	policy.OnAttempt = func(attempt int, err error) {
		rc.reset()
		o.metrics.ConsumerRetry("consume")
		o.logger.Warnw("consumer attempt failed",
			"producer_id", rc.producerID,
			"room", room,
			"attempt", attempt,
			"error", err)
	}

	err := retry.Retry(ctx, policy, func(int) error { return o.consumeOnce(ctx, rc) })
	if err == nil {
		o.emit(Event{Kind: EventConsumerReady, Room: room, Username: rc.username, ProducerID: rc.producerID})
		return
	}

	o.mu.Lock()
	if o.consumers[rc.producerID] == rc {
		delete(o.consumers, rc.producerID)
	}
	o.mu.Unlock()
	rc.close()

	if errors.Is(err, retry.ErrNotRelevant) || ctx.Err() != nil {
		return
	}
	o.logger.Errorw("giving up on consumer",
		"producer_id", rc.producerID,
		"username", rc.username,
		"room", room,
		"error", err)
	o.emit(Event{Kind: EventConsumerFailed, Room: room, Username: rc.username, ProducerID: rc.producerID, Err: err})
}

// consumeOnce runs the whole consume sequence for one attempt.
func (o *Orchestrator) consumeOnce(ctx context.Context, rc *remoteConsumer) error {
	transport, err := rc.ensureTransport(func() (RecvTransport, error) {
		return o.device.CreateRecvTransport(rc.params, o.connectHandshake(rc.params.ID))
	})
	if err != nil {
		return err
	}

	var resp protocol.ConsumeResponse
	req := protocol.ConsumeRequest{
		TransportID:     transport.ID(),
		ProducerID:      rc.producerID,
		RTPCapabilities: o.device.RTPCapabilities(),
	}
	if err := o.signaler.Request(ctx, protocol.TypeConsume, req, &resp); err != nil {
		return err
	}

	local, err := transport.Consume(ctx, resp)
	if err != nil {
		return err
	}
	if err := rc.setConsumer(local); err != nil {
		_ = local.Close()
		return err
	}
	if err := o.resume(ctx, rc, local); err != nil {
		return err
	}

	o.play(rc, local)
	return nil
}

func (o *Orchestrator) resume(ctx context.Context, rc *remoteConsumer, local LocalConsumer) error {
	policy := o.cfg.ResumeRetry
	policy.StillRelevant = func() bool { return ctx.Err() == nil && !rc.isClosed() }
	policy.OnAttempt = func(attempt int, err error) {
		o.metrics.ConsumerRetry("resume")
		o.logger.Warnw("resume attempt failed", "consumer_id", local.ID(), "attempt", attempt, "error", err)
	}

	return retry.Retry(ctx, policy, func(int) error {
		err := o.signaler.Request(ctx, protocol.TypeResumeConsumer, protocol.ResumeConsumerRequest{ConsumerID: local.ID()}, nil)
		if err != nil {
			return err
		}
		return local.Resume(ctx)
	})
}

func (o *Orchestrator) play(rc *remoteConsumer, local LocalConsumer) {
	err := o.playback.Play(rc.producerID, local.Stream())
	if errors.Is(err, ErrAutoplayBlocked) {
		o.emit(Event{Kind: EventGestureRequired, Username: rc.username, ProducerID: rc.producerID})
		o.gesture.Once(func() {
			if rc.isClosed() {
				return
			}
			if err := o.playback.Play(rc.producerID, local.Stream()); err != nil {
				o.logger.Warnw("playback failed after gesture", "producer_id", rc.producerID, "error", err)
			}
		})
		return
	}
	if err != nil {
		o.logger.Warnw("playback failed", "producer_id", rc.producerID, "error", err)
	}
}

func (o *Orchestrator) rejoin() {
	o.op.Lock()
	defer o.op.Unlock()

	o.mu.Lock()
	closed, username, room := o.closed, o.username, o.room
	o.mu.Unlock()
	if closed || room == "" {
		return
	}

	// the server saw a new session, nothing to leave there
	o.teardown()
	o.logger.Infow("signaling reconnected, rejoining", "room", room)
	ctx, cancel := context.WithTimeout(o.baseCtx, 30*time.Second)
	defer cancel()
	if err := o.join(ctx, username, room); err != nil {
		o.logger.Errorw("rejoin failed", "room", room, "error", err)
		o.emit(Event{Kind: EventLeft, Room: room, Err: err})
	}
}

func (o *Orchestrator) disconnected(err error) {
	o.op.Lock()
	defer o.op.Unlock()
	room := o.teardown()
	o.emit(Event{Kind: EventDisconnected, Room: room, Err: err})
}

// Close leaves the room, releases every handle and closes the signaler.
func (o *Orchestrator) Close() error {
	o.op.Lock()
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.op.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	_ = o.leave(ctx)
	cancel()
	o.op.Unlock()

	err := o.signaler.Close()
	o.cancelBase()
	o.wg.Wait()
	return errors.Join(err, o.capture.Close(), o.playback.Close())
}

// remoteConsumer tracks the handles for one remote producer.
type remoteConsumer struct {
	producerID domain.ProducerID
	username   string
	params     domain.TransportParams

	mu        sync.Mutex
	transport RecvTransport
	consumer  LocalConsumer
	closed    bool
}

var errConsumerGone = apperrors.NewNegotiationError("consumer no longer wanted", nil)

func (rc *remoteConsumer) ensureTransport(create func() (RecvTransport, error)) (RecvTransport, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return nil, errConsumerGone
	}
	if rc.transport != nil && !rc.transport.Closed() {
		return rc.transport, nil
	}
	if rc.transport != nil {
		_ = rc.transport.Close()
		rc.transport = nil
	}
	t, err := create()
	if err != nil {
		return nil, err
	}
	rc.transport = t
	return t, nil
}

func (rc *remoteConsumer) setConsumer(c LocalConsumer) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return errConsumerGone
	}
	rc.consumer = c
	return nil
}

// reset drops the local consumer of a failed attempt.
func (rc *remoteConsumer) reset() {
	rc.mu.Lock()
	c := rc.consumer
	rc.consumer = nil
	rc.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

func (rc *remoteConsumer) isClosed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

func (rc *remoteConsumer) closeConsumer() {
	rc.mu.Lock()
	rc.closed = true
	c := rc.consumer
	rc.consumer = nil
	rc.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

func (rc *remoteConsumer) closeTransport() {
	rc.mu.Lock()
	t := rc.transport
	rc.transport = nil
	rc.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
}

func (rc *remoteConsumer) close() {
	rc.closeConsumer()
	rc.closeTransport()
}
