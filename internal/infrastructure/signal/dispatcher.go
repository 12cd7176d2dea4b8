package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"voicechat/internal/core/domain"
	"voicechat/internal/core/ports"
	"voicechat/internal/protocol"
	apperrors "voicechat/pkg/errors"
	rlog "voicechat/pkg/logger"
	"voicechat/pkg/tracing"
	"voicechat/pkg/validation"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Metrics is the slice of the Prometheus collector the dispatcher feeds.
type Metrics interface {
	HandleObserver
	SessionOpened()
	SessionClosed()
	SetRoomMembers(room string, count int)
	RequestHandled(msgType, result string, duration time.Duration)
	NotificationSent(msgType string)
}

type noopMetrics struct{}

func (noopMetrics) HandleOpened(string) {}

func (noopMetrics) HandleClosed(string) {}

func (noopMetrics) SessionOpened() {}

func (noopMetrics) SessionClosed() {}

func (noopMetrics) SetRoomMembers(string, int) {}

func (noopMetrics) RequestHandled(string, string, time.Duration) {}

func (noopMetrics) NotificationSent(string) {}

type DispatcherConfig struct {
	// RequestTimeout bounds every engine call made for one request.
	RequestTimeout time.Duration
	// PublishTimeout bounds one event bus publish.
	PublishTimeout time.Duration
}

// Dispatcher routes signaling requests for every session. All handlers run
// on the session loop of the connection they serve.
type Dispatcher struct {
	registry ports.RoomRegistry
	hub      *Hub
	events   ports.EventPublisher
	metrics  Metrics
	cfg      DispatcherConfig

	ctxLogger *rlog.ContextLogger
	logger    *zap.SugaredLogger
}

func NewDispatcher(registry ports.RoomRegistry, hub *Hub, events ports.EventPublisher, metrics Metrics, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	return &Dispatcher{
		registry:  registry,
		hub:       hub,
		events:    events,
		metrics:   metrics,
		cfg:       cfg,
		ctxLogger: rlog.NewContextLogger(logger),
		logger:    logger.Sugar().With("component", "dispatcher"),
	}
}

func (d *Dispatcher) Hub() *Hub { return d.hub }

// Open registers a new session with the hub.
func (d *Dispatcher) Open(id domain.ConnectionID, out Outbox) *Session {
	s := NewSession(id, out, d.metrics)
	d.hub.Add(s)
	d.metrics.SessionOpened()
	return s
}

// Dispatch handles one inbound envelope. It must run on s's loop. Requests
// (ID > 0) get exactly one ack; events that fail are only logged.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, env protocol.Envelope) {
	if s.Closing() {
		return
	}

	start := time.Now()
	ctx = rlog.WithConnection(ctx, string(s.ID()))
	if s.username != "" {
		ctx = rlog.WithUser(ctx, s.username, string(s.room))
	}
	ctx, span := tracing.TraceSignalRequest(ctx, env.Type, string(s.ID()))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	data, err := d.route(ctx, s, env)

	if s.username != "" {
		span.SetAttributes(tracing.UsernameKey.String(s.username), tracing.RoomKey.String(string(s.room)))
	}
	result := "ok"
	if err != nil {
		result = string(apperrors.CodeOf(err))
		tracing.RecordError(ctx, err)
		span.SetAttributes(tracing.ErrorCodeKey.String(result))
	} else {
		tracing.SetSpanStatus(ctx, codes.Ok, "")
	}
	elapsed := time.Since(start)
	tracing.MeasureDuration(ctx, start, env.Type)
	d.ctxLogger.LogRequest(ctx, env.Type, err, elapsed.Milliseconds())
	d.metrics.RequestHandled(env.Type, result, elapsed)

	if env.ID != 0 {
		d.ack(s, env.ID, data, err)
	}
	if err != nil {
		s.afterAck = nil
		return
	}
	s.runAfterAck()
}

func (d *Dispatcher) route(ctx context.Context, s *Session, env protocol.Envelope) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorw("panic in signal handler", "type", env.Type, "connection_id", s.ID(), "panic", r)
			data, err = nil, apperrors.NewInternalError(fmt.Sprintf("handler panic: %v", r))
		}
	}()

	switch env.Type {
	case protocol.TypeJoin:
		return d.handleJoin(ctx, s, env.Data)
	case protocol.TypeConnectTransport:
		return d.handleConnectTransport(ctx, s, env.Data)
	case protocol.TypeProduce:
		return d.handleProduce(ctx, s, env.Data)
	case protocol.TypeConsume:
		return d.handleConsume(ctx, s, env.Data)
	case protocol.TypeResumeConsumer:
		return d.handleResumeConsumer(ctx, s, env.Data)
	case protocol.TypeLeave:
		return d.handleLeave(ctx, s, env.Data)
	case protocol.TypeVoiceActivity:
		return d.handleVoiceActivity(s, env.Data)
	case protocol.TypeMuteStatus:
		return d.handleMuteStatus(s, env.Data)
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownMessage, env.Type)
	}
}

func (d *Dispatcher) ack(s *Session, id uint64, data any, err error) {
	env := protocol.Envelope{Type: protocol.TypeAck, ID: id}
	if err != nil {
		env.Error = protocol.ErrorFrom(err)
	} else if data != nil {
		raw, mErr := json.Marshal(data)
		if mErr != nil {
			env.Error = protocol.ErrorFrom(apperrors.NewInternalError("encode response"))
		} else {
			env.Data = raw
		}
	}
	if sendErr := s.Send(env); sendErr != nil {
		d.logger.Warnw("failed to deliver ack", "connection_id", s.ID(), "id", id, "error", sendErr)
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return domain.ErrMalformedRequest
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidRequest, "malformed request", http.StatusBadRequest)
	}
	return nil
}

// engineError keeps classified errors and files the rest under negotiation.
func engineError(op string, err error) error {
	if apperrors.IsAppError(err) {
		return err
	}
	return apperrors.NewNegotiationError(op, err)
}

func (d *Dispatcher) requireJoined(s *Session) error {
	if s.state != domain.SessionJoined || s.room == "" {
		return domain.ErrNotInRoom
	}
	return nil
}

func (d *Dispatcher) handleJoin(ctx context.Context, s *Session, raw json.RawMessage) (any, error) {
	var req protocol.JoinRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := validation.ValidateUsername(req.Username); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidUsername, err)
	}
	if _, err := d.registry.Members(req.Room); err != nil {
		return nil, err
	}

	if s.room != "" {
		d.leaveRoom(s)
	}

	s.state = domain.SessionJoining
	res, err := d.registry.Join(ctx, req.Username, req.Room)
	if err != nil {
		s.state = domain.SessionConnected
		return nil, err
	}

	spanCtx, span := tracing.TraceEngine(ctx, "create_send_transport", string(req.Room))
	span.SetAttributes(tracing.UsernameKey.String(req.Username))
	transport, err := res.Router.CreateTransport(spanCtx)
	if err == nil {
		span.SetAttributes(tracing.TransportIDKey.String(string(transport.ID())))
	}
	tracing.EndSpan(spanCtx, err)
	if err != nil {
		if _, leaveErr := d.registry.Leave(req.Username, req.Room); leaveErr != nil {
			d.logger.Warnw("join rollback failed", "room", req.Room, "username", req.Username, "error", leaveErr)
		}
		s.state = domain.SessionConnected
		return nil, engineError("create send transport", err)
	}

	s.username = req.Username
	s.room = req.Room
	s.router = res.Router
	d.trackTransport(s, transport, domain.TransportSend)
	s.state = domain.SessionJoined
	d.hub.SetRoom(s.ID(), req.Username, req.Room)
	d.metrics.SetRoomMembers(string(req.Room), len(res.Members))

	d.logger.Infow("user joined", "username", req.Username, "room", req.Room, "connection_id", s.ID())

	room, username, members := req.Room, req.Username, res.Members
	s.deferAfterAck(func() {
		d.broadcast(room, protocol.TypeUserJoined, protocol.MembershipNotification{
			Username: username,
			Room:     room,
			Users:    members,
		}, s.ID())
		d.publish(domain.RoomEvent{Type: domain.RoomEventUserJoined, Room: room, Username: username, Members: members})

		for _, entry := range d.registry.Producers(room) {
			if entry.ConnectionID == s.ID() {
				continue
			}
			d.provisionConsumer(s, entry)
		}
	})

	return protocol.JoinResponse{
		Room:                  req.Room,
		Users:                 res.Members,
		Presence:              d.registry.Presence(req.Room),
		RouterRTPCapabilities: res.Router.RTPCapabilities(),
		TransportParams:       transport.Params(),
	}, nil
}

func (d *Dispatcher) handleConnectTransport(ctx context.Context, s *Session, raw json.RawMessage) (any, error) {
	var req protocol.ConnectTransportRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	h, err := s.transport(req.TransportID)
	if err != nil {
		return nil, err
	}
	if h.State.Terminal() {
		return nil, domain.ErrTransportClosed
	}
	if err := h.Transport.Connect(ctx, req.ConnectParams); err != nil {
		return nil, engineError("connect transport", err)
	}
	return struct{}{}, nil
}

func (d *Dispatcher) handleProduce(ctx context.Context, s *Session, raw json.RawMessage) (any, error) {
	if err := d.requireJoined(s); err != nil {
		return nil, err
	}
	var req protocol.ProduceRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if req.Kind != domain.MediaKindAudio {
		return nil, apperrors.NewInvalidRequestError("only audio can be produced")
	}
	if !req.RTPParameters.Valid() {
		return nil, apperrors.NewInvalidRequestError("rtp parameters need a codec and an ssrc")
	}
	h, err := s.transport(req.TransportID)
	if err != nil {
		return nil, err
	}
	if h.Role != domain.TransportSend {
		return nil, apperrors.NewInvalidRequestError("transport is not a send transport")
	}

	// One active producer per user and room.
	for _, id := range sortedIDs(s.producers) {
		if s.producers[id].Room != s.room {
			continue
		}
		if old, ok := s.closeProducer(id); ok {
			d.forgetProducer(s, old.Room, id)
			d.logger.Infow("replaced producer", "producer_id", id, "connection_id", s.ID())
		}
	}

	spanCtx, span := tracing.TraceEngine(ctx, "produce", string(s.room))
	span.SetAttributes(tracing.TransportIDKey.String(string(req.TransportID)))
	producer, err := h.Transport.Produce(spanCtx, req.Kind, req.RTPParameters)
	if err == nil {
		span.SetAttributes(tracing.ProducerIDKey.String(string(producer.ID())))
	}
	tracing.EndSpan(spanCtx, err)
	if err != nil {
		return nil, engineError("produce", err)
	}

	ph := s.addProducer(producer, req.TransportID, s.room)
	producerID := producer.ID()
	producer.OnClose(func() {
		s.Post(func() {
			if closed, ok := s.closeProducer(producerID); ok {
				d.forgetProducer(s, closed.Room, producerID)
			}
		})
	})

	entry := domain.ProducerEntry{
		ProducerID:   producerID,
		ConnectionID: s.ID(),
		Username:     s.username,
		Kind:         req.Kind,
	}
	if err := d.registry.AddProducer(ph.Room, entry); err != nil {
		s.closeProducer(producerID)
		return nil, err
	}

	room := ph.Room
	s.deferAfterAck(func() {
		for _, other := range d.hub.InRoom(room) {
			if other.ID() == s.ID() {
				continue
			}
			target := other
			target.Post(func() {
				if target.room == room && target.state == domain.SessionJoined {
					d.provisionConsumer(target, entry)
				}
			})
		}
		d.publish(domain.RoomEvent{Type: domain.RoomEventProducerAdded, Room: room, Username: entry.Username, ProducerID: producerID})
	})

	return protocol.ProduceResponse{ID: producerID}, nil
}

// provisionConsumer opens a receive transport on s for entry and tells the
// client to consume over it. Runs on s's loop.
func (d *Dispatcher) provisionConsumer(s *Session, entry domain.ProducerEntry) {
	if s.router == nil || s.state != domain.SessionJoined {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RequestTimeout)
	defer cancel()

	ctx, span := tracing.TraceEngine(ctx, "create_recv_transport", string(s.room))
	span.SetAttributes(
		tracing.ConnectionIDKey.String(string(s.ID())),
		tracing.ProducerIDKey.String(string(entry.ProducerID)))
	transport, err := s.router.CreateTransport(ctx)
	if err == nil {
		span.SetAttributes(tracing.TransportIDKey.String(string(transport.ID())))
	}
	tracing.EndSpan(ctx, err)
	if err != nil {
		d.logger.Warnw("failed to create receive transport",
			"connection_id", s.ID(),
			"producer_id", entry.ProducerID,
			"error", err)
		return
	}
	th := d.trackTransport(s, transport, domain.TransportReceive)
	th.ProducerID = entry.ProducerID

	d.notify(s, protocol.TypeNewConsumer, protocol.NewConsumerNotification{
		ProducerID:      entry.ProducerID,
		Username:        entry.Username,
		TransportParams: transport.Params(),
	})
}

func (d *Dispatcher) handleConsume(ctx context.Context, s *Session, raw json.RawMessage) (any, error) {
	if err := d.requireJoined(s); err != nil {
		return nil, err
	}
	var req protocol.ConsumeRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	h, err := s.transport(req.TransportID)
	if err != nil {
		return nil, err
	}
	if h.Role != domain.TransportReceive {
		return nil, apperrors.NewInvalidRequestError("transport is not a receive transport")
	}
	if !s.router.CanConsume(req.ProducerID, req.RTPCapabilities) {
		return nil, fmt.Errorf("%w: producer %s", domain.ErrCannotConsume, req.ProducerID)
	}

	// A repeated consume replaces the earlier consumer of the producer.
	for _, old := range s.ConsumersOf(req.ProducerID) {
		s.closeConsumer(old.Consumer.ID())
		if old.TransportID != req.TransportID {
			s.releaseReceiver(old.TransportID)
		}
		d.logger.Debugw("replaced consumer",
			"connection_id", s.ID(),
			"consumer_id", old.Consumer.ID(),
			"producer_id", req.ProducerID)
	}

	spanCtx, span := tracing.TraceEngine(ctx, "consume", string(s.room))
	span.SetAttributes(
		tracing.TransportIDKey.String(string(req.TransportID)),
		tracing.ProducerIDKey.String(string(req.ProducerID)))
	consumer, err := h.Transport.Consume(spanCtx, req.ProducerID, req.RTPCapabilities)
	if err == nil {
		span.SetAttributes(tracing.ConsumerIDKey.String(string(consumer.ID())))
	}
	tracing.EndSpan(spanCtx, err)
	if err != nil {
		return nil, engineError("consume", err)
	}

	s.addConsumer(consumer, req.TransportID)
	consumerID := consumer.ID()
	consumer.OnClose(func() {
		s.Post(func() { d.dropConsumer(s, consumerID) })
	})

	return protocol.ConsumeResponse{
		ID:            consumerID,
		ProducerID:    consumer.ProducerID(),
		Kind:          consumer.Kind(),
		RTPParameters: consumer.RTPParameters(),
	}, nil
}

func (d *Dispatcher) handleResumeConsumer(ctx context.Context, s *Session, raw json.RawMessage) (any, error) {
	var req protocol.ResumeConsumerRequest
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	h, err := s.consumer(req.ConsumerID)
	if err != nil {
		return nil, err
	}
	if err := h.Consumer.Resume(ctx); err != nil {
		return nil, engineError("resume consumer", err)
	}
	h.State = domain.ConsumerResumed
	return struct{}{}, nil
}

func (d *Dispatcher) handleLeave(_ context.Context, s *Session, raw json.RawMessage) (any, error) {
	var req protocol.LeaveRequest
	if len(raw) > 0 {
		if err := decode(raw, &req); err != nil {
			return nil, err
		}
	}
	if s.room == "" {
		return struct{}{}, nil
	}
	if req.Room != "" && req.Room != s.room {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotInRoom, req.Room)
	}
	d.leaveRoom(s)
	return struct{}{}, nil
}

// leaveRoom tears down the session's handles and membership in its current
// room and tells the remaining members.
func (d *Dispatcher) leaveRoom(s *Session) {
	room, username := s.room, s.username
	s.state = domain.SessionLeaving

	closed := s.closeAll()
	d.forgetProducers(s, closed.Producers)

	remaining, err := d.registry.Leave(username, room)
	if err != nil {
		d.logger.Warnw("registry leave failed", "room", room, "username", username, "error", err)
	}
	d.hub.SetRoom(s.ID(), "", "")
	s.room = ""
	s.router = nil
	s.state = domain.SessionConnected

	d.metrics.SetRoomMembers(string(room), len(remaining))
	d.broadcast(room, protocol.TypeUserLeft, protocol.MembershipNotification{
		Username: username,
		Room:     room,
		Users:    remaining,
	}, s.ID())
	d.publish(domain.RoomEvent{Type: domain.RoomEventUserLeft, Room: room, Username: username, Members: remaining})

	d.logger.Infow("user left", "username", username, "room", room, "connection_id", s.ID())
}

func (d *Dispatcher) handleVoiceActivity(s *Session, raw json.RawMessage) (any, error) {
	if err := d.requireJoined(s); err != nil {
		return nil, err
	}
	var req protocol.VoiceActivity
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if req.Room != "" && req.Room != s.room {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotInRoom, req.Room)
	}

	d.registry.SetSpeaking(s.username, req.Speaking)
	d.broadcast(s.room, protocol.TypeVoiceActivity, protocol.VoiceActivity{
		Username: s.username,
		Speaking: req.Speaking,
		Room:     s.room,
	}, s.ID())
	return struct{}{}, nil
}

func (d *Dispatcher) handleMuteStatus(s *Session, raw json.RawMessage) (any, error) {
	if err := d.requireJoined(s); err != nil {
		return nil, err
	}
	var req protocol.MuteStatus
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if req.Room != "" && req.Room != s.room {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotInRoom, req.Room)
	}

	d.registry.SetMuted(s.username, req.Muted)
	// the sender gets its own mute status back
	d.broadcast(s.room, protocol.TypeMuteStatus, protocol.MuteStatus{
		Username: s.username,
		Muted:    req.Muted,
		Room:     s.room,
	}, "")

	muted := req.Muted
	d.publish(domain.RoomEvent{Type: domain.RoomEventMuteStatus, Room: s.room, Username: s.username, Muted: &muted})
	return struct{}{}, nil
}

// Disconnect releases everything the session holds. It must run on the
// session loop and stops the loop when done.
func (d *Dispatcher) Disconnect(s *Session) {
	s.beginClose()
	defer s.Stop()

	s.state = domain.SessionDisconnected
	closed := s.closeAll()
	d.forgetProducers(s, closed.Producers)
	d.hub.Remove(s.ID())

	if s.username != "" {
		// Rooms held by another live connection under the same name stay.
		keep := d.hub.RoomsOf(s.username, s.ID())
		affected := d.registry.RemoveUserEverywhere(s.username, keep...)
		rooms := make([]domain.RoomName, 0, len(affected))
		for room := range affected {
			rooms = append(rooms, room)
		}
		sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })

		for _, room := range rooms {
			remaining := affected[room]
			d.metrics.SetRoomMembers(string(room), len(remaining))
			d.broadcast(room, protocol.TypeUserLeft, protocol.MembershipNotification{
				Username: s.username,
				Room:     room,
				Users:    remaining,
			}, s.ID())
			d.publish(domain.RoomEvent{Type: domain.RoomEventUserLeft, Room: room, Username: s.username, Members: remaining})
		}
	}

	s.room = ""
	s.router = nil
	d.metrics.SessionClosed()
	d.logger.Infow("session closed",
		"connection_id", s.ID(),
		"username", s.username,
		"consumers", len(closed.Consumers),
		"producers", len(closed.Producers),
		"transports", len(closed.Transports))
}

func (d *Dispatcher) trackTransport(s *Session, t ports.Transport, role domain.TransportRole) *TransportHandle {
	h := s.addTransport(t, role)
	id := t.ID()
	t.OnStateChange(func(state domain.TransportState) {
		s.Post(func() { d.onTransportState(s, id, state) })
	})
	return h
}

func (d *Dispatcher) onTransportState(s *Session, id domain.TransportID, state domain.TransportState) {
	h, err := s.transport(id)
	if err != nil {
		return
	}
	h.State = state
	if !state.Terminal() {
		return
	}

	closed := s.evictTransport(id)
	d.forgetProducers(s, closed.Producers)
	for _, c := range closed.Consumers {
		d.notify(s, protocol.TypeConsumerClosed, protocol.ConsumerClosedNotification{
			ConsumerID: c.Consumer.ID(),
			ProducerID: c.Consumer.ProducerID(),
		})
	}
	d.logger.Warnw("transport evicted",
		"connection_id", s.ID(),
		"transport_id", id,
		"state", state,
		"producers", len(closed.Producers),
		"consumers", len(closed.Consumers))
}

func (d *Dispatcher) forgetProducers(s *Session, handles []*ProducerHandle) {
	for _, h := range handles {
		d.forgetProducer(s, h.Room, h.Producer.ID())
	}
}

// forgetProducer drops a closed producer of s from the registry and has the
// other members of room release what they opened to receive it.
func (d *Dispatcher) forgetProducer(s *Session, room domain.RoomName, id domain.ProducerID) {
	d.registry.RemoveProducer(room, id)
	for _, other := range d.hub.InRoom(room) {
		if other.ID() == s.ID() {
			continue
		}
		target := other
		target.Post(func() { d.releaseProducer(target, id) })
	}
}

// releaseProducer closes s's consumers of a producer that is gone and the
// receive transports left idle by it. Runs on s's loop.
func (d *Dispatcher) releaseProducer(s *Session, producerID domain.ProducerID) {
	for _, h := range s.ConsumersOf(producerID) {
		d.dropConsumer(s, h.Consumer.ID())
	}
	for _, id := range sortedIDs(s.transports) {
		if s.transports[id].ProducerID == producerID {
			s.releaseReceiver(id)
		}
	}
}

// dropConsumer closes a consumer the engine or a departed producer ended,
// tells the client, and closes its receive transport once nothing else
// runs over it. Runs on s's loop.
func (d *Dispatcher) dropConsumer(s *Session, id domain.ConsumerID) {
	closed, ok := s.closeConsumer(id)
	if !ok {
		return
	}
	d.notify(s, protocol.TypeConsumerClosed, protocol.ConsumerClosedNotification{
		ConsumerID: id,
		ProducerID: closed.Consumer.ProducerID(),
	})
	s.releaseReceiver(closed.TransportID)
}

func (d *Dispatcher) notify(s *Session, msgType string, data any) {
	env, err := protocol.NewEvent(msgType, data)
	if err != nil {
		d.logger.Errorw("failed to encode notification", "type", msgType, "error", err)
		return
	}
	if err := s.Send(env); err != nil {
		d.logger.Warnw("failed to deliver notification", "type", msgType, "connection_id", s.ID(), "error", err)
		return
	}
	d.metrics.NotificationSent(msgType)
}

// broadcast never fails the caller: a panicking or failing delivery is
// logged and the rest of the room still gets the message.
func (d *Dispatcher) broadcast(room domain.RoomName, msgType string, data any, exclude domain.ConnectionID) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorw("broadcast panicked", "room", room, "type", msgType, "panic", r)
		}
	}()

	env, err := protocol.NewEvent(msgType, data)
	if err != nil {
		d.logger.Errorw("failed to encode broadcast", "type", msgType, "error", err)
		return
	}
	for i := d.hub.Broadcast(room, env, exclude); i > 0; i-- {
		d.metrics.NotificationSent(msgType)
	}
}

func (d *Dispatcher) publish(event domain.RoomEvent) {
	if d.events == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PublishTimeout)
		defer cancel()
		if err := d.events.Publish(ctx, event); err != nil {
			d.logger.Warnw("failed to publish room event", "type", event.Type, "room", event.Room, "error", err)
		}
	}()
}
