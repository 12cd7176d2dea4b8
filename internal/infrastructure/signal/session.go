package signal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"voicechat/internal/core/domain"
	"voicechat/internal/core/ports"
	"voicechat/internal/protocol"
)

var errSessionClosed = errors.New("session closed")

// Outbox delivers frames to the client behind a session. Send must be safe
// for concurrent use and must not block on the network.
type Outbox interface {
	Send(env protocol.Envelope) error
}

// HandleObserver is told about engine handles a session opens and closes.
type HandleObserver interface {
	HandleOpened(kind string)
	HandleClosed(kind string)
}

type TransportHandle struct {
	Transport ports.Transport
	Role      domain.TransportRole
	State     domain.TransportState
	// ProducerID is the remote producer a receive transport was opened for.
	ProducerID domain.ProducerID
}

type ProducerHandle struct {
	Producer    ports.Producer
	TransportID domain.TransportID
	Room        domain.RoomName
}

type ConsumerHandle struct {
	Consumer    ports.Consumer
	TransportID domain.TransportID
	State       domain.ConsumerState
}

// Session is the server side of one signaling connection. All fields below
// the mailbox are owned by the session loop: only functions run through
// Post (or Do) may touch them.
type Session struct {
	id       domain.ConnectionID
	out      Outbox
	observer HandleObserver

	mu      sync.Mutex
	queue   []func()
	notify  chan struct{}
	done    chan struct{}
	stopped sync.Once
	closing atomic.Bool

	username   string
	room       domain.RoomName
	router     ports.Router
	state      domain.SessionState
	transports map[domain.TransportID]*TransportHandle
	producers  map[domain.ProducerID]*ProducerHandle
	consumers  map[domain.ConsumerID]*ConsumerHandle
	afterAck   []func()
}

func NewSession(id domain.ConnectionID, out Outbox, observer HandleObserver) *Session {
	return &Session{
		id:         id,
		out:        out,
		observer:   observer,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		state:      domain.SessionConnected,
		transports: make(map[domain.TransportID]*TransportHandle),
		producers:  make(map[domain.ProducerID]*ProducerHandle),
		consumers:  make(map[domain.ConsumerID]*ConsumerHandle),
	}
}

func (s *Session) ID() domain.ConnectionID { return s.id }

func (s *Session) Send(env protocol.Envelope) error {
	return s.out.Send(env)
}

// Post queues fn on the session loop. The mailbox is unbounded so a session
// posting work to another never blocks behind it. Post reports false once
// cleanup has begun.
func (s *Session) Post(fn func()) bool {
	if s.closing.Load() {
		return false
	}
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the session loop and waits for it.
func (s *Session) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !s.Post(func() {
		defer close(finished)
		fn()
	}) {
		return errSessionClosed
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes posted work until Stop is called.
func (s *Session) Run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			fn := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()

			fn()

			select {
			case <-s.done:
				return
			default:
			}
		}
	}
}

// beginClose rejects further posts. Work already queued still runs but the
// dispatcher ignores requests on a closing session.
func (s *Session) beginClose() {
	s.closing.Store(true)
}

func (s *Session) Closing() bool {
	return s.closing.Load()
}

func (s *Session) Stop() {
	s.stopped.Do(func() { close(s.done) })
}

func (s *Session) Done() <-chan struct{} { return s.done }

// Loop-owned accessors.

func (s *Session) Username() string { return s.username }

func (s *Session) Room() domain.RoomName { return s.room }

func (s *Session) State() domain.SessionState { return s.state }

func (s *Session) TransportCount() int { return len(s.transports) }

func (s *Session) ProducerCount() int { return len(s.producers) }

func (s *Session) ConsumerCount() int { return len(s.consumers) }

func (s *Session) deferAfterAck(fn func()) { s.afterAck = append(s.afterAck, fn) }

func (s *Session) runAfterAck() {
	pending := s.afterAck
	s.afterAck = nil
	for _, fn := range pending {
		fn()
	}
}

// ConsumersOf lists consumer handles fed by producerID.
func (s *Session) ConsumersOf(producerID domain.ProducerID) []*ConsumerHandle {
	var out []*ConsumerHandle
	for _, h := range s.consumers {
		if h.Consumer.ProducerID() == producerID {
			out = append(out, h)
		}
	}
	return out
}

func (s *Session) addTransport(t ports.Transport, role domain.TransportRole) *TransportHandle {
	h := &TransportHandle{Transport: t, Role: role, State: t.State()}
	s.transports[t.ID()] = h
	s.opened("transport")
	return h
}

func (s *Session) transport(id domain.TransportID) (*TransportHandle, error) {
	h, ok := s.transports[id]
	if !ok {
		return nil, domain.ErrTransportNotFound
	}
	return h, nil
}

func (s *Session) addProducer(p ports.Producer, transportID domain.TransportID, room domain.RoomName) *ProducerHandle {
	h := &ProducerHandle{Producer: p, TransportID: transportID, Room: room}
	s.producers[p.ID()] = h
	s.opened("producer")
	return h
}

func (s *Session) addConsumer(c ports.Consumer, transportID domain.TransportID) *ConsumerHandle {
	h := &ConsumerHandle{Consumer: c, TransportID: transportID, State: domain.ConsumerPaused}
	s.consumers[c.ID()] = h
	s.opened("consumer")
	return h
}

func (s *Session) consumer(id domain.ConsumerID) (*ConsumerHandle, error) {
	h, ok := s.consumers[id]
	if !ok {
		return nil, domain.ErrConsumerNotFound
	}
	return h, nil
}

// closeConsumer forgets and closes one consumer. It reports false if the
// session no longer owned it.
func (s *Session) closeConsumer(id domain.ConsumerID) (*ConsumerHandle, bool) {
	h, ok := s.consumers[id]
	if !ok {
		return nil, false
	}
	delete(s.consumers, id)
	h.State = domain.ConsumerClosed
	_ = h.Consumer.Close()
	s.closed("consumer")
	return h, true
}

func (s *Session) closeProducer(id domain.ProducerID) (*ProducerHandle, bool) {
	h, ok := s.producers[id]
	if !ok {
		return nil, false
	}
	delete(s.producers, id)
	_ = h.Producer.Close()
	s.closed("producer")
	return h, true
}

func (s *Session) closeTransport(id domain.TransportID) bool {
	h, ok := s.transports[id]
	if !ok {
		return false
	}
	delete(s.transports, id)
	h.State = domain.TransportClosed
	_ = h.Transport.Close()
	s.closed("transport")
	return true
}

// releaseReceiver closes a receive transport that no consumer runs over.
func (s *Session) releaseReceiver(id domain.TransportID) bool {
	h, ok := s.transports[id]
	if !ok || h.Role != domain.TransportReceive {
		return false
	}
	for _, c := range s.consumers {
		if c.TransportID == id {
			return false
		}
	}
	return s.closeTransport(id)
}

// Closed is what closeAll and evictTransport tore down.
type Closed struct {
	Consumers  []*ConsumerHandle
	Producers  []*ProducerHandle
	Transports []domain.TransportID
}

// closeAll closes every consumer, then every producer, then every transport.
func (s *Session) closeAll() Closed {
	var res Closed
	for _, id := range sortedIDs(s.consumers) {
		if h, ok := s.closeConsumer(id); ok {
			res.Consumers = append(res.Consumers, h)
		}
	}
	for _, id := range sortedIDs(s.producers) {
		if h, ok := s.closeProducer(id); ok {
			res.Producers = append(res.Producers, h)
		}
	}
	for _, id := range sortedIDs(s.transports) {
		if s.closeTransport(id) {
			res.Transports = append(res.Transports, id)
		}
	}
	return res
}

// evictTransport removes a dead transport together with the producers and
// consumers that ran over it, in the same order as closeAll.
func (s *Session) evictTransport(id domain.TransportID) Closed {
	var res Closed
	if _, ok := s.transports[id]; !ok {
		return res
	}
	for _, cid := range sortedIDs(s.consumers) {
		if s.consumers[cid].TransportID != id {
			continue
		}
		if h, ok := s.closeConsumer(cid); ok {
			res.Consumers = append(res.Consumers, h)
		}
	}
	for _, pid := range sortedIDs(s.producers) {
		if s.producers[pid].TransportID != id {
			continue
		}
		if h, ok := s.closeProducer(pid); ok {
			res.Producers = append(res.Producers, h)
		}
	}
	if s.closeTransport(id) {
		res.Transports = append(res.Transports, id)
	}
	return res
}

func (s *Session) opened(kind string) {
	if s.observer != nil {
		s.observer.HandleOpened(kind)
	}
}

func (s *Session) closed(kind string) {
	if s.observer != nil {
		s.observer.HandleClosed(kind)
	}
}

func sortedIDs[K ~string, V any](m map[K]V) []K {
	ids := make([]K, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
