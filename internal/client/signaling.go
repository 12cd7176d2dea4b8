package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"voicechat/internal/protocol"
	apperrors "voicechat/pkg/errors"
	"voicechat/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

var errSignalerClosed = errors.New("signaling connection closed")

// Handlers receive what the server sends outside of acks.
type Handlers struct {
	Event func(env protocol.Envelope)
	// Reconnected fires after a dropped connection was re-established.
	// The server treats it as a new session.
	Reconnected func()
	// Disconnected fires once, when reconnecting gave up.
	Disconnected func(err error)
}

// Signaler is the request/ack channel to the signaling server.
type Signaler interface {
	Subscribe(h Handlers)
	Request(ctx context.Context, msgType string, req, resp any) error
	Notify(msgType string, data any) error
	Close() error
}

type SignalerConfig struct {
	URL               string
	ResponseTimeout   time.Duration
	ConnectTimeout    time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

func (c *SignalerConfig) applyDefaults() {
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 10 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
}

// WSSignaler speaks the envelope protocol over a gorilla websocket.
type WSSignaler struct {
	cfg    SignalerConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	seq atomic.Uint64

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[uint64]chan protocol.Envelope
	handlers Handlers
	closed   bool

	writeMu sync.Mutex
}

// DialSignaler connects, retrying per the reconnect policy.
func DialSignaler(ctx context.Context, cfg SignalerConfig, logger *zap.SugaredLogger) (*WSSignaler, error) {
	cfg.applyDefaults()
	s := &WSSignaler{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout, Proxy: http.ProxyFromEnvironment},
		logger:  logger.With("component", "signaler"),
		pending: make(map[uint64]chan protocol.Envelope),
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	go s.readLoop(conn)
	return s, nil
}

func (s *WSSignaler) dial(ctx context.Context) (*websocket.Conn, error) {
	policy := retry.Fixed(s.cfg.ReconnectAttempts, s.cfg.ReconnectDelay)
	policy.OnAttempt = func(attempt int, err error) {
		s.logger.Warnw("signaling dial failed", "attempt", attempt, "url", s.cfg.URL, "error", err)
	}

	conn, err := retry.RetryWithResult(ctx, policy, func(int) (*websocket.Conn, error) {
		dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
		conn, _, err := s.dialer.DialContext(dctx, s.cfg.URL, nil)
		return conn, err
	})
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeNegotiationFailed, "cannot reach signaling server", http.StatusBadGateway)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

func (s *WSSignaler) Subscribe(h Handlers) {
	s.mu.Lock()
	s.handlers = h
	s.mu.Unlock()
}

func (s *WSSignaler) readLoop(conn *websocket.Conn) {
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			s.connectionLost(conn, err)
			return
		}

		if env.Type == protocol.TypeAck {
			s.resolve(env)
			continue
		}

		s.mu.Lock()
		handle := s.handlers.Event
		s.mu.Unlock()
		if handle != nil {
			handle(env)
		}
	}
}

func (s *WSSignaler) resolve(env protocol.Envelope) {
	s.mu.Lock()
	ch, ok := s.pending[env.ID]
	delete(s.pending, env.ID)
	s.mu.Unlock()
	if !ok {
		s.logger.Debugw("ack without pending request", "id", env.ID)
		return
	}
	ch <- env
}

// failPending answers every outstanding request with a negotiation error.
func (s *WSSignaler) failPending(reason string) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[uint64]chan protocol.Envelope)
	s.mu.Unlock()

	for id, ch := range pending {
		ch <- protocol.Envelope{
			Type:  protocol.TypeAck,
			ID:    id,
			Error: &protocol.ErrorPayload{Code: apperrors.ErrCodeNegotiationFailed, Message: reason},
		}
	}
}

func (s *WSSignaler) connectionLost(conn *websocket.Conn, cause error) {
	_ = conn.Close()
	s.failPending("signaling connection lost")

	s.mu.Lock()
	if s.closed || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()

	s.logger.Warnw("signaling connection lost, reconnecting", "error", cause)
	next, err := s.dial(context.Background())

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if next != nil {
			_ = next.Close()
		}
		return
	}
	h := s.handlers
	if err != nil {
		s.closed = true
		s.mu.Unlock()
		s.logger.Errorw("signaling reconnect gave up", "error", err)
		if h.Disconnected != nil {
			h.Disconnected(err)
		}
		return
	}
	s.conn = next
	s.mu.Unlock()

	go s.readLoop(next)
	if h.Reconnected != nil {
		h.Reconnected()
	}
}

func (s *WSSignaler) write(env protocol.Envelope) error {
	s.mu.Lock()
	conn, closed := s.conn, s.closed
	s.mu.Unlock()
	if closed || conn == nil {
		return errSignalerClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

// Request sends msgType and waits for its ack. resp may be nil. A missing
// ack within the response timeout is a Timeout error and the pending
// entry is dropped.
func (s *WSSignaler) Request(ctx context.Context, msgType string, req, resp any) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msgType, err)
	}

	id := s.seq.Add(1)
	ch := make(chan protocol.Envelope, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer s.forget(id)

	if err := s.write(protocol.Envelope{Type: msgType, ID: id, Data: raw}); err != nil {
		return apperrors.NewNegotiationError("failed to send "+msgType, err)
	}

	timer := time.NewTimer(s.cfg.ResponseTimeout)
	defer timer.Stop()

	select {
	case ack := <-ch:
		if ack.Error != nil {
			return ack.Error.Err()
		}
		if resp != nil && len(ack.Data) > 0 {
			if err := json.Unmarshal(ack.Data, resp); err != nil {
				return apperrors.NewNegotiationError("malformed "+msgType+" response", err)
			}
		}
		return nil
	case <-timer.C:
		return apperrors.NewTimeoutError(msgType + " timed out")
	case <-ctx.Done():
		return apperrors.WrapError(ctx.Err(), apperrors.ErrCodeTimeout, msgType+" cancelled", http.StatusGatewayTimeout)
	}
}

func (s *WSSignaler) forget(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// Notify sends an event that expects no ack.
func (s *WSSignaler) Notify(msgType string, data any) error {
	env, err := protocol.NewEvent(msgType, data)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", msgType, err)
	}
	return s.write(env)
}

// PendingCount reports requests still waiting for an ack.
func (s *WSSignaler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *WSSignaler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.failPending("signaling connection closed")
	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return conn.Close()
}

var _ Signaler = (*WSSignaler)(nil)
