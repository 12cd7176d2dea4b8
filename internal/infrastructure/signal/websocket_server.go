package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"voicechat/internal/core/domain"
	"voicechat/internal/protocol"
	"voicechat/pkg/config"
	apperrors "voicechat/pkg/errors"
	"voicechat/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	errConnectionClosed = errors.New("connection closed")
	errSendBufferFull   = errors.New("send buffer full")
)

type ServerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxMessageSize int64
	AllowedOrigins []string

	// Per-connection inbound limit; zero MessagesPerSecond disables it.
	MessagesPerSecond float64
	Burst             int
	MaxConnections    int
}

// ServerConfigFrom maps the signal and websocket rate limiting sections.
func ServerConfigFrom(cfg *config.Config) ServerConfig {
	sc := ServerConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendBuffer:     cfg.Signal.SendBuffer,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Signal.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		sc.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		sc.Burst = cfg.RateLimiting.WebSocket.Burst
		sc.MaxConnections = cfg.RateLimiting.WebSocket.MaxConcurrent
	}
	return sc
}

// WebSocketServer accepts signaling connections and feeds their frames to
// the dispatcher on each connection's session loop.
type WebSocketServer struct {
	dispatcher *Dispatcher
	cfg        ServerConfig
	upgrader   websocket.Upgrader
	active     atomic.Int64

	logger *zap.SugaredLogger
}

func NewWebSocketServer(dispatcher *Dispatcher, cfg ServerConfig, logger *zap.Logger) *WebSocketServer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}

	s := &WebSocketServer{
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.Sugar().With("component", "websocket"),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// ActiveConnections is the number of open signaling sockets.
func (s *WebSocketServer) ActiveConnections() int {
	return int(s.active.Load())
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if limit := s.cfg.MaxConnections; limit > 0 && s.active.Load() >= int64(limit) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	s.active.Add(1)
	defer s.active.Add(-1)

	id := domain.ConnectionID(utils.GenerateConnectionID())
	c := newConnection(conn, s.cfg.SendBuffer, s.cfg.WriteTimeout)
	session := s.dispatcher.Open(id, c)
	go session.Run()
	go s.writePump(id, c)

	s.logger.Infow("client connected", "connection_id", id, "remote_addr", r.RemoteAddr)

	// The request context ends with this handler; session work must not.
	ctx := context.WithoutCancel(r.Context())
	s.readPump(ctx, session, c)

	if session.Post(func() { s.dispatcher.Disconnect(session) }) {
		select {
		case <-session.Done():
		case <-time.After(s.cfg.WriteTimeout + 5*time.Second):
			s.logger.Warnw("session cleanup timed out", "connection_id", id)
			session.Stop()
		}
	}
	c.close()

	s.logger.Infow("client disconnected", "connection_id", id)
}

func (s *WebSocketServer) readPump(ctx context.Context, session *Session, c *connection) {
	conn := c.conn
	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		burst := s.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), burst)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("read failed", "connection_id", session.ID(), "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			s.logger.Debugw("dropping malformed frame", "connection_id", session.ID(), "error", err)
			continue
		}

		if limiter != nil && !limiter.Allow() {
			if env.ID != 0 {
				_ = c.Send(protocol.Envelope{
					Type:  protocol.TypeAck,
					ID:    env.ID,
					Error: protocol.ErrorFrom(apperrors.NewRateLimitError()),
				})
			}
			continue
		}

		if !session.Post(func() { s.dispatcher.Dispatch(ctx, session, env) }) {
			return
		}
	}
}

func (s *WebSocketServer) writePump(id domain.ConnectionID, c *connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				s.logger.Infow("write failed", "connection_id", id, "error", err)
				c.close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("ping failed", "connection_id", id, "error", err)
				c.close()
				return
			}

		case <-c.closed:
			s.drain(id, c)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteTimeout))
			return
		}
	}
}

// drain flushes frames queued before close, such as a final ack.
func (s *WebSocketServer) drain(id domain.ConnectionID, c *connection) {
	for {
		select {
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				s.logger.Debugw("drain write failed", "connection_id", id, "error", err)
				return
			}
		default:
			return
		}
	}
}

// connection is the Outbox for one socket. Frames are queued for the
// write pump. An ack may wait up to ackWait for room in the queue; any
// frame that still does not fit closes the connection, so the client sees
// a disconnect instead of a request that never completes.
type connection struct {
	conn      *websocket.Conn
	send      chan protocol.Envelope
	ackWait   time.Duration
	closed    chan struct{}
	closeOnce sync.Once
}

func newConnection(conn *websocket.Conn, buffer int, ackWait time.Duration) *connection {
	return &connection{
		conn:    conn,
		send:    make(chan protocol.Envelope, buffer),
		ackWait: ackWait,
		closed:  make(chan struct{}),
	}
}

func (c *connection) Send(env protocol.Envelope) error {
	select {
	case <-c.closed:
		return errConnectionClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	case <-c.closed:
		return errConnectionClosed
	default:
	}

	if env.Type == protocol.TypeAck && c.ackWait > 0 {
		timer := time.NewTimer(c.ackWait)
		defer timer.Stop()
		select {
		case c.send <- env:
			return nil
		case <-c.closed:
			return errConnectionClosed
		case <-timer.C:
		}
	}
	c.close()
	return errSendBufferFull
}

func (c *connection) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}
