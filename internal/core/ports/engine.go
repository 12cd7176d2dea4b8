package ports

import (
	"context"

	"voicechat/internal/core/domain"
)

// Engine is the media-forwarding engine's capability surface. Everything
// below it (ICE, DTLS, RTP) is the engine's business.
type Engine interface {
	CreateWorker(ctx context.Context) (Worker, error)
}

// Worker is an execution unit hosting routers. Died is closed, after
// Err is set, when the worker can no longer be trusted.
type Worker interface {
	ID() string
	CreateRouter(ctx context.Context, codecs []domain.RTPCodecCapability) (Router, error)
	Died() <-chan struct{}
	Err() error
	Close() error
}

type Router interface {
	ID() string
	RTPCapabilities() domain.RTPCapabilities
	CreateTransport(ctx context.Context) (Transport, error)
	CanConsume(producerID domain.ProducerID, caps domain.RTPCapabilities) bool
	Close() error
}

type Transport interface {
	ID() domain.TransportID
	Params() domain.TransportParams
	State() domain.TransportState
	// Connect validates the remote parameters and starts negotiation. It
	// returns before negotiation completes; progress arrives through
	// OnStateChange.
	Connect(ctx context.Context, remote domain.ConnectParams) error
	Produce(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters) (Producer, error)
	Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RTPCapabilities) (Consumer, error)
	OnStateChange(fn func(domain.TransportState))
	Close() error
}

type Producer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	Paused() bool
	Pause() error
	Resume() error
	// OnClose fires once, whatever closed the producer.
	OnClose(fn func())
	Close() error
}

type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	RTPParameters() domain.RTPParameters
	Paused() bool
	Pause() error
	Resume(ctx context.Context) error
	OnClose(fn func())
	Close() error
}
