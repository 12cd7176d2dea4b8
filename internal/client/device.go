package client

import (
	"context"
	"errors"

	"voicechat/internal/core/domain"
	"voicechat/internal/protocol"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// ErrAutoplayBlocked is returned by Playback.Play until the user has
// interacted with the client.
var ErrAutoplayBlocked = errors.New("playback blocked until user gesture")

// ConnectFunc forwards a transport's local parameters to connectTransport.
type ConnectFunc func(ctx context.Context, local domain.ConnectParams) error

// ProduceFunc forwards a new producer to the server and returns its id.
type ProduceFunc func(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters) (domain.ProducerID, error)

// Device is the client half of the media engine.
type Device interface {
	// Load configures the device for a router. Loading again is a no-op.
	Load(caps domain.RTPCapabilities) error
	Loaded() bool
	RTPCapabilities() domain.RTPCapabilities
	CreateSendTransport(params domain.TransportParams, connect ConnectFunc) (SendTransport, error)
	CreateRecvTransport(params domain.TransportParams, connect ConnectFunc) (RecvTransport, error)
}

type SendTransport interface {
	ID() domain.TransportID
	// Produce runs the connect handshake if needed, then the produce
	// handshake, and returns once the server accepted the producer.
	Produce(ctx context.Context, source Capture, produce ProduceFunc) (LocalProducer, error)
	Close() error
}

type RecvTransport interface {
	ID() domain.TransportID
	Consume(ctx context.Context, params protocol.ConsumeResponse) (LocalConsumer, error)
	Closed() bool
	Close() error
}

type LocalProducer interface {
	ID() domain.ProducerID
	Close() error
}

type LocalConsumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Resume(ctx context.Context) error
	Resumed() bool
	Stream() RemoteStream
	Close() error
}

// RemoteStream yields the RTP of one remote speaker.
type RemoteStream interface {
	ReadRTP() (*rtp.Packet, error)
}

// Capture is the local microphone.
type Capture interface {
	Track() webrtc.TrackLocal
	// Level is the most recent frame's amplitude in [0, 1].
	Level() float64
	SetEnabled(enabled bool)
	Start(ctx context.Context) error
	Close() error
}

// Playback renders remote streams.
type Playback interface {
	Play(producerID domain.ProducerID, stream RemoteStream) error
	Stop(producerID domain.ProducerID)
	Close() error
}
