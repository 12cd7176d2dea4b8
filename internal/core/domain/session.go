package domain

type (
	ConnectionID string
	TransportID  string
	ProducerID   string
	ConsumerID   string
)

// SessionState follows Disconnected → Joining → Joined(room) → Leaving → ... → Disconnected.
type SessionState string

const (
	SessionConnected    SessionState = "connected"
	SessionJoining      SessionState = "joining"
	SessionJoined       SessionState = "joined"
	SessionLeaving      SessionState = "leaving"
	SessionDisconnected SessionState = "disconnected"
)

type TransportRole string

const (
	TransportSend    TransportRole = "send"
	TransportReceive TransportRole = "receive"
)

type TransportState string

const (
	TransportCreated    TransportState = "created"
	TransportConnecting TransportState = "connecting"
	TransportConnected  TransportState = "connected"
	TransportFailed     TransportState = "failed"
	TransportClosed     TransportState = "closed"
)

// Terminal reports whether the transport can no longer carry media.
func (s TransportState) Terminal() bool {
	return s == TransportFailed || s == TransportClosed
}

type ProducerState string

const (
	ProducerActive ProducerState = "active"
	ProducerPaused ProducerState = "paused"
	ProducerClosed ProducerState = "closed"
)

type ConsumerState string

const (
	ConsumerPaused  ConsumerState = "created-paused"
	ConsumerResumed ConsumerState = "resumed"
	ConsumerClosed  ConsumerState = "closed"
)
