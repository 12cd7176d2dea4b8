package protocol

import (
	"encoding/json"

	"voicechat/internal/core/domain"
	apperrors "voicechat/pkg/errors"
)

// Client → server message types.
const (
	TypeJoin             = "join"
	TypeConnectTransport = "connectTransport"
	TypeProduce          = "produce"
	TypeConsume          = "consume"
	TypeResumeConsumer   = "resumeConsumer"
	TypeLeave            = "leave"
	TypeVoiceActivity    = "voice_activity"
	TypeMuteStatus       = "mute_status"
)

// Server → client message types.
const (
	TypeAck            = "ack"
	TypeNewConsumer    = "new_consumer"
	TypeConsumerClosed = "consumer_closed"
	TypeUserJoined     = "user_joined"
	TypeUserLeft       = "user_left"
)

// Envelope is the single frame format on the signaling socket. Requests
// carry ID > 0 and get exactly one ack with the same ID.
type Envelope struct {
	Type  string          `json:"type"`
	ID    uint64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorPayload   `json:"error,omitempty"`
}

type ErrorPayload struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

// Err turns an error ack back into an *AppError.
func (e *ErrorPayload) Err() error {
	if e == nil {
		return nil
	}
	return apperrors.FromCode(e.Code, e.Message)
}

// ErrorFrom builds the error payload for an ack.
func ErrorFrom(err error) *ErrorPayload {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return &ErrorPayload{Code: appErr.Code, Message: appErr.Message}
	}
	return &ErrorPayload{Code: apperrors.ErrCodeInternal, Message: err.Error()}
}

// NewEvent builds an envelope with no correlation id.
func NewEvent(msgType string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, Data: raw}, nil
}

type JoinRequest struct {
	Username string          `json:"username"`
	Room     domain.RoomName `json:"room"`
}

type JoinResponse struct {
	Room                  domain.RoomName        `json:"room"`
	Users                 []string               `json:"users"`
	Presence              []domain.Presence      `json:"presence"`
	RouterRTPCapabilities domain.RTPCapabilities `json:"routerRtpCapabilities"`
	TransportParams       domain.TransportParams `json:"transportParams"`
}

type ConnectTransportRequest struct {
	TransportID domain.TransportID `json:"transportId"`
	domain.ConnectParams
}

type ProduceRequest struct {
	TransportID   domain.TransportID   `json:"transportId"`
	Kind          domain.MediaKind     `json:"kind"`
	RTPParameters domain.RTPParameters `json:"rtpParameters"`
}

type ProduceResponse struct {
	ID domain.ProducerID `json:"id"`
}

type ConsumeRequest struct {
	TransportID     domain.TransportID     `json:"transportId"`
	ProducerID      domain.ProducerID      `json:"producerId"`
	RTPCapabilities domain.RTPCapabilities `json:"rtpCapabilities"`
}

type ConsumeResponse struct {
	ID            domain.ConsumerID    `json:"id"`
	ProducerID    domain.ProducerID    `json:"producerId"`
	Kind          domain.MediaKind     `json:"kind"`
	RTPParameters domain.RTPParameters `json:"rtpParameters"`
}

type ResumeConsumerRequest struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
}

type LeaveRequest struct {
	Room domain.RoomName `json:"room"`
}

type VoiceActivity struct {
	Username string          `json:"username,omitempty"`
	Speaking bool            `json:"speaking"`
	Room     domain.RoomName `json:"room"`
}

type MuteStatus struct {
	Username string          `json:"username,omitempty"`
	Muted    bool            `json:"muted"`
	Room     domain.RoomName `json:"room"`
}

type NewConsumerNotification struct {
	ProducerID      domain.ProducerID      `json:"producerId"`
	Username        string                 `json:"username"`
	TransportParams domain.TransportParams `json:"transportParams"`
}

type ConsumerClosedNotification struct {
	ConsumerID domain.ConsumerID `json:"consumerId"`
	ProducerID domain.ProducerID `json:"producerId"`
}

type MembershipNotification struct {
	Username string          `json:"username"`
	Room     domain.RoomName `json:"room"`
	Users    []string        `json:"users"`
}
