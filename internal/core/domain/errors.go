package domain

import (
	"net/http"

	apperrors "voicechat/pkg/errors"
)

var (
	ErrInvalidUsername   = apperrors.NewInvalidRequestError("invalid username")
	ErrInvalidRoom       = apperrors.NewInvalidRequestError("invalid room")
	ErrNotInRoom         = apperrors.NewInvalidRequestError("not joined to a room")
	ErrMalformedRequest  = apperrors.NewInvalidRequestError("malformed request")
	ErrUnknownMessage    = apperrors.NewInvalidRequestError("unknown message type")
	ErrTransportNotFound = apperrors.NewNotFoundError("transport")
	ErrProducerNotFound  = apperrors.NewNotFoundError("producer")
	ErrConsumerNotFound  = apperrors.NewNotFoundError("consumer")
	ErrCannotConsume     = apperrors.NewAppError(apperrors.ErrCodeNegotiationFailed, "cannot consume", http.StatusBadGateway)
	ErrTransportClosed   = apperrors.NewAppError(apperrors.ErrCodeNegotiationFailed, "transport closed", http.StatusBadGateway)
	ErrEngineUnavailable = apperrors.NewAppError(apperrors.ErrCodeEngineFatal, "media engine unavailable", http.StatusServiceUnavailable)
)
