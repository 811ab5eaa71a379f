package internal

import (
	"errors"
	"net/http"
)

var (
	// ErrInvalidMessage is returned by Publish for malformed or unresolved messages.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrDuplicateConnection means a connection id was registered twice.
	ErrDuplicateConnection = errors.New("duplicate connection")
	// ErrStorageUnavailable wraps any media store write failure.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrUnsupportedMediaType is returned when the blob does not match the declared kind.
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	// ErrPayloadTooLarge is returned when an upload exceeds its size ceiling.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrMediaNotFound is returned when a media id is unknown.
	ErrMediaNotFound = errors.New("media not found")

	ErrConnectionClosed = errors.New("connection closed")
	ErrSendQueueFull    = errors.New("send queue full")
)

// error codes carried by the "error" socket event
const (
	codeInvalidMessage = "invalid_message"
	codeRateLimited    = "rate_limited"
)

func uploadStatus(err error) int {
	switch {
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrUnsupportedMediaType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
