package types

import "errors"

// Frame and payload validation errors
var (
	ErrInvalidFrameType     = errors.New("frame type must be event, request or ack")
	ErrMissingEvent         = errors.New("frame event name is required")
	ErrMissingCorrelationID = errors.New("frame correlation id is required")
	ErrMissingAck           = errors.New("ack frame must carry an ack body")
	ErrContentTooLarge      = errors.New("frame data exceeds 64KB limit")
	ErrInvalidPayload       = errors.New("invalid JSON payload")
)
