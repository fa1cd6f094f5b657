package types

import (
	"encoding/json"
)

// NewEventFrame builds a fire-and-forget frame carrying v as data
func NewEventFrame(event string, v any) (*Frame, error) {
	data, err := marshalData(v)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: FrameEvent, Event: event, Data: data}, nil
}

// NewRequestFrame builds a request frame tagged with correlation id
func NewRequestFrame(id, command string, v any) (*Frame, error) {
	data, err := marshalData(v)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: FrameRequest, ID: id, Event: command, Data: data}, nil
}

// NewAckFrame builds a successful acknowledgment for request id
func NewAckFrame(id string, v any) (*Frame, error) {
	data, err := marshalData(v)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: FrameAck, ID: id, Ack: &Ack{Success: true, Data: data}}, nil
}

// NewAckErrorFrame builds a failed acknowledgment for request id
func NewAckErrorFrame(id, reason, message string) *Frame {
	return &Frame{
		Type: FrameAck,
		ID:   id,
		Ack: &Ack{
			Success: false,
			Error:   &AckError{Reason: reason, Message: message},
		},
	}
}

// DecodeData unmarshals frame data into v. Empty data leaves v untouched.
func DecodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return ErrInvalidPayload
	}
	return nil
}

func marshalData(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, ErrInvalidPayload
	}
	return data, nil
}
