package client

import (
	"errors"
	"fmt"
)

// Connection level errors. They are returned by Connect and carried in
// StateChange.Err.
var (
	ErrAuthentication        = errors.New("authentication failed")
	ErrConnection            = errors.New("connection failed")
	ErrReconnectionExhausted = errors.New("reconnection attempts exhausted")
	ErrInvalidRoom           = errors.New("invalid room id")
)

// Request level errors, matched through errors.Is on a *RequestError
var (
	ErrNotConnected   = errors.New("not connected")
	ErrTimeout        = errors.New("request timed out")
	ErrServerRejected = errors.New("request rejected by server")
)

// Reason categorises a failed acknowledged request
type Reason string

const (
	ReasonNotConnected   Reason = "NotConnected"
	ReasonTimeout        Reason = "Timeout"
	ReasonServerRejected Reason = "ServerRejected"
)

// RequestError is the only error type Request returns for protocol failures.
// ServerReason keeps the server's own reason (NotFound, BadRequest, ...)
// when Reason is ServerRejected.
type RequestError struct {
	Command      string
	Reason       Reason
	ServerReason string
	Message      string
	Err          error
}

func (e *RequestError) Error() string {
	switch {
	case e.ServerReason != "":
		return fmt.Sprintf("%s: %s (%s): %s", e.Command, e.Reason, e.ServerReason, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%s: %s: %s", e.Command, e.Reason, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Command, e.Reason)
	}
}

// Is lets callers test the category with errors.Is(err, ErrTimeout)
func (e *RequestError) Is(target error) bool {
	switch target {
	case ErrNotConnected:
		return e.Reason == ReasonNotConnected
	case ErrTimeout:
		return e.Reason == ReasonTimeout
	case ErrServerRejected:
		return e.Reason == ReasonServerRejected
	}
	return false
}

func (e *RequestError) Unwrap() error { return e.Err }

func notConnected(command string, cause error) *RequestError {
	e := &RequestError{Command: command, Reason: ReasonNotConnected, Err: cause}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}
