package client

// State is the lifecycle of the single realtime channel
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateChange is delivered to state observers. Err is set when the change
// was caused by a failure, e.g. ErrReconnectionExhausted on the final close.
type StateChange struct {
	State State
	Err   error
}
