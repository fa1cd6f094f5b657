package hub

import "errors"

var (
	ErrHubAlreadyRunning   = errors.New("hub is already running")
	ErrHubNotRunning       = errors.New("hub is not running")
	ErrReservedRoom        = errors.New("room is managed by the server")
	ErrUnknownSignal       = errors.New("unknown signal")
	ErrSignalChannelFull   = errors.New("signal channel is full")
	ErrRegisterChannelFull = errors.New("register channel is full")
)
