package router

import "errors"

var (
	ErrUnknownCommand    = errors.New("unknown command")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrDuplicateCommand  = errors.New("command already registered")
)
