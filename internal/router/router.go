package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"classpulse/internal/metrics"
	"classpulse/pkg/interfaces"
	"classpulse/pkg/types"
)

// Router implements the CommandRouter interface
// ARCHITECTURAL DISCOVERY: Pure request routing without delivery or connection
// handling; engines register their commands and the router owns the ack
type Router struct {
	mu          sync.RWMutex
	handlers    map[string]interfaces.HandlerFunc
	rateLimiter *RateLimiter
	logger      *zap.Logger
}

var _ interfaces.CommandRouter = (*Router)(nil)

// NewRouter creates a router that admits limit requests per user per window
func NewRouter(limiter *RateLimiter, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		handlers:    make(map[string]interfaces.HandlerFunc),
		rateLimiter: limiter,
		logger:      logger,
	}
}

// Handle registers the handler for command
func (r *Router) Handle(command string, handler interfaces.HandlerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[command]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, command)
	}
	r.handlers[command] = handler
	return nil
}

// HandleAll registers every command in table
func (r *Router) HandleAll(table map[string]interfaces.HandlerFunc) error {
	for command, handler := range table {
		if err := r.Handle(command, handler); err != nil {
			return err
		}
	}
	return nil
}

// Commands reports how many commands are registered
func (r *Router) Commands() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Dispatch runs command for caller and always returns exactly one ack frame
func (r *Router) Dispatch(ctx context.Context, caller *interfaces.Caller, requestID, command string, data json.RawMessage) (ack *types.Frame) {
	started := time.Now()
	outcome := "ok"
	defer func() {
		metrics.ObserveRequest(command, outcome, started)
	}()

	r.mu.RLock()
	handler, exists := r.handlers[command]
	r.mu.RUnlock()

	if !exists {
		outcome = types.ReasonUnknownCommand
		return types.NewAckErrorFrame(requestID, types.ReasonUnknownCommand, fmt.Sprintf("%s: %s", ErrUnknownCommand, command))
	}

	// TECHNICAL DISCOVERY: Rate limiting applied per user before any handler work
	if r.rateLimiter != nil && !r.rateLimiter.Allow(caller.Principal.UserID) {
		outcome = types.ReasonRateLimited
		return types.NewAckErrorFrame(requestID, types.ReasonRateLimited, ErrRateLimitExceeded.Error())
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("command handler panicked",
				zap.String("command", command),
				zap.String("user", caller.Principal.UserID),
				zap.Any("panic", p))
			outcome = types.ReasonInternal
			ack = types.NewAckErrorFrame(requestID, types.ReasonInternal, "internal error")
		}
	}()

	result, err := handler(ctx, caller, data)
	if err != nil {
		reason, message := r.classify(command, caller, err)
		outcome = reason
		return types.NewAckErrorFrame(requestID, reason, message)
	}

	frame, err := types.NewAckFrame(requestID, result)
	if err != nil {
		r.logger.Error("failed to encode ack", zap.String("command", command), zap.Error(err))
		outcome = types.ReasonInternal
		return types.NewAckErrorFrame(requestID, types.ReasonInternal, "internal error")
	}
	return frame
}

// classify maps a handler error to an ack reason. Internal errors are logged
// and their details kept off the wire.
func (r *Router) classify(command string, caller *interfaces.Caller, err error) (string, string) {
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		return types.ReasonNotFound, err.Error()
	case errors.Is(err, types.ErrInvalidPayload):
		return types.ReasonBadRequest, err.Error()
	case errors.Is(err, interfaces.ErrForbidden), errors.Is(err, interfaces.ErrUnauthorized):
		return types.ReasonForbidden, err.Error()
	default:
		r.logger.Error("command failed",
			zap.String("command", command),
			zap.String("user", caller.Principal.UserID),
			zap.Error(err))
		return types.ReasonInternal, "internal error"
	}
}
