package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var (
	ErrBusClosed         = errors.New("fanout bus is closed")
	ErrAlreadySubscribed = errors.New("fanout bus already has a subscriber")
)

// Envelope is one room broadcast travelling between nodes. Frame holds the
// already-encoded wire frame so every node writes identical bytes.
type Envelope struct {
	Room  string          `json:"room"`
	Event string          `json:"event"`
	Frame json.RawMessage `json:"frame"`
}

// Bus carries broadcasts to every node, the publishing node included
// ARCHITECTURAL DISCOVERY: Delivering the sender's own broadcasts through the
// bus gives one delivery path and one ordering for local and remote rooms
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(handler func(Envelope)) error
	Close() error
}

// LocalBus delivers synchronously inside one process
type LocalBus struct {
	mu      sync.RWMutex
	handler func(Envelope)
	closed  bool
}

// NewLocalBus creates a single-node bus
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

// Publish hands env to the subscriber on the caller's goroutine
func (b *LocalBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}
	if b.handler != nil {
		b.handler(env)
	}
	return nil
}

// Subscribe installs the single delivery handler
func (b *LocalBus) Subscribe(handler func(Envelope)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if b.handler != nil {
		return ErrAlreadySubscribed
	}
	b.handler = handler
	return nil
}

// Close stops delivery; later publishes fail
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handler = nil
	return nil
}
