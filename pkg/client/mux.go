package client

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler receives the raw data of one push event
type Handler func(data json.RawMessage) error

// Mux fans named events out to subscribed handlers.
// ARCHITECTURAL DISCOVERY: Features share one event name space and never
// see each other's handlers; a failing handler only loses its own event.
type Mux struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
	logger *zap.Logger
}

type subscription struct {
	id      uint64
	handler Handler
}

func NewMux(logger *zap.Logger) *Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mux{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
}

// Subscribe registers handler for event. The returned function removes
// exactly this registration and may be called any number of times.
func (m *Mux) Subscribe(event string, handler Handler) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs[event] = append(m.subs[event], subscription{id: id, handler: handler})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { m.remove(event, id) })
	}
}

func (m *Mux) remove(event string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subs[event]
	for i, sub := range subs {
		if sub.id != id {
			continue
		}
		// copy so a Publish iterating the old slice is unaffected
		rest := make([]subscription, 0, len(subs)-1)
		rest = append(rest, subs[:i]...)
		rest = append(rest, subs[i+1:]...)
		if len(rest) == 0 {
			delete(m.subs, event)
		} else {
			m.subs[event] = rest
		}
		return
	}
}

// Publish delivers data to every handler of event in registration order on
// the calling goroutine. It returns how many handlers were invoked.
func (m *Mux) Publish(event string, data json.RawMessage) int {
	m.mu.RLock()
	subs := m.subs[event]
	m.mu.RUnlock()

	for _, sub := range subs {
		if err := m.invoke(sub.handler, data); err != nil {
			m.logger.Warn("event handler failed", zap.String("event", event), zap.Error(err))
		}
	}
	return len(subs)
}

// Handlers reports how many handlers are registered for event
func (m *Mux) Handlers(event string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[event])
}

func (m *Mux) invoke(handler Handler, data json.RawMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return handler(data)
}
