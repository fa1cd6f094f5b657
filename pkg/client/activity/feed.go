// Package activity keeps a bounded, filtered window of the activity stream.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"classpulse/pkg/client"
	"classpulse/pkg/client/internal/listeners"
	"classpulse/pkg/types"
)

// DefaultDisplayLimit bounds the window after live pushes
const DefaultDisplayLimit = 50

// Transport is the part of *client.Client the feed needs
type Transport interface {
	RequestInto(ctx context.Context, command string, payload, out any) error
	Subscribe(event string, handler client.Handler) func()
}

type Options struct {
	DisplayLimit int
	Logger       *zap.Logger
}

// Feed is the local newest-first activity window of one session
type Feed struct {
	transport    Transport
	logger       *zap.Logger
	displayLimit int

	mu      sync.RWMutex
	filter  types.ActivityFilter
	items   []types.ActivityEvent
	hasMore bool

	changes     listeners.Set[struct{}]
	unsubscribe func()
}

func New(transport Transport, opts Options) *Feed {
	if opts.DisplayLimit <= 0 {
		opts.DisplayLimit = DefaultDisplayLimit
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	f := &Feed{
		transport:    transport,
		logger:       opts.Logger,
		displayLimit: opts.DisplayLimit,
	}
	f.unsubscribe = transport.Subscribe(types.EventActivityNew, f.onNew)
	return f
}

// Close stops applying live pushes
func (f *Feed) Close() {
	f.unsubscribe()
}

// FetchPage loads one page. Offset 0 replaces the window and makes filter
// the active one; later offsets append to it.
func (f *Feed) FetchPage(ctx context.Context, filter types.ActivityFilter, limit, offset int) (*types.ActivityPage, error) {
	var page types.ActivityPage
	query := types.ActivityQuery{Filter: filter, Limit: limit, Offset: offset}
	if err := f.transport.RequestInto(ctx, types.EventActivitiesGet, query, &page); err != nil {
		return nil, err
	}

	f.mu.Lock()
	if offset == 0 {
		f.filter = filter
		f.items = f.items[:0:0]
	}
	seen := make(map[string]struct{}, len(f.items))
	for _, e := range f.items {
		seen[e.ID] = struct{}{}
	}
	for _, e := range page.Activities {
		if e == nil {
			continue
		}
		if _, dup := seen[e.ID]; dup {
			continue
		}
		seen[e.ID] = struct{}{}
		f.items = append(f.items, *e)
	}
	f.hasMore = page.HasMore
	f.mu.Unlock()

	f.changes.Notify(struct{}{})
	return &page, nil
}

// SetFilter switches the active filter and drops held items that no longer
// match. Call FetchPage with offset 0 to refill the window.
func (f *Feed) SetFilter(filter types.ActivityFilter) {
	f.mu.Lock()
	f.filter = filter
	kept := f.items[:0:0]
	for i := range f.items {
		if filter.Matches(&f.items[i]) {
			kept = append(kept, f.items[i])
		}
	}
	f.items = kept
	f.mu.Unlock()

	f.changes.Notify(struct{}{})
}

// Filter returns the active filter
func (f *Feed) Filter() types.ActivityFilter {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter
}

// Items returns a copy of the window, newest first
func (f *Feed) Items() []types.ActivityEvent {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]types.ActivityEvent(nil), f.items...)
}

// HasMore reports whether the last fetched page had a successor
func (f *Feed) HasMore() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.hasMore
}

// OnChange registers fn for every change of the window
func (f *Feed) OnChange(fn func()) func() {
	return f.changes.Add(func(struct{}) { fn() })
}

func (f *Feed) onNew(data json.RawMessage) error {
	var event types.ActivityEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("decode %s: %w", types.EventActivityNew, err)
	}

	f.mu.Lock()
	if !f.filter.Matches(&event) {
		f.mu.Unlock()
		return nil
	}
	for _, e := range f.items {
		if e.ID == event.ID {
			f.mu.Unlock()
			return nil
		}
	}
	f.items = append([]types.ActivityEvent{event}, f.items...)
	if len(f.items) > f.displayLimit {
		f.items = f.items[:f.displayLimit]
	}
	f.mu.Unlock()

	f.logger.Debug("activity received", zap.String("id", event.ID), zap.String("type", string(event.Type)))
	f.changes.Notify(struct{}{})
	return nil
}
