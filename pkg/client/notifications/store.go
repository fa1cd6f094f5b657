// Package notifications keeps a session's local, newest-first copy of its
// notifications in step with the server through an initial fetch plus
// pushed deltas.
package notifications

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

// Transport is the part of *client.Client the store needs
type Transport interface {
	RequestInto(ctx context.Context, command string, payload, out any) error
	Subscribe(event string, handler client.Handler) func()
}

// Store is the materialized notification list of one session.
// FUNCTIONAL DISCOVERY: unread is always derived from the held items, so it
// can never drift or go negative whatever order deltas arrive in.
type Store struct {
	transport Transport
	logger    *zap.Logger

	mu    sync.Mutex
	items []*types.Notification

	changes     listeners.Set[struct{}]
	unsubscribe []func()
}

// New builds an empty store and starts applying pushes from transport
func New(transport Transport, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{transport: transport, logger: logger}
	s.unsubscribe = []func(){
		transport.Subscribe(types.EventNotificationNew, s.onNew),
		transport.Subscribe(types.EventNotificationUpdate, s.onUpdate),
		transport.Subscribe(types.EventNotificationDelete, s.onDelete),
	}
	return s
}

// Close stops applying pushes. The held list stays readable.
func (s *Store) Close() {
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
}

// FetchInitial replaces the local list with the newest limit notifications.
// It returns the server's unread count, which also covers notifications
// beyond limit.
func (s *Store) FetchInitial(ctx context.Context, limit int) (int, error) {
	var list types.NotificationList
	if err := s.transport.RequestInto(ctx, types.EventNotificationsGet, types.NotificationsQuery{Limit: limit}, &list); err != nil {
		return 0, err
	}

	items := make([]*types.Notification, 0, len(list.Notifications))
	seen := make(map[string]struct{}, len(list.Notifications))
	for _, n := range list.Notifications {
		if n == nil {
			continue
		}
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}
		items = append(items, clone(n))
	}

	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
	s.changed()
	return list.UnreadCount, nil
}

// MarkRead marks id read locally at once and then on the server. A failed
// request leaves the local change in place and returns the error.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	s.mu.Lock()
	changed := false
	if n := s.find(id); n != nil && !n.Read {
		n.Read = true
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.changed()
	}

	var updated types.Notification
	if err := s.transport.RequestInto(ctx, types.EventNotificationRead, types.NotificationRef{ID: id}, &updated); err != nil {
		return err
	}
	if updated.ID != "" {
		s.apply(&updated)
	}
	return nil
}

// MarkAllRead marks every held notification read, then asks the server
func (s *Store) MarkAllRead(ctx context.Context) error {
	s.mu.Lock()
	changed := false
	for _, n := range s.items {
		if !n.Read {
			n.Read = true
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.changed()
	}

	return s.transport.RequestInto(ctx, types.EventNotificationsReadAll, struct{}{}, nil)
}

// ClearAll empties the local list, then asks the server to delete everything
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	changed := len(s.items) > 0
	s.items = nil
	s.mu.Unlock()
	if changed {
		s.changed()
	}

	return s.transport.RequestInto(ctx, types.EventNotificationsClearAll, struct{}{}, nil)
}

// Notifications returns a copy of the held list, newest first
func (s *Store) Notifications() []types.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Notification, 0, len(s.items))
	for _, n := range s.items {
		out = append(out, *clone(n))
	}
	return out
}

// UnreadCount is the number of held notifications with read=false
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	unread := 0
	for _, n := range s.items {
		if !n.Read {
			unread++
		}
	}
	return unread
}

// OnChange registers fn for every local mutation
func (s *Store) OnChange(fn func()) func() {
	return s.changes.Add(func(struct{}) { fn() })
}

func (s *Store) onNew(data json.RawMessage) error {
	var n types.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode %s: %w", types.EventNotificationNew, err)
	}
	if n.ID == "" {
		return fmt.Errorf("%s without id", types.EventNotificationNew)
	}

	s.mu.Lock()
	if s.find(n.ID) != nil {
		s.mu.Unlock()
		s.logger.Debug("ignoring duplicate notification", zap.String("id", n.ID))
		return nil
	}
	s.items = append([]*types.Notification{&n}, s.items...)
	s.mu.Unlock()

	s.changed()
	return nil
}

func (s *Store) onUpdate(data json.RawMessage) error {
	var n types.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode %s: %w", types.EventNotificationUpdate, err)
	}
	s.apply(&n)
	return nil
}

func (s *Store) onDelete(data json.RawMessage) error {
	var ref types.NotificationRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return fmt.Errorf("decode %s: %w", types.EventNotificationDelete, err)
	}

	s.mu.Lock()
	removed := false
	for i, n := range s.items {
		if n.ID == ref.ID {
			s.items = append(s.items[:i:i], s.items[i+1:]...)
			removed = true
			break
		}
	}
	s.mu.Unlock()

	if removed {
		s.changed()
	}
	return nil
}

// apply replaces a held notification with the server's version. Read never
// goes back to unread locally.
func (s *Store) apply(update *types.Notification) {
	s.mu.Lock()
	current := s.find(update.ID)
	if current == nil {
		s.mu.Unlock()
		return
	}
	read := current.Read || update.Read
	*current = *clone(update)
	current.Read = read
	s.mu.Unlock()

	s.changed()
}

// find must be called with mu held
func (s *Store) find(id string) *types.Notification {
	for _, n := range s.items {
		if n.ID == id {
			return n
		}
	}
	return nil
}

func (s *Store) changed() {
	s.changes.Notify(struct{}{})
}

func clone(n *types.Notification) *types.Notification {
	c := *n
	if n.Metadata != nil {
		c.Metadata = make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
