// Package presence caches the availability of users this session asked
// about and lets the session announce its own away/online status.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"classpulse/pkg/client"
	"classpulse/pkg/client/internal/listeners"
	"classpulse/pkg/types"
)

// Transport is the part of *client.Client the cache needs
type Transport interface {
	RequestInto(ctx context.Context, command string, payload, out any) error
	Subscribe(event string, handler client.Handler) func()
	Emit(event string, payload any) error
	OnStateChange(fn func(client.StateChange)) func()
}

// Cache holds the last known record per watched user. Asking for a user's
// status makes the session a watcher, so later changes arrive as pushes.
// FUNCTIONAL DISCOVERY: Watches live in server-side session state, so a new
// channel after a reconnect knows none of them. The cache asks again for
// every watched user each time the channel opens.
type Cache struct {
	transport Transport
	logger    *zap.Logger

	mu      sync.RWMutex
	records map[string]types.PresenceRecord
	watched map[string]struct{}

	ctx         context.Context
	cancel      context.CancelFunc
	rewatches   sync.WaitGroup
	changes     listeners.Set[types.PresenceRecord]
	unsubscribe []func()
}

func New(transport Transport, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		transport: transport,
		logger:    logger,
		records:   make(map[string]types.PresenceRecord),
		watched:   make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.unsubscribe = []func(){
		transport.Subscribe(types.EventUserStatusUpdate, c.onUpdate),
		transport.OnStateChange(c.onStateChange),
	}
	return c
}

// Close stops applying status pushes and abandons any re-watch in flight
func (c *Cache) Close() {
	for _, unsubscribe := range c.unsubscribe {
		unsubscribe()
	}
	c.cancel()
	c.rewatches.Wait()
}

// Watched returns the users whose status pushes this cache expects, sorted
func (c *Cache) Watched() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	users := make([]string, 0, len(c.watched))
	for userID := range c.watched {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// GetStatus asks the server for userID's status and caches the answer
func (c *Cache) GetStatus(ctx context.Context, userID string) (types.PresenceRecord, error) {
	if !types.IsValidUserID(userID) {
		return types.PresenceRecord{}, fmt.Errorf("%w: user id %q", types.ErrInvalidPayload, userID)
	}

	var record types.PresenceRecord
	if err := c.transport.RequestInto(ctx, types.EventUserGetStatus, types.StatusQuery{UserID: userID}, &record); err != nil {
		return types.PresenceRecord{}, err
	}
	if record.UserID == "" {
		record.UserID = userID
	}
	c.mu.Lock()
	c.watched[userID] = struct{}{}
	c.mu.Unlock()
	c.store(record)
	return record, nil
}

// onStateChange re-registers every watch on a freshly opened channel. It
// runs on the connecting goroutine, so the requests go out asynchronously.
func (c *Cache) onStateChange(change client.StateChange) {
	if change.State != client.StateOpen {
		return
	}
	users := c.Watched()
	if len(users) == 0 || c.ctx.Err() != nil {
		return
	}

	c.rewatches.Add(1)
	go func() {
		defer c.rewatches.Done()
		for _, userID := range users {
			if c.ctx.Err() != nil {
				return
			}
			if _, err := c.GetStatus(c.ctx, userID); err != nil {
				c.logger.Warn("failed to re-watch presence", zap.String("user", userID), zap.Error(err))
			}
		}
	}()
}

// Status returns the cached record for userID
func (c *Cache) Status(userID string) (types.PresenceRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	record, ok := c.records[userID]
	return record, ok
}

// SetAway announces this user as away to everyone watching
func (c *Cache) SetAway() error {
	return c.transport.Emit(types.EventUserSetStatus, types.StatusSignal{Status: types.StatusAway})
}

// SetOnline clears a previous SetAway
func (c *Cache) SetOnline() error {
	return c.transport.Emit(types.EventUserSetStatus, types.StatusSignal{Status: types.StatusOnline})
}

// OnChange registers fn for every record that changes in the cache
func (c *Cache) OnChange(fn func(types.PresenceRecord)) func() {
	return c.changes.Add(fn)
}

func (c *Cache) onUpdate(data json.RawMessage) error {
	var record types.PresenceRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return fmt.Errorf("decode %s: %w", types.EventUserStatusUpdate, err)
	}
	if record.UserID == "" {
		return fmt.Errorf("%s without userId", types.EventUserStatusUpdate)
	}
	c.store(record)
	return nil
}

func (c *Cache) store(record types.PresenceRecord) {
	c.mu.Lock()
	previous, known := c.records[record.UserID]
	c.records[record.UserID] = record
	c.mu.Unlock()

	if known && previous.Status == record.Status && previous.LastSeen.Equal(record.LastSeen) {
		return
	}
	c.logger.Debug("presence changed",
		zap.String("user", record.UserID),
		zap.String("status", string(record.Status)))
	c.changes.Notify(record)
}
