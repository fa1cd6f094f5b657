package presence

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

var ErrNotConnected = errors.New("user has no open connection")

// entry is the live state of one user on this node
type entry struct {
	connections int
	status      types.PresenceStatus
	lastSeen    time.Time
	offline     *time.Timer
	generation  uint64 // bumps whenever a pending offline is superseded
}

// Tracker derives presence from connection counts. Counts are per node
// unless SetCounter installs a shared counter.
// ARCHITECTURAL DISCOVERY: Watchers are ordinary rooms (presence:<user>) so a
// status update is just a room broadcast and follows the bus across nodes.
type Tracker struct {
	store       interfaces.PresenceStore
	broadcaster interfaces.Broadcaster
	membership  interfaces.RoomMembership
	counter     SessionCounter
	grace       time.Duration
	logger      *zap.Logger
	now         func() time.Time

	mu    sync.Mutex
	users map[string]*entry
}

// NewTracker creates a tracker. grace delays offline after the last
// connection closes; zero makes it immediate.
func NewTracker(store interfaces.PresenceStore, broadcaster interfaces.Broadcaster, membership interfaces.RoomMembership, grace time.Duration, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:       store,
		broadcaster: broadcaster,
		membership:  membership,
		counter:     newLocalCounter(),
		grace:       grace,
		logger:      logger,
		now:         time.Now,
		users:       make(map[string]*entry),
	}
}

// SetCounter shares session counts with other nodes. It must be called
// before the first Connect.
func (t *Tracker) SetCounter(counter SessionCounter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counter = counter
}

// Connect records a new session for userID. The first session anywhere makes
// the user online; a session arriving inside the grace window cancels the
// pending offline silently.
func (t *Tracker) Connect(ctx context.Context, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.users[userID]
	if !ok {
		e = &entry{status: types.StatusOffline}
		t.users[userID] = e
	}
	e.connections++
	total, err := t.counter.Incr(ctx, userID)
	if err != nil {
		t.logger.Warn("falling back to local session count", zap.String("user", userID), zap.Error(err))
		total = int64(e.connections)
	}

	superseded := e.offline != nil
	if superseded {
		e.offline.Stop()
		e.offline = nil
		e.generation++
	}
	if total > 1 {
		if e.status == types.StatusOffline {
			t.adoptLocked(ctx, userID, e)
		}
		return
	}
	if superseded && e.status != types.StatusOffline {
		return
	}

	t.transitionLocked(ctx, userID, e, types.StatusOnline)
}

// adoptLocked takes the status another node already announced for userID
func (t *Tracker) adoptLocked(ctx context.Context, userID string, e *entry) {
	e.status = types.StatusOnline
	e.lastSeen = t.now().UTC()
	if record, err := t.store.GetPresence(ctx, userID); err == nil && record.Status != types.StatusOffline {
		e.status = record.Status
		e.lastSeen = record.LastSeen
	}
}

// Disconnect records a closed session. When it was the last one on every
// node the user goes offline after the grace period unless a new session
// arrives first.
func (t *Tracker) Disconnect(ctx context.Context, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.users[userID]
	if !ok || e.connections == 0 {
		return
	}
	e.connections--
	remaining, err := t.counter.Decr(ctx, userID)
	if err != nil {
		t.logger.Warn("falling back to local session count", zap.String("user", userID), zap.Error(err))
		remaining = int64(e.connections)
	}
	if remaining > 0 {
		if e.connections == 0 {
			// still online through another node
			delete(t.users, userID)
		}
		return
	}

	if t.grace <= 0 {
		t.transitionLocked(ctx, userID, e, types.StatusOffline)
		return
	}

	e.generation++
	generation := e.generation
	e.offline = time.AfterFunc(t.grace, func() {
		t.expire(userID, generation)
	})
}

func (t *Tracker) expire(userID string, generation uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.users[userID]
	if !ok || e.generation != generation || e.connections > 0 {
		return
	}
	e.offline = nil

	ctx := context.Background()
	if total, err := t.counter.Count(ctx, userID); err == nil && total > 0 {
		delete(t.users, userID)
		return
	}
	t.transitionLocked(ctx, userID, e, types.StatusOffline)
}

// SetStatus applies an explicit away/online signal from a connected user
func (t *Tracker) SetStatus(ctx context.Context, userID string, status types.PresenceStatus) error {
	if status != types.StatusOnline && status != types.StatusAway {
		return fmt.Errorf("%w: status %q", types.ErrInvalidPayload, status)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.users[userID]
	if !ok || e.connections == 0 {
		return ErrNotConnected
	}
	if e.status == status {
		return nil
	}
	t.transitionLocked(ctx, userID, e, status)
	return nil
}

// transitionLocked persists and announces a status change. Holding the lock
// keeps announcements for one user in transition order.
func (t *Tracker) transitionLocked(ctx context.Context, userID string, e *entry, status types.PresenceStatus) {
	e.status = status
	e.lastSeen = t.now().UTC()

	record := &types.PresenceRecord{UserID: userID, Status: status, LastSeen: e.lastSeen}
	if err := t.store.SavePresence(ctx, record); err != nil {
		t.logger.Error("failed to persist presence", zap.String("user", userID), zap.Error(err))
	}
	if err := t.broadcaster.Broadcast(ctx, types.PresenceRoom(userID), types.EventUserStatusUpdate, record); err != nil {
		t.logger.Error("failed to broadcast presence", zap.String("user", userID), zap.Error(err))
	}
	metrics.TrackPresence(string(status))

	if status == types.StatusOffline {
		delete(t.users, userID)
	}
}

// GetStatus returns userID's presence and subscribes the calling session to
// later changes. Unknown users are offline with a zero last-seen.
func (t *Tracker) GetStatus(ctx context.Context, caller *interfaces.Caller, userID string) (*types.PresenceRecord, error) {
	if caller != nil && t.membership != nil {
		if err := t.membership.JoinRoom(caller.SessionID, types.PresenceRoom(userID)); err != nil {
			t.logger.Debug("could not add presence watcher", zap.String("session", caller.SessionID), zap.Error(err))
		}
	}

	t.mu.Lock()
	if e, ok := t.users[userID]; ok && e.status != types.StatusOffline {
		record := &types.PresenceRecord{UserID: userID, Status: e.status, LastSeen: e.lastSeen}
		t.mu.Unlock()
		return record, nil
	}
	t.mu.Unlock()

	record, err := t.store.GetPresence(ctx, userID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, interfaces.ErrNotFound) {
		return nil, err
	}
	return &types.PresenceRecord{UserID: userID, Status: types.StatusOffline}, nil
}

// Online reports how many users have a session on this node
func (t *Tracker) Online() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := 0
	for _, e := range t.users {
		if e.connections > 0 {
			count++
		}
	}
	return count
}

// Commands returns the acknowledged requests served by the tracker
func (t *Tracker) Commands() map[string]interfaces.HandlerFunc {
	return map[string]interfaces.HandlerFunc{
		types.EventUserGetStatus: t.handleGetStatus,
	}
}

func (t *Tracker) handleGetStatus(ctx context.Context, caller *interfaces.Caller, data json.RawMessage) (interface{}, error) {
	var query types.StatusQuery
	if err := types.DecodePayload(data, &query); err != nil {
		return nil, err
	}
	if !types.IsValidUserID(query.UserID) {
		return nil, fmt.Errorf("%w: userId", types.ErrInvalidPayload)
	}
	return t.GetStatus(ctx, caller, query.UserID)
}
