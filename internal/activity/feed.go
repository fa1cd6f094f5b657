package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"classpulse/pkg/interfaces"
	"classpulse/pkg/types"
)

// Page bounds for activities:get
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// RecordInput describes one domain event reported by a producer
type RecordInput struct {
	UserID      string             `json:"userId" validate:"required,max=50"`
	Type        types.ActivityType `json:"type"`
	Description string             `json:"description" validate:"max=1000"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
}

// Feed appends activity events and streams them to interested rooms.
// TECHNICAL DISCOVERY: ksuid ids sort by creation second, which keeps
// ids and created_at ordering in agreement for operators reading the table.
type Feed struct {
	store       interfaces.ActivityStore
	broadcaster interfaces.Broadcaster
	logger      *zap.Logger
	now         func() time.Time
}

func NewFeed(store interfaces.ActivityStore, broadcaster interfaces.Broadcaster, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
		now:         time.Now,
	}
}

// Record appends an event and pushes activity:new to rooms, or to the
// actor's personal room when no rooms are given. Unknown types are stored
// as "other".
func (f *Feed) Record(ctx context.Context, input RecordInput, rooms ...string) (*types.ActivityEvent, error) {
	if !types.IsValidUserID(input.UserID) {
		return nil, fmt.Errorf("%w: userId", types.ErrInvalidPayload)
	}
	for _, room := range rooms {
		if !types.IsValidRoomID(room) {
			return nil, fmt.Errorf("%w: room %q", types.ErrInvalidPayload, room)
		}
	}

	now := f.now().UTC()
	id, err := ksuid.NewRandomWithTime(now)
	if err != nil {
		return nil, fmt.Errorf("failed to generate activity id: %w", err)
	}

	event := &types.ActivityEvent{
		ID:          id.String(),
		UserID:      input.UserID,
		Type:        types.NormalizeActivityType(input.Type),
		Description: input.Description,
		Metadata:    input.Metadata,
		CreatedAt:   now,
	}
	if err := f.store.AppendActivity(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to store activity: %w", err)
	}

	if len(rooms) == 0 {
		rooms = []string{types.UserRoom(event.UserID)}
	}
	for _, room := range rooms {
		if err := f.broadcaster.Broadcast(ctx, room, types.EventActivityNew, event); err != nil {
			f.logger.Warn("activity push failed",
				zap.String("room", room),
				zap.String("activity", event.ID),
				zap.Error(err))
		}
	}
	return event, nil
}

// Page returns a newest-first window of the feed. One extra row is read
// to learn whether anything lies beyond the window.
func (f *Feed) Page(ctx context.Context, filter types.ActivityFilter, limit, offset int) (*types.ActivityPage, error) {
	switch {
	case limit <= 0:
		limit = DefaultPageLimit
	case limit > MaxPageLimit:
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	if filter.Type != "" && !types.IsValidActivityType(filter.Type) {
		return nil, fmt.Errorf("%w: activity type %q", types.ErrInvalidPayload, filter.Type)
	}

	events, err := f.store.ListActivities(ctx, filter, limit+1, offset)
	if err != nil {
		return nil, err
	}

	page := &types.ActivityPage{Activities: events, HasMore: len(events) > limit}
	if page.HasMore {
		page.Activities = events[:limit]
	}
	if page.Activities == nil {
		page.Activities = []*types.ActivityEvent{}
	}
	return page, nil
}

// Commands returns the acknowledged requests served by the feed
func (f *Feed) Commands() map[string]interfaces.HandlerFunc {
	return map[string]interfaces.HandlerFunc{
		types.EventActivitiesGet: f.handleGet,
	}
}

func (f *Feed) handleGet(ctx context.Context, caller *interfaces.Caller, data json.RawMessage) (interface{}, error) {
	var query types.ActivityQuery
	if err := types.DecodePayload(data, &query); err != nil {
		return nil, err
	}
	return f.Page(ctx, query.Filter, query.Limit, query.Offset)
}
