package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"classpulse/pkg/interfaces"
	"classpulse/pkg/types"
)

// Listing bounds for notifications:get
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// CreateInput is what a producer supplies for a new notification
type CreateInput struct {
	UserID   string         `json:"userId" validate:"required,max=50"`
	Type     string         `json:"type" validate:"required,max=50"`
	Title    string         `json:"title" validate:"required,max=200"`
	Message  string         `json:"message" validate:"max=2000"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Patch rewrites selected fields of an existing notification. Nil fields are
// left untouched.
type Patch struct {
	Type     *string        `json:"type,omitempty" validate:"omitempty,max=50"`
	Title    *string        `json:"title,omitempty" validate:"omitempty,max=200"`
	Message  *string        `json:"message,omitempty" validate:"omitempty,max=2000"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Service owns the notification lifecycle: persistence first, then the push
// to every session of the owner through their personal room.
type Service struct {
	store       interfaces.NotificationStore
	broadcaster interfaces.Broadcaster
	logger      *zap.Logger
	now         func() time.Time
}

func NewService(store interfaces.NotificationStore, broadcaster interfaces.Broadcaster, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       store,
		broadcaster: broadcaster,
		logger:      logger,
		now:         time.Now,
	}
}

// Create persists a new unread notification and pushes notification:new
func (s *Service) Create(ctx context.Context, input CreateInput) (*types.Notification, error) {
	if !types.IsValidUserID(input.UserID) {
		return nil, fmt.Errorf("%w: userId", types.ErrInvalidPayload)
	}
	if input.Title == "" || input.Type == "" {
		return nil, fmt.Errorf("%w: type and title are required", types.ErrInvalidPayload)
	}

	n := &types.Notification{
		ID:        uuid.New().String(),
		UserID:    input.UserID,
		Type:      input.Type,
		Title:     input.Title,
		Message:   input.Message,
		Metadata:  input.Metadata,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to store notification: %w", err)
	}

	s.push(ctx, n.UserID, types.EventNotificationNew, n)
	return n, nil
}

// List returns the newest notifications of userID with the unread count
// taken from the store rather than the returned window.
func (s *Service) List(ctx context.Context, userID string, limit int) (*types.NotificationList, error) {
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	items, err := s.store.ListNotifications(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	unread, err := s.store.CountUnread(ctx, userID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*types.Notification{}
	}
	return &types.NotificationList{Notifications: items, UnreadCount: unread}, nil
}

// MarkRead marks one notification read. Repeating it is harmless: the
// update push only goes out when the flag actually flipped.
func (s *Service) MarkRead(ctx context.Context, userID, id string) (*types.Notification, error) {
	changed, err := s.store.MarkNotificationRead(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	if changed {
		s.push(ctx, userID, types.EventNotificationUpdate, n)
	}
	return n, nil
}

// MarkAllRead flips every unread notification of userID and pushes
// notification:update for each one so the user's other sessions follow
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	ids, err := s.store.MarkAllNotificationsRead(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		n, err := s.store.GetNotification(ctx, id)
		if err != nil {
			// deleted since; its delete push covers it
			s.logger.Debug("skipping update push", zap.String("id", id), zap.Error(err))
			continue
		}
		s.push(ctx, userID, types.EventNotificationUpdate, n)
	}
	return int64(len(ids)), nil
}

// ClearAll deletes every notification of userID and pushes
// notification:delete for each one
func (s *Service) ClearAll(ctx context.Context, userID string) (int64, error) {
	ids, err := s.store.ClearNotifications(ctx, userID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.push(ctx, userID, types.EventNotificationDelete, types.NotificationRef{ID: id})
	}
	return int64(len(ids)), nil
}

// Update applies a producer-side edit and pushes notification:update
func (s *Service) Update(ctx context.Context, id string, patch Patch) (*types.Notification, error) {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Type != nil {
		n.Type = *patch.Type
	}
	if patch.Title != nil {
		if *patch.Title == "" {
			return nil, fmt.Errorf("%w: title cannot be empty", types.ErrInvalidPayload)
		}
		n.Title = *patch.Title
	}
	if patch.Message != nil {
		n.Message = *patch.Message
	}
	if patch.Metadata != nil {
		n.Metadata = patch.Metadata
	}

	if err := s.store.UpdateNotification(ctx, n); err != nil {
		return nil, err
	}
	// re-read: a concurrent notification:read may have flipped the flag
	updated, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	s.push(ctx, updated.UserID, types.EventNotificationUpdate, updated)
	return updated, nil
}

// Delete removes one notification and tells the owner's sessions
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if err := s.store.DeleteNotification(ctx, userID, id); err != nil {
		return err
	}
	s.push(ctx, userID, types.EventNotificationDelete, types.NotificationRef{ID: id})
	return nil
}

// push is best effort: the record is already durable and the client
// resynchronises through notifications:get.
func (s *Service) push(ctx context.Context, userID, event string, payload interface{}) {
	if err := s.broadcaster.Broadcast(ctx, types.UserRoom(userID), event, payload); err != nil {
		s.logger.Warn("notification push failed",
			zap.String("user", userID),
			zap.String("event", event),
			zap.Error(err))
	}
}

// Commands returns the acknowledged requests a session may send
func (s *Service) Commands() map[string]interfaces.HandlerFunc {
	return map[string]interfaces.HandlerFunc{
		types.EventNotificationsGet:      s.handleGet,
		types.EventNotificationRead:      s.handleRead,
		types.EventNotificationsReadAll:  s.handleReadAll,
		types.EventNotificationsClearAll: s.handleClearAll,
	}
}

func (s *Service) handleGet(ctx context.Context, caller *interfaces.Caller, data json.RawMessage) (interface{}, error) {
	var query types.NotificationsQuery
	if err := types.DecodePayload(data, &query); err != nil {
		return nil, err
	}
	return s.List(ctx, caller.Principal.UserID, query.Limit)
}

func (s *Service) handleRead(ctx context.Context, caller *interfaces.Caller, data json.RawMessage) (interface{}, error) {
	var ref types.NotificationRef
	if err := types.DecodePayload(data, &ref); err != nil {
		return nil, err
	}
	return s.MarkRead(ctx, caller.Principal.UserID, ref.ID)
}

func (s *Service) handleReadAll(ctx context.Context, caller *interfaces.Caller, data json.RawMessage) (interface{}, error) {
	updated, err := s.MarkAllRead(ctx, caller.Principal.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"updated": updated}, nil
}

func (s *Service) handleClearAll(ctx context.Context, caller *interfaces.Caller, data json.RawMessage) (interface{}, error) {
	deleted, err := s.ClearAll(ctx, caller.Principal.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]int64{"deleted": deleted}, nil
}
