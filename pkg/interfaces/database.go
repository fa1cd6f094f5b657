package interfaces

import (
	"context"

	"classpulse/pkg/types"
)

// NotificationStore persists per-user notifications
type NotificationStore interface {
	// CreateNotification inserts a new notification
	CreateNotification(ctx context.Context, n *types.Notification) error

	// GetNotification returns ErrNotFound when the id does not exist
	GetNotification(ctx context.Context, id string) (*types.Notification, error)

	// ListNotifications returns up to limit notifications, newest first
	ListNotifications(ctx context.Context, userID string, limit int) ([]*types.Notification, error)

	// CountUnread returns the authoritative unread count for userID
	CountUnread(ctx context.Context, userID string) (int, error)

	// MarkNotificationRead flips read to true. changed is false when the
	// notification was already read.
	MarkNotificationRead(ctx context.Context, userID, id string) (changed bool, err error)

	// MarkAllNotificationsRead returns the ids that changed from unread to read
	MarkAllNotificationsRead(ctx context.Context, userID string) ([]string, error)

	// UpdateNotification rewrites title, message, type and metadata. It never
	// touches the read flag.
	UpdateNotification(ctx context.Context, n *types.Notification) error

	// DeleteNotification removes one notification owned by userID
	DeleteNotification(ctx context.Context, userID, id string) error

	// ClearNotifications removes every notification owned by userID and
	// returns the deleted ids
	ClearNotifications(ctx context.Context, userID string) ([]string, error)
}

// ActivityStore persists the append-only activity feed
type ActivityStore interface {
	// AppendActivity records a new feed entry
	AppendActivity(ctx context.Context, e *types.ActivityEvent) error

	// ListActivities returns matching events newest first
	ListActivities(ctx context.Context, filter types.ActivityFilter, limit, offset int) ([]*types.ActivityEvent, error)
}

// PresenceStore persists the last known presence record of each user
type PresenceStore interface {
	// SavePresence upserts the record for rec.UserID
	SavePresence(ctx context.Context, rec *types.PresenceRecord) error

	// GetPresence returns ErrNotFound when the user has never been seen
	GetPresence(ctx context.Context, userID string) (*types.PresenceRecord, error)
}

// DatabaseManager groups every persistence operation behind one lifecycle
// ARCHITECTURAL DISCOVERY: Single interface for all persistence operations
// enables consistent connection management and health reporting
type DatabaseManager interface {
	NotificationStore
	ActivityStore
	PresenceStore

	// HealthCheck verifies database connectivity and basic operations
	HealthCheck(ctx context.Context) error

	// Close closes the database connection and cleans up resources
	Close() error
}
