package types

import (
	"encoding/json"
	"time"
)

// Frame types carried in the "type" field of every wire frame
const (
	FrameEvent   = "event"
	FrameRequest = "request"
	FrameAck     = "ack"
)

// Event names. Every feature owns its own prefix so the shared name space
// never collides.
const (
	// Notifications
	EventNotificationsGet      = "notifications:get"
	EventNotificationRead      = "notification:read"
	EventNotificationsReadAll  = "notifications:read-all"
	EventNotificationsClearAll = "notifications:clear-all"
	EventNotificationNew       = "notification:new"
	EventNotificationUpdate    = "notification:update"
	EventNotificationDelete    = "notification:delete"

	// Activity
	EventActivitiesGet = "activities:get"
	EventActivityNew   = "activity:new"

	// Presence
	EventUserGetStatus    = "user:get-status"
	EventUserStatusUpdate = "user:status-update"
	EventUserSetStatus    = "user:set-status"

	// Room control
	EventJoinRoom  = "join-room"
	EventLeaveRoom = "leave-room"

	// System
	EventSystemError = "system:error"
)

// Ack failure reasons produced by the server
const (
	ReasonBadRequest     = "BadRequest"
	ReasonNotFound       = "NotFound"
	ReasonRateLimited    = "RateLimited"
	ReasonUnknownCommand = "UnknownCommand"
	ReasonForbidden      = "Forbidden"
	ReasonInternal       = "Internal"
)

// Frame is the single envelope exchanged over the realtime channel.
// ARCHITECTURAL DISCOVERY: one envelope for pushes, requests and acks keeps
// the transport a plain message pipe; correlation lives in ID only.
type Frame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   *Ack            `json:"ack,omitempty"`
}

// Ack is the single correlated response to a request frame
type Ack struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *AckError       `json:"error,omitempty"`
}

// AckError carries a machine-readable reason plus a human message
type AckError struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Principal is the authenticated identity behind a session
type Principal struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// RoomPayload is the body of join-room / leave-room signals
type RoomPayload struct {
	Room string `json:"room" validate:"required,max=100"`
}

// Notification is a per-user notice. The server is the source of truth.
type Notification struct {
	ID        string         `json:"id" db:"id"`
	UserID    string         `json:"userId" db:"user_id"`
	Type      string         `json:"type" db:"type"`
	Title     string         `json:"title" db:"title"`
	Message   string         `json:"message" db:"message"`
	Metadata  map[string]any `json:"metadata,omitempty" db:"-"`
	Read      bool           `json:"read" db:"is_read"`
	CreatedAt time.Time      `json:"createdAt" db:"created_at"`
}

// NotificationList answers notifications:get
type NotificationList struct {
	Notifications []*Notification `json:"notifications"`
	UnreadCount   int             `json:"unreadCount"`
}

// NotificationsQuery is the payload of notifications:get
type NotificationsQuery struct {
	Limit int `json:"limit" validate:"min=0,max=100"`
}

// NotificationRef identifies one notification in read/delete payloads
type NotificationRef struct {
	ID string `json:"id" validate:"required"`
}

// ActivityType enumerates the domain events shown in the feed
type ActivityType string

const (
	ActivityLogin            ActivityType = "login"
	ActivityLogout           ActivityType = "logout"
	ActivityRegistration     ActivityType = "registration"
	ActivityCourseCreate     ActivityType = "course_create"
	ActivityCourseUpdate     ActivityType = "course_update"
	ActivityAssignmentSubmit ActivityType = "assignment_submit"
	ActivityAttendanceMark   ActivityType = "attendance_mark"
	ActivityExamCreate       ActivityType = "exam_create"
	ActivityResultPublish    ActivityType = "result_publish"
	ActivityMessageSend      ActivityType = "message_send"
	ActivityNoticeCreate     ActivityType = "notice_create"
	ActivityOther            ActivityType = "other"
)

// ActivityEvent is an append-only feed entry
type ActivityEvent struct {
	ID          string         `json:"id" db:"id"`
	UserID      string         `json:"userId" db:"user_id"`
	Type        ActivityType   `json:"type" db:"type"`
	Description string         `json:"description" db:"description"`
	Metadata    map[string]any `json:"metadata,omitempty" db:"-"`
	CreatedAt   time.Time      `json:"createdAt" db:"created_at"`
}

// ActivityFilter narrows a feed by actor and/or event type. Zero values match everything.
type ActivityFilter struct {
	UserID string       `json:"userId,omitempty"`
	Type   ActivityType `json:"type,omitempty"`
}

// Matches reports whether the event passes the filter
func (f ActivityFilter) Matches(e *ActivityEvent) bool {
	if e == nil {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	return true
}

// ActivityQuery is the payload of activities:get
type ActivityQuery struct {
	Filter ActivityFilter `json:"filter"`
	Limit  int            `json:"limit" validate:"min=0,max=100"`
	Offset int            `json:"offset" validate:"min=0"`
}

// ActivityPage is a bounded, contiguous newest-first slice of the feed
type ActivityPage struct {
	Activities []*ActivityEvent `json:"activities"`
	HasMore    bool             `json:"hasMore"`
}

// PresenceStatus is the user-visible availability state
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

// PresenceRecord is the one logical presence entry per user
type PresenceRecord struct {
	UserID   string         `json:"userId" db:"user_id"`
	Status   PresenceStatus `json:"status" db:"status"`
	LastSeen time.Time      `json:"lastSeen" db:"last_seen"`
}

// StatusQuery is the payload of user:get-status
type StatusQuery struct {
	UserID string `json:"userId" validate:"required"`
}

// StatusSignal is the payload of user:set-status
type StatusSignal struct {
	Status PresenceStatus `json:"status" validate:"required,oneof=online away"`
}
