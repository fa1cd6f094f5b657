package types

import (
	"regexp"
	"strings"
)

// MaxPayloadBytes bounds the data section of a single frame
const MaxPayloadBytes = 64 * 1024

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// since validation runs on every inbound frame
var (
	userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	roomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_:.-]+$`)
)

// IsValidUserID checks if a user ID meets format requirements
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidRoomID checks room identifiers such as "class-5a" or "school:12"
func IsValidRoomID(room string) bool {
	if len(room) < 1 || len(room) > 100 {
		return false
	}
	return roomIDRegex.MatchString(room)
}

// IsValidActivityType reports whether t is one of the known feed event types
func IsValidActivityType(t ActivityType) bool {
	switch t {
	case ActivityLogin, ActivityLogout, ActivityRegistration,
		ActivityCourseCreate, ActivityCourseUpdate, ActivityAssignmentSubmit,
		ActivityAttendanceMark, ActivityExamCreate, ActivityResultPublish,
		ActivityMessageSend, ActivityNoticeCreate, ActivityOther:
		return true
	default:
		return false
	}
}

// NormalizeActivityType maps unknown types to the generic fallback
func NormalizeActivityType(t ActivityType) ActivityType {
	if IsValidActivityType(t) {
		return t
	}
	return ActivityOther
}

// IsValidPresenceStatus reports whether s is a known presence state
func IsValidPresenceStatus(s PresenceStatus) bool {
	return s == StatusOnline || s == StatusAway || s == StatusOffline
}

// UserRoom returns the personal room every session of userID is placed in
func UserRoom(userID string) string {
	return "user:" + userID
}

// Validate checks the frame envelope before it is dispatched
func (f *Frame) Validate() error {
	switch f.Type {
	case FrameEvent:
		if f.Event == "" {
			return ErrMissingEvent
		}
	case FrameRequest:
		if f.Event == "" {
			return ErrMissingEvent
		}
		if f.ID == "" {
			return ErrMissingCorrelationID
		}
	case FrameAck:
		if f.ID == "" {
			return ErrMissingCorrelationID
		}
		if f.Ack == nil {
			return ErrMissingAck
		}
	default:
		return ErrInvalidFrameType
	}
	if len(f.Data) > MaxPayloadBytes {
		return ErrContentTooLarge
	}
	return nil
}

// PresenceRoom returns the room whose members watch userID's presence
func PresenceRoom(userID string) string {
	return "presence:" + userID
}

// IsReservedRoom reports whether room is server-managed. Clients may not
// join reserved rooms directly.
func IsReservedRoom(room string) bool {
	return strings.HasPrefix(room, "user:") || strings.HasPrefix(room, "presence:")
}
