package interfaces

import (
	"context"
	"encoding/json"

	"classpulse/pkg/types"
)

// Broadcaster delivers a push event to every session joined to room.
// Per-user delivery uses the personal room types.UserRoom(userID).
type Broadcaster interface {
	Broadcast(ctx context.Context, room, event string, payload interface{}) error
}

// RoomMembership lets engines scope a session into server-side rooms
type RoomMembership interface {
	JoinRoom(sessionID, room string) error
	LeaveRoom(sessionID, room string)
}

// Caller identifies the session a request arrived on
type Caller struct {
	SessionID string
	Principal types.Principal
}

// CommandRouter answers acknowledged requests. Every call produces exactly
// one ack frame for the given correlation id.
type CommandRouter interface {
	Dispatch(ctx context.Context, caller *Caller, requestID, command string, data json.RawMessage) *types.Frame
}

// Authenticator resolves an opaque bearer token to a principal
type Authenticator interface {
	Authenticate(token string) (*types.Principal, error)
}

// HandlerFunc answers one acknowledged request. The returned value becomes
// the ack data; a returned error becomes a failed ack.
type HandlerFunc func(ctx context.Context, caller *Caller, data json.RawMessage) (interface{}, error)
