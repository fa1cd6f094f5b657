package websocket

import (
	"sort"
	"sync"

	"classpulse/pkg/interfaces"
	"classpulse/pkg/types"
)

// Registry tracks live sessions and the rooms they have joined
// ARCHITECTURAL DISCOVERY: Pure connection management without business logic
// maintains clean separation between connection tracking and delivery policy
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Connection            // sessionID -> Connection
	users       map[string]map[string]*Connection // userID -> sessionID -> Connection
	rooms       map[string]map[string]*Connection // room -> sessionID -> Connection
	memberships map[string]map[string]struct{}    // sessionID -> rooms
}

var _ interfaces.RoomMembership = (*Registry)(nil)

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		sessions:    make(map[string]*Connection),
		users:       make(map[string]map[string]*Connection),
		rooms:       make(map[string]map[string]*Connection),
		memberships: make(map[string]map[string]struct{}),
	}
}

// RegisterConnection adds a session and places it in its personal room.
// A user may hold any number of sessions at once (one per tab or device).
// It returns how many sessions the user had before this one.
func (r *Registry) RegisterConnection(conn *Connection) (int, error) {
	if conn == nil {
		return 0, ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return 0, ErrConnectionNotAuthenticated
	}

	userID := conn.GetUserID()
	sessionID := conn.GetSessionID()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[sessionID] = conn

	if r.users[userID] == nil {
		r.users[userID] = make(map[string]*Connection)
	}
	previous := len(r.users[userID])
	r.users[userID][sessionID] = conn

	r.joinLocked(sessionID, conn, types.UserRoom(userID))
	return previous, nil
}

// UnregisterConnection removes a session from every room it joined.
// It returns how many sessions the user still has and whether the session
// was registered at all.
func (r *Registry) UnregisterConnection(conn *Connection) (int, bool) {
	if conn == nil {
		return 0, false
	}

	userID := conn.GetUserID()
	sessionID := conn.GetSessionID()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Only the registered instance may remove its session
	if registered, ok := r.sessions[sessionID]; !ok || registered != conn {
		return len(r.users[userID]), false
	}
	delete(r.sessions, sessionID)

	for room := range r.memberships[sessionID] {
		r.leaveLocked(sessionID, room)
	}
	delete(r.memberships, sessionID)

	remaining := 0
	if userSessions, ok := r.users[userID]; ok {
		delete(userSessions, sessionID)
		remaining = len(userSessions)
		if remaining == 0 {
			delete(r.users, userID)
		}
	}
	return remaining, true
}

// JoinRoom adds a registered session to room. Joins are additive and repeat
// joins are no-ops.
func (r *Registry) JoinRoom(sessionID, room string) error {
	if !types.IsValidRoomID(room) {
		return ErrInvalidRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionNotRegistered
	}
	r.joinLocked(sessionID, conn, room)
	return nil
}

// LeaveRoom removes a session from room; unknown memberships are ignored
func (r *Registry) LeaveRoom(sessionID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(sessionID, room)
}

func (r *Registry) joinLocked(sessionID string, conn *Connection, room string) {
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]*Connection)
	}
	r.rooms[room][sessionID] = conn

	if r.memberships[sessionID] == nil {
		r.memberships[sessionID] = make(map[string]struct{})
	}
	r.memberships[sessionID][room] = struct{}{}
}

func (r *Registry) leaveLocked(sessionID, room string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if joined, ok := r.memberships[sessionID]; ok {
		delete(joined, room)
	}
}

// RoomConnections returns a snapshot of the sessions joined to room
func (r *Registry) RoomConnections(room string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	connections := make([]*Connection, 0, len(members))
	for _, conn := range members {
		connections = append(connections, conn)
	}
	return connections
}

// All returns a snapshot of every registered session
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connections := make([]*Connection, 0, len(r.sessions))
	for _, conn := range r.sessions {
		connections = append(connections, conn)
	}
	return connections
}

// UserConnections returns every live session of userID
func (r *Registry) UserConnections(userID string) []*Connection {
	return r.RoomConnections(types.UserRoom(userID))
}

// GetSession returns the connection registered under sessionID
func (r *Registry) GetSession(sessionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.sessions[sessionID]
	return conn, ok
}

// Rooms lists the rooms a session has joined, sorted
func (r *Registry) Rooms(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.memberships[sessionID]))
	for room := range r.memberships[sessionID] {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// SessionInfo describes one live session for the operational API
type SessionInfo struct {
	SessionID string   `json:"sessionId"`
	UserID    string   `json:"userId"`
	Role      string   `json:"role"`
	Device    Device   `json:"device"`
	Rooms     []string `json:"rooms"`
}

// Sessions lists every live session of userID
func (r *Registry) Sessions(userID string) []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(r.users[userID]))
	for sessionID, conn := range r.users[userID] {
		rooms := make([]string, 0, len(r.memberships[sessionID]))
		for room := range r.memberships[sessionID] {
			rooms = append(rooms, room)
		}
		sort.Strings(rooms)
		infos = append(infos, SessionInfo{
			SessionID: sessionID,
			UserID:    userID,
			Role:      conn.GetRole(),
			Device:    conn.GetDevice(),
			Rooms:     rooms,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].SessionID < infos[j].SessionID })
	return infos
}

// GetStats returns registry statistics for monitoring
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	shared := 0
	for room := range r.rooms {
		if !types.IsReservedRoom(room) {
			shared++
		}
	}

	return map[string]int{
		"total_connections": len(r.sessions),
		"online_users":      len(r.users),
		"active_rooms":      shared,
	}
}
