package client

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"classpulse/pkg/types"
)

// JoinRoom asks the server to add this session to room. The room is
// remembered and re-joined after a reconnect. When the channel is not open
// the call is logged and ignored.
func (c *Client) JoinRoom(room string) error {
	if !types.IsValidRoomID(room) || types.IsReservedRoom(room) {
		return fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}

	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		c.logger.Info("join-room ignored while not connected", zap.String("room", room))
		return nil
	}
	conn := c.conn
	c.rooms[room] = struct{}{}
	c.mu.Unlock()

	if err := c.writeSignal(conn, types.EventJoinRoom, types.RoomPayload{Room: room}); err != nil {
		// still remembered, so the reconnect path re-joins it
		c.logger.Warn("join-room not sent", zap.String("room", room), zap.Error(err))
	}
	return nil
}

// LeaveRoom forgets room and, when open, tells the server
func (c *Client) LeaveRoom(room string) error {
	if !types.IsValidRoomID(room) {
		return fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}

	c.mu.Lock()
	delete(c.rooms, room)
	var conn = c.conn
	if c.state != StateOpen {
		conn = nil
	}
	c.mu.Unlock()

	if conn == nil {
		c.logger.Info("leave-room not sent while not connected", zap.String("room", room))
		return nil
	}
	if err := c.writeSignal(conn, types.EventLeaveRoom, types.RoomPayload{Room: room}); err != nil {
		c.logger.Warn("leave-room not sent", zap.String("room", room), zap.Error(err))
	}
	return nil
}

// Rooms returns the remembered rooms in sorted order
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomsLocked()
}

func (c *Client) roomsLocked() []string {
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}
