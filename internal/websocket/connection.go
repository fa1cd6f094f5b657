package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mileusna/useragent"

	"classpulse/pkg/interfaces"
)

// Settings tunes every connection created by the handler
type Settings struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

// DefaultSettings returns the 30s heartbeat / 60s read deadline profile
func DefaultSettings() Settings {
	return Settings{
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		BufferSize:   100,
	}
}

// Device is the parsed User-Agent of the browser behind a session
type Device struct {
	Browser string `json:"browser"`
	OS      string `json:"os"`
	Kind    string `json:"kind"`
}

// ParseDevice classifies a User-Agent header
func ParseDevice(header string) Device {
	if header == "" {
		return Device{Kind: "unknown"}
	}
	ua := useragent.Parse(header)

	kind := "desktop"
	switch {
	case ua.Bot:
		kind = "bot"
	case ua.Tablet:
		kind = "tablet"
	case ua.Mobile:
		kind = "mobile"
	}
	return Device{Browser: ua.Name, OS: ua.OS, Kind: kind}
}

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions
// Interface boundary maintained - no business logic in connection wrapper
type Connection struct {
	conn          *websocket.Conn
	settings      Settings
	writeCh       chan []byte
	userID        string
	role          string
	sessionID     string
	device        Device
	connectedAt   time.Time
	authenticated bool
	ctx           context.Context
	cancel        context.CancelFunc
	closeOnce     sync.Once
	mu            sync.RWMutex // Protect auth fields
}

var _ interfaces.Connection = (*Connection)(nil)

// NewConnection wraps conn and starts its single writer goroutine
func NewConnection(conn *websocket.Conn, settings Settings) *Connection {
	if settings.BufferSize <= 0 {
		settings.BufferSize = DefaultSettings().BufferSize
	}
	if settings.WriteTimeout <= 0 {
		settings.WriteTimeout = DefaultSettings().WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:        conn,
		settings:    settings,
		writeCh:     make(chan []byte, settings.BufferSize),
		connectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
	}

	go c.writeLoop()

	return c
}

// ARCHITECTURAL DISCOVERY: Single writer goroutine owns frames and pings alike,
// so gorilla's one-concurrent-writer rule holds without extra locks
func (c *Connection) writeLoop() {
	var ping <-chan time.Time
	if c.settings.PingInterval > 0 {
		ticker := time.NewTicker(c.settings.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}

		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.settings.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON encodes v and queues it, waiting up to the write timeout for room
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	timer := time.NewTimer(c.settings.WriteTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- data:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// WriteRaw queues an encoded frame without waiting. A reader that lets its
// buffer fill is disconnected so one slow tab cannot stall a broadcast.
func (c *Connection) WriteRaw(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		_ = c.Close()
		return ErrSlowConsumer
	}
}

// Close stops the writer and closes the socket; safe to call repeatedly
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed once the connection has been closed
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// SetCredentials attaches the authenticated principal
func (c *Connection) SetCredentials(userID, role, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.userID = userID
	c.role = role
	c.sessionID = sessionID
	c.authenticated = true

	return nil
}

// SetDevice records the parsed User-Agent
func (c *Connection) SetDevice(d Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.device = d
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Connection) GetUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) GetRole() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Connection) GetSessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Connection) GetDevice() Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.device
}

// ConnectedAt returns when the socket was accepted
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}
