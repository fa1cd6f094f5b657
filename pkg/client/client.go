package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"classpulse/pkg/client/internal/listeners"
	"classpulse/pkg/types"
)

// Client owns the single realtime channel of one session together with its
// event multiplexer, pending requests and remembered rooms.
// ARCHITECTURAL DISCOVERY: Everything that writes to the socket goes through
// the client so there is exactly one writer and one reader per channel.
type Client struct {
	opts   Options
	logger *zap.Logger
	mux    *Mux

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	token      string
	generation uint64
	done       chan struct{} // closed by Close to stop a reconnect loop
	rooms      map[string]struct{}

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan result

	// observers run outside every client lock so they may call back in
	observers listeners.Set[StateChange]
}

// New builds a disconnected client
func New(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:    opts,
		logger:  opts.Logger,
		mux:     NewMux(opts.Logger),
		state:   StateClosed,
		rooms:   make(map[string]struct{}),
		pending: make(map[string]chan result),
	}
}

// State returns the current channel state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers fn for every later state transition
func (c *Client) OnStateChange(fn func(StateChange)) func() {
	return c.observers.Add(fn)
}

// Subscribe registers handler for pushes named event
func (c *Client) Subscribe(event string, handler Handler) func() {
	return c.mux.Subscribe(event, handler)
}

// Publish delivers data to local subscribers of event without touching the
// network
func (c *Client) Publish(event string, data json.RawMessage) int {
	return c.mux.Publish(event, data)
}

// Connect opens the channel with token. It is a no-op while the channel is
// already open or being established.
func (c *Client) Connect(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("%w: token is required", ErrAuthentication)
	}

	c.mu.Lock()
	if c.state != StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.token = token
	c.done = make(chan struct{})
	c.mu.Unlock()
	c.observers.Notify(StateChange{State: StateConnecting})

	conn, err := c.dial(ctx, token)
	if err != nil {
		if c.transition(StateConnecting, StateClosed) {
			c.observers.Notify(StateChange{State: StateClosed, Err: err})
		}
		return err
	}

	if err := c.attach(conn); err != nil {
		return err
	}
	return nil
}

// transition moves from -> to and reports whether it happened
func (c *Client) transition(from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	return true
}

func (c *Client) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	header := http.Header{}
	for k, v := range c.opts.Header {
		header[k] = v
	}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: server answered %d", ErrAuthentication, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return conn, nil
}

// attach installs a freshly dialled socket, re-joins remembered rooms and
// only then reports the channel open
func (c *Client) attach(conn *websocket.Conn) error {
	c.mu.Lock()
	if c.state != StateConnecting && c.state != StateReconnecting {
		c.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: client closed while connecting", ErrConnection)
	}
	c.conn = conn
	c.generation++
	generation := c.generation
	rooms := c.roomsLocked()
	c.mu.Unlock()

	for _, room := range rooms {
		if err := c.writeSignal(conn, types.EventJoinRoom, types.RoomPayload{Room: room}); err != nil {
			c.logger.Warn("failed to re-join room", zap.String("room", room), zap.Error(err))
		}
	}

	go c.readLoop(conn, generation)

	c.mu.Lock()
	if c.generation != generation || c.conn != conn {
		c.mu.Unlock()
		return fmt.Errorf("%w: connection replaced while opening", ErrConnection)
	}
	c.state = StateOpen
	c.mu.Unlock()

	c.logger.Debug("realtime channel open", zap.Int("rooms", len(rooms)))
	c.observers.Notify(StateChange{State: StateOpen})
	return nil
}

// Close tears the session down at any point, including mid-reconnect.
// Pending requests fail with NotConnected. Calling Close again is harmless.
func (c *Client) Close() error {
	c.mu.Lock()
	previous := c.state
	conn := c.conn
	c.state = StateClosed
	c.conn = nil
	c.generation++
	c.rooms = make(map[string]struct{})
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}

	c.failPending(errors.New("client closed"))

	if previous != StateClosed {
		c.observers.Notify(StateChange{State: StateClosed})
	}
	return nil
}

// readLoop is the only reader of conn. Pushes are published in arrival order.
func (c *Client) readLoop(conn *websocket.Conn, generation uint64) {
	refresh := func() {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	}
	refresh()
	conn.SetPingHandler(func(data string) error {
		refresh()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.opts.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		refresh()
		return nil
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(generation, err)
			return
		}
		refresh()
		if messageType != websocket.TextMessage {
			continue
		}

		var frame types.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case types.FrameAck:
			c.resolve(frame.ID, frame.Ack)
		case types.FrameEvent:
			c.mux.Publish(frame.Event, frame.Data)
		default:
			c.logger.Debug("ignoring frame", zap.String("type", frame.Type))
		}
	}
}

// handleDisconnect reacts to an unexpected read failure on the current socket
func (c *Client) handleDisconnect(generation uint64, cause error) {
	c.mu.Lock()
	// a socket that dies while attach is still re-joining rooms counts too
	if c.generation != generation || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.state = StateReconnecting
	done := c.done
	token := c.token
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.logger.Info("realtime channel lost", zap.Error(cause))
	c.failPending(cause)
	c.observers.Notify(StateChange{State: StateReconnecting, Err: cause})

	go c.reconnect(token, done)
}

// reconnect retries with linear backoff until it succeeds, the attempts run
// out or Close is called
func (c *Client) reconnect(token string, done chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()

	var lastErr error
	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		timer := time.NewTimer(c.opts.backoff(attempt))
		select {
		case <-done:
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, err := c.dial(ctx, token)
		if err == nil {
			if err := c.attach(conn); err != nil {
				c.logger.Debug("reconnect abandoned", zap.Error(err))
			}
			return
		}
		lastErr = err
		c.logger.Debug("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))

		// a rejected token will not improve with retries
		if errors.Is(err, ErrAuthentication) {
			break
		}
	}

	if !c.transition(StateReconnecting, StateClosed) {
		return
	}
	c.mu.Lock()
	c.rooms = make(map[string]struct{})
	c.mu.Unlock()

	exhausted := ErrReconnectionExhausted
	if lastErr != nil {
		exhausted = fmt.Errorf("%w: %w", ErrReconnectionExhausted, lastErr)
	}
	c.logger.Warn("realtime channel closed", zap.Error(exhausted))
	c.observers.Notify(StateChange{State: StateClosed, Err: exhausted})
}

// writeSignal sends a fire-and-forget event frame on conn
func (c *Client) writeSignal(conn *websocket.Conn, event string, payload any) error {
	frame, err := types.NewEventFrame(event, payload)
	if err != nil {
		return err
	}
	return c.write(conn, frame)
}

func (c *Client) write(conn *websocket.Conn, frame *types.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return conn.WriteJSON(frame)
}

// openConn returns the live socket or nil when the channel is not open
func (c *Client) openConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return nil
	}
	return c.conn
}

// Emit sends a fire-and-forget event. It fails with ErrNotConnected unless
// the channel is open.
func (c *Client) Emit(event string, payload any) error {
	conn := c.openConn()
	if conn == nil {
		return ErrNotConnected
	}
	return c.writeSignal(conn, event, payload)
}
