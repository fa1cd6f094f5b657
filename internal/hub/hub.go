package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"classpulse/internal/fanout"
	"classpulse/internal/metrics"
	"classpulse/internal/websocket"
	"classpulse/pkg/interfaces"
	"classpulse/pkg/types"
)

// PresenceTracker is told about every session that opens or closes
type PresenceTracker interface {
	Connect(ctx context.Context, userID string)
	Disconnect(ctx context.Context, userID string)
	SetStatus(ctx context.Context, userID string, status types.PresenceStatus) error
}

// Hub coordinates connection state, signals and broadcast delivery
// ARCHITECTURAL DISCOVERY: One goroutine owns registration, unregistration and
// room signals so presence sees connects and disconnects in a single order.
// Requests run on the connection's read goroutine and broadcasts are
// delivered from the bus subscription, so neither can stall the loop.
type Hub struct {
	registerChannel   chan *registration
	unregisterChannel chan *websocket.Connection
	signalChannel     chan *signal
	shutdownChannel   chan struct{}
	stopped           chan struct{}

	registry *websocket.Registry
	router   interfaces.CommandRouter
	bus      fanout.Bus
	presence PresenceTracker
	logger   *zap.Logger

	running bool
	mu      sync.RWMutex
}

type registration struct {
	conn   *websocket.Connection
	result chan error
}

// signal is a fire-and-forget event frame from a client
type signal struct {
	conn  *websocket.Connection
	frame *types.Frame
}

var (
	_ websocket.Sink         = (*Hub)(nil)
	_ interfaces.Broadcaster = (*Hub)(nil)
)

// NewHub creates a new hub
func NewHub(registry *websocket.Registry, router interfaces.CommandRouter, bus fanout.Bus, presence PresenceTracker, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		registerChannel:   make(chan *registration, 100),
		unregisterChannel: make(chan *websocket.Connection, 100),
		signalChannel:     make(chan *signal, 1000),
		shutdownChannel:   make(chan struct{}),
		stopped:           make(chan struct{}),
		registry:          registry,
		router:            router,
		bus:               bus,
		presence:          presence,
		logger:            logger,
	}
}

// SetPresence attaches the tracker after construction; the tracker itself
// broadcasts through the hub
func (h *Hub) SetPresence(presence PresenceTracker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.presence = presence
}

// Start subscribes to the bus and begins processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	if err := h.bus.Subscribe(h.deliver); err != nil {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
		return fmt.Errorf("failed to subscribe to fanout bus: %w", err)
	}

	h.logger.Info("hub started")
	go h.run(ctx)

	return nil
}

// Stop ends processing and closes every live connection
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	h.mu.Unlock()

	<-h.stopped

	for _, conn := range h.registry.All() {
		_ = conn.Close()
	}
	h.logger.Info("hub stopped")
	return nil
}

func (h *Hub) isRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Register adds conn and waits until the hub has recorded it, so frames
// read afterwards always see a registered session
func (h *Hub) Register(conn *websocket.Connection) error {
	if !h.isRunning() {
		return ErrHubNotRunning
	}

	reg := &registration{conn: conn, result: make(chan error, 1)}
	select {
	case h.registerChannel <- reg:
	default:
		return ErrRegisterChannelFull
	}

	select {
	case err := <-reg.result:
		return err
	case <-h.stopped:
		return ErrHubNotRunning
	}
}

// Unregister queues removal of conn
func (h *Hub) Unregister(conn *websocket.Connection) {
	if !h.isRunning() {
		return
	}
	select {
	case h.unregisterChannel <- conn:
	case <-h.stopped:
	}
}

// HandleFrame answers requests inline and queues signals for the hub loop
func (h *Hub) HandleFrame(conn *websocket.Connection, frame *types.Frame) {
	switch frame.Type {
	case types.FrameRequest:
		h.handleRequest(conn, frame)

	case types.FrameEvent:
		if !h.isRunning() {
			return
		}
		select {
		case h.signalChannel <- &signal{conn: conn, frame: frame}:
		default:
			h.notifyError(conn, ErrSignalChannelFull)
		}

	default:
		h.logger.Debug("ignoring client frame", zap.String("type", frame.Type), zap.String("session", conn.GetSessionID()))
	}
}

func (h *Hub) handleRequest(conn *websocket.Connection, frame *types.Frame) {
	caller := &interfaces.Caller{
		SessionID: conn.GetSessionID(),
		Principal: types.Principal{UserID: conn.GetUserID(), Role: conn.GetRole()},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ack := h.router.Dispatch(ctx, caller, frame.ID, frame.Event, frame.Data)
	if err := conn.WriteJSON(ack); err != nil {
		h.logger.Debug("failed to write ack", zap.String("session", caller.SessionID), zap.Error(err))
		return
	}
	metrics.TrackFrame("out", types.FrameAck)
}

// Broadcast encodes the event once and publishes it for every node
func (h *Hub) Broadcast(ctx context.Context, room, event string, payload interface{}) error {
	frame, err := types.NewEventFrame(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", event, err)
	}

	if err := h.bus.Publish(ctx, fanout.Envelope{Room: room, Event: event, Frame: data}); err != nil {
		return err
	}
	metrics.TrackBroadcast(event)
	return nil
}

// deliver writes a bus envelope to every local member of its room
func (h *Hub) deliver(env fanout.Envelope) {
	for _, conn := range h.registry.RoomConnections(env.Room) {
		if err := conn.WriteRaw(env.Frame); err != nil {
			h.logger.Debug("dropped broadcast",
				zap.String("room", env.Room),
				zap.String("event", env.Event),
				zap.String("session", conn.GetSessionID()),
				zap.Error(err))
			continue
		}
		metrics.TrackFrame("out", types.FrameEvent)
	}
}

// run is the main hub processing loop
func (h *Hub) run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case reg := <-h.registerChannel:
			reg.result <- h.handleRegistration(ctx, reg.conn)

		case conn := <-h.unregisterChannel:
			h.handleDeregistration(ctx, conn)

		case sig := <-h.signalChannel:
			h.handleSignal(ctx, sig)

		case <-h.shutdownChannel:
			return

		case <-ctx.Done():
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) handleRegistration(ctx context.Context, conn *websocket.Connection) error {
	if _, err := h.registry.RegisterConnection(conn); err != nil {
		return err
	}
	metrics.ActiveConnections.Inc()

	h.logger.Info("session opened",
		zap.String("user", conn.GetUserID()),
		zap.String("role", conn.GetRole()),
		zap.String("session", conn.GetSessionID()),
		zap.String("device", conn.GetDevice().Kind),
		zap.String("browser", conn.GetDevice().Browser))

	if p := h.tracker(); p != nil {
		p.Connect(ctx, conn.GetUserID())
	}
	return nil
}

func (h *Hub) handleDeregistration(ctx context.Context, conn *websocket.Connection) {
	remaining, ok := h.registry.UnregisterConnection(conn)
	if !ok {
		return
	}
	metrics.ActiveConnections.Dec()

	h.logger.Info("session closed",
		zap.String("user", conn.GetUserID()),
		zap.String("session", conn.GetSessionID()),
		zap.Int("remaining", remaining))

	if p := h.tracker(); p != nil {
		p.Disconnect(ctx, conn.GetUserID())
	}
}

func (h *Hub) handleSignal(ctx context.Context, sig *signal) {
	conn, frame := sig.conn, sig.frame

	var err error
	switch frame.Event {
	case types.EventJoinRoom:
		var payload types.RoomPayload
		if err = types.DecodePayload(frame.Data, &payload); err == nil {
			if types.IsReservedRoom(payload.Room) {
				err = ErrReservedRoom
			} else {
				err = h.registry.JoinRoom(conn.GetSessionID(), payload.Room)
			}
		}

	case types.EventLeaveRoom:
		var payload types.RoomPayload
		if err = types.DecodePayload(frame.Data, &payload); err == nil && !types.IsReservedRoom(payload.Room) {
			h.registry.LeaveRoom(conn.GetSessionID(), payload.Room)
		}

	case types.EventUserSetStatus:
		var payload types.StatusSignal
		if err = types.DecodePayload(frame.Data, &payload); err == nil {
			if p := h.tracker(); p != nil {
				err = p.SetStatus(ctx, conn.GetUserID(), payload.Status)
			}
		}

	default:
		err = fmt.Errorf("%w: %s", ErrUnknownSignal, frame.Event)
	}

	if err != nil {
		h.logger.Debug("signal rejected",
			zap.String("event", frame.Event),
			zap.String("session", conn.GetSessionID()),
			zap.Error(err))
		h.notifyError(conn, err)
	}
}

// notifyError pushes a system:error notice to one session
func (h *Hub) notifyError(conn *websocket.Connection, cause error) {
	frame, err := types.NewEventFrame(types.EventSystemError, &types.AckError{
		Reason:  types.ReasonBadRequest,
		Message: cause.Error(),
	})
	if err != nil {
		return
	}
	_ = conn.WriteJSON(frame)
}

func (h *Hub) tracker() PresenceTracker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.presence
}

// Stats reports registry counters for the operational API
func (h *Hub) Stats() map[string]int {
	return h.registry.GetStats()
}
