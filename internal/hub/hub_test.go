package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"classpulse/internal/fanout"
	"classpulse/internal/router"
	"classpulse/internal/websocket"
	"classpulse/pkg/interfaces"
	"classpulse/pkg/types"
)

type tokenAuth struct{}

func (tokenAuth) Authenticate(token string) (*types.Principal, error) {
	if token == "" {
		return nil, errors.New("missing token")
	}
	return &types.Principal{UserID: token, Role: "teacher"}, nil
}

type fakePresence struct {
	mu       sync.Mutex
	events   []string
	statuses []types.PresenceStatus
}

func (p *fakePresence) Connect(ctx context.Context, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "connect:"+userID)
}

func (p *fakePresence) Disconnect(ctx context.Context, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "disconnect:"+userID)
}

func (p *fakePresence) SetStatus(ctx context.Context, userID string, status types.PresenceStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, status)
	return nil
}

func (p *fakePresence) snapshot() ([]string, []types.PresenceStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...), append([]types.PresenceStatus(nil), p.statuses...)
}

type testEnv struct {
	hub      *Hub
	registry *websocket.Registry
	presence *fakePresence
	url      string
}

func startTestHub(t *testing.T) *testEnv {
	t.Helper()

	registry := websocket.NewRegistry()
	r := router.NewRouter(router.NewRateLimiter(100, time.Minute), zap.NewNop())
	require.NoError(t, r.Handle("echo", func(ctx context.Context, caller *interfaces.Caller, data json.RawMessage) (interface{}, error) {
		return map[string]string{"user": caller.Principal.UserID, "echo": string(data)}, nil
	}))

	presence := &fakePresence{}
	h := NewHub(registry, r, fanout.NewLocalBus(), presence, zap.NewNop())
	require.NoError(t, h.Start(context.Background()))

	server := httptest.NewServer(websocket.NewHandler(tokenAuth{}, h, websocket.DefaultSettings(), nil, zap.NewNop()))
	t.Cleanup(func() {
		server.Close()
		_ = h.Stop()
	})

	return &testEnv{
		hub:      h,
		registry: registry,
		presence: presence,
		url:      "ws" + strings.TrimPrefix(server.URL, "http"),
	}
}

func (e *testEnv) dial(t *testing.T, userID string) *gorilla.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+userID)
	conn, _, err := gorilla.DefaultDialer.Dial(e.url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *testEnv) sessionOf(t *testing.T, userID string) string {
	t.Helper()
	var sessionID string
	require.Eventually(t, func() bool {
		conns := e.registry.UserConnections(userID)
		if len(conns) == 0 {
			return false
		}
		sessionID = conns[0].GetSessionID()
		return true
	}, time.Second, 5*time.Millisecond)
	return sessionID
}

func readFrame(t *testing.T, conn *gorilla.Conn) *types.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame types.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return &frame
}

func sendEvent(t *testing.T, conn *gorilla.Conn, event string, payload interface{}) {
	t.Helper()
	frame, err := types.NewEventFrame(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(frame))
}

func TestHub_StartStop(t *testing.T) {
	h := NewHub(websocket.NewRegistry(), router.NewRouter(nil, nil), fanout.NewLocalBus(), nil, nil)
	ctx := context.Background()

	if err := h.Start(ctx); err != nil {
		t.Errorf("Expected no error starting hub, got %v", err)
	}
	if err := h.Start(ctx); err != ErrHubAlreadyRunning {
		t.Errorf("Expected ErrHubAlreadyRunning, got %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Errorf("Expected no error stopping hub, got %v", err)
	}
	if err := h.Stop(); err != ErrHubNotRunning {
		t.Errorf("Expected ErrHubNotRunning, got %v", err)
	}
}

func TestHub_RegisterRequiresRunningHub(t *testing.T) {
	h := NewHub(websocket.NewRegistry(), router.NewRouter(nil, nil), fanout.NewLocalBus(), nil, nil)
	assert.ErrorIs(t, h.Register(nil), ErrHubNotRunning)
}

func TestHub_RequestGetsAck(t *testing.T) {
	env := startTestHub(t)
	conn := env.dial(t, "u1")

	request, err := types.NewRequestFrame("req-1", "echo", map[string]int{"n": 1})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(request))

	ack := readFrame(t, conn)
	assert.Equal(t, types.FrameAck, ack.Type)
	assert.Equal(t, "req-1", ack.ID)
	require.True(t, ack.Ack.Success)

	var data map[string]string
	require.NoError(t, json.Unmarshal(ack.Ack.Data, &data))
	assert.Equal(t, "u1", data["user"])
	assert.JSONEq(t, `{"n":1}`, data["echo"])

	unknown, err := types.NewRequestFrame("req-2", "nope", nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(unknown))

	ack = readFrame(t, conn)
	assert.Equal(t, "req-2", ack.ID)
	assert.False(t, ack.Ack.Success)
	assert.Equal(t, types.ReasonUnknownCommand, ack.Ack.Error.Reason)
}

func TestHub_PersonalRoomReachesEverySession(t *testing.T) {
	env := startTestHub(t)
	first := env.dial(t, "u1")
	second := env.dial(t, "u1")
	other := env.dial(t, "u2")

	require.Eventually(t, func() bool {
		return len(env.registry.UserConnections("u1")) == 2 && len(env.registry.UserConnections("u2")) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, env.hub.Broadcast(context.Background(), types.UserRoom("u1"), types.EventNotificationNew, map[string]string{"id": "n1"}))

	for _, conn := range []*gorilla.Conn{first, second} {
		frame := readFrame(t, conn)
		assert.Equal(t, types.FrameEvent, frame.Type)
		assert.Equal(t, types.EventNotificationNew, frame.Event)
		assert.JSONEq(t, `{"id":"n1"}`, string(frame.Data))
	}

	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "u2 must not receive u1's notification")
}

func TestHub_JoinAndLeaveRoom(t *testing.T) {
	env := startTestHub(t)
	conn := env.dial(t, "u1")
	session := env.sessionOf(t, "u1")

	sendEvent(t, conn, types.EventJoinRoom, types.RoomPayload{Room: "class-5a"})
	require.Eventually(t, func() bool {
		return len(env.registry.RoomConnections("class-5a")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, env.registry.Rooms(session), "class-5a")

	require.NoError(t, env.hub.Broadcast(context.Background(), "class-5a", types.EventActivityNew, map[string]string{"id": "a1"}))
	frame := readFrame(t, conn)
	assert.Equal(t, types.EventActivityNew, frame.Event)

	sendEvent(t, conn, types.EventLeaveRoom, types.RoomPayload{Room: "class-5a"})
	require.Eventually(t, func() bool {
		return len(env.registry.RoomConnections("class-5a")) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestHub_ReservedRoomRejected(t *testing.T) {
	env := startTestHub(t)
	conn := env.dial(t, "u1")
	env.sessionOf(t, "u1")

	sendEvent(t, conn, types.EventJoinRoom, types.RoomPayload{Room: types.UserRoom("u2")})

	frame := readFrame(t, conn)
	assert.Equal(t, types.EventSystemError, frame.Event)
	assert.Contains(t, string(frame.Data), ErrReservedRoom.Error())
	assert.Empty(t, env.registry.RoomConnections(types.UserRoom("u2")))
}

func TestHub_UnknownSignalReported(t *testing.T) {
	env := startTestHub(t)
	conn := env.dial(t, "u1")

	sendEvent(t, conn, "dance", nil)

	frame := readFrame(t, conn)
	assert.Equal(t, types.EventSystemError, frame.Event)
	assert.Contains(t, string(frame.Data), "dance")
}

func TestHub_PresenceLifecycle(t *testing.T) {
	env := startTestHub(t)
	conn := env.dial(t, "u1")
	env.sessionOf(t, "u1")

	sendEvent(t, conn, types.EventUserSetStatus, types.StatusSignal{Status: types.StatusAway})
	require.Eventually(t, func() bool {
		_, statuses := env.presence.snapshot()
		return len(statuses) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		events, _ := env.presence.snapshot()
		return len(events) == 2
	}, time.Second, 5*time.Millisecond)

	events, statuses := env.presence.snapshot()
	assert.Equal(t, []string{"connect:u1", "disconnect:u1"}, events)
	assert.Equal(t, []types.PresenceStatus{types.StatusAway}, statuses)
	assert.Empty(t, env.registry.UserConnections("u1"))
	assert.Equal(t, 0, env.hub.Stats()["total_connections"])
}
