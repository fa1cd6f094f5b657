package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// peer is the far end of a test socket; it collects every text frame
type peer struct {
	mu       sync.Mutex
	messages [][]byte
}

func (p *peer) received() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.messages...)
}

// createTestWebSocketConnection dials a server that records what it reads
func createTestWebSocketConnection(t *testing.T) (*websocket.Conn, *peer) {
	t.Helper()
	p := &peer{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			p.mu.Lock()
			p.messages = append(p.messages, data)
			p.mu.Unlock()
		}
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn, p
}

func newTestConnection(t *testing.T, userID, sessionID string) (*Connection, *peer) {
	t.Helper()
	ws, p := createTestWebSocketConnection(t)
	conn := NewConnection(ws, DefaultSettings())
	t.Cleanup(func() { _ = conn.Close() })
	if userID != "" {
		require.NoError(t, conn.SetCredentials(userID, "student", sessionID))
	}
	return conn, p
}

func TestConnection_AuthenticationFlow(t *testing.T) {
	conn, _ := newTestConnection(t, "", "")

	assert.False(t, conn.IsAuthenticated())
	assert.Empty(t, conn.GetUserID())

	require.NoError(t, conn.SetCredentials("u1", "teacher", "s1"))
	assert.True(t, conn.IsAuthenticated())
	assert.Equal(t, "u1", conn.GetUserID())
	assert.Equal(t, "teacher", conn.GetRole())
	assert.Equal(t, "s1", conn.GetSessionID())
}

func TestConnection_WriteJSONAndRawPreserveOrder(t *testing.T) {
	conn, p := newTestConnection(t, "u1", "s1")

	require.NoError(t, conn.WriteJSON(map[string]int{"n": 1}))
	require.NoError(t, conn.WriteRaw([]byte(`{"n":2}`)))
	require.NoError(t, conn.WriteJSON(map[string]int{"n": 3}))

	require.Eventually(t, func() bool { return len(p.received()) == 3 }, time.Second, 5*time.Millisecond)
	for i, data := range p.received() {
		var got map[string]int
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, i+1, got["n"])
	}
}

func TestConnection_WriteJSONInvalidData(t *testing.T) {
	conn, _ := newTestConnection(t, "u1", "s1")
	assert.ErrorIs(t, conn.WriteJSON(make(chan int)), ErrInvalidJSON)
}

func TestConnection_CloseIdempotent(t *testing.T) {
	conn, _ := newTestConnection(t, "u1", "s1")

	require.NoError(t, conn.Close())
	assert.NotPanics(t, func() { _ = conn.Close() })

	select {
	case <-conn.Done():
	default:
		t.Fatal("Done should be closed after Close")
	}
}

func TestConnection_WriteAfterClose(t *testing.T) {
	conn, _ := newTestConnection(t, "u1", "s1")
	require.NoError(t, conn.Close())

	assert.ErrorIs(t, conn.WriteJSON(map[string]string{"a": "b"}), ErrConnectionClosed)
	assert.ErrorIs(t, conn.WriteRaw([]byte(`{}`)), ErrConnectionClosed)
}

func TestConnection_SlowConsumerDropped(t *testing.T) {
	ws, _ := createTestWebSocketConnection(t)
	// Zero-capacity buffer with no ready writer simulates a stalled reader
	conn := &Connection{conn: ws, writeCh: make(chan []byte), settings: DefaultSettings()}
	conn.ctx, conn.cancel = context.WithCancel(context.Background())

	assert.ErrorIs(t, conn.WriteRaw([]byte(`{}`)), ErrSlowConsumer)
	select {
	case <-conn.Done():
	default:
		t.Fatal("slow consumer should be closed")
	}
}

func TestConnection_ConcurrentWrites(t *testing.T) {
	conn, p := newTestConnection(t, "u1", "s1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				assert.NoError(t, conn.WriteJSON(map[string]int{"g": i, "j": j}))
			}
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(p.received()) == 50 }, 2*time.Second, 10*time.Millisecond)
}

func TestParseDevice(t *testing.T) {
	desktop := ParseDevice("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	assert.Equal(t, "Chrome", desktop.Browser)
	assert.Equal(t, "Windows", desktop.OS)
	assert.Equal(t, "desktop", desktop.Kind)

	phone := ParseDevice("Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1")
	assert.Equal(t, "mobile", phone.Kind)

	assert.Equal(t, "unknown", ParseDevice("").Kind)
}
