package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"classpulse/pkg/types"
)

const goodToken = "good-token"

// fakeServer speaks the frame protocol with scripted answers
type fakeServer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*fakeConn
	dials    int
	reject   bool
	respond  func(frame *types.Frame) *types.Frame
	received [][]types.Frame // per connection
}

type fakeConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *fakeConn) write(frame *types.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(frame)
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{t: t}
	fs.server = httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(fs.close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.server.URL, "http") + "/ws"
}

func (fs *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	fs.dials++
	reject := fs.reject
	fs.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+goodToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &fakeConn{ws: ws}

	fs.mu.Lock()
	index := len(fs.received)
	fs.conns = append(fs.conns, conn)
	fs.received = append(fs.received, nil)
	fs.mu.Unlock()

	for {
		var frame types.Frame
		if err := ws.ReadJSON(&frame); err != nil {
			return
		}
		fs.mu.Lock()
		fs.received[index] = append(fs.received[index], frame)
		respond := fs.respond
		fs.mu.Unlock()

		if frame.Type == types.FrameRequest && respond != nil {
			if ack := respond(&frame); ack != nil {
				_ = conn.write(ack)
			}
		}
	}
}

func (fs *fakeServer) setRespond(fn func(frame *types.Frame) *types.Frame) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.respond = fn
}

func (fs *fakeServer) setReject(reject bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.reject = reject
}

func (fs *fakeServer) connections() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.conns)
}

func (fs *fakeServer) dialCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.dials
}

// framesOn returns what connection index has sent so far
func (fs *fakeServer) framesOn(index int) []types.Frame {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if index >= len(fs.received) {
		return nil
	}
	return append([]types.Frame(nil), fs.received[index]...)
}

// push sends an event to every live connection
func (fs *fakeServer) push(event string, payload any) {
	frame, err := types.NewEventFrame(event, payload)
	if err != nil {
		fs.t.Fatalf("encode push: %v", err)
	}
	fs.mu.Lock()
	conns := append([]*fakeConn(nil), fs.conns...)
	fs.mu.Unlock()
	for _, c := range conns {
		_ = c.write(frame)
	}
}

// drop kills every connection without a close handshake
func (fs *fakeServer) drop() {
	fs.mu.Lock()
	conns := fs.conns
	fs.conns = nil
	fs.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.UnderlyingConn().Close()
	}
}

func (fs *fakeServer) close() {
	fs.drop()
	fs.server.Close()
}

func echoAck(frame *types.Frame) *types.Frame {
	ack, _ := types.NewAckFrame(frame.ID, json.RawMessage(frame.Data))
	return ack
}
