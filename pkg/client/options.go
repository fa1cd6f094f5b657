package client

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options configures a Client. Zero values take the defaults below.
type Options struct {
	// URL of the realtime endpoint, e.g. ws://localhost:8080/ws
	URL string

	ReconnectAttempts int           // default 5
	ReconnectDelay    time.Duration // first retry delay and linear step, default 1s
	ReconnectDelayMax time.Duration // default 5s
	RequestTimeout    time.Duration // default 10s
	ReadTimeout       time.Duration // default 60s; refreshed by pings and frames
	WriteTimeout      time.Duration // default 10s

	// Header is sent with every handshake in addition to Authorization
	Header http.Header
	Dialer *websocket.Dialer
	Logger *zap.Logger
}

const (
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = time.Second
	DefaultReconnectDelayMax = 5 * time.Second
	DefaultRequestTimeout    = 10 * time.Second
	DefaultReadTimeout       = 60 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
)

func (o Options) withDefaults() Options {
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = DefaultReconnectAttempts
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.ReconnectDelayMax <= 0 {
		o.ReconnectDelayMax = DefaultReconnectDelayMax
	}
	if o.ReconnectDelayMax < o.ReconnectDelay {
		o.ReconnectDelayMax = o.ReconnectDelay
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// backoff returns the delay before reconnect attempt n (1-based): linear
// growth by ReconnectDelay, capped at ReconnectDelayMax
func (o Options) backoff(attempt int) time.Duration {
	delay := time.Duration(attempt) * o.ReconnectDelay
	if delay > o.ReconnectDelayMax {
		return o.ReconnectDelayMax
	}
	return delay
}
