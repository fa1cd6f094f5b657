package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Realtime Metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "classpulse_active_connections",
			Help: "Number of open realtime connections on this node",
		},
	)

	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classpulse_frames_total",
			Help: "Frames processed by direction and type",
		},
		[]string{"direction", "type"}, // in/out, event/request/ack
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classpulse_request_duration_seconds",
			Help:    "Acknowledged request handling time",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command", "outcome"},
	)

	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classpulse_broadcasts_total",
			Help: "Push events broadcast by event name",
		},
		[]string{"event"},
	)

	PresenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classpulse_presence_transitions_total",
			Help: "Presence status changes by target status",
		},
		[]string{"status"},
	)

	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classpulse_auth_attempts_total",
			Help: "Realtime handshake authentication attempts",
		},
		[]string{"status"},
	)

	// HTTP Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classpulse_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classpulse_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Middleware records HTTP request counts and latency by route template
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// ObserveRequest records one acknowledged request
func ObserveRequest(command, outcome string, started time.Time) {
	RequestDuration.WithLabelValues(command, outcome).Observe(time.Since(started).Seconds())
}

// TrackFrame counts one frame in the given direction
func TrackFrame(direction, frameType string) {
	FramesTotal.WithLabelValues(direction, frameType).Inc()
}

// TrackBroadcast counts one push event
func TrackBroadcast(event string) {
	BroadcastsTotal.WithLabelValues(event).Inc()
}

// TrackPresence counts one presence transition
func TrackPresence(status string) {
	PresenceTransitions.WithLabelValues(status).Inc()
}

// TrackAuthAttempt records a handshake outcome
func TrackAuthAttempt(status string) {
	AuthAttempts.WithLabelValues(status).Inc()
}
