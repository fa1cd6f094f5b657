package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"classpulse/internal/activity"
	"classpulse/internal/metrics"
	"classpulse/internal/notification"
	"classpulse/internal/websocket"
	"classpulse/pkg/interfaces"
	"classpulse/pkg/types"
)

// APIKeyHeader carries the shared secret of producer services
const APIKeyHeader = "X-API-Key"

// Notifications is the producer side of the notification engine
type Notifications interface {
	Create(ctx context.Context, input notification.CreateInput) (*types.Notification, error)
	Update(ctx context.Context, id string, patch notification.Patch) (*types.Notification, error)
	Delete(ctx context.Context, userID, id string) error
}

// Activities is the producer side of the activity feed
type Activities interface {
	Record(ctx context.Context, input activity.RecordInput, rooms ...string) (*types.ActivityEvent, error)
}

// Presence answers status lookups without adding a watcher
type Presence interface {
	GetStatus(ctx context.Context, caller *interfaces.Caller, userID string) (*types.PresenceRecord, error)
}

// Registry exposes live session state
type Registry interface {
	Sessions(userID string) []websocket.SessionInfo
	GetStats() map[string]int
}

// HealthChecker is satisfied by the database manager
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies groups what the HTTP surface talks to
type Dependencies struct {
	Notifications Notifications
	Activities    Activities
	Presence      Presence
	Broadcaster   interfaces.Broadcaster
	Registry      Registry
	Database      HealthChecker
	Realtime      http.Handler
}

// ARCHITECTURAL DISCOVERY: HTTP API layer is a thin adapter between producer
// services and the engines. No business logic lives here.
type Server struct {
	deps    Dependencies
	apiKey  string
	engine  *gin.Engine
	logger  *zap.Logger
	started time.Time
}

// NewServer builds the gin engine. An empty apiKey leaves /api open.
func NewServer(deps Dependencies, apiKey string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		deps:    deps,
		apiKey:  apiKey,
		engine:  gin.New(),
		logger:  logger,
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.Use(gin.Recovery(), metrics.Middleware())

	s.engine.GET("/health", s.healthCheck)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if s.deps.Realtime != nil {
		s.engine.GET("/ws", gin.WrapH(s.deps.Realtime))
	}

	api := s.engine.Group("/api")
	api.Use(s.apiKeyMiddleware())
	{
		api.POST("/notifications", s.createNotification)
		api.PATCH("/notifications/:id", s.updateNotification)
		api.DELETE("/users/:user/notifications/:id", s.deleteNotification)
		api.GET("/users/:user/sessions", s.listSessions)
		api.POST("/activities", s.recordActivity)
		api.POST("/rooms/:room/events", s.broadcastToRoom)
		api.GET("/presence/:user", s.getPresence)
		api.GET("/stats", s.stats)
	}
}

// ServeHTTP lets the server be mounted on a plain http.Server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// ErrorResponse is the body of every non-2xx answer
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ActivityRequest is a producer activity plus the rooms it is shown in
type ActivityRequest struct {
	activity.RecordInput
	Rooms []string `json:"rooms,omitempty" validate:"max=50"`
}

// RoomEventRequest is an arbitrary push to one room
type RoomEventRequest struct {
	Event string          `json:"event" validate:"required,max=100"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Connections map[string]int         `json:"connections"`
	System      map[string]interface{} `json:"system"`
}

func (s *Server) createNotification(c *gin.Context) {
	var input notification.CreateInput
	if !s.bind(c, &input) {
		return
	}
	n, err := s.deps.Notifications.Create(c.Request.Context(), input)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, n)
}

func (s *Server) updateNotification(c *gin.Context) {
	var patch notification.Patch
	if !s.bind(c, &patch) {
		return
	}
	n, err := s.deps.Notifications.Update(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func (s *Server) deleteNotification(c *gin.Context) {
	if err := s.deps.Notifications.Delete(c.Request.Context(), c.Param("user"), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.deps.Registry.Sessions(c.Param("user"))})
}

func (s *Server) recordActivity(c *gin.Context) {
	var req ActivityRequest
	if !s.bind(c, &req) {
		return
	}
	event, err := s.deps.Activities.Record(c.Request.Context(), req.RecordInput, req.Rooms...)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, event)
}

func (s *Server) broadcastToRoom(c *gin.Context) {
	room := c.Param("room")
	if !types.IsValidRoomID(room) {
		s.sendError(c, http.StatusBadRequest, "invalid room id")
		return
	}
	var req RoomEventRequest
	if !s.bind(c, &req) {
		return
	}
	if err := s.deps.Broadcaster.Broadcast(c.Request.Context(), room, req.Event, req.Data); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"room": room, "event": req.Event})
}

func (s *Server) getPresence(c *gin.Context) {
	userID := c.Param("user")
	if !types.IsValidUserID(userID) {
		s.sendError(c, http.StatusBadRequest, "invalid user id")
		return
	}
	record, err := s.deps.Presence.GetStatus(c.Request.Context(), nil, userID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Registry.GetStats())
}

// FUNCTIONAL DISCOVERY: 503 when the database is unreachable so load
// balancers drain the node
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.deps.Database.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = "error: " + err.Error()
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.deps.Registry.GetStats(),
		System:      s.systemInfo(),
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, response)
}

func (s *Server) systemInfo() map[string]interface{} {
	info := map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"uptime":     time.Since(s.started).Round(time.Second).String(),
	}
	// zero interval compares against the previous call instead of sleeping
	if percent, err := cpu.Percent(0, false); err == nil && len(percent) > 0 {
		info["cpu_percent"] = percent[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info["memory_used_percent"] = vm.UsedPercent
	}
	return info
}

func (s *Server) apiKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.apiKey == "" {
			c.Next()
			return
		}
		if subtle.ConstantTimeCompare([]byte(c.GetHeader(APIKeyHeader)), []byte(s.apiKey)) != 1 {
			s.sendError(c, http.StatusUnauthorized, "missing or invalid API key")
			c.Abort()
			return
		}
		c.Next()
	}
}

// bind decodes and validates the JSON body, answering 400 on failure
func (s *Server) bind(c *gin.Context, v any) bool {
	body, err := c.GetRawData()
	if err != nil {
		s.sendError(c, http.StatusBadRequest, "could not read body")
		return false
	}
	if len(body) == 0 {
		s.sendError(c, http.StatusBadRequest, "request body is required")
		return false
	}
	if err := types.DecodePayload(body, v); err != nil {
		s.sendError(c, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		s.sendError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrInvalidPayload):
		s.sendError(c, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("api request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		s.sendError(c, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) sendError(c *gin.Context, code int, message string) {
	c.JSON(code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
