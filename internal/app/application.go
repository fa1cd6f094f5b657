package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"classpulse/internal/activity"
	"classpulse/internal/api"
	"classpulse/internal/auth"
	"classpulse/internal/config"
	"classpulse/internal/database"
	"classpulse/internal/fanout"
	"classpulse/internal/hub"
	"classpulse/internal/notification"
	"classpulse/internal/presence"
	"classpulse/internal/router"
	"classpulse/internal/websocket"
	pkgdatabase "classpulse/pkg/database"
	"classpulse/pkg/interfaces"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config    *config.Config
	logger    *zap.Logger
	dbManager *database.Manager
	bus       fanout.Bus
	registry  *websocket.Registry
	limiter   *router.RateLimiter
	hub       *hub.Hub
	presence  *presence.Tracker
	counter   *presence.RedisCounter
	apiServer *api.Server

	httpServer *http.Server
	listener   net.Listener
	cancel     context.CancelFunc
	stopOnce   sync.Once
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Database → Bus → Registry → Router → Hub → Engines → API → HTTP
func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// STEP 1: database and schema
	dbConfig := &pkgdatabase.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  cfg.Database.MaxConnections,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
	}
	dbManager, err := database.NewManager(dbConfig, logger.Named("database"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	applied, err := pkgdatabase.NewMigrationManager(dbManager.GetDB()).ApplyMigrations()
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	logger.Info("database ready", zap.String("path", cfg.Database.Path), zap.Strings("applied_migrations", applied))

	// STEP 2: fan-out bus
	bus, err := newBus(cfg.Fanout, logger.Named("fanout"))
	if err != nil {
		_ = dbManager.Close()
		return nil, err
	}

	// STEP 3: registry, router and hub
	registry := websocket.NewRegistry()
	limiter := router.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	commandRouter := router.NewRouter(limiter, logger.Named("router"))
	messageHub := hub.NewHub(registry, commandRouter, bus, nil, logger.Named("hub"))

	// STEP 4: engines; each broadcasts through the hub
	tracker := presence.NewTracker(dbManager, messageHub, registry, cfg.Presence.GracePeriod, logger.Named("presence"))
	var counter *presence.RedisCounter
	if cfg.Fanout.Backend == "redis" {
		// nodes sharing a channel must also share session counts
		counter, err = presence.NewRedisCounter(cfg.Fanout.RedisURL, presence.DefaultCounterPrefix)
		if err != nil {
			_ = bus.Close()
			_ = dbManager.Close()
			return nil, fmt.Errorf("failed to connect presence counter: %w", err)
		}
		tracker.SetCounter(counter)
	}
	messageHub.SetPresence(tracker)
	notifications := notification.NewService(dbManager, messageHub, logger.Named("notification"))
	feed := activity.NewFeed(dbManager, messageHub, logger.Named("activity"))

	for _, table := range []map[string]interfaces.HandlerFunc{
		notifications.Commands(),
		feed.Commands(),
		tracker.Commands(),
	} {
		if err := commandRouter.HandleAll(table); err != nil {
			if counter != nil {
				_ = counter.Close()
			}
			_ = bus.Close()
			_ = dbManager.Close()
			return nil, err
		}
	}

	// STEP 5: realtime endpoint and producer API
	settings := websocket.Settings{
		PingInterval: cfg.WebSocket.PingInterval,
		ReadTimeout:  cfg.WebSocket.ReadTimeout,
		WriteTimeout: cfg.WebSocket.WriteTimeout,
		BufferSize:   cfg.WebSocket.BufferSize,
	}
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	wsHandler := websocket.NewHandler(verifier, messageHub, settings, cfg.HTTP.AllowedOrigins, logger.Named("websocket"))

	apiServer := api.NewServer(api.Dependencies{
		Notifications: notifications,
		Activities:    feed,
		Presence:      tracker,
		Broadcaster:   messageHub,
		Registry:      registry,
		Database:      dbManager,
		Realtime:      wsHandler,
	}, cfg.HTTP.APIKey, logger.Named("api"))

	httpServer := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:     apiServer,
		ReadTimeout: cfg.HTTP.ReadTimeout,
	}

	return &Application{
		config:     cfg,
		logger:     logger,
		dbManager:  dbManager,
		bus:        bus,
		registry:   registry,
		limiter:    limiter,
		hub:        messageHub,
		presence:   tracker,
		counter:    counter,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

func newBus(cfg *config.FanoutConfig, logger *zap.Logger) (fanout.Bus, error) {
	switch cfg.Backend {
	case "redis":
		bus, err := fanout.NewRedisBus(cfg.RedisURL, cfg.Channel, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect fanout bus: %w", err)
		}
		logger.Info("using redis fanout", zap.String("channel", cfg.Channel))
		return bus, nil
	default:
		return fanout.NewLocalBus(), nil
	}
}

// Start begins application execution on the configured address
func (app *Application) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	return app.Serve(ctx, listener)
}

// Serve runs the application on an already bound listener
// Hub starts first to handle frames, then the listener accepts connections
func (app *Application) Serve(ctx context.Context, listener net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	app.cancel = cancel

	if err := app.hub.Start(ctx); err != nil {
		cancel()
		_ = listener.Close()
		return fmt.Errorf("failed to start hub: %w", err)
	}
	go app.limiter.Run(ctx)
	app.listener = listener

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("http server stopped", zap.Error(err))
		}
	}()

	app.logger.Info("classpulse started", zap.String("addr", listener.Addr().String()))
	return nil
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → Hub → Bus → Database
func (app *Application) Stop(ctx context.Context) error {
	var errs []error
	app.stopOnce.Do(func() {
		app.logger.Info("shutting down classpulse")

		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
			errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
		}
		if app.cancel != nil {
			app.cancel()
		}
		if err := app.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("bus shutdown: %w", err))
		}
		if app.counter != nil {
			if err := app.counter.Close(); err != nil {
				errs = append(errs, fmt.Errorf("presence counter shutdown: %w", err))
			}
		}
		if err := app.dbManager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database shutdown: %w", err))
		}

		app.logger.Info("classpulse shutdown complete")
	})
	return errors.Join(errs...)
}

// Addr returns the bound address once started, else the configured one
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler exposes the full HTTP surface, mainly for tests
func (app *Application) Handler() http.Handler {
	return app.apiServer
}
