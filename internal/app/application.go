package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"collabhub/internal/api"
	"collabhub/internal/config"
	"collabhub/internal/database"
	"collabhub/internal/hub"
	"collabhub/internal/locks"
	"collabhub/internal/presence"
	"collabhub/internal/router"
	"collabhub/internal/session"
	"collabhub/internal/signals"
	"collabhub/internal/viewers"
	"collabhub/internal/websocket"
	"collabhub/pkg/interfaces"
	pkgdatabase "collabhub/pkg/database"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config        *config.Config
	dbManager     *database.Manager
	registry      *websocket.Registry
	messageRouter *router.Router
	messageHub    *hub.Hub
	apiServer     *api.Server
	httpServer    *http.Server

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Audit log → Coordinators → Registry → Router → Hub → Identity → API → HTTP
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// STEP 1: Audit log (optional; collaboration state itself is never persisted)
	var (
		dbManager *database.Manager
		audit     interfaces.AuditLog
	)
	if cfg.Database.Path != "" {
		dbConfig := pkgdatabase.DefaultConfig()
		dbConfig.DatabasePath = cfg.Database.Path
		dbConfig.ConnMaxLifetime = cfg.Database.Timeout
		dbConfig.ConnMaxIdleTime = cfg.Database.Timeout / 3

		manager, err := database.NewManager(dbConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize audit log: %w", err)
		}
		dbManager = manager
		audit = manager
		log.Printf("Audit log enabled at %s", cfg.Database.Path)
	} else {
		log.Println("Audit log disabled")
	}

	cleanup := func() {
		if dbManager != nil {
			_ = dbManager.Close()
		}
	}

	// STEP 2: Coordination components
	coordinator, err := locks.NewCoordinator(cfg.Collaboration.LockLease)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to create lock coordinator: %w", err)
	}
	components := router.Components{
		Presence: presence.NewTracker(),
		Locks:    coordinator,
		Viewers:  viewers.NewRegistry(),
		Signals:  signals.NewRelay(cfg.Collaboration.TypingTimeout, cfg.Collaboration.MaxChatLength),
	}

	// STEP 3: Connection registry
	registry := websocket.NewRegistry()

	// STEP 4: Router
	messageRouter, err := router.NewRouter(registry, components, audit, cfg.Collaboration.MessagesPerMinute)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	// STEP 5: Hub serializes everything the router does
	messageHub := hub.NewHub(registry, messageRouter, cfg.Collaboration.EventBuffer, cfg.Collaboration.SweepInterval)

	// STEP 6: Identity resolution from the fronting proxy
	resolver, err := session.NewResolver(session.Options{
		UserIDHeader:      cfg.Identity.UserIDHeader,
		DisplayNameHeader: cfg.Identity.DisplayNameHeader,
		TokenHeader:       cfg.Identity.TokenHeader,
		SharedToken:       cfg.Identity.SharedToken,
		AllowQueryParams:  cfg.Identity.AllowQueryParams,
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to create identity resolver: %w", err)
	}

	// STEP 7: API server and WebSocket handler
	apiServer := api.NewServer(components, audit, messageRouter, messageHub)
	wsHandler := websocket.NewHandler(resolver, messageHub, websocket.HandlerConfig{
		PingInterval:      cfg.WebSocket.PingInterval,
		ReadTimeout:       cfg.WebSocket.ReadTimeout,
		WriteTimeout:      cfg.WebSocket.WriteTimeout,
		SendBufferSize:    cfg.WebSocket.BufferSize,
		MaxMessageBytes:   cfg.WebSocket.MaxMessageBytes,
		MaxProtocolErrors: cfg.WebSocket.MaxProtocolErrors,
	})

	// STEP 8: Setup HTTP server with both API and WebSocket endpoints
	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:        cfg,
		dbManager:     dbManager,
		registry:      registry,
		messageRouter: messageRouter,
		messageHub:    messageHub,
		apiServer:     apiServer,
		httpServer:    httpServer,
		serveErr:      make(chan error, 1),
	}, nil
}

// Start begins application execution
// Hub starts first to handle messages, then HTTP server accepts connections.
// The listener is bound before returning so bind errors surface here.
func (app *Application) Start(ctx context.Context) error {
	log.Printf("Starting collabhub on %s", app.httpServer.Addr)

	if err := app.messageHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.messageHub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	app.mu.Lock()
	app.listener = listener
	app.mu.Unlock()

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	log.Printf("collabhub started on %s", listener.Addr())
	return nil
}

// Errors reports fatal HTTP serving failures after Start
func (app *Application) Errors() <-chan error {
	return app.serveErr
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → Hub → Audit log
func (app *Application) Stop(ctx context.Context) error {
	log.Printf("Shutting down collabhub")

	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	// STEP 2: Stop message processing
	if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		log.Printf("Message hub shutdown error: %v", err)
	}

	// STEP 3: Flush and close the audit log
	if app.dbManager != nil {
		if err := app.dbManager.Close(); err != nil {
			log.Printf("Audit log shutdown error: %v", err)
		}
	}

	log.Printf("collabhub shutdown complete")
	return nil
}

// GetAddr returns the bound address once started, the configured one before
func (app *Application) GetAddr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}
