// Package app wires the session controller, activity monitor and live quote
// synchronizer into a runnable dashboard backend.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/marketdeck/marketdeck/auth"
	"github.com/marketdeck/marketdeck/dashboard"
	"github.com/marketdeck/marketdeck/feed"
	"github.com/marketdeck/marketdeck/ops"
	"github.com/marketdeck/marketdeck/session"
	"github.com/marketdeck/marketdeck/sim"
)

// Server mode constants
const (
	ModeServe = "serve" // dashboard backend against an external auth/feed host
	ModeSim   = "sim"   // simulated auth backend and livefeed only
	ModeAll   = "all"   // both in one process, wired together

	DefaultPort    = "8080"
	DefaultHost    = "localhost"
	DefaultAppMode = ModeAll
)

// Config holds the application configuration
type Config struct {
	AppMode string
	AppHost string
	AppPort string

	// AuthBaseURL is the auth backend issuing login/logout/status.
	AuthBaseURL string
	// StreamHost/StreamPort locate the livefeed websocket endpoint.
	StreamHost string
	StreamPort string
	// StreamSecure selects wss, mirroring whether the dashboard itself is
	// served over TLS.
	StreamSecure bool

	// SessionDBPath enables SQLite session persistence when set.
	SessionDBPath string
	// SessionSecret enables at-rest credential encryption when set.
	SessionSecret string

	// SimJWTSecret signs tokens in the sim modes.
	SimJWTSecret string
	SimUsername  string
	SimPassword  string
}

// App represents the main application structure
type App struct {
	Config    *Config
	Version   string
	startTime time.Time
	logger    *slog.Logger
	logBuffer *ops.LogBuffer

	store        *session.Store
	sessions     *session.Controller
	monitor      *session.Monitor
	synchronizer *feed.Synchronizer
	sessionDB    *session.DB
}

// NewApp creates a new application instance with logger
func NewApp(logger *slog.Logger) *App {
	return &App{
		Config: &Config{
			AppMode: os.Getenv("APP_MODE"),
			AppHost: os.Getenv("APP_HOST"),
			AppPort: os.Getenv("APP_PORT"),

			AuthBaseURL:  os.Getenv("AUTH_BASE_URL"),
			StreamHost:   os.Getenv("STREAM_HOST"),
			StreamPort:   os.Getenv("STREAM_PORT"),
			StreamSecure: os.Getenv("STREAM_SECURE") == "true",

			SessionDBPath: os.Getenv("SESSION_DB_PATH"),
			SessionSecret: os.Getenv("SESSION_SECRET"),

			SimJWTSecret: os.Getenv("SIM_JWT_SECRET"),
			SimUsername:  os.Getenv("SIM_USERNAME"),
			SimPassword:  os.Getenv("SIM_PASSWORD"),
		},
		Version:   "v0.0.0", // Ideally injected at build time
		startTime: time.Now(),
		logger:    logger,
	}
}

// SetVersion sets the server version
func (app *App) SetVersion(version string) {
	app.Version = version
}

// SetLogBuffer sets the log buffer for the ops log SSE stream.
func (app *App) SetLogBuffer(buf *ops.LogBuffer) {
	app.logBuffer = buf
}

// LoadConfig validates the configuration and fills in defaults.
func (app *App) LoadConfig() error {
	if app.Config.AppMode == "" {
		app.Config.AppMode = DefaultAppMode
	}
	switch app.Config.AppMode {
	case ModeServe, ModeSim, ModeAll:
	default:
		return fmt.Errorf("unknown APP_MODE %q (expected serve, sim or all)", app.Config.AppMode)
	}

	if app.Config.AppHost == "" {
		app.Config.AppHost = DefaultHost
	}
	if app.Config.AppPort == "" {
		app.Config.AppPort = DefaultPort
	}

	if app.Config.AppMode != ModeServe {
		if app.Config.SimJWTSecret == "" {
			return fmt.Errorf("SIM_JWT_SECRET is required in %s mode", app.Config.AppMode)
		}
		if app.Config.SimUsername == "" {
			app.Config.SimUsername = "trader"
		}
		if app.Config.SimPassword == "" {
			app.Config.SimPassword = "trader"
			app.logger.Warn("SIM_PASSWORD not set, using the default demo password")
		}
	}

	if app.Config.AppMode != ModeSim {
		if app.Config.AppMode == ModeServe && app.Config.AuthBaseURL == "" {
			return fmt.Errorf("AUTH_BASE_URL is required in serve mode")
		}
		if app.Config.AuthBaseURL == "" {
			// All-in-one: the auth backend is this process.
			app.Config.AuthBaseURL = "http://" + app.buildServerURL()
		}
		if app.Config.StreamHost == "" {
			app.Config.StreamHost = app.Config.AppHost
		}
		if app.Config.StreamPort == "" {
			if app.Config.AppMode == ModeAll {
				// The sim feed shares the app listener.
				app.Config.StreamPort = app.Config.AppPort
			} else {
				app.Config.StreamPort = feed.DefaultStreamPort
			}
		}
	}

	return nil
}

// RunServer initializes and starts the server. Blocks until shutdown.
func (app *App) RunServer() error {
	mux := http.NewServeMux()

	if app.Config.AppMode != ModeServe {
		simServer, err := sim.New(sim.Config{
			JWTSecret: app.Config.SimJWTSecret,
			Users:     map[string]string{app.Config.SimUsername: app.Config.SimPassword},
			Logger:    app.logger.With("component", "sim"),
		})
		if err != nil {
			return fmt.Errorf("failed to create sim server: %w", err)
		}
		simServer.RegisterRoutes(mux)
	}

	if app.Config.AppMode != ModeSim {
		if err := app.initializeDashboard(mux); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              app.buildServerURL(),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}
	app.setupGracefulShutdown(srv)

	app.logger.Info("Listening", "addr", srv.Addr, "mode", app.Config.AppMode)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// initializeDashboard builds the session/feed stack and registers the API.
func (app *App) initializeDashboard(mux *http.ServeMux) error {
	// Component tags let the ops log stream filter by subsystem
	sessionLogger := app.logger.With("component", "session")
	feedLogger := app.logger.With("component", "feed")

	store := session.NewStore()
	store.SetLogger(sessionLogger)
	if app.Config.SessionDBPath != "" {
		db, err := session.OpenDB(app.Config.SessionDBPath)
		if err != nil {
			return fmt.Errorf("failed to open session db: %w", err)
		}
		if app.Config.SessionSecret != "" {
			key, err := session.DeriveEncryptionKey(app.Config.SessionSecret)
			if err != nil {
				return fmt.Errorf("failed to derive encryption key: %w", err)
			}
			db.SetEncryptionKey(key)
		}
		store.SetDB(db)
		if err := store.LoadFromDB(); err != nil {
			app.logger.Warn("Failed to load persisted session", "error", err)
		}
		app.sessionDB = db
	}
	app.store = store

	client, err := auth.NewClient(auth.Config{
		BaseURL: strings.TrimSuffix(app.Config.AuthBaseURL, "/"),
		Store:   store,
		Logger:  app.logger.With("component", "auth"),
	})
	if err != nil {
		return fmt.Errorf("failed to create auth client: %w", err)
	}

	sessions, err := session.NewController(session.Config{
		Store:  store,
		Client: client,
		Logger: sessionLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to create session controller: %w", err)
	}
	app.sessions = sessions

	synchronizer, err := feed.New(feed.Config{
		Host:   app.Config.StreamHost,
		Port:   app.Config.StreamPort,
		Secure: app.Config.StreamSecure,
		Token:  store.Token,
		Logger: feedLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to create synchronizer: %w", err)
	}
	app.synchronizer = synchronizer

	// Authentication gates the stream: gaining it opens the connection,
	// losing it tears the connection down.
	sessions.OnChange(func(state session.State) {
		switch state {
		case session.StateAuthenticated:
			if err := synchronizer.Start(); err != nil {
				app.logger.Warn("Livefeed start failed", "error", err)
			}
		case session.StateUnauthenticated:
			synchronizer.Stop()
		}
	})

	activitySource := session.NewFuncSource()
	monitor, err := session.NewMonitor(session.MonitorConfig{
		Source:   activitySource,
		OnActive: sessions.Touch,
		Logger:   sessionLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to create activity monitor: %w", err)
	}
	app.monitor = monitor

	handler, err := dashboard.NewHandler(dashboard.Config{
		Sessions:     sessions,
		Synchronizer: synchronizer,
		Activity:     activitySource,
		Logs:         app.logBuffer,
		Logger:       app.logger.With("component", "dashboard"),
	})
	if err != nil {
		return fmt.Errorf("failed to create dashboard handler: %w", err)
	}
	handler.RegisterRoutes(mux)

	// Page navigations go through the route gate.
	mux.Handle("/", handler.GateMiddleware(http.HandlerFunc(app.servePage)))

	// Startup validation runs in the background so the listener comes up
	// immediately; the gate defers page loads until it settles.
	go func() {
		state := sessions.Initialize(context.Background())
		app.logger.Info("Session startup validation settled", "state", state)
	}()

	return nil
}

// servePage is a placeholder page responder behind the gate. Rendering is
// owned by the frontend; this keeps redirects observable end-to-end.
func (app *App) servePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "marketdeck %s: %s\n", app.Version, r.URL.Path)
}

// buildServerURL constructs the listen address from host and port
func (app *App) buildServerURL() string {
	return app.Config.AppHost + ":" + app.Config.AppPort
}

// setupGracefulShutdown configures graceful shutdown for the server
func (app *App) setupGracefulShutdown(srv *http.Server) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	go func() {
		defer stop()
		<-ctx.Done()
		app.logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.Error("Server shutdown error", "error", err)
		}

		app.Shutdown()
		app.logger.Info("Server shutdown complete")
	}()
}

// Shutdown tears down the monitor, synchronizer and persistence.
func (app *App) Shutdown() {
	if app.monitor != nil {
		app.monitor.Close()
	}
	if app.synchronizer != nil {
		app.synchronizer.Stop()
	}
	if app.sessionDB != nil {
		if err := app.sessionDB.Close(); err != nil {
			app.logger.Error("Session db close error", "error", err)
		}
	}
}
