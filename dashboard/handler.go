// Package dashboard serves the JSON and SSE API consumed by the trading
// dashboard frontend, plus the navigation gate for page routes.
package dashboard

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/marketdeck/marketdeck/auth"
	"github.com/marketdeck/marketdeck/feed"
	"github.com/marketdeck/marketdeck/ops"
	"github.com/marketdeck/marketdeck/session"
	"github.com/marketdeck/marketdeck/web"
)

// Handler serves the dashboard API.
type Handler struct {
	sessions     *session.Controller
	synchronizer *feed.Synchronizer
	limiter      *web.RateLimiter
	activity     *session.FuncSource
	logs         *ops.LogBuffer
	logger       *slog.Logger
}

// Config holds configuration for creating a new dashboard Handler.
type Config struct {
	Sessions     *session.Controller // required
	Synchronizer *feed.Synchronizer  // required
	Logger       *slog.Logger        // required
	Activity     *session.FuncSource // optional: fed one event per API request
	Logs         *ops.LogBuffer      // optional: enables the ops log stream
	Limiter      *web.RateLimiter    // optional - defaults to 5 login attempts per minute
}

// NewHandler creates a dashboard handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("session controller is required")
	}
	if cfg.Synchronizer == nil {
		return nil, errors.New("synchronizer is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Limiter == nil {
		cfg.Limiter = web.NewRateLimiter(rate.Every(12*time.Second), 5)
	}
	return &Handler{
		sessions:     cfg.Sessions,
		synchronizer: cfg.Synchronizer,
		limiter:      cfg.Limiter,
		activity:     cfg.Activity,
		logs:         cfg.Logs,
		logger:       cfg.Logger,
	}, nil
}

// RegisterRoutes registers all dashboard API routes on the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /api/login", h.limiter.Middleware(http.HandlerFunc(h.handleLogin)))
	mux.HandleFunc("POST /api/logout", h.handleLogout)
	mux.HandleFunc("GET /api/session", h.handleSession)
	mux.Handle("GET /api/quotes", h.touch(http.HandlerFunc(h.handleQuotes)))
	mux.Handle("GET /api/stream", h.touch(http.HandlerFunc(h.serveStream)))
	if h.logs != nil {
		mux.HandleFunc("GET /api/ops/logs", h.serveLogStream)
	}
	h.logger.Info("Dashboard API routes registered")
}

// touch reports each authenticated API request to the activity source, the
// server-side stand-in for raw user input.
func (h *Handler) touch(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.activity != nil && h.sessions.IsAuthenticated() {
			h.activity.Emit(session.Event{Kind: session.EventClick, Time: time.Now()})
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds session.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.sessions.Login(r.Context(), creds); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, auth.ErrInvalidCredentials) {
			status = http.StatusUnauthorized
		}
		writeJSONError(w, status, err.Error())
		return
	}

	user, _ := h.sessions.User()
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

type sessionView struct {
	State           string            `json:"state"`
	IsAuthenticated bool              `json:"is_authenticated"`
	IsLoading       bool              `json:"is_loading"`
	User            *session.UserInfo `json:"user,omitempty"`
	Error           string            `json:"error,omitempty"`
}

func (h *Handler) handleSession(w http.ResponseWriter, _ *http.Request) {
	view := sessionView{
		State:           string(h.sessions.State()),
		IsAuthenticated: h.sessions.IsAuthenticated(),
		IsLoading:       h.sessions.IsLoading(),
	}
	if user, ok := h.sessions.User(); ok {
		view.User = user
	}
	if err := h.sessions.Err(); err != nil {
		view.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, view)
}

type quotesView struct {
	ConnectionState string       `json:"connection_state"`
	IsLoading       bool         `json:"is_loading"`
	Error           string       `json:"error,omitempty"`
	Quotes          []feed.Quote `json:"quotes"`
}

func (h *Handler) handleQuotes(w http.ResponseWriter, _ *http.Request) {
	if !h.sessions.IsAuthenticated() {
		writeJSONError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	view := quotesView{
		ConnectionState: string(h.synchronizer.State()),
		IsLoading:       h.synchronizer.IsLoading(),
		Quotes:          h.synchronizer.Table().Snapshot(),
	}
	if err := h.synchronizer.Err(); err != nil {
		view.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, view)
}

// GateMiddleware applies the route authorization gate to page navigations.
// API routes are left alone; they answer 401s instead of redirecting.
func (h *Handler) GateMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch session.Evaluate(h.sessions.IsAuthenticated(), h.sessions.IsLoading(), r.URL.Path) {
		case session.DecisionDefer:
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Verifying session", http.StatusServiceUnavailable)
		case session.DecisionRedirectLogin:
			http.Redirect(w, r, session.LoginPath, http.StatusFound)
		case session.DecisionRedirectDashboard:
			http.Redirect(w, r, session.LandingPath, http.StatusFound)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
