// Package sim is a local development harness: an auth backend plus a
// livefeed endpoint emitting a random-walk tick stream, so the dashboard can
// run end-to-end without a real brokerage behind it.
package sim

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/marketdeck/marketdeck/session"
)

const (
	// TokenTTL bounds the life of an issued streaming credential.
	TokenTTL = 15 * time.Minute

	defaultTickInterval = time.Second
)

// DefaultSymbols is the instrument set streamed when none is configured.
var DefaultSymbols = []string{
	"NSE:SBIN-EQ",
	"NSE:RELIANCE-EQ",
	"NSE:INFY-EQ",
	"NSE:NIFTY50-INDEX",
}

// Config holds configuration for creating a new sim Server.
type Config struct {
	JWTSecret string            // required: HS256 signing secret
	Users     map[string]string // required: username -> plaintext password, hashed at startup
	Logger    *slog.Logger      // required

	TickInterval time.Duration // optional - defaults to 1s
	Symbols      []string      // optional - defaults to DefaultSymbols
}

// Server implements the auth and livefeed endpoints.
type Server struct {
	secret       []byte
	users        map[string][]byte // username -> bcrypt hash
	logger       *slog.Logger
	tickInterval time.Duration
	symbols      []string
	upgrader     websocket.Upgrader
}

// New creates a sim server, hashing the configured passwords.
func New(cfg Config) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if len(cfg.Users) == 0 {
		return nil, errors.New("at least one user is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = DefaultSymbols
	}

	users := make(map[string][]byte, len(cfg.Users))
	for username, password := range cfg.Users {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash password for %s: %w", username, err)
		}
		users[username] = hash
	}

	return &Server{
		secret:       []byte(cfg.JWTSecret),
		users:        users,
		logger:       cfg.Logger,
		tickInterval: cfg.TickInterval,
		symbols:      cfg.Symbols,
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}, nil
}

// RegisterRoutes registers the sim endpoints on the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	mux.HandleFunc("GET /api/system/status", s.handleStatus)
	mux.HandleFunc("GET /ws/livefeed", s.serveLivefeed)
	s.logger.Info("Sim routes registered", "symbols", len(s.symbols))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds session.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	hash, ok := s.users[creds.Username]
	if !ok || bcrypt.CompareHashAndPassword(hash, []byte(creds.Password)) != nil {
		s.logger.Warn("Sim login rejected", "username", creds.Username)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid credentials"})
		return
	}

	token, err := s.mintToken(creds.Username)
	if err != nil {
		s.logger.Error("Failed to mint token", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Sim login completed", "username", creds.Username)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token": token,
		"user": session.UserInfo{
			ID:    "sim-" + creds.Username,
			Name:  strings.ToUpper(creds.Username[:1]) + creds.Username[1:],
			Email: creds.Username + "@sim.local",
		},
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if _, err := s.validateToken(token); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// mintToken issues a short-lived HS256 streaming credential.
func (s *Server) mintToken(username string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// validateToken parses and verifies a streaming credential, returning the
// subject username.
func (s *Server) validateToken(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", errors.New("missing subject")
	}
	return claims.Subject, nil
}

// serveLivefeed validates the token query parameter, upgrades the connection
// and streams tick batches until the client goes away.
func (s *Server) serveLivefeed(w http.ResponseWriter, r *http.Request) {
	username, err := s.validateToken(r.URL.Query().Get("token"))
	if err != nil {
		s.logger.Warn("Livefeed token rejected", "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Livefeed upgrade failed", "error", err)
		return
	}
	s.logger.Info("Livefeed client connected", "username", username)

	done := make(chan struct{})
	go func() {
		// Reads only to observe the close handshake
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	walk := newRandomWalk(s.symbols)
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case <-done:
			s.logger.Info("Livefeed client disconnected", "username", username)
			return
		case <-ticker.C:
			if err := conn.WriteJSON(walk.next()); err != nil {
				return
			}
		}
	}
}

// wireTick mirrors the livefeed wire format.
type wireTick struct {
	Symbol        string  `json:"symbol"`
	LastPrice     float64 `json:"ltp"`
	PercentChange float64 `json:"chp"`
	Change        float64 `json:"ch"`
	Volume        uint64  `json:"volume,omitempty"`
}

type walkState struct {
	symbol string
	base   float64
	price  float64
	volume uint64
}

type randomWalk struct {
	states []*walkState
}

func newRandomWalk(symbols []string) *randomWalk {
	states := make([]*walkState, 0, len(symbols))
	for _, sym := range symbols {
		base := 100 + rand.Float64()*2000
		states = append(states, &walkState{symbol: sym, base: base, price: base})
	}
	return &randomWalk{states: states}
}

// next advances every instrument one step and returns the batch.
func (rw *randomWalk) next() []wireTick {
	batch := make([]wireTick, 0, len(rw.states))
	for _, st := range rw.states {
		st.price *= 1 + (rand.Float64()-0.5)*0.004
		st.volume += uint64(rand.IntN(10000))
		change := st.price - st.base
		batch = append(batch, wireTick{
			Symbol:        st.symbol,
			LastPrice:     round2(st.price),
			PercentChange: round2(change / st.base * 100),
			Change:        round2(change),
			Volume:        st.volume,
		})
	}
	return batch
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
