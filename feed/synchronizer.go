package feed

import (
	"errors"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectionState is the synchronizer's connection lifecycle state.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateError      ConnectionState = "error"
	StateClosed     ConnectionState = "closed"
)

const (
	// StreamPath is the livefeed endpoint on the streaming host.
	StreamPath = "/ws/livefeed"
	// DefaultStreamPort is the fixed streaming port.
	DefaultStreamPort = "8765"
	// ReconnectDelay is how long to wait after an unclean close before the
	// single reconnect attempt.
	ReconnectDelay = 5 * time.Second

	writeTimeout = 5 * time.Second
)

var (
	// ErrNoCredential is surfaced when a connection is requested without a
	// streaming credential. No connection attempt is made.
	ErrNoCredential = errors.New("no streaming credential available")
	// ErrConnectionFailed is the generic surfaced connection error.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrConnectionLost is surfaced after an unclean close while the
	// reconnect timer is pending.
	ErrConnectionLost = errors.New("connection lost, reconnecting")
)

// TokenFunc supplies the short-lived streaming credential appended to the
// connection URL. Returning false means no credential is available.
type TokenFunc func() (string, bool)

// QuoteListener receives the merged state of every quote a frame touched.
type QuoteListener func(batch []Quote)

// Config holds configuration for creating a new Synchronizer.
type Config struct {
	Host   string       // required: host of the hosting page (port ignored)
	Token  TokenFunc    // required
	Logger *slog.Logger // required

	// Secure selects wss, mirroring whether the hosting page itself is
	// served encrypted.
	Secure bool
	// Port is the streaming port. Defaults to DefaultStreamPort.
	Port string
	// ReconnectDelay overrides the reconnect wait. Defaults to ReconnectDelay.
	ReconnectDelay time.Duration
	// Dialer overrides the websocket dialer.
	Dialer *websocket.Dialer
}

// Synchronizer owns the streaming market-data connection: at most one live
// connection, a keyed quote table fed by batched shallow merges, and
// single-timer reconnect scheduling. Every connection attempt gets a new
// generation id; callbacks from a superseded generation never mutate state.
type Synchronizer struct {
	host           string
	port           string
	secure         bool
	token          TokenFunc
	logger         *slog.Logger
	dialer         *websocket.Dialer
	reconnectDelay time.Duration

	mu        sync.Mutex
	gen       uint64
	conn      *websocket.Conn
	state     ConnectionState
	loading   bool
	lastErr   error
	reconnect *time.Timer
	stopped   bool

	table *Table

	listenerMu sync.RWMutex
	listeners  map[string]QuoteListener
}

// New creates a synchronizer. It does not connect until Start is called.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.Host == "" {
		return nil, errors.New("host is required")
	}
	if cfg.Token == nil {
		return nil, errors.New("token func is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Port == "" {
		cfg.Port = DefaultStreamPort
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = ReconnectDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	host := cfg.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	return &Synchronizer{
		host:           host,
		port:           cfg.Port,
		secure:         cfg.Secure,
		token:          cfg.Token,
		logger:         cfg.Logger,
		dialer:         cfg.Dialer,
		reconnectDelay: cfg.ReconnectDelay,
		state:          StateClosed,
		table:          NewTable(),
		listeners:      make(map[string]QuoteListener),
	}, nil
}

// Table returns the live quote table.
func (s *Synchronizer) Table() *Table {
	return s.table
}

// State returns the current connection state.
func (s *Synchronizer) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the current surfaced connection error, if any.
func (s *Synchronizer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// IsLoading reports whether quote data may be stale: true while connecting
// and while a reconnect is pending.
func (s *Synchronizer) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// AddListener registers a per-frame quote batch listener.
func (s *Synchronizer) AddListener(id string, fn QuoteListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners[id] = fn
}

// RemoveListener removes a quote batch listener.
func (s *Synchronizer) RemoveListener(id string) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	delete(s.listeners, id)
}

// Start opens the streaming connection. Only the gated caller invokes this,
// so an authenticated session is a precondition; without a credential it
// fails immediately and makes no attempt. A no-op if a connection is already
// live or being established.
func (s *Synchronizer) Start() error {
	s.mu.Lock()
	if s.conn != nil || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.stopped = false
	return s.connect()
}

// connect dials a new connection. Called with mu held; releases it around the
// blocking dial and re-checks for supersession afterwards.
func (s *Synchronizer) connect() error {
	token, ok := s.token()
	if !ok {
		s.state = StateError
		s.lastErr = ErrNoCredential
		s.loading = false
		s.mu.Unlock()
		return ErrNoCredential
	}

	s.gen++
	gen := s.gen
	s.state = StateConnecting
	s.loading = true
	target := s.buildURL(token)
	s.mu.Unlock()

	s.logger.Debug("Dialing livefeed", "host", s.host, "port", s.port, "generation", gen)
	conn, resp, err := s.dialer.Dial(target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || gen != s.gen {
		// Superseded while dialing.
		if conn != nil {
			_ = conn.Close()
		}
		return nil
	}

	if err != nil {
		// A failed dial is an abrupt termination, so it follows the unclean
		// close path: surface the error and schedule the retry.
		s.logger.Warn("Livefeed dial failed", "error", err)
		s.state = StateError
		s.lastErr = ErrConnectionFailed
		s.loading = true
		s.scheduleReconnectLocked()
		return ErrConnectionFailed
	}

	s.conn = conn
	s.state = StateOpen
	s.lastErr = nil
	s.loading = false
	s.logger.Info("Livefeed connected", "generation", gen)

	go s.readLoop(conn, gen)
	return nil
}

// Stop tears the synchronizer down: cancels any pending reconnect, closes
// the live connection cleanly and resets the quote table. No state updates
// fire after Stop returns.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.gen++ // invalidate in-flight callbacks
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = StateClosed
	s.lastErr = nil
	s.loading = false
	s.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(writeTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = conn.Close()
	}

	s.table.Reset()
	s.logger.Info("Livefeed stopped")
}

// readLoop consumes frames until the connection dies. gen identifies the
// connection this loop belongs to.
func (s *Synchronizer) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			clean := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			s.handleClose(gen, clean, err)
			return
		}
		s.handleMessage(gen, payload)
	}
}

// handleMessage decodes and merges one frame. Malformed frames and invalid
// records are absorbed locally; they never surface as connection errors.
func (s *Synchronizer) handleMessage(gen uint64, payload []byte) {
	ticks, err := decodeTicks(payload)
	if err != nil {
		s.logger.Debug("Dropping malformed livefeed frame", "error", err)
		return
	}

	s.mu.Lock()
	if s.stopped || gen != s.gen {
		s.mu.Unlock()
		return
	}
	batch := s.table.Apply(ticks)
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	s.listenerMu.RLock()
	listeners := make([]QuoteListener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(batch)
	}
}

// handleClose reacts to the end of a connection. Clean shutdowns settle to
// closed; abrupt ones surface a reconnecting error and arm the single
// reconnect timer.
func (s *Synchronizer) handleClose(gen uint64, clean bool, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || gen != s.gen {
		return
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}

	if clean {
		s.logger.Info("Livefeed closed cleanly", "generation", gen)
		s.state = StateClosed
		s.loading = false
		return
	}

	s.logger.Warn("Livefeed connection lost", "generation", gen, "error", cause)
	s.state = StateError
	s.lastErr = ErrConnectionLost
	s.loading = true
	s.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the reconnect timer, replacing any pending
// one so at most a single timer is ever outstanding. The timer carries the
// generation that armed it.
func (s *Synchronizer) scheduleReconnectLocked() {
	if s.reconnect != nil {
		s.reconnect.Stop()
	}
	gen := s.gen
	s.reconnect = time.AfterFunc(s.reconnectDelay, func() { s.retry(gen) })
}

// retry is the reconnect timer body. The stopped and generation checks happen
// under the lock, so a Stop or fresh Start that lands after the timer fires
// but before the retry runs makes it a no-op instead of resurrecting the
// connection.
func (s *Synchronizer) retry(gen uint64) {
	s.mu.Lock()
	s.reconnect = nil
	if s.stopped || gen != s.gen || s.conn != nil || s.state == StateConnecting {
		s.mu.Unlock()
		return
	}
	if err := s.connect(); err != nil {
		s.logger.Warn("Livefeed reconnect attempt failed", "error", err)
	}
}

// buildURL constructs the streaming target with the credential appended as a
// query parameter.
func (s *Synchronizer) buildURL(token string) string {
	scheme := "ws"
	if s.secure {
		scheme = "wss"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     net.JoinHostPort(s.host, s.port),
		Path:     StreamPath,
		RawQuery: url.Values{"token": {token}}.Encode(),
	}
	return u.String()
}
