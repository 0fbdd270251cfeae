package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of the session controller.
type State string

const (
	StateInitializing    State = "initializing"
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticated   State = "authenticated"
	StateExpiring        State = "expiring"
)

// InactivityTimeout is how long the session may sit idle before a stored
// credential is considered expired at startup.
const InactivityTimeout = time.Hour

// Credentials are the login inputs forwarded to the auth client.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResult is the auth client's successful login response.
type LoginResult struct {
	User  UserInfo
	Token string
}

// AuthClient is the external authentication collaborator. Logout is
// best-effort: the controller logs its errors and proceeds regardless.
// GetSystemStatus is used purely to validate that a stored credential is
// still accepted server-side.
type AuthClient interface {
	Login(ctx context.Context, creds Credentials) (*LoginResult, error)
	Logout(ctx context.Context) error
	GetSystemStatus(ctx context.Context) error
	IsAuthenticated() bool
}

// StateChangeCallback is invoked whenever the controller settles into a new
// state. Callbacks fire outside the controller's lock.
type StateChangeCallback func(State)

// Config holds configuration for creating a new session Controller.
type Config struct {
	Store             *Store        // required
	Client            AuthClient    // required
	Logger            *slog.Logger  // required
	InactivityTimeout time.Duration // optional - defaults to InactivityTimeout
	Now               func() time.Time
}

// Controller owns the authenticated-session lifecycle: startup validation of
// a stored credential, login/logout transitions and the activity timestamp.
// IsAuthenticated is always derived from identity presence, never tracked
// separately.
type Controller struct {
	mu      sync.RWMutex
	state   State
	user    *UserInfo
	loading bool
	lastErr error

	store      *Store
	client     AuthClient
	logger     *slog.Logger
	inactivity time.Duration
	now        func() time.Time

	onChange []StateChangeCallback
}

// NewController creates a session controller in the initializing state.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("auth client is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = InactivityTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		state:      StateInitializing,
		loading:    true,
		store:      cfg.Store,
		client:     cfg.Client,
		logger:     cfg.Logger,
		inactivity: cfg.InactivityTimeout,
		now:        cfg.Now,
	}, nil
}

// OnChange registers a callback fired whenever the controller settles into a
// new state.
func (c *Controller) OnChange(cb StateChangeCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, cb)
}

// Initialize validates any stored credential and settles the controller into
// authenticated or unauthenticated. Status-check failures discard the
// credential and are logged, never returned: startup must always resolve to
// a well-defined state.
func (c *Controller) Initialize(ctx context.Context) State {
	if _, hasToken := c.store.Token(); !hasToken {
		c.logger.Debug("No stored credential found")
		return c.settle(StateUnauthenticated, nil, nil)
	}

	if last, ok := c.store.LastActivity(); ok && c.now().Sub(last) > c.inactivity {
		c.logger.Info("Stored session expired due to inactivity", "last_activity", last)
		c.transition(StateExpiring)
		c.forceLogout(ctx)
		return c.settle(StateUnauthenticated, nil, nil)
	}

	if err := c.client.GetSystemStatus(ctx); err != nil {
		// Swallowed: the caller only ever sees the settled state.
		c.logger.Warn("Status check failed, discarding stored credential", "error", err)
		c.forceLogout(ctx)
		return c.settle(StateUnauthenticated, nil, nil)
	}

	user, ok := c.store.User()
	if !ok {
		// Credential without a persisted identity: synthesize a placeholder.
		user = &UserInfo{ID: "local", Name: "Trader"}
	}
	c.logger.Info("Restored session from stored credential", "user_id", user.ID)
	return c.settle(StateAuthenticated, user, nil)
}

// Login authenticates with the external client. Failures are reported twice
// by contract: stored as the controller's current error for UI binding, and
// returned to the caller for control flow.
func (c *Controller) Login(ctx context.Context, creds Credentials) error {
	res, err := c.client.Login(ctx, creds)
	if err != nil {
		c.logger.Warn("Login failed", "username", creds.Username, "error", err)
		c.settle(StateUnauthenticated, nil, err)
		return err
	}

	now := c.now()
	c.store.SetToken(res.Token)
	c.store.SetUser(&res.User)
	c.store.SetInitialLogin(now)
	c.store.SetLastActivity(now)

	c.logger.Info("Login completed", "user_id", res.User.ID, "user_name", res.User.Name)
	c.settle(StateAuthenticated, &res.User, nil)
	return nil
}

// Logout tears the session down. The remote logout is best-effort; the local
// identity and all persisted timestamps are cleared unconditionally.
func (c *Controller) Logout(ctx context.Context) {
	if err := c.client.Logout(ctx); err != nil {
		c.logger.Warn("Remote logout failed, clearing local session anyway", "error", err)
	}
	c.store.Clear()
	c.logger.Info("Session cleared")
	c.settle(StateUnauthenticated, nil, nil)
}

// Touch records a user interaction. Ignored while unauthenticated.
func (c *Controller) Touch(t time.Time) {
	if !c.IsAuthenticated() {
		return
	}
	c.store.SetLastActivity(t)
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsAuthenticated reports whether an identity is present. This is the only
// definition of authenticated: there is no separate boolean to drift.
func (c *Controller) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user != nil
}

// IsLoading reports whether startup validation is still in progress.
func (c *Controller) IsLoading() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loading
}

// User returns a copy of the current identity, if authenticated.
func (c *Controller) User() (*UserInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return nil, false
	}
	cp := *c.user
	return &cp, true
}

// Err returns the current session error, if any. Set on login failure and
// cleared on the next successful transition.
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Token returns the stored streaming credential, if present.
func (c *Controller) Token() (string, bool) {
	return c.store.Token()
}

// forceLogout discards the stored credential without touching c.user, which
// is still nil during startup.
func (c *Controller) forceLogout(ctx context.Context) {
	if err := c.client.Logout(ctx); err != nil {
		c.logger.Warn("Remote logout failed during forced expiry", "error", err)
	}
	c.store.Clear()
}

// transition moves to an intermediate state and notifies observers.
func (c *Controller) transition(state State) {
	c.mu.Lock()
	c.state = state
	callbacks := c.callbacksLocked()
	c.mu.Unlock()
	for _, cb := range callbacks {
		cb(state)
	}
}

// settle moves to a terminal state, updating identity and error together
// under one lock so callers never observe state and identity disagreeing.
func (c *Controller) settle(state State, user *UserInfo, err error) State {
	c.mu.Lock()
	c.state = state
	c.user = user
	c.lastErr = err
	c.loading = false
	callbacks := c.callbacksLocked()
	c.mu.Unlock()
	for _, cb := range callbacks {
		cb(state)
	}
	return state
}

func (c *Controller) callbacksLocked() []StateChangeCallback {
	callbacks := make([]StateChangeCallback, len(c.onChange))
	copy(callbacks, c.onChange)
	return callbacks
}
