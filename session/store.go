package session

import (
	"log/slog"
	"sync"
	"time"
)

// UserInfo is the authenticated user identity.
type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Store holds the persisted session state: the auth credential, the resolved
// user identity and the activity timestamps. It is safe for concurrent use.
// Optionally backed by SQLite for persistence across restarts via SetDB.
type Store struct {
	mu           sync.RWMutex
	token        string
	user         *UserInfo
	lastActivity time.Time
	initialLogin time.Time

	db     *DB
	logger *slog.Logger
}

// NewStore creates an in-memory session store.
func NewStore() *Store {
	return &Store{}
}

// SetLogger sets the logger for DB error reporting.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetDB enables write-through persistence to the given SQLite database.
func (s *Store) SetDB(db *DB) {
	s.db = db
}

// LoadFromDB populates the in-memory store from the database.
func (s *Store) LoadFromDB() error {
	if s.db == nil {
		return nil
	}
	state, err := s.db.LoadState()
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = state.Token
	s.user = state.User
	s.lastActivity = state.LastActivity
	s.initialLogin = state.InitialLogin
	return nil
}

// Token returns the stored auth credential, if any.
func (s *Store) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// SetToken stores the auth credential.
func (s *Store) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	s.persist()
}

// User returns a copy of the stored user identity, if any.
func (s *Store) User() (*UserInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil, false
	}
	cp := *s.user
	return &cp, true
}

// SetUser stores a copy of the user identity.
func (s *Store) SetUser(u *UserInfo) {
	s.mu.Lock()
	if u == nil {
		s.user = nil
	} else {
		cp := *u
		s.user = &cp
	}
	s.mu.Unlock()
	s.persist()
}

// LastActivity returns the instant of the last detected user interaction.
func (s *Store) LastActivity() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity, !s.lastActivity.IsZero()
}

// SetLastActivity records a user interaction. The stored timestamp is
// monotonically non-decreasing: an earlier instant is ignored.
func (s *Store) SetLastActivity(t time.Time) {
	s.mu.Lock()
	if t.Before(s.lastActivity) {
		s.mu.Unlock()
		return
	}
	s.lastActivity = t
	s.mu.Unlock()
	s.persist()
}

// InitialLogin returns the instant the current session was established.
func (s *Store) InitialLogin() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialLogin, !s.initialLogin.IsZero()
}

// SetInitialLogin records the login instant.
func (s *Store) SetInitialLogin(t time.Time) {
	s.mu.Lock()
	s.initialLogin = t
	s.mu.Unlock()
	s.persist()
}

// Clear removes all persisted session state in one step: credential, user
// identity and both timestamps.
func (s *Store) Clear() {
	s.mu.Lock()
	s.token = ""
	s.user = nil
	s.lastActivity = time.Time{}
	s.initialLogin = time.Time{}
	s.mu.Unlock()

	if s.db != nil {
		if err := s.db.ClearState(); err != nil && s.logger != nil {
			s.logger.Error("Failed to clear persisted session", "error", err)
		}
	}
}

// persist writes the current state through to the database, if configured.
func (s *Store) persist() {
	if s.db == nil {
		return
	}
	s.mu.RLock()
	state := PersistedState{
		Token:        s.token,
		LastActivity: s.lastActivity,
		InitialLogin: s.initialLogin,
	}
	if s.user != nil {
		cp := *s.user
		state.User = &cp
	}
	s.mu.RUnlock()

	if err := s.db.SaveState(&state); err != nil && s.logger != nil {
		s.logger.Error("Failed to persist session state", "error", err)
	}
}
