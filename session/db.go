package session

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// PersistedState is the on-disk session record.
type PersistedState struct {
	Token        string
	User         *UserInfo
	LastActivity time.Time
	InitialLogin time.Time
}

// DB provides SQLite persistence for the session store. The session occupies
// a single row, so writes replace it wholesale and Clear is a single DELETE.
type DB struct {
	db  *sql.DB
	key []byte // optional: AES key for encrypting the stored credential
}

// OpenDB opens (or creates) the SQLite database at path and ensures the
// session table exists.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS session_state (
    id                 INTEGER PRIMARY KEY CHECK(id = 1),
    auth_token         TEXT NOT NULL,
    user_id            TEXT,
    user_name          TEXT,
    user_email         TEXT,
    last_activity_time INTEGER NOT NULL,
    initial_login_time INTEGER NOT NULL
);`
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &DB{db: db}, nil
}

// SetEncryptionKey enables at-rest encryption of the stored credential.
func (d *DB) SetEncryptionKey(key []byte) {
	d.key = key
}

// Close closes the underlying database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// SaveState upserts the single session row.
func (d *DB) SaveState(state *PersistedState) error {
	token := state.Token
	if d.key != nil && token != "" {
		sealed, err := sealToken(d.key, token)
		if err != nil {
			return fmt.Errorf("seal token: %w", err)
		}
		token = sealed
	}

	var userID, userName, userEmail sql.NullString
	if state.User != nil {
		userID = sql.NullString{String: state.User.ID, Valid: true}
		userName = sql.NullString{String: state.User.Name, Valid: true}
		userEmail = sql.NullString{String: state.User.Email, Valid: true}
	}

	_, err := d.db.Exec(`INSERT INTO session_state
		(id, auth_token, user_id, user_name, user_email, last_activity_time, initial_login_time)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			auth_token         = excluded.auth_token,
			user_id            = excluded.user_id,
			user_name          = excluded.user_name,
			user_email         = excluded.user_email,
			last_activity_time = excluded.last_activity_time,
			initial_login_time = excluded.initial_login_time`,
		token, userID, userName, userEmail,
		epochMillis(state.LastActivity), epochMillis(state.InitialLogin))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadState reads the session row. Returns (nil, nil) when no session is
// persisted.
func (d *DB) LoadState() (*PersistedState, error) {
	row := d.db.QueryRow(`SELECT auth_token, user_id, user_name, user_email,
		last_activity_time, initial_login_time FROM session_state WHERE id = 1`)

	var (
		token                       string
		userID, userName, userEmail sql.NullString
		lastActivity, initialLogin  int64
	)
	err := row.Scan(&token, &userID, &userName, &userEmail, &lastActivity, &initialLogin)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	if d.key != nil && token != "" {
		token = openToken(d.key, token)
	}

	state := &PersistedState{
		Token:        token,
		LastActivity: fromEpochMillis(lastActivity),
		InitialLogin: fromEpochMillis(initialLogin),
	}
	if userID.Valid {
		state.User = &UserInfo{ID: userID.String, Name: userName.String, Email: userEmail.String}
	}
	return state, nil
}

// ClearState removes the session row. A single statement, so the credential
// and both timestamps disappear together.
func (d *DB) ClearState() error {
	if _, err := d.db.Exec(`DELETE FROM session_state WHERE id = 1`); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func epochMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromEpochMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
