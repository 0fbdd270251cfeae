package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStateRoundTrip(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().Truncate(time.Millisecond)

	err := db.SaveState(&PersistedState{
		Token:        "tok-123",
		User:         &UserInfo{ID: "u1", Name: "Asha", Email: "asha@example.com"},
		LastActivity: now,
		InitialLogin: now.Add(-time.Hour),
	})
	require.NoError(t, err)

	state, err := db.LoadState()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "tok-123", state.Token)
	require.NotNil(t, state.User)
	assert.Equal(t, "u1", state.User.ID)
	assert.Equal(t, "Asha", state.User.Name)
	assert.True(t, state.LastActivity.Equal(now))
	assert.True(t, state.InitialLogin.Equal(now.Add(-time.Hour)))
}

func TestLoadStateEmpty(t *testing.T) {
	db := openTestDB(t)

	state, err := db.LoadState()
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestSaveStateUpsert(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SaveState(&PersistedState{Token: "first", LastActivity: time.Now()}))
	require.NoError(t, db.SaveState(&PersistedState{Token: "second", LastActivity: time.Now()}))

	state, err := db.LoadState()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "second", state.Token)
	assert.Nil(t, state.User)
}

func TestClearStateRemovesEverything(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.SaveState(&PersistedState{
		Token:        "tok",
		User:         &UserInfo{ID: "u1"},
		LastActivity: time.Now(),
		InitialLogin: time.Now(),
	}))

	require.NoError(t, db.ClearState())

	state, err := db.LoadState()
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestEncryptedTokenRoundTrip(t *testing.T) {
	db := openTestDB(t)
	key, err := DeriveEncryptionKey("test-secret")
	require.NoError(t, err)
	db.SetEncryptionKey(key)

	require.NoError(t, db.SaveState(&PersistedState{Token: "plaintext-token", LastActivity: time.Now()}))

	state, err := db.LoadState()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "plaintext-token", state.Token)

	// The raw row must not contain the plaintext
	var raw string
	require.NoError(t, db.db.QueryRow(`SELECT auth_token FROM session_state WHERE id = 1`).Scan(&raw))
	assert.NotEqual(t, "plaintext-token", raw)
}

func TestStoreWriteThrough(t *testing.T) {
	db := openTestDB(t)
	store := NewStore()
	store.SetLogger(testLogger())
	store.SetDB(db)

	store.SetToken("tok")
	store.SetUser(&UserInfo{ID: "u9", Name: "Nina"})
	store.SetLastActivity(time.Now())
	store.SetInitialLogin(time.Now())

	// A fresh store hydrated from the same DB sees the session
	restored := NewStore()
	restored.SetDB(db)
	require.NoError(t, restored.LoadFromDB())

	token, ok := restored.Token()
	require.True(t, ok)
	assert.Equal(t, "tok", token)
	user, ok := restored.User()
	require.True(t, ok)
	assert.Equal(t, "u9", user.ID)

	// Clear propagates too
	store.Clear()
	wiped := NewStore()
	wiped.SetDB(db)
	require.NoError(t, wiped.LoadFromDB())
	_, ok = wiped.Token()
	assert.False(t, ok)
}
