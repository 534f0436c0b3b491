package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestCreateAccount_NormalisesAndRejectsDuplicates(t *testing.T) {
	store := NewStore(900)

	account, err := store.CreateAccount("  Player@Example.COM ", "hunter2longer")
	require.NoError(t, err)
	assert.Equal(t, "player@example.com", account.Email)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte("hunter2longer")))

	_, err = store.CreateAccount("player@example.com", "otherpassword")
	assert.ErrorIs(t, err, ErrEmailAlreadyExists)
}

func TestCreateAPIKey_RawReturnedOnce(t *testing.T) {
	store := NewStore(900)
	account, err := store.CreateAccount("k@example.com", "hunter2longer")
	require.NoError(t, err)

	key, raw, err := store.CreateAPIKey(account.ID, "bot")
	require.NoError(t, err)
	assert.Equal(t, raw[:12], key.KeyPrefix)
	assert.NotContains(t, key.KeyHash, raw, "only the hash is stored")
	assert.Equal(t, "bot", key.Label)

	_, _, err = store.CreateAPIKey("acc_missing", "")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestCreateSession_RoleValidation(t *testing.T) {
	store := NewStore(900)
	account, err := store.CreateAccount("s@example.com", "hunter2longer")
	require.NoError(t, err)
	_, raw, err := store.CreateAPIKey(account.ID, "")
	require.NoError(t, err)

	_, err = store.CreateSession(raw, "admin", "")
	assert.ErrorIs(t, err, ErrInvalidScope)

	_, err = store.CreateSession(raw, RoleAgent, "")
	assert.ErrorIs(t, err, ErrAgentIDRequired)

	_, err = store.CreateSession("dcw_not_a_key", RoleAgent, "a1")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	session, err := store.CreateSession(raw, RoleAgent, "a1")
	require.NoError(t, err)
	assert.Equal(t, RoleAgent, session.Role)
	assert.Equal(t, "a1", session.AgentID)
	assert.NotEmpty(t, session.CmdSecret)

	// Spectator sessions drop any supplied agent binding.
	spec, err := store.CreateSession(raw, RoleSpectator, "a1")
	require.NoError(t, err)
	assert.Empty(t, spec.AgentID)
}

func TestGetSession_LazyExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewStore(60, WithClock(func() time.Time { return now }))

	session := store.CreateDevSpectatorSession()

	_, ok := store.GetSession(session.Token)
	assert.True(t, ok)

	now = now.Add(61 * time.Second)
	_, ok = store.GetSession(session.Token)
	assert.False(t, ok, "expired sessions are purged on lookup")
}

func TestValidateSession(t *testing.T) {
	store := NewStore(900)
	owner, err := store.CreateDevOwnerSession("a1")
	require.NoError(t, err)

	_, err = store.ValidateSession("sess_bogus", RoleAgent, "a1")
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = store.ValidateSession(owner.Token, RoleSpectator, "")
	assert.ErrorIs(t, err, ErrInvalidScope)

	_, err = store.ValidateSession(owner.Token, RoleOwnerSpectator, "someone-else")
	assert.ErrorIs(t, err, ErrAgentMismatch)

	got, err := store.ValidateSession(owner.Token, RoleOwnerSpectator, "a1")
	require.NoError(t, err)
	assert.Equal(t, owner.JTI, got.JTI)
}

func TestCreateDevOwnerSession_RequiresAgent(t *testing.T) {
	store := NewStore(900)
	_, err := store.CreateDevOwnerSession("")
	assert.ErrorIs(t, err, ErrAgentIDRequired)
}
