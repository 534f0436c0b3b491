// Package auth provides the in-memory account, API key and session store
// consumed by the transports.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Session roles.
const (
	RoleAgent          = "agent"
	RoleSpectator      = "spectator"
	RoleOwnerSpectator = "owner_spectator"
)

// Error is a stable wire reason raised by store operations.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return e.Reason }

func errReason(reason string) *Error { return &Error{Reason: reason} }

// Stable auth failure reasons.
var (
	ErrEmailAlreadyExists = errReason("email_already_exists")
	ErrAccountNotFound    = errReason("account_not_found")
	ErrInvalidAPIKey      = errReason("invalid_api_key")
	ErrInvalidScope       = errReason("invalid_scope")
	ErrAgentIDRequired    = errReason("agent_id_required")
	ErrInvalidSession     = errReason("invalid_session")
	ErrAgentMismatch      = errReason("agent_mismatch")
)

// Account is immutable after creation.
type Account struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    int64
}

// APIKey stores only the sha256 of the raw token; the raw value is returned
// once at creation and never again.
type APIKey struct {
	ID        string
	AccountID string
	KeyPrefix string
	KeyHash   string
	Label     string
	CreatedAt int64
}

// Session is an opaque bearer credential with a per-session command secret.
type Session struct {
	Token     string
	JTI       string
	AccountID string
	Role      string
	AgentID   string
	CmdSecret string
	ExpiresAt int64
}

// Store is the in-memory auth backend. Expired sessions are purged lazily on
// lookup.
type Store struct {
	sessionTTL time.Duration
	now        func() time.Time

	mu              sync.Mutex
	accountsByID    map[string]*Account
	accountsByEmail map[string]*Account
	keysByID        map[string]*APIKey
	sessionsByToken map[string]*Session
}

// Option adjusts Store construction.
type Option func(*Store)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty auth store.
func NewStore(sessionTTLSeconds int, opts ...Option) *Store {
	s := &Store{
		sessionTTL:      time.Duration(sessionTTLSeconds) * time.Second,
		now:             time.Now,
		accountsByID:    make(map[string]*Account),
		accountsByEmail: make(map[string]*Account),
		keysByID:        make(map[string]*APIKey),
		sessionsByToken: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateAccount registers an account. The email is normalised to lower case
// and must be unique.
func (s *Store) CreateAccount(email, password string) (*Account, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accountsByEmail[normalized]; exists {
		return nil, ErrEmailAlreadyExists
	}

	account := &Account{
		ID:           "acc_" + uuid.NewString(),
		Email:        normalized,
		PasswordHash: string(hash),
		CreatedAt:    s.now().Unix(),
	}
	s.accountsByID[account.ID] = account
	s.accountsByEmail[normalized] = account
	return account, nil
}

// CreateAPIKey mints an API key for an account. The raw key is returned
// exactly once; only its hash is stored.
func (s *Store) CreateAPIKey(accountID, label string) (*APIKey, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accountsByID[accountID]; !exists {
		return nil, "", ErrAccountNotFound
	}

	raw := "dcw_" + randomToken(24)
	key := &APIKey{
		ID:        "key_" + uuid.NewString(),
		AccountID: accountID,
		KeyPrefix: raw[:12],
		KeyHash:   hashRaw(raw),
		Label:     label,
		CreatedAt: s.now().Unix(),
	}
	s.keysByID[key.ID] = key
	return key, raw, nil
}

// CreateSession exchanges a raw API key for a session. Agent and
// owner_spectator sessions must be bound to an agent id; spectator sessions
// never are.
func (s *Store) CreateSession(rawKey, role, agentID string) (*Session, error) {
	switch role {
	case RoleAgent, RoleSpectator, RoleOwnerSpectator:
	default:
		return nil, ErrInvalidScope
	}
	if (role == RoleAgent || role == RoleOwnerSpectator) && agentID == "" {
		return nil, ErrAgentIDRequired
	}
	if role == RoleSpectator {
		agentID = ""
	}

	keyHash := hashRaw(rawKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	var owner *APIKey
	for _, key := range s.keysByID {
		if key.KeyHash == keyHash {
			owner = key
			break
		}
	}
	if owner == nil {
		return nil, ErrInvalidAPIKey
	}

	session := s.issueSessionLocked(owner.AccountID, role, agentID)
	return session, nil
}

// CreateDevSpectatorSession mints a spectator session without an API key.
// The transport gates this behind the dev configuration flag.
func (s *Store) CreateDevSpectatorSession() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueSessionLocked("acc_dev_spectator", RoleSpectator, "")
}

// CreateDevOwnerSession mints an owner_spectator session bound to agentID,
// also dev-only.
func (s *Store) CreateDevOwnerSession(agentID string) (*Session, error) {
	if agentID == "" {
		return nil, ErrAgentIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueSessionLocked("acc_dev_owner", RoleOwnerSpectator, agentID), nil
}

// GetSession resolves a bearer token. Expired sessions are removed and
// reported as absent.
func (s *Store) GetSession(token string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByToken[token]
	if !ok {
		return nil, false
	}
	if session.ExpiresAt <= s.now().Unix() {
		delete(s.sessionsByToken, token)
		return nil, false
	}
	copied := *session
	return &copied, true
}

// ValidateSession resolves a token and checks role and agent binding.
func (s *Store) ValidateSession(token, requiredRole, requiredAgentID string) (*Session, error) {
	session, ok := s.GetSession(token)
	if !ok {
		return nil, ErrInvalidSession
	}
	if session.Role != requiredRole {
		return nil, ErrInvalidScope
	}
	if (requiredRole == RoleAgent || requiredRole == RoleOwnerSpectator) && session.AgentID != requiredAgentID {
		return nil, ErrAgentMismatch
	}
	return session, nil
}

func (s *Store) issueSessionLocked(accountID, role, agentID string) *Session {
	session := &Session{
		Token:     "sess_" + randomToken(24),
		JTI:       "jti_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		AccountID: accountID,
		Role:      role,
		AgentID:   agentID,
		CmdSecret: randomToken(32),
		ExpiresAt: s.now().Add(s.sessionTTL).Unix(),
	}
	s.sessionsByToken[session.Token] = session
	copied := *session
	return &copied
}

func hashRaw(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
