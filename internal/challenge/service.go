// Package challenge implements the per-command issue/verify protocol: each
// accepted command is bound to a session, a transport channel, an
// HMAC-SHA256 signature over a canonical payload, a short-lived nonce and an
// optional sha256 proof-of-work. A record verifies at most once.
package challenge

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Challenge record lifecycle. Transitions are one way: ISSUED → CONSUMED or
// ISSUED → EXPIRED.
const (
	StatusIssued   = "ISSUED"
	StatusConsumed = "CONSUMED"
	StatusExpired  = "EXPIRED"
)

// Stable wire reasons for verification failures.
const (
	ReasonExpiredChallenge = "expired_challenge"
	ReasonAuthFailed       = "auth_failed"
)

// Record is one issued command challenge.
type Record struct {
	ServerCmdID string
	ClientCmdID string
	AgentID     string
	SessionJTI  string
	ChannelID   string
	CmdHash     string
	Nonce       string
	ExpiresAt   int64
	Difficulty  int
	Status      string
	CreatedAt   int64
}

// VerifyResult reports the outcome of a challenge answer.
type VerifyResult struct {
	OK     bool
	Reason string
}

// Service issues and verifies command challenges. Records live in memory and
// are purged once older than the configured TTL.
type Service struct {
	expiresSeconds    int64
	ttlSeconds        int64
	defaultDifficulty int
	now               func() time.Time

	mu      sync.Mutex
	records map[string]*Record
}

// Option tweaks Service construction; used by tests to inject a clock.
type Option func(*Service)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a challenge service.
func NewService(expiresSeconds, ttlSeconds, defaultDifficulty int, opts ...Option) *Service {
	s := &Service{
		expiresSeconds:    int64(expiresSeconds),
		ttlSeconds:        int64(ttlSeconds),
		defaultDifficulty: defaultDifficulty,
		now:               time.Now,
		records:           make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HashCmd returns the sha256 hex digest of the command's canonical JSON
// form: lexicographically sorted keys, compact separators, literal (not
// HTML-escaped) `<`, `>` and `&`, and every non-ASCII rune emitted as a
// lowercase \uXXXX escape (a surrogate pair above the BMP). Clients must
// reproduce this exact serialisation to sign commands.
func HashCmd(cmd map[string]any) string {
	sum := sha256.Sum256(canonicalJSON(cmd))
	return hex.EncodeToString(sum[:])
}

func canonicalJSON(cmd map[string]any) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(cmd); err != nil {
		return []byte("{}")
	}
	compact := bytes.TrimRight(buf.Bytes(), "\n")

	// After encoding, non-ASCII bytes only occur inside string literals, so
	// a flat pass over the runes is safe.
	var out bytes.Buffer
	for _, r := range string(compact) {
		switch {
		case r < utf8.RuneSelf:
			out.WriteRune(r)
		case r > 0xFFFF:
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&out, `\u%04x\u%04x`, hi, lo)
		default:
			fmt.Fprintf(&out, `\u%04x`, r)
		}
	}
	return out.Bytes()
}

// BuildSigPayload assembles the literal string the client signs.
func BuildSigPayload(sessionJTI, channelID, agentID, serverCmdID, clientCmdID, cmdHash, nonce string, expiresAt int64, difficulty int) string {
	return fmt.Sprintf("v1|%s|%s|%s|%s|%s|%s|%s|%d|%d",
		sessionJTI, channelID, agentID, serverCmdID, clientCmdID, cmdHash, nonce, expiresAt, difficulty)
}

// Sign computes the base64url-no-pad HMAC-SHA256 of payload under secret.
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyPoW checks the proof-of-work: sha256("nonce|cmd_hash|proof_nonce")
// hex must start with difficulty leading '0' characters. Returns the hash so
// transports can echo it for debugging.
func VerifyPoW(nonce, cmdHash, proofNonce string, difficulty int) (bool, string) {
	sum := sha256.Sum256([]byte(nonce + "|" + cmdHash + "|" + proofNonce))
	powHash := hex.EncodeToString(sum[:])
	return strings.HasPrefix(powHash, strings.Repeat("0", difficulty)), powHash
}

// Issue mints a challenge for a command attempt. difficulty < 0 selects the
// service default. Stale records past the retention TTL are purged first.
func (s *Service) Issue(agentID, sessionJTI, channelID, clientCmdID string, cmd map[string]any, difficulty int) *Record {
	now := s.now().Unix()
	if difficulty < 0 {
		difficulty = s.defaultDifficulty
	}

	rec := &Record{
		ServerCmdID: "cmd_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		ClientCmdID: clientCmdID,
		AgentID:     agentID,
		SessionJTI:  sessionJTI,
		ChannelID:   channelID,
		CmdHash:     HashCmd(cmd),
		Nonce:       newNonce(),
		ExpiresAt:   now + s.expiresSeconds,
		Difficulty:  difficulty,
		Status:      StatusIssued,
		CreatedAt:   now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(now)
	s.records[rec.ServerCmdID] = rec
	return rec
}

// Get returns a copy of the record for serverCmdID, if present.
func (s *Service) Get(serverCmdID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[serverCmdID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// VerifyAnswer validates a signed challenge answer. A record that is
// missing, already consumed, or past its expiry yields expired_challenge;
// mismatched bindings, a bad signature, or a failed proof-of-work yield
// auth_failed. On success the record is consumed and can never verify again.
func (s *Service) VerifyAnswer(serverCmdID, agentID, sessionJTI, channelID, cmdSecret, sig, proofNonce string) VerifyResult {
	now := s.now().Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[serverCmdID]
	if !ok || rec.Status != StatusIssued {
		return VerifyResult{Reason: ReasonExpiredChallenge}
	}

	if now > rec.ExpiresAt {
		rec.Status = StatusExpired
		return VerifyResult{Reason: ReasonExpiredChallenge}
	}

	if rec.AgentID != agentID || rec.SessionJTI != sessionJTI || rec.ChannelID != channelID {
		return VerifyResult{Reason: ReasonAuthFailed}
	}

	payload := BuildSigPayload(rec.SessionJTI, rec.ChannelID, rec.AgentID, rec.ServerCmdID,
		rec.ClientCmdID, rec.CmdHash, rec.Nonce, rec.ExpiresAt, rec.Difficulty)
	expected := Sign(cmdSecret, payload)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return VerifyResult{Reason: ReasonAuthFailed}
	}

	if rec.Difficulty > 0 {
		if proofNonce == "" {
			return VerifyResult{Reason: ReasonAuthFailed}
		}
		if ok, _ := VerifyPoW(rec.Nonce, rec.CmdHash, proofNonce, rec.Difficulty); !ok {
			return VerifyResult{Reason: ReasonAuthFailed}
		}
	}

	rec.Status = StatusConsumed
	return VerifyResult{OK: true}
}

func (s *Service) purgeLocked(now int64) {
	for id, rec := range s.records {
		if now > rec.CreatedAt+s.ttlSeconds {
			delete(s.records, id)
		}
	}
}

// newNonce returns a random 128-bit base64url token.
func newNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a uuid.
		return strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
