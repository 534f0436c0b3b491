package challenge

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(at *time.Time) func() time.Time {
	return func() time.Time { return *at }
}

func solvePoW(t *testing.T, nonce, cmdHash string, difficulty int) string {
	t.Helper()
	for i := 0; i < 1_000_000; i++ {
		proof := fmt.Sprintf("p%d", i)
		if ok, _ := VerifyPoW(nonce, cmdHash, proof, difficulty); ok {
			return proof
		}
	}
	t.Fatal("no proof-of-work found")
	return ""
}

func answerFor(rec *Record, secret string) string {
	payload := BuildSigPayload(rec.SessionJTI, rec.ChannelID, rec.AgentID, rec.ServerCmdID,
		rec.ClientCmdID, rec.CmdHash, rec.Nonce, rec.ExpiresAt, rec.Difficulty)
	return Sign(secret, payload)
}

func TestHashCmd_CanonicalForm(t *testing.T) {
	a := HashCmd(map[string]any{"type": "move_to", "x": 1, "y": 2})
	b := HashCmd(map[string]any{"y": 2, "x": 1, "type": "move_to"})
	assert.Equal(t, a, b, "key order must not matter")
	assert.Len(t, a, 64)
}

// Pinned digests of the committed canonical form: `<`, `>` and `&` stay
// literal, non-ASCII runes become lowercase \uXXXX escapes, astral-plane
// runes become surrogate pairs.
func TestHashCmd_SpecialCharacters(t *testing.T) {
	assert.Equal(t,
		"067c97ccbf87833696692634e55797bf507f74806f794787b3dd81ae4565348c",
		HashCmd(map[string]any{"type": "say", "text": "<a> & é"}))
	assert.Equal(t,
		"493eb9da7be253ba931febab5020cebf4ec89344a784990542e49b89ed2b35fd",
		HashCmd(map[string]any{"type": "say", "text": "hi \U0001F600"}))
}

func TestVerify_SuccessThenReplay(t *testing.T) {
	// Scenario S5: first verify OK, replay fails with expired_challenge.
	now := time.Unix(1_700_000_000, 0)
	svc := NewService(5, 10, 2, WithClock(fixedClock(&now)))

	cmd := map[string]any{"type": "move_to", "x": 1, "y": 2}
	rec := svc.Issue("a1", "jti-1", "ch-1", "cli-1", cmd, -1)
	require.Equal(t, 2, rec.Difficulty)
	require.Equal(t, StatusIssued, rec.Status)

	sig := answerFor(rec, "secret")
	proof := solvePoW(t, rec.Nonce, rec.CmdHash, rec.Difficulty)

	res := svc.VerifyAnswer(rec.ServerCmdID, "a1", "jti-1", "ch-1", "secret", sig, proof)
	assert.True(t, res.OK)

	stored, ok := svc.Get(rec.ServerCmdID)
	require.True(t, ok)
	assert.Equal(t, StatusConsumed, stored.Status)

	replay := svc.VerifyAnswer(rec.ServerCmdID, "a1", "jti-1", "ch-1", "secret", sig, proof)
	assert.False(t, replay.OK)
	assert.Equal(t, ReasonExpiredChallenge, replay.Reason)
}

func TestVerify_SignatureBinding(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	svc := NewService(5, 10, 0, WithClock(fixedClock(&now)))

	cmd := map[string]any{"type": "move_to", "x": 3, "y": 4}

	cases := []struct {
		name   string
		mutate func(rec *Record) (agentID, jti, channel, secret, sig string)
		reason string
	}{
		{"wrong agent", func(r *Record) (string, string, string, string, string) {
			return "other", r.SessionJTI, r.ChannelID, "secret", answerFor(r, "secret")
		}, ReasonAuthFailed},
		{"wrong jti", func(r *Record) (string, string, string, string, string) {
			return r.AgentID, "jti-evil", r.ChannelID, "secret", answerFor(r, "secret")
		}, ReasonAuthFailed},
		{"wrong channel", func(r *Record) (string, string, string, string, string) {
			return r.AgentID, r.SessionJTI, "ch-evil", "secret", answerFor(r, "secret")
		}, ReasonAuthFailed},
		{"wrong secret", func(r *Record) (string, string, string, string, string) {
			return r.AgentID, r.SessionJTI, r.ChannelID, "secret", answerFor(r, "not-the-secret")
		}, ReasonAuthFailed},
		{"tampered sig", func(r *Record) (string, string, string, string, string) {
			return r.AgentID, r.SessionJTI, r.ChannelID, "secret", "AAAA" + answerFor(r, "secret")[4:]
		}, ReasonAuthFailed},
		{"tampered payload field", func(r *Record) (string, string, string, string, string) {
			forged := *r
			forged.CmdHash = strings.Repeat("0", 64)
			return r.AgentID, r.SessionJTI, r.ChannelID, "secret", answerFor(&forged, "secret")
		}, ReasonAuthFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := svc.Issue("a1", "jti-1", "ch-1", "cli-1", cmd, 0)
			agentID, jti, channel, secret, sig := tc.mutate(rec)
			res := svc.VerifyAnswer(rec.ServerCmdID, agentID, jti, channel, secret, sig, "")
			assert.False(t, res.OK)
			assert.Equal(t, tc.reason, res.Reason)
		})
	}
}

func TestVerify_UnknownRecord(t *testing.T) {
	svc := NewService(5, 10, 0)
	res := svc.VerifyAnswer("cmd_missing", "a1", "jti", "ch", "secret", "sig", "")
	assert.False(t, res.OK)
	assert.Equal(t, ReasonExpiredChallenge, res.Reason)
}

func TestVerify_ExpiryMarksRecord(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	svc := NewService(5, 60, 0, WithClock(fixedClock(&now)))

	rec := svc.Issue("a1", "jti-1", "ch-1", "cli-1", map[string]any{"type": "say"}, 0)
	sig := answerFor(rec, "secret")

	now = now.Add(6 * time.Second)
	res := svc.VerifyAnswer(rec.ServerCmdID, "a1", "jti-1", "ch-1", "secret", sig, "")
	assert.False(t, res.OK)
	assert.Equal(t, ReasonExpiredChallenge, res.Reason)

	stored, ok := svc.Get(rec.ServerCmdID)
	require.True(t, ok)
	assert.Equal(t, StatusExpired, stored.Status)
}

func TestVerify_PoWRequiredAndChecked(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	svc := NewService(5, 10, 1, WithClock(fixedClock(&now)))

	rec := svc.Issue("a1", "jti-1", "ch-1", "cli-1", map[string]any{"type": "move_to", "x": 0, "y": 0}, 1)
	sig := answerFor(rec, "secret")

	missing := svc.VerifyAnswer(rec.ServerCmdID, "a1", "jti-1", "ch-1", "secret", sig, "")
	assert.Equal(t, ReasonAuthFailed, missing.Reason)

	bad := svc.VerifyAnswer(rec.ServerCmdID, "a1", "jti-1", "ch-1", "secret", sig, "definitely-wrong")
	if ok, _ := VerifyPoW(rec.Nonce, rec.CmdHash, "definitely-wrong", 1); !ok {
		assert.Equal(t, ReasonAuthFailed, bad.Reason)
	}

	proof := solvePoW(t, rec.Nonce, rec.CmdHash, 1)
	res := svc.VerifyAnswer(rec.ServerCmdID, "a1", "jti-1", "ch-1", "secret", sig, proof)
	assert.True(t, res.OK)
}

func TestVerify_ZeroDifficultySkipsPoW(t *testing.T) {
	svc := NewService(5, 10, 0)
	rec := svc.Issue("a1", "jti-1", "ch-1", "cli-1", map[string]any{"type": "say"}, 0)
	sig := answerFor(rec, "secret")
	res := svc.VerifyAnswer(rec.ServerCmdID, "a1", "jti-1", "ch-1", "secret", sig, "")
	assert.True(t, res.OK)
}

func TestIssue_PurgesStaleRecords(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	svc := NewService(5, 10, 0, WithClock(fixedClock(&now)))

	old := svc.Issue("a1", "jti-1", "ch-1", "cli-1", map[string]any{"type": "say"}, 0)

	now = now.Add(11 * time.Second)
	svc.Issue("a1", "jti-1", "ch-1", "cli-2", map[string]any{"type": "say"}, 0)

	_, ok := svc.Get(old.ServerCmdID)
	assert.False(t, ok, "records past ttl are purged on issue")
}

func TestVerifyPoW_LeadingZeroRule(t *testing.T) {
	ok, hash := VerifyPoW("nonce", "hash", "proof", 0)
	assert.True(t, ok)
	assert.Len(t, hash, 64)

	okN, hashN := VerifyPoW("nonce", "hash", "proof", 64)
	assert.False(t, okN)
	assert.Equal(t, hash, hashN)
}
