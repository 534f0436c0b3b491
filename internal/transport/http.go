package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dungeonclaw/backend/internal/auth"
	"github.com/dungeonclaw/backend/internal/engine"
)

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type createKeyRequest struct {
	AccountID string `json:"account_id"`
	Label     string `json:"label"`
}

type createSessionRequest struct {
	APIKey  string `json:"api_key"`
	Role    string `json:"role"`
	AgentID string `json:"agent_id"`
}

type devMoveToRequest struct {
	AgentID string `json:"agent_id"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		httpError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	account, err := s.store.CreateAccount(req.Email, req.Password)
	if err != nil {
		httpError(w, http.StatusConflict, authReason(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": account.ID,
		"email":      account.Email,
	})
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountID == "" {
		httpError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	key, raw, err := s.store.CreateAPIKey(req.AccountID, req.Label)
	if err != nil {
		httpError(w, http.StatusBadRequest, authReason(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"key_id":     key.ID,
		"key_prefix": key.KeyPrefix,
		"api_key":    raw,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.APIKey == "" {
		httpError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	session, err := s.store.CreateSession(req.APIKey, req.Role, req.AgentID)
	if err != nil {
		httpError(w, http.StatusBadRequest, authReason(err))
		return
	}
	writeSession(w, session)
}

// handleDevSpectatorSession mints a throwaway spectator session; with
// ?agent_id= it mints an owner_spectator bound to that agent instead.
func (s *Server) handleDevSpectatorSession(w http.ResponseWriter, r *http.Request) {
	if !s.settings.DevSpectatorSessionEnabled() {
		httpError(w, http.StatusForbidden, "dev_spectator_session_disabled")
		return
	}

	if agentID := r.URL.Query().Get("agent_id"); agentID != "" {
		session, err := s.store.CreateDevOwnerSession(agentID)
		if err != nil {
			httpError(w, http.StatusBadRequest, authReason(err))
			return
		}
		writeSession(w, session)
		return
	}
	writeSession(w, s.store.CreateDevSpectatorSession())
}

// handleDevMoveTo submits a move for an agent without the challenge
// handshake. Dev only; the caller must hold the dev test token or a session
// bound to the target agent.
func (s *Server) handleDevMoveTo(w http.ResponseWriter, r *http.Request) {
	if !s.settings.DevSpectatorSessionEnabled() {
		httpError(w, http.StatusForbidden, "dev_debug_route_disabled")
		return
	}

	var req devMoveToRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID == "" {
		httpError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	token := bearerToken(r)
	if !s.isDevTestToken(token) {
		session, ok := s.store.GetSession(token)
		if !ok {
			httpError(w, http.StatusUnauthorized, "invalid_session")
			return
		}
		if session.Role != auth.RoleAgent && session.Role != auth.RoleOwnerSpectator {
			httpError(w, http.StatusForbidden, "invalid_scope")
			return
		}
		if session.AgentID != req.AgentID {
			httpError(w, http.StatusForbidden, "agent_mismatch")
			return
		}
	}

	if _, err := s.world.EnsureAgent(req.AgentID); err != nil {
		httpError(w, http.StatusBadRequest, engineReason(err))
		return
	}

	serverCmdID := "cmd_" + randomHex(6)
	started, err := s.world.SubmitMoveCommand(req.AgentID, serverCmdID, req.X, req.Y)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"server_cmd_id": serverCmdID,
			"accepted":      false,
			"reason":        engineReason(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"server_cmd_id": serverCmdID,
		"accepted":      true,
		"started_tick":  started,
	})
}

func (s *Server) handleChunkSnapshot(w http.ResponseWriter, r *http.Request) {
	chunkID := s.resolveChunkID(mux.Vars(r)["chunk_id"])

	token := bearerToken(r)
	if !s.isDevTestToken(token) {
		session, ok := s.store.GetSession(token)
		if !ok {
			httpError(w, http.StatusUnauthorized, "invalid_session")
			return
		}
		switch session.Role {
		case auth.RoleAgent, auth.RoleSpectator, auth.RoleOwnerSpectator:
		default:
			httpError(w, http.StatusForbidden, "invalid_scope")
			return
		}
	}

	payload, err := s.world.ChunkSnapshotPayload(chunkID)
	if err != nil {
		if errors.Is(err, engine.ErrChunkNotFound) {
			httpError(w, http.StatusNotFound, engineReason(err))
			return
		}
		httpError(w, http.StatusBadRequest, engineReason(err))
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeSession(w http.ResponseWriter, session *auth.Session) {
	writeJSON(w, http.StatusOK, map[string]any{
		"session_token": session.Token,
		"session_jti":   session.JTI,
		"role":          session.Role,
		"cmd_secret":    session.CmdSecret,
		"expires_at":    session.ExpiresAt,
	})
}

func authReason(err error) string {
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		return authErr.Reason
	}
	return "invalid_request"
}

func engineReason(err error) string {
	var engineErr *engine.Error
	if errors.As(err, &engineErr) {
		return engineErr.Reason
	}
	return "internal_error"
}
