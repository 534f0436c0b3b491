package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dungeonclaw/backend/internal/engine"
)

type wsEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type commandReqPayload struct {
	ClientCmdID string         `json:"client_cmd_id"`
	Cmd         map[string]any `json:"cmd"`
}

type commandAnswerPayload struct {
	ServerCmdID string `json:"server_cmd_id"`
	Sig         string `json:"sig"`
	Proof       *struct {
		ProofNonce string `json:"proof_nonce"`
	} `json:"proof"`
}

// wsConn serialises writes; the engine forwarder and the command handler
// both produce outbound frames.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(msgType string, payload map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(map[string]any{"type": msgType, "payload": payload})
}

func (c *wsConn) forward(msg engine.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

// handleAgentWS runs the agent channel: session validation, world entry,
// bootstrap frames, then the command_req / command_answer protocol
// interleaved with engine events.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		httpError(w, http.StatusBadRequest, "agent_id_required")
		return
	}

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "agent_id", agentID, "error", err)
		return
	}
	conn := &wsConn{conn: raw}
	defer raw.Close()

	channelID := "ws-" + randomHex(4)

	session, err := s.store.ValidateSession(bearerToken(r), "agent", agentID)
	if err != nil {
		conn.send("error", map[string]any{"reason": authReason(err)})
		conn.mu.Lock()
		raw.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, authReason(err)))
		conn.mu.Unlock()
		return
	}

	if _, err := s.world.EnsureAgent(agentID); err != nil {
		conn.send("error", map[string]any{"reason": engineReason(err)})
		return
	}
	events := s.world.RegisterListener(agentID)

	if s.metrics != nil {
		s.metrics.WSConnections.Inc()
	}

	// Forward engine events until the connection winds down.
	done := make(chan struct{})
	var closeOnce sync.Once
	go func() {
		for {
			select {
			case <-done:
				return
			case msg := <-events:
				if err := conn.forward(msg); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		closeOnce.Do(func() { close(done) })
		s.world.UnregisterListener(agentID, events)
		s.world.RemoveAgent(agentID)
		if s.metrics != nil {
			s.metrics.WSConnections.Dec()
		}
		slog.Info("agent disconnected", "agent_id", agentID, "channel_id", channelID)
	}()

	conn.send("session_ready", map[string]any{
		"agent_id":   agentID,
		"channel_id": channelID,
		"role":       "agent",
	})
	if static, err := s.world.ChunkStaticPayload("", agentID); err == nil {
		conn.send("chunk_static", static)
	}
	if delta, err := s.world.ChunkDeltaPayload("", agentID); err == nil {
		conn.send("chunk_delta", delta)
	}

	slog.Info("agent connected", "agent_id", agentID, "channel_id", channelID)

	// server_cmd_id -> original cmd, at most one in flight.
	pending := make(map[string]map[string]any)

	for {
		var envelope wsEnvelope
		if err := raw.ReadJSON(&envelope); err != nil {
			return
		}

		switch envelope.Type {
		case "ping":
			conn.send("heartbeat", map[string]any{"ok": true})

		case "command_req":
			var req commandReqPayload
			if err := json.Unmarshal(envelope.Payload, &req); err != nil {
				conn.send("command_ack", ackRejected("", "invalid_cmd"))
				continue
			}
			if len(pending) > 0 || s.world.HasActiveCommand(agentID) {
				conn.send("command_ack", ackRejected("", "busy"))
				continue
			}
			cmdType, _ := req.Cmd["type"].(string)
			if cmdType != "move_to" && cmdType != "say" {
				conn.send("command_ack", ackRejected("", "invalid_cmd"))
				continue
			}

			record := s.challenges.Issue(agentID, session.JTI, channelID, req.ClientCmdID, req.Cmd, -1)
			pending[record.ServerCmdID] = req.Cmd
			s.countChallenge("issued")

			conn.send("command_challenge", map[string]any{
				"client_cmd_id": record.ClientCmdID,
				"server_cmd_id": record.ServerCmdID,
				"nonce":         record.Nonce,
				"expires_at":    record.ExpiresAt,
				"difficulty":    record.Difficulty,
				"channel_id":    channelID,
				"sig_alg":       "HMAC-SHA256",
				"pow_alg":       "sha256-leading-hex-zeroes",
			})

		case "command_answer":
			var answer commandAnswerPayload
			if err := json.Unmarshal(envelope.Payload, &answer); err != nil {
				conn.send("command_ack", ackRejected("", "invalid_cmd"))
				continue
			}
			cmd, ok := pending[answer.ServerCmdID]
			if !ok {
				conn.send("command_ack", ackRejected(answer.ServerCmdID, "expired_challenge"))
				continue
			}
			delete(pending, answer.ServerCmdID)

			proofNonce := ""
			if answer.Proof != nil {
				proofNonce = answer.Proof.ProofNonce
			}
			verify := s.challenges.VerifyAnswer(
				answer.ServerCmdID, agentID, session.JTI, channelID,
				session.CmdSecret, answer.Sig, proofNonce,
			)
			if !verify.OK {
				s.countChallenge(verify.Reason)
				conn.send("command_ack", ackRejected(answer.ServerCmdID, verify.Reason))
				continue
			}
			s.countChallenge("ok")

			if cmdType, _ := cmd["type"].(string); cmdType == "say" {
				tick := s.world.Tick()
				conn.send("command_ack", map[string]any{
					"server_cmd_id": answer.ServerCmdID,
					"accepted":      true,
					"echo":          cmd,
					"started_tick":  tick,
				})
				conn.send("command_result", map[string]any{
					"server_cmd_id": answer.ServerCmdID,
					"status":        "completed",
					"ended_tick":    tick,
				})
				continue
			}

			x, okX := cmdInt(cmd, "x")
			y, okY := cmdInt(cmd, "y")
			if !okX || !okY {
				conn.send("command_ack", ackRejected(answer.ServerCmdID, "invalid_cmd"))
				continue
			}

			started, err := s.world.SubmitMoveCommand(agentID, answer.ServerCmdID, x, y)
			if err != nil {
				conn.send("command_ack", ackRejected(answer.ServerCmdID, engineReason(err)))
				continue
			}
			conn.send("command_ack", map[string]any{
				"server_cmd_id": answer.ServerCmdID,
				"accepted":      true,
				"echo":          cmd,
				"started_tick":  started,
			})

		default:
			conn.send("error", map[string]any{"reason": "unsupported_message_type"})
		}
	}
}

func ackRejected(serverCmdID, reason string) map[string]any {
	return map[string]any{
		"server_cmd_id": serverCmdID,
		"accepted":      false,
		"reason":        reason,
	}
}

// cmdInt pulls an integer coordinate out of a decoded cmd object.
func cmdInt(cmd map[string]any, key string) (int, bool) {
	switch v := cmd[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

func (s *Server) countChallenge(result string) {
	if s.metrics != nil {
		s.metrics.ChallengesTotal.WithLabelValues(result).Inc()
	}
}
