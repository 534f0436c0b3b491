package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dungeonclaw/backend/internal/auth"
	"github.com/dungeonclaw/backend/internal/engine"
)

// sseFrame encodes one event-stream frame. The id line is omitted for
// synthetic frames a client must not resume from.
func sseFrame(event string, data map[string]any, eventID string) []byte {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte("{}")
	}
	if eventID != "" {
		return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", eventID, event, payload))
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, payload))
}

// handleSpectateStream serves the chunk event stream: session_ready, then
// either a resync bootstrap, a replay tail, or a fresh static+delta pair,
// then live events with idle heartbeats. The stream ends on chunk_closed.
func (s *Server) handleSpectateStream(w http.ResponseWriter, r *http.Request) {
	rawChunkID := r.URL.Query().Get("chunk_id")
	if rawChunkID == "" {
		httpError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	chunkID := s.resolveChunkID(rawChunkID)

	token := bearerToken(r)
	if !s.isDevTestToken(token) {
		session, ok := s.store.GetSession(token)
		if !ok {
			httpError(w, http.StatusUnauthorized, "invalid_session")
			return
		}
		if session.Role != auth.RoleSpectator && session.Role != auth.RoleOwnerSpectator {
			httpError(w, http.StatusUnauthorized, "invalid_scope")
			return
		}
	}

	boot, err := s.world.OpenSpectatorFeed(chunkID, r.Header.Get("Last-Event-ID"))
	if err != nil {
		if errors.Is(err, engine.ErrChunkNotFound) {
			httpError(w, http.StatusNotFound, engineReason(err))
			return
		}
		httpError(w, http.StatusBadRequest, engineReason(err))
		return
	}
	defer s.world.UnregisterSpectator(boot.ChunkID, boot.Queue)

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming_unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if s.metrics != nil {
		s.metrics.SSEStreams.Inc()
		defer s.metrics.SSEStreams.Dec()
	}

	channelID := "sse-" + randomHex(4)
	slog.Info("spectator stream opened", "chunk_id", boot.ChunkID, "channel_id", channelID)

	write := func(frame []byte) bool {
		if _, err := w.Write(frame); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !write(sseFrame("session_ready", map[string]any{
		"type":       "session_ready",
		"role":       "spectator",
		"chunk_id":   boot.ChunkID,
		"channel_id": channelID,
	}, "")) {
		return
	}

	bootstrapPair := func() bool {
		static := map[string]any{"type": "chunk_static"}
		for k, v := range boot.ChunkStatic {
			static[k] = v
		}
		delta := map[string]any{"type": "chunk_delta"}
		for k, v := range boot.ChunkDelta {
			delta[k] = v
		}
		return write(sseFrame("chunk_static", static, "")) && write(sseFrame("chunk_delta", delta, ""))
	}

	switch {
	case boot.ResyncRequired:
		if !write(sseFrame("resync_required", map[string]any{
			"type":         "resync_required",
			"chunk_id":     boot.ChunkID,
			"snapshot_url": "/v1/chunks/" + boot.ChunkID + "/snapshot",
		}, "")) {
			return
		}
		if !bootstrapPair() {
			return
		}
	case len(boot.ReplayEvents) > 0:
		for _, rec := range boot.ReplayEvents {
			if !write(sseFrame(rec.Event, rec.Data, rec.ID)) {
				return
			}
		}
	default:
		if !bootstrapPair() {
			return
		}
	}

	keepalive := time.Duration(s.settings.SSEKeepaliveSeconds) * time.Second
	if keepalive < 5*time.Second {
		keepalive = 5 * time.Second
	}
	heartbeat := time.NewTimer(keepalive)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if !write(sseFrame("heartbeat", map[string]any{
				"type":     "heartbeat",
				"chunk_id": boot.ChunkID,
				"tick":     s.world.Tick(),
			}, "")) {
				return
			}
			heartbeat.Reset(keepalive)
		case rec := <-boot.Queue:
			if !write(sseFrame(rec.Event, rec.Data, rec.ID)) {
				return
			}
			if rec.Event == "chunk_closed" {
				return
			}
			if !heartbeat.Stop() {
				select {
				case <-heartbeat.C:
				default:
				}
			}
			heartbeat.Reset(keepalive)
		}
	}
}
