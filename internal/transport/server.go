// Package transport adapts the wire surfaces (HTTP, WebSocket, SSE) onto
// the auth store, challenge service and tick engine.
package transport

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dungeonclaw/backend/internal/auth"
	"github.com/dungeonclaw/backend/internal/challenge"
	"github.com/dungeonclaw/backend/internal/config"
	"github.com/dungeonclaw/backend/internal/engine"
	"github.com/dungeonclaw/backend/internal/metrics"
	"github.com/dungeonclaw/backend/internal/middleware"
)

// devTestToken grants spectator/agent access on dev setups only.
const devTestToken = "test-spectator-token"

// Server owns the HTTP surface.
type Server struct {
	settings   config.Settings
	store      *auth.Store
	challenges *challenge.Service
	world      *engine.Engine
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader
}

// NewServer wires the transport onto the core services.
func NewServer(settings config.Settings, store *auth.Store, challenges *challenge.Service, world *engine.Engine, m *metrics.Metrics) *Server {
	return &Server{
		settings:   settings,
		store:      store,
		challenges: challenges,
		world:      world,
		metrics:    m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the full routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{})

	// /api/v1 mirrors /v1 for proxied deployments.
	for _, prefix := range []string{"/v1", "/api/v1"} {
		api := router.PathPrefix(prefix).Subrouter()
		api.Handle("/signup", limiter.Middleware(http.HandlerFunc(s.handleSignup))).Methods(http.MethodPost)
		api.Handle("/keys", limiter.Middleware(http.HandlerFunc(s.handleCreateKey))).Methods(http.MethodPost)
		api.Handle("/sessions", limiter.Middleware(http.HandlerFunc(s.handleCreateSession))).Methods(http.MethodPost)
		api.HandleFunc("/dev/spectator-session", s.handleDevSpectatorSession).Methods(http.MethodPost)
		api.HandleFunc("/dev/agent/move-to", s.handleDevMoveTo).Methods(http.MethodPost)
		api.HandleFunc("/chunks/{chunk_id}/snapshot", s.handleChunkSnapshot).Methods(http.MethodGet)
		api.HandleFunc("/spectate/stream", s.handleSpectateStream).Methods(http.MethodGet)
		api.HandleFunc("/agent/ws", s.handleAgentWS).Methods(http.MethodGet)
	}

	var handler http.Handler = router
	handler = middleware.Logging(handler)
	handler = middleware.CORS(s.settings.AllowedOrigins())(handler)
	return handler
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":     s.settings.AppName,
		"environment": s.settings.Environment,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// resolveChunkID maps the "demo" alias onto the root chunk.
func (s *Server) resolveChunkID(raw string) string {
	if strings.TrimSpace(raw) == "demo" {
		return s.world.DefaultChunkID()
	}
	return strings.TrimSpace(raw)
}

func (s *Server) isDevTestToken(token string) bool {
	return s.settings.DevSpectatorSessionEnabled() && token == devTestToken
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("bearer "):])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]any{"detail": reason})
}

func randomHex(nBytes int) string {
	buf := make([]byte, nBytes)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
