// Package config holds the runtime settings for the dungeonclaw backend.
// Settings come from DC_-prefixed environment variables, optionally layered
// on top of a YAML base file (DC_CONFIG_FILE). Env always wins.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

type Settings struct {
	AppName     string `yaml:"app_name"`
	Environment string `yaml:"environment"`
	HTTPAddr    string `yaml:"http_addr"`

	CORSAllowOrigins          string `yaml:"cors_allow_origins"`
	EnableDevSpectatorSession bool   `yaml:"enable_dev_spectator_session"`

	SessionTTLSeconds          int `yaml:"session_ttl_seconds"`
	ChallengeExpiresSeconds    int `yaml:"challenge_expires_seconds"`
	ChallengeTTLSeconds        int `yaml:"challenge_ttl_seconds"`
	ChallengeDefaultDifficulty int `yaml:"challenge_default_difficulty"`

	TickHz            int  `yaml:"tick_hz"`
	ChunkWidth        int  `yaml:"chunk_width"`
	ChunkHeight       int  `yaml:"chunk_height"`
	ChunkGCTTLSeconds int  `yaml:"chunk_gc_ttl_seconds"`
	RootLayout        bool `yaml:"root_layout"`

	SSEKeepaliveSeconds int `yaml:"sse_keepalive_seconds"`
	SSEReplayMaxEvents  int `yaml:"sse_replay_max_events"`

	RedisAddr string `yaml:"redis_addr"`
}

// Defaults returns the built-in settings before any file or env overrides.
func Defaults() Settings {
	return Settings{
		AppName:                    "dungeonclaw-backend",
		Environment:                "dev",
		HTTPAddr:                   ":8080",
		CORSAllowOrigins:           "http://localhost:5173",
		EnableDevSpectatorSession:  true,
		SessionTTLSeconds:          900,
		ChallengeExpiresSeconds:    5,
		ChallengeTTLSeconds:        10,
		ChallengeDefaultDifficulty: 2,
		TickHz:                     5,
		ChunkWidth:                 50,
		ChunkHeight:                50,
		ChunkGCTTLSeconds:          60,
		SSEKeepaliveSeconds:        15,
		SSEReplayMaxEvents:         256,
	}
}

// Load resolves the effective settings: defaults, then the YAML base file
// named by DC_CONFIG_FILE (if any), then DC_* environment variables.
func Load() (Settings, error) {
	s := Defaults()

	if path := os.Getenv("DC_CONFIG_FILE"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return s, err
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&s); err != nil {
			return s, err
		}
	}

	applyEnv(&s)
	return s, nil
}

func applyEnv(s *Settings) {
	envString("DC_APP_NAME", &s.AppName)
	envString("DC_ENVIRONMENT", &s.Environment)
	envString("DC_HTTP_ADDR", &s.HTTPAddr)
	envString("DC_CORS_ALLOW_ORIGINS", &s.CORSAllowOrigins)
	envBool("DC_ENABLE_DEV_SPECTATOR_SESSION", &s.EnableDevSpectatorSession)
	envInt("DC_SESSION_TTL_SECONDS", &s.SessionTTLSeconds)
	envInt("DC_CHALLENGE_EXPIRES_SECONDS", &s.ChallengeExpiresSeconds)
	envInt("DC_CHALLENGE_TTL_SECONDS", &s.ChallengeTTLSeconds)
	envInt("DC_CHALLENGE_DEFAULT_DIFFICULTY", &s.ChallengeDefaultDifficulty)
	envInt("DC_TICK_HZ", &s.TickHz)
	envInt("DC_CHUNK_WIDTH", &s.ChunkWidth)
	envInt("DC_CHUNK_HEIGHT", &s.ChunkHeight)
	envInt("DC_CHUNK_GC_TTL_SECONDS", &s.ChunkGCTTLSeconds)
	envBool("DC_ROOT_LAYOUT", &s.RootLayout)
	envInt("DC_SSE_KEEPALIVE_SECONDS", &s.SSEKeepaliveSeconds)
	envInt("DC_SSE_REPLAY_MAX_EVENTS", &s.SSEReplayMaxEvents)
	envString("DC_REDIS_ADDR", &s.RedisAddr)
}

// DevSpectatorSessionEnabled reports whether the dev-only session helpers and
// debug routes are active. They are always off in production environments.
func (s Settings) DevSpectatorSessionEnabled() bool {
	env := strings.ToLower(s.Environment)
	if env == "prod" || env == "production" {
		return false
	}
	return s.EnableDevSpectatorSession
}

// AllowedOrigins splits the configured CORS origin list.
func (s Settings) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(s.CORSAllowOrigins, ",") {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}
