package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dungeonclaw/backend/internal/auth"
	"github.com/dungeonclaw/backend/internal/challenge"
	"github.com/dungeonclaw/backend/internal/config"
	"github.com/dungeonclaw/backend/internal/engine"
	"github.com/dungeonclaw/backend/internal/mapgen"
	"github.com/dungeonclaw/backend/internal/metrics"
	"github.com/dungeonclaw/backend/internal/transport"
)

func main() {
	// Local development convenience; missing .env is fine.
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded .env file")
	}

	settings, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	m := metrics.New()
	store := auth.NewStore(settings.SessionTTLSeconds)
	challenges := challenge.NewService(
		settings.ChallengeExpiresSeconds,
		settings.ChallengeTTLSeconds,
		settings.ChallengeDefaultDifficulty,
	)

	var mirror engine.EventMirror
	if settings.RedisAddr != "" {
		redisMirror := engine.NewRedisEventMirror(settings.RedisAddr)
		defer redisMirror.Close()
		mirror = redisMirror
		slog.Info("redis event mirror enabled", "addr", settings.RedisAddr)
	}

	world := engine.New(engine.Options{
		Width:             settings.ChunkWidth,
		Height:            settings.ChunkHeight,
		TickHz:            settings.TickHz,
		ChunkGCTTLSeconds: settings.ChunkGCTTLSeconds,
		ReplayMaxEvents:   settings.SSEReplayMaxEvents,
		RootLayout:        settings.RootLayout,
		TileGenerator: func(width, height int, seed int64, requiredEdges []string, rootLayout bool) []string {
			edges := make([]mapgen.Direction, 0, len(requiredEdges))
			for _, e := range requiredEdges {
				edges = append(edges, mapgen.Direction(e))
			}
			return mapgen.Generate(width, height, seed, edges, rootLayout)
		},
		Metrics: m,
		Mirror:  mirror,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	world.Start(ctx)
	defer world.Stop()

	server := &http.Server{
		Addr:        settings.HTTPAddr,
		Handler:     transport.NewServer(settings, store, challenges, world, m).Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("server starting",
		"addr", settings.HTTPAddr,
		"environment", settings.Environment,
		"tick_hz", settings.TickHz,
	)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
