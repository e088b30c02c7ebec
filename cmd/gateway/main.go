// TutorFleet gateway, the single ingress: reverse proxy with token
// pre-validation and rate limiting, plus the realtime WebSocket plane.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/tutorfleet/tutorfleet/pkg/auth"
	"github.com/tutorfleet/tutorfleet/pkg/config"
	"github.com/tutorfleet/tutorfleet/pkg/gateway"
	"github.com/tutorfleet/tutorfleet/pkg/ratelimit"
	"github.com/tutorfleet/tutorfleet/pkg/realtime"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg := config.LoadGateway()
	if cfg.JWTSecret == "" {
		slog.Error("JWT_SECRET is required")
		os.Exit(1)
	}
	routes, err := config.LoadRoutes()
	if err != nil {
		slog.Error("Failed to load routing table", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting TutorFleet gateway",
		"instance_id", cfg.InstanceID,
		"http_port", cfg.Port,
		"routes", len(routes))

	// 1. Shared KV: registry, limiter state, broadcast channels.
	redisOpts, err := config.LoadRedis().Options()
	if err != nil {
		slog.Error("Invalid Redis configuration", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		slog.Error("Redis unreachable", "error", err)
		os.Exit(1)
	}
	pingCancel()
	slog.Info("Connected to Redis")

	// 2. Realtime plane: registry, hub, and the channel bridge.
	registry := realtime.NewRegistry(rdb, cfg.InstanceID, cfg.RegistryTTL)
	hub := realtime.NewHub(registry, cfg.MaxWSConnections, cfg.WSWriteTimeout)
	bridge := realtime.NewBridge(rdb, hub)

	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		if err := bridge.Run(bridgeCtx); err != nil && bridgeCtx.Err() == nil {
			slog.Error("Realtime bridge stopped unexpectedly", "error", err)
		}
	}()

	// 3. Policy layer and proxy pipelines.
	verifier := auth.NewVerifier(cfg.JWTSecret)
	limiter := ratelimit.New(rdb, config.LoadRateLimit())

	server, err := gateway.NewServer(cfg, routes, verifier, limiter, hub, rdb)
	if err != nil {
		slog.Error("Failed to assemble gateway", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("TutorFleet gateway started", "instance_id", cfg.InstanceID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Staged shutdown: stop the broadcast subscriber, then refuse and close
	// sockets with a retry-later code, then drain HTTP.
	stopBridge()
	select {
	case <-bridgeDone:
	case <-time.After(5 * time.Second):
		slog.Warn("Bridge did not stop in time")
	}

	hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
