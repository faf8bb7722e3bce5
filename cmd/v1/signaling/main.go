// Command signaling runs the stranger-to-stranger video chat signaling
// server: identity issuance, FIFO matchmaking, room state, and the
// WebRTC handshake relay described in the package-level docs under
// internal/.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lostwire/signaling/internal/config"
	"github.com/lostwire/signaling/internal/engine"
	"github.com/lostwire/signaling/internal/health"
	"github.com/lostwire/signaling/internal/identity"
	"github.com/lostwire/signaling/internal/logging"
	"github.com/lostwire/signaling/internal/matchmaking"
	"github.com/lostwire/signaling/internal/middleware"
	"github.com/lostwire/signaling/internal/ratelimit"
	"github.com/lostwire/signaling/internal/room"
	"github.com/lostwire/signaling/internal/transport"
)

func main() {
	// Load .env file for local development; missing is fine in production,
	// and no logger exists yet to report it either way.
	_ = godotenv.Load()

	cfg, err := config.ValidateEnv()
	if err != nil {
		println("configuration error: " + err.Error())
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production", cfg.LogLevel); err != nil {
		println("failed to initialize logger: " + err.Error())
		os.Exit(1)
	}
	ctx := context.Background()
	logging.Info(ctx, "starting signaling server",
		zap.String("go_env", cfg.GoEnv),
		zap.String("port", cfg.Port),
		zap.Duration("token_idle_ttl", cfg.TokenIdleTTL),
		zap.Duration("room_reconnect_ttl", cfg.RoomReconnectTTL),
		zap.Duration("room_hard_cap_ttl", cfg.RoomHardCapTTL),
	)

	identityReg := identity.NewRegistry(cfg.TokenIdleTTL)

	roomReg := room.NewRegistry(cfg.RoomHardCapTTL, func() string { return uuid.NewString() }, func(r *room.Room) {
		identityReg.ClearRoomIfMatches(r.A.UserID, r.ID)
		identityReg.ClearRoomIfMatches(r.B.UserID, r.ID)
		logging.Warn(ctx, "room forcibly expired by hard age cap", zap.String("room_id", r.ID))
	})
	matchEngine := matchmaking.NewEngine(func(uid identity.UserID) bool {
		_, live := identityReg.GetSocket(uid)
		return live
	})
	eng := engine.New(identityReg, matchEngine, roomReg, engine.Config{RoomReconnectTTL: cfg.RoomReconnectTTL})

	connectGate, err := ratelimit.NewConnectLimiter(cfg.RateLimitWsConnectIP)
	if err != nil {
		logging.Fatal(ctx, "failed to build connect rate limiter", zap.Error(err))
	}

	allowedOrigins := splitAndTrim(cfg.AllowedOrigins)
	hub := transport.NewHub(eng, connectGate, allowedOrigins)
	healthHandler := health.NewHandler(health.Stats{
		TokenCount:   identityReg.TokenCount,
		WaitingCount: matchEngine.QueueDepth,
		RoomCount:    roomReg.RoomCount,
	})

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsCfg))

	router.GET("/ws", hub.ServeWs)
	router.GET("/health", healthHandler.Status)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}

	eng.Shutdown()
	roomReg.Shutdown()
	identityReg.Shutdown()
	logging.Info(ctx, "shutdown complete")
}

func splitAndTrim(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
