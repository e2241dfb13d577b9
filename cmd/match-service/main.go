package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"heartline/internal/config"
	"heartline/internal/conversations"
	"heartline/internal/database"
	wsHandler "heartline/internal/handler/ws"
	redisRepo "heartline/internal/repository/redis"
	matchService "heartline/internal/service/match"
	sessionService "heartline/internal/service/session"
	signalService "heartline/internal/service/signal"
	"heartline/pkg/constants"
	"heartline/pkg/jwt"
	"heartline/pkg/logger"
	"heartline/pkg/metrics"
)

func main() {
	cfg := config.Load()

	if err := logger.Init(&logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Identify-token validation; without a secret the service runs in dev
	// mode and trusts the bare identify fields
	var jwtManager *jwt.Manager
	if cfg.JWTSecret != "" {
		jwtManager = jwt.NewManager(cfg.JWTSecret, 15*time.Minute)
	} else {
		logger.Warn("JWT_SECRET not set, running with dev-mode identify")
	}

	// Presence mirror is optional; matching works without it
	var mirror matchService.Mirror
	var presenceRepo *redisRepo.PresenceRepository
	if cfg.RedisHost != "" {
		redisDB, err := database.NewRedisDB(&database.RedisConfig{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			PoolSize: 10,
			Timeout:  5 * time.Second,
		})
		if err != nil {
			logger.Fatal("failed to connect to Redis", zap.Error(err))
		}
		defer redisDB.Close()
		redisDB.StartHealthCheck(ctx, 10*time.Second)
		presenceRepo = redisRepo.NewPresenceRepository(redisDB)
		mirror = presenceRepo
		logger.Info("presence mirror enabled", zap.String("redis_host", cfg.RedisHost))
	}

	// Conversation directory is optional; sessions fall back to local ids
	var directory conversations.Directory
	if cfg.ConversationAPIBase != "" {
		directory = conversations.NewClient(cfg.ConversationAPIBase)
		logger.Info("conversation directory enabled", zap.String("base_url", cfg.ConversationAPIBase))
	}

	appMetrics := metrics.New("match-service")

	hub := wsHandler.NewHub(jwtManager, appMetrics)
	sessionSvc := sessionService.NewService(hub, directory, appMetrics)
	matchSvc := matchService.NewService(hub, sessionSvc, mirror, appMetrics)
	signalSvc := signalService.NewService(hub, sessionSvc, appMetrics, cfg.RingTimeout)
	hub.Bind(wsHandler.NewRouter(matchSvc, sessionSvc, signalSvc, appMetrics))

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/presence", func(c *gin.Context) {
		waiting, available := matchSvc.Counts()
		resp := gin.H{
			"seekers_waiting":      waiting,
			"responders_available": available,
		}
		if presenceRepo != nil {
			responders, seekers, err := presenceRepo.Counts(c.Request.Context())
			if err == nil {
				resp["mirrored_responders"] = responders
				resp["mirrored_seekers"] = seekers
				resp["mirror_degraded"] = presenceRepo.IsDegraded()
			}
		}
		c.JSON(http.StatusOK, resp)
	})
	router.GET("/ws", hub.ServeWS)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		logger.Info("match service listening", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
