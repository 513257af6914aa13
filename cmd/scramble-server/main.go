package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mossy-p/scramble-chat/config"
	"github.com/mossy-p/scramble-chat/internal/handlers"
	"github.com/mossy-p/scramble-chat/internal/middleware"
	"github.com/mossy-p/scramble-chat/internal/scramble"
	signalstore "github.com/mossy-p/scramble-chat/internal/signal"
)

func main() {
	cfg := config.Load()

	log := newLogger(cfg.Environment)

	// Connect to Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	cancel()
	defer rdb.Close()
	log.Info().Str("addr", rdb.Options().Addr).Msg("redis connection established")

	store := signalstore.NewRedisStore(rdb, cfg.SignalTTL, log)
	svc := signalstore.NewService(store, cfg.SignalTTL, log)

	signalHandlers := handlers.NewSignalHandlers(svc, log)
	adminHandlers := handlers.NewAdminHandlers(svc, log)
	transformer := scramble.NewOpenAITransformer(cfg.Scramble)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handlers.CORS(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Rendezvous surface (unauthenticated, CORS-open)
	router.POST("/offer", signalHandlers.StoreOffer)
	router.POST("/answer", signalHandlers.StoreAnswer)
	router.GET("/signals/:roomId/:userId", signalHandlers.FetchSignals)

	// Message rewrite proxy
	router.POST("/process-message", handlers.ProcessMessage(transformer, cfg.Scramble.Timeout, log))

	// Operator surface
	router.POST("/auth/login", handlers.Login(cfg.JWTSecret))
	adminGroup := router.Group("/admin", middleware.JWTAuth(cfg.JWTSecret))
	{
		adminGroup.POST("/evict", adminHandlers.Evict)
		adminGroup.POST("/rooms/:roomId/purge", adminHandlers.PurgeRoom)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("starting signaling server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited")
}

func newLogger(environment string) zerolog.Logger {
	if environment == "production" {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	w := zerolog.ConsoleWriter{Out: os.Stdout}
	return zerolog.New(w).With().Timestamp().Logger()
}
