package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/perps.ai/handlers"
	"github.com/wuwenbin0122/perps.ai/internal/api"
	"github.com/wuwenbin0122/perps.ai/internal/auth"
	"github.com/wuwenbin0122/perps.ai/internal/chat"
	"github.com/wuwenbin0122/perps.ai/internal/db"
	"github.com/wuwenbin0122/perps.ai/internal/metrics"
	"github.com/wuwenbin0122/perps.ai/internal/quota"
	"github.com/wuwenbin0122/perps.ai/internal/utils"
	"github.com/wuwenbin0122/perps.ai/services"
)

func main() {
	if err := utils.LoadEnvFiles(); err != nil {
		log.Fatalf("config: %v", err)
	}

	cfg, err := utils.LoadConfig()
	if err != nil {
		log.Fatalf("config: failed to load: %v", err)
	}

	logger, err := utils.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("logger: failed to initialise: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	store, err := db.Open(ctx, cfg)
	if err != nil {
		logger.Fatal("store: failed to open", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Warn("store: close error", zap.Error(err))
		}
	}()

	limiter := quota.Limiter(quota.Unlimited{})
	if cfg.Redis.Addr != "" {
		redisClient, err := db.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal("redis: failed to connect", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		defer redisClient.Close()
		limiter = quota.NewRedis(redisClient, cfg.Redis.GuestLimit, cfg.Redis.GuestWindow)
	}

	generator, err := services.NewGenerator(cfg.Generation)
	if err != nil {
		logger.Fatal("generation: failed to initialise", zap.Error(err))
	}
	if cfg.Generation.APIKey == "" {
		logger.Warn("generation: no API key configured, every reply will be the fallback sentence")
	}

	authService, err := auth.NewService(cfg.JWTSecret, cfg.TokenTTL, store)
	if err != nil {
		logger.Fatal("auth: failed to initialise", zap.Error(err))
	}

	chatService := chat.NewService(store, generator, limiter, logger.Named("chat"), chat.Options{
		HistoryLimit:              cfg.Chat.HistoryLimit,
		RejectUnknownConversation: cfg.Chat.UnknownConversation == utils.UnknownConversationReject,
		FewShot:                   cfg.Generation.FewShot,
		GenerationTimeout:         cfg.Generation.Timeout,
	})

	router, err := setupRouter(cfg, logger, authService, chatService)
	if err != nil {
		logger.Fatal("router: failed to initialise", zap.Error(err))
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Generation.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening",
			zap.String("addr", server.Addr),
			zap.String("store", cfg.StoreDriver),
			zap.String("provider", cfg.Generation.Provider),
			zap.String("chat_auth_mode", cfg.Chat.AuthMode),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server crashed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}

	logger.Info("server stopped cleanly")
}

func setupRouter(cfg *utils.Config, logger *zap.Logger, authService *auth.Service, chatService *chat.Service) (*gin.Engine, error) {
	router, err := api.NewEngine(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	router.Use(utils.GinLogger(logger), utils.GinRecovery(logger), metrics.Middleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{cfg.FrontendOrigin},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", api.Health)
	router.GET("/metrics", metrics.Handler())

	api.NewHandler(authService, chatService, logger, cfg.Chat.AuthMode).RegisterRoutes(router)

	socket := handlers.NewChatSocketHandler(chatService, cfg.FrontendOrigin, logger.Named("ws").Sugar())
	router.GET("/api/chat/ws",
		auth.QueryToken(),
		api.ChatGate(authService, cfg.Chat.AuthMode, logger),
		socket.HandleChatWebsocket,
	)

	return router, nil
}
