package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"github.com/user/parley-back/internal/auth"
	"github.com/user/parley-back/internal/cache"
	"github.com/user/parley-back/internal/calls"
	"github.com/user/parley-back/internal/config"
	"github.com/user/parley-back/internal/database"
	"github.com/user/parley-back/internal/handlers"
	"github.com/user/parley-back/internal/messages"
	"github.com/user/parley-back/internal/middleware"
	"github.com/user/parley-back/internal/realtime"
	"github.com/user/parley-back/internal/storage"
)

func main() {
	cfg := config.Load()

	// Database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Run migrations
	if err := db.Migrate(context.Background()); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Database migrations completed")

	// Services
	tokenService := auth.NewTokenService(
		cfg.JWTSecret,
		cfg.RefreshSecret,
		cfg.AccessTokenTTL,
		cfg.RefreshTokenTTL,
	)

	// Repositories
	authRepo := auth.NewRepository(db.Pool)
	messagesRepo := messages.NewRepository(db.Pool)
	callsRepo := calls.NewRepository(db.Pool)

	// TURN relay credentials
	turnService := calls.NewTurnService(calls.TurnConfig{
		Secret:   cfg.TurnSecret,
		Realm:    cfg.TurnRealm,
		URLs:     cfg.TurnURLs,
		StunURLs: cfg.StunURLs,
		TTL:      cfg.TurnTTL,
	})
	if turnService.Enabled() {
		log.Printf("TURN credentials enabled for realm %q", turnService.Realm())
	} else {
		log.Println("No TURN relay configured, clients will use STUN only")
	}

	// S3 Storage
	s3Storage, err := storage.NewS3Storage(storage.Config{
		Endpoint:        cfg.S3Endpoint,
		Region:          cfg.S3Region,
		Bucket:          cfg.S3Bucket,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		CDNURL:          cfg.S3CDNURL,
	})
	if err != nil {
		log.Fatalf("Failed to create S3 storage: %v", err)
	}
	log.Println("S3 storage initialized")

	// Redis Cache (optional)
	var redisCache *cache.RedisCache
	if cfg.RedisAddr != "" && cfg.RedisAddr != "disabled" {
		redisCache, err = cache.NewRedisCache(cfg.RedisAddr)
		if err != nil {
			log.Printf("Warning: Redis not available, running without cache: %v", err)
			redisCache = nil
		} else {
			defer redisCache.Close()
			log.Println("Redis cache initialized")
		}
	} else {
		log.Println("Redis disabled, running without cache")
	}

	// Realtime data provider
	rtProvider := realtime.NewProvider(authRepo, messagesRepo, callsRepo)

	// Centrifuge realtime node
	rtNode, err := realtime.NewNode(tokenService, rtProvider, rtProvider)
	if err != nil {
		log.Fatalf("Failed to create realtime node: %v", err)
	}

	// Realtime notifier for handlers
	rtNotifier := realtime.NewNotifier(rtNode)

	// Handlers
	authHandler := handlers.NewAuthHandler(authRepo, tokenService, s3Storage)
	messagesHandler := handlers.NewMessagesHandler(messagesRepo, rtNode, s3Storage, redisCache)
	callsHandler := handlers.NewCallsHandler(callsRepo, turnService, messagesRepo, rtNotifier, rtNode, redisCache)

	// Router
	mux := http.NewServeMux()

	// Public routes
	mux.HandleFunc("POST /api/auth/register", authHandler.Register)
	mux.HandleFunc("POST /api/auth/login", authHandler.Login)
	mux.HandleFunc("POST /api/auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /api/auth/logout", authHandler.Logout)

	// Protected routes - Auth
	authMiddleware := middleware.Auth(tokenService)
	mux.Handle("GET /api/auth/me", authMiddleware(http.HandlerFunc(authHandler.Me)))
	mux.Handle("POST /api/auth/username", authMiddleware(http.HandlerFunc(authHandler.SetUsername)))
	mux.Handle("POST /api/auth/avatar", authMiddleware(http.HandlerFunc(authHandler.UploadAvatar)))

	// Messages & Conversations
	mux.Handle("GET /api/conversations", authMiddleware(http.HandlerFunc(messagesHandler.GetConversations)))
	mux.Handle("POST /api/conversations/dm", authMiddleware(http.HandlerFunc(messagesHandler.GetOrCreateDM)))
	mux.Handle("POST /api/conversations/group", authMiddleware(http.HandlerFunc(messagesHandler.CreateGroup)))
	mux.Handle("GET /api/conversations/{id}", authMiddleware(http.HandlerFunc(messagesHandler.GetConversation)))
	mux.Handle("GET /api/conversations/{id}/messages", authMiddleware(http.HandlerFunc(messagesHandler.GetMessages)))
	mux.Handle("POST /api/conversations/{id}/messages", authMiddleware(http.HandlerFunc(messagesHandler.SendMessage)))
	mux.Handle("POST /api/conversations/{id}/read", authMiddleware(http.HandlerFunc(messagesHandler.MarkRead)))

	// Attachments
	mux.Handle("POST /api/attachments", authMiddleware(http.HandlerFunc(messagesHandler.UploadAttachment)))

	// Calls
	mux.Handle("POST /api/calls/request", authMiddleware(http.HandlerFunc(callsHandler.RequestCall)))
	mux.Handle("POST /api/calls/{id}/accept", authMiddleware(http.HandlerFunc(callsHandler.AcceptCall)))
	mux.Handle("POST /api/calls/{id}/reject", authMiddleware(http.HandlerFunc(callsHandler.RejectCall)))
	mux.Handle("POST /api/calls/{id}/cancel", authMiddleware(http.HandlerFunc(callsHandler.CancelCall)))
	mux.Handle("POST /api/calls/{id}/end", authMiddleware(http.HandlerFunc(callsHandler.EndCall)))
	mux.Handle("GET /api/conversations/{id}/call", authMiddleware(http.HandlerFunc(callsHandler.GetConversationCall)))
	mux.Handle("POST /api/ice", authMiddleware(http.HandlerFunc(callsHandler.GetIceServers)))

	// Centrifuge WebSocket endpoint
	mux.Handle("GET /api/ws", rtNode.WebsocketHandler())

	// CORS
	handler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux)

	// Server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := rtNode.Shutdown(ctx); err != nil {
			log.Printf("Centrifuge shutdown error: %v", err)
		}

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server shutdown failed: %v", err)
		}
	}()

	log.Printf("Server starting on port %s", cfg.Port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}

	log.Println("Server stopped")
}
