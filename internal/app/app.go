package app

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"chat-core/internal/chat"
	"chat-core/internal/config"
	"chat-core/internal/db"
	"chat-core/internal/handlers"
	"chat-core/internal/postgres"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
)

func Run() {
	cfg := config.Load()

	zlog, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zlog.Sync()

	// Init DB
	pool, err := db.Connect(context.Background(), cfg.DatabaseURL)
	if err != nil {
		zlog.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := postgres.EnsureSchema(context.Background(), pool); err != nil {
		zlog.Fatal("failed to ensure schema", zap.Error(err))
	}

	// Backend adapters and gateway
	store := postgres.NewStore(pool, zlog)
	feed := postgres.NewFeed(pool, store, zlog)
	defer feed.Close()

	gateway := handlers.NewGateway(store, feed, chat.Options{
		PageSize:    cfg.PageSize,
		BatchWindow: cfg.BatchWindow,
		TypingTTL:   cfg.TypingTTL,
		Logger:      zlog,
	}, zlog)

	// Fiber App
	app := fiber.New()

	// Middleware
	app.Use(logger.New())
	app.Use(recover.New())
	app.Use(cors.New())

	// Routes
	api := app.Group("/api")

	auth := handlers.NewAuthMiddleware(cfg.JWTSecret)
	api.Get("/conversations", auth, gateway.ListConversationsHandler())

	// Health Check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// WebSocket Route
	// Note: Middleware order matters. AuthMiddleware checks token.
	// WSUpgradeMiddleware checks if it's a WS request.
	app.Use("/ws", handlers.WSUpgradeMiddleware)
	app.Use("/ws", auth)
	app.Get("/ws", gateway.WebSocketHandler())

	// Start Server
	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			zlog.Panic("server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	<-c // Block until signal
	zlog.Info("gracefully shutting down")
	_ = app.Shutdown()
	zlog.Info("server shutdown complete")
}
