// calmira-tokend: ephemeral token mint for browser WebRTC sessions.
// Exchanges the server-side OpenAI API key for short-lived session tokens so
// clients can connect to the Realtime API without ever seeing the real key.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/calmira-ai/go-calmira/internal/env"
	"github.com/calmira-ai/go-calmira/pkg/token"
)

var (
	version = "1.0.0"
	port    = flag.Int("port", 8086, "HTTP server port")
	debug   = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	env.Load()
	flag.Parse()

	*port = env.GetInt("PORT", *port)
	apiKey := env.Require("OPENAI_API_KEY")

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(slogger)

	fmt.Println()
	fmt.Println("🔑 Calmira Token Mint v" + version)
	fmt.Println("   Ephemeral session credentials")
	fmt.Println()

	mint, err := token.NewMint(token.MintConfig{
		APIKey: apiKey,
		Model:  env.Get("DEFAULT_MODEL", ""),
		Voice:  env.Get("DEFAULT_VOICE", ""),
		Logger: slogger,
	})
	if err != nil {
		log.Fatalf("❌ Mint setup failed: %v", err)
	}

	app := fiber.New(fiber.Config{
		AppName:               "calmira-tokend",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	if *debug {
		app.Use(logger.New())
	}

	mint.RegisterRoutes(app)

	go func() {
		addr := fmt.Sprintf(":%d", *port)
		log.Printf("🚀 Starting token mint on %s", addr)
		log.Printf("   Mint:   http://localhost:%d/token", *port)
		log.Printf("   Health: http://localhost:%d/health", *port)
		log.Println()

		if err := app.Listen(addr); err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n👋 Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}

	log.Println("✅ Goodbye!")
}
