// calmira-relay: WebSocket proxy between browser training clients and the
// OpenAI Realtime API. The API key stays server-side; clients get buffered
// audio relay, scenario metadata, and rate-limited grading.
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
	"github.com/calmira-ai/go-calmira/pkg/relay"
)

var (
	version = "1.0.0"
	port    = flag.Int("port", 8085, "HTTP server port")
	model   = flag.String("model", "", "Upstream realtime model")
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
	fmt.Println("🛰  Calmira Relay v" + version)
	fmt.Println("   Realtime speech proxy")
	fmt.Println()

	app := fiber.New(fiber.Config{
		AppName:               "calmira-relay",
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

	srv, err := relay.NewServer(relay.Config{
		APIKey: apiKey,
		Model:  *model,
		Logger: slogger,
	})
	if err != nil {
		log.Fatalf("❌ Relay setup failed: %v", err)
	}
	srv.RegisterRoutes(app)

	app.Get("/metrics", func(c *fiber.Ctx) error {
		stats := srv.GetStats()
		return c.SendString(fmt.Sprintf(`# HELP calmira_relay_connections Active speech sessions
# TYPE calmira_relay_connections gauge
calmira_relay_connections %d

# HELP calmira_relay_messages_received Total client messages received
# TYPE calmira_relay_messages_received counter
calmira_relay_messages_received %d

# HELP calmira_relay_messages_sent Total messages sent to clients
# TYPE calmira_relay_messages_sent counter
calmira_relay_messages_sent %d

# HELP calmira_relay_audio_bytes_in Total client audio bytes received
# TYPE calmira_relay_audio_bytes_in counter
calmira_relay_audio_bytes_in %d
`, stats.ActiveConnections, stats.MessagesReceived, stats.MessagesSent, stats.AudioBytesIn))
	})

	go func() {
		addr := fmt.Sprintf(":%d", *port)
		log.Printf("🚀 Starting relay on %s", addr)
		log.Printf("   Speech:    ws://localhost:%d/ws/speech", *port)
		log.Printf("   Scenarios: http://localhost:%d/api/scenarios", *port)
		log.Printf("   Health:    http://localhost:%d/health", *port)
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
