package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/calmira-ai/go-calmira/pkg/realtime"
	"github.com/calmira-ai/go-calmira/pkg/token"
	"github.com/calmira-ai/go-calmira/pkg/trainer"
)

// Buffering thresholds for client mic audio, sized for 24 kHz mono PCM16.
const (
	// appendThreshold batches mic audio into ~100 ms upstream appends.
	appendThreshold = 4800

	// minCommitBytes is the smallest turn worth committing (~50 ms);
	// the upstream API rejects anything shorter.
	minCommitBytes = 2400
)

// DefaultFeedbackInterval rate-limits training_feedback replies per
// connection.
const DefaultFeedbackInterval = 2 * time.Second

// responseResetTimeout clears a stuck active-response guard when the
// upstream never reports completion.
const responseResetTimeout = 10 * time.Second

// Config holds relay server settings.
type Config struct {
	// APIKey authenticates upstream Realtime sessions.
	APIKey string

	// Model selects the upstream model. Default: realtime.DefaultModel.
	Model string

	// Instructions seed new sessions. Default: token.DefaultInstructions.
	Instructions string

	// FeedbackInterval rate-limits training_feedback replies.
	// Default: DefaultFeedbackInterval.
	FeedbackInterval time.Duration

	// Dial overrides the upstream session constructor, for tests.
	Dial func(ctx context.Context, cfg realtime.Config) (realtime.Session, error)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.APIKey == "" && c.Dial == nil {
		return fmt.Errorf("api key required")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = realtime.DefaultModel
	}
	if c.Instructions == "" {
		c.Instructions = token.DefaultInstructions
	}
	if c.FeedbackInterval <= 0 {
		c.FeedbackInterval = DefaultFeedbackInterval
	}
	if c.Dial == nil {
		c.Dial = func(ctx context.Context, rc realtime.Config) (realtime.Session, error) {
			return realtime.Dial(ctx, rc)
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Server proxies browser speech sessions to the OpenAI Realtime API.
type Server struct {
	cfg Config

	mu    sync.RWMutex
	conns map[string]*speechConn

	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	audioBytesIn     atomic.Uint64
}

// NewServer creates a relay server.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	return &Server{
		cfg:   cfg.withDefaults(),
		conns: make(map[string]*speechConn),
	}, nil
}

// RegisterRoutes mounts the relay endpoints on a Fiber app.
func (s *Server) RegisterRoutes(app *fiber.App) {
	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/speech", websocket.New(s.handleSpeech))
	app.Get("/ws/speech/:id", websocket.New(s.handleSpeech))

	app.Get("/health", s.handleHealth)
	app.Get("/api/scenarios", s.handleScenarios)
	app.Get("/api/stats", s.handleStats)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":             "healthy",
		"active_connections": s.ActiveConnections(),
		"service":            "calmira-relay",
	})
}

func (s *Server) handleScenarios(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"scenarios": trainer.Scenarios()})
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	return c.JSON(s.GetStats())
}

// handleSpeech owns one client connection for its lifetime: it dials the
// upstream session, configures it, then splits into a client read loop and
// an upstream event pump.
func (s *Server) handleSpeech(wc *websocket.Conn) {
	id := wc.Params("id")
	if id == "" {
		id = newSessionID()
	}
	log := s.cfg.Logger.With("session", id)

	ctx, cancel := context.WithCancel(context.Background())

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	upstream, err := s.cfg.Dial(dialCtx, realtime.Config{
		APIKey: s.cfg.APIKey,
		Model:  s.cfg.Model,
		Logger: log,
	})
	dialCancel()
	if err != nil {
		log.Error("upstream connect failed", "error", err)
		data, _ := json.Marshal(ServerMessage{
			Type:    TypeError,
			Error:   "Failed to connect to OpenAI",
			Details: err.Error(),
		})
		wc.WriteMessage(websocket.TextMessage, data)
		wc.Close()
		cancel()
		return
	}

	conn := &speechConn{
		id:               id,
		ws:               wc,
		upstream:         upstream,
		server:           s,
		log:              log,
		feedbackInterval: s.cfg.FeedbackInterval,
	}

	s.register(conn)
	defer func() {
		cancel()
		upstream.Close()
		conn.endResponse()
		s.unregister(conn)
	}()

	if err := upstream.Configure(ctx, realtime.DefaultSessionConfig(s.cfg.Instructions)); err != nil {
		log.Error("session configure failed", "error", err)
		conn.push(ServerMessage{Type: TypeError, Error: "Failed to configure session", Details: err.Error()})
		return
	}

	conn.push(ServerMessage{Type: TypeSessionCreated, SessionID: id})
	log.Info("speech session connected")

	go conn.pumpUpstream(ctx)

	conn.readLoop(ctx)
	log.Info("speech session closed")
}

func (s *Server) register(c *speechConn) {
	s.mu.Lock()
	s.conns[c.id] = c
	n := len(s.conns)
	s.mu.Unlock()
	s.cfg.Logger.Info("client connected", "session", c.id, "active", n)
}

func (s *Server) unregister(c *speechConn) {
	s.mu.Lock()
	if cur, ok := s.conns[c.id]; ok && cur == c {
		delete(s.conns, c.id)
	}
	n := len(s.conns)
	s.mu.Unlock()
	s.cfg.Logger.Info("client disconnected", "session", c.id, "active", n)
}

// ActiveConnections returns the number of live speech sessions.
func (s *Server) ActiveConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Stats contains relay counters.
type Stats struct {
	ActiveConnections int    `json:"active_connections"`
	MessagesReceived  uint64 `json:"messages_received"`
	MessagesSent      uint64 `json:"messages_sent"`
	AudioBytesIn      uint64 `json:"audio_bytes_in"`
}

// GetStats returns relay counters.
func (s *Server) GetStats() Stats {
	return Stats{
		ActiveConnections: s.ActiveConnections(),
		MessagesReceived:  s.messagesReceived.Load(),
		MessagesSent:      s.messagesSent.Load(),
		AudioBytesIn:      s.audioBytesIn.Load(),
	}
}

// newSessionID returns a short unique speech session id.
func newSessionID() string {
	return "spch_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
