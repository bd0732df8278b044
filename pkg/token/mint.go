package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/calmira-ai/go-calmira/internal/httpc"
	"github.com/calmira-ai/go-calmira/pkg/realtime"
)

// MintConfig configures the token mint service.
type MintConfig struct {
	// APIKey is the real OpenAI API key. Required; it never leaves the mint.
	APIKey string

	// Model is the default realtime model. Default: realtime.DefaultModel.
	Model string

	// Voice is the default voice. Default: "alloy".
	Voice string

	// UpstreamURL overrides the OpenAI sessions endpoint, mainly for tests.
	// Default: DefaultSessionsURL.
	UpstreamURL string

	// Timeout bounds the upstream session create. Default: 30s.
	Timeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Mint exchanges the real API key for ephemeral session tokens. Register it
// on a fiber app behind permissive CORS; the endpoint is meant to be called
// straight from browsers.
type Mint struct {
	cfg    MintConfig
	logger *slog.Logger
}

// NewMint creates a mint service.
func NewMint(cfg MintConfig) (*Mint, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("token: mint requires an OpenAI API key")
	}
	if cfg.Model == "" {
		cfg.Model = realtime.DefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	if cfg.UpstreamURL == "" {
		cfg.UpstreamURL = DefaultSessionsURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Mint{cfg: cfg, logger: logger}, nil
}

// RegisterRoutes mounts the mint endpoints on a fiber app.
func (m *Mint) RegisterRoutes(app *fiber.App) {
	app.Post("/token", m.handleMint)
	app.Get("/health", m.handleHealth)
}

// sessionRequest is the upstream session-create payload: the push-to-talk
// session parameters plus the model selector.
type sessionRequest struct {
	Model string `json:"model"`
	realtime.SessionConfig
}

// sessionResponse is the subset of the upstream reply the mint passes on.
type sessionResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Voice        string `json:"voice"`
	ExpiresAt    int64  `json:"expires_at"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

func (m *Mint) handleMint(c *fiber.Ctx) error {
	var req MintRequest
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(MintResponse{
				Success: false,
				Error:   "Invalid request body",
				Message: "Request body must be valid JSON",
			})
		}
	}

	temp := DefaultTemperature
	if req.FeedbackTemperature != nil {
		if t := *req.FeedbackTemperature; t >= MinTemperature && t <= MaxTemperature {
			temp = t
		} else {
			m.logger.Warn("temperature out of range, using default",
				"requested", t, "default", DefaultTemperature)
		}
	}

	model := m.cfg.Model
	if req.FeedbackModel != "" {
		if isSupportedModel(req.FeedbackModel) {
			model = req.FeedbackModel
		} else {
			m.logger.Warn("model does not support speech-to-speech, using default",
				"requested", req.FeedbackModel, "default", model)
		}
	}

	instructions := BuildInstructions(req.FeedbackInstructions, req.GradeInstructions)

	sc := realtime.DefaultSessionConfig(instructions)
	sc.Voice = m.cfg.Voice
	sc.Temperature = temp

	body, err := json.Marshal(sessionRequest{Model: model, SessionConfig: sc})
	if err != nil {
		return m.internalError(c, fmt.Sprintf("encode session request: %v", err))
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), m.cfg.Timeout)
	defer cancel()

	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.UpstreamURL, bytes.NewReader(body))
	if err != nil {
		return m.internalError(c, fmt.Sprintf("build session request: %v", err))
	}
	upReq.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	upReq.Header.Set("Content-Type", "application/json")
	upReq.Header.Set("OpenAI-Beta", "realtime=v1")

	resp, err := httpc.Do(upReq)
	if err != nil {
		if isTimeout(err) {
			m.logger.Error("openai session create timed out", "timeout", m.cfg.Timeout)
			return c.Status(fiber.StatusGatewayTimeout).JSON(MintResponse{
				Success: false,
				Error:   "Request timeout",
				Message: "OpenAI API request timed out, please try again",
			})
		}
		m.logger.Error("openai session create unreachable", "error", err)
		return c.Status(fiber.StatusBadGateway).JSON(MintResponse{
			Success: false,
			Error:   "Network error",
			Message: "Unable to connect to OpenAI API",
		})
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		m.logger.Error("openai session create read failed", "error", err)
		return c.Status(fiber.StatusBadGateway).JSON(MintResponse{
			Success: false,
			Error:   "Network error",
			Message: "Unable to connect to OpenAI API",
		})
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var up sessionResponse
		if err := json.Unmarshal(raw, &up); err != nil || up.ClientSecret.Value == "" {
			m.logger.Error("openai session create returned unusable body", "error", err)
			return m.internalError(c, "OpenAI API returned an unusable session")
		}

		expires := up.ExpiresAt
		if expires == 0 {
			expires = up.ClientSecret.ExpiresAt
		}
		if expires == 0 {
			expires = time.Now().Add(time.Hour).Unix()
		}

		m.logger.Info("minted ephemeral session",
			"session_id", up.ID, "model", model, "temperature", temp)

		return c.JSON(MintResponse{
			Success:            true,
			EphemeralToken:     up.ClientSecret.Value,
			SessionID:          up.ID,
			ExpiresAt:          expires,
			Model:              firstNonEmpty(up.Model, model),
			Voice:              firstNonEmpty(up.Voice, m.cfg.Voice),
			Temperature:        temp,
			InstructionsLength: len(instructions),
			CustomConfiguration: &CustomConfig{
				FeedbackInstructions: req.FeedbackInstructions != "",
				GradeInstructions:    req.GradeInstructions != "",
				FeedbackTemperature:  temp,
				FeedbackModel:        model,
			},
			Message: "Ephemeral token created successfully",
		})

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		m.logger.Error("openai rejected mint credentials", "status", resp.StatusCode)
		return c.Status(fiber.StatusUnauthorized).JSON(MintResponse{
			Success: false,
			Error:   "Authentication failed",
			Message: "Authentication failed with OpenAI",
		})

	default:
		m.logger.Error("openai session create failed",
			"status", resp.StatusCode, "body", truncateForLog(raw))
		return c.Status(fiber.StatusInternalServerError).JSON(MintResponse{
			Success: false,
			Error:   "Failed to create OpenAI session",
			Details: fmt.Sprintf("OpenAI API returned %d", resp.StatusCode),
			Message: "Please try again in a few moments",
		})
	}
}

func (m *Mint) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"service":   "calmira-tokend",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (m *Mint) internalError(c *fiber.Ctx, details string) error {
	return c.Status(fiber.StatusInternalServerError).JSON(MintResponse{
		Success: false,
		Error:   "Internal server error",
		Details: details,
		Message: "An unexpected error occurred",
	})
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func truncateForLog(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
