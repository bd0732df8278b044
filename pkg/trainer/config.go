// Package trainer composes the full de-escalation training session: push-to-talk
// capture into a realtime speech session, gapless playback of the coach's reply,
// grade extraction from the reply transcript, and host variable updates for the
// embedding UI.
package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/calmira-ai/go-calmira/pkg/audioio"
	"github.com/calmira-ai/go-calmira/pkg/feedback"
	"github.com/calmira-ai/go-calmira/pkg/hostvars"
	"github.com/calmira-ai/go-calmira/pkg/realtime"
)

// DefaultVoice is the coach voice used when none is configured.
const DefaultVoice = "alloy"

// DefaultFeedbackTimeout bounds one relay grade-fetch exchange. A timed-out
// request is retried exactly once.
const DefaultFeedbackTimeout = 5 * time.Second

// Config holds all configuration for a training session.
// Flag parsing is done in cmd/calmira/main.go; this struct is data only.
type Config struct {
	// Debug enables verbose debug logging.
	Debug bool

	// APIKey connects directly to the Realtime API over WebSocket.
	APIKey string

	// TokenEndpoint, when set and APIKey is empty, mints an ephemeral token
	// and connects over WebRTC instead.
	TokenEndpoint string

	// Model and Voice select the coach. Defaults: realtime.DefaultModel,
	// DefaultVoice.
	Model string
	Voice string

	// ScenarioID selects a built-in training scenario. Instructions, when
	// non-empty, replaces the scenario prompt entirely.
	ScenarioID   string
	Instructions string

	// Audio configures the capture and playback devices.
	Audio audioio.Config

	// FeedbackTimeout bounds each grade-fetch exchange on the relay
	// transport. Default: DefaultFeedbackTimeout.
	FeedbackTimeout time.Duration

	// Store receives host variable writes. Nil publishes nowhere.
	Store hostvars.Store

	// Dial overrides transport dialing. The CLI uses it to route a session
	// through the relay proxy; tests inject a mock session.
	Dial func(ctx context.Context, cfg realtime.Config) (realtime.Session, error)

	// OnTranscriptDelta streams transcript fragments as they arrive.
	OnTranscriptDelta func(text string)

	// OnTranscript receives each completed reply transcript.
	OnTranscript func(transcript string)

	// OnFeedback receives the evaluation published at the end of each turn.
	OnFeedback func(fb feedback.TrainingFeedback)

	// OnStatus mirrors every ai_status host variable write.
	OnStatus func(status string)

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults for a training session.
func DefaultConfig() Config {
	return Config{
		Model:           realtime.DefaultModel,
		Voice:           DefaultVoice,
		ScenarioID:      DefaultScenarioID,
		Audio:           audioio.DefaultConfig(),
		FeedbackTimeout: DefaultFeedbackTimeout,
	}
}

// LoadEnvConfig loads configuration values from environment variables.
// Call this after flag parsing to apply environment overrides; set fields
// are never clobbered.
func (c *Config) LoadEnvConfig() {
	if c.APIKey == "" {
		c.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.TokenEndpoint == "" {
		c.TokenEndpoint = os.Getenv("CALMIRA_TOKEN_ENDPOINT")
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.APIKey == "" && c.TokenEndpoint == "" && c.Dial == nil {
		return &ConfigError{
			Field:   "APIKey",
			Message: "an OpenAI API key, a token endpoint, or a custom dialer is required",
		}
	}
	if c.Instructions == "" && c.ScenarioID != "" {
		if _, ok := ScenarioByID(c.ScenarioID); !ok {
			return &ConfigError{
				Field:   "ScenarioID",
				Message: fmt.Sprintf("unknown scenario %q", c.ScenarioID),
			}
		}
	}
	if err := c.Audio.Validate(); err != nil {
		return &ConfigError{Field: "Audio", Message: err.Error()}
	}
	return nil
}

// instructions resolves the coach prompt: explicit override, then the
// selected scenario, then the default scenario.
func (c *Config) instructions() string {
	if c.Instructions != "" {
		return c.Instructions
	}
	if c.ScenarioID != "" {
		if s, ok := ScenarioByID(c.ScenarioID); ok {
			return s.Instructions
		}
	}
	return DefaultScenario().Instructions
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = realtime.DefaultModel
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if c.Audio.SampleRate == 0 {
		c.Audio = audioio.DefaultConfig()
	}
	if c.FeedbackTimeout <= 0 {
		c.FeedbackTimeout = DefaultFeedbackTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}
