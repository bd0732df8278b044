package trainer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/calmira-ai/go-calmira/pkg/realtime"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Model != realtime.DefaultModel {
		t.Errorf("Model = %q, want %q", cfg.Model, realtime.DefaultModel)
	}
	if cfg.Voice != DefaultVoice {
		t.Errorf("Voice = %q, want %q", cfg.Voice, DefaultVoice)
	}
	if cfg.ScenarioID != DefaultScenarioID {
		t.Errorf("ScenarioID = %q, want %q", cfg.ScenarioID, DefaultScenarioID)
	}
	if cfg.FeedbackTimeout != 5*time.Second {
		t.Errorf("FeedbackTimeout = %v, want 5s", cfg.FeedbackTimeout)
	}
	if cfg.Audio.SampleRate != 24000 || cfg.Audio.Channels != 1 {
		t.Errorf("Audio = %d Hz / %d ch, want 24000 / 1", cfg.Audio.SampleRate, cfg.Audio.Channels)
	}
}

func TestValidateRequiresCredentials(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("CALMIRA_TOKEN_ENDPOINT", "")

	cfg := DefaultConfig()
	cfg.LoadEnvConfig()

	err := cfg.Validate()
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("Validate() = %v, want *ConfigError", err)
	}
	if ce.Field != "APIKey" {
		t.Errorf("Field = %q, want APIKey", ce.Field)
	}
	if ce.Error() == "" {
		t.Error("ConfigError message is empty")
	}
}

func TestValidateAcceptsAnyCredentialSource(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("CALMIRA_TOKEN_ENDPOINT", "")

	base := DefaultConfig()

	withKey := base
	withKey.APIKey = "sk-test"
	if err := withKey.Validate(); err != nil {
		t.Errorf("Validate with API key: %v", err)
	}

	withEndpoint := base
	withEndpoint.TokenEndpoint = "https://tokens.example.com/mint"
	if err := withEndpoint.Validate(); err != nil {
		t.Errorf("Validate with token endpoint: %v", err)
	}

	withDialer := base
	withDialer.Dial = func(ctx context.Context, _ realtime.Config) (realtime.Session, error) {
		return realtime.NewMockSession(), nil
	}
	if err := withDialer.Validate(); err != nil {
		t.Errorf("Validate with custom dialer: %v", err)
	}
}

func TestValidateRejectsUnknownScenario(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKey = "sk-test"
	cfg.ScenarioID = "hostage_negotiation"

	err := cfg.Validate()
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Field != "ScenarioID" {
		t.Errorf("Validate() = %v, want ConfigError on ScenarioID", err)
	}

	// Custom instructions replace the scenario prompt, so the id no longer
	// matters.
	cfg.Instructions = "Play a calm bystander."
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate with custom instructions: %v", err)
	}
}

func TestLoadEnvConfig(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("CALMIRA_TOKEN_ENDPOINT", "https://tokens.example.com/mint")

	cfg := Config{}
	cfg.LoadEnvConfig()
	if cfg.APIKey != "sk-env" {
		t.Errorf("APIKey = %q, want sk-env", cfg.APIKey)
	}
	if cfg.TokenEndpoint != "https://tokens.example.com/mint" {
		t.Errorf("TokenEndpoint = %q", cfg.TokenEndpoint)
	}

	// Explicit values win over the environment.
	cfg = Config{APIKey: "sk-explicit"}
	cfg.LoadEnvConfig()
	if cfg.APIKey != "sk-explicit" {
		t.Errorf("APIKey = %q, environment must not override explicit config", cfg.APIKey)
	}
}

func TestInstructionsResolution(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Instructions = "Play a calm bystander."
	if got := cfg.instructions(); got != "Play a calm bystander." {
		t.Errorf("instructions() = %q, want the custom prompt", got)
	}

	cfg = DefaultConfig()
	cfg.ScenarioID = "workplace_conflict"
	if got := cfg.instructions(); !strings.Contains(got, "Dana") {
		t.Error("instructions() missing the workplace_conflict persona")
	}

	cfg = DefaultConfig()
	cfg.ScenarioID = "no_such_scenario"
	if got := cfg.instructions(); !strings.Contains(got, "Marcus") {
		t.Error("instructions() should fall back to the default scenario")
	}
}
