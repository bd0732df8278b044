package realtime

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestSessionConfigMarshalTurnDetectionNull(t *testing.T) {
	cfg := DefaultSessionConfig("stay calm")

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	// Push-to-talk requires an explicit null, not an absent key.
	v, ok := m["turn_detection"]
	if !ok {
		t.Fatal("turn_detection key absent; must be present and null")
	}
	if v != nil {
		t.Errorf("turn_detection = %v, want null", v)
	}
}

func TestSessionConfigMarshalServerVAD(t *testing.T) {
	cfg := DefaultSessionConfig("")
	cfg.TurnDetection = &TurnDetection{
		Type:              "server_vad",
		Threshold:         0.5,
		PrefixPaddingMs:   300,
		SilenceDurationMs: 500,
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	td, ok := m["turn_detection"].(map[string]any)
	if !ok {
		t.Fatalf("turn_detection = %v, want object", m["turn_detection"])
	}
	if td["type"] != "server_vad" {
		t.Errorf("type = %v, want server_vad", td["type"])
	}
}

func TestDefaultSessionConfig(t *testing.T) {
	cfg := DefaultSessionConfig("instructions here")

	if cfg.Instructions != "instructions here" {
		t.Errorf("Instructions = %q", cfg.Instructions)
	}
	if cfg.Voice != "alloy" {
		t.Errorf("Voice = %q, want alloy", cfg.Voice)
	}
	if cfg.InputAudioFormat != "pcm16" || cfg.OutputAudioFormat != "pcm16" {
		t.Errorf("audio formats = %q/%q, want pcm16/pcm16", cfg.InputAudioFormat, cfg.OutputAudioFormat)
	}
	if cfg.InputAudioTranscription == nil || cfg.InputAudioTranscription.Model != "whisper-1" {
		t.Errorf("InputAudioTranscription = %+v, want whisper-1", cfg.InputAudioTranscription)
	}
	if cfg.TurnDetection != nil {
		t.Error("TurnDetection should default to nil (push-to-talk)")
	}
	if cfg.Temperature != 0.8 {
		t.Errorf("Temperature = %v, want 0.8", cfg.Temperature)
	}
	if cfg.MaxResponseOutputTokens != 4096 {
		t.Errorf("MaxResponseOutputTokens = %d, want 4096", cfg.MaxResponseOutputTokens)
	}
	if len(cfg.Modalities) != 2 {
		t.Errorf("Modalities = %v, want [text audio]", cfg.Modalities)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	err := cfg.Validate()
	if !errors.Is(err, ErrAuthFailure) {
		t.Errorf("empty api key: error = %v, want ErrAuthFailure", err)
	}

	cfg.APIKey = "sk-test"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate with key: %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{APIKey: "sk-test"}.withDefaults()

	if cfg.Model != DefaultModel {
		t.Errorf("Model = %q, want %q", cfg.Model, DefaultModel)
	}
	if cfg.DialTimeout <= 0 {
		t.Error("DialTimeout not defaulted")
	}
	if cfg.EventBuffer != 100 {
		t.Errorf("EventBuffer = %d, want 100", cfg.EventBuffer)
	}
	if cfg.Logger == nil {
		t.Error("Logger not defaulted")
	}
}

func TestConnectionStateString(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateClosing, "closing"},
		{ConnectionState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
