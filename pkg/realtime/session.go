// Package realtime speaks the OpenAI Realtime API over WebSocket or WebRTC.
//
// Both transports expose the same Session interface: client operations are
// methods, server events arrive on a single channel as tagged ServerEvent
// values. Sessions are push-to-talk: server-side voice activity detection is
// disabled and the caller decides when input ends.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultModel is the speech-to-speech model used when none is configured.
const DefaultModel = "gpt-4o-realtime-preview-2024-10-01"

// DefaultWebSocketURL is the Realtime API WebSocket endpoint.
const DefaultWebSocketURL = "wss://api.openai.com/v1/realtime"

// DefaultWebRTCURL is the Realtime API SDP exchange endpoint.
const DefaultWebRTCURL = "https://api.openai.com/v1/realtime"

// Session is a live Realtime API conversation. Implementations: WSSession
// (API key over WebSocket), RTCSession (ephemeral token over WebRTC), and
// relay.Client (through the browser relay).
type Session interface {
	// Configure sends a session.update with the given parameters.
	Configure(ctx context.Context, cfg SessionConfig) error

	// AppendAudio appends raw PCM16 audio to the input buffer.
	AppendAudio(ctx context.Context, pcm16 []byte) error

	// Commit signals end of input; the committed buffer becomes the user turn.
	Commit(ctx context.Context) error

	// ClearInput discards any uncommitted input audio.
	ClearInput(ctx context.Context) error

	// CreateResponse asks the model to respond to the committed input.
	CreateResponse(ctx context.Context) error

	// CancelResponse cancels an in-progress response.
	CancelResponse(ctx context.Context) error

	// Events returns the server event stream. The channel is closed when
	// the session ends.
	Events() <-chan *ServerEvent

	// State returns the current connection state.
	State() ConnectionState

	// Err returns the first transport error, if any.
	Err() error

	// Close tears down the session.
	Close() error
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// AudioTranscription configures input transcription.
type AudioTranscription struct {
	Model string `json:"model"`
}

// SessionConfig is the session.update payload.
//
// TurnDetection has no omitempty: a nil value marshals as an explicit
// "turn_detection": null, which is how the API disables VAD for
// push-to-talk.
type SessionConfig struct {
	Modalities              []string            `json:"modalities,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string              `json:"output_audio_format,omitempty"`
	InputAudioTranscription *AudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection      `json:"turn_detection"`
	Temperature             float64             `json:"temperature,omitempty"`
	MaxResponseOutputTokens int                 `json:"max_response_output_tokens,omitempty"`
}

// DefaultSessionConfig returns the push-to-talk session parameters.
func DefaultSessionConfig(instructions string) SessionConfig {
	return SessionConfig{
		Modalities:              []string{"text", "audio"},
		Instructions:            instructions,
		Voice:                   "alloy",
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &AudioTranscription{Model: "whisper-1"},
		TurnDetection:           nil, // push-to-talk: no server VAD
		Temperature:             0.8,
		MaxResponseOutputTokens: 4096,
	}
}

// Config holds transport connection parameters.
type Config struct {
	// APIKey authenticates WebSocket sessions (standard API key) or WebRTC
	// sessions (ephemeral client secret).
	APIKey string

	// Model selects the realtime model. Default: DefaultModel.
	Model string

	// BaseURL overrides the API endpoint. Defaults depend on transport.
	BaseURL string

	// DialTimeout bounds connection establishment. Default: 10s.
	DialTimeout time.Duration

	// EventBuffer is the capacity of the Events channel. Default: 100.
	EventBuffer int

	// OnStateChange, if set, is invoked on every connection state change.
	OnStateChange func(ConnectionState)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("api key required: %w", ErrAuthFailure)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
