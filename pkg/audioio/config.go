// Package audioio provides microphone capture and speaker playback behind
// small Source and Sink interfaces.
//
// Two backends exist:
//   - PortAudio - real devices, cross-platform (CGO)
//   - Mock - CI/testing without hardware
//
// The backend is selected via configuration; BackendAuto picks PortAudio.
package audioio

import (
	"fmt"
	"time"
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendAuto selects the best available backend.
	BackendAuto Backend = "auto"
	// BackendPortAudio uses PortAudio for cross-platform audio I/O.
	BackendPortAudio Backend = "portaudio"
	// BackendMock uses a mock implementation for testing.
	BackendMock Backend = "mock"
)

// Config holds audio device configuration.
type Config struct {
	// Backend specifies which audio backend to use.
	// Default: "auto" (PortAudio).
	Backend Backend `json:"backend"`

	// SampleRate is the audio sample rate in Hz.
	// Default: 24000 (required by the Realtime API).
	SampleRate int `json:"sample_rate"`

	// Channels is the number of audio channels.
	// Default: 1 (mono).
	Channels int `json:"channels"`

	// FrameSize is the number of samples per capture frame. This governs
	// outbound chunk granularity and therefore latency.
	// Default: 4096 (~171ms at 24kHz).
	FrameSize int `json:"frame_size"`

	// Device is the device name, or empty for the system default.
	Device string `json:"device"`

	// EchoCancellation and NoiseSuppression are requested from the device
	// when supported. Lack of support is not an error.
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:          BackendAuto,
		SampleRate:       24000,
		Channels:         1,
		FrameSize:        4096,
		Device:           "",
		EchoCancellation: true,
		NoiseSuppression: true,
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels < 1 || c.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", c.Channels)
	}
	if c.FrameSize <= 0 {
		return fmt.Errorf("frame_size must be positive, got %d", c.FrameSize)
	}
	switch c.Backend {
	case BackendAuto, BackendPortAudio, BackendMock, "":
	default:
		return fmt.Errorf("unknown backend: %s", c.Backend)
	}
	return nil
}

// FrameDuration returns the duration of one capture frame.
func (c *Config) FrameDuration() time.Duration {
	return time.Duration(float64(c.FrameSize) / float64(c.SampleRate) * float64(time.Second))
}

// FrameBytes returns the size of one frame in bytes (int16 samples).
func (c *Config) FrameBytes() int {
	return c.FrameSize * c.Channels * 2
}
