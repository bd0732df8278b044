// Package relay implements the browser-facing WebSocket proxy for speech
// training sessions. Clients stream raw PCM16 mic audio as binary frames and
// JSON commands as text frames; the relay owns the upstream OpenAI Realtime
// session and pushes tagged JSON events back down.
//
// Server and Client speak the same wire protocol, so the Go client can stand
// in for a browser both in tests and behind the CLI.
package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/calmira-ai/go-calmira/pkg/feedback"
)

// MessageType tags every JSON frame on the relay socket.
type MessageType string

// Client → relay commands.
const (
	TypeCommitAudio    MessageType = "commit_audio"
	TypeConfigure      MessageType = "configure"
	TypeGetFeedback    MessageType = "get_feedback"
	TypeClearAudio     MessageType = "clear_audio"
	TypeCancelResponse MessageType = "cancel_response"
)

// Relay → client events.
const (
	TypeSessionCreated   MessageType = "session.created"
	TypeAudioDelta       MessageType = "audio.delta"
	TypeTranscriptDelta  MessageType = "transcript.delta"
	TypeTranscriptDone   MessageType = "transcript.done"
	TypeSpeechStarted    MessageType = "speech.started"
	TypeSpeechStopped    MessageType = "speech.stopped"
	TypeCommitted        MessageType = "committed"
	TypeResponseCreated  MessageType = "response.created"
	TypeResponseDone     MessageType = "response.done"
	TypeTrainingFeedback MessageType = "training_feedback"
	TypeError            MessageType = "error"
)

// Command is a client → relay request sent as a text frame. Binary frames
// carry raw PCM16 and need no envelope.
type Command struct {
	Type         MessageType `json:"type"`
	Instructions string      `json:"instructions,omitempty"`
}

// ParseCommand decodes a client command frame.
func ParseCommand(data []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("failed to parse command: %w", err)
	}
	if cmd.Type == "" {
		return nil, fmt.Errorf("command missing type")
	}
	return &cmd, nil
}

// ServerMessage is a tagged relay → client message. Type selects which
// fields are meaningful; clients should ignore unknown types.
type ServerMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`

	// Audio carries base64 PCM16 for audio.delta.
	Audio      string `json:"audio,omitempty"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	// training_feedback fields. Grade is null when the latest coach
	// response carried no recognizable rating.
	Grade        *int   `json:"grade,omitempty"`
	Feedback     string `json:"feedback,omitempty"`
	FullResponse string `json:"full_response,omitempty"`

	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

// ParseServerMessage decodes a relay → client frame.
func ParseServerMessage(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message missing type")
	}
	return &msg, nil
}

// PCM16 decodes the base64 audio payload of an audio.delta message.
func (m *ServerMessage) PCM16() ([]byte, error) {
	if m.Audio == "" {
		return nil, nil
	}
	audio, err := base64.StdEncoding.DecodeString(m.Audio)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio payload: %w", err)
	}
	return audio, nil
}

// FeedbackMessage is the training_feedback reply. Unlike ServerMessage all
// fields are always on the wire, with grade explicitly null when the
// response was not graded.
type FeedbackMessage struct {
	Type         MessageType `json:"type"`
	Grade        *int        `json:"grade"`
	Feedback     string      `json:"feedback"`
	FullResponse string      `json:"full_response"`
}

// NewFeedbackMessage builds the training_feedback reply for an extraction
// result.
func NewFeedbackMessage(fb feedback.TrainingFeedback) FeedbackMessage {
	msg := FeedbackMessage{
		Type:         TypeTrainingFeedback,
		Feedback:     fb.Feedback,
		FullResponse: fb.Feedback,
	}
	if fb.Graded {
		grade := fb.Grade
		msg.Grade = &grade
	}
	return msg
}
