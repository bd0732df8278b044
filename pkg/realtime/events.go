package realtime

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Client event types.
const (
	EventSessionUpdate          = "session.update"
	EventInputAudioBufferAppend = "input_audio_buffer.append"
	EventInputAudioBufferCommit = "input_audio_buffer.commit"
	EventInputAudioBufferClear  = "input_audio_buffer.clear"
	EventResponseCreate         = "response.create"
	EventResponseCancel         = "response.cancel"
)

// Server event types.
const (
	EventError                         = "error"
	EventSessionCreated                = "session.created"
	EventSessionUpdated                = "session.updated"
	EventInputAudioBufferCommitted     = "input_audio_buffer.committed"
	EventInputAudioBufferCleared       = "input_audio_buffer.cleared"
	EventInputAudioBufferSpeechStarted = "input_audio_buffer.speech_started"
	EventInputAudioBufferSpeechStopped = "input_audio_buffer.speech_stopped"
	EventResponseCreated               = "response.created"
	EventResponseAudioDelta            = "response.audio.delta"
	EventResponseAudioDone             = "response.audio.done"
	EventResponseAudioTranscriptDelta  = "response.audio_transcript.delta"
	EventResponseAudioTranscriptDone   = "response.audio_transcript.done"
	EventResponseTextDelta             = "response.text.delta"
	EventResponseTextDone              = "response.text.done"
	EventResponseDone                  = "response.done"
)

// ServerEvent is a tagged event from the Realtime API. Type selects which
// fields are meaningful; unrecognized types flow through with Raw intact so
// callers can ignore or log them without breaking on vocabulary growth.
type ServerEvent struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`

	// Delta carries base64 audio for response.audio.delta and text
	// fragments for transcript/text deltas.
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Text       string `json:"text,omitempty"`

	Error *APIError `json:"error,omitempty"`

	// Audio holds the decoded PCM16 payload of response.audio.delta.
	Audio []byte `json:"-"`

	// Raw is the undecoded event payload.
	Raw json.RawMessage `json:"-"`
}

// ParseServerEvent decodes a server event. Audio deltas have their base64
// payload decoded into Audio.
func ParseServerEvent(data []byte) (*ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("realtime: parse event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("realtime: event missing type")
	}
	ev.Raw = append(json.RawMessage(nil), data...)

	if ev.Type == EventResponseAudioDelta && ev.Delta != "" {
		audio, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return nil, fmt.Errorf("realtime: decode audio delta: %w", err)
		}
		ev.Audio = audio
	}

	return &ev, nil
}

// IsTerminal reports whether this event ends a response turn.
func (ev *ServerEvent) IsTerminal() bool {
	return ev.Type == EventResponseDone || ev.Type == EventError
}

// newEventID returns a short unique client event id.
func newEventID() string {
	return "evt_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
