package realtime

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
)

// MockSession is a scripted Session for tests. Operations are recorded;
// server events are emitted by the test through the Emit helpers.
type MockSession struct {
	mu sync.Mutex

	// Recorded client operations.
	Appended   [][]byte
	Commits    int
	Clears     int
	Creates    int
	Cancels    int
	Configures []SessionConfig

	// Ops logs operation names in call order.
	Ops []string

	// FailWith, when set, is returned by every client operation.
	FailWith error

	state  atomic.Int32
	events chan *ServerEvent

	closeOnce sync.Once
}

var _ Session = (*MockSession)(nil)

// NewMockSession returns a connected mock session.
func NewMockSession() *MockSession {
	m := &MockSession{
		events: make(chan *ServerEvent, 100),
	}
	m.state.Store(int32(StateConnected))
	return m
}

// Emit pushes a server event to the session's consumers.
func (m *MockSession) Emit(ev *ServerEvent) {
	m.events <- ev
}

// EmitAudioDelta pushes a response.audio.delta carrying the given PCM16.
func (m *MockSession) EmitAudioDelta(pcm16 []byte) {
	m.Emit(&ServerEvent{
		Type:  EventResponseAudioDelta,
		Delta: base64.StdEncoding.EncodeToString(pcm16),
		Audio: pcm16,
	})
}

// EmitTranscriptDelta pushes a transcript fragment.
func (m *MockSession) EmitTranscriptDelta(text string) {
	m.Emit(&ServerEvent{Type: EventResponseAudioTranscriptDelta, Delta: text})
}

// EmitTranscriptDone pushes a completed transcript.
func (m *MockSession) EmitTranscriptDone(transcript string) {
	m.Emit(&ServerEvent{Type: EventResponseAudioTranscriptDone, Transcript: transcript})
}

// EmitResponseDone pushes a response.done.
func (m *MockSession) EmitResponseDone() {
	m.Emit(&ServerEvent{Type: EventResponseDone})
}

// EmitError pushes an error event.
func (m *MockSession) EmitError(code, message string) {
	m.Emit(&ServerEvent{
		Type:  EventError,
		Error: &APIError{Type: "error", Code: code, Message: message},
	})
}

func (m *MockSession) Configure(ctx context.Context, cfg SessionConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.Configures = append(m.Configures, cfg)
	m.Ops = append(m.Ops, "configure")
	return nil
}

func (m *MockSession) AppendAudio(ctx context.Context, pcm16 []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.Appended = append(m.Appended, append([]byte(nil), pcm16...))
	m.Ops = append(m.Ops, "append")
	return nil
}

func (m *MockSession) Commit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.Commits++
	m.Ops = append(m.Ops, "commit")
	return nil
}

func (m *MockSession) ClearInput(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.Clears++
	m.Ops = append(m.Ops, "clear")
	return nil
}

func (m *MockSession) CreateResponse(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.Creates++
	m.Ops = append(m.Ops, "response.create")
	return nil
}

func (m *MockSession) CancelResponse(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.Cancels++
	m.Ops = append(m.Ops, "response.cancel")
	return nil
}

func (m *MockSession) Events() <-chan *ServerEvent {
	return m.events
}

func (m *MockSession) State() ConnectionState {
	return ConnectionState(m.state.Load())
}

// SetState lets tests force a connection state.
func (m *MockSession) SetState(st ConnectionState) {
	m.state.Store(int32(st))
}

func (m *MockSession) Err() error {
	return nil
}

func (m *MockSession) Close() error {
	m.closeOnce.Do(func() {
		m.state.Store(int32(StateDisconnected))
		close(m.events)
	})
	return nil
}

// AppendedBytes returns the total appended payload size.
func (m *MockSession) AppendedBytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, b := range m.Appended {
		total += len(b)
	}
	return total
}

// CommitCount returns the number of commits, safely.
func (m *MockSession) CommitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Commits
}

// OpLog returns a copy of the recorded operation order.
func (m *MockSession) OpLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Ops...)
}

// AppendCount returns the number of appends, safely.
func (m *MockSession) AppendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Appended)
}

// ClearCount returns the number of input clears, safely.
func (m *MockSession) ClearCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Clears
}

// CreateCount returns the number of response creations, safely.
func (m *MockSession) CreateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Creates
}

// CancelCount returns the number of response cancellations, safely.
func (m *MockSession) CancelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Cancels
}

// ConfigureCount returns the number of session updates, safely.
func (m *MockSession) ConfigureCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Configures)
}

// LastConfigure returns the most recent session update payload.
func (m *MockSession) LastConfigure() (SessionConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Configures) == 0 {
		return SessionConfig{}, false
	}
	return m.Configures[len(m.Configures)-1], true
}
