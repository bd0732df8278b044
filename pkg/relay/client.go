package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/calmira-ai/go-calmira/pkg/feedback"
	"github.com/calmira-ai/go-calmira/pkg/pcm"
	"github.com/calmira-ai/go-calmira/pkg/realtime"
)

// DefaultFeedbackTimeout bounds one training_feedback round trip.
const DefaultFeedbackTimeout = 5 * time.Second

// feedbackAttempts is one initial request plus one retry.
const feedbackAttempts = 2

const clientWriteWait = 10 * time.Second

// ClientConfig holds relay client settings.
type ClientConfig struct {
	// URL is the relay speech endpoint, e.g. ws://localhost:8085/ws/speech.
	URL string

	// DialTimeout bounds connection establishment. Default: 10s.
	DialTimeout time.Duration

	// FeedbackTimeout bounds each feedback request. Default:
	// DefaultFeedbackTimeout.
	FeedbackTimeout time.Duration

	// EventBuffer is the capacity of the Events channel. Default: 100.
	EventBuffer int

	// OnStateChange, if set, is invoked on every connection state change.
	OnStateChange func(realtime.ConnectionState)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.FeedbackTimeout <= 0 {
		c.FeedbackTimeout = DefaultFeedbackTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Client is a realtime.Session that speaks the relay protocol instead of the
// OpenAI API directly, mirroring what the browser client does. On top of the
// Session surface it offers FetchFeedback, the polled grading round trip.
type Client struct {
	cfg ClientConfig

	conn *websocket.Conn
	wsMu sync.Mutex // guards writes

	state  atomic.Int32
	events chan *realtime.ServerEvent
	done   chan struct{}

	sessionID string

	// fbc hands the training_feedback reply to the pending fetch; fbMu
	// serializes fetches.
	fbMu sync.Mutex
	fbc  chan feedback.TrainingFeedback

	closeOnce sync.Once
	closeErr  error

	errMu sync.Mutex
	err   error
}

var _ realtime.Session = (*Client)(nil)

// SpeechURL turns a relay base URL into the speech endpoint the client
// dials: http(s) schemes become ws(s), a bare host gets ws, and the
// /ws/speech path is appended unless already present.
func SpeechURL(base string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("relay: url required")
	}
	if !strings.Contains(base, "://") {
		base = "ws://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("relay: parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("relay: unsupported scheme %q", u.Scheme)
	}
	if !strings.Contains(u.Path, "/ws/speech") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/speech"
	}
	return u.String(), nil
}

// Dial connects to a relay server and waits for session establishment.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("relay: url required")
	}
	cfg = cfg.withDefaults()

	c := &Client{
		cfg:    cfg,
		events: make(chan *realtime.ServerEvent, cfg.EventBuffer),
		done:   make(chan struct{}),
		fbc:    make(chan feedback.TrainingFeedback, 1),
	}
	c.setState(realtime.StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		c.setState(realtime.StateDisconnected)
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	c.conn = conn

	// The relay reports session.created once its upstream session is live.
	if err := c.awaitSession(); err != nil {
		conn.Close()
		c.setState(realtime.StateDisconnected)
		return nil, err
	}

	c.setState(realtime.StateConnected)
	cfg.Logger.Info("relay session connected", "url", cfg.URL, "session", c.sessionID)

	go c.readLoop()
	return c, nil
}

func (c *Client) awaitSession() error {
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.DialTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("relay handshake: %w", err)
		}
		msg, err := ParseServerMessage(data)
		if err != nil {
			c.cfg.Logger.Warn("dropping malformed relay message", "error", err)
			continue
		}
		switch msg.Type {
		case TypeSessionCreated:
			c.sessionID = msg.SessionID
			return nil
		case TypeError:
			return fmt.Errorf("relay refused session: %s", msg.Error)
		default:
			continue
		}
	}
}

// readLoop owns the events channel and closes it on exit.
func (c *Client) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("read: %w", err))
			return
		}
		msg, err := ParseServerMessage(data)
		if err != nil {
			c.cfg.Logger.Warn("dropping malformed relay message", "error", err)
			continue
		}
		ev := c.translate(msg)
		if ev == nil {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

// translate maps a relay message onto the upstream event vocabulary.
// training_feedback is routed to the pending fetch instead of the event
// stream; unknown types are dropped.
func (c *Client) translate(msg *ServerMessage) *realtime.ServerEvent {
	switch msg.Type {
	case TypeAudioDelta:
		audio, err := msg.PCM16()
		if err != nil {
			c.cfg.Logger.Warn("dropping unreadable audio delta", "error", err)
			return nil
		}
		return &realtime.ServerEvent{Type: realtime.EventResponseAudioDelta, Delta: msg.Audio, Audio: audio}

	case TypeTranscriptDelta:
		return &realtime.ServerEvent{Type: realtime.EventResponseAudioTranscriptDelta, Delta: msg.Delta}

	case TypeTranscriptDone:
		return &realtime.ServerEvent{Type: realtime.EventResponseAudioTranscriptDone, Transcript: msg.Transcript}

	case TypeSpeechStarted:
		return &realtime.ServerEvent{Type: realtime.EventInputAudioBufferSpeechStarted}

	case TypeSpeechStopped:
		return &realtime.ServerEvent{Type: realtime.EventInputAudioBufferSpeechStopped}

	case TypeCommitted:
		return &realtime.ServerEvent{Type: realtime.EventInputAudioBufferCommitted}

	case TypeResponseCreated:
		return &realtime.ServerEvent{Type: realtime.EventResponseCreated}

	case TypeResponseDone:
		return &realtime.ServerEvent{Type: realtime.EventResponseDone}

	case TypeTrainingFeedback:
		fb := feedback.TrainingFeedback{Feedback: msg.Feedback}
		if fb.Feedback == "" {
			fb.Feedback = msg.FullResponse
		}
		if msg.Grade != nil {
			fb.Grade = *msg.Grade
			fb.Graded = true
		}
		select {
		case c.fbc <- fb:
		default:
			c.cfg.Logger.Debug("unsolicited training feedback dropped")
		}
		return nil

	case TypeError:
		return &realtime.ServerEvent{
			Type:  realtime.EventError,
			Error: &realtime.APIError{Type: "error", Code: msg.Details, Message: msg.Error},
		}

	default:
		c.cfg.Logger.Debug("unhandled relay message", "type", msg.Type)
		return nil
	}
}

// write sends one frame under the write lock.
func (c *Client) write(ctx context.Context, messageType int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.State() != realtime.StateConnected {
		return realtime.ErrNotConnected
	}

	c.wsMu.Lock()
	defer c.wsMu.Unlock()

	deadline := time.Now().Add(clientWriteWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	c.conn.SetWriteDeadline(deadline)

	if err := c.conn.WriteMessage(messageType, data); err != nil {
		c.fail(fmt.Errorf("write: %w", err))
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (c *Client) sendCommand(ctx context.Context, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	return c.write(ctx, websocket.TextMessage, data)
}

// Configure forwards only the instructions; the relay owns the remaining
// session parameters.
func (c *Client) Configure(ctx context.Context, cfg realtime.SessionConfig) error {
	return c.sendCommand(ctx, Command{Type: TypeConfigure, Instructions: cfg.Instructions})
}

// AppendAudio streams raw PCM16 as a binary frame. Odd-length input is
// rejected before anything reaches the wire.
func (c *Client) AppendAudio(ctx context.Context, pcm16 []byte) error {
	if len(pcm16) == 0 {
		return nil
	}
	if len(pcm16)%2 != 0 {
		return fmt.Errorf("append %d bytes: %w", len(pcm16), pcm.ErrMalformedAudio)
	}
	return c.write(ctx, websocket.BinaryMessage, pcm16)
}

// Commit finalizes the user turn. The relay couples response creation to
// the commit, so CreateResponse is a no-op on this transport.
func (c *Client) Commit(ctx context.Context) error {
	return c.sendCommand(ctx, Command{Type: TypeCommitAudio})
}

// ClearInput discards staged input audio on the relay and upstream.
func (c *Client) ClearInput(ctx context.Context) error {
	return c.sendCommand(ctx, Command{Type: TypeClearAudio})
}

// CreateResponse is a no-op: the relay requests the response as part of
// Commit.
func (c *Client) CreateResponse(ctx context.Context) error {
	return nil
}

// CancelResponse cancels an in-progress response.
func (c *Client) CancelResponse(ctx context.Context) error {
	return c.sendCommand(ctx, Command{Type: TypeCancelResponse})
}

// FetchFeedback asks the relay for the latest grading. Each attempt waits
// FeedbackTimeout; one retry covers a dropped or rate-limited request, and a
// second miss reports realtime.ErrTimeout.
func (c *Client) FetchFeedback(ctx context.Context) (feedback.TrainingFeedback, error) {
	c.fbMu.Lock()
	defer c.fbMu.Unlock()

	// Drop any stale reply left over from an abandoned attempt.
	select {
	case <-c.fbc:
	default:
	}

	var zero feedback.TrainingFeedback
	for attempt := 1; attempt <= feedbackAttempts; attempt++ {
		if err := c.sendCommand(ctx, Command{Type: TypeGetFeedback}); err != nil {
			return zero, err
		}

		timer := time.NewTimer(c.cfg.FeedbackTimeout)
		select {
		case fb := <-c.fbc:
			timer.Stop()
			return fb, nil
		case <-timer.C:
			c.cfg.Logger.Warn("feedback request timed out", "attempt", attempt)
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-c.done:
			timer.Stop()
			return zero, realtime.ErrClosed
		}
	}
	return zero, fmt.Errorf("no feedback after %d attempts: %w", feedbackAttempts, realtime.ErrTimeout)
}

// Events returns the server event stream.
func (c *Client) Events() <-chan *realtime.ServerEvent {
	return c.events
}

// State returns the current connection state.
func (c *Client) State() realtime.ConnectionState {
	return realtime.ConnectionState(c.state.Load())
}

// SessionID returns the relay-assigned session id.
func (c *Client) SessionID() string {
	return c.sessionID
}

func (c *Client) setState(st realtime.ConnectionState) {
	old := realtime.ConnectionState(c.state.Swap(int32(st)))
	if old != st && c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(st)
	}
}

// fail records the first transport error. A failure after Close counts as a
// normal shutdown.
func (c *Client) fail(err error) {
	select {
	case <-c.done:
		return
	default:
	}

	c.errMu.Lock()
	if c.err == nil {
		c.err = fmt.Errorf("relay: transport: %w", err)
	}
	c.errMu.Unlock()

	c.setState(realtime.StateDisconnected)
	c.cfg.Logger.Error("relay session failed", "error", err)
}

// Err returns the first transport error.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.setState(realtime.StateClosing)
		close(c.done)

		c.wsMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wsMu.Unlock()

		c.closeErr = c.conn.Close()
		c.setState(realtime.StateDisconnected)
		c.cfg.Logger.Info("relay session closed")
	})
	return c.closeErr
}
