package realtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/calmira-ai/go-calmira/pkg/pcm"
)

const (
	writeWait    = 10 * time.Second
	readWait     = 120 * time.Second
	pingInterval = 30 * time.Second
)

// WSSession is a Realtime API session over WebSocket. Authenticated with a
// standard API key, so it belongs on a server or a trusted CLI, never in a
// browser.
type WSSession struct {
	cfg Config

	conn *websocket.Conn
	wsMu sync.Mutex // guards writes

	state  atomic.Int32
	events chan *ServerEvent
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error

	errMu sync.Mutex
	err   error
}

var _ Session = (*WSSession)(nil)

// Dial connects to the Realtime API over WebSocket.
func Dial(ctx context.Context, cfg Config) (*WSSession, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultWebSocketURL
	}

	s := &WSSession{
		cfg:    cfg,
		events: make(chan *ServerEvent, cfg.EventBuffer),
		done:   make(chan struct{}),
	}
	s.setState(StateConnecting)

	endpoint := fmt.Sprintf("%s?model=%s", cfg.BaseURL, url.QueryEscape(cfg.Model))

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.DialTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		s.setState(StateDisconnected)
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial %s: status %d: %w", cfg.BaseURL, resp.StatusCode, ErrAuthFailure)
		}
		return nil, fmt.Errorf("failed to connect to Realtime API: %w", err)
	}

	s.conn = conn

	// Respond to server pings and keep the read deadline moving.
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(appData string) error {
		s.wsMu.Lock()
		defer s.wsMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	s.setState(StateConnected)
	s.cfg.Logger.Info("realtime session connected", "model", cfg.Model)

	go s.readLoop()
	go s.keepAlive()

	return s, nil
}

// readLoop owns the events channel and closes it on exit.
func (s *WSSession) readLoop() {
	defer close(s.events)

	for {
		s.conn.SetReadDeadline(time.Now().Add(readWait))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(fmt.Errorf("read: %w", err))
			return
		}

		ev, err := ParseServerEvent(data)
		if err != nil {
			s.cfg.Logger.Warn("dropping malformed server event", "error", err)
			continue
		}

		if ev.Type == EventError && ev.Error != nil {
			s.cfg.Logger.Error("realtime api error",
				"code", ev.Error.Code,
				"message", ev.Error.Message,
			)
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// keepAlive pings the server every pingInterval.
func (s *WSSession) keepAlive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.wsMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.wsMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// fail records the first transport error. A failure after Close counts as a
// normal shutdown.
func (s *WSSession) fail(err error) {
	select {
	case <-s.done:
		return
	default:
	}

	s.errMu.Lock()
	if s.err == nil {
		s.err = fmt.Errorf("realtime: transport: %w", err)
	}
	s.errMu.Unlock()

	s.setState(StateDisconnected)
	s.cfg.Logger.Error("realtime session failed", "error", err)
}

func (s *WSSession) setState(st ConnectionState) {
	old := ConnectionState(s.state.Swap(int32(st)))
	if old != st && s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(st)
	}
}

// sendJSON writes one client event under the write lock.
func (s *WSSession) sendJSON(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.State() != StateConnected {
		return ErrNotConnected
	}

	s.wsMu.Lock()
	defer s.wsMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	s.conn.SetWriteDeadline(deadline)

	if err := s.conn.WriteJSON(v); err != nil {
		s.fail(fmt.Errorf("write: %w", err))
		return fmt.Errorf("failed to send event: %w", err)
	}
	return nil
}

// Configure sends a session.update.
func (s *WSSession) Configure(ctx context.Context, cfg SessionConfig) error {
	return s.sendJSON(ctx, map[string]any{
		"event_id": newEventID(),
		"type":     EventSessionUpdate,
		"session":  cfg,
	})
}

// AppendAudio appends PCM16 audio to the input buffer. Odd-length input is
// rejected before anything reaches the wire.
func (s *WSSession) AppendAudio(ctx context.Context, pcm16 []byte) error {
	if len(pcm16) == 0 {
		return nil
	}
	if len(pcm16)%2 != 0 {
		return fmt.Errorf("append %d bytes: %w", len(pcm16), pcm.ErrMalformedAudio)
	}

	return s.sendJSON(ctx, map[string]any{
		"event_id": newEventID(),
		"type":     EventInputAudioBufferAppend,
		"audio":    base64.StdEncoding.EncodeToString(pcm16),
	})
}

// Commit signals end of input.
func (s *WSSession) Commit(ctx context.Context) error {
	return s.sendJSON(ctx, map[string]any{
		"event_id": newEventID(),
		"type":     EventInputAudioBufferCommit,
	})
}

// ClearInput discards uncommitted input audio.
func (s *WSSession) ClearInput(ctx context.Context) error {
	return s.sendJSON(ctx, map[string]any{
		"event_id": newEventID(),
		"type":     EventInputAudioBufferClear,
	})
}

// CreateResponse asks the model to respond.
func (s *WSSession) CreateResponse(ctx context.Context) error {
	return s.sendJSON(ctx, map[string]any{
		"event_id": newEventID(),
		"type":     EventResponseCreate,
	})
}

// CancelResponse cancels an in-progress response.
func (s *WSSession) CancelResponse(ctx context.Context) error {
	return s.sendJSON(ctx, map[string]any{
		"event_id": newEventID(),
		"type":     EventResponseCancel,
	})
}

// Events returns the server event stream.
func (s *WSSession) Events() <-chan *ServerEvent {
	return s.events
}

// State returns the current connection state.
func (s *WSSession) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// Err returns the first transport error.
func (s *WSSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close tears down the session. Safe to call more than once.
func (s *WSSession) Close() error {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		close(s.done)

		s.wsMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.wsMu.Unlock()

		s.closeErr = s.conn.Close()
		s.setState(StateDisconnected)
		s.cfg.Logger.Info("realtime session closed")
	})
	return s.closeErr
}
