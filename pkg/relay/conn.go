package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/calmira-ai/go-calmira/pkg/feedback"
	"github.com/calmira-ai/go-calmira/pkg/realtime"
)

// speechConn bridges one client connection to one upstream session.
type speechConn struct {
	id       string
	ws       *websocket.Conn
	upstream realtime.Session
	server   *Server
	log      *slog.Logger

	writeMu sync.Mutex // guards client writes

	// Mic audio staging, touched only by the read loop.
	buf       []byte
	turnBytes int

	// Active-response guard: one response at a time upstream.
	respMu    sync.Mutex
	active    bool
	respGen   int
	respTimer *time.Timer

	// Latest transcript and extraction result.
	fbMu             sync.Mutex
	transcript       strings.Builder
	lastFB           feedback.TrainingFeedback
	lastFeedbackAt   time.Time
	feedbackInterval time.Duration
}

// readLoop handles client frames until disconnect or a fatal handler error.
func (c *speechConn) readLoop(ctx context.Context) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.log.Debug("client read ended", "error", err)
			return
		}
		c.server.messagesReceived.Add(1)

		var herr error
		switch mt {
		case websocket.BinaryMessage:
			herr = c.handleAudio(ctx, data)
		case websocket.TextMessage:
			herr = c.handleCommand(ctx, data)
		default:
			continue
		}
		if herr != nil {
			c.log.Error("failed to handle client message", "error", herr)
			c.push(ServerMessage{Type: TypeError, Error: "Internal server error", Details: herr.Error()})
			return
		}
	}
}

// handleAudio stages raw PCM16 and forwards it upstream in ~100 ms batches.
func (c *speechConn) handleAudio(ctx context.Context, data []byte) error {
	c.server.audioBytesIn.Add(uint64(len(data)))
	c.buf = append(c.buf, data...)
	if len(c.buf) < appendThreshold {
		return nil
	}
	if err := c.upstream.AppendAudio(ctx, c.buf); err != nil {
		return fmt.Errorf("append audio: %w", err)
	}
	c.turnBytes += len(c.buf)
	c.buf = c.buf[:0]
	return nil
}

func (c *speechConn) handleCommand(ctx context.Context, data []byte) error {
	cmd, err := ParseCommand(data)
	if err != nil {
		// Bad JSON is logged and skipped, not fatal.
		c.log.Warn("invalid command frame", "error", err)
		return nil
	}

	switch cmd.Type {
	case TypeCommitAudio:
		return c.commitAudio(ctx)
	case TypeConfigure:
		return c.configure(ctx, cmd.Instructions)
	case TypeGetFeedback:
		return c.sendFeedback()
	case TypeClearAudio:
		return c.clearAudio(ctx)
	case TypeCancelResponse:
		return c.cancelResponse(ctx)
	default:
		c.log.Debug("unknown command", "type", cmd.Type)
		return nil
	}
}

// commitAudio flushes staged mic audio and finalizes the user turn. Turns
// shorter than minCommitBytes stay buffered for the next commit.
func (c *speechConn) commitAudio(ctx context.Context) error {
	if c.turnBytes+len(c.buf) < minCommitBytes {
		c.log.Debug("turn too short to commit", "bytes", c.turnBytes+len(c.buf))
		return nil
	}
	if len(c.buf) > 0 {
		if err := c.upstream.AppendAudio(ctx, c.buf); err != nil {
			return fmt.Errorf("flush audio: %w", err)
		}
		c.turnBytes += len(c.buf)
		c.buf = c.buf[:0]
	}
	if c.responseActive() {
		c.log.Info("response already in progress, skipping commit")
		return nil
	}
	if err := c.upstream.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if err := c.upstream.CreateResponse(ctx); err != nil {
		return fmt.Errorf("create response: %w", err)
	}
	c.beginResponse()
	c.turnBytes = 0
	return nil
}

func (c *speechConn) configure(ctx context.Context, instructions string) error {
	if instructions == "" {
		instructions = c.server.cfg.Instructions
	}
	if err := c.upstream.Configure(ctx, realtime.DefaultSessionConfig(instructions)); err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	c.log.Info("session reconfigured", "instructions_length", len(instructions))
	return nil
}

// sendFeedback replies with the latest extracted feedback. Requests inside
// the rate-limit window are dropped; clients poll again.
func (c *speechConn) sendFeedback() error {
	c.fbMu.Lock()
	if time.Since(c.lastFeedbackAt) < c.feedbackInterval {
		c.fbMu.Unlock()
		c.log.Debug("feedback request rate limited")
		return nil
	}
	fb := c.lastFB
	c.lastFeedbackAt = time.Now()
	c.fbMu.Unlock()

	c.log.Info("sending training feedback", "graded", fb.Graded, "grade", fb.Grade)
	return c.send(NewFeedbackMessage(fb))
}

func (c *speechConn) clearAudio(ctx context.Context) error {
	c.buf = c.buf[:0]
	c.turnBytes = 0
	if err := c.upstream.ClearInput(ctx); err != nil {
		return fmt.Errorf("clear input: %w", err)
	}
	return nil
}

func (c *speechConn) cancelResponse(ctx context.Context) error {
	if err := c.upstream.CancelResponse(ctx); err != nil {
		return fmt.Errorf("cancel response: %w", err)
	}
	c.endResponse()
	return nil
}

func (c *speechConn) responseActive() bool {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	return c.active
}

// beginResponse marks a response in flight and arms a reset for the case
// where the upstream never reports completion.
func (c *speechConn) beginResponse() {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	c.active = true
	c.respGen++
	gen := c.respGen
	if c.respTimer != nil {
		c.respTimer.Stop()
	}
	c.respTimer = time.AfterFunc(responseResetTimeout, func() {
		c.respMu.Lock()
		defer c.respMu.Unlock()
		if c.respGen != gen || !c.active {
			return
		}
		c.active = false
		c.log.Warn("response timed out, resetting guard")
	})
}

func (c *speechConn) endResponse() {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	c.active = false
	c.respGen++
	if c.respTimer != nil {
		c.respTimer.Stop()
		c.respTimer = nil
	}
}

// pumpUpstream forwards upstream events to the client and maintains the
// transcript used for feedback extraction. It exits when the upstream event
// channel closes.
func (c *speechConn) pumpUpstream(ctx context.Context) {
	for ev := range c.upstream.Events() {
		c.handleUpstream(ev)
	}
	if ctx.Err() != nil {
		return // deliberate shutdown
	}
	c.log.Warn("upstream session ended")
	c.push(ServerMessage{Type: TypeError, Error: "Upstream connection closed"})
	c.closeClient()
}

func (c *speechConn) handleUpstream(ev *realtime.ServerEvent) {
	switch ev.Type {
	case realtime.EventResponseAudioDelta:
		c.push(ServerMessage{Type: TypeAudioDelta, Audio: ev.Delta})

	case realtime.EventResponseAudioTranscriptDelta:
		c.appendTranscript(ev.Delta)
		c.push(ServerMessage{Type: TypeTranscriptDelta, Delta: ev.Delta})

	case realtime.EventResponseAudioTranscriptDone:
		c.evaluate(ev.Transcript)
		c.resetTranscript()
		c.push(ServerMessage{Type: TypeTranscriptDone, Transcript: ev.Transcript})

	case realtime.EventResponseTextDelta:
		c.appendTranscript(ev.Delta)

	case realtime.EventResponseTextDone:
		if ev.Text != "" {
			c.evaluate(ev.Text)
			c.resetTranscript()
		}

	case realtime.EventInputAudioBufferSpeechStarted:
		c.push(ServerMessage{Type: TypeSpeechStarted})

	case realtime.EventInputAudioBufferSpeechStopped:
		c.push(ServerMessage{Type: TypeSpeechStopped})

	case realtime.EventInputAudioBufferCommitted:
		c.push(ServerMessage{Type: TypeCommitted})

	case realtime.EventResponseCreated:
		c.beginResponse()
		c.push(ServerMessage{Type: TypeResponseCreated})

	case realtime.EventResponseDone:
		c.endResponse()
		c.flushTranscript()
		c.push(ServerMessage{Type: TypeResponseDone})

	case realtime.EventError:
		c.endResponse()
		msg := ServerMessage{Type: TypeError, Error: "OpenAI API error"}
		if ev.Error != nil {
			msg.Error = ev.Error.Message
			msg.Details = ev.Error.Code
		}
		c.push(msg)

	default:
		c.log.Debug("unhandled upstream event", "type", ev.Type)
	}
}

func (c *speechConn) appendTranscript(delta string) {
	if delta == "" {
		return
	}
	c.fbMu.Lock()
	c.transcript.WriteString(delta)
	c.fbMu.Unlock()
}

func (c *speechConn) resetTranscript() {
	c.fbMu.Lock()
	c.transcript.Reset()
	c.fbMu.Unlock()
}

// evaluate runs feedback extraction on a completed response.
func (c *speechConn) evaluate(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	fb := feedback.Extract(text)
	c.fbMu.Lock()
	c.lastFB = fb
	c.fbMu.Unlock()
	c.log.Debug("feedback extracted", "graded", fb.Graded, "grade", fb.Grade)
}

// flushTranscript evaluates text left over when a response completes
// without a transcript.done.
func (c *speechConn) flushTranscript() {
	c.fbMu.Lock()
	text := c.transcript.String()
	c.transcript.Reset()
	c.fbMu.Unlock()
	if text != "" {
		c.evaluate(text)
	}
}

// send writes one JSON frame to the client under the write lock.
func (c *speechConn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	c.server.messagesSent.Add(1)
	return nil
}

// push is send for fire-and-forget paths; failures are logged, not returned.
func (c *speechConn) push(v any) {
	if err := c.send(v); err != nil {
		c.log.Debug("client push failed", "error", err)
	}
}

func (c *speechConn) closeClient() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.Close()
}
