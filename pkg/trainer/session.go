package trainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/calmira-ai/go-calmira/pkg/audioio"
	"github.com/calmira-ai/go-calmira/pkg/capture"
	"github.com/calmira-ai/go-calmira/pkg/feedback"
	"github.com/calmira-ai/go-calmira/pkg/hostvars"
	"github.com/calmira-ai/go-calmira/pkg/pcm"
	"github.com/calmira-ai/go-calmira/pkg/playback"
	"github.com/calmira-ai/go-calmira/pkg/realtime"
	"github.com/calmira-ai/go-calmira/pkg/token"
)

// ai_status values published to the host UI.
const (
	StatusConnecting   = "Connecting…"
	StatusConnected    = "Connected"
	StatusListening    = "Listening…"
	StatusProcessing   = "Processing…"
	StatusSpeaking     = "Speaking…"
	StatusComplete     = "Complete"
	StatusDisconnected = "Connection lost"
)

var (
	// ErrNotStarted is returned for operations on a session before Start.
	ErrNotStarted = errors.New("trainer: session not started")

	// ErrClosed is returned for operations on a closed session.
	ErrClosed = errors.New("trainer: session closed")
)

// FeedbackFetcher is the optional transport capability of asking the remote
// end for the current evaluation. The relay client implements it; direct
// transports extract the grade locally from the transcript instead.
type FeedbackFetcher interface {
	FetchFeedback(ctx context.Context) (feedback.TrainingFeedback, error)
}

// transportRef addresses "the current transport" so the capture pipeline
// keeps working across a Reconnect.
type transportRef struct {
	mu sync.RWMutex
	s  realtime.Session
}

var _ capture.Sender = (*transportRef)(nil)

func (r *transportRef) get() realtime.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.s
}

func (r *transportRef) set(s realtime.Session) {
	r.mu.Lock()
	r.s = s
	r.mu.Unlock()
}

func (r *transportRef) AppendAudio(ctx context.Context, pcm16 []byte) error {
	return r.get().AppendAudio(ctx, pcm16)
}

func (r *transportRef) Commit(ctx context.Context) error {
	return r.get().Commit(ctx)
}

// Session is a complete training session: one transport connection, one
// microphone, one speaker, one scenario. Construct with New, bring up with
// Start, then drive it with StartRecording/StopRecording per turn.
type Session struct {
	cfg    Config
	logger *slog.Logger
	pub    *hostvars.Publisher

	transport transportRef
	pipeline  *capture.Pipeline
	scheduler *playback.Scheduler
	source    audioio.Source
	sink      audioio.Sink

	mu           sync.Mutex
	started      bool
	closed       bool
	reconnecting bool
	fetcher      FeedbackFetcher
	dispatchDone chan struct{}
	lastFB       feedback.TrainingFeedback
	completed    bool
}

// New creates a training session with the given configuration. Environment
// overrides are applied and the configuration validated; no I/O happens
// until Start.
func New(cfg Config) (*Session, error) {
	cfg.LoadEnvConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	store := cfg.Store
	if store == nil {
		store = hostvars.NewNoopStore()
	}
	logger := cfg.Logger.With("component", "trainer")

	return &Session{
		cfg:       cfg,
		logger:    logger,
		pub:       hostvars.NewPublisher(store, logger),
		completed: true, // nothing in flight yet
	}, nil
}

// Start dials the transport, configures the coach, and opens the audio
// devices. On success the record control is enabled and the session is
// ready for its first turn.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// A host resuming a previously completed lesson already holds a grade;
	// note it, but a fresh turn always overwrites.
	if g, ok := s.pub.LastGrade(); ok {
		s.logger.Info("resuming session with stored grade", "grade", g)
	}

	s.setStatus(StatusConnecting)
	s.pub.SetRecordEnabled(false)

	sess, fetcher, err := s.dialTransport(ctx)
	if err != nil {
		s.failTerminal(err)
		return err
	}

	if err := s.configureTransport(ctx, sess); err != nil {
		sess.Close()
		s.failTerminal(err)
		return err
	}

	source, err := audioio.NewSource(s.cfg.Audio, s.logger)
	if err != nil {
		sess.Close()
		err = fmt.Errorf("trainer: open microphone: %w", err)
		s.failTerminal(err)
		return err
	}
	sink, err := audioio.NewSink(s.cfg.Audio, s.logger)
	if err != nil {
		source.Close()
		sess.Close()
		err = fmt.Errorf("trainer: open speaker: %w", err)
		s.failTerminal(err)
		return err
	}
	if err := sink.Start(ctx); err != nil {
		sink.Close()
		source.Close()
		sess.Close()
		err = fmt.Errorf("trainer: start speaker: %w", err)
		s.failTerminal(err)
		return err
	}

	scheduler, err := playback.NewScheduler(playback.Config{
		Sink: sink,
		Format: pcm.Format{
			SampleRate: s.cfg.Audio.SampleRate,
			Channels:   s.cfg.Audio.Channels,
		},
		OnStarted:  s.onPlaybackStarted,
		OnComplete: s.onPlaybackComplete,
		Logger:     s.logger,
	})
	if err != nil {
		sink.Close()
		source.Close()
		sess.Close()
		return fmt.Errorf("trainer: playback scheduler: %w", err)
	}

	s.transport.set(sess)
	pipeline, err := capture.NewPipeline(capture.Config{
		Source:   source,
		Sender:   &s.transport,
		OnCommit: s.onInputCommitted,
		OnError:  s.onCaptureError,
		Logger:   s.logger,
	})
	if err != nil {
		sink.Close()
		source.Close()
		sess.Close()
		return fmt.Errorf("trainer: capture pipeline: %w", err)
	}
	if err := pipeline.Start(ctx); err != nil {
		sink.Close()
		source.Close()
		sess.Close()
		s.failTerminal(err)
		return err
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.pipeline = pipeline
	s.scheduler = scheduler
	s.source = source
	s.sink = sink
	s.fetcher = fetcher
	s.dispatchDone = done
	s.started = true
	s.mu.Unlock()

	go s.dispatch(sess, done)

	s.setStatus(StatusConnected)
	s.pub.SetRecording(false)
	s.pub.SetProcessing(false)
	s.pub.SetRecordEnabled(true)

	s.logger.Info("training session started",
		"scenario", s.cfg.ScenarioID, "model", s.cfg.Model, "voice", s.cfg.Voice)
	return nil
}

// dialTransport connects by whichever means the config provides: injected
// dialer, ephemeral token + WebRTC, or API key + WebSocket.
func (s *Session) dialTransport(ctx context.Context) (realtime.Session, FeedbackFetcher, error) {
	switch {
	case s.cfg.Dial != nil:
		sess, err := s.cfg.Dial(ctx, s.realtimeConfig(s.cfg.APIKey))
		if err != nil {
			return nil, nil, fmt.Errorf("trainer: dial: %w", err)
		}
		fetcher, _ := sess.(FeedbackFetcher)
		return sess, fetcher, nil

	case s.cfg.APIKey == "" && s.cfg.TokenEndpoint != "":
		tc, err := token.NewClient(token.ClientConfig{
			Endpoint: s.cfg.TokenEndpoint,
			Logger:   s.logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("trainer: token client: %w", err)
		}
		grant, err := tc.Fetch(ctx)
		if err != nil {
			return nil, nil, err
		}
		rtCfg := s.realtimeConfig(grant.EphemeralToken)
		if grant.Model != "" {
			rtCfg.Model = grant.Model
		}
		sess, err := realtime.DialWebRTC(ctx, realtime.RTCConfig{Config: rtCfg})
		if err != nil {
			return nil, nil, fmt.Errorf("trainer: dial webrtc: %w", err)
		}
		return sess, nil, nil

	default:
		sess, err := realtime.Dial(ctx, s.realtimeConfig(s.cfg.APIKey))
		if err != nil {
			return nil, nil, fmt.Errorf("trainer: dial: %w", err)
		}
		return sess, nil, nil
	}
}

func (s *Session) realtimeConfig(key string) realtime.Config {
	return realtime.Config{
		APIKey: key,
		Model:  s.cfg.Model,
		Logger: s.logger,
	}
}

// configureTransport applies the scenario prompt and voice.
func (s *Session) configureTransport(ctx context.Context, sess realtime.Session) error {
	sc := realtime.DefaultSessionConfig(s.cfg.instructions())
	sc.Voice = s.cfg.Voice
	if err := sess.Configure(ctx, sc); err != nil {
		return fmt.Errorf("trainer: configure session: %w", err)
	}
	return nil
}

// dispatch is the single consumer of transport events for one connection.
func (s *Session) dispatch(sess realtime.Session, done chan struct{}) {
	defer close(done)

	for ev := range sess.Events() {
		s.handleEvent(ev)
	}

	s.mu.Lock()
	quiet := s.closed || s.reconnecting
	s.mu.Unlock()
	if quiet {
		return
	}

	// The transport dropped out from under a live session. Reconnect is
	// the operator's call; never redial from here.
	if err := sess.Err(); err != nil {
		s.logger.Error("session transport failed", "error", err)
	} else {
		s.logger.Warn("session event stream ended")
	}
	s.setStatus(StatusDisconnected)
	s.pub.SetProcessing(false)
	s.pub.SetRecordEnabled(true)
}

// handleEvent routes one tagged server event. Unknown types are logged and
// ignored so vocabulary growth upstream cannot break a session.
func (s *Session) handleEvent(ev *realtime.ServerEvent) {
	switch ev.Type {
	case realtime.EventSessionCreated:
		s.logger.Debug("session ready")

	case realtime.EventSessionUpdated:
		s.logger.Debug("session configuration applied")

	case realtime.EventInputAudioBufferSpeechStarted:
		s.logger.Debug("speech detected")

	case realtime.EventInputAudioBufferSpeechStopped:
		s.logger.Debug("speech ended")

	case realtime.EventInputAudioBufferCommitted:
		s.logger.Debug("input turn committed", "item_id", ev.ItemID)

	case realtime.EventResponseCreated:
		s.beginResponse()

	case realtime.EventResponseAudioDelta:
		if err := s.scheduler.Enqueue(ev.Audio); err != nil {
			s.logger.Warn("dropping audio chunk", "error", err)
		}

	case realtime.EventResponseAudioTranscriptDelta:
		if s.cfg.OnTranscriptDelta != nil {
			s.cfg.OnTranscriptDelta(ev.Delta)
		}

	case realtime.EventResponseAudioTranscriptDone:
		s.evaluate(ev.Transcript)

	case realtime.EventResponseTextDelta:
		// The text channel mirrors the audio transcript; only the final
		// form matters here.

	case realtime.EventResponseTextDone:
		s.evaluate(ev.Text)

	case realtime.EventResponseAudioDone:
		s.logger.Debug("audio stream complete")

	case realtime.EventResponseDone:
		s.finishResponse()

	case realtime.EventError:
		s.handleAPIError(ev.Error)

	default:
		s.logger.Debug("ignoring unhandled event", "type", ev.Type)
	}
}

// beginResponse marks a new coach turn. Any completion check still pending
// from the previous response is superseded and must never fire.
func (s *Session) beginResponse() {
	s.scheduler.CancelCompletion()

	s.mu.Lock()
	s.completed = false
	s.lastFB = feedback.TrainingFeedback{}
	s.mu.Unlock()

	s.pub.SetProcessing(true)
	s.setStatus(StatusProcessing)
}

// finishResponse handles response.done. Playback usually outlives the
// response, so completion is normally the scheduler's call; a reply that
// produced no audio completes immediately.
func (s *Session) finishResponse() {
	s.pub.SetProcessing(false)

	if s.scheduler.Status() == playback.StatusIdle {
		s.complete()
		return
	}
	// Audio still draining. Make sure a completion check is pending: the
	// previous response's check may have been voided when this one began.
	s.scheduler.ArmCompletion()
}

// evaluate extracts the grade from a completed transcript and caches it for
// the end-of-turn flow.
func (s *Session) evaluate(transcript string) {
	text := strings.TrimSpace(transcript)
	if text == "" {
		return
	}
	fb := feedback.Extract(text)

	s.mu.Lock()
	s.lastFB = fb
	s.mu.Unlock()

	s.logger.Debug("transcript evaluated", "graded", fb.Graded, "grade", fb.Grade)
	if s.cfg.OnTranscript != nil {
		s.cfg.OnTranscript(text)
	}
}

func (s *Session) handleAPIError(apiErr *realtime.APIError) {
	if apiErr == nil {
		apiErr = &realtime.APIError{Message: "unknown error"}
	}
	s.logger.Error("realtime api error", "code", apiErr.Code, "message", apiErr.Message)

	s.setStatus("Error: " + apiErr.Message)
	s.pub.SetProcessing(false)
	s.pub.SetRecordEnabled(true)
}

func (s *Session) onPlaybackStarted() {
	s.setStatus(StatusSpeaking)
}

func (s *Session) onPlaybackComplete() {
	s.complete()
}

// complete runs the end-of-turn flow exactly once per response: publish the
// evaluation, status Complete, record control back on. With a fetcher the
// remote evaluation wins; on fetch failure the local extraction stands.
func (s *Session) complete() {
	s.mu.Lock()
	if s.completed {
		s.mu.Unlock()
		return
	}
	s.completed = true
	fb := s.lastFB
	fetcher := s.fetcher
	s.mu.Unlock()

	if fetcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*s.cfg.FeedbackTimeout)
		remote, err := fetcher.FetchFeedback(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("feedback fetch failed, using local evaluation", "error", err)
		} else {
			fb = remote
		}
	}

	s.mu.Lock()
	s.lastFB = fb
	s.mu.Unlock()

	s.pub.PublishFeedback(fb)
	s.setStatus(StatusComplete)
	s.pub.SetProcessing(false)
	s.pub.SetRecordEnabled(true)

	if s.cfg.OnFeedback != nil {
		s.cfg.OnFeedback(fb)
	}
	s.logger.Info("turn complete", "grade", fb.GradeDisplay())
}

// onInputCommitted runs on the capture pump right after the end-of-input
// commit, so the response request can never overtake the committed audio.
func (s *Session) onInputCommitted() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.transport.get().CreateResponse(ctx); err != nil {
		s.logger.Error("response request failed", "error", err)
		s.setStatus(statusForError(err))
		s.pub.SetProcessing(false)
		s.pub.SetRecordEnabled(true)
	}
}

// onCaptureError logs frame-level send failures. The pump keeps running; a
// dead transport announces itself through the event stream closing.
func (s *Session) onCaptureError(err error) {
	s.logger.Warn("capture send failed", "error", err)
}

// StartRecording begins a user turn: stale uncommitted input is cleared,
// any pending completion check from the previous reply is voided, and the
// push-to-talk flag goes up.
func (s *Session) StartRecording() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	pipeline := s.pipeline
	scheduler := s.scheduler
	s.mu.Unlock()

	scheduler.CancelCompletion()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.transport.get().ClearInput(ctx); err != nil {
		s.logger.Warn("clearing input buffer", "error", err)
	}

	if err := pipeline.StartRecording(); err != nil {
		return err
	}
	s.pub.SetRecording(true)
	s.setStatus(StatusListening)
	return nil
}

// StopRecording ends the user turn. The capture pipeline drains in-flight
// frames, commits exactly once, and the committed turn is answered.
func (s *Session) StopRecording() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	pipeline := s.pipeline
	s.mu.Unlock()

	if err := pipeline.StopRecording(); err != nil {
		return err
	}
	s.pub.SetRecording(false)
	s.pub.SetProcessing(true)
	s.pub.SetRecordEnabled(false)
	s.setStatus(StatusProcessing)
	return nil
}

// IsRecording reports the push-to-talk flag.
func (s *Session) IsRecording() bool {
	s.mu.Lock()
	pipeline := s.pipeline
	s.mu.Unlock()
	if pipeline == nil {
		return false
	}
	return pipeline.IsRecording()
}

// State returns the transport connection state.
func (s *Session) State() realtime.ConnectionState {
	sess := s.transport.get()
	if sess == nil {
		return realtime.StateDisconnected
	}
	return sess.State()
}

// LastFeedback returns the most recent evaluation, if any turn has produced
// one.
func (s *Session) LastFeedback() (feedback.TrainingFeedback, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFB, s.lastFB.Feedback != "" || s.lastFB.Graded
}

// Reconnect replaces a dropped transport with a fresh one. It is only ever
// invoked by the operator; a transport failure parks the session until then.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	if s.reconnecting {
		s.mu.Unlock()
		return nil
	}
	s.reconnecting = true
	oldDone := s.dispatchDone
	s.mu.Unlock()

	s.setStatus(StatusConnecting)
	s.pub.SetRecordEnabled(false)

	s.transport.get().Close()
	<-oldDone

	sess, fetcher, err := s.dialTransport(ctx)
	if err != nil {
		s.clearReconnecting()
		s.failTerminal(err)
		return err
	}
	if err := s.configureTransport(ctx, sess); err != nil {
		sess.Close()
		s.clearReconnecting()
		s.failTerminal(err)
		return err
	}

	done := make(chan struct{})
	s.transport.set(sess)
	s.mu.Lock()
	s.fetcher = fetcher
	s.dispatchDone = done
	s.reconnecting = false
	s.mu.Unlock()

	go s.dispatch(sess, done)

	s.setStatus(StatusConnected)
	s.pub.SetProcessing(false)
	s.pub.SetRecordEnabled(true)
	s.logger.Info("session reconnected")
	return nil
}

func (s *Session) clearReconnecting() {
	s.mu.Lock()
	s.reconnecting = false
	s.mu.Unlock()
}

// Close tears the session down: capture, transport, playback, devices.
// Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	done := s.dispatchDone
	s.mu.Unlock()

	if !started {
		return nil
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(s.pipeline.Stop())
	keep(s.transport.get().Close())
	<-done
	keep(s.scheduler.Stop())
	keep(s.sink.Stop())
	keep(s.sink.Close())
	keep(s.source.Close())

	s.pub.SetRecording(false)
	s.pub.SetProcessing(false)
	s.logger.Info("training session closed")
	return firstErr
}

// setStatus publishes ai_status and mirrors it to the status callback.
func (s *Session) setStatus(status string) {
	s.pub.SetStatus(status)
	if s.cfg.OnStatus != nil {
		s.cfg.OnStatus(status)
	}
}

// failTerminal reports an unrecoverable error to the host. The record
// control always comes back on so the UI is never left stuck.
func (s *Session) failTerminal(err error) {
	s.setStatus(statusForError(err))
	s.pub.SetProcessing(false)
	s.pub.SetRecordEnabled(true)
}

// statusForError maps the error taxonomy to operator-facing status lines.
func statusForError(err error) string {
	switch {
	case errors.Is(err, realtime.ErrAuthFailure):
		return "Authentication failed"
	case errors.Is(err, audioio.ErrDeviceUnavailable):
		return "Microphone unavailable"
	case errors.Is(err, realtime.ErrTimeout):
		return "Request timed out"
	default:
		return "Connection failed"
	}
}
