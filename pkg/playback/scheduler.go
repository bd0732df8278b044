// Package playback schedules streamed PCM16 audio for gapless playout.
//
// Chunks arrive faster than real time and in bursts; the scheduler tracks a
// running playout position so consecutive chunks are butted end to end, and
// detects end of playback by waiting a grace window past the scheduled end
// before declaring completion. Device pacing itself is the sink's job.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/calmira-ai/go-calmira/pkg/audioio"
	"github.com/calmira-ai/go-calmira/pkg/pcm"
)

// Status is the scheduler's playback state.
type Status int

const (
	StatusIdle Status = iota
	StatusPlaying
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPlaying:
		return "playing"
	default:
		return "unknown"
	}
}

const (
	// DefaultLeadIn delays the nominal start of a playback episode so the
	// first chunks can accumulate before the completion math begins.
	DefaultLeadIn = 100 * time.Millisecond

	// DefaultGraceWindow is how long past the scheduled end the scheduler
	// waits for more audio before declaring the response complete.
	DefaultGraceWindow = time.Second
)

// Config configures a Scheduler.
type Config struct {
	// Sink receives chunks as they are enqueued. Required, and must be
	// started by the caller.
	Sink audioio.Sink

	// Format describes the incoming PCM16 stream. Default: pcm.Realtime.
	Format pcm.Format

	// LeadIn and GraceWindow override the scheduling constants.
	LeadIn      time.Duration
	GraceWindow time.Duration

	// Clock defaults to the system clock. Tests substitute a fake.
	Clock Clock

	// OnStarted fires when a playback episode begins (Idle -> Playing).
	OnStarted func()

	// OnComplete fires exactly once per episode, when the grace window
	// elapses with no further audio.
	OnComplete func()

	Logger *slog.Logger
}

// Scheduler sequences PCM16 chunks into its sink and reports playback
// lifecycle transitions.
type Scheduler struct {
	cfg Config

	mu       sync.Mutex
	status   Status
	next     time.Time // scheduled end of all enqueued audio
	graceGen int
	grace    Timer
}

// NewScheduler returns an idle scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Sink == nil {
		return nil, fmt.Errorf("playback: sink required")
	}
	if cfg.Format.SampleRate == 0 {
		cfg.Format = pcm.Realtime
	}
	if cfg.LeadIn <= 0 {
		cfg.LeadIn = DefaultLeadIn
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Scheduler{cfg: cfg, status: StatusIdle}, nil
}

// Enqueue appends a PCM16 chunk to the playout schedule. Malformed input is
// rejected before any state changes. An empty chunk is a no-op.
func (s *Scheduler) Enqueue(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	samples, err := pcm.BytesToInt16(data)
	if err != nil {
		return err
	}
	chunk := audioio.AudioChunk{
		Samples:    samples,
		SampleRate: s.cfg.Format.SampleRate,
		Channels:   s.cfg.Format.Channels,
	}

	var started bool

	s.mu.Lock()

	if err := s.cfg.Sink.Write(context.Background(), chunk); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("playback: write chunk: %w", err)
	}

	now := s.cfg.Clock.Now()
	switch s.status {
	case StatusIdle:
		s.status = StatusPlaying
		s.next = now.Add(s.cfg.LeadIn)
		started = true
	case StatusPlaying:
		// Starved past the schedule: resume from now rather than
		// pretending the missed time played.
		if s.next.Before(now) {
			s.next = now
		}
	}
	s.next = s.next.Add(chunk.Duration())
	s.armGraceLocked()

	s.mu.Unlock()

	if started {
		s.cfg.Logger.Debug("playback started")
		if s.cfg.OnStarted != nil {
			s.cfg.OnStarted()
		}
	}
	return nil
}

// armGraceLocked replaces the pending completion check with one scheduled a
// grace window past the current playout end. Callers hold s.mu.
func (s *Scheduler) armGraceLocked() {
	if s.grace != nil {
		s.grace.Stop()
	}
	s.graceGen++
	gen := s.graceGen

	delay := s.next.Sub(s.cfg.Clock.Now()) + s.cfg.GraceWindow
	if delay < s.cfg.GraceWindow {
		delay = s.cfg.GraceWindow
	}
	s.grace = s.cfg.Clock.AfterFunc(delay, func() {
		s.graceFired(gen)
	})
}

// graceFired runs the completion check. A stale generation means the check
// was superseded or canceled.
func (s *Scheduler) graceFired(gen int) {
	s.mu.Lock()
	if gen != s.graceGen || s.status != StatusPlaying {
		s.mu.Unlock()
		return
	}
	if s.cfg.Clock.Now().Before(s.next) {
		// Fired early; try again at the proper time.
		s.armGraceLocked()
		s.mu.Unlock()
		return
	}
	s.status = StatusIdle
	s.grace = nil
	s.mu.Unlock()

	s.cfg.Logger.Debug("playback complete")
	if s.cfg.OnComplete != nil {
		s.cfg.OnComplete()
	}
}

// CancelCompletion voids any pending completion check without changing
// status. Called when a new response is about to continue the episode, so a
// stale check cannot fire between responses.
func (s *Scheduler) CancelCompletion() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.graceGen++
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
}

// ArmCompletion schedules a completion check if the scheduler is playing
// with none pending. Needed when a response ends after its predecessor's
// check was voided but contributed no audio of its own: the tail already
// enqueued must still terminate the episode.
func (s *Scheduler) ArmCompletion() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusPlaying || s.grace != nil {
		return
	}
	s.armGraceLocked()
}

// Stop interrupts playback: pending audio is discarded and the scheduler
// returns to Idle without firing OnComplete.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	s.graceGen++
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	wasPlaying := s.status == StatusPlaying
	s.status = StatusIdle
	err := s.cfg.Sink.Clear()
	s.mu.Unlock()

	if wasPlaying {
		s.cfg.Logger.Debug("playback stopped")
	}
	if err != nil {
		return fmt.Errorf("playback: clear sink: %w", err)
	}
	return nil
}

// Status returns the current playback state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Remaining returns how much scheduled audio has not yet played out.
func (s *Scheduler) Remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusPlaying {
		return 0
	}
	d := s.next.Sub(s.cfg.Clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

// scheduledEnd exposes the playout end for tests.
func (s *Scheduler) scheduledEnd() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
