// Package capture pumps microphone audio into a realtime session.
//
// The source runs hot for the whole session; frames are only forwarded while
// the push-to-talk recording flag is set. Stopping a recording drains any
// frames the source buffered during the take and then signals end of input
// exactly once.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/calmira-ai/go-calmira/pkg/audioio"
)

// ErrNotRunning is returned for recording control on a stopped pipeline.
var ErrNotRunning = errors.New("capture: pipeline not running")

// Sender receives captured audio. Both realtime sessions and the relay
// client satisfy it.
type Sender interface {
	AppendAudio(ctx context.Context, pcm16 []byte) error
	Commit(ctx context.Context) error
}

// Config configures a Pipeline.
type Config struct {
	// Source provides audio frames. Required. The pipeline owns its
	// lifecycle: started on Start, stopped on Stop.
	Source audioio.Source

	// Sender receives appended frames and the end-of-input commit.
	// Required.
	Sender Sender

	// OnLevel, if set, receives the RMS level of each forwarded frame.
	OnLevel func(level float64)

	// OnCommit, if set, runs on the pump goroutine right after the
	// end-of-input commit is sent, so follow-up transport calls stay
	// ordered behind every frame of the take.
	OnCommit func()

	// OnError, if set, receives asynchronous pump errors (failed appends
	// or commits). The pump keeps running; the owner decides what to do.
	OnError func(error)

	Logger *slog.Logger
}

// Pipeline moves frames from an audio source into a Sender under a
// push-to-talk flag.
type Pipeline struct {
	cfg Config

	recording atomic.Bool

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// stopReq carries the stream depth observed at stop time, bounding the
	// drain to frames captured before the flag cleared.
	stopReq chan int

	framesSent atomic.Int64
	commits    atomic.Int64
}

// NewPipeline validates the configuration and returns an idle pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("capture: source required")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("capture: sender required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{cfg: cfg}, nil
}

// Start opens the audio source and begins pumping. Device failures surface
// as audioio.ErrDeviceUnavailable.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	if err := p.cfg.Source.Start(ctx); err != nil {
		return fmt.Errorf("capture: start source: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.stopReq = make(chan int, 4)
	p.running = true

	go p.pump(pumpCtx)

	p.cfg.Logger.Info("capture pipeline started",
		"backend", p.cfg.Source.Name(),
		"frame_size", p.cfg.Source.Config().FrameSize,
	)
	return nil
}

// pump is the only goroutine that talks to the Sender, which keeps appends
// and the end-of-input commit strictly ordered.
func (p *Pipeline) pump(ctx context.Context) {
	defer close(p.done)

	stream := p.cfg.Source.Stream()

	for {
		select {
		case <-ctx.Done():
			return
		case depth := <-p.stopReq:
			p.drainAndCommit(ctx, stream, depth)
		case chunk, ok := <-stream:
			if !ok {
				p.cfg.Logger.Warn("audio source closed its stream")
				return
			}
			p.forward(ctx, chunk)
		}
	}
}

// forward appends one frame if the recording flag is set.
func (p *Pipeline) forward(ctx context.Context, chunk audioio.AudioChunk) {
	if !p.recording.Load() {
		return
	}

	if p.cfg.OnLevel != nil {
		p.cfg.OnLevel(audioio.RMS(chunk.Samples))
	}

	if err := p.cfg.Sender.AppendAudio(ctx, chunk.Bytes()); err != nil {
		p.reportError(fmt.Errorf("capture: append frame: %w", err))
		return
	}
	p.framesSent.Add(1)
}

// drainAndCommit flushes the frames that were already buffered when the
// recording stopped, then signals end of input. Frames the source produced
// after the stop stay in the stream and are dropped by forward.
func (p *Pipeline) drainAndCommit(ctx context.Context, stream <-chan audioio.AudioChunk, depth int) {
drain:
	for i := 0; i < depth; i++ {
		select {
		case chunk, ok := <-stream:
			if !ok {
				break drain
			}
			if err := p.cfg.Sender.AppendAudio(ctx, chunk.Bytes()); err != nil {
				p.reportError(fmt.Errorf("capture: append buffered frame: %w", err))
			} else {
				p.framesSent.Add(1)
			}
		default:
			break drain
		}
	}

	if err := p.cfg.Sender.Commit(ctx); err != nil {
		p.reportError(fmt.Errorf("capture: commit: %w", err))
		return
	}
	p.commits.Add(1)
	p.cfg.Logger.Debug("input committed", "frames", p.framesSent.Load())
	if p.cfg.OnCommit != nil {
		p.cfg.OnCommit()
	}
}

func (p *Pipeline) reportError(err error) {
	p.cfg.Logger.Error("capture error", "error", err)
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
	}
}

// StartRecording raises the push-to-talk flag. Idempotent while recording.
func (p *Pipeline) StartRecording() error {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()

	if !running {
		return ErrNotRunning
	}

	if p.recording.CompareAndSwap(false, true) {
		p.cfg.Logger.Debug("recording started")
	}
	return nil
}

// StopRecording lowers the flag and requests the end-of-input commit. Only
// the call that actually ends a take signals; repeated or unmatched calls do
// nothing.
func (p *Pipeline) StopRecording() error {
	p.mu.Lock()
	running := p.running
	done := p.done
	p.mu.Unlock()

	if !running {
		return ErrNotRunning
	}
	if !p.recording.CompareAndSwap(true, false) {
		return nil
	}

	select {
	case p.stopReq <- len(p.cfg.Source.Stream()):
	case <-done:
	}
	p.cfg.Logger.Debug("recording stopped")
	return nil
}

// IsRecording reports the push-to-talk flag.
func (p *Pipeline) IsRecording() bool {
	return p.recording.Load()
}

// FramesSent returns the number of frames forwarded so far.
func (p *Pipeline) FramesSent() int64 {
	return p.framesSent.Load()
}

// Commits returns the number of end-of-input signals sent.
func (p *Pipeline) Commits() int64 {
	return p.commits.Load()
}

// Stop halts the pump and the source. Any active recording is abandoned
// without a commit.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	p.recording.Store(false)
	cancel()
	<-done

	err := p.cfg.Source.Stop()
	p.cfg.Logger.Info("capture pipeline stopped", "frames_sent", p.framesSent.Load())
	return err
}
