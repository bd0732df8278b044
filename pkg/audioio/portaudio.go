package audioio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
)

// PortAudio library lifecycle is process-global; refcount Initialize/Terminate
// so a source and a sink can coexist.
var (
	paMu    sync.Mutex
	paUsers int
)

func paAcquire() error {
	paMu.Lock()
	defer paMu.Unlock()

	if paUsers == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio init: %v: %w", err, ErrDeviceUnavailable)
		}
	}
	paUsers++
	return nil
}

func paRelease() {
	paMu.Lock()
	defer paMu.Unlock()

	if paUsers > 0 {
		paUsers--
		if paUsers == 0 {
			portaudio.Terminate()
		}
	}
}

// findDevice returns the first device whose name contains name.
func findDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %v: %w", err, ErrDeviceUnavailable)
	}
	for _, d := range devices {
		if !strings.Contains(strings.ToLower(d.Name), strings.ToLower(name)) {
			continue
		}
		if input && d.MaxInputChannels > 0 {
			return d, nil
		}
		if !input && d.MaxOutputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("device %q not found: %w", name, ErrDeviceUnavailable)
}

// PortAudioSource captures audio from a real input device.
type PortAudioSource struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool

	stream   *portaudio.Stream
	buf      []int16
	streamCh chan AudioChunk
	stopCh   chan struct{}
	doneCh   chan struct{}

	chunksRead  atomic.Int64
	samplesRead atomic.Int64
	overruns    atomic.Int64
}

func newPortAudioSource(cfg Config, logger *slog.Logger) (*PortAudioSource, error) {
	return &PortAudioSource{
		cfg:      cfg,
		logger:   logger,
		streamCh: make(chan AudioChunk, 16),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start acquires the input device and begins capture.
func (s *PortAudioSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	if err := paAcquire(); err != nil {
		return err
	}

	if s.cfg.EchoCancellation || s.cfg.NoiseSuppression {
		// PortAudio exposes no processing controls; best effort only.
		s.logger.Debug("echo cancellation/noise suppression not supported by portaudio backend")
	}

	s.buf = make([]int16, s.cfg.FrameSize*s.cfg.Channels)

	var (
		stream *portaudio.Stream
		err    error
	)
	if s.cfg.Device == "" {
		stream, err = portaudio.OpenDefaultStream(s.cfg.Channels, 0, float64(s.cfg.SampleRate), s.cfg.FrameSize, s.buf)
	} else {
		var dev *portaudio.DeviceInfo
		dev, err = findDevice(s.cfg.Device, true)
		if err == nil {
			params := portaudio.LowLatencyParameters(dev, nil)
			params.Input.Channels = s.cfg.Channels
			params.SampleRate = float64(s.cfg.SampleRate)
			params.FramesPerBuffer = s.cfg.FrameSize
			stream, err = portaudio.OpenStream(params, s.buf)
		}
	}
	if err != nil {
		paRelease()
		return fmt.Errorf("open input stream: %v: %w", err, ErrDeviceUnavailable)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		paRelease()
		return fmt.Errorf("start input stream: %v: %w", err, ErrDeviceUnavailable)
	}

	s.stream = stream
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.streamCh = make(chan AudioChunk, 16)

	go s.captureLoop(stream)

	s.logger.Info("portaudio source started",
		"device", s.cfg.Device,
		"sample_rate", s.cfg.SampleRate,
		"frame_size", s.cfg.FrameSize,
	)

	return nil
}

// captureLoop owns streamCh and closes it on exit.
func (s *PortAudioSource) captureLoop(stream *portaudio.Stream) {
	defer close(s.doneCh)
	defer close(s.streamCh)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := stream.Read(); err != nil {
			select {
			case <-s.stopCh:
				// Read was interrupted by Stop; expected.
			default:
				s.logger.Warn("portaudio read failed", "error", err)
			}
			return
		}

		samples := make([]int16, len(s.buf))
		copy(samples, s.buf)
		chunk := AudioChunk{
			Samples:    samples,
			SampleRate: s.cfg.SampleRate,
			Channels:   s.cfg.Channels,
		}

		select {
		case <-s.stopCh:
			return
		case s.streamCh <- chunk:
			s.chunksRead.Add(1)
			s.samplesRead.Add(int64(len(samples)))
		default:
			s.overruns.Add(1)
			s.logger.Debug("portaudio source: buffer full, dropping frame")
		}
	}
}

// Stop halts capture and releases the device.
func (s *PortAudioSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}

	s.running = false
	close(s.stopCh)

	stream := s.stream
	s.stream = nil
	done := s.doneCh
	s.mu.Unlock()

	if stream != nil {
		// Interrupts a blocked Read so captureLoop can exit.
		stream.Abort()
		stream.Close()
	}
	<-done
	paRelease()

	s.logger.Info("portaudio source stopped")
	return nil
}

// Read reads the next audio frame.
func (s *PortAudioSource) Read(ctx context.Context) (AudioChunk, error) {
	select {
	case <-ctx.Done():
		return AudioChunk{}, ctx.Err()
	case chunk, ok := <-s.streamCh:
		if !ok {
			return AudioChunk{}, io.EOF
		}
		return chunk, nil
	}
}

// Stream returns the audio frame channel.
func (s *PortAudioSource) Stream() <-chan AudioChunk {
	return s.streamCh
}

// Config returns the audio configuration.
func (s *PortAudioSource) Config() Config {
	return s.cfg
}

// Name returns "portaudio".
func (s *PortAudioSource) Name() string {
	return "portaudio"
}

// Close releases all resources.
func (s *PortAudioSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.Stop()
}

// Stats returns source statistics.
func (s *PortAudioSource) Stats() SourceStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	return SourceStats{
		ChunksRead:  s.chunksRead.Load(),
		SamplesRead: s.samplesRead.Load(),
		Overruns:    s.overruns.Load(),
		Running:     running,
		Backend:     "portaudio",
	}
}

var _ SourceWithStats = (*PortAudioSource)(nil)

// PortAudioSink plays audio on a real output device. The device is fed
// fixed 20ms buffers; when no audio is pending the sink writes silence so
// the output clock keeps running.
type PortAudioSink struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool

	stream  *portaudio.Stream
	out     []int16
	pending []int16
	stopCh  chan struct{}
	doneCh  chan struct{}

	chunksWritten  atomic.Int64
	samplesWritten atomic.Int64
}

func newPortAudioSink(cfg Config, logger *slog.Logger) (*PortAudioSink, error) {
	return &PortAudioSink{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Start acquires the output device and begins the playback loop.
func (s *PortAudioSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	if err := paAcquire(); err != nil {
		return err
	}

	// 20ms device buffers regardless of capture frame size.
	frames := s.cfg.SampleRate / 50
	s.out = make([]int16, frames*s.cfg.Channels)

	var (
		stream *portaudio.Stream
		err    error
	)
	if s.cfg.Device == "" {
		stream, err = portaudio.OpenDefaultStream(0, s.cfg.Channels, float64(s.cfg.SampleRate), frames, s.out)
	} else {
		var dev *portaudio.DeviceInfo
		dev, err = findDevice(s.cfg.Device, false)
		if err == nil {
			params := portaudio.LowLatencyParameters(nil, dev)
			params.Output.Channels = s.cfg.Channels
			params.SampleRate = float64(s.cfg.SampleRate)
			params.FramesPerBuffer = frames
			stream, err = portaudio.OpenStream(params, s.out)
		}
	}
	if err != nil {
		paRelease()
		return fmt.Errorf("open output stream: %v: %w", err, ErrDeviceUnavailable)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		paRelease()
		return fmt.Errorf("start output stream: %v: %w", err, ErrDeviceUnavailable)
	}

	s.stream = stream
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.playLoop(stream)

	s.logger.Info("portaudio sink started",
		"device", s.cfg.Device,
		"sample_rate", s.cfg.SampleRate,
	)

	return nil
}

func (s *PortAudioSink) playLoop(stream *portaudio.Stream) {
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.mu.Lock()
		n := copy(s.out, s.pending)
		s.pending = s.pending[n:]
		s.mu.Unlock()

		// Silence-fill when starved so the device clock keeps advancing.
		for i := n; i < len(s.out); i++ {
			s.out[i] = 0
		}

		if err := stream.Write(); err != nil {
			select {
			case <-s.stopCh:
			default:
				s.logger.Warn("portaudio write failed", "error", err)
			}
			return
		}
	}
}

// Stop halts playback and releases the device.
func (s *PortAudioSink) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}

	s.running = false
	close(s.stopCh)

	stream := s.stream
	s.stream = nil
	s.pending = nil
	done := s.doneCh
	s.mu.Unlock()

	if stream != nil {
		stream.Abort()
		stream.Close()
	}
	<-done
	paRelease()

	s.logger.Info("portaudio sink stopped")
	return nil
}

// Write appends an audio chunk to the output buffer.
func (s *PortAudioSink) Write(ctx context.Context, chunk AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.running {
		return io.ErrClosedPipe
	}

	s.pending = append(s.pending, chunk.Samples...)
	s.chunksWritten.Add(1)
	s.samplesWritten.Add(int64(len(chunk.Samples)))

	return nil
}

// Flush waits until all pending audio has been handed to the device.
func (s *PortAudioSink) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		remaining := len(s.pending)
		running := s.running
		s.mu.Unlock()

		if remaining == 0 || !running {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Clear discards pending audio immediately.
func (s *PortAudioSink) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = nil
	return nil
}

// Config returns the audio configuration.
func (s *PortAudioSink) Config() Config {
	return s.cfg
}

// Name returns "portaudio".
func (s *PortAudioSink) Name() string {
	return "portaudio"
}

// Close releases all resources.
func (s *PortAudioSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.Stop()
}

// Stats returns sink statistics.
func (s *PortAudioSink) Stats() SinkStats {
	s.mu.Lock()
	running := s.running
	buffered := int64(len(s.pending))
	s.mu.Unlock()

	return SinkStats{
		ChunksWritten:   s.chunksWritten.Load(),
		SamplesWritten:  s.samplesWritten.Load(),
		Running:         running,
		Backend:         "portaudio",
		BufferedSamples: buffered,
	}
}

var _ SinkWithStats = (*PortAudioSink)(nil)
