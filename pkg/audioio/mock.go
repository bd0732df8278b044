package audioio

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MockSource is a mock audio source for testing.
// It generates synthetic audio (silence or a sine wave) at frame cadence.
type MockSource struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	streamCh chan AudioChunk
	stopCh   chan struct{}
	doneCh   chan struct{}

	// Stats
	chunksRead  atomic.Int64
	samplesRead atomic.Int64
	overruns    atomic.Int64

	// Synthetic audio generation
	phase     float64
	frequency float64 // Hz, 0 = silence
	amplitude float64 // 0.0 to 1.0

	// Realtime controls whether frames are emitted at frame cadence or as
	// fast as the consumer drains them. Tests usually want false.
	Realtime bool
}

// MockSourceOption configures a MockSource.
type MockSourceOption func(*MockSource)

// WithSineWave configures the mock to generate a sine wave.
func WithSineWave(frequency, amplitude float64) MockSourceOption {
	return func(m *MockSource) {
		m.frequency = frequency
		m.amplitude = amplitude
	}
}

// NewMockSource creates a new mock audio source.
func NewMockSource(cfg Config, logger *slog.Logger, opts ...MockSourceOption) *MockSource {
	if logger == nil {
		logger = slog.Default()
	}

	m := &MockSource{
		cfg:       cfg,
		logger:    logger,
		streamCh:  make(chan AudioChunk, 16),
		stopCh:    make(chan struct{}),
		frequency: 0, // silence by default
		amplitude: 0.5,
		Realtime:  true,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start begins generating audio frames.
func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}
	if m.running {
		return nil
	}

	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.streamCh = make(chan AudioChunk, 16)

	go m.generateLoop(ctx)

	m.logger.Debug("mock audio source started",
		"sample_rate", m.cfg.SampleRate,
		"frequency", m.frequency,
	)

	return nil
}

// generateLoop owns streamCh and closes it on exit.
func (m *MockSource) generateLoop(ctx context.Context) {
	defer close(m.doneCh)
	defer close(m.streamCh)

	var tick <-chan time.Time
	if m.Realtime {
		ticker := time.NewTicker(m.cfg.FrameDuration())
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				m.halt()
				return
			case <-m.stopCh:
				return
			case <-tick:
			}
		}

		chunk := m.generateFrame()
		select {
		case <-ctx.Done():
			m.halt()
			return
		case <-m.stopCh:
			return
		case m.streamCh <- chunk:
			m.chunksRead.Add(1)
			m.samplesRead.Add(int64(len(chunk.Samples)))
		default:
			if tick == nil {
				// Non-realtime mode blocks instead of dropping.
				select {
				case m.streamCh <- chunk:
					m.chunksRead.Add(1)
					m.samplesRead.Add(int64(len(chunk.Samples)))
				case <-m.stopCh:
					return
				}
				continue
			}
			m.overruns.Add(1)
			m.logger.Debug("mock source: buffer full, dropping frame")
		}
	}
}

func (m *MockSource) generateFrame() AudioChunk {
	samples := make([]int16, m.cfg.FrameSize*m.cfg.Channels)

	if m.frequency > 0 {
		for i := 0; i < m.cfg.FrameSize; i++ {
			sample := m.amplitude * math.Sin(2*math.Pi*m.frequency*m.phase/float64(m.cfg.SampleRate))
			sampleInt := int16(sample * 32767)

			for ch := 0; ch < m.cfg.Channels; ch++ {
				samples[i*m.cfg.Channels+ch] = sampleInt
			}

			m.phase++
			if m.phase >= float64(m.cfg.SampleRate) {
				m.phase = 0
			}
		}
	}
	// else: samples stay zero (silence)

	return AudioChunk{
		Samples:    samples,
		SampleRate: m.cfg.SampleRate,
		Channels:   m.cfg.Channels,
	}
}

// halt marks the source stopped from inside generateLoop.
func (m *MockSource) halt() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

// Stop halts audio generation and waits for the generator to exit.
func (m *MockSource) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}

	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	<-done
	return nil
}

// Read reads the next audio frame.
func (m *MockSource) Read(ctx context.Context) (AudioChunk, error) {
	select {
	case <-ctx.Done():
		return AudioChunk{}, ctx.Err()
	case chunk, ok := <-m.streamCh:
		if !ok {
			return AudioChunk{}, io.EOF
		}
		return chunk, nil
	}
}

// Stream returns the audio frame channel.
func (m *MockSource) Stream() <-chan AudioChunk {
	return m.streamCh
}

// Config returns the audio configuration.
func (m *MockSource) Config() Config {
	return m.cfg
}

// Name returns "mock".
func (m *MockSource) Name() string {
	return "mock"
}

// Close releases resources.
func (m *MockSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.Stop()
	return nil
}

// Stats returns source statistics.
func (m *MockSource) Stats() SourceStats {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	return SourceStats{
		ChunksRead:  m.chunksRead.Load(),
		SamplesRead: m.samplesRead.Load(),
		Overruns:    m.overruns.Load(),
		Running:     running,
		Backend:     "mock",
	}
}

// Ensure MockSource implements SourceWithStats.
var _ SourceWithStats = (*MockSource)(nil)

// MockSink is a mock audio sink for testing.
// It records written chunks and tracks statistics.
type MockSink struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool

	// Stats
	chunksWritten  atomic.Int64
	samplesWritten atomic.Int64

	// Recorded writes, kept until Clear or Flush.
	written []AudioChunk
}

// NewMockSink creates a new mock audio sink.
func NewMockSink(cfg Config, logger *slog.Logger) *MockSink {
	if logger == nil {
		logger = slog.Default()
	}

	return &MockSink{
		cfg:     cfg,
		logger:  logger,
		written: make([]AudioChunk, 0, 64),
	}
}

// Start begins accepting audio.
func (m *MockSink) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}

	m.running = true
	return nil
}

// Stop halts audio acceptance.
func (m *MockSink) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.running = false
	return nil
}

// Write accepts an audio chunk.
func (m *MockSink) Write(ctx context.Context, chunk AudioChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !m.running {
		return io.ErrClosedPipe
	}

	m.written = append(m.written, chunk)
	m.chunksWritten.Add(1)
	m.samplesWritten.Add(int64(len(chunk.Samples)))

	return nil
}

// Flush simulates waiting for buffered audio to play out.
func (m *MockSink) Flush(ctx context.Context) error {
	m.mu.Lock()
	totalSamples := 0
	for _, chunk := range m.written {
		totalSamples += len(chunk.Samples)
	}
	m.written = m.written[:0]
	m.mu.Unlock()

	if totalSamples > 0 && m.cfg.SampleRate > 0 {
		// A token wait, never the full playback duration.
		wait := time.Duration(float64(totalSamples)/float64(m.cfg.SampleRate)*float64(time.Second)) / 100
		if wait > 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return nil
}

// Clear discards buffered audio.
func (m *MockSink) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.written = m.written[:0]
	return nil
}

// Written returns a copy of the chunks written since the last Clear/Flush.
func (m *MockSink) Written() []AudioChunk {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]AudioChunk, len(m.written))
	copy(out, m.written)
	return out
}

// Config returns the audio configuration.
func (m *MockSink) Config() Config {
	return m.cfg
}

// Name returns "mock".
func (m *MockSink) Name() string {
	return "mock"
}

// Close releases resources.
func (m *MockSink) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.Stop()
	return nil
}

// Stats returns sink statistics.
func (m *MockSink) Stats() SinkStats {
	m.mu.Lock()
	running := m.running
	buffered := int64(0)
	for _, chunk := range m.written {
		buffered += int64(len(chunk.Samples))
	}
	m.mu.Unlock()

	return SinkStats{
		ChunksWritten:   m.chunksWritten.Load(),
		SamplesWritten:  m.samplesWritten.Load(),
		Underruns:       0,
		Running:         running,
		Backend:         "mock",
		BufferedSamples: buffered,
	}
}

// Ensure MockSink implements SinkWithStats.
var _ SinkWithStats = (*MockSink)(nil)
