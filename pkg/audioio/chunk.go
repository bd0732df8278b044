package audioio

import (
	"time"

	"github.com/calmira-ai/go-calmira/pkg/pcm"
)

// AudioChunk is a buffer of PCM16 audio samples.
type AudioChunk struct {
	// Samples contains PCM16 audio samples (interleaved if multi-channel).
	Samples []int16

	// SampleRate is the sample rate of this chunk.
	SampleRate int

	// Channels is the number of channels in this chunk.
	Channels int
}

// Bytes returns the chunk as little-endian PCM16 bytes.
func (c *AudioChunk) Bytes() []byte {
	return pcm.Int16ToBytes(c.Samples)
}

// FromBytes populates the chunk from raw PCM16 bytes. Odd-length input
// returns pcm.ErrMalformedAudio.
func (c *AudioChunk) FromBytes(data []byte, sampleRate, channels int) error {
	samples, err := pcm.BytesToInt16(data)
	if err != nil {
		return err
	}
	c.Samples = samples
	c.SampleRate = sampleRate
	c.Channels = channels
	return nil
}

// Duration returns the playback duration of this chunk.
func (c *AudioChunk) Duration() time.Duration {
	if c.SampleRate == 0 || c.Channels == 0 {
		return 0
	}
	frames := len(c.Samples) / c.Channels
	return time.Duration(float64(frames) / float64(c.SampleRate) * float64(time.Second))
}
