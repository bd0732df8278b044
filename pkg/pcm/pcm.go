// Package pcm converts between floating point audio samples and the PCM16
// wire format used by the Realtime API: signed 16-bit little-endian integers.
//
// All functions are stateless and safe for concurrent use.
package pcm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedAudio indicates a PCM16 buffer whose length is not a whole
// number of samples. It points at a framing bug upstream, never at user input.
var ErrMalformedAudio = errors.New("malformed pcm16 audio")

// Format describes an uncompressed PCM16 stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Realtime is the wire format the Realtime API speaks: 24kHz mono.
var Realtime = Format{SampleRate: 24000, Channels: 1}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns the playback duration of n bytes in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(float64(n) / float64(bps) * float64(time.Second))
}

// Bytes returns the number of bytes covering duration d, rounded down to a
// whole sample.
func (f Format) Bytes(d time.Duration) int {
	n := int(d.Seconds() * float64(f.BytesPerSecond()))
	return n - n%(f.Channels*2)
}

// Samples returns the number of samples per channel covering duration d.
func (f Format) Samples(d time.Duration) int {
	return int(d.Seconds() * float64(f.SampleRate))
}

// Encode converts float samples in [-1, 1] to PCM16 bytes. Out-of-range
// samples are clamped. Negative samples scale by 32768 and non-negative by
// 32767 so that both -1.0 and +1.0 land exactly on the int16 range bounds.
func Encode(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s >= 0 {
			v = int16(s * 32767)
		} else {
			v = int16(s * 32768)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// Decode converts PCM16 bytes back to float samples in [-1, 1) by dividing
// each sample by 32768. A buffer that is not a multiple of two bytes returns
// ErrMalformedAudio.
func Decode(data []byte) ([]float32, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("pcm: decode %d bytes: %w", len(data), ErrMalformedAudio)
	}
	out := make([]float32, len(data)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		out[i] = float32(v) / 32768.0
	}
	return out, nil
}

// BytesToInt16 reinterprets PCM16 bytes as int16 samples.
func BytesToInt16(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("pcm: %d bytes: %w", len(data), ErrMalformedAudio)
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples, nil
}

// Int16ToBytes serializes int16 samples as little-endian PCM16.
func Int16ToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}
