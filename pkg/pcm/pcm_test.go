package pcm

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestEncodeScaling(t *testing.T) {
	tests := []struct {
		name   string
		sample float32
		want   int16
	}{
		{"positive full scale", 1.0, 32767},
		{"negative full scale", -1.0, -32768},
		{"zero", 0.0, 0},
		{"half positive", 0.5, 16383},
		{"half negative", -0.5, -16384},
		{"clamped above", 1.5, 32767},
		{"clamped below", -1.5, -32768},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := Encode([]float32{tt.sample})
			if len(data) != 2 {
				t.Fatalf("Encode returned %d bytes, want 2", len(data))
			}
			got := int16(uint16(data[0]) | uint16(data[1])<<8)
			if got != tt.want {
				t.Errorf("Encode(%v) = %d, want %d", tt.sample, got, tt.want)
			}
		})
	}
}

func TestDecodeOddLength(t *testing.T) {
	_, err := Decode([]byte{0x00, 0x01, 0x02})
	if err == nil {
		t.Fatal("Decode should fail on odd-length input")
	}
	if !errors.Is(err, ErrMalformedAudio) {
		t.Errorf("error = %v, want ErrMalformedAudio", err)
	}
}

func TestRoundTripError(t *testing.T) {
	// decode(encode(s)) must stay within one quantization step of s.
	const eps = 1.0 / 32768.0

	samples := []float32{-1.0, -0.731, -0.25, -eps, 0, eps, 0.25, 0.731, 0.999, 1.0}
	decoded, err := Decode(Encode(samples))
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("decoded %d samples, want %d", len(decoded), len(samples))
	}
	for i, s := range samples {
		if diff := math.Abs(float64(decoded[i]) - float64(s)); diff > eps {
			t.Errorf("sample %d: round trip %v -> %v, error %v > %v", i, s, decoded[i], diff, eps)
		}
	}
}

func TestRoundTripSweep(t *testing.T) {
	const eps = 1.0 / 32768.0
	for v := -1.0; v <= 1.0; v += 0.001 {
		s := float32(v)
		decoded, err := Decode(Encode([]float32{s}))
		if err != nil {
			t.Fatal(err)
		}
		if diff := math.Abs(float64(decoded[0]) - float64(s)); diff > eps {
			t.Fatalf("round trip %v -> %v, error %v > %v", s, decoded[0], diff, eps)
		}
	}
}

func TestInt16Conversions(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 12345, -12345}
	back, err := BytesToInt16(Int16ToBytes(samples))
	if err != nil {
		t.Fatal(err)
	}
	for i, s := range samples {
		if back[i] != s {
			t.Errorf("sample %d: got %d, want %d", i, back[i], s)
		}
	}

	if _, err := BytesToInt16([]byte{0xFF}); !errors.Is(err, ErrMalformedAudio) {
		t.Errorf("odd-length BytesToInt16 error = %v, want ErrMalformedAudio", err)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name  string
		bytes int
		want  time.Duration
	}{
		{"one second", 48000, time.Second},
		{"hundred ms", 4800, 100 * time.Millisecond},
		{"one sample", 2, time.Second / 24000},
		{"empty", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Realtime.Duration(tt.bytes); got != tt.want {
				t.Errorf("Duration(%d) = %v, want %v", tt.bytes, got, tt.want)
			}
		})
	}
}

func TestFormatBytes(t *testing.T) {
	if got := Realtime.Bytes(100 * time.Millisecond); got != 4800 {
		t.Errorf("Bytes(100ms) = %d, want 4800", got)
	}
	if got := Realtime.Samples(time.Second); got != 24000 {
		t.Errorf("Samples(1s) = %d, want 24000", got)
	}
	// Bytes never returns a partial sample.
	if got := Realtime.Bytes(time.Microsecond * 21); got%2 != 0 {
		t.Errorf("Bytes returned odd byte count %d", got)
	}
}
