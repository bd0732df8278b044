package audioio

import (
	"math"
	"testing"
)

func TestResampleIdentity(t *testing.T) {
	in := []int16{1, 2, 3, 4, 5}
	out := Resample(in, 24000, 24000)
	if len(out) != len(in) {
		t.Fatalf("identity resample changed length: %d -> %d", len(in), len(out))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d changed: %d -> %d", i, in[i], out[i])
		}
	}
}

func TestResampleUpDown(t *testing.T) {
	tests := []struct {
		name     string
		inLen    int
		from, to int
		wantLen  int
	}{
		{"24k to 48k", 240, 24000, 48000, 480},
		{"48k to 24k", 480, 48000, 24000, 240},
		{"24k to 16k", 300, 24000, 16000, 200},
		{"empty", 0, 24000, 48000, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := make([]int16, tt.inLen)
			for i := range in {
				in[i] = int16(i % 100)
			}
			out := Resample(in, tt.from, tt.to)
			if len(out) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(out), tt.wantLen)
			}
		})
	}
}

func TestResamplePreservesSine(t *testing.T) {
	// A 1kHz tone resampled 24k -> 48k -> 24k should still look like the
	// original tone, modulo interpolation error.
	const n = 2400
	in := make([]int16, n)
	for i := range in {
		in[i] = int16(10000 * math.Sin(2*math.Pi*1000*float64(i)/24000))
	}

	up := Resample(in, 24000, 48000)
	down := Resample(up, 48000, 24000)

	if len(down) != n {
		t.Fatalf("round trip length = %d, want %d", len(down), n)
	}

	var maxErr int
	for i := 10; i < n-10; i++ { // edges interpolate against zero
		diff := int(down[i]) - int(in[i])
		if diff < 0 {
			diff = -diff
		}
		if diff > maxErr {
			maxErr = diff
		}
	}
	if maxErr > 600 {
		t.Errorf("max round-trip error = %d, want <= 600", maxErr)
	}
}

func TestResampleBytes(t *testing.T) {
	in := make([]byte, 480) // 240 samples
	out, err := ResampleBytes(in, 24000, 48000)
	if err != nil {
		t.Fatalf("ResampleBytes: %v", err)
	}
	if len(out) != 960 {
		t.Errorf("len = %d, want 960", len(out))
	}

	if _, err := ResampleBytes([]byte{0x01}, 24000, 48000); err == nil {
		t.Error("odd-length input should fail")
	}
}

func TestMonoStereoConversion(t *testing.T) {
	mono := []int16{100, -200, 300}

	stereo := MonoToStereo(mono)
	want := []int16{100, 100, -200, -200, 300, 300}
	if len(stereo) != len(want) {
		t.Fatalf("stereo len = %d, want %d", len(stereo), len(want))
	}
	for i := range want {
		if stereo[i] != want[i] {
			t.Errorf("stereo[%d] = %d, want %d", i, stereo[i], want[i])
		}
	}

	back := StereoToMono(stereo)
	if len(back) != len(mono) {
		t.Fatalf("mono len = %d, want %d", len(back), len(mono))
	}
	for i := range mono {
		if back[i] != mono[i] {
			t.Errorf("mono[%d] = %d, want %d", i, back[i], mono[i])
		}
	}
}

func TestRMS(t *testing.T) {
	if got := RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %f, want 0", got)
	}
	if got := RMS([]int16{0, 0, 0}); got != 0 {
		t.Errorf("RMS(silence) = %f, want 0", got)
	}

	loud := RMS([]int16{20000, -20000, 20000, -20000})
	quiet := RMS([]int16{100, -100, 100, -100})
	if loud <= quiet {
		t.Errorf("RMS ordering wrong: loud=%f quiet=%f", loud, quiet)
	}
	if loud > 1.0 {
		t.Errorf("RMS = %f, want <= 1.0", loud)
	}
}
