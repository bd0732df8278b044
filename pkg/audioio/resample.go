package audioio

import (
	"math"

	"github.com/calmira-ai/go-calmira/pkg/pcm"
)

// Resample converts audio from one sample rate to another using linear
// interpolation. Adequate for speech; not a polyphase filter.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(fromRate) / float64(toRate)
	newLen := int(float64(len(samples)) / ratio)
	if newLen == 0 {
		return []int16{}
	}

	result := make([]int16, newLen)
	for i := 0; i < newLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx >= len(samples)-1 {
			result[i] = samples[len(samples)-1]
		} else {
			s1 := float64(samples[srcIdx])
			s2 := float64(samples[srcIdx+1])
			result[i] = int16(s1 + frac*(s2-s1))
		}
	}

	return result
}

// ResampleBytes resamples raw PCM16 bytes. Odd-length input returns
// pcm.ErrMalformedAudio.
func ResampleBytes(data []byte, fromRate, toRate int) ([]byte, error) {
	samples, err := pcm.BytesToInt16(data)
	if err != nil {
		return nil, err
	}
	return pcm.Int16ToBytes(Resample(samples, fromRate, toRate)), nil
}

// MonoToStereo duplicates mono samples to stereo.
func MonoToStereo(samples []int16) []int16 {
	stereo := make([]int16, len(samples)*2)
	for i, s := range samples {
		stereo[i*2] = s
		stereo[i*2+1] = s
	}
	return stereo
}

// StereoToMono averages stereo samples to mono.
func StereoToMono(samples []int16) []int16 {
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		left := int32(samples[i*2])
		right := int32(samples[i*2+1])
		mono[i] = int16((left + right) / 2)
	}
	return mono
}

// RMS returns the root mean square level of the samples, normalized to
// 0.0..1.0. Used for input level metering.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}

	return math.Sqrt(sum/float64(len(samples))) / 32767
}
