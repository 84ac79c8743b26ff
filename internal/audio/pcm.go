package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// BytesToSamples decodes PCM16LE bytes. A trailing odd byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// SamplesToBytes encodes samples as PCM16LE.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Level returns the RMS level of samples scaled by gain and clamped to [0,1].
func Level(samples []int16, gain float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	if gain <= 0 {
		gain = 1
	}
	var sum float64
	for _, s := range samples {
		f := float64(s) / 32768.0
		sum += f * f
	}
	v := math.Sqrt(sum/float64(len(samples))) * gain
	if v > 1 {
		return 1
	}
	return v
}

// Duration reports how long n PCM16 mono bytes play at sampleRate.
func Duration(n int, sampleRate int) time.Duration {
	if sampleRate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n/2) * int64(time.Second) / int64(sampleRate))
}

// SineTone synthesizes a mono PCM16LE tone.
func SineTone(freqHz, sampleRate int, d time.Duration, amp float64) []byte {
	if sampleRate <= 0 || d <= 0 || freqHz <= 0 {
		return nil
	}
	if amp <= 0 {
		amp = 0.2
	}
	if amp > 1 {
		amp = 1
	}
	n := int(float64(sampleRate) * d.Seconds())
	if n <= 0 {
		n = 1
	}
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		samples[i] = int16(amp * math.Sin(2*math.Pi*float64(freqHz)*t) * 32767.0)
	}
	return SamplesToBytes(samples)
}

// Constant returns n samples at a fixed level in [0,1], useful for
// synthesizing frames with a known RMS.
func Constant(n int, level float64) []int16 {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	v := int16(level * 32767.0)
	out := make([]int16, n)
	for i := range out {
		// Alternate sign so the frame carries no DC offset; RMS is unchanged.
		if i%2 == 0 {
			out[i] = v
		} else {
			out[i] = -v
		}
	}
	return out
}
