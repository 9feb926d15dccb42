package pcm

import (
	"encoding/binary"
	"math"
)

const (
	// TransmitRate is the rate of every outbound chunk.
	TransmitRate = 16000
	// SourceRate is the rate of every inbound chunk.
	SourceRate = 24000
	// BytesPerSample of little-endian signed 16-bit PCM.
	BytesPerSample = 2
)

// ToFloat maps int16 samples onto [-1, 1) by dividing by 32768.
func ToFloat(pcm16 []int16) []float32 {
	out := make([]float32, len(pcm16))
	for i, s := range pcm16 {
		out[i] = float32(s) / 32768
	}
	return out
}

// ToInt16 clamps each sample to [-1, 1] and scales negatives by 32768 and
// the rest by 32767. The fractional part is truncated toward zero. NaN maps to 0.
func ToInt16(f32 []float32) []int16 {
	out := make([]int16, len(f32))
	for i, v := range f32 {
		s := float64(v)
		if math.IsNaN(s) {
			continue
		}
		s = max(-1, min(1, s))
		if s < 0 {
			out[i] = int16(s * 32768)
		} else {
			out[i] = int16(s * 32767)
		}
	}
	return out
}

// EncodeLE serializes samples as little-endian 16-bit PCM.
func EncodeLE(samples []int16) []byte {
	data := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*BytesPerSample:], uint16(s))
	}
	return data
}

// DecodeLE parses little-endian 16-bit PCM. A trailing odd byte is ignored.
func DecodeLE(data []byte) []int16 {
	samples := make([]int16, len(data)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))
	}
	return samples
}

// Duration returns the playing time in seconds of n samples at rate.
func Duration(n, rate int) float64 {
	if rate <= 0 {
		return 0
	}
	return float64(n) / float64(rate)
}
