package pcm

import "math"

// ResampleLinear converts input from inRate to outRate.
//
// With ratio = inRate/outRate the output holds floor(len(input)/ratio)
// samples; sample i interpolates input[floor(i*ratio)] and the next sample
// (clamped to the last index) by the fractional part of i*ratio. There is no
// anti-aliasing filter. Equal rates return input unchanged; empty input or a
// non-positive rate returns an empty slice.
func ResampleLinear(input []float32, inRate, outRate int) []float32 {
	if inRate == outRate {
		return input
	}
	if len(input) == 0 || inRate <= 0 || outRate <= 0 {
		return []float32{}
	}
	ratio := float64(inRate) / float64(outRate)
	outLen := int(math.Floor(float64(len(input)) / ratio))
	out := make([]float32, outLen)
	last := len(input) - 1
	for i := 0; i < outLen; i++ {
		t := float64(i) * ratio
		i0 := int(math.Floor(t))
		i1 := min(i0+1, last)
		frac := t - float64(i0)
		out[i] = float32(float64(input[i0])*(1-frac) + float64(input[i1])*frac)
	}
	return out
}

// ResampledLen is the output length ResampleLinear produces for n input
// samples.
func ResampledLen(n, inRate, outRate int) int {
	if inRate == outRate {
		return n
	}
	if n == 0 || inRate <= 0 || outRate <= 0 {
		return 0
	}
	ratio := float64(inRate) / float64(outRate)
	return int(math.Floor(float64(n) / ratio))
}
