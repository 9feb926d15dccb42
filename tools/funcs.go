package tools

import "time"

// FrameSamples is the number of interleaved samples in duration of audio.
func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}

func playbackBufferDuration(frames, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(rate)
}
