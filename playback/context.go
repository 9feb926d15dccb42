// Package playback schedules inbound PCM chunks on a device timeline for
// gapless output.
package playback

import (
	"context"

	"github.com/bt-bridge/voice-agent/pcm"
)

type ContextState int

const (
	ContextStateRunning ContextState = iota
	ContextStateSuspended
	ContextStateClosed
)

func (s ContextState) String() string {
	switch s {
	case ContextStateRunning:
		return "running"
	case ContextStateSuspended:
		return "suspended"
	case ContextStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Buffer is mono float audio at SampleRate.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration in seconds.
func (b Buffer) Duration() float64 {
	return pcm.Duration(len(b.Samples), b.SampleRate)
}

// Context is an output device with its own clock that plays buffers at
// requested future times.
type Context interface {
	// SampleRate is fixed for the lifetime of the context.
	SampleRate() int
	// CurrentTime is the device clock in seconds.
	CurrentTime() float64
	State() ContextState
	// Resume blocks until a suspended context runs again.
	Resume(ctx context.Context) error
	// Schedule queues buf to start at device time at. It does not block.
	Schedule(buf Buffer, at float64) error
	Close() error
}

// ContextFactory opens a playback device.
type ContextFactory func() (Context, error)
