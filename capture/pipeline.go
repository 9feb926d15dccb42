// Package capture turns device-rate microphone blocks into transmit-rate
// chunks and hands them to the transport.
package capture

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/voice-agent/pcm"
	"github.com/bt-bridge/voice-agent/shared"
)

// MinChunkDuration is how much device audio is gathered before a chunk is
// resampled and emitted.
const MinChunkDuration = 40 * time.Millisecond

// ChunkSink receives resampled chunks at pcm.TransmitRate. Emit runs on the
// device callback and must not block.
type ChunkSink interface {
	Emit(chunk []float32)
}

type ChunkSinkFunc func(chunk []float32)

func (f ChunkSinkFunc) Emit(chunk []float32) { f(chunk) }

// Pipeline is one capture session. Process must be called from a single
// goroutine (the device callback); Enable and Disable may be called from
// anywhere.
type Pipeline struct {
	sourceRate int
	targetRate int
	threshold  int
	acc        []float32
	enabled    atomic.Bool
	sink       ChunkSink
}

// NewPipeline creates a disabled pipeline for a device running at
// sourceRate.
func NewPipeline(sourceRate int, sink ChunkSink) (*Pipeline, error) {
	if sourceRate <= 0 {
		return nil, fmt.Errorf("source rate %d: %w", sourceRate, shared.ErrInvalidSampleRate)
	}
	if sink == nil {
		return nil, fmt.Errorf("chunk sink is required")
	}
	threshold := int(math.Floor(float64(sourceRate) * MinChunkDuration.Seconds()))
	if threshold < 1 {
		return nil, fmt.Errorf("source rate %d too low for a %s chunk: %w", sourceRate, MinChunkDuration, shared.ErrInvalidSampleRate)
	}
	return &Pipeline{
		sourceRate: sourceRate,
		targetRate: pcm.TransmitRate,
		threshold:  threshold,
		acc:        make([]float32, 0, threshold),
		sink:       sink,
	}, nil
}

func (p *Pipeline) Enable()       { p.enabled.Store(true) }
func (p *Pipeline) Disable()      { p.enabled.Store(false) }
func (p *Pipeline) Enabled() bool { return p.enabled.Load() }

func (p *Pipeline) SourceRate() int { return p.sourceRate }

// Threshold is the accumulator length, in source samples, that triggers a
// flush.
func (p *Pipeline) Threshold() int { return p.threshold }

// Pending is the number of source samples waiting in the accumulator.
func (p *Pipeline) Pending() int { return len(p.acc) }

// Process consumes one device block. Only channels[0] is read. It always
// returns true so the device keeps calling.
func (p *Pipeline) Process(channels [][]float32) bool {
	if !p.enabled.Load() {
		return true
	}
	if len(channels) == 0 || len(channels[0]) == 0 {
		return true
	}
	p.acc = append(p.acc, channels[0]...)
	if len(p.acc) < p.threshold {
		return true
	}

	chunk := p.acc
	p.acc = make([]float32, 0, p.threshold)

	p.sink.Emit(pcm.ResampleLinear(chunk, p.sourceRate, p.targetRate))
	return true
}
