package playback

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	"github.com/bt-bridge/voice-agent/shared"
)

// BytesPerFrame of the float32 little-endian mono stream produced by Mixer.
const BytesPerFrame = 4

// Device is the hardware behind a Mixer. Suspend and Resume stop and
// restart pulling from the mixer.
type Device interface {
	Suspend() error
	Resume() error
	Close() error
}

type scheduledBuffer struct {
	start   int64
	samples []float32
}

func (b scheduledBuffer) end() int64 { return b.start + int64(len(b.samples)) }

// Mixer is a Context whose clock is the number of frames the device has
// pulled through Read. Scheduled buffers are rendered at their start frame
// and summed where they overlap.
type Mixer struct {
	rate int

	mu      sync.Mutex
	device  Device
	frames  int64
	queue   []scheduledBuffer
	state   ContextState
	scratch []float32
}

var (
	_ Context   = (*Mixer)(nil)
	_ io.Reader = (*Mixer)(nil)
)

func NewMixer(rate int) (*Mixer, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("mixer rate %d: %w", rate, shared.ErrInvalidSampleRate)
	}
	return &Mixer{rate: rate}, nil
}

// Attach binds the device that pulls from m.
func (m *Mixer) Attach(d Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.device = d
}

func (m *Mixer) SampleRate() int { return m.rate }

func (m *Mixer) CurrentTime() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.frames) / float64(m.rate)
}

func (m *Mixer) State() ContextState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pending is the number of buffers not yet fully rendered.
func (m *Mixer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Suspend stops the device from pulling, which also stops the clock.
func (m *Mixer) Suspend() error {
	m.mu.Lock()
	state, device := m.state, m.device
	m.mu.Unlock()
	switch state {
	case ContextStateClosed:
		return io.ErrClosedPipe
	case ContextStateSuspended:
		return nil
	}
	// The device may be inside Read, so it is never called with mu held.
	if device != nil {
		if err := device.Suspend(); err != nil {
			return err
		}
	}
	return m.setState(ContextStateSuspended)
}

func (m *Mixer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	state, device := m.state, m.device
	m.mu.Unlock()
	switch state {
	case ContextStateClosed:
		return io.ErrClosedPipe
	case ContextStateRunning:
		return nil
	}
	if device != nil {
		if err := device.Resume(); err != nil {
			return err
		}
	}
	return m.setState(ContextStateRunning)
}

func (m *Mixer) setState(state ContextState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == ContextStateClosed {
		return io.ErrClosedPipe
	}
	m.state = state
	return nil
}

func (m *Mixer) Schedule(buf Buffer, at float64) error {
	if buf.SampleRate != m.rate {
		return fmt.Errorf("buffer rate %d does not match mixer rate %d: %w", buf.SampleRate, m.rate, shared.ErrInvalidSampleRate)
	}
	if len(buf.Samples) == 0 {
		return nil
	}
	start := int64(math.Round(at * float64(m.rate)))
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == ContextStateClosed {
		return io.ErrClosedPipe
	}
	// Anything that starts in the past plays from its remaining part.
	if start < m.frames {
		skip := m.frames - start
		if skip >= int64(len(buf.Samples)) {
			return nil
		}
		buf.Samples = buf.Samples[skip:]
		start = m.frames
	}
	sb := scheduledBuffer{start: start, samples: buf.Samples}
	i := sort.Search(len(m.queue), func(i int) bool { return m.queue[i].start > start })
	m.queue = append(m.queue, scheduledBuffer{})
	copy(m.queue[i+1:], m.queue[i:])
	m.queue[i] = sb
	return nil
}

// Read renders the next len(p)/BytesPerFrame frames as float32
// little-endian and advances the clock by that amount.
func (m *Mixer) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == ContextStateClosed {
		return 0, io.EOF
	}
	n := len(p) / BytesPerFrame
	if n == 0 {
		return 0, nil
	}
	if cap(m.scratch) < n {
		m.scratch = make([]float32, n)
	}
	out := m.scratch[:n]
	clear(out)

	from, to := m.frames, m.frames+int64(n)
	kept := m.queue[:0]
	for _, b := range m.queue {
		if b.start < to {
			lo := max(b.start, from)
			hi := min(b.end(), to)
			for f := lo; f < hi; f++ {
				out[f-from] += b.samples[f-b.start]
			}
		}
		if b.end() > to {
			kept = append(kept, b)
		}
	}
	clear(m.queue[len(kept):])
	m.queue = kept

	for i, v := range out {
		v = max(-1, min(1, v))
		binary.LittleEndian.PutUint32(p[i*BytesPerFrame:], math.Float32bits(v))
	}
	m.frames = to
	return n * BytesPerFrame, nil
}

// Close drops every pending buffer and ends the stream.
func (m *Mixer) Close() error {
	m.mu.Lock()
	if m.state == ContextStateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = ContextStateClosed
	m.queue = nil
	device := m.device
	m.mu.Unlock()
	if device != nil {
		return device.Close()
	}
	return nil
}
