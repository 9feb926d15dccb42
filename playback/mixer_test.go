package playback

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"testing"

	"github.com/bt-bridge/voice-agent/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	suspends, resumes, closes int
}

func (d *fakeDevice) Suspend() error { d.suspends++; return nil }
func (d *fakeDevice) Resume() error  { d.resumes++; return nil }
func (d *fakeDevice) Close() error   { d.closes++; return nil }

func readFrames(t *testing.T, m *Mixer, n int) []float32 {
	t.Helper()
	p := make([]byte, n*BytesPerFrame)
	got, err := m.Read(p)
	require.NoError(t, err)
	require.Equal(t, len(p), got)
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(p[i*BytesPerFrame:]))
	}
	return out
}

func TestNewMixerRejectsBadRate(t *testing.T) {
	_, err := NewMixer(0)
	assert.ErrorIs(t, err, shared.ErrInvalidSampleRate)
}

func TestMixerClockFollowsReads(t *testing.T) {
	m, err := NewMixer(1000)
	require.NoError(t, err)
	assert.Zero(t, m.CurrentTime())
	readFrames(t, m, 250)
	assert.InDelta(t, 0.25, m.CurrentTime(), 1e-12)
}

func TestMixerRendersAtStartFrame(t *testing.T) {
	m, err := NewMixer(1000)
	require.NoError(t, err)
	require.NoError(t, m.Schedule(Buffer{Samples: []float32{0.5, 0.5, 0.5}, SampleRate: 1000}, 0.002))

	assert.Equal(t, []float32{0, 0, 0.5, 0.5}, readFrames(t, m, 4))
	assert.Equal(t, 1, m.Pending())
	assert.Equal(t, []float32{0.5, 0, 0, 0}, readFrames(t, m, 4))
	assert.Zero(t, m.Pending())
}

func TestMixerBackToBackIsGapless(t *testing.T) {
	m, err := NewMixer(1000)
	require.NoError(t, err)
	require.NoError(t, m.Schedule(Buffer{Samples: []float32{0.1, 0.1}, SampleRate: 1000}, 0))
	require.NoError(t, m.Schedule(Buffer{Samples: []float32{0.2, 0.2}, SampleRate: 1000}, 0.002))
	assert.Equal(t, []float32{0.1, 0.1, 0.2, 0.2, 0}, readFrames(t, m, 5))
}

func TestMixerSumsAndClampsOverlap(t *testing.T) {
	m, err := NewMixer(1000)
	require.NoError(t, err)
	require.NoError(t, m.Schedule(Buffer{Samples: []float32{0.75, 0.25}, SampleRate: 1000}, 0))
	require.NoError(t, m.Schedule(Buffer{Samples: []float32{0.75, 0.25}, SampleRate: 1000}, 0))
	assert.Equal(t, []float32{1, 0.5}, readFrames(t, m, 2))
}

func TestMixerLateBufferPlaysRemainder(t *testing.T) {
	m, err := NewMixer(1000)
	require.NoError(t, err)
	readFrames(t, m, 2)
	require.NoError(t, m.Schedule(Buffer{Samples: []float32{0.1, 0.2, 0.3}, SampleRate: 1000}, 0.001))
	assert.Equal(t, []float32{0.2, 0.3}, readFrames(t, m, 2))

	require.NoError(t, m.Schedule(Buffer{Samples: []float32{0.1}, SampleRate: 1000}, 0))
	assert.Zero(t, m.Pending())
}

func TestMixerRejectsRateMismatch(t *testing.T) {
	m, err := NewMixer(48000)
	require.NoError(t, err)
	err = m.Schedule(Buffer{Samples: []float32{0}, SampleRate: 24000}, 0)
	assert.ErrorIs(t, err, shared.ErrInvalidSampleRate)
}

func TestMixerSuspendResume(t *testing.T) {
	m, err := NewMixer(1000)
	require.NoError(t, err)
	dev := &fakeDevice{}
	m.Attach(dev)

	require.NoError(t, m.Suspend())
	require.NoError(t, m.Suspend())
	assert.Equal(t, ContextStateSuspended, m.State())
	assert.Equal(t, 1, dev.suspends)

	require.NoError(t, m.Resume(context.Background()))
	assert.Equal(t, ContextStateRunning, m.State())
	assert.Equal(t, 1, dev.resumes)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Resume(ctx), context.Canceled)
}

func TestMixerClose(t *testing.T) {
	m, err := NewMixer(1000)
	require.NoError(t, err)
	dev := &fakeDevice{}
	m.Attach(dev)
	require.NoError(t, m.Schedule(Buffer{Samples: []float32{0.1}, SampleRate: 1000}, 0.5))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Equal(t, 1, dev.closes)
	assert.Equal(t, ContextStateClosed, m.State())
	assert.Zero(t, m.Pending())

	_, err = m.Read(make([]byte, 8))
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, m.Schedule(Buffer{Samples: []float32{0.1}, SampleRate: 1000}, 1), io.ErrClosedPipe)
	assert.ErrorIs(t, m.Resume(context.Background()), io.ErrClosedPipe)
}

func TestSchedulerOverMixer(t *testing.T) {
	m, err := NewMixer(48000)
	require.NoError(t, err)
	s, err := NewScheduler(shared.NewNopLogger(), func() (Context, error) { return m, nil }, nil)
	require.NoError(t, err)
	require.NoError(t, s.Ensure())

	require.NoError(t, s.HandleChunk(context.Background(), chunk(480)))
	require.NoError(t, s.HandleChunk(context.Background(), chunk(480)))
	assert.Equal(t, 2, m.Pending())

	// 50 ms lookahead plus two 20 ms chunks, then 10 ms of silence.
	readFrames(t, m, 48000*100/1000)
	assert.Zero(t, m.Pending())
	assert.Zero(t, s.Stats().DroppedChunks)

	require.NoError(t, s.HandleChunk(context.Background(), chunk(480)))
	assert.Equal(t, uint64(1), s.Stats().DroppedChunks)
}
