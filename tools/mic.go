package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bt-bridge/voice-agent/capture"
	"github.com/bt-bridge/voice-agent/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"go.uber.org/zap"

	// Registers the default capture device.
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
)

var errUnsupportedFormat = errors.New("unsupported sample format")

// Microphone is an open capture device. The rate of the device is learned
// from the first block it delivers.
type Microphone struct {
	logger shared.LoggerAdapter
	track  mediadevices.Track
	reader audio.Reader
	rate   int
	first  []float32

	closeOnce sync.Once
}

// OpenMicrophone asks the default device for a mono stream and blocks until
// its first block arrives. Failures wrap shared.ErrMicrophoneUnavailable.
func OpenMicrophone(logger shared.LoggerAdapter, cfg shared.AudioConfig) (*Microphone, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.ChannelCount = prop.Int(1)
			if cfg.CaptureRate > 0 {
				c.SampleRate = prop.Int(cfg.CaptureRate)
			}
			if cfg.CaptureLatency > 0 {
				c.Latency = prop.Duration(cfg.CaptureLatency)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrMicrophoneUnavailable, err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no audio track", shared.ErrMicrophoneUnavailable)
	}
	track, ok := tracks[0].(*mediadevices.AudioTrack)
	if !ok {
		_ = tracks[0].Close()
		return nil, fmt.Errorf("%w: unexpected track type %T", shared.ErrMicrophoneUnavailable, tracks[0])
	}

	m := &Microphone{
		logger: logger,
		track:  track,
		reader: track.NewReader(false),
	}
	first, rate, err := m.next(nil)
	if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("%w: reading first block: %w", shared.ErrMicrophoneUnavailable, err)
	}
	m.first, m.rate = first, rate
	logger.Info(
		"microphone opened",
		zap.String("track", track.ID()),
		zap.Int("sampleRate", rate),
		zap.Int("blockSamples", len(first)),
		zap.Int("chunkSamples", FrameSamples(capture.MinChunkDuration, rate, 1)),
	)
	return m, nil
}

func (m *Microphone) SampleRate() int { return m.rate }

// Stream feeds every block to p until ctx ends, the device stops or Close
// is called. Only the first channel is used.
func (m *Microphone) Stream(ctx context.Context, p *capture.Pipeline) error {
	if p.SourceRate() != m.rate {
		return fmt.Errorf("pipeline expects %d Hz, device runs at %d Hz: %w", p.SourceRate(), m.rate, shared.ErrInvalidSampleRate)
	}
	stop := context.AfterFunc(ctx, func() { _ = m.Close() })
	defer stop()

	block := m.first
	m.first = nil
	if len(block) > 0 {
		p.Process([][]float32{block})
	}
	for {
		var (
			rate int
			err  error
		)
		block, rate, err = m.next(block)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading microphone: %w", err)
		}
		if rate != m.rate {
			m.logger.Warn("microphone rate changed, dropping block", zap.Int("sampleRate", rate))
			continue
		}
		p.Process([][]float32{block})
	}
}

func (m *Microphone) next(dst []float32) ([]float32, int, error) {
	chunk, release, err := m.reader.Read()
	if err != nil {
		return dst, 0, err
	}
	defer release()
	dst, err = firstChannel(chunk, dst[:0])
	return dst, chunk.ChunkInfo().SamplingRate, err
}

// Close stops the device. It is safe to call more than once.
func (m *Microphone) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = m.track.Close()
		m.logger.Info("microphone closed")
	})
	return err
}

// firstChannel appends channel 0 of chunk to dst as float samples in
// [-1, 1].
func firstChannel(chunk wave.Audio, dst []float32) ([]float32, error) {
	info := chunk.ChunkInfo()
	if info.Channels < 1 {
		return dst, nil
	}
	switch c := chunk.(type) {
	case *wave.Float32Interleaved:
		for i := 0; i < info.Len; i++ {
			dst = append(dst, c.Data[i*info.Channels])
		}
	case *wave.Float32NonInterleaved:
		dst = append(dst, c.Data[0][:info.Len]...)
	case *wave.Int16Interleaved:
		for i := 0; i < info.Len; i++ {
			dst = append(dst, float32(c.Data[i*info.Channels])/32768)
		}
	case *wave.Int16NonInterleaved:
		for _, s := range c.Data[0][:info.Len] {
			dst = append(dst, float32(s)/32768)
		}
	default:
		return dst, fmt.Errorf("%w: %T", errUnsupportedFormat, chunk)
	}
	return dst, nil
}
