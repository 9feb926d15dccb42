package tools

import (
	"fmt"
	"sync"

	"github.com/bt-bridge/voice-agent/playback"
	"github.com/bt-bridge/voice-agent/shared"
	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"
)

// Speaker owns the process wide output device. oto allows one context per
// process, so every playback context created by NewContext shares it and
// gets its own player.
type Speaker struct {
	logger shared.LoggerAdapter
	rate   int
	buffer int

	once   sync.Once
	otoCtx *oto.Context
	err    error
}

func NewSpeaker(logger shared.LoggerAdapter, cfg shared.AudioConfig) (*Speaker, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.PlaybackRate <= 0 {
		return nil, fmt.Errorf("playback rate %d: %w", cfg.PlaybackRate, shared.ErrInvalidSampleRate)
	}
	s := &Speaker{
		logger: logger,
		rate:   cfg.PlaybackRate,
		buffer: FrameSamples(cfg.PlaybackBuffer, cfg.PlaybackRate, 1),
	}
	return s, nil
}

func (s *Speaker) device() (*oto.Context, error) {
	s.once.Do(func() {
		otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   s.rate,
			ChannelCount: 1,
			Format:       oto.FormatFloat32LE,
			BufferSize:   playbackBufferDuration(s.buffer, s.rate),
		})
		if err != nil {
			s.err = fmt.Errorf("%w: %w", shared.ErrPlaybackUnavailable, err)
			return
		}
		<-ready
		s.otoCtx = otoCtx
		s.logger.Info(
			"output device opened",
			zap.Int("sampleRate", s.rate),
			zap.Int("bufferFrames", s.buffer),
		)
	})
	return s.otoCtx, s.err
}

// NewContext is a playback.ContextFactory. The returned context is a
// playback.Mixer pulled by an oto player at the configured rate.
func (s *Speaker) NewContext() (playback.Context, error) {
	otoCtx, err := s.device()
	if err != nil {
		return nil, err
	}
	mixer, err := playback.NewMixer(s.rate)
	if err != nil {
		return nil, err
	}
	player := otoCtx.NewPlayer(mixer)
	mixer.Attach(&speakerDevice{otoCtx: otoCtx, player: player})
	player.Play()
	return mixer, nil
}

type speakerDevice struct {
	otoCtx *oto.Context
	player *oto.Player
}

func (d *speakerDevice) Suspend() error { return d.otoCtx.Suspend() }

func (d *speakerDevice) Resume() error { return d.otoCtx.Resume() }

func (d *speakerDevice) Close() error { return d.player.Close() }
