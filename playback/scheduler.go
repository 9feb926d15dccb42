package playback

import (
	"context"
	"fmt"
	"sync"

	"github.com/bt-bridge/voice-agent/pcm"
	"github.com/bt-bridge/voice-agent/shared"
	"go.uber.org/zap"
)

const (
	// InitialLookahead is added to the device clock when a context is
	// created.
	InitialLookahead = 0.05
	// UnderrunLookahead is added to the device clock when the timeline has
	// fallen behind.
	UnderrunLookahead = 0.01
)

// Stats is a snapshot of the playback timeline.
type Stats struct {
	PlaySampleRate int     `json:"playSampleRate" yaml:"playSampleRate"`
	NextPlayTime   float64 `json:"nextPlayTime" yaml:"nextPlayTime"`
	PlayedChunks   uint64  `json:"playedChunks" yaml:"playedChunks"`
	DroppedChunks  uint64  `json:"droppedChunks" yaml:"droppedChunks"`
}

type StatsHandler func(Stats)

// Scheduler places inbound chunks back to back on the device timeline. All
// methods are serialized, so chunks may be delivered from any goroutine.
type Scheduler struct {
	logger  shared.LoggerAdapter
	metrics *shared.Metrics
	factory ContextFactory
	onStats StatsHandler

	mu           sync.Mutex
	pctx         Context
	nextPlayTime float64
	played       uint64
	dropped      uint64
}

func NewScheduler(logger shared.LoggerAdapter, factory ContextFactory, metrics *shared.Metrics) (*Scheduler, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if factory == nil {
		return nil, fmt.Errorf("context factory is required: %w", shared.ErrPlaybackUnavailable)
	}
	return &Scheduler{
		logger:  logger,
		metrics: metrics,
		factory: factory,
	}, nil
}

// OnStats registers a handler called after every change of the timeline.
// It runs with the scheduler lock held and must not call back into it.
func (s *Scheduler) OnStats(h StatsHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStats = h
}

// Ensure creates the playback context if there is none. Call it from a
// user initiated action; inbound chunks never create a context themselves.
func (s *Scheduler) Ensure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pctx != nil {
		return nil
	}
	pctx, err := s.factory()
	if err != nil {
		return fmt.Errorf("creating playback context: %w: %w", shared.ErrPlaybackUnavailable, err)
	}
	if pctx.SampleRate() <= 0 {
		_ = pctx.Close()
		return fmt.Errorf("playback rate %d: %w", pctx.SampleRate(), shared.ErrInvalidSampleRate)
	}
	s.pctx = pctx
	s.nextPlayTime = pctx.CurrentTime() + InitialLookahead
	s.played = 0
	s.dropped = 0
	s.logger.Info(
		"playback context created",
		zap.Int("sampleRate", pctx.SampleRate()),
		zap.Float64("nextPlayTime", s.nextPlayTime),
	)
	s.publishLocked()
	return nil
}

// Resume wakes a suspended context. It is a no-op without a context.
func (s *Scheduler) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeLocked(ctx)
}

func (s *Scheduler) resumeLocked(ctx context.Context) error {
	if s.pctx == nil || s.pctx.State() != ContextStateSuspended {
		return nil
	}
	if err := s.pctx.Resume(ctx); err != nil {
		return fmt.Errorf("resuming playback context: %w: %w", shared.ErrPlaybackUnavailable, err)
	}
	return nil
}

// HandleChunk schedules one inbound message of little-endian int16 mono PCM
// at pcm.SourceRate. A trailing odd byte is ignored. Without a playback
// context the chunk is discarded.
func (s *Scheduler) HandleChunk(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pctx == nil {
		s.logger.Debug("no playback context, discarding chunk", zap.Int("bytes", len(data)))
		return nil
	}
	if err := s.resumeLocked(ctx); err != nil {
		return err
	}

	rate := s.pctx.SampleRate()
	samples := pcm.ResampleLinear(pcm.ToFloat(pcm.DecodeLE(data)), pcm.SourceRate, rate)
	if len(samples) == 0 {
		s.logger.Debug("empty chunk after decoding", zap.Int("bytes", len(data)))
		return nil
	}
	buf := Buffer{Samples: samples, SampleRate: rate}

	now := s.pctx.CurrentTime()
	if s.nextPlayTime < now {
		s.logger.Trace(
			"playback underrun",
			zap.Float64("nextPlayTime", s.nextPlayTime),
			zap.Float64("now", now),
		)
		s.nextPlayTime = now + UnderrunLookahead
		s.dropped++
		s.metrics.RecordInbound(ctx, "underrun")
	}

	if err := s.pctx.Schedule(buf, s.nextPlayTime); err != nil {
		return fmt.Errorf("scheduling buffer: %w", err)
	}
	s.nextPlayTime += buf.Duration()
	s.played++
	s.metrics.RecordInbound(ctx, "played")
	s.publishLocked()
	return nil
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Scheduler) statsLocked() Stats {
	st := Stats{
		NextPlayTime:  s.nextPlayTime,
		PlayedChunks:  s.played,
		DroppedChunks: s.dropped,
	}
	if s.pctx != nil {
		st.PlaySampleRate = s.pctx.SampleRate()
	}
	return st
}

func (s *Scheduler) publishLocked() {
	if s.onStats != nil {
		s.onStats(s.statsLocked())
	}
}

// Active reports whether a playback context exists.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pctx != nil
}

// Close tears the context down. Already scheduled audio is not waited for.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pctx == nil {
		return nil
	}
	err := s.pctx.Close()
	s.pctx = nil
	if err != nil {
		return fmt.Errorf("closing playback context: %w", err)
	}
	return nil
}
