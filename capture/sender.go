package capture

import (
	"context"

	"github.com/bt-bridge/voice-agent/pcm"
	"github.com/bt-bridge/voice-agent/shared"
	"go.uber.org/zap"
)

// Transport is the outbound half of the duplex channel.
type Transport interface {
	IsOpen() bool
	// SendAudio queues one binary message without waiting for the write.
	SendAudio(data []byte) error
}

// Sender encodes each chunk as little-endian int16 PCM and pushes it as a
// single binary message. Chunks arriving while the transport is not open
// are dropped.
type Sender struct {
	transport Transport
	logger    shared.LoggerAdapter
	metrics   *shared.Metrics
}

var _ ChunkSink = (*Sender)(nil)

func NewSender(transport Transport, logger shared.LoggerAdapter, metrics *shared.Metrics) (*Sender, error) {
	if transport == nil {
		return nil, shared.ErrNoTransport
	}
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Sender{
		transport: transport,
		logger:    logger,
		metrics:   metrics,
	}, nil
}

func (s *Sender) Emit(chunk []float32) {
	s.Send(chunk)
}

// Send reports whether the chunk was handed to the transport.
func (s *Sender) Send(chunk []float32) bool {
	ctx := context.Background()
	if !s.transport.IsOpen() {
		s.metrics.RecordOutbound(ctx, "dropped")
		s.logger.Trace("transport not open, dropping chunk", zap.Int("samples", len(chunk)))
		return false
	}
	data := pcm.EncodeLE(pcm.ToInt16(chunk))
	if err := s.transport.SendAudio(data); err != nil {
		s.metrics.RecordOutbound(ctx, "failed")
		s.logger.Warn("sending audio chunk", zap.Error(err), zap.Int("bytes", len(data)))
		return false
	}
	s.metrics.RecordOutbound(ctx, "sent")
	return true
}
