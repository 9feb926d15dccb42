package shared

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/bt-bridge/voice-agent"

// Metrics holds the audio pipeline counters. A nil *Metrics records nothing.
type Metrics struct {
	// OutboundChunks counts captured chunks by result ("sent", "dropped", "failed").
	OutboundChunks metric.Int64Counter
	// InboundChunks counts received chunks by result ("played", "underrun").
	InboundChunks metric.Int64Counter
	// ControlEvents counts decoded control messages by type.
	ControlEvents metric.Int64Counter
}

// NewMetrics creates the instruments on mp, or on the global provider when
// mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	var (
		m   Metrics
		err error
	)
	m.OutboundChunks, err = meter.Int64Counter("voice_agent.outbound.chunks",
		metric.WithDescription("Captured audio chunks handed to the transport."))
	if err != nil {
		return nil, err
	}
	m.InboundChunks, err = meter.Int64Counter("voice_agent.inbound.chunks",
		metric.WithDescription("Received audio chunks scheduled for playback."))
	if err != nil {
		return nil, err
	}
	m.ControlEvents, err = meter.Int64Counter("voice_agent.control.events",
		metric.WithDescription("Control messages received from the server."))
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) RecordOutbound(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.OutboundChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) RecordInbound(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.InboundChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) RecordEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.ControlEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}
