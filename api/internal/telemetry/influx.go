package telemetry

import (
	"context"
	"log/slog"
	"time"

	"fleet-rental-system/shared/events"
	"fleet-rental-system/shared/logx"
	"fleet-rental-system/shared/metricsx"
)

const Measurement = "rental_events"

// PointWriter is satisfied by influxx.Client.
type PointWriter interface {
	WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error
}

// InfluxSink forwards envelopes to the next sink and records one point per
// envelope. It runs on the dispatcher goroutine, so blocking writes are fine.
// A telemetry failure never fails delivery.
type InfluxSink struct {
	next   events.Sink
	writer PointWriter
	logger logx.Logger
}

func NewInfluxSink(next events.Sink, writer PointWriter, logger logx.Logger) *InfluxSink {
	return &InfluxSink{next: next, writer: writer, logger: logger.With(slog.String("component", "telemetry"))}
}

func (s *InfluxSink) Send(ctx context.Context, topic string, ev events.Envelope) error {
	var err error
	if s.next != nil {
		err = s.next.Send(ctx, topic, ev)
	}
	if s.writer == nil {
		return err
	}
	tags := map[string]string{
		"topic":          topic,
		"event_type":     ev.EventType,
		"aggregate_type": ev.AggregateType,
	}
	fields := map[string]any{
		"count":     1,
		"delivered": err == nil,
	}
	if werr := s.writer.WritePoint(ctx, Measurement, tags, fields, ev.OccurredAt); werr != nil {
		metricsx.IncInfluxWriteFailure()
		s.logger.Debug(ctx, "influx_write_failed", "telemetry point not written",
			slog.String("event_type", ev.EventType),
			slog.String("error", werr.Error()),
		)
	}
	return err
}
