// Package inbound handles the Kafka topics this service consumes.
package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"

	"fleet-rental-system/api/internal/accidents"
	"fleet-rental-system/api/internal/intents"
	"fleet-rental-system/api/internal/models"
	"fleet-rental-system/shared/events"
	"fleet-rental-system/shared/logx"
	"fleet-rental-system/shared/metricsx"
	"fleet-rental-system/shared/observability"
)

// ErrRetry marks a message that should be handled again later.
var ErrRetry = errors.New("retry later")

type Confirmer interface {
	Confirm(ctx context.Context, p intents.PaymentConfirmation) (intents.ConfirmResult, error)
}

type Reporter interface {
	Report(ctx context.Context, req accidents.ReportRequest) (models.AccidentReport, error)
}

type Previewer interface {
	Preview(ctx context.Context, accidentID uuid.UUID) (models.ReplacementPlan, error)
}

type Enqueuer interface {
	EnqueueReplacement(ctx context.Context, accidentID uuid.UUID) (string, error)
}

func decodeEnvelope(raw []byte, dst any) (events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, err
	}
	if env.EventID == uuid.Nil {
		return env, errors.New("missing event_id")
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return env, fmt.Errorf("payload: %w", err)
	}
	return env, nil
}

// Payments turns payment.confirmed messages into booking confirmations.
type Payments struct {
	Intents Confirmer
	Logger  logx.Logger
}

func (p Payments) Handle(ctx context.Context, raw []byte) error {
	var msg events.PaymentConfirmed
	env, err := decodeEnvelope(raw, &msg)
	if err != nil {
		p.Logger.Warn(ctx, "payment_message_invalid", "dropping malformed payment message", logx.Err("INVALID_ARGUMENT", err)...)
		return nil
	}
	res, err := p.Intents.Confirm(ctx, intents.PaymentConfirmation{OrderCode: msg.OrderCode, Status: msg.Status})
	attrs := []slog.Attr{slog.String("event_id", env.EventID.String()), slog.String("order_code", msg.OrderCode)}
	switch {
	case errors.Is(err, intents.ErrIntentNotFound):
		p.Logger.Warn(ctx, "payment_intent_missing", "payment for an unknown or expired intent", attrs...)
		return nil
	case errors.Is(err, intents.ErrStaleIntent):
		p.Logger.Warn(ctx, "payment_intent_stale", "vehicle taken before payment arrived", attrs...)
		return nil
	case errors.Is(err, models.ErrValidation):
		p.Logger.Warn(ctx, "payment_message_invalid", "dropping invalid payment message", append(attrs, logx.Err("INVALID_ARGUMENT", err)...)...)
		return nil
	case err != nil:
		return err
	}
	if res.Outcome == models.OutcomeBusy {
		return fmt.Errorf("order %s: lock busy: %w", msg.OrderCode, ErrRetry)
	}
	p.Logger.Info(ctx, "payment_handled", "payment confirmation handled", append(attrs, slog.String("status", res.Status))...)
	return nil
}

// Accidents files reports from vehicle.accidents and either queues the
// replacement or caches a preview for staff.
type Accidents struct {
	Reports     Reporter
	Replacement Previewer
	// Queue is set when replacement runs without staff review.
	Queue  Enqueuer
	Logger logx.Logger
}

func (a Accidents) Handle(ctx context.Context, raw []byte) error {
	var msg events.VehicleAccident
	env, err := decodeEnvelope(raw, &msg)
	if err != nil {
		a.Logger.Warn(ctx, "accident_message_invalid", "dropping malformed accident message", logx.Err("INVALID_ARGUMENT", err)...)
		return nil
	}
	// Redelivery of the same event files the same report.
	accidentID := env.EventID
	if msg.AccidentID != nil {
		accidentID = *msg.AccidentID
	}
	report, err := a.Reports.Report(ctx, accidents.ReportRequest{
		AccidentID:  &accidentID,
		VehicleID:   msg.VehicleID,
		ContractID:  msg.ContractID,
		Description: msg.Description,
	})
	if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrValidation) {
		a.Logger.Warn(ctx, "accident_message_invalid", "dropping accident for unknown vehicle",
			append(logx.Err("INVALID_ARGUMENT", err), slog.String("vehicle_id", msg.VehicleID.String()))...)
		return nil
	}
	if err != nil {
		return err
	}

	attrs := []slog.Attr{slog.String("accident_id", report.AccidentID.String()), slog.String("vehicle_id", report.VehicleID.String())}
	if a.Queue != nil {
		taskID, err := a.Queue.EnqueueReplacement(ctx, report.AccidentID)
		if err != nil {
			return fmt.Errorf("enqueue replacement: %v: %w", err, ErrRetry)
		}
		a.Logger.Info(ctx, "replacement_queued", "replacement queued", append(attrs, slog.String("task_id", taskID))...)
		return nil
	}
	plan, err := a.Replacement.Preview(ctx, report.AccidentID)
	if err != nil {
		a.Logger.Warn(ctx, "replacement_preview_failed", "preview not cached", append(attrs, logx.Err("INTERNAL_ERROR", err)...)...)
		return nil
	}
	a.Logger.Info(ctx, "replacement_previewed", "replacement preview ready for review",
		append(attrs, slog.Int("contracts", plan.TotalContracts), slog.Int("replaceable", plan.CanBeReplaced))...)
	return nil
}

// Reader is the part of kafka.Reader the loop needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
}

type Loop struct {
	Reader      Reader
	Topic       string
	Group       string
	Handle      func(ctx context.Context, raw []byte) error
	Logger      logx.Logger
	MaxAttempts int
	Backoff     time.Duration
}

// Run consumes until ctx is cancelled. A message is committed once handled;
// one that keeps failing is left uncommitted and logged.
func (l Loop) Run(ctx context.Context) {
	attempts := max(l.MaxAttempts, 1)
	for {
		msg, err := l.Reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.Logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				append(logx.Err("INTERNAL_ERROR", err), slog.String("topic", l.Topic))...)
			sleep(ctx, 500*time.Millisecond)
			continue
		}

		if err := l.handle(ctx, msg, attempts); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.Logger.Error(ctx, "event_handle_failed", "failed to handle event",
				append(logx.Err("INTERNAL_ERROR", err), slog.String("topic", l.Topic), slog.Int64("offset", msg.Offset))...)
			continue
		}
		if err := l.Reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			l.Logger.Error(ctx, "kafka_commit_failed", "failed to commit message", logx.Err("INTERNAL_ERROR", err)...)
		}
		stats := l.Reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, l.Group, stats.Lag)
	}
}

func (l Loop) handle(ctx context.Context, msg kafka.Message, attempts int) error {
	var err error
	for i := 1; i <= attempts; i++ {
		spanCtx, span := observability.StartSpan(ctx, "mqx", "kafka.consume",
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", l.Topic),
			attribute.Int("attempt", i),
		)
		err = l.Handle(spanCtx, msg.Value)
		observability.EndSpan(span, err)
		if err == nil {
			return nil
		}
		if i < attempts {
			sleep(ctx, l.Backoff*time.Duration(i))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
