package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/attribute"

	"fleet-rental-system/api/internal/models"
	"fleet-rental-system/shared/logx"
	"fleet-rental-system/shared/observability"
)

const (
	TypeReplacementExecute = "replacement.execute"
	TypeContractsSweep     = "contracts.sweep"
)

type ReplacementPayload struct {
	AccidentID uuid.UUID `json:"accident_id"`
}

// NewReplacementTask builds a task deduplicated per accident while queued.
func NewReplacementTask(accidentID uuid.UUID, queue string) (*asynq.Task, error) {
	payload, err := json.Marshal(ReplacementPayload{AccidentID: accidentID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeReplacementExecute, payload,
		asynq.Queue(queue),
		asynq.MaxRetry(5),
		asynq.Timeout(2*time.Minute),
		asynq.TaskID("replacement:"+accidentID.String()),
	), nil
}

func NewSweepTask(queue string) *asynq.Task {
	return asynq.NewTask(TypeContractsSweep, nil, asynq.Queue(queue), asynq.MaxRetry(0))
}

type Enqueuer struct {
	client *asynq.Client
	queue  string
}

func NewEnqueuer(client *asynq.Client, queue string) *Enqueuer {
	return &Enqueuer{client: client, queue: queue}
}

// EnqueueReplacement schedules Execute for the accident. A task already
// queued for the same accident counts as success.
func (e *Enqueuer) EnqueueReplacement(ctx context.Context, accidentID uuid.UUID) (string, error) {
	task, err := NewReplacementTask(accidentID, e.queue)
	if err != nil {
		return "", err
	}
	info, err := e.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return "replacement:" + accidentID.String(), nil
	}
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

type Executor interface {
	Execute(ctx context.Context, accidentID uuid.UUID) (models.ReplacementReport, error)
}

type Sweeper interface {
	ExpireUnconfirmed(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

type Handlers struct {
	Replacement    Executor
	Sweeper        Sweeper
	UnconfirmedTTL time.Duration
	SweepBatch     int
	Logger         logx.Logger
}

func (h Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeReplacementExecute, h.HandleReplacement)
	mux.HandleFunc(TypeContractsSweep, h.HandleSweep)
}

// HandleReplacement runs one replacement batch. Contracts that failed are
// returned as an error so asynq retries; Execute re-derives the plan, so
// contracts already handled are not touched again.
func (h Handlers) HandleReplacement(ctx context.Context, t *asynq.Task) (err error) {
	ctx, span := observability.StartSpan(ctx, "asynq", TypeReplacementExecute)
	defer func() { observability.EndSpan(span, err) }()

	var payload ReplacementPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.AccidentID == uuid.Nil {
		return fmt.Errorf("missing accident_id: %w", asynq.SkipRetry)
	}
	span.SetAttributes(attribute.String("accident_id", payload.AccidentID.String()))

	report, err := h.Replacement.Execute(ctx, payload.AccidentID)
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("accident %s: %v: %w", payload.AccidentID, err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}
	failed := 0
	for _, r := range report.Results {
		if r.NeedsFollowUp() {
			failed++
		}
	}
	h.Logger.Info(ctx, "replacement_task_done", "replacement task finished",
		slog.String("accident_id", payload.AccidentID.String()),
		slog.Int("succeeded", report.SuccessCount),
		slog.Int("failed", failed),
	)
	if failed > 0 {
		return fmt.Errorf("accident %s: %d contracts need follow-up", payload.AccidentID, failed)
	}
	return nil
}

func (h Handlers) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	ttl := h.UnconfirmedTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	n, err := h.Sweeper.ExpireUnconfirmed(ctx, ttl, h.SweepBatch)
	if err != nil {
		return err
	}
	if n > 0 {
		h.Logger.Info(ctx, "contracts_expired", "unconfirmed contracts expired", slog.Int("count", n))
	}
	return nil
}
