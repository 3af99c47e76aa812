package replacement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fleet-rental-system/api/internal/allocation"
	"fleet-rental-system/api/internal/contracts"
	"fleet-rental-system/api/internal/models"
	"fleet-rental-system/shared/events"
	"fleet-rental-system/shared/lockx"
	"fleet-rental-system/shared/logx"
	"fleet-rental-system/shared/metricsx"
	"fleet-rental-system/shared/workflow"
)

type Store interface {
	GetAccident(ctx context.Context, id uuid.UUID) (models.AccidentReport, error)
	GetContract(ctx context.Context, id uuid.UUID) (models.RentalContract, error)
	GetVehicleModel(ctx context.Context, id uuid.UUID) (models.VehicleModel, error)
	ListFutureContractsByVehicle(ctx context.Context, vehicleID uuid.UUID, status string, after time.Time) ([]models.RentalContract, error)
}

type Allocator interface {
	FindFirstAvailable(ctx context.Context, q allocation.Query) (*models.Vehicle, error)
}

type Contracts interface {
	Reassign(ctx context.Context, id uuid.UUID, vehicleID uuid.UUID) (contracts.Result, error)
	Refund(ctx context.Context, id uuid.UUID, reason string) (models.RentalContract, error)
}

type Options struct {
	// AnyStation adds a same-model search across all stations after the
	// station-scoped passes.
	AnyStation bool
	LockTTL    time.Duration
	LockWait   time.Duration
	LockRetry  time.Duration
	Now        func() time.Time
}

type Orchestrator struct {
	store     Store
	alloc     Allocator
	contracts Contracts
	locker    lockx.Locker
	plans     *PlanCache
	pub       events.Publisher
	logger    logx.Logger
	opts      Options
}

// NewOrchestrator wires the replacement workflow. plans may be nil.
func NewOrchestrator(store Store, alloc Allocator, cs Contracts, locker lockx.Locker, plans *PlanCache, pub events.Publisher, logger logx.Logger, opts Options) *Orchestrator {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if pub == nil {
		pub = events.Discard{}
	}
	return &Orchestrator{
		store:     store,
		alloc:     alloc,
		contracts: cs,
		locker:    locker,
		plans:     plans,
		pub:       pub,
		logger:    logger.With(slog.String("component", "replacement")),
		opts:      opts,
	}
}

type pass struct {
	sameModel   bool
	sameStation bool
}

func (o *Orchestrator) passes() []pass {
	ps := []pass{{sameModel: true, sameStation: true}, {sameModel: false, sameStation: true}}
	if o.opts.AnyStation {
		ps = append(ps, pass{sameModel: true, sameStation: false})
	}
	return ps
}

// Preview computes what Execute would do for every future confirmed contract
// on the accident vehicle. It writes nothing except the optional plan cache.
func (o *Orchestrator) Preview(ctx context.Context, accidentID uuid.UUID) (models.ReplacementPlan, error) {
	plan, err := o.plan(ctx, accidentID)
	if err != nil {
		return models.ReplacementPlan{}, err
	}
	if o.plans != nil {
		if err := o.plans.Put(ctx, plan); err != nil {
			o.logger.Warn(ctx, "plan_cache_failed", "replacement plan not cached", logx.Err("INTERNAL_ERROR", err)...)
		}
	}
	return plan, nil
}

// CachedPreview returns the plan staff last reviewed, computing a fresh one
// when none is cached.
func (o *Orchestrator) CachedPreview(ctx context.Context, accidentID uuid.UUID) (models.ReplacementPlan, error) {
	if o.plans != nil {
		plan, ok, err := o.plans.Get(ctx, accidentID)
		if err != nil {
			o.logger.Warn(ctx, "plan_cache_failed", "replacement plan cache read failed", logx.Err("INTERNAL_ERROR", err)...)
		} else if ok {
			return plan, nil
		}
	}
	return o.Preview(ctx, accidentID)
}

func (o *Orchestrator) plan(ctx context.Context, accidentID uuid.UUID) (models.ReplacementPlan, error) {
	a, err := o.store.GetAccident(ctx, accidentID)
	if err != nil {
		return models.ReplacementPlan{}, err
	}
	now := o.opts.Now()
	affected, err := o.store.ListFutureContractsByVehicle(ctx, a.VehicleID, workflow.ContractConfirmed, now)
	if err != nil {
		return models.ReplacementPlan{}, fmt.Errorf("list affected contracts: %w", err)
	}

	plan := models.ReplacementPlan{
		AccidentID:  a.AccidentID,
		VehicleID:   a.VehicleID,
		GeneratedAt: now,
		Entries:     make([]models.ReplacementPreviewEntry, 0, len(affected)),
	}
	var claims []allocation.Claim
	for _, c := range affected {
		entry, err := o.entry(ctx, a.VehicleID, c, claims)
		if err != nil {
			return models.ReplacementPlan{}, err
		}
		if entry.WillBeReplaced {
			claims = append(claims, allocation.Claim{VehicleID: *entry.ProposedVehicleID, Start: c.StartTime, End: c.EndTime})
			plan.CanBeReplaced++
		} else {
			plan.CannotBeReplaced++
		}
		plan.Entries = append(plan.Entries, entry)
	}
	plan.TotalContracts = len(plan.Entries)
	return plan, nil
}

func (o *Orchestrator) entry(ctx context.Context, disabled uuid.UUID, c models.RentalContract, claims []allocation.Claim) (models.ReplacementPreviewEntry, error) {
	e := models.ReplacementPreviewEntry{
		ContractID:       c.ContractID,
		RenterID:         c.RenterID,
		StartTime:        c.StartTime,
		EndTime:          c.EndTime,
		CurrentVehicleID: disabled,
		Type:             models.ReplacementNone,
	}
	for _, p := range o.passes() {
		q := allocation.Query{
			Start:            c.StartTime,
			End:              c.EndTime,
			ExcludeVehicleID: &disabled,
			IgnoreContractID: &c.ContractID,
			Claims:           claims,
		}
		if p.sameModel {
			q.ModelID = &c.ModelID
		}
		if p.sameStation {
			q.StationID = &c.StationID
		}
		v, err := o.alloc.FindFirstAvailable(ctx, q)
		if err != nil {
			return e, err
		}
		if v == nil {
			continue
		}
		e.ProposedVehicleID = &v.VehicleID
		e.ProposedModelID = &v.ModelID
		e.ProposedStationID = v.StationID
		e.WillBeReplaced = true
		e.Type = models.ReplacementSameModel
		if v.ModelID != c.ModelID {
			e.Type = models.ReplacementDifferentModel
			m, err := o.store.GetVehicleModel(ctx, v.ModelID)
			if err != nil {
				return e, fmt.Errorf("replacement model %s: %w", v.ModelID, err)
			}
			e.PriceDeltaCents = models.RentalCost(c.StartTime, c.EndTime, m.PricePerHourCents) - c.TotalCostCents
		}
		return e, nil
	}
	e.Reason = "no vehicle available for the rental window"
	return e, nil
}

// Execute re-derives the plan and applies it contract by contract. Each
// contract ends replaced, refunded, skipped (changed since the plan) or
// failed (lock timeout or store error, needs manual follow-up).
func (o *Orchestrator) Execute(ctx context.Context, accidentID uuid.UUID) (models.ReplacementReport, error) {
	plan, err := o.plan(ctx, accidentID)
	if err != nil {
		return models.ReplacementReport{}, err
	}

	report := models.ReplacementReport{
		AccidentID: plan.AccidentID,
		VehicleID:  plan.VehicleID,
		Results:    make([]models.ReplacementResult, 0, len(plan.Entries)),
	}
	for _, e := range plan.Entries {
		res := o.apply(ctx, plan.VehicleID, e)
		metricsx.IncReplacement(res.Result)
		if res.Result == models.ReplacementResultReplaced || res.Result == models.ReplacementResultRefunded {
			report.SuccessCount++
		}
		if res.NeedsFollowUp() {
			o.logger.Error(ctx, "replacement_failed", "contract needs manual follow-up",
				slog.String("accident_id", accidentID.String()),
				slog.String("contract_id", e.ContractID.String()),
				slog.String("error", res.Message),
			)
		}
		report.Results = append(report.Results, res)
	}
	report.Success = report.SuccessCount >= 1

	if o.plans != nil {
		if err := o.plans.Delete(ctx, accidentID); err != nil {
			o.logger.Warn(ctx, "plan_cache_failed", "stale replacement plan not evicted", logx.Err("INTERNAL_ERROR", err)...)
		}
	}
	o.logger.Info(ctx, "replacement_executed", "replacement executed",
		slog.String("accident_id", accidentID.String()),
		slog.Int("contracts", len(report.Results)),
		slog.Int("succeeded", report.SuccessCount),
	)
	o.pub.Publish(ctx, events.New(events.AggregateAccident, accidentID, events.TypeReplacementExecuted, report))
	return report, nil
}

func (o *Orchestrator) apply(ctx context.Context, disabled uuid.UUID, e models.ReplacementPreviewEntry) models.ReplacementResult {
	res := models.ReplacementResult{ContractID: e.ContractID, Type: e.Type, PriceDeltaCents: e.PriceDeltaCents}
	w := lockx.Wait{TTL: o.opts.LockTTL, Timeout: o.opts.LockWait, Retry: o.opts.LockRetry}
	acquired, err := lockx.WithLock(ctx, o.locker, lockx.ContractKey(e.ContractID), w, func(ctx context.Context) error {
		c, err := o.store.GetContract(ctx, e.ContractID)
		if err != nil {
			return err
		}
		if c.Status != workflow.ContractConfirmed || !c.HasVehicle(disabled) {
			res.Result = models.ReplacementResultSkipped
			res.Message = "contract changed since the plan was computed"
			return nil
		}
		if e.WillBeReplaced {
			out, err := o.contracts.Reassign(ctx, e.ContractID, *e.ProposedVehicleID)
			if err != nil {
				return err
			}
			switch out.Outcome {
			case models.OutcomeOK:
				res.Result = models.ReplacementResultReplaced
				res.NewVehicleID = e.ProposedVehicleID
				return nil
			case models.OutcomeBusy:
				res.Result = models.ReplacementResultFailed
				res.Message = "replacement vehicle lock not acquired in time"
				return nil
			}
			// The proposed vehicle was taken after planning; fall through to refund.
			res.Type = models.ReplacementNone
			res.PriceDeltaCents = 0
		}
		refunded, err := o.contracts.Refund(ctx, e.ContractID, "vehicle unavailable after accident")
		if err != nil {
			return err
		}
		res.Result = models.ReplacementResultRefunded
		res.RefundCents = refunded.RefundCents
		return nil
	})
	switch {
	case err != nil && (errors.Is(err, workflow.ErrInvalidTransition) || errors.Is(err, contracts.ErrNotModifiable)):
		res.Result = models.ReplacementResultSkipped
		res.Message = err.Error()
	case err != nil:
		res.Result = models.ReplacementResultFailed
		res.Message = err.Error()
	case !acquired:
		res.Result = models.ReplacementResultFailed
		res.Message = "contract lock not acquired in time"
	}
	return res
}
