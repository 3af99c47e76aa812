package contracts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fleet-rental-system/api/internal/allocation"
	"fleet-rental-system/api/internal/models"
	"fleet-rental-system/shared/events"
	"fleet-rental-system/shared/lockx"
	"fleet-rental-system/shared/logx"
	"fleet-rental-system/shared/metricsx"
	"fleet-rental-system/shared/workflow"
)

var (
	ErrDeleteNotAllowed = errors.New("only unconfirmed contracts can be deleted")
	ErrNoVehicle        = errors.New("contract has no vehicle assigned")
	ErrNotModifiable    = errors.New("contract can no longer be modified")
)

type Store interface {
	allocation.Store
	GetVehicle(ctx context.Context, id uuid.UUID) (models.Vehicle, error)
	GetVehicleModel(ctx context.Context, id uuid.UUID) (models.VehicleModel, error)
	ListVehicleModels(ctx context.Context) ([]models.VehicleModel, error)
	UpdateVehicleStatus(ctx context.Context, id uuid.UUID, status string) error
	GetContract(ctx context.Context, id uuid.UUID) (models.RentalContract, error)
	GetContractByOrderCode(ctx context.Context, orderCode string) (models.RentalContract, error)
	ListStaleContracts(ctx context.Context, status string, createdBefore time.Time, limit int) ([]models.RentalContract, error)
	CreateContract(ctx context.Context, c models.RentalContract, ev models.ContractEvent) (models.RentalContract, bool, error)
	SaveContract(ctx context.Context, c models.RentalContract, ev *models.ContractEvent) (models.RentalContract, error)
	DeleteContract(ctx context.Context, id uuid.UUID, version int64) error
	InsertCharge(ctx context.Context, ch models.Charge) error
	ListCharges(ctx context.Context, contractID uuid.UUID) ([]models.Charge, error)
	ListContractEvents(ctx context.Context, contractID uuid.UUID) ([]models.ContractEvent, error)
	ListContractsByRenter(ctx context.Context, renterID uuid.UUID, limit int, offset int) ([]models.RentalContract, error)
}

type Options struct {
	LockTTL       time.Duration
	LockWait      time.Duration
	LockRetry     time.Duration
	BookingBucket time.Duration
	Now           func() time.Time
}

type Service struct {
	store  Store
	alloc  *allocation.Allocator
	locker lockx.Locker
	pub    events.Publisher
	logger logx.Logger
	opts   Options
}

func NewService(store Store, locker lockx.Locker, pub events.Publisher, logger logx.Logger, opts Options) *Service {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if pub == nil {
		pub = events.Discard{}
	}
	return &Service{
		store:  store,
		alloc:  allocation.New(store),
		locker: locker,
		pub:    pub,
		logger: logger.With(slog.String("component", "contracts")),
		opts:   opts,
	}
}

func (s *Service) Allocator() *allocation.Allocator { return s.alloc }

func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.RentalContract, error) {
	return s.store.GetContract(ctx, id)
}

func (s *Service) GetByOrderCode(ctx context.Context, orderCode string) (models.RentalContract, error) {
	return s.store.GetContractByOrderCode(ctx, orderCode)
}

func (s *Service) ListByRenter(ctx context.Context, renterID uuid.UUID, limit int, offset int) ([]models.RentalContract, error) {
	return s.store.ListContractsByRenter(ctx, renterID, limit, offset)
}

// History is the contract's state-change log, oldest first.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]models.ContractEvent, error) {
	return s.store.ListContractEvents(ctx, id)
}

func (s *Service) Charges(ctx context.Context, id uuid.UUID) ([]models.Charge, error) {
	return s.store.ListCharges(ctx, id)
}

func (s *Service) Models(ctx context.Context) ([]models.VehicleModel, error) {
	return s.store.ListVehicleModels(ctx)
}

func (s *Service) Vehicles(ctx context.Context, filter models.VehicleFilter) ([]models.Vehicle, error) {
	return s.store.ListVehicles(ctx, filter)
}

type BookRequest struct {
	RenterID  uuid.UUID
	ModelID   uuid.UUID
	StationID uuid.UUID
	Start     time.Time
	End       time.Time
}

func (r BookRequest) validate() error {
	if r.RenterID == uuid.Nil || r.ModelID == uuid.Nil || r.StationID == uuid.Nil {
		return fmt.Errorf("%w: renter, model and station are required", models.ErrValidation)
	}
	if !r.Start.Before(r.End) {
		return fmt.Errorf("%w: start must be before end", models.ErrValidation)
	}
	return nil
}

type Result struct {
	Outcome  models.Outcome
	Contract models.RentalContract
}

// Book places an unconfirmed hold on the first free vehicle. The hold does
// not block other bookings; Confirm settles which one gets the vehicle.
func (s *Service) Book(ctx context.Context, req BookRequest) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	price, err := s.price(ctx, req.ModelID)
	if err != nil {
		return Result{}, err
	}

	var res Result
	outcome, err := s.underLock(ctx, lockx.BookingKey(req.ModelID, req.StationID, req.Start, s.opts.BookingBucket), func(ctx context.Context) (models.Outcome, error) {
		v, err := s.alloc.FindFirstAvailable(ctx, allocation.Query{
			ModelID: &req.ModelID, StationID: &req.StationID, Start: req.Start, End: req.End,
		})
		if err != nil || v == nil {
			return models.OutcomeNoVehicle, err
		}
		return s.onVehicle(ctx, v.VehicleID, req.Start, req.End, nil, func(ctx context.Context) error {
			c := models.RentalContract{
				RenterID:        req.RenterID,
				VehicleID:       &v.VehicleID,
				StationID:       req.StationID,
				ModelID:         req.ModelID,
				StartTime:       req.Start,
				EndTime:         req.End,
				TotalCostCents:  models.RentalCost(req.Start, req.End, price),
				HourlyRateCents: price,
				Status:          workflow.ContractToBeConfirmed,
			}
			created, _, err := s.store.CreateContract(ctx, c, history(workflow.ContractEventCreated, "", workflow.ContractToBeConfirmed, &req.RenterID, nil))
			if err != nil {
				return err
			}
			res.Contract = created
			return nil
		})
	})
	res.Outcome = outcome
	s.observe(ctx, "book", outcome, err)
	if err == nil && outcome.OK() {
		s.publishStatus(ctx, res.Contract, "")
	}
	return res, err
}

// CreateFromIntent turns a paid booking intent into a Confirmed contract on
// the intent's vehicle. A second call with the same order code returns the
// first contract with created=false. OutcomeNoVehicle means the intent went
// stale.
func (s *Service) CreateFromIntent(ctx context.Context, intent models.BookingIntent) (Result, bool, error) {
	if intent.OrderCode == "" {
		return Result{}, false, fmt.Errorf("%w: order code is required", models.ErrValidation)
	}
	if existing, err := s.store.GetContractByOrderCode(ctx, intent.OrderCode); err == nil {
		return Result{Outcome: models.OutcomeOK, Contract: existing}, false, nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return Result{}, false, err
	}

	price, err := s.price(ctx, intent.ModelID)
	if err != nil {
		return Result{}, false, err
	}

	var res Result
	var created bool
	key := lockx.BookingKey(intent.ModelID, intent.StationID, intent.Start, s.opts.BookingBucket)
	outcome, err := s.underLock(ctx, key, func(ctx context.Context) (models.Outcome, error) {
		return s.onVehicle(ctx, intent.VehicleID, intent.Start, intent.End, nil, func(ctx context.Context) error {
			code := intent.OrderCode
			c := models.RentalContract{
				RenterID:        intent.RenterID,
				VehicleID:       &intent.VehicleID,
				StationID:       intent.StationID,
				ModelID:         intent.ModelID,
				StartTime:       intent.Start,
				EndTime:         intent.End,
				TotalCostCents:  intent.PriceCents,
				HourlyRateCents: price,
				PaidCents:       intent.PriceCents,
				Status:          workflow.ContractConfirmed,
				OrderCode:       &code,
			}
			payload := map[string]any{"order_code": code, "intent_token": intent.Token}
			out, ok, err := s.store.CreateContract(ctx, c, history(workflow.ContractEventCreated, "", workflow.ContractConfirmed, &intent.RenterID, payload))
			if err != nil {
				return err
			}
			res.Contract, created = out, ok
			return nil
		})
	})
	res.Outcome = outcome
	s.observe(ctx, "create_from_intent", outcome, err)
	if err == nil && created {
		s.publishStatus(ctx, res.Contract, "")
	}
	return res, created, err
}

// Confirm records payment for a held contract. The held vehicle is
// re-validated; if another contract took it, the next free vehicle of the
// same model and station is used instead.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID, paidCents int64) (Result, error) {
	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if c.Status == workflow.ContractConfirmed {
		return Result{Outcome: models.OutcomeOK, Contract: c}, nil
	}
	if _, err := workflow.Contracts.Check(c.Status, workflow.ContractConfirmed); err != nil {
		return Result{}, err
	}

	var res Result
	key := lockx.BookingKey(c.ModelID, c.StationID, c.StartTime, s.opts.BookingBucket)
	outcome, err := s.underLock(ctx, key, func(ctx context.Context) (models.Outcome, error) {
		commit := func(vehicleID uuid.UUID) func(ctx context.Context) error {
			return func(ctx context.Context) error {
				from := c.Status
				c.VehicleID = &vehicleID
				c.Status = workflow.ContractConfirmed
				c.PaidCents = paidCents
				saved, err := s.store.SaveContract(ctx, c, ptr(history(workflow.ContractEventConfirmed, from, c.Status, nil, map[string]any{"paid_cents": paidCents})))
				if err != nil {
					return err
				}
				res.Contract = saved
				return nil
			}
		}
		if c.VehicleID != nil {
			outcome, err := s.onVehicle(ctx, *c.VehicleID, c.StartTime, c.EndTime, &c.ContractID, commit(*c.VehicleID))
			if err != nil || outcome != models.OutcomeNoVehicle {
				return outcome, err
			}
		}
		v, err := s.alloc.FindFirstAvailable(ctx, allocation.Query{
			ModelID: &c.ModelID, StationID: &c.StationID, Start: c.StartTime, End: c.EndTime,
			ExcludeVehicleID: c.VehicleID, IgnoreContractID: &c.ContractID,
		})
		if err != nil || v == nil {
			return models.OutcomeNoVehicle, err
		}
		return s.onVehicle(ctx, v.VehicleID, c.StartTime, c.EndTime, &c.ContractID, commit(v.VehicleID))
	})
	res.Outcome = outcome
	s.observe(ctx, "confirm", outcome, err)
	if err == nil && outcome.OK() {
		s.publishStatus(ctx, res.Contract, workflow.ContractToBeConfirmed)
	}
	return res, err
}

func (s *Service) CheckIn(ctx context.Context, id uuid.UUID, staffID uuid.UUID, at time.Time) (models.RentalContract, error) {
	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return models.RentalContract{}, err
	}
	ev, err := workflow.Contracts.Check(c.Status, workflow.ContractActive)
	if err != nil {
		return models.RentalContract{}, err
	}
	if c.VehicleID == nil {
		return models.RentalContract{}, ErrNoVehicle
	}
	if at.IsZero() {
		at = s.opts.Now()
	}
	from := c.Status
	c.Status = workflow.ContractActive
	c.ActualStart = &at
	c.StaffID = &staffID
	saved, err := s.store.SaveContract(ctx, c, ptr(history(ev, from, c.Status, &staffID, nil)))
	if err != nil {
		return models.RentalContract{}, err
	}
	if err := s.store.UpdateVehicleStatus(ctx, *c.VehicleID, models.VehicleRenting); err != nil {
		return saved, fmt.Errorf("mark vehicle renting: %w", err)
	}
	s.publishStatus(ctx, saved, from)
	return saved, nil
}

type CheckOutResult struct {
	Contract models.RentalContract
	Charge   *models.Charge
}

// CheckOut completes an active contract. The final cost is the actual
// elapsed time at the rate locked in at booking, so a replacement vehicle of
// another model does not change what the renter pays per hour. Anything above
// the paid amount becomes a charge.
func (s *Service) CheckOut(ctx context.Context, id uuid.UUID, staffID uuid.UUID, at time.Time) (CheckOutResult, error) {
	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return CheckOutResult{}, err
	}
	ev, err := workflow.Contracts.Check(c.Status, workflow.ContractCompleted)
	if err != nil {
		return CheckOutResult{}, err
	}
	price := c.HourlyRateCents
	if price <= 0 {
		if price, err = s.price(ctx, c.ModelID); err != nil {
			return CheckOutResult{}, err
		}
	}
	if at.IsZero() {
		at = s.opts.Now()
	}
	started := c.StartTime
	if c.ActualStart != nil {
		started = *c.ActualStart
	}

	from := c.Status
	c.Status = workflow.ContractCompleted
	c.ActualEnd = &at
	c.TotalCostCents = models.RentalCost(started, at, price)
	saved, err := s.store.SaveContract(ctx, c, ptr(history(ev, from, c.Status, &staffID, map[string]any{"total_cost_cents": c.TotalCostCents})))
	if err != nil {
		return CheckOutResult{}, err
	}
	out := CheckOutResult{Contract: saved}
	if diff := saved.TotalCostCents - saved.PaidCents; diff > 0 {
		ch := models.Charge{ChargeID: uuid.New(), ContractID: saved.ContractID, AmountCents: diff, Reason: "checkout overtime", CreatedAt: at}
		if err := s.store.InsertCharge(ctx, ch); err != nil {
			return out, fmt.Errorf("insert charge: %w", err)
		}
		out.Charge = &ch
	}
	if c.VehicleID != nil {
		if err := s.store.UpdateVehicleStatus(ctx, *c.VehicleID, models.VehicleToBeCheckup); err != nil {
			return out, fmt.Errorf("mark vehicle for checkup: %w", err)
		}
	}
	s.publishStatus(ctx, saved, from)
	return out, nil
}

// Cancel is the renter or staff cancellation; the full paid amount is refunded.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (models.RentalContract, error) {
	return s.cancel(ctx, id, reason, "cancellation")
}

// Refund cancels a contract that could not be served, e.g. after an accident.
func (s *Service) Refund(ctx context.Context, id uuid.UUID, reason string) (models.RentalContract, error) {
	return s.cancel(ctx, id, reason, "refund")
}

func (s *Service) cancel(ctx context.Context, id uuid.UUID, reason string, kind string) (models.RentalContract, error) {
	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return models.RentalContract{}, err
	}
	ev, err := workflow.Contracts.Check(c.Status, workflow.ContractCancelled)
	if err != nil {
		return models.RentalContract{}, err
	}
	from := c.Status
	c.Status = workflow.ContractCancelled
	c.RefundCents = c.PaidCents
	c.CancelReason = reason
	saved, err := s.store.SaveContract(ctx, c, ptr(history(ev, from, c.Status, nil, map[string]any{
		"kind": kind, "reason": reason, "refund_cents": c.RefundCents,
	})))
	if err != nil {
		return models.RentalContract{}, err
	}
	s.publishStatus(ctx, saved, from)
	return saved, nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return err
	}
	if !workflow.CanDeleteContract(c.Status) {
		return fmt.Errorf("%w: status %s", ErrDeleteNotAllowed, c.Status)
	}
	return s.store.DeleteContract(ctx, id, c.Version)
}

// ExpireUnconfirmed cancels holds that were never paid.
func (s *Service) ExpireUnconfirmed(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	stale, err := s.store.ListStaleContracts(ctx, workflow.ContractToBeConfirmed, s.opts.Now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, c := range stale {
		if _, err := s.cancel(ctx, c.ContractID, "payment not received", "expiry"); err != nil {
			if errors.Is(err, models.ErrConflict) || errors.Is(err, workflow.ErrInvalidTransition) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (s *Service) price(ctx context.Context, modelID uuid.UUID) (int64, error) {
	m, err := s.store.GetVehicleModel(ctx, modelID)
	if err != nil {
		return 0, fmt.Errorf("vehicle model %s: %w", modelID, err)
	}
	if m.PricePerHourCents <= 0 {
		return 0, models.ErrNoPrice
	}
	return m.PricePerHourCents, nil
}

func (s *Service) wait() lockx.Wait {
	return lockx.Wait{TTL: s.opts.LockTTL, Timeout: s.opts.LockWait, Retry: s.opts.LockRetry}
}

// underLock runs fn holding key and maps a wait timeout to OutcomeBusy.
func (s *Service) underLock(ctx context.Context, key string, fn func(ctx context.Context) (models.Outcome, error)) (models.Outcome, error) {
	outcome := models.OutcomeBusy
	acquired, err := lockx.WithLock(ctx, s.locker, key, s.wait(), func(ctx context.Context) error {
		var err error
		outcome, err = fn(ctx)
		return err
	})
	if err != nil {
		return outcome, err
	}
	if !acquired {
		s.logger.Warn(ctx, "lock_busy", "lock not acquired within wait", slog.String("key", key))
		return models.OutcomeBusy, nil
	}
	return outcome, nil
}

// onVehicle commits fn while holding the vehicle's own lock, after checking
// again that the vehicle is usable and free for [start, end).
func (s *Service) onVehicle(ctx context.Context, vehicleID uuid.UUID, start time.Time, end time.Time, ignore *uuid.UUID, fn func(ctx context.Context) error) (models.Outcome, error) {
	return s.underLock(ctx, lockx.VehicleKey(vehicleID), func(ctx context.Context) (models.Outcome, error) {
		v, err := s.store.GetVehicle(ctx, vehicleID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return models.OutcomeNoVehicle, nil
			}
			return models.OutcomeNoVehicle, err
		}
		if !v.Allocatable() {
			return models.OutcomeNoVehicle, nil
		}
		free, err := s.alloc.IsAvailable(ctx, vehicleID, start, end, ignore)
		if err != nil || !free {
			return models.OutcomeNoVehicle, err
		}
		if err := fn(ctx); err != nil {
			return models.OutcomeNoVehicle, err
		}
		return models.OutcomeOK, nil
	})
}

func (s *Service) observe(ctx context.Context, op string, outcome models.Outcome, err error) {
	if err != nil {
		metricsx.IncAllocation(op, "error")
		s.logger.Error(ctx, "allocation_failed", "allocation failed",
			append(logx.Err("INTERNAL_ERROR", err), slog.String("op", op))...)
		return
	}
	metricsx.IncAllocation(op, string(outcome))
}

func (s *Service) publishStatus(ctx context.Context, c models.RentalContract, from string) {
	s.pub.Publish(ctx, events.New(events.AggregateContract, c.ContractID, events.TypeContractStatusChanged, statusPayload{
		ContractID: c.ContractID,
		RenterID:   c.RenterID,
		VehicleID:  c.VehicleID,
		From:       from,
		To:         c.Status,
		OrderCode:  c.OrderCode,
		TotalCents: c.TotalCostCents,
	}))
}

type statusPayload struct {
	ContractID uuid.UUID  `json:"contract_id"`
	RenterID   uuid.UUID  `json:"renter_id"`
	VehicleID  *uuid.UUID `json:"vehicle_id,omitempty"`
	From       string     `json:"from,omitempty"`
	To         string     `json:"to"`
	OrderCode  *string    `json:"order_code,omitempty"`
	TotalCents int64      `json:"total_cost_cents"`
}

func history(eventType string, from string, to string, actor *uuid.UUID, payload map[string]any) models.ContractEvent {
	ev := models.ContractEvent{EventID: uuid.New(), EventType: eventType, ActorUserID: actor}
	if from != "" {
		ev.FromStatus = &from
	}
	if to != "" {
		ev.ToStatus = &to
	}
	if payload != nil {
		ev.Payload, _ = json.Marshal(payload)
	}
	return ev
}

func ptr[T any](v T) *T { return &v }
