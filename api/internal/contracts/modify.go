package contracts

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fleet-rental-system/api/internal/allocation"
	"fleet-rental-system/api/internal/models"
	"fleet-rental-system/shared/events"
	"fleet-rental-system/shared/lockx"
	"fleet-rental-system/shared/workflow"
)

type ModifyResult struct {
	Outcome  models.Outcome
	Contract models.RentalContract
	// Charge is set when the new cost exceeds what was already paid.
	Charge *models.Charge
	// AbsorbedCents is the part of a price drop that is not refunded.
	AbsorbedCents int64
}

type change struct {
	kind      string
	modelID   uuid.UUID
	start     time.Time
	end       time.Time
	vehicleID *uuid.UUID
	exclude   *uuid.UUID
}

// ChangeTime moves or extends the rental window. An active contract may only
// move its end.
func (s *Service) ChangeTime(ctx context.Context, id uuid.UUID, start time.Time, end time.Time) (ModifyResult, error) {
	c, err := s.modifiable(ctx, id, workflow.ContractActive)
	if err != nil {
		return ModifyResult{}, err
	}
	if !start.Before(end) {
		return ModifyResult{}, fmt.Errorf("%w: start must be before end", models.ErrValidation)
	}
	if c.Status == workflow.ContractActive && !start.Equal(c.StartTime) {
		return ModifyResult{}, fmt.Errorf("%w: an active rental can only change its end time", ErrNotModifiable)
	}
	ch := change{kind: "time", modelID: c.ModelID, start: start, end: end}
	if c.Status == workflow.ContractActive {
		// The renter already has the car; only that vehicle can carry the extension.
		if c.VehicleID == nil {
			return ModifyResult{}, ErrNoVehicle
		}
		ch.vehicleID = c.VehicleID
	}
	return s.modify(ctx, c, ch)
}

// ChangeModel switches to another model at the same station.
func (s *Service) ChangeModel(ctx context.Context, id uuid.UUID, modelID uuid.UUID) (ModifyResult, error) {
	c, err := s.modifiable(ctx, id)
	if err != nil {
		return ModifyResult{}, err
	}
	return s.modify(ctx, c, change{kind: "model", modelID: modelID, start: c.StartTime, end: c.EndTime})
}

// ChangeVehicle moves the contract to vehicleID, or to any other free vehicle
// of the same model when vehicleID is nil.
func (s *Service) ChangeVehicle(ctx context.Context, id uuid.UUID, vehicleID *uuid.UUID) (ModifyResult, error) {
	c, err := s.modifiable(ctx, id)
	if err != nil {
		return ModifyResult{}, err
	}
	ch := change{kind: "vehicle", modelID: c.ModelID, start: c.StartTime, end: c.EndTime, exclude: c.VehicleID}
	if vehicleID != nil {
		v, err := s.store.GetVehicle(ctx, *vehicleID)
		if err != nil {
			return ModifyResult{}, err
		}
		if v.StationID == nil || *v.StationID != c.StationID {
			return ModifyResult{}, fmt.Errorf("%w: vehicle is not at the contract's station", models.ErrValidation)
		}
		ch.modelID = v.ModelID
		ch.vehicleID = vehicleID
		ch.exclude = nil
	}
	return s.modify(ctx, c, ch)
}

func (s *Service) modifiable(ctx context.Context, id uuid.UUID, extra ...string) (models.RentalContract, error) {
	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return models.RentalContract{}, err
	}
	switch c.Status {
	case workflow.ContractToBeConfirmed, workflow.ContractConfirmed:
		return c, nil
	}
	for _, st := range extra {
		if c.Status == st {
			return c, nil
		}
	}
	return models.RentalContract{}, fmt.Errorf("%w: status %s", ErrNotModifiable, c.Status)
}

// modify allocates for the new shape first and only then rewrites the
// contract, so a failed allocation leaves it untouched.
func (s *Service) modify(ctx context.Context, c models.RentalContract, ch change) (ModifyResult, error) {
	price, err := s.price(ctx, ch.modelID)
	if err != nil {
		return ModifyResult{}, err
	}

	var res ModifyResult
	key := lockx.BookingKey(ch.modelID, c.StationID, ch.start, s.opts.BookingBucket)
	outcome, err := s.underLock(ctx, key, func(ctx context.Context) (models.Outcome, error) {
		commit := func(vehicleID uuid.UUID) func(ctx context.Context) error {
			return func(ctx context.Context) error {
				out, err := s.applyChange(ctx, c, ch, vehicleID, price)
				res = out
				return err
			}
		}
		for _, id := range s.preferred(c, ch) {
			outcome, err := s.onVehicle(ctx, id, ch.start, ch.end, &c.ContractID, commit(id))
			if err != nil || outcome != models.OutcomeNoVehicle {
				return outcome, err
			}
		}
		if ch.vehicleID != nil {
			return models.OutcomeNoVehicle, nil
		}
		v, err := s.alloc.FindFirstAvailable(ctx, allocation.Query{
			ModelID: &ch.modelID, StationID: &c.StationID, Start: ch.start, End: ch.end,
			ExcludeVehicleID: ch.exclude, IgnoreContractID: &c.ContractID,
		})
		if err != nil || v == nil {
			return models.OutcomeNoVehicle, err
		}
		return s.onVehicle(ctx, v.VehicleID, ch.start, ch.end, &c.ContractID, commit(v.VehicleID))
	})
	res.Outcome = outcome
	s.observe(ctx, "modify_"+ch.kind, outcome, err)
	if err == nil && outcome.OK() {
		s.pub.Publish(ctx, events.New(events.AggregateContract, c.ContractID, events.TypeContractModified, map[string]any{
			"contract_id":      c.ContractID,
			"change":           ch.kind,
			"vehicle_id":       res.Contract.VehicleID,
			"start_time":       res.Contract.StartTime,
			"end_time":         res.Contract.EndTime,
			"total_cost_cents": res.Contract.TotalCostCents,
		}))
	}
	return res, err
}

// preferred lists vehicles to try before a fresh search: the requested one,
// or the current one when it still fits the new model.
func (s *Service) preferred(c models.RentalContract, ch change) []uuid.UUID {
	if ch.vehicleID != nil {
		return []uuid.UUID{*ch.vehicleID}
	}
	if c.VehicleID != nil && ch.exclude == nil && ch.modelID == c.ModelID {
		return []uuid.UUID{*c.VehicleID}
	}
	return nil
}

func (s *Service) applyChange(ctx context.Context, c models.RentalContract, ch change, vehicleID uuid.UUID, price int64) (ModifyResult, error) {
	prevVehicle := c.VehicleID
	c.VehicleID = &vehicleID
	c.ModelID = ch.modelID
	c.StartTime = ch.start
	c.EndTime = ch.end
	c.HourlyRateCents = price
	c.TotalCostCents = models.RentalCost(ch.start, ch.end, price)

	payload := map[string]any{"change": ch.kind, "total_cost_cents": c.TotalCostCents}
	if prevVehicle != nil && *prevVehicle != vehicleID {
		payload["from_vehicle_id"] = prevVehicle.String()
		payload["to_vehicle_id"] = vehicleID.String()
	}
	saved, err := s.store.SaveContract(ctx, c, ptr(history(workflow.ContractEventModified, "", "", nil, payload)))
	if err != nil {
		return ModifyResult{}, err
	}
	out := ModifyResult{Contract: saved}
	if saved.Status == workflow.ContractToBeConfirmed {
		return out, nil
	}
	diff := saved.TotalCostCents - saved.PaidCents
	if diff <= 0 {
		out.AbsorbedCents = -diff
		return out, nil
	}
	charge := models.Charge{
		ChargeID:    uuid.New(),
		ContractID:  saved.ContractID,
		AmountCents: diff,
		Reason:      ch.kind + " change",
		CreatedAt:   s.opts.Now(),
	}
	if err := s.store.InsertCharge(ctx, charge); err != nil {
		return out, fmt.Errorf("insert charge: %w", err)
	}
	out.Charge = &charge
	return out, nil
}

// Reassign moves a confirmed contract onto vehicleID without repricing; the
// renter keeps the price they paid. Only the target vehicle's lock is taken.
func (s *Service) Reassign(ctx context.Context, id uuid.UUID, vehicleID uuid.UUID) (Result, error) {
	c, err := s.store.GetContract(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if c.Status != workflow.ContractConfirmed {
		return Result{}, fmt.Errorf("%w: status %s", ErrNotModifiable, c.Status)
	}
	if c.HasVehicle(vehicleID) {
		return Result{Outcome: models.OutcomeOK, Contract: c}, nil
	}

	var res Result
	outcome, err := s.onVehicle(ctx, vehicleID, c.StartTime, c.EndTime, &c.ContractID, func(ctx context.Context) error {
		v, err := s.store.GetVehicle(ctx, vehicleID)
		if err != nil {
			return err
		}
		payload := map[string]any{"change": "replacement", "to_vehicle_id": vehicleID.String()}
		if c.VehicleID != nil {
			payload["from_vehicle_id"] = c.VehicleID.String()
		}
		c.VehicleID = &vehicleID
		c.ModelID = v.ModelID
		if v.StationID != nil {
			c.StationID = *v.StationID
		}
		saved, err := s.store.SaveContract(ctx, c, ptr(history(workflow.ContractEventModified, "", "", nil, payload)))
		if err != nil {
			return err
		}
		res.Contract = saved
		return nil
	})
	res.Outcome = outcome
	s.observe(ctx, "reassign", outcome, err)
	if err == nil && outcome.OK() {
		s.pub.Publish(ctx, events.New(events.AggregateContract, c.ContractID, events.TypeContractModified, map[string]any{
			"contract_id": c.ContractID,
			"change":      "replacement",
			"vehicle_id":  vehicleID,
		}))
	}
	return res, err
}
