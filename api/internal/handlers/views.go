package handlers

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"fleet-rental-system/api/internal/contracts"
	"fleet-rental-system/api/internal/models"
	"fleet-rental-system/shared/workflow"
)

type intentView struct {
	Token      string    `json:"token"`
	OrderCode  string    `json:"order_code"`
	RenterID   uuid.UUID `json:"renter_id"`
	ModelID    uuid.UUID `json:"model_id"`
	StationID  uuid.UUID `json:"station_id"`
	VehicleID  uuid.UUID `json:"vehicle_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	PriceCents int64     `json:"price_cents"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func toIntentView(i models.BookingIntent) intentView {
	return intentView{
		Token:      i.Token,
		OrderCode:  i.OrderCode,
		RenterID:   i.RenterID,
		ModelID:    i.ModelID,
		StationID:  i.StationID,
		VehicleID:  i.VehicleID,
		Start:      i.Start,
		End:        i.End,
		PriceCents: i.PriceCents,
		ExpiresAt:  i.ExpiresAt,
	}
}

type contractView struct {
	ContractID     uuid.UUID  `json:"contract_id"`
	RenterID       uuid.UUID  `json:"renter_id"`
	StaffID        *uuid.UUID `json:"staff_id,omitempty"`
	VehicleID      *uuid.UUID `json:"vehicle_id,omitempty"`
	StationID      uuid.UUID  `json:"station_id"`
	ModelID        uuid.UUID  `json:"model_id"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        time.Time  `json:"end_time"`
	ActualStart    *time.Time `json:"actual_start,omitempty"`
	ActualEnd      *time.Time `json:"actual_end,omitempty"`
	TotalCostCents int64      `json:"total_cost_cents"`
	HourlyRate     int64      `json:"hourly_rate_cents"`
	PaidCents      int64      `json:"paid_cents"`
	RefundCents    int64      `json:"refund_cents"`
	Status         string     `json:"status"`
	OrderCode      *string    `json:"order_code,omitempty"`
	CancelReason   string     `json:"cancel_reason,omitempty"`
	Version        int64      `json:"version"`
	// Hold marks an unpaid contract. It reserves nothing: a competing booking
	// that is confirmed first takes the vehicle.
	Hold           bool       `json:"hold"`
	HoldExpiresAt  *time.Time `json:"hold_expires_at,omitempty"`
}

func toContractView(c models.RentalContract) contractView {
	return contractView{
		ContractID:     c.ContractID,
		RenterID:       c.RenterID,
		StaffID:        c.StaffID,
		VehicleID:      c.VehicleID,
		StationID:      c.StationID,
		ModelID:        c.ModelID,
		StartTime:      c.StartTime,
		EndTime:        c.EndTime,
		ActualStart:    c.ActualStart,
		ActualEnd:      c.ActualEnd,
		TotalCostCents: c.TotalCostCents,
		HourlyRate:     c.HourlyRateCents,
		PaidCents:      c.PaidCents,
		RefundCents:    c.RefundCents,
		Status:         c.Status,
		OrderCode:      c.OrderCode,
		CancelReason:   c.CancelReason,
		Version:        c.Version,
		Hold:           c.Status == workflow.ContractToBeConfirmed,
	}
}

type chargeView struct {
	ChargeID    uuid.UUID `json:"charge_id"`
	AmountCents int64     `json:"amount_cents"`
	Reason      string    `json:"reason"`
}

func toChargeView(ch *models.Charge) *chargeView {
	if ch == nil {
		return nil
	}
	return &chargeView{ChargeID: ch.ChargeID, AmountCents: ch.AmountCents, Reason: ch.Reason}
}

type modifyView struct {
	Contract      contractView `json:"contract"`
	Charge        *chargeView  `json:"charge,omitempty"`
	AbsorbedCents int64        `json:"absorbed_cents"`
}

func toModifyView(res contracts.ModifyResult) modifyView {
	return modifyView{
		Contract:      toContractView(res.Contract),
		Charge:        toChargeView(res.Charge),
		AbsorbedCents: res.AbsorbedCents,
	}
}

type accidentView struct {
	AccidentID  uuid.UUID  `json:"accident_id"`
	VehicleID   uuid.UUID  `json:"vehicle_id"`
	ContractID  *uuid.UUID `json:"contract_id,omitempty"`
	Status      string     `json:"status"`
	Resolution  *string    `json:"resolution,omitempty"`
	Description string     `json:"description"`
	ReportedBy  *uuid.UUID `json:"reported_by,omitempty"`
	ReportedAt  time.Time  `json:"reported_at"`
}

func toAccidentView(a models.AccidentReport) accidentView {
	return accidentView{
		AccidentID:  a.AccidentID,
		VehicleID:   a.VehicleID,
		ContractID:  a.ContractID,
		Status:      a.Status,
		Resolution:  a.Resolution,
		Description: a.Description,
		ReportedBy:  a.ReportedBy,
		ReportedAt:  a.ReportedAt,
	}
}

type eventView struct {
	EventID     uuid.UUID       `json:"event_id"`
	EventType   string          `json:"event_type"`
	FromStatus  *string         `json:"from_status,omitempty"`
	ToStatus    *string         `json:"to_status,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
	ActorUserID *uuid.UUID      `json:"actor_user_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func toEventViews(evs []models.ContractEvent) []eventView {
	out := make([]eventView, 0, len(evs))
	for _, ev := range evs {
		v := eventView{
			EventID:     ev.EventID,
			EventType:   ev.EventType,
			FromStatus:  ev.FromStatus,
			ToStatus:    ev.ToStatus,
			OccurredAt:  ev.OccurredAt,
			ActorUserID: ev.ActorUserID,
		}
		if json.Valid(ev.Payload) {
			v.Payload = ev.Payload
		}
		out = append(out, v)
	}
	return out
}

type modelView struct {
	ModelID           uuid.UUID `json:"model_id"`
	Name              string    `json:"name"`
	PricePerHourCents int64     `json:"price_per_hour_cents"`
}

type vehicleView struct {
	VehicleID    uuid.UUID  `json:"vehicle_id"`
	ModelID      uuid.UUID  `json:"model_id"`
	StationID    *uuid.UUID `json:"station_id,omitempty"`
	Plate        string     `json:"plate"`
	Status       string     `json:"status"`
	BatteryLevel int        `json:"battery_level"`
}
