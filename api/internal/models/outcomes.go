package models

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Outcome is the expected, non-error result of an allocation attempt.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeNoVehicle Outcome = "no_vehicle"
	OutcomeBusy      Outcome = "busy"
)

func (o Outcome) OK() bool { return o == OutcomeOK }

type ReplacementType string

const (
	ReplacementSameModel      ReplacementType = "same_model"
	ReplacementDifferentModel ReplacementType = "different_model"
	ReplacementNone           ReplacementType = "no_replacement"
)

type ReplacementPreviewEntry struct {
	ContractID        uuid.UUID       `json:"contract_id"`
	RenterID          uuid.UUID       `json:"renter_id"`
	StartTime         time.Time       `json:"start_time"`
	EndTime           time.Time       `json:"end_time"`
	CurrentVehicleID  uuid.UUID       `json:"current_vehicle_id"`
	ProposedVehicleID *uuid.UUID      `json:"proposed_vehicle_id,omitempty"`
	ProposedModelID   *uuid.UUID      `json:"proposed_model_id,omitempty"`
	ProposedStationID *uuid.UUID      `json:"proposed_station_id,omitempty"`
	Type              ReplacementType `json:"replacement_type"`
	WillBeReplaced    bool            `json:"will_be_replaced"`
	PriceDeltaCents   int64           `json:"price_delta_cents"`
	Reason            string          `json:"reason,omitempty"`
}

type ReplacementPlan struct {
	AccidentID       uuid.UUID                 `json:"accident_id"`
	VehicleID        uuid.UUID                 `json:"vehicle_id"`
	GeneratedAt      time.Time                 `json:"generated_at"`
	TotalContracts   int                       `json:"total_contracts"`
	CanBeReplaced    int                       `json:"can_be_replaced"`
	CannotBeReplaced int                       `json:"cannot_be_replaced"`
	Entries          []ReplacementPreviewEntry `json:"entries"`
}

const (
	ReplacementResultReplaced = "replaced"
	ReplacementResultRefunded = "refunded"
	ReplacementResultSkipped  = "skipped"
	ReplacementResultFailed   = "failed"
)

type ReplacementResult struct {
	ContractID      uuid.UUID       `json:"contract_id"`
	Result          string          `json:"result"`
	Type            ReplacementType `json:"replacement_type"`
	NewVehicleID    *uuid.UUID      `json:"new_vehicle_id,omitempty"`
	RefundCents     int64           `json:"refund_cents,omitempty"`
	PriceDeltaCents int64           `json:"price_delta_cents,omitempty"`
	Message         string          `json:"message,omitempty"`
}

// NeedsFollowUp marks results staff must handle by hand.
func (r ReplacementResult) NeedsFollowUp() bool {
	return r.Result == ReplacementResultFailed
}

type ReplacementReport struct {
	AccidentID   uuid.UUID           `json:"accident_id"`
	VehicleID    uuid.UUID           `json:"vehicle_id"`
	Success      bool                `json:"success"`
	SuccessCount int                 `json:"success_count"`
	Results      []ReplacementResult `json:"results"`
}

// RentalCost is round(hours * pricePerHour) in cents.
func RentalCost(start, end time.Time, pricePerHourCents int64) int64 {
	if !end.After(start) || pricePerHourCents <= 0 {
		return 0
	}
	hours := end.Sub(start).Hours()
	return int64(math.Round(hours * float64(pricePerHourCents)))
}

// Overlaps is the half-open interval intersection test.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}
