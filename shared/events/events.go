package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

// Produced topics.
const (
	TopicBookingEvents     = "booking.events"
	TopicContractEvents    = "contract.events"
	TopicReplacementEvents = "replacement.events"
)

// Consumed topics.
const (
	TopicPaymentConfirmed = "payment.confirmed"
	TopicVehicleAccidents = "vehicle.accidents"
)

const (
	TypeBookingCreated            = "booking.created"
	TypeBookingConfirmed          = "booking.confirmed"
	TypeBookingConfirmationFailed = "booking.confirmation_failed"
	TypeContractStatusChanged     = "contract.status_changed"
	TypeContractModified          = "contract.modified"
	TypeVehicleAccidentReported   = "vehicle.accident_reported"
	TypeReplacementExecuted       = "replacement.executed"
)

const (
	AggregateBooking  = "booking"
	AggregateContract = "contract"
	AggregateAccident = "accident"
)

// New builds an envelope with a fresh id. A payload that fails to marshal is
// carried as JSON null.
func New(aggregateType string, aggregateID uuid.UUID, eventType string, payload any) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage("null")
	}
	return Envelope{
		EventID:       uuid.New(),
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
	}
}

// TopicFor maps an aggregate to the topic its events are produced on.
func TopicFor(aggregateType string) string {
	switch aggregateType {
	case AggregateBooking:
		return TopicBookingEvents
	case AggregateAccident:
		return TopicReplacementEvents
	default:
		return TopicContractEvents
	}
}

// PaymentConfirmed is the payload consumed from TopicPaymentConfirmed.
type PaymentConfirmed struct {
	OrderCode string `json:"order_code"`
	Status    string `json:"status"`
}

// VehicleAccident is the payload consumed from TopicVehicleAccidents. A nil
// AccidentID asks the consumer to file the report itself.
type VehicleAccident struct {
	VehicleID   uuid.UUID  `json:"vehicle_id"`
	AccidentID  *uuid.UUID `json:"accident_id,omitempty"`
	ContractID  *uuid.UUID `json:"contract_id,omitempty"`
	Description string     `json:"description,omitempty"`
}
