package accidents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"fleet-rental-system/api/internal/models"
	"fleet-rental-system/shared/events"
	"fleet-rental-system/shared/logx"
	"fleet-rental-system/shared/workflow"
)

var ErrInvalidResolution = errors.New("invalid resolution action")

type Store interface {
	GetVehicle(ctx context.Context, id uuid.UUID) (models.Vehicle, error)
	UpdateVehicleStatus(ctx context.Context, id uuid.UUID, status string) error
	CreateAccident(ctx context.Context, a models.AccidentReport) (models.AccidentReport, error)
	GetAccident(ctx context.Context, id uuid.UUID) (models.AccidentReport, error)
	SaveAccident(ctx context.Context, a models.AccidentReport) (models.AccidentReport, error)
}

type Service struct {
	store  Store
	pub    events.Publisher
	logger logx.Logger
}

func NewService(store Store, pub events.Publisher, logger logx.Logger) *Service {
	if pub == nil {
		pub = events.Discard{}
	}
	return &Service{store: store, pub: pub, logger: logger.With(slog.String("component", "accidents"))}
}

type ReportRequest struct {
	AccidentID  *uuid.UUID // set when the report arrives from the accident topic
	VehicleID   uuid.UUID
	ContractID  *uuid.UUID
	Description string
	ReportedBy  *uuid.UUID
}

// Report records an accident and takes the vehicle out of the allocation
// pool. Reporting an accident id that already exists returns the stored report.
func (s *Service) Report(ctx context.Context, req ReportRequest) (models.AccidentReport, error) {
	if req.VehicleID == uuid.Nil {
		return models.AccidentReport{}, fmt.Errorf("%w: vehicle is required", models.ErrValidation)
	}
	if req.AccidentID != nil {
		existing, err := s.store.GetAccident(ctx, *req.AccidentID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return models.AccidentReport{}, err
		}
	}
	if _, err := s.store.GetVehicle(ctx, req.VehicleID); err != nil {
		return models.AccidentReport{}, fmt.Errorf("vehicle %s: %w", req.VehicleID, err)
	}

	a := models.AccidentReport{
		VehicleID:   req.VehicleID,
		ContractID:  req.ContractID,
		Status:      workflow.AccidentReported,
		Description: req.Description,
		ReportedBy:  req.ReportedBy,
	}
	if req.AccidentID != nil {
		a.AccidentID = *req.AccidentID
	}
	created, err := s.store.CreateAccident(ctx, a)
	if err != nil {
		return models.AccidentReport{}, err
	}
	if err := s.store.UpdateVehicleStatus(ctx, req.VehicleID, models.VehicleInMaintenance); err != nil {
		return created, fmt.Errorf("take vehicle out of service: %w", err)
	}

	s.logger.Info(ctx, "accident_reported", "accident reported",
		slog.String("accident_id", created.AccidentID.String()),
		slog.String("vehicle_id", created.VehicleID.String()),
	)
	s.pub.Publish(ctx, events.New(events.AggregateAccident, created.AccidentID, events.TypeVehicleAccidentReported, events.VehicleAccident{
		VehicleID:   created.VehicleID,
		AccidentID:  &created.AccidentID,
		ContractID:  created.ContractID,
		Description: created.Description,
	}))
	return created, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (models.AccidentReport, error) {
	return s.store.GetAccident(ctx, id)
}

// Transition moves the report along the accident table. Reaching repaired
// puts the vehicle back into service.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to string) (models.AccidentReport, error) {
	a, err := s.store.GetAccident(ctx, id)
	if err != nil {
		return models.AccidentReport{}, err
	}
	to = workflow.Normalize(to)
	if a.Status == to {
		return a, nil
	}
	if _, err := workflow.Accidents.Check(a.Status, to); err != nil {
		return models.AccidentReport{}, err
	}
	from := a.Status
	a.Status = to
	saved, err := s.store.SaveAccident(ctx, a)
	if err != nil {
		return models.AccidentReport{}, err
	}
	if to == workflow.AccidentRepaired {
		if err := s.store.UpdateVehicleStatus(ctx, a.VehicleID, models.VehicleAvailable); err != nil {
			return saved, fmt.Errorf("return vehicle to service: %w", err)
		}
	}
	s.logger.Info(ctx, "accident_status_changed", "accident status changed",
		slog.String("accident_id", id.String()),
		slog.String("from", from),
		slog.String("to", to),
	)
	return saved, nil
}

// Resolve records how the accident was settled for the renter.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, action string) (models.AccidentReport, error) {
	action = workflow.Normalize(action)
	switch action {
	case models.ResolutionRefund, models.ResolutionReplace, models.ResolutionRepairOnly:
	default:
		return models.AccidentReport{}, fmt.Errorf("%w: %q", ErrInvalidResolution, action)
	}
	a, err := s.store.GetAccident(ctx, id)
	if err != nil {
		return models.AccidentReport{}, err
	}
	a.Resolution = &action
	return s.store.SaveAccident(ctx, a)
}
