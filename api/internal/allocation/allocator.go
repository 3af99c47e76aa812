package allocation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"fleet-rental-system/api/internal/models"
	"fleet-rental-system/shared/workflow"
)

var ErrInvalidWindow = errors.New("start must be before end")

// Store is the vehicle query collaborator. ListBlockingContracts returns
// Confirmed or Active contracts on the vehicle overlapping [start, end).
type Store interface {
	ListVehicles(ctx context.Context, filter models.VehicleFilter) ([]models.Vehicle, error)
	ListBlockingContracts(ctx context.Context, vehicleID uuid.UUID, start time.Time, end time.Time) ([]models.RentalContract, error)
}

// Claim is a tentative hold a planner has already handed out.
type Claim struct {
	VehicleID uuid.UUID
	Start     time.Time
	End       time.Time
}

type Query struct {
	ModelID          *uuid.UUID
	StationID        *uuid.UUID
	Start            time.Time
	End              time.Time
	ExcludeVehicleID *uuid.UUID
	// IgnoreContractID skips the contract being moved so it does not block itself.
	IgnoreContractID *uuid.UUID
	Claims           []Claim
}

func (q Query) Validate() error {
	if !q.Start.Before(q.End) {
		return ErrInvalidWindow
	}
	return nil
}

type Allocator struct {
	store Store
}

func New(store Store) *Allocator {
	return &Allocator{store: store}
}

// FindFirstAvailable returns the lowest-id vehicle matching q with no blocking
// overlap, or nil when there is none. A nil result is not an error.
func (a *Allocator) FindFirstAvailable(ctx context.Context, q Query) (*models.Vehicle, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	candidates, err := a.store.ListVehicles(ctx, models.VehicleFilter{ModelID: q.ModelID, StationID: q.StationID})
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	sortByID(candidates)

	for i := range candidates {
		v := candidates[i]
		if !matches(v, q) {
			continue
		}
		free, err := a.free(ctx, v.VehicleID, q.Start, q.End, q.IgnoreContractID, q.Claims)
		if err != nil {
			return nil, err
		}
		if free {
			return &v, nil
		}
	}
	return nil, nil
}

// IsAvailable checks one vehicle against the blocking contracts only; it does
// not look at the vehicle's status.
func (a *Allocator) IsAvailable(ctx context.Context, vehicleID uuid.UUID, start time.Time, end time.Time, ignoreContractID *uuid.UUID) (bool, error) {
	if !start.Before(end) {
		return false, ErrInvalidWindow
	}
	return a.free(ctx, vehicleID, start, end, ignoreContractID, nil)
}

func (a *Allocator) free(ctx context.Context, vehicleID uuid.UUID, start time.Time, end time.Time, ignore *uuid.UUID, claims []Claim) (bool, error) {
	for _, c := range claims {
		if c.VehicleID == vehicleID && models.Overlaps(c.Start, c.End, start, end) {
			return false, nil
		}
	}
	blocking, err := a.store.ListBlockingContracts(ctx, vehicleID, start, end)
	if err != nil {
		return false, fmt.Errorf("list contracts for %s: %w", vehicleID, err)
	}
	for _, c := range blocking {
		if ignore != nil && c.ContractID == *ignore {
			continue
		}
		if !workflow.BlocksVehicle(c.Status) {
			continue
		}
		if models.Overlaps(c.StartTime, c.EndTime, start, end) {
			return false, nil
		}
	}
	return true, nil
}

func matches(v models.Vehicle, q Query) bool {
	if !v.Allocatable() {
		return false
	}
	if q.ExcludeVehicleID != nil && v.VehicleID == *q.ExcludeVehicleID {
		return false
	}
	if q.ModelID != nil && v.ModelID != *q.ModelID {
		return false
	}
	if q.StationID != nil && (v.StationID == nil || *v.StationID != *q.StationID) {
		return false
	}
	return true
}

func sortByID(vs []models.Vehicle) {
	sort.Slice(vs, func(i, j int) bool {
		return bytes.Compare(vs[i].VehicleID[:], vs[j].VehicleID[:]) < 0
	})
}
