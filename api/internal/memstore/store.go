// Package memstore keeps every repository in process memory. It backs
// STORE_BACKEND=memory and the domain tests.
package memstore

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-rental-system/api/internal/models"
	"fleet-rental-system/shared/workflow"
)

type Store struct {
	mu        sync.RWMutex
	vehicles  map[uuid.UUID]models.Vehicle
	vmodels   map[uuid.UUID]models.VehicleModel
	contracts map[uuid.UUID]models.RentalContract
	byOrder   map[string]uuid.UUID
	accidents map[uuid.UUID]models.AccidentReport
	charges   []models.Charge
	events    []models.ContractEvent
	now       func() time.Time

	// FailNext, when set, is returned by the next mutating call and cleared.
	FailNext error
}

func New() *Store {
	return &Store{
		vehicles:  make(map[uuid.UUID]models.Vehicle),
		vmodels:   make(map[uuid.UUID]models.VehicleModel),
		contracts: make(map[uuid.UUID]models.RentalContract),
		byOrder:   make(map[string]uuid.UUID),
		accidents: make(map[uuid.UUID]models.AccidentReport),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) AddModel(m models.VehicleModel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vmodels[m.ModelID] = m
}

func (s *Store) AddVehicle(v models.Vehicle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.Status == "" {
		v.Status = models.VehicleAvailable
	}
	s.vehicles[v.VehicleID] = v
}

// PutContract inserts or overwrites a contract without any checks.
func (s *Store) PutContract(c models.RentalContract) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Version == 0 {
		c.Version = 1
	}
	s.contracts[c.ContractID] = c
	if c.OrderCode != nil {
		s.byOrder[*c.OrderCode] = c.ContractID
	}
}

func (s *Store) failure() error {
	err := s.FailNext
	s.FailNext = nil
	return err
}

func (s *Store) GetVehicle(_ context.Context, id uuid.UUID) (models.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vehicles[id]
	if !ok {
		return models.Vehicle{}, models.ErrNotFound
	}
	return v, nil
}

func (s *Store) ListVehicles(_ context.Context, filter models.VehicleFilter) ([]models.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Vehicle, 0, len(s.vehicles))
	for _, v := range s.vehicles {
		if filter.ModelID != nil && v.ModelID != *filter.ModelID {
			continue
		}
		if filter.StationID != nil && (v.StationID == nil || *v.StationID != *filter.StationID) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].VehicleID[:], out[j].VehicleID[:]) < 0
	})
	return out, nil
}

func (s *Store) UpdateVehicleStatus(_ context.Context, id uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return err
	}
	v, ok := s.vehicles[id]
	if !ok {
		return models.ErrNotFound
	}
	v.Status = status
	v.UpdatedAt = s.now()
	s.vehicles[id] = v
	return nil
}

func (s *Store) GetVehicleModel(_ context.Context, id uuid.UUID) (models.VehicleModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.vmodels[id]
	if !ok {
		return models.VehicleModel{}, models.ErrNotFound
	}
	return m, nil
}

func (s *Store) ListVehicleModels(_ context.Context) ([]models.VehicleModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.VehicleModel, 0, len(s.vmodels))
	for _, m := range s.vmodels {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return bytes.Compare(out[i].ModelID[:], out[j].ModelID[:]) < 0
	})
	return out, nil
}

func (s *Store) GetContract(_ context.Context, id uuid.UUID) (models.RentalContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[id]
	if !ok {
		return models.RentalContract{}, models.ErrNotFound
	}
	return c, nil
}

func (s *Store) GetContractByOrderCode(_ context.Context, orderCode string) (models.RentalContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byOrder[orderCode]
	if !ok {
		return models.RentalContract{}, models.ErrNotFound
	}
	return s.contracts[id], nil
}

func (s *Store) ListBlockingContracts(_ context.Context, vehicleID uuid.UUID, start time.Time, end time.Time) ([]models.RentalContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RentalContract
	for _, c := range s.contracts {
		if !c.HasVehicle(vehicleID) || !workflow.BlocksVehicle(c.Status) {
			continue
		}
		if models.Overlaps(c.StartTime, c.EndTime, start, end) {
			out = append(out, c)
		}
	}
	sortContracts(out)
	return out, nil
}

func (s *Store) ListFutureContractsByVehicle(_ context.Context, vehicleID uuid.UUID, status string, after time.Time) ([]models.RentalContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RentalContract
	for _, c := range s.contracts {
		if c.HasVehicle(vehicleID) && c.Status == status && c.StartTime.After(after) {
			out = append(out, c)
		}
	}
	sortContracts(out)
	return out, nil
}

func (s *Store) ListStaleContracts(_ context.Context, status string, createdBefore time.Time, limit int) ([]models.RentalContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RentalContract
	for _, c := range s.contracts {
		if c.Status == status && c.CreatedAt.Before(createdBefore) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateContract inserts c. When c carries an order code that already has a
// contract, the existing one is returned with created=false.
func (s *Store) CreateContract(_ context.Context, c models.RentalContract, ev models.ContractEvent) (models.RentalContract, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return models.RentalContract{}, false, err
	}
	if c.OrderCode != nil {
		if id, ok := s.byOrder[*c.OrderCode]; ok {
			return s.contracts[id], false, nil
		}
	}
	if c.ContractID == uuid.Nil {
		c.ContractID = uuid.New()
	}
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Version = 1
	s.contracts[c.ContractID] = c
	if c.OrderCode != nil {
		s.byOrder[*c.OrderCode] = c.ContractID
	}
	s.appendEvent(c.ContractID, ev)
	return c, true, nil
}

// SaveContract writes c if its Version matches the stored one and bumps it.
func (s *Store) SaveContract(_ context.Context, c models.RentalContract, ev *models.ContractEvent) (models.RentalContract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return models.RentalContract{}, err
	}
	cur, ok := s.contracts[c.ContractID]
	if !ok {
		return models.RentalContract{}, models.ErrNotFound
	}
	if cur.Version != c.Version {
		return models.RentalContract{}, models.ErrConflict
	}
	c.Version++
	c.UpdatedAt = s.now()
	s.contracts[c.ContractID] = c
	if ev != nil {
		s.appendEvent(c.ContractID, *ev)
	}
	return c, nil
}

func (s *Store) DeleteContract(_ context.Context, id uuid.UUID, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return err
	}
	cur, ok := s.contracts[id]
	if !ok {
		return models.ErrNotFound
	}
	if cur.Version != version {
		return models.ErrConflict
	}
	delete(s.contracts, id)
	if cur.OrderCode != nil {
		delete(s.byOrder, *cur.OrderCode)
	}
	return nil
}

func (s *Store) InsertCharge(_ context.Context, ch models.Charge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return err
	}
	if ch.ChargeID == uuid.Nil {
		ch.ChargeID = uuid.New()
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = s.now()
	}
	s.charges = append(s.charges, ch)
	return nil
}

func (s *Store) ListCharges(_ context.Context, contractID uuid.UUID) ([]models.Charge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Charge
	for _, ch := range s.charges {
		if ch.ContractID == contractID {
			out = append(out, ch)
		}
	}
	return out, nil
}

// ListContractsByRenter pages the renter's contracts, latest start first.
func (s *Store) ListContractsByRenter(_ context.Context, renterID uuid.UUID, limit int, offset int) ([]models.RentalContract, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	var out []models.RentalContract
	for _, c := range s.contracts {
		if c.RenterID == renterID {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()
	sortContracts(out)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[max(offset, 0):]
	return out[:min(limit, len(out))], nil
}

func (s *Store) ListContractEvents(_ context.Context, contractID uuid.UUID) ([]models.ContractEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ContractEvent
	for _, ev := range s.events {
		if ev.ContractID == contractID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) CreateAccident(_ context.Context, a models.AccidentReport) (models.AccidentReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return models.AccidentReport{}, err
	}
	if a.AccidentID == uuid.Nil {
		a.AccidentID = uuid.New()
	}
	now := s.now()
	if a.ReportedAt.IsZero() {
		a.ReportedAt = now
	}
	a.UpdatedAt = now
	s.accidents[a.AccidentID] = a
	return a, nil
}

func (s *Store) GetAccident(_ context.Context, id uuid.UUID) (models.AccidentReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accidents[id]
	if !ok {
		return models.AccidentReport{}, models.ErrNotFound
	}
	return a, nil
}

func (s *Store) SaveAccident(_ context.Context, a models.AccidentReport) (models.AccidentReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(); err != nil {
		return models.AccidentReport{}, err
	}
	if _, ok := s.accidents[a.AccidentID]; !ok {
		return models.AccidentReport{}, models.ErrNotFound
	}
	a.UpdatedAt = s.now()
	s.accidents[a.AccidentID] = a
	return a, nil
}

// Contracts returns a snapshot of every stored contract.
func (s *Store) Contracts() []models.RentalContract {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.RentalContract, 0, len(s.contracts))
	for _, c := range s.contracts {
		out = append(out, c)
	}
	sortContracts(out)
	return out
}

func (s *Store) Charges() []models.Charge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Charge, len(s.charges))
	copy(out, s.charges)
	return out
}

func (s *Store) appendEvent(contractID uuid.UUID, ev models.ContractEvent) {
	if ev.EventType == "" {
		return
	}
	if ev.EventID == uuid.Nil {
		ev.EventID = uuid.New()
	}
	ev.ContractID = contractID
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now()
	}
	s.events = append(s.events, ev)
}

func sortContracts(cs []models.RentalContract) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].StartTime.Equal(cs[j].StartTime) {
			return cs[i].StartTime.Before(cs[j].StartTime)
		}
		return bytes.Compare(cs[i].ContractID[:], cs[j].ContractID[:]) < 0
	})
}
