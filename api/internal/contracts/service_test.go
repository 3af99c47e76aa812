package contracts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-rental-system/api/internal/memstore"
	"fleet-rental-system/api/internal/models"
	"fleet-rental-system/shared/events"
	"fleet-rental-system/shared/lockx"
	"fleet-rental-system/shared/logx"
	"fleet-rental-system/shared/workflow"
)

var (
	modelM   = uuid.MustParse("10000000-0000-0000-0000-000000000001")
	modelP   = uuid.MustParse("10000000-0000-0000-0000-000000000002")
	stationS = uuid.MustParse("20000000-0000-0000-0000-000000000001")
	veh1     = uuid.MustParse("30000000-0000-0000-0000-000000000001")
	veh2     = uuid.MustParse("30000000-0000-0000-0000-000000000002")
	staff    = uuid.MustParse("40000000-0000-0000-0000-000000000001")
	day      = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
)

type fixture struct {
	store  *memstore.Store
	locker *lockx.MemoryLocker
	pub    *events.Recorder
	svc    *Service
}

func newFixture(t *testing.T, vehicles ...uuid.UUID) *fixture {
	t.Helper()
	store := memstore.New()
	store.AddModel(models.VehicleModel{ModelID: modelM, Name: "City EV", PricePerHourCents: 1000})
	store.AddModel(models.VehicleModel{ModelID: modelP, Name: "Premium EV", PricePerHourCents: 2500})
	for _, id := range vehicles {
		st := stationS
		store.AddVehicle(models.Vehicle{VehicleID: id, ModelID: modelM, StationID: &st, Status: models.VehicleAvailable})
	}
	locker := lockx.NewMemoryLocker()
	pub := &events.Recorder{}
	svc := NewService(store, locker, pub, logx.Nop(), Options{
		LockTTL:   time.Minute,
		LockWait:  2 * time.Second,
		LockRetry: time.Millisecond,
	})
	return &fixture{store: store, locker: locker, pub: pub, svc: svc}
}

func at(h int) time.Time { return day.Add(time.Duration(h) * time.Hour) }

func (f *fixture) intent(vehicle uuid.UUID, start, end time.Time, order string) models.BookingIntent {
	return models.BookingIntent{
		Token:      "tok-" + order,
		OrderCode:  order,
		RenterID:   uuid.New(),
		ModelID:    modelM,
		StationID:  stationS,
		VehicleID:  vehicle,
		Start:      start,
		End:        end,
		PriceCents: models.RentalCost(start, end, 1000),
	}
}

func (f *fixture) confirmed(t *testing.T, vehicle uuid.UUID, start, end time.Time) models.RentalContract {
	t.Helper()
	res, created, err := f.svc.CreateFromIntent(context.Background(), f.intent(vehicle, start, end, uuid.NewString()))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, models.OutcomeOK, res.Outcome)
	return res.Contract
}

func assertNoDoubleBooking(t *testing.T, store *memstore.Store) {
	t.Helper()
	all := store.Contracts()
	for i := range all {
		for j := i + 1; j < len(all); j++ {
			a, b := all[i], all[j]
			if a.VehicleID == nil || b.VehicleID == nil || *a.VehicleID != *b.VehicleID {
				continue
			}
			if !workflow.BlocksVehicle(a.Status) || !workflow.BlocksVehicle(b.Status) {
				continue
			}
			assert.False(t, models.Overlaps(a.StartTime, a.EndTime, b.StartTime, b.EndTime),
				"contracts %s and %s overlap on vehicle %s", a.ContractID, b.ContractID, *a.VehicleID)
		}
	}
}

func TestBookCreatesHoldOnLowestVehicle(t *testing.T) {
	f := newFixture(t, veh2, veh1)
	renter := uuid.New()

	res, err := f.svc.Book(context.Background(), BookRequest{RenterID: renter, ModelID: modelM, StationID: stationS, Start: at(10), End: at(12)})
	require.NoError(t, err)
	require.Equal(t, models.OutcomeOK, res.Outcome)
	assert.Equal(t, workflow.ContractToBeConfirmed, res.Contract.Status)
	assert.Equal(t, veh1, *res.Contract.VehicleID)
	assert.Equal(t, int64(2000), res.Contract.TotalCostCents)
	assert.Contains(t, f.pub.Types(), events.TypeContractStatusChanged)
}

func TestBookValidationAndNoVehicle(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Book(context.Background(), BookRequest{RenterID: uuid.New(), ModelID: modelM, StationID: stationS, Start: at(12), End: at(10)})
	assert.ErrorIs(t, err, models.ErrValidation)

	res, err := f.svc.Book(context.Background(), BookRequest{RenterID: uuid.New(), ModelID: modelM, StationID: stationS, Start: at(10), End: at(12)})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeNoVehicle, res.Outcome)
}

func TestBookReportsBusyWithoutError(t *testing.T) {
	f := newFixture(t, veh1)
	f.svc.opts.LockWait = 20 * time.Millisecond
	_, ok, err := f.locker.Acquire(context.Background(), lockx.BookingKey(modelM, stationS, at(10), 0), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.svc.Book(context.Background(), BookRequest{RenterID: uuid.New(), ModelID: modelM, StationID: stationS, Start: at(10), End: at(12)})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeBusy, res.Outcome)
	assert.Empty(t, f.store.Contracts())
}

// One vehicle, two overlapping requests: exactly one wins, the other is told
// there is no vehicle.
func TestConcurrentOverlappingRequestsGetOneVehicle(t *testing.T) {
	f := newFixture(t, veh1)
	a := f.intent(veh1, at(10), at(12), "ORDER-A")
	b := f.intent(veh1, at(11), at(13), "ORDER-B")

	var wg sync.WaitGroup
	outcomes := make([]models.Outcome, 2)
	for i, in := range []models.BookingIntent{a, b} {
		wg.Add(1)
		go func(i int, in models.BookingIntent) {
			defer wg.Done()
			res, _, err := f.svc.CreateFromIntent(context.Background(), in)
			assert.NoError(t, err)
			outcomes[i] = res.Outcome
		}(i, in)
	}
	wg.Wait()

	assert.ElementsMatch(t, []models.Outcome{models.OutcomeOK, models.OutcomeNoVehicle}, outcomes)
	assert.Len(t, f.store.Contracts(), 1)
	assertNoDoubleBooking(t, f.store)
}

func TestNoDoubleBookingUnderLoad(t *testing.T) {
	f := newFixture(t, veh1, veh2)
	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := at(8 + i%6)
			vehicle := veh1
			if i%2 == 1 {
				vehicle = veh2
			}
			_, _, err := f.svc.CreateFromIntent(context.Background(), f.intent(vehicle, start, start.Add(3*time.Hour), fmt.Sprintf("LOAD-%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.NotEmpty(t, f.store.Contracts())
	assertNoDoubleBooking(t, f.store)
}

func TestCreateFromIntentIsIdempotentPerOrderCode(t *testing.T) {
	f := newFixture(t, veh1)
	in := f.intent(veh1, at(10), at(12), "ORDER-1")

	first, created, err := f.svc.CreateFromIntent(context.Background(), in)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, workflow.ContractConfirmed, first.Contract.Status)
	assert.Equal(t, int64(2000), first.Contract.PaidCents)

	second, created, err := f.svc.CreateFromIntent(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Contract.ContractID, second.Contract.ContractID)
	assert.Len(t, f.store.Contracts(), 1)
}

func TestCreateFromIntentRejectsMaintenanceVehicle(t *testing.T) {
	f := newFixture(t, veh1)
	require.NoError(t, f.store.UpdateVehicleStatus(context.Background(), veh1, models.VehicleInMaintenance))

	res, created, err := f.svc.CreateFromIntent(context.Background(), f.intent(veh1, at(10), at(12), "ORDER-2"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, models.OutcomeNoVehicle, res.Outcome)
}

func TestConfirmRaceOnSingleVehicle(t *testing.T) {
	f := newFixture(t, veh1)
	ctx := context.Background()
	var holds []models.RentalContract
	for i := 0; i < 2; i++ {
		res, err := f.svc.Book(ctx, BookRequest{RenterID: uuid.New(), ModelID: modelM, StationID: stationS, Start: at(10 + i), End: at(12 + i)})
		require.NoError(t, err)
		require.Equal(t, models.OutcomeOK, res.Outcome)
		holds = append(holds, res.Contract)
	}

	var wg sync.WaitGroup
	outcomes := make([]models.Outcome, 2)
	for i, h := range holds {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			res, err := f.svc.Confirm(ctx, id, 2000)
			assert.NoError(t, err)
			outcomes[i] = res.Outcome
		}(i, h.ContractID)
	}
	wg.Wait()

	assert.ElementsMatch(t, []models.Outcome{models.OutcomeOK, models.OutcomeNoVehicle}, outcomes)
	assertNoDoubleBooking(t, f.store)
}

func TestConfirmFallsBackToAnotherVehicle(t *testing.T) {
	f := newFixture(t, veh1, veh2)
	ctx := context.Background()
	hold, err := f.svc.Book(ctx, BookRequest{RenterID: uuid.New(), ModelID: modelM, StationID: stationS, Start: at(10), End: at(12)})
	require.NoError(t, err)
	require.Equal(t, veh1, *hold.Contract.VehicleID)

	f.confirmed(t, veh1, at(11), at(13))

	res, err := f.svc.Confirm(ctx, hold.Contract.ContractID, 2000)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeOK, res.Outcome)
	assert.Equal(t, veh2, *res.Contract.VehicleID)
	assert.Equal(t, workflow.ContractConfirmed, res.Contract.Status)

	replay, err := f.svc.Confirm(ctx, hold.Contract.ContractID, 2000)
	require.NoError(t, err)
	assert.Equal(t, res.Contract.Version, replay.Contract.Version)
}

func TestCheckInAndCheckOut(t *testing.T) {
	f := newFixture(t, veh1)
	ctx := context.Background()
	c := f.confirmed(t, veh1, at(10), at(12))

	active, err := f.svc.CheckIn(ctx, c.ContractID, staff, at(10))
	require.NoError(t, err)
	assert.Equal(t, workflow.ContractActive, active.Status)
	assert.Equal(t, staff, *active.StaffID)
	v, _ := f.store.GetVehicle(ctx, veh1)
	assert.Equal(t, models.VehicleRenting, v.Status)

	_, err = f.svc.CheckIn(ctx, c.ContractID, staff, at(10))
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)

	out, err := f.svc.CheckOut(ctx, c.ContractID, staff, at(13).Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, workflow.ContractCompleted, out.Contract.Status)
	assert.Equal(t, int64(3500), out.Contract.TotalCostCents)
	require.NotNil(t, out.Charge)
	assert.Equal(t, int64(1500), out.Charge.AmountCents)
	v, _ = f.store.GetVehicle(ctx, veh1)
	assert.Equal(t, models.VehicleToBeCheckup, v.Status)
}

func TestCheckInRequiresConfirmed(t *testing.T) {
	f := newFixture(t, veh1)
	hold, err := f.svc.Book(context.Background(), BookRequest{RenterID: uuid.New(), ModelID: modelM, StationID: stationS, Start: at(10), End: at(12)})
	require.NoError(t, err)
	_, err = f.svc.CheckIn(context.Background(), hold.Contract.ContractID, staff, at(10))
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)
}

func TestCancelRefundsPaidAmount(t *testing.T) {
	f := newFixture(t, veh1)
	ctx := context.Background()
	c := f.confirmed(t, veh1, at(10), at(12))

	cancelled, err := f.svc.Cancel(ctx, c.ContractID, "plans changed")
	require.NoError(t, err)
	assert.Equal(t, workflow.ContractCancelled, cancelled.Status)
	assert.Equal(t, int64(2000), cancelled.RefundCents)

	active := f.confirmed(t, veh1, at(10), at(12))
	_, err = f.svc.CheckIn(ctx, active.ContractID, staff, at(10))
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, active.ContractID, "too late")
	assert.ErrorIs(t, err, workflow.ErrInvalidTransition)
}

// Deletion is allowed for unconfirmed contracts only. Every other status must
// be rejected, which a status != A || status != B guard would not do.
func TestDeleteGuard(t *testing.T) {
	for _, status := range workflow.AllContractStatuses() {
		t.Run(status, func(t *testing.T) {
			f := newFixture(t, veh1)
			st := veh1
			c := models.RentalContract{ContractID: uuid.New(), RenterID: uuid.New(), VehicleID: &st, StationID: stationS, ModelID: modelM, StartTime: at(10), EndTime: at(12), Status: status}
			f.store.PutContract(c)

			err := f.svc.Delete(context.Background(), c.ContractID)
			if status == workflow.ContractToBeConfirmed {
				require.NoError(t, err)
				_, err := f.store.GetContract(context.Background(), c.ContractID)
				assert.ErrorIs(t, err, models.ErrNotFound)
				return
			}
			assert.ErrorIs(t, err, ErrDeleteNotAllowed)
			_, err = f.store.GetContract(context.Background(), c.ContractID)
			assert.NoError(t, err)
		})
	}
}

func TestExpireUnconfirmed(t *testing.T) {
	f := newFixture(t, veh1)
	ctx := context.Background()
	hold, err := f.svc.Book(ctx, BookRequest{RenterID: uuid.New(), ModelID: modelM, StationID: stationS, Start: at(10), End: at(12)})
	require.NoError(t, err)
	f.confirmed(t, veh1, at(14), at(16))

	f.svc.opts.Now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	n, err := f.svc.ExpireUnconfirmed(ctx, 30*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetContract(ctx, hold.Contract.ContractID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ContractCancelled, got.Status)
}

func TestStoreFailureSurfacesAndReleasesLocks(t *testing.T) {
	f := newFixture(t, veh1)
	boom := errors.New("db down")
	f.store.FailNext = boom

	_, _, err := f.svc.CreateFromIntent(context.Background(), f.intent(veh1, at(10), at(12), "ORDER-F"))
	assert.ErrorIs(t, err, boom)
	assert.False(t, f.locker.Held(lockx.VehicleKey(veh1)))
	assert.False(t, f.locker.Held(lockx.BookingKey(modelM, stationS, at(10), 0)))
}
