package contracts

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-rental-system/api/internal/models"
	"fleet-rental-system/shared/workflow"
)

var veh3 = uuid.MustParse("30000000-0000-0000-0000-000000000003")

func addPremium(f *fixture) {
	st := stationS
	f.store.AddVehicle(models.Vehicle{VehicleID: veh3, ModelID: modelP, StationID: &st, Status: models.VehicleAvailable})
}

func TestChangeTimeExtensionCreatesCharge(t *testing.T) {
	f := newFixture(t, veh1)
	c := f.confirmed(t, veh1, at(10), at(12))

	res, err := f.svc.ChangeTime(context.Background(), c.ContractID, at(10), at(14))
	require.NoError(t, err)
	require.Equal(t, models.OutcomeOK, res.Outcome)
	assert.Equal(t, veh1, *res.Contract.VehicleID)
	assert.Equal(t, int64(4000), res.Contract.TotalCostCents)
	require.NotNil(t, res.Charge)
	assert.Equal(t, int64(2000), res.Charge.AmountCents)
	assert.Len(t, f.store.Charges(), 1)
}

func TestChangeTimeMovesToFreeVehicle(t *testing.T) {
	f := newFixture(t, veh1, veh2)
	c := f.confirmed(t, veh1, at(10), at(12))
	f.confirmed(t, veh1, at(14), at(16))

	res, err := f.svc.ChangeTime(context.Background(), c.ContractID, at(10), at(15))
	require.NoError(t, err)
	require.Equal(t, models.OutcomeOK, res.Outcome)
	assert.Equal(t, veh2, *res.Contract.VehicleID)
	assertNoDoubleBooking(t, f.store)
}

func TestChangeTimeWithoutVehicleLeavesContractUntouched(t *testing.T) {
	f := newFixture(t, veh1)
	c := f.confirmed(t, veh1, at(10), at(12))
	f.confirmed(t, veh1, at(14), at(16))

	res, err := f.svc.ChangeTime(context.Background(), c.ContractID, at(10), at(15))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeNoVehicle, res.Outcome)

	got, err := f.store.GetContract(context.Background(), c.ContractID)
	require.NoError(t, err)
	assert.Equal(t, c.Version, got.Version)
	assert.True(t, got.EndTime.Equal(at(12)))
	assert.Empty(t, f.store.Charges())
}

func TestChangeTimeOnActiveContractOnlyMovesEnd(t *testing.T) {
	f := newFixture(t, veh1)
	ctx := context.Background()
	c := f.confirmed(t, veh1, at(10), at(12))
	_, err := f.svc.CheckIn(ctx, c.ContractID, staff, at(10))
	require.NoError(t, err)

	_, err = f.svc.ChangeTime(ctx, c.ContractID, at(11), at(13))
	assert.ErrorIs(t, err, ErrNotModifiable)

	res, err := f.svc.ChangeTime(ctx, c.ContractID, at(10), at(13))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeOK, res.Outcome)
	assert.Equal(t, workflow.ContractActive, res.Contract.Status)
}

func TestChangeTimeOnActiveContractKeepsItsVehicle(t *testing.T) {
	f := newFixture(t, veh1, veh2)
	ctx := context.Background()
	c := f.confirmed(t, veh1, at(10), at(12))
	_, err := f.svc.CheckIn(ctx, c.ContractID, staff, at(10))
	require.NoError(t, err)
	f.confirmed(t, veh1, at(12), at(14))

	res, err := f.svc.ChangeTime(ctx, c.ContractID, at(10), at(13))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeNoVehicle, res.Outcome)

	got, err := f.store.GetContract(ctx, c.ContractID)
	require.NoError(t, err)
	assert.Equal(t, veh1, *got.VehicleID)
	assert.True(t, got.EndTime.Equal(at(12)))

	_, err = f.svc.CheckOut(ctx, c.ContractID, staff, at(12))
	require.NoError(t, err)
	v1, err := f.store.GetVehicle(ctx, veh1)
	require.NoError(t, err)
	assert.Equal(t, models.VehicleToBeCheckup, v1.Status)
	v2, err := f.store.GetVehicle(ctx, veh2)
	require.NoError(t, err)
	assert.Equal(t, models.VehicleAvailable, v2.Status)
}

func TestReassignedContractChecksOutAtBookedRate(t *testing.T) {
	for _, tc := range []struct {
		name      string
		returnAt  int
		wantTotal int64
		wantExtra int64
	}{
		{name: "on time", returnAt: 12, wantTotal: 2000},
		{name: "an hour late", returnAt: 13, wantTotal: 3000, wantExtra: 1000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, veh1)
			addPremium(f)
			ctx := context.Background()
			c := f.confirmed(t, veh1, at(10), at(12))
			require.Equal(t, int64(1000), c.HourlyRateCents)

			moved, err := f.svc.Reassign(ctx, c.ContractID, veh3)
			require.NoError(t, err)
			require.Equal(t, models.OutcomeOK, moved.Outcome)
			assert.Equal(t, modelP, moved.Contract.ModelID)
			assert.Equal(t, int64(1000), moved.Contract.HourlyRateCents)

			_, err = f.svc.CheckIn(ctx, c.ContractID, staff, at(10))
			require.NoError(t, err)
			out, err := f.svc.CheckOut(ctx, c.ContractID, staff, at(tc.returnAt))
			require.NoError(t, err)
			assert.Equal(t, int64(2000), out.Contract.PaidCents)
			assert.Equal(t, tc.wantTotal, out.Contract.TotalCostCents)
			if tc.wantExtra == 0 {
				assert.Nil(t, out.Charge)
				return
			}
			require.NotNil(t, out.Charge)
			assert.Equal(t, tc.wantExtra, out.Charge.AmountCents)
		})
	}
}

func TestChangeModelChargesOrAbsorbs(t *testing.T) {
	f := newFixture(t, veh1)
	addPremium(f)
	ctx := context.Background()

	c := f.confirmed(t, veh1, at(10), at(12))
	up, err := f.svc.ChangeModel(ctx, c.ContractID, modelP)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeOK, up.Outcome)
	assert.Equal(t, veh3, *up.Contract.VehicleID)
	assert.Equal(t, int64(5000), up.Contract.TotalCostCents)
	require.NotNil(t, up.Charge)
	assert.Equal(t, int64(3000), up.Charge.AmountCents)

	in := f.intent(veh3, at(14), at(16), "ORDER-P")
	in.ModelID = modelP
	in.PriceCents = 5000
	premium, created, err := f.svc.CreateFromIntent(ctx, in)
	require.NoError(t, err)
	require.True(t, created)

	down, err := f.svc.ChangeModel(ctx, premium.Contract.ContractID, modelM)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeOK, down.Outcome)
	assert.Nil(t, down.Charge)
	assert.Equal(t, int64(3000), down.AbsorbedCents)
	assert.Equal(t, veh1, *down.Contract.VehicleID)
}

func TestChangeVehicle(t *testing.T) {
	f := newFixture(t, veh1, veh2)
	ctx := context.Background()
	c := f.confirmed(t, veh1, at(10), at(12))

	res, err := f.svc.ChangeVehicle(ctx, c.ContractID, nil)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeOK, res.Outcome)
	assert.Equal(t, veh2, *res.Contract.VehicleID)

	target := veh1
	res, err = f.svc.ChangeVehicle(ctx, c.ContractID, &target)
	require.NoError(t, err)
	assert.Equal(t, veh1, *res.Contract.VehicleID)

	out, err := f.svc.CheckIn(ctx, c.ContractID, staff, at(10))
	require.NoError(t, err)
	_, err = f.svc.CheckOut(ctx, out.ContractID, staff, at(12))
	require.NoError(t, err)
	_, err = f.svc.ChangeVehicle(ctx, c.ContractID, nil)
	assert.ErrorIs(t, err, ErrNotModifiable)
}

func TestReassignKeepsPrice(t *testing.T) {
	f := newFixture(t, veh1, veh2)
	addPremium(f)
	ctx := context.Background()
	c := f.confirmed(t, veh1, at(10), at(12))
	f.confirmed(t, veh2, at(11), at(13))

	busy, err := f.svc.Reassign(ctx, c.ContractID, veh2)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeNoVehicle, busy.Outcome)

	res, err := f.svc.Reassign(ctx, c.ContractID, veh3)
	require.NoError(t, err)
	require.Equal(t, models.OutcomeOK, res.Outcome)
	assert.Equal(t, veh3, *res.Contract.VehicleID)
	assert.Equal(t, modelP, res.Contract.ModelID)
	assert.Equal(t, c.TotalCostCents, res.Contract.TotalCostCents)
	assert.Equal(t, c.PaidCents, res.Contract.PaidCents)

	events, err := f.store.ListContractEvents(ctx, c.ContractID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ContractEventModified, events[len(events)-1].EventType)
}

func TestReassignRequiresConfirmed(t *testing.T) {
	f := newFixture(t, veh1, veh2)
	hold, err := f.svc.Book(context.Background(), BookRequest{RenterID: uuid.New(), ModelID: modelM, StationID: stationS, Start: at(10), End: at(12)})
	require.NoError(t, err)
	_, err = f.svc.Reassign(context.Background(), hold.Contract.ContractID, veh2)
	assert.ErrorIs(t, err, ErrNotModifiable)
}
