package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-rental-system/api/internal/accidents"
	"fleet-rental-system/api/internal/contracts"
	"fleet-rental-system/api/internal/intents"
	"fleet-rental-system/api/internal/memstore"
	"fleet-rental-system/api/internal/models"
	"fleet-rental-system/api/internal/replacement"
	"fleet-rental-system/shared/authx"
	"fleet-rental-system/shared/events"
	"fleet-rental-system/shared/httpx"
	"fleet-rental-system/shared/lockx"
	"fleet-rental-system/shared/logx"
	"fleet-rental-system/shared/workflow"
)

var (
	modelM   = uuid.MustParse("10000000-0000-0000-0000-000000000001")
	modelE   = uuid.MustParse("10000000-0000-0000-0000-000000000009")
	stationS = uuid.MustParse("20000000-0000-0000-0000-000000000001")
	veh1     = uuid.MustParse("30000000-0000-0000-0000-000000000001")
	veh2     = uuid.MustParse("30000000-0000-0000-0000-000000000002")

	now = time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC)
	mon = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

	renter = authx.Principal{UserID: uuid.MustParse("40000000-0000-0000-0000-000000000001"), Roles: []string{authx.RoleRenter}}
	other  = authx.Principal{UserID: uuid.MustParse("40000000-0000-0000-0000-000000000002"), Roles: []string{authx.RoleRenter}}
	staff  = authx.Principal{UserID: uuid.MustParse("50000000-0000-0000-0000-000000000001"), Roles: []string{authx.RoleStaff}}
)

type fakeQueue struct{ ids []uuid.UUID }

func (q *fakeQueue) EnqueueReplacement(_ context.Context, id uuid.UUID) (string, error) {
	q.ids = append(q.ids, id)
	return "replacement:" + id.String(), nil
}

type fixture struct {
	store  *memstore.Store
	locker *lockx.MemoryLocker
	api    *API
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := func() time.Time { return now }
	f := &fixture{store: memstore.New(), locker: lockx.NewMemoryLocker()}
	f.store.AddModel(models.VehicleModel{ModelID: modelM, Name: "City EV", PricePerHourCents: 1000})
	f.store.AddModel(models.VehicleModel{ModelID: modelE, Name: "Empty", PricePerHourCents: 1000})
	st := stationS
	f.store.AddVehicle(models.Vehicle{VehicleID: veh1, ModelID: modelM, StationID: &st, Status: models.VehicleAvailable})

	pub := &events.Recorder{}
	cache := memstore.NewCache().WithClock(clock)
	cs := contracts.NewService(f.store, f.locker, pub, logx.Nop(), contracts.Options{
		LockTTL: time.Minute, LockWait: 20 * time.Millisecond, LockRetry: time.Millisecond, Now: clock,
	})
	f.api = &API{
		Intents: intents.NewStore(cache, cs.Allocator(), f.store, cs, f.locker, pub, logx.Nop(), intents.Options{
			TTL: 15 * time.Minute, LockTTL: time.Minute, LockWait: 20 * time.Millisecond, LockRetry: time.Millisecond, Now: clock,
		}),
		Contracts: cs,
		Accidents: accidents.NewService(f.store, pub, logx.Nop()),
		Replacement: replacement.NewOrchestrator(f.store, cs.Allocator(), cs, f.locker, replacement.NewPlanCache(cache, time.Hour), pub, logx.Nop(), replacement.Options{
			LockTTL: time.Minute, LockWait: 20 * time.Millisecond, LockRetry: time.Millisecond, Now: clock,
		}),
		Logger: logx.Nop(),
		Now:    clock,
	}
	return f
}

func (f *fixture) do(t *testing.T, p *authx.Principal, method string, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if p != nil {
		req = req.WithContext(authx.WithPrincipal(req.Context(), *p))
	}
	mux := http.NewServeMux()
	f.api.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[httpx.ErrorEnvelope](t, rec).Error.Code
}

func booking(model uuid.UUID, startHours int) map[string]any {
	start := mon.Add(time.Duration(startHours) * time.Hour)
	return map[string]any{"model_id": model, "station_id": stationS, "start": start, "end": start.Add(2 * time.Hour)}
}

func (f *fixture) bookConfirmed(t *testing.T) contractView {
	t.Helper()
	rec := f.do(t, &renter, http.MethodPost, "/api/v1/contracts", booking(modelM, 0))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	c := decodeBody[contractView](t, rec)

	rec = f.do(t, &staff, http.MethodPost, "/api/v1/contracts/"+c.ContractID.String()+"/confirm", map[string]any{"paid_cents": c.TotalCostCents})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[contractView](t, rec)
}

func TestIntentLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, &renter, http.MethodPost, "/api/v1/bookings/intents", booking(modelM, 0))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	intent := decodeBody[intentView](t, rec)
	assert.Equal(t, renter.UserID, intent.RenterID)
	assert.Equal(t, veh1, intent.VehicleID)
	assert.Equal(t, int64(2000), intent.PriceCents)

	rec = f.do(t, &renter, http.MethodGet, "/api/v1/bookings/intents/"+intent.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, &other, http.MethodGet, "/api/v1/bookings/intents/"+intent.Token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, &renter, http.MethodDelete, "/api/v1/bookings/intents/"+intent.Token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, &renter, http.MethodGet, "/api/v1/bookings/intents/"+intent.Token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIntentForAnotherRenterNeedsStaff(t *testing.T) {
	f := newFixture(t)
	body := booking(modelM, 0)
	body["renter_id"] = other.UserID

	rec := f.do(t, &renter, http.MethodPost, "/api/v1/bookings/intents", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, &staff, http.MethodPost, "/api/v1/bookings/intents", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, other.UserID, decodeBody[intentView](t, rec).RenterID)
}

func TestPaymentConfirmationCreatesContractOnce(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, &renter, http.MethodPost, "/api/v1/bookings/intents", booking(modelM, 0))
	require.Equal(t, http.StatusCreated, rec.Code)
	intent := decodeBody[intentView](t, rec)
	payment := map[string]any{"order_code": intent.OrderCode, "status": intents.PaymentStatusPaid}

	rec = f.do(t, &renter, http.MethodPost, "/api/v1/payments/confirmations", payment)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, &staff, http.MethodPost, "/api/v1/payments/confirmations", payment)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[paymentConfirmationResponse](t, rec)
	require.NotNil(t, first.Contract)
	assert.Equal(t, workflow.ContractConfirmed, first.Contract.Status)
	assert.Equal(t, int64(2000), first.Contract.PaidCents)

	rec = f.do(t, &staff, http.MethodPost, "/api/v1/payments/confirmations", payment)
	require.Equal(t, http.StatusOK, rec.Code)
	replay := decodeBody[paymentConfirmationResponse](t, rec)
	assert.Equal(t, intents.ConfirmAlreadyConfirmed, replay.Status)
	require.NotNil(t, replay.Contract)
	assert.Equal(t, first.Contract.ContractID, replay.Contract.ContractID)
}

func TestBookingOutcomes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, &renter, http.MethodPost, "/api/v1/contracts", booking(modelE, 0))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "RESOURCE_EXHAUSTED", errorCode(t, rec))

	held, ok, err := f.locker.Acquire(context.Background(), lockx.BookingKey(modelM, stationS, mon, 0), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	rec = f.do(t, &renter, http.MethodPost, "/api/v1/contracts", booking(modelM, 0))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ABORTED", errorCode(t, rec))
	require.NoError(t, f.locker.Release(context.Background(), held))

	body := booking(modelM, 0)
	body["end"] = mon
	rec = f.do(t, &renter, http.MethodPost, "/api/v1/contracts", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ARGUMENT", errorCode(t, rec))
}

func TestContractLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	c := f.bookConfirmed(t)
	path := "/api/v1/contracts/" + c.ContractID.String()
	assert.Equal(t, workflow.ContractConfirmed, c.Status)

	rec := f.do(t, &other, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, &renter, http.MethodPost, path+"/check-in", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, &renter, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "FAILED_PRECONDITION", errorCode(t, rec))

	rec = f.do(t, &staff, http.MethodPost, path+"/check-in", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	active := decodeBody[contractView](t, rec)
	assert.Equal(t, workflow.ContractActive, active.Status)
	assert.Equal(t, &staff.UserID, active.StaffID)

	rec = f.do(t, &renter, http.MethodPost, path+"/cancel", map[string]any{"reason": "changed plans"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, &staff, http.MethodPost, path+"/check-out", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, workflow.ContractCompleted, decodeBody[checkOutResponse](t, rec).Contract.Status)
}

func TestBookedContractIsOnlyAHold(t *testing.T) {
	f := newFixture(t)
	f.api.HoldTTL = 30 * time.Minute

	rec := f.do(t, &renter, http.MethodPost, "/api/v1/contracts", booking(modelM, 0))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeBody[contractView](t, rec)
	assert.True(t, first.Hold)
	require.NotNil(t, first.HoldExpiresAt)
	assert.Equal(t, int64(1000), first.HourlyRate)

	rec = f.do(t, &other, http.MethodPost, "/api/v1/contracts", booking(modelM, 1))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	second := decodeBody[contractView](t, rec)
	assert.True(t, second.Hold)
	assert.Equal(t, first.VehicleID, second.VehicleID)

	rec = f.do(t, &staff, http.MethodPost, "/api/v1/contracts/"+first.ContractID.String()+"/confirm", map[string]any{"paid_cents": first.TotalCostCents})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	confirmed := decodeBody[contractView](t, rec)
	assert.False(t, confirmed.Hold)
	assert.Nil(t, confirmed.HoldExpiresAt)

	rec = f.do(t, &staff, http.MethodPost, "/api/v1/contracts/"+second.ContractID.String()+"/confirm", map[string]any{"paid_cents": second.TotalCostCents})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "RESOURCE_EXHAUSTED", errorCode(t, rec))
}

func TestCancelAndDeleteUnconfirmed(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, &renter, http.MethodPost, "/api/v1/contracts", booking(modelM, 0))
	require.Equal(t, http.StatusCreated, rec.Code)
	held := decodeBody[contractView](t, rec)
	rec = f.do(t, &renter, http.MethodDelete, "/api/v1/contracts/"+held.ContractID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, &renter, http.MethodGet, "/api/v1/contracts/"+held.ContractID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	c := f.bookConfirmed(t)
	rec = f.do(t, &renter, http.MethodPost, "/api/v1/contracts/"+c.ContractID.String()+"/cancel", map[string]any{"reason": "changed plans"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cancelled := decodeBody[contractView](t, rec)
	assert.Equal(t, workflow.ContractCancelled, cancelled.Status)
	assert.Equal(t, c.PaidCents, cancelled.RefundCents)
}

func TestChangeTimeChargesExtension(t *testing.T) {
	f := newFixture(t)
	c := f.bookConfirmed(t)

	rec := f.do(t, &renter, http.MethodPatch, "/api/v1/contracts/"+c.ContractID.String()+"/time", map[string]any{
		"start": c.StartTime, "end": c.EndTime.Add(time.Hour),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[modifyView](t, rec)
	assert.Equal(t, int64(3000), res.Contract.TotalCostCents)
	require.NotNil(t, res.Charge)
	assert.Equal(t, int64(1000), res.Charge.AmountCents)
}

func TestRequestErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, nil, http.MethodPost, "/api/v1/contracts", booking(modelM, 0))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, &renter, http.MethodGet, "/api/v1/contracts/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, &renter, http.MethodPost, "/api/v1/contracts", map[string]any{"model": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, &renter, http.MethodGet, "/api/v1/contracts/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAccidentReplacementOverHTTP(t *testing.T) {
	f := newFixture(t)
	c := f.bookConfirmed(t)
	st := stationS
	f.store.AddVehicle(models.Vehicle{VehicleID: veh2, ModelID: modelM, StationID: &st, Status: models.VehicleAvailable})

	rec := f.do(t, &renter, http.MethodPost, "/api/v1/accidents", map[string]any{"vehicle_id": veh1})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, &staff, http.MethodPost, "/api/v1/accidents", map[string]any{"vehicle_id": veh1, "description": "rear bumper"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	report := decodeBody[accidentView](t, rec)
	assert.Equal(t, workflow.AccidentReported, report.Status)
	base := "/api/v1/accidents/" + report.AccidentID.String()

	rec = f.do(t, &staff, http.MethodGet, base+"/replacement-preview", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	plan := decodeBody[models.ReplacementPlan](t, rec)
	require.Len(t, plan.Entries, 1)
	assert.Equal(t, c.ContractID, plan.Entries[0].ContractID)
	assert.True(t, plan.Entries[0].WillBeReplaced)
	assert.Equal(t, &veh2, plan.Entries[0].ProposedVehicleID)

	rec = f.do(t, &staff, http.MethodPost, base+"/replacement", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decodeBody[models.ReplacementReport](t, rec)
	assert.True(t, out.Success)
	require.Len(t, out.Results, 1)
	assert.Equal(t, models.ReplacementResultReplaced, out.Results[0].Result)

	rec = f.do(t, &renter, http.MethodGet, "/api/v1/contracts/"+c.ContractID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, &veh2, decodeBody[contractView](t, rec).VehicleID)
}

func TestReplacementIsQueuedWhenWorkerConfigured(t *testing.T) {
	f := newFixture(t)
	q := &fakeQueue{}
	f.api.Queue = q

	rec := f.do(t, &staff, http.MethodPost, "/api/v1/accidents", map[string]any{"vehicle_id": veh1})
	require.Equal(t, http.StatusCreated, rec.Code)
	report := decodeBody[accidentView](t, rec)

	rec = f.do(t, &staff, http.MethodPost, "/api/v1/accidents/"+report.AccidentID.String()+"/replacement", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []uuid.UUID{report.AccidentID}, q.ids)

	rec = f.do(t, &staff, http.MethodPost, "/api/v1/accidents/"+uuid.NewString()+"/replacement", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, q.ids, 1)
}

func TestAccidentWorkflowOverHTTP(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, &staff, http.MethodPost, "/api/v1/accidents", map[string]any{"vehicle_id": veh1})
	require.Equal(t, http.StatusCreated, rec.Code)
	base := "/api/v1/accidents/" + decodeBody[accidentView](t, rec).AccidentID.String()

	rec = f.do(t, &staff, http.MethodPost, base+"/status", map[string]any{"status": workflow.AccidentUnderRepair})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "FAILED_PRECONDITION", errorCode(t, rec))

	rec = f.do(t, &staff, http.MethodPost, base+"/status", map[string]any{"status": workflow.AccidentUnderInvestigation})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, &staff, http.MethodPost, base+"/resolution", map[string]any{"action": "teleport"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, &staff, http.MethodPost, base+"/resolution", map[string]any{"action": models.ResolutionReplace})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[accidentView](t, rec)
	require.NotNil(t, res.Resolution)
	assert.Equal(t, models.ResolutionReplace, *res.Resolution)
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func TestListingsOverHTTP(t *testing.T) {
	f := newFixture(t)
	c := f.bookConfirmed(t)
	rec := f.do(t, &renter, http.MethodPatch, "/api/v1/contracts/"+c.ContractID.String()+"/time", map[string]any{
		"start": c.StartTime, "end": c.EndTime.Add(time.Hour),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, &renter, http.MethodGet, "/api/v1/contracts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mine := decodeBody[listResponse[contractView]](t, rec)
	require.Len(t, mine.Items, 1)
	assert.Equal(t, c.ContractID, mine.Items[0].ContractID)

	rec = f.do(t, &other, http.MethodGet, "/api/v1/contracts?renter_id="+renter.UserID.String(), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.do(t, &staff, http.MethodGet, "/api/v1/contracts?renter_id="+renter.UserID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[listResponse[contractView]](t, rec).Items, 1)

	rec = f.do(t, &renter, http.MethodGet, "/api/v1/contracts/"+c.ContractID.String()+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[listResponse[eventView]](t, rec)
	require.Len(t, history.Items, 3)
	assert.Equal(t, workflow.ContractEventCreated, history.Items[0].EventType)

	rec = f.do(t, &renter, http.MethodGet, "/api/v1/contracts/"+c.ContractID.String()+"/charges", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	charges := decodeBody[listResponse[chargeView]](t, rec)
	require.Len(t, charges.Items, 1)
	assert.Equal(t, int64(1000), charges.Items[0].AmountCents)

	rec = f.do(t, &renter, http.MethodGet, "/api/v1/vehicle-models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[listResponse[modelView]](t, rec).Items, 2)

	rec = f.do(t, &renter, http.MethodGet, "/api/v1/vehicles?model_id="+modelM.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	vs := decodeBody[listResponse[vehicleView]](t, rec).Items
	require.Len(t, vs, 1)
	assert.Equal(t, veh1, vs[0].VehicleID)
}
