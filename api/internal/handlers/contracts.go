package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"fleet-rental-system/api/internal/contracts"
	"fleet-rental-system/api/internal/models"
	"fleet-rental-system/shared/authx"
	"fleet-rental-system/shared/httpx"
)

func (a *API) bookContract(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var body bookingRequest
	if !decode(w, r, &body) {
		return
	}
	renterID, err := body.renter(p)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.Contracts.Book(r.Context(), contracts.BookRequest{
		RenterID:  renterID,
		ModelID:   body.ModelID,
		StationID: body.StationID,
		Start:     body.Start,
		End:       body.End,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if writeOutcome(w, r, res.Outcome) {
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, a.holdView(res.Contract))
}

// holdView adds the sweep deadline to an unpaid contract. Until Confirm
// succeeds, an overlapping booking may hold the same vehicle.
func (a *API) holdView(c models.RentalContract) contractView {
	v := toContractView(c)
	if v.Hold && a.HoldTTL > 0 && !c.CreatedAt.IsZero() {
		exp := c.CreatedAt.Add(a.HoldTTL)
		v.HoldExpiresAt = &exp
	}
	return v
}

// listContracts returns the caller's contracts. Staff may list any renter's.
func (a *API) listContracts(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	renterID, ok := queryUUID(w, r, "renter_id")
	if !ok {
		return
	}
	target := p.UserID
	if renterID != nil && *renterID != p.UserID {
		if !p.IsStaff() {
			a.fail(w, r, authx.ErrForbidden)
			return
		}
		target = *renterID
	}
	cs, err := a.Contracts.ListByRenter(r.Context(), target, min(queryInt(r, "limit", 50), 200), queryInt(r, "offset", 0))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]contractView, 0, len(cs))
	for _, c := range cs {
		out = append(out, a.holdView(c))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (a *API) contractHistory(w http.ResponseWriter, r *http.Request) {
	c, ok := a.ownedContract(w, r)
	if !ok {
		return
	}
	evs, err := a.Contracts.History(r.Context(), c.ContractID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": toEventViews(evs)})
}

func (a *API) contractCharges(w http.ResponseWriter, r *http.Request) {
	c, ok := a.ownedContract(w, r)
	if !ok {
		return
	}
	chs, err := a.Contracts.Charges(r.Context(), c.ContractID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]chargeView, 0, len(chs))
	for i := range chs {
		out = append(out, *toChargeView(&chs[i]))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
}

// ownedContract loads the contract and hides it from renters who do not own it.
func (a *API) ownedContract(w http.ResponseWriter, r *http.Request) (models.RentalContract, bool) {
	p, ok := principal(w, r)
	if !ok {
		return models.RentalContract{}, false
	}
	id, ok := pathID(w, r)
	if !ok {
		return models.RentalContract{}, false
	}
	c, err := a.Contracts.Get(r.Context(), id)
	if err == nil && !owns(p, c.RenterID) {
		err = models.ErrNotFound
	}
	if err != nil {
		a.fail(w, r, err)
		return models.RentalContract{}, false
	}
	return c, true
}

func (a *API) getContract(w http.ResponseWriter, r *http.Request) {
	c, ok := a.ownedContract(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, a.holdView(c))
}

func (a *API) deleteContract(w http.ResponseWriter, r *http.Request) {
	c, ok := a.ownedContract(w, r)
	if !ok {
		return
	}
	if err := a.Contracts.Delete(r.Context(), c.ContractID); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type confirmContractRequest struct {
	PaidCents int64 `json:"paid_cents"`
}

func (a *API) confirmContract(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r, authx.RoleStaff, authx.RoleAdmin); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body confirmContractRequest
	if !decode(w, r, &body) {
		return
	}
	res, err := a.Contracts.Confirm(r.Context(), id, body.PaidCents)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if writeOutcome(w, r, res.Outcome) {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toContractView(res.Contract))
}

func (a *API) checkIn(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r, authx.RoleStaff, authx.RoleAdmin)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := a.Contracts.CheckIn(r.Context(), id, p.UserID, a.now())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toContractView(c))
}

type checkOutResponse struct {
	Contract contractView `json:"contract"`
	Charge   *chargeView  `json:"charge,omitempty"`
}

func (a *API) checkOut(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r, authx.RoleStaff, authx.RoleAdmin)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := a.Contracts.CheckOut(r.Context(), id, p.UserID, a.now())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, checkOutResponse{Contract: toContractView(res.Contract), Charge: toChargeView(res.Charge)})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (a *API) cancelContract(w http.ResponseWriter, r *http.Request) {
	c, ok := a.ownedContract(w, r)
	if !ok {
		return
	}
	var body cancelRequest
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	if body.Reason == "" {
		body.Reason = "cancelled by request"
	}
	saved, err := a.Contracts.Cancel(r.Context(), c.ContractID, body.Reason)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toContractView(saved))
}

type changeTimeRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (a *API) changeTime(w http.ResponseWriter, r *http.Request) {
	c, ok := a.ownedContract(w, r)
	if !ok {
		return
	}
	var body changeTimeRequest
	if !decode(w, r, &body) {
		return
	}
	a.writeModify(w, r)(a.Contracts.ChangeTime(r.Context(), c.ContractID, body.Start, body.End))
}

type changeModelRequest struct {
	ModelID uuid.UUID `json:"model_id"`
}

func (a *API) changeModel(w http.ResponseWriter, r *http.Request) {
	c, ok := a.ownedContract(w, r)
	if !ok {
		return
	}
	var body changeModelRequest
	if !decode(w, r, &body) {
		return
	}
	a.writeModify(w, r)(a.Contracts.ChangeModel(r.Context(), c.ContractID, body.ModelID))
}

type changeVehicleRequest struct {
	VehicleID *uuid.UUID `json:"vehicle_id,omitempty"`
}

func (a *API) changeVehicle(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r, authx.RoleStaff, authx.RoleAdmin); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body changeVehicleRequest
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	a.writeModify(w, r)(a.Contracts.ChangeVehicle(r.Context(), id, body.VehicleID))
}

func (a *API) writeModify(w http.ResponseWriter, r *http.Request) func(contracts.ModifyResult, error) {
	return func(res contracts.ModifyResult, err error) {
		if err != nil {
			a.fail(w, r, err)
			return
		}
		if writeOutcome(w, r, res.Outcome) {
			return
		}
		httpx.WriteJSON(w, http.StatusOK, toModifyView(res))
	}
}
