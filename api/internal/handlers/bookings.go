package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"fleet-rental-system/api/internal/intents"
	"fleet-rental-system/shared/authx"
	"fleet-rental-system/shared/httpx"
)

type bookingRequest struct {
	RenterID  *uuid.UUID `json:"renter_id,omitempty"`
	ModelID   uuid.UUID  `json:"model_id"`
	StationID uuid.UUID  `json:"station_id"`
	Start     time.Time  `json:"start"`
	End       time.Time  `json:"end"`
}

// renter resolves who the booking is for. Only staff may book on behalf of
// another renter.
func (b bookingRequest) renter(p authx.Principal) (uuid.UUID, error) {
	if b.RenterID == nil || *b.RenterID == p.UserID {
		return p.UserID, nil
	}
	if !p.IsStaff() {
		return uuid.Nil, authx.ErrForbidden
	}
	return *b.RenterID, nil
}

func (a *API) createIntent(w http.ResponseWriter, r *http.Request) {
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
	res, err := a.Intents.Create(r.Context(), intents.CreateRequest{
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
	httpx.WriteJSON(w, http.StatusCreated, toIntentView(res.Intent))
}

func (a *API) getIntent(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	intent, err := a.Intents.Get(r.Context(), r.PathValue("token"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !owns(p, intent.RenterID) {
		a.fail(w, r, intents.ErrIntentNotFound)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toIntentView(intent))
}

func (a *API) deleteIntent(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	token := r.PathValue("token")
	intent, err := a.Intents.Get(r.Context(), token)
	if err == nil && !owns(p, intent.RenterID) {
		a.fail(w, r, intents.ErrIntentNotFound)
		return
	}
	if err := a.Intents.Remove(r.Context(), token); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type paymentConfirmationRequest struct {
	OrderCode string `json:"order_code"`
	Status    string `json:"status"`
}

type paymentConfirmationResponse struct {
	Status   string        `json:"status"`
	Contract *contractView `json:"contract,omitempty"`
}

// confirmPayment is the synchronous twin of the payment.confirmed consumer,
// used by payment providers that call back over HTTP.
func (a *API) confirmPayment(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r, authx.RoleStaff, authx.RoleAdmin); !ok {
		return
	}
	var body paymentConfirmationRequest
	if !decode(w, r, &body) {
		return
	}
	res, err := a.Intents.Confirm(r.Context(), intents.PaymentConfirmation{OrderCode: body.OrderCode, Status: body.Status})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if writeOutcome(w, r, res.Outcome) {
		return
	}
	out := paymentConfirmationResponse{Status: res.Status}
	if res.Contract != nil {
		v := toContractView(*res.Contract)
		out.Contract = &v
	}
	status := http.StatusOK
	if res.Status == intents.ConfirmCreated {
		status = http.StatusCreated
	}
	httpx.WriteJSON(w, status, out)
}
