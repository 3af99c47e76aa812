package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"fleet-rental-system/api/internal/accidents"
	"fleet-rental-system/api/internal/allocation"
	"fleet-rental-system/api/internal/contracts"
	"fleet-rental-system/api/internal/intents"
	"fleet-rental-system/api/internal/models"
	"fleet-rental-system/api/internal/replacement"
	"fleet-rental-system/shared/authx"
	"fleet-rental-system/shared/httpx"
	"fleet-rental-system/shared/logx"
	"fleet-rental-system/shared/workflow"
)

// ReplacementQueue hands replacement execution to the worker.
type ReplacementQueue interface {
	EnqueueReplacement(ctx context.Context, accidentID uuid.UUID) (string, error)
}

type API struct {
	Intents     *intents.Store
	Contracts   *contracts.Service
	Accidents   *accidents.Service
	Replacement *replacement.Orchestrator
	// Queue is optional; without it replacement runs inside the request.
	Queue  ReplacementQueue
	Logger logx.Logger
	Now    func() time.Time
	// HoldTTL is how long an unpaid contract lives before the sweep cancels it.
	HoldTTL time.Duration
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/bookings/intents", a.createIntent)
	mux.HandleFunc("GET /api/v1/bookings/intents/{token}", a.getIntent)
	mux.HandleFunc("DELETE /api/v1/bookings/intents/{token}", a.deleteIntent)
	mux.HandleFunc("POST /api/v1/payments/confirmations", a.confirmPayment)

	mux.HandleFunc("GET /api/v1/vehicle-models", a.listModels)
	mux.HandleFunc("GET /api/v1/vehicles", a.listVehicles)

	mux.HandleFunc("POST /api/v1/contracts", a.bookContract)
	mux.HandleFunc("GET /api/v1/contracts", a.listContracts)
	mux.HandleFunc("GET /api/v1/contracts/{id}/events", a.contractHistory)
	mux.HandleFunc("GET /api/v1/contracts/{id}/charges", a.contractCharges)
	mux.HandleFunc("GET /api/v1/contracts/{id}", a.getContract)
	mux.HandleFunc("DELETE /api/v1/contracts/{id}", a.deleteContract)
	mux.HandleFunc("POST /api/v1/contracts/{id}/confirm", a.confirmContract)
	mux.HandleFunc("POST /api/v1/contracts/{id}/check-in", a.checkIn)
	mux.HandleFunc("POST /api/v1/contracts/{id}/check-out", a.checkOut)
	mux.HandleFunc("POST /api/v1/contracts/{id}/cancel", a.cancelContract)
	mux.HandleFunc("PATCH /api/v1/contracts/{id}/time", a.changeTime)
	mux.HandleFunc("PATCH /api/v1/contracts/{id}/model", a.changeModel)
	mux.HandleFunc("PATCH /api/v1/contracts/{id}/vehicle", a.changeVehicle)

	mux.HandleFunc("POST /api/v1/accidents", a.reportAccident)
	mux.HandleFunc("GET /api/v1/accidents/{id}", a.getAccident)
	mux.HandleFunc("POST /api/v1/accidents/{id}/status", a.transitionAccident)
	mux.HandleFunc("POST /api/v1/accidents/{id}/resolution", a.resolveAccident)
	mux.HandleFunc("GET /api/v1/accidents/{id}/replacement-preview", a.previewReplacement)
	mux.HandleFunc("POST /api/v1/accidents/{id}/replacement", a.executeReplacement)
}

func (a *API) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid id", nil)
		return uuid.Nil, false
	}
	return id, true
}

func queryUUID(w http.ResponseWriter, r *http.Request, name string) (*uuid.UUID, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid "+name, nil)
		return nil, false
	}
	return &id, true
}

func queryInt(r *http.Request, name string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n < 0 {
		return def
	}
	return n
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", map[string]any{"reason": err.Error()})
		return false
	}
	return true
}

func principal(w http.ResponseWriter, r *http.Request, roles ...string) (authx.Principal, bool) {
	p, err := authx.Require(r.Context(), roles...)
	if err != nil {
		writeErr(w, r, nil, err)
		return authx.Principal{}, false
	}
	return p, true
}

// owns is true for staff and for the renter the resource belongs to.
func owns(p authx.Principal, renterID uuid.UUID) bool {
	return p.IsStaff() || p.UserID == renterID
}

// writeOutcome answers a non-OK allocation outcome. It returns false when the
// outcome is OK and the caller should write its own response.
func writeOutcome(w http.ResponseWriter, r *http.Request, outcome models.Outcome) bool {
	switch outcome {
	case models.OutcomeBusy:
		httpx.WriteError(w, r, http.StatusConflict, "ABORTED", "system busy, please try again", nil)
	case models.OutcomeNoVehicle:
		httpx.WriteError(w, r, http.StatusConflict, "RESOURCE_EXHAUSTED", "no vehicle available", nil)
	default:
		return false
	}
	return true
}

func writeErr(w http.ResponseWriter, r *http.Request, logger *logx.Logger, err error) {
	switch {
	case errors.Is(err, authx.ErrInvalidToken):
		httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing auth context", nil)
	case errors.Is(err, authx.ErrForbidden):
		httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "not allowed", nil)
	case errors.Is(err, models.ErrNotFound), errors.Is(err, intents.ErrIntentNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "not found", nil)
	case errors.Is(err, models.ErrValidation), errors.Is(err, allocation.ErrInvalidWindow), errors.Is(err, accidents.ErrInvalidResolution):
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
	case errors.Is(err, models.ErrConflict):
		httpx.WriteError(w, r, http.StatusConflict, "ABORTED", "concurrent modification, please retry", nil)
	case errors.Is(err, intents.ErrStaleIntent),
		errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, contracts.ErrNotModifiable),
		errors.Is(err, contracts.ErrDeleteNotAllowed),
		errors.Is(err, contracts.ErrNoVehicle),
		errors.Is(err, models.ErrNoPrice):
		httpx.WriteError(w, r, http.StatusConflict, "FAILED_PRECONDITION", err.Error(), nil)
	default:
		if logger != nil {
			logger.Error(r.Context(), "request_failed", "request failed",
				append(logx.Err("INTERNAL_ERROR", err), slog.String("path", r.URL.Path))...)
		}
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil)
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeErr(w, r, &a.Logger, err)
}
