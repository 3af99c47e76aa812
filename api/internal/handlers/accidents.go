package handlers

import (
	"net/http"

	"github.com/google/uuid"

	"fleet-rental-system/api/internal/accidents"
	"fleet-rental-system/api/internal/models"
	"fleet-rental-system/shared/authx"
	"fleet-rental-system/shared/httpx"
)

type reportAccidentRequest struct {
	AccidentID  *uuid.UUID `json:"accident_id,omitempty"`
	VehicleID   uuid.UUID  `json:"vehicle_id"`
	ContractID  *uuid.UUID `json:"contract_id,omitempty"`
	Description string     `json:"description"`
}

func (a *API) reportAccident(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r, authx.RoleStaff, authx.RoleAdmin)
	if !ok {
		return
	}
	var body reportAccidentRequest
	if !decode(w, r, &body) {
		return
	}
	report, err := a.Accidents.Report(r.Context(), accidents.ReportRequest{
		AccidentID:  body.AccidentID,
		VehicleID:   body.VehicleID,
		ContractID:  body.ContractID,
		Description: body.Description,
		ReportedBy:  &p.UserID,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toAccidentView(report))
}

func (a *API) getAccident(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r, authx.RoleStaff, authx.RoleAdmin); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	report, err := a.Accidents.Get(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAccidentView(report))
}

type accidentStatusRequest struct {
	Status string `json:"status"`
}

func (a *API) transitionAccident(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r, authx.RoleStaff, authx.RoleAdmin); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body accidentStatusRequest
	if !decode(w, r, &body) {
		return
	}
	report, err := a.Accidents.Transition(r.Context(), id, body.Status)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAccidentView(report))
}

type resolutionRequest struct {
	Action string `json:"action"`
}

func (a *API) resolveAccident(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r, authx.RoleStaff, authx.RoleAdmin); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body resolutionRequest
	if !decode(w, r, &body) {
		return
	}
	report, err := a.Accidents.Resolve(r.Context(), id, body.Action)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toAccidentView(report))
}

func (a *API) previewReplacement(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r, authx.RoleStaff, authx.RoleAdmin); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var (
		plan models.ReplacementPlan
		err  error
	)
	if r.URL.Query().Get("refresh") == "true" {
		plan, err = a.Replacement.Preview(r.Context(), id)
	} else {
		plan, err = a.Replacement.CachedPreview(r.Context(), id)
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, plan)
}

type replacementQueuedResponse struct {
	AccidentID uuid.UUID `json:"accident_id"`
	TaskID     string    `json:"task_id"`
}

func (a *API) executeReplacement(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r, authx.RoleStaff, authx.RoleAdmin); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if a.Queue != nil {
		if _, err := a.Accidents.Get(r.Context(), id); err != nil {
			a.fail(w, r, err)
			return
		}
		taskID, err := a.Queue.EnqueueReplacement(r.Context(), id)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusAccepted, replacementQueuedResponse{AccidentID: id, TaskID: taskID})
		return
	}
	report, err := a.Replacement.Execute(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, report)
}
