package handlers

import (
	"net/http"

	"fleet-rental-system/api/internal/models"
	"fleet-rental-system/shared/httpx"
)

func (a *API) listModels(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r); !ok {
		return
	}
	ms, err := a.Contracts.Models(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]modelView, 0, len(ms))
	for _, m := range ms {
		out = append(out, modelView{ModelID: m.ModelID, Name: m.Name, PricePerHourCents: m.PricePerHourCents})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (a *API) listVehicles(w http.ResponseWriter, r *http.Request) {
	if _, ok := principal(w, r); !ok {
		return
	}
	modelID, ok := queryUUID(w, r, "model_id")
	if !ok {
		return
	}
	stationID, ok := queryUUID(w, r, "station_id")
	if !ok {
		return
	}
	vs, err := a.Contracts.Vehicles(r.Context(), models.VehicleFilter{ModelID: modelID, StationID: stationID})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]vehicleView, 0, len(vs))
	for _, v := range vs {
		out = append(out, vehicleView{
			VehicleID:    v.VehicleID,
			ModelID:      v.ModelID,
			StationID:    v.StationID,
			Plate:        v.Plate,
			Status:       v.Status,
			BatteryLevel: v.BatteryLevel,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": out})
}
