package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-rental-system/api/internal/models"
)

type VehiclesRepo struct {
	pool *pgxpool.Pool
}

func NewVehiclesRepo(pool *pgxpool.Pool) *VehiclesRepo {
	return &VehiclesRepo{pool: pool}
}

const vehicleColumns = `vehicle_id, model_id, station_id, plate, status, battery_level, updated_at`

func scanVehicle(row interface{ Scan(...any) error }) (models.Vehicle, error) {
	var v models.Vehicle
	err := row.Scan(&v.VehicleID, &v.ModelID, &v.StationID, &v.Plate, &v.Status, &v.BatteryLevel, &v.UpdatedAt)
	return v, err
}

func (r *VehiclesRepo) GetVehicle(ctx context.Context, id uuid.UUID) (models.Vehicle, error) {
	v, err := scanVehicle(r.pool.QueryRow(ctx, `
		SELECT `+vehicleColumns+`
		FROM vehicles
		WHERE vehicle_id = $1
	`, id))
	return v, notFound(err)
}

// ListVehicles returns vehicles ordered by id; nil filter fields match anything.
func (r *VehiclesRepo) ListVehicles(ctx context.Context, filter models.VehicleFilter) ([]models.Vehicle, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+vehicleColumns+`
		FROM vehicles
		WHERE ($1::uuid IS NULL OR model_id = $1)
		  AND ($2::uuid IS NULL OR station_id = $2)
		ORDER BY vehicle_id
	`, filter.ModelID, filter.StationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *VehiclesRepo) UpdateVehicleStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE vehicles
		SET status = $2, updated_at = $3
		WHERE vehicle_id = $1
	`, id, status, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *VehiclesRepo) GetVehicleModel(ctx context.Context, id uuid.UUID) (models.VehicleModel, error) {
	var m models.VehicleModel
	err := r.pool.QueryRow(ctx, `
		SELECT model_id, name, price_per_hour_cents
		FROM vehicle_models
		WHERE model_id = $1
	`, id).Scan(&m.ModelID, &m.Name, &m.PricePerHourCents)
	return m, notFound(err)
}

func (r *VehiclesRepo) ListVehicleModels(ctx context.Context) ([]models.VehicleModel, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT model_id, name, price_per_hour_cents
		FROM vehicle_models
		ORDER BY name, model_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.VehicleModel
	for rows.Next() {
		var m models.VehicleModel
		if err := rows.Scan(&m.ModelID, &m.Name, &m.PricePerHourCents); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
