package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-rental-system/api/internal/models"
)

type AccidentsRepo struct {
	pool *pgxpool.Pool
}

func NewAccidentsRepo(pool *pgxpool.Pool) *AccidentsRepo {
	return &AccidentsRepo{pool: pool}
}

const accidentColumns = `accident_id, vehicle_id, contract_id, status, resolution, description, reported_by, reported_at, updated_at`

func scanAccident(row interface{ Scan(...any) error }) (models.AccidentReport, error) {
	var a models.AccidentReport
	err := row.Scan(&a.AccidentID, &a.VehicleID, &a.ContractID, &a.Status, &a.Resolution, &a.Description, &a.ReportedBy, &a.ReportedAt, &a.UpdatedAt)
	return a, err
}

func (r *AccidentsRepo) CreateAccident(ctx context.Context, a models.AccidentReport) (models.AccidentReport, error) {
	if a.AccidentID == uuid.Nil {
		a.AccidentID = uuid.New()
	}
	now := time.Now().UTC()
	if a.ReportedAt.IsZero() {
		a.ReportedAt = now
	}
	out, err := scanAccident(r.pool.QueryRow(ctx, `
		INSERT INTO accident_reports (accident_id, vehicle_id, contract_id, status, resolution, description, reported_by, reported_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+accidentColumns,
		a.AccidentID, a.VehicleID, a.ContractID, a.Status, a.Resolution, a.Description, a.ReportedBy, a.ReportedAt, now))
	if isUniqueViolation(err) {
		return r.GetAccident(ctx, a.AccidentID)
	}
	return out, err
}

func (r *AccidentsRepo) GetAccident(ctx context.Context, id uuid.UUID) (models.AccidentReport, error) {
	a, err := scanAccident(r.pool.QueryRow(ctx, `
		SELECT `+accidentColumns+`
		FROM accident_reports
		WHERE accident_id = $1
	`, id))
	return a, notFound(err)
}

func (r *AccidentsRepo) SaveAccident(ctx context.Context, a models.AccidentReport) (models.AccidentReport, error) {
	out, err := scanAccident(r.pool.QueryRow(ctx, `
		UPDATE accident_reports
		SET status = $2, resolution = $3, description = $4, updated_at = $5
		WHERE accident_id = $1
		RETURNING `+accidentColumns,
		a.AccidentID, a.Status, a.Resolution, a.Description, time.Now().UTC()))
	return out, notFound(err)
}
