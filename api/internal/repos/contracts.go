package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-rental-system/api/internal/models"
	"fleet-rental-system/shared/dbx"
)

type ContractsRepo struct {
	pool *pgxpool.Pool
}

func NewContractsRepo(pool *pgxpool.Pool) *ContractsRepo {
	return &ContractsRepo{pool: pool}
}

const contractColumns = `contract_id, renter_id, staff_id, vehicle_id, station_id, model_id, start_time, end_time,
	actual_start, actual_end, total_cost_cents, hourly_rate_cents, paid_cents, refund_cents, status, order_code, cancel_reason,
	version, created_at, updated_at`

func scanContract(row interface{ Scan(...any) error }) (models.RentalContract, error) {
	var c models.RentalContract
	err := row.Scan(&c.ContractID, &c.RenterID, &c.StaffID, &c.VehicleID, &c.StationID, &c.ModelID, &c.StartTime, &c.EndTime,
		&c.ActualStart, &c.ActualEnd, &c.TotalCostCents, &c.HourlyRateCents, &c.PaidCents, &c.RefundCents, &c.Status, &c.OrderCode, &c.CancelReason,
		&c.Version, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func collectContracts(rows pgx.Rows, err error) ([]models.RentalContract, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RentalContract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *ContractsRepo) GetContract(ctx context.Context, id uuid.UUID) (models.RentalContract, error) {
	c, err := scanContract(r.pool.QueryRow(ctx, `
		SELECT `+contractColumns+`
		FROM rental_contracts
		WHERE contract_id = $1
	`, id))
	return c, notFound(err)
}

func (r *ContractsRepo) GetContractByOrderCode(ctx context.Context, orderCode string) (models.RentalContract, error) {
	c, err := scanContract(r.pool.QueryRow(ctx, `
		SELECT `+contractColumns+`
		FROM rental_contracts
		WHERE order_code = $1
	`, orderCode))
	return c, notFound(err)
}

// ListBlockingContracts returns confirmed or active contracts on the vehicle
// whose window overlaps [start, end).
func (r *ContractsRepo) ListBlockingContracts(ctx context.Context, vehicleID uuid.UUID, start time.Time, end time.Time) ([]models.RentalContract, error) {
	return collectContracts(r.pool.Query(ctx, `
		SELECT `+contractColumns+`
		FROM rental_contracts
		WHERE vehicle_id = $1
		  AND status IN ('confirmed', 'active')
		  AND start_time < $3 AND $2 < end_time
		ORDER BY start_time, contract_id
	`, vehicleID, start, end))
}

func (r *ContractsRepo) ListFutureContractsByVehicle(ctx context.Context, vehicleID uuid.UUID, status string, after time.Time) ([]models.RentalContract, error) {
	return collectContracts(r.pool.Query(ctx, `
		SELECT `+contractColumns+`
		FROM rental_contracts
		WHERE vehicle_id = $1 AND status = $2 AND start_time > $3
		ORDER BY start_time, contract_id
	`, vehicleID, status, after))
}

func (r *ContractsRepo) ListStaleContracts(ctx context.Context, status string, createdBefore time.Time, limit int) ([]models.RentalContract, error) {
	if limit <= 0 {
		limit = 100
	}
	return collectContracts(r.pool.Query(ctx, `
		SELECT `+contractColumns+`
		FROM rental_contracts
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`, status, createdBefore, limit))
}

func (r *ContractsRepo) ListContractsByRenter(ctx context.Context, renterID uuid.UUID, limit int, offset int) ([]models.RentalContract, error) {
	if limit <= 0 {
		limit = 50
	}
	return collectContracts(r.pool.Query(ctx, `
		SELECT `+contractColumns+`
		FROM rental_contracts
		WHERE renter_id = $1
		ORDER BY start_time DESC
		LIMIT $2 OFFSET $3
	`, renterID, limit, offset))
}

// CreateContract inserts c with its first history event. A contract that
// already exists for c's order code is returned with created=false.
func (r *ContractsRepo) CreateContract(ctx context.Context, c models.RentalContract, ev models.ContractEvent) (models.RentalContract, bool, error) {
	var out models.RentalContract
	created := false
	err := dbx.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if c.ContractID == uuid.Nil {
			c.ContractID = uuid.New()
		}
		now := time.Now().UTC()
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		var err error
		out, err = scanContract(tx.QueryRow(ctx, `
			INSERT INTO rental_contracts (contract_id, renter_id, staff_id, vehicle_id, station_id, model_id, start_time, end_time,
				total_cost_cents, hourly_rate_cents, paid_cents, refund_cents, status, order_code, cancel_reason, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1, $16, $17)
			ON CONFLICT (order_code) DO NOTHING
			RETURNING `+contractColumns,
			c.ContractID, c.RenterID, c.StaffID, c.VehicleID, c.StationID, c.ModelID, c.StartTime, c.EndTime,
			c.TotalCostCents, c.HourlyRateCents, c.PaidCents, c.RefundCents, c.Status, c.OrderCode, c.CancelReason, c.CreatedAt, now))
		if err == nil {
			created = true
			ev.ContractID = out.ContractID
			_, err = appendContractEvent(ctx, tx, ev)
			return err
		}
		if !errors.Is(err, pgx.ErrNoRows) || c.OrderCode == nil {
			return err
		}
		out, err = scanContract(tx.QueryRow(ctx, `
			SELECT `+contractColumns+`
			FROM rental_contracts
			WHERE order_code = $1
		`, *c.OrderCode))
		return err
	})
	if err != nil {
		return models.RentalContract{}, false, err
	}
	return out, created, nil
}

// SaveContract writes c when its Version still matches and bumps the version.
// A stale version yields models.ErrConflict.
func (r *ContractsRepo) SaveContract(ctx context.Context, c models.RentalContract, ev *models.ContractEvent) (models.RentalContract, error) {
	var out models.RentalContract
	err := dbx.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		out, err = scanContract(tx.QueryRow(ctx, `
			UPDATE rental_contracts
			SET staff_id = $3, vehicle_id = $4, station_id = $5, model_id = $6, start_time = $7, end_time = $8,
				actual_start = $9, actual_end = $10, total_cost_cents = $11, paid_cents = $12, refund_cents = $13,
				status = $14, cancel_reason = $15, hourly_rate_cents = $16, version = version + 1, updated_at = $17
			WHERE contract_id = $1 AND version = $2
			RETURNING `+contractColumns,
			c.ContractID, c.Version, c.StaffID, c.VehicleID, c.StationID, c.ModelID, c.StartTime, c.EndTime,
			c.ActualStart, c.ActualEnd, c.TotalCostCents, c.PaidCents, c.RefundCents,
			c.Status, c.CancelReason, c.HourlyRateCents, time.Now().UTC()))
		if errors.Is(err, pgx.ErrNoRows) {
			return r.missOrConflict(ctx, tx, c.ContractID)
		}
		if err != nil {
			return err
		}
		if ev != nil {
			ev.ContractID = c.ContractID
			_, err = appendContractEvent(ctx, tx, *ev)
		}
		return err
	})
	if err != nil {
		return models.RentalContract{}, err
	}
	return out, nil
}

func (r *ContractsRepo) DeleteContract(ctx context.Context, id uuid.UUID, version int64) error {
	return dbx.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM rental_contracts
			WHERE contract_id = $1 AND version = $2
		`, id, version)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return r.missOrConflict(ctx, tx, id)
		}
		_, err = tx.Exec(ctx, `DELETE FROM contract_events WHERE contract_id = $1`, id)
		return err
	})
}

func (r *ContractsRepo) missOrConflict(ctx context.Context, db DBTX, id uuid.UUID) error {
	var one int
	err := db.QueryRow(ctx, `SELECT 1 FROM rental_contracts WHERE contract_id = $1`, id).Scan(&one)
	if err != nil {
		return notFound(err)
	}
	return models.ErrConflict
}

func (r *ContractsRepo) InsertCharge(ctx context.Context, ch models.Charge) error {
	if ch.ChargeID == uuid.Nil {
		ch.ChargeID = uuid.New()
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO contract_charges (charge_id, contract_id, amount_cents, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ch.ChargeID, ch.ContractID, ch.AmountCents, ch.Reason, ch.CreatedAt)
	return err
}

func (r *ContractsRepo) ListCharges(ctx context.Context, contractID uuid.UUID) ([]models.Charge, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT charge_id, contract_id, amount_cents, reason, created_at
		FROM contract_charges
		WHERE contract_id = $1
		ORDER BY created_at
	`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Charge
	for rows.Next() {
		var ch models.Charge
		if err := rows.Scan(&ch.ChargeID, &ch.ContractID, &ch.AmountCents, &ch.Reason, &ch.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (r *ContractsRepo) ListContractEvents(ctx context.Context, contractID uuid.UUID) ([]models.ContractEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, contract_id, event_type, from_status, to_status, occurred_at, actor_user_id, payload
		FROM contract_events
		WHERE contract_id = $1
		ORDER BY occurred_at, event_id
	`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ContractEvent
	for rows.Next() {
		var ev models.ContractEvent
		if err := rows.Scan(&ev.EventID, &ev.ContractID, &ev.EventType, &ev.FromStatus, &ev.ToStatus, &ev.OccurredAt, &ev.ActorUserID, &ev.Payload); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func appendContractEvent(ctx context.Context, db DBTX, ev models.ContractEvent) (models.ContractEvent, error) {
	if ev.EventID == uuid.Nil {
		ev.EventID = uuid.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	err := db.QueryRow(ctx, `
		INSERT INTO contract_events (event_id, contract_id, event_type, from_status, to_status, occurred_at, actor_user_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING event_id, contract_id, event_type, from_status, to_status, occurred_at, actor_user_id, payload
	`, ev.EventID, ev.ContractID, ev.EventType, ev.FromStatus, ev.ToStatus, ev.OccurredAt, ev.ActorUserID, ev.Payload).
		Scan(&ev.EventID, &ev.ContractID, &ev.EventType, &ev.FromStatus, &ev.ToStatus, &ev.OccurredAt, &ev.ActorUserID, &ev.Payload)
	return ev, err
}
