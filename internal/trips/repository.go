package trips

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/boleia/backend/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the embedded trips schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply trips schema: %w", err)
	}
	return nil
}

const tripColumns = `id, passenger_id, driver_id, pickup, dropoff, price, payment_method, status, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Repo = (*Repository)(nil)

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func scanTrip(row pgx.Row) (*models.Trip, error) {
	var t models.Trip
	err := row.Scan(&t.ID, &t.PassengerID, &t.DriverID, &t.Pickup, &t.Dropoff, &t.Price, &t.PaymentMethod, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) Create(ctx context.Context, t *models.Trip) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO trips (id, passenger_id, pickup, dropoff, price, payment_method, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, t.ID, t.PassengerID, t.Pickup, t.Dropoff, t.Price, t.PaymentMethod, t.Status).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Trip, error) {
	t, err := scanTrip(r.pool.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTripNotFound
	}
	return t, err
}

func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID, role models.Role, limit int) ([]*models.Trip, error) {
	column := "passenger_id"
	if role == models.RoleDriver {
		column = "driver_id"
	}
	return r.list(ctx, `SELECT `+tripColumns+` FROM trips WHERE `+column+` = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
}

func (r *Repository) ListOpen(ctx context.Context, limit int) ([]*models.Trip, error) {
	return r.list(ctx, `SELECT `+tripColumns+` FROM trips WHERE status = 'REQUESTING' ORDER BY created_at ASC LIMIT $1`, limit)
}

func (r *Repository) list(ctx context.Context, sql string, args ...any) ([]*models.Trip, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// Transition moves the trip to `to` only if its status is still one of
// `from`. A nil driverID keeps the current driver.
func (r *Repository) Transition(ctx context.Context, tx pgx.Tx, id uuid.UUID, from []string, to string, driverID *uuid.UUID) (*models.Trip, error) {
	t, err := scanTrip(tx.QueryRow(ctx, `
		UPDATE trips SET status = $3, driver_id = COALESCE($4, driver_id), updated_at = now()
		WHERE id = $1 AND status = ANY($2)
		RETURNING `+tripColumns, id, from, to, driverID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransitionConflict
	}
	return t, err
}

// Earnings sums completed trips and the commission rows written for them.
func (r *Repository) Earnings(ctx context.Context, driverID uuid.UUID, since time.Time) (*Earnings, error) {
	e := &Earnings{Since: since}
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(price), 0)
		FROM trips
		WHERE driver_id = $1 AND status = 'COMPLETED' AND updated_at >= $2
	`, driverID, since).Scan(&e.Trips, &e.Gross)
	if err != nil {
		return nil, err
	}
	var commission decimal.Decimal
	err = r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE user_id = $1 AND role = 'driver' AND type = 'COMMISSION_DEDUCTION' AND created_at >= $2
	`, driverID, since).Scan(&commission)
	if err != nil {
		return nil, err
	}
	e.Commission = commission.Neg()
	e.Net = e.Gross.Sub(e.Commission)
	return e, nil
}
