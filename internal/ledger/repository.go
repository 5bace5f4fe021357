package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/boleia/backend/internal/models"
)

//go:embed schema.sql
var schemaSQL string

var (
	ErrWalletNotFound = errors.New("wallet not found")
	ErrWalletFrozen   = errors.New("wallet is frozen")
	// ErrAtomicUnavailable means the server-side increment procedure is missing.
	ErrAtomicUnavailable = errors.New("atomic balance increment unavailable")
	// ErrConcurrentUpdate is returned by the compare-and-set fallback when the
	// balance moved between read and write.
	ErrConcurrentUpdate = errors.New("wallet balance changed concurrently")
	// ErrAlreadyApplied means the idempotency key was used before; nothing changed.
	ErrAlreadyApplied = errors.New("ledger change already applied")
)

type roleTables struct {
	wallets   string
	increment string
}

var tables = map[models.Role]roleTables{
	models.RoleDriver:    {wallets: "driver_wallets", increment: "increment_balance"},
	models.RolePassenger: {wallets: "passenger_wallets", increment: "increment_passenger_balance"},
}

func tablesFor(role models.Role) (roleTables, error) {
	t, ok := tables[role]
	if !ok {
		return roleTables{}, fmt.Errorf("unknown wallet role %q", role)
	}
	return t, nil
}

// Migrate applies the embedded wallet schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// GetOrCreate returns the wallet for (userID, role), inserting an empty one
// first if needed. ON CONFLICT keeps racing callers to a single row.
func (r *Repository) GetOrCreate(ctx context.Context, userID uuid.UUID, role models.Role, currency string) (*models.Wallet, error) {
	t, err := tablesFor(role)
	if err != nil {
		return nil, err
	}
	_, err = r.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (user_id, currency) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, t.wallets), userID, currency)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, userID, role)
}

func (r *Repository) Get(ctx context.Context, userID uuid.UUID, role models.Role) (*models.Wallet, error) {
	t, err := tablesFor(role)
	if err != nil {
		return nil, err
	}
	w := models.Wallet{Role: role}
	err = r.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT id, user_id, balance, currency, status, updated_at
		FROM %s WHERE user_id = $1
	`, t.wallets), userID).Scan(&w.ID, &w.UserID, &w.Balance, &w.Currency, &w.Status, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// Increment adds delta through the role's increment procedure. A non-empty key
// is claimed in ledger_credits inside the same transaction.
func (r *Repository) Increment(ctx context.Context, key string, userID uuid.UUID, role models.Role, delta decimal.Decimal) (decimal.Decimal, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	defer tx.Rollback(ctx)

	if err := claimKey(ctx, tx, key, userID, role, delta); err != nil {
		return decimal.Zero, err
	}
	balance, err := r.IncrementTx(ctx, tx, userID, role, delta)
	if err != nil {
		return decimal.Zero, err
	}
	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

// IncrementTx runs the increment procedure inside the caller's transaction.
func (r *Repository) IncrementTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, role models.Role, delta decimal.Decimal) (decimal.Decimal, error) {
	t, err := tablesFor(role)
	if err != nil {
		return decimal.Zero, err
	}
	var balance decimal.Decimal
	err = tx.QueryRow(ctx, fmt.Sprintf(`SELECT %s($1, $2)`, t.increment), userID, delta).Scan(&balance)
	if err != nil {
		return decimal.Zero, translate(err)
	}
	return balance, nil
}

// CompareAndSet writes next only if the stored balance still equals expected.
func (r *Repository) CompareAndSet(ctx context.Context, key string, userID uuid.UUID, role models.Role, expected, next decimal.Decimal) error {
	t, err := tablesFor(role)
	if err != nil {
		return err
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := claimKey(ctx, tx, key, userID, role, next.Sub(expected)); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET balance = $3, updated_at = now()
		WHERE user_id = $1 AND balance = $2 AND status = 'active'
	`, t.wallets), userID, expected, next)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentUpdate
	}
	return tx.Commit(ctx)
}

// Applied reports whether the idempotency key has already been claimed.
func (r *Repository) Applied(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_credits WHERE key = $1)`, key).Scan(&ok)
	return ok, err
}

func claimKey(ctx context.Context, tx pgx.Tx, key string, userID uuid.UUID, role models.Role, amount decimal.Decimal) error {
	if key == "" {
		return nil
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO ledger_credits (key, user_id, role, amount) VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING
	`, key, userID, string(role), amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyApplied
	}
	return nil
}

func (r *Repository) AppendTransaction(ctx context.Context, t *models.Transaction) error {
	return appendTransaction(ctx, r.pool, t)
}

// AppendTransactionTx inserts the audit row inside the caller's transaction.
func (r *Repository) AppendTransactionTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	return appendTransaction(ctx, tx, t)
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func appendTransaction(ctx context.Context, db execer, t *models.Transaction) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := db.Exec(ctx, `
		INSERT INTO transactions (id, user_id, role, amount, type, description, status, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, t.ID, t.UserID, string(t.Role), t.Amount, string(t.Type), t.Description, string(t.Status), t.Reference, t.CreatedAt)
	return err
}

func (r *Repository) ListTransactions(ctx context.Context, userID uuid.UUID, role models.Role, limit int) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, role, amount, type, description, status, reference, created_at
		FROM transactions WHERE user_id = $1 AND role = $2
		ORDER BY created_at DESC LIMIT $3
	`, userID, string(role), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Role, &t.Amount, &t.Type, &t.Description, &t.Status, &t.Reference, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}

func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42883": // undefined_function
			return fmt.Errorf("%w: %s", ErrAtomicUnavailable, pgErr.Message)
		case "P0002":
			return ErrWalletNotFound
		case "BW001":
			return ErrWalletFrozen
		}
	}
	return err
}
