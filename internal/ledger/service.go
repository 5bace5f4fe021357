package ledger

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/boleia/backend/internal/metrics"
	"github.com/boleia/backend/internal/models"
)

// Store is the persistence the ledger service needs. *Repository is the
// production implementation.
type Store interface {
	GetOrCreate(ctx context.Context, userID uuid.UUID, role models.Role, currency string) (*models.Wallet, error)
	Get(ctx context.Context, userID uuid.UUID, role models.Role) (*models.Wallet, error)
	Increment(ctx context.Context, key string, userID uuid.UUID, role models.Role, delta decimal.Decimal) (decimal.Decimal, error)
	CompareAndSet(ctx context.Context, key string, userID uuid.UUID, role models.Role, expected, next decimal.Decimal) error
	Applied(ctx context.Context, key string) (bool, error)
	AppendTransaction(ctx context.Context, t *models.Transaction) error
	ListTransactions(ctx context.Context, userID uuid.UUID, role models.Role, limit int) ([]*models.Transaction, error)
}

type Service interface {
	// GetBalance returns the wallet, creating a zero-balance one on first access.
	GetBalance(ctx context.Context, userID uuid.UUID, role models.Role) (*models.Wallet, error)
	// Increment applies delta and returns the resulting balance. The key makes
	// the change idempotent; an empty key disables the guard.
	Increment(ctx context.Context, key string, userID uuid.UUID, role models.Role, delta decimal.Decimal) (decimal.Decimal, error)
	// Applied reports whether a change with this key was already made.
	Applied(ctx context.Context, key string) (bool, error)
	AppendTransaction(ctx context.Context, t *models.Transaction) error
	ListTransactions(ctx context.Context, userID uuid.UUID, role models.Role, limit int) ([]*models.Transaction, error)
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

type Options struct {
	Currency string
	// AllowUnsafeFallback lets Increment fall back to compare-and-set when
	// the increment procedure is missing. Off by default.
	AllowUnsafeFallback bool
	Logger              *slog.Logger
}

type service struct {
	store Store
	opts  Options
	log   *slog.Logger
}

func NewService(store Store, opts Options) Service {
	if opts.Currency == "" {
		opts.Currency = models.DefaultCurrency
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &service{store: store, opts: opts, log: log}
}

var _ Service = (*service)(nil)

func (s *service) GetBalance(ctx context.Context, userID uuid.UUID, role models.Role) (*models.Wallet, error) {
	if !role.Valid() {
		return nil, errors.New("invalid wallet role")
	}
	return s.store.GetOrCreate(ctx, userID, role, s.opts.Currency)
}

func (s *service) Increment(ctx context.Context, key string, userID uuid.UUID, role models.Role, delta decimal.Decimal) (decimal.Decimal, error) {
	balance, err := s.store.Increment(ctx, key, userID, role, delta)
	if err == nil || !errors.Is(err, ErrAtomicUnavailable) {
		return balance, err
	}
	if !s.opts.AllowUnsafeFallback {
		s.log.Error("balance increment procedure missing", "user_id", userID, "role", role, "error", err)
		return decimal.Zero, err
	}

	metrics.LedgerFallbacks.Inc()
	s.log.Warn("using compare-and-set balance fallback", "user_id", userID, "role", role, "delta", delta.String())

	w, err := s.store.Get(ctx, userID, role)
	if err != nil {
		return decimal.Zero, err
	}
	if w.Status != models.WalletStatusActive {
		return decimal.Zero, ErrWalletFrozen
	}
	next := w.Balance.Add(delta)
	if err := s.store.CompareAndSet(ctx, key, userID, role, w.Balance, next); err != nil {
		return decimal.Zero, err
	}
	return next, nil
}

func (s *service) Applied(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	return s.store.Applied(ctx, key)
}

func (s *service) AppendTransaction(ctx context.Context, t *models.Transaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return s.store.AppendTransaction(ctx, t)
}

func (s *service) ListTransactions(ctx context.Context, userID uuid.UUID, role models.Role, limit int) ([]*models.Transaction, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return s.store.ListTransactions(ctx, userID, role, limit)
}
